package ledger

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// TradeKey identifies one execution slot: an owner may hold at most one
// trade per (symbol, performedAt) pair.
type TradeKey struct {
	Symbol      string    `json:"symbol"`
	PerformedAt time.Time `json:"performed_at"`
}

func (k TradeKey) String() string {
	return fmt.Sprintf("%s@%s", k.Symbol, k.PerformedAt.UTC().Format(time.RFC3339Nano))
}

// DuplicateTradesError is returned when the desired trade set contains more
// than one trade for the same (symbol, performedAt) pair. It is raised
// before any mutation; the ledger is left untouched.
type DuplicateTradesError struct {
	Pairs []TradeKey
}

func (e *DuplicateTradesError) Error() string {
	keys := make([]string, 0, len(e.Pairs))
	for _, k := range e.Pairs {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)
	return fmt.Sprintf("ledger: duplicate trades: %s", strings.Join(keys, ", "))
}

// UnknownSymbolsError is returned when trades reference symbols with no
// instrument info, so their currency cannot be resolved.
type UnknownSymbolsError struct {
	Symbols []string
}

func (e *UnknownSymbolsError) Error() string {
	symbols := append([]string(nil), e.Symbols...)
	sort.Strings(symbols)
	return fmt.Sprintf("ledger: unknown symbols: %s", strings.Join(symbols, ", "))
}

// InvalidTradeError is returned when a trade input fails basic validation.
type InvalidTradeError struct {
	Key    TradeKey
	Reason string
}

func (e *InvalidTradeError) Error() string {
	return fmt.Sprintf("ledger: invalid trade %s: %s", e.Key, e.Reason)
}
