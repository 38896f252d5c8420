// Package marketdata consumes live quote and FX streams and multiplexes
// them across subscribers: many logical specifiers share one upstream
// provider connection, de-duplicated by symbol and reference-counted.
//
// All monetary values use shopspring/decimal — never float64 for money.
package marketdata

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is one live observation for a symbol.
type Quote struct {
	Symbol             string          `json:"symbol"`
	RegularMarketPrice decimal.Decimal `json:"regularMarketPrice"`
	RegularMarketTime  time.Time       `json:"regularMarketTime"`
	MarketState        string          `json:"marketState"`
	Currency           string          `json:"currency"`
}

// Snapshot maps symbol → quote for one provider tick. A nil quote marks a
// symbol the provider cannot resolve.
type Snapshot map[string]*Quote

// Provider streams quote snapshots for a requested symbol set. The returned
// channel is closed when the stream ends; callers cancel via ctx.
type Provider interface {
	Observe(ctx context.Context, symbols []string) (<-chan Snapshot, error)
}

// NotFoundError is returned when one or more required symbols have no
// resolvable live quote. It carries the full unresolved list so callers can
// report every missing symbol at once.
type NotFoundError struct {
	Symbols []string
}

func (e *NotFoundError) Error() string {
	symbols := append([]string(nil), e.Symbols...)
	sort.Strings(symbols)
	return fmt.Sprintf("marketdata: no market data for symbols: %s", strings.Join(symbols, ", "))
}
