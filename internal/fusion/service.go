package fusion

import (
	"github.com/shopspring/decimal"

	"github.com/vestra/portfolio-engine/internal/bus"
	"github.com/vestra/portfolio-engine/internal/marketdata"
	"github.com/vestra/portfolio-engine/internal/store"
)

// Service produces live update streams. Each stream owns one bus
// subscription for its owner and a share of the multiplexed quote feed;
// storage is re-read on bus events rather than trusting in-process state.
type Service struct {
	store store.Store
	bus   bus.Bus
	mux   *marketdata.Mux
}

// NewService creates a fusion service over the given store, invalidation
// bus, and quote multiplexer.
func NewService(st store.Store, b bus.Bus, mux *marketdata.Mux) *Service {
	return &Service{store: st, bus: b, mux: mux}
}

// pnlOf computes unrealized P&L of a market value against its cost basis.
// The percentage is taken against the absolute cost basis so that a
// profitable short position reports a positive percent.
func pnlOf(marketValue, costBasis decimal.Decimal) *Pnl {
	amount := marketValue.Sub(costBasis)
	percent := decimal.Zero
	if !costBasis.IsZero() {
		percent = amount.Div(costBasis.Abs()).Mul(decimal.NewFromInt(100))
	}
	return &Pnl{Amount: amount, Percent: percent}
}

// quoteTracker manages one stream's share of the quote multiplexer: it
// retargets the subscription as the needed symbol set changes and keeps the
// latest resolved quote per symbol.
type quoteTracker struct {
	mux     *marketdata.Mux
	sub     *marketdata.MuxSub
	symbols map[string]bool
	quotes  map[string]*marketdata.Quote
}

func newQuoteTracker(mux *marketdata.Mux) *quoteTracker {
	return &quoteTracker{
		mux:     mux,
		symbols: make(map[string]bool),
		quotes:  make(map[string]*marketdata.Quote),
	}
}

// C returns the current snapshot channel; nil (blocking forever in a
// select) when nothing is subscribed.
func (qt *quoteTracker) C() <-chan marketdata.Snapshot {
	if qt.sub == nil {
		return nil
	}
	return qt.sub.C
}

// retarget points the subscription at the given symbol set. A no-op when
// the set is unchanged; otherwise the old subscription's refcounts are
// released and cached quotes for dropped symbols discarded.
func (qt *quoteTracker) retarget(symbols []string) error {
	next := make(map[string]bool, len(symbols))
	for _, symbol := range symbols {
		next[symbol] = true
	}
	if setsEqual(qt.symbols, next) {
		return nil
	}

	if qt.sub != nil {
		qt.sub.Close()
		qt.sub = nil
	}
	for symbol := range qt.quotes {
		if !next[symbol] {
			delete(qt.quotes, symbol)
		}
	}
	qt.symbols = next

	if len(symbols) == 0 {
		return nil
	}
	sub, err := qt.mux.Subscribe(symbols)
	if err != nil {
		return err
	}
	qt.sub = sub
	return nil
}

// absorb merges a snapshot into the cache. Returns the symbols whose quote
// changed and the symbols the provider reported unresolvable.
func (qt *quoteTracker) absorb(snap marketdata.Snapshot) (changed, unresolved []string) {
	for symbol, quote := range snap {
		if !qt.symbols[symbol] {
			continue
		}
		if quote == nil {
			unresolved = append(unresolved, symbol)
			continue
		}
		qt.quotes[symbol] = quote
		changed = append(changed, symbol)
	}
	return changed, unresolved
}

func (qt *quoteTracker) quote(symbol string) *marketdata.Quote {
	return qt.quotes[symbol]
}

func (qt *quoteTracker) close() {
	if qt.sub != nil {
		qt.sub.Close()
		qt.sub = nil
	}
}

func setsEqual(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

// intersect returns the members of items present in the filter. A nil
// filter passes everything through.
func intersect(items []string, filter map[string]bool) []string {
	if filter == nil {
		return items
	}
	var out []string
	for _, item := range items {
		if filter[item] {
			out = append(out, item)
		}
	}
	return out
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]bool, len(items))
	for _, item := range items {
		out[item] = true
	}
	return out
}
