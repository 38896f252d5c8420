package fusion

import (
	"context"
	"sort"

	"github.com/vestra/portfolio-engine/internal/bus"
	"github.com/vestra/portfolio-engine/internal/marketdata"
	"github.com/vestra/portfolio-engine/internal/model"
)

// StreamHoldings opens a live holding-stats stream for an owner, optionally
// filtered to specific symbols. The first batch is the full current
// snapshot (emitted even when empty); later batches follow ledger changes
// and quote ticks. When a needed symbol has no resolvable market data the
// stream fails: errc carries a *marketdata.NotFoundError and the update
// channel closes.
func (s *Service) StreamHoldings(ctx context.Context, ownerID string, symbols []string) (<-chan []Update, <-chan error, error) {
	busSub, err := s.bus.Subscribe(ctx, ownerID)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.store.LatestHoldingStats(ctx, ownerID, symbols)
	if err != nil {
		busSub.Close()
		return nil, nil, err
	}

	updates := make(chan []Update, 16)
	errc := make(chan error, 1)
	go s.runHoldings(ctx, ownerID, toSet(symbols), rows, busSub, updates, errc)
	return updates, errc, nil
}

func (s *Service) runHoldings(
	ctx context.Context,
	ownerID string,
	filter map[string]bool,
	rows []model.HoldingStatsChange,
	busSub *bus.Subscription,
	updates chan<- []Update,
	errc chan<- error,
) {
	defer close(updates)
	defer busSub.Close()

	qt := newQuoteTracker(s.mux)
	defer qt.close()

	state := make(map[string]model.HoldingStatsChange, len(rows))
	for _, row := range rows {
		state[row.Symbol] = row
	}

	if err := qt.retarget(neededHoldingSymbols(state)); err != nil {
		errc <- err
		return
	}

	// Initial full snapshot, always emitted even when empty.
	initial := make([]Update, 0, len(state))
	for _, symbol := range sortedSymbols(state) {
		initial = append(initial, Update{
			Type: UpdateSet,
			Data: s.holdingUpdate(ownerID, state[symbol], qt),
		})
	}
	if !send(ctx, updates, initial) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-busSub.C:
			if !ok {
				return
			}
			set := intersect(event.HoldingStats.Set, filter)
			removed := intersect(event.HoldingStats.Remove, filter)
			if len(set) == 0 && len(removed) == 0 {
				continue
			}

			if len(set) > 0 {
				fresh, err := s.store.LatestHoldingStats(ctx, ownerID, set)
				if err != nil {
					errc <- err
					return
				}
				for _, row := range fresh {
					state[row.Symbol] = row
				}
			}
			for _, symbol := range removed {
				delete(state, symbol)
			}
			if err := qt.retarget(neededHoldingSymbols(state)); err != nil {
				errc <- err
				return
			}

			batch := make([]Update, 0, len(set)+len(removed))
			for _, symbol := range set {
				row, ok := state[symbol]
				if !ok {
					continue
				}
				batch = append(batch, Update{Type: UpdateSet, Data: s.holdingUpdate(ownerID, row, qt)})
			}
			for _, symbol := range removed {
				batch = append(batch, Update{
					Type: UpdateRemove,
					Data: HoldingUpdate{OwnerID: ownerID, Symbol: symbol},
				})
			}
			if !send(ctx, updates, batch) {
				return
			}

		case snap, ok := <-qt.C():
			if !ok {
				continue
			}
			changed, unresolved := qt.absorb(snap)
			if len(unresolved) > 0 {
				errc <- &marketdata.NotFoundError{Symbols: unresolved}
				return
			}
			batch := make([]Update, 0, len(changed))
			sort.Strings(changed)
			for _, symbol := range changed {
				row, ok := state[symbol]
				if !ok {
					continue
				}
				batch = append(batch, Update{Type: UpdateSet, Data: s.holdingUpdate(ownerID, row, qt)})
			}
			if len(batch) > 0 && !send(ctx, updates, batch) {
				return
			}
		}
	}
}

// holdingUpdate builds the live view of one holding row. Zero-quantity
// holdings stay first-class but carry no price-derived fields.
func (s *Service) holdingUpdate(ownerID string, row model.HoldingStatsChange, qt *quoteTracker) HoldingUpdate {
	u := HoldingUpdate{
		OwnerID:     ownerID,
		Symbol:      row.Symbol,
		ChangedAt:   row.ChangedAt,
		StatsTotals: row.StatsTotals,
	}
	if row.TotalQuantity.IsZero() {
		return u
	}
	quote := qt.quote(row.Symbol)
	if quote == nil {
		return u
	}
	u.PriceData = priceDataFrom(quote)
	mv := row.TotalQuantity.Mul(quote.RegularMarketPrice)
	u.MarketValue = &mv
	u.UnrealizedPnl = pnlOf(mv, row.TotalPresentInvestedAmount)
	return u
}

func neededHoldingSymbols(state map[string]model.HoldingStatsChange) []string {
	var out []string
	for symbol, row := range state {
		if !row.TotalQuantity.IsZero() {
			out = append(out, symbol)
		}
	}
	sort.Strings(out)
	return out
}

func sortedSymbols(state map[string]model.HoldingStatsChange) []string {
	out := make([]string, 0, len(state))
	for symbol := range state {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// send delivers one batch, honoring stream cancellation.
func send(ctx context.Context, updates chan<- []Update, batch []Update) bool {
	select {
	case updates <- batch:
		return true
	case <-ctx.Done():
		return false
	}
}
