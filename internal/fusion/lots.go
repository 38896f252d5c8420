package fusion

import (
	"context"
	"errors"
	"sort"

	"github.com/vestra/portfolio-engine/internal/bus"
	"github.com/vestra/portfolio-engine/internal/marketdata"
	"github.com/vestra/portfolio-engine/internal/model"
	"github.com/vestra/portfolio-engine/internal/store"
)

// StreamLots opens a live stream over a fixed set of lots. Unknown ids are
// rejected up front with *UnknownLotIDsError listing every missing id.
func (s *Service) StreamLots(ctx context.Context, ownerID string, lotIDs []string) (<-chan []Update, <-chan error, error) {
	lots, err := s.store.GetLots(ctx, lotIDs)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			missing, ferr := s.findMissingLots(ctx, lotIDs)
			if ferr != nil {
				return nil, nil, ferr
			}
			return nil, nil, &UnknownLotIDsError{IDs: missing}
		}
		return nil, nil, err
	}

	busSub, err := s.bus.Subscribe(ctx, ownerID)
	if err != nil {
		return nil, nil, err
	}

	updates := make(chan []Update, 16)
	errc := make(chan error, 1)
	go s.runLots(ctx, ownerID, toSet(lotIDs), lots, busSub, updates, errc)
	return updates, errc, nil
}

func (s *Service) findMissingLots(ctx context.Context, lotIDs []string) ([]string, error) {
	var missing []string
	for _, id := range lotIDs {
		_, err := s.store.GetLots(ctx, []string{id})
		if errors.Is(err, store.ErrNotFound) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	return missing, nil
}

func (s *Service) runLots(
	ctx context.Context,
	ownerID string,
	requested map[string]bool,
	lots []model.Lot,
	busSub *bus.Subscription,
	updates chan<- []Update,
	errc chan<- error,
) {
	defer close(updates)
	defer busSub.Close()

	qt := newQuoteTracker(s.mux)
	defer qt.close()

	state := make(map[string]model.Lot, len(lots))
	for _, lot := range lots {
		state[lot.ID] = lot
	}

	if err := qt.retarget(neededLotSymbols(state)); err != nil {
		errc <- err
		return
	}

	initial := make([]Update, 0, len(state))
	for _, id := range sortedLotIDs(state) {
		initial = append(initial, Update{Type: UpdateSet, Data: lotUpdate(state[id], qt)})
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
			set := intersect(event.Lots.Set, requested)
			removed := intersect(event.Lots.Remove, requested)
			if len(set) == 0 && len(removed) == 0 {
				continue
			}

			batch := make([]Update, 0, len(set)+len(removed))
			for _, id := range set {
				fresh, err := s.store.GetLots(ctx, []string{id})
				if errors.Is(err, store.ErrNotFound) {
					// Changed and gone again before we re-read; treat as
					// removed.
					if _, known := state[id]; known {
						delete(state, id)
						batch = append(batch, Update{Type: UpdateRemove, Data: LotUpdate{ID: id}})
					}
					continue
				}
				if err != nil {
					errc <- err
					return
				}
				state[id] = fresh[0]
				batch = append(batch, Update{Type: UpdateSet, Data: lotUpdate(fresh[0], qt)})
			}
			for _, id := range removed {
				if _, known := state[id]; !known {
					continue
				}
				delete(state, id)
				batch = append(batch, Update{Type: UpdateRemove, Data: LotUpdate{ID: id}})
			}
			if err := qt.retarget(neededLotSymbols(state)); err != nil {
				errc <- err
				return
			}
			if len(batch) > 0 && !send(ctx, updates, batch) {
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
			changedSet := toSet(changed)
			var batch []Update
			for _, id := range sortedLotIDs(state) {
				if changedSet[state[id].Symbol] {
					batch = append(batch, Update{Type: UpdateSet, Data: lotUpdate(state[id], qt)})
				}
			}
			if len(batch) > 0 && !send(ctx, updates, batch) {
				return
			}
		}
	}
}

// lotUpdate builds the live view of one lot. Fully closed lots carry no
// price-derived fields.
func lotUpdate(lot model.Lot, qt *quoteTracker) LotUpdate {
	u := LotUpdate{
		ID:                   lot.ID,
		OwnerID:              lot.OwnerID,
		Symbol:               lot.Symbol,
		OpeningTradeID:       lot.OpeningTradeID,
		OpenedAt:             lot.OpenedAt,
		OpenPrice:            lot.OpenPrice,
		RemainingQuantity:    lot.RemainingQuantity,
		RealizedProfitOrLoss: lot.RealizedProfitOrLoss,
	}
	if lot.RemainingQuantity.IsZero() {
		return u
	}
	quote := qt.quote(lot.Symbol)
	if quote == nil {
		return u
	}
	u.PriceData = priceDataFrom(quote)
	mv := lot.RemainingQuantity.Mul(quote.RegularMarketPrice)
	u.MarketValue = &mv
	u.UnrealizedPnl = pnlOf(mv, lot.RemainingQuantity.Mul(lot.OpenPrice))
	return u
}

func neededLotSymbols(state map[string]model.Lot) []string {
	seen := make(map[string]bool)
	var out []string
	for _, lot := range state {
		if lot.RemainingQuantity.IsZero() || seen[lot.Symbol] {
			continue
		}
		seen[lot.Symbol] = true
		out = append(out, lot.Symbol)
	}
	sort.Strings(out)
	return out
}

func sortedLotIDs(state map[string]model.Lot) []string {
	out := make([]string, 0, len(state))
	for id := range state {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
