// Package ledger implements the Ledger Reconciler: it diffs an incoming
// trade set against stored trades and replays the FIFO lot ledger and the
// stats change logs forward from the earliest divergence point.
//
// Every derived stats field is a running cumulative total, so a single
// historical edit invalidates every later snapshot for that symbol and its
// currency. The reconciler retracts affected trades in reverse
// chronological order, applies the mutation, then replays forward writing
// one fresh HoldingStatsChange row per symbol and one CurrencyStatsChange
// row per currency touched by each replayed trade. The whole sequence runs
// inside one storage transaction under a per-owner lock.
//
// All monetary values use shopspring/decimal — never float64 for money.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vestra/portfolio-engine/internal/bus"
	"github.com/vestra/portfolio-engine/internal/lots"
	"github.com/vestra/portfolio-engine/internal/metrics"
	"github.com/vestra/portfolio-engine/internal/model"
	"github.com/vestra/portfolio-engine/internal/store"
)

// Mode selects how the desired trade set is merged with stored trades.
type Mode string

const (
	// ModeMerge applies additions and modifications only; stored trades
	// absent from the input are kept.
	ModeMerge Mode = "MERGE"

	// ModeReplace makes the stored ledger equal to the input: anything
	// stored but absent from the input is removed.
	ModeReplace Mode = "REPLACE"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeMerge, ModeReplace:
		return Mode(s), nil
	}
	return "", fmt.Errorf("ledger: unknown mode %q", s)
}

// TradeInput is one desired trade as supplied by an import.
type TradeInput struct {
	Symbol      string          `json:"symbol"`
	PerformedAt time.Time       `json:"performed_at"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
}

// Summary reports the outcome of one SetTrades call.
type Summary struct {
	Added    int `json:"added"`
	Modified int `json:"modified"`
	Removed  int `json:"removed"`
}

// Service is the Ledger Reconciler. Concurrent SetTrades calls for the same
// owner are serialized; calls for different owners proceed independently.
type Service struct {
	store store.Store
	bus   bus.Bus
	locks sync.Map // ownerID → *sync.Mutex
}

// NewService creates a new reconciler.
func NewService(st store.Store, b bus.Bus) *Service {
	return &Service{store: st, bus: b}
}

func (s *Service) ownerLock(ownerID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(ownerID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func inputKey(in TradeInput) TradeKey {
	return TradeKey{Symbol: in.Symbol, PerformedAt: in.PerformedAt.UTC()}
}

func tradeKey(t model.Trade) TradeKey {
	return TradeKey{Symbol: t.Symbol, PerformedAt: t.PerformedAt.UTC()}
}

// SetTrades reconciles the owner's stored ledger with the desired trade
// set. Duplicate (symbol, performedAt) pairs in the input are rejected
// before any mutation. On success with at least one change, exactly one
// invalidation event is published for the owner.
func (s *Service) SetTrades(ctx context.Context, ownerID string, inputs []TradeInput, mode Mode) (Summary, error) {
	seen := make(map[TradeKey]bool, len(inputs))
	var dups []TradeKey
	for _, in := range inputs {
		key := inputKey(in)
		if in.Symbol == "" {
			return Summary{}, &InvalidTradeError{Key: key, Reason: "empty symbol"}
		}
		if in.Quantity.IsZero() {
			return Summary{}, &InvalidTradeError{Key: key, Reason: "zero quantity"}
		}
		if in.Price.IsNegative() {
			return Summary{}, &InvalidTradeError{Key: key, Reason: "negative price"}
		}
		if seen[key] {
			dups = append(dups, key)
		}
		seen[key] = true
	}
	if len(dups) > 0 {
		return Summary{}, &DuplicateTradesError{Pairs: dups}
	}

	mu := s.ownerLock(ownerID)
	mu.Lock()
	defer mu.Unlock()

	var summary Summary
	var event bus.Event
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		var err error
		summary, event, err = s.reconcile(ctx, tx, ownerID, inputs, mode)
		return err
	})
	if err != nil {
		return Summary{}, err
	}

	if !event.HoldingStats.Empty() || !event.PortfolioStats.Empty() || !event.Lots.Empty() {
		if err := s.bus.Publish(ctx, event); err != nil {
			// The ledger write is committed; subscribers will catch up on
			// their next event or resubscribe.
			slog.Error("ledger: publish invalidation failed", "owner", ownerID, "err", err)
		} else {
			metrics.BusEvents.Inc()
		}
		slog.Info("trades reconciled",
			"owner", ownerID,
			"mode", string(mode),
			"added", summary.Added,
			"modified", summary.Modified,
			"removed", summary.Removed,
		)
	}
	return summary, nil
}

func (s *Service) reconcile(ctx context.Context, tx store.Store, ownerID string, inputs []TradeInput, mode Mode) (Summary, bus.Event, error) {
	stored, err := tx.ListTrades(ctx, ownerID, nil)
	if err != nil {
		return Summary{}, bus.Event{}, err
	}

	storedByKey := make(map[TradeKey]model.Trade, len(stored))
	for _, t := range stored {
		storedByKey[tradeKey(t)] = t
	}

	// --- Symmetric difference keyed by (symbol, performedAt) ---

	var added, modified, removed []model.Trade
	desired := make(map[TradeKey]bool, len(inputs))
	for _, in := range inputs {
		key := inputKey(in)
		desired[key] = true
		if cur, ok := storedByKey[key]; ok {
			if cur.Quantity.Equal(in.Quantity) && cur.Price.Equal(in.Price) {
				continue
			}
			cur.Quantity = in.Quantity
			cur.Price = in.Price
			modified = append(modified, cur)
		} else {
			added = append(added, model.Trade{
				ID:          uuid.New().String(),
				OwnerID:     ownerID,
				Symbol:      in.Symbol,
				PerformedAt: in.PerformedAt.UTC(),
				Quantity:    in.Quantity,
				Price:       in.Price,
			})
		}
	}
	if mode == ModeReplace {
		for _, t := range stored {
			if !desired[tradeKey(t)] {
				removed = append(removed, t)
			}
		}
	}

	summary := Summary{Added: len(added), Modified: len(modified), Removed: len(removed)}
	if summary.Added+summary.Modified+summary.Removed == 0 {
		return Summary{}, bus.Event{}, nil
	}

	// --- Resolve currencies for every symbol in play ---

	symbolSet := make(map[string]bool)
	for _, t := range stored {
		symbolSet[t.Symbol] = true
	}
	for _, t := range added {
		symbolSet[t.Symbol] = true
	}
	currencyOf, err := resolveCurrencies(ctx, tx, symbolSet)
	if err != nil {
		return Summary{}, bus.Event{}, err
	}

	// --- Earliest divergence point and affected scope ---

	affected := make(map[string]bool)
	var t0 time.Time
	for _, group := range [][]model.Trade{added, modified, removed} {
		for _, t := range group {
			affected[t.Symbol] = true
			if t0.IsZero() || t.PerformedAt.Before(t0) {
				t0 = t.PerformedAt
			}
		}
	}
	affectedSymbols := sortedKeys(affected)

	affectedCurrencySet := make(map[string]bool)
	for _, sym := range affectedSymbols {
		affectedCurrencySet[currencyOf[sym]] = true
	}
	affectedCurrencies := sortedKeys(affectedCurrencySet)

	// --- Load books for affected symbols and retract from T0 ---

	beforeLots, err := tx.ListLots(ctx, ownerID, affectedSymbols)
	if err != nil {
		return Summary{}, bus.Event{}, err
	}
	beforeClosings, err := tx.ListLotClosings(ctx, ownerID, affectedSymbols)
	if err != nil {
		return Summary{}, bus.Event{}, err
	}

	books := make(map[string]*lots.Book, len(affectedSymbols))
	for _, sym := range affectedSymbols {
		var symLots []model.Lot
		for _, l := range beforeLots {
			if l.Symbol == sym {
				symLots = append(symLots, l)
			}
		}
		var symClosings []model.LotClosing
		for _, c := range beforeClosings {
			if c.Symbol == sym {
				symClosings = append(symClosings, c)
			}
		}
		books[sym] = lots.NewBook(ownerID, sym, symLots, symClosings)
	}

	storedBySymbol := groupBySymbol(stored)
	for _, sym := range affectedSymbols {
		seq := storedBySymbol[sym]
		for i := len(seq) - 1; i >= 0; i-- {
			if seq[i].PerformedAt.Before(t0) {
				continue
			}
			if err := books[sym].Retract(seq[i]); err != nil {
				return Summary{}, bus.Event{}, fmt.Errorf("retract trade %s: %w", seq[i].ID, err)
			}
		}
	}

	// --- Apply the ledger mutation ---

	if err := tx.InsertTrades(ctx, added); err != nil {
		return Summary{}, bus.Event{}, err
	}
	if err := tx.UpdateTrades(ctx, modified); err != nil {
		return Summary{}, bus.Event{}, err
	}
	removedIDs := make([]string, 0, len(removed))
	for _, t := range removed {
		removedIDs = append(removedIDs, t.ID)
	}
	if err := tx.DeleteTrades(ctx, removedIDs); err != nil {
		return Summary{}, bus.Event{}, err
	}

	final := make(map[string]model.Trade, len(stored))
	for _, t := range stored {
		final[t.ID] = t
	}
	for _, t := range modified {
		final[t.ID] = t
	}
	for _, id := range removedIDs {
		delete(final, id)
	}
	for _, t := range added {
		final[t.ID] = t
	}
	finalBySymbol := groupBySymbol(flatten(final))

	// --- Replay holdings forward from T0 ---

	if err := tx.DeleteHoldingStatsFrom(ctx, ownerID, affectedSymbols, t0); err != nil {
		return Summary{}, bus.Event{}, err
	}

	newRows := make(map[string][]model.HoldingStatsChange, len(affectedSymbols))
	bases := make(map[string]*model.HoldingStatsChange, len(affectedSymbols))
	for _, sym := range affectedSymbols {
		base, err := tx.HoldingStatsAsOf(ctx, ownerID, sym, t0)
		if err != nil {
			return Summary{}, bus.Event{}, err
		}
		bases[sym] = base

		prev := model.StatsTotals{}
		if base != nil {
			prev = base.StatsTotals
		}

		book := books[sym]
		var rows []model.HoldingStatsChange
		for _, t := range finalBySymbol[sym] {
			if t.PerformedAt.Before(t0) {
				continue
			}
			res, err := book.Apply(t)
			if err != nil {
				return Summary{}, bus.Event{}, fmt.Errorf("replay trade %s: %w", t.ID, err)
			}
			totals := foldTotals(prev, book, res)
			rows = append(rows, model.HoldingStatsChange{
				OwnerID:        ownerID,
				Symbol:         sym,
				RelatedTradeID: t.ID,
				ChangedAt:      t.PerformedAt,
				StatsTotals:    totals,
			})
			prev = totals
		}
		if err := tx.InsertHoldingStats(ctx, rows); err != nil {
			return Summary{}, bus.Event{}, err
		}
		newRows[sym] = rows
	}

	// --- Rebuild currency chains from T0 ---

	if err := tx.DeleteCurrencyStatsFrom(ctx, ownerID, affectedCurrencies, t0); err != nil {
		return Summary{}, bus.Event{}, err
	}
	if err := s.rebuildCurrencyStats(ctx, tx, ownerID, t0, affectedCurrencies, affected, currencyOf, finalBySymbol, newRows, bases); err != nil {
		return Summary{}, bus.Event{}, err
	}

	// --- Write back lots and closings ---

	var afterLots []model.Lot
	var afterClosings []model.LotClosing
	for _, sym := range affectedSymbols {
		afterLots = append(afterLots, books[sym].Lots()...)
		afterClosings = append(afterClosings, books[sym].Closings()...)
	}
	if err := tx.ReplaceLots(ctx, ownerID, affectedSymbols, afterLots); err != nil {
		return Summary{}, bus.Event{}, err
	}
	if err := tx.ReplaceLotClosings(ctx, ownerID, affectedSymbols, afterClosings); err != nil {
		return Summary{}, bus.Event{}, err
	}

	event := buildEvent(ownerID, affectedSymbols, affectedCurrencies, currencyOf, finalBySymbol, beforeLots, afterLots)
	return summary, event, nil
}

// foldTotals computes the next cumulative totals snapshot from the previous
// one plus one applied trade. Present figures come straight from the book;
// realized figures accumulate.
func foldTotals(prev model.StatsTotals, book *lots.Book, res lots.Result) model.StatsTotals {
	released := decimal.Zero
	realized := decimal.Zero
	for _, closing := range res.LotsClosed {
		if lot, ok := book.Lot(closing.LotID); ok {
			released = released.Add(closing.Quantity.Mul(lot.OpenPrice))
		}
		realized = realized.Add(closing.RealizedAmount)
	}

	totals := model.StatsTotals{
		TotalLotCount:                   book.OpenLotCount(),
		TotalQuantity:                   book.TotalQuantity(),
		TotalPresentInvestedAmount:      book.PresentInvestedAmount(),
		TotalRealizedAmount:             prev.TotalRealizedAmount.Add(released),
		TotalRealizedProfitOrLossAmount: prev.TotalRealizedProfitOrLossAmount.Add(realized),
	}
	totals.TotalRealizedProfitOrLossRate = realizedRate(totals)
	return totals
}

// realizedRate returns the realized P&L as a percentage of the realized
// (released) cost basis.
func realizedRate(totals model.StatsTotals) decimal.Decimal {
	if totals.TotalRealizedAmount.IsZero() {
		return decimal.Zero
	}
	return totals.TotalRealizedProfitOrLossAmount.
		Div(totals.TotalRealizedAmount).
		Mul(decimal.NewFromInt(100))
}

// rebuildCurrencyStats rewrites the per-currency chains from T0. A currency
// chain folds the holding-row deltas of every trade (across all of the
// owner's symbols in that currency) in chronological order, so trades of
// unaffected symbols contribute their stored rows unchanged.
func (s *Service) rebuildCurrencyStats(
	ctx context.Context,
	tx store.Store,
	ownerID string,
	t0 time.Time,
	affectedCurrencies []string,
	affectedSymbols map[string]bool,
	currencyOf map[string]string,
	finalBySymbol map[string][]model.Trade,
	newRows map[string][]model.HoldingStatsChange,
	bases map[string]*model.HoldingStatsChange,
) error {
	for _, currency := range affectedCurrencies {
		// Collect, per symbol in this currency, the holding rows from T0 on
		// and the totals just before T0.
		prevTotals := make(map[string]model.StatsTotals)
		var merged []model.HoldingStatsChange

		for sym, trades := range finalBySymbol {
			if currencyOf[sym] != currency || len(trades) == 0 {
				continue
			}
			if affectedSymbols[sym] {
				if base := bases[sym]; base != nil {
					prevTotals[sym] = base.StatsTotals
				}
				merged = append(merged, newRows[sym]...)
				continue
			}
			chain, err := tx.ListHoldingStats(ctx, ownerID, sym)
			if err != nil {
				return err
			}
			for _, row := range chain {
				if row.ChangedAt.Before(t0) {
					prevTotals[sym] = row.StatsTotals
					continue
				}
				merged = append(merged, row)
			}
		}

		sort.Slice(merged, func(i, j int) bool {
			if !merged[i].ChangedAt.Equal(merged[j].ChangedAt) {
				return merged[i].ChangedAt.Before(merged[j].ChangedAt)
			}
			if merged[i].Symbol != merged[j].Symbol {
				return merged[i].Symbol < merged[j].Symbol
			}
			return merged[i].RelatedTradeID < merged[j].RelatedTradeID
		})

		base, err := tx.CurrencyStatsAsOf(ctx, ownerID, currency, t0)
		if err != nil {
			return err
		}
		totals := model.StatsTotals{}
		if base != nil {
			totals = base.StatsTotals
		}

		var rows []model.CurrencyStatsChange
		for _, row := range merged {
			prev := prevTotals[row.Symbol]
			totals = model.StatsTotals{
				TotalLotCount:                   totals.TotalLotCount + row.TotalLotCount - prev.TotalLotCount,
				TotalQuantity:                   totals.TotalQuantity.Add(row.TotalQuantity).Sub(prev.TotalQuantity),
				TotalPresentInvestedAmount:      totals.TotalPresentInvestedAmount.Add(row.TotalPresentInvestedAmount).Sub(prev.TotalPresentInvestedAmount),
				TotalRealizedAmount:             totals.TotalRealizedAmount.Add(row.TotalRealizedAmount).Sub(prev.TotalRealizedAmount),
				TotalRealizedProfitOrLossAmount: totals.TotalRealizedProfitOrLossAmount.Add(row.TotalRealizedProfitOrLossAmount).Sub(prev.TotalRealizedProfitOrLossAmount),
			}
			totals.TotalRealizedProfitOrLossRate = realizedRate(totals)
			prevTotals[row.Symbol] = row.StatsTotals

			rows = append(rows, model.CurrencyStatsChange{
				OwnerID:        ownerID,
				ForCurrency:    currency,
				RelatedTradeID: row.RelatedTradeID,
				ChangedAt:      row.ChangedAt,
				StatsTotals:    totals,
			})
		}
		if err := tx.InsertCurrencyStats(ctx, rows); err != nil {
			return err
		}
	}
	return nil
}

// buildEvent summarizes the mutation for the invalidation bus: identifiers
// only, no payload data.
func buildEvent(
	ownerID string,
	affectedSymbols, affectedCurrencies []string,
	currencyOf map[string]string,
	finalBySymbol map[string][]model.Trade,
	beforeLots, afterLots []model.Lot,
) bus.Event {
	event := bus.Event{OwnerID: ownerID}

	for _, sym := range affectedSymbols {
		if len(finalBySymbol[sym]) > 0 {
			event.HoldingStats.Set = append(event.HoldingStats.Set, sym)
		} else {
			event.HoldingStats.Remove = append(event.HoldingStats.Remove, sym)
		}
	}

	remaining := make(map[string]bool)
	for sym, trades := range finalBySymbol {
		if len(trades) > 0 {
			remaining[currencyOf[sym]] = true
		}
	}
	for _, currency := range affectedCurrencies {
		if remaining[currency] {
			event.PortfolioStats.Set = append(event.PortfolioStats.Set, currency)
		} else {
			event.PortfolioStats.Remove = append(event.PortfolioStats.Remove, currency)
		}
	}

	before := make(map[string]model.Lot, len(beforeLots))
	for _, l := range beforeLots {
		before[l.ID] = l
	}
	after := make(map[string]bool, len(afterLots))
	for _, l := range afterLots {
		after[l.ID] = true
		prev, existed := before[l.ID]
		if !existed ||
			!prev.RemainingQuantity.Equal(l.RemainingQuantity) ||
			!prev.RealizedProfitOrLoss.Equal(l.RealizedProfitOrLoss) {
			event.Lots.Set = append(event.Lots.Set, l.ID)
		}
	}
	for _, l := range beforeLots {
		if !after[l.ID] {
			event.Lots.Remove = append(event.Lots.Remove, l.ID)
		}
	}

	sort.Strings(event.Lots.Set)
	sort.Strings(event.Lots.Remove)
	return event
}

func resolveCurrencies(ctx context.Context, tx store.Store, symbolSet map[string]bool) (map[string]string, error) {
	symbols := sortedKeys(symbolSet)
	if len(symbols) == 0 {
		return map[string]string{}, nil
	}
	infos, err := tx.ListInstruments(ctx, symbols)
	if err != nil {
		return nil, err
	}

	currencyOf := make(map[string]string, len(infos))
	for _, info := range infos {
		currencyOf[info.Symbol] = info.Currency
	}

	var missing []string
	for _, sym := range symbols {
		if _, ok := currencyOf[sym]; !ok {
			missing = append(missing, sym)
		}
	}
	if len(missing) > 0 {
		return nil, &UnknownSymbolsError{Symbols: missing}
	}
	return currencyOf, nil
}

func groupBySymbol(trades []model.Trade) map[string][]model.Trade {
	out := make(map[string][]model.Trade)
	for _, t := range trades {
		out[t.Symbol] = append(out[t.Symbol], t)
	}
	for sym := range out {
		seq := out[sym]
		sort.Slice(seq, func(i, j int) bool {
			if !seq[i].PerformedAt.Equal(seq[j].PerformedAt) {
				return seq[i].PerformedAt.Before(seq[j].PerformedAt)
			}
			return seq[i].ID < seq[j].ID
		})
	}
	return out
}

func flatten(m map[string]model.Trade) []model.Trade {
	out := make([]model.Trade, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	return out
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
