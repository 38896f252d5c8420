package fusion

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vestra/portfolio-engine/internal/bus"
	"github.com/vestra/portfolio-engine/internal/marketdata"
	"github.com/vestra/portfolio-engine/internal/model"
)

// StreamPortfolio opens a live portfolio-stats stream for an owner. With an
// empty combineIn it emits one entry per settlement currency; with a target
// currency it emits a single combined entry converting every currency's
// contribution via FX cross rates and carrying per-holding portions.
func (s *Service) StreamPortfolio(ctx context.Context, ownerID, combineIn string) (<-chan []Update, <-chan error, error) {
	busSub, err := s.bus.Subscribe(ctx, ownerID)
	if err != nil {
		return nil, nil, err
	}

	state, err := s.pullPortfolio(ctx, ownerID)
	if err != nil {
		busSub.Close()
		return nil, nil, err
	}

	updates := make(chan []Update, 16)
	errc := make(chan error, 1)
	go s.runPortfolio(ctx, ownerID, combineIn, state, busSub, updates, errc)
	return updates, errc, nil
}

// portfolioState is the stored side of the portfolio computation, re-read
// in full on every bus event: the currency chains couple symbols together,
// so partial refreshes are not worth the bookkeeping.
type portfolioState struct {
	currencyRows map[string]model.CurrencyStatsChange
	holdingRows  map[string]model.HoldingStatsChange
	currencyOf   map[string]string
}

func (s *Service) pullPortfolio(ctx context.Context, ownerID string) (portfolioState, error) {
	state := portfolioState{
		currencyRows: make(map[string]model.CurrencyStatsChange),
		holdingRows:  make(map[string]model.HoldingStatsChange),
		currencyOf:   make(map[string]string),
	}

	currencyRows, err := s.store.LatestCurrencyStats(ctx, ownerID, nil)
	if err != nil {
		return portfolioState{}, err
	}
	for _, row := range currencyRows {
		state.currencyRows[row.ForCurrency] = row
	}

	holdingRows, err := s.store.LatestHoldingStats(ctx, ownerID, nil)
	if err != nil {
		return portfolioState{}, err
	}
	symbols := make([]string, 0, len(holdingRows))
	for _, row := range holdingRows {
		state.holdingRows[row.Symbol] = row
		symbols = append(symbols, row.Symbol)
	}
	if len(symbols) > 0 {
		infos, err := s.store.ListInstruments(ctx, symbols)
		if err != nil {
			return portfolioState{}, err
		}
		for _, info := range infos {
			state.currencyOf[info.Symbol] = info.Currency
		}
	}
	return state, nil
}

func (s *Service) runPortfolio(
	ctx context.Context,
	ownerID, combineIn string,
	state portfolioState,
	busSub *bus.Subscription,
	updates chan<- []Update,
	errc chan<- error,
) {
	defer close(updates)
	defer busSub.Close()

	qt := newQuoteTracker(s.mux)
	defer qt.close()

	retarget := func() error {
		needed, err := neededPortfolioSymbols(state, combineIn)
		if err != nil {
			return err
		}
		return qt.retarget(needed)
	}
	if err := retarget(); err != nil {
		errc <- err
		return
	}

	// Initial full snapshot, always emitted even when empty.
	if !send(ctx, updates, s.portfolioBatch(ownerID, combineIn, state, qt, nil)) {
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
			if event.HoldingStats.Empty() && event.PortfolioStats.Empty() {
				continue
			}
			fresh, err := s.pullPortfolio(ctx, ownerID)
			if err != nil {
				errc <- err
				return
			}
			state = fresh
			if err := retarget(); err != nil {
				errc <- err
				return
			}
			if !send(ctx, updates, s.portfolioBatch(ownerID, combineIn, state, qt, event.PortfolioStats.Remove)) {
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
			if len(changed) == 0 {
				continue
			}
			if !send(ctx, updates, s.portfolioBatch(ownerID, combineIn, state, qt, nil)) {
				return
			}
		}
	}
}

// portfolioBatch recomputes every emittable entry. Unchanged entries are
// suppressed downstream by the subscriber diff engine.
func (s *Service) portfolioBatch(ownerID, combineIn string, state portfolioState, qt *quoteTracker, removed []string) []Update {
	if combineIn != "" {
		return s.combinedBatch(ownerID, combineIn, state, qt, removed)
	}

	var batch []Update
	for _, currency := range sortedCurrencies(state.currencyRows) {
		batch = append(batch, Update{
			Type: UpdateSet,
			Data: s.currencyUpdate(ownerID, currency, state, qt),
		})
	}
	for _, currency := range removed {
		if _, still := state.currencyRows[currency]; still {
			continue
		}
		batch = append(batch, Update{
			Type: UpdateRemove,
			Data: PortfolioUpdate{OwnerID: ownerID, Currency: currency},
		})
	}
	if batch == nil {
		batch = []Update{}
	}
	return batch
}

func (s *Service) currencyUpdate(ownerID, currency string, state portfolioState, qt *quoteTracker) PortfolioUpdate {
	row := state.currencyRows[currency]
	u := PortfolioUpdate{
		OwnerID:     ownerID,
		Currency:    currency,
		ChangedAt:   row.ChangedAt,
		StatsTotals: row.StatsTotals,
	}
	mv, complete := currencyMarketValue(currency, state, qt)
	if complete {
		u.MarketValue = &mv
		u.UnrealizedPnl = pnlOf(mv, row.TotalPresentInvestedAmount)
	}
	return u
}

// currencyMarketValue sums qty × price over the currency's open holdings.
// complete is false while any needed quote is still missing.
func currencyMarketValue(currency string, state portfolioState, qt *quoteTracker) (decimal.Decimal, bool) {
	mv := decimal.Zero
	for symbol, row := range state.holdingRows {
		if state.currencyOf[symbol] != currency || row.TotalQuantity.IsZero() {
			continue
		}
		quote := qt.quote(symbol)
		if quote == nil {
			return decimal.Zero, false
		}
		mv = mv.Add(row.TotalQuantity.Mul(quote.RegularMarketPrice))
	}
	return mv, true
}

// combinedBatch emits the single combined entry, or a REMOVE when a ledger
// change just emptied the portfolio. While FX rates or quotes are still
// missing no entry is computable and the batch is empty.
func (s *Service) combinedBatch(ownerID, target string, state portfolioState, qt *quoteTracker, removed []string) []Update {
	if len(state.currencyRows) == 0 {
		if len(removed) == 0 {
			return []Update{}
		}
		return []Update{{
			Type: UpdateRemove,
			Data: PortfolioUpdate{OwnerID: ownerID, Currency: target, Combined: true},
		}}
	}
	update, ok := s.combinedUpdate(ownerID, target, state, qt)
	if !ok {
		return []Update{}
	}
	return []Update{{Type: UpdateSet, Data: update}}
}

func (s *Service) combinedUpdate(ownerID, target string, state portfolioState, qt *quoteTracker) (PortfolioUpdate, bool) {
	rates := make(map[string]decimal.Decimal, len(state.currencyRows))
	for currency := range state.currencyRows {
		if currency == target {
			rates[currency] = decimal.NewFromInt(1)
			continue
		}
		fx, err := marketdata.FXSymbol(currency, target)
		if err != nil {
			return PortfolioUpdate{}, false
		}
		quote := qt.quote(fx)
		if quote == nil {
			return PortfolioUpdate{}, false
		}
		rates[currency] = quote.RegularMarketPrice
	}

	var (
		changedAt time.Time
		totals    model.StatsTotals
		marketVal = decimal.Zero
	)
	for currency, row := range state.currencyRows {
		rate := rates[currency]
		mv, complete := currencyMarketValue(currency, state, qt)
		if !complete {
			return PortfolioUpdate{}, false
		}
		marketVal = marketVal.Add(mv.Mul(rate))

		totals.TotalLotCount += row.TotalLotCount
		totals.TotalQuantity = totals.TotalQuantity.Add(row.TotalQuantity)
		totals.TotalPresentInvestedAmount = totals.TotalPresentInvestedAmount.Add(row.TotalPresentInvestedAmount.Mul(rate))
		totals.TotalRealizedAmount = totals.TotalRealizedAmount.Add(row.TotalRealizedAmount.Mul(rate))
		totals.TotalRealizedProfitOrLossAmount = totals.TotalRealizedProfitOrLossAmount.Add(row.TotalRealizedProfitOrLossAmount.Mul(rate))
		if row.ChangedAt.After(changedAt) {
			changedAt = row.ChangedAt
		}
	}
	if !totals.TotalRealizedAmount.IsZero() {
		totals.TotalRealizedProfitOrLossRate = totals.TotalRealizedProfitOrLossAmount.
			Div(totals.TotalRealizedAmount).
			Mul(decimal.NewFromInt(100))
	}

	u := PortfolioUpdate{
		OwnerID:     ownerID,
		Currency:    target,
		Combined:    true,
		ChangedAt:   changedAt,
		StatsTotals: totals,
		MarketValue: &marketVal,
	}
	u.UnrealizedPnl = pnlOf(marketVal, totals.TotalPresentInvestedAmount)
	u.Holdings = holdingPortions(state, qt, rates, totals.TotalPresentInvestedAmount, marketVal, u.UnrealizedPnl.Amount)
	return u, true
}

// holdingPortions computes each open holding's percentage share of the
// combined cost basis, market value, and unrealized P&L.
func holdingPortions(
	state portfolioState,
	qt *quoteTracker,
	rates map[string]decimal.Decimal,
	totalCostBasis, totalMarketValue, totalPnl decimal.Decimal,
) []HoldingPortion {
	var portions []HoldingPortion
	for symbol, row := range state.holdingRows {
		if row.TotalQuantity.IsZero() {
			continue
		}
		rate, ok := rates[state.currencyOf[symbol]]
		if !ok {
			continue
		}
		quote := qt.quote(symbol)
		if quote == nil {
			continue
		}
		costBasis := row.TotalPresentInvestedAmount.Mul(rate)
		marketValue := row.TotalQuantity.Mul(quote.RegularMarketPrice).Mul(rate)
		pnl := marketValue.Sub(costBasis)
		portions = append(portions, HoldingPortion{
			Symbol:               symbol,
			CostBasisPortion:     portionOf(costBasis, totalCostBasis),
			MarketValuePortion:   portionOf(marketValue, totalMarketValue),
			UnrealizedPnlPortion: portionOf(pnl, totalPnl),
		})
	}
	sort.Slice(portions, func(i, j int) bool { return portions[i].Symbol < portions[j].Symbol })
	return portions
}

func portionOf(part, total decimal.Decimal) decimal.Decimal {
	if total.IsZero() {
		return decimal.Zero
	}
	return part.Div(total).Mul(decimal.NewFromInt(100))
}

// neededPortfolioSymbols is the quote subscription set: every open
// holding's symbol plus, in combined mode, one FX cross symbol per foreign
// currency.
func neededPortfolioSymbols(state portfolioState, combineIn string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for symbol, row := range state.holdingRows {
		if row.TotalQuantity.IsZero() || seen[symbol] {
			continue
		}
		seen[symbol] = true
		out = append(out, symbol)
	}
	if combineIn != "" {
		for currency := range state.currencyRows {
			if currency == combineIn {
				continue
			}
			fx, err := marketdata.FXSymbol(currency, combineIn)
			if err != nil {
				return nil, err
			}
			if !seen[fx] {
				seen[fx] = true
				out = append(out, fx)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func sortedCurrencies(rows map[string]model.CurrencyStatsChange) []string {
	out := make([]string, 0, len(rows))
	for currency := range rows {
		out = append(out, currency)
	}
	sort.Strings(out)
	return out
}
