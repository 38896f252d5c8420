package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vestra/portfolio-engine/internal/bus"
	"github.com/vestra/portfolio-engine/internal/ledger"
	"github.com/vestra/portfolio-engine/internal/model"
	"github.com/vestra/portfolio-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var baseTime = time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return baseTime.Add(time.Duration(minutes) * time.Minute)
}

func in(symbol string, minutes int, qty, price float64) ledger.TradeInput {
	return ledger.TradeInput{
		Symbol:      symbol,
		PerformedAt: at(minutes),
		Quantity:    d(qty),
		Price:       d(price),
	}
}

func setup(t *testing.T) (*store.MemoryStore, *bus.MemoryBus, *ledger.Service) {
	t.Helper()
	st := store.NewMemoryStore()
	b := bus.NewMemoryBus()
	err := st.UpsertInstruments(context.Background(), []model.InstrumentInfo{
		{Symbol: "AAPL", Name: "Apple Inc.", ExchangeMic: "XNAS", Currency: "USD"},
		{Symbol: "ADBE", Name: "Adobe Inc.", ExchangeMic: "XNAS", Currency: "USD"},
		{Symbol: "SAP", Name: "SAP SE", ExchangeMic: "XETR", Currency: "EUR"},
	})
	if err != nil {
		t.Fatalf("seed instruments: %v", err)
	}
	return st, b, ledger.NewService(st, b)
}

func latestHolding(t *testing.T, st store.Store, ownerID, symbol string) model.HoldingStatsChange {
	t.Helper()
	rows, err := st.LatestHoldingStats(context.Background(), ownerID, []string{symbol})
	if err != nil {
		t.Fatalf("latest holding stats: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 holding stats row for %s, got %d", symbol, len(rows))
	}
	return rows[0]
}

func latestCurrency(t *testing.T, st store.Store, ownerID, currency string) model.CurrencyStatsChange {
	t.Helper()
	rows, err := st.LatestCurrencyStats(context.Background(), ownerID, []string{currency})
	if err != nil {
		t.Fatalf("latest currency stats: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 currency stats row for %s, got %d", currency, len(rows))
	}
	return rows[0]
}

func recvEvent(t *testing.T, sub *bus.Subscription) bus.Event {
	t.Helper()
	select {
	case event := <-sub.C:
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for invalidation event")
		return bus.Event{}
	}
}

func TestSetTradesBuildsCumulativeStats(t *testing.T) {
	st, _, svc := setup(t)
	ctx := context.Background()

	summary, err := svc.SetTrades(ctx, "owner-1", []ledger.TradeInput{
		in("AAPL", 0, 2, 1.10),
		in("AAPL", 5, 2, 1.20),
	}, ledger.ModeMerge)
	if err != nil {
		t.Fatalf("set trades: %v", err)
	}
	if summary.Added != 2 || summary.Modified != 0 || summary.Removed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	holding := latestHolding(t, st, "owner-1", "AAPL")
	if holding.TotalLotCount != 2 {
		t.Errorf("lot count = %d, want 2", holding.TotalLotCount)
	}
	if !holding.TotalQuantity.Equal(d(4)) {
		t.Errorf("quantity = %s, want 4", holding.TotalQuantity)
	}
	if !holding.TotalPresentInvestedAmount.Equal(d(4.6)) {
		t.Errorf("invested = %s, want 4.6", holding.TotalPresentInvestedAmount)
	}
	if !holding.TotalRealizedAmount.IsZero() || !holding.TotalRealizedProfitOrLossAmount.IsZero() {
		t.Errorf("realized totals should be zero, got %s / %s",
			holding.TotalRealizedAmount, holding.TotalRealizedProfitOrLossAmount)
	}
	if !holding.ChangedAt.Equal(at(5)) {
		t.Errorf("changedAt = %s, want trade time %s", holding.ChangedAt, at(5))
	}

	currency := latestCurrency(t, st, "owner-1", "USD")
	if !currency.TotalQuantity.Equal(d(4)) || !currency.TotalPresentInvestedAmount.Equal(d(4.6)) {
		t.Errorf("currency totals = %s / %s, want 4 / 4.6",
			currency.TotalQuantity, currency.TotalPresentInvestedAmount)
	}
}

func TestSetTradesRealizedTotals(t *testing.T) {
	st, _, svc := setup(t)
	ctx := context.Background()

	_, err := svc.SetTrades(ctx, "owner-1", []ledger.TradeInput{
		in("AAPL", 0, 10, 10),
		in("AAPL", 5, -4, 15),
	}, ledger.ModeMerge)
	if err != nil {
		t.Fatalf("set trades: %v", err)
	}

	holding := latestHolding(t, st, "owner-1", "AAPL")
	if !holding.TotalQuantity.Equal(d(6)) {
		t.Errorf("quantity = %s, want 6", holding.TotalQuantity)
	}
	if !holding.TotalPresentInvestedAmount.Equal(d(60)) {
		t.Errorf("invested = %s, want 60", holding.TotalPresentInvestedAmount)
	}
	if !holding.TotalRealizedAmount.Equal(d(40)) {
		t.Errorf("realized amount = %s, want 40", holding.TotalRealizedAmount)
	}
	if !holding.TotalRealizedProfitOrLossAmount.Equal(d(20)) {
		t.Errorf("realized pnl = %s, want 20", holding.TotalRealizedProfitOrLossAmount)
	}
	if !holding.TotalRealizedProfitOrLossRate.Equal(d(50)) {
		t.Errorf("realized rate = %s, want 50", holding.TotalRealizedProfitOrLossRate)
	}
	if holding.TotalLotCount != 1 {
		t.Errorf("lot count = %d, want 1", holding.TotalLotCount)
	}
}

func TestSetTradesHistoricalEditRewritesChain(t *testing.T) {
	st, _, svc := setup(t)
	ctx := context.Background()

	_, err := svc.SetTrades(ctx, "owner-1", []ledger.TradeInput{
		in("AAPL", 0, 2, 1.10),
		in("AAPL", 5, 2, 1.20),
	}, ledger.ModeMerge)
	if err != nil {
		t.Fatalf("seed trades: %v", err)
	}

	// Re-state the first trade with a larger quantity; the second trade is
	// unchanged but its stats row must be rewritten on top of the new base.
	summary, err := svc.SetTrades(ctx, "owner-1", []ledger.TradeInput{
		in("AAPL", 0, 3, 1.10),
		in("AAPL", 5, 2, 1.20),
	}, ledger.ModeMerge)
	if err != nil {
		t.Fatalf("edit trade: %v", err)
	}
	if summary.Added != 0 || summary.Modified != 1 || summary.Removed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	chain, err := st.ListHoldingStats(ctx, "owner-1", "AAPL")
	if err != nil {
		t.Fatalf("list holding stats: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("chain length = %d, want 2", len(chain))
	}
	if !chain[0].TotalQuantity.Equal(d(3)) || !chain[0].TotalPresentInvestedAmount.Equal(d(3.3)) {
		t.Errorf("first row = %s / %s, want 3 / 3.3",
			chain[0].TotalQuantity, chain[0].TotalPresentInvestedAmount)
	}
	if !chain[1].TotalQuantity.Equal(d(5)) || !chain[1].TotalPresentInvestedAmount.Equal(d(5.7)) {
		t.Errorf("second row = %s / %s, want 5 / 5.7",
			chain[1].TotalQuantity, chain[1].TotalPresentInvestedAmount)
	}
}

func TestSetTradesIdempotentReplay(t *testing.T) {
	st, b, svc := setup(t)
	ctx := context.Background()

	inputs := []ledger.TradeInput{
		in("AAPL", 0, 10, 10),
		in("AAPL", 5, -4, 15),
		in("AAPL", 10, 6, 12),
	}
	if _, err := svc.SetTrades(ctx, "owner-1", inputs, ledger.ModeReplace); err != nil {
		t.Fatalf("first set: %v", err)
	}
	before := latestHolding(t, st, "owner-1", "AAPL")

	sub, err := b.Subscribe(ctx, "owner-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	summary, err := svc.SetTrades(ctx, "owner-1", inputs, ledger.ModeReplace)
	if err != nil {
		t.Fatalf("second set: %v", err)
	}
	if summary.Added+summary.Modified+summary.Removed != 0 {
		t.Fatalf("replay of identical input should be a no-op, got %+v", summary)
	}

	after := latestHolding(t, st, "owner-1", "AAPL")
	if !before.StatsTotals.Equal(after.StatsTotals) {
		t.Errorf("stats changed on no-op replay: %+v vs %+v", before.StatsTotals, after.StatsTotals)
	}
	select {
	case event := <-sub.C:
		t.Errorf("no-op replay published an event: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSetTradesMergeKeepsAbsentTrades(t *testing.T) {
	st, _, svc := setup(t)
	ctx := context.Background()

	if _, err := svc.SetTrades(ctx, "owner-1", []ledger.TradeInput{
		in("AAPL", 0, 2, 1.10),
	}, ledger.ModeMerge); err != nil {
		t.Fatalf("seed: %v", err)
	}

	summary, err := svc.SetTrades(ctx, "owner-1", []ledger.TradeInput{
		in("AAPL", 5, 2, 1.20),
	}, ledger.ModeMerge)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if summary.Added != 1 || summary.Removed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	trades, err := st.ListTrades(ctx, "owner-1", nil)
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("merge should keep the stored trade, got %d trades", len(trades))
	}
}

func TestSetTradesReplaceRemovesEverything(t *testing.T) {
	st, b, svc := setup(t)
	ctx := context.Background()

	if _, err := svc.SetTrades(ctx, "owner-1", []ledger.TradeInput{
		in("AAPL", 0, 2, 1.10),
		in("ADBE", 5, 1, 5),
	}, ledger.ModeMerge); err != nil {
		t.Fatalf("seed: %v", err)
	}

	sub, err := b.Subscribe(ctx, "owner-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	summary, err := svc.SetTrades(ctx, "owner-1", nil, ledger.ModeReplace)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if summary.Removed != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	trades, err := st.ListTrades(ctx, "owner-1", nil)
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	if len(trades) != 0 {
		t.Errorf("trades remain after replace with empty set: %d", len(trades))
	}
	rows, err := st.LatestHoldingStats(ctx, "owner-1", nil)
	if err != nil {
		t.Fatalf("latest holding stats: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("holding stats remain after replace with empty set: %d", len(rows))
	}
	lots, err := st.ListLots(ctx, "owner-1", nil)
	if err != nil {
		t.Fatalf("list lots: %v", err)
	}
	if len(lots) != 0 {
		t.Errorf("lots remain after replace with empty set: %d", len(lots))
	}

	event := recvEvent(t, sub)
	if len(event.HoldingStats.Remove) != 2 ||
		event.HoldingStats.Remove[0] != "AAPL" || event.HoldingStats.Remove[1] != "ADBE" {
		t.Errorf("holding removals = %v, want [AAPL ADBE]", event.HoldingStats.Remove)
	}
	if len(event.HoldingStats.Set) != 0 {
		t.Errorf("unexpected holding sets: %v", event.HoldingStats.Set)
	}
	if len(event.PortfolioStats.Remove) != 1 || event.PortfolioStats.Remove[0] != "USD" {
		t.Errorf("portfolio removals = %v, want [USD]", event.PortfolioStats.Remove)
	}
	if len(event.Lots.Remove) != 2 {
		t.Errorf("lot removals = %v, want 2 ids", event.Lots.Remove)
	}
}

func TestSetTradesPublishesOneEventPerCall(t *testing.T) {
	_, b, svc := setup(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "owner-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := svc.SetTrades(ctx, "owner-1", []ledger.TradeInput{
		in("AAPL", 0, 2, 1.10),
		in("SAP", 5, 1, 100),
	}, ledger.ModeMerge); err != nil {
		t.Fatalf("set trades: %v", err)
	}

	event := recvEvent(t, sub)
	if event.OwnerID != "owner-1" {
		t.Errorf("owner = %s, want owner-1", event.OwnerID)
	}
	if len(event.HoldingStats.Set) != 2 ||
		event.HoldingStats.Set[0] != "AAPL" || event.HoldingStats.Set[1] != "SAP" {
		t.Errorf("holding sets = %v, want [AAPL SAP]", event.HoldingStats.Set)
	}
	if len(event.PortfolioStats.Set) != 2 ||
		event.PortfolioStats.Set[0] != "EUR" || event.PortfolioStats.Set[1] != "USD" {
		t.Errorf("portfolio sets = %v, want [EUR USD]", event.PortfolioStats.Set)
	}
	if len(event.Lots.Set) != 2 {
		t.Errorf("lot sets = %v, want 2 ids", event.Lots.Set)
	}

	select {
	case extra := <-sub.C:
		t.Errorf("more than one event published: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSetTradesDuplicateInputRejected(t *testing.T) {
	st, _, svc := setup(t)
	ctx := context.Background()

	_, err := svc.SetTrades(ctx, "owner-1", []ledger.TradeInput{
		in("AAPL", 0, 2, 1.10),
		in("AAPL", 0, 3, 1.20),
	}, ledger.ModeMerge)

	var dup *ledger.DuplicateTradesError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateTradesError, got %v", err)
	}
	if len(dup.Pairs) != 1 || dup.Pairs[0].Symbol != "AAPL" || !dup.Pairs[0].PerformedAt.Equal(at(0)) {
		t.Errorf("unexpected duplicate pairs: %+v", dup.Pairs)
	}

	trades, err := st.ListTrades(ctx, "owner-1", nil)
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	if len(trades) != 0 {
		t.Errorf("ledger mutated despite duplicate input: %d trades", len(trades))
	}
}

func TestSetTradesUnknownSymbolRejected(t *testing.T) {
	_, _, svc := setup(t)

	_, err := svc.SetTrades(context.Background(), "owner-1", []ledger.TradeInput{
		in("NOPE", 0, 1, 1),
	}, ledger.ModeMerge)

	var unknown *ledger.UnknownSymbolsError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownSymbolsError, got %v", err)
	}
	if len(unknown.Symbols) != 1 || unknown.Symbols[0] != "NOPE" {
		t.Errorf("unexpected symbols: %v", unknown.Symbols)
	}
}

func TestSetTradesZeroQuantityRejected(t *testing.T) {
	_, _, svc := setup(t)

	_, err := svc.SetTrades(context.Background(), "owner-1", []ledger.TradeInput{
		in("AAPL", 0, 0, 1.10),
	}, ledger.ModeMerge)

	var invalid *ledger.InvalidTradeError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTradeError, got %v", err)
	}
}

func TestSetTradesEditRebuildsCurrencyAcrossSymbols(t *testing.T) {
	st, _, svc := setup(t)
	ctx := context.Background()

	if _, err := svc.SetTrades(ctx, "owner-1", []ledger.TradeInput{
		in("AAPL", 0, 2, 1.10),
		in("ADBE", 5, 1, 5),
		in("AAPL", 10, 2, 1.20),
	}, ledger.ModeMerge); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Reprice the first AAPL trade. ADBE is untouched but shares the USD
	// chain, so its contribution must survive the rebuild.
	if _, err := svc.SetTrades(ctx, "owner-1", []ledger.TradeInput{
		in("AAPL", 0, 2, 2.00),
	}, ledger.ModeMerge); err != nil {
		t.Fatalf("edit: %v", err)
	}

	currency := latestCurrency(t, st, "owner-1", "USD")
	if !currency.TotalQuantity.Equal(d(5)) {
		t.Errorf("currency quantity = %s, want 5", currency.TotalQuantity)
	}
	// 2×2.00 + 2×1.20 + 1×5 = 11.4
	if !currency.TotalPresentInvestedAmount.Equal(d(11.4)) {
		t.Errorf("currency invested = %s, want 11.4", currency.TotalPresentInvestedAmount)
	}
	if currency.TotalLotCount != 3 {
		t.Errorf("currency lot count = %d, want 3", currency.TotalLotCount)
	}
}

func TestSetTradesShortPositionStats(t *testing.T) {
	st, _, svc := setup(t)
	ctx := context.Background()

	if _, err := svc.SetTrades(ctx, "owner-1", []ledger.TradeInput{
		in("AAPL", 0, -5, 20),
		in("AAPL", 5, 2, 15),
	}, ledger.ModeMerge); err != nil {
		t.Fatalf("set trades: %v", err)
	}

	holding := latestHolding(t, st, "owner-1", "AAPL")
	if !holding.TotalQuantity.Equal(d(-3)) {
		t.Errorf("quantity = %s, want -3", holding.TotalQuantity)
	}
	if !holding.TotalPresentInvestedAmount.Equal(d(-60)) {
		t.Errorf("invested = %s, want -60", holding.TotalPresentInvestedAmount)
	}
	// Covered 2 shorted at 20 by buying at 15: released 40, profit 10.
	if !holding.TotalRealizedAmount.Equal(d(40)) {
		t.Errorf("realized amount = %s, want 40", holding.TotalRealizedAmount)
	}
	if !holding.TotalRealizedProfitOrLossAmount.Equal(d(10)) {
		t.Errorf("realized pnl = %s, want 10", holding.TotalRealizedProfitOrLossAmount)
	}
	if !holding.TotalRealizedProfitOrLossRate.Equal(d(25)) {
		t.Errorf("realized rate = %s, want 25", holding.TotalRealizedProfitOrLossRate)
	}
}

func TestSetTradesLotIDsStableForUntouchedLots(t *testing.T) {
	st, _, svc := setup(t)
	ctx := context.Background()

	if _, err := svc.SetTrades(ctx, "owner-1", []ledger.TradeInput{
		in("AAPL", 0, 2, 1.10),
		in("AAPL", 5, 2, 1.20),
	}, ledger.ModeMerge); err != nil {
		t.Fatalf("seed: %v", err)
	}
	before, err := st.ListLots(ctx, "owner-1", []string{"AAPL"})
	if err != nil {
		t.Fatalf("list lots: %v", err)
	}
	if len(before) != 2 {
		t.Fatalf("expected 2 lots, got %d", len(before))
	}

	// Appending a later trade must not reopen or rename the earlier lots.
	if _, err := svc.SetTrades(ctx, "owner-1", []ledger.TradeInput{
		in("AAPL", 10, 1, 1.30),
	}, ledger.ModeMerge); err != nil {
		t.Fatalf("append: %v", err)
	}
	after, err := st.ListLots(ctx, "owner-1", []string{"AAPL"})
	if err != nil {
		t.Fatalf("list lots: %v", err)
	}
	if len(after) != 3 {
		t.Fatalf("expected 3 lots, got %d", len(after))
	}

	ids := make(map[string]bool)
	for _, l := range after {
		ids[l.ID] = true
	}
	for _, l := range before {
		if !ids[l.ID] {
			t.Errorf("lot %s lost its id across an append-only change", l.ID)
		}
	}
}
