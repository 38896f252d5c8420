package lots_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vestra/portfolio-engine/internal/lots"
	"github.com/vestra/portfolio-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var baseTime = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// trade builds a test trade n minutes after baseTime.
func trade(id string, minutes int, qty, price float64) model.Trade {
	return model.Trade{
		ID:          id,
		OwnerID:     "owner1",
		Symbol:      "ADBE",
		PerformedAt: baseTime.Add(time.Duration(minutes) * time.Minute),
		Quantity:    d(qty),
		Price:       d(price),
	}
}

func apply(t *testing.T, b *lots.Book, tr model.Trade) lots.Result {
	t.Helper()
	res, err := b.Apply(tr)
	if err != nil {
		t.Fatalf("apply %s: %v", tr.ID, err)
	}
	return res
}

func TestApply_BuyOpensLot(t *testing.T) {
	b := lots.NewBook("owner1", "ADBE", nil, nil)

	res := apply(t, b, trade("t1", 0, 10, 1.10))

	if len(res.LotsOpened) != 1 {
		t.Fatalf("expected 1 lot opened, got %d", len(res.LotsOpened))
	}
	lot := res.LotsOpened[0]
	if !lot.RemainingQuantity.Equal(d(10)) {
		t.Errorf("expected remaining 10, got %s", lot.RemainingQuantity)
	}
	if !lot.OpenPrice.Equal(d(1.10)) {
		t.Errorf("expected open price 1.10, got %s", lot.OpenPrice)
	}
	if lot.OpeningTradeID != "t1" {
		t.Errorf("expected opening trade t1, got %s", lot.OpeningTradeID)
	}
}

func TestApply_SellConsumesOldestFirst(t *testing.T) {
	b := lots.NewBook("owner1", "ADBE", nil, nil)
	first := apply(t, b, trade("t1", 0, 2, 1.10)).LotsOpened[0]
	second := apply(t, b, trade("t2", 10, 2, 1.20)).LotsOpened[0]

	res := apply(t, b, trade("t3", 20, -3, 1.50))

	if len(res.LotsOpened) != 0 {
		t.Fatalf("sell within open quantity must not open a lot")
	}
	if len(res.LotsClosed) != 2 {
		t.Fatalf("expected 2 closings, got %d", len(res.LotsClosed))
	}
	if res.LotsClosed[0].LotID != first.ID {
		t.Errorf("FIFO violated: first closing hit lot %s, want oldest %s", res.LotsClosed[0].LotID, first.ID)
	}
	if !res.LotsClosed[0].Quantity.Equal(d(2)) {
		t.Errorf("oldest lot should be fully consumed, got %s", res.LotsClosed[0].Quantity)
	}
	// 2 × (1.50 − 1.10) = 0.80
	if !res.LotsClosed[0].RealizedAmount.Equal(d(0.80)) {
		t.Errorf("expected realized 0.80 on oldest lot, got %s", res.LotsClosed[0].RealizedAmount)
	}
	if res.LotsClosed[1].LotID != second.ID {
		t.Errorf("second closing should hit lot %s, got %s", second.ID, res.LotsClosed[1].LotID)
	}
	// 1 × (1.50 − 1.20) = 0.30
	if !res.LotsClosed[1].RealizedAmount.Equal(d(0.30)) {
		t.Errorf("expected realized 0.30 on second lot, got %s", res.LotsClosed[1].RealizedAmount)
	}

	if !b.TotalQuantity().Equal(d(1)) {
		t.Errorf("expected net position 1, got %s", b.TotalQuantity())
	}
}

func TestApply_FullyClosedLotIsKept(t *testing.T) {
	b := lots.NewBook("owner1", "ADBE", nil, nil)
	apply(t, b, trade("t1", 0, 5, 1.00))
	apply(t, b, trade("t2", 10, -5, 2.00))

	all := b.Lots()
	if len(all) != 1 {
		t.Fatalf("fully closed lot must be kept, got %d lots", len(all))
	}
	if all[0].IsOpen() {
		t.Error("lot should be fully closed")
	}
	if !all[0].RealizedProfitOrLoss.Equal(d(5)) {
		t.Errorf("expected realized 5, got %s", all[0].RealizedProfitOrLoss)
	}
	if b.OpenLotCount() != 0 {
		t.Errorf("expected 0 open lots, got %d", b.OpenLotCount())
	}
}

func TestApply_ReopenCreatesNewLot(t *testing.T) {
	b := lots.NewBook("owner1", "ADBE", nil, nil)
	apply(t, b, trade("t1", 0, 5, 1.00))
	apply(t, b, trade("t2", 10, -5, 2.00))
	res := apply(t, b, trade("t3", 20, 3, 1.50))

	if len(res.LotsOpened) != 1 {
		t.Fatalf("reopening buy must create a new lot")
	}
	if res.LotsOpened[0].ID == b.Lots()[0].ID {
		t.Error("reopening must not reuse the closed lot row")
	}
	if len(b.Lots()) != 2 {
		t.Errorf("expected 2 lots (1 closed, 1 open), got %d", len(b.Lots()))
	}
}

func TestApply_OversellOpensShortLot(t *testing.T) {
	b := lots.NewBook("owner1", "ADBE", nil, nil)
	apply(t, b, trade("t1", 0, 2, 1.00))

	res := apply(t, b, trade("t2", 10, -5, 1.40))

	if len(res.LotsClosed) != 1 {
		t.Fatalf("expected 1 closing, got %d", len(res.LotsClosed))
	}
	if len(res.LotsOpened) != 1 {
		t.Fatalf("expected short lot for the overshoot")
	}
	short := res.LotsOpened[0]
	if !short.RemainingQuantity.Equal(d(-3)) {
		t.Errorf("expected short remaining -3, got %s", short.RemainingQuantity)
	}
	if !b.TotalQuantity().Equal(d(-3)) {
		t.Errorf("expected net position -3, got %s", b.TotalQuantity())
	}
}

func TestApply_BuyCoversShortFIFO(t *testing.T) {
	b := lots.NewBook("owner1", "ADBE", nil, nil)
	apply(t, b, trade("t1", 0, -4, 2.00)) // short 4 @ 2.00

	res := apply(t, b, trade("t2", 10, 3, 1.50)) // cover 3 @ 1.50

	if len(res.LotsClosed) != 1 {
		t.Fatalf("expected 1 closing, got %d", len(res.LotsClosed))
	}
	// 3 × (2.00 − 1.50) = 1.50 profit on the short.
	if !res.LotsClosed[0].RealizedAmount.Equal(d(1.50)) {
		t.Errorf("expected realized 1.50, got %s", res.LotsClosed[0].RealizedAmount)
	}
	if len(res.LotsOpened) != 0 {
		t.Error("cover within short quantity must not open a lot")
	}
	if !b.TotalQuantity().Equal(d(-1)) {
		t.Errorf("expected net position -1, got %s", b.TotalQuantity())
	}
}

func TestApply_ZeroQuantityRejected(t *testing.T) {
	b := lots.NewBook("owner1", "ADBE", nil, nil)
	if _, err := b.Apply(trade("t1", 0, 0, 1.00)); err == nil {
		t.Fatal("expected error for zero quantity")
	}
}

func TestRetract_SellRestoresLotExactly(t *testing.T) {
	b := lots.NewBook("owner1", "ADBE", nil, nil)
	apply(t, b, trade("t1", 0, 10, 1.10))
	sell := trade("t2", 10, -4, 1.50)
	apply(t, b, sell)

	if err := b.Retract(sell); err != nil {
		t.Fatalf("retract: %v", err)
	}

	all := b.Lots()
	if len(all) != 1 {
		t.Fatalf("expected 1 lot, got %d", len(all))
	}
	if !all[0].RemainingQuantity.Equal(d(10)) {
		t.Errorf("expected remaining restored to 10, got %s", all[0].RemainingQuantity)
	}
	if !all[0].RealizedProfitOrLoss.IsZero() {
		t.Errorf("expected realized restored to 0, got %s", all[0].RealizedProfitOrLoss)
	}
	if len(b.Closings()) != 0 {
		t.Errorf("expected closings removed, got %d", len(b.Closings()))
	}
}

func TestRetract_BuyRestoresShortLot(t *testing.T) {
	b := lots.NewBook("owner1", "ADBE", nil, nil)
	apply(t, b, trade("t1", 0, -4, 2.00))
	cover := trade("t2", 10, 3, 1.50)
	apply(t, b, cover)

	if err := b.Retract(cover); err != nil {
		t.Fatalf("retract: %v", err)
	}
	if !b.Lots()[0].RemainingQuantity.Equal(d(-4)) {
		t.Errorf("expected short remaining restored to -4, got %s", b.Lots()[0].RemainingQuantity)
	}
}

func TestRetract_OpeningTradeRemovesLot(t *testing.T) {
	b := lots.NewBook("owner1", "ADBE", nil, nil)
	buy := trade("t1", 0, 10, 1.10)
	apply(t, b, buy)

	if err := b.Retract(buy); err != nil {
		t.Fatalf("retract: %v", err)
	}
	if len(b.Lots()) != 0 {
		t.Errorf("expected lot removed, got %d lots", len(b.Lots()))
	}
}

func TestRetract_OpeningTradeWithLiveClosingsFails(t *testing.T) {
	b := lots.NewBook("owner1", "ADBE", nil, nil)
	buy := trade("t1", 0, 10, 1.10)
	apply(t, b, buy)
	apply(t, b, trade("t2", 10, -4, 1.50))

	// Out of order: the sell's closings still reference the lot.
	if err := b.Retract(buy); err == nil {
		t.Fatal("expected error retracting opening trade before its closings")
	}
}

func TestRetractReplay_RoundTrip(t *testing.T) {
	// Applying a trade sequence, retracting it in reverse, and replaying it
	// must land on the same aggregate state both times.
	seq := []model.Trade{
		trade("t1", 0, 2, 1.10),
		trade("t2", 10, 2, 1.20),
		trade("t3", 20, -3, 1.50),
		trade("t4", 30, -2, 1.30), // pushes into a short
		trade("t5", 40, 1, 1.00),  // partial cover
	}

	b := lots.NewBook("owner1", "ADBE", nil, nil)
	for _, tr := range seq {
		apply(t, b, tr)
	}
	wantQty := b.TotalQuantity()
	wantInvested := b.PresentInvestedAmount()

	for i := len(seq) - 1; i >= 0; i-- {
		if err := b.Retract(seq[i]); err != nil {
			t.Fatalf("retract %s: %v", seq[i].ID, err)
		}
	}
	if len(b.Lots()) != 0 || len(b.Closings()) != 0 {
		t.Fatalf("expected empty book after full retraction, got %d lots %d closings",
			len(b.Lots()), len(b.Closings()))
	}

	for _, tr := range seq {
		apply(t, b, tr)
	}
	if !b.TotalQuantity().Equal(wantQty) {
		t.Errorf("replayed quantity %s, want %s", b.TotalQuantity(), wantQty)
	}
	if !b.PresentInvestedAmount().Equal(wantInvested) {
		t.Errorf("replayed invested %s, want %s", b.PresentInvestedAmount(), wantInvested)
	}
}

func TestInvariant_NetPositionEqualsSumRemaining(t *testing.T) {
	// Σ remainingQuantity must equal the signed sum of all trade quantities
	// for any interleaving of buys and sells.
	seqs := [][]model.Trade{
		{trade("a1", 0, 5, 1), trade("a2", 1, -2, 2), trade("a3", 2, 4, 3)},
		{trade("b1", 0, -5, 1), trade("b2", 1, 2, 2), trade("b3", 2, -1, 3)},
		{trade("c1", 0, 1, 1), trade("c2", 1, -1, 1), trade("c3", 2, 1, 1), trade("c4", 3, -1, 1)},
	}

	for _, seq := range seqs {
		b := lots.NewBook("owner1", "ADBE", nil, nil)
		net := decimal.Zero
		for _, tr := range seq {
			apply(t, b, tr)
			net = net.Add(tr.Quantity)
			if !b.TotalQuantity().Equal(net) {
				t.Fatalf("after %s: book total %s, want %s", tr.ID, b.TotalQuantity(), net)
			}
		}
	}
}
