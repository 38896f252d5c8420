package subscription_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/vestra/portfolio-engine/internal/fusion"
	"github.com/vestra/portfolio-engine/internal/model"
	"github.com/vestra/portfolio-engine/internal/subscription"
)

func holding(symbol string, qty, realized int64) fusion.Update {
	return fusion.Update{
		Type: fusion.UpdateSet,
		Data: fusion.HoldingUpdate{
			OwnerID: "owner-1",
			Symbol:  symbol,
			StatsTotals: model.StatsTotals{
				TotalQuantity:       decimal.NewFromInt(qty),
				TotalRealizedAmount: decimal.NewFromInt(realized),
			},
		},
	}
}

func remove(symbol string) fusion.Update {
	return fusion.Update{
		Type: fusion.UpdateRemove,
		Data: fusion.HoldingUpdate{OwnerID: "owner-1", Symbol: symbol},
	}
}

func TestDifferFirstBatchAlwaysEmitted(t *testing.T) {
	d := subscription.NewDiffer(subscription.ParseFields("symbol,totalQuantity"))

	out, emit := d.Filter(nil)
	if !emit {
		t.Fatal("first batch must be emitted even when empty")
	}
	if len(out) != 0 {
		t.Errorf("expected empty first batch, got %+v", out)
	}

	_, emit = d.Filter(nil)
	if emit {
		t.Error("later empty batches must be suppressed")
	}
}

func TestDifferSuppressesUnrequestedFieldChange(t *testing.T) {
	d := subscription.NewDiffer(subscription.ParseFields("symbol,totalQuantity"))

	out, emit := d.Filter([]fusion.Update{holding("AAPL", 4, 0)})
	if !emit || len(out) != 1 {
		t.Fatalf("initial SET should pass, got emit=%v out=%+v", emit, out)
	}

	// Only totalRealizedAmount changed; the subscriber did not ask for it.
	_, emit = d.Filter([]fusion.Update{holding("AAPL", 4, 99)})
	if emit {
		t.Error("change to an unrequested field must be suppressed")
	}

	// totalQuantity changed; exactly one update passes.
	out, emit = d.Filter([]fusion.Update{holding("AAPL", 5, 99)})
	if !emit || len(out) != 1 {
		t.Errorf("requested-field change must emit exactly one update, got emit=%v out=%+v", emit, out)
	}
}

func TestDifferIdenticalResendSuppressed(t *testing.T) {
	d := subscription.NewDiffer(subscription.ParseFields(""))

	if _, emit := d.Filter([]fusion.Update{holding("AAPL", 4, 0)}); !emit {
		t.Fatal("initial SET should pass")
	}
	if _, emit := d.Filter([]fusion.Update{holding("AAPL", 4, 0)}); emit {
		t.Error("identical resend must be suppressed")
	}
}

func TestDifferRemoveAlwaysPasses(t *testing.T) {
	d := subscription.NewDiffer(subscription.ParseFields("symbol"))

	d.Filter([]fusion.Update{holding("AAPL", 4, 0)})

	out, emit := d.Filter([]fusion.Update{remove("AAPL")})
	if !emit || len(out) != 1 || out[0].Type != fusion.UpdateRemove {
		t.Fatalf("REMOVE must always pass, got emit=%v out=%+v", emit, out)
	}

	// After a remove, a re-set of the same key is new again.
	out, emit = d.Filter([]fusion.Update{holding("AAPL", 4, 0)})
	if !emit || len(out) != 1 {
		t.Errorf("re-set after remove must emit, got emit=%v out=%+v", emit, out)
	}
}

func TestDifferTracksEntriesIndependently(t *testing.T) {
	d := subscription.NewDiffer(subscription.ParseFields("symbol,totalQuantity"))

	d.Filter([]fusion.Update{holding("AAPL", 4, 0), holding("ADBE", 1, 0)})

	out, emit := d.Filter([]fusion.Update{holding("AAPL", 4, 0), holding("ADBE", 2, 0)})
	if !emit || len(out) != 1 {
		t.Fatalf("expected only the changed entry, got emit=%v out=%+v", emit, out)
	}
	if got := out[0].Data.(fusion.HoldingUpdate).Symbol; got != "ADBE" {
		t.Errorf("changed entry = %s, want ADBE", got)
	}
}
