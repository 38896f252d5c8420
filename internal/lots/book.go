// Package lots implements the FIFO tax-lot engine for one owner/symbol pair.
//
// A buy trade opens a new lot; a sell trade consumes open lots oldest-first,
// recording one LotClosing per consumed lot so the whole effect can be
// undone exactly during ledger replay. Selling past the open quantity opens
// a short lot, and later buys cover shorts with the same FIFO rule.
//
// All monetary values use shopspring/decimal — never float64 for money.
package lots

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vestra/portfolio-engine/internal/model"
)

var (
	// ErrZeroQuantity is returned when a trade carries no quantity.
	ErrZeroQuantity = errors.New("lots: trade quantity must be non-zero")

	// ErrWrongSymbol is returned when a trade is applied to a book for a
	// different symbol.
	ErrWrongSymbol = errors.New("lots: trade symbol does not match book")

	// ErrLotStillClosed is returned when retracting an opening trade whose
	// lot still has closings recorded against it. Retraction must proceed
	// in reverse chronological order, so this indicates a replay bug.
	ErrLotStillClosed = errors.New("lots: cannot retract opening trade, lot has remaining closings")
)

// Result describes the lot-level effect of applying one trade.
type Result struct {
	LotsOpened []model.Lot
	LotsClosed []model.LotClosing
}

// Book is the working set of lots and closings for one (owner, symbol).
// It is not safe for concurrent use; the Ledger Reconciler serializes
// access per owner.
type Book struct {
	ownerID  string
	symbol   string
	lots     []*model.Lot
	closings []model.LotClosing
}

// NewBook builds a book from stored lots and closings. Lots are ordered
// oldest-first by (openedAt, openingTradeID), which is the FIFO consumption
// order.
func NewBook(ownerID, symbol string, stored []model.Lot, closings []model.LotClosing) *Book {
	b := &Book{
		ownerID:  ownerID,
		symbol:   symbol,
		closings: append([]model.LotClosing(nil), closings...),
	}
	for i := range stored {
		lot := stored[i]
		b.lots = append(b.lots, &lot)
	}
	b.sortLots()
	return b
}

func (b *Book) sortLots() {
	sort.SliceStable(b.lots, func(i, j int) bool {
		if !b.lots[i].OpenedAt.Equal(b.lots[j].OpenedAt) {
			return b.lots[i].OpenedAt.Before(b.lots[j].OpenedAt)
		}
		return b.lots[i].OpeningTradeID < b.lots[j].OpeningTradeID
	})
}

// Apply executes one trade against the book. Opposite-direction open lots
// are consumed oldest-first; any quantity left over opens a new lot in the
// trade's direction. Returns the lots opened and closings recorded.
func (b *Book) Apply(trade model.Trade) (Result, error) {
	if trade.Symbol != b.symbol {
		return Result{}, fmt.Errorf("%w: got %s, book is %s", ErrWrongSymbol, trade.Symbol, b.symbol)
	}
	if trade.Quantity.IsZero() {
		return Result{}, ErrZeroQuantity
	}

	buying := trade.Quantity.IsPositive()
	remaining := trade.Quantity.Abs()

	var res Result

	for _, lot := range b.lots {
		if remaining.IsZero() {
			break
		}
		// A buy covers short lots, a sell closes long lots.
		if buying && !lot.RemainingQuantity.IsNegative() {
			continue
		}
		if !buying && !lot.RemainingQuantity.IsPositive() {
			continue
		}

		closable := decimal.Min(remaining, lot.RemainingQuantity.Abs())

		var realized decimal.Decimal
		if buying {
			// Covering a short: profit when the cover price is below the
			// short's opening price.
			realized = closable.Mul(lot.OpenPrice.Sub(trade.Price))
			lot.RemainingQuantity = lot.RemainingQuantity.Add(closable)
		} else {
			realized = closable.Mul(trade.Price.Sub(lot.OpenPrice))
			lot.RemainingQuantity = lot.RemainingQuantity.Sub(closable)
		}
		lot.RealizedProfitOrLoss = lot.RealizedProfitOrLoss.Add(realized)

		closing := model.LotClosing{
			LotID:          lot.ID,
			ClosingTradeID: trade.ID,
			OwnerID:        b.ownerID,
			Symbol:         b.symbol,
			Quantity:       closable,
			RealizedAmount: realized,
		}
		b.closings = append(b.closings, closing)
		res.LotsClosed = append(res.LotsClosed, closing)

		remaining = remaining.Sub(closable)
	}

	if remaining.IsPositive() {
		qty := remaining
		if !buying {
			qty = remaining.Neg()
		}
		lot := &model.Lot{
			ID:                   uuid.New().String(),
			OwnerID:              b.ownerID,
			Symbol:               b.symbol,
			OpeningTradeID:       trade.ID,
			OpenedAt:             trade.PerformedAt,
			OpenPrice:            trade.Price,
			RemainingQuantity:    qty,
			RealizedProfitOrLoss: decimal.Zero,
		}
		b.lots = append(b.lots, lot)
		b.sortLots()
		res.LotsOpened = append(res.LotsOpened, *lot)
	}

	return res, nil
}

// Retract undoes the exact effect of a previously applied trade: its
// closings are reversed using the recorded quantities and the lot it opened
// (if any) is removed. Callers must retract in reverse chronological order.
func (b *Book) Retract(trade model.Trade) error {
	if trade.Symbol != b.symbol {
		return fmt.Errorf("%w: got %s, book is %s", ErrWrongSymbol, trade.Symbol, b.symbol)
	}

	buying := trade.Quantity.IsPositive()

	kept := b.closings[:0]
	for _, closing := range b.closings {
		if closing.ClosingTradeID != trade.ID {
			kept = append(kept, closing)
			continue
		}
		lot := b.lotByID(closing.LotID)
		if lot == nil {
			return fmt.Errorf("lots: closing references unknown lot %s", closing.LotID)
		}
		if buying {
			// The buy had covered a short: push the lot back negative.
			lot.RemainingQuantity = lot.RemainingQuantity.Sub(closing.Quantity)
		} else {
			lot.RemainingQuantity = lot.RemainingQuantity.Add(closing.Quantity)
		}
		lot.RealizedProfitOrLoss = lot.RealizedProfitOrLoss.Sub(closing.RealizedAmount)
	}
	b.closings = kept

	for i, lot := range b.lots {
		if lot.OpeningTradeID != trade.ID {
			continue
		}
		for _, closing := range b.closings {
			if closing.LotID == lot.ID {
				return fmt.Errorf("%w: lot %s", ErrLotStillClosed, lot.ID)
			}
		}
		b.lots = append(b.lots[:i], b.lots[i+1:]...)
		break
	}

	return nil
}

func (b *Book) lotByID(id string) *model.Lot {
	for _, lot := range b.lots {
		if lot.ID == id {
			return lot
		}
	}
	return nil
}

// Lot returns a copy of the lot with the given id.
func (b *Book) Lot(id string) (model.Lot, bool) {
	lot := b.lotByID(id)
	if lot == nil {
		return model.Lot{}, false
	}
	return *lot, true
}

// Lots returns a copy of every lot in the book, fully closed ones included,
// in FIFO order.
func (b *Book) Lots() []model.Lot {
	out := make([]model.Lot, 0, len(b.lots))
	for _, lot := range b.lots {
		out = append(out, *lot)
	}
	return out
}

// Closings returns a copy of every recorded lot closing.
func (b *Book) Closings() []model.LotClosing {
	return append([]model.LotClosing(nil), b.closings...)
}

// OpenLotCount returns the number of lots with unclosed quantity.
func (b *Book) OpenLotCount() int {
	n := 0
	for _, lot := range b.lots {
		if lot.IsOpen() {
			n++
		}
	}
	return n
}

// TotalQuantity returns the signed net position: Σ remainingQuantity.
func (b *Book) TotalQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, lot := range b.lots {
		total = total.Add(lot.RemainingQuantity)
	}
	return total
}

// PresentInvestedAmount returns the cost basis of the open position:
// Σ remainingQuantity × openPrice over open lots.
func (b *Book) PresentInvestedAmount() decimal.Decimal {
	total := decimal.Zero
	for _, lot := range b.lots {
		total = total.Add(lot.RemainingQuantity.Mul(lot.OpenPrice))
	}
	return total
}
