// Package model defines the core domain types shared across the portfolio engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is one ledger entry for an owner: a buy (positive quantity) or a
// sell (negative quantity) of one symbol at one point in time. The pair
// (symbol, performedAt) is unique per owner; the Ledger Reconciler is the
// only component that creates, updates, or deletes trades.
type Trade struct {
	ID          string          `json:"id" db:"id"`
	OwnerID     string          `json:"owner_id" db:"owner_id"`
	Symbol      string          `json:"symbol" db:"symbol"`
	PerformedAt time.Time       `json:"performed_at" db:"performed_at"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"` // signed: +buy, -sell
	Price       decimal.Decimal `json:"price" db:"price"`
}

// Lot is a FIFO-tracked quantity block opened by one trade. Long lots carry
// a positive remaining quantity, short lots a negative one. A lot whose
// remaining quantity reaches zero through normal closing is kept as a
// historical record; it is deleted only when its opening trade is deleted.
type Lot struct {
	ID                   string          `json:"id" db:"id"`
	OwnerID              string          `json:"owner_id" db:"owner_id"`
	Symbol               string          `json:"symbol" db:"symbol"`
	OpeningTradeID       string          `json:"opening_trade_id" db:"opening_trade_id"`
	OpenedAt             time.Time       `json:"opened_at" db:"opened_at"`
	OpenPrice            decimal.Decimal `json:"open_price" db:"open_price"`
	RemainingQuantity    decimal.Decimal `json:"remaining_quantity" db:"remaining_quantity"` // signed: +long, -short
	RealizedProfitOrLoss decimal.Decimal `json:"realized_profit_or_loss" db:"realized_profit_or_loss"`
}

// IsOpen reports whether the lot still has unclosed quantity.
func (l Lot) IsOpen() bool {
	return !l.RemainingQuantity.IsZero()
}

// LotClosing records that one trade closed part of one lot. Quantity is the
// positive magnitude closed; the direction is implied by the closing trade's
// side. Recorded so that retracting a trade can undo its closings exactly.
type LotClosing struct {
	LotID          string          `json:"lot_id" db:"lot_id"`
	ClosingTradeID string          `json:"closing_trade_id" db:"closing_trade_id"`
	OwnerID        string          `json:"owner_id" db:"owner_id"`
	Symbol         string          `json:"symbol" db:"symbol"`
	Quantity       decimal.Decimal `json:"quantity" db:"quantity"` // positive magnitude
	RealizedAmount decimal.Decimal `json:"realized_amount" db:"realized_amount"`
}

// StatsTotals is the cumulative aggregate shared by holding-level and
// currency-level stats change rows.
type StatsTotals struct {
	TotalLotCount                   int             `json:"totalLotCount" db:"total_lot_count"`
	TotalQuantity                   decimal.Decimal `json:"totalQuantity" db:"total_quantity"`
	TotalPresentInvestedAmount      decimal.Decimal `json:"totalPresentInvestedAmount" db:"total_present_invested_amount"`
	TotalRealizedAmount             decimal.Decimal `json:"totalRealizedAmount" db:"total_realized_amount"`
	TotalRealizedProfitOrLossAmount decimal.Decimal `json:"totalRealizedProfitOrLossAmount" db:"total_realized_profit_or_loss_amount"`
	TotalRealizedProfitOrLossRate   decimal.Decimal `json:"totalRealizedProfitOrLossRate" db:"total_realized_profit_or_loss_rate"`
}

// Equal reports whether two totals match field for field.
func (s StatsTotals) Equal(other StatsTotals) bool {
	return s.TotalLotCount == other.TotalLotCount &&
		s.TotalQuantity.Equal(other.TotalQuantity) &&
		s.TotalPresentInvestedAmount.Equal(other.TotalPresentInvestedAmount) &&
		s.TotalRealizedAmount.Equal(other.TotalRealizedAmount) &&
		s.TotalRealizedProfitOrLossAmount.Equal(other.TotalRealizedProfitOrLossAmount) &&
		s.TotalRealizedProfitOrLossRate.Equal(other.TotalRealizedProfitOrLossRate)
}

// HoldingStatsChange is one append-only snapshot of an owner's aggregate
// position in one symbol, written once per affecting trade. ChangedAt equals
// the triggering trade's performedAt, not wall-clock time, so historical
// edits reproduce the same chain deterministically. The row with the
// greatest (changedAt, write order) for an (owner, symbol) is the current
// holding state.
type HoldingStatsChange struct {
	OwnerID        string    `json:"owner_id" db:"owner_id"`
	Symbol         string    `json:"symbol" db:"symbol"`
	RelatedTradeID string    `json:"related_trade_id" db:"related_trade_id"`
	ChangedAt      time.Time `json:"changed_at" db:"changed_at"`
	StatsTotals
}

// CurrencyStatsChange is the per-instrument-currency counterpart of
// HoldingStatsChange, aggregated across every symbol of the owner whose
// instrument settles in ForCurrency.
type CurrencyStatsChange struct {
	OwnerID        string    `json:"owner_id" db:"owner_id"`
	ForCurrency    string    `json:"for_currency" db:"for_currency"`
	RelatedTradeID string    `json:"related_trade_id" db:"related_trade_id"`
	ChangedAt      time.Time `json:"changed_at" db:"changed_at"`
	StatsTotals
}

// InstrumentInfo is static reference data for one symbol. Currency is the
// currency the symbol's stats aggregate into.
type InstrumentInfo struct {
	Symbol      string `json:"symbol" db:"symbol"`
	Name        string `json:"name" db:"name"`
	ExchangeMic string `json:"exchange_mic" db:"exchange_mic"`
	Currency    string `json:"currency" db:"currency"`
}
