// Package fusion merges the latest stats change log rows with live quote
// and FX streams to produce market value and unrealized P&L update streams
// for holdings, portfolios, and lots.
//
// All monetary values use shopspring/decimal — never float64 for money.
package fusion

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vestra/portfolio-engine/internal/marketdata"
	"github.com/vestra/portfolio-engine/internal/model"
)

// UpdateType marks an update as a fresh value or a removal.
type UpdateType string

const (
	UpdateSet    UpdateType = "SET"
	UpdateRemove UpdateType = "REMOVE"
)

// Object is one update payload. Key identifies the entry across updates;
// FieldValues canonicalizes every field for the subscriber diff engine.
type Object interface {
	Key() string
	FieldValues() map[string]string
}

// Update is one entry of an update batch.
type Update struct {
	Type UpdateType `json:"type"`
	Data Object     `json:"data"`
}

// Pnl is an unrealized profit-or-loss figure with its percentage of cost
// basis.
type Pnl struct {
	Amount  decimal.Decimal `json:"amount"`
	Percent decimal.Decimal `json:"percent"`
}

// PriceData is the live-quote passthrough attached to updates.
type PriceData struct {
	RegularMarketPrice decimal.Decimal `json:"regularMarketPrice"`
	RegularMarketTime  time.Time       `json:"regularMarketTime"`
	MarketState        string          `json:"marketState"`
	Currency           string          `json:"currency"`
}

func priceDataFrom(quote *marketdata.Quote) *PriceData {
	if quote == nil {
		return nil
	}
	return &PriceData{
		RegularMarketPrice: quote.RegularMarketPrice,
		RegularMarketTime:  quote.RegularMarketTime,
		MarketState:        quote.MarketState,
		Currency:           quote.Currency,
	}
}

// HoldingUpdate is the live view of one symbol position.
type HoldingUpdate struct {
	OwnerID   string    `json:"ownerId"`
	Symbol    string    `json:"symbol"`
	ChangedAt time.Time `json:"changedAt"`
	model.StatsTotals
	PriceData     *PriceData       `json:"priceData,omitempty"`
	MarketValue   *decimal.Decimal `json:"marketValue,omitempty"`
	UnrealizedPnl *Pnl             `json:"unrealizedPnl,omitempty"`
}

func (u HoldingUpdate) Key() string { return u.OwnerID + "/" + u.Symbol }

func (u HoldingUpdate) FieldValues() map[string]string {
	fields := map[string]string{
		"symbol":    u.Symbol,
		"changedAt": canonTime(u.ChangedAt),
	}
	totalsFields(fields, u.StatsTotals)
	priceFields(fields, u.PriceData)
	if u.MarketValue != nil {
		fields["marketValue"] = u.MarketValue.String()
	}
	if u.UnrealizedPnl != nil {
		fields["unrealizedPnl"] = u.UnrealizedPnl.canon()
	}
	return fields
}

// HoldingPortion is one holding's share of a combined portfolio, expressed
// as percentages of the portfolio totals.
type HoldingPortion struct {
	Symbol               string          `json:"symbol"`
	CostBasisPortion     decimal.Decimal `json:"costBasisPortion"`
	MarketValuePortion   decimal.Decimal `json:"marketValuePortion"`
	UnrealizedPnlPortion decimal.Decimal `json:"unrealizedPnlPortion"`
}

// PortfolioUpdate is the live view of one settlement currency's aggregate,
// or of the combined portfolio converted into one target currency.
type PortfolioUpdate struct {
	OwnerID   string    `json:"ownerId"`
	Currency  string    `json:"currency"`
	Combined  bool      `json:"combined,omitempty"`
	ChangedAt time.Time `json:"changedAt"`
	model.StatsTotals
	MarketValue   *decimal.Decimal `json:"marketValue,omitempty"`
	UnrealizedPnl *Pnl             `json:"unrealizedPnl,omitempty"`
	Holdings      []HoldingPortion `json:"holdings,omitempty"`
}

func (u PortfolioUpdate) Key() string {
	if u.Combined {
		return u.OwnerID + "/combined/" + u.Currency
	}
	return u.OwnerID + "/" + u.Currency
}

func (u PortfolioUpdate) FieldValues() map[string]string {
	fields := map[string]string{
		"currency":  u.Currency,
		"changedAt": canonTime(u.ChangedAt),
	}
	totalsFields(fields, u.StatsTotals)
	if u.MarketValue != nil {
		fields["marketValue"] = u.MarketValue.String()
	}
	if u.UnrealizedPnl != nil {
		fields["unrealizedPnl"] = u.UnrealizedPnl.canon()
	}
	if len(u.Holdings) > 0 {
		canon := ""
		for _, h := range u.Holdings {
			canon += h.Symbol + ":" + h.CostBasisPortion.String() +
				":" + h.MarketValuePortion.String() +
				":" + h.UnrealizedPnlPortion.String() + ";"
		}
		fields["holdings"] = canon
	}
	return fields
}

// LotUpdate is the live view of one tax lot.
type LotUpdate struct {
	ID                   string          `json:"id"`
	OwnerID              string          `json:"ownerId"`
	Symbol               string          `json:"symbol"`
	OpeningTradeID       string          `json:"openingTradeId"`
	OpenedAt             time.Time       `json:"openedAt"`
	OpenPrice            decimal.Decimal `json:"openPrice"`
	RemainingQuantity    decimal.Decimal `json:"remainingQuantity"`
	RealizedProfitOrLoss decimal.Decimal `json:"realizedProfitOrLoss"`
	PriceData            *PriceData       `json:"priceData,omitempty"`
	MarketValue          *decimal.Decimal `json:"marketValue,omitempty"`
	UnrealizedPnl        *Pnl             `json:"unrealizedPnl,omitempty"`
}

func (u LotUpdate) Key() string { return u.ID }

func (u LotUpdate) FieldValues() map[string]string {
	fields := map[string]string{
		"symbol":               u.Symbol,
		"openingTradeId":       u.OpeningTradeID,
		"openedAt":             canonTime(u.OpenedAt),
		"openPrice":            u.OpenPrice.String(),
		"remainingQuantity":    u.RemainingQuantity.String(),
		"realizedProfitOrLoss": u.RealizedProfitOrLoss.String(),
	}
	priceFields(fields, u.PriceData)
	if u.MarketValue != nil {
		fields["marketValue"] = u.MarketValue.String()
	}
	if u.UnrealizedPnl != nil {
		fields["unrealizedPnl"] = u.UnrealizedPnl.canon()
	}
	return fields
}

func (p Pnl) canon() string {
	return p.Amount.String() + "|" + p.Percent.String()
}

func totalsFields(fields map[string]string, totals model.StatsTotals) {
	fields["totalLotCount"] = strconv.Itoa(totals.TotalLotCount)
	fields["totalQuantity"] = totals.TotalQuantity.String()
	fields["totalPresentInvestedAmount"] = totals.TotalPresentInvestedAmount.String()
	fields["totalRealizedAmount"] = totals.TotalRealizedAmount.String()
	fields["totalRealizedProfitOrLossAmount"] = totals.TotalRealizedProfitOrLossAmount.String()
	fields["totalRealizedProfitOrLossRate"] = totals.TotalRealizedProfitOrLossRate.String()
}

func priceFields(fields map[string]string, pd *PriceData) {
	if pd == nil {
		return
	}
	fields["priceData"] = pd.RegularMarketPrice.String() + "|" +
		canonTime(pd.RegularMarketTime) + "|" + pd.MarketState + "|" + pd.Currency
}

func canonTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
