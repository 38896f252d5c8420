package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/vestra/portfolio-engine/internal/api"
	"github.com/vestra/portfolio-engine/internal/bus"
	"github.com/vestra/portfolio-engine/internal/fusion"
	"github.com/vestra/portfolio-engine/internal/ledger"
	"github.com/vestra/portfolio-engine/internal/marketdata"
	"github.com/vestra/portfolio-engine/internal/model"
	"github.com/vestra/portfolio-engine/internal/store"
)

type env struct {
	router   http.Handler
	store    *store.MemoryStore
	provider *marketdata.SimProvider
}

func setup(t *testing.T) *env {
	t.Helper()
	st := store.NewMemoryStore()
	b := bus.NewMemoryBus()
	provider := marketdata.NewSimProvider()
	mux := marketdata.NewMux(provider)
	t.Cleanup(mux.Close)

	err := st.UpsertInstruments(context.Background(), []model.InstrumentInfo{
		{Symbol: "AAPL", Name: "Apple Inc.", ExchangeMic: "XNAS", Currency: "USD"},
		{Symbol: "ADBE", Name: "Adobe Inc.", ExchangeMic: "XNAS", Currency: "USD"},
	})
	if err != nil {
		t.Fatalf("seed instruments: %v", err)
	}

	ledgerSvc := ledger.NewService(st, b)
	fusionSvc := fusion.NewService(st, b, mux)
	svc := api.NewService(st, ledgerSvc, fusionSvc)
	return &env{
		router:   api.NewRouter(svc, 30*time.Second),
		store:    st,
		provider: provider,
	}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func tradeBody(mode string, trades ...map[string]any) map[string]any {
	return map[string]any{"mode": mode, "trades": trades}
}

func trade(symbol string, minutes int, qty, price float64) map[string]any {
	at := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC).Add(time.Duration(minutes) * time.Minute)
	return map[string]any{
		"symbol":       symbol,
		"performed_at": at.Format(time.RFC3339),
		"quantity":     qty,
		"price":        price,
	}
}

func TestSetTradesAndQueryHoldings(t *testing.T) {
	e := setup(t)

	rec := e.do(t, http.MethodPost, "/api/v1/owners/owner-1/trades",
		tradeBody("MERGE", trade("AAPL", 0, 2, 1.10), trade("AAPL", 5, 2, 1.20)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var summary ledger.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Added != 2 {
		t.Errorf("added = %d, want 2", summary.Added)
	}

	rec = e.do(t, http.MethodGet, "/api/v1/owners/owner-1/holdings", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var rows []model.HoldingStatsChange
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode holdings: %v", err)
	}
	if len(rows) != 1 || rows[0].Symbol != "AAPL" {
		t.Fatalf("unexpected holdings: %+v", rows)
	}
	if !rows[0].TotalQuantity.Equal(decimal.NewFromInt(4)) {
		t.Errorf("totalQuantity = %s, want 4", rows[0].TotalQuantity)
	}
	if !rows[0].TotalPresentInvestedAmount.Equal(decimal.NewFromFloat(4.6)) {
		t.Errorf("totalPresentInvestedAmount = %s, want 4.6", rows[0].TotalPresentInvestedAmount)
	}
}

func TestSetTradesDuplicateReturnsTypedError(t *testing.T) {
	e := setup(t)

	rec := e.do(t, http.MethodPost, "/api/v1/owners/owner-1/trades",
		tradeBody("MERGE", trade("AAPL", 0, 2, 1.10), trade("AAPL", 0, 3, 1.20)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body = %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Type    string `json:"type"`
		Details struct {
			Pairs []ledger.TradeKey `json:"pairs"`
		} `json:"details"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Type != api.ErrTypeDuplicateTrades {
		t.Errorf("type = %s, want %s", body.Type, api.ErrTypeDuplicateTrades)
	}
	if len(body.Details.Pairs) != 1 || body.Details.Pairs[0].Symbol != "AAPL" {
		t.Errorf("details = %+v, want one AAPL pair", body.Details)
	}
}

func TestSetTradesUnknownSymbol(t *testing.T) {
	e := setup(t)

	rec := e.do(t, http.MethodPost, "/api/v1/owners/owner-1/trades",
		tradeBody("MERGE", trade("NOPE", 0, 1, 1)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), api.ErrTypeSymbolNotFound) {
		t.Errorf("body = %s, want type %s", rec.Body.String(), api.ErrTypeSymbolNotFound)
	}
}

func TestSetTradesInvalidMode(t *testing.T) {
	e := setup(t)

	rec := e.do(t, http.MethodPost, "/api/v1/owners/owner-1/trades",
		tradeBody("UPSERT", trade("AAPL", 0, 1, 1)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGetLotNotFound(t *testing.T) {
	e := setup(t)

	rec := e.do(t, http.MethodGet, "/api/v1/lots/no-such-lot", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404; body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), api.ErrTypeNotFound) {
		t.Errorf("body = %s, want type %s", rec.Body.String(), api.ErrTypeNotFound)
	}
}

func TestGetInstrument(t *testing.T) {
	e := setup(t)

	rec := e.do(t, http.MethodGet, "/api/v1/instruments/AAPL", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var info model.InstrumentInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode instrument: %v", err)
	}
	if info.Currency != "USD" {
		t.Errorf("currency = %s, want USD", info.Currency)
	}

	rec = e.do(t, http.MethodGet, "/api/v1/instruments/NOPE", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestPutInstruments(t *testing.T) {
	e := setup(t)

	rec := e.do(t, http.MethodPost, "/api/v1/instruments", []map[string]string{
		{"symbol": "SAP", "name": "SAP SE", "exchange_mic": "XETR", "currency": "EUR"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = e.do(t, http.MethodGet, "/api/v1/instruments/SAP", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("upserted instrument not readable: status = %d", rec.Code)
	}
}

func TestWSHoldingsStreamsInitialSnapshot(t *testing.T) {
	e := setup(t)

	rec := e.do(t, http.MethodPost, "/api/v1/owners/owner-1/trades",
		tradeBody("MERGE", trade("AAPL", 0, 2, 1.10), trade("AAPL", 5, 2, 1.20)))
	if rec.Code != http.StatusOK {
		t.Fatalf("seed trades: %d %s", rec.Code, rec.Body.String())
	}

	server := httptest.NewServer(e.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") +
		"/api/v1/ws/owners/owner-1/holdings?fields=symbol,totalQuantity"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var batch []struct {
		Type string `json:"type"`
		Data struct {
			Symbol        string          `json:"symbol"`
			TotalQuantity decimal.Decimal `json:"totalQuantity"`
		} `json:"data"`
	}
	if err := conn.ReadJSON(&batch); err != nil {
		t.Fatalf("read initial batch: %v", err)
	}
	if len(batch) != 1 || batch[0].Type != "SET" {
		t.Fatalf("unexpected batch: %+v", batch)
	}
	if batch[0].Data.Symbol != "AAPL" || !batch[0].Data.TotalQuantity.Equal(decimal.NewFromInt(4)) {
		t.Errorf("unexpected entry: %+v", batch[0].Data)
	}
}

func TestWSLotsUnknownIDsRejectedBeforeUpgrade(t *testing.T) {
	e := setup(t)

	server := httptest.NewServer(e.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") +
		"/api/v1/ws/owners/owner-1/lots?ids=no-such-lot"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake failure for unknown lot ids")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 response, got %+v", resp)
	}
	var body struct {
		Type string `json:"type"`
	}
	if derr := json.NewDecoder(resp.Body).Decode(&body); derr != nil {
		t.Fatalf("decode error body: %v", derr)
	}
	if body.Type != api.ErrTypeInvalidLotIDs {
		t.Errorf("type = %s, want %s", body.Type, api.ErrTypeInvalidLotIDs)
	}
}
