// Package api provides the HTTP and WebSocket surface of the portfolio
// engine: trade imports, holdings/lots/portfolio queries, and streaming
// subscription endpoints.
//
// All monetary values use shopspring/decimal — never float64 for money.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vestra/portfolio-engine/internal/fusion"
	"github.com/vestra/portfolio-engine/internal/ledger"
	"github.com/vestra/portfolio-engine/internal/metrics"
	"github.com/vestra/portfolio-engine/internal/model"
	"github.com/vestra/portfolio-engine/internal/store"
)

// Service holds the handler dependencies.
type Service struct {
	store  store.Store
	ledger *ledger.Service
	fusion *fusion.Service
}

// NewService creates the API service.
func NewService(st store.Store, lsvc *ledger.Service, fsvc *fusion.Service) *Service {
	return &Service{store: st, ledger: lsvc, fusion: fsvc}
}

// --- Request/Response types ---

// SetTradesRequest is the JSON body for POST /owners/{ownerID}/trades.
type SetTradesRequest struct {
	Mode   string              `json:"mode"` // MERGE (default) or REPLACE
	Trades []ledger.TradeInput `json:"trades"`
}

// --- HTTP handlers ---

// SetTrades handles POST /api/v1/owners/{ownerID}/trades.
func (s *Service) SetTrades(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")

	var req SetTradesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Mode == "" {
		req.Mode = string(ledger.ModeMerge)
	}
	mode, err := ledger.ParseMode(req.Mode)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	start := time.Now()
	summary, err := s.ledger.SetTrades(r.Context(), ownerID, req.Trades, mode)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	metrics.ReconcileLatency.Observe(time.Since(start).Seconds())
	metrics.TradesReconciled.WithLabelValues("added").Add(float64(summary.Added))
	metrics.TradesReconciled.WithLabelValues("modified").Add(float64(summary.Modified))
	metrics.TradesReconciled.WithLabelValues("removed").Add(float64(summary.Removed))

	writeJSON(w, http.StatusOK, summary)
}

// GetHoldings handles GET /api/v1/owners/{ownerID}/holdings[?symbols=a,b].
// Returns the current holding stats row per symbol, zero-quantity holdings
// included.
func (s *Service) GetHoldings(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")

	rows, err := s.store.LatestHoldingStats(r.Context(), ownerID, splitList(r.URL.Query().Get("symbols")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if rows == nil {
		rows = []model.HoldingStatsChange{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// GetLots handles GET /api/v1/owners/{ownerID}/lots[?symbols=a,b].
func (s *Service) GetLots(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")

	lots, err := s.store.ListLots(r.Context(), ownerID, splitList(r.URL.Query().Get("symbols")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if lots == nil {
		lots = []model.Lot{}
	}
	writeJSON(w, http.StatusOK, lots)
}

// GetLot handles GET /api/v1/lots/{lotID}.
func (s *Service) GetLot(w http.ResponseWriter, r *http.Request) {
	lotID := chi.URLParam(r, "lotID")

	lots, err := s.store.GetLots(r.Context(), []string{lotID})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lots[0])
}

// GetPortfolio handles GET /api/v1/owners/{ownerID}/portfolio
// [?currencies=USD,EUR]. Returns the current per-currency stats rows.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")

	rows, err := s.store.LatestCurrencyStats(r.Context(), ownerID, splitList(r.URL.Query().Get("currencies")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if rows == nil {
		rows = []model.CurrencyStatsChange{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// GetInstrument handles GET /api/v1/instruments/{symbol}.
func (s *Service) GetInstrument(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	info, err := s.store.GetInstrument(r.Context(), symbol)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// PutInstruments handles POST /api/v1/instruments: bulk upsert of
// instrument reference data.
func (s *Service) PutInstruments(w http.ResponseWriter, r *http.Request) {
	var infos []model.InstrumentInfo
	if err := json.NewDecoder(r.Body).Decode(&infos); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	for _, info := range infos {
		if info.Symbol == "" || info.Currency == "" {
			writeError(w, "symbol and currency are required", http.StatusBadRequest)
			return
		}
	}

	if err := s.store.UpsertInstruments(r.Context(), infos); err != nil {
		writeDomainError(w, err)
		return
	}
	slog.Info("instruments upserted", "count", len(infos))
	writeJSON(w, http.StatusOK, map[string]int{"upserted": len(infos)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// splitList parses a comma-separated query value; empty input means no
// filter.
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
