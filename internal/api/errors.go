package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vestra/portfolio-engine/internal/fusion"
	"github.com/vestra/portfolio-engine/internal/ledger"
	"github.com/vestra/portfolio-engine/internal/marketdata"
	"github.com/vestra/portfolio-engine/internal/store"
)

// Error kinds carried in the "type" field of error responses. Clients
// branch on these, never on message text.
const (
	ErrTypeDuplicateTrades    = "DUPLICATE_TRADES"
	ErrTypeInvalidTrades      = "INVALID_TRADES"
	ErrTypeSymbolNotFound     = "SYMBOL_NOT_FOUND"
	ErrTypeInvalidLotIDs      = "INVALID_LOT_IDS"
	ErrTypeMarketDataNotFound = "SYMBOL_MARKET_DATA_NOT_FOUND"
	ErrTypeNotFound           = "NOT_FOUND"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Type    string `json:"type,omitempty"`
	Details any    `json:"details,omitempty"`
}

// classifyError maps domain errors to an HTTP status and structured body.
func classifyError(err error) (int, errorBody) {
	var dup *ledger.DuplicateTradesError
	if errors.As(err, &dup) {
		return http.StatusBadRequest, errorBody{
			Error:   err.Error(),
			Type:    ErrTypeDuplicateTrades,
			Details: map[string]any{"pairs": dup.Pairs},
		}
	}
	var invalid *ledger.InvalidTradeError
	if errors.As(err, &invalid) {
		return http.StatusBadRequest, errorBody{
			Error:   err.Error(),
			Type:    ErrTypeInvalidTrades,
			Details: map[string]any{"trade": invalid.Key, "reason": invalid.Reason},
		}
	}
	var unknownSymbols *ledger.UnknownSymbolsError
	if errors.As(err, &unknownSymbols) {
		return http.StatusBadRequest, errorBody{
			Error:   err.Error(),
			Type:    ErrTypeSymbolNotFound,
			Details: map[string]any{"symbols": unknownSymbols.Symbols},
		}
	}
	var unknownLots *fusion.UnknownLotIDsError
	if errors.As(err, &unknownLots) {
		return http.StatusBadRequest, errorBody{
			Error:   err.Error(),
			Type:    ErrTypeInvalidLotIDs,
			Details: map[string]any{"lotIds": unknownLots.IDs},
		}
	}
	var noData *marketdata.NotFoundError
	if errors.As(err, &noData) {
		return http.StatusBadGateway, errorBody{
			Error:   err.Error(),
			Type:    ErrTypeMarketDataNotFound,
			Details: map[string]any{"symbols": noData.Symbols},
		}
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, errorBody{
			Error: err.Error(),
			Type:  ErrTypeNotFound,
		}
	}
	return http.StatusInternalServerError, errorBody{Error: err.Error()}
}

// writeDomainError writes a classified error response.
func writeDomainError(w http.ResponseWriter, err error) {
	status, body := classifyError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError writes a plain JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: message})
}
