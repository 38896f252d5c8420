// Package store defines the persistence interface for the portfolio engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/vestra/portfolio-engine/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer. A nil symbols/currencies/ids
// filter means "all rows for the owner".
type Store interface {
	// WithinTx runs fn against a transactional view of the store and
	// commits only if fn returns nil. The Ledger Reconciler wraps every
	// retract+replay+write sequence in one transaction so a broken write
	// rolls back fully.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	// --- Trades ---

	ListTrades(ctx context.Context, ownerID string, symbols []string) ([]model.Trade, error)
	InsertTrades(ctx context.Context, trades []model.Trade) error
	UpdateTrades(ctx context.Context, trades []model.Trade) error
	DeleteTrades(ctx context.Context, ids []string) error

	// --- Lots and closings ---

	ListLots(ctx context.Context, ownerID string, symbols []string) ([]model.Lot, error)

	// GetLots fetches lots by id. Returns ErrNotFound if any id is unknown.
	GetLots(ctx context.Context, ids []string) ([]model.Lot, error)

	// ReplaceLots swaps the stored lot set for the given symbols with the
	// provided one. Lot ids are caller-assigned and stable across replays
	// for lots whose opening trade survived.
	ReplaceLots(ctx context.Context, ownerID string, symbols []string, lots []model.Lot) error

	ListLotClosings(ctx context.Context, ownerID string, symbols []string) ([]model.LotClosing, error)
	ReplaceLotClosings(ctx context.Context, ownerID string, symbols []string, closings []model.LotClosing) error

	// --- Holding stats change log (append-only, replay-rewritten) ---

	// LatestHoldingStats returns the most recent row per symbol, ordered by
	// (changedAt, write order) recency.
	LatestHoldingStats(ctx context.Context, ownerID string, symbols []string) ([]model.HoldingStatsChange, error)

	// ListHoldingStats returns the full chain for one symbol in
	// chronological order.
	ListHoldingStats(ctx context.Context, ownerID, symbol string) ([]model.HoldingStatsChange, error)

	// HoldingStatsAsOf returns the latest row strictly before the given
	// instant, or nil if the chain starts later.
	HoldingStatsAsOf(ctx context.Context, ownerID, symbol string, before time.Time) (*model.HoldingStatsChange, error)

	DeleteHoldingStatsFrom(ctx context.Context, ownerID string, symbols []string, from time.Time) error
	InsertHoldingStats(ctx context.Context, rows []model.HoldingStatsChange) error

	// --- Currency stats change log ---

	LatestCurrencyStats(ctx context.Context, ownerID string, currencies []string) ([]model.CurrencyStatsChange, error)
	CurrencyStatsAsOf(ctx context.Context, ownerID, currency string, before time.Time) (*model.CurrencyStatsChange, error)
	DeleteCurrencyStatsFrom(ctx context.Context, ownerID string, currencies []string, from time.Time) error
	InsertCurrencyStats(ctx context.Context, rows []model.CurrencyStatsChange) error

	// --- Instruments ---

	GetInstrument(ctx context.Context, symbol string) (*model.InstrumentInfo, error)
	ListInstruments(ctx context.Context, symbols []string) ([]model.InstrumentInfo, error)
	UpsertInstruments(ctx context.Context, infos []model.InstrumentInfo) error
}
