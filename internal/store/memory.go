package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vestra/portfolio-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu sync.RWMutex
	// txMu serializes WithinTx calls: the transactional view is a full
	// snapshot adopted wholesale on commit.
	txMu sync.Mutex

	trades      map[string]model.Trade
	lots        map[string]model.Lot
	closings    []model.LotClosing
	holding     []seqHoldingStats
	currency    []seqCurrencyStats
	instruments map[string]model.InstrumentInfo
	seq         int64
}

// seqHoldingStats stamps each row with its write order so recency ties on
// changedAt resolve the same way the bigserial column does in PostgreSQL.
type seqHoldingStats struct {
	model.HoldingStatsChange
	seq int64
}

type seqCurrencyStats struct {
	model.CurrencyStatsChange
	seq int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades:      make(map[string]model.Trade),
		lots:        make(map[string]model.Lot),
		instruments: make(map[string]model.InstrumentInfo),
	}
}

// WithinTx snapshots the whole store, runs fn against the snapshot, and
// adopts it on success. Concurrent transactions are serialized.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	clone := s.clone()
	if err := fn(ctx, clone); err != nil {
		return err
	}

	s.mu.Lock()
	s.trades = clone.trades
	s.lots = clone.lots
	s.closings = clone.closings
	s.holding = clone.holding
	s.currency = clone.currency
	s.instruments = clone.instruments
	s.seq = clone.seq
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) clone() *MemoryStore {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := NewMemoryStore()
	for k, v := range s.trades {
		c.trades[k] = v
	}
	for k, v := range s.lots {
		c.lots[k] = v
	}
	for k, v := range s.instruments {
		c.instruments[k] = v
	}
	c.closings = append([]model.LotClosing(nil), s.closings...)
	c.holding = append([]seqHoldingStats(nil), s.holding...)
	c.currency = append([]seqCurrencyStats(nil), s.currency...)
	c.seq = s.seq
	return c
}

func matches(filter []string, value string) bool {
	if filter == nil {
		return true
	}
	for _, f := range filter {
		if f == value {
			return true
		}
	}
	return false
}

// --- Trades ---

func (s *MemoryStore) ListTrades(_ context.Context, ownerID string, symbols []string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Trade
	for _, t := range s.trades {
		if t.OwnerID == ownerID && matches(symbols, t.Symbol) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PerformedAt.Equal(out[j].PerformedAt) {
			return out[i].PerformedAt.Before(out[j].PerformedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) InsertTrades(_ context.Context, trades []model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range trades {
		if _, ok := s.trades[t.ID]; ok {
			return fmt.Errorf("trade %s already exists", t.ID)
		}
		s.trades[t.ID] = t
	}
	return nil
}

func (s *MemoryStore) UpdateTrades(_ context.Context, trades []model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range trades {
		if _, ok := s.trades[t.ID]; !ok {
			return fmt.Errorf("trade %s: %w", t.ID, ErrNotFound)
		}
		s.trades[t.ID] = t
	}
	return nil
}

func (s *MemoryStore) DeleteTrades(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.trades, id)
	}
	return nil
}

// --- Lots and closings ---

func (s *MemoryStore) ListLots(_ context.Context, ownerID string, symbols []string) ([]model.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Lot
	for _, l := range s.lots {
		if l.OwnerID == ownerID && matches(symbols, l.Symbol) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].OpeningTradeID < out[j].OpeningTradeID
	})
	return out, nil
}

func (s *MemoryStore) GetLots(_ context.Context, ids []string) ([]model.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Lot, 0, len(ids))
	for _, id := range ids {
		l, ok := s.lots[id]
		if !ok {
			return nil, fmt.Errorf("lot %s: %w", id, ErrNotFound)
		}
		out = append(out, l)
	}
	return out, nil
}

func (s *MemoryStore) ReplaceLots(_ context.Context, ownerID string, symbols []string, lots []model.Lot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, l := range s.lots {
		if l.OwnerID == ownerID && matches(symbols, l.Symbol) {
			delete(s.lots, id)
		}
	}
	for _, l := range lots {
		s.lots[l.ID] = l
	}
	return nil
}

func (s *MemoryStore) ListLotClosings(_ context.Context, ownerID string, symbols []string) ([]model.LotClosing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.LotClosing
	for _, c := range s.closings {
		if c.OwnerID == ownerID && matches(symbols, c.Symbol) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemoryStore) ReplaceLotClosings(_ context.Context, ownerID string, symbols []string, closings []model.LotClosing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.closings[:0]
	for _, c := range s.closings {
		if c.OwnerID == ownerID && matches(symbols, c.Symbol) {
			continue
		}
		kept = append(kept, c)
	}
	s.closings = append(kept, closings...)
	return nil
}

// --- Holding stats change log ---

func (s *MemoryStore) LatestHoldingStats(_ context.Context, ownerID string, symbols []string) ([]model.HoldingStatsChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[string]seqHoldingStats)
	for _, row := range s.holding {
		if row.OwnerID != ownerID || !matches(symbols, row.Symbol) {
			continue
		}
		cur, ok := latest[row.Symbol]
		if !ok || row.ChangedAt.After(cur.ChangedAt) ||
			(row.ChangedAt.Equal(cur.ChangedAt) && row.seq > cur.seq) {
			latest[row.Symbol] = row
		}
	}

	out := make([]model.HoldingStatsChange, 0, len(latest))
	for _, row := range latest {
		out = append(out, row.HoldingStatsChange)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *MemoryStore) ListHoldingStats(_ context.Context, ownerID, symbol string) ([]model.HoldingStatsChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []seqHoldingStats
	for _, row := range s.holding {
		if row.OwnerID == ownerID && row.Symbol == symbol {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].ChangedAt.Equal(rows[j].ChangedAt) {
			return rows[i].ChangedAt.Before(rows[j].ChangedAt)
		}
		return rows[i].seq < rows[j].seq
	})

	out := make([]model.HoldingStatsChange, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.HoldingStatsChange)
	}
	return out, nil
}

func (s *MemoryStore) HoldingStatsAsOf(_ context.Context, ownerID, symbol string, before time.Time) (*model.HoldingStatsChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *seqHoldingStats
	for i := range s.holding {
		row := &s.holding[i]
		if row.OwnerID != ownerID || row.Symbol != symbol || !row.ChangedAt.Before(before) {
			continue
		}
		if best == nil || row.ChangedAt.After(best.ChangedAt) ||
			(row.ChangedAt.Equal(best.ChangedAt) && row.seq > best.seq) {
			best = row
		}
	}
	if best == nil {
		return nil, nil
	}
	row := best.HoldingStatsChange
	return &row, nil
}

func (s *MemoryStore) DeleteHoldingStatsFrom(_ context.Context, ownerID string, symbols []string, from time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.holding[:0]
	for _, row := range s.holding {
		if row.OwnerID == ownerID && matches(symbols, row.Symbol) && !row.ChangedAt.Before(from) {
			continue
		}
		kept = append(kept, row)
	}
	s.holding = kept
	return nil
}

func (s *MemoryStore) InsertHoldingStats(_ context.Context, rows []model.HoldingStatsChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range rows {
		s.seq++
		s.holding = append(s.holding, seqHoldingStats{HoldingStatsChange: row, seq: s.seq})
	}
	return nil
}

// --- Currency stats change log ---

func (s *MemoryStore) LatestCurrencyStats(_ context.Context, ownerID string, currencies []string) ([]model.CurrencyStatsChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[string]seqCurrencyStats)
	for _, row := range s.currency {
		if row.OwnerID != ownerID || !matches(currencies, row.ForCurrency) {
			continue
		}
		cur, ok := latest[row.ForCurrency]
		if !ok || row.ChangedAt.After(cur.ChangedAt) ||
			(row.ChangedAt.Equal(cur.ChangedAt) && row.seq > cur.seq) {
			latest[row.ForCurrency] = row
		}
	}

	out := make([]model.CurrencyStatsChange, 0, len(latest))
	for _, row := range latest {
		out = append(out, row.CurrencyStatsChange)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ForCurrency < out[j].ForCurrency })
	return out, nil
}

func (s *MemoryStore) CurrencyStatsAsOf(_ context.Context, ownerID, currency string, before time.Time) (*model.CurrencyStatsChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *seqCurrencyStats
	for i := range s.currency {
		row := &s.currency[i]
		if row.OwnerID != ownerID || row.ForCurrency != currency || !row.ChangedAt.Before(before) {
			continue
		}
		if best == nil || row.ChangedAt.After(best.ChangedAt) ||
			(row.ChangedAt.Equal(best.ChangedAt) && row.seq > best.seq) {
			best = row
		}
	}
	if best == nil {
		return nil, nil
	}
	row := best.CurrencyStatsChange
	return &row, nil
}

func (s *MemoryStore) DeleteCurrencyStatsFrom(_ context.Context, ownerID string, currencies []string, from time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.currency[:0]
	for _, row := range s.currency {
		if row.OwnerID == ownerID && matches(currencies, row.ForCurrency) && !row.ChangedAt.Before(from) {
			continue
		}
		kept = append(kept, row)
	}
	s.currency = kept
	return nil
}

func (s *MemoryStore) InsertCurrencyStats(_ context.Context, rows []model.CurrencyStatsChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range rows {
		s.seq++
		s.currency = append(s.currency, seqCurrencyStats{CurrencyStatsChange: row, seq: s.seq})
	}
	return nil
}

// --- Instruments ---

func (s *MemoryStore) GetInstrument(_ context.Context, symbol string) (*model.InstrumentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.instruments[symbol]
	if !ok {
		return nil, fmt.Errorf("instrument %s: %w", symbol, ErrNotFound)
	}
	return &info, nil
}

func (s *MemoryStore) ListInstruments(_ context.Context, symbols []string) ([]model.InstrumentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.InstrumentInfo
	for _, info := range s.instruments {
		if matches(symbols, info.Symbol) {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *MemoryStore) UpsertInstruments(_ context.Context, infos []model.InstrumentInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, info := range infos {
		s.instruments[info.Symbol] = info
	}
	return nil
}
