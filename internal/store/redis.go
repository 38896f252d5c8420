package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vestra/portfolio-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: latest stats rows per owner and instrument
// reference data. Writes go to the primary store and invalidate the cache;
// reads check Redis first then fall back to the primary.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{Store: primary, rdb: rdb, ttl: ttl}
}

// WithinTx delegates to the primary store, tracking which owners the
// transaction wrote to so their cached rows can be dropped after commit.
func (s *CachedStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	rec := &writeRecorder{owners: make(map[string]struct{})}
	err := s.Store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		rec.Store = tx
		return fn(ctx, rec)
	})
	if err != nil {
		return err
	}

	var keys []string
	for owner := range rec.owners {
		keys = append(keys, holdingStatsKey(owner), currencyStatsKey(owner))
	}
	for symbol := range rec.instruments {
		keys = append(keys, instrumentKey(symbol))
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) LatestHoldingStats(ctx context.Context, ownerID string, symbols []string) ([]model.HoldingStatsChange, error) {
	// Only the unfiltered read is cached; filtered reads pass through.
	if symbols != nil {
		return s.Store.LatestHoldingStats(ctx, ownerID, symbols)
	}

	data, err := s.rdb.Get(ctx, holdingStatsKey(ownerID)).Bytes()
	if err == nil {
		var rows []model.HoldingStatsChange
		if json.Unmarshal(data, &rows) == nil {
			return rows, nil
		}
	}

	rows, err := s.Store.LatestHoldingStats(ctx, ownerID, nil)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(rows); err == nil {
		s.rdb.Set(ctx, holdingStatsKey(ownerID), data, s.ttl)
	}
	return rows, nil
}

func (s *CachedStore) LatestCurrencyStats(ctx context.Context, ownerID string, currencies []string) ([]model.CurrencyStatsChange, error) {
	if currencies != nil {
		return s.Store.LatestCurrencyStats(ctx, ownerID, currencies)
	}

	data, err := s.rdb.Get(ctx, currencyStatsKey(ownerID)).Bytes()
	if err == nil {
		var rows []model.CurrencyStatsChange
		if json.Unmarshal(data, &rows) == nil {
			return rows, nil
		}
	}

	rows, err := s.Store.LatestCurrencyStats(ctx, ownerID, nil)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(rows); err == nil {
		s.rdb.Set(ctx, currencyStatsKey(ownerID), data, s.ttl)
	}
	return rows, nil
}

func (s *CachedStore) GetInstrument(ctx context.Context, symbol string) (*model.InstrumentInfo, error) {
	data, err := s.rdb.Get(ctx, instrumentKey(symbol)).Bytes()
	if err == nil {
		var info model.InstrumentInfo
		if json.Unmarshal(data, &info) == nil {
			return &info, nil
		}
	}

	info, err := s.Store.GetInstrument(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(info); err == nil {
		s.rdb.Set(ctx, instrumentKey(symbol), data, s.ttl)
	}
	return info, nil
}

// --- Direct writes (outside WithinTx) invalidate immediately ---

func (s *CachedStore) InsertHoldingStats(ctx context.Context, rows []model.HoldingStatsChange) error {
	if err := s.Store.InsertHoldingStats(ctx, rows); err != nil {
		return err
	}
	for _, row := range rows {
		s.rdb.Del(ctx, holdingStatsKey(row.OwnerID))
	}
	return nil
}

func (s *CachedStore) InsertCurrencyStats(ctx context.Context, rows []model.CurrencyStatsChange) error {
	if err := s.Store.InsertCurrencyStats(ctx, rows); err != nil {
		return err
	}
	for _, row := range rows {
		s.rdb.Del(ctx, currencyStatsKey(row.OwnerID))
	}
	return nil
}

func (s *CachedStore) DeleteHoldingStatsFrom(ctx context.Context, ownerID string, symbols []string, from time.Time) error {
	if err := s.Store.DeleteHoldingStatsFrom(ctx, ownerID, symbols, from); err != nil {
		return err
	}
	s.rdb.Del(ctx, holdingStatsKey(ownerID))
	return nil
}

func (s *CachedStore) DeleteCurrencyStatsFrom(ctx context.Context, ownerID string, currencies []string, from time.Time) error {
	if err := s.Store.DeleteCurrencyStatsFrom(ctx, ownerID, currencies, from); err != nil {
		return err
	}
	s.rdb.Del(ctx, currencyStatsKey(ownerID))
	return nil
}

func (s *CachedStore) UpsertInstruments(ctx context.Context, infos []model.InstrumentInfo) error {
	if err := s.Store.UpsertInstruments(ctx, infos); err != nil {
		return err
	}
	for _, info := range infos {
		s.rdb.Del(ctx, instrumentKey(info.Symbol))
	}
	return nil
}

// writeRecorder shadows the write methods of a transactional store view and
// records which owners (and instrument symbols) were touched, so the cached
// wrapper knows what to invalidate after commit.
type writeRecorder struct {
	Store
	owners      map[string]struct{}
	instruments map[string]struct{}
}

func (r *writeRecorder) touch(ownerID string) {
	r.owners[ownerID] = struct{}{}
}

func (r *writeRecorder) InsertHoldingStats(ctx context.Context, rows []model.HoldingStatsChange) error {
	for _, row := range rows {
		r.touch(row.OwnerID)
	}
	return r.Store.InsertHoldingStats(ctx, rows)
}

func (r *writeRecorder) DeleteHoldingStatsFrom(ctx context.Context, ownerID string, symbols []string, from time.Time) error {
	r.touch(ownerID)
	return r.Store.DeleteHoldingStatsFrom(ctx, ownerID, symbols, from)
}

func (r *writeRecorder) InsertCurrencyStats(ctx context.Context, rows []model.CurrencyStatsChange) error {
	for _, row := range rows {
		r.touch(row.OwnerID)
	}
	return r.Store.InsertCurrencyStats(ctx, rows)
}

func (r *writeRecorder) DeleteCurrencyStatsFrom(ctx context.Context, ownerID string, currencies []string, from time.Time) error {
	r.touch(ownerID)
	return r.Store.DeleteCurrencyStatsFrom(ctx, ownerID, currencies, from)
}

func (r *writeRecorder) UpsertInstruments(ctx context.Context, infos []model.InstrumentInfo) error {
	if r.instruments == nil {
		r.instruments = make(map[string]struct{})
	}
	for _, info := range infos {
		r.instruments[info.Symbol] = struct{}{}
	}
	return r.Store.UpsertInstruments(ctx, infos)
}

// --- Cache keys ---

func holdingStatsKey(owner string) string  { return fmt.Sprintf("holdingstats:%s", owner) }
func currencyStatsKey(owner string) string { return fmt.Sprintf("currencystats:%s", owner) }
func instrumentKey(symbol string) string   { return fmt.Sprintf("instrument:%s", symbol) }
