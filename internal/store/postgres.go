package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/vestra/portfolio-engine/internal/model"
)

// querier is the subset of pgx satisfied by both *pgxpool.Pool and pgx.Tx,
// letting every query method run inside or outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	db   querier
	pool *pgxpool.Pool // nil when this store is a transactional view
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool, pool: pool}
}

// WithinTx begins a ReadCommitted transaction, runs fn against a
// transaction-bound store view, and commits only if fn returns nil.
// Nested calls reuse the enclosing transaction.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) (err error) {
	if s.pool == nil {
		return fn(ctx, s)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		} else if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()

	err = fn(ctx, &PostgresStore{db: tx})
	return err
}

// --- Trades ---

func (s *PostgresStore) ListTrades(ctx context.Context, ownerID string, symbols []string) ([]model.Trade, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, owner_id, symbol, performed_at, quantity::TEXT, price::TEXT
		 FROM trades
		 WHERE owner_id = $1 AND ($2::TEXT[] IS NULL OR symbol = ANY($2))
		 ORDER BY performed_at, id`, ownerID, symbols)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var qtyS, priceS string
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Symbol, &t.PerformedAt, &qtyS, &priceS); err != nil {
			return nil, err
		}
		t.Quantity, _ = decimal.NewFromString(qtyS)
		t.Price, _ = decimal.NewFromString(priceS)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) InsertTrades(ctx context.Context, trades []model.Trade) error {
	for _, t := range trades {
		_, err := s.db.Exec(ctx,
			`INSERT INTO trades (id, owner_id, symbol, performed_at, quantity, price)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC)`,
			t.ID, t.OwnerID, t.Symbol, t.PerformedAt, t.Quantity.String(), t.Price.String())
		if err != nil {
			return fmt.Errorf("insert trade %s: %w", t.ID, err)
		}
	}
	return nil
}

func (s *PostgresStore) UpdateTrades(ctx context.Context, trades []model.Trade) error {
	for _, t := range trades {
		tag, err := s.db.Exec(ctx,
			`UPDATE trades SET quantity = $2::NUMERIC, price = $3::NUMERIC WHERE id = $1`,
			t.ID, t.Quantity.String(), t.Price.String())
		if err != nil {
			return fmt.Errorf("update trade %s: %w", t.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("trade %s: %w", t.ID, ErrNotFound)
		}
	}
	return nil
}

func (s *PostgresStore) DeleteTrades(ctx context.Context, ids []string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM trades WHERE id = ANY($1)`, ids)
	return err
}

// --- Lots and closings ---

const lotColumns = `id, owner_id, symbol, opening_trade_id, opened_at,
	open_price::TEXT, remaining_quantity::TEXT, realized_profit_or_loss::TEXT`

func scanLot(row pgx.Row) (model.Lot, error) {
	var l model.Lot
	var openPriceS, remainingS, realizedS string
	err := row.Scan(&l.ID, &l.OwnerID, &l.Symbol, &l.OpeningTradeID, &l.OpenedAt,
		&openPriceS, &remainingS, &realizedS)
	if err != nil {
		return l, err
	}
	l.OpenPrice, _ = decimal.NewFromString(openPriceS)
	l.RemainingQuantity, _ = decimal.NewFromString(remainingS)
	l.RealizedProfitOrLoss, _ = decimal.NewFromString(realizedS)
	return l, nil
}

func (s *PostgresStore) queryLots(ctx context.Context, sql string, args ...any) ([]model.Lot, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lots []model.Lot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, l)
	}
	return lots, rows.Err()
}

func (s *PostgresStore) ListLots(ctx context.Context, ownerID string, symbols []string) ([]model.Lot, error) {
	return s.queryLots(ctx,
		`SELECT `+lotColumns+` FROM lots
		 WHERE owner_id = $1 AND ($2::TEXT[] IS NULL OR symbol = ANY($2))
		 ORDER BY opened_at, opening_trade_id`, ownerID, symbols)
}

func (s *PostgresStore) GetLots(ctx context.Context, ids []string) ([]model.Lot, error) {
	lots, err := s.queryLots(ctx,
		`SELECT `+lotColumns+` FROM lots WHERE id = ANY($1) ORDER BY opened_at, opening_trade_id`, ids)
	if err != nil {
		return nil, err
	}
	if len(lots) != len(ids) {
		found := make(map[string]bool, len(lots))
		for _, l := range lots {
			found[l.ID] = true
		}
		for _, id := range ids {
			if !found[id] {
				return nil, fmt.Errorf("lot %s: %w", id, ErrNotFound)
			}
		}
	}
	return lots, nil
}

func (s *PostgresStore) ReplaceLots(ctx context.Context, ownerID string, symbols []string, lots []model.Lot) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM lots WHERE owner_id = $1 AND ($2::TEXT[] IS NULL OR symbol = ANY($2))`,
		ownerID, symbols)
	if err != nil {
		return err
	}
	for _, l := range lots {
		_, err := s.db.Exec(ctx,
			`INSERT INTO lots (id, owner_id, symbol, opening_trade_id, opened_at,
			                   open_price, remaining_quantity, realized_profit_or_loss)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC)`,
			l.ID, l.OwnerID, l.Symbol, l.OpeningTradeID, l.OpenedAt,
			l.OpenPrice.String(), l.RemainingQuantity.String(), l.RealizedProfitOrLoss.String())
		if err != nil {
			return fmt.Errorf("insert lot %s: %w", l.ID, err)
		}
	}
	return nil
}

func (s *PostgresStore) ListLotClosings(ctx context.Context, ownerID string, symbols []string) ([]model.LotClosing, error) {
	rows, err := s.db.Query(ctx,
		`SELECT lot_id, closing_trade_id, owner_id, symbol, quantity::TEXT, realized_amount::TEXT
		 FROM lot_closings
		 WHERE owner_id = $1 AND ($2::TEXT[] IS NULL OR symbol = ANY($2))`,
		ownerID, symbols)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var closings []model.LotClosing
	for rows.Next() {
		var c model.LotClosing
		var qtyS, realizedS string
		if err := rows.Scan(&c.LotID, &c.ClosingTradeID, &c.OwnerID, &c.Symbol, &qtyS, &realizedS); err != nil {
			return nil, err
		}
		c.Quantity, _ = decimal.NewFromString(qtyS)
		c.RealizedAmount, _ = decimal.NewFromString(realizedS)
		closings = append(closings, c)
	}
	return closings, rows.Err()
}

func (s *PostgresStore) ReplaceLotClosings(ctx context.Context, ownerID string, symbols []string, closings []model.LotClosing) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM lot_closings WHERE owner_id = $1 AND ($2::TEXT[] IS NULL OR symbol = ANY($2))`,
		ownerID, symbols)
	if err != nil {
		return err
	}
	for _, c := range closings {
		_, err := s.db.Exec(ctx,
			`INSERT INTO lot_closings (lot_id, closing_trade_id, owner_id, symbol, quantity, realized_amount)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC)`,
			c.LotID, c.ClosingTradeID, c.OwnerID, c.Symbol,
			c.Quantity.String(), c.RealizedAmount.String())
		if err != nil {
			return fmt.Errorf("insert lot closing %s/%s: %w", c.LotID, c.ClosingTradeID, err)
		}
	}
	return nil
}

// --- Holding stats change log ---

const holdingColumns = `owner_id, symbol, related_trade_id, changed_at,
	total_lot_count,
	total_quantity::TEXT, total_present_invested_amount::TEXT,
	total_realized_amount::TEXT, total_realized_profit_or_loss_amount::TEXT,
	total_realized_profit_or_loss_rate::TEXT`

func scanHoldingStats(row pgx.Row) (model.HoldingStatsChange, error) {
	var h model.HoldingStatsChange
	var qtyS, investedS, realizedS, pnlS, rateS string
	err := row.Scan(&h.OwnerID, &h.Symbol, &h.RelatedTradeID, &h.ChangedAt,
		&h.TotalLotCount, &qtyS, &investedS, &realizedS, &pnlS, &rateS)
	if err != nil {
		return h, err
	}
	h.TotalQuantity, _ = decimal.NewFromString(qtyS)
	h.TotalPresentInvestedAmount, _ = decimal.NewFromString(investedS)
	h.TotalRealizedAmount, _ = decimal.NewFromString(realizedS)
	h.TotalRealizedProfitOrLossAmount, _ = decimal.NewFromString(pnlS)
	h.TotalRealizedProfitOrLossRate, _ = decimal.NewFromString(rateS)
	return h, nil
}

func (s *PostgresStore) queryHoldingStats(ctx context.Context, sql string, args ...any) ([]model.HoldingStatsChange, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.HoldingStatsChange
	for rows.Next() {
		h, err := scanHoldingStats(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LatestHoldingStats(ctx context.Context, ownerID string, symbols []string) ([]model.HoldingStatsChange, error) {
	return s.queryHoldingStats(ctx,
		`SELECT DISTINCT ON (symbol) `+holdingColumns+`
		 FROM holding_stats_changes
		 WHERE owner_id = $1 AND ($2::TEXT[] IS NULL OR symbol = ANY($2))
		 ORDER BY symbol, changed_at DESC, seq DESC`, ownerID, symbols)
}

func (s *PostgresStore) ListHoldingStats(ctx context.Context, ownerID, symbol string) ([]model.HoldingStatsChange, error) {
	return s.queryHoldingStats(ctx,
		`SELECT `+holdingColumns+`
		 FROM holding_stats_changes
		 WHERE owner_id = $1 AND symbol = $2
		 ORDER BY changed_at, seq`, ownerID, symbol)
}

func (s *PostgresStore) HoldingStatsAsOf(ctx context.Context, ownerID, symbol string, before time.Time) (*model.HoldingStatsChange, error) {
	h, err := scanHoldingStats(s.db.QueryRow(ctx,
		`SELECT `+holdingColumns+`
		 FROM holding_stats_changes
		 WHERE owner_id = $1 AND symbol = $2 AND changed_at < $3
		 ORDER BY changed_at DESC, seq DESC
		 LIMIT 1`, ownerID, symbol, before))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *PostgresStore) DeleteHoldingStatsFrom(ctx context.Context, ownerID string, symbols []string, from time.Time) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM holding_stats_changes
		 WHERE owner_id = $1 AND ($2::TEXT[] IS NULL OR symbol = ANY($2)) AND changed_at >= $3`,
		ownerID, symbols, from)
	return err
}

func (s *PostgresStore) InsertHoldingStats(ctx context.Context, rows []model.HoldingStatsChange) error {
	for _, h := range rows {
		_, err := s.db.Exec(ctx,
			`INSERT INTO holding_stats_changes
			   (owner_id, symbol, related_trade_id, changed_at, total_lot_count,
			    total_quantity, total_present_invested_amount, total_realized_amount,
			    total_realized_profit_or_loss_amount, total_realized_profit_or_loss_rate)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC)`,
			h.OwnerID, h.Symbol, h.RelatedTradeID, h.ChangedAt, h.TotalLotCount,
			h.TotalQuantity.String(), h.TotalPresentInvestedAmount.String(),
			h.TotalRealizedAmount.String(), h.TotalRealizedProfitOrLossAmount.String(),
			h.TotalRealizedProfitOrLossRate.String())
		if err != nil {
			return fmt.Errorf("insert holding stats %s/%s: %w", h.Symbol, h.RelatedTradeID, err)
		}
	}
	return nil
}

// --- Currency stats change log ---

const currencyColumns = `owner_id, for_currency, related_trade_id, changed_at,
	total_lot_count,
	total_quantity::TEXT, total_present_invested_amount::TEXT,
	total_realized_amount::TEXT, total_realized_profit_or_loss_amount::TEXT,
	total_realized_profit_or_loss_rate::TEXT`

func scanCurrencyStats(row pgx.Row) (model.CurrencyStatsChange, error) {
	var c model.CurrencyStatsChange
	var qtyS, investedS, realizedS, pnlS, rateS string
	err := row.Scan(&c.OwnerID, &c.ForCurrency, &c.RelatedTradeID, &c.ChangedAt,
		&c.TotalLotCount, &qtyS, &investedS, &realizedS, &pnlS, &rateS)
	if err != nil {
		return c, err
	}
	c.TotalQuantity, _ = decimal.NewFromString(qtyS)
	c.TotalPresentInvestedAmount, _ = decimal.NewFromString(investedS)
	c.TotalRealizedAmount, _ = decimal.NewFromString(realizedS)
	c.TotalRealizedProfitOrLossAmount, _ = decimal.NewFromString(pnlS)
	c.TotalRealizedProfitOrLossRate, _ = decimal.NewFromString(rateS)
	return c, nil
}

func (s *PostgresStore) LatestCurrencyStats(ctx context.Context, ownerID string, currencies []string) ([]model.CurrencyStatsChange, error) {
	rows, err := s.db.Query(ctx,
		`SELECT DISTINCT ON (for_currency) `+currencyColumns+`
		 FROM currency_stats_changes
		 WHERE owner_id = $1 AND ($2::TEXT[] IS NULL OR for_currency = ANY($2))
		 ORDER BY for_currency, changed_at DESC, seq DESC`, ownerID, currencies)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CurrencyStatsChange
	for rows.Next() {
		c, err := scanCurrencyStats(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CurrencyStatsAsOf(ctx context.Context, ownerID, currency string, before time.Time) (*model.CurrencyStatsChange, error) {
	c, err := scanCurrencyStats(s.db.QueryRow(ctx,
		`SELECT `+currencyColumns+`
		 FROM currency_stats_changes
		 WHERE owner_id = $1 AND for_currency = $2 AND changed_at < $3
		 ORDER BY changed_at DESC, seq DESC
		 LIMIT 1`, ownerID, currency, before))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) DeleteCurrencyStatsFrom(ctx context.Context, ownerID string, currencies []string, from time.Time) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM currency_stats_changes
		 WHERE owner_id = $1 AND ($2::TEXT[] IS NULL OR for_currency = ANY($2)) AND changed_at >= $3`,
		ownerID, currencies, from)
	return err
}

func (s *PostgresStore) InsertCurrencyStats(ctx context.Context, rows []model.CurrencyStatsChange) error {
	for _, c := range rows {
		_, err := s.db.Exec(ctx,
			`INSERT INTO currency_stats_changes
			   (owner_id, for_currency, related_trade_id, changed_at, total_lot_count,
			    total_quantity, total_present_invested_amount, total_realized_amount,
			    total_realized_profit_or_loss_amount, total_realized_profit_or_loss_rate)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC)`,
			c.OwnerID, c.ForCurrency, c.RelatedTradeID, c.ChangedAt, c.TotalLotCount,
			c.TotalQuantity.String(), c.TotalPresentInvestedAmount.String(),
			c.TotalRealizedAmount.String(), c.TotalRealizedProfitOrLossAmount.String(),
			c.TotalRealizedProfitOrLossRate.String())
		if err != nil {
			return fmt.Errorf("insert currency stats %s/%s: %w", c.ForCurrency, c.RelatedTradeID, err)
		}
	}
	return nil
}

// --- Instruments ---

func (s *PostgresStore) GetInstrument(ctx context.Context, symbol string) (*model.InstrumentInfo, error) {
	var info model.InstrumentInfo
	err := s.db.QueryRow(ctx,
		`SELECT symbol, name, exchange_mic, currency FROM instruments WHERE symbol = $1`, symbol).
		Scan(&info.Symbol, &info.Name, &info.ExchangeMic, &info.Currency)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("instrument %s: %w", symbol, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *PostgresStore) ListInstruments(ctx context.Context, symbols []string) ([]model.InstrumentInfo, error) {
	rows, err := s.db.Query(ctx,
		`SELECT symbol, name, exchange_mic, currency FROM instruments
		 WHERE ($1::TEXT[] IS NULL OR symbol = ANY($1))
		 ORDER BY symbol`, symbols)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.InstrumentInfo
	for rows.Next() {
		var info model.InstrumentInfo
		if err := rows.Scan(&info.Symbol, &info.Name, &info.ExchangeMic, &info.Currency); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertInstruments(ctx context.Context, infos []model.InstrumentInfo) error {
	for _, info := range infos {
		_, err := s.db.Exec(ctx,
			`INSERT INTO instruments (symbol, name, exchange_mic, currency)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (symbol) DO UPDATE
			 SET name = EXCLUDED.name, exchange_mic = EXCLUDED.exchange_mic, currency = EXCLUDED.currency`,
			info.Symbol, info.Name, info.ExchangeMic, info.Currency)
		if err != nil {
			return fmt.Errorf("upsert instrument %s: %w", info.Symbol, err)
		}
	}
	return nil
}
