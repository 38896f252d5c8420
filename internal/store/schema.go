package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema holds the DDL for the engine's tables. Stats change logs carry a
// BIGSERIAL write-order column so recency ties on changed_at resolve
// deterministically; replay rewrites rows in chronological order, keeping
// sequence order aligned with trade order.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS trades (
		id           TEXT PRIMARY KEY,
		owner_id     TEXT NOT NULL,
		symbol       TEXT NOT NULL,
		performed_at TIMESTAMPTZ NOT NULL,
		quantity     NUMERIC NOT NULL,
		price        NUMERIC NOT NULL,
		UNIQUE (owner_id, symbol, performed_at)
	)`,
	`CREATE INDEX IF NOT EXISTS trades_owner_symbol_idx ON trades (owner_id, symbol, performed_at)`,

	`CREATE TABLE IF NOT EXISTS lots (
		id                      TEXT PRIMARY KEY,
		owner_id                TEXT NOT NULL,
		symbol                  TEXT NOT NULL,
		opening_trade_id        TEXT NOT NULL,
		opened_at               TIMESTAMPTZ NOT NULL,
		open_price              NUMERIC NOT NULL,
		remaining_quantity      NUMERIC NOT NULL,
		realized_profit_or_loss NUMERIC NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS lots_owner_symbol_idx ON lots (owner_id, symbol, opened_at)`,

	`CREATE TABLE IF NOT EXISTS lot_closings (
		lot_id           TEXT NOT NULL,
		closing_trade_id TEXT NOT NULL,
		owner_id         TEXT NOT NULL,
		symbol           TEXT NOT NULL,
		quantity         NUMERIC NOT NULL,
		realized_amount  NUMERIC NOT NULL,
		PRIMARY KEY (lot_id, closing_trade_id)
	)`,
	`CREATE INDEX IF NOT EXISTS lot_closings_owner_symbol_idx ON lot_closings (owner_id, symbol)`,

	`CREATE TABLE IF NOT EXISTS holding_stats_changes (
		seq                                  BIGSERIAL PRIMARY KEY,
		owner_id                             TEXT NOT NULL,
		symbol                               TEXT NOT NULL,
		related_trade_id                     TEXT NOT NULL,
		changed_at                           TIMESTAMPTZ NOT NULL,
		total_lot_count                      INT NOT NULL,
		total_quantity                       NUMERIC NOT NULL,
		total_present_invested_amount        NUMERIC NOT NULL,
		total_realized_amount                NUMERIC NOT NULL,
		total_realized_profit_or_loss_amount NUMERIC NOT NULL,
		total_realized_profit_or_loss_rate   NUMERIC NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS holding_stats_owner_symbol_idx
		ON holding_stats_changes (owner_id, symbol, changed_at DESC, seq DESC)`,

	`CREATE TABLE IF NOT EXISTS currency_stats_changes (
		seq                                  BIGSERIAL PRIMARY KEY,
		owner_id                             TEXT NOT NULL,
		for_currency                         TEXT NOT NULL,
		related_trade_id                     TEXT NOT NULL,
		changed_at                           TIMESTAMPTZ NOT NULL,
		total_lot_count                      INT NOT NULL,
		total_quantity                       NUMERIC NOT NULL,
		total_present_invested_amount        NUMERIC NOT NULL,
		total_realized_amount                NUMERIC NOT NULL,
		total_realized_profit_or_loss_amount NUMERIC NOT NULL,
		total_realized_profit_or_loss_rate   NUMERIC NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS currency_stats_owner_currency_idx
		ON currency_stats_changes (owner_id, for_currency, changed_at DESC, seq DESC)`,

	`CREATE TABLE IF NOT EXISTS instruments (
		symbol       TEXT PRIMARY KEY,
		name         TEXT NOT NULL DEFAULT '',
		exchange_mic TEXT NOT NULL DEFAULT '',
		currency     TEXT NOT NULL
	)`,
}

// Migrate creates the engine's tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
