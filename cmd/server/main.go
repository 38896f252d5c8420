package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/vestra/portfolio-engine/internal/api"
	"github.com/vestra/portfolio-engine/internal/bus"
	"github.com/vestra/portfolio-engine/internal/config"
	"github.com/vestra/portfolio-engine/internal/fusion"
	"github.com/vestra/portfolio-engine/internal/ledger"
	"github.com/vestra/portfolio-engine/internal/marketdata"
	"github.com/vestra/portfolio-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Redis client (shared by cache and event bus) ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	// --- Store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		if err := store.Migrate(context.Background(), pool); err != nil {
			slog.Error("migration failed", "err", err)
			os.Exit(1)
		}
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Event bus ---
	var b bus.Bus
	if rdb != nil {
		b = bus.NewRedisBus(rdb)
		slog.Info("Redis event bus enabled")
	} else {
		slog.Warn("REDIS_URL not set, using in-process event bus")
		b = bus.NewMemoryBus()
	}

	// --- Market data ---
	var provider marketdata.Provider
	if cfg.QuotesURL != "" {
		provider = marketdata.NewClient(cfg.QuotesURL)
		slog.Info("quote feed configured", "url", cfg.QuotesURL)
	} else {
		slog.Warn("QUOTES_URL not set, using simulated quotes")
		provider = marketdata.NewSimProvider()
	}
	mux := marketdata.NewMux(provider)
	cleanup = append(cleanup, mux.Close)

	// --- Services ---
	ledgerSvc := ledger.NewService(st, b)
	fusionSvc := fusion.NewService(st, b, mux)
	svc := api.NewService(st, ledgerSvc, fusionSvc)

	r := api.NewRouter(svc, cfg.RequestTimeout)

	// --- Server ---
	// No WriteTimeout: streaming subscriptions hold the connection open.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("portfolio-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down portfolio-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("portfolio-engine stopped")
}
