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
	"github.com/shopspring/decimal"

	"github.com/polyarb/arb-engine/internal/api"
	"github.com/polyarb/arb-engine/internal/breaker"
	"github.com/polyarb/arb-engine/internal/config"
	"github.com/polyarb/arb-engine/internal/engine"
	"github.com/polyarb/arb-engine/internal/feed"
	"github.com/polyarb/arb-engine/internal/ledger"
	"github.com/polyarb/arb-engine/internal/model"
	sig "github.com/polyarb/arb-engine/internal/signal"
	"github.com/polyarb/arb-engine/internal/stoploss"
	"github.com/polyarb/arb-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(".")
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// --- Initialize stores ---
	var positionRepo store.PositionRepository
	var breakerRepo store.BreakerRepository
	var cleanup []func()

	if dbURL := cfg.Store.DatabaseURL; dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		positionRepo = store.NewPostgresPositionRepository(pool)
		breakerRepo = store.NewPostgresBreakerRepository(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("store.database_url not set, using in-memory store (data will not persist)")
		positionRepo = store.NewMemoryPositionRepository()
		breakerRepo = store.NewMemoryBreakerRepository()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Circuit breaker ---
	limits := breaker.Limits{
		DailyLossLimit:       mustDecimal("breaker.daily_loss_limit", cfg.Breaker.DailyLossLimit),
		MaxDrawdown:          mustDecimal("breaker.max_drawdown", cfg.Breaker.MaxDrawdown),
		MaxConsecutiveLosses: cfg.Breaker.MaxConsecutiveLosses,
		Cooldown:             cfg.Breaker.Cooldown,
		RecoveryRequired:     cfg.Breaker.RecoveryRequired,
	}
	cb, err := breaker.New(ctx, breakerRepo, limits)
	if err != nil {
		slog.Error("breaker init failed", "err", err)
		os.Exit(1)
	}

	// --- Ledger ---
	feeRate := mustDecimal("trading.fee_rate", cfg.Trading.FeeRate)
	ldg := ledger.New(positionRepo, feeRate, mustDecimal("trading.exit_threshold", cfg.Trading.ExitThreshold))
	if err := ldg.ReloadActive(ctx); err != nil {
		slog.Error("position reload failed", "err", err)
		os.Exit(1)
	}

	// --- Signal dispatch ---
	hub := api.NewSignalHub()
	go hub.Run()

	dispatchers := sig.Fanout{sig.LogDispatcher{}, hub}
	if redisURL := cfg.Signals.RedisURL; redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid signals.redis_url", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		dispatchers = append(dispatchers, sig.NewRedisDispatcher(rdb, cfg.Signals.Channel))
		slog.Info("Redis signal delivery enabled", "channel", cfg.Signals.Channel)
	}

	// --- Engine ---
	eng := engine.New(engine.Config{
		FeeRate:       feeRate,
		OrderQuantity: mustDecimal("trading.order_quantity", cfg.Trading.OrderQuantity),
		ExitStrategy:  model.ExitStrategy(cfg.Trading.ExitStrategy),
		StopType:      model.StopType(cfg.Trading.StopType),
		StopPct:       mustDecimal("trading.stop_pct", cfg.Trading.StopPct),
		StopFloor:     mustDecimal("trading.stop_floor", cfg.Trading.StopFloor),
	}, ldg, stoploss.NewEngine(), cb, dispatchers)

	// --- Market data feed ---
	feedCtx, stopFeed := context.WithCancel(ctx)
	defer stopFeed()

	if cfg.Feed.URL != "" {
		client := feed.NewClient(cfg.Feed.URL, cfg.Feed.Markets, eng, cb)
		go func() {
			if err := client.Run(feedCtx); err != nil && feedCtx.Err() == nil {
				slog.Error("feed terminated", "err", err)
			}
		}()
	} else {
		slog.Warn("feed.url not set, running without market data")
	}

	// --- HTTP server ---
	apiSrv := api.NewServer(ldg, cb, hub)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      apiSrv.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("arb-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopFeed()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down arb-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("arb-engine stopped")
}

// mustDecimal parses a config decimal string, exiting on malformed input.
// Empty strings parse as zero, which disables the associated limit.
func mustDecimal(key, s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		slog.Error("invalid decimal in config", "key", key, "value", s)
		os.Exit(1)
	}
	return d
}
