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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/simbroker/ledger-engine/internal/config"
	"github.com/simbroker/ledger-engine/internal/dividend"
	"github.com/simbroker/ledger-engine/internal/metrics"
	"github.com/simbroker/ledger-engine/internal/notify"
	"github.com/simbroker/ledger-engine/internal/oracle"
	"github.com/simbroker/ledger-engine/internal/scheduler"
	"github.com/simbroker/ledger-engine/internal/store"
	"github.com/simbroker/ledger-engine/internal/trade"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (optional) ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		slog.Info("Redis cache enabled")
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool, cfg.LockTimeout)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, 30*time.Second)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		ms := store.NewMemoryStore()
		ms.LockTimeout = cfg.LockTimeout
		st = ms
	}

	// --- Price oracle ---
	var source oracle.Oracle
	var static *oracle.Static
	switch {
	case cfg.PriceProviderURL != "":
		source = oracle.NewChartProvider(cfg.PriceProviderURL, 5*time.Second)
		slog.Info("using live price provider", "url", cfg.PriceProviderURL)
	default:
		static = oracle.NewStatic()
		if cfg.PriceFile != "" {
			if err := static.LoadFile(cfg.PriceFile); err != nil {
				slog.Error("failed to load price file", "path", cfg.PriceFile, "err", err)
				os.Exit(1)
			}
			slog.Info("loaded price snapshot", "path", cfg.PriceFile, "symbols", len(static.Symbols()))
		} else {
			slog.Warn("no price source configured, every order will fail with an unknown symbol")
		}
		source = static
	}
	var priceCache oracle.Cache
	if rdb != nil {
		priceCache = oracle.NewRedisCache(rdb)
	}
	prices := oracle.NewCached(source, priceCache, cfg.PriceTTL)

	// --- Notification sinks ---
	wsHub := notify.NewWSHub()
	go wsHub.Run(ctx)
	sinks := notify.Multi{wsHub}
	if len(cfg.KafkaBrokers) > 0 {
		kp := notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		cleanup = append(cleanup, func() { kp.Close() })
		sinks = append(sinks, kp)
		slog.Info("Kafka notifications enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	// --- Engine ---
	engine := trade.NewEngine(st, trade.NewValidator(prices, cfg.MaxOrderQuantity), sinks)
	engine.ConflictRetries = cfg.ConflictRetries
	distributor := dividend.NewDistributor(st, sinks)
	handler := trade.NewHandler(engine, st, distributor)

	// Resolve orders left PENDING by a previous process, then keep sweeping
	// and paying dividends on schedule.
	sched := scheduler.New(cfg.SchedulerInterval, distributor, engine, cfg.PendingOrderMaxAge)
	sched.Start(ctx)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"ledger-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for order and dividend events.
		r.Get("/ws", wsHub.HandleWS)
		handler.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("ledger-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// SIGHUP reloads the price snapshot; SIGINT/SIGTERM shut down.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			if static == nil || cfg.PriceFile == "" {
				continue
			}
			if err := static.Reload(); err != nil {
				slog.Error("price reload failed", "err", err)
				continue
			}
			if _, err := prices.Refresh(ctx, static.Symbols()...); err != nil {
				slog.Warn("price cache refresh incomplete", "err", err)
			}
			slog.Info("price snapshot reloaded", "symbols", len(static.Symbols()))
			continue
		}
		slog.Info("shutdown signal received", "signal", sig.String())
		break
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	slog.Info("shutting down ledger-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	cancel()
	fmt.Println("ledger-engine stopped")
}
