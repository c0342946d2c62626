package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/simbroker/ledger-engine/internal/config"
	"github.com/simbroker/ledger-engine/internal/dividend"
	"github.com/simbroker/ledger-engine/internal/notify"
	"github.com/simbroker/ledger-engine/internal/oracle"
	"github.com/simbroker/ledger-engine/internal/store"
	"github.com/simbroker/ledger-engine/internal/trade"
)

// ledgerctl lives for a single command, so package-level state is fine.

// stdout receives command results as JSON.
var stdout io.Writer = os.Stdout

// open builds the ledger for a command. Tests replace it.
var open = openLedger

// ledger is everything a command may need.
type ledger struct {
	store       store.Store
	engine      *trade.Engine
	distributor *dividend.Distributor
	prices      *oracle.Cached
	static      *oracle.Static // nil when a live provider is configured
	closers     []func()

	// sharedPrices reports whether prices is backed by the Redis cache the
	// server reads. Without it a refresh dies with the process.
	sharedPrices bool
}

func (l *ledger) Close() {
	for i := len(l.closers) - 1; i >= 0; i-- {
		l.closers[i]()
	}
}

// openLedger connects to the store, cache, price source and Kafka named by
// the environment. A database is required: the in-memory store would
// vanish with the process.
func openLedger(ctx context.Context) (*ledger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}

	l := &ledger{}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	l.closers = append(l.closers, pool.Close)
	pg := store.NewPostgresStore(pool, cfg.LockTimeout)
	if err := pg.Migrate(ctx); err != nil {
		l.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	l.store = pg

	var priceCache oracle.Cache
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		l.closers = append(l.closers, func() { rdb.Close() })
		l.store = store.NewCachedStore(pg, rdb, 30*time.Second)
		priceCache = oracle.NewRedisCache(rdb)
		l.sharedPrices = true
	}

	var source oracle.Oracle
	if cfg.PriceProviderURL != "" {
		source = oracle.NewChartProvider(cfg.PriceProviderURL, 5*time.Second)
	} else {
		l.static = oracle.NewStatic()
		if cfg.PriceFile != "" {
			if err := l.static.LoadFile(cfg.PriceFile); err != nil {
				l.Close()
				return nil, err
			}
		}
		source = l.static
	}
	l.prices = oracle.NewCached(source, priceCache, cfg.PriceTTL)

	var sink notify.Notifier = notify.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		l.closers = append(l.closers, func() { kp.Close() })
		sink = kp
	}

	l.engine = trade.NewEngine(l.store, trade.NewValidator(l.prices, cfg.MaxOrderQuantity), sink)
	l.engine.ConflictRetries = cfg.ConflictRetries
	l.distributor = dividend.NewDistributor(l.store, sink)
	return l, nil
}

// withLedger opens the ledger, runs fn and closes it.
func withLedger(ctx context.Context, fn func(*ledger) subcommands.ExitStatus) subcommands.ExitStatus {
	l, err := open(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening ledger: %v\n", err)
		return subcommands.ExitFailure
	}
	defer l.Close()
	return fn(l)
}

// printJSON writes v to stdout, indented.
func printJSON(v any) subcommands.ExitStatus {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Error("failed to write output", "err", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
