package main

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openmohaa/session-tracker/internal/archive"
	"github.com/openmohaa/session-tracker/internal/config"
	"github.com/openmohaa/session-tracker/internal/handlers"
	"github.com/openmohaa/session-tracker/internal/logic"
	"github.com/openmohaa/session-tracker/internal/store"
	"github.com/openmohaa/session-tracker/internal/store/memory"
	"github.com/openmohaa/session-tracker/internal/store/postgres"
)

// app holds the connections shared by every command.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	store  store.Store
	engine *logic.Engine
	redis  *redis.Client
	ch     driver.Conn
	checks map[string]handlers.Pinger
}

// openApp loads configuration and connects to the store. Redis and ClickHouse
// are only opened when withSidecars is set and their URLs are configured.
func openApp(ctx context.Context, withSidecars bool) (*app, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	sugar := logger.Sugar()
	a := &app{cfg: cfg, logger: logger, checks: map[string]handlers.Pinger{}}

	switch cfg.Store {
	case config.StoreMemory:
		sugar.Warnw("Using in-memory store; data is lost on exit")
		a.store = memory.New(sugar)
	default:
		pg, err := postgres.Open(ctx, cfg.PostgresURL, sugar)
		if err != nil {
			return nil, err
		}
		policy := store.DefaultRetryPolicy()
		policy.MaxAttempts = cfg.StoreRetries
		pg.WithRetryPolicy(policy)
		a.store = pg
		a.checks["postgres"] = pg.Ping
	}

	ec, err := cfg.EngineConfig()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = logic.NewEngine(a.store, ec, sugar)

	if !withSidecars {
		return a, nil
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
		sugar.Infow("Connected to Redis")
	}

	if cfg.ClickHouseURL != "" {
		a.ch, err = archive.Open(ctx, cfg.ClickHouseURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := archive.Migrate(ctx, a.ch); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to migrate clickhouse: %w", err)
		}
		a.checks["clickhouse"] = a.ch.Ping
		sugar.Infow("Connected to ClickHouse")
	}

	return a, nil
}

func (a *app) Close() {
	if a.ch != nil {
		a.ch.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	a.logger.Sync()
}
