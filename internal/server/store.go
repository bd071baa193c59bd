package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/morezero/islandgate/internal/config"
	"github.com/morezero/islandgate/pkg/db"
	"github.com/morezero/islandgate/pkg/idempotency"
)

const storeLogPrefix = "server:store"

// storeHandle is the selected idempotency backend plus its lifecycle hooks.
type storeHandle struct {
	store idempotency.Store
	// ping backs the "store" health check.
	ping  func(ctx context.Context) error
	close func()
}

// openStore builds the idempotency backend named by IDEMPOTENCY_BACKEND.
func openStore(ctx context.Context, cfg *config.Config) (*storeHandle, error) {
	switch cfg.IdempotencyBackend {
	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to connect to database: %w", storeLogPrefix, err)
		}
		if cfg.RunMigrations {
			if err := db.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, fmt.Errorf("%s - failed to run migrations: %w", storeLogPrefix, err)
			}
		}
		store := idempotency.NewPostgresStore(pool)
		stop := startSweeper(store, cfg.IdempotencySweepInterval)
		slog.Info(fmt.Sprintf("%s - Using postgres idempotency store", storeLogPrefix))
		return &storeHandle{
			store: store,
			ping:  pool.Ping,
			close: func() {
				stop()
				pool.Close()
			},
		}, nil

	case config.BackendRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("%s - invalid REDIS_URL: %w", storeLogPrefix, err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("%s - failed to ping redis: %w", storeLogPrefix, err)
		}
		slog.Info(fmt.Sprintf("%s - Using redis idempotency store", storeLogPrefix))
		return &storeHandle{
			store: idempotency.NewRedisStore(rdb, cfg.ChannelPrefix+":idem:"),
			ping:  func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			close: func() { _ = rdb.Close() },
		}, nil

	default:
		store := idempotency.NewMemoryStore()
		if cfg.IdempotencySweepInterval > 0 {
			store.StartJanitor(cfg.IdempotencySweepInterval)
		}
		slog.Info(fmt.Sprintf("%s - Using in-memory idempotency store", storeLogPrefix))
		return &storeHandle{
			store: store,
			ping:  func(context.Context) error { return nil },
			close: store.Close,
		}, nil
	}
}

// startSweeper removes expired records every interval until the returned
// stop func is called.
func startSweeper(store idempotency.Store, interval time.Duration) func() {
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := store.Sweep(ctx)
				if err != nil {
					slog.Warn(fmt.Sprintf("%s - sweep failed: %v", storeLogPrefix, err))
					continue
				}
				if n > 0 {
					slog.Debug(fmt.Sprintf("%s - swept %d expired records", storeLogPrefix, n))
				}
			}
		}
	}()
	return cancel
}
