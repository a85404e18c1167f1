package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/shaiso/taskworker/internal/config"
	"github.com/shaiso/taskworker/internal/idempotency"
	"github.com/shaiso/taskworker/internal/repo"
)

// OpenIdempotency создаёт журнал обработанных задач.
// Для store=none возвращает nil store. close всегда не nil.
func OpenIdempotency(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store idempotency.Store, closeFn func() error, err error) {
	noop := func() error { return nil }

	switch cfg.Idempotency.Store {
	case "", config.IdempotencyNone:
		return nil, noop, nil

	case config.IdempotencyMemory:
		return idempotency.NewMemoryStore(cfg.Idempotency.TTL), noop, nil

	case config.IdempotencyRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, noop, fmt.Errorf("ping redis: %w", err)
		}
		logger.Info("idempotency store connected", "store", "redis", "addr", cfg.Redis.Addr)
		return idempotency.NewRedisStore(client, "", cfg.Idempotency.TTL), client.Close, nil

	case config.IdempotencyPostgres:
		pool, err := repo.NewPool(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, noop, err
		}
		r := repo.NewProcessedRepo(pool)
		if err := r.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, noop, err
		}
		logger.Info("idempotency store connected", "store", "postgres")
		return idempotency.NewPostgresStore(r, cfg.Idempotency.TTL), func() error { pool.Close(); return nil }, nil
	}

	return nil, noop, fmt.Errorf("%w: idempotency store %q", config.ErrInvalidConfig, cfg.Idempotency.Store)
}
