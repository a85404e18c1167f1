package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/shaiso/taskworker/internal/domain"
	"github.com/shaiso/taskworker/internal/repo"
)

// PostgresStore — журнал в таблице processed_tasks.
type PostgresStore struct {
	repo *repo.ProcessedRepo
	ttl  time.Duration
}

var (
	_ Store   = (*PostgresStore)(nil)
	_ Sweeper = (*PostgresStore)(nil)
)

// NewPostgresStore создаёт журнал поверх ProcessedRepo.
func NewPostgresStore(r *repo.ProcessedRepo, ttl time.Duration) *PostgresStore {
	return &PostgresStore{repo: r, ttl: ttl}
}

// Lookup читает результат.
func (s *PostgresStore) Lookup(ctx context.Context, taskID string) (*domain.TaskResult, error) {
	result, err := s.repo.Get(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNotFound
	}
	return result, err
}

// Save записывает результат.
func (s *PostgresStore) Save(ctx context.Context, result *domain.TaskResult) error {
	return s.repo.Insert(ctx, result, s.ttl)
}

// Sweep удаляет строки с истёкшим expires_at.
func (s *PostgresStore) Sweep(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpired(ctx)
}
