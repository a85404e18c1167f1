package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/taskworker/internal/domain"
)

const processedSchema = `
	CREATE TABLE IF NOT EXISTS processed_tasks (
		task_id      TEXT PRIMARY KEY,
		status       TEXT NOT NULL,
		result       JSONB,
		completed_at TIMESTAMPTZ NOT NULL,
		expires_at   TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS processed_tasks_expires_at ON processed_tasks (expires_at);
`

// ProcessedRepo — журнал успешно обработанных задач.
type ProcessedRepo struct {
	pool *pgxpool.Pool
}

// NewProcessedRepo создаёт новый ProcessedRepo.
func NewProcessedRepo(pool *pgxpool.Pool) *ProcessedRepo {
	return &ProcessedRepo{pool: pool}
}

// EnsureSchema создаёт таблицу, если её нет.
func (r *ProcessedRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, processedSchema); err != nil {
		return fmt.Errorf("create processed_tasks: %w", err)
	}
	return nil
}

// Insert записывает результат. Повторная запись того же task_id игнорируется.
// ttl <= 0 — запись без срока.
func (r *ProcessedRepo) Insert(ctx context.Context, result *domain.TaskResult, ttl time.Duration) error {
	resultJSON, err := json.Marshal(result.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	completedAt := time.Now().UTC()
	if result.CompletedAt != nil {
		completedAt = *result.CompletedAt
	}
	var expiresAt *time.Time
	if ttl > 0 {
		t := completedAt.Add(ttl)
		expiresAt = &t
	}

	query := `
		INSERT INTO processed_tasks (task_id, status, result, completed_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (task_id) DO NOTHING
	`
	_, err = r.pool.Exec(ctx, query,
		result.TaskID,
		result.Status,
		resultJSON,
		completedAt,
		expiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert processed task: %w", err)
	}
	return nil
}

// Get возвращает результат по task_id. Истёкшие записи не возвращаются.
func (r *ProcessedRepo) Get(ctx context.Context, taskID string) (*domain.TaskResult, error) {
	query := `
		SELECT task_id, status, result, completed_at
		FROM processed_tasks
		WHERE task_id = $1 AND (expires_at IS NULL OR expires_at > now())
	`

	var (
		result      domain.TaskResult
		resultJSON  []byte
		completedAt time.Time
	)
	err := r.pool.QueryRow(ctx, query, taskID).Scan(
		&result.TaskID,
		&result.Status,
		&resultJSON,
		&completedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get processed task: %w", err)
	}

	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &result.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	result.CompletedAt = &completedAt
	return &result, nil
}

// DeleteExpired удаляет истёкшие записи и возвращает их количество.
func (r *ProcessedRepo) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM processed_tasks WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired processed tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}
