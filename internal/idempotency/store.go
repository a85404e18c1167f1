// Package idempotency хранит журнал успешно обработанных задач и
// пропускает повторные доставки уже выполненных задач.
//
// Очередь доставляет сообщения at-least-once. Журнал не заменяет
// идемпотентность обработчика: между выполнением задачи и записью в журнал
// воркер может упасть, и задача выполнится повторно.
package idempotency

import (
	"context"
	"errors"

	"github.com/shaiso/taskworker/internal/domain"
)

// ErrNotFound — задачи нет в журнале.
var ErrNotFound = errors.New("task not processed")

// Store — журнал обработанных задач.
type Store interface {
	// Lookup возвращает сохранённый результат или ErrNotFound.
	Lookup(ctx context.Context, taskID string) (*domain.TaskResult, error)

	// Save сохраняет результат COMPLETED. Повторный Save не ошибка.
	Save(ctx context.Context, result *domain.TaskResult) error
}
