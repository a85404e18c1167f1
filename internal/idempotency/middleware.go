package idempotency

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shaiso/taskworker/internal/domain"
	"github.com/shaiso/taskworker/internal/telemetry"
	"github.com/shaiso/taskworker/internal/worker"
)

// Middleware оборачивает обработчик проверкой журнала.
//
// Задача, уже записанная в журнал, не выполняется повторно: возвращается
// сохранённый результат, и сообщение удаляется как COMPLETED. Ошибка
// журнала не блокирует обработку: задача выполняется, ошибка логируется.
// queue — имя очереди для логов и метрик.
func Middleware(store Store, queue string, next worker.Handler, logger *slog.Logger, metrics *telemetry.Metrics) worker.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = telemetry.WithQueue(logger, queue)

	return worker.HandlerFunc(func(ctx context.Context, msg *domain.TaskMessage) (*domain.TaskResult, error) {
		log := telemetry.WithTaskID(logger, msg.TaskID)

		prev, err := store.Lookup(ctx, msg.TaskID)
		switch {
		case err == nil:
			log.Info("task already processed, skipping", "task_type", msg.TaskType, "retry_count", msg.RetryCount)
			metrics.Outcome(queue, msg.TaskType, telemetry.OutcomeDuplicate)
			return prev, nil
		case !errors.Is(err, ErrNotFound):
			log.Warn("idempotency lookup failed", "error", err)
		}

		result, err := next.Handle(ctx, msg)
		if err != nil || result == nil || result.Status != domain.ResultCompleted {
			return result, err
		}

		if err := store.Save(ctx, result); err != nil {
			log.Warn("idempotency save failed", "error", err)
		}
		return result, nil
	})
}

// Wrap оборачивает обработчики одной очереди.
func Wrap(handlers map[string]worker.Handler, queue string, store Store, logger *slog.Logger, metrics *telemetry.Metrics) map[string]worker.Handler {
	wrapped := make(map[string]worker.Handler, len(handlers))
	for taskType, h := range handlers {
		wrapped[taskType] = Middleware(store, queue, h, logger, metrics)
	}
	return wrapped
}
