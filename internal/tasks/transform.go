package tasks

import (
	"context"
	"maps"

	"github.com/shaiso/taskworker/internal/domain"
)

// Transform — обработчик задачи "transform".
//
// Возвращает payload как результат. Используется для проверки
// сквозного прохождения сообщения через очередь.
type Transform struct{}

// Handle возвращает копию payload.
func (t *Transform) Handle(_ context.Context, msg *domain.TaskMessage) (*domain.TaskResult, error) {
	outputs := make(map[string]any, len(msg.Payload))
	maps.Copy(outputs, msg.Payload)

	return domain.Completed(msg.TaskID, outputs), nil
}
