package tasks

import (
	"context"
	"time"

	"github.com/shaiso/taskworker/internal/domain"
)

// Delay — обработчик задачи "delay".
//
// Ожидает указанное количество секунд. Поддерживает отмену через context.
//
// Payload:
//   - duration_sec (number): длительность задержки в секундах (default: 1)
type Delay struct{}

// Handle выполняет задержку.
func (d *Delay) Handle(ctx context.Context, msg *domain.TaskMessage) (*domain.TaskResult, error) {
	durationSec := getFloat(msg.Payload, "duration_sec", 1)
	if durationSec <= 0 {
		durationSec = 1
	}

	if err := sleep(ctx, time.Duration(durationSec*float64(time.Second))); err != nil {
		return nil, err
	}

	return domain.Completed(msg.TaskID, map[string]any{"delayed_sec": durationSec}), nil
}
