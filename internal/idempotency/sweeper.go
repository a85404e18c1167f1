package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const sweepTimeout = time.Minute

// sweepParser принимает стандартные выражения и "@every 1h".
var sweepParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Sweeper — журнал, которому нужна периодическая очистка истёкших записей.
// Redis удаляет их сам по TTL ключа.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// StartSweeper запускает очистку по расписанию. Возвращённая функция
// останавливает расписание и ждёт текущий проход.
func StartSweeper(s Sweeper, schedule string, logger *slog.Logger) (stop func(), err error) {
	if logger == nil {
		logger = slog.Default()
	}

	c := cron.New(cron.WithParser(sweepParser))
	_, err = c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()

		n, err := s.Sweep(ctx)
		if err != nil {
			logger.Warn("idempotency sweep failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("idempotency sweep", "deleted", n)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", schedule, err)
	}

	c.Start()
	return func() { <-c.Stop().Done() }, nil
}
