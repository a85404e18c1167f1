package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultHealthSchedule = "@every 60s"

// healthParser — парсер расписания health-отчёта.
// Поддерживает стандартные выражения и дескрипторы вида "@every 30s".
var healthParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule проверяет расписание health-отчёта.
func ValidateSchedule(expr string) error {
	if _, err := healthParser.Parse(expr); err != nil {
		return fmt.Errorf("parse health schedule %q: %w", expr, err)
	}
	return nil
}

// Health — агрегированное состояние воркера.
type Health struct {
	Running    bool              `json:"running"`
	StartedAt  time.Time         `json:"started_at"`
	CheckedAt  time.Time         `json:"checked_at"`
	InFlight   int64             `json:"in_flight"`
	Processors []ProcessorHealth `json:"processors"`
}

// healthReporter периодически снимает Health и пишет его в лог.
//
// Последний снимок доступен через Last для внешнего мониторинга.
// Сам reporter ничего не отдаёт по сети.
type healthReporter struct {
	cron    *cron.Cron
	collect func(ctx context.Context) Health
	timeout time.Duration
	logger  *slog.Logger

	mu   sync.RWMutex
	last Health
}

func newHealthReporter(schedule string, timeout time.Duration, collect func(ctx context.Context) Health, logger *slog.Logger) (*healthReporter, error) {
	r := &healthReporter{
		cron:    cron.New(cron.WithParser(healthParser)),
		collect: collect,
		timeout: timeout,
		logger:  logger,
	}

	if _, err := r.cron.AddFunc(schedule, r.report); err != nil {
		return nil, fmt.Errorf("parse health schedule %q: %w", schedule, err)
	}
	return r, nil
}

// report снимает и логирует состояние.
func (r *healthReporter) report() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	h := r.collect(ctx)

	r.mu.Lock()
	r.last = h
	r.mu.Unlock()

	for _, p := range h.Processors {
		attrs := []any{
			"queue", p.Queue,
			"in_flight", p.InFlight,
			"prefetch", p.Prefetch,
			"last_poll", p.LastPoll,
			"completed", p.Completed,
			"retried", p.Retried,
			"dead_lettered", p.DeadLettered,
			"abandoned", p.Abandoned,
			"poll_errors", p.PollErrors,
		}
		if p.Stats != nil {
			attrs = append(attrs,
				"visible", p.Stats.Visible,
				"queue_in_flight", p.Stats.InFlight,
				"delayed", p.Stats.Delayed,
			)
		}
		r.logger.Info("worker health", attrs...)
	}
}

// Last возвращает последний снимок.
func (r *healthReporter) Last() Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

func (r *healthReporter) Start() {
	r.cron.Start()
}

// Stop останавливает расписание и ждёт текущий отчёт.
func (r *healthReporter) Stop() {
	<-r.cron.Stop().Done()
}
