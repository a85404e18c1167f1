package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shaiso/taskworker/internal/queue"
	"github.com/shaiso/taskworker/internal/telemetry"
)

// Binding — очередь и клиент, через который она читается.
type Binding struct {
	Queue  QueueConfig
	Client queue.Client
}

// Config — конфигурация Supervisor.
type Config struct {
	// Queues — очереди для обработки (минимум одна).
	Queues []Binding

	// Options — общие настройки обработки.
	Options Options

	// Logger (опционально; если nil — slog.Default()).
	Logger *slog.Logger

	// Metrics (опционально).
	Metrics *telemetry.Metrics
}

// Supervisor управляет процессорами очередей.
//
// Supervisor:
//   - Запускает по одному циклу poll на очередь
//   - При остановке перестаёт выполнять receive и ждёт in-flight сообщения
//     не дольше grace period
//   - Периодически собирает health (глубина очереди, in-flight, время последнего poll)
//
// Конфигурация передаётся в New один раз и не меняется.
type Supervisor struct {
	processors []*Processor
	health     *healthReporter
	opts       Options
	logger     *slog.Logger

	// Lifecycle
	mu         sync.Mutex
	started    bool
	startedAt  time.Time
	cancelFunc context.CancelFunc
	done       chan struct{}
}

// New создаёт Supervisor. Ошибка конфигурации фатальна для запуска.
func New(cfg Config) (*Supervisor, error) {
	if len(cfg.Queues) == 0 {
		return nil, ErrNoQueues
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts := cfg.Options.withDefaults()

	seen := make(map[string]struct{}, len(cfg.Queues))
	processors := make([]*Processor, 0, len(cfg.Queues))
	for _, b := range cfg.Queues {
		if _, dup := seen[b.Queue.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate queue %q", ErrInvalidQueueConfig, b.Queue.Name)
		}
		seen[b.Queue.Name] = struct{}{}

		p, err := NewProcessor(b.Queue, b.Client, opts, logger, cfg.Metrics)
		if err != nil {
			return nil, err
		}
		processors = append(processors, p)
	}

	s := &Supervisor{
		processors: processors,
		opts:       opts,
		logger:     logger,
	}

	health, err := newHealthReporter(opts.HealthSchedule, opts.OpTimeout, s.Health, logger)
	if err != nil {
		return nil, err
	}
	s.health = health

	return s, nil
}

// Start запускает все процессоры и health-отчёт. Не блокируется.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	s.startedAt = time.Now()

	ctx, cancel := context.WithCancel(ctx)
	s.cancelFunc = cancel
	s.done = make(chan struct{})

	names := make([]string, 0, len(s.processors))
	for _, p := range s.processors {
		names = append(names, p.Name())
	}
	s.logger.Info("starting worker",
		"queues", names,
		"max_batch", s.opts.MaxBatch,
		"poll_wait", s.opts.PollWait,
		"visibility_timeout", s.opts.VisibilityTimeout,
		"processing_timeout", s.opts.ProcessingTimeout,
		"shutdown_grace", s.opts.ShutdownGrace,
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range s.processors {
		g.Go(func() error {
			return p.Run(gctx)
		})
	}

	go func() {
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("processor error", "error", err)
		}
		close(s.done)
	}()

	s.health.Start()

	s.logger.Info("worker started")
	return nil
}

// Stop останавливает приём новых сообщений и ждёт завершения процессоров.
// Каждый процессор ждёт in-flight сообщения не дольше ShutdownGrace.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.started || s.cancelFunc == nil {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancelFunc, s.done
	s.mu.Unlock()

	s.logger.Info("stopping worker...")

	cancel()
	<-done
	s.health.Stop()

	s.logger.Info("worker stopped")
}

// Done закрывается, когда все процессоры завершились.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Health собирает текущее состояние всех процессоров.
func (s *Supervisor) Health(ctx context.Context) Health {
	s.mu.Lock()
	h := Health{
		Running:   s.started,
		StartedAt: s.startedAt,
		CheckedAt: time.Now(),
	}
	done := s.done
	s.mu.Unlock()

	if done != nil {
		select {
		case <-done:
			h.Running = false
		default:
		}
	}

	for _, p := range s.processors {
		ph := p.Health(ctx)
		h.InFlight += ph.InFlight
		h.Processors = append(h.Processors, ph)
	}
	return h
}

// LastHealth возвращает последний снимок, снятый по расписанию.
func (s *Supervisor) LastHealth() Health {
	return s.health.Last()
}
