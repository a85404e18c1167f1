package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"

	"github.com/shaiso/taskworker/internal/domain"
	"github.com/shaiso/taskworker/internal/queue"
	"github.com/shaiso/taskworker/internal/telemetry"
)

// Default configuration values.
const (
	defaultMaxBatch          = 10
	defaultPollWait          = 20 * time.Second
	defaultVisibility        = 30 * time.Second
	defaultProcessingTimeout = 300 * time.Second
	defaultShutdownGrace     = 30 * time.Second
	defaultOpTimeout         = 10 * time.Second
	defaultPollBackoff       = time.Second
	defaultPollBackoffMax    = 30 * time.Second
	defaultPrefetch          = 10
)

// QueueConfig — привязка очереди к набору обработчиков.
//
// Создаётся один раз при старте и далее не меняется.
type QueueConfig struct {
	Name            string
	RoutingKey      string
	TaskHandlers    map[string]Handler
	PrefetchCount   int
	ExchangeName    string
	DLXExchangeName string
	DLQName         string
}

// Validate проверяет конфигурацию очереди.
func (c QueueConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidQueueConfig)
	}
	if len(c.TaskHandlers) == 0 {
		return fmt.Errorf("%w: queue %q has no handlers", ErrInvalidQueueConfig, c.Name)
	}
	for taskType, h := range c.TaskHandlers {
		if taskType == "" || h == nil {
			return fmt.Errorf("%w: queue %q has empty handler entry %q", ErrInvalidQueueConfig, c.Name, taskType)
		}
	}
	if c.PrefetchCount < 0 {
		return fmt.Errorf("%w: queue %q prefetch_count must be positive", ErrInvalidQueueConfig, c.Name)
	}
	return nil
}

// deadLetterName — имя DLQ для записей о сбоях.
func (c QueueConfig) deadLetterName() string {
	if c.DLQName != "" {
		return c.DLQName
	}
	return c.Name
}

// Options — общие настройки обработки для всех очередей.
type Options struct {
	// MaxBatch — максимум сообщений за один receive.
	MaxBatch int

	// PollWait — время long-poll.
	PollWait time.Duration

	// VisibilityTimeout — длительность lease.
	VisibilityTimeout time.Duration

	// ExtendInterval — период продления lease (default: VisibilityTimeout/2).
	ExtendInterval time.Duration

	// ProcessingTimeout — потолок времени работы обработчика.
	ProcessingTimeout time.Duration

	// ShutdownGrace — сколько ждать in-flight сообщения при остановке.
	ShutdownGrace time.Duration

	// OpTimeout — таймаут на delete / send / dead-letter.
	OpTimeout time.Duration

	// PollBackoff, PollBackoffMax — backoff повторного poll после ошибки очереди.
	PollBackoff    time.Duration
	PollBackoffMax time.Duration

	// HealthSchedule — cron-расписание health-отчёта (default: "@every 60s").
	HealthSchedule string

	// Retry — политика retry и dead-letter.
	Retry RetryPolicy
}

// withDefaults заполняет нулевые поля значениями по умолчанию.
func (o Options) withDefaults() Options {
	if o.MaxBatch <= 0 {
		o.MaxBatch = defaultMaxBatch
	}
	if o.PollWait <= 0 {
		o.PollWait = defaultPollWait
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = defaultVisibility
	}
	if o.ExtendInterval == 0 {
		o.ExtendInterval = o.VisibilityTimeout / 2
	}
	if o.ProcessingTimeout <= 0 {
		o.ProcessingTimeout = defaultProcessingTimeout
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = defaultShutdownGrace
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = defaultOpTimeout
	}
	if o.PollBackoff <= 0 {
		o.PollBackoff = defaultPollBackoff
	}
	if o.PollBackoffMax <= 0 {
		o.PollBackoffMax = defaultPollBackoffMax
	}
	if o.HealthSchedule == "" {
		o.HealthSchedule = defaultHealthSchedule
	}
	if o.Retry.BaseDelay <= 0 {
		o.Retry.BaseDelay = defaultRetryBaseDelay
	}
	if o.Retry.MaxDelay <= 0 {
		o.Retry.MaxDelay = defaultRetryMaxDelay
	}
	if o.Retry.ExpiredMinDelay <= 0 {
		o.Retry.ExpiredMinDelay = o.VisibilityTimeout
	}
	return o
}

// ProcessorHealth — снимок состояния процессора.
type ProcessorHealth struct {
	Queue        string       `json:"queue"`
	InFlight     int64        `json:"in_flight"`
	Prefetch     int          `json:"prefetch"`
	LastPoll     time.Time    `json:"last_poll"`
	Stats        *queue.Stats `json:"stats,omitempty"`
	Completed    int64        `json:"completed"`
	Retried      int64        `json:"retried"`
	DeadLettered int64        `json:"dead_lettered"`
	Abandoned    int64        `json:"abandoned"`
	PollErrors   int64        `json:"poll_errors"`
}

// Processor — цикл poll/dispatch для одной очереди.
//
// Число сообщений в DISPATCHING не превышает PrefetchCount: новый receive
// выполняется только при наличии свободных слотов, излишек остаётся в очереди.
type Processor struct {
	cfg     QueueConfig
	client  queue.Client
	opts    Options
	logger  *slog.Logger
	metrics *telemetry.Metrics

	prefetch int
	sem      *semaphore.Weighted
	wg       sync.WaitGroup

	inFlight     atomic.Int64
	lastPoll     atomic.Int64
	completed    atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	abandoned    atomic.Int64
	pollErrors   atomic.Int64
}

// NewProcessor создаёт процессор очереди.
func NewProcessor(cfg QueueConfig, client queue.Client, opts Options, logger *slog.Logger, metrics *telemetry.Metrics) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("%w: queue %q has no client", ErrInvalidQueueConfig, cfg.Name)
	}
	if logger == nil {
		logger = slog.Default()
	}

	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}

	return &Processor{
		cfg:      cfg,
		client:   client,
		opts:     opts.withDefaults(),
		logger:   telemetry.WithQueue(logger, cfg.Name),
		metrics:  metrics,
		prefetch: prefetch,
		sem:      semaphore.NewWeighted(int64(prefetch)),
	}, nil
}

// Name возвращает имя очереди.
func (p *Processor) Name() string {
	return p.cfg.Name
}

// Run запускает цикл обработки и блокируется до отмены ctx.
//
// После отмены ctx новые receive не выполняются; Run ждёт завершения
// in-flight сообщений не дольше ShutdownGrace, затем отменяет их контекст.
// Оставшиеся сообщения не удаляются: очередь доставит их повторно после
// истечения visibility timeout.
func (p *Processor) Run(ctx context.Context) error {
	// Обработка переживает остановку poll, до истечения grace period
	dispatchCtx, abandon := context.WithCancel(context.WithoutCancel(ctx))
	defer abandon()

	p.logger.Info("processor started",
		"prefetch", p.prefetch,
		"handlers", slices.Sorted(maps.Keys(p.cfg.TaskHandlers)),
	)

	p.pollLoop(ctx, dispatchCtx)
	p.drain(abandon)

	p.logger.Info("processor stopped")
	return nil
}

// pollLoop выполняет receive, пока ctx не отменён.
func (p *Processor) pollLoop(ctx, dispatchCtx context.Context) {
	backoff := p.newPollBackoff()

	for {
		if ctx.Err() != nil {
			return
		}

		// Ждём хотя бы один свободный слот
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		slots := 1
		for slots < p.opts.MaxBatch && slots < p.prefetch && p.sem.TryAcquire(1) {
			slots++
		}

		received, err := p.client.Receive(ctx, slots, p.opts.PollWait)
		if err != nil {
			p.sem.Release(int64(slots))
			if ctx.Err() != nil {
				return
			}

			p.pollErrors.Add(1)
			p.metrics.PollError(p.cfg.Name)

			delay, ok := backoff.Next()
			if !ok {
				delay = p.opts.PollBackoffMax
			}
			p.logger.Error("receive failed, backing off", "error", err, "retry_in", delay)

			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}

		backoff = p.newPollBackoff()
		p.lastPoll.Store(time.Now().UnixNano())
		p.metrics.Received(p.cfg.Name, len(received))

		if len(received) > slots {
			// Очередь вернула больше, чем просили: лишнее вернётся после visibility timeout
			p.logger.Warn("queue returned more messages than requested", "requested", slots, "got", len(received))
			received = received[:slots]
		}
		if unused := slots - len(received); unused > 0 {
			p.sem.Release(int64(unused))
		}

		for _, rcv := range received {
			p.wg.Add(1)
			p.metrics.SetInFlight(p.cfg.Name, p.inFlight.Add(1))
			go p.handle(dispatchCtx, rcv)
		}
	}
}

// newPollBackoff создаёт backoff для повторного poll.
func (p *Processor) newPollBackoff() retry.Backoff {
	return retry.WithCappedDuration(p.opts.PollBackoffMax, retry.NewExponential(p.opts.PollBackoff))
}

// drain ждёт in-flight сообщения не дольше grace period.
func (p *Processor) drain(abandon context.CancelFunc) {
	inFlight := p.inFlight.Load()
	if inFlight > 0 {
		p.logger.Info("waiting for in-flight messages", "in_flight", inFlight, "grace", p.opts.ShutdownGrace)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.opts.ShutdownGrace)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		p.logger.Warn("shutdown grace period elapsed, abandoning in-flight messages",
			"in_flight", p.inFlight.Load(),
		)
		abandon()
	}
}

// attempt — результат вызова обработчика.
type attempt struct {
	result *domain.TaskResult
	err    error
}

// handle проводит одно сообщение через RECEIVED → DISPATCHING → терминальное состояние.
func (p *Processor) handle(ctx context.Context, rcv queue.Received) {
	defer p.wg.Done()
	defer p.sem.Release(1)
	defer func() {
		p.metrics.SetInFlight(p.cfg.Name, p.inFlight.Add(-1))
	}()

	if rcv.DecodeErr != nil {
		p.deadLetterMalformed(rcv)
		return
	}

	msg := rcv.Message
	logger := p.logger.With(
		"task_id", msg.TaskID,
		"task_type", msg.TaskType,
		"retry_count", msg.RetryCount,
	)

	state := domain.StateReceived
	ls := startLease(p.client, rcv.Receipt, p.opts.VisibilityTimeout, p.opts.ExtendInterval, logger)
	defer ls.Release()

	// Счётчик уже за пределом: к обработчику не пускаем
	if msg.RetryCount > msg.MaxRetries {
		p.apply(logger, rcv, msg, Decision{
			Action:         ActionDeadLetter,
			RetryCount:     msg.RetryCount,
			Reason:         domain.ReasonMaxRetriesExceeded,
			Classification: ClassExhausted,
		}, fmt.Errorf("retry_count %d exceeds max_retries %d", msg.RetryCount, msg.MaxRetries))
		return
	}

	if err := state.Transition(domain.StateDispatching); err != nil {
		logger.Error("invalid state transition", "error", err)
		return
	}

	start := time.Now()
	out, abandoned := p.dispatch(ctx, msg)
	elapsed := time.Since(start)
	p.metrics.ObserveDuration(p.cfg.Name, msg.TaskType, elapsed)
	if out.Result != nil {
		out.Result.ProcessingTime = elapsed
	}

	if abandoned {
		// Не удаляем: lease истечёт, очередь доставит сообщение повторно
		p.abandoned.Add(1)
		p.metrics.Outcome(p.cfg.Name, msg.TaskType, telemetry.OutcomeAbandoned)
		logger.Warn("message abandoned at shutdown, left for redelivery",
			"elapsed", elapsed,
			"lease_deadline", ls.Deadline(),
		)
		return
	}

	if err := state.Transition(out.State); err != nil {
		logger.Error("invalid state transition", "error", err)
		return
	}
	if ls.Lost() {
		logger.Warn("lease was lost during processing, duplicate delivery is possible")
	}

	decision := p.opts.Retry.Decide(msg, out)
	p.apply(logger.With("state", string(state), "duration", elapsed), rcv, msg, decision, out.Err)
}

// dispatch вызывает обработчик с потолком ProcessingTimeout.
//
// Обработчик, проигнорировавший отмену контекста, не ждём: попытка
// считается EXPIRED, горутина обработчика брошена.
// abandoned == true, если ctx отменён при остановке воркера.
func (p *Processor) dispatch(ctx context.Context, msg *domain.TaskMessage) (out Outcome, abandoned bool) {
	handler, ok := p.cfg.TaskHandlers[msg.TaskType]
	if !ok {
		err := &UnknownHandlerError{TaskType: msg.TaskType, Known: slices.Collect(maps.Keys(p.cfg.TaskHandlers))}
		return Outcome{State: domain.StateFailed, Err: err}, false
	}

	hctx, cancel := context.WithTimeout(ctx, p.opts.ProcessingTimeout)
	defer cancel()

	done := make(chan attempt, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("handler panicked",
					"task_id", msg.TaskID,
					"task_type", msg.TaskType,
					"panic", r,
					"stack", string(debug.Stack()),
				)
				done <- attempt{err: fmt.Errorf("%w: %v", ErrHandlerPanic, r)}
			}
		}()

		result, err := handler.Handle(hctx, msg)
		done <- attempt{result: result, err: err}
	}()

	var a attempt
	select {
	case a = <-done:
	case <-hctx.Done():
		if ctx.Err() != nil {
			return Outcome{}, true
		}
		return Outcome{State: domain.StateExpired, Err: ErrProcessingTimeout}, false
	}

	// Результат, пришедший после отмены при остановке, не применяем
	if ctx.Err() != nil {
		return Outcome{}, true
	}

	if a.err != nil && errors.Is(hctx.Err(), context.DeadlineExceeded) && errors.Is(a.err, context.DeadlineExceeded) {
		return Outcome{State: domain.StateExpired, Err: fmt.Errorf("%w: %v", ErrProcessingTimeout, a.err)}, false
	}

	if a.err != nil {
		return Outcome{State: domain.StateFailed, Err: a.err}, false
	}
	if a.result != nil && a.result.Status == domain.ResultFailed {
		return Outcome{State: domain.StateFailed, Err: fmt.Errorf("%w: %s", ErrHandlerFailed, a.result.ErrorMessage), Result: a.result}, false
	}

	return Outcome{State: domain.StateCompleted, Result: a.result}, false
}

// apply выполняет решение политики над сообщением в очереди.
//
// Копия для retry или запись в DLQ публикуются до удаления оригинала:
// если публикация не удалась, оригинал остаётся и вернётся после visibility timeout.
func (p *Processor) apply(logger *slog.Logger, rcv queue.Received, msg *domain.TaskMessage, d Decision, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.OpTimeout)
	defer cancel()

	switch d.Action {
	case ActionAck:
		p.completed.Add(1)
		p.metrics.Outcome(p.cfg.Name, msg.TaskType, telemetry.OutcomeCompleted)
		logger.Info("task completed")

	case ActionRetry:
		next := msg.NextAttempt(d.Delay)
		if err := p.client.Send(ctx, next, d.Delay); err != nil {
			p.metrics.Outcome(p.cfg.Name, msg.TaskType, telemetry.OutcomeApplyFailed)
			logger.Error("failed to publish retry, original left for redelivery", "error", err, "cause", errString(cause))
			return
		}
		p.retried.Add(1)
		p.metrics.Outcome(p.cfg.Name, msg.TaskType, telemetry.OutcomeRetried)
		logger.Warn("task failed, retry scheduled",
			"classification", string(d.Classification),
			"next_retry_count", d.RetryCount,
			"delay", d.Delay,
			"error", errString(cause),
		)

	case ActionDeadLetter:
		dl := domain.NewDeadLetter(p.cfg.deadLetterName(), msg, d.Reason, errString(cause))
		if err := p.client.SendToDeadLetter(ctx, dl); err != nil {
			p.metrics.Outcome(p.cfg.Name, msg.TaskType, telemetry.OutcomeApplyFailed)
			logger.Error("failed to dead-letter, original left for redelivery", "error", err, "cause", errString(cause))
			return
		}
		p.deadLettered.Add(1)
		p.metrics.Outcome(p.cfg.Name, msg.TaskType, telemetry.OutcomeDeadLetter)
		logger.Error("task dead-lettered",
			"classification", string(d.Classification),
			"reason", d.Reason,
			"error", errString(cause),
		)
	}

	p.deleteOriginal(ctx, logger, rcv.Receipt)
}

// deadLetterMalformed отправляет в DLQ сообщение, которое не удалось распарсить.
func (p *Processor) deadLetterMalformed(rcv queue.Received) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.OpTimeout)
	defer cancel()

	logger := p.logger.With("classification", string(ClassNonRetriable), "receipt", rcv.Receipt)

	dl := domain.NewMalformedDeadLetter(p.cfg.deadLetterName(), rcv.Body, rcv.DecodeErr.Error())
	if err := p.client.SendToDeadLetter(ctx, dl); err != nil {
		logger.Error("failed to dead-letter malformed message", "error", err)
		return
	}

	p.deadLettered.Add(1)
	p.metrics.Outcome(p.cfg.Name, "", telemetry.OutcomeMalformed)
	logger.Error("malformed message dead-lettered", "error", rcv.DecodeErr)

	p.deleteOriginal(ctx, logger, rcv.Receipt)
}

// deleteOriginal удаляет сообщение. Истёкший receipt — не фатально.
func (p *Processor) deleteOriginal(ctx context.Context, logger *slog.Logger, receipt string) {
	err := p.client.Delete(ctx, receipt)
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrReceiptExpired):
		logger.Warn("delete: receipt already expired, message may be redelivered", "error", err)
	default:
		logger.Error("failed to delete message", "error", err)
	}
}

// Health возвращает снимок состояния процессора.
// Атрибуты очереди запрашиваются у клиента; ошибка запроса не фатальна.
func (p *Processor) Health(ctx context.Context) ProcessorHealth {
	h := ProcessorHealth{
		Queue:        p.cfg.Name,
		InFlight:     p.inFlight.Load(),
		Prefetch:     p.prefetch,
		Completed:    p.completed.Load(),
		Retried:      p.retried.Load(),
		DeadLettered: p.deadLettered.Load(),
		Abandoned:    p.abandoned.Load(),
		PollErrors:   p.pollErrors.Load(),
	}
	if ns := p.lastPoll.Load(); ns > 0 {
		h.LastPoll = time.Unix(0, ns)
	}

	stats, err := p.client.Stats(ctx)
	if err != nil {
		p.logger.Debug("failed to read queue stats", "error", err)
		return h
	}
	h.Stats = &stats
	p.metrics.SetQueueDepth(p.cfg.Name, stats.Visible, stats.InFlight, stats.Delayed)
	return h
}

// sleepCtx ждёт d или отмену ctx. Возвращает false при отмене.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
