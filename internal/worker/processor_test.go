package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shaiso/taskworker/internal/domain"
	"github.com/shaiso/taskworker/internal/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	return Options{
		MaxBatch:          10,
		PollWait:          20 * time.Millisecond,
		VisibilityTimeout: 200 * time.Millisecond,
		ExtendInterval:    50 * time.Millisecond,
		ProcessingTimeout: 2 * time.Second,
		ShutdownGrace:     time.Second,
		OpTimeout:         time.Second,
		PollBackoff:       time.Millisecond,
		PollBackoffMax:    5 * time.Millisecond,
		Retry: RetryPolicy{
			BaseDelay: time.Millisecond,
			MaxDelay:  5 * time.Millisecond,
		},
	}
}

// startProcessor запускает процессор и возвращает функцию остановки.
func startProcessor(t *testing.T, client queue.Client, handlers map[string]Handler, prefetch int, opts Options) *Processor {
	t.Helper()

	p, err := NewProcessor(QueueConfig{
		Name:          "tasks.main",
		TaskHandlers:  handlers,
		PrefetchCount: prefetch,
		DLQName:       "tasks.dlq",
	}, client, opts, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p
}

// attempts записывает retry_count каждой попытки.
type attempts struct {
	mu   sync.Mutex
	seen []int
	at   []time.Time
}

func (a *attempts) record(msg *domain.TaskMessage) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen = append(a.seen, msg.RetryCount)
	a.at = append(a.at, time.Now())
	return len(a.seen)
}

func (a *attempts) snapshot() ([]int, []time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int(nil), a.seen...), append([]time.Time(nil), a.at...)
}

func (a *attempts) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.seen)
}

func send(t *testing.T, q queue.Sender, msg *domain.TaskMessage) {
	t.Helper()
	if err := q.Send(context.Background(), msg, 0); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestProcessor_SuccessDeletesMessage(t *testing.T) {
	q := queue.NewMemoryQueue("tasks.main", time.Second)
	var calls atomic.Int32

	p := startProcessor(t, q, map[string]Handler{
		"send_email": HandlerFunc(func(_ context.Context, msg *domain.TaskMessage) (*domain.TaskResult, error) {
			calls.Add(1)
			return domain.Completed(msg.TaskID, map[string]any{"ok": true}), nil
		}),
	}, 1, testOptions())

	send(t, q, domain.NewTaskMessage("send_email", map[string]any{"to": "a@b.c"}))

	waitFor(t, 2*time.Second, func() bool { return p.Health(context.Background()).Completed == 1 })
	waitFor(t, time.Second, func() bool { return q.Len() == 0 })

	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
	if len(q.DeadLetters()) != 0 {
		t.Errorf("expected empty DLQ, got %v", q.DeadLetters())
	}
	if p.Health(context.Background()).LastPoll.IsZero() {
		t.Error("last poll time should be recorded")
	}
}

func TestProcessor_UnknownTypeDeadLettered(t *testing.T) {
	q := queue.NewMemoryQueue("tasks.main", time.Second)
	p := startProcessor(t, q, map[string]Handler{"send_email": okHandler()}, 1, testOptions())

	msg := domain.NewTaskMessage("nonexistent", nil)
	send(t, q, msg)

	waitFor(t, 2*time.Second, func() bool { return len(q.DeadLetters()) == 1 })
	waitFor(t, time.Second, func() bool { return q.Len() == 0 })

	dl := q.DeadLetters()[0]
	if dl.Reason != domain.ReasonNonRetriable {
		t.Errorf("expected reason %q, got %q", domain.ReasonNonRetriable, dl.Reason)
	}
	if dl.RetryCount != 0 {
		t.Errorf("retry budget must not be consumed, got retry_count %d", dl.RetryCount)
	}
	if dl.TaskID != msg.TaskID || dl.Queue != "tasks.dlq" {
		t.Errorf("unexpected dead letter: %+v", dl)
	}
	if h := p.Health(context.Background()); h.Retried != 0 || h.DeadLettered != 1 {
		t.Errorf("unexpected counters: %+v", h)
	}
}

func TestProcessor_TransientFailureRepublishesWithIncrementedCount(t *testing.T) {
	q := queue.NewMemoryQueue("tasks.main", time.Second)
	rec := &attempts{}

	p := startProcessor(t, q, map[string]Handler{
		"send_email": HandlerFunc(func(_ context.Context, msg *domain.TaskMessage) (*domain.TaskResult, error) {
			rec.record(msg)
			if msg.RetryCount == 0 {
				return domain.Failed(msg.TaskID, "smtp unavailable"), nil
			}
			return domain.Completed(msg.TaskID, nil), nil
		}),
	}, 1, testOptions())

	send(t, q, domain.NewTaskMessage("send_email", nil))

	waitFor(t, 2*time.Second, func() bool { return p.Health(context.Background()).Completed == 1 })
	waitFor(t, time.Second, func() bool { return q.Len() == 0 })

	seen, _ := rec.snapshot()
	if len(seen) != 2 || seen[0] != 0 || seen[1] != 1 {
		t.Errorf("expected retry counts [0 1], got %v", seen)
	}
	if p.Health(context.Background()).Retried != 1 {
		t.Error("expected one retry")
	}
}

func TestProcessor_ScenarioMaxRetriesExceeded(t *testing.T) {
	q := queue.NewMemoryQueue("tasks.main", time.Second)
	rec := &attempts{}

	startProcessor(t, q, map[string]Handler{
		"send_email": HandlerFunc(func(_ context.Context, msg *domain.TaskMessage) (*domain.TaskResult, error) {
			rec.record(msg)
			return nil, errors.New("smtp unavailable")
		}),
	}, 1, testOptions())

	msg := domain.NewTaskMessage("send_email", nil)
	msg.MaxRetries = 3
	send(t, q, msg)

	waitFor(t, 3*time.Second, func() bool { return len(q.DeadLetters()) == 1 })
	waitFor(t, time.Second, func() bool { return q.Len() == 0 })

	seen, _ := rec.snapshot()
	if len(seen) != 4 {
		t.Fatalf("expected 4 attempts, got %v", seen)
	}
	for i, rc := range seen {
		if rc != i {
			t.Errorf("attempt %d saw retry_count %d", i, rc)
		}
	}

	dl := q.DeadLetters()[0]
	if dl.Reason != domain.ReasonMaxRetriesExceeded {
		t.Errorf("expected reason %q, got %q", domain.ReasonMaxRetriesExceeded, dl.Reason)
	}
	if dl.RetryCount != 3 {
		t.Errorf("expected retry_count 3 at dead-letter time, got %d", dl.RetryCount)
	}
	if dl.Message == nil || dl.Message.TaskID != msg.TaskID {
		t.Error("dead letter must keep the original message")
	}
}

func TestProcessor_RetryCountAboveLimitNeverDispatched(t *testing.T) {
	q := queue.NewMemoryQueue("tasks.main", time.Second)
	var calls atomic.Int32

	startProcessor(t, q, map[string]Handler{
		"x": HandlerFunc(func(_ context.Context, msg *domain.TaskMessage) (*domain.TaskResult, error) {
			calls.Add(1)
			return domain.Completed(msg.TaskID, nil), nil
		}),
	}, 1, testOptions())

	msg := domain.NewTaskMessage("x", nil)
	msg.MaxRetries = 3
	msg.RetryCount = 4
	send(t, q, msg)

	waitFor(t, 2*time.Second, func() bool { return len(q.DeadLetters()) == 1 })
	if calls.Load() != 0 {
		t.Errorf("handler must not be invoked, got %d calls", calls.Load())
	}
	if q.DeadLetters()[0].Reason != domain.ReasonMaxRetriesExceeded {
		t.Errorf("unexpected reason %q", q.DeadLetters()[0].Reason)
	}
}

func TestProcessor_ScenarioExpiredReappearsAfterVisibility(t *testing.T) {
	const visibility = 100 * time.Millisecond

	q := queue.NewMemoryQueue("tasks.main", visibility)
	rec := &attempts{}
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	opts := testOptions()
	opts.VisibilityTimeout = visibility
	opts.ExtendInterval = 20 * time.Millisecond
	opts.ProcessingTimeout = 30 * time.Millisecond

	p := startProcessor(t, q, map[string]Handler{
		"report": HandlerFunc(func(_ context.Context, msg *domain.TaskMessage) (*domain.TaskResult, error) {
			rec.record(msg)
			if msg.RetryCount == 0 {
				// Обработчик зависает и игнорирует отмену
				<-release
			}
			return domain.Completed(msg.TaskID, nil), nil
		}),
	}, 1, opts)

	send(t, q, domain.NewTaskMessage("report", nil))

	waitFor(t, 3*time.Second, func() bool { return p.Health(context.Background()).Completed == 1 })

	seen, at := rec.snapshot()
	if len(seen) != 2 {
		t.Fatalf("expected 2 attempts, got %v", seen)
	}
	if seen[1] != 1 {
		t.Errorf("retry_count must be incremented exactly once, got %d", seen[1])
	}
	if gap := at[1].Sub(at[0]); gap < opts.ProcessingTimeout+visibility-5*time.Millisecond {
		t.Errorf("message re-appeared too early: %v", gap)
	}
	if len(q.DeadLetters()) != 0 {
		t.Error("expired message must not be dead-lettered while retries remain")
	}
}

func TestProcessor_HandlerPanicIsTransient(t *testing.T) {
	q := queue.NewMemoryQueue("tasks.main", time.Second)
	rec := &attempts{}

	p := startProcessor(t, q, map[string]Handler{
		"x": HandlerFunc(func(_ context.Context, msg *domain.TaskMessage) (*domain.TaskResult, error) {
			rec.record(msg)
			if msg.RetryCount == 0 {
				panic("boom")
			}
			return domain.Completed(msg.TaskID, nil), nil
		}),
	}, 1, testOptions())

	send(t, q, domain.NewTaskMessage("x", nil))

	waitFor(t, 2*time.Second, func() bool { return p.Health(context.Background()).Completed == 1 })
	if seen, _ := rec.snapshot(); len(seen) != 2 {
		t.Errorf("expected a retry after panic, got %v", seen)
	}
}

func TestProcessor_MalformedMessageDeadLettered(t *testing.T) {
	q := queue.NewMemoryQueue("tasks.main", time.Second)
	startProcessor(t, q, map[string]Handler{"x": okHandler()}, 1, testOptions())

	q.SendRaw([]byte(`{"payload": {}}`), 0)

	waitFor(t, 2*time.Second, func() bool { return len(q.DeadLetters()) == 1 })
	waitFor(t, time.Second, func() bool { return q.Len() == 0 })

	dl := q.DeadLetters()[0]
	if dl.Reason != domain.ReasonNonRetriable || dl.RawBody != `{"payload": {}}` {
		t.Errorf("unexpected dead letter: %+v", dl)
	}
}

func TestProcessor_ConcurrencyBoundedByPrefetch(t *testing.T) {
	const prefetch = 3

	q := queue.NewMemoryQueue("tasks.main", 5*time.Second)
	var current, peak atomic.Int32

	p := startProcessor(t, q, map[string]Handler{
		"x": HandlerFunc(func(_ context.Context, msg *domain.TaskMessage) (*domain.TaskResult, error) {
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			current.Add(-1)
			return domain.Completed(msg.TaskID, nil), nil
		}),
	}, prefetch, testOptions())

	for i := 0; i < 12; i++ {
		send(t, q, domain.NewTaskMessage("x", nil))
	}

	waitFor(t, 5*time.Second, func() bool {
		h := p.Health(context.Background())
		if h.InFlight > prefetch {
			t.Errorf("in-flight %d exceeds prefetch %d", h.InFlight, prefetch)
		}
		return h.Completed == 12
	})

	if got := peak.Load(); got > prefetch || got == 0 {
		t.Errorf("peak concurrency %d, want 1..%d", got, prefetch)
	}
}

// flakyQueue возвращает ошибку на первых receive.
type flakyQueue struct {
	*queue.MemoryQueue
	failures atomic.Int32
}

func (f *flakyQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Received, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, queue.Transient("receive", errors.New("connection refused"))
	}
	return f.MemoryQueue.Receive(ctx, max, wait)
}

func TestProcessor_PollErrorsBackOffAndRecover(t *testing.T) {
	q := &flakyQueue{MemoryQueue: queue.NewMemoryQueue("tasks.main", time.Second)}
	q.failures.Store(3)

	p := startProcessor(t, q, map[string]Handler{"x": okHandler()}, 1, testOptions())
	send(t, q, domain.NewTaskMessage("x", nil))

	waitFor(t, 2*time.Second, func() bool { return p.Health(context.Background()).Completed == 1 })
	if got := p.Health(context.Background()).PollErrors; got != 3 {
		t.Errorf("expected 3 poll errors, got %d", got)
	}
}

// brokenSendQueue не может опубликовать копию для retry.
type brokenSendQueue struct {
	*queue.MemoryQueue
}

func (b *brokenSendQueue) Send(context.Context, *domain.TaskMessage, time.Duration) error {
	return queue.Transient("send", errors.New("broker unavailable"))
}

func TestProcessor_RetryPublishFailureLeavesOriginal(t *testing.T) {
	mem := queue.NewMemoryQueue("tasks.main", 50*time.Millisecond)
	if err := mem.Send(context.Background(), domain.NewTaskMessage("x", nil), 0); err != nil {
		t.Fatal(err)
	}
	rec := &attempts{}

	opts := testOptions()
	opts.VisibilityTimeout = 50 * time.Millisecond
	opts.ExtendInterval = -1

	startProcessor(t, &brokenSendQueue{MemoryQueue: mem}, map[string]Handler{
		"x": HandlerFunc(func(_ context.Context, msg *domain.TaskMessage) (*domain.TaskResult, error) {
			rec.record(msg)
			return nil, errors.New("transient")
		}),
	}, 1, opts)

	// Оригинал не удалён и возвращается после visibility timeout
	waitFor(t, 2*time.Second, func() bool { return rec.count() >= 2 })

	seen, _ := rec.snapshot()
	if seen[0] != 0 || seen[1] != 0 {
		t.Errorf("native redelivery keeps the original counter, got %v", seen)
	}
	if mem.Len() != 1 {
		t.Errorf("original must stay in the queue, len=%d", mem.Len())
	}
}
