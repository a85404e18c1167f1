package queue

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/taskworker/internal/domain"
)

const defaultMemoryVisibility = 30 * time.Second

// MemoryQueue — in-memory очередь с моделью visibility timeout.
//
// Повторяет семантику SQS: полученное сообщение скрыто на visibility,
// затем снова становится видимым, если его не удалили. Каждое получение
// выдаёт новый receipt, старые receipt'ы становятся недействительными.
// Безопасна для конкурентного использования.
type MemoryQueue struct {
	name       string
	visibility time.Duration

	mu          sync.Mutex
	items       []*memoryItem
	byReceipt   map[string]*memoryItem
	deadLetters []domain.DeadLetter
	wake        chan struct{}
}

type memoryItem struct {
	body         []byte
	visibleAt    time.Time
	receipt      string
	receiveCount int
}

// Ensure MemoryQueue implements Client.
var (
	_ Client              = (*MemoryQueue)(nil)
	_ DeadLetterInspector = (*MemoryQueue)(nil)
)

// NewMemoryQueue создаёт очередь с указанным visibility timeout.
func NewMemoryQueue(name string, visibility time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = defaultMemoryVisibility
	}
	return &MemoryQueue{
		name:       name,
		visibility: visibility,
		byReceipt:  make(map[string]*memoryItem),
		wake:       make(chan struct{}),
	}
}

// Name возвращает имя очереди.
func (q *MemoryQueue) Name() string {
	return q.name
}

// Send публикует сообщение.
func (q *MemoryQueue) Send(_ context.Context, msg *domain.TaskMessage, delay time.Duration) error {
	body, err := domain.EncodeMessage(msg)
	if err != nil {
		return err
	}
	q.SendRaw(body, delay)
	return nil
}

// SendRaw публикует произвольное тело (используется для malformed-сообщений в тестах).
func (q *MemoryQueue) SendRaw(body []byte, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, &memoryItem{
		body:      slices.Clone(body),
		visibleAt: time.Now().Add(delay),
	})
	q.broadcast()
}

// broadcast будит всех ожидающих в Receive. Вызывается под mu.
func (q *MemoryQueue) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// Receive выполняет long-poll.
func (q *MemoryQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Received, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)

	for {
		q.mu.Lock()
		now := time.Now()
		out := q.claim(now, max)
		wake := q.wake
		nextVisible := q.nextVisible(now)
		q.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}

		sleepUntil := deadline
		if !nextVisible.IsZero() && nextVisible.Before(sleepUntil) {
			sleepUntil = nextVisible
		}
		if !now.Before(deadline) {
			return nil, nil
		}

		timer := time.NewTimer(time.Until(sleepUntil))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// claim захватывает до max видимых сообщений. Вызывается под mu.
func (q *MemoryQueue) claim(now time.Time, max int) []Received {
	var out []Received
	for _, item := range q.items {
		if len(out) >= max {
			break
		}
		if item.visibleAt.After(now) {
			continue
		}

		if item.receipt != "" {
			delete(q.byReceipt, item.receipt)
		}
		item.receipt = uuid.NewString()
		item.receiveCount++
		item.visibleAt = now.Add(q.visibility)
		q.byReceipt[item.receipt] = item

		out = append(out, Decode(item.body, item.receipt, item.receiveCount))
	}
	return out
}

// nextVisible возвращает ближайший момент, когда сообщение станет видимым. Вызывается под mu.
func (q *MemoryQueue) nextVisible(now time.Time) time.Time {
	var next time.Time
	for _, item := range q.items {
		if item.visibleAt.After(now) && (next.IsZero() || item.visibleAt.Before(next)) {
			next = item.visibleAt
		}
	}
	return next
}

// Delete удаляет сообщение по receipt.
func (q *MemoryQueue) Delete(_ context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.byReceipt[receipt]
	if !ok {
		return ErrReceiptExpired
	}

	delete(q.byReceipt, receipt)
	q.items = slices.DeleteFunc(q.items, func(it *memoryItem) bool { return it == item })
	return nil
}

// ExtendVisibility продлевает lease.
func (q *MemoryQueue) ExtendVisibility(_ context.Context, receipt string, timeout time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.byReceipt[receipt]
	now := time.Now()
	if !ok || !item.visibleAt.After(now) {
		return ErrReceiptExpired
	}

	item.visibleAt = now.Add(timeout)
	if timeout <= 0 {
		q.broadcast()
	}
	return nil
}

// SendToDeadLetter сохраняет запись в DLQ.
func (q *MemoryQueue) SendToDeadLetter(_ context.Context, dl *domain.DeadLetter) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.deadLetters = append(q.deadLetters, *dl)
	return nil
}

// DeadLetters возвращает копию DLQ.
func (q *MemoryQueue) DeadLetters() []domain.DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.deadLetters)
}

// PeekDeadLetters возвращает до limit записей DLQ.
func (q *MemoryQueue) PeekDeadLetters(_ context.Context, limit int) ([]domain.DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if limit <= 0 || limit > len(q.deadLetters) {
		limit = len(q.deadLetters)
	}
	return slices.Clone(q.deadLetters[:limit]), nil
}

// Stats возвращает атрибуты очереди.
func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s Stats
	now := time.Now()
	for _, item := range q.items {
		switch {
		case !item.visibleAt.After(now):
			s.Visible++
		case item.receipt != "":
			s.InFlight++
		default:
			s.Delayed++
		}
	}
	return s, nil
}

// Len возвращает количество сообщений в очереди (включая невидимые).
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
