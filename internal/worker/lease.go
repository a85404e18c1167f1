package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/taskworker/internal/queue"
)

// lease — владение полученным сообщением на время обработки.
//
// Принадлежит одной горутине обработки. Пока lease активен, фоновая горутина
// периодически продлевает visibility, чтобы сообщение не ушло другому
// потребителю. Продление прекращается при Release или если receipt истёк.
type lease struct {
	client     queue.Client
	receipt    string
	visibility time.Duration
	interval   time.Duration
	logger     *slog.Logger

	mu       sync.Mutex
	deadline time.Time
	lost     bool

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// startLease захватывает lease и запускает продление.
// interval <= 0 отключает продление.
func startLease(client queue.Client, receipt string, visibility, interval time.Duration, logger *slog.Logger) *lease {
	l := &lease{
		client:     client,
		receipt:    receipt,
		visibility: visibility,
		interval:   interval,
		logger:     logger,
		deadline:   time.Now().Add(visibility),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	if interval <= 0 {
		close(l.done)
		return l
	}

	go l.keepAlive()
	return l
}

// keepAlive продлевает visibility каждые interval.
func (l *lease) keepAlive() {
	defer close(l.done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if !l.extend() {
				return
			}
		}
	}
}

// extend выполняет одно продление. Возвращает false, если продлевать больше нечего.
func (l *lease) extend() bool {
	ctx, cancel := context.WithTimeout(context.Background(), l.interval)
	defer cancel()

	err := l.client.ExtendVisibility(ctx, l.receipt, l.visibility)
	switch {
	case err == nil:
		l.mu.Lock()
		l.deadline = time.Now().Add(l.visibility)
		l.mu.Unlock()
		return true
	case errors.Is(err, queue.ErrReceiptExpired):
		// Сообщение могло уже уйти другому потребителю — возможна повторная доставка
		l.logger.Warn("lease lost, message may be redelivered", "error", err)
		l.mu.Lock()
		l.lost = true
		l.mu.Unlock()
		return false
	default:
		l.logger.Warn("failed to extend visibility", "error", err)
		return true
	}
}

// Deadline возвращает момент, когда lease истечёт без продления.
func (l *lease) Deadline() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deadline
}

// Lost возвращает true, если очередь сообщила об истёкшем receipt.
func (l *lease) Lost() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lost
}

// Release останавливает продление. Повторный вызов безопасен.
func (l *lease) Release() {
	l.once.Do(func() { close(l.stop) })
	<-l.done
}
