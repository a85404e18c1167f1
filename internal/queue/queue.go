// Package queue описывает контракт клиента очереди с at-least-once доставкой
// и моделью lease через visibility timeout.
//
// Реализации:
//   - memory.go     — in-memory очередь (тесты, локальный запуск)
//   - sqs/          — Amazon SQS (aws-sdk-go)
//   - sqlite/       — локальная durable очередь на SQLite
//   - ../mq         — RabbitMQ (amqp091-go)
//
// Очередь не гарантирует порядок и может доставить сообщение повторно,
// поэтому всё, что выше этого слоя, обязано это переносить.
package queue

import (
	"context"
	"time"

	"github.com/shaiso/taskworker/internal/domain"
)

// Received — сообщение, полученное из очереди.
type Received struct {
	// Message — распарсенное сообщение. nil, если DecodeErr != nil.
	Message *domain.TaskMessage

	// Receipt — handle для delete / extend visibility.
	Receipt string

	// ReceiveCount — сколько раз очередь уже отдавала это сообщение (если известно).
	ReceiveCount int

	// Body — сырое тело сообщения.
	Body []byte

	// DecodeErr — ошибка парсинга тела.
	DecodeErr error
}

// Stats — примерные атрибуты очереди для health.
type Stats struct {
	Visible  int `json:"visible"`
	InFlight int `json:"in_flight"`
	Delayed  int `json:"delayed"`
}

// Sender публикует сообщения в очередь.
type Sender interface {
	// Send публикует сообщение; delay — задержка видимости.
	Send(ctx context.Context, msg *domain.TaskMessage, delay time.Duration) error
}

// Client — тонкий адаптер над очередью.
type Client interface {
	Sender

	// Receive выполняет long-poll: возвращает 0..max сообщений,
	// блокируется не дольше wait. Ошибки сети/сервиса — *TransientError.
	Receive(ctx context.Context, max int, wait time.Duration) ([]Received, error)

	// Delete удаляет сообщение после обработки. Идемпотентен:
	// для уже удалённого или истёкшего receipt возвращает ErrReceiptExpired или nil.
	Delete(ctx context.Context, receipt string) error

	// ExtendVisibility продлевает lease. Для истёкшего receipt — ErrReceiptExpired.
	ExtendVisibility(ctx context.Context, receipt string, timeout time.Duration) error

	// SendToDeadLetter публикует запись в DLQ очереди.
	SendToDeadLetter(ctx context.Context, dl *domain.DeadLetter) error

	// Stats возвращает примерные атрибуты очереди.
	Stats(ctx context.Context) (Stats, error)
}

// DeadLetterInspector — чтение DLQ для административных инструментов.
// Записи не удаляются.
type DeadLetterInspector interface {
	PeekDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error)
}

// Decode парсит тело и заполняет Received.
func Decode(body []byte, receipt string, receiveCount int) Received {
	msg, err := domain.DecodeMessage(body)
	return Received{
		Message:      msg,
		Receipt:      receipt,
		ReceiveCount: receiveCount,
		Body:         body,
		DecodeErr:    err,
	}
}
