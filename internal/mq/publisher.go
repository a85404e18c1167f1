package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/taskworker/internal/domain"
)

const contentTypeJSON = "application/json"

var (
	// ErrNacked — брокер отказался принять сообщение (basic.nack).
	ErrNacked = errors.New("amqp: publish nacked by broker")

	// ErrNoConfirm — канал публикации не в режиме confirms.
	ErrNoConfirm = errors.New("amqp: channel is not in confirm mode")
)

// confirmation — ожидание basic.ack/basic.nack для одной публикации.
type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

var _ confirmation = (*amqp.DeferredConfirmation)(nil)

// Publisher публикует задачи в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// taskPublishing собирает AMQP сообщение для задачи.
func taskPublishing(msg *domain.TaskMessage) (amqp.Publishing, error) {
	body, err := domain.EncodeMessage(msg)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent, // сообщение переживёт рестарт RabbitMQ
		MessageId:    msg.TaskID,
		Type:         msg.TaskType,
		Priority:     msg.Priority.AMQP(),
		Timestamp:    msg.Timestamp,
		Body:         body,
	}, nil
}

// deadLetterPublishing собирает AMQP сообщение для записи DLQ.
func deadLetterPublishing(dl *domain.DeadLetter) (amqp.Publishing, error) {
	body, err := dl.Encode()
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    dl.TaskID,
		Type:         dl.TaskType,
		Timestamp:    dl.FailedAt,
		Headers: amqp.Table{
			"x-reason":      dl.Reason,
			"x-retry-count": int32(dl.RetryCount),
		},
		Body: body,
	}, nil
}

// Publish публикует задачу в exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg *domain.TaskMessage) error {
	pub, err := taskPublishing(msg)
	if err != nil {
		return err
	}
	if err := p.publish(ctx, exchange, routingKey, pub); err != nil {
		return err
	}

	p.logger.Debug("published task",
		"exchange", exchange,
		"routing_key", routingKey,
		"task_id", msg.TaskID,
		"task_type", msg.TaskType,
	)
	return nil
}

// PublishDelayed публикует задачу в delay-очередь топологии.
// По истечении задержки RabbitMQ возвращает её в рабочую очередь.
func (p *Publisher) PublishDelayed(ctx context.Context, t Topology, msg *domain.TaskMessage, delay time.Duration) error {
	if delay <= 0 {
		return p.Publish(ctx, t.Exchange, t.RoutingKey, msg)
	}

	// Повторное объявление продлевает x-expires очереди
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	name, err := t.DeclareDelay(ch, delay)
	if err != nil {
		return err
	}

	pub, err := taskPublishing(msg)
	if err != nil {
		return err
	}
	// Default exchange маршрутизирует по имени очереди
	if err := p.publish(ctx, "", name, pub); err != nil {
		return err
	}

	p.logger.Debug("published delayed task",
		"queue", t.Queue,
		"delay", delay,
		"task_id", msg.TaskID,
		"retry_count", msg.RetryCount,
	)
	return nil
}

// PublishDeadLetter публикует запись в DLQ топологии.
func (p *Publisher) PublishDeadLetter(ctx context.Context, t Topology, dl *domain.DeadLetter) error {
	pub, err := deadLetterPublishing(dl)
	if err != nil {
		return err
	}
	return p.publish(ctx, t.DLX, t.DLQ, pub)
}

// publish публикует сообщение и ждёт подтверждения брокера.
// nil означает, что брокер принял сообщение (для persistent — записал на диск),
// поэтому после него оригинал можно удалять.
func (p *Publisher) publish(ctx context.Context, exchange, routingKey string, pub amqp.Publishing) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, pub)
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
	}
	if dc == nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, ErrNoConfirm)
	}
	if err := awaitConfirm(ctx, dc); err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
	}
	return nil
}

// awaitConfirm ждёт подтверждение. Без ack публикация считается неуспешной,
// даже если кадр уже отправлен.
func awaitConfirm(ctx context.Context, dc confirmation) error {
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait confirm: %w", err)
	}
	if !acked {
		return ErrNacked
	}
	return nil
}
