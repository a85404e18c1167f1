package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/taskworker/internal/domain"
	"github.com/shaiso/taskworker/internal/queue"
)

// Ensure Client implements queue.Client.
var (
	_ queue.Client              = (*Client)(nil)
	_ queue.DeadLetterInspector = (*Client)(nil)
)

// ClientConfig — конфигурация Client.
type ClientConfig struct {
	Topology Topology

	// Prefetch — basic.qos для consumer-канала.
	Prefetch int
}

// Client — queue.Client поверх RabbitMQ.
//
// Сообщения приходят через basic.consume с prefetch, Receive забирает
// уже доставленные. Брокер не отдаёт больше Prefetch неподтверждённых
// сообщений, излишек остаётся в очереди.
//
// Receipt — "<consumer>:<delivery tag>". Delivery tag действителен
// только на канале, который его выдал: после переоткрытия канала
// старые receipt'ы устаревают, а сообщения возвращаются брокером в очередь.
//
// Visibility timeout в RabbitMQ нет: неподтверждённое сообщение не
// вернётся в очередь, пока жив канал. ExtendVisibility лишь проверяет,
// что receipt ещё действителен.
type Client struct {
	conn     *Connection
	pub      *Publisher
	topo     Topology
	prefetch int
	logger   *slog.Logger

	mu         sync.Mutex
	ch         *amqp.Channel
	consumer   uint64
	deliveries <-chan amqp.Delivery
	pending    map[uint64]struct{}
	closed     bool
}

// NewClient объявляет топологию очереди и создаёт Client.
func NewClient(conn *Connection, cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := cfg.Topology.Declare(ch); err != nil {
		return nil, fmt.Errorf("setup topology: %w", err)
	}
	logger.Info("topology declared", "topology", cfg.Topology.String())

	return &Client{
		conn:     conn,
		pub:      NewPublisher(conn, logger),
		topo:     cfg.Topology,
		prefetch: prefetch,
		logger:   logger.With("queue", cfg.Topology.Queue),
	}, nil
}

// Name возвращает имя очереди.
func (c *Client) Name() string {
	return c.topo.Queue
}

// Send публикует задачу: без задержки в exchange очереди, с задержкой в delay-очередь.
func (c *Client) Send(ctx context.Context, msg *domain.TaskMessage, delay time.Duration) error {
	return queue.Transient("send", c.pub.PublishDelayed(ctx, c.topo, msg, delay))
}

// SendToDeadLetter публикует запись в DLQ через DLX.
func (c *Client) SendToDeadLetter(ctx context.Context, dl *domain.DeadLetter) error {
	return queue.Transient("send dead letter", c.pub.PublishDeadLetter(ctx, c.topo, dl))
}

// Receive ждёт первое сообщение не дольше wait и добирает уже доставленные до max.
func (c *Client) Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Received, error) {
	if max <= 0 {
		max = 1
	}

	deliveries, consumer, err := c.consume()
	if err != nil {
		return nil, queue.Transient("receive", err)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	var out []queue.Received
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case d, ok := <-deliveries:
		if !ok {
			c.resetConsumer(consumer)
			return nil, queue.Transient("receive", errors.New("deliveries channel closed"))
		}
		out = append(out, c.track(d, consumer))
	}

	for len(out) < max {
		select {
		case d, ok := <-deliveries:
			if !ok {
				c.resetConsumer(consumer)
				return out, nil
			}
			out = append(out, c.track(d, consumer))
		default:
			return out, nil
		}
	}
	return out, nil
}

// consume возвращает текущий поток доставок, при необходимости открывая канал.
func (c *Client) consume() (<-chan amqp.Delivery, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, 0, queue.ErrClosed
	}
	if c.deliveries != nil {
		return c.deliveries, c.consumer, nil
	}

	ch, _, err := c.conn.OpenChannel()
	if err != nil {
		return nil, 0, err
	}

	// Устанавливаем prefetch
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, 0, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		c.topo.Queue, // queue
		"",           // consumer tag (auto-generated)
		false,        // auto-ack (мы ack вручную)
		false,        // exclusive
		false,        // no-local
		false,        // no-wait
		nil,          // args
	)
	if err != nil {
		ch.Close()
		return nil, 0, fmt.Errorf("consume: %w", err)
	}

	c.ch = ch
	c.consumer++
	c.deliveries = deliveries
	c.pending = make(map[uint64]struct{})

	c.logger.Info("consumer started", "consumer", c.consumer, "prefetch", c.prefetch)
	return deliveries, c.consumer, nil
}

// resetConsumer забывает закрытый канал; следующий Receive откроет новый.
func (c *Client) resetConsumer(consumer uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.consumer != consumer || c.ch == nil {
		return
	}
	c.logger.Warn("deliveries channel closed, unacked messages return to queue",
		"consumer", consumer,
		"unacked", len(c.pending),
	)
	c.ch.Close()
	c.ch = nil
	c.deliveries = nil
	c.pending = nil
}

// track регистрирует доставку как неподтверждённую.
func (c *Client) track(d amqp.Delivery, consumer uint64) queue.Received {
	c.mu.Lock()
	if c.consumer == consumer && c.pending != nil {
		c.pending[d.DeliveryTag] = struct{}{}
	}
	c.mu.Unlock()

	return queue.Decode(d.Body, formatReceipt(consumer, d.DeliveryTag), receiveCount(d))
}

// Delete подтверждает сообщение (basic.ack).
func (c *Client) Delete(_ context.Context, receipt string) error {
	ch, tag, err := c.release(receipt)
	if err != nil {
		return err
	}
	if err := ch.Ack(tag, false); err != nil {
		return queue.Transient("delete", err)
	}
	return nil
}

// ExtendVisibility проверяет, что receipt действителен.
func (c *Client) ExtendVisibility(_ context.Context, receipt string, _ time.Duration) error {
	consumer, tag, err := parseReceipt(receipt)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ownsLocked(consumer, tag) {
		return queue.ErrReceiptExpired
	}
	return nil
}

// release снимает tag с учёта. Повторный ack того же tag закрыл бы канал.
func (c *Client) release(receipt string) (*amqp.Channel, uint64, error) {
	consumer, tag, err := parseReceipt(receipt)
	if err != nil {
		return nil, 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ownsLocked(consumer, tag) {
		return nil, 0, queue.ErrReceiptExpired
	}
	delete(c.pending, tag)
	return c.ch, tag, nil
}

func (c *Client) ownsLocked(consumer, tag uint64) bool {
	if c.consumer != consumer || c.ch == nil {
		return false
	}
	_, ok := c.pending[tag]
	return ok
}

// PeekDeadLetters читает записи DLQ через basic.get без ack и возвращает их в очередь.
func (c *Client) PeekDeadLetters(_ context.Context, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 10
	}

	ch, _, err := c.conn.OpenChannel()
	if err != nil {
		return nil, queue.Transient("peek dead letters", err)
	}
	defer ch.Close()

	var (
		out  []domain.DeadLetter
		last uint64
	)
	for len(out) < limit {
		d, ok, err := ch.Get(c.topo.DLQ, false)
		if err != nil {
			return nil, queue.Transient("peek dead letters", err)
		}
		if !ok {
			break
		}
		last = d.DeliveryTag

		dl, err := domain.DecodeDeadLetter(d.Body)
		if err != nil {
			// Отклонено брокером через x-dead-letter-exchange, без обёртки
			dl = &domain.DeadLetter{Queue: c.topo.Queue, Reason: "rejected", RawBody: string(d.Body)}
		}
		out = append(out, *dl)
	}

	if last > 0 {
		if err := ch.Nack(last, true, true); err != nil {
			return nil, queue.Transient("peek dead letters", err)
		}
	}
	return out, nil
}

// Stats возвращает число готовых сообщений в очереди и неподтверждённых у этого клиента.
// Сообщения в delay-очередях не учитываются.
func (c *Client) Stats(_ context.Context) (queue.Stats, error) {
	ch, _, err := c.conn.OpenChannel()
	if err != nil {
		return queue.Stats{}, queue.Transient("stats", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(c.topo.Queue, true, false, false, false, c.topo.QueueArgs())
	if err != nil {
		return queue.Stats{}, queue.Transient("stats", err)
	}

	c.mu.Lock()
	inFlight := len(c.pending)
	c.mu.Unlock()

	return queue.Stats{Visible: q.Messages, InFlight: inFlight}, nil
}

// Close закрывает consumer-канал. Неподтверждённые сообщения возвращаются в очередь.
// Соединение остаётся открытым.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.ch == nil {
		return nil
	}
	err := c.ch.Close()
	c.ch = nil
	c.deliveries = nil
	c.pending = nil
	return err
}

func formatReceipt(consumer, tag uint64) string {
	return strconv.FormatUint(consumer, 10) + ":" + strconv.FormatUint(tag, 10)
}

func parseReceipt(receipt string) (consumer, tag uint64, err error) {
	head, tail, ok := strings.Cut(receipt, ":")
	if !ok {
		return 0, 0, fmt.Errorf("%w: malformed receipt %q", queue.ErrReceiptExpired, receipt)
	}
	if consumer, err = strconv.ParseUint(head, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("%w: malformed receipt %q", queue.ErrReceiptExpired, receipt)
	}
	if tag, err = strconv.ParseUint(tail, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("%w: malformed receipt %q", queue.ErrReceiptExpired, receipt)
	}
	return consumer, tag, nil
}

// receiveCount — номер доставки. Quorum-очереди передают x-delivery-count,
// для classic известен только флаг Redelivered.
func receiveCount(d amqp.Delivery) int {
	switch v := d.Headers["x-delivery-count"].(type) {
	case int64:
		return int(v) + 1
	case int32:
		return int(v) + 1
	case int:
		return v + 1
	}
	if d.Redelivered {
		return 2
	}
	return 1
}
