package mq

import (
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// maxPriority — x-max-priority для рабочих очередей (см. domain.Priority.AMQP).
const maxPriority = 10

// delayQueueGrace — сколько пустая delay-очередь живёт после последнего использования.
const delayQueueGrace = time.Minute

// Значения по умолчанию для топологии.
const (
	DefaultExchange    = "tasks"
	DefaultDLXExchange = "tasks.dlx"
)

// Topology — объекты RabbitMQ одной рабочей очереди.
//
//	<exchange> (direct)
//	└── <queue> [routing: <routing_key>]
//	        x-dead-letter-exchange: <dlx>
//	<dlx> (direct)
//	└── <dlq> [routing: <dlq>]
//	<queue>.delay.<ms> — delay-очереди, из которых сообщение по TTL
//	        возвращается в <queue> через default exchange
type Topology struct {
	Queue      string
	RoutingKey string
	Exchange   string
	DLX        string
	DLQ        string
}

// NewTopology заполняет пустые поля значениями по умолчанию.
func NewTopology(queue, routingKey, exchange, dlx, dlq string) Topology {
	t := Topology{
		Queue:      queue,
		RoutingKey: routingKey,
		Exchange:   exchange,
		DLX:        dlx,
		DLQ:        dlq,
	}
	if t.RoutingKey == "" {
		t.RoutingKey = t.Queue
	}
	if t.Exchange == "" {
		t.Exchange = DefaultExchange
	}
	if t.DLX == "" {
		t.DLX = DefaultDLXExchange
	}
	if t.DLQ == "" {
		t.DLQ = t.Queue + ".dlq"
	}
	return t
}

// QueueArgs — аргументы рабочей очереди.
// Сообщения, отклонённые без requeue, уходят в DLQ через DLX.
func (t Topology) QueueArgs() amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    t.DLX,
		"x-dead-letter-routing-key": t.DLQ,
		"x-max-priority":            int32(maxPriority),
	}
}

// DelayQueue возвращает имя delay-очереди для задержки.
// Задержка округляется до миллисекунд.
func (t Topology) DelayQueue(delay time.Duration) string {
	return t.Queue + ".delay." + strconv.FormatInt(delay.Milliseconds(), 10)
}

// DelayQueueArgs — аргументы delay-очереди: TTL сообщений, возврат
// в рабочую очередь через default exchange и автоудаление.
//
// Отдельная очередь на каждое значение задержки: RabbitMQ снимает
// просроченные сообщения только с головы очереди.
func (t Topology) DelayQueueArgs(delay time.Duration) amqp.Table {
	ttl := delay.Milliseconds()
	return amqp.Table{
		"x-message-ttl":             ttl,
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": t.Queue,
		"x-expires":                 ttl + delayQueueGrace.Milliseconds(),
		"x-max-priority":            int32(maxPriority),
	}
}

// Declare объявляет exchanges, очереди и bindings. Идемпотентен.
func (t Topology) Declare(ch *amqp.Channel) error {
	// 1. Обменники
	for _, ex := range []string{t.Exchange, t.DLX} {
		err := ch.ExchangeDeclare(
			ex,       // name
			"direct", // type
			true,     // durable
			false,    // auto-deleted
			false,    // internal
			false,    // no-wait
			nil,      // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex, err)
		}
	}

	// 2. Очереди
	queues := []struct {
		name string
		args amqp.Table
	}{
		{t.Queue, t.QueueArgs()},
		{t.DLQ, nil},
	}
	for _, q := range queues {
		_, err := ch.QueueDeclare(
			q.name, // name
			true,   // durable
			false,  // delete when unused
			false,  // exclusive
			false,  // no-wait
			q.args, // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	// 3. Bindings
	bindings := []struct {
		queue, key, exchange string
	}{
		{t.Queue, t.RoutingKey, t.Exchange},
		{t.DLQ, t.DLQ, t.DLX},
	}
	for _, b := range bindings {
		if err := ch.QueueBind(b.queue, b.key, b.exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	return nil
}

// DeclareDelay объявляет delay-очередь для задержки.
func (t Topology) DeclareDelay(ch *amqp.Channel, delay time.Duration) (string, error) {
	name := t.DelayQueue(delay)
	if _, err := ch.QueueDeclare(name, true, false, false, false, t.DelayQueueArgs(delay)); err != nil {
		return "", fmt.Errorf("declare delay queue %s: %w", name, err)
	}
	return name, nil
}

// String возвращает описание топологии для логирования.
func (t Topology) String() string {
	return fmt.Sprintf("%s(direct) -> %s [routing: %s]; %s(direct) -> %s",
		t.Exchange, t.Queue, t.RoutingKey, t.DLX, t.DLQ)
}
