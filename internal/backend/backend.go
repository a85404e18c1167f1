// Package backend собирает клиентов очередей по конфигурации.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shaiso/taskworker/internal/config"
	"github.com/shaiso/taskworker/internal/dispatch"
	"github.com/shaiso/taskworker/internal/mq"
	"github.com/shaiso/taskworker/internal/queue"
	"github.com/shaiso/taskworker/internal/queue/sqlite"
	"github.com/shaiso/taskworker/internal/queue/sqs"
)

// ErrUnknownQueue — очередь не описана в конфигурации.
var ErrUnknownQueue = errors.New("unknown queue")

// Backend — клиенты всех очередей конфигурации и общие соединения.
type Backend struct {
	kind    string
	clients map[string]queue.Client
	routes  *dispatch.Routes
	closers []func() error
}

// Open подключается к backend'у и создаёт клиента для каждой очереди.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	b := &Backend{
		kind:    cfg.Backend,
		clients: make(map[string]queue.Client, len(cfg.Queues)),
		routes:  dispatch.NewRoutes(config.DefaultExchange),
	}

	var err error
	switch cfg.Backend {
	case config.BackendMemory:
		err = b.openMemory(cfg)
	case config.BackendSQLite:
		err = b.openSQLite(cfg)
	case config.BackendSQS:
		err = b.openSQS(ctx, cfg)
	case config.BackendAMQP:
		err = b.openAMQP(cfg, logger)
	default:
		err = fmt.Errorf("%w: backend %q", config.ErrInvalidConfig, cfg.Backend)
	}
	if err != nil {
		_ = b.Close()
		return nil, err
	}

	logger.Info("queue backend ready", "backend", cfg.Backend, "queues", len(b.clients))
	return b, nil
}

func (b *Backend) add(q config.QueueConfig, c queue.Client) {
	b.clients[q.Name] = c
	b.routes.Add(q.ExchangeName, q.RoutingKey, c)
}

func (b *Backend) openMemory(cfg *config.Config) error {
	for _, q := range cfg.Queues {
		b.add(q, queue.NewMemoryQueue(q.Name, cfg.Worker.VisibilityTimeout))
	}
	return nil
}

func (b *Backend) openSQLite(cfg *config.Config) error {
	db, err := sqlite.Open(cfg.SQLite.Path)
	if err != nil {
		return err
	}
	b.closers = append(b.closers, db.Close)

	for _, q := range cfg.Queues {
		c, err := sqlite.New(db, sqlite.Config{
			Name:         q.Name,
			DLQName:      q.DLQName,
			Visibility:   cfg.Worker.VisibilityTimeout,
			PollInterval: cfg.SQLite.PollInterval,
		})
		if err != nil {
			return fmt.Errorf("sqlite queue %s: %w", q.Name, err)
		}
		b.add(q, c)
	}
	return nil
}

func (b *Backend) openSQS(ctx context.Context, cfg *config.Config) error {
	api, err := sqs.NewAPI(sqs.SessionConfig{
		Region:          cfg.AWS.Region,
		EndpointURL:     cfg.AWS.EndpointURL,
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
	})
	if err != nil {
		return err
	}

	for _, q := range cfg.Queues {
		queueURL, dlqURL := q.QueueURL, q.DLQURL
		if queueURL == "" {
			if queueURL, err = sqs.ResolveURL(ctx, api, q.Name); err != nil {
				return err
			}
		}
		if dlqURL == "" {
			if dlqURL, err = sqs.ResolveURL(ctx, api, q.DLQName); err != nil {
				return err
			}
		}

		c, err := sqs.New(api, sqs.Config{
			QueueURL:   queueURL,
			DLQURL:     dlqURL,
			Visibility: cfg.Worker.VisibilityTimeout,
		})
		if err != nil {
			return fmt.Errorf("sqs queue %s: %w", q.Name, err)
		}
		b.add(q, c)
	}
	return nil
}

func (b *Backend) openAMQP(cfg *config.Config, logger *slog.Logger) error {
	conn, err := mq.NewConnection(cfg.AMQP.URL, logger)
	if err != nil {
		return err
	}
	b.closers = append(b.closers, conn.Close)

	for _, q := range cfg.Queues {
		c, err := mq.NewClient(conn, mq.ClientConfig{
			Topology: mq.NewTopology(q.Name, q.RoutingKey, q.ExchangeName, q.DLXExchangeName, q.DLQName),
			Prefetch: q.PrefetchCount,
		}, logger)
		if err != nil {
			return fmt.Errorf("amqp queue %s: %w", q.Name, err)
		}
		// Consumer-каналы закрываются раньше соединения
		b.closers = append([]func() error{c.Close}, b.closers...)
		b.add(q, c)
	}
	return nil
}

// Kind возвращает тип backend'а.
func (b *Backend) Kind() string {
	return b.kind
}

// Client возвращает клиента очереди.
func (b *Backend) Client(name string) (queue.Client, error) {
	c, ok := b.clients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	return c, nil
}

// Inspector возвращает клиента очереди для чтения DLQ.
func (b *Backend) Inspector(name string) (queue.DeadLetterInspector, error) {
	c, err := b.Client(name)
	if err != nil {
		return nil, err
	}
	inspector, ok := c.(queue.DeadLetterInspector)
	if !ok {
		return nil, fmt.Errorf("queue %s: backend %s does not support dead letter inspection", name, b.kind)
	}
	return inspector, nil
}

// Routes возвращает маршруты публикации: (exchange, routing key) каждой очереди.
func (b *Backend) Routes() *dispatch.Routes {
	return b.routes
}

// Close закрывает клиентов и соединения.
func (b *Backend) Close() error {
	var errs []error
	for _, closeFn := range b.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
