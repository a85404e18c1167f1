// Package dispatch публикует задачи в очереди (enqueue-сторона).
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/taskworker/internal/domain"
	"github.com/shaiso/taskworker/internal/telemetry"
)

// Options — настройки Dispatcher.
type Options struct {
	// DefaultMaxRetries — max_retries для тел без этого поля (0 — domain.DefaultMaxRetries).
	DefaultMaxRetries int

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Dispatcher публикует задачи по маршрутам.
type Dispatcher struct {
	routes     *Routes
	maxRetries int
	logger     *slog.Logger
	metrics    *telemetry.Metrics
}

// New создаёт Dispatcher.
func New(routes *Routes, opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DefaultMaxRetries <= 0 {
		opts.DefaultMaxRetries = domain.DefaultMaxRetries
	}
	return &Dispatcher{
		routes:     routes,
		maxRetries: opts.DefaultMaxRetries,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
}

// Publish публикует тело задачи и возвращает task_id.
//
// Тело должно содержать task_type (или legacy-ключ task). task_id
// назначается, если его нет. retry_count всегда начинается с нуля.
// Пустой exchange — exchange по умолчанию.
func (d *Dispatcher) Publish(ctx context.Context, body map[string]any, routingKey, exchange string, delay time.Duration) (string, error) {
	msg, err := messageFromBody(body, d.maxRetries)
	if err != nil {
		return "", err
	}
	if err := d.PublishMessage(ctx, msg, routingKey, exchange, delay); err != nil {
		return "", err
	}
	return msg.TaskID, nil
}

// PublishMessage публикует готовое сообщение.
func (d *Dispatcher) PublishMessage(ctx context.Context, msg *domain.TaskMessage, routingKey, exchange string, delay time.Duration) error {
	if routingKey == "" {
		return ErrEmptyRoutingKey
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	sender, route, err := d.routes.Lookup(exchange, routingKey)
	if err != nil {
		return err
	}

	if delay > 0 {
		msg.DelaySeconds = int(delay / time.Second)
	} else {
		delay = msg.Delay()
	}

	if err := sender.Send(ctx, msg, delay); err != nil {
		return fmt.Errorf("publish %s to %s: %w", msg.TaskID, route, err)
	}

	d.metrics.Published(routingKey)
	d.logger.Info("task dispatched",
		"task_id", msg.TaskID,
		"task_type", msg.TaskType,
		"route", route.String(),
		"delay", delay,
	)
	return nil
}

// Item — задача для пакетной публикации.
type Item struct {
	Body       map[string]any
	RoutingKey string
	Exchange   string
	Delay      time.Duration
}

// PublishBatch публикует задачи по одной и возвращает task_id опубликованных.
// Ошибка одной задачи не останавливает остальные.
func (d *Dispatcher) PublishBatch(ctx context.Context, items []Item) []string {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		id, err := d.Publish(ctx, it.Body, it.RoutingKey, it.Exchange, it.Delay)
		if err != nil {
			d.logger.Error("failed to dispatch task", "routing_key", it.RoutingKey, "error", err)
			continue
		}
		ids = append(ids, id)
	}

	d.logger.Info("batch dispatched", "published", len(ids), "total", len(items))
	return ids
}

// messageFromBody собирает TaskMessage из тела producer'а.
func messageFromBody(body map[string]any, maxRetries int) (*domain.TaskMessage, error) {
	body = maps.Clone(body)
	if body == nil {
		body = make(map[string]any)
	}
	if id, _ := body["task_id"].(string); id == "" {
		body["task_id"] = uuid.NewString()
	}
	if _, ok := body["max_retries"]; !ok {
		body["max_retries"] = maxRetries
	}
	// Счётчик попыток ведёт только воркер
	delete(body, "retry_count")

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}
	return domain.DecodeMessage(raw)
}
