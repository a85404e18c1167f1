package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/taskworker/internal/domain"
	"github.com/shaiso/taskworker/internal/queue"
)

func newDispatcher(t *testing.T) (*Dispatcher, *queue.MemoryQueue, *queue.MemoryQueue) {
	t.Helper()
	main := queue.NewMemoryQueue("tasks.main", time.Minute)
	reports := queue.NewMemoryQueue("reports", time.Minute)

	routes := NewRoutes("")
	routes.Add("", "tasks.main", main)
	routes.Add("tasks", "reports", reports)

	return New(routes, Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}), main, reports
}

func receiveAll(t *testing.T, q *queue.MemoryQueue) []queue.Received {
	t.Helper()
	got, err := q.Receive(context.Background(), 10, 0)
	require.NoError(t, err)
	return got
}

func TestPublish_AssignsTaskID(t *testing.T) {
	d, main, _ := newDispatcher(t)

	body := map[string]any{"task_type": "send_email", "payload": map[string]any{"recipient": "a@b.c"}}
	id, err := d.Publish(context.Background(), body, "tasks.main", "", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NotContains(t, body, "task_id", "caller body must not be mutated")

	got := receiveAll(t, main)
	require.Len(t, got, 1)
	require.NoError(t, got[0].DecodeErr)
	assert.Equal(t, id, got[0].Message.TaskID)
	assert.Equal(t, "send_email", got[0].Message.TaskType)
	assert.Equal(t, 0, got[0].Message.RetryCount)
}

func TestPublish_LegacyBody(t *testing.T) {
	d, _, reports := newDispatcher(t)

	id, err := d.Publish(context.Background(), map[string]any{"task": "generate_report", "type": "sales", "retry_count": 5}, "reports", "tasks", 0)
	require.NoError(t, err)

	got := receiveAll(t, reports)
	require.Len(t, got, 1)
	msg := got[0].Message
	assert.Equal(t, id, msg.TaskID)
	assert.Equal(t, "generate_report", msg.TaskType)
	assert.Equal(t, "sales", msg.Payload["type"])
	assert.Equal(t, 0, msg.RetryCount, "producer cannot set retry_count")
}

func TestPublish_Delay(t *testing.T) {
	d, main, _ := newDispatcher(t)

	_, err := d.Publish(context.Background(), map[string]any{"task_type": "x"}, "tasks.main", "", time.Hour)
	require.NoError(t, err)

	assert.Empty(t, receiveAll(t, main), "delayed message must not be visible yet")
	assert.Equal(t, 1, main.Len())
}

func TestPublish_Errors(t *testing.T) {
	d, _, _ := newDispatcher(t)
	ctx := context.Background()

	_, err := d.Publish(ctx, map[string]any{"task_type": "x"}, "unknown", "", 0)
	assert.ErrorIs(t, err, ErrUnknownRoute)

	_, err = d.Publish(ctx, map[string]any{"task_type": "x"}, "reports", "other", 0)
	assert.ErrorIs(t, err, ErrUnknownRoute)

	_, err = d.Publish(ctx, map[string]any{"task_type": "x"}, "", "", 0)
	assert.ErrorIs(t, err, ErrEmptyRoutingKey)

	_, err = d.Publish(ctx, map[string]any{"payload": map[string]any{}}, "tasks.main", "", 0)
	assert.ErrorIs(t, err, domain.ErrMalformedMessage)
}

// failingSender отклоняет каждую вторую публикацию.
type failingSender struct {
	n int
}

func (s *failingSender) Send(context.Context, *domain.TaskMessage, time.Duration) error {
	s.n++
	if s.n%2 == 0 {
		return errors.New("throttled")
	}
	return nil
}

func TestPublishBatch_ReturnsPublishedIDs(t *testing.T) {
	routes := NewRoutes("")
	routes.Add("", "tasks.main", &failingSender{})
	d := New(routes, Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	items := make([]Item, 4)
	for i := range items {
		items[i] = Item{Body: map[string]any{"task_type": "x"}, RoutingKey: "tasks.main"}
	}
	items = append(items, Item{Body: map[string]any{"task_type": "x"}, RoutingKey: "missing"})

	ids := d.PublishBatch(context.Background(), items)
	assert.Len(t, ids, 2)
}

func TestRoutes_List(t *testing.T) {
	routes := NewRoutes("main")
	routes.Add("", "b", nil)
	routes.Add("aux", "a", nil)

	assert.Equal(t, []Route{{"aux", "a"}, {"main", "b"}}, routes.List())
}

func TestPublish_DefaultMaxRetries(t *testing.T) {
	q := queue.NewMemoryQueue("tasks.main", time.Minute)
	routes := NewRoutes("")
	routes.Add("", "tasks.main", q)
	d := New(routes, Options{DefaultMaxRetries: 5, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	_, err := d.Publish(context.Background(), map[string]any{"task_type": "x"}, "tasks.main", "", 0)
	require.NoError(t, err)
	_, err = d.Publish(context.Background(), map[string]any{"task_type": "x", "max_retries": 1}, "tasks.main", "", 0)
	require.NoError(t, err)

	got := receiveAll(t, q)
	require.Len(t, got, 2)
	assert.Equal(t, 5, got[0].Message.MaxRetries)
	assert.Equal(t, 1, got[1].Message.MaxRetries)
}
