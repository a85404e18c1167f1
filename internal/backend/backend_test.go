package backend

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/taskworker/internal/config"
	"github.com/shaiso/taskworker/internal/domain"
	"github.com/shaiso/taskworker/internal/idempotency"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	t.Setenv("TASKWORKER_CONFIG", "")
	t.Setenv("TASKWORKER_BACKEND", backend)
	t.Setenv("TASKWORKER_SQLITE_PATH", filepath.Join(t.TempDir(), "queue.db"))

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Queues = append(cfg.Queues, config.QueueConfig{
		Name:         "reports",
		RoutingKey:   "reports",
		ExchangeName: "tasks",
		DLQName:      "reports.dlq",
	})
	return cfg
}

func TestOpen_LocalBackends(t *testing.T) {
	for _, kind := range []string{config.BackendMemory, config.BackendSQLite} {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()
			b, err := Open(ctx, testConfig(t, kind), discard)
			require.NoError(t, err)
			t.Cleanup(func() { _ = b.Close() })

			assert.Equal(t, kind, b.Kind())

			// Публикация по маршруту попадает в очередь с этим routing key
			sender, _, err := b.Routes().Lookup("", "reports")
			require.NoError(t, err)
			msg := domain.NewTaskMessage("generate_report", nil)
			require.NoError(t, sender.Send(ctx, msg, 0))

			c, err := b.Client("reports")
			require.NoError(t, err)
			got, err := c.Receive(ctx, 10, time.Second)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, msg.TaskID, got[0].Message.TaskID)

			main, err := b.Client("tasks.main")
			require.NoError(t, err)
			empty, err := main.Receive(ctx, 10, 0)
			require.NoError(t, err)
			assert.Empty(t, empty)

			_, err = b.Inspector("tasks.main")
			assert.NoError(t, err)

			_, err = b.Client("missing")
			assert.ErrorIs(t, err, ErrUnknownQueue)
		})
	}
}

func TestOpenIdempotency(t *testing.T) {
	cfg := testConfig(t, config.BackendMemory)
	ctx := context.Background()

	store, closeFn, err := OpenIdempotency(ctx, cfg, discard)
	require.NoError(t, err)
	assert.Nil(t, store)
	assert.NoError(t, closeFn())

	cfg.Idempotency.Store = config.IdempotencyMemory
	store, closeFn, err = OpenIdempotency(ctx, cfg, discard)
	require.NoError(t, err)
	assert.IsType(t, &idempotency.MemoryStore{}, store)
	assert.NoError(t, closeFn())

	cfg.Idempotency.Store = "etcd"
	_, _, err = OpenIdempotency(ctx, cfg, discard)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
