package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/taskworker/internal/backend"
	"github.com/shaiso/taskworker/internal/config"
	"github.com/shaiso/taskworker/internal/domain"
	"github.com/shaiso/taskworker/internal/tasks"
	"github.com/shaiso/taskworker/internal/worker"
)

func TestParsePayload(t *testing.T) {
	payload, err := parsePayload(`{"recipient":"a@example.com","n":1}`,
		[]string{"subject=Hi=there", "fail=true", "n=2.5", "id=007x"})
	require.NoError(t, err)

	assert.Equal(t, "a@example.com", payload["recipient"])
	assert.Equal(t, "Hi=there", payload["subject"])
	assert.Equal(t, true, payload["fail"])
	assert.Equal(t, 2.5, payload["n"])
	assert.Equal(t, "007x", payload["id"])
}

func TestParsePayload_Errors(t *testing.T) {
	_, err := parsePayload(`[1,2]`, nil)
	assert.Error(t, err)

	_, err = parsePayload("", []string{"novalue"})
	assert.Error(t, err)

	_, err = parsePayload("", []string{"=x"})
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "-", orDash(""))
}

func sqliteEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TASKWORKER_CONFIG", "")
	t.Setenv("TASKWORKER_BACKEND", config.BackendSQLite)
	t.Setenv("TASKWORKER_SQLITE_PATH", filepath.Join(t.TempDir(), "queue.db"))
	t.Setenv("TASKWORKER_LOG_LEVEL", "ERROR")
}

func bufferOutput(buf *bytes.Buffer) func() *Output {
	return func() *Output {
		return &Output{jsonMode: true, w: buf, errW: io.Discard}
	}
}

func openSession(ctx context.Context) (*Session, error) {
	return OpenSession(ctx, "")
}

func TestPublishAndStats(t *testing.T) {
	sqliteEnv(t)
	ctx := context.Background()

	var out bytes.Buffer
	publish := NewPublishCmd(openSession, bufferOutput(&out))
	publish.SetArgs([]string{"send_email", "--field", "recipient=a@example.com", "--count", "2", "--priority", "high"})
	require.NoError(t, publish.ExecuteContext(ctx))

	var ids []string
	require.NoError(t, json.Unmarshal(out.Bytes(), &ids))
	assert.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1])

	out.Reset()
	stats := NewStatsCmd(openSession, bufferOutput(&out))
	stats.SetArgs([]string{})
	require.NoError(t, stats.ExecuteContext(ctx))

	var rows []queueStats
	require.NoError(t, json.Unmarshal(out.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, config.DefaultQueue, rows[0].Queue)
	assert.Equal(t, 2, rows[0].Visible)
	assert.Empty(t, rows[0].Error)
}

func TestPublish_Validation(t *testing.T) {
	sqliteEnv(t)
	ctx := context.Background()

	cmd := NewPublishCmd(openSession, bufferOutput(&bytes.Buffer{}))
	cmd.SetArgs([]string{"send_email", "--priority", "asap"})
	assert.Error(t, cmd.ExecuteContext(ctx))

	cmd = NewPublishCmd(openSession, bufferOutput(&bytes.Buffer{}))
	cmd.SetArgs([]string{"send_email", "--routing-key", "nowhere"})
	assert.Error(t, cmd.ExecuteContext(ctx))
}

func TestStats_UnknownQueue(t *testing.T) {
	sqliteEnv(t)

	var out bytes.Buffer
	cmd := NewStatsCmd(openSession, bufferOutput(&out))
	cmd.SetArgs([]string{"missing"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	var rows []queueStats
	require.NoError(t, json.Unmarshal(out.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.NotEmpty(t, rows[0].Error)
}

func TestDLQPeek(t *testing.T) {
	sqliteEnv(t)
	ctx := context.Background()

	s, err := openSession(ctx)
	require.NoError(t, err)
	c, err := s.Backend.Client(config.DefaultQueue)
	require.NoError(t, err)
	require.NoError(t, c.SendToDeadLetter(ctx, &domain.DeadLetter{
		TaskID:     "t-1",
		TaskType:   "send_email",
		Queue:      config.DefaultQueue,
		Reason:     "max retries exceeded",
		Error:      "smtp down",
		RetryCount: 3,
		FailedAt:   time.Now().UTC(),
	}))
	require.NoError(t, s.Close())

	var out bytes.Buffer
	cmd := NewDLQCmd(openSession, bufferOutput(&out))
	cmd.SetArgs([]string{"peek", "--limit", "5"})
	require.NoError(t, cmd.ExecuteContext(ctx))

	var records []domain.DeadLetter
	require.NoError(t, json.Unmarshal(out.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "t-1", records[0].TaskID)
	assert.Equal(t, "max retries exceeded", records[0].Reason)
}

func TestBuildBindings(t *testing.T) {
	t.Setenv("TASKWORKER_CONFIG", "")
	t.Setenv("TASKWORKER_BACKEND", config.BackendMemory)
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Queues = append(cfg.Queues, config.QueueConfig{
		Name:       "reports",
		RoutingKey: "reports",
		Handlers:   []string{tasks.TypeGenerateReport},
	})

	b, err := backend.Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	registry := tasks.NewRegistry(tasks.Options{})
	var wrapped []string
	bindings, err := buildBindings(cfg, b, registry, func(queue string, h map[string]worker.Handler) map[string]worker.Handler {
		wrapped = append(wrapped, queue)
		return h
	})
	require.NoError(t, err)
	assert.Equal(t, []string{config.DefaultQueue, "reports"}, wrapped)
	require.Len(t, bindings, 2)

	assert.Len(t, bindings[0].Queue.TaskHandlers, len(registry.Types()))
	assert.Len(t, bindings[1].Queue.TaskHandlers, 1)
	assert.Contains(t, bindings[1].Queue.TaskHandlers, tasks.TypeGenerateReport)

	cfg.Queues[1].Handlers = []string{"unknown"}
	_, err = buildBindings(cfg, b, registry, nil)
	assert.ErrorIs(t, err, worker.ErrInvalidQueueConfig)
}

type staticHealth worker.Health

func (h staticHealth) Health(context.Context) worker.Health { return worker.Health(h) }

func TestHealthz(t *testing.T) {
	srv := httptest.NewServer(newMux(staticHealth{Running: true, InFlight: 2}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var h worker.Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.True(t, h.Running)
	assert.EqualValues(t, 2, h.InFlight)

	down := httptest.NewServer(newMux(staticHealth{}))
	defer down.Close()

	resp, err = http.Get(down.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
