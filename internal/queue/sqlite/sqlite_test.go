package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/taskworker/internal/domain"
	"github.com/shaiso/taskworker/internal/queue"
)

func newQueue(t *testing.T, visibility time.Duration) *Queue {
	t.Helper()

	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	q, err := New(db, Config{Name: "tasks.main", Visibility: visibility, PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	return q
}

func TestQueue_SendReceiveDelete(t *testing.T) {
	q := newQueue(t, time.Second)
	ctx := context.Background()

	msg := domain.NewTaskMessage("send_email", map[string]any{"to": "a@b.c"})
	require.NoError(t, q.Send(ctx, msg, 0))

	got, err := q.Receive(ctx, 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NoError(t, got[0].DecodeErr)
	assert.Equal(t, msg.TaskID, got[0].Message.TaskID)
	assert.Equal(t, "a@b.c", got[0].Message.Payload["to"])
	assert.Equal(t, 1, got[0].ReceiveCount)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{InFlight: 1}, stats)

	require.NoError(t, q.Delete(ctx, got[0].Receipt))
	assert.ErrorIs(t, q.Delete(ctx, got[0].Receipt), queue.ErrReceiptExpired)

	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{}, stats)
}

func TestQueue_RedeliveryIssuesNewReceipt(t *testing.T) {
	q := newQueue(t, 30*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, domain.NewTaskMessage("x", nil), 0))

	first, err := q.Receive(ctx, 1, 20*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := q.Receive(ctx, 1, 500*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, second, 1)

	assert.NotEqual(t, first[0].Receipt, second[0].Receipt)
	assert.Equal(t, 2, second[0].ReceiveCount)
	assert.ErrorIs(t, q.ExtendVisibility(ctx, first[0].Receipt, time.Second), queue.ErrReceiptExpired)
	assert.NoError(t, q.ExtendVisibility(ctx, second[0].Receipt, time.Second))
}

func TestQueue_DelayedMessage(t *testing.T) {
	q := newQueue(t, time.Second)
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, domain.NewTaskMessage("x", nil), 80*time.Millisecond))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Delayed)

	none, err := q.Receive(ctx, 1, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, none)

	got, err := q.Receive(ctx, 1, time.Second)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestQueue_ReceiveBatchLimit(t *testing.T) {
	q := newQueue(t, time.Second)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Send(ctx, domain.NewTaskMessage("x", nil), 0))
	}

	got, err := q.Receive(ctx, 3, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	receipts := map[string]struct{}{}
	for _, r := range got {
		receipts[r.Receipt] = struct{}{}
	}
	assert.Len(t, receipts, 3, "receipts must be unique")
}

func TestQueue_MalformedBody(t *testing.T) {
	q := newQueue(t, time.Second)
	ctx := context.Background()

	require.NoError(t, q.SendRaw(ctx, []byte("{broken"), 0))

	got, err := q.Receive(ctx, 1, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0].DecodeErr, domain.ErrMalformedMessage)
}

func TestQueue_DeadLetters(t *testing.T) {
	q := newQueue(t, time.Second)
	ctx := context.Background()

	msg := domain.NewTaskMessage("nonexistent", nil)
	require.NoError(t, q.SendToDeadLetter(ctx, domain.NewDeadLetter("tasks.main.dlq", msg, domain.ReasonNonRetriable, "unknown task type")))
	require.NoError(t, q.SendToDeadLetter(ctx, domain.NewMalformedDeadLetter("tasks.main.dlq", []byte("{"), "bad json")))

	all, err := q.PeekDeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, msg.TaskID, all[0].TaskID)
	assert.Equal(t, domain.ReasonNonRetriable, all[0].Reason)
	assert.Equal(t, "{", all[1].RawBody)

	one, err := q.PeekDeadLetters(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestQueue_ReceiveRespectsContext(t *testing.T) {
	q := newQueue(t, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Receive(ctx, 1, 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWithPragmas(t *testing.T) {
	assert.Equal(t, ":memory:", withPragmas(":memory:"))
	assert.Equal(t,
		"file:/tmp/q.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
		withPragmas("/tmp/q.db"))
	assert.Equal(t,
		"file:q.db?mode=rwc&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
		withPragmas("file:q.db?mode=rwc"))
	assert.Equal(t, "file:q.db?_pragma=busy_timeout(100)", withPragmas("file:q.db?_pragma=busy_timeout(100)"))
}

// Два пула на один файл, как у двух процессов воркера, и конкурентные
// Send/Receive/Delete в каждом: ни одна операция не получает SQLITE_BUSY.
func TestQueue_FileDatabaseConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	const (
		pools      = 2
		workers    = 8
		perWorker  = 25
		totalTasks = pools * workers * perWorker
	)

	queues := make([]*Queue, pools)
	for i := range queues {
		db, err := Open(path)
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })

		queues[i], err = New(db, Config{Name: "tasks.main", Visibility: time.Minute, PollInterval: 5 * time.Millisecond})
		require.NoError(t, err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		errs    []error
		deleted int
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	for i := 0; i < pools*workers; i++ {
		q := queues[i%pools]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < perWorker; n++ {
				if err := q.Send(ctx, domain.NewTaskMessage("x", nil), 0); err != nil {
					record(err)
					return
				}
				got, err := q.Receive(ctx, 1, 50*time.Millisecond)
				if err != nil {
					record(err)
					return
				}
				for _, r := range got {
					if err := q.Delete(ctx, r.Receipt); err != nil {
						record(err)
						return
					}
					mu.Lock()
					deleted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)

	// Остаток, не захваченный в гонке, дочитываем последовательно
	for deleted < totalTasks {
		got, err := queues[0].Receive(ctx, 10, 50*time.Millisecond)
		require.NoError(t, err)
		require.NotEmpty(t, got)
		for _, r := range got {
			require.NoError(t, queues[0].Delete(ctx, r.Receipt))
			deleted++
		}
	}

	stats, err := queues[0].Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{}, stats)
}
