// Package sqlite — durable очередь на SQLite с моделью visibility timeout.
//
// Подходит для локального запуска и тестов без внешнего брокера.
// Драйвер modernc.org/sqlite регистрируется этим пакетом, Open открывает базу.
//
// Несколько очередей могут жить в одной базе: строки различаются по имени очереди.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shaiso/taskworker/internal/domain"
	"github.com/shaiso/taskworker/internal/queue"
)

const (
	defaultVisibility   = 30 * time.Second
	defaultPollInterval = 100 * time.Millisecond
)

// Config — параметры очереди.
type Config struct {
	// Name — имя очереди.
	Name string

	// DLQName — имя DLQ (default: Name + ".dlq").
	DLQName string

	// Visibility — visibility timeout по умолчанию.
	Visibility time.Duration

	// PollInterval — как часто проверять таблицу во время long-poll.
	PollInterval time.Duration
}

// Queue — очередь, хранящая сообщения в таблице messages.
type Queue struct {
	db           *sql.DB
	name         string
	dlqName      string
	visibility   time.Duration
	pollInterval time.Duration
}

// Ensure Queue implements queue.Client.
var (
	_ queue.Client              = (*Queue)(nil)
	_ queue.DeadLetterInspector = (*Queue)(nil)
)

// New инициализирует схему и возвращает очередь.
func New(db *sql.DB, cfg Config) (*Queue, error) {
	if cfg.Name == "" {
		return nil, errors.New("sqlite queue: name is required")
	}
	if cfg.DLQName == "" {
		cfg.DLQName = cfg.Name + ".dlq"
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = defaultVisibility
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	q := &Queue{
		db:           db,
		name:         cfg.Name,
		dlqName:      cfg.DLQName,
		visibility:   cfg.Visibility,
		pollInterval: cfg.PollInterval,
	}
	if err := q.initSchema(); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return q, nil
}

// busyTimeout — сколько соединение ждёт блокировку записи.
const busyTimeout = 5 * time.Second

// Open открывает базу по DSN.
//
// PRAGMA в SQLite действуют на соединение, поэтому для файловой базы
// busy_timeout и WAL передаются через DSN и применяются к каждому
// соединению пула. Пул ограничен одним соединением: запись в SQLite
// всё равно последовательна, а для ":memory:" каждое соединение видело
// бы свою пустую базу. busy_timeout остаётся нужен, когда файл открыт
// несколькими процессами.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return db, nil
}

// withPragmas добавляет к DSN файловой базы busy_timeout и journal_mode.
// DSN, в котором PRAGMA уже заданы, не меняется.
func withPragmas(dsn string) string {
	if dsn == ":memory:" || strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep +
		"_pragma=busy_timeout(" + strconv.FormatInt(busyTimeout.Milliseconds(), 10) + ")" +
		"&_pragma=journal_mode(WAL)"
}

func (q *Queue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			queue TEXT NOT NULL,
			body BLOB NOT NULL,
			visible_at INTEGER NOT NULL,
			receipt TEXT,
			receive_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_queue_visible ON messages (queue, visible_at);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_receipt ON messages (receipt);

		CREATE TABLE IF NOT EXISTS dead_letters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			queue TEXT NOT NULL,
			task_id TEXT,
			reason TEXT NOT NULL,
			body BLOB NOT NULL,
			created_at INTEGER NOT NULL
		);`,
	)
	return err
}

// Name возвращает имя очереди.
func (q *Queue) Name() string {
	return q.name
}

// Send публикует сообщение.
func (q *Queue) Send(ctx context.Context, msg *domain.TaskMessage, delay time.Duration) error {
	body, err := domain.EncodeMessage(msg)
	if err != nil {
		return err
	}
	return q.SendRaw(ctx, body, delay)
}

// SendRaw публикует произвольное тело.
func (q *Queue) SendRaw(ctx context.Context, body []byte, delay time.Duration) error {
	now := time.Now()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO messages (queue, body, visible_at, created_at)
		VALUES (?, ?, ?, ?)`,
		q.name,
		body,
		now.Add(delay).UnixNano(),
		now.UnixNano(),
	)
	return queue.Transient("send", err)
}

// Receive выполняет long-poll, опрашивая таблицу каждые PollInterval.
func (q *Queue) Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Received, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)

	for {
		out, err := q.claim(ctx, max)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if len(out) > 0 {
			return out, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(min(remaining, q.pollInterval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// claim атомарно захватывает до max видимых сообщений.
// Каждое получение выдаёт новый receipt; старый перестаёт действовать.
func (q *Queue) claim(ctx context.Context, max int) ([]queue.Received, error) {
	now := time.Now()

	rows, err := q.db.QueryContext(ctx, `
		UPDATE messages
		SET receipt = lower(hex(randomblob(16))),
		    visible_at = ?,
		    receive_count = receive_count + 1
		WHERE id IN (
			SELECT id FROM messages
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at, id
			LIMIT ?
		)
		RETURNING body, receipt, receive_count`,
		now.Add(q.visibility).UnixNano(),
		q.name,
		now.UnixNano(),
		max,
	)
	if err != nil {
		return nil, queue.Transient("receive", err)
	}
	defer rows.Close()

	var out []queue.Received
	for rows.Next() {
		var (
			body         []byte
			receipt      string
			receiveCount int
		)
		if err := rows.Scan(&body, &receipt, &receiveCount); err != nil {
			return nil, queue.Transient("receive", err)
		}
		out = append(out, queue.Decode(body, receipt, receiveCount))
	}
	if err := rows.Err(); err != nil {
		return nil, queue.Transient("receive", err)
	}
	return out, nil
}

// Delete удаляет сообщение по receipt.
func (q *Queue) Delete(ctx context.Context, receipt string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM messages WHERE queue = ? AND receipt = ?`, q.name, receipt)
	if err != nil {
		return queue.Transient("delete", err)
	}
	return expectAffected(res)
}

// ExtendVisibility продлевает lease, пока он не истёк.
func (q *Queue) ExtendVisibility(ctx context.Context, receipt string, timeout time.Duration) error {
	now := time.Now()
	res, err := q.db.ExecContext(ctx, `
		UPDATE messages SET visible_at = ?
		WHERE queue = ? AND receipt = ? AND visible_at > ?`,
		now.Add(timeout).UnixNano(),
		q.name,
		receipt,
		now.UnixNano(),
	)
	if err != nil {
		return queue.Transient("extend visibility", err)
	}
	return expectAffected(res)
}

// SendToDeadLetter сохраняет запись в таблицу dead_letters.
func (q *Queue) SendToDeadLetter(ctx context.Context, dl *domain.DeadLetter) error {
	body, err := dl.Encode()
	if err != nil {
		return err
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO dead_letters (queue, task_id, reason, body, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		q.dlqName,
		dl.TaskID,
		dl.Reason,
		body,
		time.Now().UnixNano(),
	)
	return queue.Transient("dead letter", err)
}

// PeekDeadLetters возвращает до limit записей DLQ, старые первыми.
func (q *Queue) PeekDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT body FROM dead_letters
		WHERE queue = ?
		ORDER BY id
		LIMIT ?`,
		q.dlqName,
		limit,
	)
	if err != nil {
		return nil, queue.Transient("peek dead letters", err)
	}
	defer rows.Close()

	var out []domain.DeadLetter
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		dl, err := domain.DecodeDeadLetter(body)
		if err != nil {
			return nil, err
		}
		out = append(out, *dl)
	}
	return out, rows.Err()
}

// Stats возвращает количество сообщений по состояниям.
func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	now := time.Now().UnixNano()

	var s queue.Stats
	err := q.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN visible_at <= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN visible_at > ? AND receipt IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN visible_at > ? AND receipt IS NULL THEN 1 ELSE 0 END), 0)
		FROM messages
		WHERE queue = ?`,
		now, now, now, q.name,
	).Scan(&s.Visible, &s.InFlight, &s.Delayed)
	if err != nil {
		return queue.Stats{}, queue.Transient("stats", err)
	}
	return s, nil
}

// expectAffected возвращает ErrReceiptExpired, если ни одна строка не изменена.
func expectAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return queue.ErrReceiptExpired
	}
	return nil
}
