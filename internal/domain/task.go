package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Значения по умолчанию для новых сообщений.
const (
	DefaultMaxRetries = 3
)

// Priority — приоритет задачи.
//
// Приоритет рекомендательный: порядок обработки гарантируется только
// если для разных приоритетов используются разные очереди.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// IsValid проверяет, что приоритет известен.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

// AMQP возвращает значение приоритета для RabbitMQ (очереди объявляются с x-max-priority=10).
func (p Priority) AMQP() uint8 {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 7
	case PriorityUrgent:
		return 9
	default:
		return 4
	}
}

// ParsePriority парсит строку в Priority. Неизвестные значения — normal.
func ParsePriority(s string) Priority {
	p := Priority(s)
	if p.IsValid() {
		return p
	}
	return PriorityNormal
}

// TaskMessage — единица работы, передаваемая через очередь.
//
// RetryCount живёт внутри тела сообщения, а не в памяти воркера:
// новый экземпляр воркера, получивший сообщение повторно, видит
// накопленное количество попыток.
type TaskMessage struct {
	// TaskID — уникальный идентификатор, назначается producer'ом и не меняется между retry.
	TaskID string `json:"task_id"`

	// TaskType — ключ в реестре обработчиков.
	TaskType string `json:"task_type"`

	// Priority — приоритет (low/normal/high/urgent).
	Priority Priority `json:"priority"`

	// Payload — данные задачи, интерпретируются обработчиком.
	Payload map[string]any `json:"payload"`

	// RetryCount — сколько раз сообщение уже переобрабатывалось.
	// Увеличивается только воркером.
	RetryCount int `json:"retry_count"`

	// MaxRetries — потолок retry, задаётся producer'ом.
	MaxRetries int `json:"max_retries"`

	// DelaySeconds — задержка видимости, запрошенная при публикации.
	DelaySeconds int `json:"delay_seconds"`

	// Timestamp — время создания, не меняется.
	Timestamp time.Time `json:"timestamp"`
}

// NewTaskMessage создаёт сообщение с новым TaskID.
func NewTaskMessage(taskType string, payload map[string]any) *TaskMessage {
	if payload == nil {
		payload = make(map[string]any)
	}
	return &TaskMessage{
		TaskID:     uuid.NewString(),
		TaskType:   taskType,
		Priority:   PriorityNormal,
		Payload:    payload,
		MaxRetries: DefaultMaxRetries,
		Timestamp:  time.Now().UTC(),
	}
}

// Validate проверяет обязательные поля.
func (m *TaskMessage) Validate() error {
	if m.TaskID == "" {
		return fmt.Errorf("%w: task_id is empty", ErrMalformedMessage)
	}
	if m.TaskType == "" {
		return fmt.Errorf("%w: task_type is empty", ErrMalformedMessage)
	}
	if m.RetryCount < 0 || m.MaxRetries < 0 {
		return fmt.Errorf("%w: negative retry counters", ErrMalformedMessage)
	}
	return nil
}

// CanRetry проверяет, остался ли бюджет retry.
func (m *TaskMessage) CanRetry() bool {
	return m.RetryCount < m.MaxRetries
}

// NextAttempt возвращает копию сообщения для повторной попытки.
// Исходное сообщение не меняется.
func (m *TaskMessage) NextAttempt(delay time.Duration) *TaskMessage {
	next := *m
	next.RetryCount = m.RetryCount + 1
	next.DelaySeconds = int(delay / time.Second)
	next.Payload = make(map[string]any, len(m.Payload))
	for k, v := range m.Payload {
		next.Payload[k] = v
	}
	return &next
}

// Delay возвращает задержку видимости как time.Duration.
func (m *TaskMessage) Delay() time.Duration {
	if m.DelaySeconds <= 0 {
		return 0
	}
	return time.Duration(m.DelaySeconds) * time.Second
}

// ParsePayload парсит payload сообщения в указанный тип.
func ParsePayload[T any](msg *TaskMessage) (T, error) {
	var result T

	payloadBytes, err := json.Marshal(msg.Payload)
	if err != nil {
		return result, fmt.Errorf("marshal payload: %w", err)
	}

	if err := json.Unmarshal(payloadBytes, &result); err != nil {
		return result, fmt.Errorf("%w: unmarshal payload: %v", ErrMalformedMessage, err)
	}

	return result, nil
}
