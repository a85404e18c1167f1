package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// wireMessage — формат тела сообщения в очереди.
//
// Указатели позволяют отличить отсутствующее поле от нулевого значения.
type wireMessage struct {
	TaskID       string         `json:"task_id,omitempty"`
	TaskType     string         `json:"task_type,omitempty"`
	Task         string         `json:"task,omitempty"`
	Priority     Priority       `json:"priority,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	RetryCount   *int           `json:"retry_count,omitempty"`
	MaxRetries   *int           `json:"max_retries,omitempty"`
	DelaySeconds int            `json:"delay_seconds,omitempty"`
	Timestamp    *time.Time     `json:"timestamp,omitempty"`
}

// Ключи верхнего уровня, которые не переносятся в payload legacy-сообщений.
var wireKeys = map[string]struct{}{
	"task_id": {}, "task_type": {}, "task": {}, "priority": {}, "payload": {},
	"retry_count": {}, "max_retries": {}, "delay_seconds": {}, "timestamp": {},
}

// EncodeMessage сериализует сообщение в JSON.
func EncodeMessage(msg *TaskMessage) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return body, nil
}

// DecodeMessage парсит тело сообщения.
//
// Поддерживается legacy-формат producer'а RabbitMQ: тип задачи в ключе "task",
// остальные ключи верхнего уровня (customer_id, fail, ...) попадают в payload.
// Если task_id отсутствует, он выводится из тела детерминированно, чтобы
// повторная доставка того же тела получила тот же task_id.
func DecodeMessage(body []byte) (*TaskMessage, error) {
	var w wireMessage
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	msg := &TaskMessage{
		TaskID:       w.TaskID,
		TaskType:     w.TaskType,
		Priority:     ParsePriority(string(w.Priority)),
		Payload:      w.Payload,
		MaxRetries:   DefaultMaxRetries,
		DelaySeconds: w.DelaySeconds,
	}

	if msg.TaskType == "" && w.Task != "" {
		msg.TaskType = w.Task
		if err := mergeLegacyKeys(body, msg); err != nil {
			return nil, err
		}
	}

	if w.RetryCount != nil {
		msg.RetryCount = *w.RetryCount
	}
	if w.MaxRetries != nil {
		msg.MaxRetries = *w.MaxRetries
	}
	if w.Timestamp != nil {
		msg.Timestamp = w.Timestamp.UTC()
	} else {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.TaskID == "" {
		msg.TaskID = uuid.NewSHA1(uuid.NameSpaceOID, body).String()
	}
	if msg.Payload == nil {
		msg.Payload = make(map[string]any)
	}

	if err := msg.Validate(); err != nil {
		return nil, err
	}

	return msg, nil
}

// mergeLegacyKeys переносит посторонние ключи верхнего уровня в payload.
func mergeLegacyKeys(body []byte, msg *TaskMessage) error {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if msg.Payload == nil {
		msg.Payload = make(map[string]any, len(raw))
	}
	for k, v := range raw {
		if _, reserved := wireKeys[k]; reserved {
			continue
		}
		if _, exists := msg.Payload[k]; !exists {
			msg.Payload[k] = v
		}
	}
	return nil
}
