package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Причины отправки в DLQ.
const (
	ReasonMaxRetriesExceeded = "max retries exceeded"
	ReasonNonRetriable       = "non-retriable"
)

// DeadLetter — запись в dead-letter очереди.
//
// Хранит исходное сообщение, причину и количество попыток.
// Читается только административными инструментами.
type DeadLetter struct {
	TaskID     string       `json:"task_id,omitempty"`
	TaskType   string       `json:"task_type,omitempty"`
	Queue      string       `json:"queue"`
	Reason     string       `json:"reason"`
	Error      string       `json:"error,omitempty"`
	RetryCount int          `json:"retry_count"`
	Message    *TaskMessage `json:"message,omitempty"`

	// RawBody — исходное тело, если сообщение не удалось распарсить.
	RawBody string `json:"raw_body,omitempty"`

	FailedAt time.Time `json:"failed_at"`
}

// NewDeadLetter создаёт запись для распарсенного сообщения.
func NewDeadLetter(queue string, msg *TaskMessage, reason, errMsg string) *DeadLetter {
	return &DeadLetter{
		TaskID:     msg.TaskID,
		TaskType:   msg.TaskType,
		Queue:      queue,
		Reason:     reason,
		Error:      errMsg,
		RetryCount: msg.RetryCount,
		Message:    msg,
		FailedAt:   time.Now().UTC(),
	}
}

// NewMalformedDeadLetter создаёт запись для тела, которое не удалось распарсить.
func NewMalformedDeadLetter(queue string, body []byte, errMsg string) *DeadLetter {
	return &DeadLetter{
		Queue:    queue,
		Reason:   ReasonNonRetriable,
		Error:    errMsg,
		RawBody:  string(body),
		FailedAt: time.Now().UTC(),
	}
}

// Encode сериализует запись в JSON.
func (d *DeadLetter) Encode() ([]byte, error) {
	body, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal dead letter: %w", err)
	}
	return body, nil
}

// DecodeDeadLetter парсит запись из JSON.
func DecodeDeadLetter(body []byte) (*DeadLetter, error) {
	var d DeadLetter
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("unmarshal dead letter: %w", err)
	}
	return &d, nil
}
