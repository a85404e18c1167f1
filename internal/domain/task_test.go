package domain

import (
	"errors"
	"testing"
	"time"
)

func TestDecodeMessage_Full(t *testing.T) {
	body := []byte(`{
		"task_id": "t-1",
		"task_type": "send_email",
		"priority": "high",
		"payload": {"to": "user@example.com"},
		"retry_count": 2,
		"max_retries": 5,
		"delay_seconds": 10,
		"timestamp": "2024-01-02T03:04:05Z"
	}`)

	msg, err := DecodeMessage(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.TaskID != "t-1" || msg.TaskType != "send_email" {
		t.Errorf("unexpected identity: %+v", msg)
	}
	if msg.Priority != PriorityHigh {
		t.Errorf("expected high priority, got %s", msg.Priority)
	}
	if msg.RetryCount != 2 || msg.MaxRetries != 5 {
		t.Errorf("unexpected counters: %d/%d", msg.RetryCount, msg.MaxRetries)
	}
	if msg.Delay() != 10*time.Second {
		t.Errorf("expected 10s delay, got %v", msg.Delay())
	}
	if msg.Payload["to"] != "user@example.com" {
		t.Errorf("unexpected payload: %v", msg.Payload)
	}
	if msg.Timestamp.Year() != 2024 {
		t.Errorf("timestamp should be preserved, got %v", msg.Timestamp)
	}
}

func TestDecodeMessage_Defaults(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"task_id": "t-2", "task_type": "send_sms"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.MaxRetries != DefaultMaxRetries {
		t.Errorf("expected default max_retries %d, got %d", DefaultMaxRetries, msg.MaxRetries)
	}
	if msg.Priority != PriorityNormal {
		t.Errorf("expected normal priority, got %s", msg.Priority)
	}
	if msg.Payload == nil {
		t.Error("payload should be initialized")
	}
	if msg.Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}
}

func TestDecodeMessage_ExplicitZeroMaxRetries(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"task_id": "t-3", "task_type": "x", "max_retries": 0}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.MaxRetries != 0 {
		t.Errorf("explicit zero must be kept, got %d", msg.MaxRetries)
	}
	if msg.CanRetry() {
		t.Error("message with max_retries=0 should not be retriable")
	}
}

func TestDecodeMessage_LegacyTaskKey(t *testing.T) {
	body := []byte(`{"task": "send_email", "customer_id": 123, "fail": true, "payload": {"to": "a@b.c"}}`)

	first, err := DecodeMessage(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.TaskType != "send_email" {
		t.Errorf("expected send_email, got %q", first.TaskType)
	}
	if first.Payload["customer_id"] != float64(123) {
		t.Errorf("customer_id should be merged into payload, got %v", first.Payload["customer_id"])
	}
	if first.Payload["fail"] != true {
		t.Error("fail flag should be merged into payload")
	}
	if first.Payload["to"] != "a@b.c" {
		t.Error("payload keys should be kept")
	}

	// Повторная доставка того же тела — тот же task_id
	second, err := DecodeMessage(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.TaskID == "" || first.TaskID != second.TaskID {
		t.Errorf("derived task_id should be stable: %q vs %q", first.TaskID, second.TaskID)
	}
}

func TestDecodeMessage_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":     `{{{`,
		"missing type": `{"task_id": "t"}`,
		"negative":     `{"task_id": "t", "task_type": "x", "retry_count": -1}`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(body))
			if !errors.Is(err, ErrMalformedMessage) {
				t.Errorf("expected ErrMalformedMessage, got %v", err)
			}
		})
	}
}

func TestEncodeDecode_PreservesRetryCount(t *testing.T) {
	msg := NewTaskMessage("send_email", map[string]any{"to": "x"})
	msg.RetryCount = 2

	body, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeMessage(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.RetryCount != 2 || decoded.TaskID != msg.TaskID {
		t.Errorf("retry counter must travel in body: %+v", decoded)
	}
}

func TestTaskMessage_NextAttempt(t *testing.T) {
	msg := NewTaskMessage("send_email", map[string]any{"k": "v"})

	next := msg.NextAttempt(120 * time.Second)

	if next.RetryCount != 1 {
		t.Errorf("expected retry_count 1, got %d", next.RetryCount)
	}
	if msg.RetryCount != 0 {
		t.Error("original message must not change")
	}
	if next.TaskID != msg.TaskID {
		t.Error("task_id must be stable across retries")
	}
	if next.DelaySeconds != 120 {
		t.Errorf("expected delay 120, got %d", next.DelaySeconds)
	}
	if !next.Timestamp.Equal(msg.Timestamp) {
		t.Error("timestamp is immutable")
	}

	next.Payload["k"] = "changed"
	if msg.Payload["k"] != "v" {
		t.Error("payload should be copied")
	}
}

func TestPriority(t *testing.T) {
	if ParsePriority("bogus") != PriorityNormal {
		t.Error("unknown priority should map to normal")
	}
	if PriorityUrgent.AMQP() <= PriorityHigh.AMQP() || PriorityHigh.AMQP() <= PriorityNormal.AMQP() {
		t.Error("AMQP priorities should be ordered")
	}
}

func TestParsePayload(t *testing.T) {
	type emailPayload struct {
		To string `json:"to"`
	}

	msg := NewTaskMessage("send_email", map[string]any{"to": "user@example.com"})
	p, err := ParsePayload[emailPayload](msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.To != "user@example.com" {
		t.Errorf("unexpected payload: %+v", p)
	}

	msg.Payload["to"] = 42
	if _, err := ParsePayload[emailPayload](msg); !errors.Is(err, ErrMalformedMessage) {
		t.Errorf("expected ErrMalformedMessage, got %v", err)
	}
}

func TestMessageState_Transitions(t *testing.T) {
	state := StateReceived

	if err := state.Transition(StateCompleted); err == nil {
		t.Error("RECEIVED -> COMPLETED should be rejected")
	}
	if err := state.Transition(StateDispatching); err != nil {
		t.Fatalf("RECEIVED -> DISPATCHING: %v", err)
	}
	if err := state.Transition(StateExpired); err != nil {
		t.Fatalf("DISPATCHING -> EXPIRED: %v", err)
	}
	if err := state.Transition(StateFailed); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("terminal state must not transition, got %v", err)
	}
}

func TestDeadLetter_RoundTrip(t *testing.T) {
	msg := NewTaskMessage("send_email", nil)
	msg.RetryCount = 3

	dl := NewDeadLetter("tasks.main", msg, ReasonMaxRetriesExceeded, "smtp down")
	body, err := dl.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := DecodeDeadLetter(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Reason != ReasonMaxRetriesExceeded || got.RetryCount != 3 || got.Message.TaskID != msg.TaskID {
		t.Errorf("unexpected dead letter: %+v", got)
	}
}
