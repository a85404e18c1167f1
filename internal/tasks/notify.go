package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/taskworker/internal/domain"
	"github.com/shaiso/taskworker/internal/telemetry"
	"github.com/shaiso/taskworker/internal/worker"
)

// SendEmail — обработчик задачи "send_email".
//
// Payload:
//   - recipient (string): адрес получателя (обязательно; допускается "to")
//   - subject (string): тема. Default: "Notification"
//   - template (string): шаблон письма
//   - customer_id (any): идентификатор клиента для лога
//   - fail (bool): имитировать временный сбой
//
// Отправка письма имитируется задержкой Work.
type SendEmail struct {
	Work time.Duration
}

// Handle отправляет письмо.
func (h *SendEmail) Handle(ctx context.Context, msg *domain.TaskMessage) (*domain.TaskResult, error) {
	recipient := getString(msg.Payload, "recipient", getString(msg.Payload, "to", ""))
	if recipient == "" {
		return nil, worker.Permanent(fmt.Errorf("%w: recipient", ErrMissingField))
	}
	subject := getString(msg.Payload, "subject", "Notification")

	if err := sleep(ctx, h.Work); err != nil {
		return nil, err
	}

	if getBool(msg.Payload, "fail") {
		return domain.Failed(msg.TaskID, fmt.Sprintf("%s: send_email for customer %v", ErrSimulatedFailure, msg.Payload["customer_id"])), nil
	}

	telemetry.FromContext(ctx).Info("email sent",
		"task_id", msg.TaskID,
		"recipient", recipient,
		"subject", subject,
	)

	return domain.Completed(msg.TaskID, map[string]any{
		"recipient":     recipient,
		"subject":       subject,
		"template_used": msg.Payload["template"],
		"sent_at":       time.Now().UTC().Format(time.RFC3339),
	}), nil
}

// SendSMS — обработчик задачи "send_sms".
//
// Payload:
//   - phone_number (string): номер получателя (обязательно)
//   - text (string): текст сообщения
//   - fail (bool): имитировать временный сбой
type SendSMS struct {
	Work time.Duration
}

// Handle отправляет SMS.
func (h *SendSMS) Handle(ctx context.Context, msg *domain.TaskMessage) (*domain.TaskResult, error) {
	if getBool(msg.Payload, "fail") {
		return domain.Failed(msg.TaskID, fmt.Sprintf("%s: send_sms", ErrSimulatedFailure)), nil
	}

	phone := getString(msg.Payload, "phone_number", "")
	if phone == "" {
		return nil, worker.Permanent(fmt.Errorf("%w: phone_number", ErrMissingField))
	}
	text := getString(msg.Payload, "text", "")

	if err := sleep(ctx, h.Work); err != nil {
		return nil, err
	}

	telemetry.FromContext(ctx).Info("sms sent",
		slog.String("task_id", msg.TaskID),
		slog.String("phone_number", phone),
		slog.String("text", truncate(text, 50)),
	)

	// message_id детерминирован по task_id: повторная доставка даёт тот же результат
	return domain.Completed(msg.TaskID, map[string]any{
		"message_id": "sms_" + msg.TaskID,
	}), nil
}
