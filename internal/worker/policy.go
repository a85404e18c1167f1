package worker

import (
	"time"

	"github.com/shaiso/taskworker/internal/domain"
)

// Значения политики по умолчанию: min(60s * 2^n, 15m).
// 15 минут — также максимальный DelaySeconds в SQS.
const (
	defaultRetryBaseDelay = 60 * time.Second
	defaultRetryMaxDelay  = 15 * time.Minute
)

// Action — решение по итогу попытки.
type Action string

const (
	// ActionAck — удалить сообщение.
	ActionAck Action = "ack"

	// ActionRetry — удалить оригинал и опубликовать копию с retry_count+1 и задержкой.
	ActionRetry Action = "retry"

	// ActionDeadLetter — удалить оригинал и отправить запись в DLQ.
	ActionDeadLetter Action = "dead_letter"
)

// Outcome — итог попытки, подаваемый на вход политике.
type Outcome struct {
	State domain.MessageState
	Err   error

	// Result — результат обработчика, если он его вернул.
	Result *domain.TaskResult
}

// Decision — решение политики.
type Decision struct {
	Action         Action
	Delay          time.Duration
	RetryCount     int
	Reason         string
	Classification Classification
}

// RetryPolicy — политика retry и dead-letter.
//
// Чистая логика без обращения к очереди.
type RetryPolicy struct {
	// BaseDelay — базовая задержка backoff.
	BaseDelay time.Duration

	// MaxDelay — потолок задержки.
	MaxDelay time.Duration

	// ExpiredMinDelay — минимальная задержка для EXPIRED (обычно visibility timeout),
	// чтобы копия не появилась раньше, чем истёк бы lease оригинала.
	ExpiredMinDelay time.Duration
}

// DefaultRetryPolicy возвращает политику по умолчанию.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay: defaultRetryBaseDelay,
		MaxDelay:  defaultRetryMaxDelay,
	}
}

// Backoff вычисляет задержку перед попыткой номер retryCount:
// base * 2^retryCount, не больше MaxDelay.
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = defaultRetryBaseDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultRetryMaxDelay
	}

	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}

	return min(delay, maxDelay)
}

// Decide принимает решение по итогу попытки.
//
//	COMPLETED                              → ack
//	non-retriable (при любом retry_count)  → DLQ "non-retriable"
//	retry_count >= max_retries             → DLQ "max retries exceeded"
//	transient / EXPIRED                    → retry с backoff
func (p RetryPolicy) Decide(msg *domain.TaskMessage, out Outcome) Decision {
	if out.State == domain.StateCompleted {
		return Decision{Action: ActionAck, RetryCount: msg.RetryCount}
	}

	if Classify(out.Err) == ClassNonRetriable {
		return Decision{
			Action:         ActionDeadLetter,
			RetryCount:     msg.RetryCount,
			Reason:         domain.ReasonNonRetriable,
			Classification: ClassNonRetriable,
		}
	}

	if !msg.CanRetry() {
		return Decision{
			Action:         ActionDeadLetter,
			RetryCount:     msg.RetryCount,
			Reason:         domain.ReasonMaxRetriesExceeded,
			Classification: ClassExhausted,
		}
	}

	next := msg.RetryCount + 1
	delay := p.Backoff(next)
	if out.State == domain.StateExpired && delay < p.ExpiredMinDelay {
		delay = p.ExpiredMinDelay
	}

	return Decision{
		Action:         ActionRetry,
		Delay:          delay,
		RetryCount:     next,
		Classification: ClassTransient,
	}
}
