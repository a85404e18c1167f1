package domain

import "fmt"

// ResultStatus — итог одной попытки обработки.
type ResultStatus string

const (
	// ResultCompleted — обработчик завершился успешно.
	ResultCompleted ResultStatus = "COMPLETED"

	// ResultFailed — попытка завершилась ошибкой.
	ResultFailed ResultStatus = "FAILED"

	// ResultRetryScheduled — воркер запланировал повторную попытку.
	ResultRetryScheduled ResultStatus = "RETRY_SCHEDULED"
)

// MessageState — состояние полученного сообщения внутри воркера.
//
// Жизненный цикл:
//
//	RECEIVED → DISPATCHING → COMPLETED
//	                       ↘ FAILED
//	                       ↘ EXPIRED
//
// Переходы строго последовательные, ни один не пропускается и не повторяется.
type MessageState string

const (
	// StateReceived — сообщение получено из очереди, lease захвачен.
	StateReceived MessageState = "RECEIVED"

	// StateDispatching — обработчик выполняется.
	StateDispatching MessageState = "DISPATCHING"

	// StateCompleted — обработчик вернул успех.
	StateCompleted MessageState = "COMPLETED"

	// StateFailed — обработчик вернул ошибку.
	StateFailed MessageState = "FAILED"

	// StateExpired — истёк таймаут обработки без финального результата.
	StateExpired MessageState = "EXPIRED"
)

// IsTerminal возвращает true, если состояние финальное.
func (s MessageState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateExpired:
		return true
	default:
		return false
	}
}

// CanTransition проверяет допустимость перехода.
func (s MessageState) CanTransition(to MessageState) bool {
	switch s {
	case StateReceived:
		return to == StateDispatching
	case StateDispatching:
		return to.IsTerminal()
	default:
		return false
	}
}

// Transition выполняет переход или возвращает ошибку.
func (s *MessageState) Transition(to MessageState) error {
	if !s.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, *s, to)
	}
	*s = to
	return nil
}
