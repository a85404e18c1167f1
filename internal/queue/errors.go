package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrReceiptExpired — receipt уже удалён или lease истёк.
	// Сообщение могло уйти другому потребителю.
	ErrReceiptExpired = errors.New("receipt handle expired")

	// ErrClosed — клиент закрыт.
	ErrClosed = errors.New("queue client closed")
)

// TransientError — временная ошибка очереди (сеть, сервис).
// Вызывающий повторяет операцию.
type TransientError struct {
	Op  string
	Err error
}

// Error реализует интерфейс error.
func (e *TransientError) Error() string {
	return fmt.Sprintf("queue %s: %v", e.Op, e.Err)
}

// Unwrap возвращает базовую ошибку.
func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient оборачивает ошибку в *TransientError.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient проверяет, что ошибка временная.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
