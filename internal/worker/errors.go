package worker

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/shaiso/taskworker/internal/domain"
)

// Ошибки воркера.
var (
	// ErrUnknownTaskType — нет обработчика для данного типа задачи.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrProcessingTimeout — обработка превысила потолок processing timeout.
	ErrProcessingTimeout = errors.New("processing timeout exceeded")

	// ErrHandlerPanic — обработчик запаниковал.
	ErrHandlerPanic = errors.New("handler panicked")

	// ErrHandlerFailed — обработчик вернул FAILED без error.
	ErrHandlerFailed = errors.New("handler reported failure")

	// ErrInvalidQueueConfig — некорректная конфигурация очереди.
	ErrInvalidQueueConfig = errors.New("invalid queue config")

	// ErrNoQueues — supervisor создан без очередей.
	ErrNoQueues = errors.New("no queues configured")

	// ErrAlreadyStarted — повторный Start.
	ErrAlreadyStarted = errors.New("supervisor already started")
)

// UnknownHandlerError — тип задачи не зарегистрирован для очереди.
// Это ошибка конфигурации, а не временный сбой: retry не выполняется.
type UnknownHandlerError struct {
	TaskType string
	Known    []string
}

// Error реализует интерфейс error.
func (e *UnknownHandlerError) Error() string {
	known := slices.Clone(e.Known)
	slices.Sort(known)
	return fmt.Sprintf("%s: %q (available: %s)", ErrUnknownTaskType, e.TaskType, strings.Join(known, ", "))
}

// Unwrap возвращает базовую ошибку.
func (e *UnknownHandlerError) Unwrap() error {
	return ErrUnknownTaskType
}

// PermanentError — обработчик явно сообщает о неустранимой ошибке.
type PermanentError struct {
	Err error
}

// Error реализует интерфейс error.
func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

// Unwrap возвращает базовую ошибку.
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent помечает ошибку как неустранимую: сообщение уйдёт в DLQ без retry.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Classification — класс ошибки для политики retry.
type Classification string

const (
	ClassTransient    Classification = "transient"
	ClassNonRetriable Classification = "non_retriable"
	ClassExhausted    Classification = "exhausted"
)

// Classify определяет класс ошибки.
//
// Non-retriable: неизвестный тип задачи, невалидное сообщение, Permanent(err).
// Всё остальное (сеть, сбой сервиса, таймаут, паника) — transient.
func Classify(err error) Classification {
	var unknown *UnknownHandlerError
	var permanent *PermanentError

	switch {
	case err == nil:
		return ClassTransient
	case errors.As(err, &unknown), errors.Is(err, ErrUnknownTaskType):
		return ClassNonRetriable
	case errors.As(err, &permanent):
		return ClassNonRetriable
	case errors.Is(err, domain.ErrMalformedMessage):
		return ClassNonRetriable
	default:
		return ClassTransient
	}
}
