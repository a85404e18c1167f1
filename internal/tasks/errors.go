package tasks

import "errors"

var (
	// ErrHTTPRequest — ошибка выполнения HTTP-запроса (сеть, DNS, таймаут).
	ErrHTTPRequest = errors.New("http request failed")

	// ErrMissingField — в payload нет обязательного поля.
	ErrMissingField = errors.New("missing required field")

	// ErrSimulatedFailure — сбой, запрошенный флагом "fail".
	ErrSimulatedFailure = errors.New("simulated failure")
)
