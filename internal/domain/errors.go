package domain

import "errors"

var (
	// ErrMalformedMessage — тело сообщения не удалось распарсить или оно невалидно.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrInvalidTransition — недопустимый переход состояния сообщения.
	ErrInvalidTransition = errors.New("invalid message state transition")
)
