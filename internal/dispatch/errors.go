package dispatch

import "errors"

var (
	// ErrUnknownRoute — для exchange/routing key не настроена очередь.
	ErrUnknownRoute = errors.New("unknown route")

	// ErrEmptyRoutingKey — routing key не указан.
	ErrEmptyRoutingKey = errors.New("routing key is empty")
)
