package brokersvc

import (
	"context"

	"github.com/glimte/brokersvc/internal/rabbitmq"
)

// JSONHandler adapts a typed handler. The delivery body is decoded into a
// fresh T; a body that does not decode fails the delivery with
// *DecodeError, which is nacked like any handler error.
func JSONHandler[T any](fn func(ctx context.Context, msg T, delivery Delivery) error) Handler {
	return func(ctx context.Context, _ any, delivery Delivery) error {
		var msg T
		if err := rabbitmq.DecodeInto(delivery.ContentType, delivery.Body, &msg); err != nil {
			return err
		}
		return fn(ctx, msg, delivery)
	}
}
