package handlers

import (
	"context"
	"fmt"
	"reflect"

	errspkg "github.com/drblury/hutch/internal/runtime/errors"
	jsoncodec "github.com/drblury/hutch/internal/runtime/jsoncodec"
)

// JSONMessageContext exposes the decoded payload next to the raw delivery.
type JSONMessageContext[T any] struct {
	ConsumeContext
	Payload T
	Message *Message
}

// JSONMessageHandler processes a decoded JSON payload.
type JSONMessageHandler[T any] func(ctx context.Context, event JSONMessageContext[T]) error

// BuildJSONHandler decodes each body into a fresh T before calling handler.
// T must be a pointer type. A body that fails to decode yields an error
// wrapping ErrMalformedPayload and the handler is not called.
func BuildJSONHandler[T any](handler JSONMessageHandler[T], codec jsoncodec.Codec) (HandlerFunc, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}

	prototypeFactory, err := jsonPrototypeFactory[T]()
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, cc ConsumeContext, msg *Message) error {
		typed := prototypeFactory()

		if err := codec.Unmarshal(msg.Body, typed); err != nil {
			return fmt.Errorf("%w: JSON: %w", errspkg.ErrMalformedPayload, err)
		}

		return handler(ctx, JSONMessageContext[T]{
			ConsumeContext: cc,
			Payload:        typed,
			Message:        msg,
		})
	}, nil
}

func jsonPrototypeFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, errspkg.ErrConsumeMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, errspkg.ErrConsumeMessagePointerNeeded
	}
	elem := typ.Elem()
	return func() T {
		clone := reflect.New(elem).Interface()
		return clone.(T)
	}, nil
}
