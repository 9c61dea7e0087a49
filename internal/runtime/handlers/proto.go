package handlers

import (
	"context"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/hutch/internal/runtime/errors"
)

var protoJSONUnmarshalOptions = protojson.UnmarshalOptions{
	DiscardUnknown: true,
}

// ProtoMessageContext provides strongly typed access to the incoming payload.
type ProtoMessageContext[T proto.Message] struct {
	ConsumeContext
	Payload T
	Message *Message
}

// ProtoMessageHandler processes a typed protobuf payload.
type ProtoMessageHandler[T proto.Message] func(ctx context.Context, event ProtoMessageContext[T]) error

// BuildProtoHandler decodes protojson bodies into a fresh clone of prototype.
func BuildProtoHandler[T proto.Message](prototype T, handler ProtoMessageHandler[T]) (HandlerFunc, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	prototype, err := EnsureProtoPrototype(prototype)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, cc ConsumeContext, msg *Message) error {
		typed, err := clonePrototype(prototype)
		if err != nil {
			return err
		}

		if err := protoJSONUnmarshalOptions.Unmarshal(msg.Body, typed); err != nil {
			return fmt.Errorf("%w: %T: %w", errspkg.ErrMalformedPayload, prototype, err)
		}

		return handler(ctx, ProtoMessageContext[T]{
			ConsumeContext: cc,
			Payload:        typed,
			Message:        msg,
		})
	}, nil
}

func clonePrototype[T proto.Message](prototype T) (T, error) {
	cloned := proto.Clone(prototype)
	proto.Reset(cloned)

	typed, ok := cloned.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected prototype type %T", cloned)
	}
	return typed, nil
}

// EnsureProtoPrototype returns candidate, or a new zero value of its pointer
// type when candidate is nil.
func EnsureProtoPrototype[T proto.Message](candidate T) (T, error) {
	if !isNilProto(candidate) {
		return candidate, nil
	}

	var zero T
	typ := reflect.TypeOf(candidate)
	if typ == nil {
		return zero, errspkg.ErrConsumeMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return zero, errspkg.ErrConsumeMessagePointerNeeded
	}

	inst := reflect.New(typ.Elem()).Interface()
	typed, ok := inst.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected prototype type %s", typ)
	}
	return typed, nil
}

func isNilProto[T proto.Message](prototype T) bool {
	msg := proto.Message(prototype)
	if msg == nil {
		return true
	}

	val := reflect.ValueOf(msg)
	switch val.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}
