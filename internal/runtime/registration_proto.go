package runtime

import (
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/hutch/internal/runtime/errors"
	handlerpkg "github.com/drblury/hutch/internal/runtime/handlers"
)

// ProtoHandlerRegistration registers a handler receiving a protojson payload.
// A nil Prototype is instantiated from T. The embedded Handler field is ignored.
type ProtoHandlerRegistration[T proto.Message] struct {
	HandlerRegistration
	Prototype T
	Handler   handlerpkg.ProtoMessageHandler[T]
}

// RegisterProtoHandler decodes every body into a clone of the prototype
// before calling the handler. Name defaults to the proto message name.
func RegisterProtoHandler[T proto.Message](h *Hutch, reg ProtoHandlerRegistration[T]) (*HandlerRef, error) {
	if h == nil {
		return nil, errspkg.ErrHutchRequired
	}

	prototype, err := handlerpkg.EnsureProtoPrototype(reg.Prototype)
	if err != nil {
		return nil, err
	}
	wrapped, err := handlerpkg.BuildProtoHandler(prototype, reg.Handler)
	if err != nil {
		return nil, err
	}

	base := reg.HandlerRegistration
	if base.Name == "" && base.Queue == "" {
		base.Name = string(prototype.ProtoReflect().Descriptor().Name())
	}
	base.Handler = wrapped
	return h.register(base)
}
