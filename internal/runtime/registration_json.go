package runtime

import (
	errspkg "github.com/drblury/hutch/internal/runtime/errors"
	handlerpkg "github.com/drblury/hutch/internal/runtime/handlers"
)

// JSONHandlerRegistration registers a handler receiving a decoded JSON
// payload. T must be a pointer type. The embedded Handler field is ignored.
type JSONHandlerRegistration[T any] struct {
	HandlerRegistration
	Handler handlerpkg.JSONMessageHandler[T]
}

// RegisterJSONHandler decodes every body into a fresh T with the Hutch's JSON
// codec before calling the handler. Bodies that fail to decode count as
// handler failures.
func RegisterJSONHandler[T any](h *Hutch, reg JSONHandlerRegistration[T]) (*HandlerRef, error) {
	if h == nil {
		return nil, errspkg.ErrHutchRequired
	}

	wrapped, err := handlerpkg.BuildJSONHandler(reg.Handler, h.codec)
	if err != nil {
		return nil, err
	}

	base := reg.HandlerRegistration
	base.Handler = wrapped
	return h.register(base)
}
