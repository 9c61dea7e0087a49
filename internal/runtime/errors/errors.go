package errors

import sterrors "errors"

var (
	ErrHutchRequired               = sterrors.New("hutch: runtime is required")
	ErrConfigRequired              = sterrors.New("hutch: config is required")
	ErrLoggerRequired              = sterrors.New("hutch: logger is required")
	ErrHandlerRequired             = sterrors.New("hutch: handler function is required")
	ErrHandlerNameRequired         = sterrors.New("hutch: handler name is required")
	ErrDuplicateQueue              = sterrors.New("hutch: queue is already registered")
	ErrAlreadyStarted              = sterrors.New("hutch: handlers cannot be registered after start")
	ErrNotStarted                  = sterrors.New("hutch: runtime is not started")
	ErrRoutingKeyRequired          = sterrors.New("hutch: routing key is required")
	ErrEventPayloadRequired        = sterrors.New("hutch: event payload is required")
	ErrConsumeMessageTypeRequired  = sterrors.New("hutch: consume message type is required")
	ErrConsumeMessagePointerNeeded = sterrors.New("hutch: consume message type must be a pointer")
	ErrInvalidGradient             = sterrors.New("hutch: invalid delay gradient")
	ErrMalformedPayload            = sterrors.New("hutch: message payload cannot be decoded")
)
