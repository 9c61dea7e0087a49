package runtime

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	loggingpkg "github.com/drblury/hutch/internal/runtime/logging"
)

// DeliveryContext provides information about a delivery to hooks.
type DeliveryContext struct {
	// HandlerName is the name the handler was registered with.
	HandlerName string
	// Queue is the queue the delivery was consumed from.
	Queue string
	// RoutingKey is the key the delivery was published with.
	RoutingKey string
	// MessageID is the AMQP message-id property, if the publisher set one.
	MessageID string
	// CorrelationID identifies the delivery across retries.
	CorrelationID string
	// Headers contains the message headers.
	Headers amqp.Table
	// Context is the context the handler runs with.
	Context context.Context
	// StartedAt is when the handler was invoked.
	StartedAt time.Time
	// Duration is how long the handler took (only set after it returns).
	Duration time.Duration
	// RetryCount is the number of times this message has been retried.
	RetryCount int
}

// DeliveryHooks defines callbacks for delivery lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type DeliveryHooks struct {
	// OnDeliveryStart is called right before the handler is invoked.
	OnDeliveryStart func(ctx DeliveryContext)

	// OnDeliveryDone is called when the handler returns nil.
	OnDeliveryDone func(ctx DeliveryContext)

	// OnDeliveryError is called whenever the handler fails, including panics,
	// whether or not a retry follows.
	OnDeliveryError func(ctx DeliveryContext, err error)

	// OnRetryExhausted is called once a failed delivery is acknowledged
	// without a further retry. The message is gone from the broker afterwards.
	OnRetryExhausted func(ctx DeliveryContext, err error)
}

// Merge combines two DeliveryHooks, creating a new DeliveryHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h DeliveryHooks) Merge(other DeliveryHooks) DeliveryHooks {
	return DeliveryHooks{
		OnDeliveryStart:  chainHooks(h.OnDeliveryStart, other.OnDeliveryStart),
		OnDeliveryDone:   chainHooks(h.OnDeliveryDone, other.OnDeliveryDone),
		OnDeliveryError:  chainErrorHooks(h.OnDeliveryError, other.OnDeliveryError),
		OnRetryExhausted: chainErrorHooks(h.OnRetryExhausted, other.OnRetryExhausted),
	}
}

func chainHooks(a, b func(DeliveryContext)) func(DeliveryContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(DeliveryContext, error)) func(DeliveryContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func (h DeliveryHooks) start(ctx DeliveryContext) {
	if h.OnDeliveryStart != nil {
		h.OnDeliveryStart(ctx)
	}
}

func (h DeliveryHooks) done(ctx DeliveryContext) {
	if h.OnDeliveryDone != nil {
		h.OnDeliveryDone(ctx)
	}
}

func (h DeliveryHooks) failed(ctx DeliveryContext, err error) {
	if h.OnDeliveryError != nil {
		h.OnDeliveryError(ctx, err)
	}
}

func (h DeliveryHooks) exhausted(ctx DeliveryContext, err error) {
	if h.OnRetryExhausted != nil {
		h.OnRetryExhausted(ctx, err)
	}
}

// LoggingHooks returns pre-built hooks that log delivery lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) DeliveryHooks {
	return DeliveryHooks{
		OnDeliveryStart: func(ctx DeliveryContext) {
			logger.Debug("Delivery started", loggingpkg.LogFields{
				"handler":        ctx.HandlerName,
				"queue":          ctx.Queue,
				"correlation_id": ctx.CorrelationID,
				"retry_count":    ctx.RetryCount,
			})
		},
		OnDeliveryDone: func(ctx DeliveryContext) {
			logger.Debug("Delivery completed", loggingpkg.LogFields{
				"handler":        ctx.HandlerName,
				"queue":          ctx.Queue,
				"correlation_id": ctx.CorrelationID,
				"duration_ms":    ctx.Duration.Milliseconds(),
			})
		},
		OnDeliveryError: func(ctx DeliveryContext, err error) {
			logger.Warn("Delivery failed", loggingpkg.LogFields{
				"handler":        ctx.HandlerName,
				"queue":          ctx.Queue,
				"correlation_id": ctx.CorrelationID,
				"duration_ms":    ctx.Duration.Milliseconds(),
				"retry_count":    ctx.RetryCount,
				"error":          err.Error(),
			})
		},
		OnRetryExhausted: func(ctx DeliveryContext, err error) {
			logger.Error("Delivery dropped after final retry", err, loggingpkg.LogFields{
				"handler":        ctx.HandlerName,
				"queue":          ctx.Queue,
				"correlation_id": ctx.CorrelationID,
				"retry_count":    ctx.RetryCount,
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that report delivery outcomes by handler and queue.
func MetricsHooks(onStart, onDone, onError func(handlerName, queue string)) DeliveryHooks {
	return DeliveryHooks{
		OnDeliveryStart: func(ctx DeliveryContext) {
			if onStart != nil {
				onStart(ctx.HandlerName, ctx.Queue)
			}
		},
		OnDeliveryDone: func(ctx DeliveryContext) {
			if onDone != nil {
				onDone(ctx.HandlerName, ctx.Queue)
			}
		},
		OnDeliveryError: func(ctx DeliveryContext, err error) {
			if onError != nil {
				onError(ctx.HandlerName, ctx.Queue)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts when a message
// is dropped after its last retry.
func AlertingHooks(alertFunc func(ctx DeliveryContext, err error)) DeliveryHooks {
	return DeliveryHooks{
		OnRetryExhausted: alertFunc,
	}
}
