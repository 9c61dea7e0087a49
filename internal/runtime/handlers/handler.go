package handlers

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one delivery. A nil error acknowledges the message, a
// non-nil error hands it to the retry policy.
type Handler interface {
	OnMessage(ctx context.Context, cc ConsumeContext, msg *Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, cc ConsumeContext, msg *Message) error

func (f HandlerFunc) OnMessage(ctx context.Context, cc ConsumeContext, msg *Message) error {
	return f(ctx, cc, msg)
}

// Threshold decides whether a queue may take another delivery right now.
// A false result requeues the delivery without running the handler.
type Threshold interface {
	Allow(ctx context.Context, queue string) (bool, error)
}

// RetryDelayFunc returns how long to wait before the given retry attempt.
// Zero or negative republishes immediately.
type RetryDelayFunc func(retry int) time.Duration

// Descriptor is the resolved, immutable configuration of one registered handler.
type Descriptor struct {
	Name           string
	Queue          string
	RoutingKey     string
	Prefetch       int
	Concurrency    int
	MaxRetry       int
	QueueArguments amqp.Table
	Threshold      Threshold
	RetryDelay     RetryDelayFunc
	LogDuration    bool
	Handler        Handler
}

// RetryDelayFor evaluates RetryDelay, treating a nil func as no delay.
func (d *Descriptor) RetryDelayFor(retry int) time.Duration {
	if d.RetryDelay == nil {
		return 0
	}
	return d.RetryDelay(retry)
}
