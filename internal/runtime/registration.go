package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	errspkg "github.com/drblury/hutch/internal/runtime/errors"
	handlerpkg "github.com/drblury/hutch/internal/runtime/handlers"
	loggingpkg "github.com/drblury/hutch/internal/runtime/logging"
	metadatapkg "github.com/drblury/hutch/internal/runtime/metadata"
)

const (
	DefaultPrefetch    = 2
	DefaultConcurrency = 1
	DefaultMaxRetry    = 1
)

// HandlerRegistration configures one consumer. Zero values pick the defaults:
// the queue is "<app_name>_<lower_snake(Name)>", the routing key equals the
// queue name, Prefetch is 2, Concurrency is 1 and MaxRetry is 1. A negative
// MaxRetry disables retries.
type HandlerRegistration struct {
	Name           string
	Queue          string
	RoutingKey     string
	Prefetch       int
	Concurrency    int
	MaxRetry       int
	QueueArguments amqp.Table
	// Threshold, when set, is consulted before every delivery.
	Threshold handlerpkg.Threshold
	// RetryDelay, when set, routes retries through the delay buckets.
	RetryDelay handlerpkg.RetryDelayFunc
	// LogDuration logs the handler time of every delivery at info level.
	LogDuration bool
	Handler     handlerpkg.Handler
}

// HandlerRef points at a registered handler and enqueues work for it.
type HandlerRef struct {
	h    *Hutch
	desc *handlerpkg.Descriptor
}

// Descriptor returns a copy of the resolved handler configuration.
func (r *HandlerRef) Descriptor() handlerpkg.Descriptor {
	d := *r.desc
	d.QueueArguments = metadatapkg.Clone(r.desc.QueueArguments)
	return d
}

// Queue is the broker queue the handler consumes.
func (r *HandlerRef) Queue() string {
	return r.desc.Queue
}

// Enqueue publishes v as JSON to the handler's routing key.
func (r *HandlerRef) Enqueue(ctx context.Context, v any) {
	r.h.publisher.PublishJSON(ctx, r.desc.RoutingKey, v)
}

// EnqueueIn publishes v as JSON so the handler receives it after d.
func (r *HandlerRef) EnqueueIn(ctx context.Context, d time.Duration, v any) {
	r.h.publisher.PublishJSONWithDelay(ctx, d, r.desc.RoutingKey, v)
}

// RegisterHandler adds a handler. Handlers must be registered before Start and
// every queue can be registered once.
func RegisterHandler(h *Hutch, reg HandlerRegistration) (*HandlerRef, error) {
	if h == nil {
		return nil, errspkg.ErrHutchRequired
	}
	return h.register(reg)
}

func (h *Hutch) register(reg HandlerRegistration) (*HandlerRef, error) {
	desc, err := h.describe(reg)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return nil, errspkg.ErrAlreadyStarted
	}

	h.queuesMu.Lock()
	defer h.queuesMu.Unlock()
	if _, ok := h.byQueue[desc.Queue]; ok {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrDuplicateQueue, desc.Queue)
	}
	q := &registeredQueue{desc: desc, stats: newQueueStats()}
	h.queues = append(h.queues, q)
	h.byQueue[desc.Queue] = q

	h.Logger.Debug("Registered handler", loggingFields(desc))
	return &HandlerRef{h: h, desc: desc}, nil
}

// describe resolves the registration into a Descriptor, applying defaults.
func (h *Hutch) describe(reg HandlerRegistration) (*handlerpkg.Descriptor, error) {
	if reg.Handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}

	name := strings.TrimSpace(reg.Name)
	queue := strings.TrimSpace(reg.Queue)
	if queue == "" {
		if name == "" {
			return nil, errspkg.ErrHandlerNameRequired
		}
		queue = handlerpkg.QueueName(h.Conf.AppName, name)
	}
	if name == "" {
		name = queue
	}

	routingKey := strings.TrimSpace(reg.RoutingKey)
	if routingKey == "" {
		routingKey = queue
	}

	prefetch := reg.Prefetch
	if prefetch <= 0 {
		prefetch = DefaultPrefetch
	}
	concurrency := reg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	maxRetry := reg.MaxRetry
	switch {
	case maxRetry == 0:
		maxRetry = DefaultMaxRetry
	case maxRetry < 0:
		maxRetry = 0
	}

	return &handlerpkg.Descriptor{
		Name:           name,
		Queue:          queue,
		RoutingKey:     routingKey,
		Prefetch:       prefetch,
		Concurrency:    concurrency,
		MaxRetry:       maxRetry,
		QueueArguments: metadatapkg.Clone(reg.QueueArguments),
		Threshold:      reg.Threshold,
		RetryDelay:     reg.RetryDelay,
		LogDuration:    reg.LogDuration,
		Handler:        reg.Handler,
	}, nil
}

func loggingFields(desc *handlerpkg.Descriptor) loggingpkg.LogFields {
	return loggingpkg.LogFields{
		"handler":     desc.Name,
		"queue":       desc.Queue,
		"routing_key": desc.RoutingKey,
		"prefetch":    desc.Prefetch,
		"concurrency": desc.Concurrency,
		"max_retry":   desc.MaxRetry,
	}
}
