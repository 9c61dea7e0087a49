package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/hutch/internal/runtime/errors"
	handlerpkg "github.com/drblury/hutch/internal/runtime/handlers"
	idspkg "github.com/drblury/hutch/internal/runtime/ids"
	loggingpkg "github.com/drblury/hutch/internal/runtime/logging"
	metadatapkg "github.com/drblury/hutch/internal/runtime/metadata"
	transportpkg "github.com/drblury/hutch/internal/runtime/transport"
)

// UnitState is the lifecycle position of a consumer unit.
type UnitState int32

const (
	UnitCreated UnitState = iota
	UnitSubscribed
	UnitDelivering
	UnitIdle
	UnitCancelled
)

func (s UnitState) String() string {
	switch s {
	case UnitCreated:
		return "created"
	case UnitSubscribed:
		return "subscribed"
	case UnitDelivering:
		return "delivering"
	case UnitIdle:
		return "idle"
	case UnitCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("UnitState(%d)", int32(s))
	}
}

// unitEnv holds what every unit of one queue shares.
type unitEnv struct {
	retrier         republisher
	hooks           DeliveryHooks
	metrics         *Metrics
	stats           *QueueStats
	tracer          trace.Tracer
	propagator      propagation.TextMapPropagator
	logger          loggingpkg.ServiceLogger
	thresholdPause  time.Duration
	shutdownTimeout time.Duration
}

// consumerUnit is one channel plus one consumer tag on a handler queue.
// Deliveries on a unit are handled strictly one at a time.
type consumerUnit struct {
	index  int
	tag    string
	desc   *handlerpkg.Descriptor
	env    *unitEnv
	logger loggingpkg.ServiceLogger

	ch         transportpkg.Channel
	deliveries <-chan amqp.Delivery

	state      atomic.Int32
	cancelling atomic.Bool
	stopping   chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
}

func newConsumerUnit(desc *handlerpkg.Descriptor, index int, env *unitEnv) *consumerUnit {
	tag := idspkg.ConsumerTag(desc.Queue, index)
	return &consumerUnit{
		index:    index,
		tag:      tag,
		desc:     desc,
		env:      env,
		logger:   env.logger.With(loggingpkg.LogFields{"queue": desc.Queue, "consumer_tag": tag}),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (u *consumerUnit) State() UnitState {
	return UnitState(u.state.Load())
}

func (u *consumerUnit) setState(s UnitState) {
	u.state.Store(int32(s))
}

// subscribe opens the unit's channel, checks that the queue exists, applies
// the prefetch window and registers the consumer. On failure the channel is
// closed and the shared connection is left alone.
func (u *consumerUnit) subscribe(conn transportpkg.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	fail := func(step string, err error) error {
		_ = ch.Close()
		return fmt.Errorf("%s: %w", step, err)
	}

	if _, err := ch.QueueDeclarePassive(u.desc.Queue, true, false, false, false, nil); err != nil {
		return fail("verify queue", err)
	}
	if err := ch.Qos(u.desc.Prefetch, 0, false); err != nil {
		return fail("set prefetch", err)
	}
	deliveries, err := ch.Consume(u.desc.Queue, u.tag, false, false, false, false, nil)
	if err != nil {
		return fail("consume", err)
	}

	u.ch = ch
	u.deliveries = deliveries
	u.setState(UnitSubscribed)
	return nil
}

// run handles deliveries until the channel closes.
func (u *consumerUnit) run(ctx context.Context) {
	defer close(u.done)
	for d := range u.deliveries {
		u.handle(ctx, d)
	}
	if !u.cancelling.Load() {
		u.logger.Warn("Delivery channel closed by broker", nil)
		u.setState(UnitCancelled)
	}
}

func (u *consumerUnit) handle(ctx context.Context, d amqp.Delivery) {
	if u.cancelling.Load() {
		u.nack(d, OutcomeRequeued)
		return
	}

	u.setState(UnitDelivering)
	defer u.setState(UnitIdle)

	if !u.admit(ctx, d) {
		return
	}

	startedAt := time.Now()
	correlationID := metadatapkg.CorrelationID(d)
	retry := metadatapkg.RetryCount(d.Headers)
	logger := u.logger.With(loggingpkg.LogFields{
		"correlation_id": correlationID,
		"retry_count":    retry,
	})

	msgCtx := u.env.propagator.Extract(ctx, metadatapkg.TableCarrier(d.Headers))
	msgCtx, span := u.env.tracer.Start(msgCtx, "hutch.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", u.desc.Queue),
			attribute.String("messaging.rabbitmq.destination.routing_key", d.RoutingKey),
			attribute.String("messaging.message.id", d.MessageId),
			attribute.String("messaging.message.conversation_id", correlationID),
			attribute.Int("hutch.retry_count", retry),
		),
	)
	defer span.End()

	cc := handlerpkg.ConsumeContext{
		Queue:         u.desc.Queue,
		CorrelationID: correlationID,
		RetryCount:    retry,
		StartedAt:     startedAt,
		Logger:        logger,
	}
	dc := DeliveryContext{
		HandlerName:   u.desc.Name,
		Queue:         u.desc.Queue,
		RoutingKey:    d.RoutingKey,
		MessageID:     d.MessageId,
		CorrelationID: correlationID,
		Headers:       d.Headers,
		Context:       msgCtx,
		StartedAt:     startedAt,
		RetryCount:    retry,
	}

	u.env.hooks.start(dc)
	u.env.stats.onStart()
	err := u.invoke(msgCtx, cc, handlerpkg.NewMessage(d))
	dc.Duration = time.Since(startedAt)
	u.env.stats.onFinish(dc.Duration, err)

	if u.desc.LogDuration {
		logger.Info("Handled delivery", loggingpkg.LogFields{
			"duration_ms": dc.Duration.Milliseconds(),
			"success":     err == nil,
		})
	}

	if err == nil {
		u.env.hooks.done(dc)
		span.SetStatus(codes.Ok, "")
		u.ack(d, OutcomeAcked, dc.Duration)
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	u.env.hooks.failed(dc, err)
	u.onFailure(msgCtx, logger, d, dc, err)
}

// onFailure applies the retry policy: republish a copy with the next retry
// count and ack the original, or ack and drop once retries are used up.
// A body that cannot be decoded is dropped right away.
func (u *consumerUnit) onFailure(ctx context.Context, logger loggingpkg.ServiceLogger, d amqp.Delivery, dc DeliveryContext, err error) {
	if errors.Is(err, errspkg.ErrMalformedPayload) {
		logger.Error("Dropping undecodable delivery", err, loggingpkg.LogFields{
			"content_type": d.ContentType,
		})
		u.ack(d, OutcomeExhausted, dc.Duration)
		u.env.hooks.exhausted(dc, err)
		return
	}
	if dc.RetryCount < u.desc.MaxRetry {
		next := dc.RetryCount + 1
		if pubErr := republishForRetry(ctx, u.env.retrier, u.desc, d, next, dc.CorrelationID); pubErr != nil {
			logger.Error("Failed to republish for retry, requeueing delivery", pubErr, loggingpkg.LogFields{
				"handler_error": err.Error(),
			})
			u.nack(d, OutcomeRequeued)
			return
		}
		logger.Warn("Handler failed, retry scheduled", loggingpkg.LogFields{
			"error":      err.Error(),
			"next_retry": next,
			"max_retry":  u.desc.MaxRetry,
		})
		u.ack(d, OutcomeRetried, dc.Duration)
		return
	}

	logger.Error("Handler failed, retries exhausted", err, loggingpkg.LogFields{
		"max_retry": u.desc.MaxRetry,
	})
	u.ack(d, OutcomeExhausted, dc.Duration)
	u.env.hooks.exhausted(dc, err)
}

// admit asks the queue's threshold whether the delivery may run. A denied
// delivery is requeued and the unit pauses before taking the next one.
// Threshold errors let the delivery through.
func (u *consumerUnit) admit(ctx context.Context, d amqp.Delivery) bool {
	th := u.desc.Threshold
	if th == nil {
		return true
	}
	ok, err := th.Allow(ctx, u.desc.Queue)
	if err != nil {
		u.logger.Error("Threshold check failed, allowing delivery", err, nil)
		return true
	}
	if ok {
		return true
	}

	u.nack(d, OutcomeThrottled)
	u.pause(u.env.thresholdPause)
	return false
}

func (u *consumerUnit) pause(d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-u.stopping:
	}
}

func (u *consumerUnit) invoke(ctx context.Context, cc handlerpkg.ConsumeContext, msg *handlerpkg.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hutch: handler panic: %v", r)
			cc.Logger.Error("Handler panicked", err, loggingpkg.LogFields{
				"stack": string(debug.Stack()),
			})
		}
	}()
	return u.desc.Handler.OnMessage(ctx, cc, msg)
}

func (u *consumerUnit) ack(d amqp.Delivery, outcome string, duration time.Duration) {
	if err := d.Ack(false); err != nil {
		u.logger.Error("Failed to ack delivery", err, loggingpkg.LogFields{"delivery_tag": d.DeliveryTag})
	}
	u.settled(outcome, duration)
}

func (u *consumerUnit) nack(d amqp.Delivery, outcome string) {
	if err := d.Nack(false, true); err != nil {
		u.logger.Error("Failed to requeue delivery", err, loggingpkg.LogFields{"delivery_tag": d.DeliveryTag})
	}
	u.settled(outcome, 0)
}

func (u *consumerUnit) settled(outcome string, duration time.Duration) {
	u.env.metrics.ObserveDelivery(u.desc.Queue, outcome, duration)
	u.env.stats.onSettled(outcome)
}

// cancel stops the broker from sending more deliveries, waits up to timeout
// for the delivery in progress and closes the channel. Deliveries still
// buffered after the cancel are requeued. Safe to call more than once.
func (u *consumerUnit) cancel(timeout time.Duration) error {
	var errs []error
	u.stopOnce.Do(func() {
		u.cancelling.Store(true)
		close(u.stopping)
		if u.ch == nil {
			u.setState(UnitCancelled)
			return
		}

		closed := false
		if err := u.ch.Cancel(u.tag, false); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", u.tag, err))
			// Closing the channel ends the delivery stream so run can return.
			closed = true
			if err := u.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				errs = append(errs, fmt.Errorf("close %s: %w", u.tag, err))
			}
		}

		if !u.wait(timeout) {
			u.logger.Warn("Shutdown timeout reached with a delivery in flight", loggingpkg.LogFields{
				"timeout": timeout.String(),
			})
		}

		if !closed {
			if err := u.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				errs = append(errs, fmt.Errorf("close %s: %w", u.tag, err))
			}
		}
		u.setState(UnitCancelled)
	})
	return errors.Join(errs...)
}

// wait blocks until run returns or timeout elapses. A non-positive timeout waits forever.
func (u *consumerUnit) wait(timeout time.Duration) bool {
	if timeout <= 0 {
		<-u.done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-u.done:
		return true
	case <-timer.C:
		return false
	}
}
