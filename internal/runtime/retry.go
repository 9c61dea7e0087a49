package runtime

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"

	handlerpkg "github.com/drblury/hutch/internal/runtime/handlers"
	metadatapkg "github.com/drblury/hutch/internal/runtime/metadata"
)

// Headers the broker adds while dead-lettering through a delay bucket. They
// describe the previous hop only and are dropped from retry copies.
var deadLetterHeaders = []string{
	metadatapkg.HeaderCC,
	metadatapkg.HeaderDeath,
	"x-first-death-exchange",
	"x-first-death-queue",
	"x-first-death-reason",
	"x-last-death-exchange",
	"x-last-death-queue",
	"x-last-death-reason",
}

// republisher is the part of Publisher a consumer unit needs for retries.
type republisher interface {
	publishMain(ctx context.Context, routingKey string, msg amqp.Publishing) error
	publishDelayed(ctx context.Context, d time.Duration, routingKey string, msg amqp.Publishing) error
}

// retryPublishing copies a failed delivery for the given retry attempt.
func retryPublishing(d amqp.Delivery, retry int, correlationID string) amqp.Publishing {
	headers := metadatapkg.Without(d.Headers, deadLetterHeaders...)
	return amqp.Publishing{
		Headers:         metadatapkg.WithRetryCount(headers, retry),
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    amqp.Persistent,
		Priority:        d.Priority,
		CorrelationId:   correlationID,
		ReplyTo:         d.ReplyTo,
		MessageId:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		AppId:           d.AppId,
		Body:            d.Body,
	}
}

// republishForRetry sends the copy back to the handler's routing key, through
// a delay bucket when the handler asks for a pause before this attempt.
func republishForRetry(ctx context.Context, r republisher, desc *handlerpkg.Descriptor, d amqp.Delivery, retry int, correlationID string) error {
	msg := retryPublishing(d, retry, correlationID)
	if wait := desc.RetryDelayFor(retry); wait > 0 {
		return r.publishDelayed(ctx, wait, desc.RoutingKey, msg)
	}
	return r.publishMain(ctx, desc.RoutingKey, msg)
}

// ExponentialRetryDelay grows the pause by backoff.DefaultMultiplier per
// attempt, starting at initial and capped at maxDelay. The result is later
// rounded up to a delay bucket, so no jitter is applied.
func ExponentialRetryDelay(initial, maxDelay time.Duration) handlerpkg.RetryDelayFunc {
	if maxDelay <= 0 {
		maxDelay = backoff.DefaultMaxInterval
	}
	return func(retry int) time.Duration {
		if retry <= 0 || initial <= 0 {
			return 0
		}
		b := &backoff.ExponentialBackOff{
			InitialInterval:     initial,
			RandomizationFactor: 0,
			Multiplier:          backoff.DefaultMultiplier,
			MaxInterval:         maxDelay,
		}
		b.Reset()
		var next time.Duration
		for i := 0; i < retry; i++ {
			next = b.NextBackOff()
		}
		return next
	}
}

// FixedRetryDelay waits the same duration before every retry.
func FixedRetryDelay(d time.Duration) handlerpkg.RetryDelayFunc {
	return func(int) time.Duration { return d }
}
