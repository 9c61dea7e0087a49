package handlers

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	loggingpkg "github.com/drblury/hutch/internal/runtime/logging"
	metadatapkg "github.com/drblury/hutch/internal/runtime/metadata"
)

// Message is the delivery as seen by a handler. Acknowledgement stays with the
// runtime, so handlers only ever report success or failure.
type Message struct {
	Body            []byte
	Exchange        string
	RoutingKey      string
	ContentType     string
	ContentEncoding string
	MessageID       string
	CorrelationID   string
	Headers         amqp.Table
	Timestamp       time.Time
	Redelivered     bool
}

// NewMessage copies the handler-visible fields of a delivery. Headers are
// cloned so handlers can mutate them freely.
func NewMessage(d amqp.Delivery) *Message {
	return &Message{
		Body:            d.Body,
		Exchange:        d.Exchange,
		RoutingKey:      d.RoutingKey,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		MessageID:       d.MessageId,
		CorrelationID:   d.CorrelationId,
		Headers:         metadatapkg.Clone(d.Headers),
		Timestamp:       d.Timestamp,
		Redelivered:     d.Redelivered,
	}
}

// Text returns the body as a string.
func (m *Message) Text() string {
	return string(m.Body)
}

// ConsumeContext carries the per-delivery state handed to a handler. It is
// built fresh for every delivery and never shared.
type ConsumeContext struct {
	Queue         string
	CorrelationID string
	RetryCount    int
	StartedAt     time.Time
	Logger        loggingpkg.ServiceLogger
}

// Elapsed is the time since the delivery reached the handler.
func (c ConsumeContext) Elapsed() time.Duration {
	return time.Since(c.StartedAt)
}
