package runtime

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/hutch/internal/runtime/delay"
	errspkg "github.com/drblury/hutch/internal/runtime/errors"
	idspkg "github.com/drblury/hutch/internal/runtime/ids"
	"github.com/drblury/hutch/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/hutch/internal/runtime/logging"
	metadatapkg "github.com/drblury/hutch/internal/runtime/metadata"
	transportpkg "github.com/drblury/hutch/internal/runtime/transport"
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeText = "text/plain"
	ContentEncoding = "UTF-8"
)

var protoJSONMarshalOptions = protojson.MarshalOptions{
	EmitUnpopulated: true,
}

// Publisher sends messages over the default channel. Publishes from any
// goroutine are serialized onto that one channel. The exported methods are
// fire-and-forget: failures are logged and counted, never returned.
type Publisher struct {
	mu   sync.Mutex
	conn transportpkg.Connection
	ch   transportpkg.Channel

	exchange   string
	bucketing  *delay.Bucketing
	codec      jsoncodec.Codec
	logger     loggingpkg.ServiceLogger
	metrics    *Metrics
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

func newPublisher(exchange string, bucketing *delay.Bucketing, codec jsoncodec.Codec, logger loggingpkg.ServiceLogger, metrics *Metrics, tracer trace.Tracer, propagator propagation.TextMapPropagator) *Publisher {
	return &Publisher{
		exchange:   exchange,
		bucketing:  bucketing,
		codec:      codec,
		logger:     logger,
		metrics:    metrics,
		tracer:     tracer,
		propagator: propagator,
	}
}

// attach opens the default channel on conn.
func (p *Publisher) attach(conn transportpkg.Connection) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	p.conn = conn
	p.ch = ch
	return nil
}

// detach closes the default channel. Publishing afterwards fails with ErrNotStarted.
func (p *Publisher) detach() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := p.ch
	p.ch = nil
	p.conn = nil
	if ch == nil || ch.IsClosed() {
		return nil
	}
	if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}

// channelLocked returns the default channel, reopening it when the broker closed it.
func (p *Publisher) channelLocked() (transportpkg.Channel, error) {
	if p.conn == nil {
		return nil, errspkg.ErrNotStarted
	}
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, err
	}
	p.logger.Debug("Reopened default channel", nil)
	p.ch = ch
	return ch, nil
}

// Publish sends msg to the main exchange with the given routing key.
func (p *Publisher) Publish(ctx context.Context, routingKey string, msg amqp.Publishing) {
	p.report(routingKey, p.publish(ctx, p.exchange, routingKey, msg))
}

// PublishText sends a plain text body.
func (p *Publisher) PublishText(ctx context.Context, routingKey, body string) {
	p.Publish(ctx, routingKey, amqp.Publishing{
		ContentType:     ContentTypeText,
		ContentEncoding: ContentEncoding,
		Body:            []byte(body),
	})
}

// PublishJSON encodes v with the configured codec and publishes it.
func (p *Publisher) PublishJSON(ctx context.Context, routingKey string, v any) {
	msg, err := p.jsonPublishing(v)
	if err != nil {
		p.report(routingKey, err)
		return
	}
	p.Publish(ctx, routingKey, msg)
}

// PublishProto encodes m as protojson and publishes it. The message type name
// is carried in the AMQP type property.
func (p *Publisher) PublishProto(ctx context.Context, routingKey string, m proto.Message) {
	msg, err := protoPublishing(m)
	if err != nil {
		p.report(routingKey, err)
		return
	}
	p.Publish(ctx, routingKey, msg)
}

// PublishWithDelay parks msg in the smallest delay bucket not shorter than d.
// When the bucket expires the message is routed to routingKey on the main
// exchange. Delays above the largest bucket are clamped to it.
func (p *Publisher) PublishWithDelay(ctx context.Context, d time.Duration, routingKey string, msg amqp.Publishing) {
	p.report(routingKey, p.publishDelayed(ctx, d, routingKey, msg))
}

// PublishJSONWithDelay combines PublishJSON and PublishWithDelay.
func (p *Publisher) PublishJSONWithDelay(ctx context.Context, d time.Duration, routingKey string, v any) {
	msg, err := p.jsonPublishing(v)
	if err != nil {
		p.report(routingKey, err)
		return
	}
	p.PublishWithDelay(ctx, d, routingKey, msg)
}

func (p *Publisher) report(routingKey string, err error) {
	if err == nil {
		return
	}
	p.logger.Error("Failed to publish message", err, loggingpkg.LogFields{
		"routing_key": routingKey,
	})
}

func (p *Publisher) jsonPublishing(v any) (amqp.Publishing, error) {
	if v == nil {
		return amqp.Publishing{}, errspkg.ErrEventPayloadRequired
	}
	body, err := p.codec.Marshal(v)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{ContentType: ContentTypeJSON, ContentEncoding: ContentEncoding, Body: body}, nil
}

func protoPublishing(m proto.Message) (amqp.Publishing, error) {
	if m == nil {
		return amqp.Publishing{}, errspkg.ErrEventPayloadRequired
	}
	body, err := protoJSONMarshalOptions.Marshal(m)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:     ContentTypeJSON,
		ContentEncoding: ContentEncoding,
		Type:            string(proto.MessageName(m)),
		Body:            body,
	}, nil
}

// publishDelayed routes msg through the schedule exchange. The final routing
// key travels in the CC header, which dead-lettering preserves.
func (p *Publisher) publishDelayed(ctx context.Context, d time.Duration, routingKey string, msg amqp.Publishing) error {
	if routingKey == "" {
		return errspkg.ErrRoutingKeyRequired
	}
	bucket := p.bucketing.Resolve(d)
	msg.Headers = metadatapkg.WithCC(msg.Headers, routingKey)
	msg.Expiration = strconv.FormatInt(bucket.Milliseconds(), 10)

	if err := p.publish(ctx, p.bucketing.Exchange(), p.bucketing.RoutingKey(bucket), msg); err != nil {
		return err
	}
	p.metrics.ObserveDelayed(bucket)
	return nil
}

// publishMain sends to the main exchange and reports the error to the caller.
func (p *Publisher) publishMain(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	return p.publish(ctx, p.exchange, routingKey, msg)
}

func (p *Publisher) publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if routingKey == "" {
		return errspkg.ErrRoutingKeyRequired
	}
	if ctx == nil {
		ctx = context.Background()
	}
	msg = preparePublishing(msg)

	ctx, span := p.tracer.Start(ctx, "hutch.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
			attribute.String("messaging.message.id", msg.MessageId),
		),
	)
	defer span.End()
	p.propagator.Inject(ctx, metadatapkg.TableCarrier(msg.Headers))

	p.mu.Lock()
	err := p.publishLocked(ctx, exchange, routingKey, msg)
	p.mu.Unlock()

	p.metrics.ObservePublish(exchange, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	p.logger.Trace("Published message", loggingpkg.LogFields{
		"exchange":    exchange,
		"routing_key": routingKey,
		"message_id":  msg.MessageId,
	})
	return nil
}

func (p *Publisher) publishLocked(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.channelLocked()
	if err != nil {
		return err
	}
	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		if ch.IsClosed() {
			p.ch = nil
		}
		return err
	}
	return nil
}

// preparePublishing fills the properties every outgoing message carries.
func preparePublishing(msg amqp.Publishing) amqp.Publishing {
	msg.Headers = metadatapkg.Clone(msg.Headers)
	if msg.MessageId == "" {
		msg.MessageId = idspkg.CreateULID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.DeliveryMode == 0 {
		msg.DeliveryMode = amqp.Persistent
	}
	return msg
}
