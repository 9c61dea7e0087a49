package transport

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the runtime drives. Each consumer
// unit owns one; the default channel is shared by topology and publishing.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// Connection opens channels. One connection serves the topology and
// publisher, and one more is opened per consumed queue.
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// Dialer opens a named connection. The name shows up in the broker
// management UI.
type Dialer func(url, name string) (Connection, error)

// HeartbeatInterval is sent to the broker on every dial.
const HeartbeatInterval = 10 * time.Second

// AmqpDialFactory is the raw amqp091 dial. Tests replace it.
var AmqpDialFactory = func(url string, cfg amqp.Config) (*amqp.Connection, error) {
	return amqp.DialConfig(url, cfg)
}

// Dial connects to RabbitMQ with the connection name set as a client property.
func Dial(url, name string) (Connection, error) {
	props := amqp.NewConnectionProperties()
	if name != "" {
		props.SetClientConnectionName(name)
	}

	conn, err := AmqpDialFactory(url, amqp.Config{
		Heartbeat:  HeartbeatInterval,
		Locale:     "en_US",
		Properties: props,
	})
	if err != nil {
		return nil, err
	}
	return &amqpConnection{conn: conn}, nil
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *amqpConnection) IsClosed() bool {
	return c.conn.IsClosed()
}

func (c *amqpConnection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}
