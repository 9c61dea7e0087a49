package runtime

import (
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/hutch/internal/runtime/delay"
	handlerpkg "github.com/drblury/hutch/internal/runtime/handlers"
	loggingpkg "github.com/drblury/hutch/internal/runtime/logging"
	metadatapkg "github.com/drblury/hutch/internal/runtime/metadata"
	transportpkg "github.com/drblury/hutch/internal/runtime/transport"
)

// Topology declares the exchanges and queues the runtime relies on. All
// declarations are idempotent on the broker side.
type Topology struct {
	exchange  string
	bucketing *delay.Bucketing
	delayTTL  time.Duration
	logger    loggingpkg.ServiceLogger
}

func newTopology(exchange string, bucketing *delay.Bucketing, delayTTL time.Duration, logger loggingpkg.ServiceLogger) *Topology {
	return &Topology{
		exchange:  exchange,
		bucketing: bucketing,
		delayTTL:  delayTTL,
		logger:    logger,
	}
}

// Declare sets up the main exchange, the schedule exchange and one delay
// queue per bucket. A failed declaration is logged and the rest are still
// attempted; the joined errors are returned.
func (t *Topology) Declare(conn transportpkg.Connection) error {
	d := &declarer{conn: conn, logger: t.logger}
	defer d.close()

	d.run("exchange "+t.exchange, func(ch transportpkg.Channel) error {
		return ch.ExchangeDeclare(t.exchange, amqp.ExchangeTopic, true, false, false, false, nil)
	})
	d.run("exchange "+t.bucketing.Exchange(), func(ch transportpkg.Channel) error {
		return ch.ExchangeDeclare(t.bucketing.Exchange(), amqp.ExchangeTopic, true, false, false, false, nil)
	})

	for _, bucket := range t.bucketing.Buckets() {
		queue := t.bucketing.QueueName(bucket)
		key := t.bucketing.RoutingKey(bucket)
		d.run("delay queue "+queue, func(ch transportpkg.Channel) error {
			if _, err := ch.QueueDeclare(queue, true, false, false, false, t.delayQueueArgs()); err != nil {
				return err
			}
			return ch.QueueBind(queue, key, t.bucketing.Exchange(), false, nil)
		})
	}

	return d.err()
}

// DeclareQueue declares the durable queue for a handler and binds it to the
// main exchange with the handler's routing key.
func (t *Topology) DeclareQueue(conn transportpkg.Connection, desc *handlerpkg.Descriptor) error {
	d := &declarer{conn: conn, logger: t.logger}
	defer d.close()

	d.run("queue "+desc.Queue, func(ch transportpkg.Channel) error {
		if _, err := ch.QueueDeclare(desc.Queue, true, false, false, false, metadatapkg.Clone(desc.QueueArguments)); err != nil {
			return err
		}
		return ch.QueueBind(desc.Queue, desc.RoutingKey, t.exchange, false, nil)
	})
	return d.err()
}

func (t *Topology) delayQueueArgs() amqp.Table {
	args := amqp.Table{
		"x-dead-letter-exchange": t.exchange,
	}
	if t.delayTTL > 0 {
		args["x-message-ttl"] = t.delayTTL.Milliseconds()
	}
	return args
}

// declarer runs declarations on a scratch channel. A broker-side declaration
// error closes the channel, so the next step opens a fresh one.
type declarer struct {
	conn   transportpkg.Connection
	ch     transportpkg.Channel
	logger loggingpkg.ServiceLogger
	errs   []error
}

func (d *declarer) run(what string, fn func(ch transportpkg.Channel) error) {
	if d.ch == nil || d.ch.IsClosed() {
		ch, err := d.conn.Channel()
		if err != nil {
			d.fail(what, fmt.Errorf("open channel: %w", err))
			return
		}
		d.ch = ch
	}
	if err := fn(d.ch); err != nil {
		_ = d.ch.Close()
		d.ch = nil
		d.fail(what, err)
		return
	}
	d.logger.Debug("Declared "+what, nil)
}

func (d *declarer) fail(what string, err error) {
	err = fmt.Errorf("declare %s: %w", what, err)
	d.logger.Error("Topology declaration failed", err, loggingpkg.LogFields{"target": what})
	d.errs = append(d.errs, err)
}

func (d *declarer) close() {
	if d.ch != nil && !d.ch.IsClosed() {
		_ = d.ch.Close()
	}
}

func (d *declarer) err() error {
	return errors.Join(d.errs...)
}
