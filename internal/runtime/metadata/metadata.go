package metadata

import (
	"fmt"
	"math"
	"strconv"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Header keys reserved by the runtime.
const (
	// HeaderRetryCount carries how many times a message has been republished
	// after a handler failure.
	HeaderRetryCount = "x-retry-count"

	// HeaderCorrelationID is consulted when the AMQP correlation-id property is empty.
	HeaderCorrelationID = "x-correlation-id"

	// HeaderCC lists extra routing keys (sender-selected distribution). Delayed
	// publishes keep the final routing key here so dead-lettering can restore it.
	HeaderCC = "CC"

	// HeaderDeath is added by the broker on every dead-letter hop.
	HeaderDeath = "x-death"
)

func cloneWithExtra(h amqp.Table, extra int) amqp.Table {
	cloned := make(amqp.Table, len(h)+extra)
	for k, v := range h {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the header table. A nil table yields an empty one.
func Clone(h amqp.Table) amqp.Table {
	return cloneWithExtra(h, 0)
}

// Without returns a copy of h with the supplied keys removed.
func Without(h amqp.Table, keys ...string) amqp.Table {
	cloned := Clone(h)
	for _, k := range keys {
		delete(cloned, k)
	}
	return cloned
}

// RetryCount reads the retry header. Missing, negative or unparseable values count as zero.
func RetryCount(h amqp.Table) int {
	if h == nil {
		return 0
	}
	val, ok := h[HeaderRetryCount]
	if !ok {
		return 0
	}

	var n int64
	switch v := val.(type) {
	case int:
		n = int64(v)
	case int8:
		n = int64(v)
	case int16:
		n = int64(v)
	case int32:
		n = int64(v)
	case int64:
		n = v
	case uint8:
		n = int64(v)
	case uint16:
		n = int64(v)
	case uint32:
		n = int64(v)
	case float32:
		n = int64(v)
	case float64:
		n = int64(v)
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0
		}
		n = parsed
	default:
		return 0
	}

	if n < 0 {
		return 0
	}
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(n)
}

// WithRetryCount returns a copy of h carrying the given retry count.
func WithRetryCount(h amqp.Table, n int) amqp.Table {
	cloned := cloneWithExtra(h, 1)
	cloned[HeaderRetryCount] = int64(n)
	return cloned
}

// WithCC returns a copy of h routing additionally to the supplied keys.
func WithCC(h amqp.Table, keys ...string) amqp.Table {
	cloned := cloneWithExtra(h, 1)
	cc := make([]interface{}, len(keys))
	for i, k := range keys {
		cc[i] = k
	}
	cloned[HeaderCC] = cc
	return cloned
}

// CCKeys lists the routing keys in the CC header.
func CCKeys(h amqp.Table) []string {
	raw, ok := h[HeaderCC].([]interface{})
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		if s, ok := k.(string); ok {
			keys = append(keys, s)
		}
	}
	return keys
}

// CorrelationID resolves the correlation id of a delivery: the AMQP property
// first, then the x-correlation-id header.
func CorrelationID(d amqp.Delivery) string {
	if d.CorrelationId != "" {
		return d.CorrelationId
	}
	switch v := d.Headers[HeaderCorrelationID].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// TableCarrier adapts an amqp.Table so OpenTelemetry propagators can read and
// write trace context in message headers.
type TableCarrier amqp.Table

func (c TableCarrier) Get(key string) string {
	switch v := c[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func (c TableCarrier) Set(key, value string) {
	c[key] = value
}

func (c TableCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
