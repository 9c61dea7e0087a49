// Package delay maps requested delays onto a fixed set of TTL buckets.
//
// Each bucket is backed by one broker queue whose messages expire after the
// bucket duration and are dead-lettered back onto the main exchange, so a
// delayed message is delivered no earlier than its bucket and never earlier
// than requested unless the request exceeds the largest bucket.
package delay

import (
	"fmt"
	"sort"
	"time"

	errspkg "github.com/drblury/hutch/internal/runtime/errors"
)

// DefaultGradient spans 5 seconds to 3 hours.
var DefaultGradient = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	180 * time.Second,
	240 * time.Second,
	300 * time.Second,
	360 * time.Second,
	420 * time.Second,
	480 * time.Second,
	540 * time.Second,
	600 * time.Second,
	1200 * time.Second,
	1800 * time.Second,
	2400 * time.Second,
	3000 * time.Second,
	3600 * time.Second,
	7200 * time.Second,
	10800 * time.Second,
}

// ValidateGradient reports whether g is non-empty, positive, whole seconds
// and strictly ascending.
func ValidateGradient(g []time.Duration) error {
	if len(g) == 0 {
		return fmt.Errorf("%w: at least one bucket is required", errspkg.ErrInvalidGradient)
	}
	for i, d := range g {
		if d <= 0 {
			return fmt.Errorf("%w: bucket %d must be positive, got %s", errspkg.ErrInvalidGradient, i, d)
		}
		if d%time.Second != 0 {
			return fmt.Errorf("%w: bucket %d must be whole seconds, got %s", errspkg.ErrInvalidGradient, i, d)
		}
		if i > 0 && d <= g[i-1] {
			return fmt.Errorf("%w: buckets must be strictly ascending (%s after %s)", errspkg.ErrInvalidGradient, d, g[i-1])
		}
	}
	return nil
}

// ResolveBucket returns the smallest bucket not shorter than d, or the largest
// bucket when d exceeds every bucket. Negative delays count as zero. The
// gradient must be valid.
func ResolveBucket(gradient []time.Duration, d time.Duration) time.Duration {
	if d < 0 {
		d = 0
	}
	idx := sort.Search(len(gradient), func(i int) bool { return gradient[i] >= d })
	if idx == len(gradient) {
		return gradient[len(gradient)-1]
	}
	return gradient[idx]
}

// Bucketing binds a validated gradient to the schedule exchange and the delay
// queue naming scheme.
type Bucketing struct {
	gradient    []time.Duration
	exchange    string
	queuePrefix string
}

// NewBucketing copies the gradient, so later changes to the input have no effect.
func NewBucketing(scheduleExchange, queuePrefix string, gradient []time.Duration) (*Bucketing, error) {
	if err := ValidateGradient(gradient); err != nil {
		return nil, err
	}
	g := make([]time.Duration, len(gradient))
	copy(g, gradient)
	return &Bucketing{gradient: g, exchange: scheduleExchange, queuePrefix: queuePrefix}, nil
}

// Resolve is ResolveBucket over the bound gradient.
func (b *Bucketing) Resolve(d time.Duration) time.Duration {
	return ResolveBucket(b.gradient, d)
}

// RoutingKey is the schedule exchange key for bucket, e.g. "hutch.schedule.60s".
func (b *Bucketing) RoutingKey(bucket time.Duration) string {
	return RoutingKey(b.exchange, bucket)
}

// QueueName is the delay queue for bucket, e.g. "hutch_delay_queue_60s".
func (b *Bucketing) QueueName(bucket time.Duration) string {
	return fmt.Sprintf("%s_%ds", b.queuePrefix, seconds(bucket))
}

// Buckets returns a copy of the gradient.
func (b *Bucketing) Buckets() []time.Duration {
	out := make([]time.Duration, len(b.gradient))
	copy(out, b.gradient)
	return out
}

// Exchange is the schedule exchange the buckets are bound to.
func (b *Bucketing) Exchange() string {
	return b.exchange
}

// RoutingKey formats "<scheduleExchange>.<seconds>s".
func RoutingKey(scheduleExchange string, bucket time.Duration) string {
	return fmt.Sprintf("%s.%ds", scheduleExchange, seconds(bucket))
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
