// Package threshold caps how fast a queue may take deliveries. A denied
// delivery is requeued by the consumer without running the handler.
package threshold

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

// ErrInvalidLimit is returned when a rate or burst is not positive.
var ErrInvalidLimit = errors.New("hutch: threshold rate and burst must be positive")

// ErrRedisClientRequired is returned by NewRedis when no client is given.
var ErrRedisClientRequired = errors.New("hutch: redis client is required")

// Limit is a token bucket: Rate tokens per second, at most Burst at once.
type Limit struct {
	Rate  float64
	Burst int
}

func (l Limit) validate() error {
	if l.Rate <= 0 || l.Burst <= 0 {
		return ErrInvalidLimit
	}
	return nil
}

// Rate limits each queue inside the current process.
type Rate struct {
	limit Limit

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRate builds a process-local threshold. Every queue gets its own bucket.
func NewRate(limit Limit) (*Rate, error) {
	if err := limit.validate(); err != nil {
		return nil, err
	}
	return &Rate{limit: limit, limiters: make(map[string]*rate.Limiter)}, nil
}

func (r *Rate) Allow(_ context.Context, queue string) (bool, error) {
	return r.limiter(queue).Allow(), nil
}

func (r *Rate) limiter(queue string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.limiters[queue]
	if !ok {
		l = rate.NewLimiter(rate.Limit(r.limit.Rate), r.limit.Burst)
		r.limiters[queue] = l
	}
	return l
}
