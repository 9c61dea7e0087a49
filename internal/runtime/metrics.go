package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Delivery outcomes recorded by Metrics.
const (
	OutcomeAcked     = "acked"
	OutcomeRetried   = "retried"
	OutcomeExhausted = "exhausted"
	OutcomeRequeued  = "requeued"
	OutcomeThrottled = "throttled"
)

// Publish outcomes recorded by Metrics.
const (
	PublishOK     = "ok"
	PublishFailed = "failed"
)

// Metrics exposes the runtime's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	mu sync.Mutex

	deliveriesTotal *prometheus.CounterVec
	handleSeconds   *prometheus.HistogramVec
	activeUnits     *prometheus.GaugeVec
	publishedTotal  *prometheus.CounterVec
	delayedTotal    *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

// newHutchCounterVec creates a new counter vec with the hutch namespace.
func newHutchCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hutch",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// newHutchGaugeVec creates a new gauge vec with the hutch namespace.
func newHutchGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hutch",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// newHutchHistogramVec creates a new histogram vec with the hutch namespace.
func newHutchHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hutch",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewMetrics creates the collectors. Call Register to expose them.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:      registerer,
		deliveriesTotal: newHutchCounterVec("consumer", "deliveries_total", "Deliveries settled by the consumer, by outcome", []string{"queue", "outcome"}),
		handleSeconds:   newHutchHistogramVec("consumer", "handle_seconds", "Time spent in the handler per delivery", prometheus.DefBuckets, []string{"queue"}),
		activeUnits:     newHutchGaugeVec("consumer", "active_units", "Consumer units currently subscribed", []string{"queue"}),
		publishedTotal:  newHutchCounterVec("publisher", "messages_total", "Messages published, by outcome", []string{"exchange", "outcome"}),
		delayedTotal:    newHutchCounterVec("publisher", "delayed_total", "Messages routed through a delay bucket", []string{"bucket"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.deliveriesTotal,
		m.handleSeconds,
		m.activeUnits,
		m.publishedTotal,
		m.delayedTotal,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			// Check if it's already registered (not an error)
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// ObserveDelivery records the outcome of one delivery. A zero duration skips
// the latency histogram, which is the case for deliveries never handed to
// the handler.
func (m *Metrics) ObserveDelivery(queue, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(queue, outcome).Inc()
	if duration > 0 {
		m.handleSeconds.WithLabelValues(queue).Observe(duration.Seconds())
	}
}

// SetActiveUnits publishes the number of subscribed units for a queue.
func (m *Metrics) SetActiveUnits(queue string, n int) {
	if m == nil {
		return
	}
	m.activeUnits.WithLabelValues(queue).Set(float64(n))
}

// ObservePublish records a publish attempt.
func (m *Metrics) ObservePublish(exchange string, err error) {
	if m == nil {
		return
	}
	outcome := PublishOK
	if err != nil {
		outcome = PublishFailed
	}
	m.publishedTotal.WithLabelValues(exchange, outcome).Inc()
}

// ObserveDelayed records a message routed through the given bucket.
func (m *Metrics) ObserveDelayed(bucket time.Duration) {
	if m == nil {
		return
	}
	m.delayedTotal.WithLabelValues(bucket.String()).Inc()
}

// Reset clears all series (useful for testing).
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.deliveriesTotal.Reset()
	m.handleSeconds.Reset()
	m.activeUnits.Reset()
	m.publishedTotal.Reset()
	m.delayedTotal.Reset()
}
