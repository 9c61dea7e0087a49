package runtime

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/drblury/hutch/internal/runtime/jsoncodec"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// QueueStats aggregates what the consumer units of one queue have done since start.
type QueueStats struct {
	mu sync.Mutex `json:"-"`

	MessagesProcessed   uint64    `json:"messages_processed"`
	MessagesFailed      uint64    `json:"messages_failed"`
	MessagesRetried     uint64    `json:"messages_retried"`
	MessagesExhausted   uint64    `json:"messages_exhausted"`
	MessagesRequeued    uint64    `json:"messages_requeued"`
	MessagesThrottled   uint64    `json:"messages_throttled"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`
	LastError           string    `json:"last_error,omitempty"`
	InFlight            uint64    `json:"in_flight"`
	MaxInFlight         uint64    `json:"max_in_flight"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`

	latencyWindow    *latencyWindow    `json:"-"`
	throughputWindow *throughputWindow `json:"-"`
}

// QueueInfo describes one registered handler queue for the introspection API.
type QueueInfo struct {
	Name        string      `json:"name"`
	Queue       string      `json:"queue"`
	RoutingKey  string      `json:"routing_key"`
	Prefetch    int         `json:"prefetch"`
	Concurrency int         `json:"concurrency"`
	MaxRetry    int         `json:"max_retry"`
	ActiveUnits int         `json:"active_units"`
	UnitStates  []string    `json:"unit_states,omitempty"`
	Stats       *QueueStats `json:"stats"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

func newQueueStats() *QueueStats {
	return &QueueStats{
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

func (s *QueueStats) onStart() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.InFlight++
	if s.InFlight > s.MaxInFlight {
		s.MaxInFlight = s.InFlight
	}
}

func (s *QueueStats) onFinish(duration time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.InFlight > 0 {
		s.InFlight--
	}
	s.MessagesProcessed++
	if err != nil {
		s.MessagesFailed++
		s.LastError = err.Error()
	}
	s.TotalProcessingTime += int64(duration)
	s.LastProcessedAt = time.Now().UTC()

	if s.latencyWindow != nil {
		s.latencyWindow.Add(duration)
		snapshot := s.latencyWindow.Snapshot()
		snapshot.LastNs = int64(duration)
		snapshot.AverageNs = s.TotalProcessingTime / int64(s.MessagesProcessed)
		s.Latency = snapshot
	}

	if s.throughputWindow != nil {
		snapshot := s.throughputWindow.AddAndSnapshot(time.Now())
		s.Throughput.CurrentRPS = snapshot.CurrentRPS
		s.Throughput.WindowSeconds = snapshot.WindowSeconds
		s.Throughput.MessagesInWindow = uint64(snapshot.Count)
	}
	s.Throughput.TotalMessages = s.MessagesProcessed
}

// onSettled counts the non-ack outcomes. Plain acks are already covered by onFinish.
func (s *QueueStats) onSettled(outcome string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch outcome {
	case OutcomeRetried:
		s.MessagesRetried++
	case OutcomeExhausted:
		s.MessagesExhausted++
	case OutcomeRequeued:
		s.MessagesRequeued++
	case OutcomeThrottled:
		s.MessagesThrottled++
	}
}

// Snapshot returns a copy safe to read without holding the lock.
func (s *QueueStats) Snapshot() *QueueStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &QueueStats{
		MessagesProcessed:   s.MessagesProcessed,
		MessagesFailed:      s.MessagesFailed,
		MessagesRetried:     s.MessagesRetried,
		MessagesExhausted:   s.MessagesExhausted,
		MessagesRequeued:    s.MessagesRequeued,
		MessagesThrottled:   s.MessagesThrottled,
		TotalProcessingTime: s.TotalProcessingTime,
		LastProcessedAt:     s.LastProcessedAt,
		LastError:           s.LastError,
		InFlight:            s.InFlight,
		MaxInFlight:         s.MaxInFlight,
		Latency:             s.Latency,
		Throughput:          s.Throughput,
	}
}

func (s *QueueStats) MarshalJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type Alias QueueStats
	return jsoncodec.Marshal((*Alias)(s))
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.samples) == 0 {
		return
	}
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var metrics LatencyMetrics
	if lw == nil {
		return metrics
	}
	if lw.filled == 0 {
		metrics.LastNs = lw.last
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.AverageNs = sum / int64(len(samples))
	metrics.LastNs = lw.last
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(math.Round(float64(samples[upper]-samples[lower])*frac))
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	if tw == nil {
		return throughputSnapshot{}
	}
	tw.samples = append(tw.samples, now)
	tw.cleanup(now)
	return tw.snapshot(now)
}

func (tw *throughputWindow) cleanup(now time.Time) {
	if len(tw.samples) == 0 {
		return
	}
	cutoff := now.Add(-tw.horizon)
	idx := sort.Search(len(tw.samples), func(i int) bool { return !tw.samples[i].Before(cutoff) })
	if idx > 0 {
		tw.samples = append(tw.samples[:0], tw.samples[idx:]...)
	}
}

func (tw *throughputWindow) snapshot(now time.Time) throughputSnapshot {
	if len(tw.samples) == 0 {
		return throughputSnapshot{}
	}
	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}
