package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/drblury/hutch/internal/runtime/config"
	"github.com/drblury/hutch/internal/runtime/delay"
	errspkg "github.com/drblury/hutch/internal/runtime/errors"
	handlerpkg "github.com/drblury/hutch/internal/runtime/handlers"
	"github.com/drblury/hutch/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/hutch/internal/runtime/logging"
	transportpkg "github.com/drblury/hutch/internal/runtime/transport"
)

const tracerName = "github.com/drblury/hutch"

// httpShutdownTimeout bounds how long Stop waits for the HTTP servers.
const httpShutdownTimeout = 5 * time.Second

// Dependencies holds the optional collaborators a Hutch can use.
// Leave fields nil to get the defaults.
type Dependencies struct {
	// Dialer opens broker connections. Defaults to transport.Dial.
	Dialer transportpkg.Dialer
	// Hooks are invoked around every delivery.
	Hooks DeliveryHooks
	// MetricsRegisterer receives the collectors when metrics are enabled.
	// Defaults to prometheus.DefaultRegisterer.
	MetricsRegisterer prometheus.Registerer
	// TracerProvider defaults to the global otel provider.
	TracerProvider trace.TracerProvider
	// Propagator carries trace context in message headers. Defaults to the
	// global otel propagator.
	Propagator propagation.TextMapPropagator
}

type registeredQueue struct {
	desc  *handlerpkg.Descriptor
	stats *QueueStats
}

// Hutch wires the broker topology, the publisher and one consumer pool per
// registered handler.
type Hutch struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	dial       transportpkg.Dialer
	bucketing  *delay.Bucketing
	codec      jsoncodec.Codec
	hooks      DeliveryHooks
	metrics    *Metrics
	gatherer   prometheus.Gatherer
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator

	topology  *Topology
	publisher *Publisher
	pool      *ConsumerPool

	mu        sync.Mutex
	started   bool
	conn      transportpkg.Connection
	cancelRun context.CancelFunc

	queues   []*registeredQueue
	byQueue  map[string]*registeredQueue
	queuesMu sync.RWMutex

	httpServers   map[int]*http.ServeMux
	running       []*http.Server
	httpServersMu sync.Mutex
	builtinsOnce  sync.Once
}

// NewHutch validates conf (after applying defaults) and builds a Hutch.
// Register handlers on the returned Hutch before calling Start.
func NewHutch(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps Dependencies) (*Hutch, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	conf.ApplyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	bucketing, err := delay.NewBucketing(conf.ScheduleExchange, conf.DelayQueuePrefix, conf.DelayGradient)
	if err != nil {
		return nil, err
	}

	log.Info("Creating hutch", loggingpkg.LogFields{
		"app_name": conf.AppName,
		"config":   conf.String(),
	})

	h := &Hutch{
		Conf:       conf,
		Logger:     log,
		dial:       deps.Dialer,
		bucketing:  bucketing,
		codec:      jsoncodec.New(conf.Serialization.Options()),
		hooks:      deps.Hooks,
		propagator: deps.Propagator,
		byQueue:    make(map[string]*registeredQueue),
	}
	if h.dial == nil {
		h.dial = transportpkg.Dial
	}
	if h.propagator == nil {
		h.propagator = otel.GetTextMapPropagator()
	}

	tp := deps.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	h.tracer = tp.Tracer(tracerName)

	registerer := deps.MetricsRegisterer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	h.metrics = NewMetrics(registerer)
	if g, ok := registerer.(prometheus.Gatherer); ok {
		h.gatherer = g
	} else {
		h.gatherer = prometheus.DefaultGatherer
	}

	h.topology = newTopology(conf.Exchange, bucketing, conf.DelayQueueTTL, log)
	h.publisher = newPublisher(conf.Exchange, bucketing, h.codec, log, h.metrics, h.tracer, h.propagator)
	h.pool = newConsumerPool(h.dial, conf.RabbitMQURL, log, h.metrics)
	return h, nil
}

// Publisher returns the shared publisher. It is usable between Start and Stop.
func (h *Hutch) Publisher() *Publisher {
	return h.publisher
}

// Metrics returns the runtime's Prometheus collectors.
func (h *Hutch) Metrics() *Metrics {
	return h.metrics
}

// IsStarted reports whether Start has completed and Stop has not been called since.
func (h *Hutch) IsStarted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

// Start connects, declares the topology and starts a consumer pool per
// registered handler. A failure to connect is returned. Failures on single
// queues are logged and do not stop the others. Calling Start on a started
// Hutch does nothing.
//
// Handlers run with a context that outlives ctx; it is cancelled by Stop.
func (h *Hutch) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return nil
	}

	conn, err := h.dial(h.Conf.RabbitMQURL, h.Conf.AppName)
	if err != nil {
		h.Logger.Error("Failed to connect to RabbitMQ", err, nil)
		return fmt.Errorf("hutch: connect: %w", err)
	}
	if err := h.publisher.attach(conn); err != nil {
		_ = conn.Close()
		h.Logger.Error("Failed to open default channel", err, nil)
		return fmt.Errorf("hutch: open default channel: %w", err)
	}
	h.conn = conn

	if err := h.topology.Declare(conn); err != nil {
		h.Logger.Warn("Topology declared with errors", loggingpkg.LogFields{"error": err.Error()})
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancelRun = cancel

	for _, q := range h.registered() {
		h.startQueue(runCtx, q)
	}

	h.started = true
	h.registerBuiltinHTTPHandlers()
	h.startHTTPServers()
	h.Logger.Info("Hutch started", loggingpkg.LogFields{
		"queues": len(h.pool.Queues()),
	})
	return nil
}

func (h *Hutch) startQueue(ctx context.Context, q *registeredQueue) {
	desc := q.desc
	fields := loggingpkg.LogFields{"queue": desc.Queue, "handler": desc.Name}

	if err := h.topology.DeclareQueue(h.conn, desc); err != nil {
		h.Logger.Warn("Queue declared with errors, subscribing anyway", fields)
	}

	n, err := h.pool.Start(ctx, desc, h.unitEnv(q))
	if err != nil {
		h.Logger.Error("Failed to start consumers", err, fields)
		return
	}
	if n == 0 {
		h.Logger.Warn("No consumer unit could subscribe", fields)
		return
	}
	h.Logger.Info("Consumers started", loggingpkg.LogFields{
		"queue":       desc.Queue,
		"handler":     desc.Name,
		"units":       n,
		"concurrency": desc.Concurrency,
		"prefetch":    desc.Prefetch,
	})
}

func (h *Hutch) unitEnv(q *registeredQueue) *unitEnv {
	return &unitEnv{
		retrier:         h.publisher,
		hooks:           h.hooks,
		metrics:         h.metrics,
		stats:           q.stats,
		tracer:          h.tracer,
		propagator:      h.propagator,
		logger:          h.Logger,
		thresholdPause:  h.Conf.ThresholdPause,
		shutdownTimeout: h.Conf.ShutdownTimeout,
	}
}

// Stop cancels every consumer, waits for in-flight deliveries, then closes
// the default channel and connection. Every step is attempted; the errors
// are joined. The Hutch counts as stopped afterwards even when an error is
// returned.
func (h *Hutch) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return nil
	}
	h.Logger.Info("Stopping hutch", nil)

	var errs []error
	if err := h.pool.StopAll(); err != nil {
		errs = append(errs, err)
	}
	if err := h.publisher.detach(); err != nil {
		errs = append(errs, fmt.Errorf("close default channel: %w", err))
	}
	if h.conn != nil {
		if err := h.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
		h.conn = nil
	}
	if h.cancelRun != nil {
		h.cancelRun()
		h.cancelRun = nil
	}
	if err := h.stopHTTPServers(); err != nil {
		errs = append(errs, err)
	}
	h.started = false

	err := errors.Join(errs...)
	if err != nil {
		h.Logger.Error("Hutch stopped with errors", err, nil)
	} else {
		h.Logger.Info("Hutch stopped", nil)
	}
	return err
}

// Run starts the Hutch and blocks until ctx is cancelled or the process
// receives SIGINT or SIGTERM, then stops it.
func (h *Hutch) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := h.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return h.Stop()
}

// Queues describes every registered handler queue in registration order.
func (h *Hutch) Queues() []QueueInfo {
	registered := h.registered()
	infos := make([]QueueInfo, 0, len(registered))
	for _, q := range registered {
		states := h.pool.States(q.desc.Queue)
		names := make([]string, len(states))
		for i, s := range states {
			names[i] = s.String()
		}
		infos = append(infos, QueueInfo{
			Name:        q.desc.Name,
			Queue:       q.desc.Queue,
			RoutingKey:  q.desc.RoutingKey,
			Prefetch:    q.desc.Prefetch,
			Concurrency: q.desc.Concurrency,
			MaxRetry:    q.desc.MaxRetry,
			ActiveUnits: h.pool.Active(q.desc.Queue),
			UnitStates:  names,
			Stats:       q.stats.Snapshot(),
		})
	}
	return infos
}

func (h *Hutch) registered() []*registeredQueue {
	h.queuesMu.RLock()
	defer h.queuesMu.RUnlock()
	return append([]*registeredQueue(nil), h.queues...)
}

// RegisterHTTPHandler mounts handler on the server for port. Servers start
// with the Hutch.
func (h *Hutch) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	h.httpServersMu.Lock()
	defer h.httpServersMu.Unlock()

	if h.httpServers == nil {
		h.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := h.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		h.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (h *Hutch) registerBuiltinHTTPHandlers() {
	h.builtinsOnce.Do(func() {
		if h.Conf.MetricsEnabled {
			if err := h.metrics.Register(); err != nil {
				h.Logger.Error("Failed to register metrics", err, nil)
			}
			h.RegisterHTTPHandler(h.Conf.MetricsPort, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
		}
		if h.Conf.WebUIEnabled {
			h.RegisterHTTPHandler(h.Conf.WebUIPort, "/api/queues", http.HandlerFunc(h.handleGetQueues))
		}
	})
}

func (h *Hutch) startHTTPServers() {
	h.httpServersMu.Lock()
	defer h.httpServersMu.Unlock()

	for port, mux := range h.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		h.running = append(h.running, srv)
		h.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				h.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
}

func (h *Hutch) stopHTTPServers() error {
	h.httpServersMu.Lock()
	servers := h.running
	h.running = nil
	h.httpServersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown HTTP server %s: %w", srv.Addr, err))
		}
	}
	return errors.Join(errs...)
}
