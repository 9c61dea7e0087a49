package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	handlerpkg "github.com/drblury/hutch/internal/runtime/handlers"
	loggingpkg "github.com/drblury/hutch/internal/runtime/logging"
	transportpkg "github.com/drblury/hutch/internal/runtime/transport"
)

// ConsumerPool owns one broker connection per handler queue and the consumer
// units subscribed on it.
type ConsumerPool struct {
	dial    transportpkg.Dialer
	url     string
	logger  loggingpkg.ServiceLogger
	metrics *Metrics

	mu     sync.Mutex
	groups map[string]*unitGroup
}

type unitGroup struct {
	conn  transportpkg.Connection
	units []*consumerUnit
	env   *unitEnv
}

func newConsumerPool(dial transportpkg.Dialer, url string, logger loggingpkg.ServiceLogger, metrics *Metrics) *ConsumerPool {
	return &ConsumerPool{
		dial:    dial,
		url:     url,
		logger:  logger,
		metrics: metrics,
		groups:  make(map[string]*unitGroup),
	}
}

// Start dials a dedicated connection for the queue and subscribes
// desc.Concurrency units on it. A unit that fails to subscribe is logged and
// skipped. The number of units running is returned; when it is zero the
// connection is closed again. Starting a queue that is already running is a
// no-op.
func (p *ConsumerPool) Start(ctx context.Context, desc *handlerpkg.Descriptor, env *unitEnv) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if g, ok := p.groups[desc.Queue]; ok {
		return len(g.units), nil
	}

	conn, err := p.dial(p.url, desc.Queue+"_conn")
	if err != nil {
		return 0, fmt.Errorf("connect for queue %s: %w", desc.Queue, err)
	}

	units := make([]*consumerUnit, 0, desc.Concurrency)
	for i := 0; i < desc.Concurrency; i++ {
		unit := newConsumerUnit(desc, i, env)
		if err := unit.subscribe(conn); err != nil {
			p.logger.Warn("Consumer unit failed to subscribe", loggingpkg.LogFields{
				"queue": desc.Queue,
				"unit":  i,
				"error": err.Error(),
			})
			continue
		}
		units = append(units, unit)
	}

	if len(units) == 0 {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			p.logger.Error("Failed to close unused connection", err, loggingpkg.LogFields{"queue": desc.Queue})
		}
		p.metrics.SetActiveUnits(desc.Queue, 0)
		return 0, nil
	}

	for _, unit := range units {
		go unit.run(ctx)
	}
	p.groups[desc.Queue] = &unitGroup{conn: conn, units: units, env: env}
	p.metrics.SetActiveUnits(desc.Queue, len(units))
	return len(units), nil
}

// Stop cancels every unit of the queue in parallel and closes its connection.
func (p *ConsumerPool) Stop(queue string) error {
	p.mu.Lock()
	g, ok := p.groups[queue]
	delete(p.groups, queue)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	return p.stopGroup(queue, g)
}

// StopAll stops every running queue.
func (p *ConsumerPool) StopAll() error {
	p.mu.Lock()
	groups := p.groups
	p.groups = make(map[string]*unitGroup)
	p.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for queue, g := range groups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.stopGroup(queue, g); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (p *ConsumerPool) stopGroup(queue string, g *unitGroup) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, unit := range g.units {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := unit.cancel(g.env.shutdownTimeout); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if err := g.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("close connection for queue %s: %w", queue, err))
	}
	p.metrics.SetActiveUnits(queue, 0)
	p.logger.Info("Stopped consumers", loggingpkg.LogFields{
		"queue": queue,
		"units": len(g.units),
	})
	return errors.Join(errs...)
}

// Active returns how many units of the queue are still consuming.
func (p *ConsumerPool) Active(queue string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	g, ok := p.groups[queue]
	if !ok {
		return 0
	}
	n := 0
	for _, unit := range g.units {
		if s := unit.State(); s != UnitCancelled && s != UnitCreated {
			n++
		}
	}
	return n
}

// States lists the state of every unit of the queue in index order.
func (p *ConsumerPool) States(queue string) []UnitState {
	p.mu.Lock()
	defer p.mu.Unlock()

	g, ok := p.groups[queue]
	if !ok {
		return nil
	}
	states := make([]UnitState, len(g.units))
	for i, unit := range g.units {
		states[i] = unit.State()
	}
	return states
}

// Queues lists the running queues, sorted.
func (p *ConsumerPool) Queues() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	queues := make([]string, 0, len(p.groups))
	for q := range p.groups {
		queues = append(queues, q)
	}
	sort.Strings(queues)
	return queues
}
