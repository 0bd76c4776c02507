// Package dispatcher places jobs on invokers. Jobs that cannot be placed
// right away wait in a FIFO queue until an invoker frees up; failed or
// timed out attempts are retried on other invokers; every dispatched job
// gets exactly one result, synthesized when no invoker produced one.
package dispatcher

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oriys/quasar/internal/circuitbreaker"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/observability"
)

var (
	ErrDuplicateJob      = errors.New("job already dispatched")
	ErrShutdown          = errors.New("dispatcher shut down")
	ErrNoReceiver        = errors.New("no result receiver")
	ErrDuplicateInvoker  = errors.New("invoker already registered")
	ErrAttemptTimeout    = errors.New("job attempt timed out")
	ErrAttemptsExhausted = errors.New("job attempts exhausted")
	ErrPendingTimeout    = errors.New("no invoker accepted the job in time")
)

// Dispatch failure reasons, as recorded in metrics.
const (
	reasonExhausted = "attempts_exhausted"
	reasonFatal     = "fatal"
	reasonPending   = "pending_timeout"
	reasonShutdown  = "shutdown"
)

// ResultReceiver gets the single terminal result of a dispatched job.
type ResultReceiver interface {
	OnResult(result *domain.JobResult)
}

// ResultFunc adapts a function to ResultReceiver.
type ResultFunc func(result *domain.JobResult)

func (f ResultFunc) OnResult(result *domain.JobResult) { f(result) }

// Dispatcher owns the rotation of invokers and the jobs in flight. All
// methods are safe for concurrent use and none of them block on job
// execution.
type Dispatcher struct {
	cfg         Config
	breakers    *circuitbreaker.Registry
	breakerOpts []circuitbreaker.Option
	jobLog      *logging.Logger
	metrics     *metrics.Metrics

	mu       sync.Mutex
	invokers []*handle
	next     int    // rotation pointer into invokers
	version  uint64 // bumped whenever invokers changes
	pending  *list.List
	entries  map[domain.JobSpecification]*entry
	seq      uint64
	closed   bool
	stop     chan struct{}

	// live counts entries not yet delivered.
	live sync.WaitGroup
}

// New creates a dispatcher. A MaxJobAttempts below one is treated as one.
func New(cfg Config, opts ...Option) *Dispatcher {
	if cfg.MaxJobAttempts < 1 {
		cfg.MaxJobAttempts = 1
	}
	d := &Dispatcher{
		cfg:     cfg,
		jobLog:  logging.Default(),
		metrics: metrics.Global(),
		pending: list.New(),
		entries: make(map[domain.JobSpecification]*entry),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.breakers = circuitbreaker.NewRegistry(cfg.Breaker)
	return d
}

// Config returns the effective configuration.
func (d *Dispatcher) Config() Config {
	return d.cfg
}

// Dispatch submits job; receiver gets its result exactly once, possibly
// before Dispatch returns. Only one job per specification may be in
// flight at a time.
func (d *Dispatcher) Dispatch(job *domain.Job, receiver ResultReceiver) error {
	if receiver == nil {
		return ErrNoReceiver
	}
	if job == nil {
		return domain.ErrEmptyJob
	}
	if err := job.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrShutdown
	}
	if _, ok := d.entries[job.Spec]; ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Spec)
	}
	d.seq++
	e := &entry{
		job:          job,
		receiver:     receiver,
		seq:          d.seq,
		start:        time.Now(),
		attemptsLeft: d.cfg.MaxJobAttempts,
	}
	e.ctx, e.span = observability.StartSpan(context.Background(), "dispatcher.job",
		append(observability.JobAttributes(job.Spec), observability.AttrItems.Int(len(job.Items)))...)
	d.entries[job.Spec] = e
	d.live.Add(1)
	d.mu.Unlock()

	d.metrics.RecordDispatched()
	logging.OpWithTrace(observability.GetTraceID(e.ctx), observability.GetSpanID(e.ctx)).Debug("job dispatched",
		"spec", job.Spec.String(), "items", len(job.Items))
	d.place(e, nil)
	return nil
}

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	Pending  int               `json:"pending"`
	InFlight int               `json:"in_flight"`
	Invokers []string          `json:"invokers"`
	Breakers map[string]string `json:"breakers,omitempty"`
	Closed   bool              `json:"closed"`
}

// Stats returns queue depths and the registered invokers.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	s := Stats{
		Pending:  d.pending.Len(),
		InFlight: len(d.entries) - d.pending.Len(),
		Invokers: make([]string, 0, len(d.invokers)),
		Closed:   d.closed,
	}
	for _, h := range d.invokers {
		s.Invokers = append(s.Invokers, h.id)
	}
	d.mu.Unlock()
	sort.Strings(s.Invokers)
	s.Breakers = d.breakers.Snapshot()
	return s
}

// Shutdown stops accepting jobs, fails every pending job with a dispatch
// failure and waits until the jobs in flight have been delivered or ctx is
// done. Attempts still running are bounded by MaxJobExecutionTime.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	var pending []*entry
	if !d.closed {
		d.closed = true
		close(d.stop)
		for el := d.pending.Front(); el != nil; el = el.Next() {
			pending = append(pending, el.Value.(*entry))
		}
	}
	d.mu.Unlock()

	if len(pending) > 0 {
		logging.Op().Info("failing pending jobs on shutdown", "count", len(pending))
	}
	for _, e := range pending {
		d.fail(e, ErrShutdown, reasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		d.live.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs in flight: %w", ctx.Err())
	}
}

// updateGauges must be called under d.mu.
func (d *Dispatcher) updateGauges() {
	pending := d.pending.Len()
	metrics.SetQueueGauges(pending, len(d.entries)-pending)
}
