package dispatcher

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/oriys/quasar/internal/circuitbreaker"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/executor"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
)

// handle is a registered invoker.
type handle struct {
	id      string
	inv     executor.Invoker
	caps    domain.Capabilities
	breaker *circuitbreaker.Breaker
	stop    chan struct{}

	// retryArmed is set while a timer waits for the breaker to half-open.
	retryArmed atomic.Bool
}

func (h *handle) capable(job *domain.Job) bool {
	return h.caps.Satisfies(job.RequiredCapabilities)
}

// RegisterInvoker adds inv to the rotation and hands it the oldest pending
// jobs it can serve. Invokers implementing executor.Closer are
// deregistered when Done is closed.
func (d *Dispatcher) RegisterInvoker(inv executor.Invoker) error {
	if inv == nil {
		return errors.New("nil invoker")
	}
	id := inv.ID()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrShutdown
	}
	for _, h := range d.invokers {
		if h.id == id {
			d.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrDuplicateInvoker, id)
		}
	}
	h := &handle{
		id:   id,
		inv:  inv,
		caps: inv.Capabilities(),
		stop: make(chan struct{}),
	}
	h.breaker = d.breakers.Get(id, append([]circuitbreaker.Option{
		circuitbreaker.WithStateChange(func(from, to circuitbreaker.State) {
			logging.Op().Warn("invoker circuit breaker state change", "invoker", id, "from", from.String(), "to", to.String())
			metrics.SetCircuitBreakerState(id, int(to))
			metrics.RecordCircuitBreakerTransition(id, to.String())
		}),
	}, d.breakerOpts...)...)
	d.invokers = append(d.invokers, h)
	d.version++
	n := len(d.invokers)
	d.mu.Unlock()

	metrics.SetRegisteredInvokers(n)
	logging.Op().Info("invoker registered", "invoker", id, "capabilities", h.caps.Tags(), "invokers", n)

	if c, ok := inv.(executor.Closer); ok {
		go d.watchDone(h, c.Done())
	}
	d.drain(h)
	return nil
}

// DeregisterInvoker removes inv from the rotation. Jobs already running on
// it are unaffected; they complete, fail or time out as usual.
func (d *Dispatcher) DeregisterInvoker(inv executor.Invoker) bool {
	if inv == nil {
		return false
	}
	return d.deregister(inv.ID(), inv)
}

func (d *Dispatcher) deregister(id string, inv executor.Invoker) bool {
	d.mu.Lock()
	idx := -1
	for i, h := range d.invokers {
		if h.id == id && h.inv == inv {
			idx = i
			break
		}
	}
	if idx < 0 {
		d.mu.Unlock()
		return false
	}
	h := d.invokers[idx]
	d.invokers = append(d.invokers[:idx], d.invokers[idx+1:]...)
	if idx < d.next {
		d.next--
	}
	if d.next >= len(d.invokers) {
		d.next = 0
	}
	d.version++
	n := len(d.invokers)
	d.mu.Unlock()

	close(h.stop)
	d.breakers.Remove(id)
	metrics.SetRegisteredInvokers(n)
	logging.Op().Info("invoker deregistered", "invoker", id, "invokers", n)
	return true
}

func (d *Dispatcher) watchDone(h *handle, done <-chan struct{}) {
	select {
	case <-done:
		d.deregister(h.id, h.inv)
	case <-h.stop:
	case <-d.stop:
	}
}

// registered must be called under d.mu.
func (d *Dispatcher) registered(h *handle) bool {
	for _, x := range d.invokers {
		if x == h {
			return true
		}
	}
	return false
}

// rotation returns the invokers in placement order, starting at the
// rotation pointer. Must be called under d.mu.
func (d *Dispatcher) rotation() []*handle {
	n := len(d.invokers)
	out := make([]*handle, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, d.invokers[(d.next+i)%n])
	}
	return out
}

// advance moves the rotation pointer past h. Must be called under d.mu.
func (d *Dispatcher) advance(h *handle) {
	for i, x := range d.invokers {
		if x == h {
			d.next = (i + 1) % len(d.invokers)
			return
		}
	}
}
