package dispatcher

import (
	"container/list"
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/metrics"
)

// entry is a dispatched job that has not been delivered yet.
type entry struct {
	job      *domain.Job
	receiver ResultReceiver
	seq      uint64
	start    time.Time
	ctx      context.Context
	span     trace.Span

	attempts  atomic.Int32
	delivered atomic.Bool

	// guarded by Dispatcher.mu
	attemptsLeft   int
	elem           *list.Element
	pendingTimer   *time.Timer
	pendingGen     uint64
	pendingExpired bool
}

type tryResult int

const (
	accepted tryResult = iota
	rejected
	blocked // by the invoker's circuit breaker
)

// place scans the rotation once for an invoker accepting e, skipping
// exclude. When none does, e joins the pending queue and every capable
// invoker is asked to drain the queue once it frees up.
func (d *Dispatcher) place(e *entry, exclude *handle) {
	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			d.fail(e, ErrShutdown, reasonShutdown)
			return
		}
		version := d.version
		order := d.rotation()
		d.mu.Unlock()

		var watch []*handle
		for _, h := range order {
			if !h.capable(e.job) {
				continue
			}
			if h == exclude {
				watch = append(watch, h)
				continue
			}
			switch d.try(e, h) {
			case accepted:
				return
			case rejected:
				watch = append(watch, h)
			}
		}

		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			d.fail(e, ErrShutdown, reasonShutdown)
			return
		}
		// An invoker registered during the scan drained the queue before e
		// was in it.
		if d.version != version {
			d.mu.Unlock()
			continue
		}
		ok := d.enqueue(e)
		d.mu.Unlock()

		if !ok {
			d.fail(e, ErrPendingTimeout, reasonPending)
			return
		}
		for _, h := range watch {
			d.watch(h)
		}
		return
	}
}

// try offers e to h.
func (d *Dispatcher) try(e *entry, h *handle) tryResult {
	if h.breaker != nil && !h.breaker.Allow() {
		d.retryAfterBreaker(h)
		return blocked
	}

	d.mu.Lock()
	d.advance(h)
	d.mu.Unlock()

	a := &attempt{d: d, e: e, h: h}
	e.attempts.Add(1)
	if !h.inv.TryInvoke(e.job, a) {
		e.attempts.Add(-1)
		if h.breaker != nil {
			h.breaker.Cancel()
		}
		d.metrics.RecordAttempt(metrics.AttemptRejected)
		return rejected
	}
	d.metrics.RecordAttempt(metrics.AttemptAccepted)

	d.mu.Lock()
	if e.pendingTimer != nil {
		e.pendingTimer.Stop()
		e.pendingTimer = nil
	}
	e.pendingExpired = false
	d.updateGauges()
	d.mu.Unlock()

	a.arm(d.cfg.MaxJobExecutionTime)
	return accepted
}

// drain hands h the oldest pending entries it can serve until h rejects
// one or none is left.
func (d *Dispatcher) drain(h *handle) {
	for {
		d.mu.Lock()
		if d.closed || !d.registered(h) {
			d.mu.Unlock()
			return
		}
		e := d.firstFor(h)
		if e == nil {
			d.mu.Unlock()
			return
		}
		d.pending.Remove(e.elem)
		e.elem = nil
		d.mu.Unlock()

		switch d.try(e, h) {
		case accepted:
			continue
		case rejected:
			d.requeue(e)
			d.watch(h)
			return
		default:
			d.requeue(e)
			return
		}
	}
}

func (d *Dispatcher) watch(h *handle) {
	h.inv.NotifyWhenFree(func() { d.drain(h) })
}

// retryAfterBreaker drains h again once its breaker may have half-opened.
func (d *Dispatcher) retryAfterBreaker(h *handle) {
	if !h.retryArmed.CompareAndSwap(false, true) {
		return
	}
	time.AfterFunc(d.breakers.Config().OpenDuration, func() {
		h.retryArmed.Store(false)
		d.drain(h)
	})
}

// firstFor returns the oldest pending entry h can serve. Must be called
// under d.mu.
func (d *Dispatcher) firstFor(h *handle) *entry {
	for el := d.pending.Front(); el != nil; el = el.Next() {
		if e := el.Value.(*entry); h.capable(e.job) {
			return e
		}
	}
	return nil
}

func (d *Dispatcher) requeue(e *entry) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.fail(e, ErrShutdown, reasonShutdown)
		return
	}
	ok := d.enqueue(e)
	d.mu.Unlock()
	if !ok {
		d.fail(e, ErrPendingTimeout, reasonPending)
	}
}

// enqueue inserts e in dispatch order and arms its pending timer. It
// returns false if the pending time already ran out. Must be called under
// d.mu.
func (d *Dispatcher) enqueue(e *entry) bool {
	if e.pendingExpired {
		return false
	}
	var at *list.Element
	for el := d.pending.Back(); el != nil; el = el.Prev() {
		if el.Value.(*entry).seq < e.seq {
			at = el
			break
		}
	}
	if at == nil {
		e.elem = d.pending.PushFront(e)
	} else {
		e.elem = d.pending.InsertAfter(e, at)
	}
	if e.pendingTimer == nil && d.cfg.MaxJobPendingTime > 0 {
		e.pendingGen++
		gen := e.pendingGen
		e.pendingTimer = time.AfterFunc(d.cfg.MaxJobPendingTime, func() { d.pendingTimeout(e, gen) })
	}
	d.updateGauges()
	return true
}

func (d *Dispatcher) pendingTimeout(e *entry, gen uint64) {
	d.mu.Lock()
	if e.pendingTimer == nil || e.pendingGen != gen {
		d.mu.Unlock()
		return
	}
	e.pendingTimer = nil
	if e.elem == nil {
		// Being offered to an invoker by drain; requeue fails it.
		e.pendingExpired = true
		d.mu.Unlock()
		return
	}
	d.pending.Remove(e.elem)
	e.elem = nil
	d.updateGauges()
	d.mu.Unlock()

	d.fail(e, ErrPendingTimeout, reasonPending)
}
