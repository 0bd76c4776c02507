package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/executor"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/observability"
)

// attempt is the receiver handed to an invoker for one try of one job.
// The first of completion, failure and timeout wins; later events are
// discarded.
type attempt struct {
	d *Dispatcher
	e *entry
	h *handle

	mu    sync.Mutex
	done  bool
	timer *time.Timer
}

var _ executor.ContextReceiver = (*attempt)(nil)

// Context carries the dispatch span to the invoker.
func (a *attempt) Context() context.Context {
	return a.e.ctx
}

func (a *attempt) arm(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return
	}
	a.timer = time.AfterFunc(timeout, a.expire)
}

// finish reports whether the caller is the first terminal event.
func (a *attempt) finish() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return false
	}
	a.done = true
	if a.timer != nil {
		a.timer.Stop()
	}
	return true
}

func (a *attempt) OnCompleted(result *domain.JobResult) {
	if result == nil {
		a.OnFailed(a.h.inv, errors.New("invoker completed the job without a result"))
		return
	}
	if !a.finish() {
		logging.Op().Debug("discarding late job result", "spec", a.e.job.Spec.String(), "invoker", a.h.id)
		return
	}
	if a.h.breaker != nil {
		a.h.breaker.RecordSuccess()
	}
	a.d.metrics.RecordAttempt(metrics.AttemptCompleted)
	a.d.deliver(a.e, result, nil, "")
}

func (a *attempt) OnFailed(_ executor.Invoker, err error) {
	if err == nil {
		err = errors.New("invoker reported failure without an error")
	}
	if !a.finish() {
		logging.Op().Debug("discarding late job failure", "spec", a.e.job.Spec.String(), "invoker", a.h.id, "error", err)
		return
	}
	a.d.retry(a, err, metrics.AttemptFailed)
}

func (a *attempt) expire() {
	if !a.finish() {
		return
	}
	a.d.retry(a, fmt.Errorf("%w: %s on %s", ErrAttemptTimeout, a.d.cfg.MaxJobExecutionTime, a.h.id), metrics.AttemptTimedOut)
}

// retry handles a failed attempt: fatal errors and the last attempt end
// the job, anything else places it again away from the failing invoker.
func (d *Dispatcher) retry(a *attempt, err error, outcome string) {
	e := a.e
	if a.h.breaker != nil {
		a.h.breaker.RecordFailure()
	}
	d.metrics.RecordAttempt(outcome)
	e.span.AddEvent("attempt failed", traceAttrs(a.h.id, err)...)

	log := logging.OpWithTrace(observability.GetTraceID(e.ctx), observability.GetSpanID(e.ctx))
	if errors.Is(err, domain.ErrFatal) {
		log.Error("job failed fatally", "spec", e.job.Spec.String(), "invoker", a.h.id, "error", err)
		d.fail(e, err, reasonFatal)
		return
	}

	d.mu.Lock()
	e.attemptsLeft--
	left := e.attemptsLeft
	d.mu.Unlock()

	if left <= 0 {
		log.Error("job attempts exhausted", "spec", e.job.Spec.String(), "invoker", a.h.id,
			"attempts", e.attempts.Load(), "error", err)
		d.fail(e, fmt.Errorf("%w after %d attempts: %v", ErrAttemptsExhausted, e.attempts.Load(), err), reasonExhausted)
		return
	}
	log.Warn("job attempt failed, retrying", "spec", e.job.Spec.String(), "invoker", a.h.id,
		"attempts_left", left, "error", err)
	d.metrics.RecordRetry()
	d.place(e, a.h)
}

func traceAttrs(invoker string, err error) []trace.EventOption {
	return []trace.EventOption{trace.WithAttributes(
		observability.AttrNodeID.String(invoker),
		attribute.String("error", err.Error()),
	)}
}

// fail delivers the synthesized dispatch failure of e.
func (d *Dispatcher) fail(e *entry, err error, reason string) {
	if e.delivered.Load() {
		return
	}
	result := domain.NewDispatchFailure(e.job, time.Since(e.start), err.Error())
	d.deliver(e, result, err, reason)
}

// deliver hands the terminal result to the receiver, once per entry.
func (d *Dispatcher) deliver(e *entry, result *domain.JobResult, err error, reason string) {
	if !e.delivered.CompareAndSwap(false, true) {
		return
	}

	d.mu.Lock()
	if d.entries[e.job.Spec] == e {
		delete(d.entries, e.job.Spec)
	}
	if e.elem != nil {
		d.pending.Remove(e.elem)
		e.elem = nil
	}
	if e.pendingTimer != nil {
		e.pendingTimer.Stop()
		e.pendingTimer = nil
	}
	d.updateGauges()
	d.mu.Unlock()

	latency := time.Since(e.start)
	if reason != "" {
		d.metrics.RecordDispatchFailure(reason)
	}
	d.metrics.RecordResult(result, latency)

	statuses := make(map[string]int)
	for status, n := range result.Counts() {
		statuses[status.String()] = n
	}
	rec := &logging.JobLog{
		Spec:       e.job.Spec.String(),
		TraceID:    observability.GetTraceID(e.ctx),
		NodeID:     result.NodeID,
		Items:      len(result.Items),
		Statuses:   statuses,
		DurationMs: latency.Milliseconds(),
		Attempts:   int(e.attempts.Load()),
		Success:    err == nil,
	}
	if err != nil {
		rec.Error = err.Error()
		observability.SetSpanError(e.span, err)
	} else {
		e.span.SetAttributes(observability.AttrNodeID.String(result.NodeID))
		observability.SetSpanOK(e.span)
	}
	d.jobLog.Log(rec)
	e.span.End()

	func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Op().Error("recovered panic in result receiver", "spec", e.job.Spec.String(), "panic", r)
			}
		}()
		e.receiver.OnResult(result)
	}()
	d.live.Done()
}
