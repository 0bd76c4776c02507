package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/quasar/internal/domain"
)

// Attempt outcomes recorded by the dispatcher.
const (
	AttemptAccepted  = "accepted"
	AttemptRejected  = "rejected"
	AttemptCompleted = "completed"
	AttemptFailed    = "failed"
	AttemptTimedOut  = "timed_out"
)

// Metrics keeps in-process counters for the /status endpoint and the run
// summary. Every recorder also feeds the Prometheus collectors when they
// are initialized.
type Metrics struct {
	JobsDispatched   atomic.Int64
	JobsCompleted    atomic.Int64
	DispatchFailures atomic.Int64
	Attempts         atomic.Int64
	Retries          atomic.Int64
	Timeouts         atomic.Int64

	// Latency from dispatch to terminal result (in milliseconds)
	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	itemStatus sync.Map // status name -> *atomic.Int64
	nodeJobs   sync.Map // node id -> *atomic.Int64

	startTime time.Time
}

var global = newMetrics()

func newMetrics() *Metrics {
	m := &Metrics{startTime: time.Now()}
	m.MinLatencyMs.Store(int64(^uint64(0) >> 1))
	return m
}

// Global returns the process-wide metrics.
func Global() *Metrics {
	return global
}

// StartTime returns when the process started collecting metrics.
func StartTime() time.Time {
	return global.startTime
}

// RecordDispatched counts a job accepted by Dispatch.
func (m *Metrics) RecordDispatched() {
	m.JobsDispatched.Add(1)
	promJobDispatched()
}

// RecordAttempt counts an attempt outcome.
func (m *Metrics) RecordAttempt(outcome string) {
	switch outcome {
	case AttemptAccepted:
		m.Attempts.Add(1)
	case AttemptTimedOut:
		m.Timeouts.Add(1)
		promTimeout()
	}
	promAttempt(outcome)
}

// RecordRetry counts a re-placement after a failed attempt.
func (m *Metrics) RecordRetry() {
	m.Retries.Add(1)
	promRetry()
}

// RecordResult records a delivered terminal result.
func (m *Metrics) RecordResult(result *domain.JobResult, latency time.Duration) {
	ms := latency.Milliseconds()
	m.TotalLatencyMs.Add(ms)
	updateMin(&m.MinLatencyMs, ms)
	updateMax(&m.MaxLatencyMs, ms)

	label := "completed"
	if result.DispatchFailed() {
		label = "dispatch_failed"
		m.DispatchFailures.Add(1)
	} else {
		m.JobsCompleted.Add(1)
		m.counter(&m.nodeJobs, result.NodeID).Add(1)
	}
	promJobFinished(label, ms)

	for status, n := range result.Counts() {
		m.counter(&m.itemStatus, status.String()).Add(int64(n))
		promItemResult(status.String(), n)
	}
}

// RecordDispatchFailure counts the reason of a terminal dispatch failure.
func (m *Metrics) RecordDispatchFailure(reason string) {
	promDispatchFailure(reason)
}

func (m *Metrics) counter(store *sync.Map, key string) *atomic.Int64 {
	if v, ok := store.Load(key); ok {
		return v.(*atomic.Int64)
	}
	v, _ := store.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

func snapshotMap(store *sync.Map) map[string]int64 {
	out := make(map[string]int64)
	store.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return out
}

// Snapshot returns the counters as a JSON-friendly map.
func (m *Metrics) Snapshot() map[string]interface{} {
	finished := m.JobsCompleted.Load() + m.DispatchFailures.Load()
	var avg float64
	if finished > 0 {
		avg = float64(m.TotalLatencyMs.Load()) / float64(finished)
	}
	minLatency := m.MinLatencyMs.Load()
	if finished == 0 {
		minLatency = 0
	}
	return map[string]interface{}{
		"uptime_seconds":    int64(time.Since(m.startTime).Seconds()),
		"jobs_dispatched":   m.JobsDispatched.Load(),
		"jobs_completed":    m.JobsCompleted.Load(),
		"dispatch_failures": m.DispatchFailures.Load(),
		"attempts":          m.Attempts.Load(),
		"retries":           m.Retries.Load(),
		"timeouts":          m.Timeouts.Load(),
		"latency_ms": map[string]interface{}{
			"avg": avg,
			"min": minLatency,
			"max": m.MaxLatencyMs.Load(),
		},
		"items_by_status": snapshotMap(&m.itemStatus),
		"jobs_by_node":    snapshotMap(&m.nodeJobs),
	}
}

// JSONHandler serves Snapshot as JSON.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Snapshot())
	})
}

func updateMin(target *atomic.Int64, value int64) {
	for {
		cur := target.Load()
		if value >= cur || target.CompareAndSwap(cur, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		cur := target.Load()
		if value <= cur || target.CompareAndSwap(cur, value) {
			return
		}
	}
}
