package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the prometheus collectors of the dispatcher,
// the nodes and the remote protocol.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Dispatcher
	jobsDispatched   prometheus.Counter
	attemptsTotal    *prometheus.CounterVec
	retriesTotal     prometheus.Counter
	timeoutsTotal    prometheus.Counter
	dispatchFailures *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobsPending      prometheus.Gauge
	jobsInflight     prometheus.Gauge
	invokers         prometheus.Gauge

	// Nodes
	itemResults  *prometheus.CounterVec
	itemDuration *prometheus.HistogramVec
	busyNodes    prometheus.Gauge

	// Remote protocol
	remoteMessages *prometheus.CounterVec

	// Circuit breaker
	circuitBreakerState      *prometheus.GaugeVec
	circuitBreakerTripsTotal *prometheus.CounterVec

	uptime prometheus.GaugeFunc
}

// Default histogram buckets for job and item duration (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Jobs accepted by the dispatcher",
		}),
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_attempts_total",
			Help:      "Dispatch attempts by outcome",
		}, []string{"outcome"}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_retries_total",
			Help:      "Jobs re-placed after a failed attempt",
		}),
		timeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_timeouts_total",
			Help:      "Attempts that exceeded the maximum execution time",
		}),
		dispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Jobs failed terminally by the dispatcher",
		}, []string{"reason"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_milliseconds",
			Help:      "Time from dispatch to terminal result in milliseconds",
			Buckets:   buckets,
		}, []string{"result"}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_pending",
			Help:      "Jobs waiting for an invoker",
		}),
		jobsInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_inflight",
			Help:      "Jobs placed on an invoker and not yet resolved",
		}),
		invokers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "invokers_registered",
			Help:      "Invokers in the dispatcher rotation",
		}),

		itemResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "item_results_total",
			Help:      "Job item outcomes by status",
		}, []string{"status"}),
		itemDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "item_duration_milliseconds",
			Help:      "Function execution time per item in milliseconds",
			Buckets:   buckets,
		}, []string{"function"}),
		busyNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes_busy",
			Help:      "Local nodes currently executing a job",
		}),

		remoteMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_messages_total",
			Help:      "Remote protocol messages by type and direction",
		}, []string{"type", "direction"}),

		circuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per invoker (0=closed, 1=open, 2=half_open)",
		}, []string{"invoker"}),
		circuitBreakerTripsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		}, []string{"invoker", "to_state"}),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the process started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.jobsDispatched,
		pm.attemptsTotal,
		pm.retriesTotal,
		pm.timeoutsTotal,
		pm.dispatchFailures,
		pm.jobDuration,
		pm.jobsPending,
		pm.jobsInflight,
		pm.invokers,
		pm.itemResults,
		pm.itemDuration,
		pm.busyNodes,
		pm.remoteMessages,
		pm.circuitBreakerState,
		pm.circuitBreakerTripsTotal,
		pm.uptime,
	)

	promMetrics = pm
}

func promJobDispatched() {
	if promMetrics == nil {
		return
	}
	promMetrics.jobsDispatched.Inc()
}

func promAttempt(outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.attemptsTotal.WithLabelValues(outcome).Inc()
}

func promRetry() {
	if promMetrics == nil {
		return
	}
	promMetrics.retriesTotal.Inc()
}

func promTimeout() {
	if promMetrics == nil {
		return
	}
	promMetrics.timeoutsTotal.Inc()
}

func promJobFinished(result string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.jobDuration.WithLabelValues(result).Observe(float64(durationMs))
}

func promDispatchFailure(reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.dispatchFailures.WithLabelValues(reason).Inc()
}

func promItemResult(status string, n int) {
	if promMetrics == nil || n == 0 {
		return
	}
	promMetrics.itemResults.WithLabelValues(status).Add(float64(n))
}

// SetQueueGauges publishes the dispatcher's pending and in-flight counts.
func SetQueueGauges(pending, inflight int) {
	if promMetrics == nil {
		return
	}
	promMetrics.jobsPending.Set(float64(pending))
	promMetrics.jobsInflight.Set(float64(inflight))
}

// SetRegisteredInvokers publishes the size of the rotation.
func SetRegisteredInvokers(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.invokers.Set(float64(n))
}

// RecordItemDuration records the execution time of one function call.
func RecordItemDuration(function string, d time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.itemDuration.WithLabelValues(function).Observe(float64(d.Milliseconds()))
}

// IncBusyNodes increments the busy local node gauge.
func IncBusyNodes() {
	if promMetrics == nil {
		return
	}
	promMetrics.busyNodes.Inc()
}

// DecBusyNodes decrements the busy local node gauge.
func DecBusyNodes() {
	if promMetrics == nil {
		return
	}
	promMetrics.busyNodes.Dec()
}

// RecordRemoteMessage counts one protocol message. direction is "in" or
// "out".
func RecordRemoteMessage(msgType, direction string) {
	if promMetrics == nil {
		return
	}
	promMetrics.remoteMessages.WithLabelValues(msgType, direction).Inc()
}

// SetCircuitBreakerState sets the breaker state gauge of an invoker.
func SetCircuitBreakerState(invoker string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerState.WithLabelValues(invoker).Set(float64(state))
}

// RecordCircuitBreakerTransition counts a breaker transition.
func RecordCircuitBreakerTransition(invoker, toState string) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerTripsTotal.WithLabelValues(invoker, toState).Inc()
}

// PrometheusHandler returns an HTTP handler for Prometheus scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the registry, nil before InitPrometheus.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
