package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TaskSubmissions      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "task_submit_total", Help: "Task submissions by type and dedupe outcome"}, []string{"task_type", "deduped"})
	EnqueueResults       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "task_enqueue_total", Help: "Queue enqueue attempts by family and result"}, []string{"queue", "result"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "task_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	WorkerLifecycle      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "task_worker_lifecycle_total", Help: "Worker lifecycle outcomes"}, []string{"task_type", "queue", "outcome"})
	WorkerDuration       = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "task_worker_duration_seconds", Help: "Handler wall time by outcome", Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200}}, []string{"task_type", "outcome"})
	TransitionDenied     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "task_transition_denied_total", Help: "Guarded status transitions that matched no active row"}, []string{"transition"})
	OrphanTakeovers      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "task_orphan_takeover_total", Help: "Orphaned tasks failed by reconciliation"}, []string{"source"})
	ReconcileErrors      = prometheus.NewCounter(prometheus.CounterOpts{Name: "task_reconcile_check_failed_total", Help: "Liveness checks that errored"})
	WatchdogTimeouts     = prometheus.NewCounter(prometheus.CounterOpts{Name: "task_watchdog_timeout_total", Help: "Processing tasks failed for missing heartbeats"})
	StaleProcessing      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "task_stale_processing", Help: "Stale processing tasks found by the last watchdog sweep"})
	TerminalMismatch     = prometheus.NewCounter(prometheus.CounterOpts{Name: "task_terminal_mismatch_total", Help: "Replays whose event log disagreed with the terminal task row"})
	EventsPublished      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "task_events_published_total", Help: "Lifecycle events by type, persistence and result"}, []string{"event_type", "persisted", "result"})
	BillingOperations    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "billing_operations_total", Help: "Ledger operations by kind and result"}, []string{"operation", "result"})
	BillingCompFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "billing_compensation_failed_total", Help: "Rollbacks that could not be applied"})
	FreezeSweepRollbacks = prometheus.NewCounter(prometheus.CounterOpts{Name: "billing_freeze_sweep_rollbacks_total", Help: "Stale freezes force-rolled back by the sweep"})
	QueueDepthGauge      = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "task_queue_depth", Help: "Ready queue depth per family"}, []string{"queue"})
	InFlightGauge        = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "task_inflight", Help: "Jobs currently leased per family"}, []string{"queue"})
	SubscriberChannels   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "task_event_subscribed_channels", Help: "Broker channels held by the shared subscriber"})
	SSEConnections       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "task_sse_connections", Help: "Open SSE streams"})
)

// Collectors lists every metric owned by this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		TaskSubmissions,
		EnqueueResults,
		RateLimitRejects,
		WorkerLifecycle,
		WorkerDuration,
		TransitionDenied,
		OrphanTakeovers,
		ReconcileErrors,
		WatchdogTimeouts,
		StaleProcessing,
		TerminalMismatch,
		EventsPublished,
		BillingOperations,
		BillingCompFailed,
		FreezeSweepRollbacks,
		QueueDepthGauge,
		InFlightGauge,
		SubscriberChannels,
		SSEConnections,
	}
}

// Register adds the metrics to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(Collectors()...)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// Result maps an error to the "ok"/"error" label used by result-labelled counters.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
