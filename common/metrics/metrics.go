package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Run metrics
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weft_runs_total",
			Help: "Total number of runs finalised by terminal status",
		},
		[]string{"status"},
	)

	RunsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "weft_runs_active",
			Help: "Number of runs currently queued or running",
		},
	)

	// Dispatch metrics
	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weft_dispatches_total",
			Help: "Total number of dispatch sends by outcome",
		},
		[]string{"outcome"},
	)

	DispatchAckTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weft_dispatch_ack_timeouts_total",
			Help: "Total number of dispatches reassigned after a missed ack deadline",
		},
	)

	DispatchSelectionLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "weft_dispatch_selection_latency_seconds",
			Help:    "Time taken to select a worker",
			Buckets: prometheus.DefBuckets,
		},
	)

	BindingApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "weft_binding_apply_duration_seconds",
			Help:    "Time taken to apply edge bindings after a node result",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Gateway metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "weft_workers_total",
			Help: "Number of catalogued workers by status",
		},
		[]string{"status"},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "weft_sessions_active",
			Help: "Number of live worker sessions",
		},
	)

	SessionResumes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weft_session_resumes_total",
			Help: "Total number of sessions resumed after reconnect",
		},
	)

	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weft_frames_total",
			Help: "Total wire frames by direction and kind",
		},
		[]string{"direction", "kind"},
	)

	// Event firehose metrics
	SSESubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "weft_sse_subscribers",
			Help: "Number of connected SSE subscribers",
		},
	)

	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weft_events_dropped_total",
			Help: "Total firehose events dropped on slow subscribers",
		},
	)

	// Audit metrics
	AuditDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weft_audit_dropped_total",
			Help: "Total audit events dropped on queue overflow",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weft_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	// Worker-side metrics
	TasksExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weft_worker_tasks_total",
			Help: "Total tasks executed by the worker, by node type and outcome",
		},
		[]string{"node_type", "outcome"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weft_worker_task_duration_seconds",
			Help:    "Task execution time by node type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"node_type"},
	)

	WorkerReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weft_worker_reconnects_total",
			Help: "Total gateway reconnect attempts made by the worker",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(RunsActive)
	prometheus.MustRegister(DispatchesTotal)
	prometheus.MustRegister(DispatchAckTimeouts)
	prometheus.MustRegister(DispatchSelectionLatency)
	prometheus.MustRegister(BindingApplyDuration)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(SessionResumes)
	prometheus.MustRegister(FramesTotal)
	prometheus.MustRegister(SSESubscribers)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(AuditDropped)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(TasksExecuted)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(WorkerReconnects)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
