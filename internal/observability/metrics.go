package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	actionDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Ingestion metrics
	EventsIngestedTotal *prometheus.CounterVec
	EventsDroppedTotal  *prometheus.CounterVec
	RetryChainsTotal    prometheus.Counter

	// Orphan / worker health metrics
	TasksOrphanedTotal   prometheus.Counter
	WorkersOfflineTotal  prometheus.Counter
	WorkersOnline        prometheus.Gauge

	// Broadcast metrics
	BroadcastQueueDepth     prometheus.Gauge
	BroadcastDroppedTotal   prometheus.Counter
	BroadcastDeliveredTotal prometheus.Counter
	SubscribersConnected    prometheus.Gauge

	// Workflow metrics
	WorkflowExecutionsTotal *prometheus.CounterVec
	WorkflowDispatchBacklog prometheus.Gauge
	ActionDuration          *prometheus.HistogramVec
	CircuitOpenTotal        *prometheus.CounterVec
	RetryCeilingHitsTotal   prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queuescope_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "queuescope_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		EventsIngestedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queuescope_events_ingested_total",
			Help: "Total number of broker events ingested.",
		}, []string{"event_type"}),
		EventsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queuescope_events_dropped_total",
			Help: "Total number of broker events dropped after an ingestion error.",
		}, []string{"reason"}),
		RetryChainsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queuescope_retry_chain_appends_total",
			Help: "Total number of retry-lineage chain appends.",
		}),

		TasksOrphanedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queuescope_tasks_orphaned_total",
			Help: "Total number of tasks flagged as orphaned.",
		}),
		WorkersOfflineTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queuescope_workers_offline_total",
			Help: "Total number of workers promoted to offline by the health monitor.",
		}),
		WorkersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queuescope_workers_online",
			Help: "Number of workers currently tracked as online.",
		}),

		BroadcastQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queuescope_broadcast_queue_depth",
			Help: "Current depth of the broadcast hand-off queue.",
		}),
		BroadcastDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queuescope_broadcast_dropped_total",
			Help: "Total number of broadcast items dropped because the queue was full.",
		}),
		BroadcastDeliveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queuescope_broadcast_delivered_total",
			Help: "Total number of messages delivered to subscribers.",
		}),
		SubscribersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queuescope_subscribers_connected",
			Help: "Number of connected live subscribers.",
		}),

		WorkflowExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queuescope_workflow_executions_total",
			Help: "Total number of workflow executions by final status.",
		}, []string{"workflow_id", "status"}),
		WorkflowDispatchBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queuescope_workflow_dispatch_backlog",
			Help: "Number of dispatches waiting in the workflow worker pool queue.",
		}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "queuescope_action_duration_seconds",
			Help:    "Workflow action execution duration in seconds.",
			Buckets: actionDurationBuckets,
		}, []string{"action_type", "status"}),
		CircuitOpenTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queuescope_circuit_open_total",
			Help: "Total number of workflow dispatches rejected by the circuit breaker.",
		}, []string{"workflow_id"}),
		RetryCeilingHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queuescope_retry_ceiling_hits_total",
			Help: "Total number of retry actions rejected by the lineage ceiling.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EventsIngestedTotal,
		m.EventsDroppedTotal,
		m.RetryChainsTotal,
		m.TasksOrphanedTotal,
		m.WorkersOfflineTotal,
		m.WorkersOnline,
		m.BroadcastQueueDepth,
		m.BroadcastDroppedTotal,
		m.BroadcastDeliveredTotal,
		m.SubscribersConnected,
		m.WorkflowExecutionsTotal,
		m.WorkflowDispatchBacklog,
		m.ActionDuration,
		m.CircuitOpenTotal,
		m.RetryCeilingHitsTotal,
	)

	return m
}

// RecordEventIngested records a successfully ingested broker event.
func (m *Metrics) RecordEventIngested(eventType string) {
	m.EventsIngestedTotal.WithLabelValues(eventType).Inc()
}

// RecordEventDropped records an event dropped after an ingestion error.
func (m *Metrics) RecordEventDropped(reason string) {
	m.EventsDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordWorkflowExecution records a finalized workflow execution.
func (m *Metrics) RecordWorkflowExecution(workflowID, status string) {
	m.WorkflowExecutionsTotal.WithLabelValues(workflowID, status).Inc()
}

// RecordAction records one action execution.
func (m *Metrics) RecordAction(actionType, status string, duration time.Duration) {
	m.ActionDuration.WithLabelValues(actionType, status).Observe(duration.Seconds())
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics
// using chi's route pattern (not the raw URL path) to avoid label
// cardinality explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		pattern := routePattern(r)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(sw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status code.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}

// Flush implements http.Flusher so SSE responses can stream through the
// middleware chain.
func (w *metricsResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
