package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	aiDurationBuckets   = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	TransitionsTotal       *prometheus.CounterVec
	TransitionDuration     *prometheus.HistogramVec
	ConflictsTotal         *prometheus.CounterVec
	IdempotentReplaysTotal prometheus.Counter
	QueuePullsTotal        *prometheus.CounterVec

	// AI metrics
	AIInvocationsTotal    *prometheus.CounterVec
	AIDuration            prometheus.Histogram
	AIRetriesTotal        *prometheus.CounterVec
	AICircuitBreakerState prometheus.Gauge

	// Cache metrics
	DirectoryCacheHitsTotal   prometheus.Counter
	DirectoryCacheMissesTotal prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "listflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "listflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "listflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listflow_transitions_total",
			Help: "Total advance, reject and send-back attempts by outcome.",
		}, []string{"action", "from_stage", "outcome"}),
		TransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "listflow_transition_duration_seconds",
			Help:    "Transition duration in seconds, AI time included.",
			Buckets: aiDurationBuckets,
		}, []string{"action"}),
		ConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listflow_conflicts_total",
			Help: "Transitions lost to a concurrent writer.",
		}, []string{"from_stage"}),
		IdempotentReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "listflow_idempotent_replays_total",
			Help: "Advances answered from the idempotency store.",
		}),
		QueuePullsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listflow_queue_pulls_total",
			Help: "Next-item requests by role and result.",
		}, []string{"role", "result"}),

		AIInvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listflow_ai_invocations_total",
			Help: "AI sub-pipeline runs by outcome.",
		}, []string{"outcome"}),
		AIDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "listflow_ai_duration_seconds",
			Help:    "AI sub-pipeline duration in seconds.",
			Buckets: aiDurationBuckets,
		}),
		AIRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listflow_ai_retries_total",
			Help: "Retried model gateway requests.",
		}, []string{"endpoint"}),
		AICircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "listflow_ai_circuit_breaker_state",
			Help: "Model gateway circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),

		DirectoryCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "listflow_directory_cache_hits_total",
			Help: "Total user directory cache hits.",
		}),
		DirectoryCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "listflow_directory_cache_misses_total",
			Help: "Total user directory cache misses.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.TransitionsTotal,
		m.TransitionDuration,
		m.ConflictsTotal,
		m.IdempotentReplaysTotal,
		m.QueuePullsTotal,
		m.AIInvocationsTotal,
		m.AIDuration,
		m.AIRetriesTotal,
		m.AICircuitBreakerState,
		m.DirectoryCacheHitsTotal,
		m.DirectoryCacheMissesTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordTransition records one transition attempt.
func (m *Metrics) RecordTransition(action, fromStage, outcome string, duration time.Duration) {
	if action == "" {
		action = "unknown"
	}
	m.TransitionsTotal.WithLabelValues(action, fromStage, outcome).Inc()
	m.TransitionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordConflict records a transition lost to a concurrent writer.
func (m *Metrics) RecordConflict(fromStage string) {
	m.ConflictsTotal.WithLabelValues(fromStage).Inc()
}

// RecordIdempotentReplay records an advance served from the idempotency store.
func (m *Metrics) RecordIdempotentReplay() {
	m.IdempotentReplaysTotal.Inc()
}

// RecordQueuePull records a next-item request.
func (m *Metrics) RecordQueuePull(role string, found bool) {
	result := "empty"
	if found {
		result = "found"
	}
	m.QueuePullsTotal.WithLabelValues(role, result).Inc()
}

// RecordAIInvocation records one AI sub-pipeline run.
func (m *Metrics) RecordAIInvocation(outcome string, duration time.Duration) {
	m.AIInvocationsTotal.WithLabelValues(outcome).Inc()
	m.AIDuration.Observe(duration.Seconds())
}

// RecordAIRetry records a retried gateway request.
func (m *Metrics) RecordAIRetry(endpoint string) {
	m.AIRetriesTotal.WithLabelValues(endpoint).Inc()
}

// SetAICircuitBreakerState sets the breaker gauge.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetAICircuitBreakerState(state float64) {
	m.AICircuitBreakerState.Set(state)
}

// RecordDirectoryCacheHit records a directory cache hit.
func (m *Metrics) RecordDirectoryCacheHit() {
	m.DirectoryCacheHitsTotal.Inc()
}

// RecordDirectoryCacheMiss records a directory cache miss.
func (m *Metrics) RecordDirectoryCacheMiss() {
	m.DirectoryCacheMissesTotal.Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := rctx.RoutePattern()
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
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
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
