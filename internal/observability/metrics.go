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
	remoteDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets       = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the BFF.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec
	HTTPRateLimitedTotal  prometheus.Counter
	AuthFailuresTotal     *prometheus.CounterVec

	// Remote API metrics
	RemoteRequestsTotal       *prometheus.CounterVec
	RemoteRequestDuration     *prometheus.HistogramVec
	RemoteCircuitBreakerState prometheus.Gauge
	RemoteRetriesTotal        *prometheus.CounterVec
	RemoteThrottledTotal      prometheus.Counter
	ActionsPending            *prometheus.GaugeVec
	ActionsTotal              *prometheus.CounterVec

	// Engagement lifecycle metrics
	LifecycleTransitionsTotal *prometheus.CounterVec
	LifecycleSessionsActive   prometheus.Gauge
	AssignmentUpdatesTotal    *prometheus.CounterVec
	ConsistencySkipsTotal     prometheus.Counter

	// Navigation metrics
	NavigationStepsTotal       *prometheus.CounterVec
	CollectionCompletionsTotal *prometheus.CounterVec

	// History metrics
	AggregationsTotal       *prometheus.CounterVec
	AggregationDuration     *prometheus.HistogramVec
	AggregationMemoHits     *prometheus.CounterVec
	MissingAffirmationTotal prometheus.Counter
	CollectionFetchesTotal  prometheus.Counter

	// Cache metrics
	CollectionCacheHitsTotal   prometheus.Counter
	CollectionCacheMissesTotal prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workwell_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workwell_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workwell_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workwell_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workwell_http_rate_limited_total",
			Help: "Total inbound requests rejected by the rate limiter.",
		}),
		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workwell_auth_failures_total",
			Help: "Total inbound requests rejected during token verification.",
		}, []string{"reason"}),

		// Remote API
		RemoteRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workwell_remote_requests_total",
			Help: "Total number of remote API requests.",
		}, []string{"route", "method", "status"}),
		RemoteRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workwell_remote_request_duration_seconds",
			Help:    "Remote API request duration in seconds.",
			Buckets: remoteDurationBuckets,
		}, []string{"route"}),
		RemoteCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "workwell_remote_circuit_breaker_state",
			Help: "Remote API circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		RemoteRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workwell_remote_retries_total",
			Help: "Total number of remote API request retries.",
		}, []string{"route"}),
		RemoteThrottledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workwell_remote_throttled_total",
			Help: "Total remote API calls delayed by the per-user rate limiter.",
		}),
		ActionsPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "workwell_actions_pending",
			Help: "Number of dispatched remote actions still in flight.",
		}, []string{"action"}),
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workwell_actions_total",
			Help: "Total dispatched remote actions by outcome.",
		}, []string{"action", "outcome"}),

		// Lifecycle
		LifecycleTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workwell_lifecycle_transitions_total",
			Help: "Total engagement lifecycle state transitions.",
		}, []string{"from", "to"}),
		LifecycleSessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "workwell_lifecycle_sessions_active",
			Help: "Number of focused collection sessions.",
		}),
		AssignmentUpdatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workwell_assignment_updates_total",
			Help: "Total assignment status updates issued.",
		}, []string{"status"}),
		ConsistencySkipsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workwell_consistency_skips_total",
			Help: "Total assignment updates skipped on a collection URL mismatch.",
		}),

		// Navigation
		NavigationStepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workwell_navigation_steps_total",
			Help: "Total step navigations.",
		}, []string{"direction", "outcome"}),
		CollectionCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workwell_collection_completions_total",
			Help: "Total completed collection engagements.",
		}, []string{"category"}),

		// History
		AggregationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workwell_history_aggregations_total",
			Help: "Total history aggregation passes.",
		}, []string{"scope", "processed"}),
		AggregationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workwell_history_aggregation_duration_seconds",
			Help:    "History aggregation duration in seconds.",
			Buckets: remoteDurationBuckets,
		}, []string{"scope"}),
		AggregationMemoHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workwell_history_memo_hits_total",
			Help: "Total history aggregations served from the memo.",
		}, []string{"scope"}),
		MissingAffirmationTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workwell_history_missing_affirmation_total",
			Help: "Total workflows skipped because they have no affirmation step.",
		}),
		CollectionFetchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workwell_history_collection_fetches_total",
			Help: "Total collection detail fetches issued for missing history metadata.",
		}),

		// Cache
		CollectionCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workwell_collection_cache_hits_total",
			Help: "Total collection cache hits.",
		}),
		CollectionCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workwell_collection_cache_misses_total",
			Help: "Total collection cache misses.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.HTTPRateLimitedTotal,
		m.AuthFailuresTotal,
		// Remote API
		m.RemoteRequestsTotal,
		m.RemoteRequestDuration,
		m.RemoteCircuitBreakerState,
		m.RemoteRetriesTotal,
		m.RemoteThrottledTotal,
		m.ActionsPending,
		m.ActionsTotal,
		// Lifecycle
		m.LifecycleTransitionsTotal,
		m.LifecycleSessionsActive,
		m.AssignmentUpdatesTotal,
		m.ConsistencySkipsTotal,
		// Navigation
		m.NavigationStepsTotal,
		m.CollectionCompletionsTotal,
		// History
		m.AggregationsTotal,
		m.AggregationDuration,
		m.AggregationMemoHits,
		m.MissingAffirmationTotal,
		m.CollectionFetchesTotal,
		// Cache
		m.CollectionCacheHitsTotal,
		m.CollectionCacheMissesTotal,
	)

	return m
}

// NewNopMetrics returns instruments registered against a throwaway registry,
// for components constructed without a metrics sink.
func NewNopMetrics() *Metrics {
	return InitMetrics(prometheus.NewRegistry())
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

// RecordHTTPRateLimited records an inbound request rejected by the limiter.
func (m *Metrics) RecordHTTPRateLimited() {
	m.HTTPRateLimitedTotal.Inc()
}

// RecordAuthFailure records a rejected bearer token by reason.
func (m *Metrics) RecordAuthFailure(reason string) {
	m.AuthFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordRemoteRequest records a remote API request.
func (m *Metrics) RecordRemoteRequest(route, method string, status int, duration time.Duration) {
	m.RemoteRequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.RemoteRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// SetRemoteCircuitBreakerState sets the remote API circuit breaker state.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetRemoteCircuitBreakerState(state float64) {
	m.RemoteCircuitBreakerState.Set(state)
}

// RecordRemoteRetry records a remote API request retry.
func (m *Metrics) RecordRemoteRetry(route string) {
	m.RemoteRetriesTotal.WithLabelValues(route).Inc()
}

// RecordRemoteThrottled records a call that had to wait for the rate limiter.
func (m *Metrics) RecordRemoteThrottled() {
	m.RemoteThrottledTotal.Inc()
}

// RecordActionDispatched marks an action type as in flight.
func (m *Metrics) RecordActionDispatched(action string) {
	m.ActionsPending.WithLabelValues(action).Inc()
}

// RecordActionSettled marks an action type as settled with the given outcome
// ("success" or "failure").
func (m *Metrics) RecordActionSettled(action, outcome string) {
	m.ActionsPending.WithLabelValues(action).Dec()
	m.ActionsTotal.WithLabelValues(action, outcome).Inc()
}

// RecordLifecycleTransition records a lifecycle state change.
func (m *Metrics) RecordLifecycleTransition(from, to string) {
	m.LifecycleTransitionsTotal.WithLabelValues(from, to).Inc()
}

// SetLifecycleSessionsActive sets the number of focused sessions.
func (m *Metrics) SetLifecycleSessionsActive(n int) {
	m.LifecycleSessionsActive.Set(float64(n))
}

// RecordAssignmentUpdate records an issued assignment status update.
func (m *Metrics) RecordAssignmentUpdate(status string) {
	m.AssignmentUpdatesTotal.WithLabelValues(status).Inc()
}

// RecordConsistencySkip records an assignment update skipped on mismatch.
func (m *Metrics) RecordConsistencySkip() {
	m.ConsistencySkipsTotal.Inc()
}

// RecordNavigation records a step navigation.
func (m *Metrics) RecordNavigation(direction, outcome string) {
	m.NavigationStepsTotal.WithLabelValues(direction, outcome).Inc()
}

// RecordCollectionCompletion records a completed collection engagement.
func (m *Metrics) RecordCollectionCompletion(category string) {
	m.CollectionCompletionsTotal.WithLabelValues(category).Inc()
}

// RecordAggregation records a history aggregation pass.
func (m *Metrics) RecordAggregation(scope string, processed bool, duration time.Duration) {
	m.AggregationsTotal.WithLabelValues(scope, strconv.FormatBool(processed)).Inc()
	m.AggregationDuration.WithLabelValues(scope).Observe(duration.Seconds())
}

// RecordAggregationMemoHit records an aggregation served from the memo.
func (m *Metrics) RecordAggregationMemoHit(scope string) {
	m.AggregationMemoHits.WithLabelValues(scope).Inc()
}

// RecordMissingAffirmation records a workflow without an affirmation step.
func (m *Metrics) RecordMissingAffirmation() {
	m.MissingAffirmationTotal.Inc()
}

// RecordCollectionFetch records a collection detail fetch issued for history.
func (m *Metrics) RecordCollectionFetch() {
	m.CollectionFetchesTotal.Inc()
}

// RecordCollectionCacheHit records a collection cache hit.
func (m *Metrics) RecordCollectionCacheHit() {
	m.CollectionCacheHitsTotal.Inc()
}

// RecordCollectionCacheMiss records a collection cache miss.
func (m *Metrics) RecordCollectionCacheMiss() {
	m.CollectionCacheMissesTotal.Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware records request metrics labelled with the chi route
// pattern rather than the raw path.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := newStatusRecorder(w)
		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start),
			int(max(r.ContentLength, 0)), sw.bytes)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern returns the matched chi pattern, or the raw path when the
// request was not routed.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	if pattern := strings.TrimSuffix(strings.Join(rctx.RoutePatterns, ""), "/*"); pattern != "" {
		return pattern
	}
	return r.URL.Path
}

// statusRecorder captures the status code and body size a handler writes.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.written {
		w.status, w.written = code, true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *statusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }
