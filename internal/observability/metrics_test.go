package observability

import (
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitMetrics_exposesEveryInstrument(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)

	// Vectors only show up in Gather once a series exists.
	m.RecordHTTPRequest(http.MethodGet, "/v1/history", 200, time.Millisecond, 0, 100)
	m.RecordHTTPRateLimited()
	m.RecordAuthFailure("expired")
	m.RecordRemoteRequest("engagement.update", http.MethodPatch, 200, time.Millisecond)
	m.SetRemoteCircuitBreakerState(0)
	m.RecordRemoteRetry("collection.detail")
	m.RecordRemoteThrottled()
	m.RecordActionDispatched("UPDATE_ENGAGEMENT")
	m.RecordActionSettled("UPDATE_ENGAGEMENT", "success")
	m.RecordLifecycleTransition("idle", "loading")
	m.SetLifecycleSessionsActive(1)
	m.RecordAssignmentUpdate("IN_PROGRESS")
	m.RecordConsistencySkip()
	m.RecordNavigation("next", "navigate")
	m.RecordCollectionCompletion("ACTIVITY")
	m.RecordAggregation("collection", true, time.Millisecond)
	m.RecordAggregationMemoHit("collection")
	m.RecordMissingAffirmation()
	m.RecordCollectionFetch()
	m.RecordCollectionCacheHit()
	m.RecordCollectionCacheMiss()

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}

	for _, want := range []string{
		"workwell_http_requests_total",
		"workwell_http_request_duration_seconds",
		"workwell_http_request_size_bytes",
		"workwell_http_response_size_bytes",
		"workwell_http_rate_limited_total",
		"workwell_auth_failures_total",
		"workwell_remote_requests_total",
		"workwell_remote_request_duration_seconds",
		"workwell_remote_circuit_breaker_state",
		"workwell_remote_retries_total",
		"workwell_remote_throttled_total",
		"workwell_actions_pending",
		"workwell_actions_total",
		"workwell_lifecycle_transitions_total",
		"workwell_lifecycle_sessions_active",
		"workwell_assignment_updates_total",
		"workwell_consistency_skips_total",
		"workwell_navigation_steps_total",
		"workwell_collection_completions_total",
		"workwell_history_aggregations_total",
		"workwell_history_aggregation_duration_seconds",
		"workwell_history_memo_hits_total",
		"workwell_history_missing_affirmation_total",
		"workwell_history_collection_fetches_total",
		"workwell_collection_cache_hits_total",
		"workwell_collection_cache_misses_total",
	} {
		assert.Contains(t, names, want)
	}
}

func TestMetrics_recorders(t *testing.T) {
	m := NewNopMetrics()

	m.RecordHTTPRequest(http.MethodGet, "/v1/history", 200, 50*time.Millisecond, 0, 1024)
	m.RecordHTTPRequest(http.MethodGet, "/v1/history", 200, 80*time.Millisecond, 0, 2048)
	m.RecordRemoteRequest("engagement.create", http.MethodPost, 201, 100*time.Millisecond)

	m.RecordActionDispatched("CREATE_ENGAGEMENT")
	m.RecordActionDispatched("CREATE_ENGAGEMENT")
	pendingPeak := testutil.ToFloat64(m.ActionsPending.WithLabelValues("CREATE_ENGAGEMENT"))
	m.RecordActionSettled("CREATE_ENGAGEMENT", "success")
	m.RecordActionSettled("CREATE_ENGAGEMENT", "failure")

	m.RecordLifecycleTransition("loading", "closing")
	m.RecordLifecycleTransition("closing", "creating")
	m.RecordAggregation("all", false, time.Millisecond)
	m.RecordAggregation("all", true, time.Millisecond)
	m.RecordAggregationMemoHit("all")
	m.SetRemoteCircuitBreakerState(2)
	m.RecordCollectionCacheHit()
	m.RecordCollectionCacheHit()
	m.RecordCollectionCacheMiss()

	tests := []struct {
		name      string
		collector prometheus.Collector
		want      float64
	}{
		{"http by route", m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/history", "200"), 2},
		{"remote by route", m.RemoteRequestsTotal.WithLabelValues("engagement.create", "POST", "201"), 1},
		{"actions pending after settle", m.ActionsPending.WithLabelValues("CREATE_ENGAGEMENT"), 0},
		{"action failures", m.ActionsTotal.WithLabelValues("CREATE_ENGAGEMENT", "failure"), 1},
		{"closing to creating", m.LifecycleTransitionsTotal.WithLabelValues("closing", "creating"), 1},
		{"unprocessed aggregations", m.AggregationsTotal.WithLabelValues("all", "false"), 1},
		{"memo hits", m.AggregationMemoHits.WithLabelValues("all"), 1},
		{"breaker open", m.RemoteCircuitBreakerState, 2},
		{"cache hits", m.CollectionCacheHitsTotal, 2},
		{"cache misses", m.CollectionCacheMissesTotal, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, testutil.ToFloat64(tt.collector), tt.name)
	}
	assert.Equal(t, 2.0, pendingPeak)
	assert.Positive(t, testutil.CollectAndCount(m.AggregationDuration))
}

func TestMetricsMiddleware(t *testing.T) {
	m := NewNopMetrics()

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/v1/collections/{collectionId}/history", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	})
	r.Post("/v1/collections/{collectionId}/next", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/v1/collections/breathe/history", nil),
		httptest.NewRequest(http.MethodGet, "/v1/collections/stretch/history", nil),
		httptest.NewRequest(http.MethodPost, "/v1/collections/breathe/next", strings.NewReader(`{}`)),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(
		m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/collections/{collectionId}/history", "200")),
		"collection IDs collapse into the route pattern")
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/collections/{collectionId}/next", "422")))
	assert.Positive(t, testutil.CollectAndCount(m.HTTPResponseSizeBytes))
}

func TestMetricsMiddleware_unroutedUsesPath(t *testing.T) {
	m := NewNopMetrics()
	h := m.MetricsMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ui/health", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/ui/health", "200")))
}

func TestHandler_servesMetrics(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestBucketsAscend(t *testing.T) {
	for name, b := range map[string][]float64{
		"http":   httpDurationBuckets,
		"remote": remoteDurationBuckets,
		"body":   bodySizeBuckets,
	} {
		assert.True(t, slices.IsSorted(b), name)
		assert.Len(t, slices.Compact(slices.Clone(b)), len(b), "%s buckets repeat", name)
	}
}
