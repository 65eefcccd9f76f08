package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/workwell/internal/config"
	"github.com/pitabwire/workwell/internal/observability"
	"github.com/pitabwire/workwell/internal/ratelimit"
	"github.com/pitabwire/workwell/model"
)

func testDeps() Dependencies {
	cfg := config.Defaults()
	cfg.Server.CORS.AllowedOrigins = []string{"https://app.workwell.test"}
	cfg.Server.HandlerTimeout = 5 * time.Second
	return Dependencies{
		Config:    cfg,
		Logger:    zap.NewNop(),
		Readiness: observability.ReadinessChecks{RemoteAPIAvailable: func() bool { return true }},
	}
}

func rejectAll(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, model.NewUnauthorizedError("rejected"))
	})
}

func serve(h http.Handler, method, path string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func okHandler(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }

func TestNewRouter_publicEndpoints(t *testing.T) {
	deps := testDeps()
	deps.Authenticate = rejectAll
	r := NewRouter(deps)

	for _, path := range []string{"/ui/health", "/ui/ready", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			w := serve(r, http.MethodGet, path)
			assert.Equal(t, http.StatusOK, w.Code, "public endpoints bypass authentication")
			assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
			assert.NotEmpty(t, w.Header().Get(correlationHeader))
		})
	}

	var health map[string]any
	require.NoError(t, json.NewDecoder(serve(r, http.MethodGet, "/ui/health").Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
}

func TestNewRouter_notReadyWhenBreakerOpen(t *testing.T) {
	deps := testDeps()
	deps.Readiness = observability.ReadinessChecks{RemoteAPIAvailable: func() bool { return false }}

	assert.Equal(t, http.StatusServiceUnavailable, serve(NewRouter(deps), http.MethodGet, "/ui/ready").Code)
}

func TestNewRouter_memberRoutesRequireAuth(t *testing.T) {
	deps := testDeps()
	deps.Authenticate = rejectAll
	r := NewRouter(deps)

	routes := []struct{ method, path string }{
		{http.MethodGet, "/v1/history"},
		{http.MethodGet, "/v1/myd/history"},
		{http.MethodGet, "/v1/completions"},
		{http.MethodGet, "/v1/collections/breathe/history"},
		{http.MethodPost, "/v1/collections/breathe/focus"},
		{http.MethodGet, "/v1/collections/breathe/focus"},
		{http.MethodDelete, "/v1/collections/breathe/focus"},
		{http.MethodPost, "/v1/collections/breathe/next"},
		{http.MethodPost, "/v1/collections/breathe/back"},
		{http.MethodGet, "/v1/collections/breathe/steps/s-reflect/answers"},
	}
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			assert.Equal(t, http.StatusUnauthorized, serve(r, rt.method, rt.path).Code)
		})
	}

	assert.Equal(t, http.StatusMethodNotAllowed, serve(r, http.MethodPut, "/v1/collections/breathe/focus").Code)
}

// The authenticated group must see the correlation ID and security headers
// set by the global chain, and the limiter must key on the member the
// request context identifies.
func TestNewRouter_middlewareOrder(t *testing.T) {
	var seenCorrelation string
	auth := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seenCorrelation = CorrelationIDFrom(r.Context())
			assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
			ctx := WithClaims(r.Context(), map[string]any{"sub": "member-1"})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}

	deps := testDeps()
	deps.Authenticate = auth
	deps.Limiter = ratelimit.New(0.001, 1)
	r := NewRouter(deps)

	first := serve(r, http.MethodGet, "/v1/completions", "Authorization", "Bearer t", correlationHeader, "corr-1")
	assert.Equal(t, "corr-1", seenCorrelation)
	assert.NotEqual(t, http.StatusTooManyRequests, first.Code)

	second := serve(r, http.MethodGet, "/v1/completions", "Authorization", "Bearer t")
	assert.Equal(t, http.StatusTooManyRequests, second.Code, "same member shares one bucket")
}

func TestRecovery(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	h := RequestID(Recovery(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	w := serve(h, http.MethodGet, "/")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "boom")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, w.Header().Get(correlationHeader), logs.All()[0].ContextMap()["correlation_id"])

	assert.Equal(t, http.StatusOK, serve(Recovery(zap.NewNop())(http.HandlerFunc(okHandler)), http.MethodGet, "/").Code)
}

func TestCORS(t *testing.T) {
	cfg := config.CORSConfig{
		AllowedOrigins: []string{"https://app.workwell.test"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         3600,
	}
	var called bool
	h := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("preflight from allowed origin", func(t *testing.T) {
		called = false
		w := serve(h, http.MethodOptions, "/", "Origin", "https://app.workwell.test")
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.False(t, called)
		assert.Equal(t, "https://app.workwell.test", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "GET, POST", w.Header().Get("Access-Control-Allow-Methods"))
		assert.Equal(t, "3600", w.Header().Get("Access-Control-Max-Age"))
		assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), "Retry-After")
	})

	t.Run("foreign origin", func(t *testing.T) {
		called = false
		w := serve(h, http.MethodGet, "/", "Origin", "https://evil.example.com")
		assert.True(t, called)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "Origin", w.Header().Get("Vary"))
	})
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationIDFrom(r.Context())
	}))

	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{"generated", "", false},
		{"propagated", "corr-123.abc:9", true},
		{"too long", strings.Repeat("a", 129), false},
		{"unsafe characters", "x\" injected=1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var w *httptest.ResponseRecorder
			if tt.header == "" {
				w = serve(h, http.MethodGet, "/")
			} else {
				w = serve(h, http.MethodGet, "/", correlationHeader, tt.header)
			}
			assert.NotEmpty(t, seen)
			assert.Equal(t, seen, w.Header().Get(correlationHeader))
			if tt.keep {
				assert.Equal(t, tt.header, seen)
			} else {
				assert.NotEqual(t, tt.header, seen)
			}
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	w := serve(SecurityHeaders(http.HandlerFunc(okHandler)), http.MethodGet, "/")
	for _, kv := range securityHeaders {
		assert.Equal(t, kv[1], w.Header().Get(kv[0]), kv[0])
	}
}

func TestBuildRequestContextMiddleware(t *testing.T) {
	var got *model.RequestContext
	h := BuildRequestContextMiddleware(map[string]string{"email": "profile.contact.email"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = model.RequestContextFrom(r.Context())
		}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	req.Header.Set("X-Device-Id", "ios-7")
	req.Header.Set("X-Timezone", "Europe/Berlin")
	req = req.WithContext(WithClaims(req.Context(), map[string]any{
		"sub":     "member-9",
		"profile": map[string]any{"contact": map[string]any{"email": "m9@workwell.test"}},
	}))
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, got)
	assert.Equal(t, "member-9", got.SubjectID)
	assert.Equal(t, "m9@workwell.test", got.Email)
	assert.Equal(t, "tok-1", got.Token)
	assert.Equal(t, "ios-7", got.DeviceID)
	assert.Equal(t, "Europe/Berlin", got.Timezone)

	noSubject := httptest.NewRequest(http.MethodGet, "/", nil)
	noSubject.Header.Set("Authorization", "Bearer tok-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, noSubject)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRateLimit(t *testing.T) {
	metrics := observability.NewNopMetrics()
	h := RateLimit(ratelimit.New(1, 2), metrics)(http.HandlerFunc(okHandler))

	call := func(subject string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(model.WithRequestContext(req.Context(), &model.RequestContext{SubjectID: subject, Token: "t"}))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, call("member-1").Code)
	assert.Equal(t, http.StatusOK, call("member-1").Code)
	limited := call("member-1")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, call("member-2").Code, "members have separate buckets")

	assert.Equal(t, http.StatusOK, serve(RateLimit(nil, metrics)(http.HandlerFunc(okHandler)), http.MethodGet, "/").Code)
}

func TestHandlerTimeout(t *testing.T) {
	var deadline time.Time
	var has bool
	probe := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, has = r.Context().Deadline()
	})

	serve(HandlerTimeout(100*time.Millisecond)(probe), http.MethodGet, "/")
	require.True(t, has)
	assert.WithinDuration(t, time.Now().Add(100*time.Millisecond), deadline, 100*time.Millisecond)

	serve(HandlerTimeout(0)(probe), http.MethodGet, "/")
	assert.False(t, has)
}

func TestRequestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := RequestLogging(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotNil(t, observability.LoggerFrom(r.Context(), nil))
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{}}`))
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/collections/c1/next", nil)
	req = req.WithContext(model.WithRequestContext(req.Context(), &model.RequestContext{SubjectID: "member-1", Token: "t"}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	fields := entry.ContextMap()
	assert.Equal(t, int64(http.StatusConflict), fields["status"])
	assert.Equal(t, int64(len(`{"error":{}}`)), fields["bytes"])
	assert.Equal(t, "member-1", fields["subject_id"])
}

func TestClaimString(t *testing.T) {
	claims := map[string]any{
		"sub":  "member-1",
		"n":    42,
		"user": map[string]any{"id": "u-7"},
	}
	assert.Equal(t, "member-1", claimString(claims, "sub"))
	assert.Equal(t, "u-7", claimString(claims, "user.id"))
	assert.Empty(t, claimString(claims, "n"))
	assert.Empty(t, claimString(claims, "sub.deeper"))
	assert.Empty(t, claimString(nil, "sub"))
}
