// Package integration runs the BFF end to end: the full router and
// middleware chain served over HTTP, backed by a fake remote API, in-memory
// stores and a local token issuer.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/workwell/internal/analytics"
	"github.com/pitabwire/workwell/internal/api"
	"github.com/pitabwire/workwell/internal/apitest"
	"github.com/pitabwire/workwell/internal/cache"
	"github.com/pitabwire/workwell/internal/catalog"
	"github.com/pitabwire/workwell/internal/config"
	"github.com/pitabwire/workwell/internal/engagement"
	historysvc "github.com/pitabwire/workwell/internal/history"
	"github.com/pitabwire/workwell/internal/myd"
	"github.com/pitabwire/workwell/internal/navigation"
	"github.com/pitabwire/workwell/internal/observability"
	"github.com/pitabwire/workwell/internal/ratelimit"
	"github.com/pitabwire/workwell/internal/store"
	"github.com/pitabwire/workwell/internal/transport"
)

// TestHarness is a running BFF plus handles on the pieces tests poke at.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	client *http.Client
	issuer *tokenIssuer

	Remote     *apitest.Remote
	Client     *api.Client
	Controller *engagement.Controller
	Sink       *analytics.MemorySink
}

// HarnessOption adjusts the configuration before the server is wired.
type HarnessOption func(*config.Config)

// WithHandlerTimeout bounds every request handler.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *config.Config) { c.Server.HandlerTimeout = d }
}

// WithAPIConfig edits the remote API client settings.
func WithAPIConfig(fn func(*config.APIConfig)) HarnessOption {
	return func(c *config.Config) { fn(&c.API) }
}

// WithInboundRateLimit gives each member perSecond requests with the given
// burst.
func WithInboundRateLimit(perSecond float64, burst int) HarnessOption {
	return func(c *config.Config) {
		c.Server.RateLimit = config.RateLimitConfig{RequestsPerSecond: perSecond, Burst: burst}
	}
}

// NewTestHarness wires and starts a BFF. Everything is torn down with t.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	h := &TestHarness{
		t:      t,
		issuer: newTokenIssuer(t),
		Remote: apitest.NewRemote(t),
		Sink:   analytics.NewMemorySink(),
		client: &http.Client{
			Timeout:       10 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}
	cfg := h.config()
	for _, opt := range opts {
		opt(cfg)
	}

	logger := zap.NewNop()
	metrics := observability.NewNopMetrics()

	h.Client = api.NewClient(cfg.API, metrics, logger)
	d := api.NewDispatcher(h.Client, cfg.API.ActionTimeout, metrics, logger)
	collections := cache.NewMemory()
	cat := catalog.New(collections, d, time.Minute, metrics, logger)
	sessions := store.New(time.Minute)
	reconciler := engagement.NewAssignmentReconciler(d, sessions, metrics, logger)
	h.Controller = engagement.NewController(d, cat, reconciler, 2*time.Second, time.Minute, metrics, logger)

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, time.Hour, logger)
	root := h.Client.Root()
	tz := cfg.Engagement.DefaultTimezone

	h.server = httptest.NewServer(transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks, metrics),
		Limiter:      ratelimit.New(cfg.Server.RateLimit.RequestsPerSecond, cfg.Server.RateLimit.Burst),
		Readiness: observability.ReadinessChecks{
			RemoteAPIAvailable: h.Client.Available,
			CollectionCache:    collections,
			AnalyticsStore:     h.Sink,
			Identity:           jwks,
		},
		CollectionURL: func(id string) string { return api.CollectionURL(root, id) },
		Controller:    h.Controller,
		Navigator:     navigation.NewNavigator(d, h.Controller, cat, h.Sink, metrics, logger),
		History:       historysvc.NewService(d, cat, sessions, tz, metrics, logger),
		MYD:           myd.NewService(d, tz, logger),
		Completions:   h.Sink,
	}))
	t.Cleanup(h.server.Close)
	return h
}

// config returns defaults pointed at the fake remote and local issuer, with
// short retry backoff and no outbound throttling.
func (h *TestHarness) config() *config.Config {
	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = 10 * time.Second
	cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.Identity.Issuer = testIssuer
	cfg.Identity.Audience = testAudience
	cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	cfg.API.BaseURL = h.Remote.URL()
	cfg.API.Timeout = 5 * time.Second
	cfg.API.ActionTimeout = 5 * time.Second
	cfg.API.Retry.BackoffInitial = 5 * time.Millisecond
	cfg.API.Retry.BackoffMax = 20 * time.Millisecond
	cfg.API.RateLimit = config.RateLimitConfig{}
	return cfg
}

func (h *TestHarness) BaseURL() string { return h.server.URL }

func (h *TestHarness) GenerateToken(c TestClaims) string { return h.issuer.GenerateToken(c) }

func (h *TestHarness) GenerateExpiredToken(c TestClaims) string {
	return h.issuer.GenerateExpiredToken(c)
}

func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, headers)
}

// POST sends body as JSON.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodDelete, path, nil, token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("encode %s %s body: %v", method, path, err)
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, payload)
	if err != nil {
		h.t.Fatalf("build %s %s: %v", method, path, err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// ReadBody drains and closes the response body.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read body: %v", err)
	}
	return data
}

// ParseJSON decodes the response body into target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	data := h.ReadBody(resp)
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("decode body: %v\n%s", err, data)
	}
}

// AssertStatus fails t unless resp has the expected status. The body is
// consumed either way.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	body := h.ReadBody(resp)
	if resp.StatusCode != expected {
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, body)
	}
}

// AssertJSON stops t unless resp has the expected status, then decodes the
// body into target.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, h.ReadBody(resp))
	}
	h.ParseJSON(resp, target)
}

// MemberClaims is the default member.
func MemberClaims() TestClaims {
	return TestClaims{SubjectID: "member-1", Email: "member@workwell.test"}
}

// OtherMemberClaims is a second member used for isolation checks.
func OtherMemberClaims() TestClaims {
	return TestClaims{SubjectID: "member-2", Email: "other@workwell.test"}
}

// StepBody builds a navigation request. pairs alternate step input IDs and
// answers.
func StepBody(workflow, step string, pairs ...string) map[string]any {
	questions := make([]map[string]any, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		questions = append(questions, map[string]any{"stepInputID": pairs[i], "response": pairs[i+1]})
	}
	return map[string]any{
		"workflow":      workflow,
		"step":          step,
		"user_response": map[string]any{"questions": questions},
		"started_from":  "Home",
	}
}
