package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/pitabwire/workwell/internal/config"
	"github.com/pitabwire/workwell/internal/observability"
	"github.com/pitabwire/workwell/internal/ratelimit"
	"github.com/pitabwire/workwell/model"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 10 << 20

// Request is one call against a Route.
type Request struct {
	Route Route
	// ID fills the ":id" placeholder. Absolute URLs replace the whole path.
	ID       string
	DetailID string
	Query    url.Values
	Body     any
}

// Response is a completed remote call.
type Response struct {
	StatusCode int
	Body       []byte
}

// Decode unmarshals the response body into v.
func (r Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("api: empty response body")
	}
	return json.Unmarshal(r.Body, v)
}

// Client executes remote API calls on behalf of an authenticated user with
// retry, circuit breaking, and per-user throttling.
type Client struct {
	root    string
	cfg     config.APIConfig
	http    *http.Client
	breaker *CircuitBreaker
	limiter *ratelimit.Keyed
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewClient creates a Client for the configured API.
func NewClient(cfg config.APIConfig, metrics *observability.Metrics, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	breaker := NewCircuitBreaker(cfg.CircuitBreaker)
	breaker.OnStateChange(func(s BreakerState) {
		metrics.SetRemoteCircuitBreakerState(s.Gauge())
		logger.Warn("remote api circuit breaker changed state", zap.String("state", s.String()))
	})

	return &Client{
		root:    cfg.Root(),
		cfg:     cfg,
		http:    &http.Client{Timeout: timeout, Transport: transport},
		breaker: breaker,
		limiter: ratelimit.New(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		metrics: metrics,
		logger:  logger,
	}
}

// Root returns the versioned API root.
func (c *Client) Root() string { return c.root }

// Available reports whether the remote API is accepting calls.
func (c *Client) Available() bool {
	return c.breaker.State() != BreakerOpen
}

// Limiter exposes the per-user throttle so its cleanup loop can be run.
func (c *Client) Limiter() *ratelimit.Keyed { return c.limiter }

// Do executes req. Non-2xx responses return the response together with a
// *model.APIError; transport failures return a *model.ErrorEnvelope.
func (c *Client) Do(ctx context.Context, rctx *model.RequestContext, req Request) (Response, error) {
	ctx, span := observability.StartClientSpan(ctx, "api."+req.Route.Name,
		observability.AttrRoute.String(req.Route.Name),
		observability.AttrAction.String(string(req.Route.Types.Action)),
		observability.AttrWrite.Bool(req.Route.Method != http.MethodGet),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	if rctx != nil {
		var waited bool
		waited, err = c.limiter.Wait(ctx, rctx.SubjectID)
		if err != nil {
			return Response{}, model.NewRateLimitedError()
		}
		if waited {
			c.metrics.RecordRemoteThrottled()
		}
	}

	reqURL := req.Route.Expand(c.root, req.ID, req.DetailID)
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(reqURL, "?") {
			sep = "&"
		}
		reqURL += sep + req.Query.Encode()
	}

	var body []byte
	if req.Body != nil {
		body, err = json.Marshal(req.Body)
		if err != nil {
			err = fmt.Errorf("api: marshal body: %w", err)
			return Response{}, err
		}
	}

	headers := buildHeaders(rctx, req.Route.Method)
	observability.InjectTraceHeaders(ctx, headers)

	if ce := c.logger.Check(zap.DebugLevel, "remote call"); ce != nil {
		ce.Write(
			zap.String("route", req.Route.Name),
			zap.String("method", req.Route.Method),
			zap.String("url", reqURL),
			zap.Any("body", observability.RedactJSON(body)),
		)
	}

	var resp Response
	resp, err = c.executeWithRetry(ctx, req.Route, reqURL, headers, body)
	if err != nil {
		return Response{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if ce := c.logger.Check(zap.DebugLevel, "remote call rejected"); ce != nil {
			ce.Write(
				zap.String("route", req.Route.Name),
				zap.Int("status", resp.StatusCode),
				zap.Any("body", observability.RedactJSON(resp.Body)),
			)
		}
		err = model.NewAPIError(resp.StatusCode, resp.Body)
		return resp, err
	}
	return resp, nil
}

func (c *Client) executeWithRetry(ctx context.Context, route Route, reqURL string, headers http.Header, body []byte) (Response, error) {
	retryCfg := c.cfg.Retry
	maxAttempts := retryCfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	canRetry := isIdempotentMethod(route.Method) || !retryCfg.IdempotentOnly

	var lastErr error
	var lastResp Response

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			c.metrics.RecordRemoteRetry(route.Name)
			select {
			case <-ctx.Done():
				return Response{}, model.NewBackendTimeoutError()
			case <-time.After(calculateBackoff(retryCfg, attempt)):
			}
		}

		resp, err := c.executeOnce(ctx, route, reqURL, headers, body)
		if err != nil {
			lastErr = err
			if !canRetry || !isRetryableError(err) {
				return Response{}, err
			}
			c.logger.Debug("retrying remote call after error",
				zap.String("route", route.Name),
				zap.Int("attempt", attempt+1),
				zap.Int("max", maxAttempts),
				zap.Error(err),
			)
			continue
		}

		if isRetryableStatus(resp.StatusCode) && canRetry && attempt < maxAttempts-1 {
			lastErr = nil
			lastResp = resp
			c.logger.Debug("retrying remote call after status",
				zap.String("route", route.Name),
				zap.Int("attempt", attempt+1),
				zap.Int("status", resp.StatusCode),
			)
			continue
		}
		return resp, nil
	}

	if lastErr != nil {
		return Response{}, lastErr
	}
	return lastResp, nil
}

func (c *Client) executeOnce(ctx context.Context, route Route, reqURL string, headers http.Header, body []byte) (Response, error) {
	if err := c.breaker.Allow(); err != nil {
		return Response{}, model.NewBackendUnavailableError()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, route.Method, reqURL, reader)
	if err != nil {
		c.breaker.Record(OutcomeIgnored)
		return Response{}, fmt.Errorf("api: build request: %w", err)
	}
	req.Header = headers.Clone()

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		c.metrics.RecordRemoteRequest(route.Name, route.Method, 0, time.Since(start))
		if ctx.Err() != nil {
			return Response{}, model.NewBackendTimeoutError()
		}
		if isConnectionError(err) {
			return Response{}, model.NewBackendUnavailableError()
		}
		return Response{}, fmt.Errorf("api: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.metrics.RecordRemoteRequest(route.Name, route.Method, resp.StatusCode, time.Since(start))
	if err != nil {
		c.breaker.RecordFailure()
		return Response{}, fmt.Errorf("api: read response: %w", err)
	}

	c.breaker.Record(outcomeForStatus(resp.StatusCode))
	return Response{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// DecodeList decodes a list endpoint body. The API answers with either a
// bare array or a paginated object carrying a "results" array.
func DecodeList[T any](body []byte) ([]T, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("api: invalid JSON list body")
	}
	parsed := gjson.ParseBytes(body)
	if !parsed.IsArray() {
		parsed = parsed.Get("results")
		if !parsed.Exists() {
			return nil, nil
		}
		if !parsed.IsArray() {
			return nil, fmt.Errorf("api: results is not an array")
		}
	}
	var out []T
	if err := json.Unmarshal([]byte(parsed.Raw), &out); err != nil {
		return nil, fmt.Errorf("api: decode list: %w", err)
	}
	return out, nil
}

func buildHeaders(rctx *model.RequestContext, method string) http.Header {
	h := make(http.Header)
	h.Set("Accept", "application/json")
	if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
		h.Set("Content-Type", "application/json")
	}
	if rctx != nil {
		if rctx.Token != "" {
			h.Set("Authorization", "Bearer "+sanitizeHeader(rctx.Token))
		}
		if rctx.CorrelationID != "" {
			h.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
		}
		if rctx.DeviceID != "" {
			h.Set("X-Device-Id", sanitizeHeader(rctx.DeviceID))
		}
		if rctx.Locale != "" {
			h.Set("Accept-Language", sanitizeHeader(rctx.Locale))
		}
	}
	return h
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

func isIdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodDelete,
		http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	// Envelopes already describe a final outcome, e.g. an open breaker.
	var env *model.ErrorEnvelope
	return !errors.As(err, &env)
}

func isConnectionError(err error) bool {
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}
	delay := cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	return delay
}
