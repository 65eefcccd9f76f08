package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

var startedAt = time.Now()

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ReadinessResponse is the readiness payload.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one dependency probe.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker probes a dependency.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReadinessChecks lists the dependencies probed by the readiness endpoint.
// The remote API check always runs; the others run when set.
type ReadinessChecks struct {
	RemoteAPIAvailable func() bool

	CollectionCache HealthChecker
	AnalyticsStore  HealthChecker
	Identity        HealthChecker
}

var errRemoteOpen = errors.New("remote API circuit is open")

const checkTimeout = 2 * time.Second

func (rc ReadinessChecks) probes() map[string]func(context.Context) error {
	probes := map[string]func(context.Context) error{
		"remote_api": func(context.Context) error {
			if rc.RemoteAPIAvailable == nil || !rc.RemoteAPIAvailable() {
				return errRemoteOpen
			}
			return nil
		},
	}
	for name, hc := range map[string]HealthChecker{
		"collection_cache": rc.CollectionCache,
		"analytics_store":  rc.AnalyticsStore,
		"identity":         rc.Identity,
	} {
		if hc != nil {
			probes[name] = hc.HealthCheck
		}
	}
	return probes
}

// HandleHealth serves the liveness endpoint.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{
			Status:        "ok",
			Version:       Version,
			Commit:        Commit,
			UptimeSeconds: int64(time.Since(startedAt).Seconds()),
		})
	}
}

// HandleReady serves the readiness endpoint. Probes run concurrently, each
// bounded by checkTimeout; any failure answers 503.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			mu      sync.Mutex
			results = map[string]CheckResult{}
			g       errgroup.Group
		)
		for name, probe := range checks.probes() {
			g.Go(func() error {
				res := runProbe(r.Context(), probe)
				mu.Lock()
				results[name] = res
				mu.Unlock()
				return nil
			})
		}
		g.Wait()

		resp := ReadinessResponse{Status: "ready", Checks: results}
		status := http.StatusOK
		for _, res := range results {
			if res.Status != "ok" {
				resp.Status = "not_ready"
				status = http.StatusServiceUnavailable
				break
			}
		}
		writeHealthJSON(w, status, resp)
	}
}

func runProbe(parent context.Context, probe func(context.Context) error) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := probe(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}

func writeHealthJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
