package api

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/pitabwire/workwell/internal/config"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg config.CircuitBreakerConfig) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(cfg)
	cb.now = clock.now
	return cb, clock
}

func fail(t *testing.T, cb *CircuitBreaker, n int) {
	t.Helper()
	for range n {
		if err := cb.Allow(); err != nil {
			t.Fatalf("Allow() = %v while recording failures", err)
		}
		cb.Record(OutcomeFailure)
	}
}

func TestCircuitBreaker_consecutiveFailuresOpen(t *testing.T) {
	cb, _ := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 3, Timeout: time.Minute})

	fail(t, cb, 2)
	if cb.State() != BreakerClosed {
		t.Fatalf("state = %s after 2 failures, want closed", cb.State())
	}
	fail(t, cb, 1)
	if cb.State() != BreakerOpen {
		t.Fatalf("state = %s after 3 failures, want open", cb.State())
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow() = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_successResetsStreak(t *testing.T) {
	cb, _ := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 3})

	fail(t, cb, 2)
	cb.Allow()
	cb.Record(OutcomeSuccess)
	fail(t, cb, 2)

	if cb.State() != BreakerClosed {
		t.Errorf("state = %s, want closed", cb.State())
	}
	if failures, _ := cb.Counts(); failures != 2 {
		t.Errorf("consecutive failures = %d, want 2", failures)
	}
}

func TestCircuitBreaker_clientErrorsAreNeutral(t *testing.T) {
	cb, _ := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 2})

	fail(t, cb, 1)
	for range 10 {
		cb.Allow()
		cb.Record(outcomeForStatus(http.StatusUnprocessableEntity))
	}
	if failures, _ := cb.Counts(); failures != 1 {
		t.Errorf("consecutive failures = %d, want 1 (4xx neither fails nor resets)", failures)
	}
}

func TestCircuitBreaker_halfOpenLifecycle(t *testing.T) {
	tests := []struct {
		name     string
		outcomes []Outcome
		want     BreakerState
	}{
		{"probes succeed", []Outcome{OutcomeSuccess, OutcomeSuccess}, BreakerClosed},
		{"one success is not enough", []Outcome{OutcomeSuccess}, BreakerHalfOpen},
		{"probe fails", []Outcome{OutcomeSuccess, OutcomeFailure}, BreakerOpen},
		{"ignored probe keeps waiting", []Outcome{OutcomeIgnored}, BreakerHalfOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clock := newTestBreaker(config.CircuitBreakerConfig{
				FailureThreshold: 1, SuccessThreshold: 2, Timeout: 10 * time.Second,
			})
			fail(t, cb, 1)

			clock.advance(5 * time.Second)
			if cb.State() != BreakerOpen {
				t.Fatalf("state = %s before timeout, want open", cb.State())
			}
			clock.advance(6 * time.Second)
			if cb.State() != BreakerHalfOpen {
				t.Fatalf("state = %s after timeout, want half-open", cb.State())
			}

			for _, o := range tt.outcomes {
				if err := cb.Allow(); err != nil {
					t.Fatalf("Allow() = %v during probes", err)
				}
				cb.Record(o)
			}
			if got := cb.State(); got != tt.want {
				t.Errorf("state = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_halfOpenLimitsConcurrentProbes(t *testing.T) {
	cb, clock := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Second,
	})
	fail(t, cb, 1)
	clock.advance(2 * time.Second)

	if err := cb.Allow(); err != nil {
		t.Fatalf("probe 1: %v", err)
	}
	if err := cb.Allow(); err != nil {
		t.Fatalf("probe 2: %v", err)
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("probe 3 = %v, want ErrCircuitOpen while two probes are in flight", err)
	}

	cb.Record(OutcomeIgnored)
	if err := cb.Allow(); err != nil {
		t.Errorf("Allow() after a probe settled = %v", err)
	}
}

func TestCircuitBreaker_errorRate(t *testing.T) {
	cfg := config.CircuitBreakerConfig{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.5,
		ErrorRateWindow:    10 * time.Second,
	}

	t.Run("trips once enough samples fail", func(t *testing.T) {
		cb, _ := newTestBreaker(cfg)
		for i := range 10 {
			cb.Allow()
			if i%2 == 0 {
				cb.Record(OutcomeSuccess)
			} else {
				cb.Record(OutcomeFailure)
			}
		}
		if cb.State() != BreakerOpen {
			t.Errorf("state = %s at 50%% over 10 calls, want open", cb.State())
		}
	})

	t.Run("needs minimum samples", func(t *testing.T) {
		cb, _ := newTestBreaker(cfg)
		fail(t, cb, minErrorRateSamples-1)
		if cb.State() != BreakerClosed {
			t.Errorf("state = %s below sample floor, want closed", cb.State())
		}
	})

	t.Run("old calls slide out of the window", func(t *testing.T) {
		cb, clock := newTestBreaker(cfg)
		fail(t, cb, 5)
		clock.advance(11 * time.Second)
		for range 5 {
			cb.Allow()
			cb.Record(OutcomeSuccess)
		}
		rate, total := cb.ErrorRate()
		if total != 5 || rate != 0 {
			t.Errorf("ErrorRate() = %v over %d calls, want 0 over 5", rate, total)
		}
	})

	t.Run("disabled without a window", func(t *testing.T) {
		cb, _ := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 100, ErrorRateThreshold: 0.1})
		fail(t, cb, 20)
		if cb.State() != BreakerClosed {
			t.Errorf("state = %s, want closed", cb.State())
		}
		if _, total := cb.ErrorRate(); total != 0 {
			t.Errorf("window total = %d, want 0", total)
		}
	})
}

func TestCircuitBreaker_defaults(t *testing.T) {
	cb := NewCircuitBreaker(config.CircuitBreakerConfig{})
	if cb.cfg.FailureThreshold != 5 || cb.cfg.SuccessThreshold != 2 || cb.cfg.Timeout != 30*time.Second {
		t.Errorf("defaults = %+v", cb.cfg)
	}
}

func TestCircuitBreaker_onStateChange(t *testing.T) {
	cb, clock := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second,
	})
	var seen []BreakerState
	cb.OnStateChange(func(s BreakerState) { seen = append(seen, s) })

	fail(t, cb, 1)
	clock.advance(2 * time.Second)
	cb.Allow()
	cb.Record(OutcomeSuccess)

	want := []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestBreakerState_labels(t *testing.T) {
	tests := []struct {
		state BreakerState
		name  string
		gauge float64
	}{
		{BreakerClosed, "closed", 0},
		{BreakerHalfOpen, "half-open", 1},
		{BreakerOpen, "open", 2},
		{BreakerState(9), "unknown", 0},
	}
	for _, tt := range tests {
		if tt.state.String() != tt.name || tt.state.Gauge() != tt.gauge {
			t.Errorf("%d: got %s/%v, want %s/%v", tt.state, tt.state, tt.state.Gauge(), tt.name, tt.gauge)
		}
	}
}

func TestOutcomeForStatus(t *testing.T) {
	for status, want := range map[int]Outcome{
		200: OutcomeSuccess, 204: OutcomeSuccess, 304: OutcomeSuccess,
		400: OutcomeIgnored, 404: OutcomeIgnored, 429: OutcomeIgnored,
		500: OutcomeFailure, 503: OutcomeFailure,
	} {
		if got := outcomeForStatus(status); got != want {
			t.Errorf("outcomeForStatus(%d) = %d, want %d", status, got, want)
		}
	}
}
