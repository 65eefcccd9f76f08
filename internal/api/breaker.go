package api

import (
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/workwell/internal/config"
)

// ErrCircuitOpen is returned by Allow while the breaker rejects calls.
var ErrCircuitOpen = errors.New("api: circuit breaker is open")

// BreakerState is the current state of a circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Gauge maps the state onto the metric scale 0=closed, 1=half-open, 2=open.
func (s BreakerState) Gauge() float64 {
	switch s {
	case BreakerHalfOpen:
		return 1
	case BreakerOpen:
		return 2
	default:
		return 0
	}
}

// Outcome classifies a finished remote call for the breaker.
type Outcome int

const (
	// OutcomeSuccess is a 2xx/3xx answer.
	OutcomeSuccess Outcome = iota
	// OutcomeFailure is a 5xx answer or a transport error.
	OutcomeFailure
	// OutcomeIgnored is a 4xx answer: the API is up, the request was wrong.
	OutcomeIgnored
)

// outcomeForStatus classifies an HTTP status.
func outcomeForStatus(status int) Outcome {
	switch {
	case status >= 500:
		return OutcomeFailure
	case status >= 400:
		return OutcomeIgnored
	default:
		return OutcomeSuccess
	}
}

const (
	minErrorRateSamples = 10
	windowBuckets       = 10
)

type bucket struct {
	start    time.Time
	total    int
	failures int
}

// CircuitBreaker guards the remote API. It opens on consecutive failures
// or when the error rate over a sliding window crosses the threshold.
// While half-open it admits at most SuccessThreshold probes at a time.
type CircuitBreaker struct {
	cfg config.CircuitBreakerConfig
	now func() time.Time

	mu          sync.Mutex
	state       BreakerState
	consecutive int
	probes      int
	probeWins   int
	openedAt    time.Time
	buckets     [windowBuckets]bucket
	onChange    func(BreakerState)
}

// NewCircuitBreaker returns a closed breaker. Zero thresholds fall back to
// 5 failures, 2 successes and a 30s open period; a zero error rate
// threshold or window disables rate tripping.
func NewCircuitBreaker(cfg config.CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// OnStateChange registers fn to run, under the breaker lock, on every
// state change.
func (cb *CircuitBreaker) OnStateChange(fn func(BreakerState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onChange = fn
}

// Allow admits a call or returns ErrCircuitOpen. Every admitted call must
// be settled with Record.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.expireOpen()
	switch cb.state {
	case BreakerOpen:
		return ErrCircuitOpen
	case BreakerHalfOpen:
		if cb.probes >= cb.cfg.SuccessThreshold {
			return ErrCircuitOpen
		}
		cb.probes++
	}
	return nil
}

// Record settles a call admitted by Allow.
func (cb *CircuitBreaker) Record(o Outcome) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerHalfOpen && cb.probes > 0 {
		cb.probes--
	}

	switch o {
	case OutcomeSuccess:
		cb.onSuccess()
	case OutcomeFailure:
		cb.onFailure()
	}
}

// RecordSuccess is shorthand for Record(OutcomeSuccess).
func (cb *CircuitBreaker) RecordSuccess() { cb.Record(OutcomeSuccess) }

// RecordFailure is shorthand for Record(OutcomeFailure).
func (cb *CircuitBreaker) RecordFailure() { cb.Record(OutcomeFailure) }

// State returns the current state, moving an expired open breaker to
// half-open.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.expireOpen()
	return cb.state
}

// Counts returns the consecutive failure count and the half-open probe
// successes so far.
func (cb *CircuitBreaker) Counts() (failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutive, cb.probeWins
}

// ErrorRate returns the failure ratio and call count over the sliding
// window.
func (cb *CircuitBreaker) ErrorRate() (rate float64, total int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	total, failures := cb.windowCounts()
	if total == 0 {
		return 0, 0
	}
	return float64(failures) / float64(total), total
}

// Everything below runs with cb.mu held.

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case BreakerClosed:
		cb.consecutive = 0
		cb.observe(false)
	case BreakerHalfOpen:
		cb.probeWins++
		if cb.probeWins >= cb.cfg.SuccessThreshold {
			cb.transition(BreakerClosed)
		}
	}
}

func (cb *CircuitBreaker) onFailure() {
	switch cb.state {
	case BreakerClosed:
		cb.consecutive++
		cb.observe(true)
		if cb.consecutive >= cb.cfg.FailureThreshold || cb.rateExceeded() {
			cb.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		cb.transition(BreakerOpen)
	}
}

func (cb *CircuitBreaker) expireOpen() {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) > cb.cfg.Timeout {
		cb.transition(BreakerHalfOpen)
	}
}

func (cb *CircuitBreaker) transition(s BreakerState) {
	if cb.state == s {
		return
	}
	cb.state = s
	cb.probes, cb.probeWins = 0, 0
	switch s {
	case BreakerOpen:
		cb.openedAt = cb.now()
	case BreakerClosed:
		cb.consecutive = 0
		cb.buckets = [windowBuckets]bucket{}
	}
	if cb.onChange != nil {
		cb.onChange(s)
	}
}

func (cb *CircuitBreaker) bucketWidth() time.Duration {
	return cb.cfg.ErrorRateWindow / windowBuckets
}

// observe adds a closed-state call to the sliding window.
func (cb *CircuitBreaker) observe(failed bool) {
	width := cb.bucketWidth()
	if width <= 0 {
		return
	}
	now := cb.now()
	start := now.Truncate(width)
	b := &cb.buckets[(start.UnixNano()/int64(width))%windowBuckets]
	if !b.start.Equal(start) {
		*b = bucket{start: start}
	}
	b.total++
	if failed {
		b.failures++
	}
}

func (cb *CircuitBreaker) windowCounts() (total, failures int) {
	if cb.bucketWidth() <= 0 {
		return 0, 0
	}
	cutoff := cb.now().Add(-cb.cfg.ErrorRateWindow)
	for _, b := range cb.buckets {
		if b.total > 0 && b.start.After(cutoff) {
			total += b.total
			failures += b.failures
		}
	}
	return total, failures
}

func (cb *CircuitBreaker) rateExceeded() bool {
	if cb.cfg.ErrorRateThreshold <= 0 {
		return false
	}
	total, failures := cb.windowCounts()
	if total < minErrorRateSamples {
		return false
	}
	return float64(failures)/float64(total) >= cb.cfg.ErrorRateThreshold
}
