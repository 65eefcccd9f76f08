// Package ratelimit keeps one token bucket per key (usually the subject ID).
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxKeys bounds the limiter map; past it the map is reset on Cleanup.
const maxKeys = 10000

// Keyed hands out a rate.Limiter per key. It is safe for concurrent use.
type Keyed struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// New creates a keyed limiter allowing perSecond events with the given burst.
// A non-positive perSecond yields an unlimited limiter.
func New(perSecond float64, burst int) *Keyed {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Keyed{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

func (k *Keyed) get(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()

	l, ok := k.limiters[key]
	if !ok {
		l = rate.NewLimiter(k.limit, k.burst)
		k.limiters[key] = l
	}
	return l
}

// Allow reports whether an event for key may happen now.
func (k *Keyed) Allow(key string) bool {
	return k.get(key).Allow()
}

// Wait blocks until an event for key is permitted. It reports whether the
// caller had to wait at all.
func (k *Keyed) Wait(ctx context.Context, key string) (waited bool, err error) {
	l := k.get(key)
	if l.Allow() {
		return false, nil
	}
	return true, l.Wait(ctx)
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}

// Cleanup drops every limiter once the map grows past its bound.
func (k *Keyed) Cleanup() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.limiters) > maxKeys {
		k.limiters = make(map[string]*rate.Limiter)
	}
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (k *Keyed) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.Cleanup()
		}
	}
}
