package analytics

import (
	"context"
	"sort"
	"sync"
)

// MemorySink is an in-process Sink for tests and single-instance setups.
type MemorySink struct {
	mu           sync.RWMutex
	events       []Event
	byEngagement map[string]bool
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{byEngagement: make(map[string]bool)}
}

// Record stores e unless its engagement was already recorded.
func (s *MemorySink) Record(_ context.Context, e Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.byEngagement[e.EngagementURL] {
		return false, nil
	}
	s.byEngagement[e.EngagementURL] = true
	s.events = append(s.events, e)
	return true, nil
}

// Completions lists the subject's events, newest first.
func (s *MemorySink) Completions(_ context.Context, subjectID string, f Filter) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for _, e := range s.events {
		if e.SubjectID != subjectID {
			continue
		}
		if !f.Since.IsZero() && e.OccurredAt.Before(f.Since) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OccurredAt.After(out[j].OccurredAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// HealthCheck always succeeds.
func (s *MemorySink) HealthCheck(context.Context) error { return nil }
