// Package store keeps the remote records fetched for each user between
// requests: engagement history pages and assignments. Every history write
// that changes content gets a new revision so derived views can be memoised.
package store

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pitabwire/workwell/model"
)

type historyEntry struct {
	records  []model.Engagement
	revision uint64
}

type userEntry struct {
	history           map[string]historyEntry
	assignments       []model.Assignment
	assignmentsLoaded bool
	touched           time.Time
}

// Store is an in-memory per-user record cache. It is safe for concurrent use.
type Store struct {
	idleTTL  time.Duration
	revision atomic.Uint64

	mu    sync.RWMutex
	users map[string]*userEntry
}

// New creates a Store whose users are evicted after idleTTL without access.
func New(idleTTL time.Duration) *Store {
	return &Store{
		idleTTL: idleTTL,
		users:   make(map[string]*userEntry),
	}
}

// entry returns the user's entry, creating it. Callers must hold the write
// lock.
func (s *Store) entry(subject string) *userEntry {
	e, ok := s.users[subject]
	if !ok {
		e = &userEntry{history: make(map[string]historyEntry)}
		s.users[subject] = e
	}
	e.touched = time.Now()
	return e
}

// PutHistory stores a page of engagement history under key and returns its
// revision. Storing content equal to what is already held keeps the
// revision.
func (s *Store) PutHistory(subject, key string, records []model.Engagement) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(subject)
	if prev, ok := e.history[key]; ok && reflect.DeepEqual(prev.records, records) {
		return prev.revision
	}
	rev := s.revision.Add(1)
	e.history[key] = historyEntry{records: records, revision: rev}
	return rev
}

// History returns the page stored under key.
func (s *Store) History(subject, key string) ([]model.Engagement, uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.users[subject]
	if !ok {
		return nil, 0, false
	}
	h, ok := e.history[key]
	if !ok {
		return nil, 0, false
	}
	return h.records, h.revision, true
}

// PutAssignments replaces the user's assignments.
func (s *Store) PutAssignments(subject string, assignments []model.Assignment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(subject)
	e.assignments = append([]model.Assignment(nil), assignments...)
	e.assignmentsLoaded = true
}

// Assignments returns the user's assignments and whether they were loaded.
func (s *Store) Assignments(subject string) ([]model.Assignment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.users[subject]
	if !ok || !e.assignmentsLoaded {
		return nil, false
	}
	return append([]model.Assignment(nil), e.assignments...), true
}

// AssignmentFor returns the user's assignment for a collection.
func (s *Store) AssignmentFor(subject, collectionURL string) (model.Assignment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.users[subject]
	if !ok {
		return model.Assignment{}, false
	}
	for _, a := range e.assignments {
		if a.WorkflowCollection == collectionURL {
			return a, true
		}
	}
	return model.Assignment{}, false
}

// SetAssignment replaces the stored assignment with the same ID.
func (s *Store) SetAssignment(subject string, a model.Assignment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(subject)
	for i := range e.assignments {
		if e.assignments[i].ID == a.ID {
			e.assignments[i] = a
			return
		}
	}
	e.assignments = append(e.assignments, a)
}

// Evict drops users idle since before now minus the idle TTL and returns how
// many were dropped.
func (s *Store) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for subject, e := range s.users {
		if now.Sub(e.touched) > s.idleTTL {
			delete(s.users, subject)
			n++
		}
	}
	return n
}

// Len returns the number of users held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// RunEviction calls Evict every interval until ctx is done.
func (s *Store) RunEviction(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Evict(now)
		}
	}
}
