package history

import (
	"sync"

	"github.com/pitabwire/workwell/model"
)

// MemoKey identifies every input an aggregation pass depends on.
type MemoKey struct {
	Scope              string
	Subject            string
	Collection         string
	CollectionRevision uint64
	HistoryRevision    uint64
	Year               int
	Month              int
	Location           string
	Pending            bool
}

// Memo holds the results of recent aggregation passes. Returned views are
// shared and must not be modified. It is safe for concurrent use.
type Memo struct {
	limit int

	mu      sync.Mutex
	entries map[MemoKey]model.HistoryView
	order   []MemoKey
}

// NewMemo creates a Memo that keeps at most limit results.
func NewMemo(limit int) *Memo {
	if limit <= 0 {
		limit = 1024
	}
	return &Memo{
		limit:   limit,
		entries: make(map[MemoKey]model.HistoryView),
	}
}

// Get returns the memoised view for key.
func (m *Memo) Get(key MemoKey) (model.HistoryView, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[key]
	return v, ok
}

// Put stores view under key, dropping the oldest entry when full.
func (m *Memo) Put(key MemoKey, view model.HistoryView) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; !ok {
		if len(m.order) >= m.limit {
			oldest := m.order[0]
			m.order = m.order[1:]
			delete(m.entries, oldest)
		}
		m.order = append(m.order, key)
	}
	m.entries[key] = view
}

// Len returns the number of memoised results.
func (m *Memo) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
