// Package cache stores collection metadata fetched from the remote API.
// Collections are shared definitions, so one entry serves every user.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/workwell/model"
)

// CollectionCache looks up collections by their detail URL.
type CollectionCache interface {
	// Get returns the cached collection for url, if any.
	Get(ctx context.Context, url string) (*model.WorkflowCollection, bool, error)

	// Put stores c under every URL it is known by.
	Put(ctx context.Context, c model.WorkflowCollection, ttl time.Duration) error

	// HealthCheck reports whether the backing store is reachable.
	HealthCheck(ctx context.Context) error
}

// Key builds the cache key for a collection URL.
func Key(url string) string {
	return "collection:" + url
}

// keysFor lists the keys a collection is stored under. The detail and
// self_detail URLs both reference the same collection.
func keysFor(c model.WorkflowCollection) []string {
	var keys []string
	seen := make(map[string]bool)
	for _, u := range []string{c.SelfDetail, c.Detail} {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		keys = append(keys, Key(u))
	}
	return keys
}

// --- Memory ---

// Memory is an in-process CollectionCache with TTL support.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
}

type memEntry struct {
	data      model.WorkflowCollection
	expiresAt time.Time
}

// NewMemory creates an empty in-memory collection cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*memEntry)}
}

// Get returns a cached collection unless it has expired.
func (m *Memory) Get(_ context.Context, url string) (*model.WorkflowCollection, bool, error) {
	key := Key(url)

	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, false, nil
	}

	c := entry.data
	return &c, true, nil
}

// Put stores c with the given TTL.
func (m *Memory) Put(_ context.Context, c model.WorkflowCollection, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	expires := time.Now().Add(ttl)
	for _, key := range keysFor(c) {
		m.entries[key] = &memEntry{data: c, expiresAt: expires}
	}
	return nil
}

// Len returns the number of entries, including expired ones.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// HealthCheck always succeeds.
func (m *Memory) HealthCheck(context.Context) error { return nil }

// --- Redis ---

// Redis is a CollectionCache shared between BFF replicas.
type Redis struct {
	client redis.Cmdable
}

// NewRedis creates a Redis-backed collection cache.
func NewRedis(client redis.Cmdable) *Redis {
	return &Redis{client: client}
}

// Get reads and decodes a cached collection.
func (r *Redis) Get(ctx context.Context, url string) (*model.WorkflowCollection, bool, error) {
	key := Key(url)
	raw, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var c model.WorkflowCollection
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, false, fmt.Errorf("unmarshal collection %q: %w", key, err)
	}
	return &c, true, nil
}

// Put encodes c and stores it with the given TTL.
func (r *Redis) Put(ctx context.Context, c model.WorkflowCollection, ttl time.Duration) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal collection: %w", err)
	}

	for _, key := range keysFor(c) {
		if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
			return fmt.Errorf("redis set %q: %w", key, err)
		}
	}
	return nil
}

// HealthCheck pings the Redis server.
func (r *Redis) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
