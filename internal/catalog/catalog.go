// Package catalog resolves workflow collection metadata by URL, reading
// through the shared collection cache and fetching from the remote API on a
// miss. Concurrent fetches for the same URL are collapsed into one.
package catalog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/workwell/internal/api"
	"github.com/pitabwire/workwell/internal/cache"
	"github.com/pitabwire/workwell/internal/observability"
	"github.com/pitabwire/workwell/model"
)

// dispatchScope groups collection fetches in the dispatcher's pending list.
const dispatchScope = "catalog"

// Catalog resolves collections. It is safe for concurrent use.
type Catalog struct {
	cache      cache.CollectionCache
	dispatcher *api.Dispatcher
	ttl        time.Duration
	metrics    *observability.Metrics
	logger     *zap.Logger

	mu       sync.Mutex
	inflight map[string]*api.Future
	revision atomic.Uint64
}

// New creates a Catalog. Fetched collections are cached for ttl.
func New(c cache.CollectionCache, d *api.Dispatcher, ttl time.Duration, metrics *observability.Metrics, logger *zap.Logger) *Catalog {
	return &Catalog{
		cache:      c,
		dispatcher: d,
		ttl:        ttl,
		metrics:    metrics,
		logger:     logger,
		inflight:   make(map[string]*api.Future),
	}
}

// Revision changes every time a collection is added to the cache through
// this catalog.
func (c *Catalog) Revision() uint64 {
	return c.revision.Load()
}

// Lookup returns a cached collection without touching the remote API. Cache
// errors are logged and treated as a miss.
func (c *Catalog) Lookup(ctx context.Context, url string) (*model.WorkflowCollection, bool) {
	coll, ok, err := c.cache.Get(ctx, url)
	if err != nil {
		c.logger.Warn("collection cache read failed", zap.String("collection", url), zap.Error(err))
		return nil, false
	}
	if ok {
		c.metrics.RecordCollectionCacheHit()
	} else {
		c.metrics.RecordCollectionCacheMiss()
	}
	return coll, ok
}

// LookupAll returns the cached subset of urls keyed by the requested URL.
func (c *Catalog) LookupAll(ctx context.Context, urls []string) map[string]model.WorkflowCollection {
	out := make(map[string]model.WorkflowCollection, len(urls))
	for _, u := range urls {
		if coll, ok := c.Lookup(ctx, u); ok {
			out[u] = *coll
		}
	}
	return out
}

// Resolve returns the collection at url, fetching it when it is not cached.
func (c *Catalog) Resolve(ctx context.Context, rctx *model.RequestContext, url string) (model.WorkflowCollection, error) {
	if coll, ok := c.Lookup(ctx, url); ok {
		return *coll, nil
	}
	resp, err := c.fetch(ctx, rctx, url).Wait(ctx)
	if err != nil {
		return model.WorkflowCollection{}, err
	}
	return api.DecodeCollection(resp)
}

// Prefetch starts background fetches for every url that is neither cached
// nor already being fetched. It returns the URLs it started fetching.
func (c *Catalog) Prefetch(ctx context.Context, rctx *model.RequestContext, urls []string) []string {
	var started []string
	for _, u := range urls {
		c.mu.Lock()
		_, busy := c.inflight[u]
		c.mu.Unlock()
		if busy {
			continue
		}
		if _, ok := c.Lookup(ctx, u); ok {
			continue
		}
		c.fetch(ctx, rctx, u)
		started = append(started, u)
	}
	return started
}

// Fetching reports whether any of urls is being fetched. With no arguments
// it reports whether any fetch is outstanding.
func (c *Catalog) Fetching(urls ...string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(urls) == 0 {
		return len(c.inflight) > 0
	}
	for _, u := range urls {
		if _, ok := c.inflight[u]; ok {
			return true
		}
	}
	return false
}

// fetch returns the in-flight future for url, starting one if needed. The
// result is stored in the cache before the URL leaves the in-flight set.
func (c *Catalog) fetch(ctx context.Context, rctx *model.RequestContext, url string) *api.Future {
	c.mu.Lock()
	if f, ok := c.inflight[url]; ok {
		c.mu.Unlock()
		return f
	}
	f := c.dispatcher.Dispatch(ctx, dispatchScope, rctx, api.CollectionDetailRequest(url))
	c.inflight[url] = f
	c.mu.Unlock()
	c.metrics.RecordCollectionFetch()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.inflight, url)
			c.mu.Unlock()
		}()

		<-f.Done()
		resp, err := f.Wait(context.Background())
		if err != nil {
			c.logger.Info("collection fetch failed", zap.String("collection", url), zap.Error(err))
			return
		}
		coll, err := api.DecodeCollection(resp)
		if err != nil {
			c.logger.Warn("collection decode failed", zap.String("collection", url), zap.Error(err))
			return
		}
		// Make sure the entry is found again under the URL it was asked for.
		switch {
		case coll.SelfDetail == url || coll.Detail == url:
		case coll.SelfDetail == "":
			coll.SelfDetail = url
		default:
			coll.Detail = url
		}
		if err := c.cache.Put(context.WithoutCancel(ctx), coll, c.ttl); err != nil {
			c.logger.Warn("collection cache write failed", zap.String("collection", url), zap.Error(err))
			return
		}
		c.revision.Add(1)
	}()

	return f
}
