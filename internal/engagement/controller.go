package engagement

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/workwell/internal/api"
	"github.com/pitabwire/workwell/internal/catalog"
	"github.com/pitabwire/workwell/internal/observability"
	"github.com/pitabwire/workwell/model"
)

// Scope identifies a session in the dispatcher's pending list. Every
// engagement call made on behalf of the session is dispatched under it.
func Scope(subject, collectionURL string) string {
	return subject + "|" + collectionURL
}

// AssignmentScope is the dispatcher scope of assignment updates made for a
// session. It is kept apart from the session scope so an assignment PATCH
// in flight does not hold back readiness.
func AssignmentScope(sessionScope string) string {
	return sessionScope + "|assignment"
}

// Status is the externally visible state of a session.
type Status struct {
	State           string            `json:"state"`
	EngagementReady bool              `json:"engagementReady"`
	Engagement      *model.Engagement `json:"engagement"`
	Pending         []string          `json:"pending,omitempty"`
}

type session struct {
	key        string
	rctx       *model.RequestContext
	generation uint64
	snap       Snapshot
	changed    chan struct{}
	touched    time.Time
}

// Controller runs one lifecycle session per user and collection.
type Controller struct {
	dispatcher   *api.Dispatcher
	catalog      *catalog.Catalog
	reconciler   *AssignmentReconciler
	awaitTimeout time.Duration
	idleTTL      time.Duration
	metrics      *observability.Metrics
	logger       *zap.Logger
	now          func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// NewController creates a Controller. Focus waits at most awaitTimeout for
// an engagement to become ready; sessions untouched for idleTTL are dropped
// by Sweep.
func NewController(d *api.Dispatcher, c *catalog.Catalog, r *AssignmentReconciler, awaitTimeout, idleTTL time.Duration, metrics *observability.Metrics, logger *zap.Logger) *Controller {
	if awaitTimeout <= 0 {
		awaitTimeout = 10 * time.Second
	}
	return &Controller{
		dispatcher:   d,
		catalog:      c,
		reconciler:   r,
		awaitTimeout: awaitTimeout,
		idleTTL:      idleTTL,
		metrics:      metrics,
		logger:       logger,
		now:          time.Now,
		sessions:     make(map[string]*session),
	}
}

// session returns the session for rctx and collectionURL, creating it. The
// stored request context is replaced so later calls use the latest token.
func (c *Controller) session(rctx *model.RequestContext, collectionURL string) *session {
	key := Scope(rctx.SubjectID, collectionURL)

	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[key]
	if !ok {
		s = &session{
			key:     key,
			snap:    Snapshot{State: Idle, Collection: collectionURL},
			changed: make(chan struct{}),
		}
		c.sessions[key] = s
		c.metrics.SetLifecycleSessionsActive(len(c.sessions))
	}
	s.rctx = rctx
	s.touched = c.now()
	return s
}

// Focus starts the lifecycle for the collection, or restarts it after a
// failure, and waits until the engagement is ready, the lifecycle stalls or
// the await timeout passes. A timeout is not an error: the returned status
// reports the engagement as not ready yet.
func (c *Controller) Focus(ctx context.Context, rctx *model.RequestContext, collectionURL string) (st Status, err error) {
	ctx, span := observability.StartSpan(ctx, "engagement.focus",
		observability.AttrSubjectID.String(rctx.SubjectID),
		observability.AttrCollectionURL.String(collectionURL),
	)
	defer func() {
		span.SetAttributes(observability.AttrLifecycle.String(st.State))
		observability.EndSpanWithError(span, err)
	}()

	s := c.session(rctx, collectionURL)

	c.mu.Lock()
	if s.snap.Err != nil {
		s.generation++
		s.snap = Snapshot{State: Idle, Collection: collectionURL}
	}
	gen := s.generation
	c.mu.Unlock()

	c.apply(ctx, s, gen, Event{Kind: Focused, Collection: collectionURL, At: c.now()})
	return c.await(ctx, s)
}

// Blur resets the session. Results of operations still in flight are
// discarded when they arrive.
func (c *Controller) Blur(ctx context.Context, rctx *model.RequestContext, collectionURL string) Status {
	s := c.session(rctx, collectionURL)

	c.mu.Lock()
	s.generation++
	gen := s.generation
	c.mu.Unlock()

	c.apply(ctx, s, gen, Event{Kind: Blurred, At: c.now()})

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status(s)
}

// Status returns the session status without changing it.
func (c *Controller) Status(rctx *model.RequestContext, collectionURL string) Status {
	s := c.session(rctx, collectionURL)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status(s)
}

// Ready reports whether the session has a ready engagement and no remote
// operation in flight.
func (c *Controller) Ready(rctx *model.RequestContext, collectionURL string) bool {
	return c.Status(rctx, collectionURL).EngagementReady
}

// Snapshot returns the session's lifecycle snapshot.
func (c *Controller) Snapshot(rctx *model.RequestContext, collectionURL string) Snapshot {
	s := c.session(rctx, collectionURL)
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.snap
}

// Refresh replaces the engagement of a ready session with a newer copy read
// from the remote API and reconciles the assignment against it. A finished
// engagement ends the session: it goes back to idle and the next focus
// starts a new engagement.
func (c *Controller) Refresh(ctx context.Context, rctx *model.RequestContext, collectionURL string, e model.Engagement) {
	s := c.session(rctx, collectionURL)

	c.mu.Lock()
	prev := s.snap.State
	if prev == Ready {
		s.snap.Engagement = &e
		if e.Finished != nil {
			s.generation++
			s.snap = Snapshot{State: Idle, Collection: collectionURL}
		}
	}
	next := s.snap.State
	c.mu.Unlock()

	if next != prev {
		c.metrics.RecordLifecycleTransition(prev.String(), next.String())
		observability.RequestLogger(ctx, c.logger).Debug("engagement finished, session reset",
			zap.String("session", s.key),
			zap.String("engagement", e.URL()),
		)
	}

	c.reconcile(ctx, s, rctx, collectionURL, e)
	c.broadcast(s)
}

// status builds the session status. Callers must hold c.mu.
func (c *Controller) status(s *session) Status {
	pending := c.dispatcher.Pending(s.key)
	st := Status{
		State:           s.snap.State.String(),
		EngagementReady: s.snap.State == Ready && len(pending) == 0,
		Engagement:      s.snap.Engagement,
	}
	for _, a := range pending {
		st.Pending = append(st.Pending, string(a))
	}
	return st
}

func (c *Controller) await(ctx context.Context, s *session) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, c.awaitTimeout)
	defer cancel()

	for {
		c.mu.Lock()
		st := c.status(s)
		failure := s.snap.Err
		settled := st.EngagementReady || failure != nil || s.snap.State == Idle
		changed := s.changed
		c.mu.Unlock()

		if settled {
			return st, failure
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return st, nil
		}
	}
}

// broadcast wakes everything waiting on the session.
func (c *Controller) broadcast(s *session) {
	c.mu.Lock()
	close(s.changed)
	s.changed = make(chan struct{})
	c.mu.Unlock()
}

// apply feeds e to the session if gen is still current, then runs the
// resulting effects.
func (c *Controller) apply(ctx context.Context, s *session, gen uint64, e Event) {
	logger := observability.RequestLogger(ctx, c.logger).With(zap.String("session", s.key))

	c.mu.Lock()
	if gen != s.generation {
		c.mu.Unlock()
		logger.Debug("stale lifecycle event dropped", zap.Stringer("event", e.Kind))
		return
	}
	prev := s.snap
	next, effects := Transition(prev, e)
	s.snap = next
	rctx := s.rctx
	c.mu.Unlock()

	if next.State != prev.State {
		c.metrics.RecordLifecycleTransition(prev.State.String(), next.State.String())
		logger.Debug("lifecycle transition",
			zap.Stringer("from", prev.State),
			zap.Stringer("to", next.State),
			zap.Stringer("event", e.Kind),
		)
	}
	if e.Kind == Failed && prev.State != Idle {
		logger.Warn("lifecycle stalled",
			zap.Stringer("state", prev.State),
			zap.Stringer("effect", e.Effect),
			zap.Error(e.Err),
		)
	}

	for _, ef := range effects {
		c.run(ctx, s, gen, rctx, ef)
	}
	if next.Engagement != nil && next.Engagement != prev.Engagement {
		c.reconcile(ctx, s, rctx, next.Collection, *next.Engagement)
	}
	c.broadcast(s)
}

func (c *Controller) reconcile(ctx context.Context, s *session, rctx *model.RequestContext, collectionURL string, e model.Engagement) {
	f, err := c.reconciler.Observe(ctx, rctx, AssignmentScope(s.key), collectionURL, e)
	if err != nil {
		observability.RequestLogger(ctx, c.logger).Warn("assignment reconciliation failed",
			zap.String("collection", collectionURL),
			zap.Error(err),
		)
		return
	}
	if f != nil {
		go func() {
			<-f.Done()
			c.broadcast(s)
		}()
	}
}

// run starts one effect. Its outcome is fed back through apply.
func (c *Controller) run(ctx context.Context, s *session, gen uint64, rctx *model.RequestContext, ef Effect) {
	ctx = context.WithoutCancel(ctx)

	if ef.Kind == ResolveCollection {
		go func() {
			coll, err := c.catalog.Resolve(ctx, rctx, ef.Collection)
			if err != nil {
				c.apply(ctx, s, gen, Event{Kind: Failed, Effect: ef.Kind, Err: err, At: c.now()})
				return
			}
			c.apply(ctx, s, gen, Event{Kind: CollectionResolved, Effect: ef.Kind, Resolved: &coll, At: c.now()})
		}()
		return
	}

	var req api.Request
	switch ef.Kind {
	case LoadEngagement:
		req = api.LoadEngagementRequest(ef.Collection)
	case CreateEngagement:
		req = api.CreateEngagementRequest(ef.Collection, *ef.Started)
	case UpdateEngagement:
		req = api.UpdateEngagementRequest(ef.Engagement, ef.Started, ef.Finished)
	case RetrieveEngagement:
		req = api.RetrieveEngagementRequest(ef.Engagement)
	}

	f := c.dispatcher.Dispatch(ctx, s.key, rctx, req)
	go func() {
		<-f.Done()
		resp, err := f.Wait(ctx)
		c.apply(ctx, s, gen, c.outcome(ef, resp, err))
	}()
}

// outcome turns a settled remote call into the event fed back to the FSM.
func (c *Controller) outcome(ef Effect, resp api.Response, err error) Event {
	at := c.now()
	if err != nil {
		return Event{Kind: Failed, Effect: ef.Kind, Err: err, At: at}
	}

	if ef.Kind == LoadEngagement {
		e, err := api.FirstEngagement(resp)
		if err != nil {
			return Event{Kind: Failed, Effect: ef.Kind, Err: err, At: at}
		}
		return Event{Kind: Loaded, Effect: ef.Kind, Engagement: e, At: at}
	}

	if len(resp.Body) == 0 {
		return Event{Kind: Succeeded, Effect: ef.Kind, At: at}
	}
	e, err := api.DecodeEngagement(resp)
	if err != nil {
		return Event{Kind: Failed, Effect: ef.Kind, Err: errors.Join(model.NewConsistencyError("unreadable engagement"), err), At: at}
	}
	return Event{Kind: Succeeded, Effect: ef.Kind, Engagement: &e, At: at}
}

// Sweep drops sessions idle for longer than the idle TTL and returns how
// many were dropped.
func (c *Controller) Sweep(now time.Time) int {
	if c.idleTTL <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key, s := range c.sessions {
		if now.Sub(s.touched) > c.idleTTL {
			s.generation++
			close(s.changed)
			s.changed = make(chan struct{})
			delete(c.sessions, key)
			n++
		}
	}
	c.metrics.SetLifecycleSessionsActive(len(c.sessions))
	return n
}

// RunSweeper calls Sweep every interval until ctx is done.
func (c *Controller) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := c.Sweep(now); n > 0 {
				c.logger.Debug("idle engagement sessions dropped", zap.Int("count", n))
			}
		}
	}
}
