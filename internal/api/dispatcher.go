package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/workwell/internal/observability"
	"github.com/pitabwire/workwell/model"
)

// Doer executes a single remote request.
type Doer interface {
	Do(ctx context.Context, rctx *model.RequestContext, req Request) (Response, error)
}

// Future is the eventual result of a dispatched request.
type Future struct {
	Types Triplet
	done  chan struct{}
	resp  Response
	err   error
}

// Done is closed once the request has settled.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the request settles or ctx is done. Cancelling ctx does
// not cancel the request itself.
func (f *Future) Wait(ctx context.Context) (Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return Response{}, model.NewBackendTimeoutError()
	}
}

// Dispatcher runs remote requests in the background and tracks which
// actions are still in flight per scope (usually a user and collection).
type Dispatcher struct {
	doer    Doer
	timeout time.Duration
	metrics *observability.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string][]ActionType
}

// NewDispatcher creates a Dispatcher. timeout bounds every request
// independently of the caller's context.
func NewDispatcher(doer Doer, timeout time.Duration, metrics *observability.Metrics, logger *zap.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		doer:    doer,
		timeout: timeout,
		metrics: metrics,
		logger:  logger,
		pending: make(map[string][]ActionType),
	}
}

// Dispatch starts req and returns immediately. The action is pending for
// scope until it settles.
func (d *Dispatcher) Dispatch(ctx context.Context, scope string, rctx *model.RequestContext, req Request) *Future {
	f := &Future{Types: req.Route.Types, done: make(chan struct{})}
	action := req.Route.Types.Action

	d.mu.Lock()
	d.pending[scope] = append(d.pending[scope], action)
	d.mu.Unlock()
	d.metrics.RecordActionDispatched(string(action))

	logger := observability.RequestLogger(ctx, d.logger).With(
		zap.String("scope", scope),
		zap.String("action", string(action)),
	)
	logger.Debug("action dispatched")

	// Writes must complete even if the inbound request goes away.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)

	go func() {
		defer cancel()
		defer close(f.done)

		f.resp, f.err = d.doer.Do(runCtx, rctx, req)
		d.settle(scope, action)

		if f.err != nil {
			d.metrics.RecordActionSettled(string(action), "failure")
			logger.Info("action failed",
				zap.String("type", string(req.Route.Types.Failure)),
				zap.Error(f.err),
			)
			return
		}
		d.metrics.RecordActionSettled(string(action), "success")
		logger.Debug("action succeeded", zap.String("type", string(req.Route.Types.Success)))
	}()

	return f
}

// Do dispatches req and waits for it.
func (d *Dispatcher) Do(ctx context.Context, scope string, rctx *model.RequestContext, req Request) (Response, error) {
	return d.Dispatch(ctx, scope, rctx, req).Wait(ctx)
}

// Pending returns the actions in flight for scope, oldest first.
func (d *Dispatcher) Pending(scope string) []ActionType {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ActionType, len(d.pending[scope]))
	copy(out, d.pending[scope])
	return out
}

// HasPending reports whether any action is in flight for scope.
func (d *Dispatcher) HasPending(scope string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending[scope]) > 0
}

// settle removes the oldest pending entry of action for scope.
func (d *Dispatcher) settle(scope string, action ActionType) {
	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.pending[scope]
	for i, a := range list {
		if a == action {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(d.pending, scope)
		return
	}
	d.pending[scope] = list
}
