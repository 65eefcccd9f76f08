package engagement

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/workwell/internal/api"
	"github.com/pitabwire/workwell/internal/observability"
	"github.com/pitabwire/workwell/internal/store"
	"github.com/pitabwire/workwell/model"
)

// AssignmentTarget returns the status a's assignment should move to given
// the engagement e. It reports false when no update is due. A consistency
// error is returned when the two reference different collections.
func AssignmentTarget(e model.Engagement, a model.Assignment) (model.AssignmentStatus, bool, error) {
	if e.WorkflowCollection != a.WorkflowCollection {
		return "", false, model.NewConsistencyError(fmt.Sprintf(
			"engagement collection %q does not match assignment collection %q",
			e.WorkflowCollection, a.WorkflowCollection))
	}
	if e.Started == nil {
		return "", false, nil
	}

	target := model.AssignmentInProgress
	if e.Finished != nil {
		target = model.AssignmentClosedComplete
	}
	if target.Rank() <= a.Status.Rank() {
		return "", false, nil
	}
	return target, true, nil
}

// AssignmentReconciler keeps the user's assignment for a collection in step
// with their engagement. Statuses only move forward, and each status is
// requested at most once per assignment.
type AssignmentReconciler struct {
	dispatcher *api.Dispatcher
	store      *store.Store
	metrics    *observability.Metrics
	logger     *zap.Logger

	mu     sync.Mutex
	issued map[string]model.AssignmentStatus
}

// NewAssignmentReconciler creates an AssignmentReconciler.
func NewAssignmentReconciler(d *api.Dispatcher, s *store.Store, metrics *observability.Metrics, logger *zap.Logger) *AssignmentReconciler {
	return &AssignmentReconciler{
		dispatcher: d,
		store:      s,
		metrics:    metrics,
		logger:     logger,
		issued:     make(map[string]model.AssignmentStatus),
	}
}

// Observe checks the assignment for collectionURL against e and dispatches
// an update under scope when one is due. It returns the update's future, or
// nil when nothing was sent.
func (r *AssignmentReconciler) Observe(ctx context.Context, rctx *model.RequestContext, scope, collectionURL string, e model.Engagement) (*api.Future, error) {
	if err := r.load(ctx, rctx); err != nil {
		return nil, err
	}
	a, ok := r.store.AssignmentFor(rctx.SubjectID, collectionURL)
	if !ok {
		return nil, nil
	}

	logger := observability.RequestLogger(ctx, r.logger).With(
		zap.String("assignment", a.ID),
		zap.String("collection", collectionURL),
	)

	target, due, err := AssignmentTarget(e, a)
	if err != nil {
		r.metrics.RecordConsistencySkip()
		logger.Warn("assignment update skipped", zap.Error(err))
		return nil, nil
	}
	if !due || !r.claim(a.ID, target) {
		return nil, nil
	}

	logger.Info("updating assignment", zap.String("status", string(target)))
	f := r.dispatcher.Dispatch(ctx, scope, rctx, api.UpdateAssignmentRequest(a, e.URL(), target))
	go r.settle(rctx.SubjectID, a, target, f, logger)
	return f, nil
}

// claim records that target is being requested for the assignment. It
// fails when an equal or later status was already requested.
func (r *AssignmentReconciler) claim(id string, target model.AssignmentStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.issued[id]; ok && prev.Rank() >= target.Rank() {
		return false
	}
	r.issued[id] = target
	return true
}

func (r *AssignmentReconciler) release(id string, target model.AssignmentStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.issued[id] == target {
		delete(r.issued, id)
	}
}

func (r *AssignmentReconciler) settle(subject string, a model.Assignment, target model.AssignmentStatus, f *api.Future, logger *zap.Logger) {
	<-f.Done()
	if _, err := f.Wait(context.Background()); err != nil {
		// A later observation may request the status again.
		r.release(a.ID, target)
		logger.Warn("assignment update failed", zap.Error(err))
		return
	}
	a.Status = target
	r.store.SetAssignment(subject, a)
	r.metrics.RecordAssignmentUpdate(string(target))
}

// load fetches the user's assignments unless they are already stored.
func (r *AssignmentReconciler) load(ctx context.Context, rctx *model.RequestContext) error {
	if _, ok := r.store.Assignments(rctx.SubjectID); ok {
		return nil
	}
	resp, err := r.dispatcher.Do(ctx, "assignments:"+rctx.SubjectID, rctx, api.ListAssignmentsRequest())
	if err != nil {
		return fmt.Errorf("load assignments: %w", err)
	}
	list, err := api.DecodeList[model.Assignment](resp.Body)
	if err != nil {
		return fmt.Errorf("decode assignments: %w", err)
	}
	r.store.PutAssignments(rctx.SubjectID, list)
	return nil
}
