// Package navigation walks the steps of an engaged collection. Every move
// is written to the remote API first; where to go next is read back from
// the engagement state the server computes.
package navigation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/workwell/internal/analytics"
	"github.com/pitabwire/workwell/internal/api"
	"github.com/pitabwire/workwell/internal/catalog"
	"github.com/pitabwire/workwell/internal/engagement"
	"github.com/pitabwire/workwell/internal/observability"
	"github.com/pitabwire/workwell/model"
)

// Directions.
const (
	DirectionNext = "next"
	DirectionBack = "back"
)

// Kind says what the client should do after a move.
type Kind string

// Result kinds.
const (
	// KindNavigate shows another step of the same engagement.
	KindNavigate Kind = "navigate"
	// KindExit leaves the engagement for the screen it was started from.
	KindExit Kind = "exit"
	// KindPopToRoot returns to the root of the collection stack.
	KindPopToRoot Kind = "pop_to_root"
)

// Step is the step the user is leaving, with the answers given on it.
type Step struct {
	Workflow     string             `json:"workflow"`
	Step         string             `json:"step"`
	UserResponse model.UserResponse `json:"user_response"`
	StartedFrom  string             `json:"started_from,omitempty"`
	// Started is when the step was shown. Defaults to the time of the move.
	Started *time.Time `json:"started,omitempty"`
}

// Result is the outcome of a move.
type Result struct {
	Kind        Kind   `json:"kind"`
	Workflow    string `json:"workflow,omitempty"`
	Step        string `json:"step,omitempty"`
	StartedFrom string `json:"startedFrom,omitempty"`
	// PreviousAnswers holds what was answered earlier on the target step.
	PreviousAnswers *model.UserResponse `json:"previousAnswers,omitempty"`
	Completed       bool                `json:"completed"`
	Engagement      *model.Engagement   `json:"engagement,omitempty"`
}

// Navigator moves users between the steps of their current engagement.
type Navigator struct {
	dispatcher *api.Dispatcher
	controller *engagement.Controller
	catalog    *catalog.Catalog
	sink       analytics.Sink
	metrics    *observability.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// NewNavigator creates a Navigator.
func NewNavigator(d *api.Dispatcher, ctrl *engagement.Controller, c *catalog.Catalog, sink analytics.Sink, metrics *observability.Metrics, logger *zap.Logger) *Navigator {
	return &Navigator{
		dispatcher: d,
		controller: ctrl,
		catalog:    c,
		sink:       sink,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
	}
}

// session is the engagement being navigated along with its collection.
type session struct {
	rctx          *model.RequestContext
	collectionURL string
	scope         string
	collection    model.WorkflowCollection
	engagement    model.Engagement
}

// Next records the answers of the current step as finished, then moves to
// the step the server names next or completes the engagement.
func (n *Navigator) Next(ctx context.Context, rctx *model.RequestContext, collectionURL string, step Step) (res Result, err error) {
	ctx, span := observability.StartSpan(ctx, "navigation.next",
		observability.AttrSubjectID.String(rctx.SubjectID),
		observability.AttrCollectionURL.String(collectionURL),
		observability.AttrWorkflowID.String(step.Workflow),
		observability.AttrStepID.String(step.Step),
	)
	defer func() {
		n.metrics.RecordNavigation(DirectionNext, outcome(res, err))
		observability.EndSpanWithError(span, err)
	}()

	s, err := n.open(ctx, rctx, collectionURL)
	if err != nil {
		return Result{}, err
	}
	def, err := s.step(step)
	if err != nil {
		return Result{}, err
	}
	if missing := MissingRequired(def, step.UserResponse); len(missing) > 0 {
		return Result{}, model.NewRequiredAnswersError(missing)
	}

	now := n.now()
	if err := n.writeDetail(ctx, s, step, &now); err != nil {
		return Result{}, err
	}
	current, err := n.retrieve(ctx, s)
	if err != nil {
		return Result{}, err
	}

	if !Complete(s.collection, step.Workflow, current.State) {
		return navigate(current, current.State.NextWorkflow, current.State.NextStepID, step.StartedFrom), nil
	}
	return n.complete(ctx, s, step)
}

// Back records the answers of the current step as unfinished, then moves to
// the step the server names as previous, or exits when there is none.
func (n *Navigator) Back(ctx context.Context, rctx *model.RequestContext, collectionURL string, step Step) (res Result, err error) {
	ctx, span := observability.StartSpan(ctx, "navigation.back",
		observability.AttrSubjectID.String(rctx.SubjectID),
		observability.AttrCollectionURL.String(collectionURL),
		observability.AttrWorkflowID.String(step.Workflow),
		observability.AttrStepID.String(step.Step),
	)
	defer func() {
		n.metrics.RecordNavigation(DirectionBack, outcome(res, err))
		observability.EndSpanWithError(span, err)
	}()

	s, err := n.open(ctx, rctx, collectionURL)
	if err != nil {
		return Result{}, err
	}
	if _, err := s.step(step); err != nil {
		return Result{}, err
	}

	if err := n.writeDetail(ctx, s, step, nil); err != nil {
		return Result{}, err
	}
	current, err := n.retrieve(ctx, s)
	if err != nil {
		return Result{}, err
	}

	if current.State.PrevStepID == nil || current.State.PrevWorkflow == nil {
		return Result{Kind: KindExit, StartedFrom: step.StartedFrom, Engagement: &current}, nil
	}
	return navigate(current, current.State.PrevWorkflow, current.State.PrevStepID, step.StartedFrom), nil
}

// PreviousAnswers returns the answers recorded for stepID in the session's
// current engagement.
func (n *Navigator) PreviousAnswers(rctx *model.RequestContext, collectionURL, stepID string) (model.UserResponse, bool) {
	snap := n.controller.Snapshot(rctx, collectionURL)
	if snap.Engagement == nil {
		return model.UserResponse{}, false
	}
	d, ok := snap.Engagement.DetailForStep(stepID)
	if !ok {
		return model.UserResponse{}, false
	}
	return d.UserResponse, true
}

// Complete reports whether the engagement is complete after a step of
// workflowID was finished: the server names no next step, or an activity
// moves on to another workflow. Activities complete one workflow per
// engagement.
func Complete(c model.WorkflowCollection, workflowID string, st model.EngagementState) bool {
	if st.NextStepID == nil && st.NextWorkflow == nil {
		return true
	}
	if c.IsActivity() {
		return st.NextWorkflow == nil || api.ResourceID(*st.NextWorkflow) != workflowID
	}
	return false
}

// MissingRequired lists the required inputs of step that have no answer.
func MissingRequired(step model.WorkflowStep, r model.UserResponse) []model.FieldError {
	var missing []model.FieldError
	for _, in := range step.Inputs {
		if !in.Required {
			continue
		}
		if _, ok := r.Answer(in.ID); ok {
			continue
		}
		missing = append(missing, model.FieldError{
			Field:   in.ID,
			Code:    "required",
			Message: fmt.Sprintf("%q must be answered", in.Content),
		})
	}
	return missing
}

// open returns the session's ready engagement and its collection.
func (n *Navigator) open(ctx context.Context, rctx *model.RequestContext, collectionURL string) (*session, error) {
	if !n.controller.Ready(rctx, collectionURL) {
		return nil, model.NewEngagementNotReadyError("the engagement for this collection is not ready")
	}
	snap := n.controller.Snapshot(rctx, collectionURL)
	if snap.Engagement == nil {
		return nil, model.NewEngagementNotReadyError("the engagement for this collection is not ready")
	}
	if snap.Engagement.Finished != nil {
		return nil, model.NewEngagementNotReadyError("the engagement for this collection is finished, focus the collection again")
	}

	s := &session{
		rctx:          rctx,
		collectionURL: collectionURL,
		scope:         engagement.Scope(rctx.SubjectID, collectionURL),
		engagement:    *snap.Engagement,
	}
	if snap.Resolved != nil {
		s.collection = *snap.Resolved
		return s, nil
	}
	c, err := n.catalog.Resolve(ctx, rctx, collectionURL)
	if err != nil {
		return nil, fmt.Errorf("resolve collection: %w", err)
	}
	s.collection = c
	return s, nil
}

func (s *session) step(step Step) (model.WorkflowStep, error) {
	w, ok := s.collection.FindWorkflow(step.Workflow)
	if !ok {
		return model.WorkflowStep{}, model.NewBadRequestError(fmt.Sprintf("workflow %q is not part of the collection", step.Workflow))
	}
	def, ok := w.FindStep(step.Step)
	if !ok {
		return model.WorkflowStep{}, model.NewBadRequestError(fmt.Sprintf("step %q is not part of workflow %q", step.Step, step.Workflow))
	}
	return def, nil
}

// writeDetail creates or updates the detail of the step and waits for the
// write to settle.
func (n *Navigator) writeDetail(ctx context.Context, s *session, step Step, finished *time.Time) error {
	started := step.Started
	if started == nil {
		t := n.now()
		started = &t
	}

	var req api.Request
	if d, ok := s.engagement.DetailForStep(step.Step); ok && d.Detail != "" {
		req = api.UpdateDetailRequest(d.Detail, step.UserResponse, started, finished)
	} else {
		req = api.CreateDetailRequest(s.engagement.URL(), step.Step, step.UserResponse, started, finished)
	}
	if _, err := n.dispatcher.Do(ctx, s.scope, s.rctx, req); err != nil {
		return fmt.Errorf("write step detail: %w", err)
	}
	return nil
}

// retrieve reads the engagement back for its server-computed state and
// hands it to the lifecycle controller.
func (n *Navigator) retrieve(ctx context.Context, s *session) (model.Engagement, error) {
	resp, err := n.dispatcher.Do(ctx, s.scope, s.rctx, api.RetrieveEngagementRequest(s.engagement.URL()))
	if err != nil {
		return model.Engagement{}, fmt.Errorf("retrieve engagement: %w", err)
	}
	e, err := api.DecodeEngagement(resp)
	if err != nil {
		return model.Engagement{}, err
	}
	n.controller.Refresh(ctx, s.rctx, s.collectionURL, e)
	s.engagement = e
	return e, nil
}

// complete finishes the engagement and records the completion.
func (n *Navigator) complete(ctx context.Context, s *session, step Step) (Result, error) {
	logger := observability.RequestLogger(ctx, n.logger)

	finished := n.now()
	resp, err := n.dispatcher.Do(ctx, s.scope, s.rctx, api.UpdateEngagementRequest(s.engagement.URL(), nil, &finished))
	if err != nil {
		return Result{}, fmt.Errorf("finish engagement: %w", err)
	}
	done := s.engagement
	done.Finished = &finished
	if len(resp.Body) > 0 {
		if e, err := api.DecodeEngagement(resp); err == nil {
			done = e
		}
	}
	n.controller.Refresh(ctx, s.rctx, s.collectionURL, done)

	ev := analytics.NewEvent(s.rctx.SubjectID, s.collectionURL, done.URL(), s.collection.Category, finished)
	recorded, err := n.sink.Record(ctx, ev)
	switch {
	case err != nil:
		logger.Warn("completion event not recorded", zap.String("engagement", done.URL()), zap.Error(err))
	case recorded:
		n.metrics.RecordCollectionCompletion(string(s.collection.Category))
	}

	logger.Info("collection engagement completed",
		zap.String("collection", s.collectionURL),
		zap.String("engagement", done.URL()),
		zap.String("category", string(s.collection.Category)),
	)

	res := Result{Kind: KindPopToRoot, Completed: true, Engagement: &done}
	if s.collection.IsActivity() {
		res.Kind = KindExit
		res.StartedFrom = step.StartedFrom
	}
	return res, nil
}

func navigate(current model.Engagement, workflow, stepID *string, startedFrom string) Result {
	res := Result{
		Kind:        KindNavigate,
		Step:        deref(stepID),
		StartedFrom: startedFrom,
		Engagement:  &current,
	}
	if workflow != nil {
		res.Workflow = api.ResourceID(*workflow)
	}
	if d, ok := current.DetailForStep(res.Step); ok {
		answers := d.UserResponse
		res.PreviousAnswers = &answers
	}
	return res
}

func outcome(res Result, err error) string {
	switch {
	case err != nil:
		return "error"
	case res.Completed:
		return "completed"
	default:
		return string(res.Kind)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
