package engagement

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pitabwire/workwell/internal/api"
	"github.com/pitabwire/workwell/internal/apitest"
	"github.com/pitabwire/workwell/internal/config"
	"github.com/pitabwire/workwell/internal/observability"
	"github.com/pitabwire/workwell/internal/store"
	"github.com/pitabwire/workwell/model"
)

func TestAssignmentTarget(t *testing.T) {
	started := time.Now()
	open := model.Engagement{WorkflowCollection: collURL, Started: &started}
	done := model.Engagement{WorkflowCollection: collURL, Started: &started, Finished: &started}
	notStarted := model.Engagement{WorkflowCollection: collURL}

	tests := []struct {
		name   string
		e      model.Engagement
		status model.AssignmentStatus
		want   model.AssignmentStatus
		due    bool
	}{
		{name: "pending and open", e: open, status: model.AssignmentPending, want: model.AssignmentInProgress, due: true},
		{name: "in progress and open", e: open, status: model.AssignmentInProgress},
		{name: "in progress and finished", e: done, status: model.AssignmentInProgress, want: model.AssignmentClosedComplete, due: true},
		{name: "pending and finished", e: done, status: model.AssignmentPending, want: model.AssignmentClosedComplete, due: true},
		{name: "closed never reopens", e: open, status: model.AssignmentClosedComplete},
		{name: "closed stays closed", e: done, status: model.AssignmentClosedComplete},
		{name: "not started", e: notStarted, status: model.AssignmentPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, due, err := AssignmentTarget(tt.e, model.Assignment{WorkflowCollection: collURL, Status: tt.status})
			require.NoError(t, err)
			assert.Equal(t, tt.due, due)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAssignmentTarget_mismatch(t *testing.T) {
	started := time.Now()
	_, due, err := AssignmentTarget(
		model.Engagement{WorkflowCollection: collURL, Started: &started},
		model.Assignment{WorkflowCollection: "other"},
	)
	assert.False(t, due)
	var env *model.ErrorEnvelope
	require.ErrorAs(t, err, &env)
	assert.Equal(t, model.ErrConsistencyError, env.Code)
}

func newReconciler(t *testing.T) (*AssignmentReconciler, *apitest.Remote, *store.Store) {
	t.Helper()
	remote := apitest.NewRemote(t)
	metrics := observability.NewNopMetrics()
	client := api.NewClient(config.APIConfig{BaseURL: remote.URL(), Version: 1}, metrics, zap.NewNop())
	d := api.NewDispatcher(client, 5*time.Second, metrics, zap.NewNop())
	st := store.New(time.Minute)
	return NewAssignmentReconciler(d, st, metrics, zap.NewNop()), remote, st
}

func TestAssignmentReconciler_Observe_issuesEachStatusOnce(t *testing.T) {
	r, remote, st := newReconciler(t)
	url := remote.AddCollection(apitest.Breathe())
	remote.AddAssignment(model.Assignment{ID: "a1", WorkflowCollection: url, Status: model.AssignmentPending})
	rctx := &model.RequestContext{SubjectID: "u1"}
	ctx := context.Background()

	started := time.Now()
	e := model.Engagement{Detail: "e1", WorkflowCollection: url, Started: &started}

	f, err := r.Observe(ctx, rctx, "scope", url, e)
	require.NoError(t, err)
	require.NotNil(t, f)
	_, err = f.Wait(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		a, _ := st.AssignmentFor("u1", url)
		return a.Status == model.AssignmentInProgress
	}, time.Second, 5*time.Millisecond)

	f, err = r.Observe(ctx, rctx, "scope", url, e)
	require.NoError(t, err)
	assert.Nil(t, f, "IN_PROGRESS is requested once")

	e.Finished = &started
	f, err = r.Observe(ctx, rctx, "scope", url, e)
	require.NoError(t, err)
	require.NotNil(t, f)
	_, err = f.Wait(ctx)
	require.NoError(t, err)

	e.Finished = nil
	f, err = r.Observe(ctx, rctx, "scope", url, e)
	require.NoError(t, err)
	assert.Nil(t, f, "status never moves backwards")

	remote.AssertCalled(t, apitest.OpListAssignments, 1)
	remote.AssertCalled(t, apitest.OpUpdateAssignment, 2)
	assert.Equal(t, model.AssignmentClosedComplete, remote.Assignments()[0].Status)
}

func TestAssignmentReconciler_Observe_mismatchSkipped(t *testing.T) {
	r, remote, st := newReconciler(t)
	url := remote.AddCollection(apitest.Breathe())
	st.PutAssignments("u1", []model.Assignment{{ID: "a1", WorkflowCollection: url}})

	started := time.Now()
	f, err := r.Observe(context.Background(), &model.RequestContext{SubjectID: "u1"}, "scope", url,
		model.Engagement{WorkflowCollection: "https://elsewhere/", Started: &started})
	require.NoError(t, err)
	assert.Nil(t, f)
	remote.AssertCalled(t, apitest.OpUpdateAssignment, 0)
}

func TestAssignmentReconciler_Observe_failureAllowsRetry(t *testing.T) {
	r, remote, _ := newReconciler(t)
	url := remote.AddCollection(apitest.Breathe())
	remote.AddAssignment(model.Assignment{ID: "a1", WorkflowCollection: url})
	remote.FailNext(apitest.OpUpdateAssignment, http.StatusBadRequest, `{"detail":"nope"}`)
	rctx := &model.RequestContext{SubjectID: "u1"}
	ctx := context.Background()

	started := time.Now()
	e := model.Engagement{Detail: "e1", WorkflowCollection: url, Started: &started}

	f, err := r.Observe(ctx, rctx, "scope", url, e)
	require.NoError(t, err)
	require.NotNil(t, f)
	_, err = f.Wait(ctx)
	require.Error(t, err)

	require.Eventually(t, func() bool {
		f, err := r.Observe(ctx, rctx, "scope", url, e)
		return err == nil && f != nil
	}, time.Second, 5*time.Millisecond)
}
