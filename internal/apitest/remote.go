// Package apitest provides a stateful fake of the upstream wellbeing API for
// tests. It stores collections, engagements, details and assignments, derives
// engagement navigation state the way the real API does, records every
// request, and can be told to fail specific operations.
package apitest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/workwell/model"
)

// Operation IDs recorded by Remote.
const (
	OpListCollections  = "collection.list"
	OpGetCollection    = "collection.detail"
	OpListEngagements  = "engagement.list"
	OpCreateEngagement = "engagement.create"
	OpGetEngagement    = "engagement.retrieve"
	OpUpdateEngagement = "engagement.update"
	OpCreateDetail     = "engagement_detail.create"
	OpUpdateDetail     = "engagement_detail.update"
	OpListAssignments  = "assignment.list"
	OpUpdateAssignment = "assignment.update"
	OpListCUP          = "cup.list"
)

// RecordedRequest captures a request received by the fake.
type RecordedRequest struct {
	Method      string
	Path        string
	QueryParams map[string]string
	Headers     http.Header
	Body        map[string]any
	RawBody     []byte
	ReceivedAt  time.Time
}

type failure struct {
	status int
	body   string
}

// Remote is the fake upstream API.
type Remote struct {
	server *httptest.Server

	mu          sync.Mutex
	collections map[string]model.WorkflowCollection
	order       []string
	engagements []*model.Engagement
	assignments []model.Assignment
	cup         []model.CUPEntry
	nextID      int
	received    map[string][]*RecordedRequest
	failures    map[string][]failure
	gates       map[string]chan struct{}
}

// NewRemote starts a fake upstream API. It is closed when the test ends.
func NewRemote(t *testing.T) *Remote {
	t.Helper()
	r := &Remote{
		collections: make(map[string]model.WorkflowCollection),
		received:    make(map[string][]*RecordedRequest),
		failures:    make(map[string][]failure),
		gates:       make(map[string]chan struct{}),
	}

	const root = "/api_v1/"
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+root+"workflows/collections/{$}", r.handle(OpListCollections, r.listCollections))
	mux.HandleFunc("GET "+root+"workflows/collections/{id}/{$}", r.handle(OpGetCollection, r.getCollection))
	mux.HandleFunc("GET "+root+"users/self/workflows/engagements/{$}", r.handle(OpListEngagements, r.listEngagements))
	mux.HandleFunc("POST "+root+"users/self/workflows/engagements/{$}", r.handle(OpCreateEngagement, r.createEngagement))
	mux.HandleFunc("GET "+root+"users/self/workflows/engagements/{id}/{$}", r.handle(OpGetEngagement, r.getEngagement))
	mux.HandleFunc("PATCH "+root+"users/self/workflows/engagements/{id}/{$}", r.handle(OpUpdateEngagement, r.updateEngagement))
	mux.HandleFunc("POST "+root+"users/self/workflows/engagements/{id}/details/{$}", r.handle(OpCreateDetail, r.createDetail))
	mux.HandleFunc("PATCH "+root+"users/self/workflows/engagements/{id}/details/{detail_id}/{$}", r.handle(OpUpdateDetail, r.updateDetail))
	mux.HandleFunc("GET "+root+"users/self/workflows/assignments/{$}", r.handle(OpListAssignments, r.listAssignments))
	mux.HandleFunc("PATCH "+root+"users/self/workflows/assignments/{id}/{$}", r.handle(OpUpdateAssignment, r.updateAssignment))
	mux.HandleFunc("GET "+root+"users/self/cup/{$}", r.handle(OpListCUP, r.listCUP))

	r.server = httptest.NewServer(mux)
	t.Cleanup(r.server.Close)
	return r
}

// URL returns the base URL of the fake.
func (r *Remote) URL() string {
	return r.server.URL
}

func (r *Remote) url(path string) string {
	return r.server.URL + "/api_v1/" + path
}

// CollectionURL returns the URL of the collection with the given ID.
func (r *Remote) CollectionURL(id string) string {
	return r.url("workflows/collections/" + id + "/")
}

// WorkflowURL returns the URL of the workflow with the given ID, in the form
// the server uses for navigation pointers.
func (r *Remote) WorkflowURL(id string) string {
	return r.url("workflows/workflows/" + id + "/")
}

func (r *Remote) engagementURL(id string) string {
	return r.url("users/self/workflows/engagements/" + id + "/")
}

// AddCollection stores c, setting its URL, and returns the URL.
func (r *Remote) AddCollection(c model.WorkflowCollection) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.SelfDetail = r.CollectionURL(c.ID)
	c.Detail = c.SelfDetail
	if _, ok := r.collections[c.ID]; !ok {
		r.order = append(r.order, c.ID)
	}
	r.collections[c.ID] = c
	return c.SelfDetail
}

// AddEngagement stores e and returns its URL. Detail URLs are assigned.
func (r *Remote) AddEngagement(e model.Engagement) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	e.Detail = r.engagementURL("e" + strconv.Itoa(r.nextID))
	e.SelfDetail = e.Detail
	for i := range e.Details {
		r.nextID++
		e.Details[i].Detail = e.Detail + "details/d" + strconv.Itoa(r.nextID) + "/"
		e.Details[i].Engagement = e.Detail
	}
	r.engagements = append(r.engagements, &e)
	return e.Detail
}

// AddAssignment stores a.
func (r *Remote) AddAssignment(a model.Assignment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.Detail == "" {
		a.Detail = r.url("users/self/workflows/assignments/" + a.ID + "/")
	}
	r.assignments = append(r.assignments, a)
}

// AddCUPEntry stores a collected user profile entry.
func (r *Remote) AddCUPEntry(e model.CUPEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cup = append(r.cup, e)
}

// Engagements returns copies of the stored engagements.
func (r *Remote) Engagements() []model.Engagement {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Engagement, len(r.engagements))
	for i, e := range r.engagements {
		out[i] = r.withState(*e)
	}
	return out
}

// Assignments returns copies of the stored assignments.
func (r *Remote) Assignments() []model.Assignment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Assignment(nil), r.assignments...)
}

// FailNext makes the next call of op answer with status and body.
func (r *Remote) FailNext(op string, status int, body string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[op] = append(r.failures[op], failure{status: status, body: body})
}

// Hold blocks calls of op until the returned release function is called.
func (r *Remote) Hold(op string) (release func()) {
	ch := make(chan struct{})
	r.mu.Lock()
	r.gates[op] = ch
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.gates, op)
			r.mu.Unlock()
			close(ch)
		})
	}
}

// Calls returns how many times op was called.
func (r *Remote) Calls(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received[op])
}

// Requests returns the requests received for op.
func (r *Remote) Requests(op string) []*RecordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*RecordedRequest(nil), r.received[op]...)
}

// LastRequest returns the last request received for op, or nil.
func (r *Remote) LastRequest(op string) *RecordedRequest {
	reqs := r.Requests(op)
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// AssertCalled verifies that op was called the expected number of times.
func (r *Remote) AssertCalled(t *testing.T, op string, expected int) {
	t.Helper()
	if actual := r.Calls(op); actual != expected {
		t.Errorf("remote: operation %q called %d times, want %d", op, actual, expected)
	}
}

type handlerFunc func(w http.ResponseWriter, req *http.Request, body []byte)

func (r *Remote) handle(op string, h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		rec := &RecordedRequest{
			Method:      req.Method,
			Path:        req.URL.Path,
			QueryParams: make(map[string]string),
			Headers:     req.Header.Clone(),
			RawBody:     body,
			ReceivedAt:  time.Now(),
		}
		for key, values := range req.URL.Query() {
			if len(values) > 0 {
				rec.QueryParams[key] = values[0]
			}
		}
		if len(body) > 0 {
			var parsed map[string]any
			if err := json.Unmarshal(body, &parsed); err == nil {
				rec.Body = parsed
			}
		}

		r.mu.Lock()
		r.received[op] = append(r.received[op], rec)
		gate := r.gates[op]
		var f *failure
		if queued := r.failures[op]; len(queued) > 0 {
			f = &queued[0]
			r.failures[op] = queued[1:]
		}
		r.mu.Unlock()

		if gate != nil {
			<-gate
		}
		if f != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(f.status)
			io.WriteString(w, f.body)
			return
		}
		h(w, req, body)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func notFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
}

func page[T any](items []T) map[string]any {
	if items == nil {
		items = []T{}
	}
	return map[string]any{"count": len(items), "next": nil, "previous": nil, "results": items}
}

func (r *Remote) listCollections(w http.ResponseWriter, _ *http.Request, _ []byte) {
	r.mu.Lock()
	out := make([]model.WorkflowCollection, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.collections[id])
	}
	r.mu.Unlock()
	writeJSON(w, http.StatusOK, page(out))
}

func (r *Remote) getCollection(w http.ResponseWriter, req *http.Request, _ []byte) {
	r.mu.Lock()
	c, ok := r.collections[req.PathValue("id")]
	r.mu.Unlock()
	if !ok {
		notFound(w)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (r *Remote) listEngagements(w http.ResponseWriter, req *http.Request, _ []byte) {
	q := req.URL.Query()
	includeFinished := q.Get("include_finished") == "true"
	includeDetails := q.Get("include_details") == "true"
	var collectionURL string
	if id := q.Get("collection_id"); id != "" {
		collectionURL = r.CollectionURL(id)
	}
	start, _ := time.Parse(time.RFC3339, q.Get("start"))
	end, _ := time.Parse(time.RFC3339, q.Get("end"))

	r.mu.Lock()
	var out []model.Engagement
	for _, e := range r.engagements {
		if collectionURL != "" && e.WorkflowCollection != collectionURL {
			continue
		}
		if e.Finished != nil && !includeFinished {
			continue
		}
		if e.Finished != nil && !start.IsZero() && (e.Finished.Before(start) || !e.Finished.Before(end)) {
			continue
		}
		v := r.withState(*e)
		if !includeDetails {
			v.Details = nil
		}
		out = append(out, v)
	}
	r.mu.Unlock()
	writeJSON(w, http.StatusOK, page(out))
}

func (r *Remote) find(id string) *model.Engagement {
	url := r.engagementURL(id)
	for _, e := range r.engagements {
		if e.Detail == url {
			return e
		}
	}
	return nil
}

func (r *Remote) createEngagement(w http.ResponseWriter, _ *http.Request, body []byte) {
	var in struct {
		WorkflowCollection string     `json:"workflow_collection"`
		Started            *time.Time `json:"started"`
	}
	if err := json.Unmarshal(body, &in); err != nil || in.WorkflowCollection == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"workflow_collection": "This field is required."})
		return
	}
	url := r.AddEngagement(model.Engagement{WorkflowCollection: in.WorkflowCollection, Started: in.Started})

	r.mu.Lock()
	e := r.withState(*r.find(ResourceID(url)))
	r.mu.Unlock()
	writeJSON(w, http.StatusCreated, e)
}

func (r *Remote) getEngagement(w http.ResponseWriter, req *http.Request, _ []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.find(req.PathValue("id"))
	if e == nil {
		notFound(w)
		return
	}
	writeJSON(w, http.StatusOK, r.withState(*e))
}

func (r *Remote) updateEngagement(w http.ResponseWriter, req *http.Request, body []byte) {
	var in map[string]*time.Time
	if err := json.Unmarshal(body, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.find(req.PathValue("id"))
	if e == nil {
		notFound(w)
		return
	}
	if v, ok := in["started"]; ok {
		e.Started = v
	}
	if v, ok := in["finished"]; ok {
		e.Finished = v
	}
	writeJSON(w, http.StatusOK, r.withState(*e))
}

type detailBody struct {
	Step         string             `json:"step"`
	UserResponse model.UserResponse `json:"user_response"`
	Started      *time.Time         `json:"started"`
	Finished     *time.Time         `json:"finished"`
}

func (r *Remote) createDetail(w http.ResponseWriter, req *http.Request, body []byte) {
	var in detailBody
	if err := json.Unmarshal(body, &in); err != nil || in.Step == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"step": "This field is required."})
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.find(req.PathValue("id"))
	if e == nil {
		notFound(w)
		return
	}
	if !r.stepInCollection(e.WorkflowCollection, in.Step) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"step": "Step is not part of the collection."})
		return
	}
	r.nextID++
	d := model.EngagementDetail{
		Detail:       e.Detail + "details/d" + strconv.Itoa(r.nextID) + "/",
		Engagement:   e.Detail,
		Step:         in.Step,
		UserResponse: in.UserResponse,
		Started:      in.Started,
		Finished:     in.Finished,
	}
	e.Details = append(e.Details, d)
	writeJSON(w, http.StatusCreated, d)
}

func (r *Remote) updateDetail(w http.ResponseWriter, req *http.Request, body []byte) {
	var in detailBody
	if err := json.Unmarshal(body, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.find(req.PathValue("id"))
	if e == nil {
		notFound(w)
		return
	}
	suffix := "details/" + req.PathValue("detail_id") + "/"
	for i := range e.Details {
		if e.Details[i].Detail == e.Detail+suffix {
			e.Details[i].UserResponse = in.UserResponse
			if in.Started != nil {
				e.Details[i].Started = in.Started
			}
			e.Details[i].Finished = in.Finished
			writeJSON(w, http.StatusOK, e.Details[i])
			return
		}
	}
	notFound(w)
}

func (r *Remote) listAssignments(w http.ResponseWriter, _ *http.Request, _ []byte) {
	writeJSON(w, http.StatusOK, page(r.Assignments()))
}

func (r *Remote) updateAssignment(w http.ResponseWriter, req *http.Request, body []byte) {
	var in struct {
		Engagement string                 `json:"engagement"`
		Status     model.AssignmentStatus `json:"status"`
	}
	if err := json.Unmarshal(body, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.assignments {
		if r.assignments[i].ID == req.PathValue("id") {
			r.assignments[i].Status = in.Status
			writeJSON(w, http.StatusOK, r.assignments[i])
			return
		}
	}
	notFound(w)
}

func (r *Remote) listCUP(w http.ResponseWriter, req *http.Request, _ []byte) {
	code := req.URL.Query().Get("data_group_code")
	r.mu.Lock()
	var out []model.CUPEntry
	for _, e := range r.cup {
		for _, g := range e.DataGroups {
			if code == "" || g.Code == code {
				out = append(out, e)
				break
			}
		}
	}
	r.mu.Unlock()
	writeJSON(w, http.StatusOK, page(out))
}

type stepRef struct {
	workflow string
	step     string
}

// steps lists the steps of a collection in navigation order. Callers must
// hold r.mu.
func (r *Remote) steps(collectionURL string) []stepRef {
	for _, c := range r.collections {
		if c.SelfDetail != collectionURL {
			continue
		}
		var out []stepRef
		for _, w := range c.Workflows() {
			for _, s := range model.SortSteps(w.Steps) {
				out = append(out, stepRef{workflow: w.ID, step: s.ID})
			}
		}
		return out
	}
	return nil
}

func (r *Remote) stepInCollection(collectionURL, stepID string) bool {
	for _, s := range r.steps(collectionURL) {
		if s.step == stepID {
			return true
		}
	}
	return false
}

// withState returns e with its navigation state derived from the finished
// details: the next step is the first unfinished one in collection order.
// Callers must hold r.mu.
func (r *Remote) withState(e model.Engagement) model.Engagement {
	steps := r.steps(e.WorkflowCollection)
	done := e.FinishedStepIDs()

	next := len(steps)
	for i, s := range steps {
		if !done[s.step] {
			next = i
			break
		}
	}

	var st model.EngagementState
	st.StepsInCollection = len(steps)
	for _, s := range steps {
		if done[s.step] {
			st.StepsCompletedInCollection++
		}
	}
	if next < len(steps) {
		st.NextStepID = ptr(steps[next].step)
		st.NextWorkflow = ptr(r.WorkflowURL(steps[next].workflow))
	}
	if next > 0 {
		st.PrevStepID = ptr(steps[next-1].step)
		st.PrevWorkflow = ptr(r.WorkflowURL(steps[next-1].workflow))
	}

	current := ""
	if next < len(steps) {
		current = steps[next].workflow
	} else if next > 0 {
		current = steps[next-1].workflow
	}
	finished := make(map[string]bool)
	var workflows []string
	for _, s := range steps {
		if _, seen := finished[s.workflow]; !seen {
			finished[s.workflow] = true
			workflows = append(workflows, s.workflow)
		}
		if s.workflow == current {
			st.StepsInWorkflow++
			if done[s.step] {
				st.StepsCompletedInWorkflow++
			}
		}
		if !done[s.step] {
			finished[s.workflow] = false
		}
	}
	for _, w := range workflows {
		if finished[w] {
			st.PreviouslyCompletedWorkflows = append(st.PreviouslyCompletedWorkflows, model.CompletedWorkflowRef{Workflow: r.WorkflowURL(w)})
		}
	}

	e.State = st
	e.Details = append([]model.EngagementDetail(nil), e.Details...)
	return e
}

func ptr(s string) *string { return &s }

// ResourceID returns the last path segment of a URL.
func ResourceID(url string) string {
	url = strings.TrimSuffix(url, "/")
	return url[strings.LastIndex(url, "/")+1:]
}

// String describes the fake for test failure messages.
func (r *Remote) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("remote{collections=%d engagements=%d assignments=%d}", len(r.collections), len(r.engagements), len(r.assignments))
}
