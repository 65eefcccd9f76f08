package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/workwell/internal/analytics"
	"github.com/pitabwire/workwell/internal/api"
	"github.com/pitabwire/workwell/internal/apitest"
	"github.com/pitabwire/workwell/internal/cache"
	"github.com/pitabwire/workwell/internal/catalog"
	"github.com/pitabwire/workwell/internal/config"
	"github.com/pitabwire/workwell/internal/engagement"
	"github.com/pitabwire/workwell/internal/history"
	"github.com/pitabwire/workwell/internal/myd"
	"github.com/pitabwire/workwell/internal/navigation"
	"github.com/pitabwire/workwell/internal/observability"
	"github.com/pitabwire/workwell/internal/store"
	"github.com/pitabwire/workwell/model"
)

// --- test helpers ---

type testServer struct {
	remote     *apitest.Remote
	controller *engagement.Controller
	sink       *analytics.MemorySink
	router     http.Handler
}

// claimsAuth stands in for JWT verification and marks every request as
// coming from user-1.
func claimsAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := map[string]any{"sub": "user-1", "email": "user@example.com"}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	remote := apitest.NewRemote(t)
	metrics := observability.NewNopMetrics()
	logger := zap.NewNop()

	client := api.NewClient(config.APIConfig{BaseURL: remote.URL(), Version: 1, Timeout: 5 * time.Second}, metrics, logger)
	d := api.NewDispatcher(client, 5*time.Second, metrics, logger)
	cat := catalog.New(cache.NewMemory(), d, time.Minute, metrics, logger)
	st := store.New(time.Minute)
	rec := engagement.NewAssignmentReconciler(d, st, metrics, logger)
	ctrl := engagement.NewController(d, cat, rec, 2*time.Second, time.Minute, metrics, logger)
	sink := analytics.NewMemorySink()

	deps := testDeps()
	deps.Authenticate = claimsAuth
	deps.Metrics = metrics
	deps.CollectionURL = func(id string) string { return api.CollectionURL(client.Root(), id) }
	deps.Controller = ctrl
	deps.Navigator = navigation.NewNavigator(d, ctrl, cat, sink, metrics, logger)
	deps.History = history.NewService(d, cat, st, "UTC", metrics, logger)
	deps.MYD = myd.NewService(d, "UTC", logger)
	deps.Completions = sink

	return &testServer{
		remote:     remote,
		controller: ctrl,
		sink:       sink,
		router:     NewRouter(deps),
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer tok-1")
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// focus engages the collection and fails the test unless it becomes ready.
func (s *testServer) focus(t *testing.T, collectionID string) {
	t.Helper()
	w := s.do(t, "POST", "/v1/collections/"+collectionID+"/focus", nil)
	if w.Code != 200 {
		t.Fatalf("focus status = %d, body = %s", w.Code, w.Body.String())
	}
	var st engagement.Status
	json.NewDecoder(w.Body).Decode(&st)
	if !st.EngagementReady {
		t.Fatalf("focus engagementReady = false, state = %s", st.State)
	}
}

// waitReady polls the focus status until the session settles again.
func (s *testServer) waitReady(t *testing.T, collectionID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w := s.do(t, "GET", "/v1/collections/"+collectionID+"/focus", nil)
		var st engagement.Status
		json.NewDecoder(w.Body).Decode(&st)
		if st.EngagementReady {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session did not become ready")
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp.Error.Code
}

func stepBody(workflow, step string, pairs ...string) map[string]any {
	var questions []map[string]any
	for i := 0; i+1 < len(pairs); i += 2 {
		questions = append(questions, map[string]any{"stepInputID": pairs[i], "response": pairs[i+1]})
	}
	return map[string]any{
		"workflow":      workflow,
		"step":          step,
		"user_response": map[string]any{"questions": questions},
		"started_from":  "Home",
	}
}

// --- focus / blur ---

func TestHandleFocus_ready(t *testing.T) {
	s := newTestServer(t)
	s.remote.AddCollection(apitest.Breathe())

	w := s.do(t, "POST", "/v1/collections/breathe/focus", nil)
	if w.Code != 200 {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var st engagement.Status
	json.NewDecoder(w.Body).Decode(&st)
	if !st.EngagementReady {
		t.Errorf("engagementReady = false, state = %s", st.State)
	}
	if st.Engagement == nil {
		t.Fatal("engagement missing from a ready session")
	}
	if st.Engagement.WorkflowCollection != s.remote.CollectionURL("breathe") {
		t.Errorf("engagement collection = %q", st.Engagement.WorkflowCollection)
	}
	s.remote.AssertCalled(t, apitest.OpCreateEngagement, 1)
}

func TestHandleFocus_forwardsToken(t *testing.T) {
	s := newTestServer(t)
	s.remote.AddCollection(apitest.Breathe())
	s.focus(t, "breathe")

	req := s.remote.LastRequest(apitest.OpCreateEngagement)
	if req == nil {
		t.Fatal("no create request recorded")
	}
	if got := req.Headers.Get("Authorization"); got != "Bearer tok-1" {
		t.Errorf("Authorization = %q, want the caller's bearer token", got)
	}
}

func TestHandleBlur(t *testing.T) {
	s := newTestServer(t)
	s.remote.AddCollection(apitest.Breathe())
	s.focus(t, "breathe")

	w := s.do(t, "DELETE", "/v1/collections/breathe/focus", nil)
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	var st engagement.Status
	json.NewDecoder(w.Body).Decode(&st)
	if st.EngagementReady {
		t.Error("engagementReady = true after blur")
	}
}

func TestHandleFocusStatus_unfocused(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "GET", "/v1/collections/breathe/focus", nil)
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	var st engagement.Status
	json.NewDecoder(w.Body).Decode(&st)
	if st.EngagementReady || st.Engagement != nil {
		t.Errorf("status = %+v, want an idle session", st)
	}
}

// --- navigation ---

func TestHandleNext_navigates(t *testing.T) {
	s := newTestServer(t)
	s.remote.AddCollection(apitest.Breathe())
	s.focus(t, "breathe")

	w := s.do(t, "POST", "/v1/collections/breathe/next", stepBody("w-box", "s-reflect", "i-feel", "calm"))
	if w.Code != 200 {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var res navigation.Result
	json.NewDecoder(w.Body).Decode(&res)
	if res.Kind != navigation.KindNavigate || res.Step != "s-affirm" {
		t.Errorf("result = %+v, want navigate to s-affirm", res)
	}
	if res.StartedFrom != "Home" {
		t.Errorf("startedFrom = %q, want Home", res.StartedFrom)
	}
}

func TestHandleNext_completesActivity(t *testing.T) {
	s := newTestServer(t)
	s.remote.AddCollection(apitest.Breathe())
	s.focus(t, "breathe")

	if w := s.do(t, "POST", "/v1/collections/breathe/next", stepBody("w-box", "s-reflect", "i-feel", "calm")); w.Code != 200 {
		t.Fatalf("first move status = %d", w.Code)
	}
	s.waitReady(t, "breathe")

	w := s.do(t, "POST", "/v1/collections/breathe/next", stepBody("w-box", "s-affirm"))
	if w.Code != 200 {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var res navigation.Result
	json.NewDecoder(w.Body).Decode(&res)
	if res.Kind != navigation.KindExit || !res.Completed {
		t.Errorf("result = %+v, want a completed exit", res)
	}

	w = s.do(t, "GET", "/v1/completions", nil)
	if w.Code != 200 {
		t.Fatalf("completions status = %d", w.Code)
	}
	var list struct {
		Data  []analytics.Event `json:"data"`
		Count int               `json:"count"`
	}
	json.NewDecoder(w.Body).Decode(&list)
	if list.Count != 1 || len(list.Data) != 1 {
		t.Fatalf("completions = %+v, want 1", list)
	}
	if list.Data[0].Name != analytics.EventActivityCompleted {
		t.Errorf("event = %q", list.Data[0].Name)
	}
	if list.Data[0].SubjectID != "user-1" {
		t.Errorf("subject = %q", list.Data[0].SubjectID)
	}
}

func TestHandleNext_requiredAnswers(t *testing.T) {
	s := newTestServer(t)
	s.remote.AddCollection(apitest.Breathe())
	s.focus(t, "breathe")

	w := s.do(t, "POST", "/v1/collections/breathe/next", stepBody("w-box", "s-reflect", "i-note", "later"))
	if w.Code != 422 {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	if code := errorCode(t, w); code != model.ErrRequiredAnswers {
		t.Errorf("code = %q, want %s", code, model.ErrRequiredAnswers)
	}
}

func TestHandleNext_notFocused(t *testing.T) {
	s := newTestServer(t)
	s.remote.AddCollection(apitest.Breathe())

	w := s.do(t, "POST", "/v1/collections/breathe/next", stepBody("w-box", "s-affirm"))
	if w.Code != 409 {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	if code := errorCode(t, w); code != model.ErrEngagementNotReady {
		t.Errorf("code = %q", code)
	}
}

func TestHandleNext_invalidJSON(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "POST", "/v1/collections/breathe/next", "{not json")
	if w.Code != 400 {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleNext_missingStep(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "POST", "/v1/collections/breathe/next", map[string]any{"workflow": "w-box"})
	if w.Code != 422 {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	if code := errorCode(t, w); code != model.ErrValidationError {
		t.Errorf("code = %q", code)
	}
}

func TestHandleNext_remoteFailure(t *testing.T) {
	s := newTestServer(t)
	s.remote.AddCollection(apitest.Breathe())
	s.focus(t, "breathe")
	s.remote.FailNext(apitest.OpCreateDetail, http.StatusBadRequest, `{"detail":"step closed"}`)

	w := s.do(t, "POST", "/v1/collections/breathe/next", stepBody("w-box", "s-affirm"))
	if w.Code != 400 {
		t.Fatalf("status = %d, want the remote status 400", w.Code)
	}
}

func TestHandleBack_andAnswers(t *testing.T) {
	s := newTestServer(t)
	s.remote.AddCollection(apitest.Breathe())
	s.focus(t, "breathe")

	if w := s.do(t, "POST", "/v1/collections/breathe/next", stepBody("w-box", "s-reflect", "i-feel", "calm")); w.Code != 200 {
		t.Fatalf("next status = %d", w.Code)
	}
	s.waitReady(t, "breathe")

	w := s.do(t, "POST", "/v1/collections/breathe/back", stepBody("w-box", "s-affirm"))
	if w.Code != 200 {
		t.Fatalf("back status = %d, body = %s", w.Code, w.Body.String())
	}
	var res navigation.Result
	json.NewDecoder(w.Body).Decode(&res)
	if res.Kind != navigation.KindNavigate || res.Step != "s-reflect" {
		t.Errorf("result = %+v, want navigate to s-reflect", res)
	}
	s.waitReady(t, "breathe")

	w = s.do(t, "GET", "/v1/collections/breathe/steps/s-reflect/answers", nil)
	if w.Code != 200 {
		t.Fatalf("answers status = %d", w.Code)
	}
	var answers model.UserResponse
	json.NewDecoder(w.Body).Decode(&answers)
	if a, ok := answers.Answer("i-feel"); !ok || a.Response != "calm" {
		t.Errorf("answers = %+v, want i-feel=calm", answers)
	}
}

func TestHandleAnswers_notFound(t *testing.T) {
	s := newTestServer(t)
	s.remote.AddCollection(apitest.Breathe())
	s.focus(t, "breathe")

	w := s.do(t, "GET", "/v1/collections/breathe/steps/s-affirm/answers", nil)
	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

// --- history ---

func TestHandleCollectionHistory(t *testing.T) {
	s := newTestServer(t)
	url := s.remote.AddCollection(apitest.Breathe())
	finished := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	started := finished.Add(-10 * time.Minute)
	s.remote.AddEngagement(model.Engagement{
		WorkflowCollection: url,
		Started:            &started,
		Finished:           &finished,
		Details:            []model.EngagementDetail{{Step: "s-affirm", Finished: &finished}},
	})

	w := s.do(t, "GET", "/v1/collections/breathe/history?year=2024&month=3", nil)
	if w.Code != 200 {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var view model.HistoryView
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if march := view.Calendar[2]; march.MonthName != "March" || len(march.DaysInMonth) == 0 {
		t.Errorf("March = %+v, want a filled month grid", march)
	}
}

func TestHandleCollectionHistory_badParams(t *testing.T) {
	s := newTestServer(t)

	for _, q := range []string{"year=abc", "year=0", "year=2024&month=13", "year=2024&month=-1", "year=2024&month=abc", "month=march"} {
		t.Run(q, func(t *testing.T) {
			w := s.do(t, "GET", "/v1/collections/breathe/history?"+q, nil)
			if w.Code != 400 {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestHandleAllHistory(t *testing.T) {
	s := newTestServer(t)
	s.remote.AddCollection(apitest.Checkin())

	w := s.do(t, "GET", "/v1/history?year=2024", nil)
	if w.Code != 200 {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var view model.HistoryView
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !view.DataProcessed {
		t.Error("dataProcessed = false for a user without history")
	}
}

// --- myd / completions ---

func TestHandleMYDHistory(t *testing.T) {
	s := newTestServer(t)
	s.remote.AddCUPEntry(model.CUPEntry{
		ID:    "c1",
		Start: time.Date(2024, 3, 14, 9, 0, 0, 0, time.UTC),
		DataGroups: []model.CUPDataGroup{{
			Code: model.MYDDataGroupCode,
			Subgroups: []model.CUPSubgroup{
				{Code: model.MYDAverageWellbeingCode, Data: json.RawMessage(`4`)},
			},
		}},
	})

	w := s.do(t, "GET", "/v1/myd/history", nil)
	if w.Code != 200 {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Days map[string]model.MYDDay `json:"days"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	day, ok := resp.Days["2024-03-14"]
	if !ok {
		t.Fatalf("days = %v, want 2024-03-14", resp.Days)
	}
	if day.Mood != model.MoodHappy {
		t.Errorf("mood = %q, want %q", day.Mood, model.MoodHappy)
	}
}

func TestHandleCompletions_filters(t *testing.T) {
	s := newTestServer(t)
	at := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	s.sink.Record(t.Context(), analytics.NewEvent("user-1", "c1", "e1", model.CategorySurvey, at))
	s.sink.Record(t.Context(), analytics.NewEvent("user-1", "c1", "e2", model.CategorySurvey, at.Add(time.Hour)))
	s.sink.Record(t.Context(), analytics.NewEvent("user-2", "c1", "e3", model.CategorySurvey, at))

	w := s.do(t, "GET", "/v1/completions?since=2024-03-15T10:30:00Z", nil)
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	var list struct {
		Data  []analytics.Event `json:"data"`
		Count int               `json:"count"`
	}
	json.NewDecoder(w.Body).Decode(&list)
	if list.Count != 1 || list.Data[0].EngagementURL != "e2" {
		t.Errorf("completions = %+v, want only e2", list)
	}
}

func TestHandleCompletions_badParams(t *testing.T) {
	s := newTestServer(t)

	for _, q := range []string{"since=yesterday", "limit=-1", "limit=ten"} {
		t.Run(q, func(t *testing.T) {
			w := s.do(t, "GET", "/v1/completions?"+q, nil)
			if w.Code != 400 {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestHandlers_noRequestContext(t *testing.T) {
	s := newTestServer(t)
	handlers := map[string]http.HandlerFunc{
		"history":     handleAllHistory(nil),
		"myd":         handleMYDHistory(nil),
		"completions": handleCompletions(s.sink),
		"focus":       handleFocus(s.controller, nil),
	}
	for name, h := range handlers {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
			if w.Code != 401 {
				t.Errorf("status = %d, want 401", w.Code)
			}
		})
	}
}

// --- query helpers ---

func TestQueryInt(t *testing.T) {
	cases := []struct {
		query   string
		want    int
		wantErr bool
	}{
		{query: "", want: 7},
		{query: "n=3", want: 3},
		{query: "n=abc", wantErr: true},
		{query: "n=1.5", wantErr: true},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", "/?"+tc.query, nil)
		got, err := queryInt(r, "n", 7)
		if tc.wantErr {
			var env *model.ErrorEnvelope
			if !errors.As(err, &env) || env.Code != model.ErrBadRequest {
				t.Errorf("queryInt(%q) error = %v, want %s", tc.query, err, model.ErrBadRequest)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("queryInt(%q) = %d, %v, want %d", tc.query, got, err, tc.want)
		}
	}
}

func TestQueryYear_defaultsToCurrentYearInLocation(t *testing.T) {
	// Kiritimati runs 14 hours ahead of UTC and Pago Pago 11 hours behind,
	// so on New Year's Eve or Day one of them is in another year.
	ahead, err := time.LoadLocation("Pacific/Kiritimati")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	behind, err := time.LoadLocation("Pacific/Pago_Pago")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	r := httptest.NewRequest("GET", "/", nil)
	for _, loc := range []*time.Location{time.UTC, ahead, behind} {
		before := time.Now().In(loc).Year()
		year, err := queryYear(r, loc)
		if err != nil {
			t.Fatalf("queryYear(%s) error = %v", loc, err)
		}
		if after := time.Now().In(loc).Year(); year != before && year != after {
			t.Errorf("queryYear(%s) = %d, want %d", loc, year, before)
		}
	}
}

func TestHistoryService_defaultTimezone(t *testing.T) {
	svc := history.NewService(nil, nil, nil, "Pacific/Kiritimati", observability.NewNopMetrics(), zap.NewNop())
	if got := svc.Location(&model.RequestContext{SubjectID: "u"}).String(); got != "Pacific/Kiritimati" {
		t.Skipf("tzdata unavailable, got %s", got)
	}
	if got := svc.Location(&model.RequestContext{SubjectID: "u", Timezone: "Europe/Paris"}).String(); got != "Europe/Paris" {
		t.Errorf("request timezone = %s, want Europe/Paris", got)
	}
}
