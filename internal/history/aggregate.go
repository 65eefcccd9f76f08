package history

import (
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/workwell/internal/calendar"
	"github.com/pitabwire/workwell/internal/observability"
	"github.com/pitabwire/workwell/model"
)

// Aggregation scopes, used in metrics and memo keys.
const (
	ScopeCollection = "collection"
	ScopeAll        = "all"
)

const dateLayout = "2006-01-02"

// Window is a half-open time range [From, To).
type Window struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t lies within the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

// MonthWindow returns the window covering one calendar month in loc.
func MonthWindow(year int, month time.Month, loc *time.Location) Window {
	from := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	return Window{From: from, To: from.AddDate(0, 1, 0)}
}

// YearWindow returns the window covering one calendar year in loc.
func YearWindow(year int, loc *time.Location) Window {
	from := time.Date(year, time.January, 1, 0, 0, 0, 0, loc)
	return Window{From: from, To: from.AddDate(1, 0, 0)}
}

// Input is everything an aggregation pass reads.
type Input struct {
	Year int
	// Window further restricts which engagements are shown. Nil means the
	// whole year.
	Window   *Window
	Location *time.Location
	// Records is the raw engagement history. Loaded is false until it has
	// been fetched at least once.
	Records []model.Engagement
	Loaded  bool
	// Collections holds resolved collection metadata keyed by URL.
	Collections map[string]model.WorkflowCollection
	// Pending is set while a collection fetch is outstanding.
	Pending bool
}

// Result is the outcome of an aggregation pass. Missing lists collections
// that must be fetched before the history can be processed.
type Result struct {
	View    model.HistoryView
	Missing []string
}

// Aggregator fills calendar skeletons from engagement history.
type Aggregator struct {
	skeletons *calendar.Cache
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// NewAggregator creates an Aggregator.
func NewAggregator(metrics *observability.Metrics, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		skeletons: &calendar.Cache{},
		metrics:   metrics,
		logger:    logger,
	}
}

func (a *Aggregator) pending(in Input, missing []string) Result {
	return Result{
		View:    model.HistoryView{Calendar: a.skeletons.Year(in.Year)},
		Missing: missing,
	}
}

// AggregateCollection builds the history of a single collection, including
// the questions and answers of every completed workflow.
func (a *Aggregator) AggregateCollection(collectionURL string, in Input) Result {
	start := time.Now()
	res := a.aggregateCollection(collectionURL, in)
	a.metrics.RecordAggregation(ScopeCollection, res.View.DataProcessed, time.Since(start))
	return res
}

func (a *Aggregator) aggregateCollection(collectionURL string, in Input) Result {
	if !in.Loaded || in.Pending {
		return a.pending(in, nil)
	}
	coll, ok := in.Collections[collectionURL]
	if !ok {
		return a.pending(in, []string{collectionURL})
	}

	cal := a.skeletons.Year(in.Year)
	if !coll.IsActivity() {
		return Result{View: model.HistoryView{Calendar: cal, DataProcessed: true}}
	}

	affirmations := a.affirmations(coll)
	loc := location(in)
	for _, e := range in.Records {
		if e.WorkflowCollection != collectionURL || !a.eligible(e, in, loc) {
			continue
		}
		if pe, ok := project(e, affirmations, loc, true); ok {
			calendar.Insert(&cal, in.Year, *e.Finished, loc, pe)
		}
	}
	return Result{View: model.HistoryView{Calendar: cal, DataProcessed: true}}
}

// AggregateAll builds the history across every ACTIVITY collection the
// user has finished an engagement with.
func (a *Aggregator) AggregateAll(in Input) Result {
	start := time.Now()
	res := a.aggregateAll(in)
	a.metrics.RecordAggregation(ScopeAll, res.View.DataProcessed, time.Since(start))
	return res
}

func (a *Aggregator) aggregateAll(in Input) Result {
	if !in.Loaded || in.Pending {
		return a.pending(in, nil)
	}

	engaged := ReferencedCollections(in.Records)
	var missing []string
	for _, u := range engaged {
		if _, ok := in.Collections[u]; !ok {
			missing = append(missing, u)
		}
	}
	if len(missing) > 0 {
		return a.pending(in, missing)
	}

	cal := a.skeletons.Year(in.Year)
	if len(engaged) == 0 {
		return Result{View: model.HistoryView{Calendar: cal, DataProcessed: true}}
	}

	byCollection := make(map[string][]Affirmation, len(engaged))
	for _, u := range engaged {
		coll := in.Collections[u]
		if coll.IsActivity() {
			byCollection[u] = a.affirmations(coll)
		}
	}

	loc := location(in)
	for _, e := range in.Records {
		affirmations, ok := byCollection[e.WorkflowCollection]
		if !ok || !a.eligible(e, in, loc) {
			continue
		}
		if pe, ok := project(e, affirmations, loc, false); ok {
			calendar.Insert(&cal, in.Year, *e.Finished, loc, pe)
		}
	}
	return Result{View: model.HistoryView{Calendar: cal, DataProcessed: true}}
}

func (a *Aggregator) affirmations(c model.WorkflowCollection) []Affirmation {
	found, missing := ResolveAffirmations(c)
	for _, w := range missing {
		a.metrics.RecordMissingAffirmation()
		a.logger.Debug("workflow has no affirmation step, excluded from history",
			zap.String("collection", c.URL()),
			zap.String("workflow", w.ID),
			zap.String("workflow_code", w.Code),
		)
	}
	return found
}

// eligible applies the completeness and date filters.
func (a *Aggregator) eligible(e model.Engagement, in Input, loc *time.Location) bool {
	if e.Finished == nil || len(e.Details) == 0 {
		return false
	}
	local := e.Finished.In(loc)
	if local.Year() != in.Year {
		return false
	}
	return in.Window == nil || in.Window.Contains(*e.Finished)
}

func location(in Input) *time.Location {
	if in.Location == nil {
		return time.UTC
	}
	return in.Location
}

// project turns a finished engagement into a calendar entry. It reports
// false when no workflow was completed.
func project(e model.Engagement, affirmations []Affirmation, loc *time.Location, withSteps bool) (model.ProcessedEngagement, bool) {
	byStep := make(map[string]Affirmation, len(affirmations))
	for _, af := range affirmations {
		byStep[af.StepID] = af
	}

	completed := make(map[string]model.EngagementDetail, len(e.Details))
	for _, d := range e.Details {
		if d.Finished != nil {
			completed[d.Step] = d
		}
	}

	pe := model.ProcessedEngagement{
		EngagementDate:     e.Finished.In(loc).Format(dateLayout),
		Finished:           *e.Finished,
		Collection:         e.WorkflowCollection,
		WorkflowsCompleted: []model.CompletedWorkflow{},
	}
	seen := make(map[string]bool)
	for _, d := range e.Details {
		if d.Finished == nil {
			continue
		}
		af, ok := byStep[d.Step]
		if !ok || seen[af.Workflow.ID] {
			continue
		}
		seen[af.Workflow.ID] = true
		pe.WorkflowsCompleted = append(pe.WorkflowsCompleted, completedWorkflow(af.Workflow, completed, withSteps))
	}
	return pe, len(pe.WorkflowsCompleted) > 0
}

func completedWorkflow(w model.Workflow, completed map[string]model.EngagementDetail, withSteps bool) model.CompletedWorkflow {
	cw := model.CompletedWorkflow{
		Name:      w.Name,
		StepTypes: []string{},
		StepData:  []model.StepAnswer{},
	}
	if !withSteps {
		return cw
	}

	types := make(map[string]bool)
	for _, step := range model.SortSteps(w.Steps) {
		if st := model.StepType(step.UITemplate); st != "" && !types[st] {
			types[st] = true
			cw.StepTypes = append(cw.StepTypes, st)
		}

		detail, ok := completed[step.ID]
		if !ok {
			continue
		}
		if cw.Finished == nil || detail.Finished.After(*cw.Finished) {
			f := *detail.Finished
			cw.Finished = &f
		}
		for _, input := range step.Inputs {
			q, ok := detail.UserResponse.Answer(input.ID)
			if !ok {
				continue
			}
			answer, ok := formatAnswer(q.Response)
			if !ok {
				continue
			}
			cw.StepData = append(cw.StepData, model.StepAnswer{Question: input.Content, Answer: answer})
		}
	}
	return cw
}

// formatAnswer renders a response value as text. Empty responses count as
// unanswered.
func formatAnswer(v any) (string, bool) {
	switch r := v.(type) {
	case nil:
		return "", false
	case string:
		return r, r != ""
	case float64:
		return strconv.FormatFloat(r, 'f', -1, 64), true
	case int:
		return strconv.Itoa(r), true
	case bool:
		return strconv.FormatBool(r), true
	default:
		data, err := json.Marshal(r)
		if err != nil {
			return "", false
		}
		return string(data), true
	}
}
