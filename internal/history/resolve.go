// Package history projects finished engagements onto calendar years.
//
// Aggregation is a multi-pass convergence: while collection metadata needed
// to interpret the history is missing, the aggregators report which
// collections to fetch and return the empty calendar with DataProcessed set
// to false. Callers fetch in the background and ask again.
package history

import (
	"github.com/pitabwire/workwell/model"
)

// Affirmation ties a workflow to the step that marks its completion.
type Affirmation struct {
	StepID     string
	Workflow   model.Workflow
	Collection string
}

// ResolveAffirmations finds the affirmation step of every member workflow of
// c. Workflows without one are returned separately so the caller can report
// them.
func ResolveAffirmations(c model.WorkflowCollection) (found []Affirmation, missing []model.Workflow) {
	for _, w := range c.Workflows() {
		step, ok := affirmationStep(w)
		if !ok {
			missing = append(missing, w)
			continue
		}
		found = append(found, Affirmation{
			StepID:     step.ID,
			Workflow:   w,
			Collection: c.URL(),
		})
	}
	return found, missing
}

func affirmationStep(w model.Workflow) (model.WorkflowStep, bool) {
	for _, s := range w.Steps {
		if s.IsAffirmation() {
			return s, true
		}
	}
	return model.WorkflowStep{}, false
}

// ReferencedCollections returns the distinct collection URLs of finished
// engagements, in order of first appearance.
func ReferencedCollections(records []model.Engagement) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range records {
		if e.Finished == nil || seen[e.WorkflowCollection] {
			continue
		}
		seen[e.WorkflowCollection] = true
		out = append(out, e.WorkflowCollection)
	}
	return out
}
