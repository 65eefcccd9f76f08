package model

import (
	"sort"
	"strings"
)

// CollectionCategory classifies a workflow collection.
type CollectionCategory string

// Collection categories.
const (
	CategoryActivity CollectionCategory = "ACTIVITY"
	CategorySurvey   CollectionCategory = "SURVEY"
)

// WorkflowCollection is a named bundle of workflows a user engages with as a
// single unit.
type WorkflowCollection struct {
	ID          string                     `json:"id"`
	SelfDetail  string                     `json:"self_detail"`
	Detail      string                     `json:"detail,omitempty"`
	Code        string                     `json:"code"`
	Name        string                     `json:"name"`
	Description string                     `json:"description,omitempty"`
	Category    CollectionCategory         `json:"category"`
	Members     []WorkflowCollectionMember `json:"workflowcollectionmember_set"`
}

// URL returns the canonical URL the remote API uses to reference the
// collection from engagements and assignments.
func (c WorkflowCollection) URL() string {
	if c.SelfDetail != "" {
		return c.SelfDetail
	}
	return c.Detail
}

// IsActivity reports whether the collection is a repeatable activity.
func (c WorkflowCollection) IsActivity() bool {
	return c.Category == CategoryActivity
}

// Workflows returns the member workflows ordered by member order.
func (c WorkflowCollection) Workflows() []Workflow {
	members := make([]WorkflowCollectionMember, len(c.Members))
	copy(members, c.Members)
	sort.SliceStable(members, func(i, j int) bool {
		return members[i].Order < members[j].Order
	})
	out := make([]Workflow, len(members))
	for i, m := range members {
		out[i] = m.Workflow
	}
	return out
}

// StepIDs returns the set of step IDs across every member workflow.
func (c WorkflowCollection) StepIDs() map[string]bool {
	ids := make(map[string]bool)
	for _, m := range c.Members {
		for _, s := range m.Workflow.Steps {
			ids[s.ID] = true
		}
	}
	return ids
}

// FindWorkflow returns the member workflow with the given ID.
func (c WorkflowCollection) FindWorkflow(id string) (Workflow, bool) {
	for _, m := range c.Members {
		if m.Workflow.ID == id {
			return m.Workflow, true
		}
	}
	return Workflow{}, false
}

// WorkflowCollectionMember places a workflow at a position in a collection.
type WorkflowCollectionMember struct {
	Order    int      `json:"order"`
	Workflow Workflow `json:"workflow"`
}

// Workflow is an ordered sequence of steps.
type Workflow struct {
	ID         string         `json:"id"`
	SelfDetail string         `json:"self_detail"`
	Code       string         `json:"code"`
	Name       string         `json:"name"`
	Image      string         `json:"image,omitempty"`
	Steps      []WorkflowStep `json:"workflowstep_set"`
}

// FindStep returns the step with the given ID.
func (w Workflow) FindStep(id string) (WorkflowStep, bool) {
	for _, s := range w.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return WorkflowStep{}, false
}

// WorkflowStep is a single screen of content or questions.
type WorkflowStep struct {
	ID         string              `json:"id"`
	Code       string              `json:"code"`
	Order      int                 `json:"order"`
	UITemplate string              `json:"ui_template"`
	Inputs     []WorkflowStepInput `json:"workflowstepinput_set"`
	Texts      []WorkflowStepText  `json:"workflowsteptext_set,omitempty"`
	Audio      []WorkflowStepMedia `json:"workflowstepaudio_set,omitempty"`
	Images     []WorkflowStepMedia `json:"workflowstepimage_set,omitempty"`
	Videos     []WorkflowStepMedia `json:"workflowstepvideo_set,omitempty"`
}

// IsAffirmation reports whether the step marks completion of its workflow.
func (s WorkflowStep) IsAffirmation() bool {
	return strings.Contains(s.UITemplate, "affirmation")
}

// WorkflowStepInput is a question definition attached to a step.
type WorkflowStepInput struct {
	ID             string `json:"id"`
	WorkflowStep   string `json:"workflow_step"`
	Content        string `json:"content"`
	UIIdentifier   string `json:"ui_identifier"`
	Required       bool   `json:"required"`
	ResponseSchema any    `json:"response_schema,omitempty"`
}

// WorkflowStepText is static text content attached to a step.
type WorkflowStepText struct {
	ID           string `json:"id"`
	WorkflowStep string `json:"workflow_step"`
	Content      string `json:"content"`
	UIIdentifier string `json:"ui_identifier"`
	StorageValue *int   `json:"storage_value"`
}

// WorkflowStepMedia references an image, audio or video asset.
type WorkflowStepMedia struct {
	ID           string `json:"id"`
	WorkflowStep string `json:"workflow_step"`
	UIIdentifier string `json:"ui_identifier"`
	URL          string `json:"url"`
}

// SortSteps returns a copy of steps ordered by Order. Equal orders keep their
// relative position.
func SortSteps(steps []WorkflowStep) []WorkflowStep {
	out := make([]WorkflowStep, len(steps))
	copy(out, steps)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Order < out[j].Order
	})
	return out
}

// StepType maps a ui_template name such as "reflection_v1" onto the step
// type reported in history views. Unknown templates map to "".
func StepType(uiTemplate string) string {
	if uiTemplate == "" {
		return ""
	}
	prefix, rest, _ := strings.Cut(uiTemplate, "_")
	switch prefix {
	case "instruction", "video", "audio", "affirmation", "scale":
		return prefix
	case "reflection":
		return "entry"
	case "guided":
		return "step"
	case "myd":
		next, _, _ := strings.Cut(rest, "_")
		return StepType(next)
	default:
		return ""
	}
}
