package model

import "time"

// Engagement is one attempt, open or closed, at a workflow collection.
type Engagement struct {
	Detail             string             `json:"detail,omitempty"`
	SelfDetail         string             `json:"self_detail,omitempty"`
	WorkflowCollection string             `json:"workflow_collection"`
	Started            *time.Time         `json:"started"`
	Finished           *time.Time         `json:"finished"`
	State              EngagementState    `json:"state"`
	Details            []EngagementDetail `json:"workflowcollectionengagementdetail_set"`
}

// URL returns the URL used to address the engagement.
func (e Engagement) URL() string {
	if e.SelfDetail != "" {
		return e.SelfDetail
	}
	return e.Detail
}

// IsOpen reports whether the engagement has not been finished.
func (e Engagement) IsOpen() bool {
	return e.Finished == nil
}

// HasDetails reports whether any step has been visited.
func (e Engagement) HasDetails() bool {
	return len(e.Details) > 0
}

// DetailForStep returns the detail recorded for the given step.
func (e Engagement) DetailForStep(stepID string) (EngagementDetail, bool) {
	for _, d := range e.Details {
		if d.Step == stepID {
			return d, true
		}
	}
	return EngagementDetail{}, false
}

// FinishedStepIDs returns the steps whose detail has been finished.
func (e Engagement) FinishedStepIDs() map[string]bool {
	ids := make(map[string]bool, len(e.Details))
	for _, d := range e.Details {
		if d.Finished != nil {
			ids[d.Step] = true
		}
	}
	return ids
}

// EngagementState is the server-computed progress of an engagement.
type EngagementState struct {
	NextStepID                   *string                `json:"next_step_id"`
	PrevStepID                   *string                `json:"prev_step_id"`
	NextWorkflow                 *string                `json:"next_workflow"`
	PrevWorkflow                 *string                `json:"prev_workflow"`
	StepsCompletedInCollection   int                    `json:"steps_completed_in_collection"`
	StepsInCollection            int                    `json:"steps_in_collection"`
	StepsCompletedInWorkflow     int                    `json:"steps_completed_in_workflow"`
	StepsInWorkflow              int                    `json:"steps_in_workflow"`
	PreviouslyCompletedWorkflows []CompletedWorkflowRef `json:"previously_completed_workflows"`
}

// CompletedWorkflowRef identifies a workflow the server considers complete.
type CompletedWorkflowRef struct {
	Workflow string `json:"workflow"`
}

// EngagementDetail records one visited step within an engagement.
type EngagementDetail struct {
	Detail       string       `json:"detail,omitempty"`
	Engagement   string       `json:"workflow_collection_engagement,omitempty"`
	Step         string       `json:"step"`
	UserResponse UserResponse `json:"user_response"`
	Started      *time.Time   `json:"started"`
	Finished     *time.Time   `json:"finished"`
}

// UserResponse holds the answers given on a step.
type UserResponse struct {
	Questions []QuestionResponse `json:"questions"`
}

// Answer returns the response recorded for the given step input.
func (r UserResponse) Answer(stepInputID string) (QuestionResponse, bool) {
	for _, q := range r.Questions {
		if q.StepInputID == stepInputID {
			return q, true
		}
	}
	return QuestionResponse{}, false
}

// QuestionResponse is the answer to a single step input.
type QuestionResponse struct {
	StepInputID           string `json:"stepInputID"`
	StepInputUIIdentifier string `json:"stepInputUIIdentifier"`
	Response              any    `json:"response"`
}

// AssignmentStatus is the lifecycle status of an assignment.
type AssignmentStatus string

// Assignment statuses, in lifecycle order.
const (
	AssignmentPending        AssignmentStatus = "PENDING"
	AssignmentInProgress     AssignmentStatus = "IN_PROGRESS"
	AssignmentClosedComplete AssignmentStatus = "CLOSED_COMPLETE"
)

// Rank orders statuses so transitions can be checked for monotonicity.
// Unknown statuses rank as PENDING.
func (s AssignmentStatus) Rank() int {
	switch s {
	case AssignmentInProgress:
		return 1
	case AssignmentClosedComplete:
		return 2
	default:
		return 0
	}
}

// Assignment is a server-issued obligation to complete a collection.
type Assignment struct {
	ID                 string           `json:"id"`
	Detail             string           `json:"detail"`
	WorkflowCollection string           `json:"workflow_collection"`
	Status             AssignmentStatus `json:"status"`
}
