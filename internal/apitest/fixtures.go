package apitest

import "github.com/pitabwire/workwell/model"

// Breathe returns an ACTIVITY collection with two workflows. The first has a
// reflection step with one required input followed by an affirmation; the
// second has a single affirmation step.
func Breathe() model.WorkflowCollection {
	return model.WorkflowCollection{
		ID:       "breathe",
		Code:     "breathe",
		Name:     "Breathe",
		Category: model.CategoryActivity,
		Members: []model.WorkflowCollectionMember{
			{Order: 1, Workflow: model.Workflow{
				ID:   "w-box",
				Name: "Box breathing",
				Steps: []model.WorkflowStep{
					{ID: "s-reflect", Order: 1, UITemplate: "reflection_v1", Inputs: []model.WorkflowStepInput{
						{ID: "i-feel", WorkflowStep: "s-reflect", Content: "How do you feel?", UIIdentifier: "question_1", Required: true},
						{ID: "i-note", WorkflowStep: "s-reflect", Content: "Anything else?", UIIdentifier: "question_2"},
					}},
					{ID: "s-affirm", Order: 2, UITemplate: "affirmation_v1"},
				},
			}},
			{Order: 2, Workflow: model.Workflow{
				ID:   "w-sigh",
				Name: "Physiological sigh",
				Steps: []model.WorkflowStep{
					{ID: "s-sigh", Order: 1, UITemplate: "affirmation_v1"},
				},
			}},
		},
	}
}

// Checkin returns a SURVEY collection with a single two-step workflow.
func Checkin() model.WorkflowCollection {
	return model.WorkflowCollection{
		ID:       "checkin",
		Code:     "checkin",
		Name:     "Weekly check-in",
		Category: model.CategorySurvey,
		Members: []model.WorkflowCollectionMember{
			{Order: 1, Workflow: model.Workflow{
				ID:   "w-checkin",
				Name: "Check-in",
				Steps: []model.WorkflowStep{
					{ID: "s-q1", Order: 1, UITemplate: "scale_v1", Inputs: []model.WorkflowStepInput{
						{ID: "i-q1", WorkflowStep: "s-q1", Content: "How was your week?", UIIdentifier: "question_1", Required: true},
					}},
					{ID: "s-q2", Order: 2, UITemplate: "scale_v1", Inputs: []model.WorkflowStepInput{
						{ID: "i-q2", WorkflowStep: "s-q2", Content: "How did you sleep?", UIIdentifier: "question_1"},
					}},
				},
			}},
		},
	}
}
