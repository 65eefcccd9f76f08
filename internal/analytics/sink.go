// Package analytics records collection completion events.
package analytics

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/workwell/model"
)

// Event names, one per collection category.
const (
	EventActivityCompleted = "activity_collection_completed"
	EventSurveyCompleted   = "survey_collection_completed"
)

// Event is a completed collection engagement.
type Event struct {
	ID            string                   `json:"id"`
	Name          string                   `json:"name"`
	SubjectID     string                   `json:"subject_id"`
	CollectionURL string                   `json:"collection"`
	EngagementURL string                   `json:"engagement"`
	Category      model.CollectionCategory `json:"category"`
	OccurredAt    time.Time                `json:"occurred_at"`
}

// NewEvent builds the completion event for an engagement of the given
// collection category.
func NewEvent(subjectID, collectionURL, engagementURL string, category model.CollectionCategory, at time.Time) Event {
	name := EventSurveyCompleted
	if category == model.CategoryActivity {
		name = EventActivityCompleted
	}
	return Event{
		ID:            uuid.New().String(),
		Name:          name,
		SubjectID:     subjectID,
		CollectionURL: collectionURL,
		EngagementURL: engagementURL,
		Category:      category,
		OccurredAt:    at.UTC(),
	}
}

// Filter narrows a completion listing.
type Filter struct {
	Since time.Time
	Limit int
}

// Sink stores completion events. An engagement is recorded at most once:
// Record reports false when an event for the same engagement exists.
type Sink interface {
	Record(ctx context.Context, e Event) (bool, error)

	// Completions lists a subject's events, newest first.
	Completions(ctx context.Context, subjectID string, f Filter) ([]Event, error)

	HealthCheck(ctx context.Context) error
}
