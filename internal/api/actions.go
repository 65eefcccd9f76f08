package api

import (
	"fmt"
	"net/url"
	"time"

	"github.com/pitabwire/workwell/model"
)

// ListCollectionsRequest lists every workflow collection.
func ListCollectionsRequest() Request {
	return Request{Route: ListCollections}
}

// CollectionDetailRequest fetches one collection, including its steps.
func CollectionDetailRequest(collectionURL string) Request {
	return Request{
		Route: CollectionDetail,
		ID:    collectionURL,
		Query: url.Values{"include_steps": {"true"}},
	}
}

// LoadEngagementRequest looks up the user's engagement for a collection.
func LoadEngagementRequest(collectionURL string) Request {
	return Request{
		Route: LoadEngagementRoute,
		Query: url.Values{
			"collection_id":   {ResourceID(collectionURL)},
			"include_details": {"true"},
		},
	}
}

// EngagementHistoryRequest lists finished engagements across every
// collection. When from and to are both set, only that window is fetched and
// details are included.
func EngagementHistoryRequest(from, to time.Time) Request {
	q := url.Values{"include_finished": {"true"}}
	if !from.IsZero() && !to.IsZero() {
		q.Set("start", from.UTC().Format(time.RFC3339))
		q.Set("end", to.UTC().Format(time.RFC3339))
		q.Set("include_details", "true")
	}
	return Request{Route: EngagementHistoryRoute, Query: q}
}

// CollectionEngagementHistoryRequest lists the engagements of one
// collection, optionally limited to a window.
func CollectionEngagementHistoryRequest(collectionURL string, from, to time.Time) Request {
	q := url.Values{
		"include_finished": {"true"},
		"collection_id":    {ResourceID(collectionURL)},
		"include_details":  {"true"},
	}
	if !from.IsZero() && !to.IsZero() {
		q.Set("start", from.UTC().Format(time.RFC3339))
		q.Set("end", to.UTC().Format(time.RFC3339))
	}
	return Request{Route: EngagementHistoryRoute, Query: q}
}

type createEngagementBody struct {
	WorkflowCollection string    `json:"workflow_collection"`
	Started            time.Time `json:"started"`
}

// CreateEngagementRequest starts a new engagement with a collection.
func CreateEngagementRequest(collectionURL string, started time.Time) Request {
	return Request{
		Route: CreateEngagementRoute,
		Body:  createEngagementBody{WorkflowCollection: collectionURL, Started: started},
	}
}

type updateEngagementBody struct {
	Started  *time.Time `json:"started,omitempty"`
	Finished *time.Time `json:"finished,omitempty"`
}

// UpdateEngagementRequest patches the started and/or finished timestamps.
// Nil timestamps are left out of the body.
func UpdateEngagementRequest(engagementURL string, started, finished *time.Time) Request {
	return Request{
		Route: UpdateEngagementRoute,
		ID:    engagementURL,
		Body:  updateEngagementBody{Started: started, Finished: finished},
	}
}

// RetrieveEngagementRequest re-reads an engagement and its server state.
func RetrieveEngagementRequest(engagementURL string) Request {
	return Request{Route: RetrieveEngagementRoute, ID: engagementURL}
}

type createDetailBody struct {
	Step         string             `json:"step"`
	UserResponse model.UserResponse `json:"user_response"`
	Started      *time.Time         `json:"started"`
	Finished     *time.Time         `json:"finished"`
}

// CreateDetailRequest records a visited step on an engagement.
func CreateDetailRequest(engagementURL, stepID string, response model.UserResponse, started, finished *time.Time) Request {
	return Request{
		Route: CreateDetailRoute,
		ID:    ResourceID(engagementURL),
		Body: createDetailBody{
			Step:         stepID,
			UserResponse: response,
			Started:      started,
			Finished:     finished,
		},
	}
}

type updateDetailBody struct {
	UserResponse model.UserResponse `json:"user_response"`
	Started      *time.Time         `json:"started"`
	Finished     *time.Time         `json:"finished"`
}

// UpdateDetailRequest rewrites an existing step detail. A nil finished is
// sent as an explicit null, which reopens the step.
func UpdateDetailRequest(detailURL string, response model.UserResponse, started, finished *time.Time) Request {
	return Request{
		Route: UpdateDetailRoute,
		ID:    detailURL,
		Body: updateDetailBody{
			UserResponse: response,
			Started:      started,
			Finished:     finished,
		},
	}
}

// ListAssignmentsRequest lists the user's assignments.
func ListAssignmentsRequest() Request {
	return Request{Route: ListAssignmentsRoute}
}

type updateAssignmentBody struct {
	Engagement string                 `json:"engagement"`
	Status     model.AssignmentStatus `json:"status"`
}

// UpdateAssignmentRequest moves an assignment to status, linking it to the
// engagement that drove the change.
func UpdateAssignmentRequest(a model.Assignment, engagementURL string, status model.AssignmentStatus) Request {
	return Request{
		Route: UpdateAssignmentRoute,
		ID:    a.ID,
		Body:  updateAssignmentBody{Engagement: engagementURL, Status: status},
	}
}

// MYDHistoryRequest fetches the user's Map Your Day profile entries.
func MYDHistoryRequest() Request {
	return Request{
		Route: MYDHistoryRoute,
		Query: url.Values{"data_group_code": {model.MYDDataGroupCode}},
	}
}

// DecodeEngagement decodes a single engagement body.
func DecodeEngagement(resp Response) (model.Engagement, error) {
	var e model.Engagement
	if err := resp.Decode(&e); err != nil {
		return model.Engagement{}, fmt.Errorf("api: decode engagement: %w", err)
	}
	return e, nil
}

// FirstEngagement decodes a list of engagements and returns the first, or
// nil when the list is empty.
func FirstEngagement(resp Response) (*model.Engagement, error) {
	list, err := DecodeList[model.Engagement](resp.Body)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

// DecodeCollection decodes a single collection body.
func DecodeCollection(resp Response) (model.WorkflowCollection, error) {
	var c model.WorkflowCollection
	if err := resp.Decode(&c); err != nil {
		return model.WorkflowCollection{}, fmt.Errorf("api: decode collection: %w", err)
	}
	return c, nil
}
