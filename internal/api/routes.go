// Package api talks to the upstream wellbeing REST API on behalf of a user.
// Every call is described by a Route, executed by a Client, and usually
// dispatched asynchronously through a Dispatcher that tracks it as pending.
package api

import (
	"net/http"
	"net/url"
	"strings"
)

// ActionType names one phase of a remote action.
type ActionType string

// Triplet holds the action types emitted when a call starts, succeeds, or
// fails.
type Triplet struct {
	Action  ActionType
	Success ActionType
	Failure ActionType
}

func triplet(name string) Triplet {
	return Triplet{
		Action:  ActionType(name),
		Success: ActionType(name + "_SUCCESS"),
		Failure: ActionType(name + "_FAILURE"),
	}
}

// Route is a remote endpoint. Path is relative to the versioned API root and
// may contain ":id" and ":detail_id" placeholders.
type Route struct {
	Name   string
	Method string
	Path   string
	Types  Triplet
}

// The remote route table.
var (
	ListCollections = Route{
		Name: "collection.list", Method: http.MethodGet,
		Path:  "workflows/collections/",
		Types: triplet("FETCH_WORKFLOW_COLLECTIONS"),
	}
	CollectionDetail = Route{
		Name: "collection.detail", Method: http.MethodGet,
		Path:  "workflows/collections/:id/",
		Types: triplet("FETCH_WORKFLOW_COLLECTION"),
	}
	LoadEngagementRoute = Route{
		Name: "engagement.load", Method: http.MethodGet,
		Path:  "users/self/workflows/engagements/",
		Types: triplet("LOAD_WORKFLOW_COLLECTION_ENGAGEMENT"),
	}
	EngagementHistoryRoute = Route{
		Name: "engagement.history", Method: http.MethodGet,
		Path:  "users/self/workflows/engagements/",
		Types: triplet("FETCH_WORKFLOW_COLLECTION_ENGAGEMENT_HISTORY"),
	}
	CreateEngagementRoute = Route{
		Name: "engagement.create", Method: http.MethodPost,
		Path:  "users/self/workflows/engagements/",
		Types: triplet("CREATE_WORKFLOW_COLLECTION_ENGAGEMENT"),
	}
	RetrieveEngagementRoute = Route{
		Name: "engagement.retrieve", Method: http.MethodGet,
		Path:  "users/self/workflows/engagements/:id/",
		Types: triplet("RETRIEVE_WORKFLOW_COLLECTION_ENGAGEMENT"),
	}
	UpdateEngagementRoute = Route{
		Name: "engagement.update", Method: http.MethodPatch,
		Path:  "users/self/workflows/engagements/:id/",
		Types: triplet("UPDATE_WORKFLOW_COLLECTION_ENGAGEMENT"),
	}
	CreateDetailRoute = Route{
		Name: "engagement_detail.create", Method: http.MethodPost,
		Path:  "users/self/workflows/engagements/:id/details/",
		Types: triplet("CREATE_WORKFLOW_COLLECTION_ENGAGEMENT_DETAIL"),
	}
	UpdateDetailRoute = Route{
		Name: "engagement_detail.update", Method: http.MethodPatch,
		Path:  "users/self/workflows/engagements/:id/details/:detail_id/",
		Types: triplet("UPDATE_WORKFLOW_COLLECTION_ENGAGEMENT_DETAIL"),
	}
	ListAssignmentsRoute = Route{
		Name: "assignment.list", Method: http.MethodGet,
		Path:  "users/self/workflows/assignments/",
		Types: triplet("FETCH_WORKFLOW_COLLECTION_ASSIGNMENTS"),
	}
	UpdateAssignmentRoute = Route{
		Name: "assignment.update", Method: http.MethodPatch,
		Path:  "users/self/workflows/assignments/:id/",
		Types: triplet("UPDATE_WORKFLOW_COLLECTION_ASSIGNMENT"),
	}
	MYDHistoryRoute = Route{
		Name: "cup.myd_history", Method: http.MethodGet,
		Path:  "users/self/cup/",
		Types: triplet("FETCH_MYD_HISTORY"),
	}
)

// Routes returns the full route table.
func Routes() []Route {
	return []Route{
		ListCollections,
		CollectionDetail,
		LoadEngagementRoute,
		EngagementHistoryRoute,
		CreateEngagementRoute,
		RetrieveEngagementRoute,
		UpdateEngagementRoute,
		CreateDetailRoute,
		UpdateDetailRoute,
		ListAssignmentsRoute,
		UpdateAssignmentRoute,
		MYDHistoryRoute,
	}
}

// Expand resolves the route against root, substituting the placeholders.
// Detail URLs handed out by the remote API are absolute and used as-is.
func (r Route) Expand(root, id, detailID string) string {
	if isAbsolute(id) {
		return id
	}
	path := strings.ReplaceAll(r.Path, ":detail_id", url.PathEscape(detailID))
	path = strings.ReplaceAll(path, ":id", url.PathEscape(id))
	return root + path
}

// OpenAPIPath converts the route path into OpenAPI template form, e.g.
// "/users/self/workflows/engagements/{id}/".
func (r Route) OpenAPIPath() string {
	path := strings.ReplaceAll(r.Path, ":detail_id", "{detail_id}")
	return "/" + strings.ReplaceAll(path, ":id", "{id}")
}

// ResourceID returns the last path segment of a remote resource URL, which
// the API uses as the resource's ID.
func ResourceID(resourceURL string) string {
	trimmed := strings.TrimRight(resourceURL, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

func isAbsolute(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// CollectionURL returns the URL of the collection with the given ID under
// root, in the form the remote API uses to refer to collections.
func CollectionURL(root, id string) string {
	return CollectionDetail.Expand(root, id, "")
}
