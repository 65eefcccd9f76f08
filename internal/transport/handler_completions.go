package transport

import (
	"net/http"
	"time"

	"github.com/pitabwire/workwell/internal/analytics"
	"github.com/pitabwire/workwell/model"
)

// handleCompletions lists the caller's recorded collection completions,
// newest first. since (RFC 3339) and limit narrow the list.
func handleCompletions(sink analytics.Sink) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		limit, err := queryInt(r, "limit", 0)
		if err != nil {
			WriteError(w, err)
			return
		}
		filter := analytics.Filter{Limit: limit}
		if s := r.URL.Query().Get("since"); s != "" {
			since, err := time.Parse(time.RFC3339, s)
			if err != nil {
				WriteError(w, model.NewBadRequestError("since must be an RFC 3339 timestamp"))
				return
			}
			filter.Since = since
		}
		if filter.Limit < 0 {
			WriteError(w, model.NewBadRequestError("limit must not be negative"))
			return
		}

		events, err := sink.Completions(r.Context(), rctx.SubjectID, filter)
		if err != nil {
			WriteError(w, err)
			return
		}
		if events == nil {
			events = []analytics.Event{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": events, "count": len(events)})
	}
}
