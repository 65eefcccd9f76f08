package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/workwell/internal/engagement"
	"github.com/pitabwire/workwell/model"
)

// handleFocus starts or resumes the engagement of a collection and waits
// briefly for it to become ready.
func handleFocus(ctrl *engagement.Controller, collectionURL func(id string) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		st, err := ctrl.Focus(r.Context(), rctx, collectionURL(chi.URLParam(r, "collectionId")))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, st)
	}
}

func handleFocusStatus(ctrl *engagement.Controller, collectionURL func(id string) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		WriteJSON(w, http.StatusOK, ctrl.Status(rctx, collectionURL(chi.URLParam(r, "collectionId"))))
	}
}

// handleBlur leaves the collection. An engagement still in progress is
// left open on the server.
func handleBlur(ctrl *engagement.Controller, collectionURL func(id string) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		WriteJSON(w, http.StatusOK, ctrl.Blur(r.Context(), rctx, collectionURL(chi.URLParam(r, "collectionId"))))
	}
}
