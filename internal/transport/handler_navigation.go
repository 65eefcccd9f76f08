package transport

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/workwell/internal/navigation"
	"github.com/pitabwire/workwell/model"
)

// move is one navigation direction of a Navigator.
type move func(ctx context.Context, rctx *model.RequestContext, collectionURL string, step navigation.Step) (navigation.Result, error)

func handleNext(nav *navigation.Navigator, collectionURL func(id string) string) http.HandlerFunc {
	return handleMove(nav.Next, collectionURL)
}

func handleBack(nav *navigation.Navigator, collectionURL func(id string) string) http.HandlerFunc {
	return handleMove(nav.Back, collectionURL)
}

func handleMove(m move, collectionURL func(id string) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var step navigation.Step
		if err := json.NewDecoder(r.Body).Decode(&step); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		var missing []model.FieldError
		if step.Workflow == "" {
			missing = append(missing, model.FieldError{Field: "workflow", Code: "REQUIRED", Message: "workflow is required"})
		}
		if step.Step == "" {
			missing = append(missing, model.FieldError{Field: "step", Code: "REQUIRED", Message: "step is required"})
		}
		if len(missing) > 0 {
			WriteValidationError(w, missing)
			return
		}

		res, err := m(r.Context(), rctx, collectionURL(chi.URLParam(r, "collectionId")), step)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

// handleAnswers returns what was answered on a step of the current
// engagement, for prefilling a step the user returns to.
func handleAnswers(nav *navigation.Navigator, collectionURL func(id string) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		stepID := chi.URLParam(r, "stepId")

		answers, ok := nav.PreviousAnswers(rctx, collectionURL(chi.URLParam(r, "collectionId")), stepID)
		if !ok {
			WriteNotFound(w, "no answers recorded for step "+stepID)
			return
		}
		WriteJSON(w, http.StatusOK, answers)
	}
}
