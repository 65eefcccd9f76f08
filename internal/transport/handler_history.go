package transport

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/workwell/internal/history"
	"github.com/pitabwire/workwell/model"
)

func handleCollectionHistory(svc *history.Service, collectionURL func(id string) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		collectionID := chi.URLParam(r, "collectionId")

		year, err := queryYear(r, svc.Location(rctx))
		if err != nil {
			WriteError(w, err)
			return
		}
		month, err := queryInt(r, "month", 0)
		if err != nil {
			WriteError(w, err)
			return
		}
		if month < 0 || month > 12 {
			WriteError(w, model.NewBadRequestError("month must be between 1 and 12"))
			return
		}

		view, err := svc.CollectionHistory(r.Context(), rctx, collectionURL(collectionID), year, time.Month(month))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleAllHistory(svc *history.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		year, err := queryYear(r, svc.Location(rctx))
		if err != nil {
			WriteError(w, err)
			return
		}

		view, err := svc.AllHistory(r.Context(), rctx, year)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

// queryYear reads the year query parameter. Without one, the current year
// in loc is used.
func queryYear(r *http.Request, loc *time.Location) (int, error) {
	s := r.URL.Query().Get("year")
	if s == "" {
		return time.Now().In(loc).Year(), nil
	}
	year, err := strconv.Atoi(s)
	if err != nil || year < 1 || year > 9999 {
		return 0, model.NewBadRequestError("year must be a number between 1 and 9999")
	}
	return year, nil
}

// queryInt extracts an integer query param, returning def when it is
// absent. A value that is not a number is a bad request.
func queryInt(r *http.Request, key string, def int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, model.NewBadRequestError(key + " must be a whole number")
	}
	return v, nil
}
