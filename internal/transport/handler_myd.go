package transport

import (
	"net/http"

	"github.com/pitabwire/workwell/internal/myd"
	"github.com/pitabwire/workwell/model"
)

func handleMYDHistory(svc *myd.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		days, err := svc.History(r.Context(), rctx)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"days": days})
	}
}
