// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the BFF API.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/workwell/model"
)

var statusForCode = map[string]int{
	model.ErrBadRequest:          http.StatusBadRequest,
	model.ErrUnauthorized:        http.StatusUnauthorized,
	model.ErrNotFound:            http.StatusNotFound,
	model.ErrValidationError:     http.StatusUnprocessableEntity,
	model.ErrRequiredAnswers:     http.StatusUnprocessableEntity,
	model.ErrRateLimited:         http.StatusTooManyRequests,
	model.ErrEngagementNotReady:  http.StatusConflict,
	model.ErrConsistencyError:    http.StatusConflict,
	model.ErrInternalError:       http.StatusInternalServerError,
	model.ErrBackendUnavailable:  http.StatusBadGateway,
	model.ErrCollectionNotLoaded: http.StatusServiceUnavailable,
	model.ErrBackendTimeout:      http.StatusGatewayTimeout,
}

// WriteJSON encodes body as the response with the given status.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError answers with err wrapped in {"error": ...}.
//
// A remote *model.APIError passes through with its status and payload, a
// non-error upstream status becoming 502. A *model.ErrorEnvelope maps
// through its code. An exceeded deadline is a BACKEND_TIMEOUT and anything
// else a bare INTERNAL_ERROR. Envelopes are stamped with the trace ID the
// tracing middleware already placed on the response.
func WriteError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		status := apiErr.StatusCode
		if status < http.StatusBadRequest {
			status = http.StatusBadGateway
		}
		WriteJSON(w, status, map[string]*model.APIError{"error": apiErr})
		return
	}

	var ee *model.ErrorEnvelope
	switch {
	case errors.As(err, &ee):
	case errors.Is(err, context.DeadlineExceeded):
		ee = model.NewBackendTimeoutError()
	default:
		ee = model.NewInternalError()
	}
	env := *ee
	if env.TraceID == "" {
		env.TraceID = responseTraceID(w.Header())
	}

	status, ok := statusForCode[env.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	WriteJSON(w, status, map[string]*model.ErrorEnvelope{"error": &env})
}

// WriteNotFound answers 404 NOT_FOUND.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteValidationError answers 422 VALIDATION_ERROR with field details.
func WriteValidationError(w http.ResponseWriter, details []model.FieldError) {
	WriteError(w, model.NewValidationError(details))
}

func responseTraceID(h http.Header) string {
	ctx := propagation.TraceContext{}.Extract(context.Background(), propagation.HeaderCarrier(h))
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}
