package model

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Error codes carried in ErrorEnvelope.Code.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrNotFound           = "NOT_FOUND"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrRateLimited        = "RATE_LIMITED"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"

	// ErrEngagementNotReady means the member acted on an engagement before
	// the controller finished loading it.
	ErrEngagementNotReady = "ENGAGEMENT_NOT_READY"
	// ErrRequiredAnswers means a step with required inputs was advanced
	// without answers.
	ErrRequiredAnswers = "REQUIRED_ANSWERS_MISSING"
	// ErrConsistencyError means the remote API returned an engagement that
	// does not belong to the requested collection.
	ErrConsistencyError    = "CONSISTENCY_ERROR"
	ErrCollectionNotLoaded = "COLLECTION_NOT_LOADED"
)

// ErrorEnvelope is the error body the BFF sends to the app.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id"`
}

func (e *ErrorEnvelope) Error() string {
	return e.Code + ": " + e.Message
}

// Is matches another envelope with the same code, so callers can write
// errors.Is(err, &ErrorEnvelope{Code: ErrNotFound}).
func (e *ErrorEnvelope) Is(target error) bool {
	t, ok := target.(*ErrorEnvelope)
	return ok && t.Code == e.Code
}

// FieldError points at one offending request field or step input.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newEnvelope(code, msg string, details ...FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code, Message: msg, Details: details}
}

func NewBadRequestError(msg string) *ErrorEnvelope   { return newEnvelope(ErrBadRequest, msg) }
func NewUnauthorizedError(msg string) *ErrorEnvelope { return newEnvelope(ErrUnauthorized, msg) }
func NewNotFoundError(msg string) *ErrorEnvelope     { return newEnvelope(ErrNotFound, msg) }

// NewValidationError reports invalid request fields.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return newEnvelope(ErrValidationError, "One or more fields are invalid", details...)
}

func NewInternalError() *ErrorEnvelope {
	return newEnvelope(ErrInternalError, "An unexpected error occurred")
}

// NewBackendUnavailableError is returned while the remote API is failing or
// the circuit breaker is open.
func NewBackendUnavailableError() *ErrorEnvelope {
	return newEnvelope(ErrBackendUnavailable, "The engagement service is temporarily unavailable")
}

func NewBackendTimeoutError() *ErrorEnvelope {
	return newEnvelope(ErrBackendTimeout, "The engagement service did not respond in time")
}

func NewRateLimitedError() *ErrorEnvelope {
	return newEnvelope(ErrRateLimited, "Too many requests, slow down and retry shortly")
}

func NewEngagementNotReadyError(msg string) *ErrorEnvelope {
	return newEnvelope(ErrEngagementNotReady, msg)
}

// NewRequiredAnswersError lists the step inputs still missing an answer.
func NewRequiredAnswersError(details []FieldError) *ErrorEnvelope {
	return newEnvelope(ErrRequiredAnswers, "Required questions have not been answered", details...)
}

func NewConsistencyError(msg string) *ErrorEnvelope {
	return newEnvelope(ErrConsistencyError, msg)
}

func NewCollectionNotLoadedError(msg string) *ErrorEnvelope {
	return newEnvelope(ErrCollectionNotLoaded, msg)
}

// APIError is a failed remote API call, normalised the same way for every
// action: StatusCode carries the HTTP status and Payload the body the client
// may show to the user.
type APIError struct {
	StatusCode int `json:"statusCode"`
	Payload    any `json:"payload"`
}

func (e *APIError) Error() string {
	if m, ok := e.Payload.(map[string]any); ok {
		if d, ok := m["detail"].(string); ok {
			return fmt.Sprintf("remote api: status %d: %s", e.StatusCode, d)
		}
	}
	return fmt.Sprintf("remote api: status %d", e.StatusCode)
}

// NewAPIError builds an APIError from a response status and body. Server
// errors and non-error statuses get a generic payload. Client errors keep
// the decoded body, falling back to the raw text as a detail message.
func NewAPIError(statusCode int, body []byte) *APIError {
	if statusCode >= http.StatusInternalServerError || statusCode < http.StatusBadRequest {
		return &APIError{
			StatusCode: statusCode,
			Payload: map[string]any{
				"detail": fmt.Sprintf("An unexpected server error occurred. Status code %d", statusCode),
			},
		}
	}
	var decoded any
	if len(body) > 0 && json.Unmarshal(body, &decoded) == nil {
		return &APIError{StatusCode: statusCode, Payload: decoded}
	}
	return &APIError{
		StatusCode: statusCode,
		Payload:    map[string]any{"detail": string(body)},
	}
}
