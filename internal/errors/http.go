// Package errors provides the HTTP error envelope, the mapping from
// domain errors to HTTP responses, and the CLI exit codes.
//
// Domain sentinel errors live in their own packages (engine, admission,
// jobregistry, artifact); this package only translates them at the
// transport boundary. Every non-2xx response carries the same JSON
// envelope: {"error":{code,message,request_id,details}}.
package errors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/3leaps/gofetch/pkg/admission"
	"github.com/3leaps/gofetch/pkg/artifact"
	"github.com/3leaps/gofetch/pkg/jobregistry"
	"github.com/3leaps/gofetch/pkg/runner"
)

// Stable error codes. Clients switch on these, never on messages.
const (
	CodeInvalidArgument    = "INVALID_ARGUMENT"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeRateLimited        = "RATE_LIMITED"
	CodeConcurrencyLimited = "CONCURRENCY_LIMITED"
	CodeBusy               = "BUSY"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeUnauthorized       = "UNAUTHORIZED"
)

// HTTPError is the inner error object of the envelope.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse is the JSON envelope for every non-2xx response.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

type requestIDKey struct{}

// WithRequestID stores the request ID for error envelopes downstream.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request ID, or "" when unset.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// ValidationError is a request that failed input validation. The HTTP
// layer maps it to 400 INVALID_ARGUMENT.
type ValidationError struct {
	Message string
	Details map[string]any
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidation creates a ValidationError.
func NewValidation(message string) *ValidationError {
	return &ValidationError{Message: message}
}

// WithDetail attaches a detail field. Returns the error for chaining.
func (e *ValidationError) WithDetail(key string, value any) *ValidationError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WriteError writes the envelope with the given status and code.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	resp := HTTPErrorResponse{Error: HTTPError{
		Code:    code,
		Message: message,
		Details: details,
	}}
	if r != nil {
		resp.Error.RequestID = RequestIDFromContext(r.Context())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// RespondWithError maps a domain error to an HTTP response.
//
// Admission denials become 429 with the reason-specific code (and a
// Retry-After header when the denial carries a hint). Registry and
// artifact not-found (including an already-claimed artifact) become
// 404; conflicts 409; validation failures 400. Everything else is a
// 500 with a generic message so internals do not leak.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var denied *admission.DeniedError
	if errors.As(err, &denied) {
		code := CodeBusy
		switch denied.Reason {
		case admission.ReasonRateLimited:
			code = CodeRateLimited
		case admission.ReasonConcurrencyLimited:
			code = CodeConcurrencyLimited
		}
		if denied.RetryAfter > 0 {
			secs := int(denied.RetryAfter.Seconds())
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		WriteError(w, r, http.StatusTooManyRequests, code, denied.Error(), nil)
		return
	}

	var verr *ValidationError
	if errors.As(err, &verr) {
		WriteError(w, r, http.StatusBadRequest, CodeInvalidArgument, verr.Message, verr.Details)
		return
	}

	switch {
	case errors.Is(err, jobregistry.ErrNotFound),
		errors.Is(err, jobregistry.ErrAlreadyDelivered),
		errors.Is(err, artifact.ErrNotFound):
		WriteError(w, r, http.StatusNotFound, CodeNotFound, "not found", nil)
	case errors.Is(err, jobregistry.ErrConflict):
		WriteError(w, r, http.StatusConflict, CodeConflict, err.Error(), nil)
	case errors.Is(err, runner.ErrStopped):
		WriteError(w, r, http.StatusServiceUnavailable, CodeServiceUnavailable, "service is shutting down", nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		WriteError(w, r, http.StatusServiceUnavailable, CodeServiceUnavailable, "request cancelled", nil)
	default:
		WriteError(w, r, http.StatusInternalServerError, CodeInternalError, "internal error", nil)
	}
}

// NotFoundHandler serves the envelope for unrouted paths.
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusNotFound, CodeNotFound, "resource not found", nil)
}

// MethodNotAllowedHandler serves the envelope for bad methods.
func MethodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed", nil)
}
