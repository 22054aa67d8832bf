package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	apperrors "github.com/3leaps/gofetch/internal/errors"
	"github.com/3leaps/gofetch/internal/observability"
)

// ErrorResponse is the wire envelope for every non-2xx response.
type ErrorResponse = apperrors.HTTPErrorResponse

// Recovery recovers from handler panics and turns them into a JSON 500.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				observability.Logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()))

				detail := apperrors.HTTPError{
					Code:      apperrors.CodeInternalError,
					Message:   fmt.Sprintf("panic: %v", rec),
					RequestID: apperrors.RequestIDFromContext(r.Context()),
				}
				writeErrorResponse(w, detail, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is Recovery under the name the router chain uses.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

// writeErrorResponse writes the envelope. Encoding failures are
// swallowed; the status line is already out.
func writeErrorResponse(w http.ResponseWriter, detail apperrors.HTTPError, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: detail})
}
