// Package middleware provides the HTTP middleware chain: request IDs,
// panic recovery and request logging.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	apperrors "github.com/3leaps/gofetch/internal/errors"
)

// requestIDHeader is both accepted from clients and set on responses.
const requestIDHeader = "X-Request-ID"

// RequestID assigns each request an ID, honoring one the client sent.
// The ID is echoed in the response header and stashed in the request
// context for error envelopes and logs.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(apperrors.WithRequestID(r.Context(), id)))
	})
}
