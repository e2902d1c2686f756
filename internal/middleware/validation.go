package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/marketplace-messaging/internal/validation"
)

// ValidateIDParam rejects requests whose URL parameter is not a well-formed
// object key. Malformed ids resolve to nothing, so the response is 404.
func ValidateIDParam(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !validation.IsObjectKey(chi.URLParam(r, name)) {
				writeJSONError(w, http.StatusNotFound, "conversation not found")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MaxBodySize caps request bodies.
func MaxBodySize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}
