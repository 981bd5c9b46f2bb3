package middleware

import (
	"context"
	"net/http"
	"strings"
)

type ownerContextKey struct{}

// Owner returns a middleware that reads the local user ID from a header set by
// the trusted host application. Requests without it are rejected.
func Owner(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner := strings.TrimSpace(r.Header.Get(header))
			if owner == "" {
				http.Error(w, "Missing owner", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), ownerContextKey{}, owner)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetOwner returns the owner set by the Owner middleware.
func GetOwner(r *http.Request) string {
	owner, _ := r.Context().Value(ownerContextKey{}).(string)
	return owner
}
