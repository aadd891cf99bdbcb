package middleware

import (
	"context"
	"net/http"
)

// WithUserForTest attaches a user id to the request context for testing.
func WithUserForTest(r *http.Request, userID string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), userContextKey, userID))
}
