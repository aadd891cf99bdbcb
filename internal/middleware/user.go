package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const userContextKey contextKey = "user"

// maxUserIDLength bounds identifiers accepted from the trusted front proxy.
const maxUserIDLength = 128

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequireUser reads the authenticated user id from header, as set by the
// authenticating proxy in front of this service, and stores it in the
// request context.
func RequireUser(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := strings.TrimSpace(r.Header.Get(header))
			if userID == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
				return
			}
			if len(userID) > maxUserIDLength || strings.ContainsAny(userID, "\x00\r\n") {
				writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Invalid user id"})
				return
			}
			ctx := context.WithValue(r.Context(), userContextKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetUserID(r *http.Request) string {
	userID, _ := r.Context().Value(userContextKey).(string)
	return userID
}
