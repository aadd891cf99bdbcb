package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequireUser(t *testing.T) {
	var seen string
	h := RequireUser("X-User-ID")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetUserID(r)
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
		user   string
	}{
		{"missing", "", http.StatusUnauthorized, ""},
		{"blank", "   ", http.StatusUnauthorized, ""},
		{"present", "u1", http.StatusNoContent, "u1"},
		{"trimmed", " u2 ", http.StatusNoContent, "u2"},
		{"too long", strings.Repeat("x", 129), http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("X-User-ID", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if seen != tt.user {
				t.Errorf("user = %q, want %q", seen, tt.user)
			}
		})
	}
}

func TestGetUserIDWithoutMiddleware(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := GetUserID(req); got != "" {
		t.Errorf("GetUserID = %q", got)
	}
	if got := GetUserID(WithUserForTest(req, "u1")); got != "u1" {
		t.Errorf("GetUserID = %q", got)
	}
}
