package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/config"
)

var testAuth = config.AuthConfig{Enabled: true, JWTSecret: "test-secret", Issuer: "billcheck"}

func protected(t *testing.T) http.Handler {
	t.Helper()
	return Middleware(testAuth)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := GetUser(r.Context())
		if user == nil {
			t.Error("Expected user in context")
			return
		}
		w.Write([]byte(user.ID))
	}))
}

func TestMiddleware(t *testing.T) {
	valid, err := IssueToken(testAuth, "svc-intake", []string{RoleAnalyst}, time.Hour)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	expired, err := IssueToken(testAuth, "svc-intake", nil, -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	otherIssuer, err := IssueToken(config.AuthConfig{JWTSecret: "test-secret", Issuer: "elsewhere"}, "svc", nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	wrongKey, err := IssueToken(config.AuthConfig{JWTSecret: "other", Issuer: "billcheck"}, "svc", nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "svc", Issuer: "billcheck"},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid token", "Bearer " + valid, http.StatusOK},
		{"lowercase scheme", "bearer " + valid, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + valid, http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong issuer", "Bearer " + otherIssuer, http.StatusUnauthorized},
		{"wrong key", "Bearer " + wrongKey, http.StatusUnauthorized},
		{"unsigned", "Bearer " + none, http.StatusUnauthorized},
	}

	h := protected(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/v1/rules", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestRequireRoles(t *testing.T) {
	h := RequireRoles(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name string
		user *User
		want int
	}{
		{"admin", &User{ID: "u1", Roles: []string{RoleAnalyst, RoleAdmin}}, http.StatusNoContent},
		{"analyst only", &User{ID: "u2", Roles: []string{RoleAnalyst}}, http.StatusForbidden},
		{"auth disabled", nil, http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodDelete, "/api/v1/cases/x", nil)
			if tt.user != nil {
				r = r.WithContext(WithUser(r.Context(), tt.user))
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}
