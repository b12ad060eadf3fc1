package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/config"
)

func newTestManager(secret string) *JWTManager {
	return NewJWTManager(config.AuthConfig{JWTSecret: secret, Issuer: "cloudsim", TokenExpiry: time.Minute})
}

// ===== Tests =====

func TestJWTManagerRoundTrip(t *testing.T) {
	m := newTestManager("secret")
	token, expires, err := m.Generate("operator", "viewer")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if time.Until(expires) <= 0 {
		t.Error("expected expiry in the future")
	}

	claims, err := m.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.Subject != "operator" || claims.Role != "viewer" {
		t.Errorf("unexpected claims %+v", claims)
	}

	if _, err := newTestManager("other").Verify(token); err == nil {
		t.Error("expected verification with a different secret to fail")
	}
}

func TestAuthenticatorWrap(t *testing.T) {
	m := newTestManager("secret")
	token, _, err := m.Generate("operator", "")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, ok := GetClaims(r.Context()); ok {
			seen = c.Subject
		}
		w.WriteHeader(http.StatusOK)
	})
	h := NewAuthenticator(m, zap.NewNop()).Wrap(next)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer abc", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/report", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
	if seen != "operator" {
		t.Errorf("expected claims in context, got %q", seen)
	}
}

func TestAuthenticatorDisabled(t *testing.T) {
	a := NewAuthenticator(nil, zap.NewNop())
	ctx, err := a.authenticate(context.Background(), "")
	if err != nil || ctx == nil {
		t.Fatalf("expected pass-through, got %v", err)
	}
}
