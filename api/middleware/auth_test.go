package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/angelmondragon/settlement-ledger/pkg/auth"
	"github.com/angelmondragon/settlement-ledger/pkg/config"
)

var testJWT = config.JWTConfig{Secret: "secret", Issuer: "issuer", ExpirationMinutes: 60}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthRejectsMissingToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	resp := httptest.NewRecorder()
	Auth(testJWT, nil)(okHandler()).ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", resp.Code)
	}
}

func TestAuthRejectsInvalidToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer invalid")
	resp := httptest.NewRecorder()
	Auth(testJWT, nil)(okHandler()).ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", resp.Code)
	}
}

func TestAuthSeedsActorAndRole(t *testing.T) {
	token := mintTestToken(t, auth.RoleFinanceAdmin)

	var actor string
	var role auth.Role
	handler := Auth(testJWT, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor = ActorIDFromContext(r.Context())
		role = RoleFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
	if actor != "ops-1" {
		t.Fatalf("expected actor ops-1 got %q", actor)
	}
	if role != auth.RoleFinanceAdmin {
		t.Fatalf("expected finance_admin got %q", role)
	}
}

func TestRequireMutatorLetsViewerRead(t *testing.T) {
	token := mintTestToken(t, auth.RoleFinanceViewer)
	chain := Auth(testJWT, nil)(RequireMutator(nil)(okHandler()))

	get := httptest.NewRequest(http.MethodGet, "/admin/v1/alerts", nil)
	get.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	chain.ServeHTTP(resp, get)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected viewer read 200 got %d", resp.Code)
	}

	post := httptest.NewRequest(http.MethodPost, "/admin/v1/payouts/x/cancel", nil)
	post.Header.Set("Authorization", "Bearer "+token)
	resp = httptest.NewRecorder()
	chain.ServeHTTP(resp, post)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected viewer mutation 403 got %d", resp.Code)
	}
}

func TestInternalToken(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		presented  string
		want       int
	}{
		{"match", "svc-token", "svc-token", http.StatusOK},
		{"mismatch", "svc-token", "other", http.StatusUnauthorized},
		{"missing", "svc-token", "", http.StatusUnauthorized},
		{"route closed", "", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/internal/settlements", nil)
		if tt.presented != "" {
			req.Header.Set(internalTokenHeader, tt.presented)
		}
		resp := httptest.NewRecorder()
		InternalToken(tt.configured, nil)(okHandler()).ServeHTTP(resp, req)
		if resp.Code != tt.want {
			t.Fatalf("%s: expected %d got %d", tt.name, tt.want, resp.Code)
		}
	}
}

func mintTestToken(t *testing.T, role auth.Role) string {
	t.Helper()
	token, err := auth.MintAccessToken(testJWT, time.Now(), auth.AccessTokenPayload{ActorID: "ops-1", Role: role})
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}
