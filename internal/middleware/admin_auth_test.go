package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/cardsync/internal/model"
)

func TestAdminAuthMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		header     string
		wantStatus int
	}{
		{"正しいトークン", "secret", "Bearer secret", http.StatusOK},
		{"スキームの大文字小文字は区別しない", "secret", "bearer secret", http.StatusOK},
		{"誤ったトークン", "secret", "Bearer wrong", http.StatusUnauthorized},
		{"ヘッダーなし", "secret", "", http.StatusUnauthorized},
		{"Basic認証は拒否", "secret", "Basic c2VjcmV0", http.StatusUnauthorized},
		{"トークン空", "secret", "Bearer ", http.StatusUnauthorized},
		{"設定トークン空は全拒否", "", "Bearer ", http.StatusUnauthorized},
		{"前方一致は拒否", "secret", "Bearer secre", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var principal string
			handler := NewAdminAuthMiddleware(tt.token)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				principal, _ = PrincipalFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/credentials", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK && principal != AdminPrincipal {
				t.Errorf("principal = %q, want %q", principal, AdminPrincipal)
			}
		})
	}
}

func TestAdminAuthMiddleware_UnauthorizedBody(t *testing.T) {
	handler := NewAdminAuthMiddleware("secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodDelete, "/api/bundles/b1", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get("WWW-Authenticate"); got == "" {
		t.Error("expected WWW-Authenticate header")
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != model.ErrCodeUnauthorized {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeUnauthorized)
	}
	if body.Category != "auth" {
		t.Errorf("category = %q, want %q", body.Category, "auth")
	}
}

func TestPrincipalFromContext_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, ok := PrincipalFromContext(req.Context()); ok {
		t.Error("expected no principal in a fresh context")
	}
	ctx := ContextWithPrincipal(req.Context(), "ops")
	if p, ok := PrincipalFromContext(ctx); !ok || p != "ops" {
		t.Errorf("PrincipalFromContext = %q, %v", p, ok)
	}
}
