// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/hitoshi/cardsync/internal/model"
)

// AdminPrincipal は管理トークンで認証されたリクエストの主体名。
const AdminPrincipal = "admin"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// principalContextKey はリクエストコンテキストに認証主体を格納するためのキー。
var principalContextKey = contextKey("principal")

// NewAdminAuthMiddleware はAuthorization: Bearer ヘッダーを管理トークンと照合するミドルウェアを返す。
// 認証済みリクエストのコンテキストには主体名を注入する。
// トークンが空の場合は全てのリクエストを拒否する。
func NewAdminAuthMiddleware(token string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented, ok := bearerToken(r)
			if !ok || token == "" ||
				subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="cardsync"`)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			ctx := ContextWithPrincipal(r.Context(), AdminPrincipal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, tok, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}

// PrincipalFromContext はリクエストコンテキストから認証主体を取得する。
func PrincipalFromContext(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(principalContextKey).(string)
	return p, ok && p != ""
}

// ContextWithPrincipal はコンテキストに認証主体を注入する。
// ロギングミドルウェアの内側で呼ばれた場合はアクセスログにも記録される。
func ContextWithPrincipal(ctx context.Context, principal string) context.Context {
	if info, ok := ctx.Value(requestInfoContextKey).(*requestInfo); ok {
		info.principal = principal
	}
	return context.WithValue(ctx, principalContextKey, principal)
}
