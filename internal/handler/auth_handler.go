// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/cardsync/internal/credential"
	"github.com/hitoshi/cardsync/internal/model"
)

const oauthStateCookie = "oauth_state"

// callbackFailedMessage は認可コードの交換に失敗した場合に表示する文言。
// 既に使用済みのコールバックURLを再読み込みした場合が大半のため、やり直しを促す。
const callbackFailedMessage = "Uh oh: The token login failed. Chances are you loaded a page that was already loaded. " +
	"Try going back and pressing the 'get it on glass' button again."

// AuthServiceInterface は認可ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	AuthCodeURL(state string) string
	HandleCallback(ctx context.Context, code string) (model.Handle, error)
}

// AuthHandlerConfig は認可ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieSecure bool
	// SuccessPath は登録完了後のリダイレクト先。空の場合は"/success"。
	SuccessPath string
}

// AuthHandler はOAuth認可関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
	logger  *slog.Logger
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig, logger *slog.Logger) *AuthHandler {
	if config.SuccessPath == "" {
		config.SuccessPath = "/success"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{
		service: service,
		config:  config,
		logger:  logger,
	}
}

// Authorize はOAuthフローを開始する。
// GET /authorize
func (h *AuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		h.logger.Error("failed to generate oauth state", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.service.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。
// GET /oauth2callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	// 1. stateの検証（CSRF対策）
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		h.logger.Warn("oauth state mismatch", slog.String("query_state", state))
		http.Error(w, "invalid state parameter", http.StatusBadRequest)
		return
	}

	// stateクッキーを削除
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	// 2. 認可コードの取得
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		return
	}

	// 3. クレデンシャルの登録
	handle, err := h.service.HandleCallback(r.Context(), code)
	var persistErr *credential.PersistError
	switch {
	case errors.As(err, &persistErr):
		// メモリ上の登録は有効なので利用者には成功として扱う
		h.logger.Error("credential registered without persistence",
			slog.Int("handle", int(handle)),
			slog.String("error", err.Error()),
		)
	case err != nil:
		h.logger.Error("oauth callback failed", slog.String("error", err.Error()))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(callbackFailedMessage))
		return
	default:
		h.logger.Info("新しいユーザーを登録しました", slog.Int("handle", int(handle)))
	}

	// 4. 完了ページにリダイレクト
	http.Redirect(w, r, h.config.SuccessPath, http.StatusFound)
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
