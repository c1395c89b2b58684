package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/cardsync/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger      *slog.Logger
	RateLimiter *middleware.RateLimiter

	// Webhook受信
	Webhook http.Handler

	// 認可フロー
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// 静的ページ
	PagesDir string

	// メトリクス（nilの場合は/metricsを公開しない）
	Metrics http.Handler

	// 管理API（AdminTokenが空の場合は公開しない）
	AdminToken  string
	CardSyncer  CardSyncer
	Templates   TemplateRenderer
	Credentials CredentialCounter
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery → SecurityHeaders
//
// Webhookと管理APIにはそれぞれ独立したレート制限を追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig, logger)
	pagesHandler := NewPagesHandler(deps.PagesDir, logger)

	// --- 公開ルート ---
	r.Get("/", pagesHandler.Index)
	r.Get("/success", pagesHandler.Success)
	r.Get("/health", Health)
	r.Get("/authorize", authHandler.Authorize)
	r.Get("/oauth2callback", authHandler.Callback)

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	// --- Webhook受信 ---
	r.With(deps.RateLimiter.WebhookMiddleware()).Method(http.MethodPost, "/subscription", deps.Webhook)

	// --- 管理API ---
	// ミドルウェアスタック: RateLimit(Admin) → AdminAuth
	if deps.AdminToken != "" {
		adminHandler := NewAdminHandler(deps.CardSyncer, deps.Templates, deps.Credentials, logger)

		r.Route("/api", func(r chi.Router) {
			r.Use(deps.RateLimiter.AdminMiddleware())
			r.Use(middleware.NewAdminAuthMiddleware(deps.AdminToken))

			r.Put("/cards/{sourceItemId}", adminHandler.UpsertCard)
			r.Delete("/bundles/{bundleId}", adminHandler.DeleteBundle)
			r.Get("/credentials", adminHandler.ListCredentials)
		})
	}

	return r
}
