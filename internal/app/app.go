package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hitoshi/cardsync/internal/auth"
	"github.com/hitoshi/cardsync/internal/card"
	"github.com/hitoshi/cardsync/internal/cardtemplate"
	"github.com/hitoshi/cardsync/internal/config"
	"github.com/hitoshi/cardsync/internal/credential"
	"github.com/hitoshi/cardsync/internal/database"
	"github.com/hitoshi/cardsync/internal/handler"
	"github.com/hitoshi/cardsync/internal/logger"
	"github.com/hitoshi/cardsync/internal/metrics"
	"github.com/hitoshi/cardsync/internal/middleware"
	"github.com/hitoshi/cardsync/internal/mirror"
	"github.com/hitoshi/cardsync/internal/model"
	"github.com/hitoshi/cardsync/internal/repository"
	"github.com/hitoshi/cardsync/internal/security"
	"github.com/hitoshi/cardsync/internal/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"
)

// dbPingTimeout は起動時のDB疎通確認のタイムアウト。
const dbPingTimeout = 5 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再初期化
	log := logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	// 4. 購読コールバックURLは外部から到達可能な公開URLである必要がある
	if cfg.SubscriptionsEnabled() && !cfg.MirrorAllowPrivate {
		if err := security.ValidatePublicURL(cfg.SubscriptionCallbackURL); err != nil {
			return nil, nil, fmt.Errorf("invalid SUBSCRIPTION_CALLBACK_URL: %w", err)
		}
	}

	if cfg.VerifyTokenGenerated {
		log.Warn("VERIFY_TOKEN is not set; generated a per-process token, subscriptions will be reinstalled")
	}

	return cfg, log, nil
}

// App は組み立て済みのアプリケーションの依存関係を保持する。
type App struct {
	Config       *config.Config
	Logger       *slog.Logger
	Registry     *prometheus.Registry
	Store        *credential.Store
	Mirror       *mirror.Client
	Synchronizer *card.Synchronizer
	Dispatcher   *webhook.Dispatcher
	Auth         *auth.Service
	Templates    *cardtemplate.Registry
	RateLimiter  *middleware.RateLimiter
	Handler      http.Handler

	closers []func() error
}

// Build は設定に従って全依存関係をワイヤリングする。
// 返されたAppは使用後にCloseする必要がある。
func Build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &App{Config: cfg, Logger: log}

	// 1. メトリクス
	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(a.Registry)

	// 2. クレデンシャルストア
	persister, err := a.openPersister(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store = credential.Open(ctx, persister, log, collector)
	log.Info("credential store opened",
		slog.String("backend", cfg.CredentialBackend),
		slog.Int("credentials", a.Store.Len()),
	)

	// 3. リモートクライアントとOAuth
	egress := newEgressClient(cfg)
	oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		Scopes:       cfg.OAuthScopes,
		HTTPClient:   egress,
	})

	var limiter *rate.Limiter
	if cfg.MirrorRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MirrorRateLimit), max(cfg.MirrorRateBurst, 1))
	}
	a.Mirror = mirror.New(mirror.Config{
		BaseURL:    cfg.MirrorBaseURL,
		OAuth2:     oauthProvider.OAuth2Config(),
		Timeout:    cfg.MirrorTimeout,
		Limiter:    limiter,
		HTTPClient: egress,
		Metrics:    collector,
		Logger:     log,
	})

	// 4. カード同期
	var sanitizer security.HTMLSanitizer = security.NopSanitizer{}
	if cfg.SanitizeCardHTML {
		sanitizer = security.NewCardSanitizer()
	}
	a.Synchronizer = card.NewSynchronizer(a.Mirror, a.Store, sanitizer, collector, log, cfg.SyncMaxConcurrent)

	// 5. カードテンプレート
	templates, status, err := cardtemplate.Load(cfg.CardTemplateDir, log)
	if err != nil {
		log.Warn("card templates could not be fully loaded",
			slog.String("dir", cfg.CardTemplateDir),
			slog.String("error", err.Error()),
		)
	}
	log.Info("card templates", slog.String("status", status.String()), slog.Int("count", len(templates.Names())))
	a.Templates = templates

	// 6. Webhookと認可フロー
	a.Dispatcher = webhook.NewDispatcher(cfg.VerifyToken, a.Store, a.Mirror, newSubscriptionLogger(log), collector, log)

	svcConfig := auth.ServiceConfig{VerifyToken: cfg.VerifyToken}
	if cfg.SubscriptionsEnabled() {
		svcConfig.SubscriptionCallbackURL = cfg.SubscriptionCallbackURL
	}
	if cfg.ContactEnabled() {
		var imageURL string
		if cfg.ContactImageURL != "" {
			if err := security.ValidatePublicURL(cfg.ContactImageURL); err != nil {
				log.Warn("ignoring CONTACT_IMAGE_URL", slog.String("error", err.Error()))
			} else {
				imageURL = cfg.ContactImageURL
			}
		}
		contact := auth.NewContact(cfg.ContactID, cfg.ContactDisplayName, cfg.ContactSpeakableName, imageURL)
		svcConfig.Contact = &contact
	}
	a.Auth = auth.NewService(oauthProvider, a.Store, a.Mirror, newCredentialLogger(log), svcConfig, log)

	// 7. ルーター
	a.RateLimiter = middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(cfg.RateLimitWebhook, cfg.RateLimitAdmin))
	a.closers = append(a.closers, func() error { a.RateLimiter.Stop(); return nil })

	a.Handler = handler.NewRouter(&handler.RouterDeps{
		Logger:      log,
		RateLimiter: a.RateLimiter,
		Webhook:     a.Dispatcher,
		AuthService: a.Auth,
		AuthConfig:  handler.AuthHandlerConfig{CookieSecure: isSecureRedirect(cfg.GoogleRedirectURL)},
		PagesDir:    cfg.PagesDir,
		Metrics:     metrics.Handler(a.Registry),
		AdminToken:  cfg.AdminToken,
		CardSyncer:  a.Synchronizer,
		Templates:   a.Templates,
		Credentials: a.Store,
	})

	return a, nil
}

// openPersister は設定されたバックエンドの永続化層を開く。
func (a *App) openPersister(ctx context.Context) (credential.Persister, error) {
	cfg := a.Config
	switch cfg.CredentialBackend {
	case config.CredentialBackendMemory:
		a.Logger.Warn("credentials are kept in memory only and will be lost on restart")
		return credential.NewMemoryPersister(), nil
	case config.CredentialBackendPostgres:
		db, err := openDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		a.Logger.Info("database connection established")

		version, err := database.SchemaVersion(cfg.DatabaseURL)
		switch {
		case err != nil:
			a.Logger.Warn("failed to read credential schema version", slog.String("error", err.Error()))
		case version == 0:
			a.Logger.Warn("credential schema is not migrated; run the migrate subcommand")
		default:
			a.Logger.Info("credential schema", slog.Int("schema_version", int(version)))
		}
		return repository.NewPostgresCredentialRepo(db), nil
	default:
		return credential.NewFilePersister(cfg.CredentialFile), nil
	}
}

// Close は保持しているリソースを逆順に解放する。
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, log, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	log.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("credential_backend", cfg.CredentialBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg, log)
	case CommandResubscribe:
		return runResubscribe(ctx, cfg, log)
	default:
		return runServe(ctx, cfg, log)
	}
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、既存ユーザーの購読を再登録してからHTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	a, err := Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	// 検証トークンを配布し直すため、起動時に全ユーザーの購読を再登録する
	if cfg.SubscriptionsEnabled() || cfg.ContactEnabled() {
		go a.Auth.Reinstall(ctx)
	}

	if cfg.CardTemplateWatch && cfg.CardTemplateDir != "" {
		go func() {
			if err := a.Templates.Watch(ctx); err != nil {
				log.Warn("card template watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      a.Handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // ファンアウトの完了を待つため長めに取る
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("API server stopped gracefully")
	return nil
}

// runResubscribe は保存済みの全ユーザーについて購読とコンタクトを再登録して終了する。
func runResubscribe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if !cfg.SubscriptionsEnabled() && !cfg.ContactEnabled() {
		return fmt.Errorf("nothing to reinstall: SUBSCRIPTION_CALLBACK_URL and CONTACT_DISPLAY_NAME are both unset")
	}

	a, err := Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	report := a.Auth.Reinstall(ctx)
	if report.Failed > 0 {
		return fmt.Errorf("failed to reinstall for %d of %d credentials", report.Failed, report.Total)
	}
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, log *slog.Logger) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for migrate")
	}

	log.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Info("database migrations completed successfully", slog.Int("schema_version", int(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// openDatabase はDBを開いて疎通を確認する。
func openDatabase(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := database.Open(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// newEgressClient はリモートAPI呼び出し用のHTTPクライアントを生成する。
// MIRROR_ALLOW_PRIVATEが有効な場合のみプライベートアドレス宛てを許可する。
func newEgressClient(cfg *config.Config) *http.Client {
	if cfg.MirrorAllowPrivate {
		return &http.Client{Timeout: cfg.MirrorTimeout}
	}
	return security.NewEgressClient(cfg.MirrorTimeout)
}

// isSecureRedirect はOAuthリダイレクト先がhttpsかを判定する。
// stateクッキーのSecure属性に使う。
func isSecureRedirect(redirectURL string) bool {
	return strings.HasPrefix(strings.ToLower(redirectURL), "https://")
}

// newSubscriptionLogger は受信した通知をログに記録するリスナーを返す。
func newSubscriptionLogger(log *slog.Logger) webhook.Listener {
	return webhook.ListenerFunc(func(_ context.Context, err error, ev webhook.Event) {
		attrs := []any{
			slog.Int("handle", int(ev.Handle)),
			slog.String("collection", ev.Notification.Collection),
			slog.String("operation", ev.Notification.Operation),
			slog.String("item_id", ev.Notification.ItemID),
			slog.Int("user_actions", len(ev.Notification.UserActions)),
		}
		if err != nil {
			log.Warn("subscription event received without item", append(attrs, slog.String("error", err.Error()))...)
			return
		}
		log.Info("subscription event received", attrs...)
	})
}

// newCredentialLogger は新規ユーザーの登録をログに記録するリスナーを返す。
func newCredentialLogger(log *slog.Logger) auth.CredentialListener {
	return auth.CredentialListenerFunc(func(_ context.Context, handle model.Handle, cred model.Credential) {
		log.Info("new credential registered",
			slog.Int("handle", int(handle)),
			slog.Bool("has_refresh_token", cred.RefreshToken != ""),
		)
	})
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
