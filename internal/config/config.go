// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// クレデンシャルの永続化バックエンド
const (
	CredentialBackendFile     = "file"
	CredentialBackendPostgres = "postgres"
	CredentialBackendMemory   = "memory"
)

// DefaultOAuthScope はタイムラインへの書き込みに必要なOAuthスコープ。
const DefaultOAuthScope = "https://www.googleapis.com/auth/glass.timeline"

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// OAuth
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	OAuthScopes        []string

	// Webhook
	VerifyToken             string
	VerifyTokenGenerated    bool // VERIFY_TOKEN未設定のため起動時に生成した場合true
	SubscriptionCallbackURL string

	// Contact
	ContactID            string
	ContactDisplayName   string
	ContactSpeakableName string
	ContactImageURL      string

	// Credential storage
	CredentialBackend string
	CredentialFile    string
	DatabaseURL       string

	// Mirror API
	MirrorBaseURL   string
	MirrorTimeout   time.Duration
	MirrorRateLimit float64 // req/sec
	MirrorRateBurst int
	// MirrorAllowPrivate はプライベートアドレス宛ての送信を許可する（ローカル検証用）
	MirrorAllowPrivate bool

	// Sync
	SyncMaxConcurrent int
	SanitizeCardHTML  bool

	// Cards / pages
	CardTemplateDir   string
	CardTemplateWatch bool // テンプレートディレクトリの変更を監視して再読み込みする
	PagesDir          string

	// Admin API
	AdminToken string

	// Rate Limit（req/min/IP）
	RateLimitWebhook int
	RateLimitAdmin   int

	// Server
	ServerPort string
	LogLevel   string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、または値の組み合わせが不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	if cfg.GoogleClientID == "" {
		missing = append(missing, "GOOGLE_CLIENT_ID")
	}

	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	if cfg.GoogleClientSecret == "" {
		missing = append(missing, "GOOGLE_CLIENT_SECRET")
	}

	cfg.GoogleRedirectURL = os.Getenv("GOOGLE_REDIRECT_URL")
	if cfg.GoogleRedirectURL == "" {
		missing = append(missing, "GOOGLE_REDIRECT_URL")
	}

	cfg.CredentialBackend = strings.ToLower(getEnvString("CREDENTIAL_BACKEND", CredentialBackendFile))
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.CredentialBackend == CredentialBackendPostgres && cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	switch cfg.CredentialBackend {
	case CredentialBackendFile, CredentialBackendPostgres, CredentialBackendMemory:
	default:
		return nil, fmt.Errorf("unsupported CREDENTIAL_BACKEND: %q", cfg.CredentialBackend)
	}

	// 検証トークンは全購読で共有するプロセス単位の秘密値。
	// 未設定の場合は起動時に生成し、起動時の購読再登録で新しい値を配布する。
	cfg.VerifyToken = os.Getenv("VERIFY_TOKEN")
	if cfg.VerifyToken == "" {
		cfg.VerifyToken = uuid.NewString()
		cfg.VerifyTokenGenerated = true
	}

	// Optional fields with defaults
	cfg.OAuthScopes = getEnvList("OAUTH_SCOPES", []string{DefaultOAuthScope})
	cfg.SubscriptionCallbackURL = getEnvString("SUBSCRIPTION_CALLBACK_URL", "")
	cfg.ContactID = getEnvString("CONTACT_ID", "cardsync_contact_provider")
	cfg.ContactDisplayName = getEnvString("CONTACT_DISPLAY_NAME", "")
	cfg.ContactSpeakableName = getEnvString("CONTACT_SPEAKABLE_NAME", cfg.ContactDisplayName)
	cfg.ContactImageURL = getEnvString("CONTACT_IMAGE_URL", "")
	cfg.CredentialFile = getEnvString("CREDENTIAL_FILE", ".clienttokens.json")
	cfg.MirrorBaseURL = strings.TrimRight(getEnvString("MIRROR_BASE_URL", "https://www.googleapis.com/mirror/v1"), "/")
	cfg.MirrorTimeout = getEnvDuration("MIRROR_TIMEOUT", 15*time.Second)
	cfg.MirrorRateLimit = getEnvFloat("MIRROR_RATE_LIMIT", 10)
	cfg.MirrorRateBurst = getEnvInt("MIRROR_RATE_BURST", 20)
	cfg.MirrorAllowPrivate = getEnvBool("MIRROR_ALLOW_PRIVATE", false)
	cfg.SyncMaxConcurrent = getEnvInt("SYNC_MAX_CONCURRENT", 8)
	cfg.SanitizeCardHTML = getEnvBool("SANITIZE_CARD_HTML", true)
	cfg.CardTemplateDir = getEnvString("CARD_TEMPLATE_DIR", "")
	cfg.CardTemplateWatch = getEnvBool("CARD_TEMPLATE_WATCH", false)
	cfg.PagesDir = getEnvString("PAGES_DIR", "pages")
	cfg.AdminToken = getEnvString("ADMIN_TOKEN", "")
	cfg.RateLimitWebhook = getEnvInt("RATE_LIMIT_WEBHOOK", 600)
	cfg.RateLimitAdmin = getEnvInt("RATE_LIMIT_ADMIN", 60)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
}

// SubscriptionsEnabled は購読登録のコールバックURLが設定されているかを返す。
func (c *Config) SubscriptionsEnabled() bool {
	return c.SubscriptionCallbackURL != ""
}

// ContactEnabled はコンタクト登録が設定されているかを返す。
func (c *Config) ContactEnabled() bool {
	return c.ContactDisplayName != ""
}

// AdminAPIEnabled は管理APIが有効かを返す。
func (c *Config) AdminAPIEnabled() bool {
	return c.AdminToken != ""
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの環境変数を空要素を除いたスライスとして返す。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
