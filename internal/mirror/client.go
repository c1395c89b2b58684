// Package mirror はユーザーのタイムライン（Mirror API）を操作するHTTPクライアントを提供する。
//
// すべての呼び出しはクレデンシャルを明示的に受け取り、呼び出しごとに
// そのトークンに束縛したHTTPクライアントを生成する。クライアント間で
// 可変の認証状態は共有しない。
package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"

	"github.com/hitoshi/cardsync/internal/metrics"
	"github.com/hitoshi/cardsync/internal/model"
)

const (
	// DefaultBaseURL はMirror APIのベースURL。
	DefaultBaseURL = "https://www.googleapis.com/mirror/v1"
	// defaultTimeout は1回のAPI呼び出しのタイムアウト。
	defaultTimeout = 15 * time.Second
	// maxResponseSize はレスポンスボディの最大読み取りサイズ（4MB）。
	maxResponseSize = 4 * 1024 * 1024
	userAgent       = "cardsync/1.0"
)

// 操作名。メトリクスのoperationラベルに使用する。
const (
	OpInsert             = "timeline.insert"
	OpPatch              = "timeline.patch"
	OpDelete             = "timeline.delete"
	OpList               = "timeline.list"
	OpGet                = "timeline.get"
	OpInsertSubscription = "subscriptions.insert"
	OpInsertContact      = "contacts.insert"
)

// Config はClientの設定。
type Config struct {
	BaseURL string
	// OAuth2 はアクセストークンの更新に使用する。nilの場合はトークンをそのまま使用する。
	OAuth2  *oauth2.Config
	Timeout time.Duration
	// Limiter は全ユーザー共通の送信レート制限。nilの場合は制限しない。
	Limiter *rate.Limiter
	// HTTPClient はトークン付与前の下位クライアント。nilの場合はhttp.DefaultClient。
	HTTPClient *http.Client
	Metrics    metrics.MetricsCollector
	Logger     *slog.Logger
}

// Client はMirror APIクライアント。
type Client struct {
	baseURL string
	oauth   *oauth2.Config
	timeout time.Duration
	limiter *rate.Limiter
	base    *http.Client
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// New はClientを生成する。
func New(cfg Config) *Client {
	c := &Client{
		baseURL: cfg.BaseURL,
		oauth:   cfg.OAuth2,
		timeout: cfg.Timeout,
		limiter: cfg.Limiter,
		base:    cfg.HTTPClient,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.base == nil {
		c.base = http.DefaultClient
	}
	if c.metrics == nil {
		c.metrics = metrics.Nop{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// maxListPages はList 1回で辿るページ数の上限。
// nextPageTokenが循環するレスポンスで無限に呼び出し続けないようにする。
const maxListPages = 100

// listResponse はtimeline.listのレスポンス。
type listResponse struct {
	Items         []model.Card `json:"items"`
	NextPageToken string       `json:"nextPageToken"`
}

// Insert はカードを新規作成する。メニュー項目が未指定の場合は既定値を適用する。
func (c *Client) Insert(ctx context.Context, cred model.Credential, card model.Card) (*model.Card, error) {
	if len(card.MenuItems) == 0 {
		card.MenuItems = model.DefaultMenuItems()
	}
	card.ID = ""

	var created model.Card
	if err := c.do(ctx, cred, OpInsert, http.MethodPost, "/timeline", nil, card, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// Patch はカードを部分更新する。
func (c *Client) Patch(ctx context.Context, cred model.Credential, id string, patch model.CardPatch) (*model.Card, error) {
	if id == "" {
		return nil, fmt.Errorf("patch: card id is required")
	}
	var updated model.Card
	if err := c.do(ctx, cred, OpPatch, http.MethodPatch, "/timeline/"+url.PathEscape(id), nil, patch, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// Delete はカードを削除する。
func (c *Client) Delete(ctx context.Context, cred model.Credential, id string) error {
	if id == "" {
		return fmt.Errorf("delete: card id is required")
	}
	return c.do(ctx, cred, OpDelete, http.MethodDelete, "/timeline/"+url.PathEscape(id), nil, nil, nil)
}

// List はフィルタに一致するカードをリモートの返却順で取得する。
// nextPageTokenを辿って全ページを連結する。途中のページで失敗した場合はエラーを返す。
func (c *Client) List(ctx context.Context, cred model.Credential, filter model.CardFilter) ([]model.Card, error) {
	q := url.Values{}
	if filter.SourceItemID != "" {
		q.Set("sourceItemId", filter.SourceItemID)
	}
	if filter.IsPinned != nil {
		q.Set("isPinned", strconv.FormatBool(*filter.IsPinned))
	}
	if filter.BundleID != "" {
		q.Set("bundleId", filter.BundleID)
	}

	var cards []model.Card
	for page := 0; page < maxListPages; page++ {
		var resp listResponse
		if err := c.do(ctx, cred, OpList, http.MethodGet, "/timeline", q, nil, &resp); err != nil {
			return nil, err
		}
		cards = append(cards, resp.Items...)
		if resp.NextPageToken == "" {
			return cards, nil
		}
		q.Set("pageToken", resp.NextPageToken)
	}

	c.logger.Warn("timeline list truncated at page limit",
		slog.Int("pages", maxListPages),
		slog.Int("items", len(cards)),
	)
	return cards, nil
}

// Get はカードを1件取得する。
func (c *Client) Get(ctx context.Context, cred model.Credential, id string) (*model.Card, error) {
	if id == "" {
		return nil, fmt.Errorf("get: card id is required")
	}
	var card model.Card
	if err := c.do(ctx, cred, OpGet, http.MethodGet, "/timeline/"+url.PathEscape(id), nil, nil, &card); err != nil {
		return nil, err
	}
	return &card, nil
}

// InstallSubscription はタイムラインの変更通知購読を登録する。
func (c *Client) InstallSubscription(ctx context.Context, cred model.Credential, sub model.Subscription) error {
	if sub.Collection == "" {
		sub.Collection = model.TimelineCollection
	}
	if sub.Operation == nil {
		sub.Operation = []string{}
	}
	return c.do(ctx, cred, OpInsertSubscription, http.MethodPost, "/subscriptions", nil, sub, nil)
}

// InstallContact は共有先コンタクトを登録する。
func (c *Client) InstallContact(ctx context.Context, cred model.Credential, contact model.Contact) error {
	return c.do(ctx, cred, OpInsertContact, http.MethodPost, "/contacts", nil, contact, nil)
}

// do はcredに束縛したHTTPクライアントで1回のAPI呼び出しを行う。
// 2xx以外のレスポンスは*googleapi.Errorとして返す。再試行はしない。
func (c *Client) do(ctx context.Context, cred model.Credential, op, method, path string, query url.Values, in, out any) (err error) {
	start := time.Now()
	defer func() {
		c.metrics.RecordRemoteCall(op, outcomeOf(err), time.Since(start))
	}()

	if cred.AccessToken == "" && cred.RefreshToken == "" {
		return fmt.Errorf("%s: %w", op, model.ErrCredentialNotFound)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: rate limiter: %w", op, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: failed to marshal request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient(ctx, cred).Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", op, err)
	}
	defer resp.Body.Close()

	if err := googleapi.CheckResponse(resp); err != nil {
		c.logger.Debug("mirror api returned error status",
			slog.String("operation", op),
			slog.Int("http_status", resp.StatusCode),
		)
		return fmt.Errorf("%s: %w", op, err)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("%s: failed to decode response: %w", op, err)
	}
	return nil
}

// httpClient はcredのトークンを付与するHTTPクライアントを生成する。
// トークンの期限が切れていればOAuth2設定を使って更新する。
func (c *Client) httpClient(ctx context.Context, cred model.Credential) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.base)
	token := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    cred.TokenType,
		Expiry:       cred.Expiry,
	}
	if c.oauth == nil {
		return oauth2.NewClient(ctx, oauth2.StaticTokenSource(token))
	}
	return c.oauth.Client(ctx, token)
}
