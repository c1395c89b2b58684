// Package webhook はリモートサービスからの変更通知（Webhook）を受信し、
// 検証、送信元ユーザーの特定、対象カードの取得を行ってリスナーへ配送する。
//
// 通知は検証トークンの照合、ハンドルの解決、カード取得、リスナー呼び出しの順に処理する。
// 拒否された通知も含めて応答は常にHTTP 200とし、ボディで処理結果を示す。
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/cardsync/internal/metrics"
	"github.com/hitoshi/cardsync/internal/model"
)

// MaxBodyBytes は受け付ける通知ボディの最大サイズ（1MiB）。
const MaxBodyBytes = 1 << 20

// 応答ボディ
const (
	bodyOK    = "200"
	bodyError = "500"
)

// Outcome は1件の通知の処理結果。メトリクスのoutcomeラベルに使用する。
type Outcome string

const (
	OutcomeAcknowledged   Outcome = "acknowledged"
	OutcomeFetchFailed    Outcome = "fetch_failed"
	OutcomeRejectedToken  Outcome = "rejected_verify_token"
	OutcomeRejectedHandle Outcome = "rejected_unknown_handle"
	OutcomeMalformed      Outcome = "malformed"
	OutcomeOversized      Outcome = "oversized"
	OutcomeListenerPanic  Outcome = "listener_panic"
)

// CredentialLookup はハンドルからクレデンシャルを解決する。
type CredentialLookup interface {
	Get(handle model.Handle) (model.Credential, error)
}

// CardFetcher は通知対象のカードを取得する。
type CardFetcher interface {
	Get(ctx context.Context, cred model.Credential, id string) (*model.Card, error)
}

// Event はリスナーへ配送する通知。
type Event struct {
	Notification model.Notification
	Handle       model.Handle
	// Credential は通知元ユーザーのクレデンシャル。リスナーが同じユーザーのカードを操作する場合に使用する。
	Credential model.Credential
	// Item は通知対象のカード。itemIdがない場合や取得に失敗した場合はnil。
	Item *model.Card
}

// Listener は検証済みの通知を受け取る。
// errにはカード取得のエラーが渡される。
type Listener interface {
	OnSubscriptionEvent(ctx context.Context, err error, ev Event)
}

// ListenerFunc は関数をListenerとして扱うアダプタ。
type ListenerFunc func(ctx context.Context, err error, ev Event)

// OnSubscriptionEvent はf(ctx, err, ev)を呼び出す。
func (f ListenerFunc) OnSubscriptionEvent(ctx context.Context, err error, ev Event) {
	f(ctx, err, ev)
}

// Dispatcher は通知を処理してリスナーへ配送する。
type Dispatcher struct {
	verifyToken []byte
	creds       CredentialLookup
	fetcher     CardFetcher
	listener    Listener
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
}

// NewDispatcher はDispatcherを生成する。listenerがnilの場合は検証のみを行う。
func NewDispatcher(
	verifyToken string,
	creds CredentialLookup,
	fetcher CardFetcher,
	listener Listener,
	m metrics.MetricsCollector,
	logger *slog.Logger,
) *Dispatcher {
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		verifyToken: []byte(verifyToken),
		creds:       creds,
		fetcher:     fetcher,
		listener:    listener,
		metrics:     m,
		logger:      logger,
	}
}

// ServeHTTP は通知を受信して処理する。
// ボディがMaxBodyBytesを超えた場合はJSONを解析せずに接続を中断する。
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			d.metrics.RecordWebhook(string(OutcomeOversized))
			d.logger.Warn("通知ボディが上限を超えたため接続を中断します",
				slog.Int64("limit", maxErr.Limit),
				slog.String("remote_addr", r.RemoteAddr),
			)
			panic(http.ErrAbortHandler)
		}
		d.metrics.RecordWebhook(string(OutcomeMalformed))
		d.logger.Info("通知ボディの読み取りに失敗しました",
			slog.String("error", err.Error()),
		)
		writeBody(w, bodyError)
		return
	}

	switch d.Dispatch(r.Context(), body) {
	case OutcomeMalformed, OutcomeListenerPanic:
		writeBody(w, bodyError)
	default:
		writeBody(w, bodyOK)
	}
}

// Dispatch は通知ボディを処理し、処理結果を返す。
// 検証トークンが一致しない通知はクレデンシャルの参照もカード取得も行わずに拒否する。
func (d *Dispatcher) Dispatch(ctx context.Context, body []byte) (outcome Outcome) {
	defer func() {
		d.metrics.RecordWebhook(string(outcome))
	}()

	var n model.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		d.logger.Info("不正な形式の通知を受信しました",
			slog.String("error", err.Error()),
		)
		return OutcomeMalformed
	}

	if !d.verify(n.VerifyToken) {
		d.logger.Info("検証トークンが一致しない通知を拒否しました",
			slog.String("collection", n.Collection),
			slog.String("operation", n.Operation),
		)
		return OutcomeRejectedToken
	}

	handle, ok := n.UserToken.Handle()
	if !ok {
		d.logger.Info("userTokenが不正な通知を拒否しました",
			slog.String("user_token", string(n.UserToken)),
		)
		return OutcomeRejectedHandle
	}
	cred, err := d.creds.Get(handle)
	if err != nil {
		d.logger.Info("未登録のハンドルへの通知を拒否しました",
			slog.Int("handle", int(handle)),
			slog.String("error", err.Error()),
		)
		return OutcomeRejectedHandle
	}

	ev := Event{
		Notification: n,
		Handle:       handle,
		Credential:   cred,
	}

	var fetchErr error
	if n.ItemID != "" {
		ev.Item, fetchErr = d.fetcher.Get(ctx, cred, n.ItemID)
		if fetchErr != nil {
			ev.Item = nil
			d.logger.Warn("通知対象カードの取得に失敗しました",
				slog.Int("handle", int(handle)),
				slog.String("item_id", n.ItemID),
				slog.String("error", fetchErr.Error()),
			)
		}
	}

	if d.listener != nil {
		if err := d.notify(ctx, fetchErr, ev); err != nil {
			d.logger.Error("通知リスナーの処理に失敗しました",
				slog.Int("handle", int(handle)),
				slog.String("error", err.Error()),
			)
			return OutcomeListenerPanic
		}
	}

	d.logger.Info("通知を配送しました",
		slog.Int("handle", int(handle)),
		slog.String("operation", n.Operation),
		slog.String("item_id", n.ItemID),
	)
	if fetchErr != nil {
		return OutcomeFetchFailed
	}
	return OutcomeAcknowledged
}

// verify は検証トークンを定数時間で比較する。
func (d *Dispatcher) verify(token string) bool {
	if len(d.verifyToken) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), d.verifyToken) == 1
}

// notify はリスナーを1回呼び出す。リスナーのpanicはエラーとして返す。
func (d *Dispatcher) notify(ctx context.Context, fetchErr error, ev Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("listener panic: %v", rec)
		}
	}()
	d.listener.OnSubscriptionEvent(ctx, fetchErr, ev)
	return nil
}

func writeBody(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, body)
}
