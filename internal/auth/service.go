// Package auth はOAuth認可コードフローとクレデンシャル登録後の初期化処理を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/cardsync/internal/credential"
	"github.com/hitoshi/cardsync/internal/model"
)

// OAuthProvider はOAuth認可プロバイダーのインターフェース。
type OAuthProvider interface {
	// AuthCodeURL は同意画面のURLを生成する。
	AuthCodeURL(state string) string
	// Exchange は認可コードをクレデンシャルに交換する。
	Exchange(ctx context.Context, code string) (model.Credential, error)
}

// CredentialRegistrar はクレデンシャルの登録と列挙を提供する。
type CredentialRegistrar interface {
	Register(ctx context.Context, cred model.Credential) (model.Handle, error)
	All() []model.Credential
}

// RemoteInstaller は購読とコンタクトをリモートサービスへ登録する。
type RemoteInstaller interface {
	InstallSubscription(ctx context.Context, cred model.Credential, sub model.Subscription) error
	InstallContact(ctx context.Context, cred model.Credential, contact model.Contact) error
}

// CredentialListener は新しいクレデンシャルの登録完了を受け取る。
type CredentialListener interface {
	OnNewCredential(ctx context.Context, handle model.Handle, cred model.Credential)
}

// CredentialListenerFunc は関数をCredentialListenerとして扱うアダプター。
type CredentialListenerFunc func(ctx context.Context, handle model.Handle, cred model.Credential)

// OnNewCredential はf(ctx, handle, cred)を呼び出す。
func (f CredentialListenerFunc) OnNewCredential(ctx context.Context, handle model.Handle, cred model.Credential) {
	f(ctx, handle, cred)
}

// ServiceConfig は認可サービスの設定。
type ServiceConfig struct {
	// SubscriptionCallbackURL が空の場合、購読登録は行わない。
	SubscriptionCallbackURL string
	VerifyToken             string
	// Contact がnilの場合、コンタクト登録は行わない。
	Contact *model.Contact
}

// ReinstallReport は全クレデンシャルへの再登録結果。
type ReinstallReport struct {
	Total     int
	Succeeded int
	Skipped   int
	Failed    int
}

// Service は認可フローに関するビジネスロジックを提供する。
type Service struct {
	oauth    OAuthProvider
	store    CredentialRegistrar
	remote   RemoteInstaller
	listener CredentialListener
	config   ServiceConfig
	logger   *slog.Logger
}

// NewService はServiceを生成する。listenerはnilでもよい。
func NewService(
	oauth OAuthProvider,
	store CredentialRegistrar,
	remote RemoteInstaller,
	listener CredentialListener,
	config ServiceConfig,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		oauth:    oauth,
		store:    store,
		remote:   remote,
		listener: listener,
		config:   config,
		logger:   logger,
	}
}

// AuthCodeURL は同意画面のURLを生成する。
func (s *Service) AuthCodeURL(state string) string {
	return s.oauth.AuthCodeURL(state)
}

// HandleCallback は認可コードを交換してクレデンシャルを登録し、
// 購読とコンタクトを登録したうえでリスナーへ通知する。
//
// 永続化に失敗した場合もメモリ上の登録は有効なため後続処理は継続し、
// 発行したハンドルと*credential.PersistErrorを返す。
func (s *Service) HandleCallback(ctx context.Context, code string) (model.Handle, error) {
	if code == "" {
		return 0, fmt.Errorf("authorization code is empty")
	}

	// 1. 認可コードをトークンに交換
	cred, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return 0, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	// 2. 永続化を先に行う
	handle, err := s.store.Register(ctx, cred)
	var persistErr *credential.PersistError
	if err != nil && !errors.As(err, &persistErr) {
		return 0, fmt.Errorf("failed to register credential: %w", err)
	}

	// 3. 購読とコンタクトの登録
	s.install(ctx, handle, cred)

	// 4. リスナーへ通知
	if s.listener != nil {
		s.listener.OnNewCredential(ctx, handle, cred)
	}

	if persistErr != nil {
		return handle, persistErr
	}
	return handle, nil
}

// Reinstall は保存済みの全クレデンシャルについて購読とコンタクトを再登録する。
// 起動時に検証トークンを配布し直すために使う。
func (s *Service) Reinstall(ctx context.Context) ReinstallReport {
	creds := s.store.All()
	report := ReinstallReport{Total: len(creds)}

	for i, cred := range creds {
		if err := ctx.Err(); err != nil {
			report.Skipped += len(creds) - i
			break
		}
		if cred.IsZero() {
			report.Skipped++
			continue
		}
		if s.install(ctx, model.Handle(i), cred) {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}

	s.logger.Info("購読を再登録しました",
		slog.Int("total", report.Total),
		slog.Int("succeeded", report.Succeeded),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed),
	)
	return report
}

// install は購読とコンタクトを登録する。失敗はログに記録し、全て成功した場合にtrueを返す。
func (s *Service) install(ctx context.Context, handle model.Handle, cred model.Credential) bool {
	ok := true

	if s.config.SubscriptionCallbackURL != "" {
		sub := model.Subscription{
			CallbackURL: s.config.SubscriptionCallbackURL,
			Collection:  model.TimelineCollection,
			UserToken:   model.FormatHandle(handle),
			VerifyToken: s.config.VerifyToken,
		}
		if err := s.remote.InstallSubscription(ctx, cred, sub); err != nil {
			s.logger.Error("failed to install subscription",
				slog.Int("handle", int(handle)),
				slog.String("error", err.Error()),
			)
			ok = false
		}
	}

	if s.config.Contact != nil {
		if err := s.remote.InstallContact(ctx, cred, *s.config.Contact); err != nil {
			s.logger.Error("failed to install contact",
				slog.Int("handle", int(handle)),
				slog.String("error", err.Error()),
			)
			ok = false
		}
	}

	return ok
}

// NewContact は既定の優先度と受付コマンドを持つコンタクトを生成する。
func NewContact(id, displayName, speakableName, imageURL string) model.Contact {
	c := model.Contact{
		ID:             id,
		DisplayName:    displayName,
		SpeakableName:  speakableName,
		Priority:       model.DefaultContactPriority,
		AcceptCommands: []model.AcceptCommand{{Type: model.AcceptCommandPostAnUpdate}},
	}
	if imageURL != "" {
		c.ImageURLs = []string{imageURL}
	}
	return c
}
