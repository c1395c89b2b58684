// Package credential はユーザーごとのOAuthクレデンシャルとそのハンドルを管理する。
//
// Storeは追記専用で、ハンドルは登録順に0から採番され再利用されない。
// 登録（追記と永続化）は単一ライターで直列化され、並行する登録が
// 永続化ファイルを壊したり更新を失ったりすることはない。
package credential

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"

	"github.com/hitoshi/cardsync/internal/metrics"
	"github.com/hitoshi/cardsync/internal/model"
)

// ErrEmptyCredential はトークンを1つも持たないクレデンシャルの登録を示す。
var ErrEmptyCredential = errors.New("credential has no tokens")

// Persister はクレデンシャル列全体の読み込みと書き込みを行う永続化層。
// Saveには常にハンドル順の完全な列が渡される。
type Persister interface {
	Load(ctx context.Context) ([]model.Credential, error)
	Save(ctx context.Context, creds []model.Credential) error
}

// PersistError は登録はメモリ上で成功したが永続化に失敗したことを示す。
// プロセスが生きている間はハンドルは有効だが、再起動で失われる。
type PersistError struct {
	Handle model.Handle
	Err    error
}

// Error はerrorインターフェースを実装する。
func (e *PersistError) Error() string {
	return fmt.Sprintf("credential %d registered in memory but not persisted: %v", e.Handle, e.Err)
}

// Unwrap は原因のエラーを返す。
func (e *PersistError) Unwrap() error {
	return e.Err
}

// Store はクレデンシャル列を保持する。
type Store struct {
	writeMu sync.Mutex   // 追記+永続化を直列化する
	mu      sync.RWMutex // creds を保護する
	creds   []model.Credential

	persister Persister
	logger    *slog.Logger
	metrics   metrics.MetricsCollector
}

// Open は永続化層からクレデンシャル列を読み込んでStoreを生成する。
// 永続化データが存在しない、または壊れている場合は警告を出力し空の列で開始する。
func Open(ctx context.Context, persister Persister, logger *slog.Logger, m metrics.MetricsCollector) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.Nop{}
	}
	s := &Store{
		persister: persister,
		logger:    logger,
		metrics:   m,
	}

	creds, err := persister.Load(ctx)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Warn("persisted credentials not found, starting with an empty store",
			slog.String("error", err.Error()),
		)
	case err != nil:
		logger.Warn("failed to load persisted credentials, starting with an empty store",
			slog.String("error", err.Error()),
		)
	default:
		s.creds = creds
		logger.Info("credentials loaded", slog.Int("count", len(creds)))
	}

	return s
}

// Register はクレデンシャルを追記し、列全体を同期的に永続化してからハンドルを返す。
// 永続化に失敗した場合でもメモリ上の登録は維持し、ハンドルと*PersistErrorを返す。
func (s *Store) Register(ctx context.Context, cred model.Credential) (model.Handle, error) {
	if cred.IsZero() {
		return 0, ErrEmptyCredential
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.creds = append(s.creds, cred)
	handle := model.Handle(len(s.creds) - 1)
	snapshot := make([]model.Credential, len(s.creds))
	copy(snapshot, s.creds)
	s.mu.Unlock()

	s.metrics.RecordCredentialRegistered()

	if err := s.persister.Save(ctx, snapshot); err != nil {
		s.metrics.RecordPersistFailure()
		s.logger.Error("failed to persist credentials; registration kept in memory only",
			slog.Int("handle", int(handle)),
			slog.String("error", err.Error()),
		)
		return handle, &PersistError{Handle: handle, Err: err}
	}

	s.logger.Info("credential registered", slog.Int("handle", int(handle)))
	return handle, nil
}

// Get はハンドルに対応するクレデンシャルを返す。
// 範囲外のハンドルにはmodel.ErrCredentialNotFoundを返す。
func (s *Store) Get(handle model.Handle) (model.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if handle < 0 || int(handle) >= len(s.creds) || s.creds[handle].IsZero() {
		return model.Credential{}, fmt.Errorf("handle %d: %w", handle, model.ErrCredentialNotFound)
	}
	return s.creds[handle], nil
}

// All はハンドル順のクレデンシャル列のコピーを返す。
// インデックスがハンドルに対応する。
func (s *Store) All() []model.Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Credential, len(s.creds))
	copy(out, s.creds)
	return out
}

// Len は登録済みのクレデンシャル数を返す。
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.creds)
}
