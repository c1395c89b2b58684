// Package card はユーザーごとのタイムラインカードの同期処理を提供する。
//
// Synchronizer はsourceItemIdをキーにした作成または更新（upsert）と、
// 全ユーザーへのファンアウト（全カード更新、バンドル削除）を行う。
// ファンアウトはユーザー単位で独立しており、1ユーザーの失敗が他に影響しない。
package card

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/cardsync/internal/metrics"
	"github.com/hitoshi/cardsync/internal/model"
	"github.com/hitoshi/cardsync/internal/security"
)

// defaultMaxConcurrency はファンアウトの既定の最大並列数。
const defaultMaxConcurrency = 8

// ファンアウト操作名。メトリクスのoperationラベルとレポートに使用する。
const (
	OpUpsertAll    = "upsert_all"
	OpDeleteBundle = "delete_bundle"
)

var (
	// ErrMissingSourceItemID はsourceItemIdが空のupsertを示す。
	// 空のキーで一覧を取得すると全カードが一致するため拒否する。
	ErrMissingSourceItemID = errors.New("sourceItemId is required")
	// ErrMissingBundleID はbundleIdが空のバンドル削除を示す。
	ErrMissingBundleID = errors.New("bundleId is required")
)

// RemoteClient はリモートのタイムラインAPIの操作インターフェース。
// すべての操作はクレデンシャルを明示的に受け取る。
type RemoteClient interface {
	Insert(ctx context.Context, cred model.Credential, card model.Card) (*model.Card, error)
	Patch(ctx context.Context, cred model.Credential, id string, patch model.CardPatch) (*model.Card, error)
	Delete(ctx context.Context, cred model.Credential, id string) error
	List(ctx context.Context, cred model.Credential, filter model.CardFilter) ([]model.Card, error)
}

// CredentialSource はファンアウト対象のクレデンシャル列を提供する。
// 返却されるスライスのインデックスがハンドルに対応する。
type CredentialSource interface {
	All() []model.Credential
}

// InsertOptions はカード新規作成時のパラメータ。
type InsertOptions struct {
	SourceItemID  string
	HTML          string
	IsPinned      bool
	BundleID      string
	IsBundleCover bool
	MenuItems     []model.MenuItem
}

// HandleFailure はファンアウト中に失敗したユーザーを表す。
type HandleFailure struct {
	Handle model.Handle `json:"handle"`
	Error  string       `json:"error"`
}

// FanOutReport はファンアウト操作の結果。
type FanOutReport struct {
	Operation string          `json:"operation"`
	Total     int             `json:"total"`
	Succeeded int             `json:"succeeded"`
	Skipped   int             `json:"skipped"`
	Items     int             `json:"items"`
	Failed    []HandleFailure `json:"failed"`
}

// Synchronizer はカードの同期処理を行う。
type Synchronizer struct {
	remote         RemoteClient
	creds          CredentialSource
	sanitizer      security.HTMLSanitizer
	metrics        metrics.MetricsCollector
	logger         *slog.Logger
	maxConcurrency int
}

// NewSynchronizer はSynchronizerを生成する。
// maxConcurrencyが0以下の場合はデフォルト値8を使用する。
// sanitizerがnilの場合はHTMLを変更せずに送信する。
func NewSynchronizer(
	remote RemoteClient,
	creds CredentialSource,
	sanitizer security.HTMLSanitizer,
	m metrics.MetricsCollector,
	logger *slog.Logger,
	maxConcurrency int,
) *Synchronizer {
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}
	if sanitizer == nil {
		sanitizer = security.NopSanitizer{}
	}
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		remote:         remote,
		creds:          creds,
		sanitizer:      sanitizer,
		metrics:        m,
		logger:         logger,
		maxConcurrency: maxConcurrency,
	}
}

// Upsert はsourceItemIdとpinnedが一致するカードのHTMLを更新し、
// 一致するカードがなければ新規作成する。同じ引数で繰り返し呼んでも
// 一致するカードは1枚に収束する。
func (s *Synchronizer) Upsert(ctx context.Context, cred model.Credential, sourceItemID, html string, pinned bool) (*model.Card, error) {
	if sourceItemID == "" {
		return nil, ErrMissingSourceItemID
	}

	cards, err := s.remote.List(ctx, cred, model.CardFilter{
		SourceItemID: sourceItemID,
		IsPinned:     model.Bool(pinned),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list cards for %q: %w", sourceItemID, err)
	}

	if match := s.selectMatch(sourceItemID, cards); match != nil {
		return s.Patch(ctx, cred, match.ID, html)
	}

	return s.Insert(ctx, cred, InsertOptions{
		SourceItemID: sourceItemID,
		HTML:         html,
		IsPinned:     pinned,
	})
}

// selectMatch は一致したカードの中から更新対象を1枚選ぶ。
// created が最も新しいカードを優先し、同時刻または未設定の場合はリモートの返却順で先頭を選ぶ。
func (s *Synchronizer) selectMatch(sourceItemID string, cards []model.Card) *model.Card {
	if len(cards) == 0 {
		return nil
	}
	if len(cards) > 1 {
		s.logger.Warn("同一キーのカードが複数存在します",
			slog.String("source_item_id", sourceItemID),
			slog.Int("count", len(cards)),
		)
	}

	best := 0
	for i := 1; i < len(cards); i++ {
		if cards[i].Created.After(cards[best].Created) {
			best = i
		}
	}
	return &cards[best]
}

// Insert はカードを新規作成する。
func (s *Synchronizer) Insert(ctx context.Context, cred model.Credential, opts InsertOptions) (*model.Card, error) {
	created, err := s.remote.Insert(ctx, cred, model.Card{
		SourceItemID:  opts.SourceItemID,
		HTML:          s.sanitizer.Sanitize(opts.HTML),
		IsPinned:      opts.IsPinned,
		BundleID:      opts.BundleID,
		IsBundleCover: opts.IsBundleCover,
		MenuItems:     opts.MenuItems,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert card: %w", err)
	}
	return created, nil
}

// Patch はカードのHTMLを更新する。
func (s *Synchronizer) Patch(ctx context.Context, cred model.Credential, id, html string) (*model.Card, error) {
	updated, err := s.remote.Patch(ctx, cred, id, model.CardPatch{
		HTML: model.String(s.sanitizer.Sanitize(html)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to patch card %s: %w", id, err)
	}
	return updated, nil
}

// Delete はカードを削除する。
func (s *Synchronizer) Delete(ctx context.Context, cred model.Credential, id string) error {
	if err := s.remote.Delete(ctx, cred, id); err != nil {
		return fmt.Errorf("failed to delete card %s: %w", id, err)
	}
	return nil
}

// DeleteBundleFor は1ユーザーのバンドルに属するカードをすべて削除する。
// 個々のカードの削除失敗は他のカードの削除を妨げない。
// 削除できた枚数と、失敗があった場合はそれらをまとめたエラーを返す。
func (s *Synchronizer) DeleteBundleFor(ctx context.Context, cred model.Credential, bundleID string) (int, error) {
	if bundleID == "" {
		return 0, ErrMissingBundleID
	}

	cards, err := s.remote.List(ctx, cred, model.CardFilter{BundleID: bundleID})
	if err != nil {
		return 0, fmt.Errorf("failed to list bundle %q: %w", bundleID, err)
	}

	var (
		deleted int
		errs    []error
	)
	for _, c := range cards {
		if err := s.Delete(ctx, cred, c.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}

// UpsertAll は登録済みの全ユーザーに対してUpsertを行う。
// ユーザー単位の失敗はログに記録し、レポートに含める。
func (s *Synchronizer) UpsertAll(ctx context.Context, sourceItemID, html string, pinned bool) (FanOutReport, error) {
	if sourceItemID == "" {
		return FanOutReport{Operation: OpUpsertAll}, ErrMissingSourceItemID
	}

	report := s.fanOut(ctx, OpUpsertAll, func(ctx context.Context, _ model.Handle, cred model.Credential) (int, error) {
		if _, err := s.Upsert(ctx, cred, sourceItemID, html, pinned); err != nil {
			return 0, err
		}
		return 1, nil
	})
	return report, nil
}

// DeleteBundle は登録済みの全ユーザーからバンドルに属するカードを削除する。
func (s *Synchronizer) DeleteBundle(ctx context.Context, bundleID string) (FanOutReport, error) {
	if bundleID == "" {
		return FanOutReport{Operation: OpDeleteBundle}, ErrMissingBundleID
	}

	report := s.fanOut(ctx, OpDeleteBundle, func(ctx context.Context, _ model.Handle, cred model.Credential) (int, error) {
		return s.DeleteBundleFor(ctx, cred, bundleID)
	})
	return report, nil
}

// fanOut は全クレデンシャルに対してfnを並列実行する。
// semaphoreパターンで最大並列数を制御する。空のクレデンシャルはスキップする。
func (s *Synchronizer) fanOut(
	ctx context.Context,
	op string,
	fn func(ctx context.Context, handle model.Handle, cred model.Credential) (int, error),
) FanOutReport {
	start := time.Now()
	creds := s.creds.All()

	var (
		total, skipped int
		succeeded      atomic.Int64
		items          atomic.Int64
		mu             sync.Mutex
		failed         []HandleFailure
	)

	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for i, cred := range creds {
		if cred.IsZero() {
			skipped++
			continue
		}
		total++

		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(h model.Handle, c model.Credential) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			n, err := fn(ctx, h, c)
			items.Add(int64(n))
			if err != nil {
				s.logger.Error("ユーザー単位の同期処理に失敗しました",
					slog.String("operation", op),
					slog.Int("handle", int(h)),
					slog.String("error", err.Error()),
				)
				mu.Lock()
				failed = append(failed, HandleFailure{Handle: h, Error: err.Error()})
				mu.Unlock()
				return
			}
			succeeded.Add(1)
		}(model.Handle(i), cred)
	}

	wg.Wait()

	sort.Slice(failed, func(i, j int) bool { return failed[i].Handle < failed[j].Handle })

	report := FanOutReport{
		Operation: op,
		Total:     total,
		Succeeded: int(succeeded.Load()),
		Skipped:   skipped,
		Items:     int(items.Load()),
		Failed:    failed,
	}
	s.metrics.RecordFanOut(op, report.Succeeded, len(report.Failed))

	s.logger.Info("ファンアウト処理が完了しました",
		slog.String("operation", op),
		slog.Int("total", report.Total),
		slog.Int("succeeded", report.Succeeded),
		slog.Int("failed", len(report.Failed)),
		slog.Int("items", report.Items),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return report
}
