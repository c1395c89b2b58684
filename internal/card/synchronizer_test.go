package card

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/cardsync/internal/model"
	"github.com/hitoshi/cardsync/internal/security"
)

// --- モック定義 ---

// fakeTimeline はアクセストークンごとのタイムラインを保持するRemoteClientのフェイク。
type fakeTimeline struct {
	mu     sync.Mutex
	nextID int
	cards  map[string][]model.Card // access token -> cards（返却順）
	calls  []string

	// listErr / deleteErr はトークンやカードIDごとの失敗を注入する。
	listErr   map[string]error
	deleteErr map[string]error
}

func newFakeTimeline() *fakeTimeline {
	return &fakeTimeline{
		cards:     make(map[string][]model.Card),
		listErr:   make(map[string]error),
		deleteErr: make(map[string]error),
	}
}

func (f *fakeTimeline) seed(token string, cards ...model.Card) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cards[token] = append(f.cards[token], cards...)
}

func (f *fakeTimeline) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeTimeline) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeTimeline) Insert(_ context.Context, cred model.Credential, card model.Card) (*model.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("insert:" + cred.AccessToken)
	f.nextID++
	card.ID = fmt.Sprintf("card-%d", f.nextID)
	f.cards[cred.AccessToken] = append(f.cards[cred.AccessToken], card)
	return &card, nil
}

func (f *fakeTimeline) Patch(_ context.Context, cred model.Credential, id string, patch model.CardPatch) (*model.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("patch:" + cred.AccessToken + ":" + id)
	for i := range f.cards[cred.AccessToken] {
		c := &f.cards[cred.AccessToken][i]
		if c.ID == id {
			if patch.HTML != nil {
				c.HTML = *patch.HTML
			}
			out := *c
			return &out, nil
		}
	}
	return nil, errors.New("not found")
}

func (f *fakeTimeline) Delete(_ context.Context, cred model.Credential, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete:" + cred.AccessToken + ":" + id)
	if err := f.deleteErr[id]; err != nil {
		return err
	}
	cards := f.cards[cred.AccessToken]
	for i := range cards {
		if cards[i].ID == id {
			f.cards[cred.AccessToken] = append(cards[:i:i], cards[i+1:]...)
			return nil
		}
	}
	return errors.New("not found")
}

func (f *fakeTimeline) List(_ context.Context, cred model.Credential, filter model.CardFilter) ([]model.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("list:" + cred.AccessToken)
	if err := f.listErr[cred.AccessToken]; err != nil {
		return nil, err
	}
	var out []model.Card
	for _, c := range f.cards[cred.AccessToken] {
		if filter.SourceItemID != "" && c.SourceItemID != filter.SourceItemID {
			continue
		}
		if filter.IsPinned != nil && c.IsPinned != *filter.IsPinned {
			continue
		}
		if filter.BundleID != "" && c.BundleID != filter.BundleID {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeTimeline) live(token string) []model.Card {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Card(nil), f.cards[token]...)
}

// staticCreds はCredentialSourceのモック。
type staticCreds []model.Credential

func (s staticCreds) All() []model.Credential {
	return append([]model.Credential(nil), s...)
}

// recordingMetrics はRecordFanOutの呼び出しを記録するメトリクスモック。
type recordingMetrics struct {
	mu     sync.Mutex
	fanOut []string
}

func (m *recordingMetrics) RecordRemoteCall(string, string, time.Duration) {}
func (m *recordingMetrics) RecordWebhook(string)                           {}
func (m *recordingMetrics) RecordCredentialRegistered()                    {}
func (m *recordingMetrics) RecordPersistFailure()                          {}
func (m *recordingMetrics) RecordFanOut(op string, succeeded, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fanOut = append(m.fanOut, fmt.Sprintf("%s:%d:%d", op, succeeded, failed))
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func tok(name string) model.Credential {
	return model.Credential{AccessToken: name}
}

func newTestSynchronizer(remote RemoteClient, creds CredentialSource, buf *bytes.Buffer) *Synchronizer {
	return NewSynchronizer(remote, creds, nil, nil, newTestLogger(buf), 2)
}

// --- テスト ---

func TestUpsert_InsertsWhenNoMatch(t *testing.T) {
	var buf bytes.Buffer
	remote := newFakeTimeline()
	s := newTestSynchronizer(remote, staticCreds{}, &buf)

	card, err := s.Upsert(context.Background(), tok("u0"), "score", "<p>1-0</p>", true)
	if err != nil {
		t.Fatalf("Upsert がエラーを返した: %v", err)
	}
	if card.SourceItemID != "score" || !card.IsPinned || card.HTML != "<p>1-0</p>" {
		t.Errorf("card = %+v", card)
	}
	if remote.count("insert:") != 1 || remote.count("patch:") != 0 {
		t.Errorf("calls = %v", remote.calls)
	}
}

func TestUpsert_IsIdempotent(t *testing.T) {
	var buf bytes.Buffer
	remote := newFakeTimeline()
	s := newTestSynchronizer(remote, staticCreds{}, &buf)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.Upsert(ctx, tok("u0"), "score", fmt.Sprintf("<p>%d</p>", i), true); err != nil {
			t.Fatalf("Upsert #%d がエラーを返した: %v", i, err)
		}
	}

	live := remote.live("u0")
	if len(live) != 1 {
		t.Fatalf("live cards = %d, want 1", len(live))
	}
	if live[0].HTML != "<p>2</p>" {
		t.Errorf("HTML = %q, want last value", live[0].HTML)
	}
	if remote.count("insert:") != 1 || remote.count("patch:") != 2 {
		t.Errorf("calls = %v", remote.calls)
	}
}

func TestUpsert_HonorsPinnedFlag(t *testing.T) {
	var buf bytes.Buffer
	remote := newFakeTimeline()
	remote.seed("u0", model.Card{ID: "pinned", SourceItemID: "score", IsPinned: true})
	s := newTestSynchronizer(remote, staticCreds{}, &buf)

	card, err := s.Upsert(context.Background(), tok("u0"), "score", "<p>x</p>", false)
	if err != nil {
		t.Fatalf("Upsert がエラーを返した: %v", err)
	}
	if card.ID == "pinned" || card.IsPinned {
		t.Errorf("unpinned upsert should not touch the pinned card: %+v", card)
	}
	if len(remote.live("u0")) != 2 {
		t.Errorf("live cards = %d, want 2", len(remote.live("u0")))
	}
}

func TestUpsert_TieBreakPrefersMostRecentlyCreated(t *testing.T) {
	var buf bytes.Buffer
	remote := newFakeTimeline()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	remote.seed("u0",
		model.Card{ID: "old", SourceItemID: "score", IsPinned: true, Created: base},
		model.Card{ID: "new", SourceItemID: "score", IsPinned: true, Created: base.Add(time.Hour)},
		model.Card{ID: "mid", SourceItemID: "score", IsPinned: true, Created: base.Add(time.Minute)},
	)
	s := newTestSynchronizer(remote, staticCreds{}, &buf)

	card, err := s.Upsert(context.Background(), tok("u0"), "score", "<p>x</p>", true)
	if err != nil {
		t.Fatalf("Upsert がエラーを返した: %v", err)
	}
	if card.ID != "new" {
		t.Errorf("patched card = %s, want new", card.ID)
	}
	if !strings.Contains(buf.String(), `"count":3`) {
		t.Errorf("duplicate warning should be logged, got: %s", buf.String())
	}
}

func TestUpsert_TieBreakFallsBackToProviderOrder(t *testing.T) {
	var buf bytes.Buffer
	remote := newFakeTimeline()
	remote.seed("u0",
		model.Card{ID: "first", SourceItemID: "score", IsPinned: true},
		model.Card{ID: "second", SourceItemID: "score", IsPinned: true},
	)
	s := newTestSynchronizer(remote, staticCreds{}, &buf)

	card, err := s.Upsert(context.Background(), tok("u0"), "score", "<p>x</p>", true)
	if err != nil {
		t.Fatalf("Upsert がエラーを返した: %v", err)
	}
	if card.ID != "first" {
		t.Errorf("patched card = %s, want first", card.ID)
	}
}

func TestUpsert_ListErrorDoesNotInsert(t *testing.T) {
	var buf bytes.Buffer
	remote := newFakeTimeline()
	remote.listErr["u0"] = errors.New("timeout")
	s := newTestSynchronizer(remote, staticCreds{}, &buf)

	if _, err := s.Upsert(context.Background(), tok("u0"), "score", "<p>x</p>", true); err == nil {
		t.Fatal("expected error")
	}
	if remote.count("insert:") != 0 {
		t.Error("一覧取得に失敗した場合は新規作成してはならない")
	}
}

func TestUpsert_RequiresSourceItemID(t *testing.T) {
	var buf bytes.Buffer
	remote := newFakeTimeline()
	s := newTestSynchronizer(remote, staticCreds{}, &buf)

	_, err := s.Upsert(context.Background(), tok("u0"), "", "<p>x</p>", true)
	if !errors.Is(err, ErrMissingSourceItemID) {
		t.Errorf("error = %v, want ErrMissingSourceItemID", err)
	}
	if len(remote.calls) != 0 {
		t.Errorf("calls = %v, want none", remote.calls)
	}
}

func TestUpsert_SanitizesHTML(t *testing.T) {
	var buf bytes.Buffer
	remote := newFakeTimeline()
	s := NewSynchronizer(remote, staticCreds{}, security.NewCardSanitizer(), nil, newTestLogger(&buf), 1)

	card, err := s.Upsert(context.Background(), tok("u0"), "score", `<article>ok<script>alert(1)</script></article>`, true)
	if err != nil {
		t.Fatalf("Upsert がエラーを返した: %v", err)
	}
	if strings.Contains(card.HTML, "script") {
		t.Errorf("HTML should be sanitized: %q", card.HTML)
	}
	if !strings.Contains(card.HTML, "<article>ok</article>") {
		t.Errorf("HTML = %q", card.HTML)
	}
}

func TestInsert_PassesBundleOptions(t *testing.T) {
	var buf bytes.Buffer
	remote := newFakeTimeline()
	s := newTestSynchronizer(remote, staticCreds{}, &buf)

	card, err := s.Insert(context.Background(), tok("u0"), InsertOptions{
		HTML:          "<p>cover</p>",
		BundleID:      "match-1",
		IsBundleCover: true,
	})
	if err != nil {
		t.Fatalf("Insert がエラーを返した: %v", err)
	}
	if card.BundleID != "match-1" || !card.IsBundleCover {
		t.Errorf("card = %+v", card)
	}
}

func TestUpsertAll_FansOutToEveryCredential(t *testing.T) {
	var buf bytes.Buffer
	remote := newFakeTimeline()
	remote.listErr["u2"] = errors.New("unavailable")
	m := &recordingMetrics{}
	creds := staticCreds{tok("u0"), tok("u1"), tok("u2"), {}, tok("u4")}
	s := NewSynchronizer(remote, creds, nil, m, newTestLogger(&buf), 2)

	report, err := s.UpsertAll(context.Background(), "score", "<p>1-0</p>", true)
	if err != nil {
		t.Fatalf("UpsertAll がエラーを返した: %v", err)
	}

	if report.Total != 4 || report.Succeeded != 3 || report.Skipped != 1 {
		t.Errorf("report = %+v", report)
	}
	if len(report.Failed) != 1 || report.Failed[0].Handle != 2 {
		t.Errorf("failed = %+v, want handle 2", report.Failed)
	}
	for _, token := range []string{"u0", "u1", "u4"} {
		if len(remote.live(token)) != 1 {
			t.Errorf("%s live cards = %d, want 1", token, len(remote.live(token)))
		}
	}
	if len(m.fanOut) != 1 || m.fanOut[0] != "upsert_all:3:1" {
		t.Errorf("metrics = %v", m.fanOut)
	}
}

func TestUpsertAll_NoCredentials(t *testing.T) {
	var buf bytes.Buffer
	s := newTestSynchronizer(newFakeTimeline(), staticCreds{}, &buf)

	report, err := s.UpsertAll(context.Background(), "score", "<p>x</p>", true)
	if err != nil {
		t.Fatalf("UpsertAll がエラーを返した: %v", err)
	}
	if report.Total != 0 || len(report.Failed) != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestDeleteBundle_ContinuesPastSingleFailure(t *testing.T) {
	var buf bytes.Buffer
	remote := newFakeTimeline()
	remote.seed("u0",
		model.Card{ID: "b1", BundleID: "match"},
		model.Card{ID: "b2", BundleID: "match"},
		model.Card{ID: "b3", BundleID: "match"},
		model.Card{ID: "b4", BundleID: "match"},
		model.Card{ID: "other", BundleID: "other"},
	)
	remote.deleteErr["b2"] = errors.New("internal error")
	s := newTestSynchronizer(remote, staticCreds{tok("u0")}, &buf)

	report, err := s.DeleteBundle(context.Background(), "match")
	if err != nil {
		t.Fatalf("DeleteBundle がエラーを返した: %v", err)
	}

	if remote.count("delete:") != 4 {
		t.Errorf("delete calls = %d, want 4", remote.count("delete:"))
	}
	live := remote.live("u0")
	if len(live) != 2 {
		t.Fatalf("live cards = %+v, want b2 and other", live)
	}
	ids := map[string]bool{live[0].ID: true, live[1].ID: true}
	if !ids["b2"] || !ids["other"] {
		t.Errorf("live cards = %+v", live)
	}
	if report.Items != 3 {
		t.Errorf("Items = %d, want 3", report.Items)
	}
	if len(report.Failed) != 1 || report.Failed[0].Handle != 0 {
		t.Errorf("failed = %+v", report.Failed)
	}
}

func TestDeleteBundle_IsolatesCredentials(t *testing.T) {
	var buf bytes.Buffer
	remote := newFakeTimeline()
	for _, token := range []string{"u0", "u1", "u2"} {
		remote.seed(token, model.Card{ID: token + "-a", BundleID: "match"}, model.Card{ID: token + "-b", BundleID: "match"})
	}
	remote.listErr["u1"] = errors.New("unauthorized")
	s := newTestSynchronizer(remote, staticCreds{tok("u0"), tok("u1"), tok("u2")}, &buf)

	report, err := s.DeleteBundle(context.Background(), "match")
	if err != nil {
		t.Fatalf("DeleteBundle がエラーを返した: %v", err)
	}

	if len(remote.live("u0")) != 0 || len(remote.live("u2")) != 0 {
		t.Error("他のユーザーのバンドルは削除されるべき")
	}
	if len(remote.live("u1")) != 2 {
		t.Error("一覧取得に失敗したユーザーのカードは残る")
	}
	if report.Succeeded != 2 || report.Items != 4 {
		t.Errorf("report = %+v", report)
	}
}

func TestDeleteBundle_RequiresBundleID(t *testing.T) {
	var buf bytes.Buffer
	remote := newFakeTimeline()
	remote.seed("u0", model.Card{ID: "a"})
	s := newTestSynchronizer(remote, staticCreds{tok("u0")}, &buf)

	if _, err := s.DeleteBundle(context.Background(), ""); !errors.Is(err, ErrMissingBundleID) {
		t.Errorf("error = %v, want ErrMissingBundleID", err)
	}
	if len(remote.live("u0")) != 1 {
		t.Error("空のbundleIdで削除してはならない")
	}
}

func TestDeleteBundleFor_ReturnsJoinedErrors(t *testing.T) {
	var buf bytes.Buffer
	remote := newFakeTimeline()
	remote.seed("u0",
		model.Card{ID: "a", BundleID: "m"},
		model.Card{ID: "b", BundleID: "m"},
		model.Card{ID: "c", BundleID: "m"},
	)
	errA := errors.New("a failed")
	errC := errors.New("c failed")
	remote.deleteErr["a"] = errA
	remote.deleteErr["c"] = errC
	s := newTestSynchronizer(remote, staticCreds{}, &buf)

	deleted, err := s.DeleteBundleFor(context.Background(), tok("u0"), "m")
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if !errors.Is(err, errA) || !errors.Is(err, errC) {
		t.Errorf("error should wrap both failures: %v", err)
	}
}

// blockingRemote は同時実行数を計測するRemoteClient。
type blockingRemote struct {
	*fakeTimeline
	mu      sync.Mutex
	active  int
	maxSeen int
}

func (b *blockingRemote) List(ctx context.Context, cred model.Credential, filter model.CardFilter) ([]model.Card, error) {
	b.mu.Lock()
	b.active++
	if b.active > b.maxSeen {
		b.maxSeen = b.active
	}
	b.mu.Unlock()

	time.Sleep(10 * time.Millisecond)

	b.mu.Lock()
	b.active--
	b.mu.Unlock()
	return b.fakeTimeline.List(ctx, cred, filter)
}

func TestFanOut_BoundsConcurrency(t *testing.T) {
	var buf bytes.Buffer
	remote := &blockingRemote{fakeTimeline: newFakeTimeline()}
	var creds staticCreds
	for i := 0; i < 12; i++ {
		creds = append(creds, tok(fmt.Sprintf("u%d", i)))
	}
	s := NewSynchronizer(remote, creds, nil, nil, newTestLogger(&buf), 3)

	report, err := s.UpsertAll(context.Background(), "score", "<p>x</p>", true)
	if err != nil {
		t.Fatalf("UpsertAll がエラーを返した: %v", err)
	}
	if report.Succeeded != 12 {
		t.Errorf("Succeeded = %d, want 12", report.Succeeded)
	}
	if remote.maxSeen > 3 {
		t.Errorf("max concurrency = %d, want <= 3", remote.maxSeen)
	}
}
