// Package cardtemplate はディレクトリ配下のカードHTMLテンプレートを読み込み、描画する。
package cardtemplate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/hitoshi/cardsync/internal/model"
)

// テンプレートファイルの拡張子。拡張子を除いたファイル名がテンプレート名になる。
const templateExt = ".html"

// Status はテンプレートディレクトリの読み込み結果。
type Status int

const (
	// NotConfigured はテンプレートディレクトリが設定されていないことを示す。
	NotConfigured Status = iota
	// Loaded はディレクトリを読み込んだことを示す（0件の場合を含む）。
	Loaded
)

// String はログ出力用の表記を返す。
func (s Status) String() string {
	switch s {
	case NotConfigured:
		return "not_configured"
	case Loaded:
		return "loaded"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Registry は名前付きのカードテンプレートを保持する。
// 再読み込みと描画は並行に呼び出してよい。
type Registry struct {
	dir    string
	logger *slog.Logger

	mu        sync.RWMutex
	templates map[string]*template.Template
}

// Load はdir配下の*.htmlを読み込んでRegistryを生成する。
//
// dirが空の場合はNotConfiguredを返す。ディレクトリが読めない場合はエラーを返すが、
// Registryは空の状態で利用できる。個々のファイルの解析失敗はまとめてエラーとして返し、
// 解析できたテンプレートは登録する。
func Load(dir string, logger *slog.Logger) (*Registry, Status, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		dir:       dir,
		logger:    logger,
		templates: make(map[string]*template.Template),
	}
	if dir == "" {
		return r, NotConfigured, nil
	}
	if err := r.Reload(); err != nil {
		return r, Loaded, err
	}
	return r, Loaded, nil
}

// Dir は読み込み元のディレクトリを返す。
func (r *Registry) Dir() string {
	return r.dir
}

// Reload はディレクトリを読み直してテンプレートを置き換える。
// ディレクトリ自体が読めない場合は既存のテンプレートを保持する。
func (r *Registry) Reload() error {
	if r.dir == "" {
		return nil
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("failed to read card template directory %s: %w", r.dir, err)
	}

	loaded := make(map[string]*template.Template)
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !isTemplateFile(entry.Name()) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), templateExt)
		path := filepath.Join(r.dir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("read %s: %w", path, err))
			continue
		}
		tmpl, err := template.New(name).Parse(string(data))
		if err != nil {
			errs = append(errs, fmt.Errorf("parse %s: %w", path, err))
			continue
		}
		loaded[name] = tmpl
	}

	r.mu.Lock()
	r.templates = loaded
	r.mu.Unlock()

	r.logger.Info("カードテンプレートを読み込みました",
		slog.String("dir", r.dir),
		slog.Int("count", len(loaded)),
	)
	return errors.Join(errs...)
}

// Render は名前付きテンプレートをdataで描画する。
// 未登録の名前の場合はmodel.ErrTemplateNotFoundを返す。
func (r *Registry) Render(name string, data any) (string, error) {
	r.mu.RLock()
	tmpl, ok := r.templates[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", model.ErrTemplateNotFound, name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render card template %s: %w", name, err)
	}
	return buf.String(), nil
}

// Names は登録済みのテンプレート名を昇順で返す。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Watch はディレクトリの変更を監視し、テンプレートファイルが変わるたびに再読み込みする。
// ctxがキャンセルされるまでブロックする。
func (r *Registry) Watch(ctx context.Context) error {
	if r.dir == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", r.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !shouldReload(ev) {
				continue
			}
			if err := r.Reload(); err != nil {
				r.logger.Warn("failed to reload card templates",
					slog.String("dir", r.dir),
					slog.String("error", err.Error()),
				)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("card template watcher error", slog.String("error", err.Error()))
		}
	}
}

// shouldReload はイベントがテンプレートの追加・更新・削除かを判定する。
// 属性変更のみのイベントは無視する。
func shouldReload(ev fsnotify.Event) bool {
	if !isTemplateFile(filepath.Base(ev.Name)) {
		return false
	}
	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) ||
		ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)
}

func isTemplateFile(name string) bool {
	return !strings.HasPrefix(name, ".") && strings.HasSuffix(name, templateExt)
}
