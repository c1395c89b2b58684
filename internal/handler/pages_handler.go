package handler

import (
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
)

// 静的ページのファイル名
const (
	indexPage   = "index.html"
	successPage = "success.html"
)

// 静的ページが配置されていない場合に返す組み込みHTML
const (
	fallbackIndexHTML = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>cardsync</title></head>
<body><h1>cardsync</h1><p><a href="/authorize">Get it on Glass</a></p></body></html>
`
	fallbackSuccessHTML = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>cardsync</title></head>
<body><h1>Success!</h1><p>Your account has been connected. You can close this page.</p></body></html>
`
)

// PagesHandler はトップページと登録完了ページを返す。
// ディレクトリにファイルがあればそれを、なければ組み込みHTMLを返す。
type PagesHandler struct {
	dir    string
	logger *slog.Logger
}

// NewPagesHandler はPagesHandlerを生成する。
func NewPagesHandler(dir string, logger *slog.Logger) *PagesHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PagesHandler{dir: dir, logger: logger}
}

// Index はトップページを返す。
// GET /
func (h *PagesHandler) Index(w http.ResponseWriter, r *http.Request) {
	h.serve(w, indexPage, fallbackIndexHTML)
}

// Success は登録完了ページを返す。
// GET /success
func (h *PagesHandler) Success(w http.ResponseWriter, r *http.Request) {
	h.serve(w, successPage, fallbackSuccessHTML)
}

func (h *PagesHandler) serve(w http.ResponseWriter, name, fallback string) {
	body := []byte(fallback)
	if h.dir != "" {
		data, err := os.ReadFile(filepath.Join(h.dir, name))
		switch {
		case err == nil:
			body = data
		case errors.Is(err, fs.ErrNotExist):
		default:
			h.logger.Warn("failed to read page, serving built-in page",
				slog.String("page", name),
				slog.String("error", err.Error()),
			)
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// Health はプロセスの稼働確認に応答する。
// GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
