package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/cardsync/internal/card"
	"github.com/hitoshi/cardsync/internal/middleware"
	"github.com/hitoshi/cardsync/internal/model"
)

// maxAdminBodyBytes は管理APIのリクエストボディの上限。
const maxAdminBodyBytes = 1 << 20

// CardSyncer は管理APIが必要とするファンアウト操作のインターフェース。
type CardSyncer interface {
	UpsertAll(ctx context.Context, sourceItemID, html string, pinned bool) (card.FanOutReport, error)
	DeleteBundle(ctx context.Context, bundleID string) (card.FanOutReport, error)
}

// TemplateRenderer は名前付きカードテンプレートを描画する。
type TemplateRenderer interface {
	Render(name string, data any) (string, error)
}

// CredentialCounter は登録済みクレデンシャル数を返す。
type CredentialCounter interface {
	Len() int
}

// upsertCardRequest はカード更新リクエストのボディ。
// htmlとtemplateはどちらか一方を指定する。
type upsertCardRequest struct {
	HTML     string          `json:"html"`
	Template string          `json:"template"`
	Data     json.RawMessage `json:"data"`
	Pinned   bool            `json:"pinned"`
}

// AdminHandler は全ユーザーへのカード配信を行う管理APIのハンドラー。
type AdminHandler struct {
	syncer    CardSyncer
	templates TemplateRenderer
	creds     CredentialCounter
	logger    *slog.Logger
}

// NewAdminHandler はAdminHandlerを生成する。templatesはnilでもよい。
func NewAdminHandler(syncer CardSyncer, templates TemplateRenderer, creds CredentialCounter, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{
		syncer:    syncer,
		templates: templates,
		creds:     creds,
		logger:    logger,
	}
}

// UpsertCard は全ユーザーのタイムラインでsourceItemIdのカードを作成または更新する。
// PUT /api/cards/{sourceItemId}
func (h *AdminHandler) UpsertCard(w http.ResponseWriter, r *http.Request) {
	sourceItemID := chi.URLParam(r, "sourceItemId")

	var req upsertCardRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBodyBytes)).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("JSONを解析できません"))
		return
	}

	html, ok := h.resolveHTML(w, req)
	if !ok {
		return
	}

	if h.creds.Len() == 0 {
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewNoCredentialsError())
		return
	}

	report, err := h.syncer.UpsertAll(r.Context(), sourceItemID, html, req.Pinned)
	if err != nil {
		h.writeSyncError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, report)
}

// DeleteBundle は全ユーザーのタイムラインからバンドルに属するカードを削除する。
// DELETE /api/bundles/{bundleId}
func (h *AdminHandler) DeleteBundle(w http.ResponseWriter, r *http.Request) {
	bundleID := chi.URLParam(r, "bundleId")

	report, err := h.syncer.DeleteBundle(r.Context(), bundleID)
	if err != nil {
		h.writeSyncError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, report)
}

// ListCredentials は登録済みユーザー数を返す。トークンは返さない。
// GET /api/credentials
func (h *AdminHandler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]int{"count": h.creds.Len()})
}

// resolveHTML はリクエストから配信するHTMLを決定する。
// エラーレスポンスを書き込んだ場合はfalseを返す。
func (h *AdminHandler) resolveHTML(w http.ResponseWriter, req upsertCardRequest) (string, bool) {
	switch {
	case req.HTML != "" && req.Template != "":
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("htmlとtemplateは同時に指定できません"))
		return "", false
	case req.HTML != "":
		return req.HTML, true
	case req.Template == "":
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("htmlまたはtemplateが必要です"))
		return "", false
	}

	if h.templates == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewTemplateNotFoundError(req.Template))
		return "", false
	}

	var data any
	if len(req.Data) > 0 {
		if err := json.Unmarshal(req.Data, &data); err != nil {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("dataを解析できません"))
			return "", false
		}
	}

	html, err := h.templates.Render(req.Template, data)
	switch {
	case errors.Is(err, model.ErrTemplateNotFound):
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewTemplateNotFoundError(req.Template))
		return "", false
	case err != nil:
		h.logger.Warn("failed to render card template",
			slog.String("template", req.Template),
			slog.String("error", err.Error()),
		)
		middleware.WriteErrorResponse(w, http.StatusUnprocessableEntity, model.NewTemplateRenderError(req.Template))
		return "", false
	}
	return html, true
}

func (h *AdminHandler) writeSyncError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, card.ErrMissingSourceItemID):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("sourceItemIdが必要です"))
	case errors.Is(err, card.ErrMissingBundleID):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("bundleIdが必要です"))
	default:
		h.logger.Error("fan-out failed", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
	}
}
