package model

import (
	"errors"
	"fmt"
)

// ErrCredentialNotFound はハンドルに対応するクレデンシャルが存在しないことを示す。
var ErrCredentialNotFound = errors.New("credential not found")

// ErrTemplateNotFound は指定名のカードテンプレートが読み込まれていないことを示す。
var ErrTemplateNotFound = errors.New("card template not found")

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, sync, system
	Action   string // 利用者向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeTemplateNotFound = "TEMPLATE_NOT_FOUND"
	ErrCodeTemplateRender   = "TEMPLATE_RENDER_FAILED"
	ErrCodeNoCredentials    = "NO_CREDENTIALS"
)

// NewInvalidRequestError はリクエスト不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewUnauthorizedError は管理APIの認証失敗エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "Authorizationヘッダーに管理トークンを指定してください。",
	}
}

// NewTemplateNotFoundError はテンプレート未検出エラーを生成する。
func NewTemplateNotFoundError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeTemplateNotFound,
		Message:  fmt.Sprintf("指定されたカードテンプレートが見つかりません: %s", name),
		Category: "validation",
		Action:   "CARD_TEMPLATE_DIR に配置したテンプレート名を確認してください。",
	}
}

// NewTemplateRenderError はテンプレート描画失敗エラーを生成する。
func NewTemplateRenderError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeTemplateRender,
		Message:  fmt.Sprintf("カードテンプレートの描画に失敗しました: %s", name),
		Category: "validation",
		Action:   "テンプレートに渡すデータを確認してください。",
	}
}

// NewNoCredentialsError は登録済みユーザーが存在しないエラーを生成する。
func NewNoCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeNoCredentials,
		Message:  "登録済みのユーザーが存在しません。",
		Category: "sync",
		Action:   "/authorize からユーザーを登録してください。",
	}
}
