package model

import "time"

// MenuAction はカードのメニュー項目に設定する組み込みアクション。
type MenuAction string

const (
	MenuActionDelete       MenuAction = "DELETE"
	MenuActionTogglePinned MenuAction = "TOGGLE_PINNED"
	MenuActionReply        MenuAction = "REPLY"
	MenuActionReadAloud    MenuAction = "READ_ALOUD"
	MenuActionCustom       MenuAction = "CUSTOM"
)

// MenuItem はカードに付与するメニュー項目。
type MenuItem struct {
	ID      string     `json:"id,omitempty"`
	Action  MenuAction `json:"action"`
	Payload string     `json:"payload,omitempty"`
}

// DefaultMenuItems は呼び出し元がメニュー項目を指定しなかった場合に適用される既定値を返す。
func DefaultMenuItems() []MenuItem {
	return []MenuItem{
		{Action: MenuActionDelete},
		{Action: MenuActionTogglePinned},
	}
}

// Card はユーザーのタイムライン上のカード（リモートリソース）を表す。
// 正本はリモートサービス側にあり、ローカルには保存しない。
type Card struct {
	ID            string     `json:"id,omitempty"`
	SourceItemID  string     `json:"sourceItemId,omitempty"`
	IsPinned      bool       `json:"isPinned,omitempty"`
	BundleID      string     `json:"bundleId,omitempty"`
	IsBundleCover bool       `json:"isBundleCover,omitempty"`
	HTML          string     `json:"html,omitempty"`
	Text          string     `json:"text,omitempty"`
	MenuItems     []MenuItem `json:"menuItems,omitempty"`
	Created       time.Time  `json:"created,omitzero"`
	Updated       time.Time  `json:"updated,omitzero"`
}

// CardPatch はカードの部分更新で送信するフィールド。
// nilのフィールドは送信しない。
type CardPatch struct {
	HTML      *string    `json:"html,omitempty"`
	IsPinned  *bool      `json:"isPinned,omitempty"`
	MenuItems []MenuItem `json:"menuItems,omitempty"`
}

// CardFilter はカード一覧取得時の絞り込み条件。
// ゼロ値のフィールドは条件に含めない。
type CardFilter struct {
	SourceItemID string
	IsPinned     *bool
	BundleID     string
}

// Bool はbool値へのポインタを返す。
func Bool(v bool) *bool {
	return &v
}

// String はstring値へのポインタを返す。
func String(v string) *string {
	return &v
}
