package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// UserAction は通知に含まれるユーザー操作。
type UserAction struct {
	Type    string `json:"type"`
	Payload string `json:"payload,omitempty"`
}

// Notification はWebhookで受信する通知ペイロード。
// userTokenは購読登録時に渡したハンドル。
type Notification struct {
	Collection  string       `json:"collection,omitempty"`
	ItemID      string       `json:"itemId,omitempty"`
	Operation   string       `json:"operation,omitempty"`
	UserToken   UserToken    `json:"userToken"`
	VerifyToken string       `json:"verifyToken"`
	UserActions []UserAction `json:"userActions,omitempty"`
}

// UserToken は通知のuserTokenフィールド。
// JSON数値と数値文字列の両方を受け付ける。
type UserToken string

// UnmarshalJSON は数値・文字列どちらの表現も生の文字列として保持する。
func (t *UserToken) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = UserToken(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("userToken must be a number or string: %w", err)
	}
	*t = UserToken(n.String())
	return nil
}

// Handle はuserTokenをハンドルとして解釈する。
// 非負の整数として解釈できない場合はfalseを返す。
func (t UserToken) Handle() (Handle, bool) {
	n, err := strconv.Atoi(string(t))
	if err != nil || n < 0 {
		return 0, false
	}
	return Handle(n), true
}

// FormatHandle はハンドルを購読登録用のuserToken文字列に変換する。
func FormatHandle(h Handle) string {
	return strconv.Itoa(int(h))
}
