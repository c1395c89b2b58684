// Package model はドメインモデルを定義する。
package model

import "time"

// Handle は登録済みクレデンシャルを識別する0始まりの整数。
// 登録順に採番され、再利用・再採番されることはない。
type Handle int

// Credential はユーザー1人分のOAuthアクセストークン/リフレッシュトークンの組。
// JSONフィールド名はクレデンシャルファイルの永続化フォーマットと一致する。
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitzero"`
}

// IsZero はアクセストークンもリフレッシュトークンも持たない場合にtrueを返す。
func (c Credential) IsZero() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}
