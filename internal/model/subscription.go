package model

// Subscription はクレデンシャルごとにリモートサービスへ登録する通知購読。
// UserTokenにはハンドルを文字列化して格納し、通知の送信元ユーザーを逆引きする。
type Subscription struct {
	ID          string   `json:"id,omitempty"`
	CallbackURL string   `json:"callbackUrl"`
	Collection  string   `json:"collection"`
	Operation   []string `json:"operation"`
	UserToken   string   `json:"userToken"`
	VerifyToken string   `json:"verifyToken"`
}

// Contact はユーザーのタイムラインに登録する共有先コンタクト。
type Contact struct {
	ID             string          `json:"id"`
	DisplayName    string          `json:"displayName"`
	SpeakableName  string          `json:"speakableName,omitempty"`
	ImageURLs      []string        `json:"imageUrls,omitempty"`
	Priority       int             `json:"priority,omitempty"`
	AcceptCommands []AcceptCommand `json:"acceptCommands,omitempty"`
}

// 共有先コンタクトの既定値。
const (
	DefaultContactPriority    = 7
	AcceptCommandPostAnUpdate = "POST_AN_UPDATE"
)

// TimelineCollection は購読対象のコレクション名。
const TimelineCollection = "timeline"

// AcceptCommand はコンタクトが受け付ける音声コマンド。
type AcceptCommand struct {
	Type string `json:"type"`
}
