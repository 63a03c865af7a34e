// Package models はアプリケーションで使用するデータ構造を定義します
package models

// 参加者のステータス値
const (
	StatusActive   = "active"   // 在室中
	StatusInactive = "inactive" // 一時的に非アクティブ（タブ非表示など）
	StatusLeft     = "left"     // 退出済み
)

// ルームの公開範囲
const (
	VisibilityPublic  = "public"  // 誰でも参加可能
	VisibilityPrivate = "private" // 参加コードまたは承認が必要
)

// Participant はルーム内の1人の参加者の情報を表します
// 在室状態（ハートビート）とロール（ホストかどうか）のメタデータを持ちます
type Participant struct {
	Id                 string `json:"id"`                           // ユーザーの一意な識別子
	DisplayName        string `json:"displayName"`                  // 表示名
	InstrumentId       string `json:"instrumentId"`                 // 演奏中の楽器ID
	AvatarRef          string `json:"avatarRef,omitempty"`          // アバター画像への参照（オプショナル）
	IsHost             bool   `json:"isHost"`                       // ホスト権限を持つかどうか
	Status             string `json:"status"`                       // ステータス（active / inactive / left）
	IsInRoom           bool   `json:"isInRoom"`                     // タブがフォアグラウンドで在室中かどうか
	JoinedAt           int64  `json:"joinedAt"`                     // 参加日時（Unixミリ秒）
	LeftAt             int64  `json:"leftAt,omitempty"`             // 退出日時（Unixミリ秒、オプショナル）
	LastSeen           int64  `json:"lastSeen,omitempty"`           // 最終確認日時（Unixミリ秒）
	HeartbeatTimestamp int64  `json:"heartbeatTimestamp,omitempty"` // 最後のハートビート日時（Unixミリ秒）
}

// Room は1つの共有セッションとその参加者一覧を表します
// ドキュメントストア上の単一ドキュメントとして全クライアントから共有されます
type Room struct {
	Id                          string        `json:"id"`                          // ルームの一意な識別子
	Name                        string        `json:"name"`                        // ルーム名
	Visibility                  string        `json:"visibility"`                  // 公開範囲（public / private）
	MaxParticipants             int           `json:"maxParticipants"`             // 最大参加人数
	HostId                      string        `json:"hostId"`                      // ホストのユーザーID
	HostInstrumentId            string        `json:"hostInstrumentId"`            // ホストが演奏中の楽器ID
	Participants                []Participant `json:"participants"`                // 参加者一覧（順序あり）
	ParticipantIds              []string      `json:"participantIds"`              // 参加者IDのセット（participants のミラー）
	PendingJoinRequests         []string      `json:"pendingJoinRequests"`         // 参加承認待ちのユーザーID
	LastActivityTimestamp       int64         `json:"lastActivityTimestamp"`       // 最終アクティビティ日時（Unixミリ秒）
	LastInstrumentPlayTimestamp int64         `json:"lastInstrumentPlayTimestamp"` // 最後に楽器が演奏された日時（Unixミリ秒）
	AutoCloseAfterInactivity    bool          `json:"autoCloseAfterInactivity"`    // 非アクティブ時に自動クローズするかどうか
	InactivityTimeoutMinutes    int           `json:"inactivityTimeoutMinutes"`    // 自動クローズまでの分数
	ChatDisabled                bool          `json:"chatDisabled"`                // チャット無効フラグ（ホストは常に送信可能）
	JoinCode                    string        `json:"joinCode,omitempty"`          // プライベートルームの参加コード（オプショナル）
	AllowDifferentInstruments   bool          `json:"allowDifferentInstruments"`   // 参加者ごとに異なる楽器を許可するかどうか

	// StoredMemberIds はストアに書かれていた時点の participantIds をそのまま保持します
	// 正規化後の ParticipantIds は participants との整合が取られるため、
	// 「ルームに誰もいない」判定にはこちらを使います
	StoredMemberIds []string `json:"-"`
}

// ChatMessage はルームチャットの1件のメッセージを表します
type ChatMessage struct {
	Id         string `json:"id"`               // メッセージの一意な識別子（時系列順にソート可能）
	SenderId   string `json:"senderId"`         // 送信者のユーザーID
	SenderName string `json:"senderName"`       // 送信者の表示名
	Text       string `json:"text"`             // 本文
	Timestamp  int64  `json:"timestampEpochMs"` // 送信日時（Unixミリ秒）
	Read       bool   `json:"read"`             // 既読フラグ
}
