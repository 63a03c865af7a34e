// Package chat はルームチャットのメッセージ購読と送信ゲートを実装します
// ストアの配信順はタイムスタンプ順と一致しないため、受信のたびに明示的に
// ソートし直します
package chat

import (
	"context"
	"errors"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/jamstage/room-server/internal/idgen"
	"github.com/jamstage/room-server/internal/models"
	"github.com/jamstage/room-server/internal/room"
	"github.com/jamstage/room-server/internal/store"
)

// 送信ゲートのエラー
var (
	ErrNotParticipant = errors.New("chat: not a participant")
	ErrChatDisabled   = errors.New("chat: chat is disabled in this room")
	ErrEmptyMessage   = errors.New("chat: empty message")
)

// Update はチャット状態の1回分のスナップショットです
type Update struct {
	Messages    []models.ChatMessage `json:"messages"`    // タイムスタンプ昇順
	UnreadCount int                  `json:"unreadCount"` // 未読数
}

// Channel は1つのルームセッションのチャットチャンネルです
// メッセージコレクションを購読し、順序の保証と未読数の計算を行います
type Channel struct {
	st       store.DocStore
	clock    room.Clock
	roomId   string
	selfId   string
	selfName string
	onUpdate func(Update)

	mu       sync.Mutex
	messages []models.ChatMessage
	lastSeen int64 // 既読マーカー（Unixミリ秒）
	unread   int
	unsub    store.Unsubscribe
	closed   bool
}

func NewChannel(st store.DocStore, clock room.Clock, roomId, selfId, selfName string, onUpdate func(Update)) *Channel {
	return &Channel{
		st:       st,
		clock:    clock,
		roomId:   roomId,
		selfId:   selfId,
		selfName: selfName,
		onUpdate: onUpdate,
	}
}

// Start はメッセージコレクションの購読を開始します
// 既読マーカーは購読開始時点に初期化されます
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || c.unsub != nil {
		c.mu.Unlock()
		return errors.New("chat: channel already started or closed")
	}
	c.lastSeen = c.clock.Now().UnixMilli()
	c.mu.Unlock()

	unsub, err := c.st.SubscribeCollection(ctx, store.ChatPath(c.roomId), c.handleBatch, c.handleError)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		unsub()
		return nil
	}
	c.unsub = unsub
	c.mu.Unlock()
	return nil
}

// handleBatch は受信したメッセージ群を正規化・ソートして未読数を計算します
func (c *Channel) handleBatch(items []map[string]any) {
	msgs := make([]models.ChatMessage, 0, len(items))
	for _, item := range items {
		m := decodeMessage(item)
		if m.Id == "" {
			continue
		}
		msgs = append(msgs, m)
	}
	// 配信順は信用せず、常にタイムスタンプ昇順に並べ直す
	// 同時刻は ID（ULID）で安定させる
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].Id < msgs[j].Id
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.messages = msgs
	c.unread = c.countUnreadLocked()
	u := c.updateLocked()
	c.mu.Unlock()

	c.emit(u)
}

func (c *Channel) handleError(err error) {
	log.Printf("chat subscription error (roomId=%s): %v", c.roomId, err)
}

// countUnreadLocked は既読マーカー以降の、自分以外からのメッセージ数を返します
func (c *Channel) countUnreadLocked() int {
	n := 0
	for _, m := range c.messages {
		if m.SenderId != c.selfId && m.Timestamp > c.lastSeen {
			n++
		}
	}
	return n
}

func (c *Channel) updateLocked() Update {
	msgs := make([]models.ChatMessage, len(c.messages))
	copy(msgs, c.messages)
	return Update{Messages: msgs, UnreadCount: c.unread}
}

func (c *Channel) emit(u Update) {
	if c.onUpdate != nil {
		c.onUpdate(u)
	}
}

// Send はメッセージを送信します
// ネットワークに出る前に以下を検査して即座に失敗させます:
//   - 送信者がルームの参加者でない
//   - チャットが無効（ただしホストは送信可能）
//   - 本文が空または空白のみ
//
// 送信成功後はルームの最終アクティビティをベストエフォートで更新します
// （この更新の失敗は送信自体を失敗させません）
func (c *Channel) Send(ctx context.Context, r models.Room, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	isParticipant, isHost, _ := room.DeriveUserStatus(c.selfId, r)
	if !isParticipant {
		return ErrNotParticipant
	}
	if r.ChatDisabled && !isHost {
		return ErrChatDisabled
	}

	msg := models.ChatMessage{
		Id:         idgen.NewULID(),
		SenderId:   c.selfId,
		SenderName: c.selfName,
		Text:       text,
		Timestamp:  c.clock.Now().UnixMilli(),
	}
	if err := c.st.AddToCollection(ctx, store.ChatPath(c.roomId), msg.Id, msg); err != nil {
		return err
	}

	if err := c.st.UpdateFields(ctx, store.RoomPath(c.roomId), map[string]any{
		"lastActivityTimestamp": msg.Timestamp,
	}); err != nil {
		log.Printf("chat: failed to touch room activity (roomId=%s): %v", c.roomId, err)
	}
	return nil
}

// MarkRead は既読マーカーを現在時刻に進め、未読数をゼロにします
func (c *Channel) MarkRead() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.lastSeen = c.clock.Now().UnixMilli()
	c.unread = 0
	u := c.updateLocked()
	c.mu.Unlock()

	c.emit(u)
}

// Messages は現在のメッセージ一覧（タイムスタンプ昇順）を返します
func (c *Channel) Messages() []models.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := make([]models.ChatMessage, len(c.messages))
	copy(msgs, c.messages)
	return msgs
}

// UnreadCount は現在の未読数を返します
func (c *Channel) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread
}

// Close は購読を解除します（二重呼び出しは安全）
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsub := c.unsub
	c.unsub = nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// decodeMessage は生のメッセージドキュメントを寛容にデコードします
func decodeMessage(m map[string]any) models.ChatMessage {
	msg := models.ChatMessage{}
	if v, ok := m["id"].(string); ok {
		msg.Id = v
	}
	if v, ok := m["senderId"].(string); ok {
		msg.SenderId = v
	}
	if v, ok := m["senderName"].(string); ok {
		msg.SenderName = v
	}
	if v, ok := m["text"].(string); ok {
		msg.Text = v
	}
	if v, ok := m["timestampEpochMs"].(float64); ok {
		msg.Timestamp = int64(v)
	}
	if v, ok := m["read"].(bool); ok {
		msg.Read = v
	}
	return msg
}
