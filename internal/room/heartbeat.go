package room

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/jamstage/room-server/internal/models"
	"github.com/jamstage/room-server/internal/store"
)

// Heartbeat は自分の participant エントリに定期的に在室情報を書き込みます
// 書き込みは「リスト全体を読み、”自分のエントリだけ”を差し替えて書き戻す」方式で、
// 他クライアントのハートビートとは安全に並行できます（他フィールドとの競合は
// last-write-wins として許容）
//
// ハートビートの書き込み失敗はログに残すだけで呼び出し元には伝えません
// 次のティックで自己回復するためです
type Heartbeat struct {
	st       store.DocStore
	clock    Clock
	roomId   string
	userId   string
	interval time.Duration

	mu      sync.Mutex
	visible bool
	timer   *Deferred
	stopped bool
}

func NewHeartbeat(st store.DocStore, clock Clock, roomId, userId string, interval time.Duration) *Heartbeat {
	return &Heartbeat{
		st:       st,
		clock:    clock,
		roomId:   roomId,
		userId:   userId,
		interval: interval,
		visible:  true,
	}
}

// Start は即座に1回ハートビートを送り、以降は一定間隔で送り続けます
func (h *Heartbeat) Start() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.scheduleLocked()
	visible := h.visible
	h.mu.Unlock()
	h.beat(visible)
}

func (h *Heartbeat) scheduleLocked() {
	h.timer = h.clock.AfterFunc(h.interval, h.tick)
}

func (h *Heartbeat) tick() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.scheduleLocked()
	visible := h.visible
	h.mu.Unlock()
	h.beat(visible)
}

// SetVisible はタブの表示状態の変化を反映します
// フォアグラウンド復帰／バックグラウンド化のたびに即座に1回書き込みます
func (h *Heartbeat) SetVisible(visible bool) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.visible = visible
	h.mu.Unlock()
	h.beat(visible)
}

// Stop はハートビートを停止し、最後に isInRoom=false をベストエフォートで書き込みます
// 二重呼び出しは安全です
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.timer.Cancel()
	h.mu.Unlock()
	h.beat(false)
}

// beat は自分のエントリだけを更新した participants リストを書き戻します
// 自分がリストに存在しない場合（退出済み・除外済み）は何も書きません
func (h *Heartbeat) beat(visible bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := h.st.GetOne(ctx, store.RoomPath(h.roomId))
	if err != nil {
		log.Printf("heartbeat read failed (roomId=%s, userId=%s): %v", h.roomId, h.userId, err)
		return
	}
	r := Normalize(raw)

	now := h.clock.Now().UnixMilli()
	found := false
	participants := make([]models.Participant, len(r.Participants))
	for i, p := range r.Participants {
		if p.Id == h.userId {
			p.LastSeen = now
			p.HeartbeatTimestamp = now
			p.IsInRoom = visible
			found = true
		}
		participants[i] = p
	}
	if !found {
		return
	}

	err = h.st.UpdateFields(ctx, store.RoomPath(h.roomId), map[string]any{
		"participants": participants,
	})
	if err != nil {
		log.Printf("heartbeat write failed (roomId=%s, userId=%s): %v", h.roomId, h.userId, err)
	}
}
