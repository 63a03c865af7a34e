package room

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/jamstage/room-server/internal/models"
	"github.com/jamstage/room-server/internal/notify"
	"github.com/jamstage/room-server/internal/store"
)

// CleanupTiming は空室クリーンアップのタイミング設定です
type CleanupTiming struct {
	Debounce       time.Duration // 空室判定の再評価を抑制する時間
	StaleThreshold time.Duration // ハートビート途絶の閾値
	JoinGrace      time.Duration // 参加直後の猶予（ハートビート未着でもアクティブ扱い）
	DestroyGrace   time.Duration // 空室と判断してから破棄するまでの猶予
}

// CleanupScheduler は放置されたルームを、一時的な再接続を巻き込まずに破棄します
//
// スナップショットごとに Evaluate が呼ばれ、
//  1. 前回の評価から Debounce 以内の呼び出しでは空室判定をスキップする
//  2. 「厳密にアクティブ」な参加者が1人もおらず、ストア上の participantIds が
//     空であれば、DestroyGrace 後に破棄するタイマーを仕掛ける
//  3. その後のスナップショットでアクティブな参加者が見つかれば即座にタイマーを
//     キャンセルする（このキャンセルはデバウンスの対象外）
//
// 仕掛かっていないタイマーへのキャンセルは安全な no-op です
type CleanupScheduler struct {
	st       store.DocStore
	clock    Clock
	nav      Navigator
	notifier notify.Notifier
	timing   CleanupTiming
	roomId   string

	mu           sync.Mutex
	lastEval     time.Time
	destroyTimer *Deferred
	armed        bool
	stopped      bool
}

func NewCleanupScheduler(st store.DocStore, clock Clock, nav Navigator, notifier notify.Notifier, roomId string, timing CleanupTiming) *CleanupScheduler {
	return &CleanupScheduler{
		st:       st,
		clock:    clock,
		nav:      nav,
		notifier: notifier,
		timing:   timing,
		roomId:   roomId,
	}
}

// strictlyActive は participant が「厳密にアクティブ」かどうかを判定します
// status==active かつ在室中で、ハートビートが新しいか参加直後であることが条件です
func (s *CleanupScheduler) strictlyActive(p models.Participant, now time.Time) bool {
	if p.Status != models.StatusActive || !p.IsInRoom {
		return false
	}
	nowMs := now.UnixMilli()
	if p.HeartbeatTimestamp > 0 && nowMs-p.HeartbeatTimestamp < s.timing.StaleThreshold.Milliseconds() {
		return true
	}
	if p.JoinedAt > 0 && nowMs-p.JoinedAt < s.timing.JoinGrace.Milliseconds() {
		return true
	}
	return false
}

func (s *CleanupScheduler) countStrictlyActive(r models.Room, now time.Time) int {
	n := 0
	for _, p := range r.Participants {
		if s.strictlyActive(p, now) {
			n++
		}
	}
	return n
}

// Evaluate はスナップショットを受けて破棄タイマーの状態を更新します
func (s *CleanupScheduler) Evaluate(r models.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	now := s.clock.Now()
	active := s.countStrictlyActive(r, now)

	// アクティブな参加者がいる限り、仕掛かり中のタイマーは必ず解除する
	// 破棄の誤発火を防ぐため、この経路はデバウンスしない
	if active > 0 {
		s.cancelLocked()
	}

	if !s.lastEval.IsZero() && now.Sub(s.lastEval) < s.timing.Debounce {
		return
	}
	s.lastEval = now

	// participants にエントリが残っていても participantIds が空なら
	// 「ルームに誰もいない」としてストア側の値を正とする
	if active == 0 && len(r.StoredMemberIds) == 0 && !s.armed {
		s.armed = true
		s.destroyTimer = s.clock.AfterFunc(s.timing.DestroyGrace, s.fire)
	}
}

// Cancel は仕掛かり中の破棄タイマーを解除します
// タイマーが仕掛かっていない場合は何も起きません
func (s *CleanupScheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

func (s *CleanupScheduler) cancelLocked() {
	s.destroyTimer.Cancel()
	s.destroyTimer = nil
	s.armed = false
}

// Stop はスケジューラを停止し、以降の評価と発火を止めます
func (s *CleanupScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.cancelLocked()
}

// fire は猶予が切れたルームを破棄します
// チャットのコレクション → ルームドキュメントの順に消し、クライアントを退避させます
// 破棄に失敗しても自動リトライはせず、次のスナップショットで再評価されるのを待ちます
func (s *CleanupScheduler) fire() {
	s.mu.Lock()
	if s.stopped || !s.armed {
		s.mu.Unlock()
		return
	}
	s.armed = false
	s.destroyTimer = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.st.DeleteCollection(ctx, store.ChatPath(s.roomId)); err != nil {
		log.Printf("cleanup: failed to delete chat collection (roomId=%s): %v", s.roomId, err)
		s.notifier.Emit(notify.Notification{
			Title:    "ルームの削除に失敗しました",
			Message:  "時間をおいて再度お試しください",
			Severity: notify.SeverityError,
		})
		return
	}
	if err := s.st.DeleteOne(ctx, store.RoomPath(s.roomId)); err != nil {
		log.Printf("cleanup: failed to delete room (roomId=%s): %v", s.roomId, err)
		s.notifier.Emit(notify.Notification{
			Title:    "ルームの削除に失敗しました",
			Message:  "時間をおいて再度お試しください",
			Severity: notify.SeverityError,
		})
		return
	}

	log.Printf("cleanup: abandoned room destroyed (roomId=%s)", s.roomId)
	s.notifier.Emit(notify.Notification{
		Title:    "ルームを終了しました",
		Message:  "参加者がいなくなったためルームを閉じました",
		Severity: notify.SeverityInfo,
	})
	s.nav.Redirect("/", true)
}
