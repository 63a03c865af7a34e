package room

import (
	"sync"
	"time"

	"github.com/jamstage/room-server/internal/models"
	"github.com/jamstage/room-server/internal/notify"
)

// RemovalDetector は「自分はさっきまで参加者だったのに、退出操作をしていないのに
// リストから消えた」という遷移、つまりホストによる強制退出を検知します
//
// ルームセッションごとに一度だけ通知するワンショットのラッチで、
// roomId が変わるとリセットされます。自発的に退出したホスト（ホスト移譲）や、
// ルームごと空になった場合には発火しません。自発的な退出は、退出の書き込みを
// 発行する側が先に SuppressRemoval でラッチしておくことで誤検知を防ぎます
type RemovalDetector struct {
	userId   string
	clock    Clock
	nav      Navigator
	notifier notify.Notifier
	delay    time.Duration // 通知が描画されてから遷移するまでの待ち時間

	mu             sync.Mutex
	roomId         string
	wasParticipant bool
	wasHost        bool
	removed        bool
	stopped        bool
	redirectTimer  *Deferred
}

func NewRemovalDetector(clock Clock, nav Navigator, notifier notify.Notifier, userId string, delay time.Duration) *RemovalDetector {
	return &RemovalDetector{
		userId:   userId,
		clock:    clock,
		nav:      nav,
		notifier: notifier,
		delay:    delay,
	}
}

// SuppressRemoval は自発的な退出の開始を記録します
// 退出の書き込みより先に呼ぶことで、その後に届く「自分がリストから消えた」
// スナップショットを強制退出として扱わなくなります
func (d *RemovalDetector) SuppressRemoval() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = true
}

// Stop は保留中のリダイレクトを取り消し、以降の検知を止めます
// セッションの解体時に他のタイマーと一緒に呼ばれることを想定しています
func (d *RemovalDetector) Stop() {
	d.mu.Lock()
	d.stopped = true
	t := d.redirectTimer
	d.redirectTimer = nil
	d.mu.Unlock()
	t.Cancel()
}

// Observe は新しいスナップショットを検査し、強制退出を検知したら通知と遷移を行います
func (d *RemovalDetector) Observe(r models.Room) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}

	if r.Id != d.roomId {
		d.roomId = r.Id
		d.wasParticipant = false
		d.wasHost = false
		d.removed = false
	}

	isParticipant, isHost, _ := DeriveUserStatus(d.userId, r)

	fire := d.wasParticipant && !isParticipant &&
		len(r.Participants) > 0 && !d.wasHost && !d.removed
	if fire {
		d.removed = true
	}

	d.wasParticipant = isParticipant
	d.wasHost = isHost
	d.mu.Unlock()

	if fire {
		d.notifier.Emit(notify.Notification{
			Title:    "ルームから退出させられました",
			Message:  "ホストによってルームから削除されました",
			Severity: notify.SeverityWarning,
		})
		t := d.clock.AfterFunc(d.delay, func() {
			d.nav.Redirect("/", false)
		})
		d.mu.Lock()
		if d.stopped {
			d.mu.Unlock()
			t.Cancel()
			return
		}
		d.redirectTimer = t
		d.mu.Unlock()
	}
}
