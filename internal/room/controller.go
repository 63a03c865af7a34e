package room

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/jamstage/room-server/internal/models"
	"github.com/jamstage/room-server/internal/notify"
	"github.com/jamstage/room-server/internal/store"
)

// State はルームセッションの状態です
// Idle → Loading → {Ready, Error} と遷移し、Error はセッション内で終端です
type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StateError
)

// View はアプリケーションに公開する一貫したスナップショットです
type View struct {
	State         State               `json:"-"`
	Loading       bool                `json:"loading"`
	Err           string              `json:"error,omitempty"`
	Room          *models.Room        `json:"room,omitempty"`
	IsHost        bool                `json:"isHost"`
	IsParticipant bool                `json:"isParticipant"`
	Participant   *models.Participant `json:"userInfo,omitempty"`
}

// Controller はルームドキュメントの購読を所有し、スナップショットごとに
// 正規化・ユーザー状態の再導出・クリーンアップ評価・強制退出検知を駆動します
//
// 所有するリソース（購読・読み込みタイマー・ハートビート・破棄タイマー）は
// Close であらゆる終了経路において確実に解放されます
type Controller struct {
	st          store.DocStore
	clock       Clock
	nav         Navigator
	notifier    notify.Notifier
	cleanup     *CleanupScheduler
	removal     *RemovalDetector
	userId      string
	roomId      string
	loadTimeout time.Duration
	onView      func(View)

	mu           sync.Mutex
	state        State
	errMsg       string
	room         models.Room
	hasRoom      bool
	lastActivity int64
	unsub        store.Unsubscribe
	loadTimer    *Deferred
	hb           *Heartbeat
	closed       bool
}

func NewController(st store.DocStore, clock Clock, nav Navigator, notifier notify.Notifier,
	cleanup *CleanupScheduler, removal *RemovalDetector,
	userId, roomId string, loadTimeout time.Duration, onView func(View)) *Controller {
	return &Controller{
		st:          st,
		clock:       clock,
		nav:         nav,
		notifier:    notifier,
		cleanup:     cleanup,
		removal:     removal,
		userId:      userId,
		roomId:      roomId,
		loadTimeout: loadTimeout,
		onView:      onView,
		state:       StateIdle,
	}
}

// AttachHeartbeat はセッションのハートビートを登録します
// 登録されたハートビートは Close で必ず停止されます
func (c *Controller) AttachHeartbeat(h *Heartbeat) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hb = h
}

// Start は購読を開始します
// 読み込みが loadTimeout までに解決しなければ Error に遷移してリダイレクトします
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || c.state != StateIdle {
		c.mu.Unlock()
		return errors.New("controller already started or closed")
	}
	c.state = StateLoading
	c.loadTimer = c.clock.AfterFunc(c.loadTimeout, c.loadTimedOut)
	c.mu.Unlock()
	c.emitView()

	unsub, err := c.st.Subscribe(ctx, store.RoomPath(c.roomId), c.handleSnapshot, c.handleError)
	if err != nil {
		log.Printf("room subscribe failed (roomId=%s): %v", c.roomId, err)
		c.fail("could not load room")
		return err
	}
	c.mu.Lock()
	if c.closed {
		// Start 中に Close が走った場合は購読を即座に手放す
		c.mu.Unlock()
		unsub()
		return nil
	}
	c.unsub = unsub
	c.mu.Unlock()
	return nil
}

// handleSnapshot は購読からのスナップショットを処理します
// nil ペイロードは「ルーム消失」の確定通知です
func (c *Controller) handleSnapshot(doc map[string]any) {
	if doc == nil {
		c.roomGone()
		return
	}

	c.mu.Lock()
	if c.closed || c.state == StateError {
		c.mu.Unlock()
		return
	}
	r := Normalize(doc)
	if r.Id == "" {
		r.Id = c.roomId
	}
	c.loadTimer.Cancel()
	c.state = StateReady
	c.room = r
	c.hasRoom = true
	if r.LastActivityTimestamp > c.lastActivity {
		c.lastActivity = r.LastActivityTimestamp
	}
	c.mu.Unlock()

	c.removal.Observe(r)
	c.cleanup.Evaluate(r)
	c.emitView()
}

// handleError は購読エラーを処理します
// 一時エラーはログのみ（Loading 中なら読み込みタイムアウトに任せる）、
// ルーム消失は確定エラーとして扱います
func (c *Controller) handleError(err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.roomGone()
		return
	}
	if store.IsTransient(err) {
		log.Printf("transient subscription error (roomId=%s): %v", c.roomId, err)
		return
	}
	log.Printf("subscription error (roomId=%s): %v", c.roomId, err)
	c.fail(err.Error())
}

// loadTimedOut は Loading のまま解決しなかったセッションを打ち切ります
// Loading の確認と Error への遷移は1回のロック取得の中で行います
// （確認とロック解放の隙間にスナップショットが届くと Ready を壊すため）
func (c *Controller) loadTimedOut() {
	c.mu.Lock()
	if c.closed || c.state != StateLoading {
		c.mu.Unlock()
		return
	}
	c.failLocked("could not load room")
}

// roomGone はルームドキュメントの消失（クローズ）を処理します
func (c *Controller) roomGone() {
	c.mu.Lock()
	if c.closed || c.state == StateError {
		c.mu.Unlock()
		return
	}
	c.state = StateError
	c.errMsg = "room closed"
	c.teardownLocked()
	c.mu.Unlock()

	c.notifier.Emit(notify.Notification{
		Title:    "ルームは終了しました",
		Message:  "このルームはすでに閉じられています",
		Severity: notify.SeverityInfo,
	})
	c.emitView()
	c.nav.Redirect("/", true)
}

// fail は回復不能なエラーとして Error に遷移し、リダイレクトします
func (c *Controller) fail(msg string) {
	c.mu.Lock()
	if c.closed || c.state == StateError {
		c.mu.Unlock()
		return
	}
	c.failLocked(msg)
}

// failLocked は mu を保持した状態で呼ばれ、Error への遷移と後処理を行います
// ロックは内部で解放されます
func (c *Controller) failLocked(msg string) {
	c.state = StateError
	c.errMsg = msg
	c.teardownLocked()
	c.mu.Unlock()

	c.notifier.Emit(notify.Notification{
		Title:    "ルームを読み込めませんでした",
		Message:  msg,
		Severity: notify.SeverityError,
	})
	c.emitView()
	c.nav.Redirect("/", true)
}

// View は現在の公開状態を返します
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Controller) viewLocked() View {
	v := View{
		State:   c.state,
		Loading: c.state == StateLoading,
		Err:     c.errMsg,
	}
	if c.hasRoom && c.state == StateReady {
		r := c.room
		v.Room = &r
		v.IsParticipant, v.IsHost, v.Participant = DeriveUserStatus(c.userId, r)
	}
	return v
}

func (c *Controller) emitView() {
	if c.onView == nil {
		return
	}
	c.mu.Lock()
	v := c.viewLocked()
	c.mu.Unlock()
	c.onView(v)
}

// Room は最新の正規化済みルームを返します（Ready 前は空のルーム）
func (c *Controller) Room() models.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Close は購読とすべてのタイマーを解放します
// あらゆる終了経路から呼ばれることを想定した冪等な処理です
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.teardownLocked()
	c.mu.Unlock()
}

// teardownLocked は所有リソースを解放します（購読・読み込みタイマー・
// ハートビート・クリーンアップと強制退出検知のタイマー）
func (c *Controller) teardownLocked() {
	if c.unsub != nil {
		unsub := c.unsub
		c.unsub = nil
		// 購読の解除はストア実装のロックと交錯しないよう非同期に行う
		go unsub()
	}
	c.loadTimer.Cancel()
	if c.hb != nil {
		hb := c.hb
		c.hb = nil
		go hb.Stop()
	}
	if c.cleanup != nil {
		c.cleanup.Stop()
	}
	if c.removal != nil {
		c.removal.Stop()
	}
}
