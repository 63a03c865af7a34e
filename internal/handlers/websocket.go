package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jamstage/room-server/internal/auth"
	"github.com/jamstage/room-server/internal/chat"
	"github.com/jamstage/room-server/internal/config"
	"github.com/jamstage/room-server/internal/notify"
	"github.com/jamstage/room-server/internal/room"
	"github.com/jamstage/room-server/internal/service"
	"github.com/jamstage/room-server/internal/store"
)

// WebSocketMessage はWebSocketで送受信するメッセージの構造
// すべてのメッセージはこの形式でやり取りされます
type WebSocketMessage struct {
	Type    string `json:"type"`    // メッセージタイプ (例: "room_state", "chat_send", "visibility")
	Payload any    `json:"payload"` // メッセージのペイロード（型は動的）
}

// visibilityPayload はタブの表示状態変更のペイロード
type visibilityPayload struct {
	Visible bool `json:"visible"` // true: フォアグラウンド、false: バックグラウンド
}

// chatSendPayload はチャット送信のペイロード
type chatSendPayload struct {
	Text string `json:"text"` // 本文
}

// instrumentPayload は楽器変更のペイロード
type instrumentPayload struct {
	InstrumentId string `json:"instrumentId"` // 楽器ID
}

// redirectPayload はクライアントへの画面遷移指示のペイロード
type redirectPayload struct {
	Path    string `json:"path"`    // 遷移先パス
	Replace bool   `json:"replace"` // 履歴を置き換えるかどうか
}

// session は1つのWebSocket接続、すなわち1つのルームセッションを表します
// ルームコントローラ・ハートビート・チャットチャンネルを所有し、
// 通知とリダイレクトを接続先のクライアントへ届けます
type session struct {
	id      string // セッションID
	roomId  string
	user    auth.Identity
	conn    *websocket.Conn
	removal *room.RemovalDetector // 自発的な退出のラッチ先
	writeMu sync.Mutex            // WriteJSONの直列化用
}

// send はフレームをクライアントへ送信します（失敗はログのみ）
func (s *session) send(msg WebSocketMessage) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(msg); err != nil {
		log.Printf("websocket write failed (sessionId=%s): %v", s.id, err)
	}
}

// Redirect は room.Navigator の実装で、クライアントに画面遷移を指示します
func (s *session) Redirect(path string, replace bool) {
	s.send(WebSocketMessage{Type: "redirect", Payload: redirectPayload{Path: path, Replace: replace}})
}

// Emit は notify.Notifier の実装で、通知をクライアントへ届けます
func (s *session) Emit(n notify.Notification) {
	s.send(WebSocketMessage{Type: "notification", Payload: n})
}

// WebSocketHandler はルームセッションのWebSocket接続を処理するハンドラー
type WebSocketHandler struct {
	svc      *service.RoomService
	st       store.DocStore
	am       *auth.Manager
	cfg      config.Config
	clock    room.Clock
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session // セッションIDをキーとした接続中セッション
}

// NewWebSocketHandler は新しいWebSocketHandlerを作成します
func NewWebSocketHandler(svc *service.RoomService, st store.DocStore, am *auth.Manager, cfg config.Config) *WebSocketHandler {
	return &WebSocketHandler{
		svc:      svc,
		st:       st,
		am:       am,
		cfg:      cfg,
		clock:    room.NewClock(),
		sessions: make(map[string]*session),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 本番環境では適切なOriginチェックを実装してください
				return true
			},
		},
	}
}

// HandleWebSocket はWebSocket接続を処理します
// 接続後、以下の処理を行います:
// 1. トークン検証とWebSocketへのアップグレード
// 2. ルームセッションの構築（コントローラ・ハートビート・チャット）
// 3. メッセージ受信ループの開始
// 4. 切断時のリソース解放（購読・全タイマー）
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	if err := validateRoomId(roomId); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	token := auth.TokenFromRequest(r)
	user, err := h.am.ParseToken(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// WebSocket接続にアップグレード
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	s := &session{
		id:     uuid.NewString(),
		roomId: roomId,
		user:   user,
		conn:   conn,
	}

	// セッションのコンポーネントを組み立てる
	// 通知とリダイレクトはこの接続のクライアントに向けて送られる
	cleanup := room.NewCleanupScheduler(h.st, h.clock, s, s, roomId, room.CleanupTiming{
		Debounce:       h.cfg.CleanupDebounce,
		StaleThreshold: h.cfg.StaleThreshold,
		JoinGrace:      h.cfg.JoinGrace,
		DestroyGrace:   h.cfg.DestroyGrace,
	})
	removal := room.NewRemovalDetector(h.clock, s, s, user.ID, h.cfg.RemovalDelay)
	s.removal = removal
	h.register(s)
	ctrl := room.NewController(h.st, h.clock, s, s, cleanup, removal,
		user.ID, roomId, h.cfg.LoadTimeout, func(v room.View) {
			s.send(WebSocketMessage{Type: "room_state", Payload: v})
		})
	hb := room.NewHeartbeat(h.st, h.clock, roomId, user.ID, h.cfg.HeartbeatInterval)
	ctrl.AttachHeartbeat(hb)
	chatCh := chat.NewChannel(h.st, h.clock, roomId, user.ID, user.DisplayName, func(u chat.Update) {
		s.send(WebSocketMessage{Type: "chat_state", Payload: u})
	})

	// 購読はHTTPリクエストのライフサイクルから切り離す
	ctx := context.Background()
	if err := ctrl.Start(ctx); err != nil {
		log.Printf("failed to start room controller (roomId=%s, userId=%s): %v", roomId, user.ID, err)
	}
	if err := chatCh.Start(ctx); err != nil {
		log.Printf("failed to start chat channel (roomId=%s, userId=%s): %v", roomId, user.ID, err)
	}
	hb.Start()

	defer func() {
		// あらゆる終了経路でリソースを解放する
		// Close はハートビート停止（最後の isInRoom=false 書き込みを含む）、
		// 購読解除、全タイマーのキャンセルを行う
		ctrl.Close()
		chatCh.Close()
		h.unregister(s)
		conn.Close()
		log.Printf("WebSocket disconnected: roomId=%s, userId=%s", roomId, user.ID)
	}()

	log.Printf("WebSocket connected: roomId=%s, userId=%s", roomId, user.ID)

	// メッセージ受信ループ
	for {
		var msg WebSocketMessage
		err := conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}

		// メッセージタイプに応じて処理
		switch msg.Type {
		case "visibility":
			h.handleVisibility(s, hb, msg.Payload)
		case "chat_send":
			h.handleChatSend(s, ctrl, chatCh, msg.Payload)
		case "chat_read":
			chatCh.MarkRead()
		case "set_instrument":
			h.handleSetInstrument(s, msg.Payload)
		case "instrument_play":
			// 演奏はアクティビティとして記録するだけ（失敗は致命ではない）
			if err := h.svc.TouchInstrumentPlay(context.Background(), s.roomId); err != nil {
				log.Printf("failed to touch instrument play (roomId=%s): %v", s.roomId, err)
			}
		case "leave":
			h.handleLeave(s, ctrl)
			return
		case "ping":
			// ping/pongで接続を維持
			s.send(WebSocketMessage{Type: "pong"})
		default:
			log.Printf("Unknown message type: %s", msg.Type)
		}
	}
}

// decodePayload はペイロードを指定の型に変換します
func decodePayload(payload any, dst any) bool {
	b, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	return json.Unmarshal(b, dst) == nil
}

// handleVisibility はタブの表示状態変更をハートビートに反映します
func (h *WebSocketHandler) handleVisibility(s *session, hb *room.Heartbeat, payload any) {
	var p visibilityPayload
	if !decodePayload(payload, &p) {
		log.Printf("invalid visibility payload (sessionId=%s)", s.id)
		return
	}
	hb.SetVisible(p.Visible)
}

// handleChatSend はチャット送信を処理します
// ゲート（参加者か・チャット有効か・空でないか）はチャンネル側で検査されます
func (h *WebSocketHandler) handleChatSend(s *session, ctrl *room.Controller, chatCh *chat.Channel, payload any) {
	var p chatSendPayload
	if !decodePayload(payload, &p) {
		log.Printf("invalid chat payload (sessionId=%s)", s.id)
		return
	}
	if err := validateText(p.Text, 2000); err != nil {
		s.send(WebSocketMessage{Type: "error", Payload: map[string]string{"message": err.Error()}})
		return
	}
	if err := chatCh.Send(context.Background(), ctrl.Room(), p.Text); err != nil {
		s.send(WebSocketMessage{Type: "error", Payload: map[string]string{"message": err.Error()}})
	}
}

// handleSetInstrument は楽器変更を処理します
func (h *WebSocketHandler) handleSetInstrument(s *session, payload any) {
	var p instrumentPayload
	if !decodePayload(payload, &p) {
		log.Printf("invalid instrument payload (sessionId=%s)", s.id)
		return
	}
	if err := h.svc.SetInstrument(context.Background(), s.roomId, s.user.ID, p.InstrumentId); err != nil {
		s.send(WebSocketMessage{Type: "error", Payload: map[string]string{"message": "failed to set instrument"}})
	}
}

// handleLeave は自発的な退出を処理します
// 退出者がホストの場合はサービス層がホスト移譲まで行います
// 退出の書き込みより先にラッチと購読の解除を行い、退出後のスナップショットを
// 自分のセッションが強制退出として誤検知しないようにします
func (h *WebSocketHandler) handleLeave(s *session, ctrl *room.Controller) {
	s.removal.SuppressRemoval()
	ctrl.Close()
	if err := h.svc.Leave(context.Background(), s.roomId, s.user.ID); err != nil {
		log.Printf("Failed to leave room (roomId=%s, userId=%s): %v", s.roomId, s.user.ID, err)
		s.send(WebSocketMessage{Type: "error", Payload: map[string]string{"message": "failed to leave room"}})
		return
	}
	s.Redirect("/", false)
}

func (h *WebSocketHandler) register(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.id] = s
}

// SuppressRemoval は指定ユーザーの接続中セッションに自発的な退出を伝えます
// REST 経由の退出でも、開いたままの WebSocket セッションが退出後の
// スナップショットを強制退出として誤検知しないようにします
func (h *WebSocketHandler) SuppressRemoval(roomId, userId string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.sessions {
		if s.roomId == roomId && s.user.ID == userId && s.removal != nil {
			s.removal.SuppressRemoval()
		}
	}
}

func (h *WebSocketHandler) unregister(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s.id)
}

// SessionCount は接続中のセッション数を返します
func (h *WebSocketHandler) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}
