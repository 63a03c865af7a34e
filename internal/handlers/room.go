package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jamstage/room-server/internal/service"
)

// RemovalSuppressor は自発的な退出を同一ユーザーの接続中セッションへ伝えます
// REST 経由の退出を、開いたままの WebSocket セッションが強制退出として
// 誤検知しないようにするためのフックです
type RemovalSuppressor interface {
	SuppressRemoval(roomId, userId string)
}

// RoomHandler はルーム操作のRESTエンドポイントを提供します
type RoomHandler struct {
	svc        *service.RoomService
	suppressor RemovalSuppressor // nil 可（WebSocketゲートウェイを持たない構成）
}

func NewRoomHandler(s *service.RoomService, suppressor RemovalSuppressor) *RoomHandler {
	return &RoomHandler{svc: s, suppressor: suppressor}
}

type createRoomRequest struct {
	Name         string `json:"name"`
	Visibility   string `json:"visibility"`
	InstrumentId string `json:"instrumentId"`
}

type joinRequest struct {
	InstrumentId string `json:"instrumentId"`
	JoinCode     string `json:"joinCode"`
}

type approveRequest struct {
	UserId      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef"`
}

func (r approveRequest) validate() error {
	return validateUserId(r.UserId)
}

type declineRequest struct {
	UserId string `json:"userId"`
}

func (r declineRequest) validate() error {
	return validateUserId(r.UserId)
}

type kickRequest struct {
	UserId string `json:"userId"`
}

func (r kickRequest) validate() error {
	return validateUserId(r.UserId)
}

// writeServiceError はサービス層のエラーをHTTPステータスに変換します
func (h *RoomHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrRoomNotFound):
		respondError(w, http.StatusNotFound, "room not found")
	case errors.Is(err, service.ErrNotHost):
		respondError(w, http.StatusForbidden, "forbidden: not room host")
	case errors.Is(err, service.ErrNotParticipant):
		respondError(w, http.StatusForbidden, "not a participant")
	case errors.Is(err, service.ErrRoomFull):
		respondError(w, http.StatusConflict, "room is full")
	case errors.Is(err, service.ErrJoinCodeMismatch):
		respondError(w, http.StatusForbidden, "join code mismatch")
	case errors.Is(err, service.ErrAlreadyRequested):
		respondError(w, http.StatusConflict, "join request already pending")
	case errors.Is(err, service.ErrNoSuchJoinRequest):
		respondError(w, http.StatusNotFound, "no such join request")
	case errors.Is(err, service.ErrUserNotFound):
		respondError(w, http.StatusNotFound, "user not found in room")
	default:
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *RoomHandler) Create(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var in createRoomRequest
	if !decodeJSON(w, r, &in) {
		return
	}

	creator := service.UserProfile{Id: id.ID, DisplayName: id.DisplayName, AvatarRef: id.AvatarRef}
	created, err := h.svc.Create(r.Context(), creator, in.Name, in.Visibility, in.InstrumentId)
	if err != nil {
		log.Printf("Create room error: %v", err)
		h.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "room": created})
}

func (h *RoomHandler) Get(w http.ResponseWriter, r *http.Request) {
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	if err := validateRoomId(roomId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	found, err := h.svc.Get(r.Context(), roomId)
	if err != nil {
		if !errors.Is(err, service.ErrRoomNotFound) {
			log.Printf("Get room error (roomId=%s): %v", roomId, err)
		}
		h.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"room": found})
}

func (h *RoomHandler) Join(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	if err := validateRoomId(roomId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var in joinRequest
	if !decodeJSON(w, r, &in) {
		return
	}

	user := service.UserProfile{Id: id.ID, DisplayName: id.DisplayName, AvatarRef: id.AvatarRef}
	joined, err := h.svc.Join(r.Context(), roomId, user, in.InstrumentId, in.JoinCode)
	if err != nil {
		log.Printf("Join room error (roomId=%s, userId=%s): %v", roomId, id.ID, err)
		h.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "room": joined})
}

func (h *RoomHandler) Leave(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	if err := validateRoomId(roomId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	// 退出の書き込みより先にラッチする（自セッションの誤検知防止）
	if h.suppressor != nil {
		h.suppressor.SuppressRemoval(roomId, id.ID)
	}
	if err := h.svc.Leave(r.Context(), roomId, id.ID); err != nil {
		log.Printf("Leave room error (roomId=%s, userId=%s): %v", roomId, id.ID, err)
		h.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *RoomHandler) RequestJoin(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	if err := validateRoomId(roomId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.svc.RequestJoin(r.Context(), roomId, id.ID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *RoomHandler) ApproveJoin(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	if err := validateRoomId(roomId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var in approveRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := in.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	applicant := service.UserProfile{Id: normalizeID(in.UserId), DisplayName: in.DisplayName, AvatarRef: in.AvatarRef}
	if err := h.svc.ApproveJoin(r.Context(), roomId, id.ID, applicant); err != nil {
		h.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *RoomHandler) DeclineJoin(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	if err := validateRoomId(roomId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var in declineRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := in.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.svc.DeclineJoin(r.Context(), roomId, id.ID, normalizeID(in.UserId)); err != nil {
		h.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *RoomHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	if err := validateRoomId(roomId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var in service.RoomSettings
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := h.svc.UpdateSettings(r.Context(), roomId, id.ID, in); err != nil {
		log.Printf("Update settings error (roomId=%s, userId=%s): %v", roomId, id.ID, err)
		h.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *RoomHandler) Kick(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	if err := validateRoomId(roomId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var in kickRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := in.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.svc.Kick(r.Context(), roomId, id.ID, normalizeID(in.UserId)); err != nil {
		log.Printf("Kick error (roomId=%s, hostId=%s, targetId=%s): %v", roomId, id.ID, in.UserId, err)
		h.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *RoomHandler) Close(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	if err := validateRoomId(roomId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.svc.Close(r.Context(), roomId, id.ID); err != nil {
		log.Printf("Close room error (roomId=%s, userId=%s): %v", roomId, id.ID, err)
		h.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}
