// Package service はルーム操作のビジネスロジックを担当します
// すべての変更操作は「ドキュメントを読み、自分が所有するフィールド群だけを
// 差し替えて書き戻す」方式です。クライアント間のロックは存在しないため、
// 他クライアントとの無関係フィールドの同時書き込みは last-write-wins で許容します
package service

import (
	"context"
	"errors"
	"strings"

	"github.com/jamstage/room-server/internal/idgen"
	"github.com/jamstage/room-server/internal/models"
	"github.com/jamstage/room-server/internal/room"
	"github.com/jamstage/room-server/internal/store"
)

// UserProfile は認証プロバイダから渡される安定したユーザー識別情報です
type UserProfile struct {
	Id          string // ユーザーの一意な識別子
	DisplayName string // 表示名
	AvatarRef   string // アバター画像への参照
}

// RoomSettings はホストが変更できる設定のうち、指定されたものだけを更新します
// nil のフィールドは変更しません
type RoomSettings struct {
	Name                      *string `json:"name,omitempty"`
	MaxParticipants           *int    `json:"maxParticipants,omitempty"`
	ChatDisabled              *bool   `json:"chatDisabled,omitempty"`
	AutoCloseAfterInactivity  *bool   `json:"autoCloseAfterInactivity,omitempty"`
	InactivityTimeoutMinutes  *int    `json:"inactivityTimeoutMinutes,omitempty"`
	AllowDifferentInstruments *bool   `json:"allowDifferentInstruments,omitempty"`
}

// IDGenerator はユニークなルームIDを生成するインターフェース
type IDGenerator interface {
	New() (string, error) // 新しいIDを生成
}

// roomIDGen はIDGeneratorの実装
type roomIDGen struct{}

// New は新しいルームIDを生成します
func (roomIDGen) New() (string, error) { return idgen.NewRoomID() }

// NewRoomIDGenerator は新しいRoomIDGeneratorを作成します
func NewRoomIDGenerator() IDGenerator {
	return roomIDGen{}
}

// RoomService はルーム管理のビジネスロジックを提供します
type RoomService struct {
	st         store.DocStore // ルームドキュメントの共有ストア
	clock      room.Clock     // 時刻源（テストでは仮想時計を注入）
	idg        IDGenerator    // ルームID生成器
	defaultMax int            // ルームのデフォルト最大人数
}

// NewRoomService は新しいRoomServiceを作成します
func NewRoomService(st store.DocStore, clock room.Clock, idg IDGenerator, defaultMax int) *RoomService {
	return &RoomService{st: st, clock: clock, idg: idg, defaultMax: defaultMax}
}

// load はルームを読み込んで正規化します
func (s *RoomService) load(ctx context.Context, roomId string) (models.Room, error) {
	raw, err := s.st.GetOne(ctx, store.RoomPath(roomId))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Room{}, ErrRoomNotFound
		}
		return models.Room{}, err
	}
	r := room.Normalize(raw)
	if r.Id == "" {
		r.Id = roomId
	}
	return r, nil
}

// Create は新しいルームを作成し、作成者をホスト参加者として入室させます
// 処理の流れ:
// 1. ユニークなルームIDを生成（重複チェック付き、最大10回リトライ）
// 2. プライベートルームの場合は参加コードを生成
// 3. 作成者をホストとした初期状態のルームをストアに保存
func (s *RoomService) Create(ctx context.Context, creator UserProfile, name, visibility, instrumentId string) (models.Room, error) {
	const maxRetries = 10 // ID生成の最大リトライ回数

	var roomId string
	for i := 0; i < maxRetries; i++ {
		id, err := s.idg.New()
		if err != nil {
			return models.Room{}, err
		}
		// IDの重複チェック
		_, err = s.st.GetOne(ctx, store.RoomPath(id))
		if errors.Is(err, store.ErrNotFound) {
			roomId = id
			break
		}
		if err != nil {
			return models.Room{}, err
		}
		// 重複あり、次の試行へ
		if i == maxRetries-1 {
			return models.Room{}, ErrRoomIDGenerationFailed
		}
	}

	if visibility != models.VisibilityPrivate {
		visibility = models.VisibilityPublic
	}
	joinCode := ""
	if visibility == models.VisibilityPrivate {
		code, err := idgen.NewJoinCode()
		if err != nil {
			return models.Room{}, err
		}
		joinCode = code
	}

	now := s.clock.Now().UnixMilli()
	host := models.Participant{
		Id:                 creator.Id,
		DisplayName:        creator.DisplayName,
		AvatarRef:          creator.AvatarRef,
		InstrumentId:       instrumentId,
		IsHost:             true,
		Status:             models.StatusActive,
		IsInRoom:           true,
		JoinedAt:           now,
		LastSeen:           now,
		HeartbeatTimestamp: now,
	}
	r := models.Room{
		Id:                        roomId,
		Name:                      strings.TrimSpace(name),
		Visibility:                visibility,
		MaxParticipants:           s.defaultMax,
		HostId:                    creator.Id,
		HostInstrumentId:          instrumentId,
		Participants:              []models.Participant{host},
		ParticipantIds:            []string{creator.Id},
		PendingJoinRequests:       []string{},
		LastActivityTimestamp:     now,
		JoinCode:                  joinCode,
		AllowDifferentInstruments: true,
	}
	if r.Name == "" {
		r.Name = creator.DisplayName + "のルーム"
	}
	if err := s.st.SetOne(ctx, store.RoomPath(roomId), r, false); err != nil {
		return models.Room{}, err
	}
	return r, nil
}

// Get は指定されたルームの正規化済みの情報を取得します
func (s *RoomService) Get(ctx context.Context, roomId string) (models.Room, error) {
	return s.load(ctx, roomId)
}

// Join はユーザーをルームに参加させます
// プライベートルームでは参加コードの一致、または事前の参加承認が必要です
// すでに参加済みの場合はエントリをアクティブに戻します（再入室）
func (s *RoomService) Join(ctx context.Context, roomId string, user UserProfile, instrumentId, joinCode string) (models.Room, error) {
	r, err := s.load(ctx, roomId)
	if err != nil {
		return models.Room{}, err
	}

	now := s.clock.Now().UnixMilli()

	// 再入室: 自分のエントリだけを書き換える
	if isParticipant, _, _ := room.DeriveUserStatus(user.Id, r); isParticipant {
		for i := range r.Participants {
			if r.Participants[i].Id == user.Id {
				r.Participants[i].Status = models.StatusActive
				r.Participants[i].IsInRoom = true
				r.Participants[i].LastSeen = now
				r.Participants[i].HeartbeatTimestamp = now
				r.Participants[i].LeftAt = 0
			}
		}
		return r, s.writeMembership(ctx, r, now)
	}

	if r.MaxParticipants > 0 && len(r.ParticipantIds) >= r.MaxParticipants {
		return models.Room{}, ErrRoomFull
	}
	if r.Visibility == models.VisibilityPrivate {
		// 参加コードを知らないユーザーは RequestJoin → ApproveJoin 経由でのみ入室できる
		if joinCode == "" || joinCode != r.JoinCode {
			return models.Room{}, ErrJoinCodeMismatch
		}
	}
	if !r.AllowDifferentInstruments && instrumentId != r.HostInstrumentId {
		instrumentId = r.HostInstrumentId
	}

	p := models.Participant{
		Id:                 user.Id,
		DisplayName:        user.DisplayName,
		AvatarRef:          user.AvatarRef,
		InstrumentId:       instrumentId,
		Status:             models.StatusActive,
		IsInRoom:           true,
		JoinedAt:           now,
		LastSeen:           now,
		HeartbeatTimestamp: now,
	}
	r.Participants = append(r.Participants, p)
	r.ParticipantIds = appendUnique(r.ParticipantIds, user.Id)
	return r, s.writeMembership(ctx, r, now)
}

// Leave はユーザーを自発的に退出させます
// 退出者がホストで他に参加者が残る場合は、先頭の参加者にホストを移譲します
// ホストは常に1人以下になるよう、1回の書き込みで移譲を完了させます
func (s *RoomService) Leave(ctx context.Context, roomId, userId string) error {
	r, err := s.load(ctx, roomId)
	if err != nil {
		return err
	}

	wasHost := false
	remaining := make([]models.Participant, 0, len(r.Participants))
	for _, p := range r.Participants {
		if p.Id == userId {
			wasHost = p.IsHost
			continue
		}
		remaining = append(remaining, p)
	}
	if len(remaining) == len(r.Participants) {
		return ErrNotParticipant
	}

	r.Participants = remaining
	r.ParticipantIds = removeString(r.ParticipantIds, userId)

	fields := map[string]any{
		"participants":   r.Participants,
		"participantIds": r.ParticipantIds,
	}
	if wasHost && len(remaining) > 0 {
		for i := range r.Participants {
			r.Participants[i].IsHost = i == 0
		}
		r.HostId = r.Participants[0].Id
		r.HostInstrumentId = r.Participants[0].InstrumentId
		fields["participants"] = r.Participants
		fields["hostId"] = r.HostId
		fields["hostInstrumentId"] = r.HostInstrumentId
	}
	return s.st.UpdateFields(ctx, store.RoomPath(roomId), fields)
}

// RequestJoin はプライベートルームへの参加承認を申請します
func (s *RoomService) RequestJoin(ctx context.Context, roomId, userId string) error {
	r, err := s.load(ctx, roomId)
	if err != nil {
		return err
	}
	if isParticipant, _, _ := room.DeriveUserStatus(userId, r); isParticipant {
		return nil // すでに参加済み
	}
	if contains(r.PendingJoinRequests, userId) >= 0 {
		return ErrAlreadyRequested
	}
	return s.st.UpdateFields(ctx, store.RoomPath(roomId), map[string]any{
		"pendingJoinRequests": append(r.PendingJoinRequests, userId),
	})
}

// ApproveJoin はホストが参加申請を承認し、申請者を入室させます
func (s *RoomService) ApproveJoin(ctx context.Context, roomId, hostId string, applicant UserProfile) error {
	r, err := s.load(ctx, roomId)
	if err != nil {
		return err
	}
	if _, isHost, _ := room.DeriveUserStatus(hostId, r); !isHost {
		return ErrNotHost
	}
	if contains(r.PendingJoinRequests, applicant.Id) < 0 {
		return ErrNoSuchJoinRequest
	}
	if r.MaxParticipants > 0 && len(r.ParticipantIds) >= r.MaxParticipants {
		return ErrRoomFull
	}

	now := s.clock.Now().UnixMilli()
	p := models.Participant{
		Id:                 applicant.Id,
		DisplayName:        applicant.DisplayName,
		AvatarRef:          applicant.AvatarRef,
		Status:             models.StatusActive,
		IsInRoom:           false, // 本人が画面を開いたときのハートビートで true になる
		JoinedAt:           now,
		LastSeen:           now,
		HeartbeatTimestamp: now,
	}
	r.Participants = append(r.Participants, p)
	r.ParticipantIds = appendUnique(r.ParticipantIds, applicant.Id)
	return s.st.UpdateFields(ctx, store.RoomPath(roomId), map[string]any{
		"participants":        r.Participants,
		"participantIds":      r.ParticipantIds,
		"pendingJoinRequests": removeString(r.PendingJoinRequests, applicant.Id),
		"lastActivityTimestamp": now,
	})
}

// DeclineJoin はホストが参加申請を却下します
func (s *RoomService) DeclineJoin(ctx context.Context, roomId, hostId, applicantId string) error {
	r, err := s.load(ctx, roomId)
	if err != nil {
		return err
	}
	if _, isHost, _ := room.DeriveUserStatus(hostId, r); !isHost {
		return ErrNotHost
	}
	if contains(r.PendingJoinRequests, applicantId) < 0 {
		return ErrNoSuchJoinRequest
	}
	return s.st.UpdateFields(ctx, store.RoomPath(roomId), map[string]any{
		"pendingJoinRequests": removeString(r.PendingJoinRequests, applicantId),
	})
}

// Kick はホストが参加者を強制退出させます
// 除外されたユーザーのクライアントでは RemovalDetector が通知と退避を行います
func (s *RoomService) Kick(ctx context.Context, roomId, hostId, targetId string) error {
	r, err := s.load(ctx, roomId)
	if err != nil {
		return err
	}
	if _, isHost, _ := room.DeriveUserStatus(hostId, r); !isHost {
		return ErrNotHost
	}
	if targetId == hostId {
		return ErrUserNotFound
	}

	remaining := make([]models.Participant, 0, len(r.Participants))
	found := false
	for _, p := range r.Participants {
		if p.Id == targetId {
			found = true
			continue
		}
		remaining = append(remaining, p)
	}
	if !found {
		return ErrUserNotFound
	}
	return s.st.UpdateFields(ctx, store.RoomPath(roomId), map[string]any{
		"participants":   remaining,
		"participantIds": removeString(r.ParticipantIds, targetId),
	})
}

// UpdateSettings はホスト専用のルーム設定変更です
// 指定されたフィールドだけを書き込みます（ホストが所有するフィールド群）
func (s *RoomService) UpdateSettings(ctx context.Context, roomId, userId string, settings RoomSettings) error {
	r, err := s.load(ctx, roomId)
	if err != nil {
		return err
	}
	if _, isHost, _ := room.DeriveUserStatus(userId, r); !isHost {
		return ErrNotHost
	}

	fields := map[string]any{}
	if settings.Name != nil && strings.TrimSpace(*settings.Name) != "" {
		fields["name"] = strings.TrimSpace(*settings.Name)
	}
	if settings.MaxParticipants != nil && *settings.MaxParticipants > 0 {
		fields["maxParticipants"] = *settings.MaxParticipants
	}
	if settings.ChatDisabled != nil {
		fields["chatDisabled"] = *settings.ChatDisabled
	}
	if settings.AutoCloseAfterInactivity != nil {
		fields["autoCloseAfterInactivity"] = *settings.AutoCloseAfterInactivity
	}
	if settings.InactivityTimeoutMinutes != nil && *settings.InactivityTimeoutMinutes > 0 {
		fields["inactivityTimeoutMinutes"] = *settings.InactivityTimeoutMinutes
	}
	if settings.AllowDifferentInstruments != nil {
		fields["allowDifferentInstruments"] = *settings.AllowDifferentInstruments
	}
	if len(fields) == 0 {
		return nil
	}
	return s.st.UpdateFields(ctx, store.RoomPath(roomId), fields)
}

// SetInstrument は自分の楽器を変更します（ホストの場合はルームの楽器も更新）
func (s *RoomService) SetInstrument(ctx context.Context, roomId, userId, instrumentId string) error {
	r, err := s.load(ctx, roomId)
	if err != nil {
		return err
	}
	isParticipant, isHost, _ := room.DeriveUserStatus(userId, r)
	if !isParticipant {
		return ErrNotParticipant
	}
	if !r.AllowDifferentInstruments && !isHost {
		instrumentId = r.HostInstrumentId
	}
	for i := range r.Participants {
		if r.Participants[i].Id == userId {
			r.Participants[i].InstrumentId = instrumentId
		}
	}
	fields := map[string]any{"participants": r.Participants}
	if isHost {
		fields["hostInstrumentId"] = instrumentId
	}
	return s.st.UpdateFields(ctx, store.RoomPath(roomId), fields)
}

// TouchActivity はルームの最終アクティビティ時刻を更新します
// 失敗しても致命ではなく、呼び出し側はログを残すだけで構いません
func (s *RoomService) TouchActivity(ctx context.Context, roomId string) error {
	return s.st.UpdateFields(ctx, store.RoomPath(roomId), map[string]any{
		"lastActivityTimestamp": s.clock.Now().UnixMilli(),
	})
}

// TouchInstrumentPlay は楽器の演奏をアクティビティとして記録します
func (s *RoomService) TouchInstrumentPlay(ctx context.Context, roomId string) error {
	now := s.clock.Now().UnixMilli()
	return s.st.UpdateFields(ctx, store.RoomPath(roomId), map[string]any{
		"lastActivityTimestamp":       now,
		"lastInstrumentPlayTimestamp": now,
	})
}

// Close はホストがルームを明示的に閉じます
// チャットのコレクション → ルームドキュメントの順に削除します
func (s *RoomService) Close(ctx context.Context, roomId, userId string) error {
	r, err := s.load(ctx, roomId)
	if err != nil {
		return err
	}
	if _, isHost, _ := room.DeriveUserStatus(userId, r); !isHost {
		return ErrNotHost
	}
	if err := s.st.DeleteCollection(ctx, store.ChatPath(roomId)); err != nil {
		return err
	}
	return s.st.DeleteOne(ctx, store.RoomPath(roomId))
}

// writeMembership は参加者リストと最終アクティビティを書き戻します
func (s *RoomService) writeMembership(ctx context.Context, r models.Room, now int64) error {
	return s.st.UpdateFields(ctx, store.RoomPath(r.Id), map[string]any{
		"participants":          r.Participants,
		"participantIds":        r.ParticipantIds,
		"lastActivityTimestamp": now,
	})
}

func contains(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func appendUnique(list []string, s string) []string {
	if contains(list, s) >= 0 {
		return list
	}
	return append(list, s)
}

func removeString(list []string, s string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
