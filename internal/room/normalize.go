package room

import (
	"encoding/json"

	"github.com/jamstage/room-server/internal/models"
)

// Normalize はストアから届いた生のルームドキュメントを正規のモデルに変換します
// 純粋関数であり、欠損・型違いのフィールドはすべて安全なデフォルトに置き換えます
// どんな入力でも panic しません（nil を含む）
//
// デフォルト値:
//   - participants が無い → 空リスト
//   - participantIds が無い → participants から導出
//   - pendingJoinRequests が無い → 空リスト
//   - 真偽値は false、ただし allowDifferentInstruments だけは true
func Normalize(raw map[string]any) models.Room {
	r := models.Room{
		Id:                          asString(raw["id"]),
		Name:                        asString(raw["name"]),
		Visibility:                  asString(raw["visibility"]),
		MaxParticipants:             asInt(raw["maxParticipants"]),
		HostId:                      asString(raw["hostId"]),
		HostInstrumentId:            asString(raw["hostInstrumentId"]),
		PendingJoinRequests:         asStringList(raw["pendingJoinRequests"]),
		LastActivityTimestamp:       asInt64(raw["lastActivityTimestamp"]),
		LastInstrumentPlayTimestamp: asInt64(raw["lastInstrumentPlayTimestamp"]),
		AutoCloseAfterInactivity:    asBool(raw["autoCloseAfterInactivity"], false),
		InactivityTimeoutMinutes:    asInt(raw["inactivityTimeoutMinutes"]),
		ChatDisabled:                asBool(raw["chatDisabled"], false),
		JoinCode:                    asString(raw["joinCode"]),
		AllowDifferentInstruments:   asBool(raw["allowDifferentInstruments"], true),
	}
	if r.Visibility != models.VisibilityPrivate {
		r.Visibility = models.VisibilityPublic
	}

	r.Participants = normalizeParticipants(raw["participants"])

	// ストアに書かれていた participantIds はそのまま保持する
	// （空室判定はこの値が正とされる）
	r.StoredMemberIds = asStringList(raw["participantIds"])

	// 公開する participantIds は participants の ID をすべて含むよう整合を取る
	r.ParticipantIds = reconcileIds(r.StoredMemberIds, r.Participants)
	return r
}

// normalizeParticipants は participants フィールドを正規化します
// リストでない値は空リスト、ID の無いエントリは破棄します
func normalizeParticipants(v any) []models.Participant {
	items, ok := v.([]any)
	if !ok {
		return []models.Participant{}
	}
	out := make([]models.Participant, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		p := models.Participant{
			Id:                 asString(m["id"]),
			DisplayName:        asString(m["displayName"]),
			InstrumentId:       asString(m["instrumentId"]),
			AvatarRef:          asString(m["avatarRef"]),
			IsHost:             asBool(m["isHost"], false),
			Status:             asString(m["status"]),
			IsInRoom:           asBool(m["isInRoom"], false),
			JoinedAt:           asInt64(m["joinedAt"]),
			LeftAt:             asInt64(m["leftAt"]),
			LastSeen:           asInt64(m["lastSeen"]),
			HeartbeatTimestamp: asInt64(m["heartbeatTimestamp"]),
		}
		if p.Id == "" {
			continue
		}
		if p.Status == "" {
			p.Status = models.StatusActive
		}
		out = append(out, p)
	}
	return out
}

// reconcileIds は stored ⊇ {p.Id} となるよう不足分を後ろに追加します
func reconcileIds(stored []string, participants []models.Participant) []string {
	seen := make(map[string]bool, len(stored))
	out := make([]string, 0, len(stored)+len(participants))
	for _, id := range stored {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	for _, p := range participants {
		if !seen[p.Id] {
			seen[p.Id] = true
			out = append(out, p.Id)
		}
	}
	return out
}

// DeriveUserStatus はルーム内でのユーザーの立場を線形走査で導出します
// 参加していない場合は participant が nil になります
func DeriveUserStatus(userId string, r models.Room) (isParticipant bool, isHost bool, participant *models.Participant) {
	for i := range r.Participants {
		if r.Participants[i].Id == userId {
			p := r.Participants[i]
			return true, p.IsHost, &p
		}
	}
	return false, false, nil
}

// 以下は生ドキュメントの値を安全に取り出すヘルパー
// JSONデコード後の数値は float64 で届くことに注意

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any, def bool) bool {
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

func asInt(v any) int {
	return int(asInt64(v))
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0
		}
		return i
	default:
		return 0
	}
}

func asStringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
