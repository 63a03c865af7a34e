package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamstage/room-server/internal/models"
	"github.com/jamstage/room-server/internal/room"
	"github.com/jamstage/room-server/internal/store"
)

const baseMs = int64(1_700_000_000_000)

type updateRecorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *updateRecorder) record(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func newChannelFixture(t *testing.T) (*Channel, *store.MemStore, *room.FakeClock, *updateRecorder) {
	t.Helper()
	st := store.NewMemStore()
	clk := room.NewFakeClock(time.UnixMilli(baseMs))
	rec := &updateRecorder{}
	ch := NewChannel(st, clk, "r1", "me", "Me", rec.record)
	return ch, st, clk, rec
}

func addRawMessage(t *testing.T, st *store.MemStore, id, sender string, ts int64) {
	t.Helper()
	err := st.AddToCollection(context.Background(), store.ChatPath("r1"), id, map[string]any{
		"id":               id,
		"senderId":         sender,
		"senderName":       sender,
		"text":             "hello",
		"timestampEpochMs": ts,
	})
	require.NoError(t, err)
}

func memberRoom(chatDisabled bool) models.Room {
	return models.Room{
		Id:           "r1",
		ChatDisabled: chatDisabled,
		Participants: []models.Participant{
			{Id: "host", IsHost: true},
			{Id: "me"},
		},
	}
}

func TestChannelSortsByTimestampThenId(t *testing.T) {
	ch, st, _, _ := newChannelFixture(t)
	defer ch.Close()

	// 配信順はタイムスタンプ順と一致しない
	addRawMessage(t, st, "m3", "other", baseMs+30)
	addRawMessage(t, st, "m1", "other", baseMs+10)
	addRawMessage(t, st, "m2", "other", baseMs+20)

	require.NoError(t, ch.Start(context.Background()))

	msgs := ch.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"},
		[]string{msgs[0].Id, msgs[1].Id, msgs[2].Id})
}

func TestChannelSameTimestampOrderedById(t *testing.T) {
	ch, st, _, _ := newChannelFixture(t)
	defer ch.Close()

	addRawMessage(t, st, "bbb", "other", baseMs+10)
	addRawMessage(t, st, "aaa", "other", baseMs+10)

	require.NoError(t, ch.Start(context.Background()))

	msgs := ch.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "aaa", msgs[0].Id)
	assert.Equal(t, "bbb", msgs[1].Id)
}

func TestChannelUnreadCountExcludesSelf(t *testing.T) {
	ch, st, _, _ := newChannelFixture(t)
	defer ch.Close()

	require.NoError(t, ch.Start(context.Background()))

	// 購読開始後に届いた他人のメッセージ3通と自分のメッセージ2通
	addRawMessage(t, st, "m1", "other", baseMs+1_000)
	addRawMessage(t, st, "m2", "other", baseMs+2_000)
	addRawMessage(t, st, "m3", "me", baseMs+3_000)
	addRawMessage(t, st, "m4", "other", baseMs+4_000)
	addRawMessage(t, st, "m5", "me", baseMs+5_000)

	assert.Equal(t, 3, ch.UnreadCount())
}

func TestChannelMessagesBeforeStartAreRead(t *testing.T) {
	ch, st, _, _ := newChannelFixture(t)
	defer ch.Close()

	// 既読マーカーは購読開始時点に初期化される
	addRawMessage(t, st, "m1", "other", baseMs-10_000)
	require.NoError(t, ch.Start(context.Background()))

	assert.Len(t, ch.Messages(), 1)
	assert.Equal(t, 0, ch.UnreadCount())
}

func TestChannelMarkRead(t *testing.T) {
	ch, st, clk, rec := newChannelFixture(t)
	defer ch.Close()

	require.NoError(t, ch.Start(context.Background()))
	addRawMessage(t, st, "m1", "other", baseMs+1_000)
	require.Equal(t, 1, ch.UnreadCount())

	clk.Advance(2 * time.Second)
	ch.MarkRead()
	assert.Equal(t, 0, ch.UnreadCount())

	rec.mu.Lock()
	last := rec.updates[len(rec.updates)-1]
	rec.mu.Unlock()
	assert.Equal(t, 0, last.UnreadCount)
	assert.Len(t, last.Messages, 1)
}

func TestChannelSendGates(t *testing.T) {
	ch, _, _, _ := newChannelFixture(t)
	defer ch.Close()
	ctx := context.Background()

	assert.ErrorIs(t, ch.Send(ctx, memberRoom(false), "   "), ErrEmptyMessage)

	stranger := models.Room{Id: "r1", Participants: []models.Participant{{Id: "host", IsHost: true}}}
	assert.ErrorIs(t, ch.Send(ctx, stranger, "hi"), ErrNotParticipant)

	assert.ErrorIs(t, ch.Send(ctx, memberRoom(true), "hi"), ErrChatDisabled)
}

func TestChannelHostCanSendWhenChatDisabled(t *testing.T) {
	st := store.NewMemStore()
	clk := room.NewFakeClock(time.UnixMilli(baseMs))
	ch := NewChannel(st, clk, "r1", "host", "Host", nil)
	defer ch.Close()

	assert.NoError(t, ch.Send(context.Background(), memberRoom(true), "announcement"))
}

func TestChannelSendAppendsAndTouchesActivity(t *testing.T) {
	ch, st, clk, _ := newChannelFixture(t)
	defer ch.Close()
	ctx := context.Background()

	require.NoError(t, st.SetOne(ctx, store.RoomPath("r1"), map[string]any{"id": "r1"}, false))
	require.NoError(t, ch.Start(ctx))
	require.NoError(t, ch.Send(ctx, memberRoom(false), "hello"))

	msgs := ch.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "me", msgs[0].SenderId)
	assert.Equal(t, "hello", msgs[0].Text)
	assert.Equal(t, clk.Now().UnixMilli(), msgs[0].Timestamp)
	assert.NotEmpty(t, msgs[0].Id)

	raw, err := st.GetOne(ctx, store.RoomPath("r1"))
	require.NoError(t, err)
	assert.Equal(t, float64(clk.Now().UnixMilli()), raw["lastActivityTimestamp"])
}

func TestChannelStartTwiceFails(t *testing.T) {
	ch, _, _, _ := newChannelFixture(t)
	defer ch.Close()
	require.NoError(t, ch.Start(context.Background()))
	assert.Error(t, ch.Start(context.Background()))
}

func TestChannelCloseIsIdempotent(t *testing.T) {
	ch, st, _, _ := newChannelFixture(t)
	require.NoError(t, ch.Start(context.Background()))
	ch.Close()
	assert.NotPanics(t, ch.Close)

	// 解除後のメッセージは届かない
	addRawMessage(t, st, "m1", "other", baseMs+1_000)
	assert.Empty(t, ch.Messages())
}
