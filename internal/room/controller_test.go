package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamstage/room-server/internal/store"
)

// viewRecorder は onView で届いたスナップショットを記録します
type viewRecorder struct {
	mu    sync.Mutex
	views []View
}

func (r *viewRecorder) record(v View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views = append(r.views, v)
}

type controllerFixture struct {
	st      *store.MemStore
	clk     *FakeClock
	nav     *recordingNav
	ntf     *recordingNotifier
	rec     *viewRecorder
	ctrl    *Controller
	clean   *CleanupScheduler
	removal *RemovalDetector
}

func newControllerFixture(t *testing.T, st store.DocStore) *controllerFixture {
	t.Helper()
	f := &controllerFixture{
		clk: NewFakeClock(time.UnixMilli(1_700_000_000_000)),
		nav: &recordingNav{},
		ntf: &recordingNotifier{},
		rec: &viewRecorder{},
	}
	if ms, ok := st.(*store.MemStore); ok {
		f.st = ms
	}
	f.clean = NewCleanupScheduler(st, f.clk, f.nav, f.ntf, "r1", testTiming())
	f.removal = NewRemovalDetector(f.clk, f.nav, f.ntf, "me", 100*time.Millisecond)
	f.ctrl = NewController(st, f.clk, f.nav, f.ntf, f.clean, f.removal,
		"me", "r1", 8*time.Second, f.rec.record)
	return f
}

func seedControllerRoom(t *testing.T, st *store.MemStore) {
	t.Helper()
	err := st.SetOne(context.Background(), store.RoomPath("r1"), map[string]any{
		"id":     "r1",
		"name":   "セッション",
		"hostId": "me",
		"participants": []any{
			map[string]any{"id": "me", "isHost": true, "isInRoom": true,
				"heartbeatTimestamp": float64(1_700_000_000_000)},
		},
		"participantIds": []any{"me"},
	}, false)
	require.NoError(t, err)
}

func TestControllerLoadingToReady(t *testing.T) {
	st := store.NewMemStore()
	seedControllerRoom(t, st)
	f := newControllerFixture(t, st)
	defer f.ctrl.Close()

	require.NoError(t, f.ctrl.Start(context.Background()))

	v := f.ctrl.View()
	assert.Equal(t, StateReady, v.State)
	assert.False(t, v.Loading)
	require.NotNil(t, v.Room)
	assert.Equal(t, "r1", v.Room.Id)
	assert.True(t, v.IsParticipant)
	assert.True(t, v.IsHost)
	require.NotNil(t, v.Participant)
	assert.Equal(t, "me", v.Participant.Id)

	// onView には Loading → Ready の順で届く
	f.rec.mu.Lock()
	require.GreaterOrEqual(t, len(f.rec.views), 2)
	assert.True(t, f.rec.views[0].Loading)
	f.rec.mu.Unlock()

	// 読み込みタイマーは解決と同時に解除されており、後から発火しない
	f.clk.Advance(time.Minute)
	assert.Equal(t, StateReady, f.ctrl.View().State)
}

func TestControllerMissingRoomIsTerminal(t *testing.T) {
	st := store.NewMemStore()
	f := newControllerFixture(t, st)
	defer f.ctrl.Close()

	_ = f.ctrl.Start(context.Background())

	v := f.ctrl.View()
	assert.Equal(t, StateError, v.State)
	assert.Equal(t, "room closed", v.Err)
	assert.Nil(t, v.Room)
	assert.Equal(t, 1, f.nav.count())
	assert.Equal(t, 1, f.ntf.count())
}

func TestControllerRoomDeletedAfterReady(t *testing.T) {
	st := store.NewMemStore()
	seedControllerRoom(t, st)
	f := newControllerFixture(t, st)
	defer f.ctrl.Close()

	require.NoError(t, f.ctrl.Start(context.Background()))
	require.Equal(t, StateReady, f.ctrl.View().State)

	require.NoError(t, st.DeleteOne(context.Background(), store.RoomPath("r1")))

	v := f.ctrl.View()
	assert.Equal(t, StateError, v.State)
	assert.Equal(t, "room closed", v.Err)
	assert.Equal(t, 1, f.nav.count())

	// Error は終端であり、後続のスナップショットでは復帰しない
	seedControllerRoom(t, st)
	assert.Equal(t, StateError, f.ctrl.View().State)
	assert.Equal(t, 1, f.nav.count())
}

// silentStore は購読してもスナップショットを一切配らないストアです
// 読み込みタイムアウトの経路を検証するために使います
type silentStore struct {
	*store.MemStore
}

func (s silentStore) Subscribe(ctx context.Context, path string, onData func(map[string]any), onError func(error)) (store.Unsubscribe, error) {
	return func() {}, nil
}

func TestControllerLoadTimeout(t *testing.T) {
	f := newControllerFixture(t, silentStore{store.NewMemStore()})
	defer f.ctrl.Close()

	require.NoError(t, f.ctrl.Start(context.Background()))
	assert.Equal(t, StateLoading, f.ctrl.View().State)

	f.clk.Advance(8 * time.Second)

	v := f.ctrl.View()
	assert.Equal(t, StateError, v.State)
	assert.Equal(t, "could not load room", v.Err)
	assert.Equal(t, 1, f.nav.count())
}

func TestControllerCloseIsIdempotent(t *testing.T) {
	st := store.NewMemStore()
	seedControllerRoom(t, st)
	f := newControllerFixture(t, st)

	require.NoError(t, f.ctrl.Start(context.Background()))
	f.ctrl.Close()
	assert.NotPanics(t, func() { f.ctrl.Close() })

	// Close 後はルーム消失が届いてもリダイレクトしない
	require.NoError(t, st.DeleteOne(context.Background(), store.RoomPath("r1")))
	assert.Equal(t, 0, f.nav.count())
}

func TestControllerStartTwiceFails(t *testing.T) {
	st := store.NewMemStore()
	seedControllerRoom(t, st)
	f := newControllerFixture(t, st)
	defer f.ctrl.Close()

	require.NoError(t, f.ctrl.Start(context.Background()))
	assert.Error(t, f.ctrl.Start(context.Background()))
}

func TestControllerVoluntaryLeaveDoesNotNotify(t *testing.T) {
	st := store.NewMemStore()
	err := st.SetOne(context.Background(), store.RoomPath("r1"), map[string]any{
		"id":     "r1",
		"name":   "セッション",
		"hostId": "other",
		"participants": []any{
			map[string]any{"id": "other", "isHost": true, "isInRoom": true,
				"heartbeatTimestamp": float64(1_700_000_000_000)},
			map[string]any{"id": "me", "isHost": false, "isInRoom": true,
				"heartbeatTimestamp": float64(1_700_000_000_000)},
		},
		"participantIds": []any{"other", "me"},
	}, false)
	require.NoError(t, err)
	f := newControllerFixture(t, st)
	defer f.ctrl.Close()

	require.NoError(t, f.ctrl.Start(context.Background()))
	require.Equal(t, StateReady, f.ctrl.View().State)

	// 自発的な退出はストアへの書き込みより先にラッチしておく
	f.removal.SuppressRemoval()
	err = st.SetOne(context.Background(), store.RoomPath("r1"), map[string]any{
		"id":     "r1",
		"name":   "セッション",
		"hostId": "other",
		"participants": []any{
			map[string]any{"id": "other", "isHost": true, "isInRoom": true,
				"heartbeatTimestamp": float64(1_700_000_000_000)},
		},
		"participantIds": []any{"other"},
	}, false)
	require.NoError(t, err)

	f.clk.Advance(time.Second)
	assert.Equal(t, 0, f.ntf.count())
	assert.Equal(t, 0, f.nav.count())
	assert.Equal(t, StateReady, f.ctrl.View().State)
}

func TestControllerStaleLoadTimerDoesNotClobberReady(t *testing.T) {
	f := newControllerFixture(t, silentStore{store.NewMemStore()})
	defer f.ctrl.Close()

	require.NoError(t, f.ctrl.Start(context.Background()))
	require.Equal(t, StateLoading, f.ctrl.View().State)

	f.ctrl.handleSnapshot(map[string]any{
		"id":     "r1",
		"hostId": "me",
		"participants": []any{
			map[string]any{"id": "me", "isHost": true, "isInRoom": true,
				"heartbeatTimestamp": float64(1_700_000_000_000)},
		},
		"participantIds": []any{"me"},
	})
	require.Equal(t, StateReady, f.ctrl.View().State)

	// タイマー解除と競合して発火した読み込みタイムアウトは Ready を壊さない
	f.ctrl.loadTimedOut()

	assert.Equal(t, StateReady, f.ctrl.View().State)
	assert.Equal(t, 0, f.ntf.count())
	assert.Equal(t, 0, f.nav.count())
}

func TestControllerTransientErrorKeepsState(t *testing.T) {
	st := store.NewMemStore()
	seedControllerRoom(t, st)
	f := newControllerFixture(t, st)
	defer f.ctrl.Close()

	require.NoError(t, f.ctrl.Start(context.Background()))
	f.ctrl.handleError(&store.TransientError{Err: assert.AnError})

	assert.Equal(t, StateReady, f.ctrl.View().State)
	assert.Equal(t, 0, f.nav.count())
}
