package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamstage/room-server/internal/auth"
	"github.com/jamstage/room-server/internal/config"
	"github.com/jamstage/room-server/internal/room"
	"github.com/jamstage/room-server/internal/service"
	"github.com/jamstage/room-server/internal/store"
)

// seqIDGen はテスト用に決まった ID を返します
type seqIDGen struct {
	ids []string
	n   int
}

func (g *seqIDGen) New() (string, error) {
	id := g.ids[g.n%len(g.ids)]
	g.n++
	return id, nil
}

type handlerFixture struct {
	srv    *httptest.Server
	am     *auth.Manager
	st     *store.MemStore
	clk    *room.FakeClock
	svc    *service.RoomService
	ws     *WebSocketHandler
	tokens map[string]string
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	st := store.NewMemStore()
	clk := room.NewFakeClock(time.UnixMilli(1_700_000_000_000))
	svc := service.NewRoomService(st, clk, &seqIDGen{ids: []string{"AAAAAAA", "BBBBBBB"}}, 8)
	am := auth.NewManager("test-secret")
	ws := NewWebSocketHandler(svc, st, am, config.Config{RemovalDelay: 100 * time.Millisecond})
	h := NewRoomHandler(svc, ws)

	r := chi.NewRouter()
	r.Route("/api/v1/room", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(am.Middleware)
			r.Post("/create", h.Create)
			r.Get("/{roomId}", h.Get)
			r.Post("/{roomId}/join", h.Join)
			r.Post("/{roomId}/leave", h.Leave)
			r.Post("/{roomId}/kick", h.Kick)
			r.Delete("/{roomId}", h.Close)
		})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	f := &handlerFixture{srv: srv, am: am, st: st, clk: clk, svc: svc, ws: ws, tokens: map[string]string{}}
	for _, u := range []auth.Identity{
		{ID: "alice", DisplayName: "Alice"},
		{ID: "bob", DisplayName: "Bob"},
	} {
		token, err := am.IssueToken(u, time.Hour)
		require.NoError(t, err)
		f.tokens[u.ID] = token
	}
	return f
}

func (f *handlerFixture) do(t *testing.T, method, path, user string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+f.tokens[user])
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestCreateRequiresAuth(t *testing.T) {
	f := newHandlerFixture(t)
	resp := f.do(t, http.MethodPost, "/api/v1/room/create", "", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateAndGetRoom(t *testing.T) {
	f := newHandlerFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/room/create", "alice", map[string]any{
		"name":         "セッション",
		"visibility":   "public",
		"instrumentId": "piano",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	created := body["room"].(map[string]any)
	assert.Equal(t, "AAAAAAA", created["id"])
	assert.Equal(t, "alice", created["hostId"])

	resp = f.do(t, http.MethodGet, "/api/v1/room/AAAAAAA", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	got := body["room"].(map[string]any)
	assert.Equal(t, "セッション", got["name"])
}

func TestGetMissingRoomReturns404(t *testing.T) {
	f := newHandlerFixture(t)
	resp := f.do(t, http.MethodGet, "/api/v1/room/NOPE123", "alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJoinRejectsWrongCode(t *testing.T) {
	f := newHandlerFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/room/create", "alice", map[string]any{
		"visibility": "private",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/room/AAAAAAA/join", "bob", map[string]any{
		"joinCode": "WRONG1",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestJoinAndLeave(t *testing.T) {
	f := newHandlerFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/room/create", "alice", map[string]any{"visibility": "public"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/room/AAAAAAA/join", "bob", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	joined := body["room"].(map[string]any)
	ids := joined["participantIds"].([]any)
	assert.Len(t, ids, 2)

	resp = f.do(t, http.MethodPost, "/api/v1/room/AAAAAAA/leave", "bob", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// 参加していないユーザーの退出は 403
	resp = f.do(t, http.MethodPost, "/api/v1/room/AAAAAAA/leave", "bob", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestKickRequiresHost(t *testing.T) {
	f := newHandlerFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/room/create", "alice", map[string]any{"visibility": "public"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/api/v1/room/AAAAAAA/join", "bob", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/room/AAAAAAA/kick", "bob", map[string]any{"userId": "alice"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/room/AAAAAAA/kick", "alice", map[string]any{"userId": "bob"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCloseRoom(t *testing.T) {
	f := newHandlerFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/room/create", "alice", map[string]any{"visibility": "public"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/api/v1/room/AAAAAAA", "alice", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/room/AAAAAAA", "alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateRejectsInvalidJSON(t *testing.T) {
	f := newHandlerFixture(t)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/api/v1/room/create",
		bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.tokens["alice"])
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
