package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/tierlist-backend/internal/hub"
	"github.com/DoyleJ11/tierlist-backend/internal/model"
	"github.com/DoyleJ11/tierlist-backend/internal/room"
	"github.com/DoyleJ11/tierlist-backend/internal/session"
	"github.com/DoyleJ11/tierlist-backend/internal/store"
	"github.com/DoyleJ11/tierlist-backend/internal/types"
)

type wireMsg struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload"`
}

type testServer struct {
	url string
	hub *hub.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := store.NewMemStore()
	ctx := context.Background()
	require.NoError(t, st.CreateTierlist(ctx, model.Tierlist{ID: "tl1", Name: "Games", ShareCode: "GAMES123"}, []model.Tier{
		{ID: "S", TierlistID: "tl1", Name: "S", Color: "#ff7f7f", Position: 0, ItemOrder: []string{}},
		{ID: "A", TierlistID: "tl1", Name: "A", Color: "#ffbf7f", Position: 1, ItemOrder: []string{}},
	}))
	require.NoError(t, st.CreateTierlist(ctx, model.Tierlist{ID: "tl2", Name: "Snacks", ShareCode: "SNACKS12"}, []model.Tier{
		{ID: "tl2-S", TierlistID: "tl2", Name: "S", Color: "#ff7f7f", Position: 0, ItemOrder: []string{}},
	}))

	h := hub.NewHub(ctx, room.Deps{Store: st})
	srv := httptest.NewServer(NewHandler(h, session.NewTracker(), Options{OutboxSize: 16}))
	t.Cleanup(func() {
		srv.Close()
		_ = h.Shutdown(context.Background())
	})
	return &testServer{url: "ws" + strings.TrimPrefix(srv.URL, "http"), hub: h}
}

func (s *testServer) dial(t *testing.T, clientID string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(s.url+"/?client_id="+clientID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, typ, requestID string, payload any) {
	t.Helper()
	msg := map[string]any{"type": typ, "request_id": requestID, "payload": payload}
	require.NoError(t, c.WriteJSON(msg))
}

// readUntil reads until a message of type typ arrives.
func readUntil(t *testing.T, c *websocket.Conn, typ string) wireMsg {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var m wireMsg
		require.NoError(t, c.ReadJSON(&m), "waiting for %s", typ)
		if m.Type == typ {
			return m
		}
	}
}

func usersCount(t *testing.T, c *websocket.Conn) int {
	t.Helper()
	var p types.UsersCountPayload
	require.NoError(t, json.Unmarshal(readUntil(t, c, types.UsersCount).Payload, &p))
	return p.Count
}

// waitForCount reads users-count messages until one reports want.
func waitForCount(t *testing.T, c *websocket.Conn, want int) {
	t.Helper()
	for {
		if got := usersCount(t, c); got == want {
			return
		}
	}
}

func TestJoinSendsInitialState(t *testing.T) {
	s := newTestServer(t)
	c := s.dial(t, "alice")

	send(t, c, types.JoinRoom, "r1", map[string]string{"tierlist_id": "tl1"})
	msg := readUntil(t, c, types.InitialState)
	assert.Equal(t, "r1", msg.RequestID)

	var view struct {
		TierlistID string       `json:"tierlist_id"`
		Tiers      []model.Tier `json:"tiers"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &view))
	assert.Equal(t, "tl1", view.TierlistID)
	assert.Len(t, view.Tiers, 2)
	assert.Equal(t, 1, usersCount(t, c))
}

func TestLegacyJoinWithBareID(t *testing.T) {
	s := newTestServer(t)
	c := s.dial(t, "alice")

	send(t, c, types.JoinTierlist, "", "tl1")
	readUntil(t, c, types.InitialState)
}

func TestItemAddBroadcast(t *testing.T) {
	s := newTestServer(t)
	a := s.dial(t, "alice")
	b := s.dial(t, "bob")

	send(t, a, types.JoinRoom, "", "tl1")
	readUntil(t, a, types.InitialState)
	send(t, b, types.JoinRoom, "", "tl1")
	readUntil(t, b, types.InitialState)

	send(t, a, "item-add", "add-1", map[string]string{"id": "mario", "name": "Mario"})

	mine := readUntil(t, a, "item-added")
	assert.Equal(t, "add-1", mine.RequestID)
	theirs := readUntil(t, b, "item-added")
	assert.Empty(t, theirs.RequestID)

	var it model.Item
	require.NoError(t, json.Unmarshal(theirs.Payload, &it))
	assert.Equal(t, "mario", it.ID)
	assert.Equal(t, "Mario", it.Name)
}

func TestMutationBeforeJoin(t *testing.T) {
	s := newTestServer(t)
	c := s.dial(t, "alice")

	send(t, c, "item-add", "r9", map[string]string{"name": "Mario"})
	msg := readUntil(t, c, types.Error)
	assert.Equal(t, "r9", msg.RequestID)

	var p types.ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, "item-add", p.Event)
	assert.Equal(t, session.ErrNotJoined.Error(), p.Message)
}

func TestBadJSONAndUnknownEvent(t *testing.T) {
	s := newTestServer(t)
	c := s.dial(t, "alice")

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{not json")))
	readUntil(t, c, types.Error)

	send(t, c, "explode", "r2", nil)
	msg := readUntil(t, c, types.Error)
	assert.Equal(t, "r2", msg.RequestID)
}

func TestReconnectReplacesOldConnection(t *testing.T) {
	s := newTestServer(t)
	first := s.dial(t, "alice")
	send(t, first, types.JoinRoom, "", "tl1")
	readUntil(t, first, types.InitialState)
	assert.Equal(t, 1, usersCount(t, first))

	second := s.dial(t, "alice")
	send(t, second, types.JoinRoom, "", "tl1")
	readUntil(t, second, types.InitialState)
	assert.Equal(t, 1, usersCount(t, second))

	// The old socket is closed by the server.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}
}

func TestSwitchingRoomsUpdatesBothCounts(t *testing.T) {
	s := newTestServer(t)
	alice := s.dial(t, "alice")
	bob := s.dial(t, "bob")

	send(t, alice, types.JoinRoom, "", "tl1")
	readUntil(t, alice, types.InitialState)
	send(t, bob, types.JoinRoom, "", "tl1")
	readUntil(t, bob, types.InitialState)
	waitForCount(t, bob, 2)

	send(t, alice, types.JoinRoom, "", "tl2")
	msg := readUntil(t, alice, types.InitialState)
	var view struct {
		TierlistID string `json:"tierlist_id"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &view))
	assert.Equal(t, "tl2", view.TierlistID)
	assert.Equal(t, 1, usersCount(t, alice))

	waitForCount(t, bob, 1)

	// alice now talks to tl2 only.
	send(t, alice, "item-add", "add-2", map[string]string{"id": "chips", "name": "Chips"})
	readUntil(t, alice, "item-added")
	snap, err := mustRoom(t, s, "tl1").ReadState(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, snap.View.Items)
	assert.Equal(t, 1, snap.Members)
}

func TestDistinctClientsAreCounted(t *testing.T) {
	s := newTestServer(t)
	clients := []string{"alice", "bob", "carol", "dave"}
	var last *websocket.Conn
	for _, id := range clients {
		c := s.dial(t, id)
		send(t, c, types.JoinRoom, "", "tl1")
		readUntil(t, c, types.InitialState)
		last = c
	}
	waitForCount(t, last, len(clients))

	snap, err := mustRoom(t, s, "tl1").ReadState(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, len(clients), snap.Members)
}

func TestAbandonedJoinIsWithdrawn(t *testing.T) {
	s := newTestServer(t)
	rm := mustRoom(t, s, "tl1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The wait races the room: whichever wins, membership must match what was reported.
	joined := 0
	for i := 0; i < 20; i++ {
		j := room.Join{
			ConnID: fmt.Sprintf("conn-%d", i),
			Outbox: make(chan types.ServerMessage, 128),
			Kick:   func() {},
		}
		if err := awaitJoin(ctx, rm, j); err == nil {
			joined++
		} else {
			assert.ErrorIs(t, err, context.Canceled)
		}
	}

	snap, err := rm.ReadState(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, joined, snap.Members)
}

func mustRoom(t *testing.T, s *testServer, id string) *room.Room {
	t.Helper()
	rm, err := s.hub.GetOrCreate(context.Background(), id)
	require.NoError(t, err)
	return rm
}

func TestDirectoryReceivesNewTierlist(t *testing.T) {
	s := newTestServer(t)
	c := s.dial(t, "alice")

	send(t, c, types.JoinHub, "", nil)
	// request-sync is answered after join-hub has been handled.
	send(t, c, types.RequestSync, "", nil)
	readUntil(t, c, types.Error)

	require.NoError(t, s.hub.NotifyNewTierlist(model.Tierlist{ID: "tl3", Name: "Movies", ShareCode: "MOVIES12"}))
	msg := readUntil(t, c, types.NewTierlist)

	var tl model.Tierlist
	require.NoError(t, json.Unmarshal(msg.Payload, &tl))
	assert.Equal(t, "tl3", tl.ID)
}

func TestOriginPatterns(t *testing.T) {
	got := OriginPatterns([]string{"*", "http://localhost:5173", " https://tiers.example.com/ ", ""})
	assert.Equal(t, []string{"*", "localhost:5173", "tiers.example.com"}, got)
}
