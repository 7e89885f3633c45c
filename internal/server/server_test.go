package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chat-relay/internal/events"
	"github.com/npezzotti/go-chat-relay/internal/registry"
	"github.com/npezzotti/go-chat-relay/internal/rooms"
	"github.com/npezzotti/go-chat-relay/internal/stats"
	"github.com/npezzotti/go-chat-relay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockAuthorizer struct {
	mock.Mock
}

func (m *mockAuthorizer) AuthorizeJoin(ctx context.Context, identityId string, room rooms.RoomId) error {
	args := m.Called(ctx, identityId, room)
	return args.Error(0)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, ev events.Event) {
	m.Called(ctx, ev)
}

type testHub struct {
	hub        *Hub
	registry   *registry.Registry
	authorizer *mockAuthorizer
	publisher  *mockPublisher
	stats      *stats.MockStatsUpdater
}

func newTestHub(t *testing.T) *testHub {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return()
	su.On("Incr", mock.Anything).Return()
	su.On("Decr", mock.Anything).Return()

	th := &testHub{
		registry:   registry.New(testutil.TestLogger(t), su),
		authorizer: &mockAuthorizer{},
		publisher:  &mockPublisher{},
		stats:      su,
	}
	th.hub = NewHub(testutil.TestLogger(t), th.registry, th.authorizer, th.publisher, su, 8)

	return th
}

// connect attaches a client without a socket.
func (th *testHub) connect(t *testing.T, id, identityId, sessionTag string) *Client {
	c := &Client{
		hub:   th.hub,
		log:   testutil.TestLogger(t),
		relay: registry.NewConnection(id, identityId, sessionTag),
		send:  make(chan *ServerMessage, th.hub.sendBuffer),
		stop:  make(chan struct{}),
	}
	th.hub.OnConnect(c)
	return c
}

func drain(c *Client) []*ServerMessage {
	var out []*ServerMessage
	for {
		select {
		case msg := <-c.send:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestNewHub(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", MetricRooms).Return().Once()
	su.On("RegisterMetric", MetricDropped).Return().Once()
	su.On("RegisterMetric", mock.Anything).Return()

	reg := registry.New(testutil.TestLogger(t), su)
	h := NewHub(testutil.TestLogger(t), reg, &mockAuthorizer{}, &mockPublisher{}, su, 0)

	assert.NotNil(t, h.clients, "expected clients map to be initialized")
	assert.NotNil(t, h.rooms, "expected rooms map to be initialized")
	assert.Equal(t, defaultSendBuffer, h.sendBuffer, "expected default send buffer")
}

func TestHub_OnConnectRegisters(t *testing.T) {
	th := newTestHub(t)
	c := th.connect(t, "x", "alice", "s1")

	conns := th.registry.ConnectionsOf("alice")
	require.Len(t, conns, 1)
	assert.Same(t, c.relay, conns[0], "expected the registry to hold the client's connection")
}

func TestHub_EmitToRoom(t *testing.T) {
	th := newTestHub(t)
	room, _ := rooms.DirectRoom("alice", "bob")

	x := th.connect(t, "x", "alice", "s1")
	y := th.connect(t, "y", "alice", "s2")
	z := th.connect(t, "z", "bob", "")
	outsider := th.connect(t, "q", "carol", "")

	for _, c := range []*Client{x, y, z} {
		th.hub.Join(c.relay, room)
	}

	th.hub.EmitToRoom(room, "message:new", "hello", x.relay)

	assert.Empty(t, drain(x), "expected excluded connection to get nothing")
	assert.Empty(t, drain(outsider))
	for _, c := range []*Client{y, z} {
		msgs := drain(c)
		if assert.Len(t, msgs, 1) {
			assert.Equal(t, "message:new", msgs[0].Event)
			assert.Equal(t, "hello", msgs[0].Payload)
		}
	}
}

func TestHub_EmitToRoom_PreservesOrder(t *testing.T) {
	th := newTestHub(t)
	room := rooms.GroupRoom("g1")
	c := th.connect(t, "x", "alice", "")
	th.hub.Join(c.relay, room)

	for i := 0; i < 5; i++ {
		th.hub.EmitToRoom(room, "message:edited", i, nil)
	}

	msgs := drain(c)
	require.Len(t, msgs, 5)
	for i, m := range msgs {
		assert.Equal(t, i, m.Payload)
	}
}

func TestHub_EmitToRoom_DropsWhenQueueFull(t *testing.T) {
	th := newTestHub(t)
	room := rooms.GroupRoom("g1")
	c := th.connect(t, "x", "alice", "")
	th.hub.Join(c.relay, room)

	for i := 0; i < th.hub.sendBuffer+2; i++ {
		th.hub.EmitToRoom(room, "message:new", i, nil)
	}

	assert.Len(t, drain(c), th.hub.sendBuffer)
	assert.Equal(t, 2, countCalls(th.stats, "Incr", MetricDropped))
}

func countCalls(m *stats.MockStatsUpdater, method, arg string) int {
	n := 0
	for _, call := range m.Calls {
		if call.Method == method && call.Arguments.String(0) == arg {
			n++
		}
	}
	return n
}

func TestHub_EmitToConnection(t *testing.T) {
	th := newTestHub(t)
	c := th.connect(t, "x", "alice", "")

	assert.True(t, th.hub.EmitToConnection(c.relay, "feed:unread", 3))
	assert.False(t, th.hub.EmitToConnection(registry.NewConnection("gone", "alice", ""), "feed:unread", 3),
		"expected unknown connection to be a miss, not an error")

	msgs := drain(c)
	require.Len(t, msgs, 1)
	assert.Equal(t, "feed:unread", msgs[0].Event)
}

func TestHub_JoinUnknownConnection(t *testing.T) {
	th := newTestHub(t)
	conn := registry.NewConnection("gone", "alice", "")

	th.hub.Join(conn, rooms.GroupRoom("g1"))

	assert.False(t, conn.InRoom(rooms.GroupRoom("g1")))
	assert.Equal(t, 0, th.hub.RoomSize(rooms.GroupRoom("g1")))
}

func TestHub_OnDisconnect(t *testing.T) {
	th := newTestHub(t)
	c := th.connect(t, "x", "alice", "")
	other := th.connect(t, "y", "alice", "")

	g1, g2 := rooms.GroupRoom("g1"), rooms.GroupRoom("g2")
	th.hub.Join(c.relay, g1)
	th.hub.Join(c.relay, g2)
	th.hub.Join(other.relay, g1)

	th.hub.OnDisconnect(c)

	assert.Empty(t, c.relay.JoinedRooms())
	assert.Equal(t, 1, th.hub.RoomSize(g1))
	assert.Equal(t, 0, th.hub.RoomSize(g2))
	assert.Equal(t, 1, th.registry.Count("alice"))
	assert.False(t, th.hub.EmitToConnection(c.relay, "feed:unread", 1))

	assert.NotPanics(t, func() { th.hub.OnDisconnect(c) }, "expected repeated disconnect to be a no-op")
}

func TestHub_JoinAfterDisconnect(t *testing.T) {
	th := newTestHub(t)
	c := th.connect(t, "x", "alice", "")
	room := rooms.GroupRoom("g1")

	th.hub.OnDisconnect(c)
	th.hub.Join(c.relay, room)

	assert.Equal(t, 0, th.hub.RoomSize(room), "expected a disconnected client not to be re-added")
	assert.False(t, c.relay.InRoom(room))
}

func TestHub_ConcurrentJoinLeaveStaysConsistent(t *testing.T) {
	th := newTestHub(t)
	room := rooms.GroupRoom("g1")

	var clients []*Client
	for i := 0; i < 8; i++ {
		clients = append(clients, th.connect(t, fmt.Sprintf("c-%d", i), "alice", ""))
	}

	var wg sync.WaitGroup
	for _, c := range clients {
		for i := 0; i < 50; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				th.hub.Join(c.relay, room)
			}()
			go func() {
				defer wg.Done()
				th.hub.Leave(c.relay, room)
			}()
		}
	}
	wg.Wait()

	inRoom := 0
	for _, c := range clients {
		if c.relay.InRoom(room) {
			inRoom++
		}
	}
	assert.Equal(t, th.hub.RoomSize(room), inRoom, "expected connection room sets to match the hub")

	for _, c := range clients {
		th.hub.OnDisconnect(c)
	}
	assert.Equal(t, 0, th.hub.RoomSize(room))
}

func TestHub_WebsocketRoundTrip(t *testing.T) {
	th := newTestHub(t)
	room, _ := rooms.DirectRoom("alice", "bob")
	th.authorizer.On("AuthorizeJoin", mock.Anything, "alice", room).Return(nil)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}

		c := NewClient(registry.NewConnection("x", "alice", "s1"), conn, th.hub, testutil.TestLogger(t))
		th.hub.OnConnect(c)
		go c.Write()
		go c.Read()
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]any{"id": 1, "join": map[string]string{"recipient_id": "bob"}}))

	var joined ServerMessage
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, ws.ReadJSON(&joined))
	require.NotNil(t, joined.Response)
	assert.Equal(t, 1, joined.Id)
	assert.Equal(t, http.StatusOK, joined.Response.ResponseCode)

	th.hub.EmitToRoom(room, "message:new", map[string]string{"text": "hi"}, nil)

	var pushed struct {
		Event   string            `json:"event"`
		Payload map[string]string `json:"payload"`
	}
	require.NoError(t, ws.ReadJSON(&pushed))
	assert.Equal(t, "message:new", pushed.Event)
	assert.Equal(t, "hi", pushed.Payload["text"])

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, th.hub.Shutdown(ctx))

	assert.Equal(t, 0, th.registry.Count("alice"), "expected shutdown to unregister every connection")
	assert.Equal(t, 0, th.hub.RoomSize(room))

	_, _, err = ws.ReadMessage()
	assert.Error(t, err, "expected the socket to be closed")
	var closeErr *websocket.CloseError
	if assert.ErrorAs(t, err, &closeErr) {
		assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	}
}

func TestServerMessage_JSON(t *testing.T) {
	raw, err := json.Marshal(NoErrOK(3, map[string]any{"room_id": rooms.GroupRoom("g1")}))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"data":{"room_id":"g1"}`)
}
