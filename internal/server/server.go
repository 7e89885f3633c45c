package server

import (
	"context"
	"sync"

	"github.com/npezzotti/go-chat-relay/internal/events"
	"github.com/npezzotti/go-chat-relay/internal/registry"
	"github.com/npezzotti/go-chat-relay/internal/rooms"
	"github.com/npezzotti/go-chat-relay/internal/stats"
	"go.uber.org/zap"
)

const (
	MetricRooms   = "NumActiveRooms"
	MetricDropped = "NumDroppedDeliveries"
)

type Publisher interface {
	Publish(ctx context.Context, ev events.Event)
}

type JoinAuthorizer interface {
	AuthorizeJoin(ctx context.Context, identityId string, room rooms.RoomId) error
}

// Hub is the websocket transport. It owns which sockets listen on which room
// and hands every live connection to the registry.
type Hub struct {
	log        *zap.Logger
	registry   *registry.Registry
	resolver   JoinAuthorizer
	publisher  Publisher
	stats      stats.StatsProvider
	sendBuffer int

	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[rooms.RoomId]map[string]*Client

	wg sync.WaitGroup
}

func NewHub(logger *zap.Logger, reg *registry.Registry, resolver JoinAuthorizer, publisher Publisher, su stats.StatsProvider, sendBuffer int) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}

	su.RegisterMetric(MetricRooms)
	su.RegisterMetric(MetricDropped)

	return &Hub{
		log:        logger.Named("hub"),
		registry:   reg,
		resolver:   resolver,
		publisher:  publisher,
		stats:      su,
		sendBuffer: sendBuffer,
		clients:    make(map[string]*Client),
		rooms:      make(map[rooms.RoomId]map[string]*Client),
	}
}

// OnConnect makes the client addressable and registers its connection.
func (h *Hub) OnConnect(c *Client) {
	h.mu.Lock()
	h.clients[c.relay.Id()] = c
	h.mu.Unlock()

	h.wg.Add(1)
	h.registry.Register(c.relay.IdentityId(), c.relay)
}

// OnDisconnect makes the client unaddressable, leaves every joined room, then
// unregisters the connection. A Join racing the disconnect finds no client
// and is a no-op.
func (h *Hub) OnDisconnect(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c.relay.Id()]
	delete(h.clients, c.relay.Id())
	emptied := 0
	for _, room := range c.relay.JoinedRooms() {
		if h.leaveLocked(c.relay, room) {
			emptied++
		}
	}
	h.mu.Unlock()

	for i := 0; i < emptied; i++ {
		h.stats.Decr(MetricRooms)
	}

	h.registry.Unregister(c.relay.IdentityId(), c.relay.Id())

	if ok {
		h.wg.Done()
	}
}

// Join adds conn to room. The connection's own room set is updated under the
// hub lock so it always agrees with the hub's view.
func (h *Hub) Join(conn *registry.Connection, room rooms.RoomId) {
	h.mu.Lock()
	c, ok := h.clients[conn.Id()]
	if !ok {
		h.mu.Unlock()
		return
	}

	members, exists := h.rooms[room]
	if !exists {
		members = make(map[string]*Client)
		h.rooms[room] = members
	}
	members[conn.Id()] = c
	joined := conn.MarkJoined(room)
	h.mu.Unlock()

	if !exists {
		h.stats.Incr(MetricRooms)
	}
	if joined {
		h.log.Debug("joined room",
			zap.String("connection_id", conn.Id()),
			zap.String("room_id", room.String()),
		)
	}
}

func (h *Hub) Leave(conn *registry.Connection, room rooms.RoomId) {
	h.mu.Lock()
	emptied := h.leaveLocked(conn, room)
	h.mu.Unlock()

	if emptied {
		h.stats.Decr(MetricRooms)
	}
}

// leaveLocked removes conn from room and reports whether the room emptied.
// h.mu must be held.
func (h *Hub) leaveLocked(conn *registry.Connection, room rooms.RoomId) bool {
	emptied := false
	if members, ok := h.rooms[room]; ok {
		delete(members, conn.Id())
		if len(members) == 0 {
			delete(h.rooms, room)
			emptied = true
		}
	}

	if conn.MarkLeft(room) {
		h.log.Debug("left room",
			zap.String("connection_id", conn.Id()),
			zap.String("room_id", room.String()),
		)
	}
	return emptied
}

// EmitToRoom queues one message to every client in room except one. Each
// client's queue preserves call order.
func (h *Hub) EmitToRoom(room rooms.RoomId, name string, payload any, except *registry.Connection) {
	msg := Notify(name, payload)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, c := range h.rooms[room] {
		if except != nil && id == except.Id() {
			continue
		}
		if !c.queueMessage(msg) {
			h.stats.Incr(MetricDropped)
		}
	}
}

func (h *Hub) EmitToConnection(conn *registry.Connection, name string, payload any) bool {
	h.mu.RLock()
	c, ok := h.clients[conn.Id()]
	h.mu.RUnlock()

	if !ok {
		return false
	}
	if !c.queueMessage(Notify(name, payload)) {
		h.stats.Incr(MetricDropped)
		return false
	}
	return true
}

// RoomSize returns how many connections listen on room.
func (h *Hub) RoomSize(room rooms.RoomId) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Shutdown stops every client and waits for their connections to be
// unregistered or for ctx to end.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.log.Info("received shutdown signal")

	h.mu.RLock()
	for _, c := range h.clients {
		c.stopClient()
	}
	h.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
