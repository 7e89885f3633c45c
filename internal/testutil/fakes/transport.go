package fakes

import (
	"sync"

	"github.com/npezzotti/go-chat-relay/internal/registry"
	"github.com/npezzotti/go-chat-relay/internal/rooms"
)

// Delivery is one payload that reached one connection.
type Delivery struct {
	ConnectionId string
	Name         string
	Payload      any
	// ViaRoom is set when the payload came from a room broadcast.
	ViaRoom rooms.RoomId
}

// Transport is an in-memory transport that resolves room broadcasts against
// the connections' joined rooms and records every delivery.
type Transport struct {
	mu         sync.Mutex
	conns      map[string]*registry.Connection
	deliveries []Delivery
	closed     map[string]bool
}

func NewTransport() *Transport {
	return &Transport{
		conns:  make(map[string]*registry.Connection),
		closed: make(map[string]bool),
	}
}

// Attach makes conn reachable by room broadcasts.
func (t *Transport) Attach(conns ...*registry.Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range conns {
		t.conns[c.Id()] = c
	}
}

// Close makes further sends to the connection fail.
func (t *Transport) Close(conn *registry.Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed[conn.Id()] = true
}

func (t *Transport) Join(conn *registry.Connection, room rooms.RoomId) {
	t.mu.Lock()
	t.conns[conn.Id()] = conn
	t.mu.Unlock()
	conn.MarkJoined(room)
}

func (t *Transport) Leave(conn *registry.Connection, room rooms.RoomId) {
	conn.MarkLeft(room)
}

func (t *Transport) EmitToRoom(room rooms.RoomId, name string, payload any, except *registry.Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, c := range t.conns {
		if !c.InRoom(room) || c == except || t.closed[id] {
			continue
		}
		t.deliveries = append(t.deliveries, Delivery{ConnectionId: id, Name: name, Payload: payload, ViaRoom: room})
	}
}

func (t *Transport) EmitToConnection(conn *registry.Connection, name string, payload any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed[conn.Id()] {
		return false
	}
	t.deliveries = append(t.deliveries, Delivery{ConnectionId: conn.Id(), Name: name, Payload: payload})
	return true
}

func (t *Transport) Deliveries() []Delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Delivery(nil), t.deliveries...)
}

// To returns the deliveries that reached one connection, in order.
func (t *Transport) To(connectionId string) []Delivery {
	var out []Delivery
	for _, d := range t.Deliveries() {
		if d.ConnectionId == connectionId {
			out = append(out, d)
		}
	}
	return out
}

// Named returns the deliveries of one wire event name to one connection.
func (t *Transport) Named(connectionId, name string) []Delivery {
	var out []Delivery
	for _, d := range t.To(connectionId) {
		if d.Name == name {
			out = append(out, d)
		}
	}
	return out
}

func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deliveries = nil
}
