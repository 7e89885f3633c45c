package registry

import (
	"sync"

	"github.com/npezzotti/go-chat-relay/internal/rooms"
)

// Connection is one live socket of an identity. It is created once at
// handshake and shared by reference with every component that needs it.
type Connection struct {
	id         string
	identityId string
	sessionTag string

	roomsLock sync.RWMutex
	rooms     map[rooms.RoomId]struct{}
}

func NewConnection(id, identityId, sessionTag string) *Connection {
	return &Connection{
		id:         id,
		identityId: identityId,
		sessionTag: sessionTag,
		rooms:      make(map[rooms.RoomId]struct{}),
	}
}

func (c *Connection) Id() string {
	return c.id
}

func (c *Connection) IdentityId() string {
	return c.identityId
}

// SessionTag identifies the login session that opened the connection. It is
// empty when the client did not supply one.
func (c *Connection) SessionTag() string {
	return c.sessionTag
}

// MatchesSession reports whether this connection originated an action tagged
// with tag.
func (c *Connection) MatchesSession(tag string) bool {
	return tag != "" && c.sessionTag == tag
}

func (c *Connection) InRoom(room rooms.RoomId) bool {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	_, ok := c.rooms[room]
	return ok
}

func (c *Connection) JoinedRooms() []rooms.RoomId {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	joined := make([]rooms.RoomId, 0, len(c.rooms))
	for r := range c.rooms {
		joined = append(joined, r)
	}
	return joined
}

// MarkJoined records room membership and reports whether it was new.
func (c *Connection) MarkJoined(room rooms.RoomId) bool {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	if _, ok := c.rooms[room]; ok {
		return false
	}
	c.rooms[room] = struct{}{}
	return true
}

// MarkLeft removes room membership and reports whether it existed.
func (c *Connection) MarkLeft(room rooms.RoomId) bool {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	if _, ok := c.rooms[room]; !ok {
		return false
	}
	delete(c.rooms, room)
	return true
}
