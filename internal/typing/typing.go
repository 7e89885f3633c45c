package typing

import (
	"errors"

	"github.com/npezzotti/go-chat-relay/internal/events"
	"github.com/npezzotti/go-chat-relay/internal/registry"
	"github.com/npezzotti/go-chat-relay/internal/rooms"
	"go.uber.org/zap"
)

const (
	EventTypingStart = "typing:start"
	EventTypingStop  = "typing:stop"
	EventFeedTyping  = "feed:typing"
)

var ErrGroupScope = errors.New("typing coordinator handles direct rooms only")

type Transport interface {
	EmitToRoom(room rooms.RoomId, name string, payload any, except *registry.Connection)
	EmitToConnection(conn *registry.Connection, name string, payload any) bool
}

type Connections interface {
	ConnectionsOf(identityId string) []*registry.Connection
}

type Signal struct {
	ConversationId string `json:"conversation_id,omitempty"`
	GroupId        string `json:"group_id,omitempty"`
	IdentityId     string `json:"identity_id"`
	Typing         bool   `json:"typing"`
}

// Coordinator relays typing signals for direct conversations. Nothing is
// stored and nothing is retried.
type Coordinator struct {
	log       *zap.Logger
	transport Transport
	conns     Connections
}

func NewCoordinator(logger *zap.Logger, transport Transport, conns Connections) *Coordinator {
	return &Coordinator{
		log:       logger.Named("typing"),
		transport: transport,
		conns:     conns,
	}
}

func (c *Coordinator) Started(ev *events.TypingStarted) error {
	return c.relay(ev.Scope, true)
}

func (c *Coordinator) Stopped(ev *events.TypingStopped) error {
	return c.relay(ev.Scope, false)
}

// relay broadcasts to the room and pings the recipient's connections that
// are not joined to it, so no connection gets both.
func (c *Coordinator) relay(scope events.Scope, typing bool) error {
	if scope.IsGroup() {
		return ErrGroupScope
	}

	room, err := scope.Room()
	if err != nil {
		return err
	}

	signal := Signal{
		ConversationId: scope.ConversationId,
		IdentityId:     scope.InitiatorId,
		Typing:         typing,
	}

	name := EventTypingStop
	if typing {
		name = EventTypingStart
	}
	c.transport.EmitToRoom(room, name, signal, nil)

	pinged := 0
	for _, conn := range c.conns.ConnectionsOf(scope.RecipientId) {
		if conn.InRoom(room) {
			continue
		}
		if c.transport.EmitToConnection(conn, EventFeedTyping, signal) {
			pinged++
		}
	}

	c.log.Debug("relayed typing signal",
		zap.String("room_id", room.String()),
		zap.Bool("typing", typing),
		zap.Int("feed_pings", pinged),
	)

	return nil
}
