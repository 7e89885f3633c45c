package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chat-relay/internal/events"
	"github.com/npezzotti/go-chat-relay/internal/registry"
	"github.com/npezzotti/go-chat-relay/internal/rooms"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1024

	defaultSendBuffer = 256
)

type Client struct {
	conn     *websocket.Conn
	hub      *Hub
	log      *zap.Logger
	relay    *registry.Connection
	send     chan *ServerMessage
	stop     chan struct{}
	stopOnce sync.Once
	leftOnce sync.Once
}

func NewClient(relay *registry.Connection, conn *websocket.Conn, hub *Hub, l *zap.Logger) *Client {
	return &Client{
		conn:  conn,
		hub:   hub,
		log:   l.With(zap.String("identity_id", relay.IdentityId()), zap.String("connection_id", relay.Id())),
		relay: relay,
		send:  make(chan *ServerMessage, hub.sendBuffer),
		stop:  make(chan struct{}),
	}
}

// Connection returns the registry entity of this socket.
func (c *Client) Connection() *registry.Connection {
	return c.relay
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Error("failed to serialize message", zap.Error(err))
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn("ws: read", zap.Error(err))
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Debug("error parsing message", zap.Error(err))
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}
		msg.Timestamp = Now()

		c.handle(&msg)
	}
}

func (c *Client) handle(msg *ClientMessage) {
	switch {
	case msg.Join != nil:
		c.joinRoom(msg)
	case msg.Leave != nil:
		c.leaveRoom(msg)
	case msg.Typing != nil:
		c.typing(msg)
	default:
		c.queueMessage(ErrInvalidMessage(msg.Id))
	}
}

func (c *Client) roomFor(recipientId, groupId string) (rooms.RoomId, error) {
	switch {
	case recipientId != "" && groupId != "":
		return "", rooms.ErrInvalidRoom
	case groupId != "":
		return rooms.GroupRoom(groupId), nil
	case recipientId != "":
		return rooms.DirectRoom(c.relay.IdentityId(), recipientId)
	default:
		return "", rooms.ErrInvalidRoom
	}
}

// joinRoom authorizes on the reader goroutine, so a slow membership lookup
// holds up only this connection.
func (c *Client) joinRoom(msg *ClientMessage) {
	room, err := c.roomFor(msg.Join.RecipientId, msg.Join.GroupId)
	if err != nil {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	if err := c.hub.resolver.AuthorizeJoin(context.Background(), c.relay.IdentityId(), room); err != nil {
		c.log.Debug("join rejected", zap.String("room_id", room.String()), zap.Error(err))
		switch {
		case errors.Is(err, rooms.ErrInvalidRoom):
			c.queueMessage(ErrInvalidMessage(msg.Id))
		case errors.Is(err, context.DeadlineExceeded):
			c.queueMessage(ErrServiceUnavailable(msg.Id))
		case errors.Is(err, rooms.ErrForbidden):
			c.queueMessage(ErrForbidden(msg.Id))
		default:
			c.queueMessage(ErrInternalError(msg.Id))
		}
		return
	}

	c.hub.Join(c.relay, room)
	c.queueMessage(NoErrOK(msg.Id, map[string]any{"room_id": room}))
}

func (c *Client) leaveRoom(msg *ClientMessage) {
	room, err := c.roomFor(msg.Leave.RecipientId, msg.Leave.GroupId)
	if err != nil {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	c.hub.Leave(c.relay, room)
	c.queueMessage(NoErrOK(msg.Id, map[string]any{"room_id": room}))
}

// typing is accepted only for rooms this connection has joined.
func (c *Client) typing(msg *ClientMessage) {
	room, err := c.roomFor(msg.Typing.RecipientId, msg.Typing.GroupId)
	if err != nil {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}
	if !c.relay.InRoom(room) {
		c.queueMessage(ErrForbidden(msg.Id))
		return
	}

	scope := events.Scope{
		InitiatorId:    c.relay.IdentityId(),
		RecipientId:    msg.Typing.RecipientId,
		GroupId:        msg.Typing.GroupId,
		ConversationId: msg.Typing.ConversationId,
	}
	meta := events.NewMeta(msg.Timestamp)

	var ev events.Event = &events.TypingStopped{Meta: meta, Scope: scope}
	if msg.Typing.Active {
		ev = &events.TypingStarted{Meta: meta, Scope: scope}
	}

	c.hub.publisher.Publish(context.Background(), ev)
	c.queueMessage(NoErrAccepted(msg.Id))
}

// queueMessage never blocks. A full queue drops the message.
func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn("failed to send message to client, channel is full")
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn("write message", zap.Error(err))
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	c.leftOnce.Do(func() {
		c.hub.OnDisconnect(c)
	})
	c.stopClient()
}
