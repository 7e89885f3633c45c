package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-chat-relay/internal/rooms"
	"github.com/npezzotti/go-chat-relay/internal/types"
)

type Kind int16

const (
	KindMessageSent Kind = iota + 1
	KindMessageEdited
	KindMessageDeleted
	KindMessageRead
	KindConversationCreated
	KindConversationDeleted
	KindUserBlocked
	KindUserUnblocked
	KindTypingStarted
	KindTypingStopped
	KindPresenceChanged
)

// Kinds lists every event kind in declaration order.
var Kinds = []Kind{
	KindMessageSent,
	KindMessageEdited,
	KindMessageDeleted,
	KindMessageRead,
	KindConversationCreated,
	KindConversationDeleted,
	KindUserBlocked,
	KindUserUnblocked,
	KindTypingStarted,
	KindTypingStopped,
	KindPresenceChanged,
}

func (k Kind) String() string {
	switch k {
	case KindMessageSent:
		return "message.send"
	case KindMessageEdited:
		return "message.edit"
	case KindMessageDeleted:
		return "message.delete"
	case KindMessageRead:
		return "message.read"
	case KindConversationCreated:
		return "conversation.created"
	case KindConversationDeleted:
		return "conversation.deleted"
	case KindUserBlocked:
		return "user.block"
	case KindUserUnblocked:
		return "user.unblock"
	case KindTypingStarted:
		return "typing.start"
	case KindTypingStopped:
		return "typing.stop"
	case KindPresenceChanged:
		return "presence.changed"
	default:
		return "unknown"
	}
}

// Event is a published domain event. Implementations are immutable once
// published and are dispatched through Accept so every kind must be handled.
type Event interface {
	Kind() Kind
	EventId() string
	Accept(ctx context.Context, v Visitor) error
}

// Visitor handles every event kind.
type Visitor interface {
	VisitMessageSent(ctx context.Context, ev *MessageSent) error
	VisitMessageEdited(ctx context.Context, ev *MessageEdited) error
	VisitMessageDeleted(ctx context.Context, ev *MessageDeleted) error
	VisitMessageRead(ctx context.Context, ev *MessageRead) error
	VisitConversationCreated(ctx context.Context, ev *ConversationCreated) error
	VisitConversationDeleted(ctx context.Context, ev *ConversationDeleted) error
	VisitUserBlocked(ctx context.Context, ev *UserBlocked) error
	VisitUserUnblocked(ctx context.Context, ev *UserUnblocked) error
	VisitTypingStarted(ctx context.Context, ev *TypingStarted) error
	VisitTypingStopped(ctx context.Context, ev *TypingStopped) error
	VisitPresenceChanged(ctx context.Context, ev *PresenceChanged) error
}

// Meta carries the correlation id every event needs to be dispatched.
type Meta struct {
	Id         string    `validate:"required"`
	OccurredAt time.Time `validate:"required"`
}

func NewMeta(at time.Time) Meta {
	return Meta{Id: uuid.NewString(), OccurredAt: at}
}

func (m Meta) EventId() string {
	return m.Id
}

// Scope identifies who acted and where. Exactly one of RecipientId and
// GroupId is set.
type Scope struct {
	InitiatorId    string `validate:"required"`
	RecipientId    string `validate:"required_without=GroupId,excluded_with=GroupId"`
	GroupId        string
	ConversationId string
}

func (s Scope) IsGroup() bool {
	return s.GroupId != ""
}

// Room returns the broadcast room the event belongs to.
func (s Scope) Room() (rooms.RoomId, error) {
	if s.IsGroup() {
		return rooms.GroupRoom(s.GroupId), nil
	}
	return rooms.DirectRoom(s.InitiatorId, s.RecipientId)
}

// Parties returns the initiator and, for direct scopes, the recipient.
func (s Scope) Parties() []string {
	if s.IsGroup() {
		return []string{s.InitiatorId}
	}
	return []string{s.InitiatorId, s.RecipientId}
}

type MessageSent struct {
	Meta
	Scope
	// SessionTag is the originating session, used to skip its echo.
	SessionTag string
	Message    types.Message
}

func (e *MessageSent) Kind() Kind { return KindMessageSent }
func (e *MessageSent) Accept(ctx context.Context, v Visitor) error {
	return v.VisitMessageSent(ctx, e)
}

type MessageEdited struct {
	Meta
	Scope
	SessionTag    string
	Message       types.Message
	IsLastMessage bool
}

func (e *MessageEdited) Kind() Kind { return KindMessageEdited }
func (e *MessageEdited) Accept(ctx context.Context, v Visitor) error {
	return v.VisitMessageEdited(ctx, e)
}

type MessageDeleted struct {
	Meta
	Scope
	MessageIds         []string `validate:"required,min=1,dive,required"`
	LastMessageChanged bool
	// NewLastMessage is nil when the conversation has no messages left.
	NewLastMessage *types.Message
}

func (e *MessageDeleted) Kind() Kind { return KindMessageDeleted }
func (e *MessageDeleted) Accept(ctx context.Context, v Visitor) error {
	return v.VisitMessageDeleted(ctx, e)
}

// MessageRead is published by the reader. RecipientId is the author whose
// messages were read.
type MessageRead struct {
	Meta
	Scope
	SessionTag string
	MessageId  string    `validate:"required"`
	ReadAt     time.Time `validate:"required"`
}

func (e *MessageRead) Kind() Kind { return KindMessageRead }
func (e *MessageRead) Accept(ctx context.Context, v Visitor) error {
	return v.VisitMessageRead(ctx, e)
}

type ConversationCreated struct {
	Meta
	Scope
	Conversation types.Conversation
}

func (e *ConversationCreated) Kind() Kind { return KindConversationCreated }
func (e *ConversationCreated) Accept(ctx context.Context, v Visitor) error {
	return v.VisitConversationCreated(ctx, e)
}

type ConversationDeleted struct {
	Meta
	Scope
}

func (e *ConversationDeleted) Kind() Kind { return KindConversationDeleted }
func (e *ConversationDeleted) Accept(ctx context.Context, v Visitor) error {
	return v.VisitConversationDeleted(ctx, e)
}

type UserBlocked struct {
	Meta
	Scope
}

func (e *UserBlocked) Kind() Kind { return KindUserBlocked }
func (e *UserBlocked) Accept(ctx context.Context, v Visitor) error {
	return v.VisitUserBlocked(ctx, e)
}

type UserUnblocked struct {
	Meta
	Scope
}

func (e *UserUnblocked) Kind() Kind { return KindUserUnblocked }
func (e *UserUnblocked) Accept(ctx context.Context, v Visitor) error {
	return v.VisitUserUnblocked(ctx, e)
}

type TypingStarted struct {
	Meta
	Scope
}

func (e *TypingStarted) Kind() Kind { return KindTypingStarted }
func (e *TypingStarted) Accept(ctx context.Context, v Visitor) error {
	return v.VisitTypingStarted(ctx, e)
}

type TypingStopped struct {
	Meta
	Scope
}

func (e *TypingStopped) Kind() Kind { return KindTypingStopped }
func (e *TypingStopped) Accept(ctx context.Context, v Visitor) error {
	return v.VisitTypingStopped(ctx, e)
}

type PresenceChanged struct {
	Meta
	IdentityId string `validate:"required"`
	Status     string `validate:"oneof=online offline"`
	LastSeenAt time.Time
}

func (e *PresenceChanged) Kind() Kind { return KindPresenceChanged }
func (e *PresenceChanged) Accept(ctx context.Context, v Visitor) error {
	return v.VisitPresenceChanged(ctx, e)
}

func (e *PresenceChanged) Presence() types.Presence {
	return types.Presence{Status: e.Status, LastSeenAt: e.LastSeenAt}
}
