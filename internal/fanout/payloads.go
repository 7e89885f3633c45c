package fanout

import (
	"time"

	"github.com/npezzotti/go-chat-relay/internal/events"
	"github.com/npezzotti/go-chat-relay/internal/types"
	"github.com/npezzotti/go-chat-relay/internal/typing"
)

// Wire event names pushed to clients.
const (
	EventMessageNew          = "message:new"
	EventMessageEdited       = "message:edited"
	EventMessageDeleted      = "message:deleted"
	EventMessageRead         = "message:read"
	EventConversationCreated = "conversation:created"
	EventConversationDeleted = "conversation:deleted"
	EventUserBlocked         = "user:blocked"
	EventUserUnblocked       = "user:unblocked"
	EventTypingStart         = typing.EventTypingStart
	EventTypingStop          = typing.EventTypingStop
	EventPresenceChanged     = "presence:changed"

	EventFeedCreated  = "feed:created"
	EventFeedUpdated  = "feed:updated"
	EventFeedDeleted  = "feed:deleted"
	EventFeedUnread   = "feed:unread"
	EventFeedTyping   = typing.EventFeedTyping
	EventFeedPresence = "feed:presence"
)

type MessagePayload struct {
	ConversationId string        `json:"conversation_id,omitempty"`
	GroupId        string        `json:"group_id,omitempty"`
	Message        types.Message `json:"message"`
}

type MessagesDeleted struct {
	ConversationId string   `json:"conversation_id,omitempty"`
	GroupId        string   `json:"group_id,omitempty"`
	MessageIds     []string `json:"message_ids"`
}

type ReadReceipt struct {
	ConversationId string    `json:"conversation_id"`
	ReaderId       string    `json:"reader_id"`
	MessageId      string    `json:"message_id"`
	ReadAt         time.Time `json:"read_at"`
}

type ConversationPayload struct {
	Conversation types.Conversation `json:"conversation"`
}

type BlockNotice struct {
	BlockerId string `json:"blocker_id"`
	BlockedId string `json:"blocked_id"`
	Blocked   bool   `json:"blocked"`
}

type PresencePayload struct {
	IdentityId string    `json:"identity_id"`
	Status     string    `json:"status"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// FeedEntry is one row of a viewer's conversation list. Recipient is always
// the other party from the viewer's point of view and UnreadMessages is the
// viewer's absolute unread count.
type FeedEntry struct {
	ConversationId string         `json:"conversation_id"`
	Recipient      types.Profile  `json:"recipient"`
	LastMessage    *types.Message `json:"last_message,omitempty"`
	UnreadMessages int64          `json:"unread_messages"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// FeedPatch replaces the last message of an existing feed entry.
type FeedPatch struct {
	ConversationId string         `json:"conversation_id"`
	LastMessage    *types.Message `json:"last_message"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

type FeedRemoval struct {
	ConversationId string `json:"conversation_id"`
}

type UnreadCounter struct {
	ConversationId string `json:"conversation_id"`
	UnreadMessages int64  `json:"unread_messages"`
}

func messagePayload(scope events.Scope, msg types.Message) MessagePayload {
	return MessagePayload{
		ConversationId: scope.ConversationId,
		GroupId:        scope.GroupId,
		Message:        msg,
	}
}

// initiatorFeedEntry is the feed row of the identity that acted. Its unread
// count is not raised by its own action.
func initiatorFeedEntry(conversationId string, counterpart types.Profile, last *types.Message, initiatorUnread int64, at time.Time) FeedEntry {
	return FeedEntry{
		ConversationId: conversationId,
		Recipient:      counterpart,
		LastMessage:    last,
		UnreadMessages: initiatorUnread,
		UpdatedAt:      at,
	}
}

// counterpartFeedEntry is the feed row of the other party. The initiator's
// profile fills the recipient slot since a feed row names whoever the viewer
// talks to.
func counterpartFeedEntry(conversationId string, initiator types.Profile, last *types.Message, counterpartUnread int64, at time.Time) FeedEntry {
	return FeedEntry{
		ConversationId: conversationId,
		Recipient:      initiator,
		LastMessage:    last,
		UnreadMessages: counterpartUnread,
		UpdatedAt:      at,
	}
}

func feedPatch(conversationId string, last *types.Message, at time.Time) FeedPatch {
	return FeedPatch{ConversationId: conversationId, LastMessage: last, UpdatedAt: at}
}

func presencePayload(ev *events.PresenceChanged) PresencePayload {
	return PresencePayload{
		IdentityId: ev.IdentityId,
		Status:     ev.Status,
		LastSeenAt: ev.LastSeenAt,
	}
}
