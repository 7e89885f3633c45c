package database

import (
	"context"
	"errors"
	"time"

	"github.com/npezzotti/go-chat-relay/internal/types"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
)

type Repository interface {
	IsParticipant(ctx context.Context, identityId, scopeId string) (bool, error)
	IsGroupPublic(ctx context.Context, groupId string) (bool, error)
	IsBlocked(ctx context.Context, a, b string) (bool, error)
	Touch(ctx context.Context, identityId string, at time.Time) error
	UnreadCount(ctx context.Context, conversationId, identityId string) (int64, error)
	Profile(ctx context.Context, identityId string) (*types.Profile, error)
	Counterparts(ctx context.Context, identityId string) ([]string, error)
	GetGroup(ctx context.Context, groupId string) (*types.Group, error)
	GetConversation(ctx context.Context, conversationId string) (*types.Conversation, error)
	GetMessage(ctx context.Context, messageId string) (*types.Message, error)

	CreateConversation(ctx context.Context, a, b string, at time.Time) (*types.Conversation, bool, error)
	DeleteConversation(ctx context.Context, conversationId string) error
	InsertMessage(ctx context.Context, msg types.Message) (*types.Message, error)
	EditMessage(ctx context.Context, params EditMessageParams) (*types.Message, bool, error)
	DeleteMessages(ctx context.Context, params DeleteMessagesParams) (*DeleteMessagesResult, error)
	MarkRead(ctx context.Context, params MarkReadParams) error
	Block(ctx context.Context, blockerId, blockedId string) error
	Unblock(ctx context.Context, blockerId, blockedId string) error
}

var _ Repository = (*Store)(nil)
