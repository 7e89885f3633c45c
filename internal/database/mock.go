package database

import (
	"context"
	"time"

	"github.com/npezzotti/go-chat-relay/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

var _ Repository = (*MockRepository)(nil)

func (m *MockRepository) IsParticipant(ctx context.Context, identityId, scopeId string) (bool, error) {
	args := m.Called(ctx, identityId, scopeId)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepository) IsGroupPublic(ctx context.Context, groupId string) (bool, error) {
	args := m.Called(ctx, groupId)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepository) IsBlocked(ctx context.Context, a, b string) (bool, error) {
	args := m.Called(ctx, a, b)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepository) Touch(ctx context.Context, identityId string, at time.Time) error {
	args := m.Called(ctx, identityId, at)
	return args.Error(0)
}
func (m *MockRepository) UnreadCount(ctx context.Context, conversationId, identityId string) (int64, error) {
	args := m.Called(ctx, conversationId, identityId)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockRepository) Profile(ctx context.Context, identityId string) (*types.Profile, error) {
	args := m.Called(ctx, identityId)
	if p, ok := args.Get(0).(*types.Profile); ok {
		return p, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) Counterparts(ctx context.Context, identityId string) ([]string, error) {
	args := m.Called(ctx, identityId)
	if ids, ok := args.Get(0).([]string); ok {
		return ids, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) GetGroup(ctx context.Context, groupId string) (*types.Group, error) {
	args := m.Called(ctx, groupId)
	if g, ok := args.Get(0).(*types.Group); ok {
		return g, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) GetConversation(ctx context.Context, conversationId string) (*types.Conversation, error) {
	args := m.Called(ctx, conversationId)
	if c, ok := args.Get(0).(*types.Conversation); ok {
		return c, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) GetMessage(ctx context.Context, messageId string) (*types.Message, error) {
	args := m.Called(ctx, messageId)
	if msg, ok := args.Get(0).(*types.Message); ok {
		return msg, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) CreateConversation(ctx context.Context, a, b string, at time.Time) (*types.Conversation, bool, error) {
	args := m.Called(ctx, a, b, at)
	if c, ok := args.Get(0).(*types.Conversation); ok {
		return c, args.Bool(1), args.Error(2)
	}
	return nil, args.Bool(1), args.Error(2)
}
func (m *MockRepository) DeleteConversation(ctx context.Context, conversationId string) error {
	args := m.Called(ctx, conversationId)
	return args.Error(0)
}
func (m *MockRepository) InsertMessage(ctx context.Context, msg types.Message) (*types.Message, error) {
	args := m.Called(ctx, msg)
	if stored, ok := args.Get(0).(*types.Message); ok {
		return stored, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) EditMessage(ctx context.Context, params EditMessageParams) (*types.Message, bool, error) {
	args := m.Called(ctx, params)
	if msg, ok := args.Get(0).(*types.Message); ok {
		return msg, args.Bool(1), args.Error(2)
	}
	return nil, args.Bool(1), args.Error(2)
}
func (m *MockRepository) DeleteMessages(ctx context.Context, params DeleteMessagesParams) (*DeleteMessagesResult, error) {
	args := m.Called(ctx, params)
	if res, ok := args.Get(0).(*DeleteMessagesResult); ok {
		return res, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) MarkRead(ctx context.Context, params MarkReadParams) error {
	args := m.Called(ctx, params)
	return args.Error(0)
}
func (m *MockRepository) Block(ctx context.Context, blockerId, blockedId string) error {
	args := m.Called(ctx, blockerId, blockedId)
	return args.Error(0)
}
func (m *MockRepository) Unblock(ctx context.Context, blockerId, blockedId string) error {
	args := m.Called(ctx, blockerId, blockedId)
	return args.Error(0)
}
