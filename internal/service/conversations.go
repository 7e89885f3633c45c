package service

import (
	"context"

	"github.com/npezzotti/go-chat-relay/internal/events"
	"github.com/npezzotti/go-chat-relay/internal/rooms"
	"github.com/npezzotti/go-chat-relay/internal/types"
	"go.uber.org/zap"
)

// CreateConversation opens the direct conversation between initiator and
// recipient. An existing conversation is returned as is and publishes nothing.
func (s *Service) CreateConversation(ctx context.Context, initiatorId, recipientId string) (*types.Conversation, error) {
	room, err := rooms.DirectRoom(initiatorId, recipientId)
	if err != nil {
		return nil, ErrInvalidInput
	}

	if _, err := s.repo.Profile(ctx, recipientId); err != nil {
		return nil, storeErr(err)
	}

	unlock := s.lock(room.String())
	defer unlock()

	if err := s.ensureNotBlocked(ctx, initiatorId, recipientId); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	conv, created, err := s.repo.CreateConversation(ctx, initiatorId, recipientId, now)
	if err != nil {
		return nil, storeErr(err)
	}
	if !created {
		return conv, nil
	}

	s.publish(ctx, &events.ConversationCreated{
		Meta: events.NewMeta(now),
		Scope: events.Scope{
			InitiatorId:    initiatorId,
			RecipientId:    recipientId,
			ConversationId: conv.Id,
		},
		Conversation: *conv,
	})

	return conv, nil
}

// DeleteConversation removes a conversation and its messages. Either
// participant may delete it.
func (s *Service) DeleteConversation(ctx context.Context, initiatorId, conversationId string) error {
	_, counterpart, err := s.participantConversation(ctx, conversationId, initiatorId)
	if err != nil {
		return err
	}
	scope := events.Scope{
		InitiatorId:    initiatorId,
		RecipientId:    counterpart,
		ConversationId: conversationId,
	}

	unlock := s.lock(scopeKey(scope))
	defer unlock()

	if err := s.repo.DeleteConversation(ctx, conversationId); err != nil {
		return storeErr(err)
	}

	s.log.Info("conversation deleted",
		zap.String("conversation_id", conversationId),
		zap.String("identity_id", initiatorId),
	)

	s.publish(ctx, &events.ConversationDeleted{
		Meta:  events.NewMeta(s.clock.Now()),
		Scope: scope,
	})

	return nil
}
