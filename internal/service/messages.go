package service

import (
	"context"

	"github.com/npezzotti/go-chat-relay/internal/database"
	"github.com/npezzotti/go-chat-relay/internal/events"
	"github.com/npezzotti/go-chat-relay/internal/types"
)

type SendMessageRequest struct {
	SenderId       string `validate:"required"`
	ConversationId string `validate:"required_without=GroupId,excluded_with=GroupId"`
	GroupId        string
	Text           string `validate:"required,max=4096"`
	SessionTag     string
}

type EditMessageRequest struct {
	SenderId   string `validate:"required"`
	MessageId  string `validate:"required"`
	Text       string `validate:"required,max=4096"`
	SessionTag string
}

type DeleteMessagesRequest struct {
	InitiatorId    string   `validate:"required"`
	ConversationId string   `validate:"required"`
	MessageIds     []string `validate:"required,min=1,dive,required"`
}

type MarkReadRequest struct {
	ReaderId       string `validate:"required"`
	ConversationId string `validate:"required"`
	MessageId      string `validate:"required"`
	SessionTag     string
}

// SendMessage stores a message in a direct conversation or a group and
// publishes it. Direct messages are refused while either side blocks the
// other; group messages require membership.
func (s *Service) SendMessage(ctx context.Context, req SendMessageRequest) (*types.Message, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}

	scope := events.Scope{InitiatorId: req.SenderId}
	if req.GroupId != "" {
		scope.GroupId = req.GroupId
	} else {
		_, counterpart, err := s.participantConversation(ctx, req.ConversationId, req.SenderId)
		if err != nil {
			return nil, err
		}
		scope.RecipientId = counterpart
		scope.ConversationId = req.ConversationId
	}

	unlock := s.lock(scopeKey(scope))
	defer unlock()

	if err := s.authorizeContent(ctx, scope); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	msg, err := s.repo.InsertMessage(ctx, types.Message{
		ConversationId: req.ConversationId,
		GroupId:        req.GroupId,
		SenderId:       req.SenderId,
		Text:           req.Text,
		CreatedAt:      now,
	})
	if err != nil {
		return nil, storeErr(err)
	}

	s.publish(ctx, &events.MessageSent{
		Meta:       events.NewMeta(now),
		Scope:      scope,
		SessionTag: req.SessionTag,
		Message:    *msg,
	})

	return msg, nil
}

// EditMessage changes the text of a message. Only its author may edit it,
// under the same rules as sending.
func (s *Service) EditMessage(ctx context.Context, req EditMessageRequest) (*types.Message, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}

	original, err := s.repo.GetMessage(ctx, req.MessageId)
	if err != nil {
		return nil, storeErr(err)
	}
	if original.SenderId != req.SenderId {
		return nil, ErrForbidden
	}

	scope := events.Scope{InitiatorId: req.SenderId, GroupId: original.GroupId}
	if original.GroupId == "" {
		_, counterpart, err := s.participantConversation(ctx, original.ConversationId, req.SenderId)
		if err != nil {
			return nil, err
		}
		scope.RecipientId = counterpart
		scope.ConversationId = original.ConversationId
	}

	unlock := s.lock(scopeKey(scope))
	defer unlock()

	if err := s.authorizeContent(ctx, scope); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	edited, isLast, err := s.repo.EditMessage(ctx, database.EditMessageParams{
		MessageId: req.MessageId,
		SenderId:  req.SenderId,
		Text:      req.Text,
		EditedAt:  now,
	})
	if err != nil {
		return nil, storeErr(err)
	}

	s.publish(ctx, &events.MessageEdited{
		Meta:          events.NewMeta(now),
		Scope:         scope,
		SessionTag:    req.SessionTag,
		Message:       *edited,
		IsLastMessage: isLast,
	})

	return edited, nil
}

// DeleteMessages deletes the initiator's own messages among MessageIds and
// returns the ids that were removed. Nothing is published when none were.
func (s *Service) DeleteMessages(ctx context.Context, req DeleteMessagesRequest) ([]string, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}

	_, counterpart, err := s.participantConversation(ctx, req.ConversationId, req.InitiatorId)
	if err != nil {
		return nil, err
	}
	scope := events.Scope{
		InitiatorId:    req.InitiatorId,
		RecipientId:    counterpart,
		ConversationId: req.ConversationId,
	}

	unlock := s.lock(scopeKey(scope))
	defer unlock()

	res, err := s.repo.DeleteMessages(ctx, database.DeleteMessagesParams{
		ConversationId: req.ConversationId,
		SenderId:       req.InitiatorId,
		MessageIds:     req.MessageIds,
	})
	if err != nil {
		return nil, storeErr(err)
	}
	if len(res.DeletedIds) == 0 {
		return nil, nil
	}

	s.publish(ctx, &events.MessageDeleted{
		Meta:               events.NewMeta(s.clock.Now()),
		Scope:              scope,
		MessageIds:         res.DeletedIds,
		LastMessageChanged: res.LastMessageChanged,
		NewLastMessage:     res.LastMessage,
	})

	return res.DeletedIds, nil
}

// MarkRead records that the reader has read up to MessageId.
func (s *Service) MarkRead(ctx context.Context, req MarkReadRequest) error {
	if err := s.check(req); err != nil {
		return err
	}

	_, counterpart, err := s.participantConversation(ctx, req.ConversationId, req.ReaderId)
	if err != nil {
		return err
	}
	scope := events.Scope{
		InitiatorId:    req.ReaderId,
		RecipientId:    counterpart,
		ConversationId: req.ConversationId,
	}

	unlock := s.lock(scopeKey(scope))
	defer unlock()

	if err := s.repo.MarkRead(ctx, database.MarkReadParams{
		ConversationId: req.ConversationId,
		ReaderId:       req.ReaderId,
		MessageId:      req.MessageId,
	}); err != nil {
		return storeErr(err)
	}

	now := s.clock.Now()
	s.publish(ctx, &events.MessageRead{
		Meta:       events.NewMeta(now),
		Scope:      scope,
		SessionTag: req.SessionTag,
		MessageId:  req.MessageId,
		ReadAt:     now,
	})

	return nil
}

// authorizeContent checks that the initiator may post into scope. It runs
// under the scope lock so a concurrent block cannot slip in before the write.
func (s *Service) authorizeContent(ctx context.Context, scope events.Scope) error {
	if !scope.IsGroup() {
		return s.ensureNotBlocked(ctx, scope.InitiatorId, scope.RecipientId)
	}

	member, err := s.repo.IsParticipant(ctx, scope.InitiatorId, scope.GroupId)
	if err != nil {
		return storeErr(err)
	}
	if !member {
		return ErrForbidden
	}
	return nil
}

// scopeKey is the broadcast room of scope. Every mutation on one direct pair
// shares the key, whichever conversation document it touches.
func scopeKey(scope events.Scope) string {
	room, err := scope.Room()
	if err != nil {
		return scope.ConversationId
	}
	return room.String()
}
