package service

import (
	"context"

	"github.com/npezzotti/go-chat-relay/internal/events"
	"github.com/npezzotti/go-chat-relay/internal/rooms"
)

// Block stops blocked from messaging blocker and hides their presence from
// each other.
func (s *Service) Block(ctx context.Context, blockerId, blockedId string) error {
	return s.setBlocked(ctx, blockerId, blockedId, true)
}

func (s *Service) Unblock(ctx context.Context, blockerId, blockedId string) error {
	return s.setBlocked(ctx, blockerId, blockedId, false)
}

func (s *Service) setBlocked(ctx context.Context, blockerId, blockedId string, blocked bool) error {
	room, err := rooms.DirectRoom(blockerId, blockedId)
	if err != nil {
		return ErrInvalidInput
	}

	if _, err := s.repo.Profile(ctx, blockedId); err != nil {
		return storeErr(err)
	}

	unlock := s.lock(room.String())
	defer unlock()

	write := s.repo.Unblock
	if blocked {
		write = s.repo.Block
	}
	if err := write(ctx, blockerId, blockedId); err != nil {
		return storeErr(err)
	}

	meta := events.NewMeta(s.clock.Now())
	scope := events.Scope{InitiatorId: blockerId, RecipientId: blockedId}
	if blocked {
		s.publish(ctx, &events.UserBlocked{Meta: meta, Scope: scope})
	} else {
		s.publish(ctx, &events.UserUnblocked{Meta: meta, Scope: scope})
	}

	return nil
}
