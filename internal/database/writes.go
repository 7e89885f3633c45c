package database

import (
	"context"
	"fmt"
	"time"

	"github.com/npezzotti/go-chat-relay/internal/rooms"
	"github.com/npezzotti/go-chat-relay/internal/types"
	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// CreateConversation returns the direct conversation of a and b, creating it
// when it does not exist yet. The bool reports whether it was created.
func (s *Store) CreateConversation(ctx context.Context, a, b string, at time.Time) (*types.Conversation, bool, error) {
	room, err := rooms.DirectRoom(a, b)
	if err != nil {
		return nil, false, err
	}
	first, second, _ := room.Participants()

	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	existing, err := s.conversations.FindOne(ctx, bson.M{"pair_key": room.String()})
	if err == nil {
		c := existing.Conversation()
		return &c, false, nil
	}
	if !isNotFound(err) {
		return nil, false, fmt.Errorf("find conversation: %w", err)
	}

	conv := Conversation{
		Id:             primitive.NewObjectID(),
		PairKey:        room.String(),
		ParticipantIds: []string{first, second},
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	if _, err := s.conversations.Create(ctx, conv); err != nil {
		if !mongo.IsDuplicateKeyError(err) {
			return nil, false, fmt.Errorf("insert conversation: %w", err)
		}

		// created concurrently
		existing, err := s.conversations.FindOne(ctx, bson.M{"pair_key": room.String()})
		if err != nil {
			return nil, false, fmt.Errorf("find conversation: %w", err)
		}
		c := existing.Conversation()
		return &c, false, nil
	}

	s.log.Debug("conversation created",
		zap.String("conversation_id", conv.Id.Hex()),
		zap.Strings("participant_ids", conv.ParticipantIds),
	)

	c := conv.Conversation()
	return &c, true, nil
}

// DeleteConversation removes a conversation and all of its messages atomically.
func (s *Store) DeleteConversation(ctx context.Context, conversationId string) error {
	oid, err := objectId(conversationId)
	if err != nil {
		return err
	}

	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	return s.RunInTransaction(ctx, func(ctx context.Context) error {
		res, err := s.conversations.Delete(ctx, bson.M{"_id": oid})
		if err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		if res.DeletedCount == 0 {
			return ErrNotFound
		}

		if _, err := s.messages.DeleteMany(ctx, bson.M{"conversation_id": conversationId}); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		return nil
	})
}

// InsertMessage stores msg and, for a direct conversation, makes it the
// conversation's last message.
func (s *Store) InsertMessage(ctx context.Context, msg types.Message) (*types.Message, error) {
	doc := Message{
		Id:             primitive.NewObjectID(),
		ConversationId: msg.ConversationId,
		GroupId:        msg.GroupId,
		SenderId:       msg.SenderId,
		Text:           msg.Text,
		CreatedAt:      msg.CreatedAt,
	}

	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	err := s.RunInTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.messages.Create(ctx, doc); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if doc.ConversationId == "" {
			return nil
		}

		convOid, err := objectId(doc.ConversationId)
		if err != nil {
			return err
		}

		res, err := s.conversations.Update(ctx,
			bson.M{"_id": convOid},
			bson.M{"$set": bson.M{"last_message": doc, "updated_at": doc.CreatedAt}},
		)
		if err != nil {
			return fmt.Errorf("update last message: %w", err)
		}
		if res.MatchedCount == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m := doc.Message()
	return &m, nil
}

// EditMessage rewrites the text of a message owned by the sender. The bool
// reports whether the message is its conversation's last message.
func (s *Store) EditMessage(ctx context.Context, params EditMessageParams) (*types.Message, bool, error) {
	oid, err := objectId(params.MessageId)
	if err != nil {
		return nil, false, err
	}

	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	var (
		edited Message
		isLast bool
	)
	err = s.RunInTransaction(ctx, func(ctx context.Context) error {
		isLast = false

		msg, err := s.messages.FindOne(ctx, bson.M{"_id": oid, "sender_id": params.SenderId})
		if err != nil {
			return fmt.Errorf("find message %q: %w", params.MessageId, err)
		}

		editedAt := params.EditedAt
		if _, err := s.messages.Update(ctx,
			bson.M{"_id": oid},
			bson.M{"$set": bson.M{"text": params.Text, "edited_at": editedAt}},
		); err != nil {
			return fmt.Errorf("update message: %w", err)
		}

		msg.Text = params.Text
		msg.EditedAt = &editedAt
		edited = *msg

		if msg.ConversationId == "" {
			return nil
		}
		convOid, err := objectId(msg.ConversationId)
		if err != nil {
			return err
		}

		res, err := s.conversations.Update(ctx,
			bson.M{"_id": convOid, "last_message._id": oid},
			bson.M{"$set": bson.M{"last_message.text": params.Text, "last_message.edited_at": editedAt}},
		)
		if err != nil {
			return fmt.Errorf("update last message: %w", err)
		}
		isLast = res.MatchedCount > 0
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	m := edited.Message()
	return &m, isLast, nil
}

// DeleteMessages removes the listed messages the sender owns in a
// conversation. Ids that do not match are ignored.
func (s *Store) DeleteMessages(ctx context.Context, params DeleteMessagesParams) (*DeleteMessagesResult, error) {
	convOid, err := objectId(params.ConversationId)
	if err != nil {
		return nil, err
	}

	oids := lo.FilterMap(params.MessageIds, func(id string, _ int) (primitive.ObjectID, bool) {
		oid, err := primitive.ObjectIDFromHex(id)
		return oid, err == nil
	})

	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	var result *DeleteMessagesResult
	err = s.RunInTransaction(ctx, func(ctx context.Context) error {
		result = &DeleteMessagesResult{}

		owned, err := s.messages.FindAll(ctx,
			NewFilter().
				In("_id", oids).
				Eq("conversation_id", params.ConversationId).
				Eq("sender_id", params.SenderId).
				Build(),
			options.Find().SetProjection(bson.M{"_id": 1}),
		)
		if err != nil {
			return fmt.Errorf("find messages: %w", err)
		}
		if len(owned) == 0 {
			return nil
		}

		ownedIds := lo.Map(owned, func(m Message, _ int) primitive.ObjectID { return m.Id })
		if _, err := s.messages.DeleteMany(ctx, NewFilter().In("_id", ownedIds).Build()); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		result.DeletedIds = lo.Map(ownedIds, func(oid primitive.ObjectID, _ int) string { return oid.Hex() })

		conv, err := s.conversations.FindOne(ctx, bson.M{"_id": convOid})
		if err != nil {
			return fmt.Errorf("find conversation %q: %w", params.ConversationId, err)
		}
		if conv.LastMessage == nil || !lo.Contains(ownedIds, conv.LastMessage.Id) {
			return nil
		}

		result.LastMessageChanged = true
		update := bson.M{"$unset": bson.M{"last_message": ""}}

		newest, err := s.messages.FindOne(ctx,
			bson.M{"conversation_id": params.ConversationId},
			options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}}),
		)
		switch {
		case err == nil:
			update = bson.M{"$set": bson.M{"last_message": newest}}
			m := newest.Message()
			result.LastMessage = &m
		case !isNotFound(err):
			return fmt.Errorf("find newest message: %w", err)
		}

		if _, err := s.conversations.Update(ctx, bson.M{"_id": convOid}, update); err != nil {
			return fmt.Errorf("update last message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// MarkRead marks the message and every earlier message from the other party
// as read by the reader.
func (s *Store) MarkRead(ctx context.Context, params MarkReadParams) error {
	oid, err := objectId(params.MessageId)
	if err != nil {
		return err
	}

	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	return s.RunInTransaction(ctx, func(ctx context.Context) error {
		target, err := s.messages.FindOne(ctx, bson.M{"_id": oid, "conversation_id": params.ConversationId})
		if err != nil {
			return fmt.Errorf("find message %q: %w", params.MessageId, err)
		}

		filter := NewFilter().
			Eq("conversation_id", params.ConversationId).
			Lte("created_at", target.CreatedAt).
			Ne("sender_id", params.ReaderId).
			Build()

		if _, err := s.messages.UpdateMany(ctx, filter, bson.M{"$addToSet": bson.M{"read_by": params.ReaderId}}); err != nil {
			return fmt.Errorf("mark read: %w", err)
		}
		return nil
	})
}

func (s *Store) Block(ctx context.Context, blockerId, blockedId string) error {
	return s.updateBlocked(ctx, blockerId, bson.M{"$addToSet": bson.M{"blocked_ids": blockedId}})
}

func (s *Store) Unblock(ctx context.Context, blockerId, blockedId string) error {
	return s.updateBlocked(ctx, blockerId, bson.M{"$pull": bson.M{"blocked_ids": blockedId}})
}

func (s *Store) updateBlocked(ctx context.Context, blockerId string, update bson.M) error {
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	res, err := s.users.Update(ctx, bson.M{"_id": blockerId}, update)
	if err != nil {
		return fmt.Errorf("update blocked users: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
