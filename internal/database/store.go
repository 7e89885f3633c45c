package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/go-chat-relay/internal/types"
	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultReadTimeout  = 10 * time.Second
	connectTimeout      = 10 * time.Second
)

// Store is the MongoDB implementation of Repository.
type Store struct {
	client *mongo.Client
	log    *zap.Logger
	retry  retrier

	users         *collection[User]
	conversations *collection[Conversation]
	messages      *collection[Message]
	groups        *collection[Group]
}

// Open connects to uri, pings the deployment and makes sure the indexes the
// queries rely on exist.
func Open(ctx context.Context, logger *zap.Logger, uri, database string) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("ping: %w", err)
	}

	s := newStore(logger, client, client.Database(database))
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("create indexes: %w", err)
	}

	s.log.Info("connected to database", zap.String("database", database))
	return s, nil
}

func newStore(logger *zap.Logger, client *mongo.Client, db *mongo.Database) *Store {
	log := logger.Named("database")

	return &Store{
		client:        client,
		log:           log,
		retry:         newRetrier(log),
		users:         newCollection[User](db, collectionUsers),
		conversations: newCollection[Conversation](db, collectionConversations),
		messages:      newCollection[Message](db, collectionMessages),
		groups:        newCollection[Group](db, collectionGroups),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.conversations.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "pair_key", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "participant_ids", Value: 1}}},
	})
	if err != nil {
		return err
	}

	_, err = s.messages.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "group_id", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	return err
}

// IsParticipant reports whether identityId is a member of the group or a
// participant of the conversation named by scopeId.
func (s *Store) IsParticipant(ctx context.Context, identityId, scopeId string) (bool, error) {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	member, err := s.groups.Exists(ctx, NewFilter().Eq("_id", scopeId).Eq("member_ids", identityId).Build())
	if err != nil {
		return false, fmt.Errorf("check group membership: %w", err)
	}
	if member {
		return true, nil
	}

	oid, err := primitive.ObjectIDFromHex(scopeId)
	if err != nil {
		return false, nil
	}

	participant, err := s.conversations.Exists(ctx, NewFilter().Eq("_id", oid).Eq("participant_ids", identityId).Build())
	if err != nil {
		return false, fmt.Errorf("check conversation participant: %w", err)
	}
	return participant, nil
}

func (s *Store) IsGroupPublic(ctx context.Context, groupId string) (bool, error) {
	group, err := s.GetGroup(ctx, groupId)
	if err != nil {
		return false, err
	}
	return !group.Private, nil
}

// IsBlocked is true when either identity has blocked the other.
func (s *Store) IsBlocked(ctx context.Context, a, b string) (bool, error) {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	filter := NewFilter().Or(
		NewFilter().Eq("_id", a).Eq("blocked_ids", b).Build(),
		NewFilter().Eq("_id", b).Eq("blocked_ids", a).Build(),
	).Build()

	blocked, err := s.users.Exists(ctx, filter)
	if err != nil {
		return false, fmt.Errorf("check block: %w", err)
	}
	return blocked, nil
}

func (s *Store) Touch(ctx context.Context, identityId string, at time.Time) error {
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	res, err := s.users.Update(ctx, bson.M{"_id": identityId}, bson.M{"$set": bson.M{"last_seen_at": at}})
	if err != nil {
		return fmt.Errorf("touch user: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// UnreadCount counts the messages of a conversation sent by someone else
// that identityId has not read.
func (s *Store) UnreadCount(ctx context.Context, conversationId, identityId string) (int64, error) {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	filter := NewFilter().
		Eq("conversation_id", conversationId).
		Ne("sender_id", identityId).
		Ne("read_by", identityId).
		Build()

	n, err := s.messages.Count(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

func (s *Store) Profile(ctx context.Context, identityId string) (*types.Profile, error) {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	user, err := s.users.FindOne(ctx, bson.M{"_id": identityId})
	if err != nil {
		return nil, fmt.Errorf("find user %q: %w", identityId, err)
	}

	p := user.Profile()
	return &p, nil
}

// Counterparts returns every identity that shares a direct conversation with
// identityId.
func (s *Store) Counterparts(ctx context.Context, identityId string) ([]string, error) {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	convs, err := s.conversations.FindAll(ctx,
		bson.M{"participant_ids": identityId},
		options.Find().SetProjection(bson.M{"participant_ids": 1}),
	)
	if err != nil {
		return nil, fmt.Errorf("find conversations: %w", err)
	}

	ids := lo.FilterMap(convs, func(c Conversation, _ int) (string, bool) {
		other := c.Counterpart(identityId)
		return other, other != ""
	})
	return lo.Uniq(ids), nil
}

func (s *Store) GetGroup(ctx context.Context, groupId string) (*types.Group, error) {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	group, err := s.groups.FindOne(ctx, bson.M{"_id": groupId})
	if err != nil {
		return nil, fmt.Errorf("find group %q: %w", groupId, err)
	}

	g := group.Group()
	return &g, nil
}

func (s *Store) GetConversation(ctx context.Context, conversationId string) (*types.Conversation, error) {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	conv, err := s.findConversation(ctx, conversationId)
	if err != nil {
		return nil, err
	}

	c := conv.Conversation()
	return &c, nil
}

func (s *Store) GetMessage(ctx context.Context, messageId string) (*types.Message, error) {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	oid, err := objectId(messageId)
	if err != nil {
		return nil, err
	}

	msg, err := s.messages.FindOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return nil, fmt.Errorf("find message %q: %w", messageId, err)
	}

	m := msg.Message()
	return &m, nil
}

func (s *Store) findConversation(ctx context.Context, conversationId string) (*Conversation, error) {
	oid, err := objectId(conversationId)
	if err != nil {
		return nil, err
	}

	conv, err := s.conversations.FindOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return nil, fmt.Errorf("find conversation %q: %w", conversationId, err)
	}
	return conv, nil
}

// objectId treats a malformed id as a missing document.
func objectId(id string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("%w: malformed id %q", ErrNotFound, id)
	}
	return oid, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
