package fanout

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/npezzotti/go-chat-relay/internal/events"
	"github.com/npezzotti/go-chat-relay/internal/registry"
	"github.com/npezzotti/go-chat-relay/internal/rooms"
	"github.com/npezzotti/go-chat-relay/internal/types"
	"github.com/npezzotti/go-chat-relay/internal/typing"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultProfileCacheSize = 1024
	defaultProfileCacheTTL  = time.Minute
)

// Transport delivers payloads to live connections.
type Transport interface {
	Join(conn *registry.Connection, room rooms.RoomId)
	Leave(conn *registry.Connection, room rooms.RoomId)
	EmitToRoom(room rooms.RoomId, name string, payload any, except *registry.Connection)
	EmitToConnection(conn *registry.Connection, name string, payload any) bool
}

type Connections interface {
	ConnectionsOf(identityId string) []*registry.Connection
	ConnectionsInRoom(room rooms.RoomId) []*registry.Connection
}

// Store is the read side of persistence consulted while shaping deliveries.
type Store interface {
	IsParticipant(ctx context.Context, identityId, scopeId string) (bool, error)
	IsGroupPublic(ctx context.Context, groupId string) (bool, error)
	IsBlocked(ctx context.Context, a, b string) (bool, error)
	UnreadCount(ctx context.Context, conversationId, identityId string) (int64, error)
	Profile(ctx context.Context, identityId string) (*types.Profile, error)
	Counterparts(ctx context.Context, identityId string) ([]string, error)
}

type Options struct {
	ProfileCacheSize int
	ProfileCacheTTL  time.Duration
}

// Engine decides which connections observe each domain event and in which
// shape. It implements events.Visitor.
type Engine struct {
	log       *zap.Logger
	transport Transport
	conns     Connections
	store     Store
	typing    *typing.Coordinator

	profiles *expirable.LRU[string, types.Profile]
	loads    singleflight.Group
}

var _ events.Visitor = (*Engine)(nil)

func NewEngine(logger *zap.Logger, transport Transport, conns Connections, store Store, opts Options) *Engine {
	if opts.ProfileCacheSize <= 0 {
		opts.ProfileCacheSize = defaultProfileCacheSize
	}
	if opts.ProfileCacheTTL <= 0 {
		opts.ProfileCacheTTL = defaultProfileCacheTTL
	}

	return &Engine{
		log:       logger.Named("fanout"),
		transport: transport,
		conns:     conns,
		store:     store,
		typing:    typing.NewCoordinator(logger, transport, conns),
		profiles:  expirable.NewLRU[string, types.Profile](opts.ProfileCacheSize, nil, opts.ProfileCacheTTL),
	}
}

// Handle is the bus handler for every event kind.
func (e *Engine) Handle(ctx context.Context, ev events.Event) error {
	return ev.Accept(ctx, e)
}

func (e *Engine) VisitMessageSent(ctx context.Context, ev *events.MessageSent) error {
	origin := e.originOf(ev.InitiatorId, ev.SessionTag)
	payload := messagePayload(ev.Scope, ev.Message)

	if ev.IsGroup() {
		return e.emitToGroup(ctx, ev.GroupId, EventMessageNew, payload, origin)
	}

	room, err := ev.Room()
	if err != nil {
		return err
	}
	e.transport.EmitToRoom(room, EventMessageNew, payload, origin)

	return e.deliverFeedEntries(ctx, ev.Scope, &ev.Message, ev.Message.CreatedAt, origin)
}

func (e *Engine) VisitMessageEdited(ctx context.Context, ev *events.MessageEdited) error {
	origin := e.originOf(ev.InitiatorId, ev.SessionTag)
	payload := messagePayload(ev.Scope, ev.Message)

	if ev.IsGroup() {
		return e.emitToGroup(ctx, ev.GroupId, EventMessageEdited, payload, origin)
	}

	room, err := ev.Room()
	if err != nil {
		return err
	}
	e.transport.EmitToRoom(room, EventMessageEdited, payload, origin)

	if ev.IsLastMessage {
		at := ev.OccurredAt
		if ev.Message.EditedAt != nil {
			at = *ev.Message.EditedAt
		}
		patch := feedPatch(ev.ConversationId, &ev.Message, at)
		for _, id := range ev.Parties() {
			e.emitToIdentity(id, EventFeedUpdated, patch, origin)
		}
	}

	return nil
}

// VisitMessageDeleted recomputes counters from the store, so delivering the
// same deletion twice yields the same values.
func (e *Engine) VisitMessageDeleted(ctx context.Context, ev *events.MessageDeleted) error {
	payload := MessagesDeleted{
		ConversationId: ev.ConversationId,
		GroupId:        ev.GroupId,
		MessageIds:     ev.MessageIds,
	}

	if ev.IsGroup() {
		return e.emitToGroup(ctx, ev.GroupId, EventMessageDeleted, payload, nil)
	}

	room, err := ev.Room()
	if err != nil {
		return err
	}
	e.transport.EmitToRoom(room, EventMessageDeleted, payload, nil)

	var errs error
	if err := e.deliverUnread(ctx, ev.ConversationId, ev.RecipientId, nil); err != nil {
		errs = multierr.Append(errs, err)
	}

	if ev.LastMessageChanged {
		patch := feedPatch(ev.ConversationId, ev.NewLastMessage, ev.OccurredAt)
		for _, id := range ev.Parties() {
			e.emitToIdentity(id, EventFeedUpdated, patch, nil)
		}
	}

	return errs
}

func (e *Engine) VisitMessageRead(ctx context.Context, ev *events.MessageRead) error {
	receipt := ReadReceipt{
		ConversationId: ev.ConversationId,
		ReaderId:       ev.InitiatorId,
		MessageId:      ev.MessageId,
		ReadAt:         ev.ReadAt,
	}

	if ev.IsGroup() {
		return e.emitToGroup(ctx, ev.GroupId, EventMessageRead, receipt, nil)
	}

	room, err := ev.Room()
	if err != nil {
		return err
	}
	e.transport.EmitToRoom(room, EventMessageRead, receipt, nil)

	return e.deliverUnread(ctx, ev.ConversationId, ev.InitiatorId, e.originOf(ev.InitiatorId, ev.SessionTag))
}

// VisitConversationCreated subscribes both parties' live connections to the
// new room before announcing it.
func (e *Engine) VisitConversationCreated(ctx context.Context, ev *events.ConversationCreated) error {
	room, err := ev.Room()
	if err != nil {
		return err
	}

	for _, id := range ev.Parties() {
		for _, conn := range e.conns.ConnectionsOf(id) {
			e.transport.Join(conn, room)
		}
	}

	e.transport.EmitToRoom(room, EventConversationCreated, ConversationPayload{Conversation: ev.Conversation}, nil)

	at := ev.Conversation.UpdatedAt
	if at.IsZero() {
		at = ev.Conversation.CreatedAt
	}
	return e.deliverFeedEntries(ctx, ev.Scope, ev.Conversation.LastMessage, at, nil)
}

func (e *Engine) VisitConversationDeleted(ctx context.Context, ev *events.ConversationDeleted) error {
	room, err := ev.Room()
	if err != nil {
		return err
	}

	e.transport.EmitToRoom(room, EventConversationDeleted, FeedRemoval{ConversationId: ev.ConversationId}, nil)

	removal := FeedRemoval{ConversationId: ev.ConversationId}
	for _, id := range ev.Parties() {
		e.emitToIdentity(id, EventFeedDeleted, removal, nil)
		for _, conn := range e.conns.ConnectionsOf(id) {
			e.transport.Leave(conn, room)
		}
	}

	return nil
}

func (e *Engine) VisitUserBlocked(ctx context.Context, ev *events.UserBlocked) error {
	return e.blockNotice(ev.Scope, EventUserBlocked, true)
}

func (e *Engine) VisitUserUnblocked(ctx context.Context, ev *events.UserUnblocked) error {
	return e.blockNotice(ev.Scope, EventUserUnblocked, false)
}

// blockNotice goes to the pair's room only. Both sides see it so either
// client can gate its UI.
func (e *Engine) blockNotice(scope events.Scope, name string, blocked bool) error {
	room, err := scope.Room()
	if err != nil {
		return err
	}

	e.transport.EmitToRoom(room, name, BlockNotice{
		BlockerId: scope.InitiatorId,
		BlockedId: scope.RecipientId,
		Blocked:   blocked,
	}, nil)

	return nil
}

func (e *Engine) VisitTypingStarted(ctx context.Context, ev *events.TypingStarted) error {
	if ev.IsGroup() {
		return e.emitToGroup(ctx, ev.GroupId, EventTypingStart, groupTyping(ev.Scope, true), nil)
	}
	if blocked, err := e.pairBlocked(ctx, ev.Scope); err != nil || blocked {
		return err
	}
	return e.typing.Started(ev)
}

func (e *Engine) VisitTypingStopped(ctx context.Context, ev *events.TypingStopped) error {
	if ev.IsGroup() {
		return e.emitToGroup(ctx, ev.GroupId, EventTypingStop, groupTyping(ev.Scope, false), nil)
	}
	if blocked, err := e.pairBlocked(ctx, ev.Scope); err != nil || blocked {
		return err
	}
	return e.typing.Stopped(ev)
}

// pairBlocked reports whether either side of a direct scope blocks the other.
// A failed lookup counts as blocked.
func (e *Engine) pairBlocked(ctx context.Context, scope events.Scope) (bool, error) {
	blocked, err := e.store.IsBlocked(ctx, scope.InitiatorId, scope.RecipientId)
	if err != nil {
		return true, fmt.Errorf("block check %s/%s: %w", scope.InitiatorId, scope.RecipientId, err)
	}
	return blocked, nil
}

func groupTyping(scope events.Scope, started bool) typing.Signal {
	return typing.Signal{GroupId: scope.GroupId, IdentityId: scope.InitiatorId, Typing: started}
}

// VisitPresenceChanged notifies every counterpart the identity shares a
// direct room with, skipping blocked pairs. Identities hiding their presence
// notify nobody. Coming online reloads the cached profile.
func (e *Engine) VisitPresenceChanged(ctx context.Context, ev *events.PresenceChanged) error {
	if ev.Status == types.StatusOnline {
		e.profiles.Remove(ev.IdentityId)
	}

	profile, err := e.profile(ctx, ev.IdentityId)
	if err != nil {
		return fmt.Errorf("load profile %s: %w", ev.IdentityId, err)
	}
	if profile.HidePresence {
		return nil
	}

	counterparts, err := e.store.Counterparts(ctx, ev.IdentityId)
	if err != nil {
		return fmt.Errorf("load counterparts of %s: %w", ev.IdentityId, err)
	}

	payload := presencePayload(ev)

	var errs error
	for _, cp := range counterparts {
		blocked, err := e.store.IsBlocked(ctx, ev.IdentityId, cp)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("block check %s/%s: %w", ev.IdentityId, cp, err))
			continue
		}
		if blocked {
			continue
		}

		room, err := rooms.DirectRoom(ev.IdentityId, cp)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}

		e.transport.EmitToRoom(room, EventPresenceChanged, payload, nil)
		e.emitToIdentity(cp, EventFeedPresence, payload, nil)
	}

	return errs
}

// originOf returns the initiator's connection that performed the action, or
// nil when the session tag is empty or no live connection carries it.
func (e *Engine) originOf(initiatorId, sessionTag string) *registry.Connection {
	if sessionTag == "" {
		return nil
	}

	for _, conn := range e.conns.ConnectionsOf(initiatorId) {
		if conn.MatchesSession(sessionTag) {
			return conn
		}
	}
	return nil
}

// emitToIdentity sends to every connection of identityId except one.
func (e *Engine) emitToIdentity(identityId, name string, payload any, except *registry.Connection) int {
	sent := 0
	for _, conn := range e.conns.ConnectionsOf(identityId) {
		if conn == except {
			continue
		}
		if e.transport.EmitToConnection(conn, name, payload) {
			sent++
		} else {
			e.log.Debug("dropped delivery",
				zap.String("identity_id", identityId),
				zap.String("connection_id", conn.Id()),
				zap.String("event", name),
			)
		}
	}
	return sent
}

// deliverFeedEntries sends each party of a direct conversation its own view
// of the conversation's feed row.
func (e *Engine) deliverFeedEntries(ctx context.Context, scope events.Scope, last *types.Message, at time.Time, origin *registry.Connection) error {
	var errs error

	initiator, err := e.profile(ctx, scope.InitiatorId)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("load profile %s: %w", scope.InitiatorId, err))
		initiator = types.Profile{Id: scope.InitiatorId}
	}
	recipient, err := e.profile(ctx, scope.RecipientId)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("load profile %s: %w", scope.RecipientId, err))
		recipient = types.Profile{Id: scope.RecipientId}
	}

	if unread, err := e.store.UnreadCount(ctx, scope.ConversationId, scope.InitiatorId); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("unread count for %s: %w", scope.InitiatorId, err))
	} else {
		entry := initiatorFeedEntry(scope.ConversationId, recipient, last, unread, at)
		e.emitToIdentity(scope.InitiatorId, EventFeedCreated, entry, origin)
	}

	if unread, err := e.store.UnreadCount(ctx, scope.ConversationId, scope.RecipientId); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("unread count for %s: %w", scope.RecipientId, err))
	} else {
		entry := counterpartFeedEntry(scope.ConversationId, initiator, last, unread, at)
		e.emitToIdentity(scope.RecipientId, EventFeedCreated, entry, nil)
	}

	return errs
}

func (e *Engine) deliverUnread(ctx context.Context, conversationId, identityId string, except *registry.Connection) error {
	if len(e.conns.ConnectionsOf(identityId)) == 0 {
		return nil
	}

	unread, err := e.store.UnreadCount(ctx, conversationId, identityId)
	if err != nil {
		return fmt.Errorf("unread count for %s: %w", identityId, err)
	}

	e.emitToIdentity(identityId, EventFeedUnread, UnreadCounter{
		ConversationId: conversationId,
		UnreadMessages: unread,
	}, except)

	return nil
}

// emitToGroup broadcasts to a group room. Private groups are delivered per
// connection after confirming each listener is still a member; connections of
// former members are taken out of the room.
func (e *Engine) emitToGroup(ctx context.Context, groupId, name string, payload any, except *registry.Connection) error {
	room := rooms.GroupRoom(groupId)

	var errs error
	public, err := e.store.IsGroupPublic(ctx, groupId)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("group visibility %s: %w", groupId, err))
	}
	if public {
		e.transport.EmitToRoom(room, name, payload, except)
		return nil
	}

	members := make(map[string]bool)
	unknown := make(map[string]bool)
	for _, conn := range e.conns.ConnectionsInRoom(room) {
		if conn == except {
			continue
		}

		identityId := conn.IdentityId()
		member, checked := members[identityId]
		if !checked {
			ok, err := e.store.IsParticipant(ctx, identityId, groupId)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("membership %s in %s: %w", identityId, groupId, err))
				unknown[identityId] = true
			}
			member = ok && err == nil
			members[identityId] = member
		}

		if !member {
			if !unknown[identityId] {
				e.transport.Leave(conn, room)
			}
			continue
		}

		e.transport.EmitToConnection(conn, name, payload)
	}

	return errs
}

// profile returns a cached public profile, collapsing concurrent loads of
// the same identity into one store call.
func (e *Engine) profile(ctx context.Context, identityId string) (types.Profile, error) {
	if p, ok := e.profiles.Get(identityId); ok {
		return p, nil
	}

	v, err, _ := e.loads.Do(identityId, func() (any, error) {
		p, err := e.store.Profile(ctx, identityId)
		if err != nil {
			return nil, err
		}
		e.profiles.Add(identityId, *p)
		return *p, nil
	})
	if err != nil {
		return types.Profile{}, err
	}

	return v.(types.Profile), nil
}
