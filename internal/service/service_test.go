package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/npezzotti/go-chat-relay/internal/database"
	"github.com/npezzotti/go-chat-relay/internal/events"
	"github.com/npezzotti/go-chat-relay/internal/testutil"
	"github.com/npezzotti/go-chat-relay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ctx context.Context, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) published() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

type testService struct {
	svc   *Service
	repo  *database.MockRepository
	bus   *recorder
	clock *clock.Mock
}

func newTestService(t *testing.T) *testService {
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	ts := &testService{
		repo:  &database.MockRepository{},
		bus:   &recorder{},
		clock: clk,
	}
	ts.svc = New(testutil.TestLogger(t), ts.repo, ts.bus, clk)

	t.Cleanup(func() { ts.repo.AssertExpectations(t) })
	return ts
}

func directConversation() *types.Conversation {
	return &types.Conversation{Id: "c1", ParticipantIds: []string{"alice", "bob"}}
}

func TestCreateConversation(t *testing.T) {
	t.Run("publishes on creation", func(t *testing.T) {
		ts := newTestService(t)
		ts.repo.On("Profile", mock.Anything, "bob").Return(&types.Profile{Id: "bob"}, nil).Once()
		ts.repo.On("IsBlocked", mock.Anything, "alice", "bob").Return(false, nil).Once()
		ts.repo.On("CreateConversation", mock.Anything, "alice", "bob", ts.clock.Now()).
			Return(directConversation(), true, nil).Once()

		conv, err := ts.svc.CreateConversation(context.Background(), "alice", "bob")
		require.NoError(t, err)
		assert.Equal(t, "c1", conv.Id)

		published := ts.bus.published()
		require.Len(t, published, 1)
		created, ok := published[0].(*events.ConversationCreated)
		require.True(t, ok, "expected a conversation.created event")
		assert.Equal(t, "alice", created.InitiatorId)
		assert.Equal(t, "bob", created.RecipientId)
		assert.Equal(t, "c1", created.ConversationId)
		assert.Equal(t, ts.clock.Now(), created.OccurredAt)
	})

	t.Run("existing conversation publishes nothing", func(t *testing.T) {
		ts := newTestService(t)
		ts.repo.On("Profile", mock.Anything, "bob").Return(&types.Profile{Id: "bob"}, nil).Once()
		ts.repo.On("IsBlocked", mock.Anything, "alice", "bob").Return(false, nil).Once()
		ts.repo.On("CreateConversation", mock.Anything, "alice", "bob", mock.Anything).
			Return(directConversation(), false, nil).Once()

		_, err := ts.svc.CreateConversation(context.Background(), "alice", "bob")
		require.NoError(t, err)
		assert.Empty(t, ts.bus.published())
	})

	t.Run("self conversation", func(t *testing.T) {
		ts := newTestService(t)

		_, err := ts.svc.CreateConversation(context.Background(), "alice", "alice")
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("unknown recipient", func(t *testing.T) {
		ts := newTestService(t)
		ts.repo.On("Profile", mock.Anything, "ghost").Return(nil, database.ErrNotFound).Once()

		_, err := ts.svc.CreateConversation(context.Background(), "alice", "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("blocked pair", func(t *testing.T) {
		ts := newTestService(t)
		ts.repo.On("Profile", mock.Anything, "bob").Return(&types.Profile{Id: "bob"}, nil).Once()
		ts.repo.On("IsBlocked", mock.Anything, "alice", "bob").Return(true, nil).Once()

		_, err := ts.svc.CreateConversation(context.Background(), "alice", "bob")
		assert.ErrorIs(t, err, ErrBlocked)
		assert.Empty(t, ts.bus.published())
	})
}

func TestDeleteConversation(t *testing.T) {
	t.Run("participant deletes", func(t *testing.T) {
		ts := newTestService(t)
		ts.repo.On("GetConversation", mock.Anything, "c1").Return(directConversation(), nil).Once()
		ts.repo.On("DeleteConversation", mock.Anything, "c1").Return(nil).Once()

		require.NoError(t, ts.svc.DeleteConversation(context.Background(), "bob", "c1"))

		published := ts.bus.published()
		require.Len(t, published, 1)
		deleted := published[0].(*events.ConversationDeleted)
		assert.Equal(t, "bob", deleted.InitiatorId)
		assert.Equal(t, "alice", deleted.RecipientId)
	})

	t.Run("outsider is forbidden", func(t *testing.T) {
		ts := newTestService(t)
		ts.repo.On("GetConversation", mock.Anything, "c1").Return(directConversation(), nil).Once()

		err := ts.svc.DeleteConversation(context.Background(), "carol", "c1")
		assert.ErrorIs(t, err, ErrForbidden)
		ts.repo.AssertNotCalled(t, "DeleteConversation", mock.Anything, mock.Anything)
	})

	t.Run("failed write publishes nothing", func(t *testing.T) {
		ts := newTestService(t)
		ts.repo.On("GetConversation", mock.Anything, "c1").Return(directConversation(), nil).Once()
		ts.repo.On("DeleteConversation", mock.Anything, "c1").Return(database.ErrMaxRetriesExceeded).Once()

		err := ts.svc.DeleteConversation(context.Background(), "alice", "c1")
		assert.ErrorIs(t, err, database.ErrMaxRetriesExceeded)
		assert.Empty(t, ts.bus.published())
	})
}

func TestSendMessage(t *testing.T) {
	t.Run("direct message", func(t *testing.T) {
		ts := newTestService(t)
		ts.repo.On("GetConversation", mock.Anything, "c1").Return(directConversation(), nil).Once()
		ts.repo.On("IsBlocked", mock.Anything, "alice", "bob").Return(false, nil).Once()
		ts.repo.On("InsertMessage", mock.Anything, types.Message{
			ConversationId: "c1",
			SenderId:       "alice",
			Text:           "hi",
			CreatedAt:      ts.clock.Now(),
		}).Return(&types.Message{Id: "m1", ConversationId: "c1", SenderId: "alice", Text: "hi"}, nil).Once()

		msg, err := ts.svc.SendMessage(context.Background(), SendMessageRequest{
			SenderId:       "alice",
			ConversationId: "c1",
			Text:           "hi",
			SessionTag:     "s1",
		})
		require.NoError(t, err)
		assert.Equal(t, "m1", msg.Id)

		published := ts.bus.published()
		require.Len(t, published, 1)
		sent := published[0].(*events.MessageSent)
		assert.Equal(t, "s1", sent.SessionTag)
		assert.Equal(t, "bob", sent.RecipientId)
		assert.Equal(t, "c1", sent.ConversationId)
		assert.Equal(t, "m1", sent.Message.Id)
	})

	t.Run("blocked direct message", func(t *testing.T) {
		ts := newTestService(t)
		ts.repo.On("GetConversation", mock.Anything, "c1").Return(directConversation(), nil).Once()
		ts.repo.On("IsBlocked", mock.Anything, "alice", "bob").Return(true, nil).Once()

		_, err := ts.svc.SendMessage(context.Background(), SendMessageRequest{SenderId: "alice", ConversationId: "c1", Text: "hi"})
		assert.ErrorIs(t, err, ErrBlocked)
		ts.repo.AssertNotCalled(t, "InsertMessage", mock.Anything, mock.Anything)
		assert.Empty(t, ts.bus.published())
	})

	t.Run("group member", func(t *testing.T) {
		ts := newTestService(t)
		ts.repo.On("IsParticipant", mock.Anything, "alice", "g1").Return(true, nil).Once()
		ts.repo.On("InsertMessage", mock.Anything, mock.MatchedBy(func(m types.Message) bool {
			return m.GroupId == "g1" && m.ConversationId == ""
		})).Return(&types.Message{Id: "m2", GroupId: "g1", SenderId: "alice", Text: "hey"}, nil).Once()

		_, err := ts.svc.SendMessage(context.Background(), SendMessageRequest{SenderId: "alice", GroupId: "g1", Text: "hey"})
		require.NoError(t, err)

		sent := ts.bus.published()[0].(*events.MessageSent)
		assert.True(t, sent.IsGroup())
		assert.Empty(t, sent.RecipientId)
	})

	t.Run("group outsider", func(t *testing.T) {
		ts := newTestService(t)
		ts.repo.On("IsParticipant", mock.Anything, "mallory", "g1").Return(false, nil).Once()

		_, err := ts.svc.SendMessage(context.Background(), SendMessageRequest{SenderId: "mallory", GroupId: "g1", Text: "hey"})
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("invalid requests", func(t *testing.T) {
		tcases := []struct {
			name string
			req  SendMessageRequest
		}{
			{name: "no scope", req: SendMessageRequest{SenderId: "alice", Text: "hi"}},
			{name: "both scopes", req: SendMessageRequest{SenderId: "alice", ConversationId: "c1", GroupId: "g1", Text: "hi"}},
			{name: "empty text", req: SendMessageRequest{SenderId: "alice", ConversationId: "c1"}},
			{name: "no sender", req: SendMessageRequest{ConversationId: "c1", Text: "hi"}},
		}

		for _, tc := range tcases {
			t.Run(tc.name, func(t *testing.T) {
				ts := newTestService(t)
				_, err := ts.svc.SendMessage(context.Background(), tc.req)
				assert.ErrorIs(t, err, ErrInvalidInput)
			})
		}
	})
}

func TestEditMessage(t *testing.T) {
	t.Run("author edits the last message", func(t *testing.T) {
		ts := newTestService(t)
		ts.repo.On("GetMessage", mock.Anything, "m1").
			Return(&types.Message{Id: "m1", ConversationId: "c1", SenderId: "alice"}, nil).Once()
		ts.repo.On("GetConversation", mock.Anything, "c1").Return(directConversation(), nil).Once()
		ts.repo.On("IsBlocked", mock.Anything, "alice", "bob").Return(false, nil).Once()
		ts.repo.On("EditMessage", mock.Anything, database.EditMessageParams{
			MessageId: "m1",
			SenderId:  "alice",
			Text:      "edited",
			EditedAt:  ts.clock.Now(),
		}).Return(&types.Message{Id: "m1", ConversationId: "c1", SenderId: "alice", Text: "edited"}, true, nil).Once()

		_, err := ts.svc.EditMessage(context.Background(), EditMessageRequest{SenderId: "alice", MessageId: "m1", Text: "edited"})
		require.NoError(t, err)

		edited := ts.bus.published()[0].(*events.MessageEdited)
		assert.True(t, edited.IsLastMessage)
		assert.Equal(t, "bob", edited.RecipientId)
	})

	t.Run("someone else's message", func(t *testing.T) {
		ts := newTestService(t)
		ts.repo.On("GetMessage", mock.Anything, "m1").
			Return(&types.Message{Id: "m1", ConversationId: "c1", SenderId: "alice"}, nil).Once()

		_, err := ts.svc.EditMessage(context.Background(), EditMessageRequest{SenderId: "bob", MessageId: "m1", Text: "x"})
		assert.ErrorIs(t, err, ErrForbidden)
		assert.Empty(t, ts.bus.published())
	})

	t.Run("blocked pair", func(t *testing.T) {
		ts := newTestService(t)
		ts.repo.On("GetMessage", mock.Anything, "m1").
			Return(&types.Message{Id: "m1", ConversationId: "c1", SenderId: "alice"}, nil).Once()
		ts.repo.On("GetConversation", mock.Anything, "c1").Return(directConversation(), nil).Once()
		ts.repo.On("IsBlocked", mock.Anything, "alice", "bob").Return(true, nil).Once()

		_, err := ts.svc.EditMessage(context.Background(), EditMessageRequest{SenderId: "alice", MessageId: "m1", Text: "new content"})
		assert.ErrorIs(t, err, ErrBlocked)
		ts.repo.AssertNotCalled(t, "EditMessage", mock.Anything, mock.Anything)
		assert.Empty(t, ts.bus.published())
	})

	t.Run("former group member", func(t *testing.T) {
		ts := newTestService(t)
		ts.repo.On("GetMessage", mock.Anything, "m2").
			Return(&types.Message{Id: "m2", GroupId: "g1", SenderId: "alice"}, nil).Once()
		ts.repo.On("IsParticipant", mock.Anything, "alice", "g1").Return(false, nil).Once()

		_, err := ts.svc.EditMessage(context.Background(), EditMessageRequest{SenderId: "alice", MessageId: "m2", Text: "x"})
		assert.ErrorIs(t, err, ErrForbidden)
		assert.Empty(t, ts.bus.published())
	})
}

func TestDeleteMessages(t *testing.T) {
	t.Run("publishes deleted ids", func(t *testing.T) {
		ts := newTestService(t)
		last := &types.Message{Id: "m0", ConversationId: "c1"}
		ts.repo.On("GetConversation", mock.Anything, "c1").Return(directConversation(), nil).Once()
		ts.repo.On("DeleteMessages", mock.Anything, database.DeleteMessagesParams{
			ConversationId: "c1",
			SenderId:       "alice",
			MessageIds:     []string{"m1", "m2"},
		}).Return(&database.DeleteMessagesResult{
			DeletedIds:         []string{"m1"},
			LastMessageChanged: true,
			LastMessage:        last,
		}, nil).Once()

		ids, err := ts.svc.DeleteMessages(context.Background(), DeleteMessagesRequest{
			InitiatorId:    "alice",
			ConversationId: "c1",
			MessageIds:     []string{"m1", "m2"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"m1"}, ids)

		deleted := ts.bus.published()[0].(*events.MessageDeleted)
		assert.Equal(t, []string{"m1"}, deleted.MessageIds)
		assert.True(t, deleted.LastMessageChanged)
		assert.Same(t, last, deleted.NewLastMessage)
	})

	t.Run("nothing deleted", func(t *testing.T) {
		ts := newTestService(t)
		ts.repo.On("GetConversation", mock.Anything, "c1").Return(directConversation(), nil).Once()
		ts.repo.On("DeleteMessages", mock.Anything, mock.Anything).Return(&database.DeleteMessagesResult{}, nil).Once()

		ids, err := ts.svc.DeleteMessages(context.Background(), DeleteMessagesRequest{
			InitiatorId:    "alice",
			ConversationId: "c1",
			MessageIds:     []string{"m9"},
		})
		require.NoError(t, err)
		assert.Empty(t, ids)
		assert.Empty(t, ts.bus.published())
	})
}

func TestMarkRead(t *testing.T) {
	ts := newTestService(t)
	ts.repo.On("GetConversation", mock.Anything, "c1").Return(directConversation(), nil).Once()
	ts.repo.On("MarkRead", mock.Anything, database.MarkReadParams{
		ConversationId: "c1",
		ReaderId:       "bob",
		MessageId:      "m1",
	}).Return(nil).Once()

	require.NoError(t, ts.svc.MarkRead(context.Background(), MarkReadRequest{
		ReaderId:       "bob",
		ConversationId: "c1",
		MessageId:      "m1",
		SessionTag:     "s2",
	}))

	read := ts.bus.published()[0].(*events.MessageRead)
	assert.Equal(t, "bob", read.InitiatorId)
	assert.Equal(t, "alice", read.RecipientId, "expected the author as recipient")
	assert.Equal(t, "m1", read.MessageId)
	assert.Equal(t, "s2", read.SessionTag)
	assert.Equal(t, ts.clock.Now(), read.ReadAt)
}

func TestBlock(t *testing.T) {
	t.Run("block", func(t *testing.T) {
		ts := newTestService(t)
		ts.repo.On("Profile", mock.Anything, "bob").Return(&types.Profile{Id: "bob"}, nil).Once()
		ts.repo.On("Block", mock.Anything, "alice", "bob").Return(nil).Once()

		require.NoError(t, ts.svc.Block(context.Background(), "alice", "bob"))

		blocked, ok := ts.bus.published()[0].(*events.UserBlocked)
		require.True(t, ok)
		assert.Equal(t, "alice", blocked.InitiatorId)
		assert.Equal(t, "bob", blocked.RecipientId)
	})

	t.Run("unblock", func(t *testing.T) {
		ts := newTestService(t)
		ts.repo.On("Profile", mock.Anything, "bob").Return(&types.Profile{Id: "bob"}, nil).Once()
		ts.repo.On("Unblock", mock.Anything, "alice", "bob").Return(nil).Once()

		require.NoError(t, ts.svc.Unblock(context.Background(), "alice", "bob"))

		_, ok := ts.bus.published()[0].(*events.UserUnblocked)
		assert.True(t, ok)
	})

	t.Run("self block", func(t *testing.T) {
		ts := newTestService(t)
		assert.ErrorIs(t, ts.svc.Block(context.Background(), "alice", "alice"), ErrInvalidInput)
	})

	t.Run("store failure", func(t *testing.T) {
		ts := newTestService(t)
		boom := errors.New("boom")
		ts.repo.On("Profile", mock.Anything, "bob").Return(&types.Profile{Id: "bob"}, nil).Once()
		ts.repo.On("Block", mock.Anything, "alice", "bob").Return(boom).Once()

		assert.ErrorIs(t, ts.svc.Block(context.Background(), "alice", "bob"), boom)
		assert.Empty(t, ts.bus.published())
	})
}

// orderedRepo records the order in which messages are written.
type orderedRepo struct {
	*database.MockRepository
	mu      sync.Mutex
	commits []string
}

func (r *orderedRepo) InsertMessage(ctx context.Context, msg types.Message) (*types.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, msg.Text)
	return &msg, nil
}

func TestPublishOrderFollowsCommitOrder(t *testing.T) {
	ts := newTestService(t)
	ts.repo.On("GetConversation", mock.Anything, "c1").Return(directConversation(), nil)
	ts.repo.On("IsBlocked", mock.Anything, "alice", "bob").Return(false, nil)

	repo := &orderedRepo{MockRepository: ts.repo}
	svc := New(testutil.TestLogger(t), repo, ts.bus, ts.clock)

	var wg sync.WaitGroup
	for _, text := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.SendMessage(context.Background(), SendMessageRequest{SenderId: "alice", ConversationId: "c1", Text: text})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	published := ts.bus.published()
	require.Len(t, published, len(repo.commits))
	for i, ev := range published {
		assert.Equal(t, repo.commits[i], ev.(*events.MessageSent).Message.Text)
	}
}

// racingRepo starts a block of the same pair while a message write is in
// flight.
type racingRepo struct {
	*database.MockRepository
	svc     *Service
	blocked chan error
}

func (r *racingRepo) InsertMessage(ctx context.Context, msg types.Message) (*types.Message, error) {
	started := make(chan struct{})
	go func() {
		close(started)
		r.blocked <- r.svc.Block(context.Background(), "bob", "alice")
	}()
	<-started
	time.Sleep(50 * time.Millisecond)
	return &msg, nil
}

func TestBlockWaitsForInFlightMessage(t *testing.T) {
	ts := newTestService(t)
	ts.repo.On("GetConversation", mock.Anything, "c1").Return(directConversation(), nil).Once()
	ts.repo.On("IsBlocked", mock.Anything, "alice", "bob").Return(false, nil).Once()
	ts.repo.On("Profile", mock.Anything, "alice").Return(&types.Profile{Id: "alice"}, nil).Once()
	ts.repo.On("Block", mock.Anything, "bob", "alice").Return(nil).Once()

	repo := &racingRepo{MockRepository: ts.repo, blocked: make(chan error, 1)}
	repo.svc = New(testutil.TestLogger(t), repo, ts.bus, ts.clock)

	_, err := repo.svc.SendMessage(context.Background(), SendMessageRequest{SenderId: "alice", ConversationId: "c1", Text: "hi"})
	require.NoError(t, err)
	require.NoError(t, <-repo.blocked)

	published := ts.bus.published()
	require.Len(t, published, 2)
	assert.Equal(t, events.KindMessageSent, published[0].Kind())
	assert.Equal(t, events.KindUserBlocked, published[1].Kind(), "expected the block to publish after the message it raced")
}

// blockingRepo makes a block visible only once its write returns, and starts
// a send on the same pair while the write is in flight.
type blockingRepo struct {
	*database.MockRepository
	svc  *Service
	sent chan error

	mu      sync.Mutex
	blocked bool
}

func (r *blockingRepo) IsBlocked(ctx context.Context, a, b string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blocked, nil
}

func (r *blockingRepo) Block(ctx context.Context, blockerId, blockedId string) error {
	started := make(chan struct{})
	go func() {
		close(started)
		_, err := r.svc.SendMessage(context.Background(), SendMessageRequest{SenderId: "alice", ConversationId: "c1", Text: "late"})
		r.sent <- err
	}()
	<-started
	time.Sleep(50 * time.Millisecond)

	r.mu.Lock()
	r.blocked = true
	r.mu.Unlock()
	return nil
}

func TestSendRacingBlockIsRefused(t *testing.T) {
	ts := newTestService(t)
	ts.repo.On("GetConversation", mock.Anything, "c1").Return(directConversation(), nil).Once()
	ts.repo.On("Profile", mock.Anything, "alice").Return(&types.Profile{Id: "alice"}, nil).Once()
	ts.repo.On("InsertMessage", mock.Anything, mock.Anything).Return(&types.Message{Id: "m9"}, nil).Maybe()

	repo := &blockingRepo{MockRepository: ts.repo, sent: make(chan error, 1)}
	repo.svc = New(testutil.TestLogger(t), repo, ts.bus, ts.clock)

	require.NoError(t, repo.svc.Block(context.Background(), "bob", "alice"))
	assert.ErrorIs(t, <-repo.sent, ErrBlocked)

	published := ts.bus.published()
	require.Len(t, published, 1, "expected no message to cross the block")
	assert.Equal(t, events.KindUserBlocked, published[0].Kind())
}
