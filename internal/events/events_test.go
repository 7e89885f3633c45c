package events

import (
	"context"
	"testing"
	"time"

	"github.com/npezzotti/go-chat-relay/internal/rooms"
	"github.com/stretchr/testify/assert"
)

type kindRecorder struct {
	seen []Kind
}

func (r *kindRecorder) VisitMessageSent(_ context.Context, ev *MessageSent) error {
	r.seen = append(r.seen, ev.Kind())
	return nil
}
func (r *kindRecorder) VisitMessageEdited(_ context.Context, ev *MessageEdited) error {
	r.seen = append(r.seen, ev.Kind())
	return nil
}
func (r *kindRecorder) VisitMessageDeleted(_ context.Context, ev *MessageDeleted) error {
	r.seen = append(r.seen, ev.Kind())
	return nil
}
func (r *kindRecorder) VisitMessageRead(_ context.Context, ev *MessageRead) error {
	r.seen = append(r.seen, ev.Kind())
	return nil
}
func (r *kindRecorder) VisitConversationCreated(_ context.Context, ev *ConversationCreated) error {
	r.seen = append(r.seen, ev.Kind())
	return nil
}
func (r *kindRecorder) VisitConversationDeleted(_ context.Context, ev *ConversationDeleted) error {
	r.seen = append(r.seen, ev.Kind())
	return nil
}
func (r *kindRecorder) VisitUserBlocked(_ context.Context, ev *UserBlocked) error {
	r.seen = append(r.seen, ev.Kind())
	return nil
}
func (r *kindRecorder) VisitUserUnblocked(_ context.Context, ev *UserUnblocked) error {
	r.seen = append(r.seen, ev.Kind())
	return nil
}
func (r *kindRecorder) VisitTypingStarted(_ context.Context, ev *TypingStarted) error {
	r.seen = append(r.seen, ev.Kind())
	return nil
}
func (r *kindRecorder) VisitTypingStopped(_ context.Context, ev *TypingStopped) error {
	r.seen = append(r.seen, ev.Kind())
	return nil
}
func (r *kindRecorder) VisitPresenceChanged(_ context.Context, ev *PresenceChanged) error {
	r.seen = append(r.seen, ev.Kind())
	return nil
}

func TestKindString(t *testing.T) {
	names := make(map[string]struct{})
	for _, k := range Kinds {
		name := k.String()
		assert.NotEqual(t, "unknown", name, "expected kind %d to have a name", k)
		names[name] = struct{}{}
	}
	assert.Len(t, names, len(Kinds), "expected kind names to be unique")
	assert.Equal(t, "unknown", Kind(0).String())
}

func TestAccept_DispatchesEveryKind(t *testing.T) {
	all := []Event{
		&MessageSent{},
		&MessageEdited{},
		&MessageDeleted{},
		&MessageRead{},
		&ConversationCreated{},
		&ConversationDeleted{},
		&UserBlocked{},
		&UserUnblocked{},
		&TypingStarted{},
		&TypingStopped{},
		&PresenceChanged{},
	}

	r := &kindRecorder{}
	for _, ev := range all {
		assert.NoError(t, ev.Accept(context.Background(), r))
	}

	assert.Equal(t, Kinds, r.seen)
}

func TestScope_Room(t *testing.T) {
	direct := Scope{InitiatorId: "bob", RecipientId: "alice"}
	room, err := direct.Room()
	assert.NoError(t, err)
	expected, _ := rooms.DirectRoom("alice", "bob")
	assert.Equal(t, expected, room)
	assert.Equal(t, []string{"bob", "alice"}, direct.Parties())
	assert.False(t, direct.IsGroup())

	group := Scope{InitiatorId: "bob", GroupId: "g1"}
	room, err = group.Room()
	assert.NoError(t, err)
	assert.Equal(t, rooms.GroupRoom("g1"), room)
	assert.Equal(t, []string{"bob"}, group.Parties())
	assert.True(t, group.IsGroup())
}

func TestNewMeta(t *testing.T) {
	now := time.Now()
	a, b := NewMeta(now), NewMeta(now)

	assert.NotEmpty(t, a.Id)
	assert.NotEqual(t, a.Id, b.Id, "expected unique correlation ids")
	assert.Equal(t, now, a.OccurredAt)
	assert.Equal(t, a.Id, a.EventId())
}
