package database

import (
	"time"

	"github.com/npezzotti/go-chat-relay/internal/types"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	collectionUsers         = "users"
	collectionConversations = "conversations"
	collectionMessages      = "messages"
	collectionGroups        = "groups"
)

type User struct {
	Id           string    `bson:"_id"`
	Username     string    `bson:"username"`
	Avatar       string    `bson:"avatar,omitempty"`
	HidePresence bool      `bson:"hide_presence"`
	BlockedIds   []string  `bson:"blocked_ids"`
	LastSeenAt   time.Time `bson:"last_seen_at,omitempty"`
}

func (u User) Profile() types.Profile {
	return types.Profile{
		Id:           u.Id,
		Username:     u.Username,
		Avatar:       u.Avatar,
		HidePresence: u.HidePresence,
		LastSeenAt:   u.LastSeenAt,
	}
}

// Conversation is a direct conversation. PairKey is the direct room id of
// the participants and carries a unique index.
type Conversation struct {
	Id             primitive.ObjectID `bson:"_id,omitempty"`
	PairKey        string             `bson:"pair_key"`
	ParticipantIds []string           `bson:"participant_ids"`
	LastMessage    *Message           `bson:"last_message,omitempty"`
	CreatedAt      time.Time          `bson:"created_at"`
	UpdatedAt      time.Time          `bson:"updated_at"`
}

func (c Conversation) Conversation() types.Conversation {
	conv := types.Conversation{
		Id:             c.Id.Hex(),
		ParticipantIds: c.ParticipantIds,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
	if c.LastMessage != nil {
		msg := c.LastMessage.Message()
		conv.LastMessage = &msg
	}

	return conv
}

// Counterpart returns the participant that is not identityId.
func (c Conversation) Counterpart(identityId string) string {
	for _, id := range c.ParticipantIds {
		if id != identityId {
			return id
		}
	}
	return ""
}

type Message struct {
	Id             primitive.ObjectID `bson:"_id,omitempty"`
	ConversationId string             `bson:"conversation_id,omitempty"`
	GroupId        string             `bson:"group_id,omitempty"`
	SenderId       string             `bson:"sender_id"`
	Text           string             `bson:"text"`
	CreatedAt      time.Time          `bson:"created_at"`
	EditedAt       *time.Time         `bson:"edited_at,omitempty"`
	ReadBy         []string           `bson:"read_by,omitempty"`
}

func (m Message) Message() types.Message {
	return types.Message{
		Id:             m.Id.Hex(),
		ConversationId: m.ConversationId,
		GroupId:        m.GroupId,
		SenderId:       m.SenderId,
		Text:           m.Text,
		CreatedAt:      m.CreatedAt,
		EditedAt:       m.EditedAt,
	}
}

type Group struct {
	Id        string    `bson:"_id"`
	Name      string    `bson:"name"`
	Private   bool      `bson:"private"`
	MemberIds []string  `bson:"member_ids"`
	CreatedAt time.Time `bson:"created_at"`
}

func (g Group) Group() types.Group {
	return types.Group{
		Id:        g.Id,
		Name:      g.Name,
		Private:   g.Private,
		MemberIds: g.MemberIds,
		CreatedAt: g.CreatedAt,
	}
}

type EditMessageParams struct {
	MessageId string
	SenderId  string
	Text      string
	EditedAt  time.Time
}

type DeleteMessagesParams struct {
	ConversationId string
	SenderId       string
	MessageIds     []string
}

type DeleteMessagesResult struct {
	DeletedIds         []string
	LastMessageChanged bool
	LastMessage        *types.Message
}

type MarkReadParams struct {
	ConversationId string
	ReaderId       string
	MessageId      string
}
