package types

import (
	"time"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Profile is the public view of a user, safe to send to any other user.
type Profile struct {
	Id           string    `json:"id"`
	Username     string    `json:"username"`
	Avatar       string    `json:"avatar,omitempty"`
	HidePresence bool      `json:"-"`
	LastSeenAt   time.Time `json:"last_seen_at,omitempty"`
}

type Conversation struct {
	Id             string    `json:"id"`
	ParticipantIds []string  `json:"participant_ids"`
	LastMessage    *Message  `json:"last_message,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
}

type Group struct {
	Id        string    `json:"id"`
	Name      string    `json:"name"`
	Private   bool      `json:"private"`
	MemberIds []string  `json:"member_ids,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

type Message struct {
	Id             string     `json:"id"`
	ConversationId string     `json:"conversation_id,omitempty"`
	GroupId        string     `json:"group_id,omitempty"`
	SenderId       string     `json:"sender_id"`
	Text           string     `json:"text"`
	CreatedAt      time.Time  `json:"created_at"`
	EditedAt       *time.Time `json:"edited_at,omitempty"`
}

type Presence struct {
	Status     string    `json:"status"`
	LastSeenAt time.Time `json:"last_seen_at,omitempty"`
}

func (p Presence) Online() bool {
	return p.Status == StatusOnline
}
