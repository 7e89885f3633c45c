package server

import (
	"net/http"
	"time"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is a request read from a socket. Exactly one of the
// operation fields is set.
type ClientMessage struct {
	BaseMessage
	Join   *Join   `json:"join,omitempty"`
	Leave  *Leave  `json:"leave,omitempty"`
	Typing *Typing `json:"typing,omitempty"`
}

// Join names a room by its counterpart for direct conversations or by group.
type Join struct {
	RecipientId string `json:"recipient_id,omitempty"`
	GroupId     string `json:"group_id,omitempty"`
}

type Leave struct {
	RecipientId string `json:"recipient_id,omitempty"`
	GroupId     string `json:"group_id,omitempty"`
}

type Typing struct {
	RecipientId    string `json:"recipient_id,omitempty"`
	GroupId        string `json:"group_id,omitempty"`
	ConversationId string `json:"conversation_id,omitempty"`
	Active         bool   `json:"active"`
}

// ServerMessage is either a response to a ClientMessage or a pushed event.
type ServerMessage struct {
	BaseMessage
	Event    string    `json:"event,omitempty"`
	Payload  any       `json:"payload,omitempty"`
	Response *Response `json:"response,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

func Notify(event string, payload any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Event:   event,
		Payload: payload,
	}
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func NoErrAccepted(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusAccepted,
		},
	}
}

func ErrForbidden(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusForbidden,
			Error:        "forbidden",
		},
	}
}

func ErrInternalError(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusInternalServerError,
			Error:        "internal server error",
		},
	}
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusServiceUnavailable,
			Error:        "service unavailable",
		},
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid message format",
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
