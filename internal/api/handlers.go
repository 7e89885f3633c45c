package api

import (
	"encoding/json"
	"net/http"
	"slices"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chat-relay/internal/registry"
	"github.com/npezzotti/go-chat-relay/internal/server"
	"github.com/npezzotti/go-chat-relay/internal/service"
	"github.com/teris-io/shortid"
	"go.uber.org/zap"
)

var validate = validator.New()

type CreateConversationRequest struct {
	RecipientId string `json:"recipient_id" validate:"required"`
}

type MessageRequest struct {
	Text string `json:"text" validate:"required"`
}

type DeleteMessagesRequest struct {
	MessageIds []string `json:"message_ids" validate:"required,min=1,dive,required"`
}

type MarkReadRequest struct {
	MessageId string `json:"message_id" validate:"required"`
}

type DeleteMessagesResponse struct {
	DeletedIds []string `json:"deleted_ids"`
}

func (s *GoChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("json encode", zap.Error(err))
	}
}

func (s *GoChatApp) writeError(w http.ResponseWriter, r *http.Request, err error) {
	errResp := errorFor(err)
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

// decode reads a JSON body into v and validates it.
func decode(r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return false
	}
	return validate.Struct(v) == nil
}

// identity is set by authMiddleware on every route that calls it.
func identity(r *http.Request) string {
	identityId, _ := IdentityId(r.Context())
	return identityId
}

func (s *GoChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.log.Error("health check failed", zap.Error(err))
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *GoChatApp) createConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if !decode(r, &req) {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	conv, err := s.svc.CreateConversation(r.Context(), identity(r), req.RecipientId)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusCreated, conv)
}

func (s *GoChatApp) deleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteConversation(r.Context(), identity(r), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *GoChatApp) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !decode(r, &req) {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	msg, err := s.svc.SendMessage(r.Context(), service.SendMessageRequest{
		SenderId:       identity(r),
		ConversationId: r.PathValue("id"),
		Text:           req.Text,
		SessionTag:     r.Header.Get(sessionTagHeader),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusCreated, msg)
}

func (s *GoChatApp) sendGroupMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !decode(r, &req) {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	msg, err := s.svc.SendMessage(r.Context(), service.SendMessageRequest{
		SenderId:   identity(r),
		GroupId:    r.PathValue("id"),
		Text:       req.Text,
		SessionTag: r.Header.Get(sessionTagHeader),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusCreated, msg)
}

func (s *GoChatApp) editMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !decode(r, &req) {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	msg, err := s.svc.EditMessage(r.Context(), service.EditMessageRequest{
		SenderId:   identity(r),
		MessageId:  r.PathValue("id"),
		Text:       req.Text,
		SessionTag: r.Header.Get(sessionTagHeader),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, msg)
}

func (s *GoChatApp) deleteMessages(w http.ResponseWriter, r *http.Request) {
	var req DeleteMessagesRequest
	if !decode(r, &req) {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	ids, err := s.svc.DeleteMessages(r.Context(), service.DeleteMessagesRequest{
		InitiatorId:    identity(r),
		ConversationId: r.PathValue("id"),
		MessageIds:     req.MessageIds,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if ids == nil {
		ids = []string{}
	}
	s.writeJson(w, http.StatusOK, DeleteMessagesResponse{DeletedIds: ids})
}

func (s *GoChatApp) markRead(w http.ResponseWriter, r *http.Request) {
	var req MarkReadRequest
	if !decode(r, &req) {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.svc.MarkRead(r.Context(), service.MarkReadRequest{
		ReaderId:       identity(r),
		ConversationId: r.PathValue("id"),
		MessageId:      req.MessageId,
		SessionTag:     r.Header.Get(sessionTagHeader),
	}); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *GoChatApp) block(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Block(r.Context(), identity(r), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *GoChatApp) unblock(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Unblock(r.Context(), identity(r), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *GoChatApp) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	return slices.Contains(s.allowedOrigins, origin)
}

// serveWs upgrades the request and hands the socket to the hub. The optional
// session query parameter tags the connection for echo suppression.
func (s *GoChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	identityId := identity(r)

	connectionId, err := shortid.Generate()
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("error upgrading connection", zap.Error(err))
		return
	}

	relay := registry.NewConnection(connectionId, identityId, r.URL.Query().Get("session"))
	client := server.NewClient(relay, conn, s.hub, s.log)

	s.hub.OnConnect(client)
	go client.Write()
	go client.Read()
}
