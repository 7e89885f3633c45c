package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-chat-relay/internal/config"
	"github.com/npezzotti/go-chat-relay/internal/server"
	"github.com/npezzotti/go-chat-relay/internal/service"
	"github.com/npezzotti/go-chat-relay/internal/types"
	"go.uber.org/zap"
)

const sessionTagHeader = "X-Session-Tag"

// Mutations are the writes exposed over HTTP.
type Mutations interface {
	CreateConversation(ctx context.Context, initiatorId, recipientId string) (*types.Conversation, error)
	DeleteConversation(ctx context.Context, initiatorId, conversationId string) error
	SendMessage(ctx context.Context, req service.SendMessageRequest) (*types.Message, error)
	EditMessage(ctx context.Context, req service.EditMessageRequest) (*types.Message, error)
	DeleteMessages(ctx context.Context, req service.DeleteMessagesRequest) ([]string, error)
	MarkRead(ctx context.Context, req service.MarkReadRequest) error
	Block(ctx context.Context, blockerId, blockedId string) error
	Unblock(ctx context.Context, blockerId, blockedId string) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type GoChatApp struct {
	log            *zap.Logger
	svc            Mutations
	hub            *server.Hub
	db             Pinger
	auth           *Authenticator
	allowedOrigins []string
	srv            *http.Server
}

func NewGoChatApp(mux *http.ServeMux, logger *zap.Logger, hub *server.Hub, svc Mutations, db Pinger, cfg *config.Config) *GoChatApp {
	s := &GoChatApp{
		log:            logger.Named("api"),
		svc:            svc,
		hub:            hub,
		db:             db,
		auth:           NewAuthenticator(cfg.SigningKey),
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))
	mux.Handle("POST /api/conversations", s.authMiddleware(s.createConversation))
	mux.Handle("DELETE /api/conversations/{id}", s.authMiddleware(s.deleteConversation))
	mux.Handle("POST /api/conversations/{id}/messages", s.authMiddleware(s.sendMessage))
	mux.Handle("DELETE /api/conversations/{id}/messages", s.authMiddleware(s.deleteMessages))
	mux.Handle("POST /api/conversations/{id}/read", s.authMiddleware(s.markRead))
	mux.Handle("PATCH /api/messages/{id}", s.authMiddleware(s.editMessage))
	mux.Handle("POST /api/groups/{id}/messages", s.authMiddleware(s.sendGroupMessage))
	mux.Handle("POST /api/users/{id}/block", s.authMiddleware(s.block))
	mux.Handle("DELETE /api/users/{id}/block", s.authMiddleware(s.unblock))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization", sessionTagHeader}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

// Start listens on the configured address and serves in the background.
// Listen errors are returned; serve errors are logged.
func (s *GoChatApp) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.log.Info("starting server", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server stopped", zap.Error(err))
		}
	}()

	return nil
}

func (s *GoChatApp) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
