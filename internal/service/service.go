package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"
	"github.com/npezzotti/go-chat-relay/internal/database"
	"github.com/npezzotti/go-chat-relay/internal/events"
	"github.com/npezzotti/go-chat-relay/internal/types"
	"go.uber.org/zap"
)

const stripeCount = 64

var (
	// ErrBlocked is returned when either party of a direct scope has blocked
	// the other.
	ErrBlocked      = errors.New("blocked")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

type Publisher interface {
	Publish(ctx context.Context, ev events.Event)
}

// Service runs the mutations that produce domain events. Each one persists
// first and publishes only after the write committed. Writes to the same
// direct pair or group publish in commit order.
type Service struct {
	log      *zap.Logger
	repo     database.Repository
	bus      Publisher
	clock    clock.Clock
	validate *validator.Validate
	stripes  [stripeCount]sync.Mutex
}

func New(logger *zap.Logger, repo database.Repository, bus Publisher, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.New()
	}

	return &Service{
		log:      logger.Named("service"),
		repo:     repo,
		bus:      bus,
		clock:    clk,
		validate: validator.New(),
	}
}

// lock serializes persist-then-publish for one scope.
func (s *Service) lock(scopeId string) func() {
	h := fnv.New32a()
	h.Write([]byte(scopeId))
	mu := &s.stripes[h.Sum32()%stripeCount]
	mu.Lock()
	return mu.Unlock
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	s.log.Debug("publishing event",
		zap.String("event_kind", ev.Kind().String()),
		zap.String("event_id", ev.EventId()),
	)
	s.bus.Publish(ctx, ev)
}

func (s *Service) check(req any) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return nil
}

// participantConversation loads a conversation and returns it with the
// counterpart of identityId.
func (s *Service) participantConversation(ctx context.Context, conversationId, identityId string) (*types.Conversation, string, error) {
	conv, err := s.repo.GetConversation(ctx, conversationId)
	if err != nil {
		return nil, "", storeErr(err)
	}

	counterpart := ""
	member := false
	for _, id := range conv.ParticipantIds {
		if id == identityId {
			member = true
		} else {
			counterpart = id
		}
	}
	if !member || counterpart == "" {
		return nil, "", ErrForbidden
	}

	return conv, counterpart, nil
}

func (s *Service) ensureNotBlocked(ctx context.Context, a, b string) error {
	blocked, err := s.repo.IsBlocked(ctx, a, b)
	if err != nil {
		return storeErr(err)
	}
	if blocked {
		return ErrBlocked
	}
	return nil
}

func storeErr(err error) error {
	if errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}
