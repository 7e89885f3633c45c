package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/npezzotti/go-chat-relay/internal/events"
	"github.com/npezzotti/go-chat-relay/internal/stats"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	MetricPublished = "NumEventsPublished"
	MetricDropped   = "NumEventsDropped"
)

var ErrMalformedEvent = errors.New("malformed event")

type Handler func(ctx context.Context, ev events.Event) error

// Bus dispatches domain events to the handlers subscribed to their kind.
// Handlers for one event run sequentially in registration order; separate
// Publish calls may run concurrently.
type Bus struct {
	log      *zap.Logger
	stats    stats.StatsProvider
	validate *validator.Validate

	mu       sync.RWMutex
	handlers map[events.Kind][]Handler
}

func New(logger *zap.Logger, su stats.StatsProvider) *Bus {
	su.RegisterMetric(MetricPublished)
	su.RegisterMetric(MetricDropped)

	return &Bus{
		log:      logger.Named("bus"),
		stats:    su,
		validate: validator.New(),
		handlers: make(map[events.Kind][]Handler),
	}
}

func (b *Bus) Subscribe(kind events.Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[kind] = append(b.handlers[kind], h)
}

// SubscribeAll registers h for every event kind.
func (b *Bus) SubscribeAll(h Handler) {
	for _, k := range events.Kinds {
		b.Subscribe(k, h)
	}
}

// Publish runs every handler for ev's kind before returning. Malformed
// events, handler errors and handler panics are logged, never returned.
func (b *Bus) Publish(ctx context.Context, ev events.Event) {
	if err := b.check(ev); err != nil {
		b.stats.Incr(MetricDropped)
		b.log.Error("dropping malformed event", zap.Error(err))
		return
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[ev.Kind()]...)
	b.mu.RUnlock()

	b.stats.Incr(MetricPublished)

	var errs error
	for i, h := range handlers {
		if err := b.invoke(ctx, h, ev); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("handler %d: %w", i, err))
		}
	}

	if errs != nil {
		b.log.Error("event handlers failed",
			zap.Stringer("event_kind", ev.Kind()),
			zap.String("event_id", ev.EventId()),
			zap.Int("failures", len(multierr.Errors(errs))),
			zap.Error(errs),
		)
	}
}

func (b *Bus) check(ev events.Event) error {
	if ev == nil {
		return fmt.Errorf("%w: nil event", ErrMalformedEvent)
	}
	if err := b.validate.Struct(ev); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return fmt.Errorf("%w: %s: %w", ErrMalformedEvent, ev.Kind(), err)
		}
		return fmt.Errorf("%w: %s %s: %w", ErrMalformedEvent, ev.Kind(), ev.EventId(), err)
	}
	return nil
}

func (b *Bus) invoke(ctx context.Context, h Handler, ev events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return h(ctx, ev)
}
