package presence

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/npezzotti/go-chat-relay/internal/events"
	"github.com/npezzotti/go-chat-relay/internal/types"
	"go.uber.org/zap"
)

const (
	defaultTouchTimeout = 5 * time.Second

	lastSeenEntries = 4096
	lastSeenTTL     = 24 * time.Hour
)

type Publisher interface {
	Publish(ctx context.Context, ev events.Event)
}

// Toucher persists the moment an identity was last seen.
type Toucher interface {
	Touch(ctx context.Context, identityId string, at time.Time) error
}

// ConnectionCounter reports how many live connections an identity has.
type ConnectionCounter interface {
	Count(identityId string) int
}

type state struct {
	// serializes transitions and their events for one identity
	mu         sync.Mutex
	online     bool
	lastSeenAt time.Time
	// set once the entry has left Tracker.states; holders look it up again
	retired bool
}

// Tracker derives online and offline state from connection registry changes.
// Status is reconciled against the live connection count on every change, so
// hooks delivered out of order still settle on the right state.
type Tracker struct {
	log          *zap.Logger
	clock        clock.Clock
	conns        ConnectionCounter
	publisher    Publisher
	toucher      Toucher
	touchTimeout time.Duration

	// states holds online identities only. Offline ones keep their last seen
	// time in a bounded cache.
	mu       sync.Mutex
	states   map[string]*state
	lastSeen *expirable.LRU[string, time.Time]

	ctx     context.Context
	cancel  context.CancelFunc
	touches sync.WaitGroup
}

func NewTracker(logger *zap.Logger, clk clock.Clock, conns ConnectionCounter, publisher Publisher, toucher Toucher, touchTimeout time.Duration) *Tracker {
	if touchTimeout <= 0 {
		touchTimeout = defaultTouchTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Tracker{
		log:          logger.Named("presence"),
		clock:        clk,
		conns:        conns,
		publisher:    publisher,
		toucher:      toucher,
		touchTimeout: touchTimeout,
		states:       make(map[string]*state),
		lastSeen:     expirable.NewLRU[string, time.Time](lastSeenEntries, nil, lastSeenTTL),
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (t *Tracker) stateOf(identityId string) *state {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[identityId]
	if !ok {
		st = &state{}
		t.states[identityId] = st
	}
	return st
}

func (t *Tracker) ConnectionAdded(identityId string) {
	t.reconcile(identityId)
}

func (t *Tracker) ConnectionRemoved(identityId string) {
	t.reconcile(identityId)
}

func (t *Tracker) reconcile(identityId string) {
	for {
		st := t.stateOf(identityId)

		st.mu.Lock()
		if st.retired {
			st.mu.Unlock()
			continue
		}
		t.transition(identityId, st)
		st.mu.Unlock()
		return
	}
}

// transition runs with st.mu held.
func (t *Tracker) transition(identityId string, st *state) {
	now := t.clock.Now()
	st.lastSeenAt = now

	online := t.conns.Count(identityId) > 0
	if online != st.online {
		st.online = online

		status := types.StatusOffline
		if online {
			status = types.StatusOnline
		}

		t.log.Debug("presence changed",
			zap.String("identity_id", identityId),
			zap.String("status", status),
		)

		t.publisher.Publish(t.ctx, &events.PresenceChanged{
			Meta:       events.NewMeta(now),
			IdentityId: identityId,
			Status:     status,
			LastSeenAt: now,
		})

		if online {
			t.lastSeen.Remove(identityId)
		} else {
			t.lastSeen.Add(identityId, now)
			t.touch(identityId, now)
		}
	}

	if !st.online {
		t.retire(identityId, st)
	}
}

// retire drops an offline identity's entry. st.mu must be held.
func (t *Tracker) retire(identityId string, st *state) {
	t.mu.Lock()
	if t.states[identityId] == st {
		delete(t.states, identityId)
	}
	t.mu.Unlock()

	st.retired = true
}

// touch persists lastSeenAt in the background. Failures are logged only,
// the presence broadcast has already gone out.
func (t *Tracker) touch(identityId string, at time.Time) {
	t.touches.Add(1)
	go func() {
		defer t.touches.Done()

		ctx, cancel := context.WithTimeout(t.ctx, t.touchTimeout)
		defer cancel()

		if err := t.toucher.Touch(ctx, identityId, at); err != nil {
			t.log.Warn("failed to persist last seen",
				zap.String("identity_id", identityId),
				zap.Error(err),
			)
		}
	}()
}

func (t *Tracker) CurrentPresence(identityId string) types.Presence {
	t.mu.Lock()
	st, ok := t.states[identityId]
	t.mu.Unlock()

	if !ok {
		p := types.Presence{Status: types.StatusOffline}
		if at, ok := t.lastSeen.Get(identityId); ok {
			p.LastSeenAt = at
		}
		return p
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	p := types.Presence{Status: types.StatusOffline, LastSeenAt: st.lastSeenAt}
	if st.online {
		p.Status = types.StatusOnline
	}
	return p
}

// Close waits for in-flight last seen writes, cancelling them once ctx is done.
func (t *Tracker) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.touches.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.cancel()
		return nil
	case <-ctx.Done():
		t.cancel()
		<-done
		return ctx.Err()
	}
}
