package registry

import (
	"crypto/sha1"
	"encoding/binary"
	"sync"

	"github.com/npezzotti/go-chat-relay/internal/rooms"
	"github.com/npezzotti/go-chat-relay/internal/stats"
	"go.uber.org/zap"
)

const (
	shardCount = 64

	MetricConnections = "NumActiveConnections"
	MetricIdentities  = "NumOnlineIdentities"
)

// Listener observes per-identity connection changes. Callbacks run after the
// registry lock is released, on the goroutine that made the change.
type Listener interface {
	ConnectionAdded(identityId string)
	ConnectionRemoved(identityId string)
}

type bucket struct {
	sync.RWMutex
	// identity id -> connections in registration order
	identities map[string][]*Connection
}

// Registry tracks the live connections of every identity. Identities are
// spread over lock-guarded buckets so connects and disconnects of unrelated
// users do not contend.
type Registry struct {
	log       *zap.Logger
	stats     stats.StatsProvider
	shards    [shardCount]*bucket
	listeners []Listener
	lisLock   sync.RWMutex
}

func New(logger *zap.Logger, su stats.StatsProvider) *Registry {
	r := &Registry{
		log:   logger.Named("registry"),
		stats: su,
	}

	for i := range r.shards {
		r.shards[i] = &bucket{identities: make(map[string][]*Connection)}
	}

	su.RegisterMetric(MetricConnections)
	su.RegisterMetric(MetricIdentities)

	return r
}

func getShard(identityId string) uint32 {
	if identityId == "" {
		return 0
	}

	h := sha1.Sum([]byte(identityId))
	return binary.BigEndian.Uint32(h[:4]) % shardCount
}

func (r *Registry) bucketFor(identityId string) *bucket {
	return r.shards[getShard(identityId)]
}

func (r *Registry) AddListener(l Listener) {
	r.lisLock.Lock()
	defer r.lisLock.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) getListeners() []Listener {
	r.lisLock.RLock()
	defer r.lisLock.RUnlock()
	return append([]Listener(nil), r.listeners...)
}

// Register appends conn to the identity's connection list. Registering the
// same connection id twice is a no-op and returns false.
func (r *Registry) Register(identityId string, conn *Connection) bool {
	b := r.bucketFor(identityId)

	b.Lock()
	conns := b.identities[identityId]
	for _, c := range conns {
		if c.Id() == conn.Id() {
			b.Unlock()
			r.log.Debug("connection already registered",
				zap.String("identity_id", identityId),
				zap.String("connection_id", conn.Id()),
			)
			return false
		}
	}
	b.identities[identityId] = append(conns, conn)
	first := len(conns) == 0
	b.Unlock()

	r.stats.Incr(MetricConnections)
	if first {
		r.stats.Incr(MetricIdentities)
	}

	r.log.Debug("registered connection",
		zap.String("identity_id", identityId),
		zap.String("connection_id", conn.Id()),
	)

	for _, l := range r.getListeners() {
		l.ConnectionAdded(identityId)
	}

	return true
}

// Unregister removes one connection. Unknown pairs are ignored since
// disconnect races are expected.
func (r *Registry) Unregister(identityId, connectionId string) bool {
	b := r.bucketFor(identityId)

	b.Lock()
	conns, ok := b.identities[identityId]
	if !ok {
		b.Unlock()
		return false
	}

	idx := -1
	for i, c := range conns {
		if c.Id() == connectionId {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.Unlock()
		return false
	}

	remaining := make([]*Connection, 0, len(conns)-1)
	remaining = append(remaining, conns[:idx]...)
	remaining = append(remaining, conns[idx+1:]...)

	last := len(remaining) == 0
	if last {
		delete(b.identities, identityId)
	} else {
		b.identities[identityId] = remaining
	}
	b.Unlock()

	r.stats.Decr(MetricConnections)
	if last {
		r.stats.Decr(MetricIdentities)
	}

	r.log.Debug("unregistered connection",
		zap.String("identity_id", identityId),
		zap.String("connection_id", connectionId),
		zap.Bool("last", last),
	)

	for _, l := range r.getListeners() {
		l.ConnectionRemoved(identityId)
	}

	return true
}

// ConnectionsOf returns a snapshot of the identity's connections in
// registration order. It is empty, never nil-dereferencing, for unknown ids.
func (r *Registry) ConnectionsOf(identityId string) []*Connection {
	b := r.bucketFor(identityId)
	b.RLock()
	defer b.RUnlock()

	conns := b.identities[identityId]
	out := make([]*Connection, len(conns))
	copy(out, conns)
	return out
}

func (r *Registry) Count(identityId string) int {
	b := r.bucketFor(identityId)
	b.RLock()
	defer b.RUnlock()

	return len(b.identities[identityId])
}

// ConnectionsInRoom scans every bucket for connections joined to room.
func (r *Registry) ConnectionsInRoom(room rooms.RoomId) []*Connection {
	var out []*Connection
	for _, b := range r.shards {
		b.RLock()
		for _, conns := range b.identities {
			for _, c := range conns {
				if c.InRoom(room) {
					out = append(out, c)
				}
			}
		}
		b.RUnlock()
	}
	return out
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	n := 0
	for _, b := range r.shards {
		b.RLock()
		for _, conns := range b.identities {
			n += len(conns)
		}
		b.RUnlock()
	}
	return n
}
