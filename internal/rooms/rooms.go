package rooms

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	directPrefix = "direct:"
	separator    = ":"

	defaultJoinTimeout = 3 * time.Second
)

var (
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidRoom         = errors.New("invalid room id")
	ErrInvalidParticipants = errors.New("a direct room needs two distinct participants")
)

// RoomId names a broadcast channel. Direct rooms are derived from the sorted
// participant pair, group rooms reuse the group id.
type RoomId string

func (r RoomId) String() string {
	return string(r)
}

func (r RoomId) IsDirect() bool {
	return strings.HasPrefix(string(r), directPrefix)
}

// Participants returns both identities of a direct room.
func (r RoomId) Participants() (string, string, bool) {
	if !r.IsDirect() {
		return "", "", false
	}

	a, b, ok := strings.Cut(strings.TrimPrefix(string(r), directPrefix), separator)
	if !ok || a == "" || b == "" {
		return "", "", false
	}

	return a, b, true
}

// DirectRoom returns the room shared by a and b. The result does not depend on
// argument order.
func DirectRoom(a, b string) (RoomId, error) {
	if a == "" || b == "" || a == b {
		return "", ErrInvalidParticipants
	}
	if strings.Contains(a, separator) || strings.Contains(b, separator) {
		return "", fmt.Errorf("%w: identity contains %q", ErrInvalidParticipants, separator)
	}

	ids := []string{a, b}
	slices.Sort(ids)

	return RoomId(directPrefix + ids[0] + separator + ids[1]), nil
}

// GroupRoom returns the room of a group, which is the group id itself.
func GroupRoom(groupId string) RoomId {
	return RoomId(groupId)
}

// MembershipChecker answers group membership questions for join authorization.
type MembershipChecker interface {
	IsParticipant(ctx context.Context, identityId, scopeId string) (bool, error)
	IsGroupPublic(ctx context.Context, groupId string) (bool, error)
}

type Resolver struct {
	log         *zap.Logger
	membership  MembershipChecker
	joinTimeout time.Duration
}

func NewResolver(logger *zap.Logger, membership MembershipChecker, joinTimeout time.Duration) *Resolver {
	if joinTimeout <= 0 {
		joinTimeout = defaultJoinTimeout
	}

	return &Resolver{
		log:         logger.Named("rooms"),
		membership:  membership,
		joinTimeout: joinTimeout,
	}
}

// AuthorizeJoin returns nil when identityId may listen on room. A denial is
// reported as ErrForbidden; a slow or failing store lookup denies only this
// join.
func (r *Resolver) AuthorizeJoin(ctx context.Context, identityId string, room RoomId) error {
	if identityId == "" || room == "" {
		return ErrInvalidRoom
	}

	if room.IsDirect() {
		a, b, ok := room.Participants()
		if !ok {
			return ErrInvalidRoom
		}
		if identityId != a && identityId != b {
			return ErrForbidden
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.joinTimeout)
	defer cancel()

	groupId := string(room)
	member, err := r.membership.IsParticipant(ctx, identityId, groupId)
	if err != nil {
		r.log.Warn("membership check failed",
			zap.String("identity_id", identityId),
			zap.String("room_id", groupId),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %w", ErrForbidden, err)
	}
	if member {
		return nil
	}

	public, err := r.membership.IsGroupPublic(ctx, groupId)
	if err != nil {
		r.log.Warn("group visibility check failed",
			zap.String("room_id", groupId),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %w", ErrForbidden, err)
	}
	if !public {
		return ErrForbidden
	}

	return nil
}
