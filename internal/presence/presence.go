// Package presence keeps the deployment-wide registry of open realtime
// connections. The registry lives outside the process (Redis) so that every
// server instance sees the same membership. Entries carry a heartbeat; those
// of a crashed instance expire.
package presence

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/nexus-im/nexus/event"
)

const (
	// DefaultKey is the Redis sorted set holding "<user>|<connection>"
	// entries scored by their last heartbeat in unix milliseconds.
	DefaultKey = "presence:members"
	// HeartbeatPeriod is how often a live connection refreshes its entry.
	HeartbeatPeriod = 30 * time.Second
	// DefaultTTL is how long an entry survives without a heartbeat.
	DefaultTTL = 3 * HeartbeatPeriod
)

// Store records which connections are currently open.
type Store interface {
	Join(ctx context.Context, m event.Member) error
	// Touch refreshes the heartbeat of a joined member.
	Touch(ctx context.Context, m event.Member) error
	Leave(ctx context.Context, m event.Member) error
	Members(ctx context.Context) ([]event.Member, error)
}

// RedisStore implements Store on a Redis sorted set.
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore creates a RedisStore on the given key whose entries expire
// ttl after their last heartbeat.
func NewRedisStore(client *redis.Client, key string, ttl time.Duration) *RedisStore {
	if key == "" {
		key = DefaultKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, key: key, ttl: ttl, now: time.Now}
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) Join(ctx context.Context, m event.Member) error {
	return errors.Wrap(s.beat(ctx, m), "presence join")
}

func (s *RedisStore) Touch(ctx context.Context, m event.Member) error {
	return errors.Wrap(s.beat(ctx, m), "presence heartbeat")
}

func (s *RedisStore) beat(ctx context.Context, m event.Member) error {
	return s.client.ZAdd(ctx, s.key, redis.Z{Score: float64(s.now().UnixMilli()), Member: encode(m)}).Err()
}

func (s *RedisStore) Leave(ctx context.Context, m event.Member) error {
	return errors.Wrap(s.client.ZRem(ctx, s.key, encode(m)).Err(), "presence leave")
}

// Members drops expired entries and returns the live ones.
func (s *RedisStore) Members(ctx context.Context) ([]event.Member, error) {
	cutoff := strconv.FormatInt(s.now().Add(-s.ttl).UnixMilli(), 10)
	if err := s.client.ZRemRangeByScore(ctx, s.key, "-inf", "("+cutoff).Err(); err != nil {
		return nil, errors.Wrap(err, "presence expire")
	}
	raw, err := s.client.ZRangeByScore(ctx, s.key, &redis.ZRangeBy{Min: cutoff, Max: "+inf"}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "presence members")
	}
	members := make([]event.Member, 0, len(raw))
	for _, entry := range raw {
		if m, ok := decode(entry); ok {
			members = append(members, m)
		}
	}
	sortMembers(members)
	return members, nil
}

// MemoryStore implements Store in process memory for single-instance runs.
type MemoryStore struct {
	mu      sync.Mutex
	members map[event.Member]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{members: make(map[event.Member]struct{})}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Join(_ context.Context, m event.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[m] = struct{}{}
	return nil
}

// Touch is a no-op: the entries die with the process.
func (s *MemoryStore) Touch(context.Context, event.Member) error {
	return nil
}

func (s *MemoryStore) Leave(_ context.Context, m event.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, m)
	return nil
}

func (s *MemoryStore) Members(_ context.Context) ([]event.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := make([]event.Member, 0, len(s.members))
	for m := range s.members {
		members = append(members, m)
	}
	sortMembers(members)
	return members, nil
}

func encode(m event.Member) string {
	return m.UserID + "|" + m.ConnectionID
}

func decode(entry string) (event.Member, bool) {
	user, conn, ok := strings.Cut(entry, "|")
	if !ok || user == "" {
		return event.Member{}, false
	}
	return event.Member{UserID: user, ConnectionID: conn}, true
}

func sortMembers(members []event.Member) {
	sort.Slice(members, func(i, j int) bool {
		if members[i].UserID != members[j].UserID {
			return members[i].UserID < members[j].UserID
		}
		return members[i].ConnectionID < members[j].ConnectionID
	})
}
