// Package lock guards a meeting against concurrent optimizations.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLocked is returned when the key is held by someone else
	ErrLocked = errors.New("lock is held")
	// ErrLost is returned when extending a lock that expired and was taken over
	ErrLost = errors.New("lock was lost")
)

// Locker hands out exclusive, expiring locks
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock. Release is safe to call more than once.
type Lease interface {
	// Extend moves the expiry to ttl from now
	Extend(ctx context.Context, ttl time.Duration) error
	Release()
}

// MeetingKey is the lock key of a meeting's optimization
func MeetingKey(meetingID uint) string {
	return fmt.Sprintf("timetable:optimize:%d", meetingID)
}

type memoryLock struct {
	token   string
	expires time.Time
}

// MemoryLocker keeps locks in process memory
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryLock
	now   func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memoryLock), now: time.Now}
}

func (m *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if l, ok := m.locks[key]; ok && now.Before(l.expires) {
		return nil, ErrLocked
	}
	token := uuid.NewString()
	m.locks[key] = memoryLock{token: token, expires: now.Add(ttl)}
	return &memoryLease{locker: m, key: key, token: token}, nil
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  string
	once   sync.Once
}

func (l *memoryLease) Extend(_ context.Context, ttl time.Duration) error {
	m := l.locker
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cur, ok := m.locks[l.key]
	if !ok || cur.token != l.token || !now.Before(cur.expires) {
		return ErrLost
	}
	m.locks[l.key] = memoryLock{token: l.token, expires: now.Add(ttl)}
	return nil
}

func (l *memoryLease) Release() {
	l.once.Do(func() {
		m := l.locker
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.locks[l.key]; ok && cur.token == l.token {
			delete(m.locks, l.key)
		}
	})
}

var (
	// releaseScript deletes the key only while it still carries our token
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)
	// extendScript resets the expiry only while the key carries our token
	extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)
)

// RedisLocker shares locks between server instances through Redis
type RedisLocker struct {
	client redis.UniversalClient
}

func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

func (r *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return &redisLease{client: r.client, key: key, token: token}, nil
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	token  string
	once   sync.Once
}

func (l *redisLease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}

func (l *redisLease) Release() {
	l.once.Do(func() {
		// the caller's context may already be done
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
	})
}
