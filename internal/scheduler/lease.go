package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease guarantees a single timer owner per live quiz across processes.
type Lease interface {
	Acquire(ctx context.Context, quizID uuid.UUID) (bool, error)
	Refresh(ctx context.Context, quizID uuid.UUID) (bool, error)
	Release(ctx context.Context, quizID uuid.UUID) error
}

var (
	refreshScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)
)

// RedisLease is a per-quiz lock owned by this process.
type RedisLease struct {
	redis *redis.Client
	owner string
	ttl   time.Duration
}

// NewRedisLease creates a lease whose holder must refresh it within ttl.
func NewRedisLease(rdb *redis.Client, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &RedisLease{redis: rdb, owner: uuid.NewString(), ttl: ttl}
}

// Acquire takes the lease, or confirms this process already holds it.
func (l *RedisLease) Acquire(ctx context.Context, quizID uuid.UUID) (bool, error) {
	key := leaseKey(quizID)
	acquired, err := l.redis.SetNX(ctx, key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	if acquired {
		return true, nil
	}
	return l.Refresh(ctx, quizID)
}

// Refresh extends the lease if this process still owns it.
func (l *RedisLease) Refresh(ctx context.Context, quizID uuid.UUID) (bool, error) {
	n, err := refreshScript.Run(ctx, l.redis, []string{leaseKey(quizID)}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("refresh lease: %w", err)
	}
	return n == 1, nil
}

// Release drops the lease if this process owns it.
func (l *RedisLease) Release(ctx context.Context, quizID uuid.UUID) error {
	return releaseScript.Run(ctx, l.redis, []string{leaseKey(quizID)}, l.owner).Err()
}

func leaseKey(quizID uuid.UUID) string {
	return fmt.Sprintf("quiz:driver:%s", quizID)
}

// LocalLease always grants ownership. Used when a single process drives every quiz.
type LocalLease struct{}

func (LocalLease) Acquire(context.Context, uuid.UUID) (bool, error) { return true, nil }
func (LocalLease) Refresh(context.Context, uuid.UUID) (bool, error) { return true, nil }
func (LocalLease) Release(context.Context, uuid.UUID) error         { return nil }
