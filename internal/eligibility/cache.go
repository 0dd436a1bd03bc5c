package eligibility

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// CachedGate remembers positive decisions in Redis. Eligibility never flips back once granted,
// so negative answers are always re-asked.
type CachedGate struct {
	next   Gate
	redis  *redis.Client
	ttl    time.Duration
	prefix string
	logger zerolog.Logger
}

// NewCachedGate wraps next. A zero ttl defaults to 36h, covering the quiz day.
func NewCachedGate(next Gate, rdb *redis.Client, ttl time.Duration, logger zerolog.Logger) *CachedGate {
	if ttl <= 0 {
		ttl = 36 * time.Hour
	}
	return &CachedGate{
		next:   next,
		redis:  rdb,
		ttl:    ttl,
		prefix: "eligible",
		logger: logger.With().Str("component", "eligibility_cache").Logger(),
	}
}

// IsEligible consults the cache first and falls through to the wrapped gate.
func (c *CachedGate) IsEligible(ctx context.Context, userID uuid.UUID, quizDate time.Time) (bool, error) {
	key := c.key(userID, quizDate)
	hit, err := c.redis.Exists(ctx, key).Result()
	if err != nil {
		c.logger.Warn().Err(err).Msg("eligibility cache read failed")
	} else if hit == 1 {
		return true, nil
	}

	ok, err := c.next.IsEligible(ctx, userID, quizDate)
	if err != nil || !ok {
		return ok, err
	}
	if err := c.redis.Set(ctx, key, 1, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("eligibility cache write failed")
	}
	return true, nil
}

func (c *CachedGate) key(userID uuid.UUID, quizDate time.Time) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, quizDate.UTC().Format(dateLayout), userID)
}
