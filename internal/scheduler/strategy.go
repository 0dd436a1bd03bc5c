package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/daily-quiz/internal/clock"
)

// Scheduling modes. Exactly one is active per process.
const (
	ModeQueue  = "queue"
	ModeTimers = "timers"
)

// Strategy delivers lifecycle jobs at their due time.
type Strategy interface {
	Name() string
	// Schedule registers jobs; jobs already known by ID are left untouched. A job that
	// exhausted its attempts is forgotten, so scheduling it again re-arms it.
	Schedule(ctx context.Context, jobs ...Job) error
	// Run delivers due jobs to handle until ctx is cancelled.
	Run(ctx context.Context, handle Handler) error
}

// DeferError asks the strategy to deliver the job again at Until. It does not count as a
// failed attempt.
type DeferError struct {
	Until time.Time
}

func (e *DeferError) Error() string {
	return "job deferred until " + e.Until.UTC().Format(time.RFC3339)
}

// Defer returns a *DeferError for until.
func Defer(until time.Time) error {
	return &DeferError{Until: until}
}

// StrategyOptions are shared by both strategies.
type StrategyOptions struct {
	PollInterval time.Duration
	JobLease     time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
	KeyPrefix    string
}

func (o StrategyOptions) withDefaults() StrategyOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.JobLease <= 0 {
		o.JobLease = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Second
	}
	if o.KeyPrefix == "" {
		o.KeyPrefix = "sched"
	}
	return o
}

// NewStrategy selects the configured strategy.
func NewStrategy(mode string, rdb *redis.Client, clk clock.Clock, opts StrategyOptions, logger zerolog.Logger) (Strategy, error) {
	switch mode {
	case ModeQueue:
		if rdb == nil {
			return nil, fmt.Errorf("scheduler mode %q requires redis", mode)
		}
		return NewRedisQueue(rdb, clk, opts, logger), nil
	case ModeTimers, "":
		return NewLocalTimers(clk, opts, logger), nil
	default:
		return nil, fmt.Errorf("unknown scheduler mode %q", mode)
	}
}
