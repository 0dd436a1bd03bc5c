package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gokatarajesh/daily-quiz/internal/clock"
)

// LocalTimers fires jobs from in-process timers. Jobs do not survive a restart or exhausted
// retries; the planner re-registers them on its next pass. Intended for single-instance
// deployments.
type LocalTimers struct {
	clock  clock.Clock
	opts   StrategyOptions
	logger zerolog.Logger

	mu       sync.Mutex
	timers   map[string]*time.Timer
	done     map[string]struct{}
	attempts map[string]int
	due      chan Job
}

// NewLocalTimers creates the in-process strategy.
func NewLocalTimers(clk clock.Clock, opts StrategyOptions, logger zerolog.Logger) *LocalTimers {
	if clk == nil {
		clk = clock.Real{}
	}
	return &LocalTimers{
		clock:    clk,
		opts:     opts.withDefaults(),
		logger:   logger.With().Str("component", "scheduler_timers").Logger(),
		timers:   make(map[string]*time.Timer),
		done:     make(map[string]struct{}),
		attempts: make(map[string]int),
		due:      make(chan Job, 64),
	}
}

// Name implements Strategy.
func (t *LocalTimers) Name() string { return ModeTimers }

// Schedule implements Strategy.
func (t *LocalTimers) Schedule(_ context.Context, jobs ...Job) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, job := range jobs {
		if _, ok := t.timers[job.ID]; ok {
			continue
		}
		if _, ok := t.done[job.ID]; ok {
			continue
		}
		t.arm(job, job.DueAt.Sub(t.clock.Now()))
		t.logger.Info().Str("job_id", job.ID).Time("due_at", job.DueAt).Msg("job scheduled")
	}
	return nil
}

// arm must be called with mu held.
func (t *LocalTimers) arm(job Job, wait time.Duration) {
	if wait < 0 {
		wait = 0
	}
	t.timers[job.ID] = time.AfterFunc(wait, func() {
		t.due <- job
	})
}

// Run implements Strategy.
func (t *LocalTimers) Run(ctx context.Context, handle Handler) error {
	defer t.stopAll()

	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-t.due:
			err := handle(ctx, job)
			t.settle(job, err)
		}
	}
}

func (t *LocalTimers) settle(job Job, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err == nil {
		delete(t.timers, job.ID)
		delete(t.attempts, job.ID)
		t.done[job.ID] = struct{}{}
		return
	}

	var deferred *DeferError
	if errors.As(err, &deferred) {
		t.logger.Debug().Str("job_id", job.ID).Time("until", deferred.Until).Msg("job deferred")
		t.arm(job, deferred.Until.Sub(t.clock.Now()))
		return
	}

	t.attempts[job.ID]++
	n := t.attempts[job.ID]
	if n >= t.opts.MaxAttempts {
		// Forgotten rather than done: the next planner pass registers it again.
		t.logger.Error().Err(err).Str("job_id", job.ID).Int("attempts", n).Msg("job exhausted retries; released for replanning")
		delete(t.timers, job.ID)
		delete(t.attempts, job.ID)
		return
	}
	wait := t.opts.RetryBackoff * time.Duration(n)
	t.logger.Warn().Err(err).Str("job_id", job.ID).Int("attempt", n).Dur("retry_in", wait).Msg("job failed; retrying")
	t.arm(job, wait)
}

func (t *LocalTimers) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}
