package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/gokatarajesh/daily-quiz/internal/clock"
	"github.com/gokatarajesh/daily-quiz/internal/quiz"
)

// Recoverer resumes live quizzes nobody drives.
type Recoverer interface {
	Recover(ctx context.Context) error
}

// PlannerOptions control how far ahead lifecycle jobs are registered.
type PlannerOptions struct {
	Interval time.Duration
	Horizon  time.Duration
	Offsets  Offsets
}

// Planner periodically registers lifecycle jobs for upcoming quizzes and resumes orphaned
// live quizzes.
type Planner struct {
	repo      quiz.Repository
	strategy  Strategy
	recoverer Recoverer
	clock     clock.Clock
	opts      PlannerOptions
	logger    zerolog.Logger
}

// NewPlanner creates a planner. recoverer may be nil.
func NewPlanner(repo quiz.Repository, strategy Strategy, recoverer Recoverer, clk clock.Clock, opts PlannerOptions, logger zerolog.Logger) *Planner {
	if clk == nil {
		clk = clock.Real{}
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Horizon <= 0 {
		opts.Horizon = 24 * time.Hour
	}
	if opts.Offsets == (Offsets{}) {
		opts.Offsets = DefaultOffsets()
	}
	return &Planner{
		repo:      repo,
		strategy:  strategy,
		recoverer: recoverer,
		clock:     clk,
		opts:      opts,
		logger:    logger.With().Str("component", "planner").Logger(),
	}
}

// Run plans immediately and then on every interval until ctx is cancelled.
func (p *Planner) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := p.Plan(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn().Err(err).Msg("planning pass failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Plan registers the jobs of every scheduled quiz starting before now+horizon, overdue ones
// included, and the end and results jobs of live quizzes. Jobs the strategy already knows
// are absorbed, so a pass only re-arms jobs that were lost or exhausted. Returns how many
// quizzes were planned.
func (p *Planner) Plan(ctx context.Context) (int, error) {
	now := p.clock.Now()
	upcoming, err := p.repo.ListQuizzes(ctx, quiz.ListFilter{
		Statuses:        []quiz.Status{quiz.StatusScheduled, quiz.StatusLive},
		ScheduledBefore: now.Add(p.opts.Horizon),
	})
	if err != nil {
		return 0, fmt.Errorf("list upcoming quizzes: %w", err)
	}

	for i := range upcoming {
		q := &upcoming[i]
		if err := p.strategy.Schedule(ctx, JobsFor(q, p.opts.Offsets, now)...); err != nil {
			return i, fmt.Errorf("schedule quiz %s: %w", q.ID, err)
		}
	}

	if p.recoverer != nil {
		if err := p.recoverer.Recover(ctx); err != nil {
			return len(upcoming), fmt.Errorf("recover live quizzes: %w", err)
		}
	}
	return len(upcoming), nil
}
