package leaderboard

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/daily-quiz/internal/clock"
	"github.com/gokatarajesh/daily-quiz/internal/events"
	"github.com/gokatarajesh/daily-quiz/internal/quiz"
	"github.com/gokatarajesh/daily-quiz/internal/scoring"
)

// Sessions releases the runtime of a finished quiz.
type Sessions interface {
	Close(ctx context.Context, q *quiz.Quiz)
}

// Announcer delivers final results to clients.
type Announcer interface {
	QuizEnded(ctx context.Context, quizID uuid.UUID, top []quiz.Standing)
	ResultsAnnounced(ctx context.Context, q *quiz.Quiz, top []quiz.Standing)
}

// FinalizerOptions tune ranking and broadcast size.
type FinalizerOptions struct {
	Policy Policy
	TopN   int
}

// Finalizer ends quizzes. The repository closes the quiz to new answers and hands the
// finalizer the final participant set, which it reconciles with the ledger and ranks; the
// standings and history are sealed in the same step before the bounded leaderboard is
// broadcast.
type Finalizer struct {
	repo      quiz.Repository
	sessions  Sessions
	announcer Announcer
	events    events.EventPublisher
	windows   *Service
	clock     clock.Clock
	opts      FinalizerOptions
	logger    zerolog.Logger
}

// NewFinalizer wires a finalizer. windows and publisher may be nil.
func NewFinalizer(repo quiz.Repository, sessions Sessions, announcer Announcer, publisher events.EventPublisher, windows *Service, clk clock.Clock, opts FinalizerOptions, logger zerolog.Logger) *Finalizer {
	if clk == nil {
		clk = clock.Real{}
	}
	if opts.TopN <= 0 {
		opts.TopN = 10
	}
	if opts.Policy == "" {
		opts.Policy = PolicyAll
	}
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Finalizer{
		repo:      repo,
		sessions:  sessions,
		announcer: announcer,
		events:    publisher,
		windows:   windows,
		clock:     clk,
		opts:      opts,
		logger:    logger.With().Str("component", "finalizer").Logger(),
	}
}

// Finalize ends quizID. It reports false when another trigger already finalized it; only
// the winning call broadcasts.
func (f *Finalizer) Finalize(ctx context.Context, quizID uuid.UUID) (bool, error) {
	q, err := f.repo.GetQuiz(ctx, quizID)
	if err != nil {
		return false, err
	}
	if q.Status != quiz.StatusScheduled && q.Status != quiz.StatusLive {
		return false, nil
	}

	participants := 0
	standings, ended, err := f.repo.FinalizeQuiz(ctx, quizID, func(ps []quiz.Participant) []quiz.Standing {
		participants = len(ps)
		for i := range ps {
			f.reconcile(&ps[i])
		}
		return Rank(ps, f.opts.Policy)
	}, f.clock.Now())
	if err != nil {
		return false, err
	}
	if !ended {
		return false, nil
	}

	f.sessions.Close(ctx, q)
	top := Top(standings, f.opts.TopN)
	f.announcer.QuizEnded(ctx, quizID, top)
	f.logger.Info().Str("quiz_id", quizID.String()).Int("participants", participants).Msg("quiz finalized")

	if err := f.events.Publish(ctx, events.NewQuizEvent(events.EventQuizEnded, q, participants, top, f.clock.Now())); err != nil {
		f.logger.Warn().Err(err).Str("quiz_id", quizID.String()).Msg("quiz ended event not published")
	}
	if f.windows != nil {
		if err := f.windows.RecordStandings(ctx, q, standings); err != nil {
			f.logger.Warn().Err(err).Str("quiz_id", quizID.String()).Msg("leaderboard windows not updated")
		}
	}
	return true, nil
}

// reconcile replaces drifted aggregates with the ledger sum.
func (f *Finalizer) reconcile(p *quiz.Participant) {
	if scoring.Consistent(*p) {
		return
	}
	fixed := scoring.Reconcile(p.Answers)
	f.logger.Error().Str("quiz_id", p.QuizID.String()).Str("user_id", p.UserID.String()).
		Int("stored_score", p.Score).Int("ledger_score", fixed.Score).Msg("aggregate mismatch; ledger wins")
	p.Totals = fixed
}

// Announce re-broadcasts the final top standings to every connected client, once.
func (f *Finalizer) Announce(ctx context.Context, quizID uuid.UUID) (bool, error) {
	q, err := f.repo.GetQuiz(ctx, quizID)
	if err != nil {
		return false, err
	}
	if q.Status != quiz.StatusEnded || q.ResultsAnnouncedAt != nil {
		return false, nil
	}
	top, err := f.repo.ListStandings(ctx, quizID, f.opts.TopN)
	if err != nil {
		return false, fmt.Errorf("list standings: %w", err)
	}
	marked, err := f.repo.MarkResultsAnnounced(ctx, quizID, f.clock.Now())
	if err != nil || !marked {
		return false, err
	}

	f.announcer.ResultsAnnounced(ctx, q, top)
	if err := f.events.Publish(ctx, events.NewQuizEvent(events.EventResultsAnnounced, q, 0, top, f.clock.Now())); err != nil {
		f.logger.Warn().Err(err).Str("quiz_id", quizID.String()).Msg("results event not published")
	}
	f.logger.Info().Str("quiz_id", quizID.String()).Int("top", len(top)).Msg("results announced")
	return true, nil
}

// Results returns sealed standings of an ended quiz.
func (f *Finalizer) Results(ctx context.Context, quizID uuid.UUID, limit int) (*quiz.Quiz, []quiz.Standing, error) {
	q, err := f.repo.GetQuiz(ctx, quizID)
	if err != nil {
		return nil, nil, err
	}
	if q.Status != quiz.StatusEnded {
		return q, nil, nil
	}
	standings, err := f.repo.ListStandings(ctx, quizID, limit)
	if err != nil {
		return nil, nil, err
	}
	return q, standings, nil
}
