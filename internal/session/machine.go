package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/daily-quiz/internal/clock"
	"github.com/gokatarajesh/daily-quiz/internal/metrics"
	"github.com/gokatarajesh/daily-quiz/internal/quiz"
)

// Emitter receives question transitions for fan-out.
type Emitter interface {
	QuestionOpened(ctx context.Context, view quiz.QuestionView)
	QuestionClosed(ctx context.Context, quizID uuid.UUID, index, correctOption int)
}

// EligibilityChecker answers whether a user may play the quiz held on quizDate.
type EligibilityChecker interface {
	IsEligible(ctx context.Context, userID uuid.UUID, quizDate time.Time) (bool, error)
}

// Options tunes join behaviour.
type Options struct {
	MaxParticipants int // 0 means unlimited
}

// Machine drives quizzes through scheduled → live → ended. Only the lifecycle driver calls
// Start and Advance; everything else reads.
type Machine struct {
	repo     quiz.Repository
	gate     EligibilityChecker
	emitter  Emitter
	registry *Registry
	clock    clock.Clock
	opts     Options
	logger   zerolog.Logger
}

// NewMachine wires a session state machine.
func NewMachine(repo quiz.Repository, gate EligibilityChecker, emitter Emitter, clk clock.Clock, opts Options, logger zerolog.Logger) *Machine {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Machine{
		repo:     repo,
		gate:     gate,
		emitter:  emitter,
		registry: NewRegistry(),
		clock:    clk,
		opts:     opts,
		logger:   logger.With().Str("component", "session").Logger(),
	}
}

// Registry exposes the runtime registry.
func (m *Machine) Registry() *Registry {
	return m.registry
}

// Start claims the quiz and opens question 0. A false result with nil error means another
// trigger already started it.
func (m *Machine) Start(ctx context.Context, quizID uuid.UUID) (bool, error) {
	q, err := m.repo.GetQuiz(ctx, quizID)
	if err != nil {
		return false, err
	}
	if q.Status != quiz.StatusScheduled {
		m.logger.Debug().Str("quiz_id", quizID.String()).Str("status", string(q.Status)).Msg("start ignored")
		return false, nil
	}
	if err := q.Validate(); err != nil {
		if _, markErr := m.repo.MarkFailed(ctx, quizID, err.Error(), m.clock.Now()); markErr != nil {
			return false, fmt.Errorf("mark failed: %w", markErr)
		}
		m.logger.Error().Err(err).Str("quiz_id", quizID.String()).Msg("quiz failed validation; marked failed")
		return false, err
	}

	now := m.clock.Now()
	claimed, err := m.repo.ClaimStart(ctx, quizID, now)
	if err != nil {
		return false, err
	}
	if !claimed {
		m.logger.Debug().Str("quiz_id", quizID.String()).Msg("start already claimed")
		return false, nil
	}

	q.Status = quiz.StatusLive
	q.CurrentQuestionIndex = 0
	q.QuestionStartedAt = &now
	q.StartedAt = &now
	m.registry.Put(q)

	m.logger.Info().Str("quiz_id", quizID.String()).Int("questions", len(q.Questions)).Msg("quiz live")
	m.emitter.QuestionOpened(ctx, q.View(0, now))
	return true, nil
}

// AdvanceResult describes the outcome of an advance call.
type AdvanceResult struct {
	Done bool              // no questions remain; finalization is due
	View quiz.QuestionView // the now-open question when !Done
}

// Advance closes the current question and opens the next one. It fails with
// quiz.ErrQuizNotLive when the quiz stopped and quiz.ErrQuizNotFound when it vanished.
func (m *Machine) Advance(ctx context.Context, quizID uuid.UUID) (AdvanceResult, error) {
	q, err := m.runtime(ctx, quizID)
	if err != nil {
		return AdvanceResult{}, err
	}
	if !q.IsLive() {
		m.registry.Delete(quizID)
		return AdvanceResult{}, quiz.ErrQuizNotLive
	}

	from := q.CurrentQuestionIndex
	if from+1 >= len(q.Questions) {
		return AdvanceResult{Done: true}, nil
	}

	now := m.clock.Now()
	advanced, err := m.repo.AdvanceQuestion(ctx, quizID, from, now)
	if err != nil {
		return AdvanceResult{}, err
	}
	if !advanced {
		fresh, err := m.repo.GetQuiz(ctx, quizID)
		if err != nil {
			return AdvanceResult{}, err
		}
		if !fresh.IsLive() {
			m.registry.Delete(quizID)
			return AdvanceResult{}, quiz.ErrQuizNotLive
		}
		m.logger.Warn().Str("quiz_id", quizID.String()).Int("expected", from).
			Int("stored", fresh.CurrentQuestionIndex).Msg("advance lost compare-and-set; adopting stored index")
		m.registry.Put(fresh)
		return AdvanceResult{View: fresh.View(fresh.CurrentQuestionIndex, now)}, nil
	}

	q.CurrentQuestionIndex = from + 1
	q.QuestionStartedAt = &now
	m.registry.Put(q)
	metrics.Advances.Inc()

	view := q.View(from+1, now)
	m.emitter.QuestionClosed(ctx, quizID, from, q.Questions[from].CorrectOption)
	m.emitter.QuestionOpened(ctx, view)
	return AdvanceResult{View: view}, nil
}

// Current returns the open question without its answer, plus remaining time.
func (m *Machine) Current(ctx context.Context, quizID uuid.UUID) (quiz.QuestionView, error) {
	q, err := m.Snapshot(ctx, quizID)
	if err != nil {
		return quiz.QuestionView{}, err
	}
	if !q.IsLive() || q.CurrentQuestionIndex < 0 {
		return quiz.QuestionView{}, quiz.ErrQuizNotLive
	}
	return q.View(q.CurrentQuestionIndex, m.clock.Now()), nil
}

// Snapshot returns the runtime of a driven quiz or, on other instances, the durable record.
func (m *Machine) Snapshot(ctx context.Context, quizID uuid.UUID) (*quiz.Quiz, error) {
	if q, ok := m.registry.Get(quizID); ok {
		return q, nil
	}
	return m.repo.GetQuiz(ctx, quizID)
}

// Close emits the final question-closed event and drops the runtime after finalization.
// q is the quiz as it was before it ended.
func (m *Machine) Close(ctx context.Context, q *quiz.Quiz) {
	if runtime, ok := m.registry.Get(q.ID); ok {
		q = runtime
	}
	if q.Status == quiz.StatusLive && q.CurrentQuestionIndex >= 0 && q.CurrentQuestionIndex < len(q.Questions) {
		idx := q.CurrentQuestionIndex
		m.emitter.QuestionClosed(ctx, q.ID, idx, q.Questions[idx].CorrectOption)
	}
	m.registry.Delete(q.ID)
}

// Recover reloads every live quiz from the durable store into the registry. Runtimes already
// held are kept; they are at least as fresh as the durable record.
func (m *Machine) Recover(ctx context.Context) ([]uuid.UUID, error) {
	live, err := m.repo.ListQuizzes(ctx, quiz.ListFilter{Statuses: []quiz.Status{quiz.StatusLive}})
	if err != nil {
		return nil, fmt.Errorf("list live quizzes: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(live))
	for i := range live {
		q := live[i]
		if _, ok := m.registry.Get(q.ID); ok {
			ids = append(ids, q.ID)
			continue
		}
		if err := q.Validate(); err != nil {
			m.logger.Error().Err(err).Str("quiz_id", q.ID.String()).Msg("live quiz is malformed; marking failed")
			if _, markErr := m.repo.MarkFailed(ctx, q.ID, err.Error(), m.clock.Now()); markErr != nil {
				m.logger.Warn().Err(markErr).Str("quiz_id", q.ID.String()).Msg("mark failed")
			}
			continue
		}
		m.registry.Put(&q)
		ids = append(ids, q.ID)
		m.logger.Info().Str("quiz_id", q.ID.String()).Int("index", q.CurrentQuestionIndex).Msg("live quiz recovered")
	}
	return ids, nil
}

// Forget drops a runtime this process no longer drives.
func (m *Machine) Forget(quizID uuid.UUID) {
	m.registry.Delete(quizID)
}

// runtime loads the registry entry, falling back to the durable record.
func (m *Machine) runtime(ctx context.Context, quizID uuid.UUID) (*quiz.Quiz, error) {
	if q, ok := m.registry.Get(quizID); ok {
		return q, nil
	}
	q, err := m.repo.GetQuiz(ctx, quizID)
	if err != nil {
		if errors.Is(err, quiz.ErrQuizNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load runtime: %w", err)
	}
	if q.IsLive() {
		m.registry.Put(q)
	}
	return q, nil
}
