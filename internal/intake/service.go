package intake

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/gokatarajesh/daily-quiz/internal/clock"
	"github.com/gokatarajesh/daily-quiz/internal/metrics"
	"github.com/gokatarajesh/daily-quiz/internal/quiz"
	"github.com/gokatarajesh/daily-quiz/internal/scoring"
)

// Sessions is the read side of the session state machine.
type Sessions interface {
	Snapshot(ctx context.Context, quizID uuid.UUID) (*quiz.Quiz, error)
}

// Notifier receives privacy-preserving answer events for the room.
type Notifier interface {
	ParticipantAnswered(ctx context.Context, quizID uuid.UUID, index int)
}

// Options tunes the timing window and persistence retries.
type Options struct {
	Grace          time.Duration // accepted past the question duration
	MinElapsed     time.Duration // optional anti-cheat floor; 0 disables
	PersistRetries uint64
	RetryBase      time.Duration
}

func (o Options) withDefaults() Options {
	if o.Grace <= 0 {
		o.Grace = time.Second
	}
	if o.PersistRetries == 0 {
		o.PersistRetries = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 50 * time.Millisecond
	}
	return o
}

// Request is one answer submission.
type Request struct {
	QuizID          uuid.UUID
	UserID          uuid.UUID
	QuestionIndex   int
	SelectedOption  int
	ClientTimestamp *time.Time // informational only
}

// Result is returned for every submission. Rejections are values with a reason.
type Result struct {
	Accepted        bool
	Reason          quiz.RejectReason
	QuestionIndex   int
	Correct         bool
	PointsAwarded   int
	CumulativeScore int
	TimeTaken       time.Duration
}

// Service validates, times, scores and durably records answers.
type Service struct {
	repo     quiz.Repository
	sessions Sessions
	notifier Notifier
	engine   *scoring.Engine
	clock    clock.Clock
	opts     Options
	logger   zerolog.Logger
}

// NewService wires the answer intake pipeline.
func NewService(repo quiz.Repository, sessions Sessions, notifier Notifier, clk clock.Clock, opts Options, logger zerolog.Logger) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{
		repo:     repo,
		sessions: sessions,
		notifier: notifier,
		engine:   scoring.NewEngine(),
		clock:    clk,
		opts:     opts.withDefaults(),
		logger:   logger.With().Str("component", "intake").Logger(),
	}
}

// Grace is how long past its duration a question still accepts answers.
func (s *Service) Grace() time.Duration { return s.opts.Grace }

// Submit runs the validation pipeline in order: live, current index, eligible participant,
// not yet answered, inside the time window. The error is non-nil only for infrastructure
// failures, in which case the result carries quiz.ReasonTryAgain.
func (s *Service) Submit(ctx context.Context, req Request) (Result, error) {
	receivedAt := s.clock.Now()
	res, err := s.submit(ctx, req, receivedAt)

	switch {
	case err != nil:
		metrics.Answers.WithLabelValues("failed", string(quiz.ReasonTryAgain)).Inc()
		s.logger.Warn().Err(err).Str("quiz_id", req.QuizID.String()).Str("user_id", req.UserID.String()).
			Int("question_index", req.QuestionIndex).Msg("answer persistence failed")
	case res.Accepted:
		metrics.Answers.WithLabelValues("accepted", "").Inc()
	default:
		metrics.Answers.WithLabelValues("rejected", string(res.Reason)).Inc()
		s.logger.Info().Str("quiz_id", req.QuizID.String()).Str("user_id", req.UserID.String()).
			Int("question_index", req.QuestionIndex).Str("reason", string(res.Reason)).Msg("answer rejected")
	}
	return res, err
}

func (s *Service) submit(ctx context.Context, req Request, receivedAt time.Time) (Result, error) {
	res := Result{QuestionIndex: req.QuestionIndex}

	q, err := s.sessions.Snapshot(ctx, req.QuizID)
	if errors.Is(err, quiz.ErrQuizNotFound) {
		return rejected(res, quiz.ReasonQuizNotFound), nil
	}
	if err != nil {
		return rejected(res, quiz.ReasonTryAgain), err
	}

	// 1. live
	if !q.IsLive() || q.QuestionStartedAt == nil {
		return rejected(res, quiz.ReasonQuizNotLive), nil
	}
	// 2. current question
	if req.QuestionIndex != q.CurrentQuestionIndex {
		return rejected(res, quiz.ReasonWrongQuestion), nil
	}
	// 3. registered and eligible
	p, err := s.repo.GetParticipant(ctx, req.QuizID, req.UserID)
	if errors.Is(err, quiz.ErrParticipantNotFound) {
		return rejected(res, quiz.ReasonNotRegistered), nil
	}
	if err != nil {
		return rejected(res, quiz.ReasonTryAgain), err
	}
	if !p.Eligible {
		return rejected(res, quiz.ReasonNotEligible), nil
	}
	// 4. not yet answered; the durable write below re-checks atomically
	if p.HasAnswered(req.QuestionIndex) {
		return rejected(res, quiz.ReasonAlreadyAnswered), nil
	}
	// 5. time window
	elapsed := receivedAt.Sub(*q.QuestionStartedAt)
	if elapsed > q.QuestionDuration+s.opts.Grace {
		return rejected(res, quiz.ReasonTimeExceeded), nil
	}
	if s.opts.MinElapsed > 0 && elapsed < s.opts.MinElapsed {
		return rejected(res, quiz.ReasonTooFast), nil
	}

	question := q.Questions[req.QuestionIndex]
	if req.SelectedOption < 0 || req.SelectedOption >= len(question.Options) {
		return rejected(res, quiz.ReasonInvalidOption), nil
	}

	correct, points := s.engine.Score(question, req.SelectedOption)
	entry := quiz.AnswerEntry{
		QuestionIndex:  req.QuestionIndex,
		SelectedOption: req.SelectedOption,
		Correct:        correct,
		Points:         points,
		TimeTaken:      s.engine.TimeTaken(elapsed, q.QuestionDuration),
		AnsweredAt:     receivedAt,
	}

	totals, err := s.persist(ctx, req, entry)
	switch {
	case errors.Is(err, quiz.ErrAlreadyAnswered):
		return rejected(res, quiz.ReasonAlreadyAnswered), nil
	case errors.Is(err, quiz.ErrQuestionClosed):
		return rejected(res, s.closedReason(ctx, req)), nil
	case errors.Is(err, quiz.ErrParticipantNotFound):
		return rejected(res, quiz.ReasonNotRegistered), nil
	case errors.Is(err, quiz.ErrQuizNotFound):
		return rejected(res, quiz.ReasonQuizNotFound), nil
	case err != nil:
		return rejected(res, quiz.ReasonTryAgain), err
	}

	if s.notifier != nil {
		s.notifier.ParticipantAnswered(ctx, req.QuizID, req.QuestionIndex)
	}
	return Result{
		Accepted:        true,
		QuestionIndex:   req.QuestionIndex,
		Correct:         correct,
		PointsAwarded:   points,
		CumulativeScore: totals.Score,
		TimeTaken:       entry.TimeTaken,
	}, nil
}

// persist retries transient store failures. Domain outcomes are returned immediately.
func (s *Service) persist(ctx context.Context, req Request, entry quiz.AnswerEntry) (quiz.Totals, error) {
	var totals quiz.Totals
	backoff := retry.WithMaxRetries(s.opts.PersistRetries, retry.NewExponential(s.opts.RetryBase))
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			metrics.StoreRetries.WithLabelValues("record_answer").Inc()
		}
		t, err := s.repo.RecordAnswer(ctx, req.QuizID, req.UserID, entry)
		if err != nil {
			if isDomainError(err) {
				return err
			}
			return retry.RetryableError(err)
		}
		totals = t
		return nil
	})
	return totals, err
}

// closedReason distinguishes an ended quiz from a question that closed mid-write.
func (s *Service) closedReason(ctx context.Context, req Request) quiz.RejectReason {
	q, err := s.repo.GetQuiz(ctx, req.QuizID)
	if err == nil && !q.IsLive() {
		return quiz.ReasonQuizNotLive
	}
	return quiz.ReasonWrongQuestion
}

// Reconcile compares a participant's aggregates with the ledger sum.
func (s *Service) Reconcile(ctx context.Context, quizID, userID uuid.UUID) (bool, error) {
	p, err := s.repo.GetParticipant(ctx, quizID, userID)
	if err != nil {
		return false, err
	}
	return scoring.Consistent(*p), nil
}

func isDomainError(err error) bool {
	return errors.Is(err, quiz.ErrAlreadyAnswered) ||
		errors.Is(err, quiz.ErrQuestionClosed) ||
		errors.Is(err, quiz.ErrParticipantNotFound) ||
		errors.Is(err, quiz.ErrQuizNotFound)
}

func rejected(res Result, reason quiz.RejectReason) Result {
	res.Accepted = false
	res.Reason = reason
	return res
}
