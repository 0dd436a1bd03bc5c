package session

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/gokatarajesh/daily-quiz/internal/metrics"
	"github.com/gokatarajesh/daily-quiz/internal/quiz"
)

// JoinResult is the outcome of a join. Rejections carry a reason and no error.
type JoinResult struct {
	Accepted    bool
	Reason      quiz.RejectReason
	Quiz        *quiz.Quiz
	Participant *quiz.Participant
}

// Join registers userID for quizID after the eligibility gate confirms it. A participant
// already registered as eligible is admitted again without asking the gate.
func (m *Machine) Join(ctx context.Context, quizID, userID uuid.UUID, displayName string) (JoinResult, error) {
	res, err := m.join(ctx, quizID, userID, displayName)
	outcome := "accepted"
	if !res.Accepted {
		outcome = string(res.Reason)
	}
	metrics.Joins.WithLabelValues(outcome).Inc()
	return res, err
}

func (m *Machine) join(ctx context.Context, quizID, userID uuid.UUID, displayName string) (JoinResult, error) {
	q, err := m.Snapshot(ctx, quizID)
	if errors.Is(err, quiz.ErrQuizNotFound) {
		return reject(quiz.ReasonQuizNotFound), nil
	}
	if err != nil {
		return reject(quiz.ReasonTryAgain), err
	}
	if q.Status != quiz.StatusScheduled && q.Status != quiz.StatusLive {
		return reject(quiz.ReasonQuizNotLive), nil
	}

	existing, err := m.repo.GetParticipant(ctx, quizID, userID)
	switch {
	case err == nil && existing.Eligible:
		return JoinResult{Accepted: true, Quiz: q, Participant: existing}, nil
	case err != nil && !errors.Is(err, quiz.ErrParticipantNotFound):
		return reject(quiz.ReasonTryAgain), err
	}

	if m.opts.MaxParticipants > 0 {
		n, err := m.repo.CountParticipants(ctx, quizID)
		if err != nil {
			return reject(quiz.ReasonTryAgain), err
		}
		if n >= m.opts.MaxParticipants {
			return reject(quiz.ReasonQuizFull), nil
		}
	}

	eligible, err := m.gate.IsEligible(ctx, userID, q.ScheduledAt)
	if err != nil {
		return reject(quiz.ReasonTryAgain), err
	}
	if !eligible {
		m.logger.Info().Str("quiz_id", quizID.String()).Str("user_id", userID.String()).Msg("join rejected: not eligible")
		return reject(quiz.ReasonNotEligible), nil
	}

	p, err := m.repo.AddParticipant(ctx, quiz.Participant{
		QuizID:      quizID,
		UserID:      userID,
		DisplayName: displayName,
		Eligible:    true,
		JoinedAt:    m.clock.Now(),
	})
	if errors.Is(err, quiz.ErrQuizNotFound) {
		return reject(quiz.ReasonQuizNotFound), nil
	}
	if err != nil {
		return reject(quiz.ReasonTryAgain), err
	}
	return JoinResult{Accepted: true, Quiz: q, Participant: p}, nil
}

func reject(reason quiz.RejectReason) JoinResult {
	return JoinResult{Reason: reason}
}
