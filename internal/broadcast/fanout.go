package broadcast

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/daily-quiz/internal/quiz"
	ws "github.com/gokatarajesh/daily-quiz/pkg/http/ws"
)

const answeredCountTTL = 2 * time.Hour

// Fanout turns quiz lifecycle events into client messages and hands them to the backbone.
type Fanout struct {
	backbone *Backbone
	redis    *redis.Client
	logger   zerolog.Logger

	mu       sync.Mutex
	answered map[string]int
}

// NewFanout creates a fanout. When redis is non-nil answered counters are shared across
// instances.
func NewFanout(backbone *Backbone, redis *redis.Client, logger zerolog.Logger) *Fanout {
	return &Fanout{
		backbone: backbone,
		redis:    redis,
		logger:   logger.With().Str("component", "fanout").Logger(),
		answered: make(map[string]int),
	}
}

// QuestionOpened announces a newly opened question. The correct option is never included.
func (f *Fanout) QuestionOpened(ctx context.Context, view quiz.QuestionView) {
	f.publish(ctx, view.QuizID, ws.TypeQuestionOpen, QuestionOpen(view))
}

// QuestionClosed reveals the correct option of a closed question.
func (f *Fanout) QuestionClosed(ctx context.Context, quizID uuid.UUID, index, correctOption int) {
	f.publish(ctx, quizID, ws.TypeQuestionClosed, ws.QuestionClosedPayload{
		QuizID:        quizID.String(),
		Index:         index,
		CorrectOption: correctOption,
	})
}

// TimeRemaining emits the countdown for the open question.
func (f *Fanout) TimeRemaining(ctx context.Context, quizID uuid.UUID, index int, remaining time.Duration) {
	f.publish(ctx, quizID, ws.TypeTimeRemaining, ws.TimeRemainingPayload{
		QuizID:      quizID.String(),
		Index:       index,
		SecondsLeft: quiz.SecondsLeft(remaining),
	})
}

// ParticipantAnswered tells the room how many participants answered; never who or what.
func (f *Fanout) ParticipantAnswered(ctx context.Context, quizID uuid.UUID, index int) {
	f.publish(ctx, quizID, ws.TypeParticipantAnswered, ws.ParticipantAnsweredPayload{
		QuizID:        quizID.String(),
		Index:         index,
		AnsweredCount: f.incrementAnswered(ctx, quizID, index),
	})
}

// QuizAlert is sent five minutes before the start.
func (f *Fanout) QuizAlert(ctx context.Context, q *quiz.Quiz, now time.Time) {
	f.publish(ctx, q.ID, ws.TypeQuizAlert, alertPayload(q, now))
}

// QuizReady is sent one minute before the start.
func (f *Fanout) QuizReady(ctx context.Context, q *quiz.Quiz, now time.Time) {
	f.publish(ctx, q.ID, ws.TypeQuizReady, alertPayload(q, now))
}

// QuizEnded sends the bounded final leaderboard to the room.
func (f *Fanout) QuizEnded(ctx context.Context, quizID uuid.UUID, top []quiz.Standing) {
	f.publish(ctx, quizID, ws.TypeQuizEnded, ws.QuizEndedPayload{
		QuizID:      quizID.String(),
		Leaderboard: LeaderboardEntries(top),
	})
	f.forget(quizID)
}

// ResultsAnnounced broadcasts the results to every connected client.
func (f *Fanout) ResultsAnnounced(ctx context.Context, q *quiz.Quiz, top []quiz.Standing) {
	msg, err := ws.NewMessage(ws.TypeResultsAnnounced, ws.ResultsAnnouncedPayload{
		QuizID:      q.ID.String(),
		Title:       q.Title,
		Leaderboard: LeaderboardEntries(top),
	})
	if err != nil {
		f.logger.Warn().Err(err).Msg("failed to build results message")
		return
	}
	f.backbone.PublishGlobal(ctx, msg)
}

func (f *Fanout) publish(ctx context.Context, quizID uuid.UUID, msgType string, payload any) {
	msg, err := ws.NewMessage(msgType, payload)
	if err != nil {
		f.logger.Warn().Err(err).Str("type", msgType).Msg("failed to build message")
		return
	}
	f.backbone.Publish(ctx, quizID, msg)
}

func (f *Fanout) incrementAnswered(ctx context.Context, quizID uuid.UUID, index int) int {
	key := answeredKey(quizID, index)
	if f.redis != nil {
		pipe := f.redis.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, answeredCountTTL)
		_, err := pipe.Exec(ctx)
		if err == nil {
			return int(incr.Val())
		}
		f.logger.Warn().Err(err).Msg("answered counter unavailable, using local count")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered[key]++
	return f.answered[key]
}

func (f *Fanout) forget(quizID uuid.UUID) {
	prefix := fmt.Sprintf("quiz:%s:answered:", quizID)
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.answered {
		if strings.HasPrefix(k, prefix) {
			delete(f.answered, k)
		}
	}
}

func answeredKey(quizID uuid.UUID, index int) string {
	return fmt.Sprintf("quiz:%s:answered:%d", quizID, index)
}

func alertPayload(q *quiz.Quiz, now time.Time) ws.QuizAlertPayload {
	return ws.QuizAlertPayload{
		QuizID:            q.ID.String(),
		Title:             q.Title,
		SecondsUntilStart: quiz.SecondsLeft(q.ScheduledAt.Sub(now)),
	}
}

// QuestionOpen converts a view into its wire payload.
func QuestionOpen(view quiz.QuestionView) ws.QuestionOpenPayload {
	return ws.QuestionOpenPayload{
		QuizID:          view.QuizID.String(),
		Index:           view.Index,
		Total:           view.Total,
		Text:            view.Text,
		Options:         view.Options,
		Points:          view.Points,
		DurationSeconds: quiz.SecondsLeft(view.Duration),
		SecondsLeft:     quiz.SecondsLeft(view.Remaining),
	}
}

// LeaderboardEntries converts standings into wire entries.
func LeaderboardEntries(standings []quiz.Standing) []ws.LeaderboardEntry {
	out := make([]ws.LeaderboardEntry, len(standings))
	for i, s := range standings {
		out[i] = ws.LeaderboardEntry{
			Rank:         s.Rank,
			UserID:       s.UserID.String(),
			DisplayName:  s.DisplayName,
			Score:        s.Score,
			CorrectCount: s.CorrectCount,
			TimeSpentMs:  s.TimeSpent.Milliseconds(),
		}
	}
	return out
}
