package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gokatarajesh/daily-quiz/internal/quiz"
)

// Kind is a lifecycle event.
type Kind string

const (
	KindAlert   Kind = "alert"
	KindReady   Kind = "ready"
	KindStart   Kind = "start"
	KindEnd     Kind = "end"
	KindResults Kind = "results"
)

// Job is one lifecycle event for one quiz. The ID is deterministic so scheduling the same
// job twice is absorbed.
type Job struct {
	ID     string    `json:"id"`
	QuizID uuid.UUID `json:"quiz_id"`
	Kind   Kind      `json:"kind"`
	DueAt  time.Time `json:"due_at"`
}

// NewJob builds a job with its deterministic ID.
func NewJob(quizID uuid.UUID, kind Kind, dueAt time.Time) Job {
	return Job{
		ID:     fmt.Sprintf("%s:%s", quizID, kind),
		QuizID: quizID,
		Kind:   kind,
		DueAt:  dueAt.UTC(),
	}
}

// Handler processes a due job. A returned error asks the strategy to redeliver.
type Handler func(ctx context.Context, job Job) error

// Offsets place the lifecycle events relative to the scheduled start.
type Offsets struct {
	Alert        time.Duration // before start
	Ready        time.Duration // before start
	End          time.Duration // after start; 0 derives it from the question count
	EndPadding   time.Duration // added to the derived end
	Grace        time.Duration // per question, past its duration
	ResultsDelay time.Duration // after end
}

// DefaultOffsets mirror the daily quiz timetable.
func DefaultOffsets() Offsets {
	return Offsets{
		Alert:        5 * time.Minute,
		Ready:        time.Minute,
		EndPadding:   30 * time.Second,
		ResultsDelay: time.Minute,
	}
}

// JobsFor returns the lifecycle jobs of q. Pre-start signals are skipped once the start
// instant has passed; a live quiz only gets its end and results jobs.
func JobsFor(q *quiz.Quiz, o Offsets, now time.Time) []Job {
	end := EndOf(q, o)
	if q.Status == quiz.StatusLive {
		return []Job{
			NewJob(q.ID, KindEnd, end),
			NewJob(q.ID, KindResults, end.Add(o.ResultsDelay)),
		}
	}

	start := q.ScheduledAt
	jobs := make([]Job, 0, 5)
	if now.Before(start) {
		jobs = append(jobs,
			NewJob(q.ID, KindAlert, start.Add(-o.Alert)),
			NewJob(q.ID, KindReady, start.Add(-o.Ready)),
		)
	}
	return append(jobs,
		NewJob(q.ID, KindStart, start),
		NewJob(q.ID, KindEnd, end),
		NewJob(q.ID, KindResults, end.Add(o.ResultsDelay)),
	)
}

// EndOf is when q is expected to be over. A live quiz counts the questions left from the
// start of its open question; any other quiz counts all of them from its scheduled start,
// unless o.End fixes the length.
func EndOf(q *quiz.Quiz, o Offsets) time.Time {
	perQuestion := q.QuestionDuration + o.Grace
	if q.Status == quiz.StatusLive && q.QuestionStartedAt != nil && q.CurrentQuestionIndex >= 0 {
		left := len(q.Questions) - q.CurrentQuestionIndex
		return q.QuestionStartedAt.Add(time.Duration(left)*perQuestion + o.EndPadding)
	}
	if o.End > 0 {
		return q.ScheduledAt.Add(o.End)
	}
	return q.ScheduledAt.Add(time.Duration(len(q.Questions))*perQuestion + o.EndPadding)
}
