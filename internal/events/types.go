package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/gokatarajesh/daily-quiz/internal/quiz"
)

// EventType names a quiz notification.
type EventType string

const (
	EventQuizEnded        EventType = "quiz.ended"
	EventResultsAnnounced EventType = "quiz.results_announced"
)

// QuizEvent is the payload published for downstream consumers (notifications, analytics).
type QuizEvent struct {
	ID           string     `json:"id"`
	Type         EventType  `json:"type"`
	QuizID       uuid.UUID  `json:"quiz_id"`
	Title        string     `json:"title"`
	QuizDate     time.Time  `json:"quiz_date"`
	Participants int        `json:"participants"`
	Top          []Standing `json:"top"`
	Timestamp    time.Time  `json:"timestamp"`
	Source       string     `json:"source"`
	Version      string     `json:"version"`
}

// Standing is the public projection of a ranked participant.
type Standing struct {
	Rank         int       `json:"rank"`
	UserID       uuid.UUID `json:"user_id"`
	DisplayName  string    `json:"display_name"`
	Score        int       `json:"score"`
	CorrectCount int       `json:"correct_count"`
	TimeSpentMs  int64     `json:"time_spent_ms"`
}

// NewQuizEvent builds an event for q with the given top standings.
func NewQuizEvent(eventType EventType, q *quiz.Quiz, participants int, top []quiz.Standing, at time.Time) *QuizEvent {
	out := make([]Standing, len(top))
	for i, s := range top {
		out[i] = Standing{
			Rank:         s.Rank,
			UserID:       s.UserID,
			DisplayName:  s.DisplayName,
			Score:        s.Score,
			CorrectCount: s.CorrectCount,
			TimeSpentMs:  s.TimeSpent.Milliseconds(),
		}
	}
	return &QuizEvent{
		ID:           uuid.NewString(),
		Type:         eventType,
		QuizID:       q.ID,
		Title:        q.Title,
		QuizDate:     q.ScheduledAt,
		Participants: participants,
		Top:          out,
		Timestamp:    at.UTC(),
		Source:       "daily-quiz",
		Version:      "1",
	}
}
