package quiz

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a quiz.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusLive      Status = "live"
	StatusEnded     Status = "ended"
	StatusFailed    Status = "failed"
)

// NotStarted is the current question index of a quiz that has not gone live.
const NotStarted = -1

// Question is immutable once the quiz is live. CorrectOption never leaves the server
// before the question closes.
type Question struct {
	ID            string   `json:"id,omitempty" yaml:"id"`
	Text          string   `json:"text" yaml:"text" validate:"required"`
	Options       []string `json:"options" yaml:"options" validate:"min=2,max=6,dive,required"`
	CorrectOption int      `json:"correct_option" yaml:"correct_option" validate:"gte=0"`
	Points        int      `json:"points" yaml:"points" validate:"gte=0"`
}

// Quiz is one scheduled event and its frozen question set.
type Quiz struct {
	ID                   uuid.UUID
	Title                string
	ScheduledAt          time.Time
	Status               Status
	QuestionDuration     time.Duration
	Questions            []Question
	CurrentQuestionIndex int
	QuestionStartedAt    *time.Time
	StartedAt            *time.Time
	EndedAt              *time.Time
	ResultsAnnouncedAt   *time.Time
	FailureReason        string
	CreatedAt            time.Time
}

// IsLive reports whether the quiz is accepting answers.
func (q *Quiz) IsLive() bool {
	return q.Status == StatusLive
}

// QuestionDeadline is the close instant of the current question.
func (q *Quiz) QuestionDeadline() time.Time {
	if q.QuestionStartedAt == nil {
		return time.Time{}
	}
	return q.QuestionStartedAt.Add(q.QuestionDuration)
}

// AnswerEntry is one immutable ledger row.
type AnswerEntry struct {
	QuestionIndex  int
	SelectedOption int
	Correct        bool
	Points         int
	TimeTaken      time.Duration
	AnsweredAt     time.Time
}

// Totals are the denormalized aggregates of a participant.
type Totals struct {
	Score         int
	CorrectCount  int
	AnsweredCount int
	TimeSpent     time.Duration
}

// Add returns t plus the contribution of one ledger entry.
func (t Totals) Add(e AnswerEntry) Totals {
	t.Score += e.Points
	if e.Correct {
		t.CorrectCount++
	}
	t.AnsweredCount++
	t.TimeSpent += e.TimeTaken
	return t
}

// Participant is one user's relationship to one quiz.
type Participant struct {
	QuizID      uuid.UUID
	UserID      uuid.UUID
	DisplayName string
	Eligible    bool
	Totals
	Completed bool
	Rank      int // 0 until ranked
	JoinedAt  time.Time
	Answers   []AnswerEntry
}

// HasAnswered reports whether the ledger already holds an entry for idx.
func (p *Participant) HasAnswered(idx int) bool {
	for _, a := range p.Answers {
		if a.QuestionIndex == idx {
			return true
		}
	}
	return false
}

// Standing is a participant's sealed result.
type Standing struct {
	UserID      uuid.UUID
	DisplayName string
	Totals
	Rank      int
	Completed bool
}

// HistoryEntry mirrors a sealed result into the user's personal history.
type HistoryEntry struct {
	UserID     uuid.UUID
	QuizID     uuid.UUID
	QuizTitle  string
	QuizDate   time.Time
	Standing   Standing
	RecordedAt time.Time
}

// QuestionView is the client-safe projection of the active question.
type QuestionView struct {
	QuizID    uuid.UUID
	Index     int
	Total     int
	Text      string
	Options   []string
	Points    int
	Duration  time.Duration
	Remaining time.Duration
	StartedAt time.Time
}

// View projects question idx without the correct option.
func (q *Quiz) View(idx int, now time.Time) QuestionView {
	question := q.Questions[idx]
	view := QuestionView{
		QuizID:   q.ID,
		Index:    idx,
		Total:    len(q.Questions),
		Text:     question.Text,
		Options:  append([]string(nil), question.Options...),
		Points:   question.Points,
		Duration: q.QuestionDuration,
	}
	if q.QuestionStartedAt != nil {
		view.StartedAt = *q.QuestionStartedAt
		view.Remaining = Remaining(q.QuestionDuration, *q.QuestionStartedAt, now)
	}
	return view
}

// Remaining is max(0, duration - (now - start)).
func Remaining(duration time.Duration, start, now time.Time) time.Duration {
	left := duration - now.Sub(start)
	if left < 0 {
		return 0
	}
	return left
}

// SecondsLeft rounds a remaining duration up to whole seconds for display.
func SecondsLeft(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
