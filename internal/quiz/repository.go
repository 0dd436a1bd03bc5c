package quiz

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ListFilter narrows quiz listings.
type ListFilter struct {
	Statuses        []Status
	ScheduledBefore time.Time // zero means unbounded
}

// SealFunc ranks the participants of an ending quiz. It runs inside FinalizeQuiz and may
// adjust the participants it is given.
type SealFunc func(participants []Participant) []Standing

// Repository is the durable owner of quizzes and participants. Every mutation is an
// atomic conditional operation; callers never read-modify-write a whole record.
type Repository interface {
	CreateQuiz(ctx context.Context, q *Quiz) error
	GetQuiz(ctx context.Context, id uuid.UUID) (*Quiz, error)
	ListQuizzes(ctx context.Context, filter ListFilter) ([]Quiz, error)

	// ClaimStart moves scheduled → live at question 0. False when already claimed.
	ClaimStart(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	// AdvanceQuestion moves from → from+1 while live. False when the quiz moved on or stopped.
	AdvanceQuestion(ctx context.Context, id uuid.UUID, from int, at time.Time) (bool, error)
	// MarkFailed moves scheduled or live → failed.
	MarkFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time) (bool, error)
	// FinalizeQuiz moves scheduled or live → ended, then reads participants with their ledgers,
	// ranks them with seal and writes standings and history, all in one atomic step. Answers
	// recorded before the status change are visible to seal; later ones are rejected. A nil
	// seal ends the quiz without sealing anyone. False when the quiz was already ended.
	FinalizeQuiz(ctx context.Context, id uuid.UUID, seal SealFunc, at time.Time) ([]Standing, bool, error)
	// MarkResultsAnnounced is a once-only flag for the results job.
	MarkResultsAnnounced(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)

	// AddParticipant inserts p unless it exists and returns the stored record.
	AddParticipant(ctx context.Context, p Participant) (*Participant, error)
	GetParticipant(ctx context.Context, quizID, userID uuid.UUID) (*Participant, error)
	CountParticipants(ctx context.Context, quizID uuid.UUID) (int, error)
	ListParticipants(ctx context.Context, quizID uuid.UUID) ([]Participant, error)
	// RecordAnswer pushes e only if the quiz is live on e.QuestionIndex and the ledger has no
	// entry for it, then increments aggregates by e's contribution.
	RecordAnswer(ctx context.Context, quizID, userID uuid.UUID, e AnswerEntry) (Totals, error)

	ListStandings(ctx context.Context, quizID uuid.UUID, limit int) ([]Standing, error)
	ListHistory(ctx context.Context, userID uuid.UUID, limit int) ([]HistoryEntry, error)
}
