package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gokatarajesh/daily-quiz/internal/quiz"
)

type participantKey struct {
	quizID uuid.UUID
	userID uuid.UUID
}

type historyKey struct {
	userID uuid.UUID
	quizID uuid.UUID
}

// Store is a process-local quiz.Repository. Each method runs under one mutex, which gives
// it the same conditional-update semantics as the Postgres repository.
type Store struct {
	mu           sync.Mutex
	quizzes      map[uuid.UUID]*quiz.Quiz
	participants map[participantKey]*quiz.Participant
	history      map[historyKey]quiz.HistoryEntry
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		quizzes:      make(map[uuid.UUID]*quiz.Quiz),
		participants: make(map[participantKey]*quiz.Participant),
		history:      make(map[historyKey]quiz.HistoryEntry),
	}
}

var _ quiz.Repository = (*Store)(nil)

func (s *Store) CreateQuiz(_ context.Context, q *quiz.Quiz) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quizzes[q.ID] = cloneQuiz(q)
	return nil
}

func (s *Store) GetQuiz(_ context.Context, id uuid.UUID) (*quiz.Quiz, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quizzes[id]
	if !ok {
		return nil, quiz.ErrQuizNotFound
	}
	return cloneQuiz(q), nil
}

func (s *Store) ListQuizzes(_ context.Context, filter quiz.ListFilter) ([]quiz.Quiz, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []quiz.Quiz
	for _, q := range s.quizzes {
		if len(filter.Statuses) > 0 && !hasStatus(filter.Statuses, q.Status) {
			continue
		}
		if !filter.ScheduledBefore.IsZero() && !q.ScheduledAt.Before(filter.ScheduledBefore) {
			continue
		}
		out = append(out, *cloneQuiz(q))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

func (s *Store) ClaimStart(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quizzes[id]
	if !ok {
		return false, quiz.ErrQuizNotFound
	}
	if q.Status != quiz.StatusScheduled {
		return false, nil
	}
	q.Status = quiz.StatusLive
	q.CurrentQuestionIndex = 0
	q.QuestionStartedAt = timePtr(at)
	q.StartedAt = timePtr(at)
	return true, nil
}

func (s *Store) AdvanceQuestion(_ context.Context, id uuid.UUID, from int, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quizzes[id]
	if !ok {
		return false, quiz.ErrQuizNotFound
	}
	if q.Status != quiz.StatusLive || q.CurrentQuestionIndex != from || from+1 >= len(q.Questions) {
		return false, nil
	}
	q.CurrentQuestionIndex = from + 1
	q.QuestionStartedAt = timePtr(at)
	return true, nil
}

func (s *Store) MarkFailed(_ context.Context, id uuid.UUID, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quizzes[id]
	if !ok {
		return false, quiz.ErrQuizNotFound
	}
	if q.Status != quiz.StatusScheduled && q.Status != quiz.StatusLive {
		return false, nil
	}
	q.Status = quiz.StatusFailed
	q.FailureReason = reason
	q.EndedAt = timePtr(at)
	return true, nil
}

func (s *Store) FinalizeQuiz(_ context.Context, id uuid.UUID, seal quiz.SealFunc, at time.Time) ([]quiz.Standing, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quizzes[id]
	if !ok {
		return nil, false, quiz.ErrQuizNotFound
	}
	if q.Status != quiz.StatusScheduled && q.Status != quiz.StatusLive {
		return nil, false, nil
	}
	q.Status = quiz.StatusEnded
	q.EndedAt = timePtr(at)
	if seal == nil {
		return nil, true, nil
	}

	standings := seal(s.participantsOf(id))
	for _, st := range standings {
		p, ok := s.participants[participantKey{id, st.UserID}]
		if !ok {
			continue
		}
		p.Completed = st.Completed
		p.Rank = st.Rank
		p.Totals = st.Totals
		s.history[historyKey{st.UserID, id}] = quiz.HistoryEntry{
			UserID:     st.UserID,
			QuizID:     id,
			QuizTitle:  q.Title,
			QuizDate:   q.ScheduledAt,
			Standing:   st,
			RecordedAt: at,
		}
	}
	return standings, true, nil
}

func (s *Store) MarkResultsAnnounced(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quizzes[id]
	if !ok {
		return false, quiz.ErrQuizNotFound
	}
	if q.Status != quiz.StatusEnded || q.ResultsAnnouncedAt != nil {
		return false, nil
	}
	q.ResultsAnnouncedAt = timePtr(at)
	return true, nil
}

func (s *Store) AddParticipant(_ context.Context, p quiz.Participant) (*quiz.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.quizzes[p.QuizID]; !ok {
		return nil, quiz.ErrQuizNotFound
	}
	key := participantKey{p.QuizID, p.UserID}
	if existing, ok := s.participants[key]; ok {
		return cloneParticipant(existing), nil
	}
	stored := p
	stored.Answers = nil
	s.participants[key] = &stored
	return cloneParticipant(&stored), nil
}

func (s *Store) GetParticipant(_ context.Context, quizID, userID uuid.UUID) (*quiz.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[participantKey{quizID, userID}]
	if !ok {
		return nil, quiz.ErrParticipantNotFound
	}
	return cloneParticipant(p), nil
}

func (s *Store) CountParticipants(_ context.Context, quizID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.participants {
		if key.quizID == quizID {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListParticipants(_ context.Context, quizID uuid.UUID) ([]quiz.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participantsOf(quizID), nil
}

// participantsOf copies the quiz's participants in join order. Callers hold s.mu.
func (s *Store) participantsOf(quizID uuid.UUID) []quiz.Participant {
	var out []quiz.Participant
	for key, p := range s.participants {
		if key.quizID == quizID {
			out = append(out, *cloneParticipant(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID.String() < out[j].UserID.String()
	})
	return out
}

func (s *Store) RecordAnswer(_ context.Context, quizID, userID uuid.UUID, e quiz.AnswerEntry) (quiz.Totals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quizzes[quizID]
	if !ok {
		return quiz.Totals{}, quiz.ErrQuizNotFound
	}
	p, ok := s.participants[participantKey{quizID, userID}]
	if !ok {
		return quiz.Totals{}, quiz.ErrParticipantNotFound
	}
	if p.HasAnswered(e.QuestionIndex) {
		return quiz.Totals{}, quiz.ErrAlreadyAnswered
	}
	if q.Status != quiz.StatusLive || q.CurrentQuestionIndex != e.QuestionIndex {
		return quiz.Totals{}, quiz.ErrQuestionClosed
	}
	p.Answers = append(p.Answers, e)
	p.Totals = p.Totals.Add(e)
	return p.Totals, nil
}

func (s *Store) ListStandings(_ context.Context, quizID uuid.UUID, limit int) ([]quiz.Standing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []quiz.Standing
	for key, p := range s.participants {
		if key.quizID != quizID || p.Rank == 0 {
			continue
		}
		out = append(out, quiz.Standing{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			Totals:      p.Totals,
			Rank:        p.Rank,
			Completed:   p.Completed,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListHistory(_ context.Context, userID uuid.UUID, limit int) ([]quiz.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []quiz.HistoryEntry
	for key, h := range s.history {
		if key.userID == userID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuizDate.After(out[j].QuizDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func hasStatus(statuses []quiz.Status, s quiz.Status) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func cloneQuiz(q *quiz.Quiz) *quiz.Quiz {
	c := *q
	c.Questions = make([]quiz.Question, len(q.Questions))
	for i, question := range q.Questions {
		question.Options = append([]string(nil), question.Options...)
		c.Questions[i] = question
	}
	return &c
}

func cloneParticipant(p *quiz.Participant) *quiz.Participant {
	c := *p
	c.Answers = append([]quiz.AnswerEntry(nil), p.Answers...)
	return &c
}
