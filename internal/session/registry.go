package session

import (
	"sync"

	"github.com/google/uuid"

	"github.com/gokatarajesh/daily-quiz/internal/metrics"
	"github.com/gokatarajesh/daily-quiz/internal/quiz"
)

// Registry holds the runtime mirror of quizzes driven by this process.
type Registry struct {
	mu      sync.RWMutex
	quizzes map[uuid.UUID]quiz.Quiz
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{quizzes: make(map[uuid.UUID]quiz.Quiz)}
}

// Get returns a copy of the runtime for id.
func (r *Registry) Get(id uuid.UUID) (*quiz.Quiz, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.quizzes[id]
	if !ok {
		return nil, false
	}
	return &q, true
}

// Put stores a runtime copy. Question content is shared and never mutated.
func (r *Registry) Put(q *quiz.Quiz) {
	r.mu.Lock()
	r.quizzes[q.ID] = *q
	n := len(r.quizzes)
	r.mu.Unlock()
	metrics.LiveSessions.Set(float64(n))
}

// Delete drops the runtime for id.
func (r *Registry) Delete(id uuid.UUID) {
	r.mu.Lock()
	delete(r.quizzes, id)
	n := len(r.quizzes)
	r.mu.Unlock()
	metrics.LiveSessions.Set(float64(n))
}

// IDs lists quizzes currently held.
func (r *Registry) IDs() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(r.quizzes))
	for id := range r.quizzes {
		ids = append(ids, id)
	}
	return ids
}
