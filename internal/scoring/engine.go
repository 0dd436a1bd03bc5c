package scoring

import (
	"time"

	"github.com/gokatarajesh/daily-quiz/internal/quiz"
)

// Engine scores answers server-side. Points are all-or-nothing per question.
type Engine struct{}

// NewEngine creates a scoring engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Score returns correctness and points for selected on q.
func (e *Engine) Score(q quiz.Question, selected int) (bool, int) {
	if selected != q.CorrectOption {
		return false, 0
	}
	return true, q.Points
}

// TimeTaken converts server-observed elapsed time into the ledger value. Answers landing in
// the grace window count as the full duration.
func (e *Engine) TimeTaken(elapsed, duration time.Duration) time.Duration {
	if elapsed < 0 {
		return 0
	}
	if elapsed > duration {
		return duration
	}
	return elapsed
}

// Reconcile recomputes aggregates from a ledger.
func Reconcile(ledger []quiz.AnswerEntry) quiz.Totals {
	var t quiz.Totals
	for _, entry := range ledger {
		t = t.Add(entry)
	}
	return t
}

// Consistent reports whether the denormalized aggregates equal the ledger sum.
func Consistent(p quiz.Participant) bool {
	return Reconcile(p.Answers) == p.Totals
}
