package quiz

import (
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDefinition = `
title: Daily Quiz
scheduled_at: 2026-10-17T18:00:00Z
question_seconds: 15
questions:
  - text: Capital of France?
    options: [Paris, Rome, Madrid, Berlin]
    correct_option: 0
    points: 10
  - text: 2 + 2?
    options: ["3", "4", "5", "6"]
    correct_option: 1
    points: 20
`

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(sampleDefinition))
	require.NoError(t, err)
	assert.Equal(t, "Daily Quiz", def.Title)
	assert.Len(t, def.Questions, 2)

	now := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	q := def.Build(uuid.New(), now)
	assert.Equal(t, StatusScheduled, q.Status)
	assert.Equal(t, NotStarted, q.CurrentQuestionIndex)
	assert.Equal(t, 15*time.Second, q.QuestionDuration)
	assert.Equal(t, "q1", q.Questions[0].ID)
	assert.NoError(t, q.Validate())
}

func TestParseDefinition_Rejects(t *testing.T) {
	cases := map[string]string{
		"no questions": `
title: Empty
scheduled_at: 2026-10-17T18:00:00Z
question_seconds: 15
questions: []
`,
		"correct option out of range": `
title: Bad
scheduled_at: 2026-10-17T18:00:00Z
question_seconds: 15
questions:
  - text: Pick
    options: [a, b]
    correct_option: 2
    points: 1
`,
		"zero duration": `
title: Bad
scheduled_at: 2026-10-17T18:00:00Z
question_seconds: 0
questions:
  - text: Pick
    options: [a, b]
    correct_option: 0
    points: 1
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedQuiz))
		})
	}
}

func TestShuffleKeepsQuestions(t *testing.T) {
	questions := []Question{{Text: "a"}, {Text: "b"}, {Text: "c"}, {Text: "d"}}
	Shuffle(questions, rand.New(rand.NewPCG(1, 2)))
	texts := map[string]bool{}
	for _, q := range questions {
		texts[q.Text] = true
	}
	assert.Len(t, texts, 4)
}

func TestViewRemaining(t *testing.T) {
	start := time.Date(2026, 10, 17, 18, 0, 0, 0, time.UTC)
	q := &Quiz{
		ID:               uuid.New(),
		QuestionDuration: 15 * time.Second,
		Questions: []Question{
			{Text: "Capital?", Options: []string{"a", "b"}, CorrectOption: 1, Points: 5},
		},
		QuestionStartedAt: &start,
	}

	view := q.View(0, start.Add(6*time.Second))
	assert.Equal(t, 9*time.Second, view.Remaining)
	assert.Equal(t, 9, SecondsLeft(view.Remaining))
	assert.Equal(t, 1, view.Total)

	late := q.View(0, start.Add(30*time.Second))
	assert.Equal(t, time.Duration(0), late.Remaining)
}

func TestSecondsLeftRoundsUp(t *testing.T) {
	assert.Equal(t, 1, SecondsLeft(200*time.Millisecond))
	assert.Equal(t, 0, SecondsLeft(0))
	assert.Equal(t, 15, SecondsLeft(15*time.Second))
}

func TestTotalsAdd(t *testing.T) {
	var totals Totals
	totals = totals.Add(AnswerEntry{Correct: true, Points: 10, TimeTaken: 3 * time.Second})
	totals = totals.Add(AnswerEntry{Correct: false, Points: 0, TimeTaken: 5 * time.Second})
	assert.Equal(t, Totals{Score: 10, CorrectCount: 1, AnsweredCount: 2, TimeSpent: 8 * time.Second}, totals)
}
