package quiz

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/gokatarajesh/daily-quiz/internal/validator"
)

// Definition is the authoring format of a quiz (YAML).
type Definition struct {
	Title           string     `yaml:"title" validate:"required"`
	ScheduledAt     time.Time  `yaml:"scheduled_at" validate:"required"`
	QuestionSeconds int        `yaml:"question_seconds" validate:"gte=1,lte=600"`
	Questions       []Question `yaml:"questions" validate:"required,min=1,dive"`
}

// ParseDefinition decodes and validates a YAML quiz definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	if err := validator.Struct(def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedQuiz, err)
	}
	if err := ValidateQuestions(def.Questions); err != nil {
		return nil, err
	}
	return &def, nil
}

// Build materializes a scheduled quiz from the definition.
func (d *Definition) Build(id uuid.UUID, now time.Time) *Quiz {
	questions := make([]Question, len(d.Questions))
	copy(questions, d.Questions)
	for i := range questions {
		if questions[i].ID == "" {
			questions[i].ID = fmt.Sprintf("q%d", i+1)
		}
	}
	return &Quiz{
		ID:                   id,
		Title:                d.Title,
		ScheduledAt:          d.ScheduledAt.UTC(),
		Status:               StatusScheduled,
		QuestionDuration:     time.Duration(d.QuestionSeconds) * time.Second,
		Questions:            questions,
		CurrentQuestionIndex: NotStarted,
		CreatedAt:            now,
	}
}

// Shuffle reorders questions once, before the quiz is stored. Live quizzes are never shuffled.
func Shuffle(questions []Question, rnd *rand.Rand) {
	rnd.Shuffle(len(questions), func(i, j int) {
		questions[i], questions[j] = questions[j], questions[i]
	})
}

// ValidateQuestions checks the invariants a quiz needs before it can go live.
func ValidateQuestions(questions []Question) error {
	if len(questions) == 0 {
		return fmt.Errorf("%w: no questions", ErrMalformedQuiz)
	}
	for i, q := range questions {
		if len(q.Options) < 2 {
			return fmt.Errorf("%w: question %d has %d options", ErrMalformedQuiz, i, len(q.Options))
		}
		if q.CorrectOption < 0 || q.CorrectOption >= len(q.Options) {
			return fmt.Errorf("%w: question %d correct option %d out of range", ErrMalformedQuiz, i, q.CorrectOption)
		}
		if q.Points < 0 {
			return fmt.Errorf("%w: question %d has negative points", ErrMalformedQuiz, i)
		}
	}
	return nil
}

// Validate checks that q can be started.
func (q *Quiz) Validate() error {
	if q.QuestionDuration <= 0 {
		return fmt.Errorf("%w: non-positive question duration", ErrMalformedQuiz)
	}
	return ValidateQuestions(q.Questions)
}
