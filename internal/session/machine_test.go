package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/gokatarajesh/daily-quiz/internal/clock"
	"github.com/gokatarajesh/daily-quiz/internal/db/memory"
	"github.com/gokatarajesh/daily-quiz/internal/quiz"
)

type recordingEmitter struct {
	mu     sync.Mutex
	opened []quiz.QuestionView
	closed []int
}

func (e *recordingEmitter) QuestionOpened(_ context.Context, view quiz.QuestionView) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opened = append(e.opened, view)
}

func (e *recordingEmitter) QuestionClosed(_ context.Context, _ uuid.UUID, index, _ int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = append(e.closed, index)
}

type stubGate struct {
	eligible bool
	err      error
	calls    atomic.Int32
}

func (g *stubGate) IsEligible(context.Context, uuid.UUID, time.Time) (bool, error) {
	g.calls.Add(1)
	return g.eligible, g.err
}

var t0 = time.Date(2026, 10, 17, 18, 0, 0, 0, time.UTC)

func newQuiz(questions int) *quiz.Quiz {
	q := &quiz.Quiz{
		ID:                   uuid.New(),
		Title:                "daily",
		ScheduledAt:          t0,
		Status:               quiz.StatusScheduled,
		QuestionDuration:     15 * time.Second,
		CurrentQuestionIndex: quiz.NotStarted,
	}
	for i := 0; i < questions; i++ {
		q.Questions = append(q.Questions, quiz.Question{Text: "q", Options: []string{"a", "b", "c", "d"}, CorrectOption: i % 4, Points: 10})
	}
	return q
}

type fixture struct {
	store   *memory.Store
	emitter *recordingEmitter
	gate    *stubGate
	clock   *clock.Manual
	machine *Machine
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		store:   memory.NewStore(),
		emitter: &recordingEmitter{},
		gate:    &stubGate{eligible: true},
		clock:   clock.NewManual(t0),
	}
	f.machine = NewMachine(f.store, f.gate, f.emitter, f.clock, opts, zerolog.New(io.Discard))
	return f
}

func (f *fixture) create(t *testing.T, q *quiz.Quiz) {
	t.Helper()
	require.NoError(t, f.store.CreateQuiz(context.Background(), q))
}

func TestStartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	q := newQuiz(3)
	f.create(t, q)

	started, err := f.machine.Start(ctx, q.ID)
	require.NoError(t, err)
	assert.True(t, started)

	f.clock.Advance(2 * time.Second)
	started, err = f.machine.Start(ctx, q.ID)
	require.NoError(t, err)
	assert.False(t, started)

	assert.Len(t, f.emitter.opened, 1)
	stored, err := f.store.GetQuiz(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.CurrentQuestionIndex)
	assert.True(t, stored.QuestionStartedAt.Equal(t0), "duplicate start must not reset the start instant")
}

func TestConcurrentStartsClaimOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	q := newQuiz(2)
	f.create(t, q)

	var wins atomic.Int32
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			ok, err := f.machine.Start(ctx, q.ID)
			if ok {
				wins.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), wins.Load())
	assert.Len(t, f.emitter.opened, 1)
}

func TestAdvanceMonotonic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	q := newQuiz(3)
	f.create(t, q)
	_, err := f.machine.Start(ctx, q.ID)
	require.NoError(t, err)

	for want := 1; want < 3; want++ {
		f.clock.Advance(15 * time.Second)
		res, err := f.machine.Advance(ctx, q.ID)
		require.NoError(t, err)
		assert.False(t, res.Done)
		assert.Equal(t, want, res.View.Index)
		assert.Equal(t, 15*time.Second, res.View.Remaining)
	}

	res, err := f.machine.Advance(ctx, q.ID)
	require.NoError(t, err)
	assert.True(t, res.Done)

	stored, _ := f.store.GetQuiz(ctx, q.ID)
	assert.Equal(t, 2, stored.CurrentQuestionIndex)
	assert.Equal(t, []int{0, 1}, f.emitter.closed)
	require.Len(t, f.emitter.opened, 3)
	for i, v := range f.emitter.opened {
		assert.Equal(t, i, v.Index)
	}
}

func TestAdvanceOnEndedQuiz(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	q := newQuiz(3)
	f.create(t, q)
	_, _ = f.machine.Start(ctx, q.ID)
	_, _, err := f.store.FinalizeQuiz(ctx, q.ID, nil, t0)
	require.NoError(t, err)

	_, err = f.machine.Advance(ctx, q.ID)
	assert.ErrorIs(t, err, quiz.ErrQuizNotLive)
	_, ok := f.machine.Registry().Get(q.ID)
	assert.False(t, ok)

	_, err = f.machine.Advance(ctx, uuid.New())
	assert.ErrorIs(t, err, quiz.ErrQuizNotFound)
}

func TestAdvanceAdoptsForeignProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	q := newQuiz(3)
	f.create(t, q)
	_, _ = f.machine.Start(ctx, q.ID)

	ok, err := f.store.AdvanceQuestion(ctx, q.ID, 0, t0.Add(15*time.Second))
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.machine.Advance(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.View.Index)
	assert.Len(t, f.emitter.opened, 1, "adopting must not re-open questions")
}

func TestCurrentHidesAnswerAndCountsDown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	q := newQuiz(2)
	f.create(t, q)

	_, err := f.machine.Current(ctx, q.ID)
	assert.ErrorIs(t, err, quiz.ErrQuizNotLive)

	_, _ = f.machine.Start(ctx, q.ID)
	f.clock.Advance(6 * time.Second)
	view, err := f.machine.Current(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, 9*time.Second, view.Remaining)
	assert.Equal(t, []string{"a", "b", "c", "d"}, view.Options)
}

func TestMalformedQuizIsMarkedFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	q := newQuiz(0)
	f.create(t, q)

	started, err := f.machine.Start(ctx, q.ID)
	assert.False(t, started)
	assert.True(t, errors.Is(err, quiz.ErrMalformedQuiz))

	stored, _ := f.store.GetQuiz(ctx, q.ID)
	assert.Equal(t, quiz.StatusFailed, stored.Status)
	assert.Empty(t, f.emitter.opened)
}

func TestRecoverReloadsStoredIndex(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	q := newQuiz(3)
	f.create(t, q)
	_, _ = f.store.ClaimStart(ctx, q.ID, t0)
	_, _ = f.store.AdvanceQuestion(ctx, q.ID, 0, t0.Add(15*time.Second))

	ids, err := f.machine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{q.ID}, ids)

	f.clock.Set(t0.Add(20 * time.Second))
	view, err := f.machine.Current(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, view.Index)
	assert.Equal(t, 10*time.Second, view.Remaining)
}

func TestJoin(t *testing.T) {
	ctx := context.Background()

	t.Run("accepts eligible user once", func(t *testing.T) {
		f := newFixture(t, Options{})
		q := newQuiz(1)
		f.create(t, q)
		user := uuid.New()

		res, err := f.machine.Join(ctx, q.ID, user, "ana")
		require.NoError(t, err)
		assert.True(t, res.Accepted)

		res, err = f.machine.Join(ctx, q.ID, user, "ana")
		require.NoError(t, err)
		assert.True(t, res.Accepted)
		assert.Equal(t, int32(1), f.gate.calls.Load())
	})

	t.Run("not eligible", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.gate.eligible = false
		q := newQuiz(1)
		f.create(t, q)
		res, err := f.machine.Join(ctx, q.ID, uuid.New(), "bo")
		require.NoError(t, err)
		assert.Equal(t, quiz.ReasonNotEligible, res.Reason)
	})

	t.Run("gate failure asks to retry", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.gate.err = errors.New("payments down")
		q := newQuiz(1)
		f.create(t, q)
		res, err := f.machine.Join(ctx, q.ID, uuid.New(), "bo")
		assert.Error(t, err)
		assert.Equal(t, quiz.ReasonTryAgain, res.Reason)
	})

	t.Run("quiz full", func(t *testing.T) {
		f := newFixture(t, Options{MaxParticipants: 1})
		q := newQuiz(1)
		f.create(t, q)
		_, _ = f.machine.Join(ctx, q.ID, uuid.New(), "a")
		res, err := f.machine.Join(ctx, q.ID, uuid.New(), "b")
		require.NoError(t, err)
		assert.Equal(t, quiz.ReasonQuizFull, res.Reason)
	})

	t.Run("ended quiz", func(t *testing.T) {
		f := newFixture(t, Options{})
		q := newQuiz(1)
		f.create(t, q)
		_, _, _ = f.store.FinalizeQuiz(ctx, q.ID, nil, t0)
		res, err := f.machine.Join(ctx, q.ID, uuid.New(), "a")
		require.NoError(t, err)
		assert.Equal(t, quiz.ReasonQuizNotLive, res.Reason)
	})

	t.Run("unknown quiz", func(t *testing.T) {
		f := newFixture(t, Options{})
		res, err := f.machine.Join(ctx, uuid.New(), uuid.New(), "a")
		require.NoError(t, err)
		assert.Equal(t, quiz.ReasonQuizNotFound, res.Reason)
	})
}
