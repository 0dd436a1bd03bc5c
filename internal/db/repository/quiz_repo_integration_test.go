//go:build integration

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/sync/errgroup"

	"github.com/gokatarajesh/daily-quiz/internal/quiz"
)

func startPostgres(t *testing.T, ctx context.Context) string {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
	req := tc.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_USER": "quiz", "POSTGRES_PASSWORD": "quizpass", "POSTGRES_DB": "quizdb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://quiz:quizpass@%s:%s/quizdb?sslmode=disable", host, port.Port())

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, goose.SetDialect("postgres"))
	require.NoError(t, goose.Up(db, "../../../db/migrations"))
	return dsn
}

func newTestRepo(t *testing.T) (*QuizRepository, context.Context) {
	ctx := context.Background()
	dsn := startPostgres(t, ctx)
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return NewQuizRepository(pool), ctx
}

func sampleQuiz() *quiz.Quiz {
	return &quiz.Quiz{
		ID:                   uuid.New(),
		Title:                "Daily",
		ScheduledAt:          time.Now().UTC().Truncate(time.Second),
		Status:               quiz.StatusScheduled,
		QuestionDuration:     15 * time.Second,
		CurrentQuestionIndex: quiz.NotStarted,
		CreatedAt:            time.Now().UTC(),
		Questions: []quiz.Question{
			{ID: "q1", Text: "2+2", Options: []string{"3", "4"}, CorrectOption: 1, Points: 10},
			{ID: "q2", Text: "3+3", Options: []string{"6", "7"}, CorrectOption: 0, Points: 20},
		},
	}
}

func TestQuizRepository_Lifecycle(t *testing.T) {
	repo, ctx := newTestRepo(t)
	q := sampleQuiz()
	require.NoError(t, repo.CreateQuiz(ctx, q))

	user := uuid.New()
	_, err := repo.AddParticipant(ctx, quiz.Participant{QuizID: q.ID, UserID: user, DisplayName: "ana", Eligible: true, JoinedAt: time.Now().UTC()})
	require.NoError(t, err)

	now := time.Now().UTC()
	ok, err := repo.ClaimStart(ctx, q.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.ClaimStart(ctx, q.ID, now)
	require.NoError(t, err)
	assert.False(t, ok)

	totals, err := repo.RecordAnswer(ctx, q.ID, user, quiz.AnswerEntry{QuestionIndex: 0, SelectedOption: 1, Correct: true, Points: 10, TimeTaken: 3 * time.Second, AnsweredAt: now})
	require.NoError(t, err)
	assert.Equal(t, 10, totals.Score)

	_, err = repo.RecordAnswer(ctx, q.ID, user, quiz.AnswerEntry{QuestionIndex: 1, AnsweredAt: now})
	assert.ErrorIs(t, err, quiz.ErrQuestionClosed)

	ok, err = repo.AdvanceQuestion(ctx, q.ID, 0, now.Add(15*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.AdvanceQuestion(ctx, q.ID, 1, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	seal := func(ps []quiz.Participant) []quiz.Standing {
		require.Len(t, ps, 1)
		require.Len(t, ps[0].Answers, 1)
		return []quiz.Standing{{UserID: user, DisplayName: "ana", Totals: ps[0].Totals, Rank: 1, Completed: true}}
	}
	sealed, ok, err := repo.FinalizeQuiz(ctx, q.ID, seal, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, sealed, 1)
	assert.Equal(t, totals, sealed[0].Totals)
	_, ok, err = repo.FinalizeQuiz(ctx, q.ID, seal, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.RecordAnswer(ctx, q.ID, user, quiz.AnswerEntry{QuestionIndex: 1, AnsweredAt: now})
	assert.ErrorIs(t, err, quiz.ErrQuestionClosed)

	top, err := repo.ListStandings(ctx, q.ID, 20)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, 1, top[0].Rank)

	history, err := repo.ListHistory(ctx, user, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 10, history[0].Standing.Score)

	_, err = repo.GetQuiz(ctx, uuid.New())
	assert.ErrorIs(t, err, quiz.ErrQuizNotFound)
}

func TestQuizRepository_ConcurrentDuplicateAnswers(t *testing.T) {
	repo, ctx := newTestRepo(t)
	q := sampleQuiz()
	require.NoError(t, repo.CreateQuiz(ctx, q))
	user := uuid.New()
	_, err := repo.AddParticipant(ctx, quiz.Participant{QuizID: q.ID, UserID: user, Eligible: true, JoinedAt: time.Now().UTC()})
	require.NoError(t, err)
	_, err = repo.ClaimStart(ctx, q.ID, time.Now().UTC())
	require.NoError(t, err)

	var accepted atomic.Int32
	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			_, err := repo.RecordAnswer(ctx, q.ID, user, quiz.AnswerEntry{QuestionIndex: 0, SelectedOption: 1, Correct: true, Points: 10, AnsweredAt: time.Now().UTC()})
			if err == nil {
				accepted.Add(1)
				return nil
			}
			if errors.Is(err, quiz.ErrAlreadyAnswered) {
				return nil
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), accepted.Load())

	p, err := repo.GetParticipant(ctx, q.ID, user)
	require.NoError(t, err)
	assert.Len(t, p.Answers, 1)
	assert.Equal(t, 10, p.Score)
}

func TestQuizRepository_FinalizeRacingAnswers(t *testing.T) {
	repo, ctx := newTestRepo(t)
	q := sampleQuiz()
	require.NoError(t, repo.CreateQuiz(ctx, q))
	now := time.Now().UTC()
	users := make([]uuid.UUID, 16)
	for i := range users {
		users[i] = uuid.New()
		_, err := repo.AddParticipant(ctx, quiz.Participant{QuizID: q.ID, UserID: users[i], Eligible: true, JoinedAt: now})
		require.NoError(t, err)
	}
	_, err := repo.ClaimStart(ctx, q.ID, now)
	require.NoError(t, err)

	seal := func(ps []quiz.Participant) []quiz.Standing {
		out := make([]quiz.Standing, 0, len(ps))
		for i, p := range ps {
			out = append(out, quiz.Standing{UserID: p.UserID, Totals: p.Totals, Rank: i + 1, Completed: true})
		}
		return out
	}

	var g errgroup.Group
	for _, user := range users {
		g.Go(func() error {
			_, err := repo.RecordAnswer(ctx, q.ID, user, quiz.AnswerEntry{QuestionIndex: 0, SelectedOption: 1, Correct: true, Points: 10, AnsweredAt: now})
			if err == nil || errors.Is(err, quiz.ErrQuestionClosed) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		_, _, err := repo.FinalizeQuiz(ctx, q.ID, seal, now.Add(time.Second))
		return err
	})
	require.NoError(t, g.Wait())

	top, err := repo.ListStandings(ctx, q.ID, 100)
	require.NoError(t, err)
	require.Len(t, top, len(users))
	for _, st := range top {
		p, err := repo.GetParticipant(ctx, q.ID, st.UserID)
		require.NoError(t, err)
		assert.Equal(t, 10*len(p.Answers), st.Score, "sealed score matches the ledger")
	}
}
