package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gokatarajesh/daily-quiz/internal/quiz"
)

// DBTX is the subset of pgxpool.Pool used by the repository.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// QuizRepository persists quizzes, participants, answer ledgers and history in Postgres.
type QuizRepository struct {
	db DBTX
}

// NewQuizRepository constructs a Postgres-backed quiz repository.
func NewQuizRepository(db DBTX) *QuizRepository {
	return &QuizRepository{db: db}
}

var _ quiz.Repository = (*QuizRepository)(nil)

const quizColumns = `quiz_id, title, scheduled_at, status, question_duration_ms, questions,
	current_question_index, question_started_at, started_at, ended_at, results_announced_at,
	failure_reason, created_at`

// CreateQuiz inserts a scheduled quiz with its frozen question set.
func (r *QuizRepository) CreateQuiz(ctx context.Context, q *quiz.Quiz) error {
	questions, err := json.Marshal(q.Questions)
	if err != nil {
		return fmt.Errorf("encode questions: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO quizzes (quiz_id, title, scheduled_at, status, question_duration_ms, questions,
			current_question_index, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		q.ID, q.Title, q.ScheduledAt, string(q.Status), q.QuestionDuration.Milliseconds(), questions,
		q.CurrentQuestionIndex, q.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert quiz: %w", err)
	}
	return nil
}

// GetQuiz loads a quiz by id.
func (r *QuizRepository) GetQuiz(ctx context.Context, id uuid.UUID) (*quiz.Quiz, error) {
	row := r.db.QueryRow(ctx, `SELECT `+quizColumns+` FROM quizzes WHERE quiz_id = $1`, id)
	q, err := scanQuiz(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, quiz.ErrQuizNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get quiz: %w", err)
	}
	return q, nil
}

// ListQuizzes returns quizzes matching the filter ordered by schedule.
func (r *QuizRepository) ListQuizzes(ctx context.Context, filter quiz.ListFilter) ([]quiz.Quiz, error) {
	statuses := make([]string, 0, len(filter.Statuses))
	for _, s := range filter.Statuses {
		statuses = append(statuses, string(s))
	}
	var before *time.Time
	if !filter.ScheduledBefore.IsZero() {
		before = &filter.ScheduledBefore
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+quizColumns+` FROM quizzes
		WHERE (cardinality($1::text[]) = 0 OR status = ANY($1::text[]))
		  AND ($2::timestamptz IS NULL OR scheduled_at < $2)
		ORDER BY scheduled_at`, statuses, before)
	if err != nil {
		return nil, fmt.Errorf("list quizzes: %w", err)
	}
	defer rows.Close()

	var out []quiz.Quiz
	for rows.Next() {
		q, err := scanQuiz(rows)
		if err != nil {
			return nil, fmt.Errorf("scan quiz: %w", err)
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

// ClaimStart is the single-owner claim: only one caller moves a quiz from scheduled to live.
func (r *QuizRepository) ClaimStart(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE quizzes
		SET status = 'live', current_question_index = 0, question_started_at = $2, started_at = $2
		WHERE quiz_id = $1 AND status = 'scheduled'`, id, at)
	if err != nil {
		return false, fmt.Errorf("claim start: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, r.ensureExists(ctx, id)
}

// AdvanceQuestion moves the index forward by exactly one, conditioned on the expected index.
func (r *QuizRepository) AdvanceQuestion(ctx context.Context, id uuid.UUID, from int, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE quizzes
		SET current_question_index = current_question_index + 1, question_started_at = $3
		WHERE quiz_id = $1 AND status = 'live' AND current_question_index = $2
		  AND current_question_index + 1 < jsonb_array_length(questions)`, id, from, at)
	if err != nil {
		return false, fmt.Errorf("advance question: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, r.ensureExists(ctx, id)
}

// MarkFailed aborts a scheduled or live quiz.
func (r *QuizRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE quizzes SET status = 'failed', failure_reason = $2, ended_at = $3
		WHERE quiz_id = $1 AND status IN ('scheduled', 'live')`, id, reason, at)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, r.ensureExists(ctx, id)
}

// FinalizeQuiz ends the quiz, then ranks and seals participants in the same transaction.
// The status update takes the quiz row lock that RecordAnswer share-locks, so every answer
// committed before it is read back here and every later one sees the quiz ended.
func (r *QuizRepository) FinalizeQuiz(ctx context.Context, id uuid.UUID, seal quiz.SealFunc, at time.Time) ([]quiz.Standing, bool, error) {
	var (
		standings []quiz.Standing
		finalized bool
	)
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var (
			title string
			date  time.Time
		)
		err := tx.QueryRow(ctx, `
			UPDATE quizzes SET status = 'ended', ended_at = $2
			WHERE quiz_id = $1 AND status IN ('scheduled', 'live')
			RETURNING title, scheduled_at`, id, at).Scan(&title, &date)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("end quiz: %w", err)
		}
		finalized = true
		if seal == nil {
			return nil
		}

		participants, err := listParticipants(ctx, tx, id)
		if err != nil {
			return err
		}
		standings = seal(participants)

		batch := &pgx.Batch{}
		for _, st := range standings {
			rank := nullableRank(st.Rank)
			batch.Queue(`
				UPDATE quiz_participants SET completed = $3, final_rank = $4, score = $5, correct_count = $6,
					answered_count = $7, time_spent_ms = $8
				WHERE quiz_id = $1 AND user_id = $2`, id, st.UserID, st.Completed, rank, st.Score,
				st.CorrectCount, st.AnsweredCount, st.TimeSpent.Milliseconds())
			batch.Queue(`
				INSERT INTO participant_history (user_id, quiz_id, quiz_title, quiz_date, display_name, score,
					final_rank, correct_count, answered_count, time_spent_ms, completed, recorded_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
				ON CONFLICT (user_id, quiz_id) DO NOTHING`,
				st.UserID, id, title, date, st.DisplayName, st.Score, rank, st.CorrectCount,
				st.AnsweredCount, st.TimeSpent.Milliseconds(), st.Completed, at)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("seal participants: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("finalize quiz: %w", err)
	}
	if !finalized {
		return nil, false, r.ensureExists(ctx, id)
	}
	return standings, true, nil
}

// MarkResultsAnnounced sets the announcement flag once.
func (r *QuizRepository) MarkResultsAnnounced(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE quizzes SET results_announced_at = $2
		WHERE quiz_id = $1 AND status = 'ended' AND results_announced_at IS NULL`, id, at)
	if err != nil {
		return false, fmt.Errorf("mark results announced: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, r.ensureExists(ctx, id)
}

// AddParticipant registers a participant once and returns the stored row.
func (r *QuizRepository) AddParticipant(ctx context.Context, p quiz.Participant) (*quiz.Participant, error) {
	_, err := r.db.Exec(ctx, `
		INSERT INTO quiz_participants (quiz_id, user_id, display_name, eligible, joined_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (quiz_id, user_id) DO NOTHING`,
		p.QuizID, p.UserID, p.DisplayName, p.Eligible, p.JoinedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return nil, quiz.ErrQuizNotFound
		}
		return nil, fmt.Errorf("insert participant: %w", err)
	}
	return r.GetParticipant(ctx, p.QuizID, p.UserID)
}

const participantColumns = `quiz_id, user_id, display_name, eligible, score, correct_count,
	answered_count, time_spent_ms, completed, final_rank, joined_at`

// GetParticipant loads a participant with its answer ledger.
func (r *QuizRepository) GetParticipant(ctx context.Context, quizID, userID uuid.UUID) (*quiz.Participant, error) {
	row := r.db.QueryRow(ctx, `SELECT `+participantColumns+`
		FROM quiz_participants WHERE quiz_id = $1 AND user_id = $2`, quizID, userID)
	p, err := scanParticipant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, quiz.ErrParticipantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get participant: %w", err)
	}

	ledgers, err := loadLedgers(ctx, r.db, quizID, &userID)
	if err != nil {
		return nil, err
	}
	p.Answers = ledgers[userID]
	return p, nil
}

// CountParticipants returns the number of registered participants.
func (r *QuizRepository) CountParticipants(ctx context.Context, quizID uuid.UUID) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM quiz_participants WHERE quiz_id = $1`, quizID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count participants: %w", err)
	}
	return n, nil
}

// ListParticipants returns every participant with its ledger, in join order.
func (r *QuizRepository) ListParticipants(ctx context.Context, quizID uuid.UUID) ([]quiz.Participant, error) {
	return listParticipants(ctx, r.db, quizID)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listParticipants(ctx context.Context, db querier, quizID uuid.UUID) ([]quiz.Participant, error) {
	rows, err := db.Query(ctx, `SELECT `+participantColumns+`
		FROM quiz_participants WHERE quiz_id = $1 ORDER BY joined_at, user_id`, quizID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var out []quiz.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ledgers, err := loadLedgers(ctx, db, quizID, nil)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Answers = ledgers[out[i].UserID]
	}
	return out, nil
}

// RecordAnswer is the push-if-absent write. The insert only happens while the quiz row is
// live on the same question index (the row is share-locked for the statement), and the
// primary key rejects a second entry for the index. Aggregates are incremented in the same
// transaction by exactly the entry's contribution.
func (r *QuizRepository) RecordAnswer(ctx context.Context, quizID, userID uuid.UUID, e quiz.AnswerEntry) (quiz.Totals, error) {
	var totals quiz.Totals
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO quiz_answers (quiz_id, user_id, question_index, selected_option, is_correct,
				points, time_taken_ms, answered_at)
			SELECT $1, $2, $3, $4, $5, $6, $7, $8
			WHERE EXISTS (
				SELECT 1 FROM quizzes
				WHERE quiz_id = $1 AND status = 'live' AND current_question_index = $3
				FOR SHARE
			)
			ON CONFLICT (quiz_id, user_id, question_index) DO NOTHING`,
			quizID, userID, e.QuestionIndex, e.SelectedOption, e.Correct, e.Points,
			e.TimeTaken.Milliseconds(), e.AnsweredAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" {
				return quiz.ErrParticipantNotFound
			}
			return fmt.Errorf("insert answer: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `
				SELECT EXISTS (SELECT 1 FROM quiz_answers
					WHERE quiz_id = $1 AND user_id = $2 AND question_index = $3)`,
				quizID, userID, e.QuestionIndex).Scan(&exists); err != nil {
				return fmt.Errorf("check answer: %w", err)
			}
			if exists {
				return quiz.ErrAlreadyAnswered
			}
			return quiz.ErrQuestionClosed
		}

		var spentMs int64
		err = tx.QueryRow(ctx, `
			UPDATE quiz_participants
			SET score = score + $3,
			    correct_count = correct_count + $4,
			    answered_count = answered_count + 1,
			    time_spent_ms = time_spent_ms + $5
			WHERE quiz_id = $1 AND user_id = $2
			RETURNING score, correct_count, answered_count, time_spent_ms`,
			quizID, userID, e.Points, boolToInt(e.Correct), e.TimeTaken.Milliseconds(),
		).Scan(&totals.Score, &totals.CorrectCount, &totals.AnsweredCount, &spentMs)
		if errors.Is(err, pgx.ErrNoRows) {
			return quiz.ErrParticipantNotFound
		}
		if err != nil {
			return fmt.Errorf("increment aggregates: %w", err)
		}
		totals.TimeSpent = time.Duration(spentMs) * time.Millisecond
		return nil
	})
	if err != nil {
		return quiz.Totals{}, err
	}
	return totals, nil
}

// ListStandings returns ranked participants of an ended quiz.
func (r *QuizRepository) ListStandings(ctx context.Context, quizID uuid.UUID, limit int) ([]quiz.Standing, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.Query(ctx, `
		SELECT user_id, display_name, score, correct_count, answered_count, time_spent_ms, completed, final_rank
		FROM quiz_participants
		WHERE quiz_id = $1 AND final_rank IS NOT NULL
		ORDER BY final_rank
		LIMIT $2`, quizID, limit)
	if err != nil {
		return nil, fmt.Errorf("list standings: %w", err)
	}
	defer rows.Close()

	var out []quiz.Standing
	for rows.Next() {
		var (
			st      quiz.Standing
			spentMs int64
			rank    *int32
		)
		if err := rows.Scan(&st.UserID, &st.DisplayName, &st.Score, &st.CorrectCount, &st.AnsweredCount,
			&spentMs, &st.Completed, &rank); err != nil {
			return nil, fmt.Errorf("scan standing: %w", err)
		}
		st.TimeSpent = time.Duration(spentMs) * time.Millisecond
		st.Rank = rankValue(rank)
		out = append(out, st)
	}
	return out, rows.Err()
}

// ListHistory returns the user's mirrored results, newest quiz first.
func (r *QuizRepository) ListHistory(ctx context.Context, userID uuid.UUID, limit int) ([]quiz.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT quiz_id, quiz_title, quiz_date, display_name, score, final_rank, correct_count,
			answered_count, time_spent_ms, completed, recorded_at
		FROM participant_history
		WHERE user_id = $1
		ORDER BY quiz_date DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []quiz.HistoryEntry
	for rows.Next() {
		h := quiz.HistoryEntry{UserID: userID}
		var (
			spentMs int64
			rank    *int32
		)
		if err := rows.Scan(&h.QuizID, &h.QuizTitle, &h.QuizDate, &h.Standing.DisplayName, &h.Standing.Score,
			&rank, &h.Standing.CorrectCount, &h.Standing.AnsweredCount, &spentMs, &h.Standing.Completed,
			&h.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		h.Standing.UserID = userID
		h.Standing.TimeSpent = time.Duration(spentMs) * time.Millisecond
		h.Standing.Rank = rankValue(rank)
		out = append(out, h)
	}
	return out, rows.Err()
}

func loadLedgers(ctx context.Context, db querier, quizID uuid.UUID, userID *uuid.UUID) (map[uuid.UUID][]quiz.AnswerEntry, error) {
	rows, err := db.Query(ctx, `
		SELECT user_id, question_index, selected_option, is_correct, points, time_taken_ms, answered_at
		FROM quiz_answers
		WHERE quiz_id = $1 AND ($2::uuid IS NULL OR user_id = $2)
		ORDER BY user_id, question_index`, quizID, userID)
	if err != nil {
		return nil, fmt.Errorf("load ledgers: %w", err)
	}
	defer rows.Close()

	ledgers := make(map[uuid.UUID][]quiz.AnswerEntry)
	for rows.Next() {
		var (
			uid     uuid.UUID
			e       quiz.AnswerEntry
			takenMs int64
		)
		if err := rows.Scan(&uid, &e.QuestionIndex, &e.SelectedOption, &e.Correct, &e.Points, &takenMs, &e.AnsweredAt); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		e.TimeTaken = time.Duration(takenMs) * time.Millisecond
		ledgers[uid] = append(ledgers[uid], e)
	}
	return ledgers, rows.Err()
}

// ensureExists turns a no-op conditional update into ErrQuizNotFound when the row is missing.
func (r *QuizRepository) ensureExists(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM quizzes WHERE quiz_id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check quiz: %w", err)
	}
	if !exists {
		return quiz.ErrQuizNotFound
	}
	return nil
}

func scanQuiz(row pgx.Row) (*quiz.Quiz, error) {
	var (
		q          quiz.Quiz
		status     string
		durationMs int64
		questions  []byte
	)
	if err := row.Scan(&q.ID, &q.Title, &q.ScheduledAt, &status, &durationMs, &questions,
		&q.CurrentQuestionIndex, &q.QuestionStartedAt, &q.StartedAt, &q.EndedAt, &q.ResultsAnnouncedAt,
		&q.FailureReason, &q.CreatedAt); err != nil {
		return nil, err
	}
	q.Status = quiz.Status(status)
	q.QuestionDuration = time.Duration(durationMs) * time.Millisecond
	if err := json.Unmarshal(questions, &q.Questions); err != nil {
		return nil, fmt.Errorf("%w: decode questions: %v", quiz.ErrMalformedQuiz, err)
	}
	return &q, nil
}

func scanParticipant(row pgx.Row) (*quiz.Participant, error) {
	var (
		p       quiz.Participant
		spentMs int64
		rank    *int32
	)
	if err := row.Scan(&p.QuizID, &p.UserID, &p.DisplayName, &p.Eligible, &p.Score, &p.CorrectCount,
		&p.AnsweredCount, &spentMs, &p.Completed, &rank, &p.JoinedAt); err != nil {
		return nil, err
	}
	p.TimeSpent = time.Duration(spentMs) * time.Millisecond
	p.Rank = rankValue(rank)
	return &p, nil
}

func nullableRank(rank int) *int32 {
	if rank <= 0 {
		return nil
	}
	v := int32(rank)
	return &v
}

func rankValue(rank *int32) int {
	if rank == nil {
		return 0
	}
	return int(*rank)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
