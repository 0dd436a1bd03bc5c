package live

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/daily-quiz/internal/auth"
	"github.com/gokatarajesh/daily-quiz/internal/broadcast"
	"github.com/gokatarajesh/daily-quiz/internal/quiz"
	httperrors "github.com/gokatarajesh/daily-quiz/pkg/http/errors"
	ws "github.com/gokatarajesh/daily-quiz/pkg/http/ws"
)

// Lifecycle is the operator surface of the lifecycle driver.
type Lifecycle interface {
	ManualStart(ctx context.Context, quizID uuid.UUID) (bool, error)
	EndNow(ctx context.Context, quizID uuid.UUID) (bool, error)
}

// HTTPHandlers provides REST endpoints for players and operators.
type HTTPHandlers struct {
	sessions  Sessions
	store     Store
	lifecycle Lifecycle
	logger    zerolog.Logger
}

// NewHTTPHandlers creates HTTP handlers for quiz endpoints.
func NewHTTPHandlers(sessions Sessions, store Store, lifecycle Lifecycle, logger zerolog.Logger) *HTTPHandlers {
	return &HTTPHandlers{
		sessions:  sessions,
		store:     store,
		lifecycle: lifecycle,
		logger:    logger.With().Str("component", "live_http").Logger(),
	}
}

type quizResponse struct {
	ID                      uuid.UUID               `json:"id"`
	Title                   string                  `json:"title"`
	Status                  quiz.Status             `json:"status"`
	ScheduledAt             time.Time               `json:"scheduled_at"`
	QuestionCount           int                     `json:"question_count"`
	QuestionDurationSeconds int                     `json:"question_duration_seconds"`
	Participants            int                     `json:"participants"`
	CurrentQuestion         *ws.QuestionOpenPayload `json:"current_question,omitempty"`
	EndedAt                 *time.Time              `json:"ended_at,omitempty"`
}

type historyResponse struct {
	QuizID        uuid.UUID `json:"quiz_id"`
	Title         string    `json:"title"`
	QuizDate      time.Time `json:"quiz_date"`
	Score         int       `json:"score"`
	Rank          *int      `json:"rank"`
	CorrectCount  int       `json:"correct_count"`
	AnsweredCount int       `json:"answered_count"`
	TimeSpentMs   int64     `json:"time_spent_ms"`
	Completed     bool      `json:"completed"`
}

// Join handles POST /v1/quizzes/{id}/join, registering the caller ahead of the start.
func (h *HTTPHandlers) Join(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		httperrors.RespondUnauthorized(w, httperrors.ErrCodeAuthenticationRequired, "Authentication required")
		return
	}
	quizID, ok := pathQuizID(w, r)
	if !ok {
		return
	}

	res, err := h.sessions.Join(r.Context(), quizID, claims.UserID, claims.DisplayName)
	if err != nil {
		h.logger.Warn().Err(err).Str("quiz_id", quizID.String()).Str("user_id", claims.UserID.String()).Msg("join failed")
	}
	if !res.Accepted {
		httperrors.RespondError(w, rejectStatus(res.Reason), string(res.Reason), res.Reason.Message())
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"quiz_id":      quizID,
		"status":       res.Quiz.Status,
		"scheduled_at": res.Quiz.ScheduledAt,
		"joined_at":    res.Participant.JoinedAt,
	})
}

// GetQuiz handles GET /v1/quizzes/{id}.
func (h *HTTPHandlers) GetQuiz(w http.ResponseWriter, r *http.Request) {
	quizID, ok := pathQuizID(w, r)
	if !ok {
		return
	}

	q, err := h.sessions.Snapshot(r.Context(), quizID)
	if errors.Is(err, quiz.ErrQuizNotFound) {
		httperrors.RespondNotFound(w, httperrors.ErrCodeQuizNotFound, "Quiz not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("quiz_id", quizID.String()).Msg("quiz fetch failed")
		httperrors.RespondInternalError(w, "Failed to fetch quiz")
		return
	}

	resp := quizResponse{
		ID:                      q.ID,
		Title:                   q.Title,
		Status:                  q.Status,
		ScheduledAt:             q.ScheduledAt,
		QuestionCount:           len(q.Questions),
		QuestionDurationSeconds: quiz.SecondsLeft(q.QuestionDuration),
		EndedAt:                 q.EndedAt,
	}
	if n, err := h.store.CountParticipants(r.Context(), quizID); err == nil {
		resp.Participants = n
	}
	if view, err := h.sessions.Current(r.Context(), quizID); err == nil {
		payload := broadcast.QuestionOpen(view)
		resp.CurrentQuestion = &payload
	}

	h.respondJSON(w, http.StatusOK, resp)
}

// History handles GET /v1/users/me/history.
func (h *HTTPHandlers) History(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == uuid.Nil {
		httperrors.RespondUnauthorized(w, httperrors.ErrCodeAuthenticationRequired, "Authentication required")
		return
	}

	limit := 30
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 365 {
			limit = n
		}
	}

	entries, err := h.store.ListHistory(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID.String()).Msg("history fetch failed")
		httperrors.RespondError(w, http.StatusInternalServerError, httperrors.ErrCodeHistoryFetchFail, "Failed to fetch history")
		return
	}

	out := make([]historyResponse, len(entries))
	for i, e := range entries {
		out[i] = historyResponse{
			QuizID:        e.QuizID,
			Title:         e.QuizTitle,
			QuizDate:      e.QuizDate,
			Score:         e.Standing.Score,
			CorrectCount:  e.Standing.CorrectCount,
			AnsweredCount: e.Standing.AnsweredCount,
			TimeSpentMs:   e.Standing.TimeSpent.Milliseconds(),
			Completed:     e.Standing.Completed,
		}
		if e.Standing.Rank > 0 {
			rank := e.Standing.Rank
			out[i].Rank = &rank
		}
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"history": out})
}

// AdminStart handles POST /v1/admin/quizzes/{id}/start.
func (h *HTTPHandlers) AdminStart(w http.ResponseWriter, r *http.Request) {
	quizID, ok := pathQuizID(w, r)
	if !ok {
		return
	}

	started, err := h.lifecycle.ManualStart(r.Context(), quizID)
	switch {
	case errors.Is(err, quiz.ErrQuizNotFound):
		httperrors.RespondNotFound(w, httperrors.ErrCodeQuizNotFound, "Quiz not found")
		return
	case errors.Is(err, quiz.ErrMalformedQuiz):
		httperrors.RespondErrorWithDetails(w, http.StatusUnprocessableEntity, httperrors.ErrCodeStartFailed,
			"Quiz failed validation and was marked failed", map[string]interface{}{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error().Err(err).Str("quiz_id", quizID.String()).Msg("manual start failed")
		httperrors.RespondError(w, http.StatusInternalServerError, httperrors.ErrCodeStartFailed, "Failed to start quiz")
		return
	case !started:
		httperrors.RespondConflict(w, httperrors.ErrCodeAlreadyStarted, "Quiz is no longer scheduled")
		return
	}

	h.logger.Info().Str("quiz_id", quizID.String()).Msg("quiz started by operator")
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"quiz_id": quizID, "status": quiz.StatusLive})
}

// AdminEnd handles POST /v1/admin/quizzes/{id}/end.
func (h *HTTPHandlers) AdminEnd(w http.ResponseWriter, r *http.Request) {
	quizID, ok := pathQuizID(w, r)
	if !ok {
		return
	}

	ended, err := h.lifecycle.EndNow(r.Context(), quizID)
	switch {
	case errors.Is(err, quiz.ErrQuizNotFound):
		httperrors.RespondNotFound(w, httperrors.ErrCodeQuizNotFound, "Quiz not found")
		return
	case err != nil:
		h.logger.Error().Err(err).Str("quiz_id", quizID.String()).Msg("end early failed")
		httperrors.RespondError(w, http.StatusInternalServerError, httperrors.ErrCodeEndFailed, "Failed to end quiz")
		return
	case !ended:
		httperrors.RespondConflict(w, httperrors.ErrCodeAlreadyEnded, "Quiz already ended")
		return
	}

	h.logger.Info().Str("quiz_id", quizID.String()).Msg("quiz ended by operator")
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"quiz_id": quizID, "status": quiz.StatusEnded})
}

func (h *HTTPHandlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func pathQuizID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httperrors.RespondBadRequest(w, httperrors.ErrCodeInvalidQuizID, "Invalid quiz id")
		return uuid.Nil, false
	}
	return id, true
}

func rejectStatus(reason quiz.RejectReason) int {
	switch reason {
	case quiz.ReasonQuizNotFound:
		return http.StatusNotFound
	case quiz.ReasonNotEligible:
		return http.StatusForbidden
	case quiz.ReasonQuizNotLive, quiz.ReasonQuizFull:
		return http.StatusConflict
	case quiz.ReasonTryAgain:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}
