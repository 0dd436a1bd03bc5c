package leaderboard

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/daily-quiz/internal/broadcast"
	"github.com/gokatarajesh/daily-quiz/internal/quiz"
	httperrors "github.com/gokatarajesh/daily-quiz/pkg/http/errors"
)

// HTTPHandler exposes REST endpoints for leaderboard queries.
type HTTPHandler struct {
	svc       *Service
	finalizer *Finalizer
	logger    zerolog.Logger
}

// NewHTTPHandler constructs a leaderboard HTTP handler. svc may be nil without Redis.
func NewHTTPHandler(svc *Service, finalizer *Finalizer, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{
		svc:       svc,
		finalizer: finalizer,
		logger:    logger.With().Str("component", "leaderboard_http").Logger(),
	}
}

// HandleWindow responds with the current leaderboard for a given window.
// Route: GET /v1/leaderboards/{window}?limit=10
func (h *HTTPHandler) HandleWindow(w http.ResponseWriter, r *http.Request) {
	window := r.PathValue("window")
	if !isValidWindow(window) {
		httperrors.RespondNotFound(w, httperrors.ErrCodeUnknownWindow, "unknown leaderboard window")
		return
	}
	if h.svc == nil {
		httperrors.RespondServiceUnavailable(w, httperrors.ErrCodeServiceUnavailable, "leaderboards are not enabled")
		return
	}

	entries, err := h.svc.Top(r.Context(), window, parseLimit(r, 10))
	if err != nil {
		h.logger.Warn().Err(err).Str("window", window).Msg("redis leaderboard fetch failed")
		httperrors.RespondInternalError(w, "failed to fetch leaderboard")
		return
	}

	writeJSON(w, map[string]interface{}{
		"window":      window,
		"top":         toWSEntries(entries),
		"retrievedAt": time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleResults responds with the sealed standings of an ended quiz.
// Route: GET /v1/quizzes/{id}/results?limit=10
func (h *HTTPHandler) HandleResults(w http.ResponseWriter, r *http.Request) {
	quizID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httperrors.RespondBadRequest(w, httperrors.ErrCodeInvalidQuizID, "invalid quiz id")
		return
	}

	q, standings, err := h.finalizer.Results(r.Context(), quizID, parseLimit(r, 10))
	if errors.Is(err, quiz.ErrQuizNotFound) {
		httperrors.RespondNotFound(w, httperrors.ErrCodeQuizNotFound, "quiz not found")
		return
	}
	if err != nil {
		h.logger.Warn().Err(err).Str("quiz_id", quizID.String()).Msg("results fetch failed")
		httperrors.RespondInternalError(w, "failed to fetch results")
		return
	}
	if q.Status != quiz.StatusEnded {
		httperrors.RespondErrorWithDetails(w, http.StatusConflict, httperrors.ErrCodeQuizNotFinished,
			"results are available once the quiz has ended", map[string]interface{}{"status": q.Status})
		return
	}

	entries := broadcast.LeaderboardEntries(standings)
	writeJSON(w, map[string]interface{}{
		"quiz_id":   q.ID,
		"title":     q.Title,
		"ended_at":  q.EndedAt,
		"announced": q.ResultsAnnouncedAt != nil,
		"top":       entries,
	})
}

func parseLimit(r *http.Request, def int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 100 {
			return parsed
		}
	}
	return def
}

func isValidWindow(window string) bool {
	switch window {
	case WindowDaily, WindowWeekly, WindowMonthly, WindowAllTime:
		return true
	default:
		return false
	}
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
