package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/daily-quiz/internal/auth"
	"github.com/gokatarajesh/daily-quiz/internal/auth/jwt"
	"github.com/gokatarajesh/daily-quiz/internal/broadcast"
	"github.com/gokatarajesh/daily-quiz/internal/intake"
	"github.com/gokatarajesh/daily-quiz/internal/metrics"
	"github.com/gokatarajesh/daily-quiz/internal/quiz"
	"github.com/gokatarajesh/daily-quiz/internal/session"
	"github.com/gokatarajesh/daily-quiz/internal/validator"
	httperrors "github.com/gokatarajesh/daily-quiz/pkg/http/errors"
	ws "github.com/gokatarajesh/daily-quiz/pkg/http/ws"
)

// Sessions is the part of the session machine the transport needs.
type Sessions interface {
	Join(ctx context.Context, quizID, userID uuid.UUID, displayName string) (session.JoinResult, error)
	Snapshot(ctx context.Context, quizID uuid.UUID) (*quiz.Quiz, error)
	Current(ctx context.Context, quizID uuid.UUID) (quiz.QuestionView, error)
}

// Store is the read side of the quiz repository used by the transport.
type Store interface {
	GetParticipant(ctx context.Context, quizID, userID uuid.UUID) (*quiz.Participant, error)
	CountParticipants(ctx context.Context, quizID uuid.UUID) (int, error)
	ListHistory(ctx context.Context, userID uuid.UUID, limit int) ([]quiz.HistoryEntry, error)
}

// Answers accepts answer submissions.
type Answers interface {
	Submit(ctx context.Context, req intake.Request) (intake.Result, error)
}

// Kicker drops a user's connections on other instances.
type Kicker interface {
	Kick(ctx context.Context, quizID, userID, connID uuid.UUID)
}

// Handler serves the participant WebSocket at /ws/quizzes.
type Handler struct {
	sessions Sessions
	store    Store
	answers  Answers
	hub      *ws.Hub
	kicker   Kicker
	tokens   auth.TokenValidator
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler creates the quiz WebSocket handler. kicker may be nil on a single instance.
func NewHandler(sessions Sessions, store Store, answers Answers, hub *ws.Hub, kicker Kicker, tokens auth.TokenValidator, upgrader websocket.Upgrader, logger zerolog.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		store:    store,
		answers:  answers,
		hub:      hub,
		kicker:   kicker,
		tokens:   tokens,
		upgrader: upgrader,
		logger:   logger.With().Str("component", "live_ws").Logger(),
	}
}

// HandleWebSocket authenticates the caller, joins the quiz and only then admits the
// connection. A rejected join still upgrades so the client receives join_rejected.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	quizID, err := uuid.Parse(r.URL.Query().Get("quiz_id"))
	if err != nil {
		httperrors.RespondBadRequest(w, httperrors.ErrCodeInvalidQuizID, "Invalid quiz_id")
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		httperrors.RespondUnauthorized(w, httperrors.ErrCodeInvalidToken, "Missing token")
		return
	}
	claims, err := h.tokens.ValidateAccessToken(token)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket token validation failed")
		httperrors.RespondUnauthorized(w, httperrors.ErrCodeInvalidToken, "Invalid token")
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	res, joinErr := h.sessions.Join(ctx, quizID, claims.UserID, claims.DisplayName)
	if joinErr != nil {
		h.logger.Warn().Err(joinErr).Str("quiz_id", quizID.String()).Str("user_id", claims.UserID.String()).Msg("join failed")
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	if !res.Accepted {
		h.refuse(conn, quizID, res.Reason)
		return
	}

	h.serve(ctx, conn, res.Quiz, claims)
}

func (h *Handler) serve(ctx context.Context, conn *websocket.Conn, q *quiz.Quiz, claims *jwt.Claims) {
	wsConn := ws.NewConnection(conn, q.ID, claims.UserID, h.logger)
	if h.hub.Register(wsConn) {
		h.logger.Info().Str("quiz_id", q.ID.String()).Str("user_id", claims.UserID.String()).Msg("previous session replaced")
	}
	if h.kicker != nil {
		h.kicker.Kick(ctx, q.ID, claims.UserID, wsConn.ID)
	}
	metrics.Connections.Inc()
	defer metrics.Connections.Dec()

	go wsConn.WritePump()

	h.sendState(ctx, wsConn)

	wsConn.ReadPump(func(msg ws.Message) error {
		return h.handleMessage(ctx, wsConn, msg)
	})

	h.hub.Unregister(wsConn)
}

// handleMessage routes incoming WebSocket messages.
func (h *Handler) handleMessage(ctx context.Context, conn *ws.Connection, msg ws.Message) error {
	switch msg.Type {
	case ws.TypeSubmitAnswer:
		return h.handleSubmitAnswer(ctx, conn, msg)
	case ws.TypeRequestState:
		h.sendState(ctx, conn)
		return nil
	case ws.TypeLeaveQuiz:
		h.hub.Unregister(conn)
		return nil
	case ws.TypePing:
		return h.send(conn, ws.TypePong, nil, msg.RequestID)
	default:
		return h.sendError(conn, httperrors.ErrCodeUnknownMessageType, fmt.Sprintf("Unknown message type: %s", msg.Type), msg.RequestID)
	}
}

func (h *Handler) handleSubmitAnswer(ctx context.Context, conn *ws.Connection, msg ws.Message) error {
	var req ws.SubmitAnswerPayload
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return h.sendError(conn, httperrors.ErrCodeInvalidPayload, "Invalid submit_answer payload", msg.RequestID)
	}
	if err := validator.Struct(req); err != nil {
		return h.sendError(conn, httperrors.ErrCodeInvalidPayload, err.Error(), msg.RequestID)
	}

	submission := intake.Request{
		QuizID:         conn.QuizID,
		UserID:         conn.UserID,
		QuestionIndex:  *req.QuestionIndex,
		SelectedOption: *req.SelectedOption,
	}
	if req.ClientTS != nil {
		ts := time.UnixMilli(*req.ClientTS)
		submission.ClientTimestamp = &ts
	}

	res, err := h.answers.Submit(ctx, submission)
	if err != nil {
		h.logger.Warn().Err(err).Str("quiz_id", conn.QuizID.String()).Str("user_id", conn.UserID.String()).Msg("answer not recorded")
	}
	if !res.Accepted {
		return h.send(conn, ws.TypeAnswerRejected, ws.AnswerRejectedPayload{
			Index:   submission.QuestionIndex,
			Reason:  string(res.Reason),
			Message: res.Reason.Message(),
		}, msg.RequestID)
	}
	return h.send(conn, ws.TypeAnswerAck, ws.AnswerAckPayload{
		Index:           res.QuestionIndex,
		Correct:         res.Correct,
		PointsAwarded:   res.PointsAwarded,
		CumulativeScore: res.CumulativeScore,
		TimeTakenMs:     res.TimeTaken.Milliseconds(),
	}, msg.RequestID)
}

// sendState resynchronizes a client: joined with its current score, then the open question
// with the time actually left.
func (h *Handler) sendState(ctx context.Context, conn *ws.Connection) {
	q, err := h.sessions.Snapshot(ctx, conn.QuizID)
	if err != nil {
		_ = h.sendError(conn, httperrors.ErrCodeInternalError, "Quiz state unavailable", "")
		return
	}

	score := 0
	if p, err := h.store.GetParticipant(ctx, conn.QuizID, conn.UserID); err == nil {
		score = p.Score
	}
	_ = h.send(conn, ws.TypeJoined, ws.JoinedPayload{
		QuizID:        q.ID.String(),
		UserID:        conn.UserID.String(),
		Status:        string(q.Status),
		QuestionCount: len(q.Questions),
		Score:         score,
	}, "")

	view, err := h.sessions.Current(ctx, conn.QuizID)
	if errors.Is(err, quiz.ErrQuizNotLive) {
		return
	}
	if err != nil {
		h.logger.Warn().Err(err).Str("quiz_id", conn.QuizID.String()).Msg("current question unavailable")
		return
	}
	_ = h.send(conn, ws.TypeQuestionOpen, broadcast.QuestionOpen(view), "")
}

func (h *Handler) refuse(conn *websocket.Conn, quizID uuid.UUID, reason quiz.RejectReason) {
	defer conn.Close()
	msg, err := ws.NewMessage(ws.TypeJoinRejected, ws.JoinRejectedPayload{
		QuizID:  quizID.String(),
		Reason:  string(reason),
		Message: reason.Message(),
	})
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(reason)))
}

func (h *Handler) send(conn *ws.Connection, msgType string, payload any, requestID string) error {
	msg, err := ws.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	msg.RequestID = requestID
	return conn.Send(msg)
}

func (h *Handler) sendError(conn *ws.Connection, code, message, requestID string) error {
	return h.send(conn, ws.TypeError, ws.ErrorPayload{Code: code, Message: message}, requestID)
}
