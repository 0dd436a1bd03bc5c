package live

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gokatarajesh/daily-quiz/internal/auth"
	"github.com/gokatarajesh/daily-quiz/internal/auth/jwt"
	"github.com/gokatarajesh/daily-quiz/internal/broadcast"
	"github.com/gokatarajesh/daily-quiz/internal/clock"
	"github.com/gokatarajesh/daily-quiz/internal/db/memory"
	"github.com/gokatarajesh/daily-quiz/internal/intake"
	"github.com/gokatarajesh/daily-quiz/internal/quiz"
	"github.com/gokatarajesh/daily-quiz/internal/session"
	ws "github.com/gokatarajesh/daily-quiz/pkg/http/ws"
)

var t0 = time.Date(2026, 10, 17, 18, 0, 0, 0, time.UTC)

type denyGate struct {
	denied sync.Map
}

func (d *denyGate) deny(userID uuid.UUID) { d.denied.Store(userID, true) }

func (d *denyGate) IsEligible(_ context.Context, userID uuid.UUID, _ time.Time) (bool, error) {
	_, denied := d.denied.Load(userID)
	return !denied, nil
}

type fakeLifecycle struct {
	mu             sync.Mutex
	started, ended []uuid.UUID
	result         bool
	err            error
}

func (f *fakeLifecycle) ManualStart(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return f.result, f.err
}

func (f *fakeLifecycle) EndNow(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, id)
	return f.result, f.err
}

func (f *fakeLifecycle) set(result bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.result, f.err = result, err
}

type fixture struct {
	store     *memory.Store
	clock     *clock.Manual
	machine   *session.Machine
	tokens    *jwt.Manager
	lifecycle *fakeLifecycle
	denied    *denyGate
	server    *httptest.Server
	quiz      *quiz.Quiz
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.New(io.Discard)
	f := &fixture{
		store:     memory.NewStore(),
		clock:     clock.NewManual(t0.Add(-time.Minute)),
		tokens:    jwt.NewManager(jwt.TokenConfig{Secret: []byte("test-secret")}),
		lifecycle: &fakeLifecycle{result: true},
		denied:    &denyGate{},
	}

	hub := ws.NewHub(logger)
	backbone := broadcast.NewBackbone(nil, hub, "", logger)
	fanout := broadcast.NewFanout(backbone, nil, logger)
	f.machine = session.NewMachine(f.store, f.denied, fanout, f.clock, session.Options{}, logger)
	answers := intake.NewService(f.store, f.machine, fanout, f.clock, intake.Options{}, logger)

	wsHandler := NewHandler(f.machine, f.store, answers, hub, backbone, f.tokens, websocket.Upgrader{}, logger)
	httpHandlers := NewHTTPHandlers(f.machine, f.store, f.lifecycle, logger)

	mux := http.NewServeMux()
	authn := auth.AuthMiddleware(f.tokens, logger)
	mux.HandleFunc("/ws/quizzes", wsHandler.HandleWebSocket)
	mux.Handle("POST /v1/quizzes/{id}/join", authn(auth.RequireAuth(http.HandlerFunc(httpHandlers.Join))))
	mux.HandleFunc("GET /v1/quizzes/{id}", httpHandlers.GetQuiz)
	mux.Handle("GET /v1/users/me/history", authn(auth.RequireAuth(http.HandlerFunc(httpHandlers.History))))
	mux.HandleFunc("POST /v1/admin/quizzes/{id}/start", httpHandlers.AdminStart)
	mux.HandleFunc("POST /v1/admin/quizzes/{id}/end", httpHandlers.AdminEnd)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)

	f.quiz = &quiz.Quiz{
		ID:                   uuid.New(),
		Title:                "daily",
		ScheduledAt:          t0,
		Status:               quiz.StatusScheduled,
		QuestionDuration:     15 * time.Second,
		CurrentQuestionIndex: quiz.NotStarted,
		Questions: []quiz.Question{
			{Text: "q0", Options: []string{"a", "b"}, CorrectOption: 0, Points: 10},
			{Text: "q1", Options: []string{"a", "b"}, CorrectOption: 1, Points: 20},
		},
	}
	require.NoError(t, f.store.CreateQuiz(context.Background(), f.quiz))
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	f.clock.Set(t0)
	started, err := f.machine.Start(context.Background(), f.quiz.ID)
	require.NoError(t, err)
	require.True(t, started)
}

func (f *fixture) token(t *testing.T, user uuid.UUID, name string) string {
	t.Helper()
	token, err := f.tokens.GenerateAccessToken(user, name)
	require.NoError(t, err)
	return token
}

func (f *fixture) dial(t *testing.T, quizID uuid.UUID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/quizzes?quiz_id=" + quizID.String() + "&token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// expect reads until a message of msgType arrives, skipping others.
func expect(t *testing.T, conn *websocket.Conn, msgType string) ws.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg ws.Message
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %s", msgType)
		if msg.Type == msgType {
			return msg
		}
	}
}

func decode[T any](t *testing.T, msg ws.Message) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(msg.Payload, &out))
	return out
}

func sendJSON(t *testing.T, conn *websocket.Conn, msgType, requestID string, payload any) {
	t.Helper()
	msg, err := ws.NewMessage(msgType, payload)
	require.NoError(t, err)
	msg.RequestID = requestID
	require.NoError(t, conn.WriteJSON(msg))
}

func TestAnswerAndResyncOverWebSocket(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	user := uuid.New()
	token := f.token(t, user, "ana")

	first := f.dial(t, f.quiz.ID, token)
	joined := decode[ws.JoinedPayload](t, expect(t, first, ws.TypeJoined))
	assert.Equal(t, string(quiz.StatusLive), joined.Status)
	assert.Equal(t, 2, joined.QuestionCount)
	open := decode[ws.QuestionOpenPayload](t, expect(t, first, ws.TypeQuestionOpen))
	assert.Equal(t, 0, open.Index)
	assert.Equal(t, 15, open.SecondsLeft)

	f.clock.Set(t0.Add(4 * time.Second))
	sendJSON(t, first, ws.TypeSubmitAnswer, "r1", map[string]int{"question_index": 0, "selected_option": 0})
	answered := decode[ws.ParticipantAnsweredPayload](t, expect(t, first, ws.TypeParticipantAnswered))
	assert.Equal(t, 1, answered.AnsweredCount)
	ackMsg := expect(t, first, ws.TypeAnswerAck)
	assert.Equal(t, "r1", ackMsg.RequestID)
	ack := decode[ws.AnswerAckPayload](t, ackMsg)
	assert.True(t, ack.Correct)
	assert.Equal(t, 10, ack.PointsAwarded)
	assert.Equal(t, int64(4000), ack.TimeTakenMs)

	sendJSON(t, first, ws.TypeSubmitAnswer, "r2", map[string]int{"question_index": 0, "selected_option": 1})
	rejected := decode[ws.AnswerRejectedPayload](t, expect(t, first, ws.TypeAnswerRejected))
	assert.Equal(t, string(quiz.ReasonAlreadyAnswered), rejected.Reason)

	f.clock.Set(t0.Add(5 * time.Second))
	second := f.dial(t, f.quiz.ID, token)
	expect(t, first, ws.TypeSessionReplaced)

	joined = decode[ws.JoinedPayload](t, expect(t, second, ws.TypeJoined))
	assert.Equal(t, 10, joined.Score)
	open = decode[ws.QuestionOpenPayload](t, expect(t, second, ws.TypeQuestionOpen))
	assert.Equal(t, 10, open.SecondsLeft)

	sendJSON(t, second, ws.TypePing, "p1", nil)
	assert.Equal(t, "p1", expect(t, second, ws.TypePong).RequestID)

	sendJSON(t, second, "dance", "", nil)
	errPayload := decode[ws.ErrorPayload](t, expect(t, second, ws.TypeError))
	assert.Equal(t, "unknown_message_type", errPayload.Code)

	sendJSON(t, second, ws.TypeSubmitAnswer, "", map[string]int{"question_index": 0})
	errPayload = decode[ws.ErrorPayload](t, expect(t, second, ws.TypeError))
	assert.Equal(t, "invalid_payload", errPayload.Code)
}

func TestJoinRejectedOverWebSocket(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.denied.deny(user)

	conn := f.dial(t, f.quiz.ID, f.token(t, user, "eve"))
	rejected := decode[ws.JoinRejectedPayload](t, expect(t, conn, ws.TypeJoinRejected))
	assert.Equal(t, string(quiz.ReasonNotEligible), rejected.Reason)

	other := f.dial(t, uuid.New(), f.token(t, uuid.New(), "bob"))
	rejected = decode[ws.JoinRejectedPayload](t, expect(t, other, ws.TypeJoinRejected))
	assert.Equal(t, string(quiz.ReasonQuizNotFound), rejected.Reason)
}

func TestWebSocketRequiresToken(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/quizzes?quiz_id=" + f.quiz.ID.String()
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHTTPJoinAndQuizView(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()

	do := func(method, path, token string) *http.Response {
		req, err := http.NewRequest(method, f.server.URL+path, nil)
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	path := "/v1/quizzes/" + f.quiz.ID.String()
	assert.Equal(t, http.StatusUnauthorized, do(http.MethodPost, path+"/join", "").StatusCode)
	assert.Equal(t, http.StatusOK, do(http.MethodPost, path+"/join", f.token(t, user, "ana")).StatusCode)
	assert.Equal(t, http.StatusNotFound, do(http.MethodPost, "/v1/quizzes/"+uuid.NewString()+"/join", f.token(t, user, "ana")).StatusCode)

	denied := uuid.New()
	f.denied.deny(denied)
	assert.Equal(t, http.StatusForbidden, do(http.MethodPost, path+"/join", f.token(t, denied, "eve")).StatusCode)

	f.start(t)
	f.clock.Set(t0.Add(6 * time.Second))
	resp := do(http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body quizResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, quiz.StatusLive, body.Status)
	assert.Equal(t, 1, body.Participants)
	require.NotNil(t, body.CurrentQuestion)
	assert.Equal(t, 9, body.CurrentQuestion.SecondsLeft)

	assert.Equal(t, http.StatusBadRequest, do(http.MethodGet, "/v1/quizzes/nope", "").StatusCode)
}

func TestHistoryEndpoint(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	ctx := context.Background()

	res, err := f.machine.Join(ctx, f.quiz.ID, user, "ana")
	require.NoError(t, err)
	require.True(t, res.Accepted)
	standing := quiz.Standing{UserID: user, DisplayName: "ana", Totals: quiz.Totals{Score: 30, CorrectCount: 2, AnsweredCount: 2}, Rank: 1, Completed: true}
	seal := func([]quiz.Participant) []quiz.Standing { return []quiz.Standing{standing} }
	_, ended, err := f.store.FinalizeQuiz(ctx, f.quiz.ID, seal, t0.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ended)

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/v1/users/me/history", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token(t, user, "ana"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		History []historyResponse `json:"history"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.History, 1)
	assert.Equal(t, 30, body.History[0].Score)
	require.NotNil(t, body.History[0].Rank)
	assert.Equal(t, 1, *body.History[0].Rank)
}

func TestAdminEndpoints(t *testing.T) {
	f := newFixture(t)
	path := f.server.URL + "/v1/admin/quizzes/" + f.quiz.ID.String()

	post := func(url string) int {
		resp, err := http.Post(url, "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, post(path+"/start"))
	assert.Equal(t, http.StatusOK, post(path+"/end"))
	f.lifecycle.mu.Lock()
	assert.Equal(t, []uuid.UUID{f.quiz.ID}, f.lifecycle.started)
	assert.Equal(t, []uuid.UUID{f.quiz.ID}, f.lifecycle.ended)
	f.lifecycle.mu.Unlock()

	f.lifecycle.set(false, nil)
	assert.Equal(t, http.StatusConflict, post(path+"/start"))
	assert.Equal(t, http.StatusConflict, post(path+"/end"))

	f.lifecycle.set(false, quiz.ErrQuizNotFound)
	assert.Equal(t, http.StatusNotFound, post(path+"/start"))
}
