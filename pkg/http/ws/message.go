package ws

import "encoding/json"

// MessageType constants for WebSocket protocol.
const (
	// Client -> Server
	TypeSubmitAnswer = "submit_answer"
	TypeRequestState = "request_state"
	TypeLeaveQuiz    = "leave_quiz"
	TypePing         = "ping"

	// Server -> Client
	TypeJoined              = "joined"
	TypeJoinRejected        = "join_rejected"
	TypeQuestionOpen        = "question_open"
	TypeTimeRemaining       = "time_remaining"
	TypeQuestionClosed      = "question_closed"
	TypeParticipantAnswered = "participant_answered"
	TypeAnswerAck           = "answer_ack"
	TypeAnswerRejected      = "answer_rejected"
	TypeQuizAlert           = "quiz_alert"
	TypeQuizReady           = "quiz_ready"
	TypeQuizEnded           = "quiz_ended"
	TypeResultsAnnounced    = "results_announced"
	TypeSessionReplaced     = "session_replaced"
	TypeError               = "error"
	TypePong                = "pong"
)

// Message wraps all WebSocket payloads with type and optional request ID.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// NewMessage marshals payload into a typed envelope.
func NewMessage(msgType string, payload any) (Message, error) {
	if payload == nil {
		return Message{Type: msgType}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: msgType, Payload: raw}, nil
}

// Client Messages (incoming)

type SubmitAnswerPayload struct {
	QuestionIndex  *int   `json:"question_index" validate:"required,gte=0"`
	SelectedOption *int   `json:"selected_option" validate:"required,gte=0"`
	ClientTS       *int64 `json:"client_ts,omitempty"` // unix millis, informational
}

// Server Messages (outgoing)

type JoinedPayload struct {
	QuizID        string `json:"quiz_id"`
	UserID        string `json:"user_id"`
	Status        string `json:"status"`
	QuestionCount int    `json:"question_count"`
	Score         int    `json:"score"`
}

type JoinRejectedPayload struct {
	QuizID  string `json:"quiz_id"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type QuestionOpenPayload struct {
	QuizID          string   `json:"quiz_id"`
	Index           int      `json:"index"`
	Total           int      `json:"total"`
	Text            string   `json:"text"`
	Options         []string `json:"options"`
	Points          int      `json:"points"`
	DurationSeconds int      `json:"duration_seconds"`
	SecondsLeft     int      `json:"seconds_left"`
}

type TimeRemainingPayload struct {
	QuizID      string `json:"quiz_id"`
	Index       int    `json:"index"`
	SecondsLeft int    `json:"seconds_left"`
}

type QuestionClosedPayload struct {
	QuizID        string `json:"quiz_id"`
	Index         int    `json:"index"`
	CorrectOption int    `json:"correct_option"`
}

type ParticipantAnsweredPayload struct {
	QuizID        string `json:"quiz_id"`
	Index         int    `json:"index"`
	AnsweredCount int    `json:"answered_count"`
}

type AnswerAckPayload struct {
	Index           int   `json:"index"`
	Correct         bool  `json:"correct"`
	PointsAwarded   int   `json:"points_awarded"`
	CumulativeScore int   `json:"cumulative_score"`
	TimeTakenMs     int64 `json:"time_taken_ms"`
}

type AnswerRejectedPayload struct {
	Index   int    `json:"index"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type QuizAlertPayload struct {
	QuizID            string `json:"quiz_id"`
	Title             string `json:"title"`
	SecondsUntilStart int    `json:"seconds_until_start"`
}

type QuizEndedPayload struct {
	QuizID      string             `json:"quiz_id"`
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
}

type ResultsAnnouncedPayload struct {
	QuizID      string             `json:"quiz_id"`
	Title       string             `json:"title"`
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
}

type LeaderboardEntry struct {
	Rank         int    `json:"rank"`
	UserID       string `json:"user_id"`
	DisplayName  string `json:"display_name"`
	Score        int    `json:"score"`
	CorrectCount int    `json:"correct_count"`
	TimeSpentMs  int64  `json:"time_spent_ms"`
}

type SessionReplacedPayload struct {
	QuizID string `json:"quiz_id"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
