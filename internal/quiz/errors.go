package quiz

import "errors"

var (
	ErrQuizNotFound        = errors.New("quiz not found")
	ErrQuizNotLive         = errors.New("quiz not live")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrAlreadyAnswered     = errors.New("question already answered")
	ErrQuestionClosed      = errors.New("question closed")
	ErrMalformedQuiz       = errors.New("malformed quiz")
)

// RejectReason is a client-correctable outcome. Rejections are values, never errors.
type RejectReason string

const (
	ReasonNone            RejectReason = ""
	ReasonQuizNotFound    RejectReason = "quiz_not_found"
	ReasonQuizNotLive     RejectReason = "quiz_not_live"
	ReasonWrongQuestion   RejectReason = "wrong_question"
	ReasonNotRegistered   RejectReason = "not_registered"
	ReasonNotEligible     RejectReason = "not_eligible"
	ReasonAlreadyAnswered RejectReason = "already_answered"
	ReasonTimeExceeded    RejectReason = "time_exceeded"
	ReasonTooFast         RejectReason = "too_fast"
	ReasonInvalidOption   RejectReason = "invalid_option"
	ReasonQuizFull        RejectReason = "quiz_full"
	ReasonTryAgain        RejectReason = "try_again"
)

// Message is the user-facing text for a rejection.
func (r RejectReason) Message() string {
	switch r {
	case ReasonQuizNotFound:
		return "Quiz does not exist"
	case ReasonQuizNotLive:
		return "Quiz is not live"
	case ReasonWrongQuestion:
		return "That question is not open"
	case ReasonNotRegistered:
		return "Join the quiz before answering"
	case ReasonNotEligible:
		return "You are not eligible for this quiz"
	case ReasonAlreadyAnswered:
		return "You already answered this question"
	case ReasonTimeExceeded:
		return "Time is up for this question"
	case ReasonTooFast:
		return "Answer submitted too quickly"
	case ReasonInvalidOption:
		return "Selected option does not exist"
	case ReasonQuizFull:
		return "Quiz is full"
	case ReasonTryAgain:
		return "Something went wrong, please try again"
	default:
		return ""
	}
}
