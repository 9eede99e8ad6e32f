package model

import "time"

// SessionState enumerates the lifecycle states of a proctored attempt.
type SessionState string

const (
	SessionStateNotStarted       SessionState = "NOT_STARTED"
	SessionStateStarting         SessionState = "STARTING"
	SessionStateInProgress       SessionState = "IN_PROGRESS"
	SessionStateSubmitting       SessionState = "SUBMITTING"
	SessionStateSubmitted        SessionState = "SUBMITTED"
	SessionStateAlreadyCompleted SessionState = "ALREADY_COMPLETED"
	SessionStateAbandoned        SessionState = "ABANDONED"
	SessionStateError            SessionState = "ERROR"
)

// Terminal reports whether no further transition can leave the state.
func (s SessionState) Terminal() bool {
	switch s {
	case SessionStateSubmitted, SessionStateAlreadyCompleted, SessionStateAbandoned, SessionStateError:
		return true
	}
	return false
}

// StartResult is the outcome of asking the quiz service to open an attempt.
type StartResult struct {
	StudentTestID    int64  `json:"student_test_id"`
	AlreadyCompleted bool   `json:"already_completed"`
	Title            string `json:"title,omitempty"`
	Message          string `json:"message,omitempty"`
}

// Results is the score computed by the quiz service on submit.
type Results struct {
	Score          float64 `json:"score"`
	CorrectAnswers int     `json:"correct_answers" validate:"gte=0"`
	TotalQuestions int     `json:"total_questions" validate:"gte=0"`
}

// SubmitReason records which trigger ended an attempt.
type SubmitReason string

const (
	SubmitReasonManual     SubmitReason = "manual"
	SubmitReasonTimeExpiry SubmitReason = "time_expired"
	SubmitReasonViolations SubmitReason = "violation_limit"
)

// ViolationEvent is one counted security violation. It lives only as long as
// the observers that receive it.
type ViolationEvent struct {
	Reason    string    `json:"reason"`
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}
