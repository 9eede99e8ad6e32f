package websocket

import (
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAcknowledge        Action = "acknowledge"
	ActionAbandon            Action = "abandon"
	ActionNavigate           Action = "navigate"
	ActionSelect             Action = "select"
	ActionSkip               Action = "skip"
	ActionSubmit             Action = "submit"
	ActionAcknowledgeWarning Action = "ack_warning"
	ActionSignal             Action = "signal"
	ActionPing               Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action" validate:"required"`
}

// NavigateRequest moves to a question by index.
type NavigateRequest struct {
	Action Action `json:"action"`
	Index  *int   `json:"index" validate:"required,gte=0"`
}

// SelectRequest answers the current question.
type SelectRequest struct {
	Action Action `json:"action"`
	Option *int   `json:"option" validate:"required,gte=0"`
}

// SignalRequest forwards one environment observation from the browser.
type SignalRequest struct {
	Action Action `json:"action"`
	Kind   string `json:"kind" validate:"required,oneof=focus_lost focus_gained hidden visible key_chord context_menu"`
	Chord  string `json:"chord" validate:"required_if=Kind key_chord,max=64"`
	Repeat bool   `json:"repeat"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventState     Event = "state"
	EventPaper     Event = "paper"
	EventTick      Event = "tick"
	EventWarning   Event = "warning"
	EventViolation Event = "violation"
	EventLogout    Event = "logout"
	EventError     Event = "error"
	EventPong      Event = "pong"
)

// StateResponse carries a full session snapshot after every transition.
type StateResponse struct {
	Event   Event            `json:"event"`
	Session proctor.Snapshot `json:"session"`
}

// PaperResponse is sent once when the attempt starts.
type PaperResponse struct {
	Event     Event            `json:"event"`
	Test      model.Test       `json:"test"`
	Questions []model.Question `json:"questions"`
	// ForbiddenChords lists the key chords the shim must intercept.
	ForbiddenChords []string `json:"forbidden_chords"`
}

type TickResponse struct {
	Event            Event `json:"event"`
	RemainingSeconds int   `json:"remaining_seconds"`
}

type WarningResponse struct {
	Event   Event           `json:"event"`
	Warning proctor.Warning `json:"warning"`
}

type ViolationResponse struct {
	Event     Event                `json:"event"`
	Violation model.ViolationEvent `json:"violation"`
}

type LogoutResponse struct {
	Event Event `json:"event"`
}

type ErrorResponse struct {
	Event  Event             `json:"event"`
	Code   string            `json:"code"`
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
