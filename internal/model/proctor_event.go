package model

import "time"

// ProctorEventKind classifies audit records written by the gateway.
type ProctorEventKind string

const (
	ProctorEventStarted   ProctorEventKind = "STARTED"
	ProctorEventViolation ProctorEventKind = "VIOLATION"
	ProctorEventFinished  ProctorEventKind = "FINISHED"
)

// ProctorEvent is the audit record published for faculty monitoring.
type ProctorEvent struct {
	TestID         int64            `json:"test_id"`
	StudentID      int64            `json:"student_id"`
	StudentTestID  int64            `json:"student_test_id,omitempty"`
	Kind           ProctorEventKind `json:"kind"`
	State          SessionState     `json:"state"`
	Reason         string           `json:"reason,omitempty"`
	ViolationCount int              `json:"violation_count"`
	RecordedAt     time.Time        `json:"recorded_at"`
}

// StudentActivity is one row of the live monitor snapshot.
type StudentActivity struct {
	StudentID      int64        `json:"student_id"`
	StudentTestID  int64        `json:"student_test_id"`
	State          SessionState `json:"state"`
	ViolationCount int          `json:"violation_count"`
	LastEventAt    time.Time    `json:"last_event_at"`
}
