package proctor

import "fmt"

// MaxViolations is the number of counted violations that ends an attempt.
const MaxViolations = 3

// Verdict is what the session does about a violation count.
type Verdict int

const (
	VerdictNone Verdict = iota
	VerdictWarn
	VerdictSubmit
)

// Decide maps a violation count to the action the session must take.
func Decide(count int) Verdict {
	switch {
	case count <= 0:
		return VerdictNone
	case count < MaxViolations:
		return VerdictWarn
	default:
		return VerdictSubmit
	}
}

// Warning is the transient notice shown after a violation below the limit.
type Warning struct {
	Count     int    `json:"count"`
	Remaining int    `json:"remaining"`
	Reason    string `json:"reason"`
	Message   string `json:"message"`
}

func newWarning(count int, reason string) *Warning {
	remaining := MaxViolations - count
	var msg string
	if remaining == 1 {
		msg = fmt.Sprintf("Final warning (%d of %d): %s. One more violation will submit your test automatically.", count, MaxViolations, reason)
	} else {
		msg = fmt.Sprintf("Warning %d of %d: %s. Leaving the exam window, switching tabs or using restricted keys is not allowed. %d more violations will submit your test automatically.", count, MaxViolations, reason, remaining)
	}
	return &Warning{
		Count:     count,
		Remaining: remaining,
		Reason:    reason,
		Message:   msg,
	}
}
