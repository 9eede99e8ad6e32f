package terminal

import (
	"fmt"
	"strings"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

const (
	clearScreen = "\x1b[2J\x1b[H"
	hideCursor  = "\x1b[?25l"
	showCursor  = "\x1b[?25h"
	// Raw mode disables output post-processing, so lines end in CRLF.
	newline = "\r\n"
)

// View is everything one frame needs besides the session snapshot.
type View struct {
	// Status is a one-line message under the frame, such as a rejected key.
	Status string
	// ConfirmSubmit shows the submit confirmation prompt.
	ConfirmSubmit bool
}

// Render draws one full frame for snap.
func Render(snap proctor.Snapshot, view View) string {
	var b strings.Builder
	b.WriteString(clearScreen)

	line := func(format string, args ...interface{}) {
		fmt.Fprintf(&b, format, args...)
		b.WriteString(newline)
	}

	switch snap.State {
	case model.SessionStateNotStarted:
		line("SECURE EXAM MODE")
		line("")
		line("This test is proctored. Once it starts:")
		line("  - leaving this terminal window counts as a violation")
		line("  - Esc, Ctrl+C, Ctrl+Z, Ctrl+U and F12 count as violations")
		line("  - %d violations submit your test automatically", proctor.MaxViolations)
		line("")
		line("Press Enter to begin, or q to leave.")

	case model.SessionStateStarting:
		line("Starting test...")

	case model.SessionStateInProgress:
		renderQuestion(line, snap, view)

	case model.SessionStateSubmitting:
		line("Submitting your answers...")

	case model.SessionStateSubmitted:
		line("TEST SUBMITTED")
		line("")
		if snap.Results != nil {
			line("Score:   %.1f", snap.Results.Score)
			line("Correct: %d of %d", snap.Results.CorrectAnswers, snap.Results.TotalQuestions)
		}
		if snap.SubmitReason == model.SubmitReasonViolations {
			line("")
			line("Your test was submitted automatically after %d violations.", proctor.MaxViolations)
		} else if snap.SubmitReason == model.SubmitReasonTimeExpiry {
			line("")
			line("Your test was submitted automatically when time ran out.")
		}
		line("")
		line("Press q to exit.")

	default:
		if snap.Notice != nil {
			if snap.Notice.Title != "" {
				line(strings.ToUpper(snap.Notice.Title))
				line("")
			}
			line("%s", snap.Notice.Message)
		}
		line("")
		line("Press q to exit.")
	}

	if view.Status != "" {
		line("")
		line("! %s", view.Status)
	}
	return b.String()
}

func renderQuestion(line func(string, ...interface{}), snap proctor.Snapshot, view View) {
	title := "Test"
	if snap.Test != nil {
		title = snap.Test.Title
	}
	total := snap.Counts.Total()

	line("%s    Time left %s    Violations %d/%d", title, FormatClock(snap.RemainingSeconds), snap.ViolationCount, proctor.MaxViolations)
	line("Answered %d  Skipped %d  Unanswered %d", snap.Counts.Answered, snap.Counts.Skipped, snap.Counts.Unanswered)
	line("%s", strings.Repeat("-", 60))

	if snap.Warning != nil {
		line("")
		line("WARNING %d of %d", snap.Warning.Count, proctor.MaxViolations)
		line("%s", snap.Warning.Message)
		line("")
		line("Press Enter to return to the test.")
		return
	}

	q := snap.Current
	if q == nil {
		return
	}
	line("Question %d of %d  (%d marks)", snap.CurrentIndex+1, total, q.Marks)
	if q.TopicTitle != "" {
		line("Topic: %s", q.TopicTitle)
	}
	line("")
	line("%s", q.Text)
	line("")

	var selected *int
	if snap.CurrentIndex < len(snap.Answers) {
		selected = snap.Answers[snap.CurrentIndex].SelectedOption
	}
	for i, opt := range q.Options {
		mark := " "
		if selected != nil && *selected == i {
			mark = "*"
		}
		line(" %s %d) %s", mark, i+1, opt)
	}
	line("")

	if view.ConfirmSubmit {
		line("Submit now? %d unanswered. Press y to submit, any other key to cancel.", snap.Counts.Unanswered)
		return
	}
	line("[1-9] answer  [n/→] next  [p/←] previous  [s] skip  [S] submit")
}

// FormatClock renders seconds as MM:SS, or H:MM:SS from one hour up.
func FormatClock(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h, m, s := seconds/3600, (seconds%3600)/60, seconds%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
