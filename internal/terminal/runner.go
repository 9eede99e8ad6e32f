package terminal

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// ErrLoggedOut is returned by Run when the quiz service rejected the token.
var ErrLoggedOut = errors.New("signed out by quiz service")

// Runner hosts a proctored session in a raw-mode terminal. It is the
// session's Observer and turns key presses into session operations.
type Runner struct {
	in  io.Reader
	out io.Writer
	log zerolog.Logger

	mu   sync.Mutex
	snap proctor.Snapshot
	view View

	logout     chan struct{}
	logoutOnce sync.Once
}

// NewRunner creates a Runner reading keys from in and drawing to out. in
// must already be in raw mode.
func NewRunner(in io.Reader, out io.Writer, log zerolog.Logger) *Runner {
	return &Runner{
		in:     in,
		out:    out,
		log:    log.With().Str("component", "terminal_runner").Logger(),
		logout: make(chan struct{}),
	}
}

// Logout ends Run with ErrLoggedOut. Wire it to the quiz client's
// unauthorized hook.
func (r *Runner) Logout() {
	r.logoutOnce.Do(func() { close(r.logout) })
}

func (r *Runner) StateChanged(snap proctor.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap = snap
	if snap.State != model.SessionStateInProgress {
		r.view.ConfirmSubmit = false
	}
	r.drawLocked()
}

func (r *Runner) Tick(remainingSeconds int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.RemainingSeconds = remainingSeconds
	r.drawLocked()
}

// Warned is a no-op: the warning arrives with the next snapshot.
func (r *Runner) Warned(proctor.Warning) {}

func (r *Runner) Violated(ev model.ViolationEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.view.Status = "Violation recorded: " + ev.Reason
}

// Run drives sess until the student leaves a finished session, the input
// ends, ctx is cancelled or the token is rejected. Focus reporting is
// enabled for the duration.
func (r *Runner) Run(ctx context.Context, sess *proctor.Session) error {
	io.WriteString(r.out, hideCursor+enableFocusReporting)
	defer io.WriteString(r.out, disableFocusReporting+showCursor+clearScreen)

	r.StateChanged(sess.Snapshot())

	done := make(chan struct{})
	defer close(done)
	events, readErr := r.readLoop(done)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.logout:
			return ErrLoggedOut
		case ev, ok := <-events:
			if !ok {
				if err := <-readErr; err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				return nil
			}
			finished := r.handle(ctx, sess, ev)
			select {
			case <-r.logout:
				return ErrLoggedOut
			default:
			}
			if finished {
				return nil
			}
		}
	}
}

// readLoop decodes input until a read fails. The events channel is closed
// after the last event, then the read error is delivered.
func (r *Runner) readLoop(done <-chan struct{}) (<-chan Event, <-chan error) {
	events := make(chan Event, 64)
	readErr := make(chan error, 1)
	go func() {
		defer close(events)
		buf := make([]byte, 256)
		for {
			n, err := r.in.Read(buf)
			for _, ev := range Decode(buf[:n]) {
				select {
				case events <- ev:
				case <-done:
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()
	return events, readErr
}

// handle applies one event and reports whether the runner should exit.
func (r *Runner) handle(ctx context.Context, sess *proctor.Session, ev Event) bool {
	switch ev.Kind {
	case EventFocusOut:
		sess.Observe(proctor.Signal{Kind: proctor.SignalFocusLost, At: time.Now()})
		return false
	case EventFocusIn:
		sess.Observe(proctor.Signal{Kind: proctor.SignalFocusGained, At: time.Now()})
		return false
	}

	r.mu.Lock()
	r.view.Status = ""
	r.mu.Unlock()

	snap := sess.Snapshot()
	switch {
	case snap.State == model.SessionStateNotStarted:
		if ev.Kind == EventEnter {
			if err := sess.Acknowledge(ctx); err != nil && !errors.Is(err, proctor.ErrSetupFailed) {
				r.showError(err)
			}
			return false
		}
		if isQuit(ev) {
			_ = sess.Abandon()
			return true
		}
	case snap.State == model.SessionStateInProgress:
		r.handleExam(ctx, sess, snap, ev)
	case snap.State.Terminal():
		return isQuit(ev) || ev.Kind == EventEnter
	}
	return false
}

func (r *Runner) handleExam(ctx context.Context, sess *proctor.Session, snap proctor.Snapshot, ev Event) {
	if ev.Kind == EventChord {
		sess.Observe(proctor.Signal{Kind: proctor.SignalKeyChord, Chord: ev.Chord, At: time.Now()})
		return
	}

	if snap.Warning != nil {
		if ev.Kind == EventEnter {
			if err := sess.AcknowledgeWarning(); err != nil {
				r.showError(err)
			}
		}
		return
	}

	r.mu.Lock()
	confirming := r.view.ConfirmSubmit
	r.view.ConfirmSubmit = false
	r.mu.Unlock()
	if confirming {
		if ev.Kind == EventRune && (ev.Rune == 'y' || ev.Rune == 'Y') {
			if _, err := sess.Submit(ctx); err != nil && !errors.Is(err, proctor.ErrSubmitFailed) {
				r.showError(err)
			}
			return
		}
		r.redraw()
		return
	}

	last := snap.Counts.Total() - 1
	var err error
	switch {
	case ev.Kind == EventRune && ev.Rune >= '1' && ev.Rune <= '9':
		err = sess.Select(int(ev.Rune - '1'))
	case ev.Rune == 'n' || ev.Kind == EventRight || ev.Kind == EventDown:
		if snap.CurrentIndex < last {
			err = sess.Navigate(snap.CurrentIndex + 1)
		}
	case ev.Rune == 'p' || ev.Kind == EventLeft || ev.Kind == EventUp:
		if snap.CurrentIndex > 0 {
			err = sess.Navigate(snap.CurrentIndex - 1)
		}
	case ev.Rune == 's':
		err = sess.Skip()
	case ev.Rune == 'S':
		r.mu.Lock()
		r.view.ConfirmSubmit = true
		r.drawLocked()
		r.mu.Unlock()
	}
	if err != nil {
		r.showError(err)
	}
}

func (r *Runner) showError(err error) {
	r.log.Debug().Err(err).Msg("Key rejected")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.view.Status = statusText(err)
	r.drawLocked()
}

func (r *Runner) redraw() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drawLocked()
}

func (r *Runner) drawLocked() {
	if _, err := io.WriteString(r.out, Render(r.snap, r.view)); err != nil {
		r.log.Debug().Err(err).Msg("Draw failed")
	}
}

func isQuit(ev Event) bool {
	return (ev.Kind == EventRune && (ev.Rune == 'q' || ev.Rune == 'Q')) ||
		(ev.Kind == EventChord && ev.Chord == "Ctrl+C")
}

func statusText(err error) string {
	switch {
	case errors.Is(err, proctor.ErrOptionOutOfRange):
		return "That option does not exist."
	case errors.Is(err, proctor.ErrQuestionOutOfRange):
		return "That question does not exist."
	case errors.Is(err, proctor.ErrWarningPending):
		return "Acknowledge the warning first."
	case errors.Is(err, proctor.ErrSubmitInFlight):
		return "Your test is already being submitted."
	default:
		return "That key is not available right now."
	}
}
