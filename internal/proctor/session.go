package proctor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Session errors.
var (
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrNotInProgress     = errors.New("session is not in progress")
	ErrWarningPending    = errors.New("violation warning must be acknowledged first")
	ErrSubmitInFlight    = errors.New("submission already in progress")
	ErrSessionClosed     = errors.New("session closed")
	ErrSetupFailed       = errors.New("exam setup failed")
	ErrSubmitFailed      = errors.New("exam submission failed")
	ErrNoQuestions       = errors.New("test has no questions")
)

// User-facing copy for terminal cards. Raw errors never reach the UI.
const (
	setupFailureTitle    = "Unable to start test"
	setupFailureMessage  = "We could not load this test. Please return to the dashboard and try again."
	submitFailureTitle   = "Submission failed"
	submitFailureMessage = "Your test could not be submitted. Please contact the administrator before leaving this page."
	alreadyDoneTitle     = "Test already completed"
	alreadyDoneMessage   = "You have already completed this test. Each test can only be taken once."
	abandonedMessage     = "This attempt was closed before it was submitted."
	abandonedBeforeStart = "The test was not started."
)

// RemoteService is the quiz service that owns attempts, answers and scores.
type RemoteService interface {
	StartSession(ctx context.Context, testID int64) (*model.StartResult, error)
	FetchPaper(ctx context.Context, testID int64) (*model.Paper, error)
	AnswerPersister
	SubmitSession(ctx context.Context, studentTestID int64) (*model.Results, error)
}

// Config tunes one session.
type Config struct {
	TestID    int64
	StudentID int64

	SubmitRetryDelay  time.Duration
	PersistTimeout    time.Duration
	ViolationCoalesce time.Duration
	// ForbiddenChords overrides DefaultForbiddenChords when non-nil.
	ForbiddenChords map[string]string
	// TickSource overrides the one-second ticker (tests).
	TickSource TickSource
	Observer   Observer
}

// Notice is the content of a terminal card.
type Notice struct {
	Title   string `json:"title,omitempty"`
	Message string `json:"message"`
}

// Snapshot is a consistent copy of the session for rendering.
type Snapshot struct {
	State            model.SessionState `json:"state"`
	TestID           int64              `json:"test_id"`
	StudentTestID    int64              `json:"student_test_id,omitempty"`
	Test             *model.Test        `json:"test,omitempty"`
	DurationSeconds  int                `json:"duration_seconds"`
	RemainingSeconds int                `json:"remaining_seconds"`
	StartedAt        *time.Time         `json:"started_at,omitempty"`
	CurrentIndex     int                `json:"current_index"`
	Current          *model.Question    `json:"current_question,omitempty"`
	Answers          []model.Answer     `json:"answers,omitempty"`
	Counts           model.AnswerCounts `json:"counts"`
	ViolationCount   int                `json:"violation_count"`
	Warning          *Warning           `json:"warning,omitempty"`
	SubmitReason     model.SubmitReason `json:"submit_reason,omitempty"`
	Results          *model.Results     `json:"results,omitempty"`
	Notice           *Notice            `json:"notice,omitempty"`
}

// Interactive reports whether the student can answer right now.
func (s Snapshot) Interactive() bool {
	return s.State == model.SessionStateInProgress && s.Warning == nil
}

// Session is the proctored attempt state machine. All mutations go through
// its methods; the timer, the violation monitor and the host may call them
// concurrently.
type Session struct {
	mu     sync.Mutex
	cfg    Config
	remote RemoteService
	obs    Observer
	log    zerolog.Logger

	state         model.SessionState
	studentTestID int64
	test          model.Test
	questions     []model.Question
	duration      int
	startedAt     time.Time
	current       int
	violations    int
	warning       *Warning
	submitting    bool
	submitReason  model.SubmitReason
	results       *model.Results
	notice        *Notice

	answers *AnswerStore
	timer   *Timer
	monitor *ViolationMonitor
	bg      sync.WaitGroup
}

// NewSession creates a session in NotStarted. Nothing runs until Acknowledge.
func NewSession(remote RemoteService, cfg Config, log zerolog.Logger) *Session {
	obs := cfg.Observer
	if obs == nil {
		obs = NopObserver{}
	}
	return &Session{
		cfg:    cfg,
		remote: remote,
		obs:    obs,
		state:  model.SessionStateNotStarted,
		log: log.With().
			Str("component", "proctor_session").
			Int64("test_id", cfg.TestID).
			Int64("student_id", cfg.StudentID).
			Logger(),
	}
}

// Acknowledge records that the student accepted the security notice, opens
// the attempt with the quiz service and, on success, starts the clock and the
// violation monitor. Setup failures leave the session in Error and are
// returned wrapped in ErrSetupFailed.
func (s *Session) Acknowledge(ctx context.Context) error {
	s.mu.Lock()
	if s.state != model.SessionStateNotStarted {
		s.mu.Unlock()
		return ErrInvalidTransition
	}
	s.state = model.SessionStateStarting
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.obs.StateChanged(snap)

	start, err := s.remote.StartSession(ctx, s.cfg.TestID)
	if err != nil {
		return s.failSetup("start session", err)
	}
	if start.AlreadyCompleted {
		return s.markAlreadyCompleted(start)
	}

	paper, err := s.remote.FetchPaper(ctx, s.cfg.TestID)
	if err != nil {
		return s.failSetup("fetch questions", err)
	}
	if len(paper.Questions) == 0 {
		return s.failSetup("fetch questions", ErrNoQuestions)
	}

	s.mu.Lock()
	if s.state != model.SessionStateStarting {
		s.mu.Unlock()
		return ErrSessionClosed
	}

	s.studentTestID = start.StudentTestID
	s.test = paper.Test
	s.questions = append([]model.Question(nil), paper.Questions...)
	s.duration = paper.DurationSeconds()
	s.answers = NewAnswerStore(s.studentTestID, s.questions, s.remote, s.cfg.PersistTimeout, s.log)
	s.monitor = NewViolationMonitor(s, s.cfg.ForbiddenChords, s.cfg.ViolationCoalesce, s.log)
	s.timer = NewTimer(s.cfg.TickSource, s.obs.Tick, s.onExpire)
	s.state = model.SessionStateInProgress
	s.startedAt = time.Now()
	s.current = 0

	s.monitor.Start()
	if err := s.timer.Start(s.duration); err != nil {
		s.log.Error().Err(err).Msg("Timer start failed")
	}
	snap = s.snapshotLocked()
	s.mu.Unlock()

	s.log.Info().
		Int64("student_test_id", start.StudentTestID).
		Int("questions", len(paper.Questions)).
		Int("duration_seconds", paper.DurationSeconds()).
		Msg("Attempt started")
	s.obs.StateChanged(snap)
	return nil
}

func (s *Session) failSetup(step string, cause error) error {
	s.log.Error().Err(cause).Str("step", step).Msg("Attempt setup failed")

	s.mu.Lock()
	if s.state != model.SessionStateStarting {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.state = model.SessionStateError
	s.notice = &Notice{Title: setupFailureTitle, Message: setupFailureMessage}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.obs.StateChanged(snap)
	return fmt.Errorf("%w: %s: %v", ErrSetupFailed, step, cause)
}

func (s *Session) markAlreadyCompleted(start *model.StartResult) error {
	s.mu.Lock()
	if s.state != model.SessionStateStarting {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.state = model.SessionStateAlreadyCompleted
	msg := start.Message
	if msg == "" {
		msg = alreadyDoneMessage
	}
	title := alreadyDoneTitle
	if start.Title != "" {
		title = start.Title
	}
	s.notice = &Notice{Title: title, Message: msg}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.log.Info().Msg("Test already completed by student")
	s.obs.StateChanged(snap)
	return nil
}

// Abandon leaves a session that has not started yet.
func (s *Session) Abandon() error {
	s.mu.Lock()
	if s.state != model.SessionStateNotStarted && s.state != model.SessionStateStarting {
		s.mu.Unlock()
		return ErrInvalidTransition
	}
	s.state = model.SessionStateAbandoned
	s.notice = &Notice{Message: abandonedBeforeStart}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.obs.StateChanged(snap)
	return nil
}

// Navigate moves to question i. Leaving a question without a selection marks
// it skipped.
func (s *Session) Navigate(i int) error {
	s.mu.Lock()
	if err := s.checkInteractiveLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if i < 0 || i >= len(s.questions) {
		s.mu.Unlock()
		return ErrQuestionOutOfRange
	}
	if i != s.current {
		_ = s.answers.MarkSkippedIfUnanswered(s.current)
		s.current = i
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.obs.StateChanged(snap)
	return nil
}

// Select records option for the current question.
func (s *Session) Select(option int) error {
	s.mu.Lock()
	if err := s.checkInteractiveLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.answers.RecordSelection(s.current, option); err != nil {
		s.mu.Unlock()
		return err
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.obs.StateChanged(snap)
	return nil
}

// Skip marks the current question skipped unless answered and moves on to
// the next question when there is one.
func (s *Session) Skip() error {
	s.mu.Lock()
	if err := s.checkInteractiveLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	_ = s.answers.MarkSkippedIfUnanswered(s.current)
	if s.current < len(s.questions)-1 {
		s.current++
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.obs.StateChanged(snap)
	return nil
}

// AcknowledgeWarning dismisses the pending violation warning.
func (s *Session) AcknowledgeWarning() error {
	s.mu.Lock()
	if s.state != model.SessionStateInProgress {
		s.mu.Unlock()
		return ErrNotInProgress
	}
	if s.warning == nil {
		s.mu.Unlock()
		return nil
	}
	s.warning = nil
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.obs.StateChanged(snap)
	return nil
}

// Observe forwards an environment signal to the violation monitor. Signals
// are ignored until the attempt is in progress.
func (s *Session) Observe(sig Signal) (int, bool) {
	s.mu.Lock()
	m := s.monitor
	s.mu.Unlock()

	if m == nil {
		return 0, false
	}
	return m.Observe(sig)
}

// ReportViolation counts one violation and applies the three-strike policy.
// It returns the count after the call and whether this violation counted.
// Outside InProgress, or once a submit started, nothing is counted.
func (s *Session) ReportViolation(reason string) (int, bool) {
	s.mu.Lock()
	if s.state != model.SessionStateInProgress || s.submitting || s.violations >= MaxViolations {
		n := s.violations
		s.mu.Unlock()
		return n, false
	}

	s.violations++
	count := s.violations
	ev := model.ViolationEvent{Reason: reason, Count: count, Timestamp: time.Now()}

	var warned *Warning
	submit := false
	switch Decide(count) {
	case VerdictWarn:
		s.warning = newWarning(count, reason)
		w := *s.warning
		warned = &w
	case VerdictSubmit:
		submit = s.beginSubmitLocked(model.SubmitReasonViolations)
		if submit {
			s.bg.Add(1)
		}
	}
	snap := s.snapshotLocked()
	studentTestID := s.studentTestID
	s.mu.Unlock()

	s.log.Warn().Str("reason", reason).Int("count", count).Msg("Security violation")
	s.obs.Violated(ev)
	if warned != nil {
		s.obs.Warned(*warned)
	}
	s.obs.StateChanged(snap)

	if submit {
		go func() {
			defer s.bg.Done()
			_, _ = s.finishSubmit(context.Background(), studentTestID)
		}()
	}
	return count, true
}

func (s *Session) onExpire() {
	s.mu.Lock()
	ok := s.beginSubmitLocked(model.SubmitReasonTimeExpiry)
	if ok {
		s.bg.Add(1)
	}
	snap := s.snapshotLocked()
	studentTestID := s.studentTestID
	s.mu.Unlock()

	if !ok {
		return
	}
	s.log.Info().Msg("Time expired, submitting")
	s.obs.StateChanged(snap)

	go func() {
		defer s.bg.Done()
		_, _ = s.finishSubmit(context.Background(), studentTestID)
	}()
}

// Submit ends the attempt at the student's request. A trigger racing with an
// automatic submission gets ErrSubmitInFlight and makes no network call.
func (s *Session) Submit(ctx context.Context) (*model.Results, error) {
	s.mu.Lock()
	if s.state == model.SessionStateSubmitting {
		s.mu.Unlock()
		return nil, ErrSubmitInFlight
	}
	if !s.beginSubmitLocked(model.SubmitReasonManual) {
		s.mu.Unlock()
		return nil, ErrNotInProgress
	}
	s.bg.Add(1)
	snap := s.snapshotLocked()
	studentTestID := s.studentTestID
	s.mu.Unlock()

	defer s.bg.Done()
	s.obs.StateChanged(snap)
	return s.finishSubmit(ctx, studentTestID)
}

// beginSubmitLocked is the single entry of every submit trigger. The guard
// is set before any network call and is never cleared.
func (s *Session) beginSubmitLocked(reason model.SubmitReason) bool {
	if s.submitting || s.state != model.SessionStateInProgress {
		return false
	}
	s.submitting = true
	s.submitReason = reason
	s.state = model.SessionStateSubmitting
	s.warning = nil
	s.stopWatchersLocked()
	return true
}

// stopWatchersLocked stops the clock and the monitor together.
func (s *Session) stopWatchersLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.monitor != nil {
		s.monitor.Stop()
	}
}

// finishSubmit calls the quiz service, retrying once, and settles the
// terminal state.
func (s *Session) finishSubmit(ctx context.Context, studentTestID int64) (*model.Results, error) {
	results, err := s.remote.SubmitSession(ctx, studentTestID)
	if err != nil {
		s.log.Warn().Err(err).Int64("student_test_id", studentTestID).Msg("Submit failed, retrying once")
		if werr := sleepContext(ctx, s.cfg.SubmitRetryDelay); werr != nil {
			err = werr
		} else {
			results, err = s.remote.SubmitSession(ctx, studentTestID)
		}
	}

	s.mu.Lock()
	if err != nil {
		s.state = model.SessionStateError
		s.notice = &Notice{Title: submitFailureTitle, Message: submitFailureMessage}
	} else {
		s.state = model.SessionStateSubmitted
		s.results = results
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if err != nil {
		s.log.Error().Err(err).Int64("student_test_id", studentTestID).Msg("Submit failed after retry")
	} else {
		s.log.Info().
			Int64("student_test_id", studentTestID).
			Str("reason", string(snap.SubmitReason)).
			Float64("score", results.Score).
			Msg("Attempt submitted")
	}
	s.obs.StateChanged(snap)

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSubmitFailed, err)
	}
	return results, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Close tears the session down: watchers stop, an unsubmitted attempt is
// abandoned locally, and in-flight submits and answer persists are awaited.
// The quiz service keeps whatever it already received.
func (s *Session) Close() {
	s.mu.Lock()
	changed := false
	switch s.state {
	case model.SessionStateNotStarted, model.SessionStateStarting:
		s.state = model.SessionStateAbandoned
		s.notice = &Notice{Message: abandonedBeforeStart}
		changed = true
	case model.SessionStateInProgress:
		s.stopWatchersLocked()
		s.state = model.SessionStateAbandoned
		s.warning = nil
		s.notice = &Notice{Message: abandonedMessage}
		changed = true
	}
	snap := s.snapshotLocked()
	answers := s.answers
	s.mu.Unlock()

	if changed {
		s.obs.StateChanged(snap)
	}
	s.bg.Wait()
	if answers != nil {
		answers.Wait()
	}
}

// Wait blocks until background submits and answer persists have finished.
func (s *Session) Wait() {
	s.bg.Wait()
	s.mu.Lock()
	answers := s.answers
	s.mu.Unlock()
	if answers != nil {
		answers.Wait()
	}
}

// Snapshot returns a consistent copy of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// State returns the current state.
func (s *Session) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Questions returns the question set of the attempt.
func (s *Session) Questions() []model.Question {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Question(nil), s.questions...)
}

// WatchersActive reports whether the clock or the monitor is still running.
func (s *Session) WatchersActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (s.timer != nil && s.timer.Running()) || (s.monitor != nil && s.monitor.Armed())
}

func (s *Session) checkInteractiveLocked() error {
	if s.state != model.SessionStateInProgress {
		return ErrNotInProgress
	}
	if s.warning != nil {
		return ErrWarningPending
	}
	return nil
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:           s.state,
		TestID:          s.cfg.TestID,
		StudentTestID:   s.studentTestID,
		DurationSeconds: s.duration,
		CurrentIndex:    s.current,
		ViolationCount:  s.violations,
		SubmitReason:    s.submitReason,
	}
	if s.test.ID != 0 {
		t := s.test
		snap.Test = &t
	}
	if !s.startedAt.IsZero() {
		at := s.startedAt
		snap.StartedAt = &at
	}
	if s.timer != nil {
		snap.RemainingSeconds = s.timer.Remaining()
	}
	if s.current < len(s.questions) {
		q := s.questions[s.current]
		snap.Current = &q
	}
	if s.answers != nil {
		snap.Answers = s.answers.Answers()
		snap.Counts = s.answers.Counts()
	}
	if s.warning != nil {
		w := *s.warning
		snap.Warning = &w
	}
	if s.results != nil {
		r := *s.results
		snap.Results = &r
	}
	if s.notice != nil {
		n := *s.notice
		snap.Notice = &n
	}
	return snap
}
