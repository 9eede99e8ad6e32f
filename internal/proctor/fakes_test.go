package proctor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

var errNetwork = errors.New("network unreachable")

type savedAnswer struct {
	StudentTestID int64
	QuestionID    int64
	Option        int
}

// fakeRemote is an in-memory quiz service.
type fakeRemote struct {
	mu sync.Mutex

	start    *model.StartResult
	startErr error
	paper    *model.Paper
	paperErr error

	saveErr   error
	saveDelay func(option int) time.Duration
	saves     []savedAnswer

	// submitErrs is consumed one entry per submit call.
	submitErrs []error
	submitGate chan struct{}
	results    *model.Results

	startCalls  atomic.Int32
	paperCalls  atomic.Int32
	saveCalls   atomic.Int32
	submitCalls atomic.Int32
}

func newFakeRemote(questions int) *fakeRemote {
	return &fakeRemote{
		start:   &model.StartResult{StudentTestID: 900},
		paper:   newPaper(questions, 30),
		results: &model.Results{Score: 80, CorrectAnswers: 8, TotalQuestions: 10},
	}
}

func newPaper(questions, minutes int) *model.Paper {
	p := &model.Paper{
		Test: model.Test{ID: 42, Title: "Data Structures Midterm", DurationMinutes: minutes, TotalQuestions: questions},
	}
	for i := 0; i < questions; i++ {
		p.Questions = append(p.Questions, model.Question{
			ID:         int64(100 + i),
			Text:       fmt.Sprintf("Question %d", i+1),
			Options:    []string{"A", "B", "C", "D"},
			Marks:      1,
			TopicTitle: "Trees",
		})
	}
	return p
}

func (f *fakeRemote) StartSession(ctx context.Context, testID int64) (*model.StartResult, error) {
	f.startCalls.Add(1)
	if f.startErr != nil {
		return nil, f.startErr
	}
	r := *f.start
	return &r, nil
}

func (f *fakeRemote) FetchPaper(ctx context.Context, testID int64) (*model.Paper, error) {
	f.paperCalls.Add(1)
	if f.paperErr != nil {
		return nil, f.paperErr
	}
	return f.paper, nil
}

func (f *fakeRemote) SaveAnswer(ctx context.Context, studentTestID, questionID int64, option int) error {
	f.saveCalls.Add(1)
	if f.saveDelay != nil {
		time.Sleep(f.saveDelay(option))
	}
	if f.saveErr != nil {
		return f.saveErr
	}
	f.mu.Lock()
	f.saves = append(f.saves, savedAnswer{StudentTestID: studentTestID, QuestionID: questionID, Option: option})
	f.mu.Unlock()
	return nil
}

func (f *fakeRemote) SubmitSession(ctx context.Context, studentTestID int64) (*model.Results, error) {
	f.submitCalls.Add(1)
	if f.submitGate != nil {
		<-f.submitGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	r := *f.results
	return &r, nil
}

func (f *fakeRemote) savedAnswers() []savedAnswer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]savedAnswer(nil), f.saves...)
}

// recorder is an Observer that keeps everything it is told.
type recorder struct {
	mu         sync.Mutex
	states     []model.SessionState
	ticks      []int
	warnings   []Warning
	violations []model.ViolationEvent
}

func (r *recorder) StateChanged(snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, snap.State)
}

func (r *recorder) Tick(remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, remaining)
}

func (r *recorder) Warned(w Warning) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, w)
}

func (r *recorder) Violated(ev model.ViolationEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.violations = append(r.violations, ev)
}

func (r *recorder) seenStates() []model.SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.SessionState(nil), r.states...)
}

func (r *recorder) seenWarnings() []Warning {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Warning(nil), r.warnings...)
}
