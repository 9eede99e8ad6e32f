package proctor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

var (
	// ErrQuestionOutOfRange is returned for a question index outside the paper.
	ErrQuestionOutOfRange = errors.New("question index out of range")
	// ErrOptionOutOfRange is returned for an option index the question does not have.
	ErrOptionOutOfRange = errors.New("option index out of range")
)

// AnswerPersister mirrors a selection to durable storage.
type AnswerPersister interface {
	SaveAnswer(ctx context.Context, studentTestID, questionID int64, option int) error
}

// AnswerStore holds the local answer sheet of one attempt. Local state is the
// source of truth for navigation; every selection is mirrored to the quiz
// service on a best-effort basis.
type AnswerStore struct {
	mu            sync.Mutex
	studentTestID int64
	questions     []model.Question
	answers       []model.Answer
	generation    []uint64

	persister AnswerPersister
	timeout   time.Duration
	log       zerolog.Logger
	inflight  sync.WaitGroup
}

// NewAnswerStore initializes every answer as unanswered.
func NewAnswerStore(studentTestID int64, questions []model.Question, persister AnswerPersister, timeout time.Duration, log zerolog.Logger) *AnswerStore {
	answers := make([]model.Answer, len(questions))
	for i, q := range questions {
		answers[i] = model.Answer{QuestionID: q.ID, Status: model.AnswerStatusUnanswered}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AnswerStore{
		studentTestID: studentTestID,
		questions:     questions,
		answers:       answers,
		generation:    make([]uint64, len(questions)),
		persister:     persister,
		timeout:       timeout,
		log:           log.With().Str("component", "answer_store").Logger(),
	}
}

// RecordSelection marks the question answered with optionIndex and fires a
// persist call without waiting for it.
func (s *AnswerStore) RecordSelection(questionIndex, optionIndex int) error {
	s.mu.Lock()
	if questionIndex < 0 || questionIndex >= len(s.answers) {
		s.mu.Unlock()
		return ErrQuestionOutOfRange
	}
	if optionIndex < 0 || optionIndex >= len(s.questions[questionIndex].Options) {
		s.mu.Unlock()
		return ErrOptionOutOfRange
	}

	opt := optionIndex
	s.answers[questionIndex].SelectedOption = &opt
	s.answers[questionIndex].Status = model.AnswerStatusAnswered
	s.generation[questionIndex]++
	gen := s.generation[questionIndex]
	questionID := s.questions[questionIndex].ID
	s.mu.Unlock()

	if s.persister == nil {
		return nil
	}

	s.inflight.Add(1)
	go s.persist(questionID, optionIndex, gen)
	return nil
}

func (s *AnswerStore) persist(questionID int64, option int, gen uint64) {
	defer s.inflight.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.persister.SaveAnswer(ctx, s.studentTestID, questionID, option); err != nil {
		s.log.Warn().Err(err).
			Int64("student_test_id", s.studentTestID).
			Int64("question_id", questionID).
			Int("option", option).
			Uint64("generation", gen).
			Msg("Answer persist failed")
		return
	}

	s.log.Debug().
		Int64("question_id", questionID).
		Uint64("generation", gen).
		Msg("Answer persisted")
}

// MarkSkippedIfUnanswered flags the question skipped unless it has a selection.
func (s *AnswerStore) MarkSkippedIfUnanswered(questionIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if questionIndex < 0 || questionIndex >= len(s.answers) {
		return ErrQuestionOutOfRange
	}
	if s.answers[questionIndex].SelectedOption == nil {
		s.answers[questionIndex].Status = model.AnswerStatusSkipped
	}
	return nil
}

// Counts tallies answers by status.
func (s *AnswerStore) Counts() model.AnswerCounts {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c model.AnswerCounts
	for _, a := range s.answers {
		switch a.Status {
		case model.AnswerStatusAnswered:
			c.Answered++
		case model.AnswerStatusSkipped:
			c.Skipped++
		default:
			c.Unanswered++
		}
	}
	return c
}

// Answer returns a copy of one answer.
func (s *AnswerStore) Answer(questionIndex int) (model.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if questionIndex < 0 || questionIndex >= len(s.answers) {
		return model.Answer{}, ErrQuestionOutOfRange
	}
	return copyAnswer(s.answers[questionIndex]), nil
}

// Answers returns a copy of the whole sheet.
func (s *AnswerStore) Answers() []model.Answer {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Answer, len(s.answers))
	for i, a := range s.answers {
		out[i] = copyAnswer(a)
	}
	return out
}

// Len returns the number of questions.
func (s *AnswerStore) Len() int {
	return len(s.answers)
}

// Wait blocks until every fired persist call has returned.
func (s *AnswerStore) Wait() {
	s.inflight.Wait()
}

func copyAnswer(a model.Answer) model.Answer {
	if a.SelectedOption != nil {
		opt := *a.SelectedOption
		a.SelectedOption = &opt
	}
	return a
}
