package model

// AnswerStatus enumerates the navigation status of a question's answer.
type AnswerStatus string

const (
	AnswerStatusUnanswered AnswerStatus = "unanswered"
	AnswerStatusAnswered   AnswerStatus = "answered"
	AnswerStatusSkipped    AnswerStatus = "skipped"
)

// Answer is the local record of a student's choice for one question.
// Status is answered if and only if SelectedOption is non-nil.
type Answer struct {
	QuestionID     int64        `json:"question_id"`
	SelectedOption *int         `json:"selected_option"`
	Status         AnswerStatus `json:"status"`
}

// AnswerCounts feeds the navigation panel. The three fields always sum to
// the number of questions.
type AnswerCounts struct {
	Answered   int `json:"answered"`
	Skipped    int `json:"skipped"`
	Unanswered int `json:"unanswered"`
}

// Total returns the number of questions the counts cover.
func (c AnswerCounts) Total() int {
	return c.Answered + c.Skipped + c.Unanswered
}
