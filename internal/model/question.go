package model

// Question is one question of a test as served to a student. It carries no
// correct answer and never changes for the lifetime of an attempt.
type Question struct {
	ID            int64    `json:"question_id" validate:"required,gt=0"`
	Text          string   `json:"text" validate:"required"`
	Options       []string `json:"options" validate:"min=2,dive,required"`
	Marks         int      `json:"marks" validate:"gte=0"`
	TopicTitle    string   `json:"topic_title"`
	SubTopicTitle string   `json:"sub_topic_title"`
}

// Test is the header of a test paper.
type Test struct {
	ID              int64  `json:"test_id" validate:"required,gt=0"`
	Title           string `json:"title" validate:"required"`
	Description     string `json:"description"`
	Subject         string `json:"subject"`
	DurationMinutes int    `json:"duration_minutes" validate:"gt=0,lte=1440"`
	TotalQuestions  int    `json:"total_questions" validate:"gte=0"`
}

// Paper is the question set snapshotted when an attempt starts.
type Paper struct {
	Test      Test       `json:"test"`
	Questions []Question `json:"questions" validate:"min=1,dive"`
}

// DurationSeconds converts the server-authoritative duration to seconds.
func (p *Paper) DurationSeconds() int {
	return p.Test.DurationMinutes * 60
}
