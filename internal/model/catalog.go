package model

import "github.com/google/uuid"

// Test is a catalog entry the administrator can run.
type Test struct {
	ID              uuid.UUID `json:"id"`
	Title           string    `json:"title"`
	DurationSeconds int       `json:"duration_seconds"`
}

// Option is one choice of a question; IsCorrect never leaves the server.
type Option struct {
	Text      string `json:"text"`
	IsCorrect bool   `json:"is_correct"`
}

// Question belongs to a test, ordered by OrderNum.
type Question struct {
	ID       uuid.UUID `json:"id"`
	TestID   uuid.UUID `json:"test_id"`
	OrderNum int       `json:"order_num"`
	Text     string    `json:"question_text"`
	Options  []Option  `json:"options"`
}

// CorrectIndex returns the index of the first correct option, or -1.
func (q Question) CorrectIndex() int {
	for i, o := range q.Options {
		if o.IsCorrect {
			return i
		}
	}
	return -1
}

// QuestionForStudent is a question without correctness flags.
type QuestionForStudent struct {
	ID       uuid.UUID `json:"id"`
	Text     string    `json:"question_text"`
	Options  []string  `json:"options"`
	OrderNum int       `json:"order_num"`
}

// TestPaper is what students render during a run.
type TestPaper struct {
	TestID          uuid.UUID            `json:"test_id"`
	Title           string               `json:"title"`
	DurationSeconds int                  `json:"duration_seconds"`
	Questions       []QuestionForStudent `json:"questions"`
}

// ForStudent strips correctness flags.
func (q Question) ForStudent() QuestionForStudent {
	opts := make([]string, len(q.Options))
	for i, o := range q.Options {
		opts[i] = o.Text
	}
	return QuestionForStudent{ID: q.ID, Text: q.Text, Options: opts, OrderNum: q.OrderNum}
}
