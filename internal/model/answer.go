package model

import (
	"time"

	"github.com/google/uuid"
)

// Answer is a student's current selection for one question in one generation.
type Answer struct {
	Generation  int64     `json:"generation"`
	StudentID   int       `json:"student_id"`
	QuestionID  uuid.UUID `json:"question_id"`
	OptionIndex int       `json:"option_index"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RecordAnswerRequest is the autosave payload. Generation is the generation
// the client last observed; zero means "current".
type RecordAnswerRequest struct {
	QuestionID  uuid.UUID `json:"question_id" binding:"required"`
	OptionIndex *int      `json:"option_index" binding:"required,min=0"`
	Generation  int64     `json:"generation" binding:"omitempty,min=1"`
}
