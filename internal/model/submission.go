package model

import "time"

// SubmitTrigger identifies what caused a finalize call.
type SubmitTrigger string

const (
	SubmitTriggerManual      SubmitTrigger = "manual"
	SubmitTriggerAutoTimeout SubmitTrigger = "auto_timeout"
)

// Valid reports whether t is a known trigger.
func (t SubmitTrigger) Valid() bool {
	return t == SubmitTriggerManual || t == SubmitTriggerAutoTimeout
}

// FinalizeOutcome tells the caller whether its call wrote the submission.
// Both outcomes are success.
type FinalizeOutcome string

const (
	FinalizeAccepted         FinalizeOutcome = "accepted"
	FinalizeAlreadySubmitted FinalizeOutcome = "already_submitted"
)

// Submission marks a student's run as final.
type Submission struct {
	Generation  int64         `json:"generation"`
	StudentID   int           `json:"student_id"`
	Trigger     SubmitTrigger `json:"trigger"`
	SubmittedAt time.Time     `json:"submitted_at"`
}

// SubmissionSummary is the frozen view shown after finalizing.
type SubmissionSummary struct {
	TotalQuestions int     `json:"total_questions"`
	Answered       int     `json:"answered"`
	Correct        int     `json:"correct"`
	Score          float64 `json:"score"`
}

// FinalizeResult is returned by every finalize call.
type FinalizeResult struct {
	Outcome    FinalizeOutcome   `json:"outcome"`
	Submission Submission        `json:"submission"`
	Summary    SubmissionSummary `json:"summary"`
}

// SubmitRequest is the payload for finalizing a run.
type SubmitRequest struct {
	Trigger SubmitTrigger `json:"trigger" binding:"required,submit_trigger"`
}

// StudentState lets a reloaded client recover everything it needs.
type StudentState struct {
	Session          TestSession `json:"session"`
	ServerTime       time.Time   `json:"server_time"`
	RemainingSeconds int64       `json:"remaining_seconds"`
	Answers          []Answer    `json:"answers"`
	Submission       *Submission `json:"submission,omitempty"`
}
