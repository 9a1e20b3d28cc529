package model

import (
	"time"

	"github.com/google/uuid"
)

// Role tags carried in tokens.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleStudent Role = "student"
)

// Actor is the authenticated caller of a core operation.
type Actor struct {
	ID   int  `json:"id"`
	Role Role `json:"role"`
}

// AuditEvent is emitted once per successful transition or finalize call.
type AuditEvent struct {
	ID              uuid.UUID     `json:"id"`
	Action          string        `json:"action"`
	ActorID         int           `json:"actor_id"`
	ActorRole       Role          `json:"actor_role"`
	TestID          *uuid.UUID    `json:"test_id,omitempty"`
	Title           string        `json:"title,omitempty"`
	DurationSeconds int           `json:"duration_seconds,omitempty"`
	StudentID       int           `json:"student_id,omitempty"`
	Trigger         SubmitTrigger `json:"trigger,omitempty"`
	Generation      int64         `json:"generation"`
	OccurredAt      time.Time     `json:"occurred_at"`
}
