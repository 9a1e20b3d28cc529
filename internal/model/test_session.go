package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionID is the fixed key of the singleton session row.
const SessionID = 1

// SessionStatus enumerates test session states.
type SessionStatus string

const (
	SessionStatusWaiting  SessionStatus = "waiting"
	SessionStatusStarted  SessionStatus = "started"
	SessionStatusPaused   SessionStatus = "paused"
	SessionStatusFinished SessionStatus = "finished"
)

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusWaiting, SessionStatusStarted, SessionStatusPaused, SessionStatusFinished:
		return true
	}
	return false
}

// TestSession is the single shared session all clients observe.
//
// Generation scopes answers and submissions to one run and only changes on
// reset. Version increases on every mutation and orders snapshots.
type TestSession struct {
	ID                       int           `json:"id"`
	Status                   SessionStatus `json:"status"`
	ActiveTestID             *uuid.UUID    `json:"active_test_id"`
	Title                    string        `json:"title"`
	DurationSeconds          int           `json:"duration_seconds"`
	StartTime                *time.Time    `json:"start_time"`
	LastPausedAt             *time.Time    `json:"last_paused_at"`
	FinishedAt               *time.Time    `json:"finished_at"`
	PausedAccumulatedSeconds float64       `json:"paused_accumulated_seconds"`
	Generation               int64         `json:"generation"`
	Version                  int64         `json:"version"`
	UpdatedAt                time.Time     `json:"updated_at"`
}

// Clone returns a deep copy so callers never share pointer fields.
func (s TestSession) Clone() TestSession {
	out := s
	if s.ActiveTestID != nil {
		id := *s.ActiveTestID
		out.ActiveTestID = &id
	}
	out.StartTime = cloneTime(s.StartTime)
	out.LastPausedAt = cloneTime(s.LastPausedAt)
	out.FinishedAt = cloneTime(s.FinishedAt)
	return out
}

// NewerThan reports whether s supersedes other.
func (s TestSession) NewerThan(other TestSession) bool {
	return s.Version > other.Version
}

// WaitingSession returns the reset state of the row for the given generation.
func WaitingSession(generation int64) TestSession {
	return TestSession{
		ID:         SessionID,
		Status:     SessionStatusWaiting,
		Generation: generation,
	}
}

// SessionEvent is the unit of change propagation: a full snapshot plus the
// server clock at publish time, which observers use to correct clock skew.
type SessionEvent struct {
	Session    TestSession `json:"session"`
	ServerTime time.Time   `json:"server_time"`
}

// NewSessionEvent wraps a snapshot for publishing.
func NewSessionEvent(s TestSession, serverTime time.Time) SessionEvent {
	return SessionEvent{Session: s.Clone(), ServerTime: serverTime.UTC()}
}

// SessionAction enumerates admin transitions.
type SessionAction string

const (
	ActionStart  SessionAction = "start"
	ActionPause  SessionAction = "pause"
	ActionResume SessionAction = "resume"
	ActionFinish SessionAction = "finish"
	ActionReset  SessionAction = "reset"
)

// StartSessionRequest is the payload for starting a run.
// Both fields are optional: the previously active test and the catalog
// duration are used as fallbacks.
type StartSessionRequest struct {
	TestID          *uuid.UUID `json:"test_id" binding:"omitempty"`
	DurationSeconds int        `json:"duration_seconds" binding:"omitempty,min=1,max=86400"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
