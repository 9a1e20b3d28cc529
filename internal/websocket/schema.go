package websocket

import (
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-live/internal/model"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer Action = "answer"
	ActionSubmit Action = "submit"
	ActionPing   Action = "ping"
	ActionResync Action = "resync"
)

// RequestEnvelope is used to peek at the action before full parsing.
// Ref is an opaque client token echoed on the reply.
type RequestEnvelope struct {
	Action Action `json:"action"`
	Ref    string `json:"ref,omitempty"`
}

// AnswerRequest autosaves one answer. Generation is the generation the
// client last observed; zero means "current".
type AnswerRequest struct {
	Action      Action    `json:"action"`
	Ref         string    `json:"ref,omitempty"`
	QuestionID  uuid.UUID `json:"question_id" binding:"required"`
	OptionIndex *int      `json:"option_index" binding:"required,min=0"`
	Generation  int64     `json:"generation" binding:"omitempty,min=1"`
}

// SubmitRequest finalizes the student's run.
type SubmitRequest struct {
	Action  Action              `json:"action"`
	Ref     string              `json:"ref,omitempty"`
	Trigger model.SubmitTrigger `json:"trigger" binding:"required,submit_trigger"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventSnapshot    Event = "snapshot"
	EventAnswerSaved Event = "answer_saved"
	EventSubmitted   Event = "submitted"
	EventError       Event = "error"
	EventPong        Event = "pong"
)

// ResponseEnvelope is used by clients to peek at the event type.
type ResponseEnvelope struct {
	Event Event  `json:"event"`
	Ref   string `json:"ref,omitempty"`
}

// SnapshotEvent carries the full session state. Sent on connect, on every
// change and on resync.
type SnapshotEvent struct {
	Event      Event             `json:"event"`
	Ref        string            `json:"ref,omitempty"`
	Session    model.TestSession `json:"session"`
	ServerTime time.Time         `json:"server_time"`
}

// NewSnapshotEvent wraps a session event for the wire.
func NewSnapshotEvent(ev model.SessionEvent, ref string) SnapshotEvent {
	return SnapshotEvent{Event: EventSnapshot, Ref: ref, Session: ev.Session, ServerTime: ev.ServerTime}
}

// SessionEvent converts the wire form back.
func (e SnapshotEvent) SessionEvent() model.SessionEvent {
	return model.SessionEvent{Session: e.Session, ServerTime: e.ServerTime}
}

type AnswerSavedResponse struct {
	Event  Event        `json:"event"`
	Ref    string       `json:"ref,omitempty"`
	Answer model.Answer `json:"answer"`
}

type SubmittedResponse struct {
	Event  Event                `json:"event"`
	Ref    string               `json:"ref,omitempty"`
	Result model.FinalizeResult `json:"result"`
}

type ErrorResponse struct {
	Event  Event             `json:"event"`
	Ref    string            `json:"ref,omitempty"`
	Code   string            `json:"code"`
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

type PongResponse struct {
	Event Event  `json:"event"`
	Ref   string `json:"ref,omitempty"`
}
