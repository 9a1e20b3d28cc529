package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-live/internal/model"
)

// Storage errors shared by every backend.
var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict means a compare-and-swap found the row changed.
	ErrVersionConflict = errors.New("session row changed concurrently")
	// ErrRejected means a guarded write did not match the session state.
	ErrRejected = errors.New("write rejected by session state")
)

// SessionStore owns the singleton session row.
type SessionStore interface {
	// Bootstrap creates the row if it does not exist.
	Bootstrap(ctx context.Context) error
	Get(ctx context.Context) (model.TestSession, error)
	// Swap writes next only if the row still has prev's version and status.
	// The stored version is incremented; the written row is returned.
	Swap(ctx context.Context, prev, next model.TestSession) (model.TestSession, error)
	// Reset returns the row to waiting, bumps the generation and purges all
	// answers and submissions in one transaction.
	Reset(ctx context.Context) (model.TestSession, error)
}

// AnswerStore holds autosaved answers.
type AnswerStore interface {
	// Upsert writes the answer under the current generation, only while the
	// session is started, the student has not submitted and (when non-zero)
	// expectedGeneration is current. Otherwise ErrRejected.
	Upsert(ctx context.Context, studentID int, questionID uuid.UUID, optionIndex int, expectedGeneration int64) (model.Answer, error)
	ListByStudent(ctx context.Context, generation int64, studentID int) ([]model.Answer, error)
}

// SubmissionStore holds finalization markers.
type SubmissionStore interface {
	// Insert writes a submission for the current generation if the session
	// status is one of eligible. inserted is false when one already existed;
	// ErrRejected when the status is not eligible.
	Insert(ctx context.Context, studentID int, trigger model.SubmitTrigger, eligible []model.SessionStatus) (sub model.Submission, inserted bool, err error)
	GetSubmission(ctx context.Context, generation int64, studentID int) (model.Submission, error)
}

// CatalogStore is the read-only view of the external question catalog.
type CatalogStore interface {
	ListTests(ctx context.Context) ([]model.Test, error)
	GetTest(ctx context.Context, id uuid.UUID) (model.Test, error)
	ListQuestions(ctx context.Context, testID uuid.UUID) ([]model.Question, error)
}

// CatalogWriter loads tests into the catalog. Used by the import tool only.
type CatalogWriter interface {
	// SaveTest inserts or replaces a test together with all its questions.
	SaveTest(ctx context.Context, test model.Test, questions []model.Question) error
}

// AuditStore persists audit events.
type AuditStore interface {
	InsertBatch(ctx context.Context, events []model.AuditEvent) error
}

func statusStrings(in []model.SessionStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
