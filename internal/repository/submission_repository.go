package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-live/internal/model"
)

// SubmissionRepository handles finalization markers in PostgreSQL.
type SubmissionRepository struct {
	pool *pgxpool.Pool
}

// NewSubmissionRepository creates a new SubmissionRepository.
func NewSubmissionRepository(pool *pgxpool.Pool) *SubmissionRepository {
	return &SubmissionRepository{pool: pool}
}

// Insert is insert-only: a second call for the same key never overwrites.
func (r *SubmissionRepository) Insert(ctx context.Context, studentID int, trigger model.SubmitTrigger, eligible []model.SessionStatus) (model.Submission, bool, error) {
	var sub model.Submission
	err := r.pool.QueryRow(ctx,
		`WITH s AS (
		     SELECT generation FROM test_sessions
		     WHERE id = $1 AND status = ANY($4::text[])
		     FOR SHARE
		 )
		 INSERT INTO submissions (generation, student_id, submit_trigger, submitted_at)
		 SELECT s.generation, $2, $3, NOW() FROM s
		 ON CONFLICT (generation, student_id) DO NOTHING
		 RETURNING generation, student_id, submit_trigger, submitted_at`,
		model.SessionID, studentID, string(trigger), statusStrings(eligible),
	).Scan(&sub.Generation, &sub.StudentID, &sub.Trigger, &sub.SubmittedAt)
	if err == nil {
		return sub, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Submission{}, false, fmt.Errorf("insert submission: %w", err)
	}

	// Nothing inserted: either the key exists or the session is not eligible.
	err = r.pool.QueryRow(ctx,
		`SELECT sub.generation, sub.student_id, sub.submit_trigger, sub.submitted_at
		 FROM submissions sub
		 JOIN test_sessions s ON s.generation = sub.generation
		 WHERE s.id = $1 AND sub.student_id = $2`,
		model.SessionID, studentID,
	).Scan(&sub.Generation, &sub.StudentID, &sub.Trigger, &sub.SubmittedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Submission{}, false, ErrRejected
	}
	if err != nil {
		return model.Submission{}, false, fmt.Errorf("get existing submission: %w", err)
	}
	return sub, false, nil
}

// GetSubmission returns the submission for (generation, student).
func (r *SubmissionRepository) GetSubmission(ctx context.Context, generation int64, studentID int) (model.Submission, error) {
	var sub model.Submission
	err := r.pool.QueryRow(ctx,
		`SELECT generation, student_id, submit_trigger, submitted_at
		 FROM submissions
		 WHERE generation = $1 AND student_id = $2`, generation, studentID,
	).Scan(&sub.Generation, &sub.StudentID, &sub.Trigger, &sub.SubmittedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Submission{}, ErrNotFound
	}
	if err != nil {
		return model.Submission{}, fmt.Errorf("get submission: %w", err)
	}
	return sub, nil
}
