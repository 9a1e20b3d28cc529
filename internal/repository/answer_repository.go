package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-live/internal/model"
)

// AnswerRepository handles autosaved answers in PostgreSQL.
type AnswerRepository struct {
	pool *pgxpool.Pool
}

// NewAnswerRepository creates a new AnswerRepository.
func NewAnswerRepository(pool *pgxpool.Pool) *AnswerRepository {
	return &AnswerRepository{pool: pool}
}

// Upsert writes the answer in a single statement guarded by the session row.
// FOR SHARE orders the write strictly before or after a concurrent Reset,
// which holds FOR UPDATE on the same row.
func (r *AnswerRepository) Upsert(ctx context.Context, studentID int, questionID uuid.UUID, optionIndex int, expectedGeneration int64) (model.Answer, error) {
	var a model.Answer
	err := r.pool.QueryRow(ctx,
		`INSERT INTO answers (generation, student_id, question_id, option_index, updated_at)
		 SELECT s.generation, $2, $3, $4, NOW()
		 FROM test_sessions s
		 WHERE s.id = $1
		   AND s.status = 'started'
		   AND ($5::bigint = 0 OR s.generation = $5::bigint)
		   AND NOT EXISTS (
		       SELECT 1 FROM submissions sub
		       WHERE sub.generation = s.generation AND sub.student_id = $2
		   )
		 FOR SHARE OF s
		 ON CONFLICT (generation, student_id, question_id) DO UPDATE
		 SET option_index = EXCLUDED.option_index, updated_at = EXCLUDED.updated_at
		 RETURNING generation, student_id, question_id, option_index, updated_at`,
		model.SessionID, studentID, questionID, optionIndex, expectedGeneration,
	).Scan(&a.Generation, &a.StudentID, &a.QuestionID, &a.OptionIndex, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Answer{}, ErrRejected
	}
	if err != nil {
		return model.Answer{}, fmt.Errorf("upsert answer: %w", err)
	}
	return a, nil
}

// ListByStudent returns a student's answers for one generation.
func (r *AnswerRepository) ListByStudent(ctx context.Context, generation int64, studentID int) ([]model.Answer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT generation, student_id, question_id, option_index, updated_at
		 FROM answers
		 WHERE generation = $1 AND student_id = $2
		 ORDER BY updated_at ASC`, generation, studentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	answers := []model.Answer{}
	for rows.Next() {
		var a model.Answer
		if err := rows.Scan(&a.Generation, &a.StudentID, &a.QuestionID, &a.OptionIndex, &a.UpdatedAt); err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}
