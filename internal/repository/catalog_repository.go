package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-live/internal/model"
)

// CatalogRepository reads tests and questions maintained by the authoring tools.
type CatalogRepository struct {
	pool *pgxpool.Pool
}

// NewCatalogRepository creates a new CatalogRepository.
func NewCatalogRepository(pool *pgxpool.Pool) *CatalogRepository {
	return &CatalogRepository{pool: pool}
}

// ListTests returns every test ordered by title.
func (r *CatalogRepository) ListTests(ctx context.Context) ([]model.Test, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, title, duration_seconds FROM tests ORDER BY title ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tests := []model.Test{}
	for rows.Next() {
		var t model.Test
		if err := rows.Scan(&t.ID, &t.Title, &t.DurationSeconds); err != nil {
			return nil, err
		}
		tests = append(tests, t)
	}
	return tests, rows.Err()
}

// GetTest returns one test.
func (r *CatalogRepository) GetTest(ctx context.Context, id uuid.UUID) (model.Test, error) {
	var t model.Test
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, duration_seconds FROM tests WHERE id = $1`, id,
	).Scan(&t.ID, &t.Title, &t.DurationSeconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Test{}, ErrNotFound
	}
	if err != nil {
		return model.Test{}, fmt.Errorf("get test: %w", err)
	}
	return t, nil
}

// ListQuestions returns a test's questions in order, options included.
func (r *CatalogRepository) ListQuestions(ctx context.Context, testID uuid.UUID) ([]model.Question, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, test_id, order_num, question_text, options
		 FROM questions
		 WHERE test_id = $1
		 ORDER BY order_num ASC`, testID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	questions := []model.Question{}
	for rows.Next() {
		var q model.Question
		var rawOptions []byte
		if err := rows.Scan(&q.ID, &q.TestID, &q.OrderNum, &q.Text, &rawOptions); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(rawOptions, &q.Options); err != nil {
			return nil, fmt.Errorf("decode options of question %s: %w", q.ID, err)
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// SaveTest replaces a test and its questions in one transaction.
func (r *CatalogRepository) SaveTest(ctx context.Context, test model.Test, questions []model.Question) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save test: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO tests (id, title, duration_seconds) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, duration_seconds = EXCLUDED.duration_seconds`,
		test.ID, test.Title, test.DurationSeconds,
	); err != nil {
		return fmt.Errorf("upsert test: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM questions WHERE test_id = $1`, test.ID); err != nil {
		return fmt.Errorf("clear questions: %w", err)
	}

	batch := &pgx.Batch{}
	for _, q := range questions {
		options, err := json.Marshal(q.Options)
		if err != nil {
			return fmt.Errorf("encode options of question %s: %w", q.ID, err)
		}
		batch.Queue(
			`INSERT INTO questions (id, test_id, order_num, question_text, options)
			 VALUES ($1, $2, $3, $4, $5)`,
			q.ID, test.ID, q.OrderNum, q.Text, options,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert questions: %w", err)
	}
	return tx.Commit(ctx)
}
