package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-live/internal/model"
)

const sessionColumns = `id, status, active_test_id, title, duration_seconds, start_time,
	last_paused_at, finished_at, paused_accumulated_seconds, generation, version, updated_at`

// TestSessionRepository handles the singleton session row in PostgreSQL.
type TestSessionRepository struct {
	pool *pgxpool.Pool
}

// NewTestSessionRepository creates a new TestSessionRepository.
func NewTestSessionRepository(pool *pgxpool.Pool) *TestSessionRepository {
	return &TestSessionRepository{pool: pool}
}

func scanSession(row pgx.Row) (model.TestSession, error) {
	var s model.TestSession
	err := row.Scan(
		&s.ID, &s.Status, &s.ActiveTestID, &s.Title, &s.DurationSeconds, &s.StartTime,
		&s.LastPausedAt, &s.FinishedAt, &s.PausedAccumulatedSeconds, &s.Generation, &s.Version, &s.UpdatedAt,
	)
	return s, err
}

// Bootstrap inserts the session row if the migration did not.
func (r *TestSessionRepository) Bootstrap(ctx context.Context) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO test_sessions (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, model.SessionID)
	if err != nil {
		return fmt.Errorf("bootstrap session: %w", err)
	}
	return nil
}

// Get reads the current row.
func (r *TestSessionRepository) Get(ctx context.Context) (model.TestSession, error) {
	s, err := scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM test_sessions WHERE id = $1`, model.SessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TestSession{}, ErrNotFound
	}
	if err != nil {
		return model.TestSession{}, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// Swap is a compare-and-swap on (version, status). A concurrent writer that
// got there first makes the WHERE clause miss and yields ErrVersionConflict.
func (r *TestSessionRepository) Swap(ctx context.Context, prev, next model.TestSession) (model.TestSession, error) {
	s, err := scanSession(r.pool.QueryRow(ctx,
		`UPDATE test_sessions
		 SET status = $1, active_test_id = $2, title = $3, duration_seconds = $4,
		     start_time = $5, last_paused_at = $6, finished_at = $7,
		     paused_accumulated_seconds = $8,
		     version = version + 1, updated_at = NOW()
		 WHERE id = $9 AND version = $10 AND status = $11
		 RETURNING `+sessionColumns,
		string(next.Status), next.ActiveTestID, next.Title, next.DurationSeconds,
		next.StartTime, next.LastPausedAt, next.FinishedAt,
		next.PausedAccumulatedSeconds,
		model.SessionID, prev.Version, string(prev.Status),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TestSession{}, ErrVersionConflict
	}
	if err != nil {
		return model.TestSession{}, fmt.Errorf("swap session: %w", err)
	}
	return s, nil
}

// Reset locks the row, purges every answer and submission, and returns the
// row to waiting under a new generation, all in one transaction. Answer and
// submission writes take FOR SHARE on the same row, so none can straddle it.
func (r *TestSessionRepository) Reset(ctx context.Context) (model.TestSession, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.TestSession{}, fmt.Errorf("begin reset: %w", err)
	}
	defer tx.Rollback(ctx)

	var generation int64
	err = tx.QueryRow(ctx,
		`SELECT generation FROM test_sessions WHERE id = $1 FOR UPDATE`, model.SessionID,
	).Scan(&generation)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TestSession{}, ErrNotFound
	}
	if err != nil {
		return model.TestSession{}, fmt.Errorf("lock session: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM answers WHERE generation <= $1`, generation); err != nil {
		return model.TestSession{}, fmt.Errorf("purge answers: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM submissions WHERE generation <= $1`, generation); err != nil {
		return model.TestSession{}, fmt.Errorf("purge submissions: %w", err)
	}

	s, err := scanSession(tx.QueryRow(ctx,
		`UPDATE test_sessions
		 SET status = 'waiting', active_test_id = NULL, title = '', duration_seconds = 0,
		     start_time = NULL, last_paused_at = NULL, finished_at = NULL,
		     paused_accumulated_seconds = 0,
		     generation = generation + 1, version = version + 1, updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+sessionColumns, model.SessionID))
	if err != nil {
		return model.TestSession{}, fmt.Errorf("reset session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.TestSession{}, fmt.Errorf("commit reset: %w", err)
	}
	return s, nil
}
