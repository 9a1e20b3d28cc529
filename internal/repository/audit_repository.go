package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-live/internal/model"
)

// AuditRepository persists audit events in PostgreSQL.
type AuditRepository struct {
	pool *pgxpool.Pool
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

// InsertBatch writes events in one round trip. An id that is already stored
// is skipped, so a requeued batch can be replayed.
func (r *AuditRepository) InsertBatch(ctx context.Context, events []model.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(
			`INSERT INTO audit_logs (id, action, actor_id, actor_role, test_id, title,
			     duration_seconds, student_id, submit_trigger, generation, occurred_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 ON CONFLICT (id) DO NOTHING`,
			e.ID, e.Action, e.ActorID, string(e.ActorRole), e.TestID, e.Title,
			e.DurationSeconds, e.StudentID, string(e.Trigger), e.Generation, e.OccurredAt,
		)
	}
	return r.pool.SendBatch(ctx, batch).Close()
}
