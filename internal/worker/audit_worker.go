package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/repository"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
	// MaxRequeues bounds how often one event goes back to the queue.
	MaxRequeues = 5
)

// AuditWorker drains the audit queue into durable storage in batches.
type AuditWorker struct {
	store repository.AuditStore
	rdb   *redis.Client
	queue string
	log   zerolog.Logger

	// failures per event id; only touched by the Start goroutine.
	failures map[uuid.UUID]int
}

func NewAuditWorker(store repository.AuditStore, rdb *redis.Client, log zerolog.Logger) *AuditWorker {
	return &AuditWorker{
		store: store,
		rdb:   rdb,
		queue:    config.WorkerKey.PersistAuditQueue,
		log:      log.With().Str("component", "audit_worker").Logger(),
		failures: make(map[uuid.UUID]int),
	}
}

func (w *AuditWorker) Start(ctx context.Context) {
	w.log.Info().Str("queue", w.queue).Msg("AuditWorker started")

	buffer := make([]model.AuditEvent, 0, BatchSize)
	lastFlushTime := time.Now()

	for {
		// 1. Flush on size or age
		if len(buffer) > 0 {
			if len(buffer) >= BatchSize || time.Since(lastFlushTime) >= BatchTimeout {
				w.flushSafe(ctx, buffer)
				buffer = buffer[:0]
				lastFlushTime = time.Now()
			}
		}

		// 2. Graceful shutdown
		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// 3. Fetch from Redis, blocking at most PollTimeout
		result, err := w.rdb.BLPop(ctx, PollTimeout, w.queue).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				w.shutdown(buffer)
				return
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			sleepCtx(ctx, 3*time.Second)
			continue
		}

		if len(result) < 2 {
			continue
		}

		var ev model.AuditEvent
		if err := json.Unmarshal([]byte(result[1]), &ev); err != nil {
			// Malformed payloads can never succeed.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed audit event")
			continue
		}
		buffer = append(buffer, ev)
	}
}

// flushSafe attempts a bulk insert, then row-by-row, then requeue.
func (w *AuditWorker) flushSafe(ctx context.Context, batch []model.AuditEvent) {
	if err := w.store.InsertBatch(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
		w.fallbackInsert(ctx, batch)
		return
	}
	w.forget(batch)
}

func (w *AuditWorker) fallbackInsert(ctx context.Context, batch []model.AuditEvent) {
	failed := make([]model.AuditEvent, 0)

	for _, ev := range batch {
		if err := w.store.InsertBatch(ctx, []model.AuditEvent{ev}); err != nil {
			w.log.Error().Err(err).Str("event_id", ev.ID.String()).Str("action", ev.Action).Msg("Insert failed")
			failed = append(failed, ev)
			continue
		}
		w.forget([]model.AuditEvent{ev})
	}

	if requeueList := w.retryable(failed); len(requeueList) > 0 {
		w.requeue(ctx, requeueList)
	}
}

// retryable counts one more failure for each event and returns those still
// under MaxRequeues. The rest are dropped.
func (w *AuditWorker) retryable(failed []model.AuditEvent) []model.AuditEvent {
	out := make([]model.AuditEvent, 0, len(failed))
	for _, ev := range failed {
		w.failures[ev.ID]++
		if w.failures[ev.ID] > MaxRequeues {
			delete(w.failures, ev.ID)
			w.log.Error().
				Str("event_id", ev.ID.String()).
				Str("action", ev.Action).
				Int64("generation", ev.Generation).
				Msg("Dropping audit event after repeated insert failures")
			continue
		}
		out = append(out, ev)
	}
	return out
}

func (w *AuditWorker) forget(events []model.AuditEvent) {
	if len(w.failures) == 0 {
		return
	}
	for _, ev := range events {
		delete(w.failures, ev.ID)
	}
}

func (w *AuditWorker) requeue(ctx context.Context, items []model.AuditEvent) {
	pipe := w.rdb.Pipeline()
	for _, ev := range items {
		data, _ := json.Marshal(ev)
		pipe.RPush(ctx, w.queue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue audit events. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed audit events")
	// Avoid thrashing while the database is down.
	sleepCtx(ctx, 2*time.Second)
}

func (w *AuditWorker) shutdown(buffer []model.AuditEvent) {
	w.log.Info().Int("pending", len(buffer)).Msg("AuditWorker stopping, flushing remaining buffer")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
