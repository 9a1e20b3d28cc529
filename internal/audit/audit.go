// Package audit records who changed the session and who finalized. Emitting
// never blocks the request path; events are written by a background loop.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/repository"
)

const maxBatch = 64

// Sink persists a batch of events.
type Sink interface {
	Write(ctx context.Context, events []model.AuditEvent) error
}

// Recorder is what services depend on.
type Recorder interface {
	Emit(ev model.AuditEvent)
}

// Emitter buffers events in memory and hands them to a Sink.
type Emitter struct {
	ch      chan model.AuditEvent
	sink    Sink
	log     zerolog.Logger
	now     func() time.Time
	dropped atomic.Int64
}

// NewEmitter creates an Emitter with a buffer of size events.
func NewEmitter(sink Sink, size int, log zerolog.Logger) *Emitter {
	if size <= 0 {
		size = 1
	}
	return &Emitter{
		ch:   make(chan model.AuditEvent, size),
		sink: sink,
		log:  log.With().Str("component", "audit").Logger(),
		now:  time.Now,
	}
}

// Emit queues ev. When the buffer is full the event is dropped and counted.
func (e *Emitter) Emit(ev model.AuditEvent) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = e.now().UTC()
	}
	select {
	case e.ch <- ev:
	default:
		n := e.dropped.Add(1)
		e.log.Warn().Str("action", ev.Action).Int64("dropped_total", n).Msg("Audit buffer full, event dropped")
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Run writes queued events until ctx is cancelled, then flushes what is left.
func (e *Emitter) Run(ctx context.Context) error {
	batch := make([]model.AuditEvent, 0, maxBatch)
	for {
		select {
		case <-ctx.Done():
			e.drain(batch[:0])
			return nil
		case ev := <-e.ch:
			batch = append(batch[:0], ev)
			batch = e.collect(batch)
			e.write(ctx, batch)
		}
	}
}

// collect appends whatever is already buffered, up to maxBatch.
func (e *Emitter) collect(batch []model.AuditEvent) []model.AuditEvent {
	for len(batch) < maxBatch {
		select {
		case ev := <-e.ch:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

func (e *Emitter) drain(batch []model.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		batch = e.collect(batch[:0])
		if len(batch) == 0 {
			return
		}
		e.write(ctx, batch)
	}
}

func (e *Emitter) write(ctx context.Context, batch []model.AuditEvent) {
	if err := e.sink.Write(ctx, batch); err != nil {
		e.log.Error().Err(err).Int("count", len(batch)).Msg("Failed to write audit events")
	}
}

// StoreSink writes straight to storage. Used when no Redis queue is
// available.
type StoreSink struct {
	store repository.AuditStore
}

// NewStoreSink creates a StoreSink.
func NewStoreSink(store repository.AuditStore) *StoreSink {
	return &StoreSink{store: store}
}

// Write implements Sink.
func (s *StoreSink) Write(ctx context.Context, events []model.AuditEvent) error {
	return s.store.InsertBatch(ctx, events)
}

// QueueSink pushes events onto a Redis list drained by the audit worker.
type QueueSink struct {
	rdb   *redis.Client
	queue string
}

// NewQueueSink creates a QueueSink on queue.
func NewQueueSink(rdb *redis.Client, queue string) *QueueSink {
	return &QueueSink{rdb: rdb, queue: queue}
}

// Write implements Sink.
func (s *QueueSink) Write(ctx context.Context, events []model.AuditEvent) error {
	values := make([]interface{}, 0, len(events))
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode audit event: %w", err)
		}
		values = append(values, data)
	}
	return s.rdb.RPush(ctx, s.queue, values...).Err()
}
