package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/model"
)

type memorySink struct {
	mu     sync.Mutex
	events []model.AuditEvent
	err    error
	wrote  chan struct{}
}

func newMemorySink() *memorySink {
	return &memorySink{wrote: make(chan struct{}, 100)}
}

func (s *memorySink) Write(_ context.Context, events []model.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	s.wrote <- struct{}{}
	return s.err
}

func (s *memorySink) snapshot() []model.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.AuditEvent(nil), s.events...)
}

func TestEmitFillsIDAndTimestamp(t *testing.T) {
	sink := newMemorySink()
	e := NewEmitter(sink, 4, zerolog.Nop())
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e.now = func() time.Time { return fixed }

	e.Emit(model.AuditEvent{Action: "start", ActorID: 1, ActorRole: model.RoleAdmin})

	ev := <-e.ch
	if ev.ID == uuid.Nil {
		t.Fatal("id not assigned")
	}
	if !ev.OccurredAt.Equal(fixed) {
		t.Fatalf("occurred at = %v, want %v", ev.OccurredAt, fixed)
	}
}

func TestEmitDropsWhenFull(t *testing.T) {
	e := NewEmitter(newMemorySink(), 2, zerolog.Nop())
	for i := 0; i < 5; i++ {
		e.Emit(model.AuditEvent{Action: "pause"})
	}
	if got := e.Dropped(); got != 3 {
		t.Fatalf("dropped = %d, want 3", got)
	}
}

func TestRunWritesAndFlushesOnShutdown(t *testing.T) {
	sink := newMemorySink()
	e := NewEmitter(sink, 16, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = e.Run(ctx)
		close(done)
	}()

	e.Emit(model.AuditEvent{Action: "start"})
	select {
	case <-sink.wrote:
	case <-time.After(time.Second):
		t.Fatal("event not written")
	}

	cancel()
	<-done
	// Events emitted after Run returned stay buffered; nothing is lost silently.
	if got := len(sink.snapshot()); got != 1 {
		t.Fatalf("written = %d, want 1", got)
	}
}

func TestRunKeepsGoingAfterSinkError(t *testing.T) {
	sink := newMemorySink()
	sink.err = errors.New("db down")
	e := NewEmitter(sink, 16, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(ctx) }()

	e.Emit(model.AuditEvent{Action: "start"})
	<-sink.wrote
	e.Emit(model.AuditEvent{Action: "pause"})
	select {
	case <-sink.wrote:
	case <-time.After(time.Second):
		t.Fatal("emitter stopped after sink error")
	}
}
