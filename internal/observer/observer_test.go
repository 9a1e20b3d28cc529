package observer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stemsi/exstem-live/internal/model"
)

var base = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newObserver(c *clock) *Observer {
	o := New()
	o.now = c.now
	return o
}

func started(version, generation int64, start time.Time, duration int) model.SessionEvent {
	st := start
	return model.SessionEvent{
		Session: model.TestSession{
			ID:              model.SessionID,
			Status:          model.SessionStatusStarted,
			DurationSeconds: duration,
			StartTime:       &st,
			Generation:      generation,
			Version:         version,
		},
		ServerTime: start,
	}
}

func TestApplyOrdering(t *testing.T) {
	c := &clock{t: base}
	o := newObserver(c)

	tests := []struct {
		name string
		ev   model.SessionEvent
		want ApplyResult
	}{
		{"first view is a gap", started(3, 1, base, 60), Gap},
		{"direct successor", started(4, 1, base, 60), Applied},
		{"duplicate", started(4, 1, base, 60), Stale},
		{"older", started(2, 1, base, 60), Stale},
		{"skipped versions", started(7, 1, base, 60), Gap},
		{"generation change", started(8, 2, base, 60), Gap},
	}
	for _, tt := range tests {
		if got := o.Apply(tt.ev); got != tt.want {
			t.Fatalf("%s: Apply = %s, want %s", tt.name, got, tt.want)
		}
	}

	s, ok := o.Session()
	if !ok || s.Version != 8 || s.Generation != 2 {
		t.Fatalf("session = %+v (ok=%v), want version 8 generation 2", s, ok)
	}
}

func TestStaleSnapshotDoesNotMoveClockOffset(t *testing.T) {
	c := &clock{t: base}
	o := newObserver(c)

	ev := started(5, 1, base, 60)
	ev.ServerTime = base.Add(10 * time.Second)
	o.Apply(ev)

	old := started(4, 1, base, 60)
	old.ServerTime = base.Add(-time.Hour)
	o.Apply(old)

	if got := o.Offset(); got != 10*time.Second {
		t.Fatalf("offset = %v, want 10s", got)
	}
}

func TestCountdownCorrectsClockSkew(t *testing.T) {
	// The local clock runs 30s behind the server.
	c := &clock{t: base.Add(-30 * time.Second)}
	o := newObserver(c)

	ev := started(2, 1, base.Add(-20*time.Second), 600)
	ev.ServerTime = base
	o.Apply(ev)

	if got := o.Elapsed(); got != 20 {
		t.Fatalf("elapsed = %d, want 20", got)
	}
	if got := o.Remaining(); got != 580 {
		t.Fatalf("remaining = %d, want 580", got)
	}

	c.advance(15 * time.Second)
	if got := o.Remaining(); got != 565 {
		t.Fatalf("remaining after 15s = %d, want 565", got)
	}
}

func TestPausedCountdownIsFrozen(t *testing.T) {
	c := &clock{t: base}
	o := newObserver(c)

	start := base.Add(-100 * time.Second)
	paused := base.Add(-40 * time.Second)
	o.Apply(model.SessionEvent{
		Session: model.TestSession{
			Status:                   model.SessionStatusPaused,
			DurationSeconds:          300,
			StartTime:                &start,
			LastPausedAt:             &paused,
			PausedAccumulatedSeconds: 10,
			Generation:               1,
			Version:                  6,
		},
		ServerTime: base,
	})

	first := o.Remaining()
	c.advance(time.Minute)
	if got := o.Remaining(); got != first || got != 250 {
		t.Fatalf("remaining = %d then %d, want 250 both times", first, got)
	}
}

func TestWatchFiresExpireOncePerGeneration(t *testing.T) {
	c := &clock{t: base}
	o := newObserver(c)

	var (
		mu      sync.Mutex
		expired []int64
		ticks   int
	)
	onTick := func(Tick) {
		mu.Lock()
		ticks++
		mu.Unlock()
	}
	onExpire := func(s model.TestSession) {
		mu.Lock()
		expired = append(expired, s.Generation)
		mu.Unlock()
	}

	o.Apply(started(2, 1, base.Add(-61*time.Second), 60))

	// Call the evaluation directly so the test does not depend on timers.
	o.evaluate(onTick, onExpire)
	o.evaluate(onTick, onExpire)

	fin := started(3, 1, base.Add(-61*time.Second), 60)
	fin.Session.Status = model.SessionStatusFinished
	finishedAt := base
	fin.Session.FinishedAt = &finishedAt
	o.Apply(fin)
	o.evaluate(onTick, onExpire)

	// Reset and a new run that also runs out.
	waiting := model.WaitingSession(2)
	waiting.Version = 4
	o.Apply(model.SessionEvent{Session: waiting, ServerTime: base})
	o.evaluate(onTick, onExpire)
	next := started(5, 2, base.Add(-10*time.Second), 10)
	o.Apply(next)
	o.evaluate(onTick, onExpire)

	mu.Lock()
	defer mu.Unlock()
	if len(expired) != 2 || expired[0] != 1 || expired[1] != 2 {
		t.Fatalf("expired = %v, want [1 2]", expired)
	}
	if ticks != 5 {
		t.Fatalf("ticks = %d, want 5", ticks)
	}
}

func TestWatchDoesNotExpireWaitingOrRunning(t *testing.T) {
	c := &clock{t: base}
	o := newObserver(c)

	fired := false
	onExpire := func(model.TestSession) { fired = true }

	o.evaluate(nil, onExpire) // nothing applied yet
	waiting := model.WaitingSession(1)
	waiting.Version = 1
	o.Apply(model.SessionEvent{Session: waiting, ServerTime: base})
	o.evaluate(nil, onExpire)
	o.Apply(started(2, 1, base, 60))
	o.evaluate(nil, onExpire)

	if fired {
		t.Fatal("onExpire fired before the run ended")
	}
}

func TestWatchStopsWithContext(t *testing.T) {
	o := New()
	o.Apply(started(1, 1, time.Now(), 60))

	ctx, cancel := context.WithCancel(context.Background())
	ticked := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- o.Watch(ctx, 10*time.Millisecond, func(Tick) {
			select {
			case ticked <- struct{}{}:
			default:
			}
		}, nil)
	}()

	select {
	case <-ticked:
	case <-time.After(2 * time.Second):
		t.Fatal("no tick")
	}
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Watch returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not stop")
	}
}
