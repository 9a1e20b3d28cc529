package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stemsi/exstem-live/internal/model"
)

func event(version int64, status model.SessionStatus) model.SessionEvent {
	return model.SessionEvent{
		Session:    model.TestSession{ID: model.SessionID, Status: status, Generation: 1, Version: version},
		ServerTime: time.Unix(1_700_000_000+version, 0).UTC(),
	}
}

func receive(t *testing.T, sub *Subscription) model.SessionEvent {
	t.Helper()
	select {
	case ev := <-sub.C():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
		return model.SessionEvent{}
	}
}

func assertEmpty(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected snapshot version %d", ev.Session.Version)
	default:
	}
}

func TestSubscribeDeliversSeedImmediately(t *testing.T) {
	b := New()
	sub := b.Subscribe(event(3, model.SessionStatusStarted))
	defer sub.Close()

	got := receive(t, sub)
	if got.Session.Version != 3 || got.Session.Status != model.SessionStatusStarted {
		t.Fatalf("seed = %+v", got.Session)
	}
}

func TestSubscribeUsesNewerLatestOverStaleSeed(t *testing.T) {
	b := New()
	b.Deliver(event(5, model.SessionStatusPaused))

	sub := b.Subscribe(event(4, model.SessionStatusStarted))
	defer sub.Close()

	if got := receive(t, sub); got.Session.Version != 5 {
		t.Fatalf("version = %d, want 5", got.Session.Version)
	}
}

func TestSubscribeCarriesSeedClock(t *testing.T) {
	b := New()
	published := event(5, model.SessionStatusStarted)
	b.Deliver(published)

	seed := event(5, model.SessionStatusStarted)
	seed.ServerTime = published.ServerTime.Add(5 * time.Minute)
	sub := b.Subscribe(seed)
	defer sub.Close()

	got := receive(t, sub)
	if got.Session.Version != 5 {
		t.Fatalf("version = %d, want 5", got.Session.Version)
	}
	if !got.ServerTime.Equal(seed.ServerTime) {
		t.Fatalf("server_time = %v, want %v", got.ServerTime, seed.ServerTime)
	}

	// The stored snapshot is left as published.
	if latest, _ := b.Latest(); !latest.ServerTime.Equal(published.ServerTime) {
		t.Fatalf("latest server_time = %v, want %v", latest.ServerTime, published.ServerTime)
	}
}

func TestSlowSubscriberSeesOnlyLatest(t *testing.T) {
	b := New()
	sub := b.Subscribe(event(1, model.SessionStatusWaiting))
	defer sub.Close()

	for v := int64(2); v <= 10; v++ {
		if err := b.Publish(context.Background(), event(v, model.SessionStatusStarted)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	if got := receive(t, sub); got.Session.Version != 10 {
		t.Fatalf("version = %d, want 10", got.Session.Version)
	}
	assertEmpty(t, sub)
}

func TestOlderSnapshotsAreDiscarded(t *testing.T) {
	b := New()
	sub := b.Subscribe(event(1, model.SessionStatusWaiting))
	defer sub.Close()
	receive(t, sub)

	if !b.Deliver(event(4, model.SessionStatusPaused)) {
		t.Fatal("newer snapshot rejected")
	}
	if b.Deliver(event(3, model.SessionStatusStarted)) {
		t.Fatal("older snapshot accepted")
	}
	if b.Deliver(event(4, model.SessionStatusPaused)) {
		t.Fatal("duplicate snapshot accepted")
	}

	if got := receive(t, sub); got.Session.Version != 4 {
		t.Fatalf("version = %d, want 4", got.Session.Version)
	}
	assertEmpty(t, sub)
}

func TestFanOutReachesEverySubscriber(t *testing.T) {
	b := New()
	subs := make([]*Subscription, 5)
	for i := range subs {
		subs[i] = b.Subscribe(event(1, model.SessionStatusWaiting))
		receive(t, subs[i])
	}
	if n := b.Subscribers(); n != 5 {
		t.Fatalf("subscribers = %d, want 5", n)
	}

	b.Deliver(event(2, model.SessionStatusStarted))
	for i, sub := range subs {
		if got := receive(t, sub); got.Session.Version != 2 {
			t.Fatalf("subscriber %d got version %d", i, got.Session.Version)
		}
	}

	subs[0].Close()
	subs[0].Close()
	if n := b.Subscribers(); n != 4 {
		t.Fatalf("subscribers after close = %d, want 4", n)
	}
	select {
	case <-subs[0].Done():
	default:
		t.Fatal("closed subscription not done")
	}
}

func TestSnapshotsAreIsolatedCopies(t *testing.T) {
	b := New()
	start := time.Unix(1_700_000_000, 0).UTC()
	ev := event(2, model.SessionStatusStarted)
	ev.Session.StartTime = &start

	sub := b.Subscribe(event(1, model.SessionStatusWaiting))
	defer sub.Close()
	receive(t, sub)
	b.Deliver(ev)

	*ev.Session.StartTime = start.Add(time.Hour)
	got := receive(t, sub)
	if !got.Session.StartTime.Equal(start) {
		t.Fatalf("start time = %v, want %v", got.Session.StartTime, start)
	}
}

func TestCloseReleasesSubscribers(t *testing.T) {
	b := New()
	sub := b.Subscribe(event(1, model.SessionStatusWaiting))
	b.Close()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not released")
	}
	if b.Deliver(event(2, model.SessionStatusStarted)) {
		t.Fatal("closed broker accepted snapshot")
	}

	late := b.Subscribe(event(3, model.SessionStatusStarted))
	select {
	case <-late.Done():
	default:
		t.Fatal("subscription on closed broker not done")
	}
}

func TestConcurrentPublishersKeepOrder(t *testing.T) {
	b := New()
	sub := b.Subscribe(event(1, model.SessionStatusWaiting))
	defer sub.Close()

	const total = 200
	var wg sync.WaitGroup
	for v := int64(2); v <= total; v++ {
		wg.Add(1)
		go func(v int64) {
			defer wg.Done()
			b.Deliver(event(v, model.SessionStatusStarted))
		}(v)
	}

	var last int64
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		select {
		case ev := <-sub.C():
			if ev.Session.Version <= last {
				t.Fatalf("version %d after %d", ev.Session.Version, last)
			}
			last = ev.Session.Version
			if last == total {
				return
			}
		case <-done:
			// Drain whatever is left after every publisher returned.
			ev := receiveOrLast(sub, last)
			if ev != total {
				t.Fatalf("final version = %d, want %d", ev, total)
			}
			return
		}
	}
}

func receiveOrLast(sub *Subscription, last int64) int64 {
	select {
	case ev := <-sub.C():
		return ev.Session.Version
	default:
		return last
	}
}
