// Package broker fans session snapshots out to every connected observer.
//
// Each subscriber owns a one-slot mailbox. A newer snapshot replaces an
// unread older one, so a slow consumer only ever sees the latest state and
// never blocks publishers. Snapshots are ordered by session version; anything
// not newer than what a subscriber already holds is dropped.
package broker

import (
	"context"
	"sync"

	"github.com/stemsi/exstem-live/internal/model"
)

// Publisher announces committed session changes.
type Publisher interface {
	Publish(ctx context.Context, ev model.SessionEvent) error
}

// Broker is an in-process fan-out hub.
type Broker struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	latest *model.SessionEvent
	closed bool
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{subs: make(map[*Subscription]struct{})}
}

// Publish delivers ev to local subscribers. It never blocks.
func (b *Broker) Publish(_ context.Context, ev model.SessionEvent) error {
	b.Deliver(ev)
	return nil
}

// Deliver offers ev to every subscriber and reports whether it was newer
// than the last delivered snapshot.
func (b *Broker) Deliver(ev model.SessionEvent) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	if b.latest != nil && !ev.Session.NewerThan(b.latest.Session) {
		return false
	}
	cp := cloneEvent(ev)
	b.latest = &cp
	for sub := range b.subs {
		sub.offer(cp)
	}
	return true
}

// Latest returns the newest snapshot seen, if any.
func (b *Broker) Latest() (model.SessionEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.latest == nil {
		return model.SessionEvent{}, false
	}
	return cloneEvent(*b.latest), true
}

// Subscribe registers a subscriber whose mailbox already holds seed, or the
// newest snapshot the broker has seen if that is newer. The first snapshot
// never carries a server_time older than the seed's.
func (b *Broker) Subscribe(seed model.SessionEvent) *Subscription {
	sub := &Subscription{
		broker: b,
		ch:     make(chan model.SessionEvent, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub.once.Do(func() { close(sub.done) })
		return sub
	}
	if b.latest == nil || seed.Session.NewerThan(b.latest.Session) {
		cp := cloneEvent(seed)
		b.latest = &cp
	}
	// The stored snapshot keeps the clock of its first publish.
	first := cloneEvent(*b.latest)
	if seed.ServerTime.After(first.ServerTime) {
		first.ServerTime = seed.ServerTime
	}
	sub.offer(first)
	b.subs[sub] = struct{}{}
	return sub
}

// Subscribers returns the number of registered subscribers.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close detaches every subscriber and rejects further deliveries.
func (b *Broker) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.closed = true
	b.mu.Unlock()

	for sub := range subs {
		sub.once.Do(func() { close(sub.done) })
	}
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Subscription is one observer's mailbox.
type Subscription struct {
	broker *Broker
	ch     chan model.SessionEvent
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	version int64
}

// C yields snapshots in increasing version order, coalesced.
func (s *Subscription) C() <-chan model.SessionEvent {
	return s.ch
}

// Done is closed when the subscription or its broker is closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.broker.remove(s)
	s.once.Do(func() { close(s.done) })
}

// offer replaces any unread snapshot with ev unless ev is not newer.
func (s *Subscription) offer(ev model.SessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.version != 0 && ev.Session.Version <= s.version {
		return
	}
	select {
	case <-s.ch:
	default:
	}
	// Only offer sends, under s.mu, so the slot is free here.
	s.ch <- ev
	s.version = ev.Session.Version
}

func cloneEvent(ev model.SessionEvent) model.SessionEvent {
	ev.Session = ev.Session.Clone()
	return ev
}
