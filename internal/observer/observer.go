// Package observer holds the client-side view of the shared session: it
// orders incoming snapshots, corrects for clock skew and drives the local
// countdown and the auto-submit trigger.
package observer

import (
	"context"
	"sync"
	"time"

	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/timeline"
)

// ApplyResult tells the caller what Apply did with a snapshot.
type ApplyResult int

const (
	// Applied replaced the local view with a direct successor.
	Applied ApplyResult = iota
	// Stale means the snapshot was not newer and was discarded.
	Stale
	// Gap means the snapshot was applied but versions were skipped or the
	// generation changed; the caller should re-fetch anything derived from
	// the old view.
	Gap
)

func (r ApplyResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	case Gap:
		return "gap"
	}
	return "unknown"
}

// Tick is the countdown state at one instant of server time.
type Tick struct {
	Session    model.TestSession
	ServerTime time.Time
	Remaining  int64
	Elapsed    int64
}

// Observer is safe for concurrent use.
type Observer struct {
	mu      sync.Mutex
	current model.TestSession
	have    bool
	offset  time.Duration

	// Generation whose expiry has already been reported.
	expiredGen  int64
	expiredSeen bool

	now func() time.Time
}

// New returns an empty Observer.
func New() *Observer {
	return &Observer{now: time.Now}
}

// Apply folds ev into the local view. Snapshots that are not strictly newer
// than the current one are discarded.
func (o *Observer) Apply(ev model.SessionEvent) ApplyResult {
	received := o.now()

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.have && !ev.Session.NewerThan(o.current) {
		return Stale
	}

	result := Applied
	if o.have && (ev.Session.Version > o.current.Version+1 || ev.Session.Generation != o.current.Generation) {
		result = Gap
	}
	if !o.have {
		// First view; anything before it is unknown.
		result = Gap
	}

	o.current = ev.Session.Clone()
	o.have = true
	if !ev.ServerTime.IsZero() {
		o.offset = ev.ServerTime.Sub(received)
	}
	return result
}

// Session returns the current view, and false before the first Apply.
func (o *Observer) Session() (model.TestSession, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current.Clone(), o.have
}

// Offset is the last measured server-minus-local clock difference.
func (o *Observer) Offset() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.offset
}

// ServerNow estimates the server clock.
func (o *Observer) ServerNow() time.Time {
	return o.now().Add(o.Offset())
}

// Remaining is the countdown value right now.
func (o *Observer) Remaining() int64 {
	return o.tick().Remaining
}

// Elapsed is the net running time right now.
func (o *Observer) Elapsed() int64 {
	return o.tick().Elapsed
}

func (o *Observer) tick() Tick {
	o.mu.Lock()
	s := o.current.Clone()
	at := o.now().Add(o.offset)
	o.mu.Unlock()

	return Tick{
		Session:    s,
		ServerTime: at,
		Remaining:  timeline.RemainingSeconds(s, at),
		Elapsed:    timeline.ElapsedNetSeconds(s, at),
	}
}

// Watch recomputes the countdown every interval until ctx ends. Each tick is
// derived from the snapshot, never accumulated, so missed ticks do not drift.
// onExpire fires at most once per generation, when a started run reaches zero
// or the session is finished.
func (o *Observer) Watch(ctx context.Context, interval time.Duration, onTick func(Tick), onExpire func(model.TestSession)) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		o.evaluate(onTick, onExpire)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *Observer) evaluate(onTick func(Tick), onExpire func(model.TestSession)) {
	o.mu.Lock()
	have := o.have
	o.mu.Unlock()
	if !have {
		return
	}

	t := o.tick()
	if onTick != nil {
		onTick(t)
	}

	if !expired(t) || !o.markExpired(t.Session.Generation) {
		return
	}
	if onExpire != nil {
		onExpire(t.Session)
	}
}

func expired(t Tick) bool {
	switch t.Session.Status {
	case model.SessionStatusStarted:
		return t.Session.StartTime != nil && t.Remaining == 0
	case model.SessionStatusFinished:
		return t.Session.StartTime != nil
	}
	return false
}

// markExpired records gen as reported and says whether it was new.
func (o *Observer) markExpired(gen int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.expiredSeen && o.expiredGen == gen {
		return false
	}
	o.expiredGen = gen
	o.expiredSeen = true
	return true
}
