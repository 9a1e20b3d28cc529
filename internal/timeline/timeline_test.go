package timeline

import (
	"testing"
	"time"

	"github.com/stemsi/exstem-live/internal/model"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func ptr(t time.Time) *time.Time { return &t }

func TestElapsedWaitingIsZero(t *testing.T) {
	s := model.WaitingSession(1)
	if got := ElapsedNetSeconds(s, at(100)); got != 0 {
		t.Fatalf("elapsed = %d, want 0", got)
	}
	s.DurationSeconds = 60
	if got := RemainingSeconds(s, at(100)); got != 60 {
		t.Fatalf("remaining = %d, want 60", got)
	}
	if Expired(s, at(100)) {
		t.Fatal("waiting session must not be expired")
	}
}

// Start at T0, pause at +10, resume at +40, query at +50.
func TestPauseResumeScenario(t *testing.T) {
	s := model.TestSession{
		Status:                   model.SessionStatusStarted,
		DurationSeconds:          60,
		StartTime:                ptr(t0),
		PausedAccumulatedSeconds: PauseDelta(at(10), at(40)),
	}
	if got := ElapsedNetSeconds(s, at(50)); got != 20 {
		t.Fatalf("elapsed = %d, want 20", got)
	}
	if got := RemainingSeconds(s, at(50)); got != 40 {
		t.Fatalf("remaining = %d, want 40", got)
	}
}

func TestFinishWhilePausedIsFrozen(t *testing.T) {
	s := model.TestSession{
		Status:          model.SessionStatusFinished,
		DurationSeconds: 60,
		StartTime:       ptr(t0),
		LastPausedAt:    ptr(at(10)),
		FinishedAt:      ptr(at(25)),
	}
	for _, q := range []int{25, 30, 3600, 86400} {
		if got := ElapsedNetSeconds(s, at(q)); got != 10 {
			t.Fatalf("elapsed at +%ds = %d, want 10", q, got)
		}
	}
}

func TestFinishWhileStartedFreezesAtFinish(t *testing.T) {
	s := model.TestSession{
		Status:                   model.SessionStatusFinished,
		DurationSeconds:          60,
		StartTime:                ptr(t0),
		FinishedAt:               ptr(at(45)),
		PausedAccumulatedSeconds: 5,
	}
	first := RemainingSeconds(s, at(46))
	for _, q := range []int{50, 500, 5000} {
		if got := RemainingSeconds(s, at(q)); got != first {
			t.Fatalf("remaining at +%ds = %d, want constant %d", q, got, first)
		}
	}
	if first != 20 {
		t.Fatalf("remaining = %d, want 20", first)
	}
}

func TestPausedIsConstant(t *testing.T) {
	s := model.TestSession{
		Status:          model.SessionStatusPaused,
		DurationSeconds: 60,
		StartTime:       ptr(t0),
		LastPausedAt:    ptr(at(12)),
	}
	for _, q := range []int{12, 13, 40, 1000} {
		if got := RemainingSeconds(s, at(q)); got != 48 {
			t.Fatalf("remaining at +%ds = %d, want 48", q, got)
		}
	}
}

func TestRemainingMonotonicWhileStarted(t *testing.T) {
	s := model.TestSession{
		Status:                   model.SessionStatusStarted,
		DurationSeconds:          30,
		StartTime:                ptr(t0),
		PausedAccumulatedSeconds: 2.5,
	}
	prev := RemainingSeconds(s, t0)
	for ms := 0; ms <= 40_000; ms += 250 {
		now := t0.Add(time.Duration(ms) * time.Millisecond)
		got := RemainingSeconds(s, now)
		if got > prev {
			t.Fatalf("remaining increased at +%dms: %d -> %d", ms, prev, got)
		}
		prev = got
	}
	if prev != 0 {
		t.Fatalf("remaining = %d, want 0 after the allotment", prev)
	}
	if !Expired(s, at(40)) {
		t.Fatal("expected expired")
	}
}

// Elapsed right after each resume equals the sum of running intervals.
func TestElapsedAfterManyPauses(t *testing.T) {
	type interval struct{ run, pause int }
	plan := []interval{{7, 3}, {11, 19}, {2, 1}, {30, 45}}

	s := model.TestSession{
		Status:          model.SessionStatusStarted,
		DurationSeconds: 3600,
		StartTime:       ptr(t0),
	}
	clock := 0
	running := 0
	for _, iv := range plan {
		clock += iv.run
		running += iv.run
		pausedAt := at(clock)
		clock += iv.pause
		s.PausedAccumulatedSeconds += PauseDelta(pausedAt, at(clock))

		got := ElapsedNetSeconds(s, at(clock))
		if diff := got - int64(running); diff < -1 || diff > 1 {
			t.Fatalf("elapsed = %d, want %d±1", got, running)
		}
	}
}

func TestClockBehindStartClampsToZero(t *testing.T) {
	s := model.TestSession{
		Status:          model.SessionStatusStarted,
		DurationSeconds: 60,
		StartTime:       ptr(at(10)),
	}
	if got := ElapsedNetSeconds(s, t0); got != 0 {
		t.Fatalf("elapsed = %d, want 0", got)
	}
	if got := RemainingSeconds(s, t0); got != 60 {
		t.Fatalf("remaining = %d, want 60", got)
	}
	if got := PauseDelta(at(10), t0); got != 0 {
		t.Fatalf("pause delta = %v, want 0", got)
	}
}

// Sub-second pauses are subtracted before rounding down, so the result is
// always a whole number of running seconds.
func TestFractionalPauseIsSubtractedBeforeFloor(t *testing.T) {
	s := model.TestSession{
		Status:                   model.SessionStatusStarted,
		DurationSeconds:          120,
		StartTime:                ptr(t0),
		PausedAccumulatedSeconds: 10.5,
	}
	now := t0.Add(100*time.Second + 200*time.Millisecond)
	if got := ElapsedNetSeconds(s, now); got != 89 {
		t.Fatalf("elapsed = %d, want 89", got)
	}
	if got := RemainingSeconds(s, now); got != 31 {
		t.Fatalf("remaining = %d, want 31", got)
	}
}
