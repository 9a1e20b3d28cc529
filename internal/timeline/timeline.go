// Package timeline converts a session's persisted timestamps into elapsed and
// remaining seconds. It is the only place elapsed time is computed; servers,
// observers and the auto-submit trigger all call into it.
package timeline

import (
	"math"
	"time"

	"github.com/stemsi/exstem-live/internal/model"
)

// ReferencePoint returns the instant elapsed time is measured up to, and
// false when the session has no run to measure.
//
//   - started: now
//   - paused: the pause instant
//   - finished: the pause instant if the run ended while paused, else the
//     finish instant, else now
func ReferencePoint(s model.TestSession, now time.Time) (time.Time, bool) {
	if s.StartTime == nil {
		return time.Time{}, false
	}
	switch s.Status {
	case model.SessionStatusStarted:
		return now, true
	case model.SessionStatusPaused:
		if s.LastPausedAt != nil {
			return *s.LastPausedAt, true
		}
		return now, true
	case model.SessionStatusFinished:
		if s.LastPausedAt != nil {
			return *s.LastPausedAt, true
		}
		if s.FinishedAt != nil {
			return *s.FinishedAt, true
		}
		return now, true
	default:
		return time.Time{}, false
	}
}

// ElapsedNetSeconds is the whole seconds of running time in the current run,
// excluding every completed pause interval. Never negative.
func ElapsedNetSeconds(s model.TestSession, now time.Time) int64 {
	ref, ok := ReferencePoint(s, now)
	if !ok {
		return 0
	}
	gross := ref.Sub(*s.StartTime).Seconds()
	net := math.Floor(gross - s.PausedAccumulatedSeconds)
	if net < 0 {
		return 0
	}
	return int64(net)
}

// RemainingSeconds is the allotment left, clamped at zero.
func RemainingSeconds(s model.TestSession, now time.Time) int64 {
	if s.StartTime == nil {
		return int64(s.DurationSeconds)
	}
	remaining := int64(s.DurationSeconds) - ElapsedNetSeconds(s, now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Expired reports whether a run exists and has no time left.
func Expired(s model.TestSession, now time.Time) bool {
	return s.StartTime != nil && RemainingSeconds(s, now) == 0
}

// PauseDelta is the length of the pause interval that ends at now, in seconds.
// Clock regressions yield zero rather than shrinking the accumulator.
func PauseDelta(pausedAt, now time.Time) float64 {
	d := now.Sub(pausedAt).Seconds()
	if d < 0 {
		return 0
	}
	return d
}
