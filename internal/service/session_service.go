package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/audit"
	"github.com/stemsi/exstem-live/internal/broker"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/repository"
	"github.com/stemsi/exstem-live/internal/timeline"
)

// TransitionRequest is an admin command against the session.
type TransitionRequest struct {
	Action          model.SessionAction
	TestID          *uuid.UUID
	DurationSeconds int
}

// SessionService is the only writer of the session row.
type SessionService struct {
	sessions  repository.SessionStore
	catalog   *CatalogService
	publisher broker.Publisher
	hub       *broker.Broker
	audit     audit.Recorder
	log       zerolog.Logger
	now       func() time.Time
}

// NewSessionService creates a new SessionService. publisher announces
// committed changes; hub is the local broker observers subscribe to.
func NewSessionService(
	sessions repository.SessionStore,
	catalog *CatalogService,
	publisher broker.Publisher,
	hub *broker.Broker,
	recorder audit.Recorder,
	log zerolog.Logger,
) *SessionService {
	return &SessionService{
		sessions:  sessions,
		catalog:   catalog,
		publisher: publisher,
		hub:       hub,
		audit:     recorder,
		log:       log.With().Str("component", "session_service").Logger(),
		now:       time.Now,
	}
}

// Get returns the current snapshot stamped with server time.
func (s *SessionService) Get(ctx context.Context) (model.SessionEvent, error) {
	cur, err := s.sessions.Get(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return model.SessionEvent{}, fmt.Errorf("%w: session row missing", ErrNotFound)
	}
	if err != nil {
		return model.SessionEvent{}, fmt.Errorf("get session: %w", err)
	}
	return model.NewSessionEvent(cur, s.now()), nil
}

// Watch returns a subscription that already holds the current snapshot.
// The caller must Close it.
func (s *SessionService) Watch(ctx context.Context) (*broker.Subscription, error) {
	ev, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}
	return s.hub.Subscribe(ev), nil
}

// Subscribe calls fn with the current snapshot and then with every newer one
// until ctx ends or the returned unsubscribe is called. fn runs on a single
// goroutine and may be skipped over intermediate snapshots.
func (s *SessionService) Subscribe(ctx context.Context, fn func(model.SessionEvent)) (func(), error) {
	sub, err := s.Watch(ctx)
	if err != nil {
		return nil, err
	}

	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Done():
				return
			case ev := <-sub.C():
				fn(ev)
			}
		}
	}()
	return sub.Close, nil
}

// Transition applies an admin command. Every write is a compare-and-swap on
// the row that was read; losing a race yields ErrStateConflict and is never
// retried.
func (s *SessionService) Transition(ctx context.Context, actor model.Actor, req TransitionRequest) (model.SessionEvent, error) {
	if actor.Role != model.RoleAdmin {
		return model.SessionEvent{}, fmt.Errorf("%w: only administrators control the session", ErrForbidden)
	}

	var (
		row model.TestSession
		err error
	)
	if req.Action == model.ActionReset {
		row, err = s.sessions.Reset(ctx)
		if err != nil {
			return model.SessionEvent{}, fmt.Errorf("reset session: %w", err)
		}
	} else {
		row, err = s.swap(ctx, req)
		if err != nil {
			return model.SessionEvent{}, err
		}
	}

	ev := model.NewSessionEvent(row, s.now())
	s.publish(ctx, ev)
	s.audit.Emit(model.AuditEvent{
		Action:          string(req.Action),
		ActorID:         actor.ID,
		ActorRole:       actor.Role,
		TestID:          row.ActiveTestID,
		Title:           row.Title,
		DurationSeconds: row.DurationSeconds,
		Generation:      row.Generation,
		OccurredAt:      ev.ServerTime,
	})

	s.log.Info().
		Str("action", string(req.Action)).
		Int("actor_id", actor.ID).
		Str("status", string(row.Status)).
		Int64("generation", row.Generation).
		Int64("version", row.Version).
		Msg("Session transitioned")
	return ev, nil
}

func (s *SessionService) swap(ctx context.Context, req TransitionRequest) (model.TestSession, error) {
	cur, err := s.sessions.Get(ctx)
	if err != nil {
		return model.TestSession{}, fmt.Errorf("get session: %w", err)
	}

	next, err := s.next(ctx, cur, req, s.now().UTC())
	if err != nil {
		return model.TestSession{}, err
	}

	row, err := s.sessions.Swap(ctx, cur, next)
	if errors.Is(err, repository.ErrVersionConflict) {
		return model.TestSession{}, fmt.Errorf("%w: session changed concurrently", ErrStateConflict)
	}
	if err != nil {
		return model.TestSession{}, fmt.Errorf("%s session: %w", req.Action, err)
	}
	return row, nil
}

// next computes the row after req, or an error when req is not allowed
// from cur's status.
func (s *SessionService) next(ctx context.Context, cur model.TestSession, req TransitionRequest, now time.Time) (model.TestSession, error) {
	next := cur.Clone()

	switch req.Action {
	case model.ActionStart:
		if cur.Status != model.SessionStatusWaiting && cur.Status != model.SessionStatusFinished {
			return next, conflict(req.Action, cur.Status)
		}
		testID := req.TestID
		if testID == nil {
			testID = cur.ActiveTestID
		}
		if testID == nil {
			return next, fmt.Errorf("%w: test_id is required", ErrValidation)
		}
		test, err := s.catalog.Test(ctx, *testID)
		if errors.Is(err, ErrNotFound) {
			return next, fmt.Errorf("%w: test %s does not exist", ErrValidation, *testID)
		}
		if err != nil {
			return next, err
		}
		duration := req.DurationSeconds
		if duration == 0 {
			duration = test.DurationSeconds
		}
		if duration <= 0 {
			return next, fmt.Errorf("%w: duration_seconds must be positive", ErrValidation)
		}

		id := test.ID
		next.Status = model.SessionStatusStarted
		next.ActiveTestID = &id
		next.Title = test.Title
		next.DurationSeconds = duration
		next.StartTime = &now
		next.LastPausedAt = nil
		next.FinishedAt = nil
		next.PausedAccumulatedSeconds = 0

	case model.ActionPause:
		if cur.Status != model.SessionStatusStarted {
			return next, conflict(req.Action, cur.Status)
		}
		next.Status = model.SessionStatusPaused
		next.LastPausedAt = &now

	case model.ActionResume:
		if cur.Status != model.SessionStatusPaused {
			return next, conflict(req.Action, cur.Status)
		}
		if cur.LastPausedAt != nil {
			next.PausedAccumulatedSeconds += timeline.PauseDelta(*cur.LastPausedAt, now)
		}
		next.Status = model.SessionStatusStarted
		next.LastPausedAt = nil

	case model.ActionFinish:
		if cur.Status != model.SessionStatusStarted && cur.Status != model.SessionStatusPaused {
			return next, conflict(req.Action, cur.Status)
		}
		next.Status = model.SessionStatusFinished
		next.FinishedAt = &now

	default:
		return next, fmt.Errorf("%w: unknown action %q", ErrValidation, req.Action)
	}
	return next, nil
}

func (s *SessionService) publish(ctx context.Context, ev model.SessionEvent) {
	// The row is committed; a cancelled request must not stop the broadcast.
	if err := s.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.log.Warn().Err(err).Int64("version", ev.Session.Version).Msg("Failed to publish snapshot, relying on resync")
	}
}

func conflict(action model.SessionAction, status model.SessionStatus) error {
	return fmt.Errorf("%w: cannot %s while %s", ErrStateConflict, action, status)
}
