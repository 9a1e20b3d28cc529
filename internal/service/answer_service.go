package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/repository"
	"github.com/stemsi/exstem-live/internal/timeline"
)

// AnswerService captures autosaved answers and serves a student's state.
type AnswerService struct {
	sessions    repository.SessionStore
	answers     repository.AnswerStore
	submissions repository.SubmissionStore
	catalog     *CatalogService
	now         func() time.Time
}

// NewAnswerService creates a new AnswerService.
func NewAnswerService(
	sessions repository.SessionStore,
	answers repository.AnswerStore,
	submissions repository.SubmissionStore,
	catalog *CatalogService,
) *AnswerService {
	return &AnswerService{
		sessions:    sessions,
		answers:     answers,
		submissions: submissions,
		catalog:     catalog,
		now:         time.Now,
	}
}

// RecordAnswer upserts one answer. Retrying with the same arguments is safe.
// The write is accepted only while the session is started, before the
// student has submitted and, when expectedGeneration is non-zero, while that
// generation is current.
func (s *AnswerService) RecordAnswer(ctx context.Context, studentID int, questionID uuid.UUID, optionIndex int, expectedGeneration int64) (model.Answer, error) {
	if optionIndex < 0 {
		return model.Answer{}, fmt.Errorf("%w: option_index must not be negative", ErrValidation)
	}

	cur, err := s.sessions.Get(ctx)
	if err != nil {
		return model.Answer{}, fmt.Errorf("get session: %w", err)
	}
	if cur.Status != model.SessionStatusStarted || cur.ActiveTestID == nil {
		return model.Answer{}, fmt.Errorf("%w: session is %s", ErrAnswerRejected, cur.Status)
	}
	if expectedGeneration != 0 && expectedGeneration != cur.Generation {
		return model.Answer{}, fmt.Errorf("%w: generation %d is no longer current", ErrAnswerRejected, expectedGeneration)
	}

	questions, err := s.catalog.Questions(ctx, *cur.ActiveTestID)
	if err != nil {
		return model.Answer{}, err
	}
	if err := validateChoice(questions, questionID, optionIndex); err != nil {
		return model.Answer{}, err
	}

	// Pin the generation we validated against so a reset in between rejects.
	a, err := s.answers.Upsert(ctx, studentID, questionID, optionIndex, cur.Generation)
	if errors.Is(err, repository.ErrRejected) {
		return model.Answer{}, fmt.Errorf("%w: answer not accepted in the current session state", ErrAnswerRejected)
	}
	if err != nil {
		return model.Answer{}, fmt.Errorf("record answer: %w", err)
	}
	return a, nil
}

// State returns everything a reloaded client needs to resume.
func (s *AnswerService) State(ctx context.Context, studentID int) (model.StudentState, error) {
	cur, err := s.sessions.Get(ctx)
	if err != nil {
		return model.StudentState{}, fmt.Errorf("get session: %w", err)
	}
	now := s.now()

	answers, err := s.answers.ListByStudent(ctx, cur.Generation, studentID)
	if err != nil {
		return model.StudentState{}, fmt.Errorf("list answers: %w", err)
	}

	state := model.StudentState{
		Session:          cur,
		ServerTime:       now.UTC(),
		RemainingSeconds: timeline.RemainingSeconds(cur, now),
		Answers:          answers,
	}

	sub, err := s.submissions.GetSubmission(ctx, cur.Generation, studentID)
	switch {
	case err == nil:
		state.Submission = &sub
	case errors.Is(err, repository.ErrNotFound):
	default:
		return model.StudentState{}, fmt.Errorf("get submission: %w", err)
	}
	return state, nil
}

func validateChoice(questions []model.Question, questionID uuid.UUID, optionIndex int) error {
	for _, q := range questions {
		if q.ID != questionID {
			continue
		}
		if optionIndex >= len(q.Options) {
			return fmt.Errorf("%w: question %s has %d options", ErrValidation, questionID, len(q.Options))
		}
		return nil
	}
	return fmt.Errorf("%w: question %s is not part of the active test", ErrValidation, questionID)
}
