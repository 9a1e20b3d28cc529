package service

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/audit"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/repository"
)

// Statuses in which a run exists to be finalized. An auto-timeout can land
// right after the administrator finished the session.
var finalizeEligible = []model.SessionStatus{
	model.SessionStatusStarted,
	model.SessionStatusPaused,
	model.SessionStatusFinished,
}

// SubmissionService finalizes student runs at most once per generation.
type SubmissionService struct {
	sessions    repository.SessionStore
	answers     repository.AnswerStore
	submissions repository.SubmissionStore
	catalog     *CatalogService
	audit       audit.Recorder
	log         zerolog.Logger
}

// NewSubmissionService creates a new SubmissionService.
func NewSubmissionService(
	sessions repository.SessionStore,
	answers repository.AnswerStore,
	submissions repository.SubmissionStore,
	catalog *CatalogService,
	recorder audit.Recorder,
	log zerolog.Logger,
) *SubmissionService {
	return &SubmissionService{
		sessions:    sessions,
		answers:     answers,
		submissions: submissions,
		catalog:     catalog,
		audit:       recorder,
		log:         log.With().Str("component", "submission_service").Logger(),
	}
}

// Finalize marks the student's run final. A concurrent or repeated call
// returns FinalizeAlreadySubmitted with the first submission; both outcomes
// are success.
func (s *SubmissionService) Finalize(ctx context.Context, studentID int, trigger model.SubmitTrigger) (model.FinalizeResult, error) {
	if !trigger.Valid() {
		return model.FinalizeResult{}, fmt.Errorf("%w: unknown trigger %q", ErrValidation, trigger)
	}

	sub, inserted, err := s.submissions.Insert(ctx, studentID, trigger, finalizeEligible)
	if errors.Is(err, repository.ErrRejected) {
		return model.FinalizeResult{}, fmt.Errorf("%w: no run to submit", ErrAnswerRejected)
	}
	if err != nil {
		return model.FinalizeResult{}, fmt.Errorf("insert submission: %w", err)
	}

	outcome := model.FinalizeAccepted
	action := "finalize"
	if !inserted {
		outcome = model.FinalizeAlreadySubmitted
		action = "finalize_repeat"
	}

	// The submission is durable from here on, so it is audited even if
	// scoring fails below.
	cur, err := s.sessions.Get(ctx)
	ev := model.AuditEvent{
		Action:     action,
		ActorID:    studentID,
		ActorRole:  model.RoleStudent,
		StudentID:  studentID,
		Trigger:    trigger,
		Generation: sub.Generation,
	}
	if err == nil && cur.Generation == sub.Generation {
		ev.TestID = cur.ActiveTestID
		ev.Title = cur.Title
		ev.DurationSeconds = cur.DurationSeconds
	}
	s.audit.Emit(ev)
	if inserted {
		s.log.Info().
			Int("student_id", studentID).
			Str("trigger", string(trigger)).
			Int64("generation", sub.Generation).
			Msg("Run finalized")
	}
	if err != nil {
		// A retry returns the same submission with its summary.
		return model.FinalizeResult{}, fmt.Errorf("get session: %w", err)
	}

	summary, err := s.summarize(ctx, cur, sub)
	if err != nil {
		return model.FinalizeResult{}, err
	}
	return model.FinalizeResult{Outcome: outcome, Submission: sub, Summary: summary}, nil
}

// summarize scores the submission's generation against the active test.
func (s *SubmissionService) summarize(ctx context.Context, cur model.TestSession, sub model.Submission) (model.SubmissionSummary, error) {
	if cur.Generation != sub.Generation || cur.ActiveTestID == nil {
		return model.SubmissionSummary{}, nil
	}

	questions, err := s.catalog.Questions(ctx, *cur.ActiveTestID)
	if err != nil {
		return model.SubmissionSummary{}, err
	}
	answers, err := s.answers.ListByStudent(ctx, sub.Generation, sub.StudentID)
	if err != nil {
		return model.SubmissionSummary{}, fmt.Errorf("list answers: %w", err)
	}
	return score(questions, answers), nil
}

func score(questions []model.Question, answers []model.Answer) model.SubmissionSummary {
	chosen := make(map[uuid.UUID]int, len(answers))
	for _, a := range answers {
		chosen[a.QuestionID] = a.OptionIndex
	}

	summary := model.SubmissionSummary{TotalQuestions: len(questions)}
	for _, q := range questions {
		idx, ok := chosen[q.ID]
		if !ok {
			continue
		}
		summary.Answered++
		if idx == q.CorrectIndex() {
			summary.Correct++
		}
	}
	if summary.TotalQuestions > 0 {
		pct := float64(summary.Correct) / float64(summary.TotalQuestions) * 100
		summary.Score = math.Round(pct*100) / 100
	}
	return summary
}
