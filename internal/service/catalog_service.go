package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/repository"
)

const questionCacheTTL = 5 * time.Minute

type cachedQuestions struct {
	questions []model.Question
	loadedAt  time.Time
}

// CatalogService reads tests and questions. Question lists are cached per
// test because every autosave validates against them.
type CatalogService struct {
	catalog  repository.CatalogStore
	sessions repository.SessionStore
	now      func() time.Time

	mu    sync.RWMutex
	cache map[uuid.UUID]cachedQuestions
}

// NewCatalogService creates a new CatalogService.
func NewCatalogService(catalog repository.CatalogStore, sessions repository.SessionStore) *CatalogService {
	return &CatalogService{
		catalog:  catalog,
		sessions: sessions,
		now:      time.Now,
		cache:    make(map[uuid.UUID]cachedQuestions),
	}
}

// ListTests returns the tests an administrator can start.
func (s *CatalogService) ListTests(ctx context.Context) ([]model.Test, error) {
	tests, err := s.catalog.ListTests(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tests: %w", err)
	}
	return tests, nil
}

// Test returns one catalog test.
func (s *CatalogService) Test(ctx context.Context, id uuid.UUID) (model.Test, error) {
	t, err := s.catalog.GetTest(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return model.Test{}, fmt.Errorf("%w: test %s", ErrNotFound, id)
	}
	if err != nil {
		return model.Test{}, err
	}
	return t, nil
}

// Questions returns a test's questions, correctness flags included.
func (s *CatalogService) Questions(ctx context.Context, testID uuid.UUID) ([]model.Question, error) {
	s.mu.RLock()
	entry, ok := s.cache[testID]
	s.mu.RUnlock()
	if ok && s.now().Sub(entry.loadedAt) < questionCacheTTL {
		return entry.questions, nil
	}

	questions, err := s.catalog.ListQuestions(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}

	s.mu.Lock()
	s.cache[testID] = cachedQuestions{questions: questions, loadedAt: s.now()}
	s.mu.Unlock()
	return questions, nil
}

// Paper returns the active test without correctness flags. There is no
// paper while the session is waiting.
func (s *CatalogService) Paper(ctx context.Context) (model.TestPaper, error) {
	cur, err := s.sessions.Get(ctx)
	if err != nil {
		return model.TestPaper{}, fmt.Errorf("get session: %w", err)
	}
	if cur.Status == model.SessionStatusWaiting || cur.ActiveTestID == nil {
		return model.TestPaper{}, fmt.Errorf("%w: no active test", ErrNotFound)
	}

	questions, err := s.Questions(ctx, *cur.ActiveTestID)
	if err != nil {
		return model.TestPaper{}, err
	}
	paper := model.TestPaper{
		TestID:          *cur.ActiveTestID,
		Title:           cur.Title,
		DurationSeconds: cur.DurationSeconds,
		Questions:       make([]model.QuestionForStudent, 0, len(questions)),
	}
	for _, q := range questions {
		paper.Questions = append(paper.Questions, q.ForStudent())
	}
	return paper, nil
}
