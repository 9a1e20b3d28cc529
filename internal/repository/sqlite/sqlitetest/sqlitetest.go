// Package sqlitetest opens throwaway SQLite stores for tests.
package sqlitetest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/repository/sqlite"
)

// Open returns a migrated store in a temp dir, closed on cleanup.
func Open(t testing.TB) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// SeedTest saves a test with questionCount questions. Each question has three
// options and the first one is correct.
func SeedTest(t testing.TB, store *sqlite.Store, title string, durationSeconds, questionCount int) (model.Test, []model.Question) {
	t.Helper()
	test := model.Test{ID: uuid.New(), Title: title, DurationSeconds: durationSeconds}
	questions := make([]model.Question, 0, questionCount)
	for i := 0; i < questionCount; i++ {
		questions = append(questions, model.Question{
			ID:       uuid.New(),
			TestID:   test.ID,
			OrderNum: i + 1,
			Text:     fmt.Sprintf("Soal %d", i+1),
			Options: []model.Option{
				{Text: "A", IsCorrect: true},
				{Text: "B"},
				{Text: "C"},
			},
		})
	}
	if err := store.SaveTest(context.Background(), test, questions); err != nil {
		t.Fatalf("seed test: %v", err)
	}
	return test, questions
}
