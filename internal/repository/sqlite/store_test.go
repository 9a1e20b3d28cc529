package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/google/uuid"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/repository"
	"github.com/stemsi/exstem-live/internal/repository/sqlite"
	"github.com/stemsi/exstem-live/internal/repository/sqlite/sqlitetest"
)

var finalizeEligible = []model.SessionStatus{
	model.SessionStatusStarted, model.SessionStatusPaused, model.SessionStatusFinished,
}

func startSession(t *testing.T, store *sqlite.Store, test model.Test) model.TestSession {
	t.Helper()
	ctx := context.Background()
	cur, err := store.Get(ctx)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	next := cur.Clone()
	now := time.Now().UTC()
	next.Status = model.SessionStatusStarted
	next.ActiveTestID = &test.ID
	next.Title = test.Title
	next.DurationSeconds = test.DurationSeconds
	next.StartTime = &now
	out, err := store.Swap(ctx, cur, next)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return out
}

func TestOpenBootstrapsWaitingRow(t *testing.T) {
	store := sqlitetest.Open(t)

	got, err := store.Get(context.Background())
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != model.SessionStatusWaiting {
		t.Fatalf("status = %q, want waiting", got.Status)
	}
	if got.Generation != 1 || got.Version != 1 {
		t.Fatalf("generation/version = %d/%d, want 1/1", got.Generation, got.Version)
	}
	if got.StartTime != nil || got.LastPausedAt != nil || got.ActiveTestID != nil {
		t.Fatalf("waiting row has run fields: %+v", got)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")
	first, err := sqlite.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	test, _ := sqlitetest.SeedTest(t, first, "Matematika", 600, 2)
	started := startSession(t, first, test)
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := sqlite.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer second.Close()

	got, err := second.Get(context.Background())
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Version != started.Version || got.Status != model.SessionStatusStarted {
		t.Fatalf("reopen lost state: got %+v, want version %d started", got, started.Version)
	}
}

func TestMigratorTracksEmbeddedSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")
	store, err := sqlite.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	m, err := sqlite.OpenMigrator(path)
	if err != nil {
		t.Fatalf("open migrator: %v", err)
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if version != 1 || dirty {
		t.Fatalf("version = %d dirty = %t, want 1 clean", version, dirty)
	}
	if err := m.Up(); !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("second up = %v, want ErrNoChange", err)
	}
	if err := m.Down(); err != nil {
		t.Fatalf("down: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("up after down: %v", err)
	}
}

func TestSwapRoundTripsFields(t *testing.T) {
	store := sqlitetest.Open(t)
	test, _ := sqlitetest.SeedTest(t, store, "Fisika", 900, 1)
	started := startSession(t, store, test)

	if started.Version != 2 {
		t.Fatalf("version = %d, want 2", started.Version)
	}
	if started.ActiveTestID == nil || *started.ActiveTestID != test.ID {
		t.Fatalf("active test = %v, want %s", started.ActiveTestID, test.ID)
	}
	if started.Title != "Fisika" || started.DurationSeconds != 900 {
		t.Fatalf("title/duration = %q/%d", started.Title, started.DurationSeconds)
	}
	if started.StartTime == nil {
		t.Fatal("start time not stored")
	}

	next := started.Clone()
	pausedAt := started.StartTime.Add(10 * time.Second)
	next.Status = model.SessionStatusPaused
	next.LastPausedAt = &pausedAt
	next.PausedAccumulatedSeconds = 2.5
	paused, err := store.Swap(context.Background(), started, next)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused.LastPausedAt == nil || !paused.LastPausedAt.Equal(pausedAt.Truncate(time.Millisecond)) {
		t.Fatalf("last paused at = %v, want %v", paused.LastPausedAt, pausedAt)
	}
	if paused.PausedAccumulatedSeconds != 2.5 {
		t.Fatalf("accumulated = %v, want 2.5", paused.PausedAccumulatedSeconds)
	}
}

func TestSwapRejectsStalePrev(t *testing.T) {
	store := sqlitetest.Open(t)
	test, _ := sqlitetest.SeedTest(t, store, "Kimia", 600, 1)
	ctx := context.Background()

	waiting, err := store.Get(ctx)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	startSession(t, store, test)

	next := waiting.Clone()
	next.Status = model.SessionStatusStarted
	if _, err := store.Swap(ctx, waiting, next); !errors.Is(err, repository.ErrVersionConflict) {
		t.Fatalf("stale swap err = %v, want ErrVersionConflict", err)
	}
}

func TestConcurrentSwapOnlyOneWins(t *testing.T) {
	store := sqlitetest.Open(t)
	test, _ := sqlitetest.SeedTest(t, store, "Biologi", 600, 1)
	started := startSession(t, store, test)

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := started.Clone()
			now := time.Now().UTC()
			next.Status = model.SessionStatusPaused
			next.LastPausedAt = &now
			_, err := store.Swap(context.Background(), started, next)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, repository.ErrVersionConflict):
				conflicts++
			default:
				t.Errorf("unexpected swap error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || conflicts != callers-1 {
		t.Fatalf("wins/conflicts = %d/%d, want 1/%d", wins, conflicts, callers-1)
	}
}

func TestResetPurgesAnswersAndSubmissions(t *testing.T) {
	store := sqlitetest.Open(t)
	test, questions := sqlitetest.SeedTest(t, store, "Sejarah", 600, 2)
	started := startSession(t, store, test)
	ctx := context.Background()

	if _, err := store.Upsert(ctx, 7, questions[0].ID, 1, 0); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, _, err := store.Insert(ctx, 8, model.SubmitTriggerManual, finalizeEligible); err != nil {
		t.Fatalf("insert submission: %v", err)
	}

	reset, err := store.Reset(ctx)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if reset.Status != model.SessionStatusWaiting {
		t.Fatalf("status = %q, want waiting", reset.Status)
	}
	if reset.Generation != started.Generation+1 || reset.Version != started.Version+1 {
		t.Fatalf("generation/version = %d/%d", reset.Generation, reset.Version)
	}
	if reset.StartTime != nil || reset.ActiveTestID != nil || reset.PausedAccumulatedSeconds != 0 {
		t.Fatalf("reset left run fields: %+v", reset)
	}

	answers, err := store.ListByStudent(ctx, started.Generation, 7)
	if err != nil {
		t.Fatalf("list answers: %v", err)
	}
	if len(answers) != 0 {
		t.Fatalf("answers after reset = %d, want 0", len(answers))
	}
	if _, err := store.GetSubmission(ctx, started.Generation, 8); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("submission after reset err = %v, want ErrNotFound", err)
	}
}

func TestUpsertReplacesAnswer(t *testing.T) {
	store := sqlitetest.Open(t)
	test, questions := sqlitetest.SeedTest(t, store, "Geografi", 600, 2)
	started := startSession(t, store, test)
	ctx := context.Background()

	if _, err := store.Upsert(ctx, 3, questions[0].ID, 0, started.Generation); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	got, err := store.Upsert(ctx, 3, questions[0].ID, 2, started.Generation)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if got.OptionIndex != 2 || got.Generation != started.Generation {
		t.Fatalf("answer = %+v", got)
	}

	answers, err := store.ListByStudent(ctx, started.Generation, 3)
	if err != nil {
		t.Fatalf("list answers: %v", err)
	}
	if len(answers) != 1 || answers[0].OptionIndex != 2 || answers[0].QuestionID != questions[0].ID {
		t.Fatalf("answers = %+v, want single answer with option 2", answers)
	}
}

func TestUpsertRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("waiting", func(t *testing.T) {
		store := sqlitetest.Open(t)
		if _, err := store.Upsert(ctx, 1, uuid.New(), 0, 0); !errors.Is(err, repository.ErrRejected) {
			t.Fatalf("err = %v, want ErrRejected", err)
		}
	})

	t.Run("paused", func(t *testing.T) {
		store := sqlitetest.Open(t)
		test, questions := sqlitetest.SeedTest(t, store, "Ekonomi", 600, 1)
		started := startSession(t, store, test)
		next := started.Clone()
		now := time.Now().UTC()
		next.Status = model.SessionStatusPaused
		next.LastPausedAt = &now
		if _, err := store.Swap(ctx, started, next); err != nil {
			t.Fatalf("pause: %v", err)
		}
		if _, err := store.Upsert(ctx, 1, questions[0].ID, 0, 0); !errors.Is(err, repository.ErrRejected) {
			t.Fatalf("err = %v, want ErrRejected", err)
		}
	})

	t.Run("stale generation", func(t *testing.T) {
		store := sqlitetest.Open(t)
		test, questions := sqlitetest.SeedTest(t, store, "Sosiologi", 600, 1)
		started := startSession(t, store, test)
		if _, err := store.Upsert(ctx, 1, questions[0].ID, 0, started.Generation+5); !errors.Is(err, repository.ErrRejected) {
			t.Fatalf("err = %v, want ErrRejected", err)
		}
	})

	t.Run("after submission", func(t *testing.T) {
		store := sqlitetest.Open(t)
		test, questions := sqlitetest.SeedTest(t, store, "Seni", 600, 1)
		startSession(t, store, test)
		if _, _, err := store.Insert(ctx, 1, model.SubmitTriggerManual, finalizeEligible); err != nil {
			t.Fatalf("submit: %v", err)
		}
		if _, err := store.Upsert(ctx, 1, questions[0].ID, 0, 0); !errors.Is(err, repository.ErrRejected) {
			t.Fatalf("err = %v, want ErrRejected", err)
		}
	})
}

func TestInsertSubmissionAtMostOnce(t *testing.T) {
	store := sqlitetest.Open(t)
	test, _ := sqlitetest.SeedTest(t, store, "Bahasa", 600, 1)
	startSession(t, store, test)
	ctx := context.Background()

	first, inserted, err := store.Insert(ctx, 42, model.SubmitTriggerManual, finalizeEligible)
	if err != nil || !inserted {
		t.Fatalf("first insert = %v/%v", inserted, err)
	}
	second, inserted, err := store.Insert(ctx, 42, model.SubmitTriggerAutoTimeout, finalizeEligible)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Fatal("second insert reported inserted")
	}
	if second.Trigger != model.SubmitTriggerManual || !second.SubmittedAt.Equal(first.SubmittedAt) {
		t.Fatalf("existing submission changed: first %+v second %+v", first, second)
	}
}

func TestInsertSubmissionRejectedWhileWaiting(t *testing.T) {
	store := sqlitetest.Open(t)
	_, _, err := store.Insert(context.Background(), 1, model.SubmitTriggerManual, finalizeEligible)
	if !errors.Is(err, repository.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
}

func TestCatalogRoundTrip(t *testing.T) {
	store := sqlitetest.Open(t)
	test, questions := sqlitetest.SeedTest(t, store, "Informatika", 1200, 3)
	ctx := context.Background()

	tests, err := store.ListTests(ctx)
	if err != nil {
		t.Fatalf("list tests: %v", err)
	}
	if len(tests) != 1 || tests[0] != test {
		t.Fatalf("tests = %+v, want %+v", tests, test)
	}

	got, err := store.ListQuestions(ctx, test.ID)
	if err != nil {
		t.Fatalf("list questions: %v", err)
	}
	if len(got) != len(questions) {
		t.Fatalf("questions = %d, want %d", len(got), len(questions))
	}
	for i, q := range got {
		if q.ID != questions[i].ID || q.OrderNum != i+1 || q.CorrectIndex() != 0 || len(q.Options) != 3 {
			t.Fatalf("question %d = %+v", i, q)
		}
	}

	if _, err := store.GetTest(ctx, uuid.New()); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("missing test err = %v, want ErrNotFound", err)
	}
}

func TestInsertAuditBatch(t *testing.T) {
	store := sqlitetest.Open(t)
	ctx := context.Background()
	events := []model.AuditEvent{
		{ID: uuid.New(), Action: "start", ActorID: 1, ActorRole: model.RoleAdmin, Generation: 1, OccurredAt: time.Now()},
		{ID: uuid.New(), Action: "finalize", ActorID: 9, ActorRole: model.RoleStudent, StudentID: 9, Trigger: model.SubmitTriggerManual, Generation: 1, OccurredAt: time.Now()},
	}
	if err := store.InsertBatch(ctx, events); err != nil {
		t.Fatalf("insert batch: %v", err)
	}
	// Replays of the same ids are ignored.
	if err := store.InsertBatch(ctx, events); err != nil {
		t.Fatalf("replay batch: %v", err)
	}

	var count int
	if err := store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs`).Scan(&count); err != nil {
		t.Fatalf("count audit rows: %v", err)
	}
	if count != 2 {
		t.Fatalf("audit rows = %d, want 2", count)
	}
}
