// Package sqlite provides a SQLite-backed session store for single-instance
// deployments. A single connection serializes every write, which gives the
// same ordering guarantees the PostgreSQL backend gets from row locks.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/repository"
	_ "modernc.org/sqlite"
)

const sessionColumns = `id, status, active_test_id, title, duration_seconds, start_time,
	last_paused_at, finished_at, paused_accumulated_seconds, generation, version, updated_at`

// Store persists session state in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ repository.SessionStore    = (*Store)(nil)
	_ repository.AnswerStore     = (*Store)(nil)
	_ repository.SubmissionStore = (*Store)(nil)
	_ repository.CatalogStore    = (*Store)(nil)
	_ repository.AuditStore      = (*Store)(nil)
	_ repository.CatalogWriter   = (*Store)(nil)
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func nullMillis(value *time.Time) any {
	if value == nil {
		return nil
	}
	return toMillis(*value)
}

func timePtr(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := fromMillis(value.Int64)
	return &t
}

func nullUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

// Open opens a SQLite store, applies embedded migrations and bootstraps the
// session row.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.Bootstrap(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func openDB(path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	dsn := "file:" + cleanPath +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the handle to tooling that shares the file, such as catalog
// loaders and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ─── Session ────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (model.TestSession, error) {
	var (
		out        model.TestSession
		status     string
		activeTest sql.NullString
		start      sql.NullInt64
		paused     sql.NullInt64
		finished   sql.NullInt64
		updated    int64
	)
	if err := row.Scan(
		&out.ID, &status, &activeTest, &out.Title, &out.DurationSeconds, &start,
		&paused, &finished, &out.PausedAccumulatedSeconds, &out.Generation, &out.Version, &updated,
	); err != nil {
		return model.TestSession{}, err
	}
	out.Status = model.SessionStatus(status)
	if activeTest.Valid {
		id, err := uuid.Parse(activeTest.String)
		if err != nil {
			return model.TestSession{}, fmt.Errorf("parse active test id: %w", err)
		}
		out.ActiveTestID = &id
	}
	out.StartTime = timePtr(start)
	out.LastPausedAt = timePtr(paused)
	out.FinishedAt = timePtr(finished)
	out.UpdatedAt = fromMillis(updated)
	return out, nil
}

// Bootstrap inserts the session row if missing.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO test_sessions (id, updated_at) VALUES (?, ?)`,
		model.SessionID, toMillis(s.now()),
	); err != nil {
		return fmt.Errorf("bootstrap session: %w", err)
	}
	return nil
}

// Get reads the current row.
func (s *Store) Get(ctx context.Context) (model.TestSession, error) {
	out, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM test_sessions WHERE id = ?`, model.SessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.TestSession{}, repository.ErrNotFound
	}
	if err != nil {
		return model.TestSession{}, fmt.Errorf("get session: %w", err)
	}
	return out, nil
}

// Swap is a compare-and-swap on (version, status).
func (s *Store) Swap(ctx context.Context, prev, next model.TestSession) (model.TestSession, error) {
	out, err := scanSession(s.db.QueryRowContext(ctx,
		`UPDATE test_sessions
		 SET status = ?, active_test_id = ?, title = ?, duration_seconds = ?,
		     start_time = ?, last_paused_at = ?, finished_at = ?,
		     paused_accumulated_seconds = ?,
		     version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ? AND status = ?
		 RETURNING `+sessionColumns,
		string(next.Status), nullUUID(next.ActiveTestID), next.Title, next.DurationSeconds,
		nullMillis(next.StartTime), nullMillis(next.LastPausedAt), nullMillis(next.FinishedAt),
		next.PausedAccumulatedSeconds, toMillis(s.now()),
		model.SessionID, prev.Version, string(prev.Status),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return model.TestSession{}, repository.ErrVersionConflict
	}
	if err != nil {
		return model.TestSession{}, fmt.Errorf("swap session: %w", err)
	}
	return out, nil
}

// Reset purges answers and submissions and resets the row in one transaction.
func (s *Store) Reset(ctx context.Context) (model.TestSession, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.TestSession{}, fmt.Errorf("begin reset: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var generation int64
	err = tx.QueryRowContext(ctx,
		`SELECT generation FROM test_sessions WHERE id = ?`, model.SessionID,
	).Scan(&generation)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TestSession{}, repository.ErrNotFound
	}
	if err != nil {
		return model.TestSession{}, fmt.Errorf("read generation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM answers WHERE generation <= ?`, generation); err != nil {
		return model.TestSession{}, fmt.Errorf("purge answers: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM submissions WHERE generation <= ?`, generation); err != nil {
		return model.TestSession{}, fmt.Errorf("purge submissions: %w", err)
	}

	out, err := scanSession(tx.QueryRowContext(ctx,
		`UPDATE test_sessions
		 SET status = 'waiting', active_test_id = NULL, title = '', duration_seconds = 0,
		     start_time = NULL, last_paused_at = NULL, finished_at = NULL,
		     paused_accumulated_seconds = 0,
		     generation = generation + 1, version = version + 1, updated_at = ?
		 WHERE id = ?
		 RETURNING `+sessionColumns, toMillis(s.now()), model.SessionID))
	if err != nil {
		return model.TestSession{}, fmt.Errorf("reset session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.TestSession{}, fmt.Errorf("commit reset: %w", err)
	}
	return out, nil
}

// ─── Answers ────────────────────────────────────────────────────────

// Upsert writes the answer in one statement guarded by the session row.
func (s *Store) Upsert(ctx context.Context, studentID int, questionID uuid.UUID, optionIndex int, expectedGeneration int64) (model.Answer, error) {
	var (
		a        model.Answer
		qid      string
		modified int64
	)
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO answers (generation, student_id, question_id, option_index, updated_at)
		 SELECT ts.generation, ?, ?, ?, ?
		 FROM test_sessions ts
		 WHERE ts.id = ?
		   AND ts.status = 'started'
		   AND (? = 0 OR ts.generation = ?)
		   AND NOT EXISTS (
		       SELECT 1 FROM submissions sub
		       WHERE sub.generation = ts.generation AND sub.student_id = ?
		   )
		 ON CONFLICT (generation, student_id, question_id) DO UPDATE
		 SET option_index = excluded.option_index, updated_at = excluded.updated_at
		 RETURNING generation, student_id, question_id, option_index, updated_at`,
		studentID, questionID.String(), optionIndex, toMillis(s.now()),
		model.SessionID,
		expectedGeneration, expectedGeneration,
		studentID,
	).Scan(&a.Generation, &a.StudentID, &qid, &a.OptionIndex, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Answer{}, repository.ErrRejected
	}
	if err != nil {
		return model.Answer{}, fmt.Errorf("upsert answer: %w", err)
	}
	a.QuestionID = questionID
	a.UpdatedAt = fromMillis(modified)
	return a, nil
}

// ListByStudent returns a student's answers for one generation.
func (s *Store) ListByStudent(ctx context.Context, generation int64, studentID int) ([]model.Answer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT generation, student_id, question_id, option_index, updated_at
		 FROM answers
		 WHERE generation = ? AND student_id = ?
		 ORDER BY updated_at ASC, question_id ASC`, generation, studentID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	defer rows.Close()

	answers := []model.Answer{}
	for rows.Next() {
		var (
			a        model.Answer
			qid      string
			modified int64
		)
		if err := rows.Scan(&a.Generation, &a.StudentID, &qid, &a.OptionIndex, &modified); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		if a.QuestionID, err = uuid.Parse(qid); err != nil {
			return nil, fmt.Errorf("parse question id: %w", err)
		}
		a.UpdatedAt = fromMillis(modified)
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

// ─── Submissions ────────────────────────────────────────────────────

// Insert is insert-only: the existing row wins on conflict.
func (s *Store) Insert(ctx context.Context, studentID int, trigger model.SubmitTrigger, eligible []model.SessionStatus) (model.Submission, bool, error) {
	if len(eligible) == 0 {
		return model.Submission{}, false, repository.ErrRejected
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(eligible)), ",")
	args := []any{studentID, string(trigger), toMillis(s.now()), model.SessionID}
	for _, st := range eligible {
		args = append(args, string(st))
	}

	var (
		sub       model.Submission
		trig      string
		submitted int64
	)
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO submissions (generation, student_id, submit_trigger, submitted_at)
		 SELECT ts.generation, ?, ?, ?
		 FROM test_sessions ts
		 WHERE ts.id = ? AND ts.status IN (`+placeholders+`)
		 ON CONFLICT (generation, student_id) DO NOTHING
		 RETURNING generation, student_id, submit_trigger, submitted_at`,
		args...,
	).Scan(&sub.Generation, &sub.StudentID, &trig, &submitted)
	if err == nil {
		sub.Trigger = model.SubmitTrigger(trig)
		sub.SubmittedAt = fromMillis(submitted)
		return sub, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Submission{}, false, fmt.Errorf("insert submission: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT sub.generation, sub.student_id, sub.submit_trigger, sub.submitted_at
		 FROM submissions sub
		 JOIN test_sessions ts ON ts.generation = sub.generation
		 WHERE ts.id = ? AND sub.student_id = ?`,
		model.SessionID, studentID,
	).Scan(&sub.Generation, &sub.StudentID, &trig, &submitted)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Submission{}, false, repository.ErrRejected
	}
	if err != nil {
		return model.Submission{}, false, fmt.Errorf("get existing submission: %w", err)
	}
	sub.Trigger = model.SubmitTrigger(trig)
	sub.SubmittedAt = fromMillis(submitted)
	return sub, false, nil
}

// GetSubmission returns the submission for (generation, student).
func (s *Store) GetSubmission(ctx context.Context, generation int64, studentID int) (model.Submission, error) {
	var (
		sub       model.Submission
		trig      string
		submitted int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT generation, student_id, submit_trigger, submitted_at
		 FROM submissions WHERE generation = ? AND student_id = ?`,
		generation, studentID,
	).Scan(&sub.Generation, &sub.StudentID, &trig, &submitted)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Submission{}, repository.ErrNotFound
	}
	if err != nil {
		return model.Submission{}, fmt.Errorf("get submission: %w", err)
	}
	sub.Trigger = model.SubmitTrigger(trig)
	sub.SubmittedAt = fromMillis(submitted)
	return sub, nil
}

// ─── Catalog ────────────────────────────────────────────────────────

// ListTests returns every test ordered by title.
func (s *Store) ListTests(ctx context.Context) ([]model.Test, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, duration_seconds FROM tests ORDER BY title ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tests: %w", err)
	}
	defer rows.Close()

	tests := []model.Test{}
	for rows.Next() {
		var (
			t  model.Test
			id string
		)
		if err := rows.Scan(&id, &t.Title, &t.DurationSeconds); err != nil {
			return nil, fmt.Errorf("scan test: %w", err)
		}
		if t.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse test id: %w", err)
		}
		tests = append(tests, t)
	}
	return tests, rows.Err()
}

// GetTest returns one test.
func (s *Store) GetTest(ctx context.Context, id uuid.UUID) (model.Test, error) {
	t := model.Test{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT title, duration_seconds FROM tests WHERE id = ?`, id.String(),
	).Scan(&t.Title, &t.DurationSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Test{}, repository.ErrNotFound
	}
	if err != nil {
		return model.Test{}, fmt.Errorf("get test: %w", err)
	}
	return t, nil
}

// ListQuestions returns a test's questions in order.
func (s *Store) ListQuestions(ctx context.Context, testID uuid.UUID) ([]model.Question, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_num, question_text, options
		 FROM questions WHERE test_id = ? ORDER BY order_num ASC`, testID.String())
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	questions := []model.Question{}
	for rows.Next() {
		var (
			q       model.Question
			id      string
			options string
		)
		if err := rows.Scan(&id, &q.OrderNum, &q.Text, &options); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		if q.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse question id: %w", err)
		}
		if err := json.Unmarshal([]byte(options), &q.Options); err != nil {
			return nil, fmt.Errorf("decode options of question %s: %w", id, err)
		}
		q.TestID = testID
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// SaveTest replaces a test and its questions in one transaction.
func (s *Store) SaveTest(ctx context.Context, test model.Test, questions []model.Question) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save test: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tests (id, title, duration_seconds) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET title = excluded.title, duration_seconds = excluded.duration_seconds`,
		test.ID.String(), test.Title, test.DurationSeconds,
	); err != nil {
		return fmt.Errorf("upsert test: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM questions WHERE test_id = ?`, test.ID.String()); err != nil {
		return fmt.Errorf("clear questions: %w", err)
	}
	for _, q := range questions {
		options, err := json.Marshal(q.Options)
		if err != nil {
			return fmt.Errorf("encode options of question %s: %w", q.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO questions (id, test_id, order_num, question_text, options) VALUES (?, ?, ?, ?, ?)`,
			q.ID.String(), test.ID.String(), q.OrderNum, q.Text, string(options),
		); err != nil {
			return fmt.Errorf("insert question %s: %w", q.ID, err)
		}
	}
	return tx.Commit()
}

// ─── Audit ──────────────────────────────────────────────────────────

// InsertBatch writes events in one transaction.
func (s *Store) InsertBatch(ctx context.Context, events []model.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO audit_logs (id, action, actor_id, actor_role, test_id, title,
		   duration_seconds, student_id, submit_trigger, generation, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx,
			e.ID.String(), e.Action, e.ActorID, string(e.ActorRole), nullUUID(e.TestID), e.Title,
			e.DurationSeconds, e.StudentID, string(e.Trigger), e.Generation, toMillis(e.OccurredAt),
		); err != nil {
			return fmt.Errorf("insert audit event %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}
