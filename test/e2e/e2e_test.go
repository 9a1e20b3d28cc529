//go:build e2e
// +build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/service"
)

const (
	defaultBaseURL = "http://localhost:8080/api/v1"
	e2eStudentID   = 9001
	e2eAdminID     = 1
)

var (
	baseURL      string
	dbURL        string
	adminToken   string
	studentToken string
	testID       uuid.UUID
	firstQID     uuid.UUID
	generation   int64
)

func TestMain(m *testing.M) {
	// Load .env if present (ignore error)
	_ = godotenv.Load("../../.env")

	baseURL = os.Getenv("BASE_URL")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	// Optional: when set, persisted rows are checked directly.
	dbURL = os.Getenv("DATABASE_URL")

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Config failed: %v\n", err)
		os.Exit(1)
	}
	auth := service.NewAuthService(cfg)
	if adminToken, err = auth.GenerateToken(service.TokenTypeAdmin, e2eAdminID); err != nil {
		fmt.Printf("Admin token failed: %v\n", err)
		os.Exit(1)
	}
	if studentToken, err = auth.GenerateToken(service.TokenTypeStudent, e2eStudentID); err != nil {
		fmt.Printf("Student token failed: %v\n", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func TestE2EFlow(t *testing.T) {
	// Step 1: Pick a test from the catalog (run `migrate -demo up` first)
	t.Run("ListTests", func(t *testing.T) {
		var body struct {
			Data struct {
				Tests []model.Test `json:"tests"`
			} `json:"data"`
		}
		mustDo(t, http.MethodGet, "/admin/tests", nil, adminToken, http.StatusOK, &body)
		if len(body.Data.Tests) == 0 {
			t.Fatal("catalog is empty")
		}
		testID = body.Data.Tests[0].ID
	})

	// Step 2: Reset to a clean generation
	t.Run("Reset", func(t *testing.T) {
		s := transition(t, "reset", nil, http.StatusOK)
		if s.Status != model.SessionStatusWaiting {
			t.Fatalf("status %s after reset", s.Status)
		}
		generation = s.Generation
	})

	// Step 3: Start
	t.Run("Start", func(t *testing.T) {
		s := transition(t, "start", map[string]interface{}{"test_id": testID, "duration_seconds": 120}, http.StatusOK)
		if s.Status != model.SessionStatusStarted || s.DurationSeconds != 120 {
			t.Fatalf("unexpected session %+v", s)
		}
	})

	// Step 4: Student reads the paper and answers
	t.Run("Answer", func(t *testing.T) {
		var paper struct {
			Data model.TestPaper `json:"data"`
		}
		mustDo(t, http.MethodGet, "/student/paper", nil, studentToken, http.StatusOK, &paper)
		if len(paper.Data.Questions) == 0 {
			t.Fatal("paper has no questions")
		}
		firstQID = paper.Data.Questions[0].ID

		req := map[string]interface{}{"question_id": firstQID, "option_index": 1, "generation": generation}
		mustDo(t, http.MethodPut, "/student/answers", req, studentToken, http.StatusOK, nil)
		// Same write again is safe.
		mustDo(t, http.MethodPut, "/student/answers", req, studentToken, http.StatusOK, nil)
	})

	// Step 5: Pause rejects answers; resume accepts them again
	t.Run("PauseResume", func(t *testing.T) {
		transition(t, "pause", nil, http.StatusOK)
		transition(t, "pause", nil, http.StatusConflict)

		req := map[string]interface{}{"question_id": firstQID, "option_index": 0}
		mustDo(t, http.MethodPut, "/student/answers", req, studentToken, http.StatusConflict, nil)

		transition(t, "resume", nil, http.StatusOK)
		mustDo(t, http.MethodPut, "/student/answers", req, studentToken, http.StatusOK, nil)
	})

	// Step 6: Submit twice
	t.Run("Submit", func(t *testing.T) {
		var first, second struct {
			Data model.FinalizeResult `json:"data"`
		}
		mustDo(t, http.MethodPost, "/student/submit", map[string]string{"trigger": "manual"}, studentToken, http.StatusOK, &first)
		mustDo(t, http.MethodPost, "/student/submit", map[string]string{"trigger": "auto_timeout"}, studentToken, http.StatusOK, &second)
		if first.Data.Outcome != model.FinalizeAccepted || second.Data.Outcome != model.FinalizeAlreadySubmitted {
			t.Fatalf("outcomes %s, %s", first.Data.Outcome, second.Data.Outcome)
		}
	})

	// Step 7: Finish freezes the clock
	t.Run("Finish", func(t *testing.T) {
		transition(t, "finish", nil, http.StatusOK)
		var a, b struct {
			Data struct {
				RemainingSeconds int64 `json:"remaining_seconds"`
			} `json:"data"`
		}
		mustDo(t, http.MethodGet, "/session", nil, studentToken, http.StatusOK, &a)
		time.Sleep(1100 * time.Millisecond)
		mustDo(t, http.MethodGet, "/session", nil, studentToken, http.StatusOK, &b)
		if a.Data.RemainingSeconds != b.Data.RemainingSeconds {
			t.Fatalf("remaining moved after finish: %d -> %d", a.Data.RemainingSeconds, b.Data.RemainingSeconds)
		}
	})

	// Step 8: Persisted rows (postgres only)
	t.Run("Persisted", func(t *testing.T) {
		if dbURL == "" {
			t.Skip("DATABASE_URL not set")
		}
		ctx := context.Background()
		conn, err := pgx.Connect(ctx, dbURL)
		if err != nil {
			t.Fatalf("db connect: %v", err)
		}
		defer conn.Close(ctx)

		var trigger string
		err = conn.QueryRow(ctx,
			`SELECT submit_trigger FROM submissions WHERE generation = $1 AND student_id = $2`,
			generation, e2eStudentID,
		).Scan(&trigger)
		if err != nil {
			t.Fatalf("submission row: %v", err)
		}
		if trigger != string(model.SubmitTriggerManual) {
			t.Fatalf("trigger %q, want manual", trigger)
		}
	})

	// Step 9: Reset purges the run
	t.Run("ResetAgain", func(t *testing.T) {
		s := transition(t, "reset", nil, http.StatusOK)
		if s.Generation != generation+1 {
			t.Fatalf("generation %d, want %d", s.Generation, generation+1)
		}
		var state struct {
			Data model.StudentState `json:"data"`
		}
		mustDo(t, http.MethodGet, "/student/state", nil, studentToken, http.StatusOK, &state)
		if len(state.Data.Answers) != 0 || state.Data.Submission != nil {
			t.Fatalf("state not purged: %+v", state.Data)
		}
	})
}

func transition(t *testing.T, action string, body interface{}, wantStatus int) model.TestSession {
	t.Helper()
	var out struct {
		Data struct {
			Session model.TestSession `json:"session"`
		} `json:"data"`
	}
	mustDo(t, http.MethodPost, "/admin/session/"+action, body, adminToken, wantStatus, &out)
	return out.Data.Session
}

func mustDo(t *testing.T, method, path string, body interface{}, token string, wantStatus int, out interface{}) {
	t.Helper()
	resp, err := do(method, path, body, token)
	if err != nil {
		t.Fatalf("%s %s: request failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s: status %d, want %d: %s", method, path, resp.StatusCode, wantStatus, readBody(resp))
	}
	if out != nil {
		decodeJSON(t, resp, out)
	}
}

func do(method, path string, body interface{}, token string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		bodyReader = bytes.NewBuffer(jsonBytes)
	}

	req, err := http.NewRequest(method, baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	return client.Do(req)
}

func readBody(resp *http.Response) string {
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("json decode: %v", err)
	}
}
