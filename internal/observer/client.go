package observer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/model"
	ws "github.com/stemsi/exstem-live/internal/websocket"
)

const (
	requestTimeout = 10 * time.Second
	writeRetries   = 5
)

// APIError is a non-2xx reply from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
	Detail  string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Detail)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// Client keeps an Observer in sync with a server and performs student writes.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	dialer  *websocket.Dialer
	obs     *Observer
	log     zerolog.Logger

	// OnSnapshot, when set, is called after every applied snapshot.
	OnSnapshot func(ev model.SessionEvent, result ApplyResult)
}

// NewClient returns a client for the server at baseURL (http or https).
func NewClient(baseURL, token string, obs *Observer, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: requestTimeout},
		dialer:  websocket.DefaultDialer,
		obs:     obs,
		log:     log.With().Str("component", "observer_client").Logger(),
	}
}

// Observer returns the view this client maintains.
func (c *Client) Observer() *Observer {
	return c.obs
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 300 || env.Error != nil {
		apiErr := &APIError{Status: resp.StatusCode}
		if env.Error != nil {
			apiErr.Code, apiErr.Message, apiErr.Detail = env.Error.Code, env.Error.Message, env.Error.Detail
		}
		if !apiErr.Temporary() {
			return backoff.Permanent(apiErr)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

// retry runs op with exponential backoff. Permanent errors stop immediately
// and are unwrapped.
func retry[T any](ctx context.Context, op backoff.Operation[T]) (T, error) {
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(writeRetries),
	)
}

// FetchSession reads the authoritative snapshot over HTTP and applies it.
func (c *Client) FetchSession(ctx context.Context) (ApplyResult, error) {
	var view struct {
		Session    model.TestSession `json:"session"`
		ServerTime time.Time         `json:"server_time"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/session", nil, &view); err != nil {
		return Stale, unwrapPermanent(err)
	}
	ev := model.SessionEvent{Session: view.Session, ServerTime: view.ServerTime}
	return c.apply(ev), nil
}

// State fetches the student's answers and submission for the current
// generation. It also refreshes the session view.
func (c *Client) State(ctx context.Context) (model.StudentState, error) {
	var state model.StudentState
	if err := c.do(ctx, http.MethodGet, "/api/v1/student/state", nil, &state); err != nil {
		return state, unwrapPermanent(err)
	}
	c.apply(model.SessionEvent{Session: state.Session, ServerTime: state.ServerTime})
	return state, nil
}

// RecordAnswer saves one answer, retrying transient failures. The write is
// pinned to the generation currently observed.
func (c *Client) RecordAnswer(ctx context.Context, questionID uuid.UUID, optionIndex int) (model.Answer, error) {
	req := model.RecordAnswerRequest{QuestionID: questionID, OptionIndex: &optionIndex}
	if s, ok := c.obs.Session(); ok {
		req.Generation = s.Generation
	}
	return retry(ctx, func() (model.Answer, error) {
		var a model.Answer
		err := c.do(ctx, http.MethodPut, "/api/v1/student/answers", req, &a)
		return a, err
	})
}

// Finalize submits the run. accepted and already_submitted are both success.
func (c *Client) Finalize(ctx context.Context, trigger model.SubmitTrigger) (model.FinalizeResult, error) {
	req := model.SubmitRequest{Trigger: trigger}
	return retry(ctx, func() (model.FinalizeResult, error) {
		var res model.FinalizeResult
		err := c.do(ctx, http.MethodPost, "/api/v1/student/submit", req, &res)
		return res, err
	})
}

// Run keeps a WebSocket open and applies every snapshot until ctx ends.
// Each (re)connect and every gap triggers a full HTTP re-fetch.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 30 * time.Second

	for {
		err := c.stream(ctx, bo)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return unwrapPermanent(err)
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Unwrap()
		}

		wait := bo.NextBackOff()
		c.log.Warn().Err(err).Dur("retry_in", wait).Msg("Session stream lost")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Client) stream(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	wsURL, err := c.streamURL()
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return &APIError{Status: resp.StatusCode, Code: "TOKEN_INVALID"}
		}
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Close the socket when ctx ends so the blocking read returns.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	bo.Reset()
	c.log.Info().Str("url", wsURL).Msg("Session stream connected")
	if _, err := c.FetchSession(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Re-fetch after connect failed")
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env ws.ResponseEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn().Err(err).Msg("Malformed frame")
			continue
		}
		if env.Event != ws.EventSnapshot {
			continue
		}

		var snap ws.SnapshotEvent
		if err := json.Unmarshal(data, &snap); err != nil {
			c.log.Warn().Err(err).Msg("Malformed snapshot")
			continue
		}
		if c.apply(snap.SessionEvent()) == Gap {
			if _, err := c.FetchSession(ctx); err != nil {
				c.log.Warn().Err(err).Msg("Re-fetch after gap failed")
			}
		}
	}
}

func (c *Client) apply(ev model.SessionEvent) ApplyResult {
	result := c.obs.Apply(ev)
	if result != Stale && c.OnSnapshot != nil {
		c.OnSnapshot(ev, result)
	}
	return result
}

func (c *Client) streamURL() (string, error) {
	u, err := url.Parse(c.baseURL + "/ws/v1/session")
	if err != nil {
		return "", backoff.Permanent(err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}
