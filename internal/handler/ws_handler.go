package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/middleware"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/response"
	"github.com/stemsi/exstem-live/internal/service"
	"github.com/stemsi/exstem-live/internal/validator"
	ws "github.com/stemsi/exstem-live/internal/websocket"
)

// actionTimeout bounds one answer or submit round-trip to the store.
const actionTimeout = 5 * time.Second

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams session snapshots and accepts student actions over a
// single WebSocket.
type WSHandler struct {
	sessions    *service.SessionService
	answers     *service.AnswerService
	submissions *service.SubmissionService
	limiter     *middleware.RateLimiter
	log         zerolog.Logger
	upgrader    websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(
	sessions *service.SessionService,
	answers *service.AnswerService,
	submissions *service.SubmissionService,
	limiter *middleware.RateLimiter,
	log zerolog.Logger,
	allowedOrigins []string,
) *WSHandler {
	return &WSHandler{
		sessions:    sessions,
		answers:     answers,
		submissions: submissions,
		limiter:     limiter,
		log:         log.With().Str("component", "ws_handler").Logger(),
		upgrader:    buildUpgrader(allowedOrigins),
	}
}

// connection is the per-socket state shared by the read and write loops.
type connection struct {
	conn   *websocket.Conn
	writer *ws.Writer
	claims *service.Claims
	log    zerolog.Logger
}

// SessionStream godoc
// WS /ws/v1/session
// Pushes a snapshot on connect and on every change. Students may also send
// answer and submit actions; everyone may send ping and resync.
func (h *WSHandler) SessionStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cc := &connection{
		conn:   conn,
		writer: ws.NewWriter(conn),
		claims: claims,
		log: h.log.With().
			Int("user_id", claims.UserID).
			Str("token_type", string(claims.TokenType)).
			Logger(),
	}

	sub, err := h.sessions.Watch(ctx)
	if err != nil {
		cc.log.Error().Err(err).Msg("Session watch failed")
		cc.writer.WriteError("", string(response.ErrServiceUnavailable), response.GetMessage(response.ErrServiceUnavailable), nil)
		return
	}
	defer sub.Close()

	cc.log.Info().Msg("Client connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writeLoop(ctx, cc, sub.C(), sub.Done())
		// Unblock the reader when the writer gives up.
		conn.Close()
	}()

	h.readLoop(ctx, cc)
	cancel()
	<-done
	cc.log.Info().Msg("Client disconnected")
}

// writeLoop forwards snapshots and keeps the connection alive.
func (h *WSHandler) writeLoop(ctx context.Context, cc *connection, snapshots <-chan model.SessionEvent, closed <-chan struct{}) {
	ticker := time.NewTicker(ws.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			cc.writer.Close("server shutting down")
			return
		case ev := <-snapshots:
			if err := cc.writer.WriteTyped(ws.NewSnapshotEvent(ev, "")); err != nil {
				cc.log.Debug().Err(err).Msg("Snapshot write failed")
				return
			}
		case <-ticker.C:
			if err := cc.writer.Ping(); err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) readLoop(ctx context.Context, cc *connection) {
	ws.PrepareRead(cc.conn)

	for {
		data, err := ws.ReadMessage(cc.conn)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				cc.log.Warn().Err(err).Msg("Unexpected close")
			}
			return
		}

		var env ws.RequestEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			cc.writer.WriteError("", string(response.ErrInvalidPayload), response.GetMessage(response.ErrInvalidPayload), nil)
			continue
		}

		switch env.Action {
		case ws.ActionPing:
			cc.writer.WriteTyped(ws.PongResponse{Event: ws.EventPong, Ref: env.Ref})
		case ws.ActionResync:
			h.handleResync(ctx, cc, env.Ref)
		case ws.ActionAnswer:
			h.handleAnswer(ctx, cc, env.Ref, data)
		case ws.ActionSubmit:
			h.handleSubmit(ctx, cc, env.Ref, data)
		default:
			cc.log.Warn().Str("action", string(env.Action)).Msg("Unknown action")
			cc.writer.WriteError(env.Ref, string(response.ErrUnknownAction), response.GetMessage(response.ErrUnknownAction), nil)
		}
	}
}

// handleResync answers with the authoritative snapshot, re-read from the store.
func (h *WSHandler) handleResync(ctx context.Context, cc *connection, ref string) {
	actx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()

	ev, err := h.sessions.Get(actx)
	if err != nil {
		h.writeServiceError(cc, ref, err)
		return
	}
	cc.writer.WriteTyped(ws.NewSnapshotEvent(ev, ref))
}

func (h *WSHandler) handleAnswer(ctx context.Context, cc *connection, ref string, data []byte) {
	if !h.studentOnly(cc, ref) {
		return
	}
	if h.limiter != nil && !h.limiter.Allow(config.CacheKey.StudentAnswerLimiterKey(cc.claims.UserID)) {
		cc.writer.WriteError(ref, string(response.ErrRateLimitExceeded), response.GetMessage(response.ErrRateLimitExceeded), nil)
		return
	}

	var req ws.AnswerRequest
	if err := json.Unmarshal(data, &req); err != nil {
		cc.writer.WriteError(ref, string(response.ErrInvalidPayload), response.GetMessage(response.ErrInvalidPayload), nil)
		return
	}
	if fields := validator.Struct(&req); fields != nil {
		cc.writer.WriteError(ref, string(response.ErrValidation), response.GetMessage(response.ErrValidation), fields)
		return
	}

	actx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()

	answer, err := h.answers.RecordAnswer(actx, cc.claims.UserID, req.QuestionID, *req.OptionIndex, req.Generation)
	if err != nil {
		h.writeServiceError(cc, ref, err)
		return
	}
	cc.writer.WriteTyped(ws.AnswerSavedResponse{Event: ws.EventAnswerSaved, Ref: ref, Answer: answer})
}

func (h *WSHandler) handleSubmit(ctx context.Context, cc *connection, ref string, data []byte) {
	if !h.studentOnly(cc, ref) {
		return
	}

	var req ws.SubmitRequest
	if err := json.Unmarshal(data, &req); err != nil {
		cc.writer.WriteError(ref, string(response.ErrInvalidPayload), response.GetMessage(response.ErrInvalidPayload), nil)
		return
	}
	if fields := validator.Struct(&req); fields != nil {
		cc.writer.WriteError(ref, string(response.ErrValidation), response.GetMessage(response.ErrValidation), fields)
		return
	}

	actx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()

	result, err := h.submissions.Finalize(actx, cc.claims.UserID, req.Trigger)
	if err != nil {
		h.writeServiceError(cc, ref, err)
		return
	}
	cc.writer.WriteTyped(ws.SubmittedResponse{Event: ws.EventSubmitted, Ref: ref, Result: result})
}

func (h *WSHandler) studentOnly(cc *connection, ref string) bool {
	if cc.claims.TokenType == service.TokenTypeStudent {
		return true
	}
	cc.writer.WriteError(ref, string(response.ErrStudentAccessOnly), response.GetMessage(response.ErrStudentAccessOnly), nil)
	return false
}

func (h *WSHandler) writeServiceError(cc *connection, ref string, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusServiceUnavailable {
		cc.log.Error().Err(err).Msg("Action failed")
		msg = response.GetMessage(code)
	}
	cc.writer.WriteError(ref, string(code), msg, nil)
}
