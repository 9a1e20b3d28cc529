package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/middleware"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/response"
	"github.com/stemsi/exstem-live/internal/service"
	"github.com/stemsi/exstem-live/internal/timeline"
	"github.com/stemsi/exstem-live/internal/validator"
)

// SessionHandler exposes the shared session and its admin transitions.
type SessionHandler struct {
	sessions *service.SessionService
	log      zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessions *service.SessionService, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		log:      log.With().Str("component", "session_handler").Logger(),
	}
}

// sessionView is a snapshot plus the server's own countdown, for clients
// that only poll.
type sessionView struct {
	Session          model.TestSession `json:"session"`
	ServerTime       time.Time         `json:"server_time"`
	ElapsedSeconds   int64             `json:"elapsed_seconds"`
	RemainingSeconds int64             `json:"remaining_seconds"`
}

func newSessionView(ev model.SessionEvent) sessionView {
	return sessionView{
		Session:          ev.Session,
		ServerTime:       ev.ServerTime,
		ElapsedSeconds:   timeline.ElapsedNetSeconds(ev.Session, ev.ServerTime),
		RemainingSeconds: timeline.RemainingSeconds(ev.Session, ev.ServerTime),
	}
}

// GetSession godoc
// GET /api/v1/session
// Returns the current session snapshot.
func (h *SessionHandler) GetSession(c *gin.Context) {
	ev, err := h.sessions.Get(c.Request.Context())
	if err != nil {
		failService(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, newSessionView(ev))
}

// Transition godoc
// POST /api/v1/admin/session/:action
// Applies start, pause, resume, finish or reset. Only start reads a body.
func (h *SessionHandler) Transition(c *gin.Context) {
	actor, ok := middleware.GetActor(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	req := service.TransitionRequest{Action: model.SessionAction(c.Param("action"))}
	switch req.Action {
	case model.ActionStart:
		var body model.StartSessionRequest
		if c.Request.ContentLength != 0 {
			if fields := validator.Bind(c, &body); fields != nil {
				response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
				return
			}
		}
		req.TestID = body.TestID
		req.DurationSeconds = body.DurationSeconds
	case model.ActionPause, model.ActionResume, model.ActionFinish, model.ActionReset:
	default:
		response.Fail(c, http.StatusNotFound, response.ErrUnknownAction)
		return
	}

	ev, err := h.sessions.Transition(c.Request.Context(), actor, req)
	if err != nil {
		failService(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, newSessionView(ev))
}
