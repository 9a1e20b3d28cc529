package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/middleware"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/response"
	"github.com/stemsi/exstem-live/internal/service"
)

const keepAliveInterval = 30 * time.Second

// EventsHandler streams session snapshots over Server-Sent Events, for
// clients (dashboards, projectors) that only read.
type EventsHandler struct {
	sessions *service.SessionService
	log      zerolog.Logger
}

func NewEventsHandler(sessions *service.SessionService, log zerolog.Logger) *EventsHandler {
	return &EventsHandler{
		sessions: sessions,
		log:      log.With().Str("component", "events_handler").Logger(),
	}
}

// StreamSession godoc
// GET /api/v1/session/events
// The first event is the current snapshot; each later one supersedes it.
func (h *EventsHandler) StreamSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	reqCtx := c.Request.Context()
	sub, err := h.sessions.Watch(reqCtx)
	if err != nil {
		failService(c, h.log, err)
		return
	}
	defer sub.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	log := h.log.With().Int("user_id", claims.UserID).Str("token_type", string(claims.TokenType)).Logger()
	log.Debug().Msg("Attached to session stream")

	for {
		select {
		case <-reqCtx.Done():
			log.Debug().Msg("Detached from session stream")
			return

		case <-sub.Done():
			return

		case ev := <-sub.C():
			if err := writeSnapshot(c, ev); err != nil {
				log.Debug().Err(err).Msg("Session stream write failed")
				return
			}

		case <-keepAlive.C:
			// Comment lines keep proxies from closing an idle stream.
			if _, err := c.Writer.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

func writeSnapshot(c *gin.Context, ev model.SessionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	c.Writer.Write([]byte("event: snapshot\ndata: "))
	c.Writer.Write(payload)
	if _, err := c.Writer.Write([]byte("\n\n")); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}
