package handler

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/broker"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/response"
)

const probeTimeout = 2 * time.Second

// Pinger reports whether a backing store is reachable.
type Pinger func(ctx context.Context) error

// DropCounter exposes how many audit events were dropped under load.
type DropCounter interface {
	Dropped() int64
}

// SystemHandler serves liveness and an operator status summary.
type SystemHandler struct {
	ping      Pinger
	rdb       *redis.Client // nil in local broker mode
	hub       *broker.Broker
	audit     DropCounter
	driver    string
	startTime time.Time
	log       zerolog.Logger
}

func NewSystemHandler(ping Pinger, rdb *redis.Client, hub *broker.Broker, audit DropCounter, driver string, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		ping:      ping,
		rdb:       rdb,
		hub:       hub,
		audit:     audit,
		driver:    driver,
		startTime: time.Now(),
		log:       log.With().Str("component", "system_handler").Logger(),
	}
}

type systemStatus struct {
	Uptime  string `json:"uptime"`
	Storage string `json:"storage"`
	Broker  string `json:"broker"`

	SessionVersion int64 `json:"session_version"`
	Subscribers    int   `json:"subscribers"`
	AuditDropped   int64 `json:"audit_dropped"`
	AuditQueue     int64 `json:"audit_queue"`

	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
	NumGC      uint32 `json:"num_gc"`
	GoVersion  string `json:"go_version"`
}

// Health godoc
// GET /health
// Returns 503 when the session store cannot be reached.
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
	defer cancel()

	if err := h.ping(ctx); err != nil {
		h.log.Warn().Err(err).Msg("Health probe failed")
		response.Fail(c, http.StatusServiceUnavailable, response.ErrServiceUnavailable)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"status": "ok"})
}

// Status godoc
// GET /api/v1/admin/system/status
func (h *SystemHandler) Status(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
	defer cancel()

	m := systemStatus{
		Uptime:      formatDuration(time.Since(h.startTime)),
		Storage:     h.driver,
		Broker:      config.BrokerLocal,
		Subscribers: h.hub.Subscribers(),
		Goroutines:  runtime.NumGoroutine(),
		GoVersion:   runtime.Version(),
	}
	if latest, ok := h.hub.Latest(); ok {
		m.SessionVersion = latest.Session.Version
	}
	if h.audit != nil {
		m.AuditDropped = h.audit.Dropped()
	}
	if h.rdb != nil {
		m.Broker = config.BrokerRedis
		n, err := h.rdb.LLen(ctx, config.WorkerKey.PersistAuditQueue).Result()
		if err != nil {
			h.log.Warn().Err(err).Msg("Audit queue length unavailable")
		}
		m.AuditQueue = n
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.HeapAlloc = ms.HeapAlloc
	m.NumGC = ms.NumGC

	response.Success(c, http.StatusOK, m)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	secs := int(d.Seconds()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, mins, secs)
	}
	return fmt.Sprintf("%dm %ds", mins, secs)
}
