package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/handler"
	"github.com/stemsi/exstem-live/internal/middleware"
	"github.com/stemsi/exstem-live/internal/response"
	"github.com/stemsi/exstem-live/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session *handler.SessionHandler
	Student *handler.StudentHandler
	Catalog *handler.CatalogHandler
	Events  *handler.EventsHandler
	WS      *handler.WSHandler
	System  *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	answerLimiter *middleware.RateLimiter,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.GinMode != gin.TestMode {
		router.Use(gin.Logger())
	}

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware())

	// Streams must not be buffered by the compressor.
	router.Use(middleware.Brotli("/ws", "/api/v1/session/events"))

	router.GET("/health", handlers.System.Health)

	api := router.Group("/api/v1")
	api.Use(middleware.NoStore(), middleware.RequireJWT(authService))

	// ─── 1. Shared session (any authenticated client) ──────────────────
	{
		api.GET("/session", handlers.Session.GetSession)
		api.GET("/session/events", handlers.Events.StreamSession)
	}

	// ─── 2. Student Group ──────────────────────────────────────────────
	studentAPI := api.Group("/student")
	studentAPI.Use(middleware.RequireStudent())
	{
		studentAPI.GET("/paper", handlers.Student.GetPaper)
		studentAPI.GET("/state", handlers.Student.GetState)
		studentAPI.PUT("/answers", answerLimiter.Middleware(), handlers.Student.RecordAnswer)
		studentAPI.POST("/submit", handlers.Student.Submit)
	}

	// ─── 3. Admin Group ────────────────────────────────────────────────
	adminAPI := api.Group("/admin")
	adminAPI.Use(middleware.RequireAdmin())
	{
		adminAPI.GET("/tests", handlers.Catalog.ListTests)
		adminAPI.POST("/session/:action", handlers.Session.Transition)
		adminAPI.GET("/system/status", handlers.System.Status)
	}

	// ─── 4. WebSocket (token via header or ?token=) ────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireJWT(authService))
	{
		ws.GET("/session", handlers.WS.SessionStream)
	}

	return router
}
