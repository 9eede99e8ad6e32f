package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Proctor *handler.ProctorHandler
	Monitor *handler.MonitorHandler
	Health  *handler.HealthHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// streamLimiter throttles attempt connections per student; nil disables it.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	streamLimiter *middleware.RateLimiter,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Proctoring responses are per-student and must never be cached.
	router.Use(middleware.NoStore())

	router.GET("/health", handlers.Health.Health)

	// ─── 1. WebSocket Group (Student WS Auth) ──────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireStudentWSAuth(authService))
	if streamLimiter != nil {
		ws.Use(streamLimiter.Middleware())
	}
	{
		ws.GET("/proctor/tests/:test_id/stream", handlers.Proctor.ProctorStream)
	}

	// ─── 2. Faculty Group (JWT + Role) ─────────────────────────────────
	facultyAPI := router.Group("/api/v1/faculty")
	facultyAPI.Use(
		middleware.RequireJWT(authService),
		middleware.RequireRole(response.ErrStaffAccessOnly, service.StaffRoles...),
	)
	{
		facultyAPI.GET("/tests/:test_id/monitor", handlers.Monitor.MonitorTestSSE)
	}

	return router
}
