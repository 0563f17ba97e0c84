package handlers

import (
	"bothost/internal/metrics"
	"bothost/internal/middleware"
	"bothost/pkg/models"

	"github.com/gin-gonic/gin"
)

// RouterOptions selects the optional middleware of the router.
type RouterOptions struct {
	// Limiter throttles the API per client. Nil disables rate limiting.
	Limiter middleware.Limiter

	// AuthLimiter applies a tighter budget to register and login.
	AuthLimiter middleware.Limiter

	// Metrics enables the Prometheus middleware and /metrics.
	Metrics bool
}

// NewRouter builds the gin engine with every route of the API.
func (h *Handler) NewRouter(opts RouterOptions) *gin.Engine {
	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger("/health", "/metrics"))
	router.Use(middleware.CORS(h.AllowedOrigins))
	router.Use(middleware.SecurityHeaders())

	if opts.Metrics {
		router.Use(metrics.PrometheusMiddleware())
		router.GET("/metrics", metrics.PrometheusHandler())
	}

	router.GET("/health", h.Health)

	requireAuth := middleware.RequireAuth(h.Auth)
	adminOnly := middleware.RequireAnyRole(models.RoleAdmin, models.RoleOwner)

	// Log streaming authenticates with ?token= because browsers cannot set
	// headers on a websocket handshake.
	router.GET("/ws/bots/:id/logs", requireAuth, h.StreamLogs)

	v1 := router.Group("/api/v1")

	authGroup := v1.Group("/auth")
	if opts.AuthLimiter != nil {
		authGroup.Use(middleware.RateLimit(opts.AuthLimiter))
	}
	authGroup.POST("/register", h.Register)
	authGroup.POST("/login", h.Login)

	protected := v1.Group("")
	protected.Use(requireAuth)
	if opts.Limiter != nil {
		protected.Use(middleware.RateLimit(opts.Limiter))
	}

	protected.GET("/auth/me", h.Me)
	protected.GET("/runtimes", h.ListRuntimes)

	botsGroup := protected.Group("/bots")
	botsGroup.POST("", h.CreateBot)
	botsGroup.GET("", h.ListBots)
	botsGroup.GET("/:id", h.GetBot)
	botsGroup.DELETE("/:id", h.DeleteBot)
	botsGroup.POST("/:id/upload", h.UploadCode)
	botsGroup.POST("/:id/start", h.StartBot)
	botsGroup.POST("/:id/stop", h.StopBot)
	botsGroup.POST("/:id/restart", h.RestartBot)
	botsGroup.GET("/:id/logs", h.GetLogs)

	admin := protected.Group("/admin")
	admin.Use(adminOnly)
	admin.GET("/users", h.AdminListUsers)
	admin.POST("/users/:id/suspend", h.AdminSuspendUser)
	admin.POST("/users/:id/activate", h.AdminActivateUser)
	admin.GET("/bots", h.AdminListBots)
	admin.GET("/audit", h.AdminAuditLog)
	admin.GET("/bots/:id/backups", h.AdminListBackups)
	admin.GET("/bots/:id/backups/:name", h.AdminDownloadBackup)

	return router
}
