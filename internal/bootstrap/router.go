package bootstrap

import (
	"log"
	"net/http"

	"github.com/hospitalgate/authgate/internal/config"
	"github.com/hospitalgate/authgate/internal/metrics"
	"github.com/hospitalgate/authgate/internal/middleware"
	"github.com/hospitalgate/authgate/internal/store"
	"github.com/hospitalgate/authgate/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ulule/limiter/v3"
)

// setupRouter configures the Gin router with all routes and middleware
func setupRouter(
	cfg *config.Config,
	db *store.Store,
	h handlerSet,
	prometheusMetrics metrics.Recorder,
	rateLimitStore limiter.Store,
) (*gin.Engine, error) {
	// Setup Gin mode
	setupGinMode(cfg)
	r := gin.New()

	// Setup middleware
	r.Use(metrics.HTTPMetricsMiddleware(prometheusMetrics))
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(util.IPMiddleware())

	// Health check endpoint
	r.GET("/health", createHealthCheckHandler(db))

	// Setup metrics endpoint
	setupMetricsEndpoint(r, cfg)

	// Setup rate limiting
	rateLimiters, err := setupRateLimiting(cfg, rateLimitStore, prometheusMetrics)
	if err != nil {
		return nil, err
	}

	// Setup all routes
	setupAllRoutes(r, h, rateLimiters)

	// Log server startup info
	logServerStartup(cfg)

	return r, nil
}

// setupMetricsEndpoint configures the Prometheus metrics endpoint
func setupMetricsEndpoint(r *gin.Engine, cfg *config.Config) {
	switch {
	case !cfg.MetricsEnabled:
		log.Printf("Prometheus metrics disabled")
	case cfg.MetricsToken != "":
		log.Printf("Prometheus metrics enabled at /metrics with Bearer token authentication")
		r.GET(
			"/metrics",
			middleware.MetricsAuthMiddleware(cfg.MetricsToken),
			gin.WrapH(promhttp.Handler()),
		)
	default:
		log.Printf("Prometheus metrics enabled at /metrics (no authentication)")
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
}

// setupAllRoutes configures all application routes
func setupAllRoutes(r *gin.Engine, h handlerSet, rateLimiters rateLimitMiddlewares) {
	// Authorization endpoint (browser, platform login required)
	r.GET(
		"/oauth/authorize",
		rateLimiters.authorize,
		h.platformAuth.RequireUser(),
		h.authorization.Authorize,
	)

	// Back-channel OAuth endpoints (client authentication in handlers)
	oauth := r.Group("/oauth")
	{
		oauth.POST("/token", rateLimiters.token, h.token.Token)
		oauth.POST("/introspect", rateLimiters.introspect, h.token.Introspect)
		oauth.POST("/revoke", rateLimiters.introspect, h.token.Revoke)
		oauth.POST("/access-check", rateLimiters.introspect, h.token.AccessCheck)
	}

	// Bearer-protected self check for resource servers
	r.GET(
		"/api/patients/:patient_id/access",
		rateLimiters.introspect,
		middleware.RequireAccess(h.access, "patients", "read"),
		func(c *gin.Context) {
			c.JSON(http.StatusOK, middleware.GetAccessDecision(c))
		},
	)

	// Organization administration
	admin := r.Group("/admin")
	admin.Use(h.platformAuth.RequireUser(), middleware.RequireAdmin())
	{
		admin.POST("/clients", h.client.CreateClient)
		admin.GET("/clients", h.client.ListClients)
		admin.GET("/clients/:id", h.client.GetClient)
		admin.PATCH("/clients/:id", h.client.UpdateClient)
		admin.POST("/clients/:id/revoke", h.client.RevokeClient)
		admin.POST("/clients/:id/secret", h.client.RotateSecret)

		admin.GET("/audit", h.audit.ListAuditLogs)
		admin.GET("/audit/stats", h.audit.GetAuditLogStats)
		admin.GET("/audit/export", h.audit.ExportAuditLogs)
	}
}

// createHealthCheckHandler reports database connectivity
func createHealthCheckHandler(db *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch err := db.Health(c.Request.Context()); err {
		case nil:
			c.JSON(http.StatusOK, gin.H{
				"status":   "healthy",
				"database": "connected",
			})
		default:
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"database": "disconnected",
			})
		}
	}
}

// setupGinMode sets Gin mode based on environment configuration
func setupGinMode(cfg *config.Config) {
	production := cfg.IsProduction()
	gin.SetMode(ginModeMap[production])
	log.Printf("Gin mode: %s", ginModeLogMessage[production])
}

var ginModeMap = map[bool]string{
	true:  gin.ReleaseMode,
	false: gin.DebugMode,
}

var ginModeLogMessage = map[bool]string{
	true:  "Release (production)",
	false: "Debug (development)",
}

// logServerStartup logs server startup information
func logServerStartup(cfg *config.Config) {
	log.Printf("HospitalGate authorization server starting on %s", cfg.ServerAddr)
	log.Printf("Authorization endpoint: %s/oauth/authorize", cfg.BaseURL)
	log.Printf("Token endpoint: %s/oauth/token", cfg.BaseURL)
	log.Printf("Environment: %s", cfg.Environment)
}
