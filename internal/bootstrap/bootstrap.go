package bootstrap

import (
	"context"
	"net/http"

	"github.com/hospitalgate/authgate/internal/cache"
	"github.com/hospitalgate/authgate/internal/config"
	"github.com/hospitalgate/authgate/internal/metrics"
	"github.com/hospitalgate/authgate/internal/store"

	"github.com/appleboy/graceful"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
)

// Application holds all initialized components
type Application struct {
	Config *config.Config

	// Core infrastructure
	DB                 *store.Store
	MetricsRecorder    metrics.Recorder
	MetricsCache       cache.Cache[int64]
	MetricsCacheCloser func() error
	RedisClient        *redis.Client
	RateLimitStore     limiter.Store

	// Services
	Services serviceSet

	// HTTP
	HandlerSet handlerSet
	Router     *gin.Engine
	Server     *http.Server
}

// Run initializes and starts the application
func Run(ctx context.Context, cfg *config.Config) error {
	app := &Application{Config: cfg}

	// Phase 1: Validate configuration
	if err := validateAllConfiguration(cfg); err != nil {
		return err
	}

	// Phase 2: Initialize infrastructure
	if err := app.initializeInfrastructure(ctx); err != nil {
		return err
	}

	// Phase 3: Initialize business layer
	if err := app.initializeBusinessLayer(); err != nil {
		return err
	}

	// Phase 4: Initialize HTTP layer
	if err := app.initializeHTTPLayer(); err != nil {
		return err
	}

	// Phase 5: Start server with graceful shutdown
	app.startWithGracefulShutdown()

	return nil
}

// initializeInfrastructure sets up database, metrics, cache, and Redis
func (app *Application) initializeInfrastructure(ctx context.Context) error {
	var err error

	// Database
	app.DB, err = initializeDatabase(ctx, app.Config)
	if err != nil {
		return err
	}

	// Metrics
	app.MetricsRecorder = initializeMetrics(app.Config)
	app.MetricsCache, app.MetricsCacheCloser, err = initializeMetricsCache(ctx, app.Config)
	if err != nil {
		return err
	}

	// Redis (shared by per-IP and per-client rate limiting)
	app.RedisClient, err = initializeRedisClient(ctx, app.Config)
	if err != nil {
		return err
	}

	app.RateLimitStore, err = initializeRateLimitStore(app.Config, app.RedisClient)
	return err
}

// initializeBusinessLayer sets up services
func (app *Application) initializeBusinessLayer() error {
	forwarder, err := initializeAuditForwarder(app.Config)
	if err != nil {
		return err
	}

	app.Services = initializeServices(
		app.Config,
		app.DB,
		app.RateLimitStore,
		forwarder,
		app.MetricsRecorder,
	)
	return nil
}

// initializeHTTPLayer sets up handlers, router, and server
func (app *Application) initializeHTTPLayer() error {
	app.HandlerSet = initializeHandlers(app.Config, app.Services, app.MetricsRecorder)

	var err error
	app.Router, err = setupRouter(
		app.Config,
		app.DB,
		app.HandlerSet,
		app.MetricsRecorder,
		app.RateLimitStore,
	)
	if err != nil {
		return err
	}

	app.Server = createHTTPServer(app.Config, app.Router)
	return nil
}

// startWithGracefulShutdown starts the server and handles graceful shutdown
func (app *Application) startWithGracefulShutdown() {
	m := graceful.NewManager()

	// Add jobs
	addServerRunningJob(m, app.Server)
	addServerShutdownJob(m, app.Config, app.Server)
	addAuditServiceShutdownJob(m, app.Config, app.Services.audit)
	addRedisClientShutdownJob(m, app.Config, app.RedisClient)
	addExpiredCredentialCleanupJob(m, app.Config, app.Services)
	addAuditLogCleanupJob(m, app.Config, app.Services.audit)
	addMetricsGaugeUpdateJob(m, app.Config, app.DB, app.MetricsRecorder, app.MetricsCache)
	addCacheCleanupJob(m, app.Config, app.MetricsCacheCloser)
	addDatabaseShutdownJob(m, app.Config, app.DB)

	// Wait for graceful shutdown
	<-m.Done()
}
