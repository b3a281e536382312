package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/hospitalgate/authgate/internal/cache"
	"github.com/hospitalgate/authgate/internal/config"
	"github.com/hospitalgate/authgate/internal/metrics"
	"github.com/hospitalgate/authgate/internal/services"
	"github.com/hospitalgate/authgate/internal/store"

	"github.com/appleboy/graceful"
	"github.com/redis/go-redis/v9"
)

// createHTTPServer creates the HTTP server instance
func createHTTPServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// addServerRunningJob adds the HTTP server running job
func addServerRunningJob(m *graceful.Manager, srv *http.Server) {
	m.AddRunningJob(func(ctx context.Context) error {
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("Failed to start server: %v", err)
			}
		}()
		<-ctx.Done()
		return nil
	})
}

// addServerShutdownJob adds HTTP server shutdown handler
func addServerShutdownJob(m *graceful.Manager, cfg *config.Config, srv *http.Server) {
	m.AddShutdownJob(func() error {
		log.Println("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server forced to shutdown: %v", err)
			return err
		}

		log.Println("Server exited")
		return nil
	})
}

// addRedisClientShutdownJob adds Redis client shutdown handler
func addRedisClientShutdownJob(m *graceful.Manager, cfg *config.Config, redisClient *redis.Client) {
	if redisClient == nil {
		return
	}

	m.AddShutdownJob(func() error {
		log.Println("Closing Redis connection...")
		if err := closeWithTimeout("redis", cfg.RedisCloseTimeout, redisClient.Close); err != nil {
			log.Printf("Error closing Redis client: %v", err)
			return err
		}
		log.Println("Redis connection closed")
		return nil
	})
}

// addAuditServiceShutdownJob flushes buffered audit events and the PHI
// forwarder queue
func addAuditServiceShutdownJob(
	m *graceful.Manager,
	cfg *config.Config,
	auditService *services.AuditService,
) {
	m.AddShutdownJob(func() error {
		log.Println("Shutting down audit service...")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.AuditShutdownTimeout)
		defer cancel()

		if err := auditService.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down audit service: %v", err)
			return err
		}
		return nil
	})
}

// addDatabaseShutdownJob closes the database connection pool
func addDatabaseShutdownJob(m *graceful.Manager, cfg *config.Config, db *store.Store) {
	m.AddShutdownJob(func() error {
		if err := closeWithTimeout("database", cfg.DBCloseTimeout, db.Close); err != nil {
			log.Printf("Error closing database: %v", err)
			return err
		}
		log.Println("Database connection closed")
		return nil
	})
}

// closeWithTimeout runs closeFn and gives up waiting after timeout. A
// non-positive timeout waits indefinitely.
func closeWithTimeout(name string, timeout time.Duration, closeFn func() error) error {
	if timeout <= 0 {
		return closeFn()
	}

	done := make(chan error, 1)
	go func() { done <- closeFn() }()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("closing %s timed out after %s", name, timeout)
	}
}

// credentialCleaner removes expired credentials of one kind
type credentialCleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// cleanupExpiredCredentials deletes expired authorization codes and tokens
func cleanupExpiredCredentials(ctx context.Context, cleaners map[string]credentialCleaner) {
	for name, cleaner := range cleaners {
		deleted, err := cleaner.CleanupExpired(ctx)
		if err != nil {
			log.Printf("Failed to cleanup expired %s: %v", name, err)
			continue
		}
		if deleted > 0 {
			log.Printf("Cleaned up %d expired %s", deleted, name)
		}
	}
}

// addExpiredCredentialCleanupJob adds periodic removal of expired codes and
// tokens
func addExpiredCredentialCleanupJob(m *graceful.Manager, cfg *config.Config, svc serviceSet) {
	if cfg.CleanupInterval <= 0 {
		return
	}

	cleaners := map[string]credentialCleaner{
		"authorization codes": svc.authorization,
		"tokens":              svc.tokens,
	}

	m.AddRunningJob(func(ctx context.Context) error {
		ticker := time.NewTicker(cfg.CleanupInterval)
		defer ticker.Stop()

		cleanupExpiredCredentials(ctx, cleaners)

		for {
			select {
			case <-ticker.C:
				cleanupExpiredCredentials(ctx, cleaners)
			case <-ctx.Done():
				return nil
			}
		}
	})
}

// addAuditLogCleanupJob adds periodic audit log cleanup job
func addAuditLogCleanupJob(
	m *graceful.Manager,
	cfg *config.Config,
	auditService *services.AuditService,
) {
	if !cfg.EnableAuditLogging || cfg.AuditLogRetention <= 0 {
		return
	}

	cleanup := func(ctx context.Context) {
		if deleted, err := auditService.CleanupOldLogs(ctx, cfg.AuditLogRetention); err != nil {
			log.Printf("Failed to cleanup old audit logs: %v", err)
		} else if deleted > 0 {
			log.Printf("Cleaned up %d old audit logs", deleted)
		}
	}

	m.AddRunningJob(func(ctx context.Context) error {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		// Run cleanup immediately on startup
		cleanup(ctx)

		for {
			select {
			case <-ticker.C:
				cleanup(ctx)
			case <-ctx.Done():
				return nil
			}
		}
	})
}

// addMetricsGaugeUpdateJob adds periodic metrics gauge update job
func addMetricsGaugeUpdateJob(
	m *graceful.Manager,
	cfg *config.Config,
	db *store.Store,
	prometheusMetrics metrics.Recorder,
	metricsCache cache.Cache[int64],
) {
	if !cfg.MetricsEnabled || !cfg.MetricsGaugeUpdateEnabled || metricsCache == nil {
		return
	}

	m.AddRunningJob(func(ctx context.Context) error {
		ticker := time.NewTicker(cfg.MetricsGaugeUpdateInterval)
		defer ticker.Stop()

		cacheWrapper := metrics.NewCacheWrapper(db, metricsCache)
		errLog := newErrorLogger()

		// Update immediately on startup
		updateGaugeMetricsWithCache(
			ctx,
			cacheWrapper,
			prometheusMetrics,
			errLog,
			cfg.MetricsGaugeUpdateInterval,
		)

		for {
			select {
			case <-ticker.C:
				updateGaugeMetricsWithCache(
					ctx,
					cacheWrapper,
					prometheusMetrics,
					errLog,
					cfg.MetricsGaugeUpdateInterval,
				)
			case <-ctx.Done():
				return nil
			}
		}
	})
}

// addCacheCleanupJob adds cache cleanup on shutdown
func addCacheCleanupJob(m *graceful.Manager, cfg *config.Config, metricsCacheCloser func() error) {
	if metricsCacheCloser == nil {
		return
	}

	m.AddShutdownJob(func() error {
		if err := closeWithTimeout("metrics cache", cfg.CacheCloseTimeout, metricsCacheCloser); err != nil {
			log.Printf("Error closing metrics cache: %v", err)
		} else {
			log.Println("Metrics cache closed")
		}
		return nil
	})
}

// errorLogger handles rate-limited error logging
type errorLogger struct {
	mu              sync.Mutex
	lastErrorTimes  map[string]time.Time
	rateLimitWindow time.Duration
	now             func() time.Time
}

// newErrorLogger creates a new error logger with rate limiting
func newErrorLogger() *errorLogger {
	return &errorLogger{
		lastErrorTimes:  make(map[string]time.Time),
		rateLimitWindow: 5 * time.Minute, // Log at most once per 5 minutes per operation
		now:             time.Now,
	}
}

// logIfNeeded logs an error only if rate limit allows. Reports whether it
// logged.
func (e *errorLogger) logIfNeeded(operation string, err error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	lastTime, exists := e.lastErrorTimes[operation]
	if exists && now.Sub(lastTime) < e.rateLimitWindow {
		return false
	}

	log.Printf("Database query failed for %s: %v (further errors will be suppressed for %v)",
		operation, err, e.rateLimitWindow)
	e.lastErrorTimes[operation] = now
	return true
}

// updateGaugeMetricsWithCache updates gauge metrics using a cache-backed store.
// The cache TTL matches the update interval.
func updateGaugeMetricsWithCache(
	ctx context.Context,
	cacheWrapper *metrics.CacheWrapper,
	m metrics.Recorder,
	errLog *errorLogger,
	cacheTTL time.Duration,
) {
	for _, category := range []string{"access", "refresh"} {
		count, err := cacheWrapper.GetActiveTokensCount(ctx, category, cacheTTL)
		if err != nil {
			op := "count_" + category + "_tokens"
			m.RecordDatabaseQueryError(op)
			errLog.logIfNeeded(op, err)
			continue
		}
		m.SetActiveTokensCount(category, int(count))
	}

	pendingCodes, err := cacheWrapper.GetPendingAuthorizationCodesCount(ctx, cacheTTL)
	if err != nil {
		m.RecordDatabaseQueryError("count_pending_authorization_codes")
		errLog.logIfNeeded("count_pending_authorization_codes", err)
	} else {
		m.SetPendingAuthorizationCodesCount(int(pendingCodes))
	}

	activeClients, err := cacheWrapper.GetActiveClientsCount(ctx, cacheTTL)
	if err != nil {
		m.RecordDatabaseQueryError("count_active_clients")
		errLog.logIfNeeded("count_active_clients", err)
	} else {
		m.SetActiveClientsCount(int(activeClients))
	}
}
