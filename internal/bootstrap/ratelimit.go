package bootstrap

import (
	"fmt"
	"log"

	"github.com/hospitalgate/authgate/internal/config"
	"github.com/hospitalgate/authgate/internal/metrics"
	"github.com/hospitalgate/authgate/internal/middleware"
	"github.com/hospitalgate/authgate/internal/ratelimit"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
)

const rateLimitKeyPrefix = "hospitalgate:ratelimit"

// rateLimitMiddlewares holds per-IP rate limiting middlewares for each
// endpoint group
type rateLimitMiddlewares struct {
	token      gin.HandlerFunc
	authorize  gin.HandlerFunc
	introspect gin.HandlerFunc
}

// initializeRateLimitStore creates the counter store shared by the per-IP
// middleware and the per-client limiter
func initializeRateLimitStore(cfg *config.Config, redisClient *redis.Client) (limiter.Store, error) {
	storeType := ratelimit.StoreType(cfg.RateLimitStore)
	s, err := ratelimit.NewStore(storeType, redisClient, rateLimitKeyPrefix, cfg.RateLimitCleanupInterval)
	if err != nil {
		return nil, err
	}

	if storeType == ratelimit.StoreRedis {
		log.Printf("Rate limit counters shared through Redis")
	} else {
		log.Printf("In-memory rate limiting configured (single instance only)")
	}
	return s, nil
}

// setupRateLimiting configures per-IP rate limiting middlewares based on
// configuration
func setupRateLimiting(
	cfg *config.Config,
	store limiter.Store,
	m metrics.Recorder,
) (rateLimitMiddlewares, error) {
	// Return no-op middlewares when rate limiting is disabled
	noOpMiddleware := func(c *gin.Context) { c.Next() }
	if !cfg.EnableRateLimit {
		log.Printf("Per-IP rate limiting disabled")
		return rateLimitMiddlewares{
			token:      noOpMiddleware,
			authorize:  noOpMiddleware,
			introspect: noOpMiddleware,
		}, nil
	}

	createLimiter := func(scope string, requestsPerMinute int) (gin.HandlerFunc, error) {
		mw, err := middleware.NewRateLimiter(middleware.RateLimitConfig{
			Scope:             scope,
			RequestsPerMinute: requestsPerMinute,
			Store:             store,
			Metrics:           m,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create rate limiter for %s: %w", scope, err)
		}
		return mw, nil
	}

	var (
		limiters rateLimitMiddlewares
		err      error
	)
	if limiters.token, err = createLimiter("token", cfg.TokenRateLimit); err != nil {
		return limiters, err
	}
	if limiters.authorize, err = createLimiter("authorize", cfg.AuthorizeRateLimit); err != nil {
		return limiters, err
	}
	if limiters.introspect, err = createLimiter("introspect", cfg.IntrospectRateLimit); err != nil {
		return limiters, err
	}
	return limiters, nil
}
