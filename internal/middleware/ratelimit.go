package middleware

import (
	"fmt"
	"log"
	"time"

	"github.com/hospitalgate/authgate/internal/metrics"
	"github.com/hospitalgate/authgate/internal/oautherr"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
)

var ErrTooManyRequests = oautherr.New(oautherr.RateLimited, "too many requests, please try again later")

// RateLimitConfig configures a per-IP limiter for one endpoint group
type RateLimitConfig struct {
	Scope             string // key prefix, e.g. "token"; endpoints sharing a store need distinct scopes
	RequestsPerMinute int
	Store             limiter.Store
	Metrics           metrics.Recorder
}

// NewRateLimiter returns a gin middleware limiting requests per client IP.
// Limiter store failures reject the request.
func NewRateLimiter(cfg RateLimitConfig) (gin.HandlerFunc, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("rate limiter %q requires a store", cfg.Scope)
	}
	if cfg.RequestsPerMinute <= 0 {
		return nil, fmt.Errorf("rate limiter %q requires a positive limit", cfg.Scope)
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewNoopMetrics()
	}

	instance := limiter.New(cfg.Store, limiter.Rate{
		Period: time.Minute,
		Limit:  int64(cfg.RequestsPerMinute),
	})

	return mgin.NewMiddleware(instance,
		mgin.WithKeyGetter(func(c *gin.Context) string {
			return cfg.Scope + ":" + c.ClientIP()
		}),
		mgin.WithLimitReachedHandler(func(c *gin.Context) {
			m.RecordRateLimited("ip:" + cfg.Scope)
			abortWithError(c, ErrTooManyRequests)
		}),
		mgin.WithErrorHandler(func(c *gin.Context, err error) {
			log.Printf("[RateLimit] Limiter store error on %s: %v", cfg.Scope, err)
			abortWithError(c, oautherr.Wrap(oautherr.ServerError, "rate limiter unavailable", err))
		}),
	), nil
}
