// Package ratelimit builds the ulule/limiter stores shared by the per-IP
// middleware and the per-client limiter. A Redis store lets every replica
// count against the same window.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	limiterRedis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// StoreType selects where rate limit counters live
type StoreType string

const (
	// StoreMemory keeps counters in process (single instance only)
	StoreMemory StoreType = "memory"
	// StoreRedis shares counters across replicas
	StoreRedis StoreType = "redis"
)

// NewStore creates a limiter store. redisClient is required for StoreRedis
// and ignored otherwise.
func NewStore(
	storeType StoreType,
	redisClient *redis.Client,
	prefix string,
	cleanupInterval time.Duration,
) (limiter.Store, error) {
	opts := limiter.StoreOptions{
		Prefix:          prefix,
		CleanUpInterval: cleanupInterval,
	}

	switch storeType {
	case StoreRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("redis rate limit store requires a redis client")
		}
		store, err := limiterRedis.NewStoreWithOptions(redisClient, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis rate limit store: %w", err)
		}
		return store, nil
	case StoreMemory, "":
		return memory.NewStoreWithOptions(opts), nil
	default:
		return nil, fmt.Errorf("unknown rate limit store %q", storeType)
	}
}

// Result is the outcome of a single limit check
type Result struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	Reset     time.Time
}

// ClientLimiter enforces each client's own request budget. Limits come from
// the client record, so one store serves clients with different rates.
type ClientLimiter struct {
	store limiter.Store
}

func NewClientLimiter(store limiter.Store) *ClientLimiter {
	return &ClientLimiter{store: store}
}

// Allow counts one request for clientID against limit requests per window.
// A non-positive limit or window disables the check.
func (l *ClientLimiter) Allow(
	ctx context.Context,
	clientID string,
	limit int64,
	window time.Duration,
) (Result, error) {
	if limit <= 0 || window <= 0 {
		return Result{Allowed: true}, nil
	}

	rate := limiter.Rate{Period: window, Limit: limit}
	// The rate is part of the key so a changed limit starts a fresh window
	key := "client:" + clientID + ":" + strconv.FormatInt(limit, 10) + "/" + window.String()

	lctx, err := limiter.New(l.store, rate).Get(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("rate limit check for %s: %w", clientID, err)
	}

	return Result{
		Allowed:   !lctx.Reached,
		Limit:     lctx.Limit,
		Remaining: lctx.Remaining,
		Reset:     time.Unix(lctx.Reset, 0),
	}, nil
}
