package cache

import (
	"context"
	"time"
)

// Cache is a typed key-value cache with per-entry TTL.
type Cache[T any] interface {
	// Get returns ErrCacheMiss when the key is absent or expired.
	Get(ctx context.Context, key string) (T, error)
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
	Health(ctx context.Context) error
}

// FetchFunc loads the authoritative value for key on a cache miss.
type FetchFunc[T any] func(ctx context.Context, key string) (T, error)

// Fetcher is implemented by caches that run the load themselves and can
// collapse concurrent misses for the same key into one call.
type Fetcher[T any] interface {
	Cache[T]
	GetWithFetch(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc[T]) (T, error)
}

// GetWithFetch reads key through c. Caches implementing Fetcher handle the
// miss themselves; otherwise the value is fetched and written back, and a
// failed write-back is ignored.
func GetWithFetch[T any](
	ctx context.Context,
	c Cache[T],
	key string,
	ttl time.Duration,
	fetch FetchFunc[T],
) (T, error) {
	if f, ok := c.(Fetcher[T]); ok {
		return f.GetWithFetch(ctx, key, ttl, fetch)
	}

	if value, err := c.Get(ctx, key); err == nil {
		return value, nil
	}

	value, err := fetch(ctx, key)
	if err != nil {
		var zero T
		return zero, err
	}

	_ = c.Set(ctx, key, value, ttl)
	return value, nil
}
