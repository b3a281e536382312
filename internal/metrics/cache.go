package metrics

import (
	"context"
	"time"

	"github.com/hospitalgate/authgate/internal/cache"
)

// Store is the subset of the store that gauge collection reads
type Store interface {
	CountActiveTokensByCategory(ctx context.Context, category string) (int64, error)
	CountPendingAuthorizationCodes(ctx context.Context) (int64, error)
	CountActiveClients(ctx context.Context) (int64, error)
}

// CacheWrapper serves gauge counts through a cache so that replicas do not
// each run the count queries on every update tick.
type CacheWrapper struct {
	store Store
	cache cache.Cache[int64]
}

func NewCacheWrapper(store Store, c cache.Cache[int64]) *CacheWrapper {
	return &CacheWrapper{store: store, cache: c}
}

// GetActiveTokensCount counts unexpired, unrevoked tokens of a category
func (w *CacheWrapper) GetActiveTokensCount(
	ctx context.Context,
	category string,
	ttl time.Duration,
) (int64, error) {
	return cache.GetWithFetch(ctx, w.cache, "tokens:"+category, ttl,
		func(ctx context.Context, _ string) (int64, error) {
			return w.store.CountActiveTokensByCategory(ctx, category)
		},
	)
}

func (w *CacheWrapper) GetPendingAuthorizationCodesCount(
	ctx context.Context,
	ttl time.Duration,
) (int64, error) {
	return cache.GetWithFetch(ctx, w.cache, "codes:pending", ttl,
		func(ctx context.Context, _ string) (int64, error) {
			return w.store.CountPendingAuthorizationCodes(ctx)
		},
	)
}

func (w *CacheWrapper) GetActiveClientsCount(ctx context.Context, ttl time.Duration) (int64, error) {
	return cache.GetWithFetch(ctx, w.cache, "clients:active", ttl,
		func(ctx context.Context, _ string) (int64, error) {
			return w.store.CountActiveClients(ctx)
		},
	)
}
