package cache

import (
	"context"
	"sync"
	"time"
)

var _ Fetcher[struct{}] = (*MemoryCache[struct{}])(nil)

type memoryEntry[T any] struct {
	value     T
	expiresAt time.Time
}

// inflight tracks one running fetch so concurrent misses can wait on it
type inflight[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// MemoryCache is a process-local cache. Entries expire lazily on read and
// are swept by Set once the map grows past sweepThreshold.
type MemoryCache[T any] struct {
	mu      sync.Mutex
	items   map[string]memoryEntry[T]
	pending map[string]*inflight[T]
}

const sweepThreshold = 1024

func NewMemoryCache[T any]() *MemoryCache[T] {
	return &MemoryCache[T]{
		items:   make(map[string]memoryEntry[T]),
		pending: make(map[string]*inflight[T]),
	}
}

func (m *MemoryCache[T]) Get(_ context.Context, key string) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(key, time.Now())
}

func (m *MemoryCache[T]) getLocked(key string, now time.Time) (T, error) {
	entry, ok := m.items[key]
	if !ok || !now.Before(entry.expiresAt) {
		var zero T
		return zero, ErrCacheMiss
	}
	return entry.value, nil
}

func (m *MemoryCache[T]) Set(_ context.Context, key string, value T, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if len(m.items) >= sweepThreshold {
		for k, e := range m.items {
			if !now.Before(e.expiresAt) {
				delete(m.items, k)
			}
		}
	}
	m.items[key] = memoryEntry[T]{value: value, expiresAt: now.Add(ttl)}
	return nil
}

func (m *MemoryCache[T]) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *MemoryCache[T]) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]memoryEntry[T])
	return nil
}

func (m *MemoryCache[T]) Health(context.Context) error {
	return nil
}

// GetWithFetch loads key on a miss. Concurrent callers missing the same key
// share a single fetch and its result.
func (m *MemoryCache[T]) GetWithFetch(
	ctx context.Context,
	key string,
	ttl time.Duration,
	fetch FetchFunc[T],
) (T, error) {
	m.mu.Lock()
	if value, err := m.getLocked(key, time.Now()); err == nil {
		m.mu.Unlock()
		return value, nil
	}
	if call, ok := m.pending[key]; ok {
		m.mu.Unlock()
		select {
		case <-call.done:
			return call.value, call.err
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
	call := &inflight[T]{done: make(chan struct{})}
	m.pending[key] = call
	m.mu.Unlock()

	call.value, call.err = fetch(ctx, key)

	m.mu.Lock()
	delete(m.pending, key)
	if call.err == nil {
		m.items[key] = memoryEntry[T]{value: call.value, expiresAt: time.Now().Add(ttl)}
	}
	m.mu.Unlock()
	close(call.done)

	return call.value, call.err
}
