// Package spike deduplicates spike-like load on external resources: many
// concurrent requests for the same key collapse into one upstream fetch, and
// results are cached with a TTL.
package spike

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const cleanupInterval = time.Minute

type result[T any] struct {
	v   T
	err error
}

type waiter[T any] chan result[T]

// Fetcher collapses concurrent fetches per key and caches successes.
type Fetcher[T any] struct {
	fetch func(ctx context.Context, key string) (T, error)
	cache *gocache.Cache
	ttl   time.Duration

	mu       sync.Mutex
	inFlight map[string][]waiter[T]
}

func NewFetcher[T any](fetch func(ctx context.Context, key string) (T, error), ttl time.Duration) *Fetcher[T] {
	return &Fetcher[T]{
		fetch:    fetch,
		cache:    gocache.New(ttl, cleanupInterval),
		ttl:      ttl,
		inFlight: make(map[string][]waiter[T]),
	}
}

// Get returns the cached value for key, or fetches it once no matter how many
// callers arrive concurrently. Errors are not cached.
func (f *Fetcher[T]) Get(ctx context.Context, key string) (T, error) {
	if v, ok := f.cache.Get(key); ok {
		//nolint:forcetypeassert
		return v.(T), nil
	}

	w := make(waiter[T], 1)
	f.mu.Lock()
	waiters, running := f.inFlight[key]
	f.inFlight[key] = append(waiters, w)
	f.mu.Unlock()

	if !running {
		go f.run(key)
	}

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case res := <-w:
		return res.v, res.err
	}
}

func (f *Fetcher[T]) run(key string) {
	v, err := f.fetch(context.Background(), key)
	if err == nil {
		f.cache.Set(key, v, f.ttl)
	}

	f.mu.Lock()
	waiters := f.inFlight[key]
	delete(f.inFlight, key)
	f.mu.Unlock()

	for _, w := range waiters {
		w <- result[T]{v: v, err: err}
		close(w)
	}
}
