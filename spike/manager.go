// Package spike provides a primitive to handle spike-like load on retrieving external resources:
// concurrent reads of the same key share one in-flight fetch and successful results are cached for a short time.
package spike

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const defaultCleanupInterval = time.Minute

type Fetch[T any] func(ctx context.Context, k string) (T, error)

type Manager[T any] struct {
	fetch        Fetch[T]
	cacheTime    time.Duration
	fetchTimeout time.Duration
	cache        *gocache.Cache

	mu       sync.Mutex
	inflight map[string]*call[T]
	fetches  atomic.Uint64
}

type call[T any] struct {
	done chan struct{}
	v    T
	err  error
}

// NewManager creates a Manager caching results for cacheTime. A zero cacheTime only coalesces.
// A fetch runs detached from the callers that wait for it and is bounded by fetchTimeout.
func NewManager[T any](fetch Fetch[T], cacheTime, fetchTimeout time.Duration) *Manager[T] {
	return &Manager[T]{
		fetch:        fetch,
		cacheTime:    cacheTime,
		fetchTimeout: fetchTimeout,
		cache:        gocache.New(cacheTime, defaultCleanupInterval),
		inflight:     make(map[string]*call[T]),
	}
}

func (m *Manager[T]) GetResult(ctx context.Context, k string) (T, error) { //nolint:ireturn
	if v, ok := m.get(k); ok {
		return v, nil
	}

	m.mu.Lock()
	if v, ok := m.get(k); ok {
		m.mu.Unlock()
		return v, nil
	}
	c, ok := m.inflight[k]
	if !ok {
		c = &call[T]{done: make(chan struct{})}
		m.inflight[k] = c
		go m.run(k, c)
	}
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-c.done:
		return c.v, c.err
	}
}

func (m *Manager[T]) run(k string, c *call[T]) {
	ctx := context.Background()
	if m.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.fetchTimeout)
		defer cancel()
	}
	m.fetches.Add(1)
	v, err := m.fetch(ctx, k)

	m.mu.Lock()
	if err == nil && m.cacheTime > 0 {
		m.cache.Set(k, v, m.cacheTime)
	}
	delete(m.inflight, k)
	m.mu.Unlock()

	c.v, c.err = v, err
	close(c.done)
}

func (m *Manager[T]) get(k string) (T, bool) {
	v, ok := m.cache.Get(k)
	if !ok {
		var zero T
		return zero, false
	}
	//nolint:forcetypeassert
	return v.(T), true
}

// Invalidate drops a cached result so the next read fetches again.
func (m *Manager[T]) Invalidate(k string) {
	m.cache.Delete(k)
}

// Fetches returns how many fetches were started.
func (m *Manager[T]) Fetches() uint64 {
	return m.fetches.Load()
}
