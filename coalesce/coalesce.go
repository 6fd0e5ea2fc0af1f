// Package coalesce deduplicates concurrent lookups of the same external
// resource and caches results for a short time. It is used where many
// pipeline events need the same slow-changing record at once, for example
// validator profiles during outcome attribution.
package coalesce

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const defaultCleanupInterval = 5 * time.Millisecond

type Handler[T any] struct {
	Fetch func(ctx context.Context, k string) (T, error)
	Set   func(k string, v T)
	Get   func(k string) (T, bool)
}

// Group coalesces Fetch calls per key: at most one fetch of a key is in
// flight at any time, late callers wait for its result. Errors are not
// cached, the next caller retries the fetch.
type Group[T any] struct {
	mu       sync.Mutex
	handler  Handler[T]
	inflight map[string]*call[T]
}

type call[T any] struct {
	done chan struct{}
	v    T
	err  error
}

// NewCustomGroup creates a Group with a cache implementation controlled by
// client code. It should be used for non-trivial flows or non-default cache
// implementations.
func NewCustomGroup[T any](h Handler[T]) *Group[T] {
	return &Group[T]{
		handler:  h,
		inflight: make(map[string]*call[T]),
	}
}

// NewGroup creates a Group with a default cache implementation. It is the
// preferred way of creating a Group.
func NewGroup[T any](fetch func(ctx context.Context, k string) (T, error), cacheTime time.Duration) *Group[T] {
	g := gocache.New(cacheTime, defaultCleanupInterval)
	return NewCustomGroup[T](Handler[T]{
		Fetch: fetch,
		Set: func(k string, v T) {
			g.Set(k, v, cacheTime)
		},
		Get: func(k string) (T, bool) {
			v, ok := g.Get(k)
			if !ok {
				var rt T
				return rt, false
			}
			//nolint:forcetypeassert
			return v.(T), true
		},
	})
}

func (g *Group[T]) Fetch(ctx context.Context, k string) (T, error) { //nolint:ireturn
	if v, ok := g.handler.Get(k); ok {
		return v, nil
	}

	g.mu.Lock()
	// re-check under the lock, a fetch may have completed in the meantime
	if v, ok := g.handler.Get(k); ok {
		g.mu.Unlock()
		return v, nil
	}
	if c, ok := g.inflight[k]; ok {
		g.mu.Unlock()
		return g.wait(ctx, c)
	}
	c := &call[T]{done: make(chan struct{})}
	g.inflight[k] = c
	g.mu.Unlock()

	c.v, c.err = g.handler.Fetch(ctx, k)
	if c.err == nil {
		g.handler.Set(k, c.v)
	}

	g.mu.Lock()
	delete(g.inflight, k)
	g.mu.Unlock()
	close(c.done)

	return c.v, c.err
}

func (g *Group[T]) wait(ctx context.Context, c *call[T]) (T, error) { //nolint:ireturn
	select {
	case <-ctx.Done():
		var rt T
		return rt, ctx.Err()
	case <-c.done:
		return c.v, c.err
	}
}
