package gateway

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// fanOut runs fn(ctx, item) concurrently for every item, joining all of them
// before returning. It stops launching new work and returns the first error
// once one occurs, per errgroup's cancellation semantics, which is how the
// engine's batched KV fetch and parallel include/revinclude FTS sub-queries
// are expressed.
func fanOut[T any](ctx context.Context, items []T, fn func(context.Context, T) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, item := range items {
		item := item
		g.Go(func() error {
			return fn(gctx, item)
		})
	}
	return g.Wait()
}

// resultMutex guards concurrent writes into a shared map[string][]byte from
// fan-out workers.
type resultMutex struct {
	mu sync.Mutex
}

func (m *resultMutex) set(dst *map[string][]byte, key string, val []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	(*dst)[key] = val
}
