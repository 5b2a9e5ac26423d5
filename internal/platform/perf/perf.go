// Package perf aggregates per-request stage timings (search translation,
// FTS, KV, assembly) the way the request logger aggregates overall
// latency, generalized to multiple named stages so slow requests can be
// attributed to a phase instead of just a total.
package perf

import (
	"context"
	"sync"
	"time"
)

// Bag collects named stage durations for a single request.
type Bag struct {
	mu     sync.Mutex
	stages []Stage
	start  time.Time
}

// Stage is one named timing recorded in a Bag.
type Stage struct {
	Name     string
	Duration time.Duration
}

// New creates a Bag whose Total() is measured from the moment of creation.
func New() *Bag {
	return &Bag{start: time.Now()}
}

// Track records the duration of fn under name.
func (b *Bag) Track(name string, fn func()) {
	started := time.Now()
	fn()
	b.record(name, time.Since(started))
}

// TrackErr is like Track for a function that can fail.
func (b *Bag) TrackErr(name string, fn func() error) error {
	started := time.Now()
	err := fn()
	b.record(name, time.Since(started))
	return err
}

func (b *Bag) record(name string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stages = append(b.stages, Stage{Name: name, Duration: d})
}

// Stages returns a copy of the recorded stage timings, in recording order.
func (b *Bag) Stages() []Stage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Stage, len(b.stages))
	copy(out, b.stages)
	return out
}

// Total returns the elapsed time since the Bag was created.
func (b *Bag) Total() time.Duration {
	return time.Since(b.start)
}

type contextKey struct{}

// WithBag attaches a Bag to ctx.
func WithBag(ctx context.Context, bag *Bag) context.Context {
	return context.WithValue(ctx, contextKey{}, bag)
}

// FromContext retrieves the Bag attached to ctx, or a fresh discarded one
// if none was attached (so callers never need a nil check).
func FromContext(ctx context.Context) *Bag {
	if bag, ok := ctx.Value(contextKey{}).(*Bag); ok {
		return bag
	}
	return New()
}
