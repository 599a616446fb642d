// Package inflight collapses concurrent identical requests into one shared
// computation per key.
package inflight

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Registry deduplicates work by key. An entry lives only while its
// computation runs; it is removed the moment the computation settles.
type Registry[T any] struct {
	group   singleflight.Group
	running atomic.Int64
	logger  zerolog.Logger

	mu sync.Mutex
	// forced holds, per key, the generation of the running superseding
	// computation. While set, the registered computation for the key is that one.
	forced map[string]uint64
	gen    uint64
}

// NewRegistry creates an empty registry.
func NewRegistry[T any](logger zerolog.Logger) *Registry[T] {
	return &Registry[T]{
		logger: logger.With().Str("component", "InFlightRegistry").Logger(),
		forced: make(map[string]uint64),
	}
}

// Do runs fn for key unless a computation for key is already running, in
// which case it waits for that one. shared reports whether the result was
// (or will be) handed to more than one caller. fn runs detached from the
// caller's cancellation so one caller giving up never cancels the others;
// ctx only bounds how long this caller waits.
func (r *Registry[T]) Do(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) (result T, shared bool, err error) {
	ch := r.group.DoChan(key, r.wrap(ctx, key, fn))
	return r.wait(ctx, key, ch)
}

// Supersede starts a new computation for key even if a plain one is
// running. The running computation still settles for its own waiters, but
// callers arriving after Supersede attach to the new one. Concurrent
// Supersede calls for a key share one superseding computation.
func (r *Registry[T]) Supersede(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) (result T, shared bool, err error) {
	r.mu.Lock()
	if _, running := r.forced[key]; running {
		ch := r.group.DoChan(key, r.wrap(ctx, key, fn))
		r.mu.Unlock()
		return r.wait(ctx, key, ch)
	}
	r.gen++
	gen := r.gen
	r.forced[key] = gen
	r.group.Forget(key)
	wrapped := r.wrap(ctx, key, func(ctx context.Context) (T, error) {
		defer r.settleForced(key, gen)
		return fn(ctx)
	})
	ch := r.group.DoChan(key, wrapped)
	r.mu.Unlock()
	r.logger.Debug().Str("key", key).Msg("Superseding in-flight computation.")
	return r.wait(ctx, key, ch)
}

func (r *Registry[T]) settleForced(key string, gen uint64) {
	r.mu.Lock()
	if r.forced[key] == gen {
		delete(r.forced, key)
	}
	r.mu.Unlock()
}

// InFlight reports how many computations are currently running.
func (r *Registry[T]) InFlight() int {
	return int(r.running.Load())
}

func (r *Registry[T]) wrap(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) func() (any, error) {
	detached := context.WithoutCancel(ctx)
	return func() (v any, err error) {
		r.running.Add(1)
		defer r.running.Add(-1)
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error().Str("key", key).Interface("panic", p).Msg("In-flight computation panicked.")
				err = fmt.Errorf("in-flight computation for %q panicked: %v", key, p)
			}
		}()
		return fn(detached)
	}
}

func (r *Registry[T]) wait(ctx context.Context, key string, ch <-chan singleflight.Result) (T, bool, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case res := <-ch:
		if res.Shared {
			r.logger.Debug().Str("key", key).Msg("Attached to in-flight computation.")
		}
		if res.Err != nil {
			return zero, res.Shared, res.Err
		}
		v, _ := res.Val.(T)
		return v, res.Shared, nil
	}
}
