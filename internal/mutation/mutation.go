// Package mutation runs write actions against the marketplace API and keeps
// the resource cache consistent with their outcome.
package mutation

import (
	"context"
	"errors"
	"fmt"

	"taskmarket/backend"
	"taskmarket/internal/cache"
	"taskmarket/internal/utils"
)

// ErrOptimisticFinancial is returned for a financial action that declares an
// optimistic update. Money movements are only shown once the server confirms.
var ErrOptimisticFinancial = errors.New("optimistic updates are not allowed for financial actions")

// Update is a provisional or authoritative value for one cache key.
type Update struct {
	Key  cache.Key
	Data any
}

// Action describes one kind of write.
type Action[P, R any] struct {
	// Name identifies the action in logs.
	Name string

	// Run performs the network call.
	Run func(ctx context.Context, payload P) (R, error)

	// Invalidates returns the key prefixes to invalidate after success.
	Invalidates func(payload P, result R) []cache.Key

	// Reconcile returns authoritative values from the server result to store
	// directly, replacing any optimistic overlay on those keys.
	Reconcile func(payload P, result R) []Update

	// Optimistic returns provisional values shown until the call settles.
	// get reads the current entry for a key.
	Optimistic func(payload P, get func(cache.Key) cache.Entry) []Update

	// Financial marks payments and offers; they never update optimistically.
	Financial bool
}

// Invalidator invalidates cache entries, detaching any in-flight reads.
type Invalidator interface {
	Invalidate(prefix cache.Key) []cache.Key
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *utils.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithAuthExpiredHook sets the function called when a mutation fails with 401.
func WithAuthExpiredHook(fn func(error)) Option {
	return func(e *Executor) { e.onAuthExpired = fn }
}

// Executor runs actions. It is safe for concurrent use.
type Executor struct {
	cache         *cache.Cache
	invalidator   Invalidator
	logger        *utils.Logger
	onAuthExpired func(error)
}

// New creates an executor. A nil invalidator invalidates the cache directly.
func New(c *cache.Cache, inv Invalidator, opts ...Option) *Executor {
	e := &Executor{cache: c, invalidator: inv, logger: utils.GetLogger()}
	if e.invalidator == nil {
		e.invalidator = c
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Mutate runs action exactly once with payload. Concurrent identical calls
// are not deduplicated.
//
// On success the declared keys are invalidated after the call has returned.
// On failure nothing is invalidated, optimistic values are rolled back and
// the error is returned unchanged.
func Mutate[P, R any](ctx context.Context, e *Executor, action Action[P, R], payload P) (R, error) {
	var zero R
	if action.Run == nil {
		return zero, fmt.Errorf("action %q has no Run function", action.Name)
	}
	if action.Financial && action.Optimistic != nil {
		return zero, fmt.Errorf("action %q: %w", action.Name, ErrOptimisticFinancial)
	}

	if backend.IdempotencyKey(ctx) == "" {
		ctx = backend.WithIdempotencyKey(ctx, backend.GenerateID())
	}

	type applied struct {
		key cache.Key
		id  uint64
	}
	var overlays []applied
	if action.Optimistic != nil {
		for _, u := range action.Optimistic(payload, e.cache.Get) {
			overlays = append(overlays, applied{key: u.Key, id: e.cache.SetOverlay(u.Key, u.Data)})
		}
	}

	e.logger.Debug("mutation %s: running (idempotency key %s)", action.Name, backend.IdempotencyKey(ctx))
	result, err := action.Run(ctx, payload)
	if err != nil {
		for i := len(overlays) - 1; i >= 0; i-- {
			e.cache.DropOverlay(overlays[i].key, overlays[i].id)
		}
		if backend.IsAuthExpired(err) && e.onAuthExpired != nil {
			e.onAuthExpired(err)
		}
		e.logger.Debug("mutation %s: failed: %v", action.Name, err)
		return zero, err
	}

	var reconciled []cache.Key
	if action.Reconcile != nil {
		for _, u := range action.Reconcile(payload, result) {
			e.cache.Put(u.Key, u.Data)
			reconciled = append(reconciled, u.Key)
		}
	}

	var prefixes []cache.Key
	if action.Invalidates != nil {
		prefixes = action.Invalidates(payload, result)
	}
	for _, p := range prefixes {
		keys := e.invalidator.Invalidate(p)
		e.logger.Debug("mutation %s: invalidated %s (%d entries)", action.Name, p, len(keys))
	}

	// Overlays not replaced by a reconcile and not awaiting a refetch would
	// otherwise shadow the server data indefinitely.
	for _, o := range overlays {
		if covered(o.key, reconciled, prefixes) {
			continue
		}
		e.cache.DropOverlay(o.key, o.id)
	}

	return result, nil
}

func covered(key cache.Key, reconciled, prefixes []cache.Key) bool {
	for _, k := range reconciled {
		if k.Equal(key) {
			return true
		}
	}
	for _, p := range prefixes {
		if key.HasPrefix(p) {
			return true
		}
	}
	return false
}
