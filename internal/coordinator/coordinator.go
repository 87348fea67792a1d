// Package coordinator deduplicates concurrent fetches per cache key, applies
// the retry policy and writes settled results into the resource cache.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"taskmarket/backend"
	"taskmarket/internal/cache"
	"taskmarket/internal/transport"
	"taskmarket/internal/utils"
)

// Loader performs the network call for one key. A nil result with a nil
// error settles the entry as an error.
type Loader func(ctx context.Context) (any, error)

// Config holds the retry policy and hooks.
type Config struct {
	// MaxRetries is the number of retries after the first attempt for
	// transient failures. Default: 2. Negative disables retries.
	MaxRetries int

	// BaseDelay is the backoff before the first retry. Default: 200ms
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Default: 5 seconds
	MaxDelay time.Duration

	// Jitter randomizes backoff delays.
	Jitter bool

	// OnAuthExpired is called with the error of every fetch that settles
	// with a 401. The auth gate makes the resulting clear happen once.
	OnAuthExpired func(err error)

	Logger *utils.Logger
}

// Retry is the effective retry policy.
type Retry struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     bool
}

// flight is one in-flight request for a key.
type flight struct {
	key         cache.Key
	seq         uint64
	subscribers int
	done        chan struct{}
	data        any
	err         error
}

// Coordinator issues single-flight fetches against a cache. It is safe for
// concurrent use.
type Coordinator struct {
	cache  *cache.Cache
	logger *utils.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	flights       map[string]*flight
	retry         Retry
	onAuthExpired func(error)
}

// New creates a coordinator writing into c.
func New(c *cache.Cache, cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = utils.GetLogger()
	}
	base, cancel := context.WithCancel(context.Background())
	co := &Coordinator{
		cache:         c,
		logger:        logger,
		base:          base,
		cancel:        cancel,
		flights:       make(map[string]*flight),
		onAuthExpired: cfg.OnAuthExpired,
	}
	co.SetRetry(Retry{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.BaseDelay,
		MaxDelay:   cfg.MaxDelay,
		Jitter:     cfg.Jitter,
	})
	return co
}

// SetRetry replaces the retry policy for flights started afterwards.
// Zero fields take their defaults.
func (c *Coordinator) SetRetry(r Retry) {
	if r.MaxRetries == 0 {
		r.MaxRetries = 2
	}
	if r.MaxRetries < 0 {
		r.MaxRetries = 0
	}
	if r.BaseDelay <= 0 {
		r.BaseDelay = 200 * time.Millisecond
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = 5 * time.Second
	}
	c.mu.Lock()
	c.retry = r
	c.mu.Unlock()
}

// SetAuthExpiredHook replaces the 401 hook.
func (c *Coordinator) SetAuthExpiredHook(fn func(error)) {
	c.mu.Lock()
	c.onAuthExpired = fn
	c.mu.Unlock()
}

// Cache returns the cache the coordinator writes into.
func (c *Coordinator) Cache() *cache.Cache {
	return c.cache
}

// Fetch returns the data for key.
//
// A fresh Success entry is returned without a network call. Cached data that
// is stale, invalidated or in error is returned immediately while one
// background request revalidates it; an Error entry's error is returned with
// the data. Without cached data the caller joins the in-flight request for
// key, or starts one, and waits for it to settle.
//
// If ctx is cancelled the caller stops waiting but the request still
// completes and populates the cache.
func (c *Coordinator) Fetch(ctx context.Context, key cache.Key, load Loader) (any, error) {
	entry := c.cache.Get(key)
	if entry.Status == cache.StatusSuccess && !c.cache.IsStale(key) {
		return entry.Data, nil
	}

	if entry.HasData() {
		c.start(ctx, key, load, false, false)
		if entry.Status == cache.StatusError {
			return entry.Data, entry.Err
		}
		return entry.Data, nil
	}

	return c.wait(ctx, c.start(ctx, key, load, true, false))
}

// Refetch starts a new request for key even when the data is fresh or a
// request is already in flight, and waits for it. The new request is ordered
// after every earlier one for key.
func (c *Coordinator) Refetch(ctx context.Context, key cache.Key, load Loader) (any, error) {
	return c.wait(ctx, c.start(ctx, key, load, true, true))
}

// Prefetch ensures a request for key is in flight unless the entry is fresh.
// It does not wait.
func (c *Coordinator) Prefetch(ctx context.Context, key cache.Key, load Loader) {
	entry := c.cache.Get(key)
	if entry.Status == cache.StatusSuccess && !c.cache.IsStale(key) {
		return
	}
	c.start(ctx, key, load, false, false)
}

// Invalidate marks entries under prefix stale and detaches their in-flight
// requests, so the next Fetch issues a request ordered after the
// invalidation. It returns the invalidated keys.
func (c *Coordinator) Invalidate(prefix cache.Key) []cache.Key {
	c.mu.Lock()
	for id, f := range c.flights {
		if f.key.HasPrefix(prefix) {
			delete(c.flights, id)
		}
	}
	c.mu.Unlock()
	return c.cache.Invalidate(prefix)
}

// ClearUserScoped drops the cached data of every key outside the shared
// classes and detaches their in-flight requests, so a fetch for the next
// session never joins a request sent with the previous session's token.
// Flights are detached and the cache cleared under one lock, so no request
// can start in between.
func (c *Coordinator) ClearUserScoped() {
	policy := c.cache.Policy()
	c.mu.Lock()
	for id, f := range c.flights {
		if !policy.IsShared(f.key) {
			delete(c.flights, id)
		}
	}
	notify := c.cache.ClearUserScopedDeferred()
	c.mu.Unlock()
	notify()
}

// InFlight reports the number of callers waiting on the request for key and
// whether one is in flight.
func (c *Coordinator) InFlight(key cache.Key) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.flights[key.String()]
	if !ok {
		return 0, false
	}
	return f.subscribers, true
}

// Close cancels outstanding requests and waits for them to settle.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

// start joins the flight for key or begins a new one. The lookup and insert
// happen under one lock so concurrent callers share a flight.
func (c *Coordinator) start(ctx context.Context, key cache.Key, load Loader, subscribe, force bool) *flight {
	id := key.String()

	c.mu.Lock()
	if f, ok := c.flights[id]; ok && !force {
		if subscribe {
			f.subscribers++
		}
		c.mu.Unlock()
		return f
	}
	f := &flight{
		key:  append(cache.Key(nil), key...),
		seq:  c.cache.NextSeq(key),
		done: make(chan struct{}),
	}
	if subscribe {
		f.subscribers = 1
	}
	c.flights[id] = f
	retry := c.retry
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Debug("coordinator: fetching %s (seq %d)", key, f.seq)
	c.cache.MarkLoading(key)

	// The request outlives the caller but not the coordinator.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(c.base, cancel)
	go func() {
		defer c.wg.Done()
		defer cancel()
		defer stop()
		c.run(runCtx, f, load, retry)
	}()
	return f
}

func (c *Coordinator) run(ctx context.Context, f *flight, load Loader, retry Retry) {
	data, err := c.load(ctx, f.key, load, retry)

	if err != nil {
		if !c.cache.PutErrorSeq(f.key, f.seq, err) {
			c.logger.Debug("coordinator: dropped error for %s from superseded request", f.key)
		}
		if backend.IsAuthExpired(err) {
			c.mu.Lock()
			hook := c.onAuthExpired
			c.mu.Unlock()
			if hook != nil {
				hook(err)
			}
		}
	} else if !c.cache.PutSeq(f.key, f.seq, data) {
		c.logger.Debug("coordinator: dropped result for %s from superseded request", f.key)
	}

	c.mu.Lock()
	if c.flights[f.key.String()] == f {
		delete(c.flights, f.key.String())
	}
	f.data, f.err = data, err
	f.subscribers = 0
	c.mu.Unlock()
	close(f.done)
}

// load calls the loader, retrying transient failures with backoff.
func (c *Coordinator) load(ctx context.Context, key cache.Key, load Loader, retry Retry) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			data, err = nil, fmt.Errorf("loader for %s panicked: %v", key, r)
		}
	}()

	for attempt := 0; ; attempt++ {
		data, err = load(ctx)
		if err == nil && data == nil {
			return nil, fmt.Errorf("loader for %s returned no data", key)
		}
		if err == nil {
			return data, nil
		}
		if !backend.IsRetryable(err) || attempt >= retry.MaxRetries {
			if attempt > 0 {
				c.logger.Debug("coordinator: giving up on %s after %d attempts: %v", key, attempt+1, err)
			}
			return nil, err
		}

		delay := transport.Backoff(attempt, retry.BaseDelay, retry.MaxDelay, retry.Jitter)
		c.logger.Debug("coordinator: %s failed (%v), retry %d/%d in %v", key, err, attempt+1, retry.MaxRetries, delay)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Join(err, ctx.Err())
		}
	}
}

func (c *Coordinator) wait(ctx context.Context, f *flight) (any, error) {
	select {
	case <-f.done:
		return f.data, f.err
	case <-ctx.Done():
		c.mu.Lock()
		if f.subscribers > 0 {
			f.subscribers--
		}
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// FetchAs is Fetch with the result asserted to T.
func FetchAs[T any](ctx context.Context, c *Coordinator, key cache.Key, load func(context.Context) (T, error)) (T, error) {
	data, err := c.Fetch(ctx, key, func(ctx context.Context) (any, error) { return load(ctx) })
	return as[T](key, data, err)
}

// RefetchAs is Refetch with the result asserted to T.
func RefetchAs[T any](ctx context.Context, c *Coordinator, key cache.Key, load func(context.Context) (T, error)) (T, error) {
	data, err := c.Refetch(ctx, key, func(ctx context.Context) (any, error) { return load(ctx) })
	return as[T](key, data, err)
}

func as[T any](key cache.Key, data any, err error) (T, error) {
	var zero T
	if data == nil {
		return zero, err
	}
	v, ok := data.(T)
	if !ok {
		return zero, fmt.Errorf("cache entry %s holds %T, not %T", key, data, zero)
	}
	return v, err
}
