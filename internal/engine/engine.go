// Package engine assembles the cache, request coordinator, mutation executor,
// draft store and auth gate into the object screens talk to. Everything is
// built by New; there are no package-level instances.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"taskmarket/backend"
	"taskmarket/backend/marketapi"
	"taskmarket/internal/auth"
	"taskmarket/internal/cache"
	"taskmarket/internal/config"
	"taskmarket/internal/coordinator"
	"taskmarket/internal/credentials"
	"taskmarket/internal/draft"
	"taskmarket/internal/mutation"
	"taskmarket/internal/transport"
	"taskmarket/internal/utils"
	"taskmarket/internal/watcher"
)

type options struct {
	cfg     *config.Config
	api     backend.Marketplace
	store   credentials.Store
	drafts  *draft.Store
	logger  *utils.Logger
	now     func() time.Time
	restore bool
}

// Option configures New.
type Option func(*options)

// WithConfig sets the configuration. Default: config.DefaultConfig().
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithBackend replaces the HTTP API client.
func WithBackend(api backend.Marketplace) Option {
	return func(o *options) { o.api = api }
}

// WithCredentialStore sets where the session is persisted. Default: the OS
// keyring, falling back to memory when no keyring is available.
func WithCredentialStore(s credentials.Store) Option {
	return func(o *options) { o.store = s }
}

// WithDraftStore replaces the SQLite-backed draft store.
func WithDraftStore(s *draft.Store) Option {
	return func(o *options) { o.drafts = s }
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *utils.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithoutRestore skips loading the saved session in New.
func WithoutRestore() Option {
	return func(o *options) { o.restore = false }
}

// Engine is the screen-facing API. It is safe for concurrent use.
type Engine struct {
	logger *utils.Logger
	cache  *cache.Cache
	client *transport.Client
	stats  *transport.Stats
	api    backend.Marketplace
	coord  *coordinator.Coordinator
	exec   *mutation.Executor
	drafts *draft.Store
	gate   *auth.Gate

	mu      sync.Mutex
	cfg     *config.Config
	watcher *watcher.Watcher
	closed  bool
}

// New builds an engine. Unless WithoutRestore is given, a session saved by
// an earlier run is loaded.
func New(ctx context.Context, opts ...Option) (*Engine, error) {
	o := options{restore: true, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.cfg == nil {
		o.cfg = config.DefaultConfig()
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if o.logger == nil {
		o.logger = utils.GetLogger()
	}
	if o.store == nil {
		o.store = credentials.Fallback(credentials.NewKeyringStore(), credentials.NewMemoryStore())
	}

	e := &Engine{logger: o.logger, cfg: o.cfg}
	e.cache = cache.New(
		cache.WithPolicy(o.cfg.TTLPolicy()),
		cache.WithClock(o.now),
		cache.WithLogger(o.logger),
	)
	e.coord = coordinator.New(e.cache, coordinator.Config{Logger: o.logger})
	e.coord.SetRetry(retryPolicy(o.cfg))
	// Signing out detaches the old session's requests along with its data.
	e.gate = auth.New(
		auth.WithStore(o.store),
		auth.WithCacheClearer(e.coord),
		auth.WithClock(o.now),
		auth.WithLogger(o.logger),
	)
	e.coord.SetAuthExpiredHook(e.gate.HandleAuthError)

	e.api = o.api
	if e.api == nil {
		e.stats = transport.NewStats()
		e.client = transport.NewClient(transport.Config{
			EnableJitter: o.cfg.IsRetryJitterEnabled(),
			Timeout:      o.cfg.GetAPITimeout(),
			Breaker:      transport.NewBreaker(o.cfg.GetBreakerThreshold(), o.cfg.GetBreakerCooldown()),
			Stats:        e.stats,
			Name:         "marketplace",
		})
		e.client.AddHook(e.gate.Attach)
		api, err := marketapi.New(marketapi.Config{BaseURL: o.cfg.API.BaseURL, Timeout: o.cfg.GetAPITimeout()}, e.client)
		if err != nil {
			e.coord.Close()
			return nil, err
		}
		e.api = api
	}

	e.exec = mutation.New(e.cache, e.coord,
		mutation.WithLogger(o.logger),
		mutation.WithAuthExpiredHook(e.gate.HandleAuthError),
	)

	e.drafts = o.drafts
	if e.drafts == nil {
		d, err := draft.Open(ctx, o.cfg.GetDraftPath(), draft.WithLogger(o.logger))
		if err != nil {
			e.coord.Close()
			return nil, err
		}
		e.drafts = d
	}
	e.drafts.SetRules(draftRules(o.cfg))

	if o.restore {
		if _, err := e.gate.Restore(ctx); err != nil {
			o.logger.Warn("Could not restore saved session: %v", err)
		}
	}
	return e, nil
}

func retryPolicy(cfg *config.Config) coordinator.Retry {
	n := cfg.GetMaxRetries()
	if n == 0 {
		n = -1 // coordinator treats 0 as "use default"
	}
	return coordinator.Retry{
		MaxRetries: n,
		BaseDelay:  cfg.GetRetryBaseDelay(),
		MaxDelay:   cfg.GetRetryMaxDelay(),
		Jitter:     cfg.IsRetryJitterEnabled(),
	}
}

func draftRules(cfg *config.Config) draft.Rules {
	return draft.Rules{MinTitleLength: cfg.GetMinTitleLength(), MinBudget: cfg.GetMinBudget()}
}

// Close stops the config watcher, abandons outstanding requests and closes
// the draft database.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	w := e.watcher
	e.watcher = nil
	e.mu.Unlock()

	if w != nil {
		w.Stop()
	}
	e.coord.Close()
	return errors.Join(e.drafts.Close(), e.api.Close())
}

// Config returns the active configuration.
func (e *Engine) Config() *config.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// ApplyConfig switches to cfg for TTLs, retries, draft rules and verbosity.
// The API address and circuit breaker keep the values from New.
func (e *Engine) ApplyConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()

	e.cache.SetPolicy(cfg.TTLPolicy())
	e.coord.SetRetry(retryPolicy(cfg))
	e.drafts.SetRules(draftRules(cfg))
	e.logger.SetVerbose(cfg.Logging.Verbose)
	e.logger.Debug("engine: configuration applied")
	return nil
}

// ReloadConfig reads path and applies it. A missing or invalid file leaves
// the active configuration in place.
func (e *Engine) ReloadConfig(path string) error {
	cfg, err := config.LoadFromPath(path)
	if err != nil {
		return err
	}
	if cfg == nil {
		return fmt.Errorf("config file %s not found", path)
	}
	return e.ApplyConfig(cfg)
}

// WatchConfig reloads the configuration whenever path changes, until Close.
func (e *Engine) WatchConfig(path string) error {
	w, err := watcher.New(watcher.Config{
		Path:   path,
		Logger: e.logger,
		OnChange: func() {
			if err := e.ReloadConfig(path); err != nil {
				e.logger.Warn("Ignoring config change: %v", err)
				return
			}
			e.logger.Info("Reloaded configuration from %s", path)
		},
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		w.Stop()
		return errors.New("engine is closed")
	}
	old := e.watcher
	e.watcher = w
	e.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	return w.Start()
}

// Cache exposes the resource cache for inspection.
func (e *Engine) Cache() *cache.Cache { return e.cache }

// Drafts returns the create-task draft store.
func (e *Engine) Drafts() *draft.Store { return e.drafts }

// Auth returns the credential gate.
func (e *Engine) Auth() *auth.Gate { return e.gate }

// Health summarizes connectivity for status displays.
type Health struct {
	Circuit       string
	Failures      int
	RateLimited   int64
	LastRateLimit time.Time
	CacheEntries  int
	SignedIn      bool
	SessionExpiry time.Time
}

// Health reports the transport and session state.
func (e *Engine) Health() Health {
	h := Health{Circuit: "n/a", CacheEntries: len(e.cache.Keys())}
	if e.client != nil && e.client.Breaker() != nil {
		h.Circuit = e.client.Breaker().State().String()
		h.Failures = e.client.Breaker().FailureCount()
	}
	if e.stats != nil {
		h.RateLimited = e.stats.RateLimitCount()
		h.LastRateLimit = e.stats.LastRateLimitTime()
	}
	if cred, ok := e.gate.Current(); ok {
		h.SignedIn = true
		h.SessionExpiry = cred.ExpiresAt
	}
	return h
}
