// Package auth owns the session credential: it attaches the bearer token to
// outgoing requests and clears user-scoped cached data when the session ends.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"taskmarket/backend"
	"taskmarket/internal/credentials"
	"taskmarket/internal/utils"
)

// StorageKey is the credential store key the session is saved under.
const StorageKey = "session"

// Credential is the signed-in session.
type Credential struct {
	Token     string       `json:"token"`
	User      backend.User `json:"user"`
	ExpiresAt time.Time    `json:"expiresAt"`
}

// Expired reports whether the credential has a known expiry before now.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// CacheClearer drops cached data that belongs to the signed-in user.
type CacheClearer interface {
	ClearUserScoped()
}

// Option configures a Gate.
type Option func(*Gate)

// WithStore sets where the credential is persisted.
func WithStore(s credentials.Store) Option {
	return func(g *Gate) { g.store = s }
}

// WithCacheClearer sets the cache cleared when the credential is removed.
func WithCacheClearer(c CacheClearer) Option {
	return func(g *Gate) { g.clearer = c }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *utils.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// Gate holds the current credential. It is safe for concurrent use.
type Gate struct {
	// storeMu orders store writes with the in-memory changes they follow.
	// It is taken before mu.
	storeMu sync.Mutex
	mu      sync.RWMutex
	cred    *Credential
	store   credentials.Store
	clearer CacheClearer
	now     func() time.Time
	logger  *utils.Logger
	restore singleflight.Group

	listeners map[uint64]func(*Credential)
	nextID    uint64
}

// New creates a gate with no credential.
func New(opts ...Option) *Gate {
	g := &Gate{
		now:       time.Now,
		logger:    utils.GetLogger(),
		listeners: make(map[uint64]func(*Credential)),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Attach sets the Authorization header from the current credential. Expired
// credentials are still sent; the server's 401 ends the session.
func (g *Gate) Attach(req *http.Request) {
	g.mu.RLock()
	cred := g.cred
	g.mu.RUnlock()
	if cred == nil || cred.Token == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
}

// Current returns the credential and whether one is set.
func (g *Gate) Current() (Credential, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.cred == nil {
		return Credential{}, false
	}
	return *g.cred, true
}

// Expired reports whether the current credential has passed its expiry.
func (g *Gate) Expired() bool {
	cred, ok := g.Current()
	return ok && cred.Expired(g.now())
}

// Set replaces the credential. A zero expiresAt is taken from the token's
// exp claim when the token is a JWT. The credential is in effect even if
// persisting it fails.
func (g *Gate) Set(ctx context.Context, token string, user backend.User, expiresAt time.Time) error {
	if token == "" {
		return errors.New("empty token")
	}
	if expiresAt.IsZero() {
		if exp, ok := ExpiryFromToken(token); ok {
			expiresAt = exp
		}
	}
	cred := &Credential{Token: token, User: user, ExpiresAt: expiresAt}

	g.storeMu.Lock()
	defer g.storeMu.Unlock()
	g.mu.Lock()
	g.cred = cred
	ls := g.listenersLocked()
	g.mu.Unlock()

	g.logger.Debug("auth: signed in as %s", user.Email)
	notify(ls, cred)
	return g.persist(ctx, cred)
}

// Clear removes the credential and the signed-in user's cached data.
func (g *Gate) Clear(ctx context.Context) error {
	g.storeMu.Lock()
	defer g.storeMu.Unlock()
	g.mu.Lock()
	had := g.cred != nil
	g.cred = nil
	ls := g.listenersLocked()
	g.mu.Unlock()

	if g.clearer != nil {
		g.clearer.ClearUserScoped()
	}
	if had {
		g.logger.Debug("auth: signed out")
		notify(ls, nil)
	}
	if g.store == nil {
		return nil
	}
	if err := g.store.Remove(ctx, StorageKey); err != nil {
		return fmt.Errorf("failed to remove saved session: %w", err)
	}
	return nil
}

// Expire clears the credential if token is still the current one, so that
// many requests failing with 401 on the same token clear it once. An empty
// token matches any credential. It reports whether a clear happened.
func (g *Gate) Expire(ctx context.Context, token string) bool {
	g.mu.RLock()
	cur := g.cred
	g.mu.RUnlock()
	if cur == nil || (token != "" && cur.Token != token) {
		return false
	}

	g.storeMu.Lock()
	defer g.storeMu.Unlock()
	g.mu.Lock()
	if g.cred != cur {
		g.mu.Unlock()
		return false
	}
	g.cred = nil
	ls := g.listenersLocked()
	g.mu.Unlock()

	g.logger.Warn("Session expired for %s", cur.User.Email)
	if g.clearer != nil {
		g.clearer.ClearUserScoped()
	}
	notify(ls, nil)
	if g.store != nil {
		if err := g.store.Remove(ctx, StorageKey); err != nil {
			g.logger.Warn("auth: failed to remove expired session: %v", err)
		}
	}
	return true
}

// HandleAuthError expires the credential named by a 401 error.
func (g *Gate) HandleAuthError(err error) {
	var be *backend.Error
	if !errors.As(err, &be) || be.Kind != backend.KindAuthExpired {
		return
	}
	g.Expire(context.Background(), be.Token)
}

// Restore loads the persisted credential if none is set. Concurrent calls
// share one read of the store.
func (g *Gate) Restore(ctx context.Context) (*Credential, error) {
	if cred, ok := g.Current(); ok {
		return &cred, nil
	}
	if g.store == nil {
		return nil, nil
	}

	v, err, _ := g.restore.Do(StorageKey, func() (interface{}, error) {
		g.storeMu.Lock()
		defer g.storeMu.Unlock()
		raw, found, err := g.store.Get(ctx, StorageKey)
		if err != nil {
			return nil, fmt.Errorf("failed to read saved session: %w", err)
		}
		if !found || raw == "" {
			return nil, nil
		}
		var cred Credential
		if err := json.Unmarshal([]byte(raw), &cred); err != nil || cred.Token == "" {
			g.logger.Warn("auth: ignoring unreadable saved session")
			return nil, nil
		}

		g.mu.Lock()
		if g.cred == nil {
			g.cred = &cred
		}
		current := *g.cred
		ls := g.listenersLocked()
		g.mu.Unlock()

		notify(ls, &current)
		return &current, nil
	})
	if err != nil {
		return nil, err
	}
	cred, _ := v.(*Credential)
	if cred == nil {
		return nil, nil
	}
	out := *cred
	return &out, nil
}

// Subscribe registers fn to be called with the new credential, or nil, on
// every change. The returned function removes the subscription.
func (g *Gate) Subscribe(fn func(*Credential)) func() {
	g.mu.Lock()
	g.nextID++
	id := g.nextID
	g.listeners[id] = fn
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.listeners, id)
			g.mu.Unlock()
		})
	}
}

func (g *Gate) persist(ctx context.Context, cred *Credential) error {
	if g.store == nil {
		return nil
	}
	data, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	if err := g.store.Set(ctx, StorageKey, string(data)); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// listenersLocked copies the listeners. Caller holds mu.
func (g *Gate) listenersLocked() []func(*Credential) {
	out := make([]func(*Credential), 0, len(g.listeners))
	for _, fn := range g.listeners {
		out = append(out, fn)
	}
	return out
}

func notify(ls []func(*Credential), cred *Credential) {
	for _, fn := range ls {
		if cred == nil {
			fn(nil)
			continue
		}
		c := *cred
		fn(&c)
	}
}

// ExpiryFromToken reads the exp claim of a JWT without verifying it; the
// server verifies tokens, the client only needs the expiry for display.
func ExpiryFromToken(token string) (time.Time, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, &jwt.RegisteredClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
