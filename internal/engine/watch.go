package engine

import (
	"context"
	"sync"

	"taskmarket/internal/cache"
	"taskmarket/internal/coordinator"
)

// Subscription delivers cache updates for one key to a screen. After Close
// no further updates are delivered.
type Subscription struct {
	key    cache.Key
	fn     func(cache.Entry)
	load   coordinator.Loader
	engine *Engine
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	closed      bool
	invalidated bool
	unsubscribe func()
}

// Watch calls fn with the current entry for key and again after every
// change, and keeps the entry loaded: the key is fetched if it is not fresh
// and refetched each time it is invalidated.
func (e *Engine) Watch(key cache.Key, fn func(cache.Entry)) (*Subscription, error) {
	load, err := e.loaderFor(key)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		key:    append(cache.Key(nil), key...),
		fn:     fn,
		load:   load,
		engine: e,
		ctx:    ctx,
		cancel: cancel,
	}

	unsubscribe := e.cache.Subscribe(key, s.deliver)
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	current := e.cache.Get(key)
	s.mu.Lock()
	s.invalidated = current.Invalidated
	s.mu.Unlock()
	s.emit(current)
	e.coord.Prefetch(ctx, key, load)
	return s, nil
}

// Key returns the watched key.
func (s *Subscription) Key() cache.Key { return s.key }

// Close stops delivery. It is safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	s.mu.Unlock()

	s.cancel()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (s *Subscription) deliver(entry cache.Entry) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	// Refetch only when the entry becomes invalidated, so a failing refetch
	// is not retried in a loop.
	refetch := entry.Invalidated && !s.invalidated
	s.invalidated = entry.Invalidated
	s.mu.Unlock()

	s.emit(entry)
	if refetch {
		s.engine.coord.Prefetch(s.ctx, s.key, s.load)
	}
}

func (s *Subscription) emit(entry cache.Entry) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		s.fn(entry)
	}
}
