package draft

import (
	"context"
	"fmt"
	"sync"

	"taskmarket/internal/utils"
)

// State is the lifecycle state of the draft.
type State int

const (
	StateEmpty State = iota
	StateBuilding
	StateReady
	StateSubmitted
	StateDiscarded
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateBuilding:
		return "building"
	case StateReady:
		return "ready"
	case StateSubmitted:
		return "submitted"
	case StateDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Persister saves the draft so it survives a restart.
type Persister interface {
	Load(ctx context.Context) (*Draft, error)
	Save(ctx context.Context, d Draft) error
	Clear(ctx context.Context) error
	Close() error
}

// Option configures a Store.
type Option func(*Store)

// WithRules sets the submit requirements used by State and Missing.
func WithRules(r Rules) Option {
	return func(s *Store) { s.rules = r }
}

// WithPersister sets the persistence layer.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persist = p }
}

// WithLogger sets the logger.
func WithLogger(l *utils.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store holds the single in-progress draft. It is safe for concurrent use;
// readers never observe a partially applied update or reset.
type Store struct {
	mu       sync.RWMutex
	draft    Draft
	terminal State // StateSubmitted or StateDiscarded after the last reset, else StateEmpty
	rules    Rules
	persist  Persister
	logger   *utils.Logger

	listeners map[uint64]func(Draft)
	nextID    uint64
}

// NewStore creates a store holding the default draft.
func NewStore(opts ...Option) *Store {
	s := &Store{
		draft:     Default(),
		rules:     DefaultRules(),
		logger:    utils.GetLogger(),
		listeners: make(map[uint64]func(Draft)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open creates a store persisted in the SQLite database at path, restoring
// any draft saved there.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	p, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	s := NewStore(append(opts, WithPersister(p))...)
	if err := s.Load(ctx); err != nil {
		_ = p.Close()
		return nil, err
	}
	return s, nil
}

// Load replaces the in-memory draft with the persisted one, if any.
func (s *Store) Load(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	d, err := s.persist.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load draft: %w", err)
	}
	if d == nil {
		return nil
	}
	s.mu.Lock()
	s.draft = d.clone()
	s.terminal = StateEmpty
	snap := s.draft.clone()
	ls := s.listenersLocked()
	s.mu.Unlock()

	s.logger.Debug("draft: restored saved draft %q", snap.Title)
	notify(ls, snap)
	return nil
}

// Close releases the persistence layer.
func (s *Store) Close() error {
	if s.persist == nil {
		return nil
	}
	return s.persist.Close()
}

// SetRules replaces the submit requirements.
func (s *Store) SetRules(r Rules) {
	s.mu.Lock()
	s.rules = r
	s.mu.Unlock()
}

// Rules returns the submit requirements.
func (s *Store) Rules() Rules {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules
}

// Update shallow-merges p into the draft. Fields absent from p are kept;
// nothing is validated. The in-memory update is kept even if saving fails.
func (s *Store) Update(ctx context.Context, p Patch) error {
	s.mu.Lock()
	s.draft.apply(p)
	s.terminal = StateEmpty
	snap := s.draft.clone()
	var err error
	if s.persist != nil {
		err = s.persist.Save(ctx, snap)
	}
	ls := s.listenersLocked()
	s.mu.Unlock()

	notify(ls, snap)
	if err != nil {
		s.logger.Warn("draft: failed to save: %v", err)
		return fmt.Errorf("failed to save draft: %w", err)
	}
	return nil
}

// Reset restores the default draft in one step.
func (s *Store) Reset(ctx context.Context) error {
	return s.reset(ctx, StateEmpty)
}

// MarkSubmitted resets the draft after a successful submit.
func (s *Store) MarkSubmitted(ctx context.Context) error {
	return s.reset(ctx, StateSubmitted)
}

// Discard resets the draft after the user cancels the wizard.
func (s *Store) Discard(ctx context.Context) error {
	return s.reset(ctx, StateDiscarded)
}

func (s *Store) reset(ctx context.Context, terminal State) error {
	s.mu.Lock()
	s.draft = Default()
	s.terminal = terminal
	snap := s.draft.clone()
	var err error
	if s.persist != nil {
		err = s.persist.Clear(ctx)
	}
	ls := s.listenersLocked()
	s.mu.Unlock()

	notify(ls, snap)
	if err != nil {
		return fmt.Errorf("failed to clear saved draft: %w", err)
	}
	return nil
}

// Current returns a copy of the draft.
func (s *Store) Current() Draft {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.draft.clone()
}

// Missing returns the unmet submit requirements of the current draft.
func (s *Store) Missing() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.draft.Missing(s.rules)
}

// State returns the lifecycle state of the draft.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.draft.IsEmpty() && s.terminal != StateEmpty:
		return s.terminal
	case s.draft.IsEmpty():
		return StateEmpty
	case len(s.draft.Missing(s.rules)) == 0:
		return StateReady
	default:
		return StateBuilding
	}
}

// Subscribe registers fn to be called with a copy of the draft after every
// change. The returned function removes the subscription.
func (s *Store) Subscribe(fn func(Draft)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// listenersLocked copies the listeners. Caller holds mu.
func (s *Store) listenersLocked() []func(Draft) {
	out := make([]func(Draft), 0, len(s.listeners))
	for _, fn := range s.listeners {
		out = append(out, fn)
	}
	return out
}

func notify(ls []func(Draft), d Draft) {
	for _, fn := range ls {
		fn(d.clone())
	}
}
