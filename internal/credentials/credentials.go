// Package credentials persists small secrets (the session credential) using
// the OS-native keyring, with an environment variable fallback for reads.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// DefaultService is the keyring service name secrets are stored under.
const DefaultService = "taskmarket"

// Source indicates where a value was retrieved from
type Source string

const (
	SourceKeyring     Source = "keyring"
	SourceEnvironment Source = "environment"
	SourceMemory      Source = "memory"
	SourceNone        Source = "none"
)

// Store is an asynchronous key-value persistence primitive.
type Store interface {
	// Get returns the value for key and whether it was found.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
}

// KeyringStore stores values in a Keyring under one service name.
type KeyringStore struct {
	keyring   Keyring
	service   string
	envPrefix string
}

// Option is a functional option for KeyringStore
type Option func(*KeyringStore)

// WithKeyring sets a custom keyring implementation
func WithKeyring(k Keyring) Option {
	return func(s *KeyringStore) {
		s.keyring = k
	}
}

// WithService sets the keyring service name
func WithService(service string) Option {
	return func(s *KeyringStore) {
		s.service = service
	}
}

// WithEnvPrefix sets the environment variable prefix used as read fallback.
// An empty prefix disables the fallback.
func WithEnvPrefix(prefix string) Option {
	return func(s *KeyringStore) {
		s.envPrefix = prefix
	}
}

// NewKeyringStore creates a store backed by the system keyring
func NewKeyringStore(opts ...Option) *KeyringStore {
	s := &KeyringStore{
		keyring:   SystemKeyring{},
		service:   DefaultService,
		envPrefix: "TASKMARKET",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// normalizeKey normalizes keys to lowercase
func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// EnvVar returns the environment variable consulted for key, e.g.
// TASKMARKET_SESSION for "session".
func (s *KeyringStore) EnvVar(key string) string {
	if s.envPrefix == "" {
		return ""
	}
	name := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(normalizeKey(key)))
	return s.envPrefix + "_" + name
}

// Get retrieves a value (keyring first, then environment)
func (s *KeyringStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, _, found, err := s.Lookup(ctx, key)
	return value, found, err
}

// Lookup is Get that also reports where the value came from.
func (s *KeyringStore) Lookup(ctx context.Context, key string) (string, Source, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", SourceNone, false, err
	}
	key = normalizeKey(key)

	// Priority 1: keyring
	value, err := s.keyring.Get(s.service, key)
	if err == nil && value != "" {
		return value, SourceKeyring, true, nil
	}
	keyringErr := err
	if errors.Is(err, ErrNotFound) {
		keyringErr = nil
	}

	// Priority 2: environment
	if env := s.EnvVar(key); env != "" {
		if v := os.Getenv(env); v != "" {
			return v, SourceEnvironment, true, nil
		}
	}

	return "", SourceNone, false, keyringErr
}

// Set stores a value in the keyring
func (s *KeyringStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.keyring.Set(s.service, normalizeKey(key), value); err != nil {
		return fmt.Errorf("failed to store %s in keyring: %w", key, err)
	}
	return nil
}

// Remove deletes a value from the keyring
func (s *KeyringStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.keyring.Delete(s.service, normalizeKey(key))
	// Idempotent: return nil if not found
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to remove %s from keyring: %w", key, err)
	}
	return nil
}

// MemoryStore is a process-local Store, used when no keyring is available
// and in tests.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// Get retrieves a value
func (m *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[normalizeKey(key)]
	return v, ok, nil
}

// Set stores a value
func (m *MemoryStore) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[normalizeKey(key)] = value
	return nil
}

// Remove deletes a value
func (m *MemoryStore) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, normalizeKey(key))
	return nil
}

// Fallback returns a Store that writes to primary and falls back to
// secondary when primary reports ErrKeyringNotAvailable.
func Fallback(primary, secondary Store) Store {
	return &fallbackStore{primary: primary, secondary: secondary}
}

type fallbackStore struct {
	primary   Store
	secondary Store
}

func (f *fallbackStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := f.primary.Get(ctx, key)
	if errors.Is(err, ErrKeyringNotAvailable) {
		return f.secondary.Get(ctx, key)
	}
	return v, ok, err
}

func (f *fallbackStore) Set(ctx context.Context, key, value string) error {
	err := f.primary.Set(ctx, key, value)
	if errors.Is(err, ErrKeyringNotAvailable) {
		return f.secondary.Set(ctx, key, value)
	}
	return err
}

func (f *fallbackStore) Remove(ctx context.Context, key string) error {
	err := f.primary.Remove(ctx, key)
	if errors.Is(err, ErrKeyringNotAvailable) {
		return f.secondary.Remove(ctx, key)
	}
	return err
}
