package credentials

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zalando/go-keyring"
)

var (
	// ErrNotFound is returned when no secret is stored for a service/account.
	ErrNotFound = errors.New("secret not found")

	// ErrKeyringNotAvailable is returned when the OS keyring cannot be reached,
	// e.g. no D-Bus Secret Service in a headless environment.
	ErrKeyringNotAvailable = errors.New("system keyring not available")
)

// Keyring is the interface for keyring operations
type Keyring interface {
	Set(service, account, secret string) error
	Get(service, account string) (string, error)
	Delete(service, account string) error
}

// MockKeyring is an in-memory Keyring for tests
type MockKeyring struct {
	mu    sync.RWMutex
	store map[string]map[string]string // service -> account -> secret
}

// NewMockKeyring creates a new mock keyring for testing
func NewMockKeyring() *MockKeyring {
	return &MockKeyring{
		store: make(map[string]map[string]string),
	}
}

// Set stores a secret in the mock keyring
func (m *MockKeyring) Set(service, account, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store[service] == nil {
		m.store[service] = make(map[string]string)
	}
	m.store[service][account] = secret
	return nil
}

// Get retrieves a secret from the mock keyring
func (m *MockKeyring) Get(service, account string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if accounts, ok := m.store[service]; ok {
		if secret, ok := accounts[account]; ok {
			return secret, nil
		}
	}
	return "", fmt.Errorf("%s/%s: %w", service, account, ErrNotFound)
}

// Delete removes a secret from the mock keyring
func (m *MockKeyring) Delete(service, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if accounts, ok := m.store[service]; ok {
		if _, ok := accounts[account]; ok {
			delete(accounts, account)
			return nil
		}
	}
	return fmt.Errorf("%s/%s: %w", service, account, ErrNotFound)
}

// SystemKeyring uses the OS keyring (Secret Service, Keychain, Credential Manager).
type SystemKeyring struct{}

// Set stores a secret in the system keyring
func (SystemKeyring) Set(service, account, secret string) error {
	return mapKeyringError(keyring.Set(service, account, secret))
}

// Get retrieves a secret from the system keyring
func (SystemKeyring) Get(service, account string) (string, error) {
	secret, err := keyring.Get(service, account)
	return secret, mapKeyringError(err)
}

// Delete removes a secret from the system keyring
func (SystemKeyring) Delete(service, account string) error {
	return mapKeyringError(keyring.Delete(service, account))
}

// mapKeyringError translates go-keyring errors. Anything other than a
// missing secret means the keyring itself is unusable.
func mapKeyringError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, keyring.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, keyring.ErrSetDataTooBig):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrKeyringNotAvailable, err)
	}
}
