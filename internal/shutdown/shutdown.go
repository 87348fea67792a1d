// Package shutdown coordinates interrupting a running command: it turns
// SIGINT/SIGTERM into a cancelled context and runs registered cleanups,
// such as closing the engine, before the process exits.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"taskmarket/internal/utils"
)

// CleanupFunc releases a resource on shutdown. The context is the deadline
// the caller gave Wait.
type CleanupFunc func(ctx context.Context) error

type cleanupEntry struct {
	name string
	fn   CleanupFunc
}

// Manager handles graceful shutdown coordination.
type Manager struct {
	mu       sync.Mutex
	cleanups []cleanupEntry
	shutdown bool
	sig      os.Signal
	sigCh    chan os.Signal
	ctx      context.Context
	cancel   context.CancelFunc
	once     sync.Once
	runOnce  sync.Once
	logger   *utils.Logger
}

// NewManager creates a manager. A nil logger uses the global logger.
func NewManager(logger *utils.Logger) *Manager {
	if logger == nil {
		logger = utils.GetLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Listen starts shutdown when one of sigs arrives. Call Stop to release
// the signal handler.
func (m *Manager) Listen(sigs ...os.Signal) {
	m.mu.Lock()
	if m.sigCh != nil {
		m.mu.Unlock()
		return
	}
	ch := make(chan os.Signal, 1)
	m.sigCh = ch
	m.mu.Unlock()

	signal.Notify(ch, sigs...)
	go func() {
		select {
		case s := <-ch:
			m.mu.Lock()
			m.sig = s
			m.mu.Unlock()
			m.logger.Debug("Received %s, shutting down", s)
			m.Shutdown()
		case <-m.ctx.Done():
		}
	}()
}

// Stop releases the signal handler installed by Listen. A second signal
// after Stop gets the default behaviour and kills the process.
func (m *Manager) Stop() {
	m.mu.Lock()
	ch := m.sigCh
	m.mu.Unlock()
	if ch != nil {
		signal.Stop(ch)
	}
}

// RegisterCleanup registers a cleanup function to be called during shutdown.
// Cleanup functions are called in LIFO order (last registered, first called).
func (m *Manager) RegisterCleanup(name string, fn CleanupFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, cleanupEntry{name: name, fn: fn})
}

// Shutdown cancels Context. Safe to call multiple times.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		m.mu.Lock()
		m.shutdown = true
		m.mu.Unlock()
		m.cancel()
	})
}

func (m *Manager) runCleanups(ctx context.Context) {
	m.mu.Lock()
	cleanups := make([]cleanupEntry, len(m.cleanups))
	copy(cleanups, m.cleanups)
	m.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := cleanups[i].fn(ctx); err != nil {
			m.logger.Warn("Cleanup %s: %v", cleanups[i].name, err)
		}
	}
}

// Wait runs the registered cleanups once and returns ctx's error if they
// do not finish in time.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.runOnce.Do(func() { m.runCleanups(ctx) })
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsShutdown returns true if shutdown has been initiated.
func (m *Manager) IsShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// Signal returns the signal that started shutdown, or nil.
func (m *Manager) Signal() os.Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sig
}

// ExitCode maps code to the conventional 128+n when a signal interrupted
// the run.
func (m *Manager) ExitCode(code int) int {
	s := m.Signal()
	if s == nil {
		return code
	}
	if sn, ok := s.(syscall.Signal); ok {
		return 128 + int(sn)
	}
	return 130
}

// Context returns a context that is cancelled when shutdown is initiated.
func (m *Manager) Context() context.Context {
	return m.ctx
}
