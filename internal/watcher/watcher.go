// Package watcher reloads the configuration file when it changes on disk.
// Rapid writes (editors saving through a temp file and rename) are batched
// into one reload.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"taskmarket/internal/utils"
)

// DefaultDebounceDuration is the default window for batching rapid changes.
const DefaultDebounceDuration = 300 * time.Millisecond

// Config holds file watcher configuration.
type Config struct {
	Path             string        // File to watch
	DebounceDuration time.Duration // Debounce window to batch rapid changes
	OnChange         func()        // Called once per batch of changes
	Logger           *utils.Logger
}

// Watcher monitors one file and calls OnChange after it is written.
type Watcher struct {
	cfg     Config
	fsw     *fsnotify.Watcher
	stopCh  chan struct{}
	done    chan struct{}
	started bool
	stopped bool
	mu      sync.Mutex
}

// New creates a new Watcher instance.
func New(cfg Config) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("watch path is required")
	}
	if cfg.DebounceDuration <= 0 {
		cfg.DebounceDuration = DefaultDebounceDuration
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.GetLogger()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		cfg:    cfg,
		fsw:    fsw,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Start begins watching. The parent directory is watched so that the file
// being replaced by rename, or created later, is still seen.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return fmt.Errorf("watcher has been stopped and cannot be restarted")
	}
	if w.started {
		return nil
	}

	dir := filepath.Dir(w.cfg.Path)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("failed to watch %q: %w", dir, err)
	}
	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch path %q: %w", dir, err)
	}
	w.started = true
	go w.eventLoop()
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	started := w.started
	close(w.stopCh)
	_ = w.fsw.Close()
	w.mu.Unlock()

	if started {
		<-w.done
	}
}

// eventLoop processes fsnotify events with debouncing.
func (w *Watcher) eventLoop() {
	defer close(w.done)

	var debounceTimer *time.Timer
	debounceCh := make(chan struct{}, 1)
	target := filepath.Clean(w.cfg.Path)

	resetDebounce := func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		debounceTimer = time.AfterFunc(w.cfg.DebounceDuration, func() {
			select {
			case debounceCh <- struct{}{}:
			default:
			}
		})
	}

	for {
		select {
		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			// Only react to write, create, and rename events
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			resetDebounce()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.cfg.Logger.Warn("config watcher: %v", err)

		case <-debounceCh:
			w.cfg.Logger.Debug("config watcher: %s changed", w.cfg.Path)
			if w.cfg.OnChange != nil {
				w.cfg.OnChange()
			}
		}
	}
}
