package watcher

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"taskmarket/internal/utils"
)

func newTestWatcher(t *testing.T, path string, onChange func()) *Watcher {
	t.Helper()
	w, err := New(Config{
		Path:             path,
		DebounceDuration: 50 * time.Millisecond,
		OnChange:         onChange,
		Logger:           utils.NewLogger(nil, false),
	})
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	t.Cleanup(w.Stop)
	if err := w.Start(); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	return w
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// TestWatcherDetectsWrite verifies a write to the config file triggers a reload.
func TestWatcherDetectsWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("no_prompt: false\n"), 0600); err != nil {
		t.Fatal(err)
	}

	var reloads atomic.Int32
	newTestWatcher(t, path, func() { reloads.Add(1) })

	if err := os.WriteFile(path, []byte("no_prompt: true\n"), 0600); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return reloads.Load() > 0 }, "expected watcher to detect file change")
}

// TestWatcherDebouncesRapidWrites verifies a burst of writes gives one reload.
func TestWatcherDebouncesRapidWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("a"), 0600); err != nil {
		t.Fatal(err)
	}

	var reloads atomic.Int32
	newTestWatcher(t, path, func() { reloads.Add(1) })

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte{byte('a' + i)}, 0600); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	waitFor(t, func() bool { return reloads.Load() > 0 }, "expected a reload")
	time.Sleep(150 * time.Millisecond)

	if got := reloads.Load(); got != 1 {
		t.Errorf("expected 1 debounced reload, got %d", got)
	}
}

// TestWatcherDetectsRenameReplace verifies the editor save pattern (write temp, rename over).
func TestWatcherDetectsRenameReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("old"), 0600); err != nil {
		t.Fatal(err)
	}

	var reloads atomic.Int32
	newTestWatcher(t, path, func() { reloads.Add(1) })

	tmp := filepath.Join(dir, ".config.yaml.swp")
	if err := os.WriteFile(tmp, []byte("new"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return reloads.Load() > 0 }, "expected reload after rename")
}

// TestWatcherIgnoresOtherFiles verifies siblings of the config file are ignored.
func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	var reloads atomic.Int32
	newTestWatcher(t, path, func() { reloads.Add(1) })

	if err := os.WriteFile(filepath.Join(dir, "draft.db"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if got := reloads.Load(); got != 0 {
		t.Errorf("expected no reload, got %d", got)
	}
}

// TestWatcherDetectsCreate verifies a config file created after Start is seen.
func TestWatcherDetectsCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	var reloads atomic.Int32
	newTestWatcher(t, path, func() { reloads.Add(1) })

	if err := os.WriteFile(path, []byte("new"), 0600); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return reloads.Load() > 0 }, "expected reload after create")
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	w := newTestWatcher(t, path, nil)
	w.Stop()
	w.Stop()
	if err := w.Start(); err == nil {
		t.Error("expected error restarting a stopped watcher")
	}
}

func TestWatcherRequiresPath(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestWatcherMissingDirectory(t *testing.T) {
	w, err := New(Config{Path: filepath.Join(t.TempDir(), "missing", "config.yaml")})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	if err := w.Start(); err == nil {
		t.Error("expected error when parent directory is missing")
	}
}
