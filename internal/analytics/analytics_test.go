package analytics

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"taskmarket/backend"
)

func newTestTracker(t *testing.T, enabled bool) *Tracker {
	t.Helper()
	tracker, err := NewTracker(filepath.Join(t.TempDir(), "analytics.db"), enabled)
	if err != nil {
		t.Fatalf("NewTracker() error = %v", err)
	}
	t.Cleanup(func() { _ = tracker.Close() })
	return tracker
}

// TestTracker_TrackCommand verifies a successful run is recorded
func TestTracker_TrackCommand(t *testing.T) {
	tracker := newTestTracker(t, true)
	clock := time.Unix(1_700_000_000, 0)
	tracker.now = func() time.Time {
		clock = clock.Add(25 * time.Millisecond)
		return clock
	}

	err := tracker.TrackCommand("draft set", []string{"--title", "--budget"}, func() error {
		return nil
	})
	if err != nil {
		t.Fatalf("TrackCommand() error = %v", err)
	}

	events, err := tracker.Events("draft set")
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	event := events[0]
	if !event.Success {
		t.Errorf("expected success = true, got false")
	}
	if event.DurationMs != 25 {
		t.Errorf("expected duration 25ms, got %d", event.DurationMs)
	}
	if event.Flags != `["--title","--budget"]` {
		t.Errorf("unexpected flags %q", event.Flags)
	}
	if event.ErrorType != "" {
		t.Errorf("expected no error type, got %q", event.ErrorType)
	}
}

// TestTracker_TrackCommandError verifies the command's error is passed through
// and categorized
func TestTracker_TrackCommandError(t *testing.T) {
	tracker := newTestTracker(t, true)

	want := &backend.Error{Kind: backend.KindServer, StatusCode: 503}
	err := tracker.TrackCommand("tasks", nil, func() error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("expected command error to be returned, got %v", err)
	}

	events, err := tracker.Events("tasks")
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Success {
		t.Error("expected success = false")
	}
	if events[0].ErrorType != "server" {
		t.Errorf("expected error type 'server', got %q", events[0].ErrorType)
	}
	if events[0].Flags != "" {
		t.Errorf("expected no flags, got %q", events[0].Flags)
	}
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{context.Canceled, "interrupted"},
		{fmt.Errorf("fetch: %w", context.DeadlineExceeded), "timeout"},
		{backend.NetworkError(errors.New("connection refused")), "network"},
		{&backend.Error{Kind: backend.KindAuthExpired, StatusCode: 401}, "auth"},
		{&backend.Error{Kind: backend.KindClient, StatusCode: 422}, "rejected"},
		{errors.New("not logged in"), "auth"},
		{errors.New("task not found: 9"), "not_found"},
		{errors.New("invalid budget: 1.00"), "validation"},
		{errors.New("boom"), "unknown"},
	}
	for _, tt := range tests {
		if got := categorizeError(tt.err); got != tt.want {
			t.Errorf("categorizeError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

// TestTracker_Summary verifies runs are aggregated per command
func TestTracker_Summary(t *testing.T) {
	tracker := newTestTracker(t, true)

	for i := 0; i < 3; i++ {
		_ = tracker.TrackCommand("tasks", nil, func() error { return nil })
	}
	_ = tracker.TrackCommand("offer", nil, func() error { return errors.New("invalid amount") })
	_ = tracker.TrackCommand("offer", nil, func() error { return nil })

	stats, err := tracker.Summary()
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(stats))
	}
	if stats[0].Command != "tasks" || stats[0].Runs != 3 || stats[0].Failures != 0 {
		t.Errorf("unexpected first row: %+v", stats[0])
	}
	if stats[1].Command != "offer" || stats[1].Runs != 2 || stats[1].Failures != 1 {
		t.Errorf("unexpected second row: %+v", stats[1])
	}
}

// TestTracker_Cleanup verifies retention cleanup
func TestTracker_Cleanup(t *testing.T) {
	tracker := newTestTracker(t, true)

	now := time.Now()
	for _, ev := range []struct {
		command string
		age     time.Duration
	}{
		{"old_command", 10 * 24 * time.Hour},
		{"recent_command", 2 * 24 * time.Hour},
	} {
		_, err := tracker.db.Exec(`INSERT INTO events (timestamp, command, success, duration_ms) VALUES (?, ?, 1, 100)`,
			now.Add(-ev.age).Unix(), ev.command)
		if err != nil {
			t.Fatalf("failed to insert event: %v", err)
		}
	}

	deleted, err := tracker.Cleanup(7)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 event deleted, got %d", deleted)
	}

	events, err := tracker.Events("")
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(events) != 1 || events[0].Command != "recent_command" {
		t.Errorf("expected only recent_command to remain, got %+v", events)
	}
}

// TestAnalytics_Disabled verifies nothing is recorded when disabled
func TestAnalytics_Disabled(t *testing.T) {
	tracker := newTestTracker(t, false)

	callCount := 0
	err := tracker.TrackCommand("tasks", []string{"--status"}, func() error {
		callCount++
		return nil
	})
	if err != nil {
		t.Fatalf("TrackCommand() error = %v", err)
	}
	if callCount != 1 {
		t.Errorf("expected function to be called once, got %d", callCount)
	}

	events, err := tracker.Events("")
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected 0 events when disabled, got %d", len(events))
	}
}

// TestAnalytics_EnvironmentOverride verifies the environment variable wins
func TestAnalytics_EnvironmentOverride(t *testing.T) {
	t.Run("env disables analytics", func(t *testing.T) {
		t.Setenv(EnvEnabled, "false")
		if IsEnabledFromEnv(true) {
			t.Errorf("expected analytics disabled by env, got enabled")
		}
	})

	t.Run("env enables analytics", func(t *testing.T) {
		t.Setenv(EnvEnabled, "1")
		if !IsEnabledFromEnv(false) {
			t.Errorf("expected analytics enabled by env, got disabled")
		}
	})

	t.Run("no env uses config value", func(t *testing.T) {
		t.Setenv(EnvEnabled, "")
		if IsEnabledFromEnv(false) {
			t.Errorf("expected analytics disabled (from config), got enabled")
		}
		if !IsEnabledFromEnv(true) {
			t.Errorf("expected analytics enabled (from config), got disabled")
		}
	})
}

// TestTracker_DatabaseCreation verifies the database and schema are created
func TestTracker_DatabaseCreation(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "analytics.db")

	tracker, err := NewTracker(dbPath, true)
	if err != nil {
		t.Fatalf("NewTracker() error = %v", err)
	}
	defer func() { _ = tracker.Close() }()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Errorf("database file not created at %s", dbPath)
	}

	var tableName string
	err = tracker.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='events'").Scan(&tableName)
	if err != nil {
		t.Fatalf("failed to query schema: %v", err)
	}
	if tableName != "events" {
		t.Errorf("expected table 'events', got %q", tableName)
	}
}

// TestTracker_ConcurrentReadWrite verifies concurrent commands and readers
// do not hit SQLITE_BUSY
func TestTracker_ConcurrentReadWrite(t *testing.T) {
	tracker := newTestTracker(t, true)

	var wg sync.WaitGroup
	errCh := make(chan error, 40)
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = tracker.TrackCommand(fmt.Sprintf("cmd-%d", i%3), nil, func() error { return nil })
		}(i)
		go func() {
			defer wg.Done()
			if _, err := tracker.Summary(); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("concurrent read failed: %v", err)
	}

	events, err := tracker.Events("")
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(events) != 20 {
		t.Errorf("expected 20 events, got %d", len(events))
	}
}
