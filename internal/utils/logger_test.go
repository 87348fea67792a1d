package utils

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
)

// =============================================================================
// Logger Tests
// =============================================================================

// TestGetLogger verifies the default logger is shared
func TestGetLogger(t *testing.T) {
	if GetLogger() != GetLogger() {
		t.Error("GetLogger() should return same instance")
	}
}

// TestSetVerboseMode verifies SetVerboseMode changes the default logger
func TestSetVerboseMode(t *testing.T) {
	once = sync.Once{}
	loggerInstance = nil

	SetVerboseMode(true)
	if !GetLogger().IsVerbose() {
		t.Error("SetVerboseMode(true) should enable verbose mode")
	}

	SetVerboseMode(false)
	if GetLogger().IsVerbose() {
		t.Error("SetVerboseMode(false) should disable verbose mode")
	}
}

// TestWarnfUsesDefaultLogger verifies Warnf writes through the shared logger
func TestWarnfUsesDefaultLogger(t *testing.T) {
	var buf bytes.Buffer
	once = sync.Once{}
	loggerInstance = nil
	GetLogger().out = &buf
	defer func() {
		once = sync.Once{}
		loggerInstance = nil
	}()

	Warnf("Shutdown timed out: %v", "context deadline exceeded")
	if got := buf.String(); got != "[WARN] Shutdown timed out: context deadline exceeded\n" {
		t.Errorf("Warnf output = %q", got)
	}
}

// TestDebugOnlyShownWhenVerbose verifies Debug output only when verbose=true
func TestDebugOnlyShownWhenVerbose(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, false)

	logger.Debug("hidden message")
	if buf.Len() > 0 {
		t.Errorf("Debug should not output when verbose=false, got: %s", buf.String())
	}

	logger.SetVerbose(true)
	logger.Debug("fetch %s", `["task","42"]`)
	out := buf.String()
	if !strings.Contains(out, "[DEBUG]") || !strings.Contains(out, `fetch ["task","42"]`) {
		t.Errorf("Debug should output formatted message when verbose=true, got: %s", out)
	}
	if !regexp.MustCompile(`^\d{2}:\d{2}:\d{2} \[DEBUG\]`).MatchString(out) {
		t.Errorf("Debug output should start with HH:MM:SS timestamp, got: %s", out)
	}
}

// TestLogLevelPrefixes verifies each level writes its prefix
func TestLogLevelPrefixes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, false)

	logger.Info("info msg")
	logger.Warn("warn msg")
	logger.Error("error %d", 42)

	out := buf.String()
	for _, want := range []string{"[INFO] info msg", "[WARN] warn msg", "[ERROR] error 42"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q, got: %s", want, out)
		}
	}
}

// TestNilLoggerIsSafe verifies components may hold a nil logger
func TestNilLoggerIsSafe(t *testing.T) {
	var logger *Logger
	logger.Debug("x")
	logger.Info("x")
	logger.Warn("x")
	logger.Error("x")
}

// TestLoggerThreadSafety verifies concurrent writes do not race
func TestLoggerThreadSafety(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, true)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.Debug("message %d", n)
			logger.SetVerbose(n%2 == 0)
		}(i)
	}
	wg.Wait()
}

// TestNewFileLogger verifies the file logger appends to its file
func TestNewFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "taskmarket.log")

	logger, closer, err := NewFileLogger(path, false)
	if err != nil {
		t.Fatalf("NewFileLogger() error: %v", err)
	}
	logger.Info("written to file")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if !strings.Contains(string(data), "[INFO] written to file") {
		t.Errorf("log file content = %q", string(data))
	}
}

// TestNewFileLoggerGracefulDegradation verifies an unwritable path still yields a logger
func TestNewFileLoggerGracefulDegradation(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatal(err)
	}

	logger, closer, err := NewFileLogger(filepath.Join(blocker, "sub", "x.log"), false)
	if err == nil {
		t.Error("expected error for path under a regular file")
	}
	if logger == nil || closer == nil {
		t.Fatal("logger and closer should never be nil")
	}
	logger.Info("discarded")
	_ = closer.Close()
}
