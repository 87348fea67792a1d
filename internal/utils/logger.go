package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger provides leveled logging with verbose mode support.
// Components take a *Logger so each engine instance can log to its own sink;
// GetLogger returns the process default writing to stderr.
type Logger struct {
	verbose bool
	out     io.Writer
	mu      sync.RWMutex
}

var (
	loggerInstance *Logger
	once           sync.Once
)

// GetLogger returns the default logger instance.
func GetLogger() *Logger {
	once.Do(func() {
		loggerInstance = &Logger{
			verbose: false,
			out:     os.Stderr,
		}
	})
	return loggerInstance
}

// NewLogger creates a logger writing to w.
func NewLogger(w io.Writer, verbose bool) *Logger {
	if w == nil {
		w = io.Discard
	}
	return &Logger{verbose: verbose, out: w}
}

// NewFileLogger creates a logger appending to the file at path. The TUI uses
// it since it owns the terminal. If the file cannot be opened the logger
// degrades to io.Discard and the error is returned.
func NewFileLogger(path string, verbose bool) (*Logger, io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return NewLogger(io.Discard, verbose), io.NopCloser(nil), err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return NewLogger(io.Discard, verbose), io.NopCloser(nil), err
	}
	return NewLogger(file, verbose), file, nil
}

// SetVerboseMode sets the verbose mode on the default logger.
func SetVerboseMode(verbose bool) {
	GetLogger().SetVerbose(verbose)
}

// SetVerbose sets the verbose mode for this logger instance.
func (l *Logger) SetVerbose(verbose bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verbose = verbose
}

// IsVerbose returns whether verbose mode is enabled.
func (l *Logger) IsVerbose() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.verbose
}

func (l *Logger) write(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.out, line)
}

// formatMessage formats a message with optional printf-style arguments.
func formatMessage(msgOrFormat string, args ...interface{}) string {
	if len(args) > 0 {
		return fmt.Sprintf(msgOrFormat, args...)
	}
	return msgOrFormat
}

// Debug logs a debug message (only shown when verbose=true).
// Can be used with a simple message or printf-style format string with args.
func (l *Logger) Debug(msgOrFormat string, args ...interface{}) {
	if l == nil || !l.IsVerbose() {
		return
	}
	l.write(fmt.Sprintf("%s [DEBUG] %s\n", time.Now().Format("15:04:05"), formatMessage(msgOrFormat, args...)))
}

// Info logs an info message (always shown).
func (l *Logger) Info(msgOrFormat string, args ...interface{}) {
	if l == nil {
		return
	}
	l.write(fmt.Sprintf("[INFO] %s\n", formatMessage(msgOrFormat, args...)))
}

// Warn logs a warning message (always shown).
func (l *Logger) Warn(msgOrFormat string, args ...interface{}) {
	if l == nil {
		return
	}
	l.write(fmt.Sprintf("[WARN] %s\n", formatMessage(msgOrFormat, args...)))
}

// Error logs an error message (always shown).
func (l *Logger) Error(msgOrFormat string, args ...interface{}) {
	if l == nil {
		return
	}
	l.write(fmt.Sprintf("[ERROR] %s\n", formatMessage(msgOrFormat, args...)))
}

// Warnf logs a warning using the default logger.
func Warnf(format string, args ...interface{}) {
	GetLogger().Warn(format, args...)
}
