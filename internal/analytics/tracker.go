package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"taskmarket/backend"
)

// Tracker records command runs.
type Tracker struct {
	db      *sql.DB
	enabled bool
	mu      sync.Mutex
	now     func() time.Time
}

// NewTracker opens the database at dbPath. A disabled tracker still opens
// it so Summary and Cleanup work.
func NewTracker(dbPath string, enabled bool) (*Tracker, error) {
	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}
	return &Tracker{db: db, enabled: enabled, now: time.Now}, nil
}

// Enabled reports whether runs are recorded.
func (t *Tracker) Enabled() bool {
	return t.enabled
}

// Close closes the database connection
func (t *Tracker) Close() error {
	if t.db != nil {
		return t.db.Close()
	}
	return nil
}

// TrackCommand runs fn and records the outcome when enabled. fn's error is
// returned unchanged; a failure to record is not.
func (t *Tracker) TrackCommand(command string, flags []string, fn func() error) error {
	if !t.enabled {
		return fn()
	}

	start := t.now()
	err := fn()
	event := Event{
		Timestamp:  start.Unix(),
		Command:    command,
		Success:    err == nil,
		DurationMs: t.now().Sub(start).Milliseconds(),
		ErrorType:  categorizeError(err),
	}
	if len(flags) > 0 {
		flagsJSON, _ := json.Marshal(flags)
		event.Flags = string(flagsJSON)
	}
	t.logEvent(event)
	return err
}

func (t *Tracker) logEvent(event Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, _ = t.db.Exec(`
		INSERT INTO events (timestamp, command, success, duration_ms, error_type, flags)
		VALUES (?, ?, ?, ?, ?, ?)
	`, event.Timestamp, event.Command, boolToInt(event.Success), event.DurationMs,
		nullString(event.ErrorType), nullString(event.Flags))
}

// Events returns recorded runs of command, newest first. An empty command
// returns every run.
func (t *Tracker) Events(command string) ([]Event, error) {
	query := `SELECT id, timestamp, command, success, duration_ms, error_type, flags FROM events`
	var args []interface{}
	if command != "" {
		query += ` WHERE command = ?`
		args = append(args, command)
	}
	query += ` ORDER BY timestamp DESC, id DESC`

	rows, err := t.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var e Event
		var success int
		var errorType, flags sql.NullString
		var duration sql.NullInt64
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Command, &success, &duration, &errorType, &flags); err != nil {
			return nil, err
		}
		e.Success = success == 1
		e.DurationMs = duration.Int64
		e.ErrorType = errorType.String
		e.Flags = flags.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// Summary aggregates runs per command, most used first.
func (t *Tracker) Summary() ([]CommandStats, error) {
	rows, err := t.db.Query(`
		SELECT command, COUNT(*), SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END),
		       CAST(AVG(duration_ms) AS INTEGER), MAX(timestamp)
		FROM events
		GROUP BY command
		ORDER BY COUNT(*) DESC, command ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var stats []CommandStats
	for rows.Next() {
		var s CommandStats
		var avg sql.NullInt64
		if err := rows.Scan(&s.Command, &s.Runs, &s.Failures, &avg, &s.LastRun); err != nil {
			return nil, err
		}
		s.AvgDurationMs = avg.Int64
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup removes events older than retentionDays and returns how many
// were deleted.
func (t *Tracker) Cleanup(retentionDays int) (int64, error) {
	cutoff := t.now().Unix() - int64(retentionDays*86400)

	t.mu.Lock()
	defer t.mu.Unlock()
	result, err := t.db.Exec("DELETE FROM events WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, err
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		_, _ = t.db.Exec("VACUUM")
	}
	return deleted, nil
}

// categorizeError maps err to a coarse type. API failures use their kind.
func categorizeError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return "interrupted"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if kind, ok := backend.KindOf(err); ok {
		switch kind {
		case backend.KindNetwork:
			return "network"
		case backend.KindServer:
			return "server"
		case backend.KindAuthExpired:
			return "auth"
		case backend.KindClient:
			return "rejected"
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not logged in") || strings.Contains(msg, "session"):
		return "auth"
	case strings.Contains(msg, "not found"):
		return "not_found"
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "required"):
		return "validation"
	default:
		return "unknown"
	}
}

// nullString returns nil for empty strings so the column stays NULL
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
