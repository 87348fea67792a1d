package draft

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"taskmarket/backend"

	_ "modernc.org/sqlite"
)

// SQLite persists the draft in a single-row table.
type SQLite struct {
	db *sql.DB
}

// record is the stored form of a draft, including both location subsets.
type record struct {
	Title       string               `json:"title"`
	Description string               `json:"description"`
	Budget      float64              `json:"budget"`
	Date        string               `json:"date,omitempty"`
	Time        string               `json:"time,omitempty"`
	Photos      []string             `json:"photos,omitempty"`
	IsRemoval   bool                 `json:"isRemoval"`
	Pickup      *backend.Location    `json:"pickup,omitempty"`
	Delivery    *backend.Location    `json:"delivery,omitempty"`
	Category    string               `json:"category,omitempty"`
	Coordinates *backend.Coordinates `json:"coordinates,omitempty"`
}

// OpenSQLite opens or creates the draft database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create draft directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// initSchema creates the drafts table if it doesn't exist
func (s *SQLite) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS drafts (
			slot INTEGER PRIMARY KEY CHECK (slot = 1),
			data TEXT NOT NULL,
			modified TEXT NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Load returns the saved draft, or nil if there is none.
func (s *SQLite) Load(ctx context.Context) (*Draft, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM drafts WHERE slot = 1").Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var r record
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("corrupt saved draft: %w", err)
	}
	d := Draft{
		Title:       r.Title,
		Description: r.Description,
		Budget:      r.Budget,
		Date:        r.Date,
		Time:        r.Time,
		Photos:      r.Photos,
		IsRemoval:   r.IsRemoval,
		pickup:      r.Pickup,
		delivery:    r.Delivery,
		category:    r.Category,
		coordinates: r.Coordinates,
	}
	return &d, nil
}

// Save stores d, replacing any saved draft.
func (s *SQLite) Save(ctx context.Context, d Draft) error {
	data, err := json.Marshal(record{
		Title:       d.Title,
		Description: d.Description,
		Budget:      d.Budget,
		Date:        d.Date,
		Time:        d.Time,
		Photos:      d.Photos,
		IsRemoval:   d.IsRemoval,
		Pickup:      d.pickup,
		Delivery:    d.delivery,
		Category:    d.category,
		Coordinates: d.coordinates,
	})
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO drafts (slot, data, modified) VALUES (1, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET data = excluded.data, modified = excluded.modified`,
		string(data), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Clear deletes the saved draft.
func (s *SQLite) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM drafts")
	return err
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
