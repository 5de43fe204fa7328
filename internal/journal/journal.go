// Package journal keeps an append-only SQLite record of every message
// the relay published. It is an audit trail for debugging consumers
// (what exactly went out on the topic, and when); the relay itself
// never reads it back.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// tsLayout is fixed width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// Entry is one published message.
type Entry struct {
	ID         string
	Timestamp  time.Time
	Slot       int
	TrackingID uint64
	Topic      string
	File       string
	Payload    []byte
}

// Store is the journal database. All methods are safe for concurrent
// use.
type Store struct {
	db *sql.DB
}

// Open creates or opens the journal at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already open database and creates the schema.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate journal schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS published_messages (
		id          TEXT PRIMARY KEY,
		timestamp   TEXT NOT NULL,
		slot        INTEGER NOT NULL,
		tracking_id TEXT NOT NULL,
		topic       TEXT NOT NULL,
		file        TEXT,
		payload     BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_published_timestamp ON published_messages(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append records a published message. Empty ID and zero Timestamp are
// filled with a UUIDv7 and the current time.
func (s *Store) Append(ctx context.Context, e Entry) error {
	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate journal entry ID: %w", err)
		}
		e.ID = id.String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO published_messages (id, timestamp, slot, tracking_id, topic, file, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.Timestamp.UTC().Format(tsLayout),
		e.Slot,
		strconv.FormatUint(e.TrackingID, 10),
		e.Topic,
		e.File,
		e.Payload,
	)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

// Count returns the number of entries with timestamps in [start, end).
func (s *Store) Count(ctx context.Context, start, end time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM published_messages WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(tsLayout),
		end.UTC().Format(tsLayout),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count journal entries: %w", err)
	}
	return n, nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, slot, tracking_id, topic, COALESCE(file, ''), payload
		 FROM published_messages
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent journal entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts, trackingID string
		if err := rows.Scan(&e.ID, &ts, &e.Slot, &trackingID, &e.Topic, &e.File, &e.Payload); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		if e.Timestamp, err = time.Parse(tsLayout, ts); err != nil {
			return nil, fmt.Errorf("parse journal timestamp %q: %w", ts, err)
		}
		if e.TrackingID, err = strconv.ParseUint(trackingID, 10, 64); err != nil {
			return nil, fmt.Errorf("parse tracking id %q: %w", trackingID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
