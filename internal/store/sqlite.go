// Package store provides SQLite-backed persistence of session clients and
// their status history.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the persistence layer of one daemon.
type Store struct {
	db *sql.DB
}

// New opens the database at dbPath, creating it if needed.
func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		name       TEXT PRIMARY KEY,
		path       TEXT NOT NULL,
		opened_at  DATETIME NOT NULL,
		closed_at  DATETIME
	);

	-- Clients of a session, kept so a reopened session lists them again
	CREATE TABLE IF NOT EXISTS clients (
		session     TEXT NOT NULL,
		id          TEXT NOT NULL,
		executable  TEXT NOT NULL,
		status      TEXT NOT NULL,
		pid         INTEGER,
		exit_code   INTEGER,
		created_at  DATETIME NOT NULL,
		updated_at  DATETIME NOT NULL,
		PRIMARY KEY (session, id)
	);

	CREATE TABLE IF NOT EXISTS client_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session    TEXT NOT NULL,
		client_id  TEXT NOT NULL,
		kind       TEXT NOT NULL,
		status     TEXT,
		detail     TEXT,
		timestamp  DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_client_events_client ON client_events(session, client_id, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Session is a session the daemon has opened.
type Session struct {
	Name     string
	Path     string
	OpenedAt time.Time
	ClosedAt *time.Time
}

// Client is the persisted record of one session client.
type Client struct {
	Session    string
	ID         string
	Executable string
	Status     string
	PID        *int
	ExitCode   *int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Event kinds recorded in client_events.
const (
	EventAdded        = "added"
	EventStatus       = "status"
	EventLaunchFailed = "launch_failed"
	EventExited       = "exited"
	EventSaved        = "saved"
	EventKilled       = "killed"
	EventRemoved      = "removed"
)

// ClientEvent is one entry of a client's history.
type ClientEvent struct {
	ID        int64
	Session   string
	ClientID  string
	Kind      string
	Status    string
	Detail    string
	Timestamp time.Time
}
