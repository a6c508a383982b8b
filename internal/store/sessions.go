package store

import (
	"database/sql"
	"time"
)

// OpenSession records that a session was opened.
func (s *Store) OpenSession(name, path string) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (name, path, opened_at, closed_at) VALUES (?, ?, ?, NULL)
		ON CONFLICT(name) DO UPDATE SET path = excluded.path, opened_at = excluded.opened_at, closed_at = NULL
	`, name, path, time.Now())
	return err
}

// CloseSession records that a session was closed.
func (s *Store) CloseSession(name string) error {
	_, err := s.db.Exec(`UPDATE sessions SET closed_at = ? WHERE name = ?`, time.Now(), name)
	return err
}

// GetSession returns a session, or nil if it was never opened.
func (s *Store) GetSession(name string) (*Session, error) {
	var sess Session
	var closed sql.NullTime
	err := s.db.QueryRow(`SELECT name, path, opened_at, closed_at FROM sessions WHERE name = ?`, name).
		Scan(&sess.Name, &sess.Path, &sess.OpenedAt, &closed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if closed.Valid {
		sess.ClosedAt = &closed.Time
	}
	return &sess, nil
}
