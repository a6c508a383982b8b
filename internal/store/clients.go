package store

import (
	"database/sql"
	"time"
)

// UpsertClient inserts a client or replaces its executable and status.
func (s *Store) UpsertClient(c *Client) error {
	now := time.Now()
	_, err := s.db.Exec(`
		INSERT INTO clients (session, id, executable, status, pid, exit_code, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session, id) DO UPDATE SET
			executable = excluded.executable,
			status = excluded.status,
			pid = excluded.pid,
			exit_code = excluded.exit_code,
			updated_at = excluded.updated_at
	`, c.Session, c.ID, c.Executable, c.Status, c.PID, c.ExitCode, now, now)
	return err
}

// GetClient returns a client, or nil if it does not exist.
func (s *Store) GetClient(session, id string) (*Client, error) {
	row := s.db.QueryRow(`
		SELECT session, id, executable, status, pid, exit_code, created_at, updated_at
		FROM clients WHERE session = ? AND id = ?
	`, session, id)

	var c Client
	err := row.Scan(&c.Session, &c.ID, &c.Executable, &c.Status, &c.PID, &c.ExitCode, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListClients returns the clients of a session in creation order.
func (s *Store) ListClients(session string) ([]*Client, error) {
	rows, err := s.db.Query(`
		SELECT session, id, executable, status, pid, exit_code, created_at, updated_at
		FROM clients WHERE session = ? ORDER BY created_at, id
	`, session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []*Client
	for rows.Next() {
		var c Client
		if err := rows.Scan(&c.Session, &c.ID, &c.Executable, &c.Status, &c.PID, &c.ExitCode, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		clients = append(clients, &c)
	}
	return clients, rows.Err()
}

// UpdateClientStatus records a status change. pid and exitCode may be nil.
func (s *Store) UpdateClientStatus(session, id, status string, pid, exitCode *int) error {
	_, err := s.db.Exec(`
		UPDATE clients SET status = ?, pid = ?, exit_code = COALESCE(?, exit_code), updated_at = ?
		WHERE session = ? AND id = ?
	`, status, pid, exitCode, time.Now(), session, id)
	return err
}

// DeleteClient removes a client record. Its history is kept.
func (s *Store) DeleteClient(session, id string) error {
	_, err := s.db.Exec(`DELETE FROM clients WHERE session = ? AND id = ?`, session, id)
	return err
}
