package store

import "time"

// LogEvent appends an entry to a client's history.
func (s *Store) LogEvent(e *ClientEvent) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	res, err := s.db.Exec(`
		INSERT INTO client_events (session, client_id, kind, status, detail, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.Session, e.ClientID, e.Kind, e.Status, e.Detail, e.Timestamp)
	if err != nil {
		return err
	}
	e.ID, err = res.LastInsertId()
	return err
}

// ListEvents returns a client's history, newest first. limit <= 0 means 50.
func (s *Store) ListEvents(session, clientID string, limit int) ([]*ClientEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, session, client_id, kind, COALESCE(status, ''), COALESCE(detail, ''), timestamp
		FROM client_events
		WHERE session = ? AND client_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, session, clientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*ClientEvent
	for rows.Next() {
		var e ClientEvent
		if err := rows.Scan(&e.ID, &e.Session, &e.ClientID, &e.Kind, &e.Status, &e.Detail, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
