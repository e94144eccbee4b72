// Package storage - Relay event audit log.
package storage

import (
	"fmt"
	"time"

	"github.com/crosslock-labs/crosslock/internal/relay"
)

// EventRecord is one persisted relay output event.
type EventRecord struct {
	ID         string    `json:"id"`
	TransferID string    `json:"transfer_id,omitempty"`
	Chain      string    `json:"chain,omitempty"`
	Direction  string    `json:"direction,omitempty"`
	Kind       string    `json:"kind"`
	Severity   string    `json:"severity"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// AppendEvent persists one coordinator output event. The log is
// append-only; rows are never updated.
func (s *Storage) AppendEvent(ev relay.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var direction string
	if ev.Direction != 0 {
		direction = ev.Direction.String()
	}

	query := `
		INSERT INTO relay_events (
			id, transfer_id, chain, direction, kind, severity, error_message, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		ev.ID.String(),
		ev.Details.TransferID.Hex(),
		ev.Chain,
		direction,
		string(ev.Kind),
		string(ev.Severity),
		ev.Error,
		ev.Time.Unix(),
	)
	return err
}

// RecentEvents returns the newest events, up to limit.
func (s *Storage) RecentEvents(limit int) ([]*EventRecord, error) {
	return s.queryEvents(
		`SELECT id, transfer_id, chain, direction, kind, severity, error_message, created_at
		 FROM relay_events ORDER BY created_at DESC, id DESC`, limit)
}

// EventsBySeverity returns the newest events of one severity, up to limit.
func (s *Storage) EventsBySeverity(severity relay.Severity, limit int) ([]*EventRecord, error) {
	return s.queryEvents(
		`SELECT id, transfer_id, chain, direction, kind, severity, error_message, created_at
		 FROM relay_events WHERE severity = ? ORDER BY created_at DESC, id DESC`, limit, string(severity))
}

// EventsForTransfer returns all events recorded for one transfer id,
// oldest first.
func (s *Storage) EventsForTransfer(transferID string) ([]*EventRecord, error) {
	return s.queryEvents(
		`SELECT id, transfer_id, chain, direction, kind, severity, error_message, created_at
		 FROM relay_events WHERE transfer_id = ? ORDER BY created_at ASC, id ASC`, 0, transferID)
}

// EventCount returns the total number of logged events.
func (s *Storage) EventCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM relay_events").Scan(&count)
	return count, err
}

// PruneEvents deletes events older than the cutoff and returns how many
// rows were removed.
func (s *Storage) PruneEvents(before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec("DELETE FROM relay_events WHERE created_at < ?", before.Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *Storage) queryEvents(query string, limit int, args ...interface{}) ([]*EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*EventRecord
	for rows.Next() {
		var rec EventRecord
		var createdAt int64
		if err := rows.Scan(
			&rec.ID,
			&rec.TransferID,
			&rec.Chain,
			&rec.Direction,
			&rec.Kind,
			&rec.Severity,
			&rec.Error,
			&createdAt,
		); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.Unix(createdAt, 0)
		events = append(events, &rec)
	}

	return events, rows.Err()
}
