package storage

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// EventRecord is one journal line for a swap.
type EventRecord struct {
	ID        string
	SwapID    string
	EventType string
	State     string
	Status    string
	Data      string
	CreatedAt time.Time
}

// AppendEvent stores an event. ID and CreatedAt are filled in when empty.
func (s *Storage) AppendEvent(ev *EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO swap_events (id, swap_id, event_type, state, status, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.SwapID, ev.EventType, ev.State, ev.Status, ev.Data, ev.CreatedAt.UnixNano())
	return err
}

// ListEvents returns a swap's events oldest first.
func (s *Storage) ListEvents(swapID string) ([]*EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, swap_id, event_type, state, status, data, created_at
		FROM swap_events WHERE swap_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, swapID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*EventRecord
	for rows.Next() {
		var ev EventRecord
		var state, status, data sql.NullString
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.SwapID, &ev.EventType, &state, &status, &data, &createdAt); err != nil {
			return nil, err
		}
		ev.State = state.String
		ev.Status = status.String
		ev.Data = data.String
		ev.CreatedAt = time.Unix(0, createdAt)
		events = append(events, &ev)
	}

	return events, rows.Err()
}
