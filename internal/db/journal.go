package db

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mescon/stallarr/internal/domain"
)

// Timestamps are stored as fixed-width UTC text so they compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// AppendEvent writes an event to the journal and returns its id.
func (r *Repository) AppendEvent(event domain.Event) (int64, error) {
	data := event.EventData
	if data == nil {
		data = map[string]interface{}{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event data: %w", err)
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	if event.EventVersion == 0 {
		event.EventVersion = 1
	}

	res, err := ExecWithRetry(r.DB, `
		INSERT INTO events (aggregate_type, aggregate_id, event_type, event_data, event_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, event.AggregateType, event.AggregateID, string(event.EventType), string(payload), event.EventVersion, formatTime(event.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("failed to persist event: %w", err)
	}
	return res.LastInsertId()
}

// EventFilter narrows RecentEvents. Zero fields match everything.
type EventFilter struct {
	AggregateType string
	AggregateID   string
	EventType     domain.EventType
	Limit         int
}

// RecentEvents returns journal entries newest first.
func (r *Repository) RecentEvents(filter EventFilter) ([]domain.Event, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.AggregateType != "" {
		where = append(where, "aggregate_type = ?")
		args = append(args, filter.AggregateType)
	}
	if filter.AggregateID != "" {
		where = append(where, "aggregate_id = ?")
		args = append(args, filter.AggregateID)
	}
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(filter.EventType))
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := "SELECT id, aggregate_type, aggregate_id, event_type, event_data, event_version, created_at FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := QueryWithRetry(r.DB, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.Event, 0)
	for rows.Next() {
		var (
			e         domain.Event
			eventType string
			payload   string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &eventType, &payload, &e.EventVersion, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.EventType = domain.EventType(eventType)
		if err := json.Unmarshal([]byte(payload), &e.EventData); err != nil {
			return nil, fmt.Errorf("event %d has malformed data: %w", e.ID, err)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = t
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountEventsSince returns per-type event counts created at or after since.
func (r *Repository) CountEventsSince(since time.Time) (map[domain.EventType]int64, error) {
	rows, err := QueryWithRetry(r.DB,
		"SELECT event_type, COUNT(*) FROM events WHERE created_at >= ? GROUP BY event_type",
		formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.EventType]int64)
	for rows.Next() {
		var (
			eventType string
			n         int64
		)
		if err := rows.Scan(&eventType, &n); err != nil {
			return nil, fmt.Errorf("failed to scan event count: %w", err)
		}
		counts[domain.EventType(eventType)] = n
	}
	return counts, rows.Err()
}
