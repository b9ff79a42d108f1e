package domain

import (
	"time"
)

type EventType string

const (
	CycleStarted   EventType = "CycleStarted"
	CycleCompleted EventType = "CycleCompleted"
	CycleAborted   EventType = "CycleAborted" // connectivity failure or unexpected error

	DownloadWarning  EventType = "DownloadWarning"
	DownloadStalled  EventType = "DownloadStalled"
	DownloadRemoved  EventType = "DownloadRemoved"  // removed from the download client
	QueueItemRemoved EventType = "QueueItemRemoved" // removed from a manager queue
	GrabMarkedFailed EventType = "GrabMarkedFailed"
	ActionFailed     EventType = "ActionFailed"

	CompletedTorrentCleared EventType = "CompletedTorrentCleared"

	NotificationSent   EventType = "NotificationSent"
	NotificationFailed EventType = "NotificationFailed"
)

// Aggregate types used in the journal.
const (
	AggregateDownload = "download" // AggregateID is the download-client hash
	AggregateCycle    = "cycle"    // AggregateID is the cycle id
	AggregateTorrent  = "torrent"  // AggregateID is the qBittorrent hash

	AggregateNotification = "notification" // AggregateID is the notification title
)

type Event struct {
	ID            int64                  `json:"id"`
	AggregateType string                 `json:"aggregate_type"`
	AggregateID   string                 `json:"aggregate_id"`
	EventType     EventType              `json:"event_type"`
	EventData     map[string]interface{} `json:"event_data"`
	EventVersion  int                    `json:"event_version"`
	CreatedAt     time.Time              `json:"created_at"`
}

// =============================================================================
// Event data accessors
// =============================================================================

// GetString returns a string field from EventData.
func (e *Event) GetString(key string) (string, bool) {
	if e.EventData == nil {
		return "", false
	}
	v, ok := e.EventData[key].(string)
	return v, ok
}

// GetStringOr extracts a string field or returns the default value.
func (e *Event) GetStringOr(key, defaultVal string) string {
	if v, ok := e.GetString(key); ok {
		return v
	}
	return defaultVal
}

// GetInt64 handles int, int64 and float64 (JSON unmarshaling produces float64).
func (e *Event) GetInt64(key string) (int64, bool) {
	if e.EventData == nil {
		return 0, false
	}
	switch v := e.EventData[key].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// GetInt64Or extracts an int64 field or returns the default value.
func (e *Event) GetInt64Or(key string, defaultVal int64) int64 {
	if v, ok := e.GetInt64(key); ok {
		return v
	}
	return defaultVal
}

// GetBool returns a bool field from EventData.
func (e *Event) GetBool(key string) (bool, bool) {
	if e.EventData == nil {
		return false, false
	}
	v, ok := e.EventData[key].(bool)
	return v, ok
}

// GetBoolOr extracts a bool field or returns the default value.
func (e *Event) GetBoolOr(key string, defaultVal bool) bool {
	if v, ok := e.GetBool(key); ok {
		return v
	}
	return defaultVal
}

// =============================================================================
// Typed event data
// =============================================================================

// StallEventData contains data for DownloadWarning and DownloadStalled events.
type StallEventData struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
	Count  int64  `json:"count"`
	DryRun bool   `json:"dry_run"`
}

// Map converts the data to the untyped form stored in Event.EventData.
func (d StallEventData) Map() map[string]interface{} {
	return map[string]interface{}{
		"name":    d.Name,
		"reason":  d.Reason,
		"count":   d.Count,
		"dry_run": d.DryRun,
	}
}

// ParseStallEventData extracts typed stall data from an event.
func (e *Event) ParseStallEventData() (StallEventData, bool) {
	reason, ok := e.GetString("reason")
	if !ok {
		return StallEventData{}, false
	}
	return StallEventData{
		Name:   e.GetStringOr("name", ""),
		Reason: reason,
		Count:  e.GetInt64Or("count", 0),
		DryRun: e.GetBoolOr("dry_run", false),
	}, true
}

// RemovalEventData contains data for DownloadRemoved, QueueItemRemoved,
// GrabMarkedFailed and ActionFailed events.
type RemovalEventData struct {
	Name     string `json:"name"`
	Manager  string `json:"manager,omitempty"`
	Category string `json:"category"`
	Reason   string `json:"reason"`
	Step     string `json:"step,omitempty"`
	Error    string `json:"error,omitempty"`
	DryRun   bool   `json:"dry_run"`
}

// Removal categories: why an item is being removed.
const (
	RemovalStalled     = "stalled"
	RemovalUnmonitored = "unmonitored"
	RemovalClientOnly  = "client_only"
)

// Map converts the data to the untyped form stored in Event.EventData.
func (d RemovalEventData) Map() map[string]interface{} {
	m := map[string]interface{}{
		"name":     d.Name,
		"category": d.Category,
		"reason":   d.Reason,
		"dry_run":  d.DryRun,
	}
	if d.Manager != "" {
		m["manager"] = d.Manager
	}
	if d.Step != "" {
		m["step"] = d.Step
	}
	if d.Error != "" {
		m["error"] = d.Error
	}
	return m
}

// ParseRemovalEventData extracts typed removal data from an event.
func (e *Event) ParseRemovalEventData() (RemovalEventData, bool) {
	reason, ok := e.GetString("reason")
	if !ok {
		return RemovalEventData{}, false
	}
	return RemovalEventData{
		Name:     e.GetStringOr("name", ""),
		Manager:  e.GetStringOr("manager", ""),
		Category: e.GetStringOr("category", ""),
		Reason:   reason,
		Step:     e.GetStringOr("step", ""),
		Error:    e.GetStringOr("error", ""),
		DryRun:   e.GetBoolOr("dry_run", false),
	}, true
}

// CycleSummary describes one finished polling cycle.
type CycleSummary struct {
	CycleID         string        `json:"cycle_id"`
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
	Downloads       int           `json:"downloads"`
	Skipped         int           `json:"skipped"`
	Warnings        int           `json:"warnings"`
	Stalled         int           `json:"stalled"`
	ClientRemovals  int           `json:"client_removals"`
	ManagerRemovals int           `json:"manager_removals"`
	Aborted         bool          `json:"aborted"`
	Error           string        `json:"error,omitempty"`
}

// Map converts the summary to the untyped form stored in Event.EventData.
func (s CycleSummary) Map() map[string]interface{} {
	m := map[string]interface{}{
		"duration_ms":      s.Duration.Milliseconds(),
		"downloads":        s.Downloads,
		"skipped":          s.Skipped,
		"warnings":         s.Warnings,
		"stalled":          s.Stalled,
		"client_removals":  s.ClientRemovals,
		"manager_removals": s.ManagerRemovals,
		"aborted":          s.Aborted,
	}
	if s.Error != "" {
		m["error"] = s.Error
	}
	return m
}
