package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Event severities.
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityError    = "ERROR"
	SeverityCritical = "CRITICAL"
)

// EventStore records operational events (recenters, rejections, kill-switch
// transitions) for the dashboard.
type EventStore struct {
	db *sql.DB
}

// EventRecord is one operational event.
type EventRecord struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Severity  string    `json:"severity"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
}

func (s *EventStore) initTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			severity TEXT NOT NULL,
			type TEXT NOT NULL,
			message TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp DESC)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("execute SQL: %w", err)
		}
	}
	return nil
}

// Save appends one event.
func (s *EventStore) Save(rec *EventRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	result, err := s.db.Exec(`
		INSERT INTO events (timestamp, severity, type, message)
		VALUES (?, ?, ?, ?)
	`, rec.Timestamp.UTC().Format(time.RFC3339), rec.Severity, rec.Type, rec.Message)
	if err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	rec.ID, _ = result.LastInsertId()
	return nil
}

// GetLatest returns the newest N events, newest first.
func (s *EventStore) GetLatest(limit int) ([]*EventRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, timestamp, severity, type, message
		FROM events
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var records []*EventRecord
	for rows.Next() {
		rec := &EventRecord{}
		var timestampStr string
		if err := rows.Scan(&rec.ID, &timestampStr, &rec.Severity, &rec.Type, &rec.Message); err != nil {
			continue
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339, timestampStr)
		records = append(records, rec)
	}
	return records, nil
}
