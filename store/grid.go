package store

import (
	"database/sql"
	"fmt"
	"time"
)

// GridStore records every ladder rebuild.
type GridStore struct {
	db *sql.DB
}

// GridRecord is one ladder rebuild entry.
type GridRecord struct {
	ID         int64     `json:"id"`
	Version    uint64    `json:"version"`
	Symbol     string    `json:"symbol"`
	Profile    string    `json:"profile"`
	Center     float64   `json:"center"`
	Spacing    float64   `json:"spacing"`
	LevelCount int       `json:"level_count"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *GridStore) initTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS grid_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			profile TEXT NOT NULL,
			center REAL NOT NULL,
			spacing REAL NOT NULL,
			level_count INTEGER NOT NULL,
			reason TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_grid_history_created ON grid_history(created_at DESC)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("execute SQL: %w", err)
		}
	}
	return nil
}

// Save appends one rebuild record.
func (s *GridStore) Save(rec *GridRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	result, err := s.db.Exec(`
		INSERT INTO grid_history (version, symbol, profile, center, spacing, level_count, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Version, rec.Symbol, rec.Profile, rec.Center, rec.Spacing, rec.LevelCount, rec.Reason,
		rec.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save grid record: %w", err)
	}
	rec.ID, _ = result.LastInsertId()
	return nil
}

// GetLatest returns the newest N rebuild records, newest first.
func (s *GridStore) GetLatest(limit int) ([]*GridRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, version, symbol, profile, center, spacing, level_count, reason, created_at
		FROM grid_history
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query grid history: %w", err)
	}
	defer rows.Close()

	var records []*GridRecord
	for rows.Next() {
		rec := &GridRecord{}
		var createdStr string
		if err := rows.Scan(&rec.ID, &rec.Version, &rec.Symbol, &rec.Profile,
			&rec.Center, &rec.Spacing, &rec.LevelCount, &rec.Reason, &createdStr); err != nil {
			continue
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
		records = append(records, rec)
	}
	return records, nil
}
