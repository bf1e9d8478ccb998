package store

import (
	"database/sql"
	"fmt"
	"time"
)

// EquityStore records equity snapshots for the dashboard curve.
type EquityStore struct {
	db *sql.DB
}

// EquitySnapshot is one point on the equity curve.
type EquitySnapshot struct {
	ID          int64     `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	TotalEquity float64   `json:"total_equity"`
	Available   float64   `json:"available"`
	Drawdown    float64   `json:"drawdown"`
	Exposure    float64   `json:"exposure"`
}

func (s *EquityStore) initTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS equity_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			total_equity REAL NOT NULL DEFAULT 0,
			available REAL NOT NULL DEFAULT 0,
			drawdown REAL NOT NULL DEFAULT 0,
			exposure REAL NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_equity_timestamp ON equity_snapshots(timestamp DESC)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("execute SQL: %w", err)
		}
	}
	return nil
}

// Save appends one snapshot.
func (s *EquityStore) Save(snap *EquitySnapshot) error {
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}
	result, err := s.db.Exec(`
		INSERT INTO equity_snapshots (timestamp, total_equity, available, drawdown, exposure)
		VALUES (?, ?, ?, ?, ?)
	`, snap.Timestamp.UTC().Format(time.RFC3339), snap.TotalEquity, snap.Available,
		snap.Drawdown, snap.Exposure)
	if err != nil {
		return fmt.Errorf("save equity snapshot: %w", err)
	}
	snap.ID, _ = result.LastInsertId()
	return nil
}

// GetLatest returns the latest N snapshots sorted old to new, for plotting.
func (s *EquityStore) GetLatest(limit int) ([]*EquitySnapshot, error) {
	rows, err := s.db.Query(`
		SELECT id, timestamp, total_equity, available, drawdown, exposure
		FROM equity_snapshots
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query equity snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*EquitySnapshot
	for rows.Next() {
		snap := &EquitySnapshot{}
		var timestampStr string
		if err := rows.Scan(&snap.ID, &timestampStr, &snap.TotalEquity,
			&snap.Available, &snap.Drawdown, &snap.Exposure); err != nil {
			continue
		}
		snap.Timestamp, _ = time.Parse(time.RFC3339, timestampStr)
		snapshots = append(snapshots, snap)
	}

	for i, j := 0, len(snapshots)-1; i < j; i, j = i+1, j-1 {
		snapshots[i], snapshots[j] = snapshots[j], snapshots[i]
	}
	return snapshots, nil
}

// CleanOldRecords deletes snapshots older than the given number of days.
func (s *EquityStore) CleanOldRecords(days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days).UTC().Format(time.RFC3339)
	result, err := s.db.Exec(`DELETE FROM equity_snapshots WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("clean equity snapshots: %w", err)
	}
	return result.RowsAffected()
}
