package store

import (
	"database/sql"
	"fmt"
	"time"
)

// PositionStore keeps the latest venue-reported position per symbol.
type PositionStore struct {
	db *sql.DB
}

// PositionRecord mirrors one venue position.
type PositionRecord struct {
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Size          float64   `json:"size"`
	EntryPrice    float64   `json:"entry_price"`
	MarkPrice     float64   `json:"mark_price"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	Leverage      float64   `json:"leverage"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (s *PositionStore) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS positions (
			symbol TEXT PRIMARY KEY,
			side TEXT NOT NULL,
			size REAL NOT NULL,
			entry_price REAL NOT NULL,
			mark_price REAL NOT NULL,
			unrealized_pnl REAL NOT NULL,
			leverage REAL NOT NULL,
			updated_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("execute SQL: %w", err)
	}
	return nil
}

// Upsert replaces the stored position for a symbol.
func (s *PositionStore) Upsert(rec *PositionRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO positions (symbol, side, size, entry_price, mark_price, unrealized_pnl, leverage, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			side = excluded.side,
			size = excluded.size,
			entry_price = excluded.entry_price,
			mark_price = excluded.mark_price,
			unrealized_pnl = excluded.unrealized_pnl,
			leverage = excluded.leverage,
			updated_at = excluded.updated_at
	`, rec.Symbol, rec.Side, rec.Size, rec.EntryPrice, rec.MarkPrice,
		rec.UnrealizedPnL, rec.Leverage, rec.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

// Delete removes the stored position for a symbol (flat).
func (s *PositionStore) Delete(symbol string) error {
	_, err := s.db.Exec(`DELETE FROM positions WHERE symbol = ?`, symbol)
	if err != nil {
		return fmt.Errorf("delete position: %w", err)
	}
	return nil
}

// GetAll returns every stored position.
func (s *PositionStore) GetAll() ([]*PositionRecord, error) {
	rows, err := s.db.Query(`
		SELECT symbol, side, size, entry_price, mark_price, unrealized_pnl, leverage, updated_at
		FROM positions
	`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var records []*PositionRecord
	for rows.Next() {
		rec := &PositionRecord{}
		var updatedStr string
		if err := rows.Scan(&rec.Symbol, &rec.Side, &rec.Size, &rec.EntryPrice,
			&rec.MarkPrice, &rec.UnrealizedPnL, &rec.Leverage, &updatedStr); err != nil {
			continue
		}
		rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedStr)
		records = append(records, rec)
	}
	return records, nil
}
