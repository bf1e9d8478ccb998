package store

import (
	"database/sql"
	"fmt"
	"time"
)

// TradeStore records executed fills and their attributed profit.
type TradeStore struct {
	db *sql.DB
}

// TradeRecord is one executed fill.
type TradeRecord struct {
	ID             int64     `json:"id"`
	OrderID        string    `json:"order_id"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	Price          float64   `json:"price"`
	Qty            float64   `json:"qty"`
	Fee            float64   `json:"fee"`
	RealizedProfit float64   `json:"realized_profit"`
	FilledAt       time.Time `json:"filled_at"`
}

func (s *TradeStore) initTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			price REAL NOT NULL,
			qty REAL NOT NULL,
			fee REAL NOT NULL DEFAULT 0,
			realized_profit REAL NOT NULL DEFAULT 0,
			filled_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_filled ON trades(filled_at DESC)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("execute SQL: %w", err)
		}
	}
	return nil
}

// Save appends one trade.
func (s *TradeStore) Save(rec *TradeRecord) error {
	if rec.FilledAt.IsZero() {
		rec.FilledAt = time.Now().UTC()
	}
	result, err := s.db.Exec(`
		INSERT INTO trades (order_id, symbol, side, price, qty, fee, realized_profit, filled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.OrderID, rec.Symbol, rec.Side, rec.Price, rec.Qty, rec.Fee,
		rec.RealizedProfit, rec.FilledAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save trade: %w", err)
	}
	rec.ID, _ = result.LastInsertId()
	return nil
}

// GetLatest returns the newest N trades, newest first.
func (s *TradeStore) GetLatest(limit int) ([]*TradeRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, order_id, symbol, side, price, qty, fee, realized_profit, filled_at
		FROM trades
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var records []*TradeRecord
	for rows.Next() {
		rec := &TradeRecord{}
		var filledStr string
		if err := rows.Scan(&rec.ID, &rec.OrderID, &rec.Symbol, &rec.Side,
			&rec.Price, &rec.Qty, &rec.Fee, &rec.RealizedProfit, &filledStr); err != nil {
			continue
		}
		rec.FilledAt, _ = time.Parse(time.RFC3339, filledStr)
		records = append(records, rec)
	}
	return records, nil
}

// Totals returns cumulative realized profit and fees.
func (s *TradeStore) Totals() (profit, fees float64, err error) {
	err = s.db.QueryRow(`
		SELECT COALESCE(SUM(realized_profit), 0), COALESCE(SUM(fee), 0) FROM trades
	`).Scan(&profit, &fees)
	if err != nil {
		return 0, 0, fmt.Errorf("query trade totals: %w", err)
	}
	return profit, fees, nil
}

// CountSince returns the number of trades executed at or after cutoff.
func (s *TradeStore) CountSince(cutoff time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM trades WHERE filled_at >= ?
	`, cutoff.UTC().Format(time.RFC3339)).Scan(&count)
	return count, err
}
