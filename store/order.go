package store

import (
	"database/sql"
	"fmt"
	"time"
)

// OrderStore tracks the orders the engine has placed.
type OrderStore struct {
	db *sql.DB
}

// OrderRecord is one placed order and its lifecycle state.
type OrderRecord struct {
	OrderID       string    `json:"order_id"`
	LinkID        string    `json:"link_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Price         float64   `json:"price"`
	Qty           float64   `json:"qty"`
	LevelIndex    int       `json:"level_index"`
	LevelSide     string    `json:"level_side"`
	Status        string    `json:"status"` // NEW, PARTIALLY_FILLED, FILLED, CANCELED
	LadderVersion uint64    `json:"ladder_version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (s *OrderStore) initTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			order_id TEXT PRIMARY KEY,
			link_id TEXT NOT NULL DEFAULT '',
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			price REAL NOT NULL,
			qty REAL NOT NULL,
			level_index INTEGER NOT NULL,
			level_side TEXT NOT NULL,
			status TEXT NOT NULL,
			ladder_version INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_version ON orders(ladder_version)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("execute SQL: %w", err)
		}
	}
	return nil
}

// Save inserts or replaces one order record.
func (s *OrderStore) Save(rec *OrderRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO orders (order_id, link_id, symbol, side, price, qty,
			level_index, level_side, status, ladder_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at
	`, rec.OrderID, rec.LinkID, rec.Symbol, rec.Side, rec.Price, rec.Qty,
		rec.LevelIndex, rec.LevelSide, rec.Status, rec.LadderVersion,
		rec.CreatedAt.UTC().Format(time.RFC3339), rec.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save order: %w", err)
	}
	return nil
}

// UpdateStatus moves one order to a new status.
func (s *OrderStore) UpdateStatus(orderID, status string) error {
	_, err := s.db.Exec(`
		UPDATE orders SET status = ?, updated_at = ? WHERE order_id = ?
	`, status, time.Now().UTC().Format(time.RFC3339), orderID)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	return nil
}

// GetOpen returns orders still resting (NEW or PARTIALLY_FILLED).
func (s *OrderStore) GetOpen() ([]*OrderRecord, error) {
	return s.query(`
		SELECT order_id, link_id, symbol, side, price, qty,
		       level_index, level_side, status, ladder_version, created_at, updated_at
		FROM orders
		WHERE status IN ('NEW', 'PARTIALLY_FILLED')
		ORDER BY created_at ASC
	`)
}

// GetLatest returns the newest N orders, newest first.
func (s *OrderStore) GetLatest(limit int) ([]*OrderRecord, error) {
	return s.query(`
		SELECT order_id, link_id, symbol, side, price, qty,
		       level_index, level_side, status, ladder_version, created_at, updated_at
		FROM orders
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
}

func (s *OrderStore) query(q string, args ...interface{}) ([]*OrderRecord, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var records []*OrderRecord
	for rows.Next() {
		rec := &OrderRecord{}
		var createdStr, updatedStr string
		if err := rows.Scan(&rec.OrderID, &rec.LinkID, &rec.Symbol, &rec.Side,
			&rec.Price, &rec.Qty, &rec.LevelIndex, &rec.LevelSide,
			&rec.Status, &rec.LadderVersion, &createdStr, &updatedStr); err != nil {
			continue
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
		rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedStr)
		records = append(records, rec)
	}
	return records, nil
}
