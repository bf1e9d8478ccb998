// Package store provides the sqlite persistence layer.
// All database operations go through this package; it holds no business logic.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"gridbot/logger"
)

// Store is the unified persistence entry point. Sub-stores are created
// lazily and share one connection.
type Store struct {
	db *sql.DB

	grid     *GridStore
	order    *OrderStore
	trade    *TradeStore
	position *PositionStore
	equity   *EquityStore
	event    *EventStore

	mu sync.Mutex
}

// New opens (or creates) the database at dbPath and initializes all tables.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite handles one writer at a time
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize tables: %w", err)
	}

	logger.Infof("[Store] database ready at %s", dbPath)
	return s, nil
}

func (s *Store) initTables() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS bot_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create bot_config table: %w", err)
	}

	if err := s.Grid().initTables(); err != nil {
		return fmt.Errorf("initialize grid tables: %w", err)
	}
	if err := s.Order().initTables(); err != nil {
		return fmt.Errorf("initialize order tables: %w", err)
	}
	if err := s.Trade().initTables(); err != nil {
		return fmt.Errorf("initialize trade tables: %w", err)
	}
	if err := s.Position().initTables(); err != nil {
		return fmt.Errorf("initialize position tables: %w", err)
	}
	if err := s.Equity().initTables(); err != nil {
		return fmt.Errorf("initialize equity tables: %w", err)
	}
	if err := s.Event().initTables(); err != nil {
		return fmt.Errorf("initialize event tables: %w", err)
	}
	return nil
}

// Grid gets grid history storage
func (s *Store) Grid() *GridStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grid == nil {
		s.grid = &GridStore{db: s.db}
	}
	return s.grid
}

// Order gets order storage
func (s *Store) Order() *OrderStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.order == nil {
		s.order = &OrderStore{db: s.db}
	}
	return s.order
}

// Trade gets trade storage
func (s *Store) Trade() *TradeStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trade == nil {
		s.trade = &TradeStore{db: s.db}
	}
	return s.trade
}

// Position gets position storage
func (s *Store) Position() *PositionStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.position == nil {
		s.position = &PositionStore{db: s.db}
	}
	return s.position
}

// Equity gets equity snapshot storage
func (s *Store) Equity() *EquityStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.equity == nil {
		s.equity = &EquityStore{db: s.db}
	}
	return s.equity
}

// Event gets event storage
func (s *Store) Event() *EventStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.event == nil {
		s.event = &EventStore{db: s.db}
	}
	return s.event
}

// GetConfig gets a persisted config value by key ("" when unset).
func (s *Store) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM bot_config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetConfig upserts a persisted config value.
func (s *Store) SetConfig(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO bot_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
