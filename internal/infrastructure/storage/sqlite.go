package storage

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vitos/futures_ladder/internal/domain"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers; one connection also keeps :memory: databases whole
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS tokens (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			quote_asset TEXT NOT NULL DEFAULT 'USDT',
			min_qty REAL NOT NULL,
			leverage INTEGER NOT NULL DEFAULT 1,
			active BOOLEAN NOT NULL DEFAULT 1
		);`,
		`CREATE TABLE IF NOT EXISTS strategies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			description TEXT NOT NULL DEFAULT '',
			contribution REAL NOT NULL,
			active BOOLEAN NOT NULL DEFAULT 1,
			close_before_new_candle BOOLEAN NOT NULL DEFAULT 0,
			direction TEXT NOT NULL DEFAULT 'SAME',
			timeframe TEXT NOT NULL DEFAULT '1d',
			parent_id INTEGER REFERENCES strategies(id),
			trigger_rule TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS targets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			token_id INTEGER NOT NULL REFERENCES tokens(id),
			strategy_id INTEGER NOT NULL REFERENCES strategies(id),
			target_percent REAL NOT NULL,
			stoploss_percent REAL NOT NULL,
			UNIQUE (token_id, strategy_id, target_percent)
		);`,
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT 1,
			api_key TEXT NOT NULL DEFAULT '',
			api_secret TEXT NOT NULL DEFAULT '',
			trade_balance REAL NOT NULL DEFAULT 0,
			chat_id INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			user_id INTEGER NOT NULL REFERENCES users(id),
			token_id INTEGER NOT NULL REFERENCES tokens(id),
			strategy_id INTEGER NOT NULL REFERENCES strategies(id),
			PRIMARY KEY (user_id, token_id, strategy_id)
		);`,
		`CREATE TABLE IF NOT EXISTS orders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			exchange_order_id TEXT NOT NULL,
			user_id INTEGER NOT NULL REFERENCES users(id),
			token_id INTEGER NOT NULL REFERENCES tokens(id),
			strategy_id INTEGER NOT NULL REFERENCES strategies(id),
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			entry_price REAL NOT NULL,
			quantity REAL NOT NULL,
			budget REAL NOT NULL,
			fee REAL NOT NULL DEFAULT 0,
			leverage INTEGER NOT NULL,
			status TEXT NOT NULL,
			target_id INTEGER NOT NULL,
			stop_order_id TEXT,
			mark_price REAL NOT NULL DEFAULT 0,
			net_profit REAL NOT NULL DEFAULT 0,
			close_reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			closed_at DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status_token ON orders(status, token_id);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_exchange_id ON orders(user_id, exchange_order_id);`,
		`CREATE INDEX IF NOT EXISTS idx_targets_pair ON targets(token_id, strategy_id, target_percent);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

func notFound(err error, what string, id int64) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", what, id, domain.ErrNotFound)
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
