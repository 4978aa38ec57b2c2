// Package storage provides persistent storage for swaps using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage persists swap state so it survives daemon restarts.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "quasar.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Swaps table: one row per swap, upserted on every state transition.
	-- Rows are never deleted; completed swaps stay as an audit trail and so
	-- a restart can tell "done" from "never started".
	CREATE TABLE IF NOT EXISTS swaps (
		id INTEGER PRIMARY KEY,

		-- Secret commitment (hex); secret itself only after reveal
		secret_hash TEXT NOT NULL,
		secret TEXT,

		-- Trade parameters
		symbol TEXT NOT NULL,
		side INTEGER NOT NULL,
		price TEXT NOT NULL,
		qty TEXT NOT NULL,
		is_initiator INTEGER NOT NULL DEFAULT 0,

		-- Payout and routing
		to_address TEXT,
		party_address TEXT,
		from_address TEXT,
		reward_for_redeem TEXT,
		party_reward_for_redeem TEXT,

		-- UTXO chains: HTLC scripts and counterparty key (hex)
		redeem_script TEXT,
		party_redeem_script TEXT,
		party_pub_key TEXT,

		time_stamp INTEGER NOT NULL,

		-- Transaction references per lifecycle step
		payment_txid TEXT,
		party_payment_txid TEXT,
		redeem_txid TEXT,
		refund_txid TEXT,

		-- Lifecycle flags bitset
		state_flags INTEGER NOT NULL DEFAULT 0,

		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_swaps_flags ON swaps(state_flags);
	CREATE INDEX IF NOT EXISTS idx_swaps_updated ON swaps(updated_at);

	-- Settings/config table
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
