// Package storage provides persistent storage using SQLite.
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

// Storage persists the relay's transfer journal and event audit log.
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

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "crosslock.db")

	// Open database
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	// Initialize schema
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
	-- Transfer journal (one row per swap attempt per direction)
	-- Mirrors the in-memory tracker registry so the operator can audit
	-- lifecycle progress and recover state after a restart.
	CREATE TABLE IF NOT EXISTS transfers (
		transfer_id TEXT NOT NULL,
		direction TEXT NOT NULL,

		-- Lifecycle status (locking, locked, completing, completed,
		-- refunded, failed)
		status TEXT NOT NULL DEFAULT 'locking',

		-- HTLC parameters (hex-encoded chain-native values)
		hash_lock TEXT NOT NULL,
		time_lock INTEGER NOT NULL,
		sender TEXT NOT NULL,
		recipient TEXT NOT NULL,

		-- Amount in smallest units, stored as decimal text since it can
		-- exceed 64 bits on EVM chains
		amount TEXT NOT NULL,

		-- Revealed pre-image (hex, NULL until the destination claim)
		secret TEXT,

		-- Dispatch tracking
		attempts INTEGER DEFAULT 0,
		failure_reason TEXT,

		-- Timing
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER,

		-- The same id may appear independently in both directions
		PRIMARY KEY (transfer_id, direction)
	);

	CREATE INDEX IF NOT EXISTS idx_transfers_status ON transfers(status);
	CREATE INDEX IF NOT EXISTS idx_transfers_updated ON transfers(updated_at);

	-- Relay event audit log (append-only)
	CREATE TABLE IF NOT EXISTS relay_events (
		id TEXT PRIMARY KEY,
		transfer_id TEXT,
		chain TEXT,
		direction TEXT,
		kind TEXT NOT NULL,
		severity TEXT NOT NULL,
		error_message TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_relay_events_transfer ON relay_events(transfer_id);
	CREATE INDEX IF NOT EXISTS idx_relay_events_severity ON relay_events(severity);
	CREATE INDEX IF NOT EXISTS idx_relay_events_created ON relay_events(created_at);
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
