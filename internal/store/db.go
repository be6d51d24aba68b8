// Package store provides the embedded SQLite database that backs the
// sync queue and the conflict audit log.
//
// The database runs in embedded mode with WAL enabled so that the
// operator CLI can read stats and conflict history while the sync
// daemon is writing. Both the queue and the conflict store share one
// database file but own disjoint tables; no other component touches
// the persisted state directly.
//
// Layout:
//   - Database file: .fieldsync/fieldsync.db (configurable)
//   - Tables: sync_queue, conflicts
//   - Indexes: optimized for drain queries (status, priority, created_at)
//     and conflict history filters (entity_type, is_resolved, created_at)
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection used for durable sync state.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it will be created; call InitSchema to
// create the tables.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	db, err := store.Open(".fieldsync/fieldsync.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	// Enable WAL mode for concurrent reads
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
//
// This creates the sync_queue and conflicts tables along with the
// indexes needed for drain and history queries. Idempotent - safe to
// call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_queue (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_uuid TEXT NOT NULL,
		payload TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 5,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		local_version INTEGER NOT NULL DEFAULT 0,
		local_modified_at TEXT,
		created_at TEXT NOT NULL,
		last_attempt_at TEXT,
		next_eligible_at TEXT,
		conflict_id TEXT
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		conflict_id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_uuid TEXT NOT NULL,
		local_version INTEGER NOT NULL,
		server_version INTEGER NOT NULL,
		local_data TEXT NOT NULL,
		server_data TEXT NOT NULL,
		resolution_strategy TEXT NOT NULL DEFAULT 'last_write_wins',
		resolved_data TEXT,
		is_resolved INTEGER NOT NULL DEFAULT 0,
		resolved_at TEXT,
		resolved_by TEXT,
		conflict_reason TEXT,
		auto_resolved INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	-- Indexes for drain queries
	CREATE INDEX IF NOT EXISTS idx_queue_status ON sync_queue(status);
	CREATE INDEX IF NOT EXISTS idx_queue_entity ON sync_queue(entity_uuid);
	CREATE INDEX IF NOT EXISTS idx_queue_drain
	    ON sync_queue(status, priority, created_at);

	-- Indexes for conflict history filters
	CREATE INDEX IF NOT EXISTS idx_conflicts_entity_type ON conflicts(entity_type);
	CREATE INDEX IF NOT EXISTS idx_conflicts_resolved ON conflicts(is_resolved);
	CREATE INDEX IF NOT EXISTS idx_conflicts_created ON conflicts(created_at);
	CREATE INDEX IF NOT EXISTS idx_conflicts_entity ON conflicts(entity_uuid);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// GetMeta returns the value stored under key, or "" if absent.
func (db *DB) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := db.conn.QueryRowContext(ctx,
		`SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get meta %s: %w", key, err)
	}
	return value, nil
}

// SetMeta stores value under key, replacing any previous value.
func (db *DB) SetMeta(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO sync_meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set meta %s: %w", key, err)
	}
	return nil
}

// TimeFormat is the fixed-width timestamp layout used for all stored
// times. Unlike RFC3339Nano it never trims trailing zeros, so stored
// values compare correctly as strings in SQL ORDER BY and WHERE
// clauses.
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders a time in the stored layout (UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a stored timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// TimeToNullString converts a time pointer to a nullable string for SQL.
func TimeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: FormatTime(*t), Valid: true}
}

// NullStringToTime converts a nullable SQL string to a time pointer.
func NullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}
