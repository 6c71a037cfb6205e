// Package sqlitestore implements the persistent key-value store on top of a
// SQLite database file.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and use it through [storage.KeyValueStore].
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver "sqlite3" (cgo)
	_ "modernc.org/sqlite"          // SQLite driver "sqlite" (pure Go)
)

const (
	// DriverCGO is the mattn/go-sqlite3 driver name.
	DriverCGO = "sqlite3"
	// DriverPure is the modernc.org/sqlite driver name.
	DriverPure = "sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv_items (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at TEXT NOT NULL DEFAULT ''
);
`

// Store is the SQLite-backed persistent key-value store.
type Store struct {
	db   *sql.DB
	path string
}

// DefaultPath returns the default path for the storage database:
// ~/.local/share/devpeek/storage.db
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "devpeek", "storage.db"), nil
}

// Open opens (or creates) the SQLite database at path with the given driver
// ([DriverCGO] or [DriverPure]; empty means DriverCGO), applies the schema,
// and configures WAL mode so other processes can read while we write.
func Open(path, driver string) (*Store, error) {
	if driver == "" {
		driver = DriverCGO
	}
	dsn, err := dataSourceName(path, driver)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single connection: avoids SQLITE_BUSY under WAL and keeps
	// PRAGMA data_version meaningful across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

func dataSourceName(path, driver string) (string, error) {
	switch driver {
	case DriverCGO:
		return path + "?_journal_mode=WAL&_busy_timeout=5000", nil
	case DriverPure:
		return path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", nil
	default:
		return "", fmt.Errorf("unknown sqlite driver %q (want %q or %q)", driver, DriverCGO, DriverPure)
	}
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema DDL idempotently (CREATE IF NOT EXISTS).
func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Keys returns every key in sorted order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv_items ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("querying keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scanning key row: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Get returns the raw value stored under key, or ok=false if absent.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_items WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading key %q: %w", key, err)
	}
	return value, true, nil
}

// Set inserts or replaces the value under key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	const q = `
		INSERT INTO kv_items (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
		    value      = excluded.value,
		    updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, q, key, value, formatTime(time.Now())); err != nil {
		return fmt.Errorf("writing key %q: %w", key, err)
	}
	return nil
}

// Remove deletes key. Removing a missing key is not an error.
func (s *Store) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_items WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting key %q: %w", key, err)
	}
	return nil
}

// Clear deletes every entry.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_items`); err != nil {
		return fmt.Errorf("clearing items: %w", err)
	}
	return nil
}

// UpdatedAt returns when key was last written, or the zero time if the key is
// absent.
func (s *Store) UpdatedAt(ctx context.Context, key string) (time.Time, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT updated_at FROM kv_items WHERE key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading updated_at for %q: %w", key, err)
	}
	return parseTime(raw)
}

// DataVersion returns SQLite's data_version for this connection. The value
// changes only when another connection commits, so it tells our own writes
// apart from writes made by other processes.
func (s *Store) DataVersion(ctx context.Context) (int64, error) {
	var v int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA data_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("reading data_version: %w", err)
	}
	return v, nil
}

// --- helpers -----------------------------------------------------------------

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
