package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/TheMichaelB/tasksync/internal/events"
)

// SQLiteStore implements SQLite-based storage.
type SQLiteStore struct {
	db     *sql.DB
	logger *events.Logger

	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore creates a SQLite store.
func NewSQLiteStore(dbPath string, logger *events.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_cache_store"),
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return store, nil
}

// initialize creates tables.
func (s *SQLiteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS cache_entries (
        key TEXT PRIMARY KEY,
        data BLOB NOT NULL,
        checksum TEXT NOT NULL,
        updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS schema_info (
        version INTEGER PRIMARY KEY
    );

    INSERT OR IGNORE INTO schema_info (version) VALUES (?);
    `

	if _, err := s.db.Exec(schema, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	return nil
}

// Load retrieves a value from the database.
func (s *SQLiteStore) Load(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	s.logger.WithField("key", key).Debug("Loading cache entry from SQLite")

	var data []byte
	var checksum string
	err := s.db.QueryRow(`
        SELECT data, checksum
        FROM cache_entries
        WHERE key = ?
    `, key).Scan(&data, &checksum)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("query entry: %w", err)
	}

	return verify(key, data, checksum)
}

// Save upserts a value.
func (s *SQLiteStore) Save(key string, value []byte) error {
	value, err := compact(key, value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.logger.WithFields(map[string]interface{}{
		"key":   key,
		"bytes": len(value),
	}).Debug("Saving cache entry to SQLite")

	_, err = s.db.Exec(`
        INSERT INTO cache_entries (key, data, checksum, updated_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(key) DO UPDATE SET
            data = excluded.data,
            checksum = excluded.checksum,
            updated_at = excluded.updated_at
    `, key, value, Checksum(value), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert entry: %w", err)
	}

	return nil
}

// Delete removes a value.
func (s *SQLiteStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if _, err := s.db.Exec("DELETE FROM cache_entries WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}

	return nil
}

// Keys returns all stored keys.
func (s *SQLiteStore) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.Query("SELECT key FROM cache_entries ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}

	return keys, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
