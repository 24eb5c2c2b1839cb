package cache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TheMichaelB/tasksync/internal/events"
)

// fileEnvelope wraps each value on disk.
type fileEnvelope struct {
	Key           string          `json:"key"`
	SchemaVersion int             `json:"schema_version"`
	SavedAt       time.Time       `json:"saved_at"`
	Checksum      string          `json:"checksum"`
	Data          json.RawMessage `json:"data"`
}

// FileStore implements file-based storage, one JSON file per key.
type FileStore struct {
	baseDir string
	logger  *events.Logger

	mu     sync.RWMutex
	closed bool
}

// NewFileStore creates a file store rooted at baseDir.
func NewFileStore(baseDir string, logger *events.Logger) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	return &FileStore{
		baseDir: baseDir,
		logger:  logger.WithField("component", "file_cache_store"),
	}, nil
}

// Load reads a value, falling back to the backup copy if the primary is corrupt.
func (s *FileStore) Load(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	path := s.path(key)

	s.logger.WithFields(map[string]interface{}{
		"key":  key,
		"path": path,
	}).Debug("Loading cache entry")

	data, err := s.readEnvelope(key, path)
	if err == nil {
		return data, nil
	}
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}

	s.logger.WithError(err).WithField("key", key).Warn("Cache entry unreadable, trying backup")

	if backup, berr := s.readEnvelope(key, path+".backup"); berr == nil {
		s.logger.WithField("key", key).Warn("Loaded cache entry from backup due to corruption")
		return backup, nil
	}

	return nil, err
}

// Save writes a value atomically, keeping the previous file as a backup.
func (s *FileStore) Save(key string, value []byte) error {
	value, err := compact(key, value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	path := s.path(key)

	s.logger.WithFields(map[string]interface{}{
		"key":   key,
		"bytes": len(value),
	}).Debug("Saving cache entry")

	envelope := fileEnvelope{
		Key:           key,
		SchemaVersion: CurrentSchemaVersion,
		SavedAt:       time.Now().UTC(),
		Checksum:      Checksum(value),
		Data:          value,
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(envelope); err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	jsonData := buf.Bytes()

	// Create backup of existing file
	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".backup"); err != nil {
			s.logger.WithError(err).Warn("Failed to create backup")
		}
	}

	// Write atomically
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonData, 0600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if file, err := os.Open(tmpPath); err == nil {
		_ = file.Sync()
		file.Close()
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename cache file: %w", err)
	}

	return nil
}

// Delete removes a value and its backup.
func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.logger.WithField("key", key).Debug("Deleting cache entry")

	path := s.path(key)
	for _, p := range []string{path, path + ".backup"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}

	return nil
}

// Keys returns all stored keys.
func (s *FileStore) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read cache directory: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}

		key, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}

	sort.Strings(keys)
	return keys, nil
}

// Close releases resources.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Helper methods

func (s *FileStore) path(key string) string {
	return filepath.Join(s.baseDir, url.PathEscape(key)+".json")
}

func (s *FileStore) readEnvelope(key, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read cache file: %w", err)
	}

	var envelope fileEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}

	value, err := verify(key, envelope.Data, envelope.Checksum)
	if err != nil {
		return nil, err
	}

	if envelope.SchemaVersion != CurrentSchemaVersion {
		s.logger.WithField("version", envelope.SchemaVersion).Warn("Cache schema version mismatch")
	}

	return value, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
