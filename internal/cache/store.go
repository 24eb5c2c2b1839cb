// Package cache persists collection snapshots and mutation queues locally.
package cache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Store is a key/value blob store. Values are JSON documents.
type Store interface {
	// Load retrieves the value stored under key.
	Load(key string) ([]byte, error)

	// Save persists value under key, replacing any previous value.
	Save(key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// Keys returns all stored keys in lexical order.
	Keys() ([]string, error)

	// Close releases resources.
	Close() error
}

// Errors
var (
	ErrNotFound = errors.New("cache entry not found")
	ErrCorrupt  = errors.New("cache entry is corrupt")
	ErrInvalid  = errors.New("cache value is not valid JSON")
	ErrClosed   = errors.New("cache store is closed")
)

// CurrentSchemaVersion for migrations.
const CurrentSchemaVersion = 1

// Checksum returns the hex xxhash64 digest of data.
func Checksum(data []byte) string {
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

// compact normalizes JSON whitespace so checksums survive re-indentation.
func compact(key string, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
	}
	return buf.Bytes(), nil
}

func verify(key string, data []byte, checksum string) ([]byte, error) {
	normalized, err := compact(key, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	if checksum == "" {
		return normalized, nil
	}
	if got := Checksum(normalized); got != checksum {
		return nil, fmt.Errorf("%w: %s checksum %s, want %s", ErrCorrupt, key, got, checksum)
	}
	return normalized, nil
}
