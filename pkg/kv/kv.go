// Package kv is the public, byte-oriented façade over the storage
// engine in internal/lsm.
package kv

import (
	"errors"
	"fmt"

	"github.com/return2faye/kvcore/internal/lsm"
)

// ErrNotFound is returned when a key has no live entry.
var ErrNotFound = lsm.ErrNotFound

// ErrClosed is returned by any operation on a closed DB.
var ErrClosed = errors.New("kv: db is closed")

// DB is a single-node, embedded key-value store.
type DB struct {
	db *lsm.DB
}

// Open opens (creating if necessary) a database at dir with default
// tuning.
func Open(dir string) (*DB, error) {
	return OpenWithConfig(lsm.DefaultConfig(dir))
}

// OpenWithConfig opens a database with caller-supplied tuning
// (thresholds, compaction trigger, durability knob, logger).
func OpenWithConfig(cfg lsm.Config) (*DB, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("kv: dir cannot be empty")
	}
	engine, err := lsm.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("kv: open: %w", err)
	}
	return &DB{db: engine}, nil
}

// Close releases all resources held by the database.
func (db *DB) Close() error {
	if db.db == nil {
		return ErrClosed
	}
	return db.db.Close()
}

// Set stores a key-value pair, overwriting any existing value.
func (db *DB) Set(key, value []byte) error {
	if db.db == nil {
		return ErrClosed
	}
	if err := db.db.Set(key, value); err != nil {
		if errors.Is(err, lsm.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("kv: set: %w", err)
	}
	return nil
}

// Get retrieves the value for key. Returns ErrNotFound if the key has
// no live entry (absent, or masked by a tombstone).
func (db *DB) Get(key []byte) ([]byte, error) {
	if db.db == nil {
		return nil, ErrClosed
	}
	val, err := db.db.Get(key)
	if err != nil {
		if errors.Is(err, lsm.ErrNotFound) {
			return nil, ErrNotFound
		}
		if errors.Is(err, lsm.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("kv: get: %w", err)
	}
	return val, nil
}

// Delete removes key by writing a tombstone. Deleting an absent key is
// not an error.
func (db *DB) Delete(key []byte) error {
	if db.db == nil {
		return ErrClosed
	}
	if err := db.db.Delete(key); err != nil {
		if errors.Is(err, lsm.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("kv: delete: %w", err)
	}
	return nil
}
