// Package lsm implements the storage engine: it owns the active and
// immutable memtables, the live SST set, and the background flush and
// compaction pipelines that move data between them.
package lsm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/return2faye/kvcore/internal/entry"
	"github.com/return2faye/kvcore/internal/memtable"
	"github.com/return2faye/kvcore/internal/sstable"
	"github.com/return2faye/kvcore/internal/utils"
	"github.com/return2faye/kvcore/internal/wal"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a key has no live entry.
var ErrNotFound = errors.New("lsm: key not found")

// ErrClosed is returned by any operation on a closed DB.
var ErrClosed = errors.New("lsm: db is closed")

// Config holds the engine's tunables.
type Config struct {
	Dir               string
	ThresholdBytes    int64 // memtable rotation trigger
	CompactionTrigger int   // sst count that triggers a background merge
	SyncOnWrite       bool  // also fsync inside each WAL append; every write is fsynced by the WAL Flush either way
	Logger            *zap.Logger
}

const (
	defaultThresholdBytes    = 4 << 20 // 4 MiB
	defaultCompactionTrigger = 4
)

// DefaultConfig returns a Config with realistic defaults for dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:               dir,
		ThresholdBytes:    defaultThresholdBytes,
		CompactionTrigger: defaultCompactionTrigger,
	}
}

func (c *Config) fillDefaults() {
	if c.ThresholdBytes <= 0 {
		c.ThresholdBytes = defaultThresholdBytes
	}
	if c.CompactionTrigger <= 0 {
		c.CompactionTrigger = defaultCompactionTrigger
	}
}

// DB is the storage engine for one data directory.
type DB struct {
	mu  sync.RWMutex
	cfg Config
	log *zap.Logger

	active    *memtable.MemTable
	immutable *memtable.MemTable
	sstables  []*sstable.Reader // newest first

	flushWg   sync.WaitGroup
	compactWg sync.WaitGroup
}

// Open loads the manifest, opens SST readers newest-first, discovers
// WAL segments, replays any that are not the newest into SSTs
// synchronously (recovery), and installs the newest as the active
// memtable.
func Open(cfg Config) (*DB, error) {
	if cfg.Dir == "" {
		return nil, os.ErrInvalid
	}
	cfg.fillDefaults()
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}

	sstPaths, err := loadManifest(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("lsm: load manifest: %w", err)
	}

	var sstables []*sstable.Reader
	for i := len(sstPaths) - 1; i >= 0; i-- {
		r, err := sstable.NewReader(sstPaths[i])
		if err != nil {
			log.Warn("lsm: skipping unreadable sst from manifest",
				zap.String("path", sstPaths[i]), zap.Error(err))
			continue
		}
		sstables = append(sstables, r)
	}

	segs, err := wal.ListSegments(cfg.Dir)
	if err != nil {
		return nil, err
	}

	db := &DB{cfg: cfg, log: log, sstables: sstables}

	if len(segs) == 0 {
		mt, err := memtable.New(cfg.Dir, log)
		if err != nil {
			return nil, err
		}
		mt.SetSyncOnWrite(cfg.SyncOnWrite)
		db.active = mt
		return db, nil
	}

	// Every WAL segment but the newest holds data from a generation that
	// never made it to an SST before the last shutdown/crash. Flush them
	// synchronously, oldest first, so last-write-wins holds once the
	// newest segment becomes active.
	for _, seg := range segs[:len(segs)-1] {
		oldMt, err := memtable.Open(seg.Path, log)
		if err != nil {
			return nil, fmt.Errorf("lsm: recovering %s: %w", seg.Path, err)
		}
		if err := oldMt.Freeze(); err != nil {
			return nil, err
		}
		db.flushWg.Add(1)
		db.flushMemtable(oldMt)
	}

	newest := segs[len(segs)-1]
	mt, err := memtable.Open(newest.Path, log)
	if err != nil {
		return nil, fmt.Errorf("lsm: recovering %s: %w", newest.Path, err)
	}
	mt.SetSyncOnWrite(cfg.SyncOnWrite)
	db.active = mt

	return db, nil
}

// Get probes the active memtable, then the immutable memtable, then
// the SST set newest-first. A tombstone at any layer ends the search
// with ErrNotFound.
func (db *DB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	active := db.active
	immutable := db.immutable
	sstables := make([]*sstable.Reader, len(db.sstables))
	copy(sstables, db.sstables)
	db.mu.RUnlock()

	if active == nil {
		return nil, ErrClosed
	}

	if rec, found := active.Get(key); found {
		if rec.Deleted {
			return nil, ErrNotFound
		}
		return utils.CopyBytes(rec.Value), nil
	}
	if immutable != nil {
		if rec, found := immutable.Get(key); found {
			if rec.Deleted {
				return nil, ErrNotFound
			}
			return utils.CopyBytes(rec.Value), nil
		}
	}
	for _, r := range sstables {
		e, found, err := r.GetEntry(key)
		if err != nil {
			db.log.Warn("lsm: sst read error", zap.String("path", r.Path()), zap.Error(err))
			continue
		}
		if found {
			if e.Deleted {
				return nil, ErrNotFound
			}
			return e.Value, nil
		}
	}

	return nil, ErrNotFound
}

// Set stamps the current timestamp and writes through the active
// memtable, rotating it if the write pushes it over ThresholdBytes.
func (db *DB) Set(key, value []byte) error {
	db.mu.RLock()
	mt := db.active
	db.mu.RUnlock()
	if mt == nil {
		return ErrClosed
	}

	if err := mt.Set(key, value, uint64(time.Now().UnixMicro())); err != nil {
		return err
	}
	if mt.Size() >= db.cfg.ThresholdBytes {
		return db.maybeRotate(mt)
	}
	return nil
}

// Delete writes a tombstone through the active memtable.
func (db *DB) Delete(key []byte) error {
	db.mu.RLock()
	mt := db.active
	db.mu.RUnlock()
	if mt == nil {
		return ErrClosed
	}

	if err := mt.Delete(key, uint64(time.Now().UnixMicro())); err != nil {
		return err
	}
	if mt.Size() >= db.cfg.ThresholdBytes {
		return db.maybeRotate(mt)
	}
	return nil
}

// maybeRotate freezes current, installs it as the sole immutable slot,
// installs a fresh active memtable, and starts a background flush. A
// no-op if another writer already rotated, or a prior flush is still
// draining the immutable slot.
func (db *DB) maybeRotate(current *memtable.MemTable) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.active != current || db.immutable != nil {
		return nil
	}

	if err := db.active.Freeze(); err != nil {
		return err
	}
	db.immutable = db.active

	newActive, err := memtable.New(db.cfg.Dir, db.log)
	if err != nil {
		return err
	}
	newActive.SetSyncOnWrite(db.cfg.SyncOnWrite)
	db.active = newActive

	db.flushWg.Add(1)
	go db.flushMemtable(db.immutable)

	db.log.Info("lsm: rotated memtable", zap.String("flushing_wal", db.immutable.WALPath()))
	return nil
}

// flushMemtable drains mt into a new SST, registers it in the manifest
// and in-memory SST set, and unlinks mt's WAL. Called both
// synchronously during recovery and from a background goroutine during
// normal operation; callers must have already called db.flushWg.Add(1).
func (db *DB) flushMemtable(mt *memtable.MemTable) {
	defer db.flushWg.Done()

	var entries []entry.Entry
	for it := mt.Iterator(); it.Next(); {
		entries = append(entries, it.Entry())
	}

	sstPath := filepath.Join(db.cfg.Dir, fmt.Sprintf("%d.sst", time.Now().UnixNano()))
	w, err := sstable.NewWriter(sstPath, len(entries))
	if err != nil {
		db.log.Warn("lsm: flush: create writer failed", zap.Error(err))
		return
	}
	for _, e := range entries {
		if err := w.Append(e); err != nil {
			db.log.Warn("lsm: flush: append failed", zap.Error(err))
			w.Close()
			os.Remove(sstPath)
			return
		}
	}
	if err := w.Close(); err != nil {
		db.log.Warn("lsm: flush: close writer failed", zap.Error(err))
		return
	}

	reader, err := sstable.NewReader(sstPath)
	if err != nil {
		db.log.Warn("lsm: flush: reopen sst failed", zap.Error(err))
		return
	}

	db.mu.Lock()
	db.sstables = append([]*sstable.Reader{reader}, db.sstables...)
	if db.immutable == mt {
		db.immutable = nil
	}
	shouldCompact := len(db.sstables) >= db.cfg.CompactionTrigger
	db.mu.Unlock()

	if err := appendToManifest(db.cfg.Dir, sstPath); err != nil {
		db.log.Warn("lsm: flush: manifest append failed", zap.Error(err))
	}

	walPath := mt.WALPath()
	if err := mt.Drop(); err != nil {
		db.log.Warn("lsm: flush: failed to unlink wal", zap.String("path", walPath), zap.Error(err))
	}

	db.log.Info("lsm: flushed memtable", zap.String("sst", sstPath), zap.Int("entries", len(entries)))

	if shouldCompact {
		db.compactWg.Add(1)
		go db.compact()
	}
}

// compact merges the oldest CompactionTrigger SSTs into one. When
// those are every SST currently live (nothing older survives), it is a
// bottom-level compaction and surviving tombstones are dropped.
func (db *DB) compact() {
	defer db.compactWg.Done()

	db.mu.Lock()
	if len(db.sstables) < db.cfg.CompactionTrigger {
		db.mu.Unlock()
		return
	}
	n := db.cfg.CompactionTrigger
	startIdx := len(db.sstables) - n
	toCompact := make([]*sstable.Reader, n)
	copy(toCompact, db.sstables[startIdx:])
	bottomLevel := startIdx == 0
	db.mu.Unlock()

	// toCompact is newest-first; MergeIterator wants oldest-first so
	// later-ranked streams win ties.
	streams := make([]sstable.StreamIterator, n)
	estimate := 0
	for i, r := range toCompact {
		streams[n-1-i] = r.NewIterator()
		estimate += r.Count()
	}

	mi := sstable.NewMergeIterator(streams, bottomLevel)

	outPath := filepath.Join(db.cfg.Dir, fmt.Sprintf("compact-%d.sst", time.Now().UnixNano()))
	w, err := sstable.NewWriter(outPath, estimate)
	if err != nil {
		db.log.Warn("lsm: compact: create writer failed", zap.Error(err))
		return
	}

	written := 0
	for mi.Next() {
		if err := w.Append(mi.Entry()); err != nil {
			db.log.Warn("lsm: compact: append failed", zap.Error(err))
			w.Close()
			os.Remove(outPath)
			return
		}
		written++
	}
	if err := w.Close(); err != nil {
		db.log.Warn("lsm: compact: close writer failed", zap.Error(err))
		return
	}

	var newReader *sstable.Reader
	if written > 0 {
		newReader, err = sstable.NewReader(outPath)
		if err != nil {
			db.log.Warn("lsm: compact: reopen sst failed", zap.Error(err))
			return
		}
	} else {
		os.Remove(outPath)
	}

	db.mu.Lock()
	currentStart := len(db.sstables) - n
	stillMatches := currentStart >= 0
	if stillMatches {
		for i, r := range toCompact {
			if currentStart+i >= len(db.sstables) || db.sstables[currentStart+i] != r {
				stillMatches = false
				break
			}
		}
	}
	if !stillMatches {
		db.mu.Unlock()
		if newReader != nil {
			newReader.Close()
		}
		os.Remove(outPath)
		db.log.Warn("lsm: compaction aborted, sstable set changed concurrently")
		return
	}

	replacement := db.sstables[:currentStart:currentStart]
	if newReader != nil {
		replacement = append(replacement, newReader)
	}
	db.sstables = replacement

	// db.sstables is newest-first; the manifest lists newest last.
	currentPaths := make([]string, len(db.sstables))
	for i, r := range db.sstables {
		currentPaths[len(db.sstables)-1-i] = r.Path()
	}
	shouldCompactAgain := len(db.sstables) >= db.cfg.CompactionTrigger
	db.mu.Unlock()

	for _, r := range toCompact {
		path := r.Path()
		if err := r.Remove(); err != nil {
			db.log.Warn("lsm: failed to remove compacted sst", zap.String("path", path), zap.Error(err))
		}
	}

	if err := rewriteManifest(db.cfg.Dir, currentPaths); err != nil {
		db.log.Warn("lsm: rewrite manifest failed", zap.Error(err))
	}

	db.log.Info("lsm: compacted sstables",
		zap.Int("inputs", n), zap.Int("output_entries", written), zap.Bool("bottom_level", bottomLevel))

	if shouldCompactAgain {
		db.compactWg.Add(1)
		go db.compact()
	}
}

// Close waits for in-flight flush/compaction work to settle, then
// closes the active and immutable memtables and every SST reader.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.active == nil {
		db.mu.Unlock()
		return ErrClosed
	}
	active := db.active
	db.active = nil
	db.mu.Unlock()

	db.flushWg.Wait()
	db.compactWg.Wait()

	db.mu.Lock()
	immutable := db.immutable
	sstables := db.sstables
	db.immutable, db.sstables = nil, nil
	db.mu.Unlock()

	var firstErr error
	if err := active.Close(); err != nil {
		firstErr = err
	}
	if immutable != nil {
		if err := immutable.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, r := range sstables {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
