// Package memtable implements the sorted in-memory table: a
// write-through index over a WAL, probed by binary search over a
// contiguous sorted slice rather than a skip list, per the storage
// core's design (see DESIGN.md).
package memtable

import (
	"bytes"
	"errors"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/return2faye/kvcore/internal/entry"
	"github.com/return2faye/kvcore/internal/utils"
	"github.com/return2faye/kvcore/internal/wal"
	"go.uber.org/zap"
)

// ErrImmutable is returned by Set/Delete once a MemTable has been
// frozen ahead of flush.
var ErrImmutable = errors.New("memtable: immutable")

// metaSize approximates the per-entry bookkeeping overhead accounted
// toward a MemTable's size, mirroring the "sizeof(Meta)" term in the
// component's size-accounting rule (a bool flag plus an 8-byte
// timestamp).
const metaSize = 9

// Record is one live/tombstoned entry as returned by Get.
type Record struct {
	Value     []byte // nil when Deleted
	Timestamp uint64
	Deleted   bool
}

type entryRecord struct {
	key       []byte
	value     []byte // nil when deleted
	timestamp uint64
	deleted   bool
}

// MemTable is an ordered, WAL-backed index of entries, kept in a
// contiguous sorted slice and probed by binary search. It owns exactly
// one WAL file for its lifetime.
type MemTable struct {
	mu      sync.RWMutex
	entries []entryRecord // sorted ascending by key
	size    int64         // atomic; accounted byte size
	frozen  int32         // atomic flag, 0 or 1
	w       *wal.Wal
	log     *zap.Logger
}

// New creates an empty MemTable backed by a freshly created WAL file in
// dir.
func New(dir string, log *zap.Logger) (*MemTable, error) {
	w, err := wal.OpenNew(dir, log)
	if err != nil {
		return nil, err
	}
	return newWithWAL(w, log), nil
}

// Open creates a MemTable backed by the WAL already present at
// walPath, replaying its contents first. Used both for resuming a live
// generation and, transiently, during directory recovery.
func Open(walPath string, log *zap.Logger) (*MemTable, error) {
	w, err := wal.OpenPath(walPath, log)
	if err != nil {
		return nil, err
	}
	mt := newWithWAL(w, log)
	if err := mt.replay(); err != nil {
		w.Close()
		return nil, err
	}
	return mt, nil
}

func newWithWAL(w *wal.Wal, log *zap.Logger) *MemTable {
	if log == nil {
		log = zap.NewNop()
	}
	return &MemTable{w: w, log: log}
}

func (mt *MemTable) replay() error {
	stats, err := mt.w.Replay(func(e entry.Entry) {
		mt.applyLocked(e, false) // replay never re-logs to WAL
	})
	if err != nil {
		return err
	}
	mt.log.Debug("memtable: replayed WAL segment",
		zap.String("path", mt.w.Path()), zap.Int("applied", stats.Applied))
	return nil
}

func (mt *MemTable) indexOf(key []byte) (int, bool) {
	i := sort.Search(len(mt.entries), func(i int) bool {
		return bytes.Compare(mt.entries[i].key, key) >= 0
	})
	if i < len(mt.entries) && bytes.Equal(mt.entries[i].key, key) {
		return i, true
	}
	return i, false
}

// applyLocked installs e into the sorted slice and adjusts size. The
// caller must hold mt.mu for writing. When logToWAL is true the entry
// is first appended to the owned WAL (the normal Set/Delete path), and
// the slice is left untouched if that append fails; replay passes false
// since the frame already exists on disk.
func (mt *MemTable) applyLocked(e entry.Entry, logToWAL bool) error {
	if logToWAL && e.Deleted {
		if err := mt.w.Delete(e.Key, e.Timestamp); err != nil {
			return err
		}
	} else if logToWAL {
		if err := mt.w.Set(e.Key, e.Value, e.Timestamp); err != nil {
			return err
		}
	}

	idx, found := mt.indexOf(e.Key)

	rec := entryRecord{key: utils.CopyBytes(e.Key), timestamp: e.Timestamp, deleted: e.Deleted}
	if !e.Deleted {
		rec.value = utils.CopyBytes(e.Value)
	}

	if found {
		old := mt.entries[idx]
		var delta int64
		if !old.deleted {
			delta -= int64(len(old.value))
		}
		if !e.Deleted {
			delta += int64(len(e.Value))
		}
		mt.entries[idx] = rec
		atomic.AddInt64(&mt.size, delta)
	} else {
		mt.entries = append(mt.entries, entryRecord{})
		copy(mt.entries[idx+1:], mt.entries[idx:])
		mt.entries[idx] = rec

		added := int64(len(e.Key) + metaSize)
		if !e.Deleted {
			added += int64(len(e.Value))
		}
		atomic.AddInt64(&mt.size, added)
	}
	return nil
}

// Set inserts or overwrites key with value at timestamp ts. It writes
// through to the owned WAL before mutating the in-memory slice, and
// flushes the WAL so the write is durable before returning.
func (mt *MemTable) Set(key, value []byte, ts uint64) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if atomic.LoadInt32(&mt.frozen) == 1 {
		return ErrImmutable
	}
	if err := mt.applyLocked(entry.Entry{Key: key, Value: value, Timestamp: ts}, true); err != nil {
		return err
	}
	return mt.w.Flush()
}

// Delete writes a tombstone for key at timestamp ts.
func (mt *MemTable) Delete(key []byte, ts uint64) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if atomic.LoadInt32(&mt.frozen) == 1 {
		return ErrImmutable
	}
	if err := mt.applyLocked(entry.Entry{Key: key, Timestamp: ts, Deleted: true}, true); err != nil {
		return err
	}
	return mt.w.Flush()
}

// Get returns the current record for key, if any (including
// tombstones -- callers decide how to treat Deleted).
func (mt *MemTable) Get(key []byte) (Record, bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	idx, found := mt.indexOf(key)
	if !found {
		return Record{}, false
	}
	e := mt.entries[idx]
	return Record{Value: e.value, Timestamp: e.timestamp, Deleted: e.deleted}, true
}

// Size returns the current accounted byte size.
func (mt *MemTable) Size() int64 {
	return atomic.LoadInt64(&mt.size)
}

// Freeze marks the MemTable immutable and syncs its WAL so the frozen
// contents are durable ahead of flush. Safe to call more than once.
func (mt *MemTable) Freeze() error {
	if !atomic.CompareAndSwapInt32(&mt.frozen, 0, 1) {
		return nil
	}
	return mt.w.Flush()
}

// IsFrozen reports whether Freeze has been called.
func (mt *MemTable) IsFrozen() bool {
	return atomic.LoadInt32(&mt.frozen) == 1
}

// WALPath returns the path of the owned WAL file.
func (mt *MemTable) WALPath() string {
	return mt.w.Path()
}

// SetSyncOnWrite forwards to the owned WAL's SetSyncOnWrite.
func (mt *MemTable) SetSyncOnWrite(sync bool) {
	mt.w.SetSyncOnWrite(sync)
}

// Close closes the owned WAL without unlinking it.
func (mt *MemTable) Close() error {
	return mt.w.Close()
}

// Drop closes and unlinks the owned WAL. Only safe once the contents
// are durably reachable elsewhere.
func (mt *MemTable) Drop() error {
	return mt.w.Drop()
}

// Iterator returns a forward iterator over all entries in ascending
// key order, including tombstones.
func (mt *MemTable) Iterator() *Iterator {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	snapshot := make([]entryRecord, len(mt.entries))
	copy(snapshot, mt.entries)
	return &Iterator{entries: snapshot, pos: -1}
}

// Iterator walks a point-in-time snapshot of a MemTable's entries.
type Iterator struct {
	entries []entryRecord
	pos     int
}

// Next advances to the next entry, returning false once exhausted.
func (it *Iterator) Next() bool {
	it.pos++
	return it.pos < len(it.entries)
}

// Entry returns the current entry.Entry. Valid only after Next returns
// true.
func (it *Iterator) Entry() entry.Entry {
	e := it.entries[it.pos]
	return entry.Entry{Key: e.key, Value: e.value, Timestamp: e.timestamp, Deleted: e.deleted}
}

// LoadFromDir recovers a MemTable from every "*.wal" segment in dir:
// it replays each in ascending timestamp order into a fresh MemTable
// (itself backed by a new WAL), flushes that WAL, and unlinks the
// consumed segments. The returned MemTable owns a brand new WAL, not
// any of the consumed ones.
func LoadFromDir(dir string, log *zap.Logger) (*MemTable, error) {
	if log == nil {
		log = zap.NewNop()
	}

	segs, err := wal.ListSegments(dir)
	if err != nil {
		return nil, err
	}

	mt, err := New(dir, log)
	if err != nil {
		return nil, err
	}

	for _, seg := range segs {
		src, err := wal.OpenPath(seg.Path, log)
		if err != nil {
			log.Warn("memtable: skipping unreadable WAL segment", zap.String("path", seg.Path), zap.Error(err))
			continue
		}
		stats, err := src.Replay(func(e entry.Entry) {
			mt.mu.Lock()
			_ = mt.applyLocked(e, true)
			mt.mu.Unlock()
		})
		src.Close()
		if err != nil {
			log.Warn("memtable: failed replaying WAL segment", zap.String("path", seg.Path), zap.Error(err))
			continue
		}
		log.Info("memtable: recovered WAL segment", zap.String("path", seg.Path), zap.Int("applied", stats.Applied))
	}

	if err := mt.w.Flush(); err != nil {
		return nil, err
	}

	for _, seg := range segs {
		if err := os.Remove(seg.Path); err != nil && !os.IsNotExist(err) {
			log.Warn("memtable: failed to unlink consumed WAL segment", zap.String("path", seg.Path), zap.Error(err))
		}
	}

	return mt, nil
}
