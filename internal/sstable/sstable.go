// Package sstable implements the immutable, flushed segment file: a
// key-sorted stream of entry.Entry frames, a trailing Bloom filter, and
// a fixed footer.
package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/return2faye/kvcore/internal/entry"
	"github.com/return2faye/kvcore/internal/utils"
)

// MagicNumber identifies a valid SST footer.
const MagicNumber uint64 = 0x53494C544B56 // "SILTKV" in ASCII

// footerSize is the fixed trailing size: bloom filter offset (8) +
// entry count (8) + magic (8).
const footerSize = 24

// ErrNotSST is returned when a footer fails its magic-number check.
var ErrNotSST = errors.New("sstable: not a valid sst file (bad magic)")

// falsePositiveRate is the Bloom filter's target false-positive rate.
const falsePositiveRate = 0.01

// Writer produces one immutable SST file. Entries must be supplied in
// ascending key order; the caller (the engine's flush/compaction path)
// is responsible for that ordering.
type Writer struct {
	f     *os.File
	bw    *bufio.Writer
	path  string
	buf   []byte
	bloom *bloom.BloomFilter
	count int
}

// NewWriter creates the file at path, truncating any existing content
// (an SST file is always written once, in full).
func NewWriter(path string, expectedEntries int) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	if expectedEntries < 1 {
		expectedEntries = 1
	}
	return &Writer{
		f:     f,
		bw:    bufio.NewWriter(f),
		path:  path,
		bloom: bloom.NewWithEstimates(uint(expectedEntries), falsePositiveRate),
	}, nil
}

// Append writes one entry frame. Entries must arrive in ascending key
// order; Append does not itself verify this.
func (w *Writer) Append(e entry.Entry) error {
	w.buf = entry.Encode(w.buf[:0], e)
	if _, err := w.bw.Write(w.buf); err != nil {
		return err
	}
	w.bloom.Add(e.Key)
	w.count++
	return nil
}

// Close writes the Bloom filter section and footer, flushes, and
// closes the file.
func (w *Writer) Close() error {
	dataEnd, err := w.dataOffset()
	if err != nil {
		return err
	}

	if _, err := w.bloom.WriteTo(w.bw); err != nil {
		return err
	}

	var footer [footerSize]byte
	binary.LittleEndian.PutUint64(footer[0:8], uint64(dataEnd))
	binary.LittleEndian.PutUint64(footer[8:16], uint64(w.count))
	binary.LittleEndian.PutUint64(footer[16:24], MagicNumber)
	if _, err := w.bw.Write(footer[:]); err != nil {
		return err
	}

	if err := w.bw.Flush(); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return err
	}
	return w.f.Close()
}

// dataOffset returns how many bytes of entry data have been buffered
// so far, i.e. where the Bloom filter section will begin.
func (w *Writer) dataOffset() (int64, error) {
	if err := w.bw.Flush(); err != nil {
		return 0, err
	}
	pos, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	return pos, nil
}

// Reader opens a finalized SST file for point lookups and iteration.
type Reader struct {
	f        *os.File
	path     string
	dataEnd  int64
	count    int
	bloom    *bloom.BloomFilter
	fileSize int64
}

// NewReader opens the SST at path and parses its footer and Bloom
// filter section.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := stat.Size()
	if size < footerSize {
		f.Close()
		return nil, ErrNotSST
	}

	var footer [footerSize]byte
	if _, err := f.ReadAt(footer[:], size-footerSize); err != nil {
		f.Close()
		return nil, err
	}
	dataEnd := int64(binary.LittleEndian.Uint64(footer[0:8]))
	count := int(binary.LittleEndian.Uint64(footer[8:16]))
	magic := binary.LittleEndian.Uint64(footer[16:24])
	if magic != MagicNumber {
		f.Close()
		return nil, ErrNotSST
	}

	bloomSection := io.NewSectionReader(f, dataEnd, size-footerSize-dataEnd)
	bf := &bloom.BloomFilter{}
	if _, err := bf.ReadFrom(bloomSection); err != nil {
		f.Close()
		return nil, err
	}

	return &Reader{f: f, path: path, dataEnd: dataEnd, count: count, bloom: bf, fileSize: size}, nil
}

// Path returns the backing file path.
func (r *Reader) Path() string { return r.path }

// Count returns the number of entries (including tombstones) stored.
func (r *Reader) Count() int { return r.count }

// MaybeContains probes the Bloom filter directly. A false result means
// key is definitely absent; true means it might be present.
func (r *Reader) MaybeContains(key []byte) bool {
	return r.bloom.Test(key)
}

// Close closes the backing file.
func (r *Reader) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// Remove closes and unlinks the backing file.
func (r *Reader) Remove() error {
	path := r.path
	if err := r.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// Get performs a Bloom-gated linear scan for key, returning the value
// if found and live. A tombstone is reported through GetEntry, not
// here; callers that must distinguish "absent" from "tombstoned" (the
// engine's read path) should use GetEntry instead.
func (r *Reader) Get(key []byte) ([]byte, bool, error) {
	e, found, err := r.GetEntry(key)
	if err != nil || !found || e.Deleted {
		return nil, false, err
	}
	return e.Value, true, nil
}

// GetEntry performs a Bloom-gated linear scan for key and returns the
// full entry, including tombstones, so a caller merging across layers
// can stop at the newest version regardless of whether it is live.
func (r *Reader) GetEntry(key []byte) (entry.Entry, bool, error) {
	if !r.MaybeContains(key) {
		return entry.Entry{}, false, nil
	}

	it := r.NewIterator()
	for it.Next() {
		e := it.Entry()
		cmp := bytes.Compare(e.Key, key)
		if cmp == 0 {
			if !e.Deleted {
				e.Value = utils.CopyBytes(e.Value)
			}
			return e, true, nil
		}
		if cmp > 0 {
			break
		}
	}
	return entry.Entry{}, false, it.Err()
}

// Iterator streams the entries of one SST in ascending key order.
type Iterator struct {
	r   *bufio.Reader
	cur entry.Entry
	err error
	hit bool
}

// NewIterator returns a fresh forward iterator over the data section,
// backed by a section reader on the Reader's own file handle (positional
// reads, so iterators do not disturb each other). The returned iterator
// owns no resources beyond a reader; closing the parent Reader
// invalidates it.
func (r *Reader) NewIterator() *Iterator {
	sec := io.NewSectionReader(r.f, 0, r.dataEnd)
	return &Iterator{r: bufio.NewReader(sec)}
}

// Next advances to the next entry, returning false at end-of-stream or
// on error (check Err).
func (it *Iterator) Next() bool {
	e, err := entry.Decode(it.r)
	if err != nil {
		if err != io.EOF {
			it.err = err
		}
		it.hit = false
		return false
	}
	it.cur = e
	it.hit = true
	return true
}

// Entry returns the current entry. Valid only after Next returns true.
func (it *Iterator) Entry() entry.Entry { return it.cur }

// Err returns any non-EOF error encountered during iteration.
func (it *Iterator) Err() error { return it.err }
