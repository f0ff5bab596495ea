// Package entry implements the on-disk record format shared by the WAL
// and SST files: a length-prefixed (key, value?, timestamp, tombstone)
// frame, encoded little-endian.
package entry

import (
	"encoding/binary"
	"errors"
	"io"
)

// ErrCorruptFrame is returned when a frame is truncated partway through
// a field, as opposed to cleanly at a frame boundary.
var ErrCorruptFrame = errors.New("entry: corrupt frame")

// headerSize is the size of the fixed leading portion of every frame:
// an 8-byte key length followed by a 1-byte deleted flag.
const headerSize = 9

// Entry is the atomic record stored in a WAL or SST: a key, an optional
// value, a monotonic timestamp, and a tombstone flag. deleted is always
// equivalent to value == nil.
type Entry struct {
	Key       []byte
	Value     []byte
	Timestamp uint64
	Deleted   bool
}

// Size returns the number of bytes this entry occupies once encoded.
func (e Entry) Size() int {
	n := headerSize + len(e.Key) + 8 // timestamp
	if !e.Deleted {
		n += 8 + len(e.Value) // value_len + value
	}
	return n
}

// Encode appends the little-endian frame for e to dst and returns the
// extended slice.
func Encode(dst []byte, e Entry) []byte {
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(len(e.Key)))
	if e.Deleted {
		hdr[8] = 1
	}
	dst = append(dst, hdr[:]...)

	if !e.Deleted {
		var vlen [8]byte
		binary.LittleEndian.PutUint64(vlen[:], uint64(len(e.Value)))
		dst = append(dst, vlen[:]...)
		dst = append(dst, e.Key...)
		dst = append(dst, e.Value...)
	} else {
		dst = append(dst, e.Key...)
	}

	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], e.Timestamp)
	dst = append(dst, ts[:]...)
	return dst
}

// Decode reads one frame from r. It returns io.EOF (not wrapped) when r
// is exhausted cleanly at a frame boundary, i.e. no byte of a next
// frame is present. A short read anywhere inside a frame, including a
// frame cut off by a crash mid-append, is ErrCorruptFrame.
func Decode(r io.Reader) (Entry, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return Entry{}, io.EOF
		}
		return Entry{}, ErrCorruptFrame
	}

	keyLen := binary.LittleEndian.Uint64(hdr[0:8])
	deleted := hdr[8] != 0

	var e Entry
	e.Deleted = deleted

	if !deleted {
		var vlenBuf [8]byte
		if _, err := io.ReadFull(r, vlenBuf[:]); err != nil {
			return Entry{}, ErrCorruptFrame
		}
		valLen := binary.LittleEndian.Uint64(vlenBuf[:])

		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return Entry{}, ErrCorruptFrame
		}
		val := make([]byte, valLen)
		if _, err := io.ReadFull(r, val); err != nil {
			return Entry{}, ErrCorruptFrame
		}
		e.Key, e.Value = key, val
	} else {
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return Entry{}, ErrCorruptFrame
		}
		e.Key = key
	}

	var tsBuf [8]byte
	if _, err := io.ReadFull(r, tsBuf[:]); err != nil {
		return Entry{}, ErrCorruptFrame
	}
	e.Timestamp = binary.LittleEndian.Uint64(tsBuf[:])

	return e, nil
}
