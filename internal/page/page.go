// Package page implements a slotted page: a fixed-size byte buffer
// that packs variable-length payloads from the back of the body while
// growing a flat array of offsets from the front. It is the storage
// substrate a future B-tree index would build on; this package knows
// nothing about keys, ordering, or trees.
package page

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// BodySize is the fixed size of a page's body, in bytes.
	BodySize = 4096

	headerSize       = 7 + 1 + 8 + 8 + 8 // magic + reserved + three u64 cursors
	offsetRecordSize = 16                // payloadSize u64 + startCellPos u64
	cellHeaderSize   = 16                // cellSize u64 + nextCellPos u64

	// PageSize is the total on-disk footprint of one page image.
	PageSize = headerSize + BodySize
)

var magic = [7]byte{'b', 't', 'r', 'e', 'e', 0, 0}

// ErrPageFull is returned by AddPayload when there is not enough
// remaining room in the body for the payload's offset and cell. The
// page is left byte-identical on this error.
var ErrPageFull = errors.New("page: full")

// ErrCorruptFrame is returned when a page image or an offset/cell
// inside it fails a structural sanity check.
var ErrCorruptFrame = errors.New("page: corrupt frame")

// ErrCursorOverflow indicates an internal invariant breach in cursor
// accounting; it signals a bug rather than caller misuse.
var ErrCursorOverflow = errors.New("page: cursor overflow")

// Page is a fixed-size slotted page: a header carrying two cursors
// plus a body holding offsets (growing forward from the start) and
// cells (growing backward from the end).
type Page struct {
	reserved      byte
	offsetCursor  uint64
	cellCursor    uint64
	totalBodySize uint64
	body          [BodySize]byte
}

// New returns an empty page ready to accept payloads.
func New() *Page {
	return &Page{totalBodySize: BodySize}
}

// AddPayload appends payload to the page, returning ErrPageFull if
// there is no room. On success the payload can be retrieved later via
// ReadPayload at index Count()-1.
func (p *Page) AddPayload(payload []byte) error {
	cellSize := uint64(cellHeaderSize + len(payload))
	newCellCursor := p.cellCursor + cellSize
	newOffsetCursor := p.offsetCursor + offsetRecordSize

	if newOffsetCursor+newCellCursor > p.totalBodySize {
		return ErrPageFull
	}

	cellStart := p.totalBodySize - newCellCursor
	cellEnd := p.totalBodySize - p.cellCursor

	binary.LittleEndian.PutUint64(p.body[cellStart:], cellSize)
	binary.LittleEndian.PutUint64(p.body[cellStart+8:], 0) // nextCellPos, unused
	copy(p.body[cellStart+cellHeaderSize:cellEnd], payload)

	offStart := p.offsetCursor
	binary.LittleEndian.PutUint64(p.body[offStart:], uint64(len(payload)))
	binary.LittleEndian.PutUint64(p.body[offStart+8:], cellStart)

	p.offsetCursor = newOffsetCursor
	p.cellCursor = newCellCursor
	return nil
}

// Count returns the number of payloads stored on the page.
func (p *Page) Count() int {
	return int(p.offsetCursor / offsetRecordSize)
}

// ReadPayload returns a copy of the payload stored at slot i.
func (p *Page) ReadPayload(i int) ([]byte, error) {
	offStart := uint64(i) * offsetRecordSize
	if i < 0 || offStart >= p.offsetCursor {
		return nil, fmt.Errorf("page: slot %d out of range: %w", i, ErrCorruptFrame)
	}

	payloadSize := binary.LittleEndian.Uint64(p.body[offStart:])
	startCellPos := binary.LittleEndian.Uint64(p.body[offStart+8:])

	if startCellPos+cellHeaderSize > p.totalBodySize {
		return nil, fmt.Errorf("page: cell start %d out of range: %w", startCellPos, ErrCorruptFrame)
	}
	cellSize := binary.LittleEndian.Uint64(p.body[startCellPos:])
	if cellSize != cellHeaderSize+payloadSize || startCellPos+cellSize > p.totalBodySize {
		return nil, fmt.Errorf("page: cell size mismatch at slot %d: %w", i, ErrCorruptFrame)
	}

	payload := make([]byte, payloadSize)
	copy(payload, p.body[startCellPos+cellHeaderSize:startCellPos+cellSize])
	return payload, nil
}

// encode serializes the page, header then body, field by field in
// little-endian order, independent of host struct layout.
func (p *Page) encode(w io.Writer) error {
	buf := make([]byte, headerSize)
	copy(buf[0:7], magic[:])
	buf[7] = p.reserved
	binary.LittleEndian.PutUint64(buf[8:], p.offsetCursor)
	binary.LittleEndian.PutUint64(buf[16:], p.cellCursor)
	binary.LittleEndian.PutUint64(buf[24:], p.totalBodySize)

	if _, err := w.Write(buf); err != nil {
		return err
	}
	_, err := w.Write(p.body[:])
	return err
}

// decode populates p from a PageSize-byte image previously produced
// by encode.
func (p *Page) decode(r io.Reader) error {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	if string(buf[0:7]) != string(magic[:]) {
		return fmt.Errorf("page: bad magic: %w", ErrCorruptFrame)
	}
	p.reserved = buf[7]
	p.offsetCursor = binary.LittleEndian.Uint64(buf[8:])
	p.cellCursor = binary.LittleEndian.Uint64(buf[16:])
	p.totalBodySize = binary.LittleEndian.Uint64(buf[24:])
	if p.offsetCursor+p.cellCursor > p.totalBodySize {
		return fmt.Errorf("page: cursors %d+%d exceed body size %d: %w",
			p.offsetCursor, p.cellCursor, p.totalBodySize, ErrCursorOverflow)
	}

	_, err := io.ReadFull(r, p.body[:])
	return err
}
