package page

import (
	"fmt"
	"io"
	"os"
)

// Pack writes page's raw image to f at byte offset pos. pos must be a
// multiple of PageSize.
func Pack(p *Page, f *os.File, pos int64) error {
	if _, err := f.Seek(pos, io.SeekStart); err != nil {
		return fmt.Errorf("page: seek: %w", err)
	}
	if err := p.encode(f); err != nil {
		return fmt.Errorf("page: write: %w", err)
	}
	return nil
}

// Unpack reads one page image from f at byte offset pos.
func Unpack(f *os.File, pos int64) (*Page, error) {
	if _, err := f.Seek(pos, io.SeekStart); err != nil {
		return nil, fmt.Errorf("page: seek: %w", err)
	}
	p := &Page{}
	if err := p.decode(f); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("page: short read at %d: %w", pos, ErrCorruptFrame)
		}
		return nil, fmt.Errorf("page: read: %w", err)
	}
	return p, nil
}

// PageCount returns the number of whole page images stored in f, so a
// caller can compute the next page id without re-deriving the page
// geometry itself.
func PageCount(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("page: stat: %w", err)
	}
	return info.Size() / PageSize, nil
}
