package entry

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Entry{
		{Key: []byte("a"), Value: []byte("1"), Timestamp: 1},
		{Key: []byte("k0"), Value: []byte(""), Timestamp: 42},
		{Key: []byte("tombstoned"), Timestamp: 7, Deleted: true},
	}

	var buf []byte
	for _, e := range cases {
		buf = Encode(buf, e)
	}

	r := bytes.NewReader(buf)
	for _, want := range cases {
		got, err := Decode(r)
		require.NoError(t, err)
		require.Equal(t, want.Key, got.Key)
		require.Equal(t, want.Timestamp, got.Timestamp)
		require.Equal(t, want.Deleted, got.Deleted)
		if !want.Deleted {
			require.Equal(t, want.Value, got.Value)
		}
	}

	_, err := Decode(r)
	require.ErrorIs(t, err, io.EOF)
}

func TestDecodeEmptyReaderIsEOF(t *testing.T) {
	full := Encode(nil, Entry{Key: []byte("k"), Value: []byte("v"), Timestamp: 1})

	r := bytes.NewReader(nil)
	_, err := Decode(r)
	require.ErrorIs(t, err, io.EOF)

	_ = full
}

func TestDecodeCorruptMidFrame(t *testing.T) {
	full := Encode(nil, Entry{Key: []byte("key"), Value: []byte("value"), Timestamp: 99})

	// Truncate partway through the frame, after the header but before
	// the payload is complete. This must surface as corruption, not a
	// clean end-of-stream, because a reader mid-frame cannot tell
	// whether more bytes are coming.
	truncated := full[:headerSize+4]
	_, err := Decode(bytes.NewReader(truncated))
	require.ErrorIs(t, err, ErrCorruptFrame)
}

func TestEntrySize(t *testing.T) {
	e := Entry{Key: []byte("abc"), Value: []byte("defgh"), Timestamp: 1}
	buf := Encode(nil, e)
	require.Len(t, buf, e.Size())

	tomb := Entry{Key: []byte("abc"), Timestamp: 1, Deleted: true}
	buf2 := Encode(nil, tomb)
	require.Len(t, buf2, tomb.Size())
}
