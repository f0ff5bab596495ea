package sstable

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/return2faye/kvcore/internal/entry"
	"github.com/stretchr/testify/require"
)

func writeSST(t *testing.T, path string, entries []entry.Entry) {
	t.Helper()
	sorted := append([]entry.Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return string(sorted[i].Key) < string(sorted[j].Key) })

	w, err := NewWriter(path, len(sorted))
	require.NoError(t, err)
	for _, e := range sorted {
		require.NoError(t, w.Append(e))
	}
	require.NoError(t, w.Close())
}

func TestWriteAndGet(t *testing.T) {
	sstPath := filepath.Join(t.TempDir(), "test.sst")

	testData := map[string]string{
		"key3": "value3",
		"key1": "value1",
		"key2": "value2",
		"key5": "value5",
		"key4": "value4",
	}
	var entries []entry.Entry
	for k, v := range testData {
		entries = append(entries, entry.Entry{Key: []byte(k), Value: []byte(v), Timestamp: 1})
	}
	writeSST(t, sstPath, entries)

	r, err := NewReader(sstPath)
	require.NoError(t, err)
	defer r.Close()

	for k, want := range testData {
		val, found, err := r.Get([]byte(k))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, want, string(val))
	}

	_, found, err := r.Get([]byte("nonexistent"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestGetEntryDistinguishesTombstone(t *testing.T) {
	sstPath := filepath.Join(t.TempDir(), "test.sst")
	writeSST(t, sstPath, []entry.Entry{
		{Key: []byte("a"), Timestamp: 2, Deleted: true},
	})

	r, err := NewReader(sstPath)
	require.NoError(t, err)
	defer r.Close()

	val, found, err := r.Get([]byte("a"))
	require.NoError(t, err)
	require.False(t, found, "Get must not surface a tombstone as a live value")
	require.Nil(t, val)

	e, found, err := r.GetEntry([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, e.Deleted)
}

func TestEmptySSTable(t *testing.T) {
	sstPath := filepath.Join(t.TempDir(), "empty.sst")
	writeSST(t, sstPath, nil)

	r, err := NewReader(sstPath)
	require.NoError(t, err)
	defer r.Close()

	it := r.NewIterator()
	require.False(t, it.Next())
	require.NoError(t, it.Err())

	_, found, err := r.Get([]byte("anykey"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestIteratorOrder(t *testing.T) {
	sstPath := filepath.Join(t.TempDir(), "test.sst")

	keys := []string{"key3", "key1", "key5", "key2", "key4"}
	var entries []entry.Entry
	for _, k := range keys {
		entries = append(entries, entry.Entry{Key: []byte(k), Value: []byte("value"), Timestamp: 1})
	}
	writeSST(t, sstPath, entries)

	r, err := NewReader(sstPath)
	require.NoError(t, err)
	defer r.Close()

	it := r.NewIterator()
	var got []string
	for it.Next() {
		got = append(got, string(it.Entry().Key))
	}
	require.NoError(t, it.Err())
	require.Equal(t, []string{"key1", "key2", "key3", "key4", "key5"}, got)
}

func TestNewReaderRejectsNonSST(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.sst")
	require.NoError(t, os.WriteFile(path, []byte{0x01, 0x02, 0x03}, 0o644))

	_, err := NewReader(path)
	require.Error(t, err)
}

func TestBloomShortCircuitsMissingKey(t *testing.T) {
	sstPath := filepath.Join(t.TempDir(), "test.sst")
	writeSST(t, sstPath, []entry.Entry{{Key: []byte("present"), Value: []byte("v"), Timestamp: 1}})

	r, err := NewReader(sstPath)
	require.NoError(t, err)
	defer r.Close()

	require.True(t, r.MaybeContains([]byte("present")))
	// Not a correctness guarantee (false positives are allowed), but a
	// key that was never added should usually test negative.
	_, found, err := r.Get([]byte("definitely-absent-key-xyz"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestCompactTwo(t *testing.T) {
	old := []entry.Entry{
		{Key: []byte("a"), Value: []byte("1"), Timestamp: 1},
		{Key: []byte("b"), Value: []byte("2"), Timestamp: 1},
	}
	newer := []entry.Entry{
		{Key: []byte("b"), Value: []byte("3"), Timestamp: 2},
		{Key: []byte("c"), Value: []byte("4"), Timestamp: 2},
	}

	got := CompactTwo(old, newer)
	require.Len(t, got, 3)
	require.Equal(t, "a", string(got[0].Key))
	require.Equal(t, "1", string(got[0].Value))
	require.Equal(t, "b", string(got[1].Key))
	require.Equal(t, "3", string(got[1].Value), "new side must win on equal keys")
	require.Equal(t, "c", string(got[2].Key))
	require.Equal(t, "4", string(got[2].Value))
}

func TestCompactTwoDrainsTailOnExhaustion(t *testing.T) {
	old := []entry.Entry{{Key: []byte("a"), Value: []byte("1"), Timestamp: 1}}
	newer := []entry.Entry{
		{Key: []byte("b"), Value: []byte("2"), Timestamp: 2},
		{Key: []byte("c"), Value: []byte("3"), Timestamp: 2},
	}
	got := CompactTwo(old, newer)
	require.Len(t, got, 3)

	oldLonger := []entry.Entry{
		{Key: []byte("a"), Value: []byte("1"), Timestamp: 1},
		{Key: []byte("b"), Value: []byte("2"), Timestamp: 1},
	}
	newShorter := []entry.Entry{{Key: []byte("a"), Value: []byte("9"), Timestamp: 2}}
	got2 := CompactTwo(oldLonger, newShorter)
	require.Len(t, got2, 2)
	require.Equal(t, "9", string(got2[0].Value))
	require.Equal(t, "b", string(got2[1].Key))
}

func TestMergeIteratorAcrossThreeStreams(t *testing.T) {
	s1 := NewSliceIterator([]entry.Entry{
		{Key: []byte("a"), Value: []byte("old-a"), Timestamp: 1},
		{Key: []byte("b"), Value: []byte("old-b"), Timestamp: 1},
	})
	s2 := NewSliceIterator([]entry.Entry{
		{Key: []byte("b"), Value: []byte("mid-b"), Timestamp: 2},
		{Key: []byte("c"), Value: []byte("mid-c"), Timestamp: 2},
	})
	s3 := NewSliceIterator([]entry.Entry{
		{Key: []byte("a"), Timestamp: 3, Deleted: true},
	})

	mi := NewMergeIterator([]StreamIterator{s1, s2, s3}, false)
	var got []entry.Entry
	for mi.Next() {
		got = append(got, mi.Entry())
	}
	require.Len(t, got, 3)
	require.Equal(t, "a", string(got[0].Key))
	require.True(t, got[0].Deleted, "newest stream's tombstone must win")
	require.Equal(t, "mid-b", string(got[1].Value))
	require.Equal(t, "mid-c", string(got[2].Value))
}

func TestMergeIteratorDropsTombstonesAtBottomLevel(t *testing.T) {
	s1 := NewSliceIterator([]entry.Entry{
		{Key: []byte("a"), Value: []byte("1"), Timestamp: 1},
	})
	s2 := NewSliceIterator([]entry.Entry{
		{Key: []byte("a"), Timestamp: 2, Deleted: true},
		{Key: []byte("b"), Value: []byte("2"), Timestamp: 2},
	})

	mi := NewMergeIterator([]StreamIterator{s1, s2}, true)
	var got []entry.Entry
	for mi.Next() {
		got = append(got, mi.Entry())
	}
	require.Len(t, got, 1)
	require.Equal(t, "b", string(got[0].Key))
}
