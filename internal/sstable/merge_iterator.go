package sstable

import (
	"bytes"
	"container/heap"

	"github.com/return2faye/kvcore/internal/entry"
)

// StreamIterator is the minimal pull-iterator shape both MemTable and
// SST iterators satisfy, letting MergeIterator fan across either.
type StreamIterator interface {
	Next() bool
	Entry() entry.Entry
}

// MergeIterator merges N sorted entry streams, ordered oldest to
// newest, into one sorted stream via a min-heap keyed on (key,
// source rank). When streams disagree on a key the entry from the
// newest contributing stream wins; the rest are silently advanced
// past and discarded.
type MergeIterator struct {
	h       mergeHeap
	key     []byte
	cur     entry.Entry
	dropOld bool // if true, tombstones surviving the merge are dropped entirely
}

type heapItem struct {
	it   StreamIterator
	rank int // index into the original oldest-to-newest slice; higher = newer
	e    entry.Entry
}

type mergeHeap []*heapItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	c := bytes.Compare(h[i].e.Key, h[j].e.Key)
	if c != 0 {
		return c < 0
	}
	return h[i].rank > h[j].rank // newer rank sorts first among equal keys
}
func (h mergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*heapItem)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// NewMergeIterator builds a merge over streams, supplied oldest first
// (so later entries in the slice win ties). dropTombstones controls
// whether a tombstone that survives the merge is emitted (normal
// compaction, where an older SST might still need it) or discarded
// (bottom-level compaction, where no older version can exist).
func NewMergeIterator(streams []StreamIterator, dropTombstones bool) *MergeIterator {
	mi := &MergeIterator{dropOld: dropTombstones}
	for rank, it := range streams {
		if it.Next() {
			heap.Push(&mi.h, &heapItem{it: it, rank: rank, e: it.Entry()})
		}
	}
	return mi
}

// Next advances to the next surviving entry. Returns false once every
// stream is exhausted or (with dropTombstones set) only tombstones
// remain.
func (mi *MergeIterator) Next() bool {
	for {
		if mi.h.Len() == 0 {
			return false
		}

		top := mi.h[0]
		mi.key = top.e.Key
		winner := top.e

		// Drain every item at this key, winner is rank-highest (already
		// at the heap root thanks to the tie-break in Less).
		for mi.h.Len() > 0 && bytes.Equal(mi.h[0].e.Key, mi.key) {
			item := heap.Pop(&mi.h).(*heapItem)
			if item.it.Next() {
				item.e = item.it.Entry()
				heap.Push(&mi.h, item)
			}
		}

		if mi.dropOld && winner.Deleted {
			continue
		}
		mi.cur = winner
		return true
	}
}

// Entry returns the current merged entry. Valid only after Next
// returns true.
func (mi *MergeIterator) Entry() entry.Entry { return mi.cur }

// sliceIterator adapts a plain []entry.Entry (assumed pre-sorted) to
// StreamIterator, so in-memory slices can be fed to MergeIterator (the
// tests do this).
type sliceIterator struct {
	entries []entry.Entry
	pos     int
}

// NewSliceIterator wraps a sorted slice of entries as a StreamIterator.
func NewSliceIterator(entries []entry.Entry) StreamIterator {
	return &sliceIterator{entries: entries, pos: -1}
}

func (s *sliceIterator) Next() bool {
	s.pos++
	return s.pos < len(s.entries)
}

func (s *sliceIterator) Entry() entry.Entry { return s.entries[s.pos] }

// CompactTwo merges two sorted entry slices, old before new, applying
// the textbook two-pointer merge: advance exactly one side on a strict
// less-than, advance both sides on an equal key (the new side wins),
// and once one side is exhausted drain the remainder of the other
// side verbatim. This is the two-stream case MergeIterator generalises
// to N; it exists as its own function because it is the one tested
// directly against the compaction example in the testable properties.
func CompactTwo(old, new []entry.Entry) []entry.Entry {
	out := make([]entry.Entry, 0, len(old)+len(new))
	i, j := 0, 0
	for i < len(old) && j < len(new) {
		c := bytes.Compare(old[i].Key, new[j].Key)
		switch {
		case c < 0:
			out = append(out, old[i])
			i++
		case c > 0:
			out = append(out, new[j])
			j++
		default:
			out = append(out, new[j])
			i++
			j++
		}
	}
	out = append(out, old[i:]...)
	out = append(out, new[j:]...)
	return out
}
