// Package pktqueue holds the fully received sample blocks of one peer,
// ordered by start timestamp.
package pktqueue

import (
	"iter"

	"github.com/rjboer/rfsim/internal/wire"
)

// Overlap is the part of a block that falls inside a queried window.
type Overlap struct {
	// ReadOffset is the first sample inside the block.
	ReadOffset int
	// WriteOffset is the matching position inside the window.
	WriteOffset int
	Count       int
}

// Queue is a FIFO of blocks. Callers enqueue in non-decreasing timestamp
// order, so the queue never re-sorts.
type Queue struct {
	blocks []*wire.Block
	head   int
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue appends blk.
func (q *Queue) Enqueue(blk *wire.Block) {
	q.blocks = append(q.blocks, blk)
}

// Len reports the number of queued blocks.
func (q *Queue) Len() int {
	return len(q.blocks) - q.head
}

// Oldest returns the front block, or nil.
func (q *Queue) Oldest() *wire.Block {
	if q.Len() == 0 {
		return nil
	}
	return q.blocks[q.head]
}

// QueryRange yields every block intersecting [start, start+count) with the
// overlapping sub-range. The queue is not modified.
func (q *Queue) QueryRange(start uint64, count int) iter.Seq2[*wire.Block, Overlap] {
	end := start + uint64(count)
	return func(yield func(*wire.Block, Overlap) bool) {
		for _, blk := range q.blocks[q.head:] {
			if blk.End() <= start {
				continue
			}
			if blk.Timestamp >= end {
				return
			}
			from := max(start, blk.Timestamp)
			to := min(end, blk.End())
			ov := Overlap{
				ReadOffset:  int(from - blk.Timestamp),
				WriteOffset: int(from - start),
				Count:       int(to - from),
			}
			if !yield(blk, ov) {
				return
			}
		}
	}
}

// EvictBefore drops every block whose end timestamp is <= threshold and
// returns how many were dropped.
func (q *Queue) EvictBefore(threshold uint64) int {
	n := 0
	for q.head < len(q.blocks) && q.blocks[q.head].End() <= threshold {
		q.blocks[q.head] = nil
		q.head++
		n++
	}
	q.compact()
	return n
}

// Clear drops everything.
func (q *Queue) Clear() {
	clear(q.blocks)
	q.blocks = q.blocks[:0]
	q.head = 0
}

// compact reclaims the evicted prefix once it dominates the backing array.
func (q *Queue) compact() {
	if q.head == 0 {
		return
	}
	if q.head == len(q.blocks) {
		q.blocks = q.blocks[:0]
		q.head = 0
		return
	}
	if q.head < len(q.blocks)/2 {
		return
	}
	n := copy(q.blocks, q.blocks[q.head:])
	clear(q.blocks[n:])
	q.blocks = q.blocks[:n]
	q.head = 0
}
