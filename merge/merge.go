// Package merge implements the merged reader: a k-way merge across a
// MemStore snapshot and a set of SSTable readers that visits cells in cell
// total order, honoring the per-(row,column) resolution rules (tombstone
// shadowing, version capping, MemStore/ordinal tie-breaking).
//
// The package is split into two layers so package compact can reuse the
// bottom one: Merger performs the raw, duplicate-free k-way merge; Resolve
// applies the tombstone-shadow and max_versions rules that only the read
// path wants verbatim — the compactor has its own retention policy built on
// the same Merger.
package merge

import (
	"container/heap"

	"github.com/riftlab/rbstore/cell"
)

// Source is one input to the merge: an iterator plus the priority used to
// break ties when two sources hold a cell with the identical
// (row, column, timestamp) triple. Higher priority wins. By convention the
// MemStore snapshot gets the highest priority, and SSTables are ranked by
// ordinal — higher ordinal (newer SSTable) beats lower.
type Source struct {
	Priority int
	Iter     cell.Iterator
}

// SourcesFromView builds the conventional source list for one read: the
// MemStore snapshot outranks every SSTable, and SSTables are assumed
// supplied newest-ordinal-first, matching how cf.Engine holds its view.
func SourcesFromView(memIter cell.Iterator, sstableItersNewestFirst []cell.Iterator) []Source {
	sources := make([]Source, 0, 1+len(sstableItersNewestFirst))
	n := len(sstableItersNewestFirst)
	if memIter != nil {
		sources = append(sources, Source{Priority: n + 1, Iter: memIter})
	}
	for i, it := range sstableItersNewestFirst {
		// i==0 is the newest SSTable; it must outrank i==1, etc.
		sources = append(sources, Source{Priority: n - i, Iter: it})
	}
	return sources
}

type heapEntry struct {
	priority int
	iter     cell.Iterator
	cur      *cell.Cell
}

type sourceHeap []*heapEntry

func (h sourceHeap) Len() int { return len(h) }
func (h sourceHeap) Less(i, j int) bool {
	if c := cell.Compare(h[i].cur, h[j].cur); c != 0 {
		return c < 0
	}
	return h[i].priority > h[j].priority
}
func (h sourceHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *sourceHeap) Push(x interface{}) { *h = append(*h, x.(*heapEntry)) }
func (h *sourceHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Merger performs the raw k-way merge over its sources: it visits cells in
// cell total order and, on encountering the same (row, column, timestamp)
// triple from more than one source, keeps only the highest-priority cell.
// Its output stream has no duplicate keys but has NOT had tombstone
// shadowing or version caps applied — that is left to the layer above
// (Resolve here, or package compact's own retention pass).
type Merger struct {
	h   sourceHeap
	cur *cell.Cell
	err error
}

// NewMerger primes every source and returns a ready Merger.
func NewMerger(sources []Source) *Merger {
	m := &Merger{}
	for _, s := range sources {
		e := &heapEntry{priority: s.Priority, iter: s.Iter}
		if e.iter.Next() {
			e.cur = e.iter.Cell()
			m.h = append(m.h, e)
		} else if err := e.iter.Err(); err != nil {
			m.err = err
		}
	}
	heap.Init(&m.h)
	return m
}

// Next advances to the next distinct cell. It returns false when the
// merge is exhausted or a source errored; check Err in that case.
func (m *Merger) Next() bool {
	if m.err != nil || m.h.Len() == 0 {
		return false
	}
	winner := heap.Pop(&m.h).(*heapEntry)
	m.cur = winner.cur

	// Skip any other sources holding the identical triple (step 2).
	for m.h.Len() > 0 && cell.Compare(m.h[0].cur, m.cur) == 0 {
		dup := heap.Pop(&m.h).(*heapEntry)
		m.advance(dup)
	}
	m.advance(winner)
	return true
}

func (m *Merger) advance(e *heapEntry) {
	if e.iter.Next() {
		e.cur = e.iter.Cell()
		heap.Push(&m.h, e)
		return
	}
	if err := e.iter.Err(); err != nil {
		m.err = err
	}
}

// Cell returns the current merged cell. Valid only after Next returned
// true.
func (m *Merger) Cell() *cell.Cell { return m.cur }

// Err returns the first error any source reported.
func (m *Merger) Err() error { return m.err }

// ColumnGroupIterator groups a Merger's deduplicated stream into
// per-(row,column) runs, each already in descending-timestamp order — the
// unit both the read path and the compactor operate on.
type ColumnGroupIterator struct {
	m   *Merger
	has bool
}

// NewColumnGroupIterator wraps m for column-group iteration.
func NewColumnGroupIterator(m *Merger) *ColumnGroupIterator {
	return &ColumnGroupIterator{m: m, has: m.Next()}
}

// Next returns the next (row, column) group and its versions (newest
// first, no duplicate timestamps). ok is false once the merge is
// exhausted.
func (g *ColumnGroupIterator) Next() (row, column []byte, versions []*cell.Cell, ok bool) {
	if !g.has {
		return nil, nil, nil, false
	}
	first := g.m.Cell()
	versions = append(versions, first)
	row, column = first.Row, first.Column
	for {
		g.has = g.m.Next()
		if !g.has {
			break
		}
		c := g.m.Cell()
		if !cell.SameColumn(first, c) {
			break
		}
		versions = append(versions, c)
	}
	return row, column, versions, true
}

// Err surfaces any source error encountered during grouping.
func (g *ColumnGroupIterator) Err() error { return g.m.Err() }

// Resolve applies tombstone shadowing and the version cap to one column's
// deduplicated, descending-timestamp version list: a tombstone shadows
// either all older versions (no TTL) or a bounded (T-ttl, T] window (with
// TTL); at most
// maxVersions non-tombstone versions are returned. maxVersions <= 0 means
// unlimited.
func Resolve(versions []*cell.Cell, maxVersions int) []*cell.Cell {
	var out []*cell.Cell
	var shadowFloor *uint64
	shadowAll := false

	for _, v := range versions {
		if shadowAll {
			break
		}
		if shadowFloor != nil {
			if v.Timestamp > *shadowFloor {
				continue // still inside the TTL tombstone's shadow window
			}
			shadowFloor = nil // window lifted; re-evaluate this version fresh
		}

		if v.IsTombstone() {
			if v.TTL == nil {
				shadowAll = true
			} else {
				floor := uint64(0)
				if v.Timestamp > *v.TTL {
					floor = v.Timestamp - *v.TTL
				}
				shadowFloor = &floor
			}
			continue
		}

		out = append(out, v)
		if maxVersions > 0 && len(out) >= maxVersions {
			break
		}
	}
	return out
}
