// Package memstore implements the ordered in-memory write buffer. It is
// backed by github.com/google/btree rather than a hand-rolled skip list: a
// B-tree is exactly the ordered, O(log N)-insert container this engine
// needs, and it is the one general-purpose ordered container the
// retrieved corpus reaches for (see
// other_examples/Gourab-18-google_big_table__memtable.go, which wraps the
// same library around rows rather than cells).
package memstore

import (
	"sync"

	"github.com/google/btree"

	"github.com/riftlab/rbstore/cell"
)

const treeDegree = 32

func less(a, b *cell.Cell) bool {
	return cell.Compare(a, b) < 0
}

// MemStore is one column family's live write buffer. ReplaceOrInsert
// keyed on the shared row/column/timestamp comparator means a second write
// to the same triple replaces the first rather than creating a duplicate
// entry.
type MemStore struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[*cell.Cell]
	size int
}

// New returns an empty MemStore.
func New() *MemStore {
	return &MemStore{tree: btree.NewG(treeDegree, less)}
}

// Insert adds or replaces c. O(log N).
func (m *MemStore) Insert(c *cell.Cell) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, replaced := m.tree.ReplaceOrInsert(c); !replaced {
		m.size++
	}
}

// InsertAll inserts every cell in cells under a single lock acquisition —
// used by the batch write path so a multi-op batch takes the MemStore
// lock once rather than once per operation.
func (m *MemStore) InsertAll(cells []*cell.Cell) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range cells {
		if _, replaced := m.tree.ReplaceOrInsert(c); !replaced {
			m.size++
		}
	}
}

// Len returns the number of distinct (row, column, timestamp) triples
// currently buffered. The column family engine compares this against its
// flush threshold.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// Snapshot returns an immutable, point-in-time ordered view of the
// MemStore's contents, suitable for the read path (merged reader). It does
// not disturb the live tree: google/btree's Clone is a lazy,
// copy-on-write O(1) operation, so taking a read snapshot never blocks
// concurrent writers beyond the brief lock needed to clone the root.
func (m *MemStore) Snapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &Snapshot{tree: m.tree.Clone(), size: m.size}
}

// Freeze captures the current contents as a Snapshot and atomically
// replaces the live tree with an empty one, so new writes land in a fresh
// MemStore. cf.Engine's flush writes its SSTable from a Snapshot taken
// before calling Freeze and uses Freeze only to discard the flushed cells;
// it does not use the returned Snapshot.
func (m *MemStore) Freeze() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := &Snapshot{tree: m.tree, size: m.size}
	m.tree = btree.NewG(treeDegree, less)
	m.size = 0
	return snap
}

// Snapshot is a frozen, ordered view of a MemStore at one instant.
type Snapshot struct {
	tree *btree.BTreeG[*cell.Cell]
	size int
}

// Len returns the number of cells in the snapshot.
func (s *Snapshot) Len() int { return s.size }

// Iterator returns a cell.Iterator over the snapshot in cell total order.
func (s *Snapshot) Iterator() cell.Iterator {
	return newSnapshotIterator(s.tree)
}

type snapshotIterator struct {
	cells []*cell.Cell
	pos   int
}

func newSnapshotIterator(tree *btree.BTreeG[*cell.Cell]) *snapshotIterator {
	cells := make([]*cell.Cell, 0, tree.Len())
	tree.Ascend(func(c *cell.Cell) bool {
		cells = append(cells, c)
		return true
	})
	return &snapshotIterator{cells: cells, pos: -1}
}

func (it *snapshotIterator) Next() bool {
	it.pos++
	return it.pos < len(it.cells)
}

func (it *snapshotIterator) Cell() *cell.Cell {
	if it.pos < 0 || it.pos >= len(it.cells) {
		return nil
	}
	return it.cells[it.pos]
}

func (it *snapshotIterator) Err() error   { return nil }
func (it *snapshotIterator) Close() error { return nil }

// Get returns the single cell whose key (row, column, timestamp) exactly
// matches key, if present in this snapshot. The merged reader does not
// call it: it prefers MemStore-held versions through source priority.
func (s *Snapshot) Get(key *cell.Cell) (*cell.Cell, bool) {
	return s.tree.Get(key)
}
