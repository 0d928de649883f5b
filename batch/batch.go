// Package batch implements the builder: an ordered list of
// put/delete/delete_with_ttl operations that cf.Engine.ExecuteBatch
// applies atomically (within one column family) in a single WAL fsync.
package batch

// Kind identifies one operation in a Batch.
type Kind int

const (
	Put Kind = iota
	Delete
	DeleteWithTTL
)

// Op is one recorded operation, in the order it was added.
type Op struct {
	Kind   Kind
	Row    []byte
	Column []byte
	Value  []byte
	TTL    uint64 // meaningful only when Kind == DeleteWithTTL
}

// Batch collects operations in call order, grounded on
// original_source/src/batch.rs's Batch/BatchOperation.
type Batch struct {
	ops []Op
}

// New returns an empty Batch.
func New() *Batch {
	return &Batch{}
}

// Put appends a put operation.
func (b *Batch) Put(row, column, value []byte) *Batch {
	b.ops = append(b.ops, Op{Kind: Put, Row: row, Column: column, Value: value})
	return b
}

// Delete appends a delete (no TTL) operation.
func (b *Batch) Delete(row, column []byte) *Batch {
	b.ops = append(b.ops, Op{Kind: Delete, Row: row, Column: column})
	return b
}

// DeleteWithTTL appends a delete-with-TTL operation.
func (b *Batch) DeleteWithTTL(row, column []byte, ttlMs uint64) *Batch {
	b.ops = append(b.ops, Op{Kind: DeleteWithTTL, Row: row, Column: column, TTL: ttlMs})
	return b
}

// Ops returns the recorded operations in insertion order.
func (b *Batch) Ops() []Op { return b.ops }

// Len returns the number of recorded operations.
func (b *Batch) Len() int { return len(b.ops) }
