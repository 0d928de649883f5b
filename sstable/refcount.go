package sstable

import "sync/atomic"

// refcount is a simple atomic reference counter used to defer an
// SSTable's file close until every reader that captured a view
// referencing it has released its handle. The compactor's unlink does not
// wait on it: an unlinked file stays readable while it is open.
type refcount struct {
	n atomic.Int32
}

func newRefcount() *refcount {
	r := &refcount{}
	r.n.Store(1)
	return r
}

func (r *refcount) incr() {
	r.n.Add(1)
}

// decr returns true when the count reached zero.
func (r *refcount) decr() bool {
	return r.n.Add(-1) == 0
}
