package cf

import (
	"github.com/pkg/errors"

	"github.com/riftlab/rbstore/aggregate"
	"github.com/riftlab/rbstore/cell"
	"github.com/riftlab/rbstore/filter"
	"github.com/riftlab/rbstore/merge"
	"github.com/riftlab/rbstore/rberrors"
	"github.com/riftlab/rbstore/sstable"
)

// view is a short-lived, reference-counted snapshot of the current
// MemStore + SSTable set, acquired under a brief read lock so readers
// execute without holding the write lock.
type view struct {
	memIter cell.Iterator
	tables  []*sstable.Reader
}

func (v *view) release() {
	for _, r := range v.tables {
		r.Release()
	}
}

func (v *view) sources() []merge.Source {
	iters := make([]cell.Iterator, len(v.tables))
	for i, r := range v.tables {
		iters[i] = r.Iter()
	}
	return merge.SourcesFromView(v.memIter, iters)
}

func (e *Engine) acquireView() *view {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tables := make([]*sstable.Reader, len(e.tables))
	copy(tables, e.tables)
	for _, r := range tables {
		r.Acquire()
	}
	return &view{memIter: e.mem.Snapshot().Iterator(), tables: tables}
}

// Get returns the latest live version of (row, column), or nil if absent
// or shadowed by a tombstone.
func (e *Engine) Get(row, column []byte) (*cell.Cell, error) {
	if err := validateRow(row); err != nil {
		return nil, err
	}
	v := e.acquireView()
	defer v.release()
	return merge.Get(v.sources(), row, column)
}

// GetVersions returns up to n latest live versions of (row, column),
// newest first. n <= 0 means unlimited.
func (e *Engine) GetVersions(row, column []byte, n int) ([]*cell.Cell, error) {
	if err := validateRow(row); err != nil {
		return nil, err
	}
	v := e.acquireView()
	defer v.release()
	return merge.GetVersions(v.sources(), row, column, n)
}

// ScanRowVersions returns every live column of row, each capped at n
// versions.
func (e *Engine) ScanRowVersions(row []byte, n int) ([]merge.ColumnVersions, error) {
	if err := validateRow(row); err != nil {
		return nil, err
	}
	v := e.acquireView()
	defer v.release()
	return merge.ScanRowVersions(v.sources(), row, n)
}

// ScanRange streams every row in [startRow, endRow] (both inclusive).
func (e *Engine) ScanRange(startRow, endRow []byte, n int) ([]merge.RowVersions, error) {
	if err := validateRow(startRow); err != nil {
		return nil, err
	}
	if err := validateRow(endRow); err != nil {
		return nil, err
	}
	v := e.acquireView()
	defer v.release()
	return merge.ScanRange(v.sources(), startRow, endRow, n)
}

// ScanRowWithFilter scans one row's live columns and applies fs
// afterward: the predicate runs against the versions the merged reader
// already emitted, not against raw storage.
func (e *Engine) ScanRowWithFilter(row []byte, fs *filter.Set) ([]merge.ColumnVersions, error) {
	cols, err := e.ScanRowVersions(row, 0)
	if err != nil {
		return nil, err
	}
	if fs == nil {
		return cols, nil
	}
	return fs.Apply(cols), nil
}

// ScanRangeWithFilter applies fs to every row of a range scan.
func (e *Engine) ScanRangeWithFilter(startRow, endRow []byte, fs *filter.Set) ([]merge.RowVersions, error) {
	rows, err := e.ScanRange(startRow, endRow, 0)
	if err != nil {
		return nil, err
	}
	if fs == nil {
		return rows, nil
	}
	return fs.ApplyRows(rows), nil
}

// Aggregate reduces one row's stream into column -> result, running fs
// first when supplied: when both a filter and an aggregation are
// supplied, filtering always runs first.
func (e *Engine) Aggregate(row []byte, fs *filter.Set, as *aggregate.Set) (map[string]aggregate.Result, error) {
	if as == nil {
		return nil, errors.Wrap(rberrors.ErrInvalidArgument, "cf: aggregate requires a non-nil aggregation set")
	}
	cols, err := e.ScanRowVersions(row, 0)
	if err != nil {
		return nil, err
	}
	if fs != nil {
		cols = fs.Apply(cols)
	}
	return as.Apply(cols), nil
}

// AggregateRange reduces a range scan's stream into column -> result.
func (e *Engine) AggregateRange(startRow, endRow []byte, fs *filter.Set, as *aggregate.Set) (map[string]aggregate.Result, error) {
	if as == nil {
		return nil, errors.Wrap(rberrors.ErrInvalidArgument, "cf: aggregate requires a non-nil aggregation set")
	}
	rows, err := e.ScanRange(startRow, endRow, 0)
	if err != nil {
		return nil, err
	}
	if fs != nil {
		rows = fs.ApplyRows(rows)
	}
	return as.ApplyRows(rows), nil
}
