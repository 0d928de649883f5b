// Package compact implements the compactor: a k-way merge over a selected
// set of inputs (without collapsing versions the way the read path's
// merge.Resolve does), per-group retention filtering, and a new SSTable
// written at the next ordinal. The engine-lock-protected active-set swap
// happens in package cf, which is the only caller that can see the whole
// view.
package compact

import (
	"github.com/riftlab/rbstore/cell"
	"github.com/riftlab/rbstore/merge"
	"github.com/riftlab/rbstore/sstable"
)

// Type selects which inputs a compaction considers.
type Type int

const (
	// Minor merges a subset of the oldest SSTables.
	Minor Type = iota
	// Major merges every SSTable plus the current MemStore snapshot.
	Major
)

// Options carries a compaction's type, version cap, age cap, and tombstone
// cleanup policy.
type Options struct {
	Type Type
	// MaxVersions, when non-nil, retains at most this many non-tombstone
	// versions per (row, column).
	MaxVersions *uint32
	// MaxAgeMs, when non-nil, drops cells older than now_ms() - MaxAgeMs.
	MaxAgeMs *uint64
	// CleanupTombstones, when true, drops a TTL tombstone once it has
	// expired, and — only during Major compaction — a non-TTL tombstone
	// once it has shadowed everything older reachable by this merge.
	CleanupTombstones bool
}

// DefaultOptions returns the engine's defaults: Minor, no version cap, no
// age cap, cleanup_tombstones disabled.
func DefaultOptions() Options {
	return Options{Type: Minor}
}

// Run executes a compaction's first three steps: merge, retain,
// write+fsync+rename. It returns the number of cells written. The caller
// (package cf) performs the fourth step, the locked active-set swap, using
// a reader it opens over outputPath.
func Run(writer *sstable.Writer, outputPath string, sources []merge.Source, opts Options, nowMs uint64) (uint32, error) {
	it := &retainedIterator{
		groups: merge.NewColumnGroupIterator(merge.NewMerger(sources)),
		opts:   opts,
		nowMs:  nowMs,
	}
	if err := writer.Create(outputPath, it); err != nil {
		return 0, err
	}
	return it.written, nil
}

// retainedIterator streams the cells that survive retention filtering,
// one column group at a time, buffering only the current group.
type retainedIterator struct {
	groups *merge.ColumnGroupIterator
	opts   Options
	nowMs  uint64

	buf     []*cell.Cell
	idx     int
	written uint32
	err     error
}

func (it *retainedIterator) Next() bool {
	for it.idx >= len(it.buf) {
		_, _, versions, ok := it.groups.Next()
		if !ok {
			it.err = it.groups.Err()
			return false
		}
		it.buf = retain(versions, it.opts, it.nowMs)
		it.idx = 0
	}
	it.idx++
	it.written++
	return true
}

func (it *retainedIterator) Cell() *cell.Cell { return it.buf[it.idx-1] }
func (it *retainedIterator) Err() error       { return it.err }
func (it *retainedIterator) Close() error     { return nil }

// retain applies this compaction's retention rules to one column's
// deduplicated, descending-timestamp version list. Unlike merge.Resolve
// (the read path), it physically drops cells rather than merely hiding
// them: a
// tombstone found during the merge causes its shadowed older versions to
// be dropped from the output outright, which is what lets a later
// cleanup_tombstones pass reclaim the tombstone itself without
// resurrecting the data it shadowed.
func retain(versions []*cell.Cell, opts Options, nowMs uint64) []*cell.Cell {
	var out []*cell.Cell
	var shadowFloor *uint64
	shadowAll := false
	live := 0

	var ageFloor uint64
	hasAgeFloor := opts.MaxAgeMs != nil
	if hasAgeFloor {
		if nowMs > *opts.MaxAgeMs {
			ageFloor = nowMs - *opts.MaxAgeMs
		}
	}

	for _, v := range versions {
		if shadowAll {
			break
		}
		if shadowFloor != nil {
			if v.Timestamp > *shadowFloor {
				continue // shadowed by a more recent TTL tombstone; dropped
			}
			shadowFloor = nil
		}

		if hasAgeFloor && v.Timestamp < ageFloor {
			if v.IsTombstone() {
				continue // stale tombstone, dropped regardless of cleanup policy
			}
			continue // stale value, dropped by max_age_ms
		}

		if v.IsTombstone() {
			if v.TTL == nil {
				shadowAll = true
			} else {
				var floor uint64
				if v.Timestamp > *v.TTL {
					floor = v.Timestamp - *v.TTL
				}
				shadowFloor = &floor
			}

			drop := false
			if opts.CleanupTombstones {
				switch {
				case v.TTL != nil:
					drop = nowMs > v.Timestamp+*v.TTL
				case opts.Type == Major:
					drop = true
				}
			}
			if !drop {
				out = append(out, v)
			}
			continue
		}

		out = append(out, v)
		live++
		if opts.MaxVersions != nil && live >= int(*opts.MaxVersions) {
			break
		}
	}
	return out
}
