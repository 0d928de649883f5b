package cf

import (
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/riftlab/rbstore/compact"
	"github.com/riftlab/rbstore/merge"
	"github.com/riftlab/rbstore/rberrors"
	"github.com/riftlab/rbstore/sstable"
)

// Compact runs a minor compaction with the engine's default options.
func (e *Engine) Compact() error {
	opts := e.opts.DefaultCompaction
	opts.Type = compact.Minor
	return e.CompactWithOptions(opts)
}

// MajorCompact runs a major compaction (every SSTable plus the current
// MemStore snapshot) with the engine's default options.
func (e *Engine) MajorCompact() error {
	opts := e.opts.DefaultCompaction
	opts.Type = compact.Major
	return e.CompactWithOptions(opts)
}

// CompactWithMaxVersions runs a minor compaction retaining at most n
// non-tombstone versions per (row, column).
func (e *Engine) CompactWithMaxVersions(n uint32) error {
	if n == 0 {
		return errors.Wrap(rberrors.ErrInvalidArgument, "cf: max_versions must be > 0")
	}
	opts := compact.DefaultOptions()
	opts.MaxVersions = &n
	return e.CompactWithOptions(opts)
}

// CompactWithMaxAge runs a minor compaction dropping cells older than
// now_ms() - maxAgeMs.
func (e *Engine) CompactWithMaxAge(maxAgeMs uint64) error {
	opts := compact.DefaultOptions()
	opts.MaxAgeMs = &maxAgeMs
	return e.CompactWithOptions(opts)
}

// CompactWithOptions executes a compaction: it selects inputs and
// acquires references to them under a brief read lock, takes the write
// lock briefly to reserve the output ordinal, merges and writes the output
// SSTable without holding any lock, and takes the write lock again for the
// final atomic active-set swap.
func (e *Engine) CompactWithOptions(opts compact.Options) error {
	e.mu.RLock()
	inputs := e.selectInputsLocked(opts.Type)
	for _, r := range inputs {
		r.Acquire()
	}
	var memSource *merge.Source
	if opts.Type == compact.Major {
		snap := e.mem.Snapshot()
		memSource = &merge.Source{Priority: len(inputs) + 1, Iter: snap.Iterator()}
	}
	e.mu.RUnlock()

	if len(inputs) == 0 && memSource == nil {
		return nil
	}

	release := func() {
		for _, r := range inputs {
			r.Release()
		}
	}

	sources := make([]merge.Source, 0, len(inputs)+1)
	if memSource != nil {
		sources = append(sources, *memSource)
	}
	for i, r := range inputs {
		sources = append(sources, merge.Source{Priority: len(inputs) - i, Iter: r.Iter()})
	}

	e.mu.Lock()
	ordinal := e.nextOrdinal
	e.nextOrdinal++
	e.mu.Unlock()

	path := filepath.Join(e.dir, sstable.FileName(ordinal))
	if _, err := compact.Run(e.sstWriter, path, sources, opts, e.nowMs()); err != nil {
		release()
		return errors.Wrap(err, "cf: compaction failed")
	}

	out, err := sstable.Open(path, ordinal, e.log)
	if err != nil {
		release()
		return err
	}

	inputSet := make(map[*sstable.Reader]bool, len(inputs))
	for _, r := range inputs {
		inputSet[r] = true
	}

	e.mu.Lock()
	newTables := make([]*sstable.Reader, 0, len(e.tables)-len(inputs)+1)
	newTables = append(newTables, out)
	for _, r := range e.tables {
		if !inputSet[r] {
			newTables = append(newTables, r)
		}
	}
	e.tables = newTables
	e.lastCompact = e.opts.Clock()
	e.mu.Unlock()

	release() // drop this call's own temporary acquisitions
	for _, r := range inputs {
		if err := r.Unlink(); err != nil {
			e.log.Warn("cf: failed to unlink compacted sstable", "path", r.Path(), "err", err)
		}
		r.Release() // drop the active set's original reference
	}
	e.log.Debug("cf: compacted", "dir", e.dir, "ordinal", ordinal, "inputs", len(inputs))
	return nil
}

// selectInputsLocked picks the SSTables a compaction merges, under at
// least a read lock. Major merges every SSTable. Minor merges all but the
// single newest SSTable — this implementation's chosen watermark for
// which older tables a minor compaction folds together; see DESIGN.md.
func (e *Engine) selectInputsLocked(t compact.Type) []*sstable.Reader {
	if t == compact.Major {
		out := make([]*sstable.Reader, len(e.tables))
		copy(out, e.tables)
		return out
	}
	if len(e.tables) < 2 {
		return nil
	}
	out := make([]*sstable.Reader, len(e.tables)-1)
	copy(out, e.tables[1:]) // e.tables is newest-first; keep index 0 untouched
	return out
}
