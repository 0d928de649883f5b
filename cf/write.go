package cf

import (
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/riftlab/rbstore/batch"
	"github.com/riftlab/rbstore/cell"
	"github.com/riftlab/rbstore/rberrors"
	"github.com/riftlab/rbstore/sstable"
)

func validateRow(row []byte) error {
	if len(row) == 0 {
		return errors.Wrap(rberrors.ErrInvalidArgument, "cf: row key must not be empty")
	}
	return nil
}

// Put assigns timestamp := now_ms(), appends a Value cell to the WAL, and
// inserts it into the MemStore. If the MemStore has reached its flush
// threshold, Put triggers a synchronous flush before returning.
func (e *Engine) Put(row, column, value []byte) error {
	if err := validateRow(row); err != nil {
		return err
	}
	return e.writeOne(cell.New(row, column, e.nowMs(), value))
}

// Delete appends a Tombstone cell with no TTL: it shadows every older
// version of (row, column) forever.
func (e *Engine) Delete(row, column []byte) error {
	if err := validateRow(row); err != nil {
		return err
	}
	return e.writeOne(cell.NewTombstone(row, column, e.nowMs(), nil))
}

// DeleteWithTTL appends a TTL-bounded Tombstone cell.
func (e *Engine) DeleteWithTTL(row, column []byte, ttlMs uint64) error {
	if err := validateRow(row); err != nil {
		return err
	}
	ttl := ttlMs
	return e.writeOne(cell.NewTombstone(row, column, e.nowMs(), &ttl))
}

func (e *Engine) writeOne(c *cell.Cell) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.wal.Append(c); err != nil {
		return err
	}
	e.mem.Insert(c)
	return e.maybeFlushLocked()
}

// ExecuteBatch applies every op in b as one unit: one write-lock
// acquisition, one now_ms() read with strictly increasing per-op
// timestamps derived from it, a single WAL fsync covering every op, then
// MemStore insertion, then a threshold-triggered flush. It is not atomic
// across column families — only within this Engine.
func (e *Engine) ExecuteBatch(b *batch.Batch) error {
	ops := b.Ops()
	if len(ops) == 0 {
		return nil
	}
	for _, op := range ops {
		if err := validateRow(op.Row); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	base := e.nowMs()
	cells := make([]*cell.Cell, len(ops))
	for i, op := range ops {
		ts := base + uint64(i)
		switch op.Kind {
		case batch.Put:
			cells[i] = cell.New(op.Row, op.Column, ts, op.Value)
		case batch.Delete:
			cells[i] = cell.NewTombstone(op.Row, op.Column, ts, nil)
		case batch.DeleteWithTTL:
			ttl := op.TTL
			cells[i] = cell.NewTombstone(op.Row, op.Column, ts, &ttl)
		}
	}

	if err := e.wal.AppendBatch(cells); err != nil {
		return err
	}
	e.mem.InsertAll(cells)
	return e.maybeFlushLocked()
}

func (e *Engine) maybeFlushLocked() error {
	if e.mem.Len() < e.opts.FlushThreshold {
		return nil
	}
	return e.flushLocked()
}

// Flush freezes the MemStore, writes it to a new SSTable at the next
// ordinal, fsyncs and renames it into place, and truncates the WAL.
// Flushing an empty MemStore is a no-op and produces no new SSTable.
func (e *Engine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushLocked()
}

func (e *Engine) flushLocked() error {
	snap := e.mem.Snapshot()
	if snap.Len() == 0 {
		return nil
	}

	ordinal := e.nextOrdinal
	path := filepath.Join(e.dir, sstable.FileName(ordinal))
	if err := e.sstWriter.Create(path, snap.Iterator()); err != nil {
		// Writer.Create already removed its temp file on failure; the
		// MemStore and WAL are untouched, so the next attempt can reuse
		// this same ordinal.
		return err
	}

	reader, err := sstable.Open(path, ordinal, e.log)
	if err != nil {
		return err
	}

	// Nothing could have been inserted into mem between Snapshot and here:
	// the write lock has been held throughout. Freeze discards exactly
	// what the snapshot already captured.
	e.mem.Freeze()

	if err := e.wal.Truncate(0); err != nil {
		// The SSTable is already durable; a stale WAL tail only costs a
		// harmless re-insertion of already-flushed cells on next replay.
		e.log.Error("cf: flush succeeded but WAL truncate failed", "dir", e.dir, "err", err)
	}

	e.tables = append([]*sstable.Reader{reader}, e.tables...)
	e.nextOrdinal++
	e.log.Debug("cf: flushed", "dir", e.dir, "ordinal", ordinal, "cells", snap.Len())
	return nil
}
