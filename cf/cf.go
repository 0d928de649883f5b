// Package cf implements the column family engine: the component that owns
// one column family's WAL, MemStore, SSTable set, and background
// compactor, and exposes the full read/write operation set.
package cf

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/riftlab/rbstore/closer"
	"github.com/riftlab/rbstore/compact"
	"github.com/riftlab/rbstore/memstore"
	"github.com/riftlab/rbstore/rberrors"
	"github.com/riftlab/rbstore/rblog"
	"github.com/riftlab/rbstore/sstable"
	"github.com/riftlab/rbstore/wal"
)

// Options carries the engine's tunables as a plain struct rather than a
// config-file loader: no config file or CLI is part of the core.
type Options struct {
	// FlushThreshold is the MemStore cell count that triggers a synchronous
	// flush on the write path. Default 10_000.
	FlushThreshold int
	// CompactionInterval is how often the background compaction goroutine
	// runs. Default 60s. Zero disables the background goroutine entirely
	// (useful for deterministic tests that drive compaction explicitly).
	CompactionInterval time.Duration
	// DefaultCompaction is the compact.Options the background goroutine
	// uses for its periodic Compact() call.
	DefaultCompaction compact.Options
	// Clock returns the current time; overridable for deterministic tests.
	Clock func() time.Time
}

// NewDefaultOptions returns the engine's default tunables.
func NewDefaultOptions() *Options {
	return &Options{
		FlushThreshold:     10_000,
		CompactionInterval: 60 * time.Second,
		DefaultCompaction:  compact.DefaultOptions(),
		Clock:              time.Now,
	}
}

// Stats is the observability surface every engine in the corpus carries.
type Stats struct {
	CellsInMemStore   int
	SSTableCount      int
	NextOrdinal       uint64
	LastCompactionAt  time.Time
}

// Engine owns one column family's on-disk state: WAL + MemStore + SSTable
// set + background compactor.
type Engine struct {
	dir string
	log *slog.Logger
	opts Options

	mu          sync.RWMutex
	wal         *wal.WAL
	mem         *memstore.MemStore
	tables      []*sstable.Reader // newest ordinal first
	nextOrdinal uint64
	lastCompact time.Time

	sstWriter *sstable.Writer
	lockFile  *os.File
	closer    *closer.Closer
}

// Open performs the engine's recovery sequence: enumerate existing
// SSTables, seed the ordinal counter, open/replay the WAL, and leave the
// MemStore populated for a later flush.
func Open(dir string, opts *Options, log *slog.Logger) (*Engine, error) {
	log = rblog.OrDiscard(log)
	if opts == nil {
		opts = NewDefaultOptions()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(rberrors.ErrIO, "cf: mkdir %s: %v", dir, err)
	}

	lockFile, err := acquireLock(dir)
	if err != nil {
		return nil, err
	}

	tables, maxOrdinal, err := openSSTables(dir, log)
	if err != nil {
		lockFile.Close()
		return nil, err
	}

	w, err := wal.Open(filepath.Join(dir, "wal.log"), log)
	if err != nil {
		closeReaders(tables)
		lockFile.Close()
		return nil, err
	}

	replayed, validEnd, err := w.Replay()
	if err != nil {
		w.Close()
		closeReaders(tables)
		lockFile.Close()
		return nil, err
	}
	if err := w.Truncate(validEnd); err != nil {
		w.Close()
		closeReaders(tables)
		lockFile.Close()
		return nil, err
	}

	mem := memstore.New()
	mem.InsertAll(replayed)

	e := &Engine{
		dir:         dir,
		log:         log,
		opts:        *opts,
		wal:         w,
		mem:         mem,
		tables:      tables,
		nextOrdinal: maxOrdinal + 1,
		sstWriter:   sstable.NewWriter(log),
		lockFile:    lockFile,
		closer:      closer.New(),
	}

	if opts.CompactionInterval > 0 {
		e.closer.Add(1)
		go e.compactionLoop()
	}
	return e, nil
}

func acquireLock(dir string) (*os.File, error) {
	path := filepath.Join(dir, ".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(rberrors.ErrIO, "cf: open lock file %s: %v", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, errors.Wrapf(rberrors.ErrIO, "cf: table directory %s is locked by another process: %v", dir, err)
	}
	return f, nil
}

func openSSTables(dir string, log *slog.Logger) ([]*sstable.Reader, uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, errors.Wrapf(rberrors.ErrIO, "cf: read dir %s: %v", dir, err)
	}

	var ordinals []uint64
	for _, entry := range entries {
		if ord, ok := sstable.ParseOrdinal(entry.Name()); ok {
			ordinals = append(ordinals, ord)
		}
	}
	sort.Slice(ordinals, func(i, j int) bool { return ordinals[i] > ordinals[j] }) // newest first

	var maxOrdinal uint64
	tables := make([]*sstable.Reader, 0, len(ordinals))
	for _, ord := range ordinals {
		if ord > maxOrdinal {
			maxOrdinal = ord
		}
		r, err := sstable.Open(filepath.Join(dir, sstable.FileName(ord)), ord, log)
		if err != nil {
			closeReaders(tables)
			return nil, 0, err
		}
		tables = append(tables, r)
	}
	return tables, maxOrdinal, nil
}

func closeReaders(tables []*sstable.Reader) {
	for _, r := range tables {
		r.Release()
	}
}

func (e *Engine) compactionLoop() {
	defer e.closer.Done()
	ticker := time.NewTicker(e.opts.CompactionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.closer.CloseSignal:
			return
		case <-ticker.C:
			if err := e.Compact(); err != nil {
				e.log.Warn("cf: background compaction failed", "dir", e.dir, "err", err)
			}
		}
	}
}

func (e *Engine) nowMs() uint64 {
	return uint64(e.opts.Clock().UnixMilli())
}

// Close stops the background compactor, closes the WAL and every open
// SSTable handle, and releases the advisory directory lock.
func (e *Engine) Close() error {
	e.closer.Close()

	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	if err := e.wal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, r := range e.tables {
		if err := r.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	unix.Flock(int(e.lockFile.Fd()), unix.LOCK_UN)
	if err := e.lockFile.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrapf(rberrors.ErrIO, "cf: close lock file: %v", err)
	}
	return firstErr
}

// Stats reports the engine's current counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		CellsInMemStore:  e.mem.Len(),
		SSTableCount:     len(e.tables),
		NextOrdinal:      e.nextOrdinal,
		LastCompactionAt: e.lastCompact,
	}
}
