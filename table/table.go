// Package table implements the namespace layer: a table is a named
// directory holding one or more column family directories, with no
// table-level persisted state beyond that layout. A Table is just a set
// of independently opened cf.Engine handles keyed by CF name — there is
// no cross-CF transaction or ordering.
package table

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/riftlab/rbstore/cf"
	"github.com/riftlab/rbstore/rberrors"
	"github.com/riftlab/rbstore/rblog"
)

// Table owns a set of independently-locked column family engines under
// one directory. Opening or closing one CF never affects the others.
type Table struct {
	dir string
	log *slog.Logger

	mu   sync.RWMutex
	cfs  map[string]*cf.Engine
	opts *cf.Options
}

// Open returns a Table rooted at dir, creating it if absent. No column
// family is opened until CF is called for it — a table is purely a
// namespace, so opening one does no CF-level recovery work.
func Open(dir string, opts *cf.Options, log *slog.Logger) (*Table, error) {
	log = rblog.OrDiscard(log)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(rberrors.ErrIO, "table: mkdir %s: %v", dir, err)
	}
	return &Table{dir: dir, log: log, cfs: make(map[string]*cf.Engine), opts: opts}, nil
}

// CF returns the named column family's engine, opening it on first use.
// An empty name is rejected: every CF is a named subdirectory.
func (t *Table) CF(name string) (*cf.Engine, error) {
	if name == "" {
		return nil, errors.Wrap(rberrors.ErrInvalidArgument, "table: column family name must not be empty")
	}

	t.mu.RLock()
	if e, ok := t.cfs[name]; ok {
		t.mu.RUnlock()
		return e, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.cfs[name]; ok {
		return e, nil
	}

	e, err := cf.Open(filepath.Join(t.dir, name), t.opts, t.log)
	if err != nil {
		return nil, errors.Wrapf(err, "table: open column family %q", name)
	}
	t.cfs[name] = e
	return e, nil
}

// ColumnFamilies lists the names of every column family opened so far
// through CF. It does not discover CF directories created out-of-band —
// a table keeps no manifest of its subdirectories; a front-end wanting
// full discovery should list dir's subdirectories itself.
func (t *Table) ColumnFamilies() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.cfs))
	for name := range t.cfs {
		names = append(names, name)
	}
	return names
}

// Close closes every column family opened through this Table. It
// collects and returns the first error encountered but still attempts to
// close every CF.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for name, e := range t.cfs {
		if err := e.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "table: close column family %q", name)
		}
	}
	t.cfs = make(map[string]*cf.Engine)
	return firstErr
}
