// Package sstable implements the immutable on-disk sorted file: a header, a
// body of cells in cell total order, and a footer. SSTables are produced
// only by flush (package cf) and compaction (package compact) and are never
// mutated after creation.
package sstable

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/pkg/errors"

	"github.com/riftlab/rbstore/cell"
	"github.com/riftlab/rbstore/rberrors"
	"github.com/riftlab/rbstore/rblog"
)

// FileName returns the canonical on-disk name for the SSTable created with
// the given ordinal: sstable_<ordinal>.db. Ordinals never repeat and
// strictly reflect creation order.
func FileName(ordinal uint64) string {
	return fmt.Sprintf("sstable_%08d.db", ordinal)
}

// filenamePattern matches the FileName format for directory enumeration
// during open/recovery.
var filenamePattern = regexp.MustCompile(`^sstable_(\d{8,})\.db$`)

// ParseOrdinal extracts the ordinal from a filename produced by FileName,
// if it matches.
func ParseOrdinal(name string) (uint64, bool) {
	m := filenamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	ord, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return ord, true
}

var magic = [4]byte{'R', 'B', 'S', 'S'}

const (
	formatVersion = byte(1)
	headerSize    = 5 // magic (4) + version (1)
	footerSize    = 8 + 4
)

// Writer creates SSTable files from a sorted cell stream.
type Writer struct {
	log *slog.Logger
}

// NewWriter returns a Writer. log may be nil.
func NewWriter(log *slog.Logger) *Writer {
	return &Writer{log: rblog.OrDiscard(log)}
}

// Create writes a new SSTable at path from cells, which must already be in
// cell total order — that ordering is the caller's precondition, not
// something Create verifies. The file is written
// to a temp path in the same directory, fsynced, and renamed into place,
// giving write-once-atomic semantics: a crash mid-write leaves no
// partially-visible file at the final path.
func (w *Writer) Create(path string, cells cell.Iterator) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".sstable-*.tmp")
	if err != nil {
		return errors.Wrapf(rberrors.ErrIO, "sstable: create temp in %s: %v", dir, err)
	}
	tmpPath := tmp.Name()
	removeTemp := true
	defer func() {
		if removeTemp {
			os.Remove(tmpPath)
		}
	}()

	bw := bufio.NewWriter(tmp)
	if _, err := bw.Write(magic[:]); err != nil {
		tmp.Close()
		return errors.Wrapf(rberrors.ErrIO, "sstable: write header %s: %v", tmpPath, err)
	}
	if err := bw.WriteByte(formatVersion); err != nil {
		tmp.Close()
		return errors.Wrapf(rberrors.ErrIO, "sstable: write header %s: %v", tmpPath, err)
	}

	var count uint32
	for cells.Next() {
		if err := cell.Encode(bw, cells.Cell()); err != nil {
			tmp.Close()
			return errors.Wrapf(rberrors.ErrIO, "sstable: write cell %s: %v", tmpPath, err)
		}
		count++
	}
	if err := cells.Err(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sstable: source iterator failed")
	}

	footer := make([]byte, footerSize)
	binary.LittleEndian.PutUint64(footer[0:8], uint64(headerSize))
	binary.LittleEndian.PutUint32(footer[8:12], count)
	if _, err := bw.Write(footer); err != nil {
		tmp.Close()
		return errors.Wrapf(rberrors.ErrIO, "sstable: write footer %s: %v", tmpPath, err)
	}

	if err := bw.Flush(); err != nil {
		tmp.Close()
		return errors.Wrapf(rberrors.ErrIO, "sstable: flush %s: %v", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrapf(rberrors.ErrIO, "sstable: fsync %s: %v", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(rberrors.ErrIO, "sstable: close %s: %v", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrapf(rberrors.ErrIO, "sstable: rename %s -> %s: %v", tmpPath, path, err)
	}
	removeTemp = false
	w.log.Debug("sstable: created", "path", path, "cells", count)
	return nil
}

// Reader is an open handle on an immutable SSTable file.
//
// Handles are reference-counted: compaction unlinks input
// files once the swap is done, but readers that captured the file before
// the swap must keep it readable until they finish. On POSIX, an unlinked
// but still-open file descriptor remains fully readable, so Open keeps its
// own *os.File open for the handle's lifetime and Release simply decrements
// the refcount and closes on reaching zero — the unlink itself (done by
// the compactor, not here) is what actually reclaims space once every
// holder has released.
type Reader struct {
	path      string
	f         *os.File
	ordinal   uint64
	cellCount uint32
	bodyStart int64

	refs *refcount
	log  *slog.Logger
}

// Open validates the header and footer of the SSTable at path and returns
// a Reader over it.
func Open(path string, ordinal uint64, log *slog.Logger) (*Reader, error) {
	log = rblog.OrDiscard(log)
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(rberrors.ErrIO, "sstable: open %s: %v", path, err)
	}

	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(f, hdr); err != nil {
		f.Close()
		return nil, errors.Wrapf(rberrors.ErrCorrupt, "sstable: short header %s: %v", path, err)
	}
	if [4]byte(hdr[:4]) != magic {
		f.Close()
		return nil, errors.Wrapf(rberrors.ErrCorrupt, "sstable: bad magic in %s", path)
	}
	if hdr[4] != formatVersion {
		f.Close()
		return nil, errors.Wrapf(rberrors.ErrCorrupt, "sstable: unsupported version %d in %s", hdr[4], path)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(rberrors.ErrIO, "sstable: stat %s: %v", path, err)
	}
	if info.Size() < int64(headerSize+footerSize) {
		f.Close()
		return nil, errors.Wrapf(rberrors.ErrCorrupt, "sstable: file too small %s", path)
	}

	footer := make([]byte, footerSize)
	if _, err := f.ReadAt(footer, info.Size()-int64(footerSize)); err != nil {
		f.Close()
		return nil, errors.Wrapf(rberrors.ErrCorrupt, "sstable: short footer %s: %v", path, err)
	}
	bodyStart := int64(binary.LittleEndian.Uint64(footer[0:8]))
	count := binary.LittleEndian.Uint32(footer[8:12])
	if bodyStart != headerSize {
		f.Close()
		return nil, errors.Wrapf(rberrors.ErrCorrupt, "sstable: unexpected body start %d in %s", bodyStart, path)
	}

	log.Debug("sstable: opened", "path", path, "ordinal", ordinal, "cells", count)
	return &Reader{
		path:      path,
		f:         f,
		ordinal:   ordinal,
		cellCount: count,
		bodyStart: bodyStart,
		refs:      newRefcount(),
		log:       log,
	}, nil
}

// Ordinal returns the monotonically increasing creation ordinal that
// breaks ties between SSTables holding the same (row, column, timestamp).
func (r *Reader) Ordinal() uint64 { return r.ordinal }

// CellCount returns the number of cells recorded in the footer.
func (r *Reader) CellCount() uint32 { return r.cellCount }

// Path returns the file path this reader was opened from.
func (r *Reader) Path() string { return r.path }

// Acquire increments the reader's reference count. Callers sharing a
// Reader across a view must Acquire before handing out the reference and
// Release when done with it.
func (r *Reader) Acquire() { r.refs.incr() }

// Release decrements the reference count and closes the underlying file
// once it reaches zero.
func (r *Reader) Release() error {
	if r.refs.decr() {
		if err := r.f.Close(); err != nil {
			return errors.Wrapf(rberrors.ErrIO, "sstable: close %s: %v", r.path, err)
		}
		r.log.Debug("sstable: released", "path", r.path)
	}
	return nil
}

// Unlink removes the SSTable's file from disk. The compactor calls this
// only after the active-set swap is complete and only on POSIX, where an
// open-but-unlinked file remains readable by any reader that holds it —
// so readers that captured this Reader before the swap keep working until
// they Release it.
func (r *Reader) Unlink() error {
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(rberrors.ErrIO, "sstable: unlink %s: %v", r.path, err)
	}
	return nil
}

// Iter streams the table's cells back in file order, i.e. cell total
// order. No random lookup is required by the core.
func (r *Reader) Iter() cell.Iterator {
	bodyEnd := func() int64 {
		info, err := r.f.Stat()
		if err != nil {
			return r.bodyStart
		}
		return info.Size() - int64(footerSize)
	}()
	section := io.NewSectionReader(r.f, r.bodyStart, bodyEnd-r.bodyStart)
	return &tableIterator{r: bufio.NewReader(section)}
}

type tableIterator struct {
	r   *bufio.Reader
	cur *cell.Cell
	err error
}

func (it *tableIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if _, err := it.r.Peek(1); err != nil {
		if err != io.EOF {
			it.err = errors.Wrap(rberrors.ErrIO, err.Error())
		}
		return false
	}
	c, err := cell.Decode(it.r)
	if err != nil {
		it.err = errors.Wrap(rberrors.ErrCorrupt, err.Error())
		return false
	}
	it.cur = c
	return true
}

func (it *tableIterator) Cell() *cell.Cell { return it.cur }
func (it *tableIterator) Err() error       { return it.err }
func (it *tableIterator) Close() error     { return nil }
