// Package wal implements the per-column-family write-ahead log: an
// append-only file of framed cell records, replayed on open and truncated
// after a successful flush.
//
// Record framing: [u32 BE len][cell encoding][u32 BE crc32]. The length and
// CRC cover exactly the cell encoding's bytes.
package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/riftlab/rbstore/cell"
	"github.com/riftlab/rbstore/rberrors"
	"github.com/riftlab/rbstore/rblog"
)

// WAL is a single column family's write-ahead log file.
type WAL struct {
	mu   sync.Mutex
	path string
	f    *os.File
	log  *slog.Logger

	// size is the number of bytes known to hold a valid record prefix.
	// Append advances it only after a successful fsync.
	size int64
}

// Open opens (creating if absent) the WAL file at path.
func Open(path string, log *slog.Logger) (*WAL, error) {
	log = rblog.OrDiscard(log)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(rberrors.ErrIO, "wal: open %s: %v", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(rberrors.ErrIO, "wal: stat %s: %v", path, err)
	}
	return &WAL{path: path, f: f, log: log, size: info.Size()}, nil
}

// Path returns the WAL's file path.
func (w *WAL) Path() string { return w.path }

// Size returns the number of bytes in the file's valid prefix.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Append encodes c, frames it, writes it, and fsyncs before returning, so a
// single put/delete is durable once Append returns nil.
func (w *WAL) Append(c *cell.Cell) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendLocked([]*cell.Cell{c}, true)
}

// AppendBatch writes every cell in cells as individual framed records but
// fsyncs only once at the end, so a multi-op batch pays for one fsync
// instead of one per op. On failure before the fsync, the unfsynced tail is
// truncated away so the file's valid prefix never grows past what was
// actually durable.
func (w *WAL) AppendBatch(cells []*cell.Cell) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendLocked(cells, true)
}

func (w *WAL) appendLocked(cells []*cell.Cell, fsync bool) error {
	start := w.size
	written := int64(0)
	for _, c := range cells {
		n, err := w.writeRecord(c)
		if err != nil {
			// Roll back the unfsynced prefix this call wrote.
			if terr := w.f.Truncate(start); terr != nil {
				w.log.Error("wal: rollback truncate failed", "path", w.path, "error", terr)
			}
			w.f.Seek(start, io.SeekStart)
			return errors.Wrapf(rberrors.ErrIO, "wal: append %s: %v", w.path, err)
		}
		written += n
	}
	if fsync {
		if err := w.f.Sync(); err != nil {
			if terr := w.f.Truncate(start); terr != nil {
				w.log.Error("wal: rollback truncate failed", "path", w.path, "error", terr)
			}
			w.f.Seek(start, io.SeekStart)
			return errors.Wrapf(rberrors.ErrIO, "wal: fsync %s: %v", w.path, err)
		}
	}
	w.size = start + written
	w.log.Debug("wal: appended", "path", w.path, "cells", len(cells), "bytes", written)
	return nil
}

func (w *WAL) writeRecord(c *cell.Cell) (int64, error) {
	var payload bytes.Buffer
	if err := cell.Encode(&payload, c); err != nil {
		return 0, err
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(payload.Len()))
	if _, err := w.f.Write(lenBuf[:]); err != nil {
		return 0, err
	}
	if _, err := w.f.Write(payload.Bytes()); err != nil {
		return 0, err
	}

	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc32.ChecksumIEEE(payload.Bytes()))
	if _, err := w.f.Write(crcBuf[:]); err != nil {
		return 0, err
	}
	return int64(4 + payload.Len() + 4), nil
}

// Replay scans the file from the start, decoding cells until the first
// truncated or corrupt record. A partial trailing record after a crash is
// expected and is silently discarded, not reported as an error; Replay
// returns the byte offset of the valid prefix so the caller can Truncate to
// it.
func (w *WAL) Replay() (cells []*cell.Cell, validEnd int64, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return nil, 0, errors.Wrapf(rberrors.ErrIO, "wal: seek %s: %v", w.path, err)
	}
	r := bufio.NewReader(w.f)

	var offset int64
	for {
		c, n, ok, rerr := readRecord(r)
		if rerr != nil {
			return nil, 0, errors.Wrapf(rberrors.ErrIO, "wal: replay %s: %v", w.path, rerr)
		}
		if !ok {
			break
		}
		cells = append(cells, c)
		offset += n
	}

	if _, err := w.f.Seek(0, io.SeekEnd); err != nil {
		return nil, 0, errors.Wrapf(rberrors.ErrIO, "wal: seek %s: %v", w.path, err)
	}
	w.log.Debug("wal: replayed", "path", w.path, "cells", len(cells), "valid_bytes", offset)
	return cells, offset, nil
}

// readRecord reads one framed record. ok is false (with rerr nil) when the
// stream ends cleanly or on a truncated/corrupt tail record — both mark the
// end of the valid prefix rather than a hard error.
func readRecord(r *bufio.Reader) (c *cell.Cell, n int64, ok bool, rerr error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, 0, false, nil
	}
	recLen := binary.BigEndian.Uint32(lenBuf)

	payload := make([]byte, recLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, 0, false, nil
	}

	crcBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, crcBuf); err != nil {
		return nil, 0, false, nil
	}
	wantCRC := binary.BigEndian.Uint32(crcBuf)
	if crc32.ChecksumIEEE(payload) != wantCRC {
		return nil, 0, false, nil
	}

	decoded, err := cell.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, 0, false, nil
	}
	return decoded, int64(4 + len(payload) + 4), true, nil
}

// Truncate atomically discards the file's contents down to size bytes.
// The column family engine calls it with size 0 only after a successful
// flush, so the on-disk SSTable already covers everything being discarded,
// and on open with the valid-prefix end Replay returned, to cut off a torn
// or corrupt tail.
func (w *WAL) Truncate(size int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Truncate(size); err != nil {
		return errors.Wrapf(rberrors.ErrIO, "wal: truncate %s: %v", w.path, err)
	}
	if _, err := w.f.Seek(size, io.SeekStart); err != nil {
		return errors.Wrapf(rberrors.ErrIO, "wal: seek %s: %v", w.path, err)
	}
	w.size = size
	w.log.Debug("wal: truncated", "path", w.path, "size", size)
	return nil
}

// Close closes the underlying file without deleting it.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Close(); err != nil {
		return errors.Wrapf(rberrors.ErrIO, "wal: close %s: %v", w.path, err)
	}
	return nil
}
