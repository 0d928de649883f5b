// Package cell defines the on-the-wire unit rbstore stores: a (row, column,
// timestamp, kind) tuple with its total order and binary encoding. The WAL
// and the SSTable both frame their payloads with Encode/Decode from this
// package.
package cell

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/riftlab/rbstore/rberrors"
)

// Kind distinguishes a live value from a deletion marker.
type Kind uint8

const (
	// KindValue is a live cell carrying Value.
	KindValue Kind = 0
	// KindTombstone is a deletion marker, optionally TTL-bounded.
	KindTombstone Kind = 1
)

// Cell is the atomic stored record: one versioned value or tombstone at a
// single (row, column, timestamp) coordinate.
type Cell struct {
	Row       []byte
	Column    []byte
	Timestamp uint64
	Kind      Kind

	// Value holds the payload when Kind == KindValue.
	Value []byte

	// TTL holds the tombstone's time-to-live in milliseconds when
	// Kind == KindTombstone and the tombstone is TTL-bounded. nil means
	// the tombstone has no TTL and shadows all older versions forever.
	TTL *uint64
}

// New builds a live Value cell.
func New(row, column []byte, timestamp uint64, value []byte) *Cell {
	return &Cell{Row: row, Column: column, Timestamp: timestamp, Kind: KindValue, Value: value}
}

// NewTombstone builds a deletion marker, optionally with a TTL in
// milliseconds.
func NewTombstone(row, column []byte, timestamp uint64, ttlMs *uint64) *Cell {
	return &Cell{Row: row, Column: column, Timestamp: timestamp, Kind: KindTombstone, TTL: ttlMs}
}

// IsTombstone reports whether c is a deletion marker.
func (c *Cell) IsTombstone() bool { return c.Kind == KindTombstone }

// Clone returns a deep copy of c so callers may retain it past the lifetime
// of a shared buffer (e.g. a decode scratch buffer reused across records).
func (c *Cell) Clone() *Cell {
	out := &Cell{
		Row:       append([]byte(nil), c.Row...),
		Column:    append([]byte(nil), c.Column...),
		Timestamp: c.Timestamp,
		Kind:      c.Kind,
	}
	if c.Value != nil {
		out.Value = append([]byte(nil), c.Value...)
	}
	if c.TTL != nil {
		ttl := *c.TTL
		out.TTL = &ttl
	}
	return out
}

// SameColumn reports whether a and b address the same (row, column) pair.
func SameColumn(a, b *Cell) bool {
	return bytes.Equal(a.Row, b.Row) && bytes.Equal(a.Column, b.Column)
}

// Compare implements the cell total order: ascending row, ascending column,
// then DESCENDING timestamp. This comparator is used
// everywhere sorted iteration appears — MemStore ordering, SSTable layout,
// and the merged reader's k-way merge all share it.
func Compare(a, b *Cell) int {
	if c := bytes.Compare(a.Row, b.Row); c != 0 {
		return c
	}
	if c := bytes.Compare(a.Column, b.Column); c != 0 {
		return c
	}
	switch {
	case a.Timestamp > b.Timestamp:
		return -1
	case a.Timestamp < b.Timestamp:
		return 1
	default:
		return 0
	}
}

// Encode writes c's self-describing binary encoding to w.
func Encode(w io.Writer, c *Cell) error {
	if err := writeLenPrefixed(w, c.Row); err != nil {
		return err
	}
	if err := writeLenPrefixed(w, c.Column); err != nil {
		return err
	}
	if err := writeU64(w, c.Timestamp); err != nil {
		return err
	}
	if err := writeU8(w, byte(c.Kind)); err != nil {
		return err
	}
	switch c.Kind {
	case KindValue:
		return writeLenPrefixed(w, c.Value)
	case KindTombstone:
		if c.TTL == nil {
			return writeU8(w, 0)
		}
		if err := writeU8(w, 1); err != nil {
			return err
		}
		return writeU64(w, *c.TTL)
	default:
		return errors.Errorf("cell: unknown kind %d", c.Kind)
	}
}

// EncodedSize returns the exact number of bytes Encode will write for c.
func EncodedSize(c *Cell) int {
	size := 4 + len(c.Row) + 4 + len(c.Column) + 8 + 1
	switch c.Kind {
	case KindValue:
		size += 4 + len(c.Value)
	case KindTombstone:
		size++
		if c.TTL != nil {
			size += 8
		}
	}
	return size
}

// Decode reads one cell's encoding from r.
func Decode(r io.Reader) (*Cell, error) {
	row, err := readLenPrefixed(r)
	if err != nil {
		return nil, err
	}
	col, err := readLenPrefixed(r)
	if err != nil {
		return nil, err
	}
	ts, err := readU64(r)
	if err != nil {
		return nil, err
	}
	kindByte, err := readU8(r)
	if err != nil {
		return nil, err
	}

	c := &Cell{Row: row, Column: col, Timestamp: ts, Kind: Kind(kindByte)}
	switch c.Kind {
	case KindValue:
		val, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		c.Value = val
	case KindTombstone:
		hasTTL, err := readU8(r)
		if err != nil {
			return nil, err
		}
		if hasTTL == 1 {
			ttl, err := readU64(r)
			if err != nil {
				return nil, err
			}
			c.TTL = &ttl
		} else if hasTTL != 0 {
			return nil, errors.Wrap(rberrors.ErrCorrupt, "cell: invalid has_ttl flag")
		}
	default:
		return nil, errors.Wrapf(rberrors.ErrCorrupt, "cell: unknown kind byte %d", kindByte)
	}
	return c, nil
}

func writeLenPrefixed(w io.Writer, b []byte) error {
	if err := writeU32(w, uint32(len(b))); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	_, err := w.Write(b)
	return err
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeU8(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})
	return err
}

func readU8(r io.Reader) (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func writeU64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// Iterator streams cells in the Compare order. Implementations (MemStore
// snapshots, SSTable readers, merge outputs) all satisfy this.
type Iterator interface {
	// Next advances to the next cell. It returns false when exhausted or on
	// error; callers must check Err after Next returns false.
	Next() bool
	// Cell returns the current cell. Valid only after a Next call returned
	// true.
	Cell() *Cell
	// Err returns the first error encountered, if any.
	Err() error
	// Close releases resources held by the iterator (file handles, etc).
	Close() error
}
