package merge

import (
	"bytes"

	"github.com/riftlab/rbstore/cell"
)

// ColumnVersions is one column's resolved version list, newest first.
type ColumnVersions struct {
	Column   []byte
	Versions []*cell.Cell
}

// Get returns the latest live version of (row, column), or nil if the
// column is absent or shadowed by a tombstone.
func Get(sources []Source, row, column []byte) (*cell.Cell, error) {
	versions, err := GetVersions(sources, row, column, 1)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, nil
	}
	return versions[0], nil
}

// GetVersions returns up to n latest live versions of (row, column),
// newest first. n <= 0 means unlimited.
func GetVersions(sources []Source, row, column []byte, n int) ([]*cell.Cell, error) {
	groups := NewColumnGroupIterator(NewMerger(sources))
	for {
		r, c, versions, ok := groups.Next()
		if !ok {
			return nil, groups.Err()
		}
		if !bytes.Equal(r, row) {
			if bytes.Compare(r, row) > 0 {
				// Total order is ascending by row; once we've passed the
				// target row with no match it cannot appear later.
				return nil, groups.Err()
			}
			continue
		}
		if !bytes.Equal(c, column) {
			continue
		}
		return Resolve(versions, n), groups.Err()
	}
}

// ScanRowVersions returns every live column of row, each capped at n
// versions (n <= 0 meaning unlimited), in ascending column order.
func ScanRowVersions(sources []Source, row []byte, n int) ([]ColumnVersions, error) {
	groups := NewColumnGroupIterator(NewMerger(sources))
	var out []ColumnVersions
	for {
		r, c, versions, ok := groups.Next()
		if !ok {
			return out, groups.Err()
		}
		if !bytes.Equal(r, row) {
			if bytes.Compare(r, row) > 0 {
				return out, groups.Err()
			}
			continue
		}
		if resolved := Resolve(versions, n); len(resolved) > 0 {
			out = append(out, ColumnVersions{Column: c, Versions: resolved})
		}
	}
}

// RowVersions is one row's resolved columns, produced by a range scan.
type RowVersions struct {
	Row     []byte
	Columns []ColumnVersions
}

// ScanRange streams every row in [startRow, endRow] (both inclusive) in
// ascending row order, each column capped at n versions.
func ScanRange(sources []Source, startRow, endRow []byte, n int) ([]RowVersions, error) {
	groups := NewColumnGroupIterator(NewMerger(sources))
	var out []RowVersions
	var cur *RowVersions

	flush := func() {
		if cur != nil && len(cur.Columns) > 0 {
			out = append(out, *cur)
		}
		cur = nil
	}

	for {
		r, c, versions, ok := groups.Next()
		if !ok {
			flush()
			return out, groups.Err()
		}
		if bytes.Compare(r, startRow) < 0 {
			continue
		}
		if bytes.Compare(r, endRow) > 0 {
			flush()
			return out, groups.Err()
		}
		if cur == nil || !bytes.Equal(cur.Row, r) {
			flush()
			cur = &RowVersions{Row: r}
		}
		if resolved := Resolve(versions, n); len(resolved) > 0 {
			cur.Columns = append(cur.Columns, ColumnVersions{Column: c, Versions: resolved})
		}
	}
}
