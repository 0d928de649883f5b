// Package filter implements the predicate tree: value-level tests applied
// to the versions the merged reader (package merge) has already resolved.
// Filters never see keys, only values.
package filter

import (
	"bytes"
	"regexp"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/riftlab/rbstore/cell"
	"github.com/riftlab/rbstore/merge"
	"github.com/riftlab/rbstore/rberrors"
)

// Filter is one predicate in the tree. Matches is evaluated against a
// cell's value, never its row or column.
type Filter interface {
	Matches(value []byte) bool
}

// Equal matches values byte-equal to Value.
type Equal struct{ Value []byte }

func (f Equal) Matches(v []byte) bool { return bytes.Equal(v, f.Value) }

// NotEqual matches values not byte-equal to Value.
type NotEqual struct{ Value []byte }

func (f NotEqual) Matches(v []byte) bool { return !bytes.Equal(v, f.Value) }

// GreaterThan matches values that sort lexicographically after Value.
type GreaterThan struct{ Value []byte }

func (f GreaterThan) Matches(v []byte) bool { return bytes.Compare(v, f.Value) > 0 }

// GreaterThanOrEqual matches values that sort at or after Value.
type GreaterThanOrEqual struct{ Value []byte }

func (f GreaterThanOrEqual) Matches(v []byte) bool { return bytes.Compare(v, f.Value) >= 0 }

// LessThan matches values that sort lexicographically before Value.
type LessThan struct{ Value []byte }

func (f LessThan) Matches(v []byte) bool { return bytes.Compare(v, f.Value) < 0 }

// LessThanOrEqual matches values that sort at or before Value.
type LessThanOrEqual struct{ Value []byte }

func (f LessThanOrEqual) Matches(v []byte) bool { return bytes.Compare(v, f.Value) <= 0 }

// Contains matches values holding Substr anywhere.
type Contains struct{ Substr []byte }

func (f Contains) Matches(v []byte) bool { return bytes.Contains(v, f.Substr) }

// StartsWith matches values with the given prefix.
type StartsWith struct{ Prefix []byte }

func (f StartsWith) Matches(v []byte) bool { return bytes.HasPrefix(v, f.Prefix) }

// EndsWith matches values with the given suffix.
type EndsWith struct{ Suffix []byte }

func (f EndsWith) Matches(v []byte) bool { return bytes.HasSuffix(v, f.Suffix) }

// Regex matches values against a compiled pattern when they are valid
// UTF-8; non-UTF-8 values never match.
type Regex struct {
	re *regexp.Regexp
}

// NewRegex compiles pattern. A malformed pattern is an InvalidArgument
// error.
func NewRegex(pattern string) (*Regex, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.Wrapf(rberrors.ErrInvalidArgument, "filter: bad regex %q: %v", pattern, err)
	}
	return &Regex{re: re}, nil
}

func (f *Regex) Matches(v []byte) bool {
	if !utf8.Valid(v) {
		return false
	}
	return f.re.Match(v)
}

// And matches when every sub-filter matches.
type And struct{ Filters []Filter }

func (f And) Matches(v []byte) bool {
	for _, sub := range f.Filters {
		if !sub.Matches(v) {
			return false
		}
	}
	return true
}

// Or matches when any sub-filter matches.
type Or struct{ Filters []Filter }

func (f Or) Matches(v []byte) bool {
	for _, sub := range f.Filters {
		if sub.Matches(v) {
			return true
		}
	}
	return false
}

// Not inverts its inner filter.
type Not struct{ Inner Filter }

func (f Not) Matches(v []byte) bool { return !f.Inner.Matches(v) }

// Set maps column -> Filter and carries the optional timestamp bounds and
// a version cap. It is applied to a merged reader's output; columns
// absent from Filters pass through unchanged.
type Set struct {
	Filters     map[string]Filter
	MinTS       *uint64
	MaxTS       *uint64
	MaxVersions int
}

// NewSet returns an empty Set ready for WithFilter/WithTimeRange calls.
func NewSet() *Set {
	return &Set{Filters: make(map[string]Filter)}
}

// WithFilter attaches a predicate to column.
func (s *Set) WithFilter(column []byte, f Filter) *Set {
	s.Filters[string(column)] = f
	return s
}

// WithTimeRange sets the inclusive timestamp bounds; either may be nil.
func (s *Set) WithTimeRange(minTS, maxTS *uint64) *Set {
	s.MinTS, s.MaxTS = minTS, maxTS
	return s
}

// WithMaxVersions caps the number of versions kept per column after
// filtering. n <= 0 means unlimited.
func (s *Set) WithMaxVersions(n int) *Set {
	s.MaxVersions = n
	return s
}

// Apply filters one row's resolved columns: time bounds first, then the
// per-column predicate (if any), then the max_versions cap. Columns left
// with no versions are dropped from the result.
func (s *Set) Apply(columns []merge.ColumnVersions) []merge.ColumnVersions {
	var out []merge.ColumnVersions
	for _, cv := range columns {
		versions := cv.Versions
		if s.MinTS != nil || s.MaxTS != nil {
			versions = inTimeRange(versions, s.MinTS, s.MaxTS)
		}
		if f, ok := s.Filters[string(cv.Column)]; ok {
			versions = matching(versions, f)
		}
		if s.MaxVersions > 0 && len(versions) > s.MaxVersions {
			versions = versions[:s.MaxVersions]
		}
		if len(versions) > 0 {
			out = append(out, merge.ColumnVersions{Column: cv.Column, Versions: versions})
		}
	}
	return out
}

// ApplyRows applies Apply to every row of a range scan, dropping rows left
// with no columns.
func (s *Set) ApplyRows(rows []merge.RowVersions) []merge.RowVersions {
	var out []merge.RowVersions
	for _, rv := range rows {
		if cols := s.Apply(rv.Columns); len(cols) > 0 {
			out = append(out, merge.RowVersions{Row: rv.Row, Columns: cols})
		}
	}
	return out
}

func inTimeRange(versions []*cell.Cell, minTS, maxTS *uint64) []*cell.Cell {
	var out []*cell.Cell
	for _, v := range versions {
		if minTS != nil && v.Timestamp < *minTS {
			continue
		}
		if maxTS != nil && v.Timestamp > *maxTS {
			continue
		}
		out = append(out, v)
	}
	return out
}

func matching(versions []*cell.Cell, f Filter) []*cell.Cell {
	var out []*cell.Cell
	for _, v := range versions {
		if f.Matches(v.Value) {
			out = append(out, v)
		}
	}
	return out
}
