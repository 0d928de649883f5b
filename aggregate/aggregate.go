// Package aggregate implements the reductions: Count, Sum, Average, Min,
// Max over the values the merged reader (package merge) visits for a
// column, across one row or a whole range scan.
package aggregate

import (
	"bytes"
	"strconv"

	"github.com/pkg/errors"

	"github.com/riftlab/rbstore/merge"
)

// ErrNotNumeric is the per-column result of Sum or Average encountering a
// value that does not parse as a decimal number. This matches
// original_source/src/aggregation.rs's AggregationResult::Error rather
// than silently skipping the value.
var ErrNotNumeric = errors.New("aggregate: value is not numeric")

// Kind identifies one reduction.
type Kind int

const (
	Count Kind = iota
	Sum
	Average
	Min
	Max
)

// Result is one column's reduced value. Exactly the field matching Kind
// is meaningful unless Err is set.
type Result struct {
	Kind   Kind
	Err    error
	Count  uint64
	Number float64
	Bytes  []byte
}

// Set maps column -> Kind, grounded on
// original_source/src/aggregation.rs's AggregationSet.
type Set struct {
	Kinds map[string]Kind
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{Kinds: make(map[string]Kind)}
}

// With attaches kind to column.
func (s *Set) With(column []byte, kind Kind) *Set {
	s.Kinds[string(column)] = kind
	return s
}

type accumulator struct {
	kind         Kind
	count        uint64
	sum          float64
	numericCount uint64
	notNumeric   bool
	min, max     []byte
}

func (a *accumulator) add(value []byte) {
	a.count++
	switch a.kind {
	case Min:
		if a.min == nil || bytes.Compare(value, a.min) < 0 {
			a.min = value
		}
	case Max:
		if a.max == nil || bytes.Compare(value, a.max) > 0 {
			a.max = value
		}
	case Sum, Average:
		f, err := strconv.ParseFloat(string(value), 64)
		if err != nil {
			a.notNumeric = true
			return
		}
		a.sum += f
		a.numericCount++
	}
}

func (a *accumulator) result() Result {
	r := Result{Kind: a.kind}
	switch a.kind {
	case Count:
		r.Count = a.count
	case Sum:
		if a.notNumeric {
			r.Err = ErrNotNumeric
			return r
		}
		r.Number = a.sum
	case Average:
		if a.notNumeric {
			r.Err = ErrNotNumeric
			return r
		}
		if a.numericCount > 0 {
			r.Number = a.sum / float64(a.numericCount)
		}
	case Min:
		r.Bytes = a.min
	case Max:
		r.Bytes = a.max
	}
	return r
}

// Apply reduces one row's resolved columns into column -> Result. Every
// version of a configured column feeds the reduction, not just the
// latest: an Average over three separate puts on one column folds all
// three.
func (s *Set) Apply(columns []merge.ColumnVersions) map[string]Result {
	accs := s.newAccumulators()
	for _, cv := range columns {
		acc, ok := accs[string(cv.Column)]
		if !ok {
			continue
		}
		for _, version := range cv.Versions {
			acc.add(version.Value)
		}
	}
	return finalize(accs)
}

// ApplyRows reduces every row of a range scan into one column -> Result
// mapping, combining values across all visited rows.
func (s *Set) ApplyRows(rows []merge.RowVersions) map[string]Result {
	accs := s.newAccumulators()
	for _, rv := range rows {
		for _, cv := range rv.Columns {
			acc, ok := accs[string(cv.Column)]
			if !ok {
				continue
			}
			for _, version := range cv.Versions {
				acc.add(version.Value)
			}
		}
	}
	return finalize(accs)
}

func (s *Set) newAccumulators() map[string]*accumulator {
	accs := make(map[string]*accumulator, len(s.Kinds))
	for col, kind := range s.Kinds {
		accs[col] = &accumulator{kind: kind}
	}
	return accs
}

func finalize(accs map[string]*accumulator) map[string]Result {
	out := make(map[string]Result, len(accs))
	for col, acc := range accs {
		out[col] = acc.result()
	}
	return out
}
