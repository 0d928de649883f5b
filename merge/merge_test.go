package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftlab/rbstore/cell"
)

type sliceIterator struct {
	cells []*cell.Cell
	pos   int
}

func newSliceIterator(cells []*cell.Cell) *sliceIterator {
	return &sliceIterator{cells: cells, pos: -1}
}

func (it *sliceIterator) Next() bool {
	it.pos++
	return it.pos < len(it.cells)
}
func (it *sliceIterator) Cell() *cell.Cell { return it.cells[it.pos] }
func (it *sliceIterator) Err() error       { return nil }
func (it *sliceIterator) Close() error     { return nil }

func val(row, col string, ts uint64, v string) *cell.Cell {
	return cell.New([]byte(row), []byte(col), ts, []byte(v))
}

func tomb(row, col string, ts uint64, ttl *uint64) *cell.Cell {
	return cell.NewTombstone([]byte(row), []byte(col), ts, ttl)
}

func TestMergerSkipsExactDuplicatesPreferringHigherPriority(t *testing.T) {
	mem := newSliceIterator([]*cell.Cell{val("r", "c", 5, "from-mem")})
	sst := newSliceIterator([]*cell.Cell{val("r", "c", 5, "from-sstable")})
	sources := []Source{{Priority: 2, Iter: mem}, {Priority: 1, Iter: sst}}

	m := NewMerger(sources)
	require.True(t, m.Next())
	assert.Equal(t, []byte("from-mem"), m.Cell().Value)
	assert.False(t, m.Next())
	require.NoError(t, m.Err())
}

func TestMergerOrdersAcrossSources(t *testing.T) {
	a := newSliceIterator([]*cell.Cell{val("r", "c", 3, "v3"), val("r", "c", 1, "v1")})
	b := newSliceIterator([]*cell.Cell{val("r", "c", 2, "v2")})
	sources := []Source{{Priority: 1, Iter: a}, {Priority: 2, Iter: b}}

	m := NewMerger(sources)
	var got []uint64
	for m.Next() {
		got = append(got, m.Cell().Timestamp)
	}
	require.NoError(t, m.Err())
	assert.Equal(t, []uint64{3, 2, 1}, got)
}

func TestColumnGroupIteratorGroupsByRowAndColumn(t *testing.T) {
	it := newSliceIterator([]*cell.Cell{
		val("r1", "c", 2, "a"),
		val("r1", "c", 1, "b"),
		val("r2", "c", 1, "x"),
	})
	groups := NewColumnGroupIterator(NewMerger([]Source{{Priority: 1, Iter: it}}))

	row, col, versions, ok := groups.Next()
	require.True(t, ok)
	assert.Equal(t, []byte("r1"), row)
	assert.Equal(t, []byte("c"), col)
	require.Len(t, versions, 2)

	_, _, versions, ok = groups.Next()
	require.True(t, ok)
	require.Len(t, versions, 1)
	assert.Equal(t, []byte("x"), versions[0].Value)

	_, _, _, ok = groups.Next()
	assert.False(t, ok)
}

func TestResolveCapsAtMaxVersions(t *testing.T) {
	versions := []*cell.Cell{
		val("r", "c", 3, "v3"),
		val("r", "c", 2, "v2"),
		val("r", "c", 1, "v1"),
	}
	out := Resolve(versions, 2)
	require.Len(t, out, 2)
	assert.Equal(t, []byte("v3"), out[0].Value)
	assert.Equal(t, []byte("v2"), out[1].Value)
}

func TestResolveTombstoneWithoutTTLShadowsEverythingOlder(t *testing.T) {
	versions := []*cell.Cell{
		tomb("r", "c", 3, nil),
		val("r", "c", 2, "v2"),
		val("r", "c", 1, "v1"),
	}
	out := Resolve(versions, 0)
	assert.Empty(t, out)
}

func TestResolveTTLTombstoneOnlyShadowsWindow(t *testing.T) {
	ttl := uint64(5)
	versions := []*cell.Cell{
		tomb("r", "c", 10, &ttl), // shadows (5, 10]
		val("r", "c", 8, "shadowed"),
		val("r", "c", 5, "visible-boundary"),
		val("r", "c", 1, "visible-old"),
	}
	out := Resolve(versions, 0)
	require.Len(t, out, 2)
	assert.Equal(t, []byte("visible-boundary"), out[0].Value)
	assert.Equal(t, []byte("visible-old"), out[1].Value)
}

func TestGetReturnsNilWhenShadowed(t *testing.T) {
	it := newSliceIterator([]*cell.Cell{
		tomb("r", "c", 2, nil),
		val("r", "c", 1, "v1"),
	})
	c, err := Get([]Source{{Priority: 1, Iter: it}}, []byte("r"), []byte("c"))
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestGetReturnsLatestLiveVersion(t *testing.T) {
	it := newSliceIterator([]*cell.Cell{
		val("r", "c", 2, "latest"),
		val("r", "c", 1, "older"),
	})
	c, err := Get([]Source{{Priority: 1, Iter: it}}, []byte("r"), []byte("c"))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, []byte("latest"), c.Value)
}

func TestScanRowVersionsCollectsAllColumnsOfOneRow(t *testing.T) {
	it := newSliceIterator([]*cell.Cell{
		val("r1", "a", 1, "1a"),
		val("r1", "b", 1, "1b"),
		val("r2", "a", 1, "2a"),
	})
	cols, err := ScanRowVersions([]Source{{Priority: 1, Iter: it}}, []byte("r1"), 0)
	require.NoError(t, err)
	require.Len(t, cols, 2)
	assert.Equal(t, []byte("a"), cols[0].Column)
	assert.Equal(t, []byte("b"), cols[1].Column)
}

func TestScanRangeCoversInclusiveBounds(t *testing.T) {
	it := newSliceIterator([]*cell.Cell{
		val("r1", "c", 1, "1"),
		val("r2", "c", 1, "2"),
		val("r3", "c", 1, "3"),
		val("r4", "c", 1, "4"),
	})
	rows, err := ScanRange([]Source{{Priority: 1, Iter: it}}, []byte("r2"), []byte("r3"), 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []byte("r2"), rows[0].Row)
	assert.Equal(t, []byte("r3"), rows[1].Row)
}

func TestSourcesFromViewPrioritizesMemStoreThenNewestSSTable(t *testing.T) {
	mem := newSliceIterator([]*cell.Cell{val("r", "c", 1, "mem")})
	newest := newSliceIterator([]*cell.Cell{val("r", "c", 1, "newest-sstable")})
	older := newSliceIterator([]*cell.Cell{val("r", "c", 1, "older-sstable")})

	sources := SourcesFromView(mem, []cell.Iterator{newest, older})
	m := NewMerger(sources)
	require.True(t, m.Next())
	assert.Equal(t, []byte("mem"), m.Cell().Value)
	assert.False(t, m.Next())
}
