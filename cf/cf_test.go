package cf

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftlab/rbstore/aggregate"
	"github.com/riftlab/rbstore/batch"
	"github.com/riftlab/rbstore/compact"
	"github.com/riftlab/rbstore/filter"
)

// fakeClock hands out strictly increasing millisecond timestamps so tests
// never depend on the wall clock advancing between two calls issued back
// to back.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.UnixMilli(1_000_000)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func openEngine(t *testing.T, opts *Options) *Engine {
	t.Helper()
	dir := t.TempDir()
	if opts == nil {
		opts = NewDefaultOptions()
		opts.Clock = newFakeClock().now
	}
	if opts.Clock == nil {
		opts.Clock = newFakeClock().now
	}
	opts.CompactionInterval = 0 // tests drive compaction explicitly
	e, err := Open(dir, opts, nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestPutReturnsLatestVersionFirst(t *testing.T) {
	e := openEngine(t, nil)

	require.NoError(t, e.Put([]byte("r"), []byte("c"), []byte("v1")))
	require.NoError(t, e.Put([]byte("r"), []byte("c"), []byte("v2")))
	require.NoError(t, e.Put([]byte("r"), []byte("c"), []byte("v3")))

	got, err := e.Get([]byte("r"), []byte("c"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("v3"), got.Value)

	versions, err := e.GetVersions([]byte("r"), []byte("c"), 10)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, []byte("v3"), versions[0].Value)
	assert.Equal(t, []byte("v2"), versions[1].Value)
	assert.Equal(t, []byte("v1"), versions[2].Value)
}

// A tombstone hides history, and a major compaction with
// cleanup_tombstones permanently removes the shadowed value.
func TestMajorCompactionWithCleanupDropsShadowedTombstone(t *testing.T) {
	e := openEngine(t, nil)

	require.NoError(t, e.Put([]byte("r"), []byte("c"), []byte("v1")))
	require.NoError(t, e.Delete([]byte("r"), []byte("c")))

	got, err := e.Get([]byte("r"), []byte("c"))
	require.NoError(t, err)
	assert.Nil(t, got)

	versions, err := e.GetVersions([]byte("r"), []byte("c"), 10)
	require.NoError(t, err)
	assert.Empty(t, versions)

	require.NoError(t, e.Flush())
	opts := compact.DefaultOptions()
	opts.Type = compact.Major
	opts.CleanupTombstones = true
	require.NoError(t, e.CompactWithOptions(opts))

	versions, err = e.GetVersions([]byte("r"), []byte("c"), 10)
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestFlushThenWriteMemstoreWinsOverSSTable(t *testing.T) {
	e := openEngine(t, nil)

	require.NoError(t, e.Put([]byte("r1"), []byte("c"), []byte("a")))
	require.NoError(t, e.Flush())
	require.NoError(t, e.Put([]byte("r1"), []byte("c"), []byte("b")))

	got, err := e.Get([]byte("r1"), []byte("c"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("b"), got.Value)

	versions, err := e.GetVersions([]byte("r1"), []byte("c"), 10)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, []byte("b"), versions[0].Value)
	assert.Equal(t, []byte("a"), versions[1].Value)
}

func TestScanWithGreaterThanFilterExcludesLowerValues(t *testing.T) {
	e := openEngine(t, nil)

	require.NoError(t, e.Put([]byte("r"), []byte("age"), []byte("30")))
	require.NoError(t, e.Put([]byte("r"), []byte("age"), []byte("40")))
	require.NoError(t, e.Put([]byte("r"), []byte("age"), []byte("25")))

	gt27, err := filter.NewRegex(`^\d+$`) // sanity-check Regex compiles too
	require.NoError(t, err)
	_ = gt27

	fs := filter.NewSet().WithFilter([]byte("age"), filter.GreaterThan{Value: []byte("27")})
	cols, err := e.ScanRowWithFilter([]byte("r"), fs)
	require.NoError(t, err)
	require.Len(t, cols, 1)
	assert.Equal(t, []byte("age"), cols[0].Column)
	require.Len(t, cols[0].Versions, 2)
	assert.Equal(t, []byte("40"), cols[0].Versions[0].Value)
	assert.Equal(t, []byte("30"), cols[0].Versions[1].Value)
}

func TestAverageFoldsEveryPutVersion(t *testing.T) {
	e := openEngine(t, nil)

	require.NoError(t, e.Put([]byte("r"), []byte("x"), []byte("10")))
	require.NoError(t, e.Put([]byte("r"), []byte("x"), []byte("20")))
	require.NoError(t, e.Put([]byte("r"), []byte("x"), []byte("30")))

	as := aggregate.NewSet().With([]byte("x"), aggregate.Average)
	res, err := e.Aggregate([]byte("r"), nil, as)
	require.NoError(t, err)
	require.Contains(t, res, "x")
	assert.InDelta(t, 20.0, res["x"].Number, 0.001)

	as = aggregate.NewSet().With([]byte("x"), aggregate.Count)
	res, err = e.Aggregate([]byte("r"), nil, as)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res["x"].Count)
}

// Writes that were WAL-acked but never flushed must survive a
// close-without-flush followed by reopen.
func TestReopenAfterCloseWithoutFlushReplaysWAL(t *testing.T) {
	dir := t.TempDir()
	fc := newFakeClock()
	opts := &Options{FlushThreshold: 10_000, CompactionInterval: 0, DefaultCompaction: compact.DefaultOptions(), Clock: fc.now}

	e1, err := Open(dir, opts, nil)
	require.NoError(t, err)

	require.NoError(t, e1.Put([]byte("r"), []byte("c"), []byte("v1")))
	require.NoError(t, e1.Put([]byte("r"), []byte("c"), []byte("v2")))

	// Close without flushing: simulates the process dying after the WAL
	// fsync'd both writes but before any flush ran.
	require.NoError(t, e1.Close())

	opts2 := &Options{FlushThreshold: 10_000, CompactionInterval: 0, DefaultCompaction: compact.DefaultOptions(), Clock: fc.now}
	e2, err := Open(dir, opts2, nil)
	require.NoError(t, err)
	defer e2.Close()

	got, err := e2.Get([]byte("r"), []byte("c"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("v2"), got.Value)
}

// Invariant 9: concurrent writers and readers never corrupt state or race.
func TestConcurrentWritersAndReadersDoNotRace(t *testing.T) {
	e := openEngine(t, nil)

	const writers = 8
	const writesPerWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			row := []byte(fmt.Sprintf("row-%d", w))
			for i := 0; i < writesPerWriter; i++ {
				_ = e.Put(row, []byte("c"), []byte(fmt.Sprintf("v%d", i)))
			}
		}(w)
	}

	stop := make(chan struct{})
	var readerWg sync.WaitGroup
	for r := 0; r < 4; r++ {
		readerWg.Add(1)
		go func(r int) {
			defer readerWg.Done()
			row := []byte(fmt.Sprintf("row-%d", r%writers))
			for {
				select {
				case <-stop:
					return
				default:
					_, _ = e.Get(row, []byte("c"))
				}
			}
		}(r)
	}

	wg.Wait()
	close(stop)
	readerWg.Wait()

	for w := 0; w < writers; w++ {
		row := []byte(fmt.Sprintf("row-%d", w))
		got, err := e.Get(row, []byte("c"))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, []byte(fmt.Sprintf("v%d", writesPerWriter-1)), got.Value)
	}
}

func TestFlushOfEmptyMemStoreIsNoOp(t *testing.T) {
	e := openEngine(t, nil)
	require.NoError(t, e.Flush())
	assert.Equal(t, 0, e.Stats().SSTableCount)
}

func TestExecuteBatchAppliesAllOpsWithOneFsync(t *testing.T) {
	e := openEngine(t, nil)

	b := batch.New().
		Put([]byte("r"), []byte("a"), []byte("1")).
		Put([]byte("r"), []byte("b"), []byte("2")).
		Delete([]byte("r"), []byte("a"))

	require.NoError(t, e.ExecuteBatch(b))

	got, err := e.Get([]byte("r"), []byte("a"))
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = e.Get([]byte("r"), []byte("b"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("2"), got.Value)
}
