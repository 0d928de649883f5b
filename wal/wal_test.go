package wal

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftlab/rbstore/cell"
)

func tempWAL(t *testing.T) (*WAL, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")
	w, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, path
}

func TestAppendAndReplay(t *testing.T) {
	w, _ := tempWAL(t)

	cells := []*cell.Cell{
		cell.New([]byte("r"), []byte("c"), 1, []byte("v1")),
		cell.New([]byte("r"), []byte("c"), 2, []byte("v2")),
	}
	for _, c := range cells {
		require.NoError(t, w.Append(c))
	}

	got, end, err := w.Replay()
	require.NoError(t, err)
	assert.Equal(t, cells, got)
	assert.Equal(t, w.Size(), end)
}

func TestReplayStopsAtCorruptTail(t *testing.T) {
	w, path := tempWAL(t)
	good := cell.New([]byte("r"), []byte("c"), 1, []byte("v1"))
	require.NoError(t, w.Append(good))
	validSize := w.Size()

	// Append a second record, then corrupt its CRC on disk directly —
	// simulating a crash mid-fsync of an otherwise well-formed entry.
	require.NoError(t, w.Append(cell.New([]byte("r"), []byte("c"), 2, []byte("v2"))))
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	// Flip the last CRC byte.
	info, err := f.Stat()
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, info.Size()-1)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := Open(path, nil)
	require.NoError(t, err)
	defer w2.Close()

	got, end, err := w2.Replay()
	require.NoError(t, err)
	assert.Equal(t, []*cell.Cell{good}, got)
	assert.Equal(t, validSize, end)
}

func TestReplayStopsAtTruncatedLengthPrefix(t *testing.T) {
	w, path := tempWAL(t)
	good := cell.New([]byte("r"), []byte("c"), 1, []byte("v1"))
	require.NoError(t, w.Append(good))
	validSize := w.Size()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	require.NoError(t, err)
	// A partial length prefix: only 2 of the 4 bytes.
	_, err = f.Write([]byte{0x00, 0x00})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := Open(path, nil)
	require.NoError(t, err)
	defer w2.Close()

	got, end, err := w2.Replay()
	require.NoError(t, err)
	assert.Equal(t, []*cell.Cell{good}, got)
	assert.Equal(t, validSize, end)
}

func TestTruncate(t *testing.T) {
	w, _ := tempWAL(t)
	require.NoError(t, w.Append(cell.New([]byte("r"), []byte("c"), 1, []byte("v1"))))
	require.NoError(t, w.Truncate(0))
	assert.Equal(t, int64(0), w.Size())

	got, end, err := w.Replay()
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, int64(0), end)
}

func TestAppendBatchSingleFsync(t *testing.T) {
	w, _ := tempWAL(t)
	cells := []*cell.Cell{
		cell.New([]byte("r1"), []byte("c"), 1, []byte("a")),
		cell.New([]byte("r2"), []byte("c"), 2, []byte("b")),
		cell.New([]byte("r3"), []byte("c"), 3, []byte("c")),
	}
	require.NoError(t, w.AppendBatch(cells))

	got, _, err := w.Replay()
	require.NoError(t, err)
	assert.Equal(t, cells, got)
}

// TestRecordFraming is a sanity check on the on-disk wire framing.
func TestRecordFraming(t *testing.T) {
	w, path := tempWAL(t)
	c := cell.New([]byte("r"), []byte("c"), 1, []byte("v"))
	require.NoError(t, w.Append(c))
	w.Close()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	payloadLen := binary.BigEndian.Uint32(raw[:4])
	assert.Equal(t, uint32(cell.EncodedSize(c)), payloadLen)
	assert.Equal(t, int(4+payloadLen+4), len(raw))

	var payload bytes.Buffer
	require.NoError(t, cell.Encode(&payload, c))
	assert.Equal(t, payload.Bytes(), raw[4:4+payloadLen])
}
