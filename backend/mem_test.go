package backend_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/kernos/backend"
)

func TestMemoryReadWrite(t *testing.T) {
	m := backend.NewMemory(64 * 1024)
	assert.Equal(t, int64(64*1024), m.Size())

	data := []byte("hello world")
	n, err := m.WriteAt(data, 0)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	got := make([]byte, len(data))
	n, err = m.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, got)
}

func TestMemoryBounds(t *testing.T) {
	m := backend.NewMemory(1024)

	// Reads past the end are short or empty.
	n, err := m.ReadAt(make([]byte, 16), 2048)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = m.ReadAt(make([]byte, 64), 1000)
	require.NoError(t, err)
	assert.Equal(t, 24, n)

	// Writes past the end fail outright; straddling writes are short.
	_, err = m.WriteAt([]byte("x"), 4096)
	assert.Error(t, err)

	n, err = m.WriteAt(bytes.Repeat([]byte{1}, 64), 1000)
	require.NoError(t, err)
	assert.Equal(t, 24, n)
}

func TestMemoryCrossShardAccess(t *testing.T) {
	m := backend.NewMemory(4 * backend.ShardSize)

	payload := bytes.Repeat([]byte{0x77}, backend.ShardSize+100)
	off := int64(backend.ShardSize - 50)

	_, err := m.WriteAt(payload, off)
	require.NoError(t, err)

	got := make([]byte, len(payload))
	_, err = m.ReadAt(got, off)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestMemoryFlushAndClose(t *testing.T) {
	m := backend.NewMemory(1024)
	assert.NoError(t, m.Flush())
	assert.NoError(t, m.Close())
}

func TestMemoryCountsTransfers(t *testing.T) {
	m := backend.NewMemory(8 * 1024)

	_, err := m.WriteAt(bytes.Repeat([]byte{1}, 1024), 0)
	require.NoError(t, err)
	_, err = m.WriteAt(bytes.Repeat([]byte{2}, 512), 4096)
	require.NoError(t, err)
	_, err = m.ReadAt(make([]byte, 256), 0)
	require.NoError(t, err)

	reads, writes, readBytes, writeBytes := m.Counters()
	assert.Equal(t, uint64(1), reads)
	assert.Equal(t, uint64(2), writes)
	assert.Equal(t, uint64(256), readBytes)
	assert.Equal(t, uint64(1536), writeBytes)

	// Accesses past the end count only what actually moved.
	_, err = m.ReadAt(make([]byte, 64), 16*1024)
	require.NoError(t, err)
	reads, _, readBytes, _ = m.Counters()
	assert.Equal(t, uint64(1), reads)
	assert.Equal(t, uint64(256), readBytes)
}
