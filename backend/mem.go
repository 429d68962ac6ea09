// Package backend provides the storage implementations disk drives sit
// on top of: RAM-backed for tests and fast scratch disks, file-backed
// for persistent images. Both keep transfer counters that the drive
// layer surfaces through /proc/devices.
package backend

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ShardSize is the size of each memory shard (64KB). Sharded locking
// keeps 4K random I/O parallel while keeping lock overhead reasonable.
const ShardSize = 64 * 1024

// transferCounters tracks a store's lifetime traffic.
type transferCounters struct {
	reads      atomic.Uint64
	writes     atomic.Uint64
	readBytes  atomic.Uint64
	writeBytes atomic.Uint64
}

func (c *transferCounters) recordRead(n int) {
	c.reads.Add(1)
	c.readBytes.Add(uint64(n))
}

func (c *transferCounters) recordWrite(n int) {
	c.writes.Add(1)
	c.writeBytes.Add(uint64(n))
}

func (c *transferCounters) snapshot() (reads, writes, readBytes, writeBytes uint64) {
	return c.reads.Load(), c.writes.Load(), c.readBytes.Load(), c.writeBytes.Load()
}

// Memory provides a RAM-based store.
type Memory struct {
	data   []byte
	size   int64
	shards []sync.RWMutex

	counters transferCounters
}

// NewMemory creates a new memory store of the specified size.
func NewMemory(size int64) *Memory {
	numShards := (size + ShardSize - 1) / ShardSize
	return &Memory{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
	}
}

// clampLen trims an access at off to the store's end, returning the
// usable length (zero when off is past the end).
func (m *Memory) clampLen(off int64, want int) int {
	if off >= m.size {
		return 0
	}
	if off+int64(want) > m.size {
		want = int(m.size - off)
	}
	return want
}

// forEachShard walks [off, off+length) one shard at a time, handing fn
// the shard index and the absolute range inside it. Holding only one
// shard lock at a time keeps a transfer spanning many shards from
// stalling unrelated I/O behind it.
func (m *Memory) forEachShard(off int64, length int, fn func(shard int, lo, hi int64)) {
	end := off + int64(length)
	for lo := off; lo < end; {
		shard := int(lo / ShardSize)
		hi := (lo/ShardSize + 1) * ShardSize
		if hi > end {
			hi = end
		}
		fn(shard, lo, hi)
		lo = hi
	}
}

// ReadAt implements the Store interface. Reads past the end are short.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	n := m.clampLen(off, len(p))
	if n == 0 {
		return 0, nil
	}

	m.forEachShard(off, n, func(shard int, lo, hi int64) {
		m.shards[shard].RLock()
		copy(p[lo-off:hi-off], m.data[lo:hi])
		m.shards[shard].RUnlock()
	})

	m.counters.recordRead(n)
	return n, nil
}

// WriteAt implements the Store interface. Writes past the end fail;
// writes straddling it are short.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, fmt.Errorf("write beyond end of device")
	}
	n := m.clampLen(off, len(p))

	m.forEachShard(off, n, func(shard int, lo, hi int64) {
		m.shards[shard].Lock()
		copy(m.data[lo:hi], p[lo-off:hi-off])
		m.shards[shard].Unlock()
	})

	m.counters.recordWrite(n)
	return n, nil
}

// Size implements the Store interface.
func (m *Memory) Size() int64 {
	return m.size
}

// Flush implements the Store interface. Memory needs no flushing.
func (m *Memory) Flush() error {
	return nil
}

// Close implements the Store interface.
func (m *Memory) Close() error {
	m.data = nil
	return nil
}

// Counters reports the store's lifetime transfer totals.
func (m *Memory) Counters() (reads, writes, readBytes, writeBytes uint64) {
	return m.counters.snapshot()
}
