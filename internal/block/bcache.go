// Package block implements the buffer cache: fixed-identity buffers
// keyed by (device, sector) with per-buffer sleeping locks and lazy
// writeback.
package block

import (
	"sync/atomic"

	"github.com/behrlich/kernos/internal/klog"
	"github.com/behrlich/kernos/internal/sched"
	"github.com/behrlich/kernos/internal/stats"
)

// Device is the block-device side of the cache: a named device that can
// fill a buffer from disk and push a buffer back out. Both calls may
// sleep the current task until the transfer completes.
type Device interface {
	Name() string
	BlockSize() int
	ReadBlock(cur *sched.Task, b *Buffer) error
	WriteBlock(cur *sched.Task, b *Buffer) error
}

// Buffer flags.
const (
	BufferValid uint32 = 1 << iota
	BufferDirty
)

// Buffer is one cache entry. Between lock and unlock the holder has
// exclusive use of Data.
type Buffer struct {
	Dev    Device
	Sector uint32
	Data   []byte

	flags atomic.Uint32
	refs  atomic.Int32

	// lock serialises access to Data; it is the per-buffer sleeping
	// mutex, held across device I/O.
	lock sched.Mutex

	// IOWait is woken by the driver when a transfer for this buffer
	// completes.
	IOWait sched.WaitQueue
}

// Valid reports whether the buffer content matches the disk (or newer).
func (b *Buffer) Valid() bool {
	return b.flags.Load()&BufferValid != 0
}

// Dirty reports whether the buffer has unwritten modifications.
func (b *Buffer) Dirty() bool {
	return b.flags.Load()&BufferDirty != 0
}

// MarkValid flags the content as populated.
func (b *Buffer) MarkValid() {
	b.flags.Or(BufferValid)
}

// MarkDirty flags unwritten modifications. The buffer stays in cache
// until a sync pushes it out; writeback is lazy.
func (b *Buffer) MarkDirty() {
	b.flags.Or(BufferDirty)
}

// MarkSynced clears the dirty flag after a completed write.
func (b *Buffer) MarkSynced() {
	b.flags.And(^BufferDirty)
}

// Lock takes the buffer's sleeping mutex.
func (b *Buffer) Lock(cur *sched.Task) {
	b.lock.Lock(cur)
}

// Unlock releases the buffer's sleeping mutex.
func (b *Buffer) Unlock(cur *sched.Task) {
	b.lock.Unlock(cur)
}

// Refs returns the current reference count. Used by tests.
func (b *Buffer) Refs() int32 {
	return b.refs.Load()
}

type bufKey struct {
	dev    Device
	sector uint32
}

// Cache is the buffer pool. Two concurrent callers for the same
// (dev, sector) always serialise through the same buffer.
type Cache struct {
	lock    sched.Spinlock
	buffers map[bufKey]*Buffer

	metrics *stats.Metrics

	log *klog.Logger
}

// NewCache creates an empty buffer cache.
func NewCache() *Cache {
	return &Cache{
		buffers: make(map[bufKey]*Buffer),
		log:     klog.New("bcache"),
	}
}

// AttachMetrics binds the kernel counters; the cache records hits,
// misses, and block transfers.
func (c *Cache) AttachMetrics(m *stats.Metrics) {
	c.metrics = m
}

// getBuffer finds or creates the buffer for (dev, sector) and takes a
// reference.
func (c *Cache) getBuffer(dev Device, sector uint32) *Buffer {
	key := bufKey{dev: dev, sector: sector}

	c.lock.Acquire()
	b, ok := c.buffers[key]
	if !ok {
		b = &Buffer{
			Dev:    dev,
			Sector: sector,
			Data:   make([]byte, dev.BlockSize()),
		}
		c.buffers[key] = b
	}
	b.refs.Add(1)
	c.lock.Release()
	return b
}

// Bread returns the buffer for (dev, sector), locked and VALID, reading
// it from the device first if needed.
func (c *Cache) Bread(cur *sched.Task, dev Device, sector uint32) (*Buffer, error) {
	b := c.getBuffer(dev, sector)
	b.Lock(cur)

	if !b.Valid() {
		c.metrics.RecordCacheMiss()
		if err := dev.ReadBlock(cur, b); err != nil {
			b.Unlock(cur)
			c.Release(b)
			return nil, err
		}
		c.metrics.RecordBlockRead(len(b.Data))
		b.MarkValid()
	} else {
		c.metrics.RecordCacheHit()
	}
	return b, nil
}

// GetLock returns the buffer locked but without ensuring VALID. Used
// where the content is about to be overwritten wholesale.
func (c *Cache) GetLock(cur *sched.Task, dev Device, sector uint32) *Buffer {
	b := c.getBuffer(dev, sector)
	b.Lock(cur)
	return b
}

// Release drops a reference.
func (c *Cache) Release(b *Buffer) {
	b.refs.Add(-1)
}

// UnlockRelease unlocks and drops a reference.
func (c *Cache) UnlockRelease(cur *sched.Task, b *Buffer) {
	b.Unlock(cur)
	c.Release(b)
}

// Sync writes every dirty buffer of dev back through the device. A nil
// dev syncs everything.
func (c *Cache) Sync(cur *sched.Task, dev Device) error {
	// Snapshot under the cache lock; the writes themselves sleep.
	var dirty []*Buffer
	c.lock.Acquire()
	for _, b := range c.buffers {
		if dev != nil && b.Dev != dev {
			continue
		}
		if b.Dirty() {
			b.refs.Add(1)
			dirty = append(dirty, b)
		}
	}
	c.lock.Release()

	var firstErr error
	for _, b := range dirty {
		b.Lock(cur)
		if b.Dirty() {
			if err := b.Dev.WriteBlock(cur, b); err != nil {
				c.log.Errorf("writeback %s sector %d failed: %v", b.Dev.Name(), b.Sector, err)
				if firstErr == nil {
					firstErr = err
				}
			} else {
				c.metrics.RecordBlockWrite(len(b.Data))
				b.MarkSynced()
			}
		}
		b.Unlock(cur)
		c.Release(b)
	}
	return firstErr
}

// DirtyCount reports the number of dirty buffers for dev (nil for all).
// Used by tests and the /proc surface.
func (c *Cache) DirtyCount(dev Device) int {
	count := 0
	c.lock.Acquire()
	for _, b := range c.buffers {
		if dev != nil && b.Dev != dev {
			continue
		}
		if b.Dirty() {
			count++
		}
	}
	c.lock.Release()
	return count
}
