package block_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/kernos"
	"github.com/behrlich/kernos/internal/block"
	"github.com/behrlich/kernos/internal/sched"
)

func TestBreadCachesBuffer(t *testing.T) {
	cur := kernos.TestTask("test")
	cache := block.NewCache()
	dev := kernos.NewMockBlockDevice("hda", 1024, 64*1024)

	b1, err := cache.Bread(cur, dev, 3)
	require.NoError(t, err)
	assert.True(t, b1.Valid())
	cache.UnlockRelease(cur, b1)

	b2, err := cache.Bread(cur, dev, 3)
	require.NoError(t, err)
	cache.UnlockRelease(cur, b2)

	// Same (dev, sector) resolves to the same buffer, and the second
	// acquire does not touch the device again.
	assert.Same(t, b1, b2)
	assert.Equal(t, uint64(1), dev.Reads.Load())
}

func TestDirtyWritebackOnSync(t *testing.T) {
	cur := kernos.TestTask("test")
	cache := block.NewCache()
	dev := kernos.NewMockBlockDevice("hda", 1024, 64*1024)

	b, err := cache.Bread(cur, dev, 7)
	require.NoError(t, err)
	copy(b.Data, "dirty content")
	b.MarkDirty()
	cache.UnlockRelease(cur, b)

	// Writeback is lazy: nothing reaches the device until a sync.
	assert.Equal(t, uint64(0), dev.Writes.Load())
	assert.Equal(t, 1, cache.DirtyCount(dev))

	require.NoError(t, cache.Sync(cur, dev))
	assert.Equal(t, uint64(1), dev.Writes.Load())
	assert.Equal(t, 0, cache.DirtyCount(dev))

	// The content round-trips through the device.
	b2, err := cache.Bread(cur, dev, 7)
	require.NoError(t, err)
	assert.Equal(t, "dirty content", string(b2.Data[:13]))
	cache.UnlockRelease(cur, b2)
}

func TestGetLockSkipsRead(t *testing.T) {
	cur := kernos.TestTask("test")
	cache := block.NewCache()
	dev := kernos.NewMockBlockDevice("hda", 1024, 64*1024)

	b := cache.GetLock(cur, dev, 9)
	assert.False(t, b.Valid())
	assert.Equal(t, uint64(0), dev.Reads.Load())

	for i := range b.Data {
		b.Data[i] = 0xEE
	}
	b.MarkValid()
	b.MarkDirty()
	cache.UnlockRelease(cur, b)

	// A later bread sees the overwritten content without a device read.
	b2, err := cache.Bread(cur, dev, 9)
	require.NoError(t, err)
	assert.Equal(t, byte(0xEE), b2.Data[0])
	assert.Equal(t, uint64(0), dev.Reads.Load())
	cache.UnlockRelease(cur, b2)
}

func TestReadErrorPropagates(t *testing.T) {
	cur := kernos.TestTask("test")
	cache := block.NewCache()
	dev := kernos.NewMockBlockDevice("hda", 1024, 64*1024)
	dev.FailReads.Store(true)

	_, err := cache.Bread(cur, dev, 1)
	assert.Error(t, err)
}

func TestBufferLockSerialisesHolders(t *testing.T) {
	s := sched.New()
	s.Start()
	t.Cleanup(s.Stop)

	cache := block.NewCache()
	dev := kernos.NewMockBlockDevice("hda", 1024, 64*1024)

	holders := 0
	maxHolders := 0
	var tasks []*sched.Task

	for i := 0; i < 3; i++ {
		tasks = append(tasks, s.NewKernelTask("writer", func(cur *sched.Task) {
			for n := 0; n < 50; n++ {
				b, err := cache.Bread(cur, dev, 5)
				if !assert.NoError(t, err) {
					return
				}
				holders++
				if holders > maxHolders {
					maxHolders = holders
				}
				s.Yield(cur)
				holders--
				cache.UnlockRelease(cur, b)
			}
		}))
	}

	for _, task := range tasks {
		<-task.Done()
	}

	assert.Equal(t, 1, maxHolders, "at most one task holds a buffer lock")
}
