package hdd_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/kernos/backend"
	"github.com/behrlich/kernos/internal/block"
	"github.com/behrlich/kernos/internal/hdd"
	"github.com/behrlich/kernos/internal/irq"
	"github.com/behrlich/kernos/internal/sched"
)

func newMachine(t *testing.T) (*sched.Scheduler, *irq.Controller) {
	t.Helper()
	s := sched.New()
	s.Start()
	t.Cleanup(s.Stop)
	return s, irq.New(s)
}

func runTask(t *testing.T, s *sched.Scheduler, fn func(cur *sched.Task)) {
	t.Helper()
	task := s.NewKernelTask("io", fn)
	select {
	case <-task.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("I/O task did not finish")
	}
}

func TestIdentify(t *testing.T) {
	s, c := newMachine(t)

	store := backend.NewMemory(8 << 20)
	drive, err := hdd.New(s, c, hdd.Config{Name: "hda", BlockSize: 1024, Store: store})
	require.NoError(t, err)
	t.Cleanup(func() { drive.Close() })

	ident := drive.Identity()
	assert.Equal(t, uint32((8<<20)/512), ident.SectorCount)
	assert.False(t, ident.DMA, "PIO engine")
	assert.Equal(t, "hda", drive.Name())
	assert.Equal(t, 1024, drive.BlockSize())
}

func TestReadWriteThroughQueue(t *testing.T) {
	s, c := newMachine(t)

	store := backend.NewMemory(1 << 20)
	drive, err := hdd.New(s, c, hdd.Config{Name: "hda", BlockSize: 1024, Store: store})
	require.NoError(t, err)
	t.Cleanup(func() { drive.Close() })

	cache := block.NewCache()

	runTask(t, s, func(cur *sched.Task) {
		// Write a pattern through the cache and push it out.
		b := cache.GetLock(cur, drive, 12)
		copy(b.Data, "queued write")
		b.MarkValid()
		b.MarkDirty()
		cache.UnlockRelease(cur, b)

		if !assert.NoError(t, cache.Sync(cur, drive)) {
			return
		}
	})

	// The bytes landed in the backing store at the right offset.
	got := make([]byte, 12)
	_, err = store.ReadAt(got, 12*1024)
	require.NoError(t, err)
	assert.Equal(t, "queued write", string(got))

	// And read back through the interrupt-driven path into a fresh
	// cache entry.
	cache2 := block.NewCache()
	runTask(t, s, func(cur *sched.Task) {
		b, err := cache2.Bread(cur, drive, 12)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, "queued write", string(b.Data[:12]))
		cache2.UnlockRelease(cur, b)
	})
}

func TestQueueServesManyRequests(t *testing.T) {
	s, c := newMachine(t)

	store := backend.NewMemory(1 << 20)
	drive, err := hdd.New(s, c, hdd.Config{Name: "hda", BlockSize: 1024, Store: store})
	require.NoError(t, err)
	t.Cleanup(func() { drive.Close() })

	cache := block.NewCache()

	runTask(t, s, func(cur *sched.Task) {
		for sector := uint32(0); sector < 32; sector++ {
			b := cache.GetLock(cur, drive, sector)
			b.Data[0] = byte(sector)
			b.MarkValid()
			b.MarkDirty()
			cache.UnlockRelease(cur, b)
		}
		assert.NoError(t, cache.Sync(cur, drive))
	})

	for sector := uint32(0); sector < 32; sector++ {
		got := make([]byte, 1)
		_, err := store.ReadAt(got, int64(sector)*1024)
		require.NoError(t, err)
		assert.Equal(t, byte(sector), got[0], "sector %d", sector)
	}
}

func TestSharedIRQLineTwoDrives(t *testing.T) {
	s, c := newMachine(t)

	master, err := hdd.New(s, c, hdd.Config{Name: "hda", BlockSize: 1024, Store: backend.NewMemory(1 << 20)})
	require.NoError(t, err)
	t.Cleanup(func() { master.Close() })

	// The second drive shares IRQ 14; its registration must not be
	// refused.
	slave, err := hdd.New(s, c, hdd.Config{Name: "hdb", BlockSize: 1024, Store: backend.NewMemory(1 << 20)})
	require.NoError(t, err)
	t.Cleanup(func() { slave.Close() })

	cache := block.NewCache()
	runTask(t, s, func(cur *sched.Task) {
		for _, drive := range []*hdd.Drive{master, slave} {
			b := cache.GetLock(cur, drive, 1)
			copy(b.Data, drive.Name())
			b.MarkValid()
			b.MarkDirty()
			cache.UnlockRelease(cur, b)
		}
		assert.NoError(t, cache.Sync(cur, master))
		assert.NoError(t, cache.Sync(cur, slave))
	})

	runTask(t, s, func(cur *sched.Task) {
		cache2 := block.NewCache()
		for _, drive := range []*hdd.Drive{master, slave} {
			b, err := cache2.Bread(cur, drive, 1)
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, drive.Name(), string(b.Data[:3]))
			cache2.UnlockRelease(cur, b)
		}
	})
}

func TestConcurrentReaders(t *testing.T) {
	s, c := newMachine(t)

	store := backend.NewMemory(1 << 20)
	for i := 0; i < 64; i++ {
		buf := []byte{byte(i)}
		_, err := store.WriteAt(buf, int64(i)*1024)
		require.NoError(t, err)
	}

	drive, err := hdd.New(s, c, hdd.Config{Name: "hda", BlockSize: 1024, Store: store})
	require.NoError(t, err)
	t.Cleanup(func() { drive.Close() })

	cache := block.NewCache()

	var tasks []*sched.Task
	for n := 0; n < 4; n++ {
		base := uint32(n * 16)
		tasks = append(tasks, s.NewKernelTask("reader", func(cur *sched.Task) {
			for sector := base; sector < base+16; sector++ {
				b, err := cache.Bread(cur, drive, sector)
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, byte(sector), b.Data[0])
				cache.UnlockRelease(cur, b)
			}
		}))
	}

	for _, task := range tasks {
		select {
		case <-task.Done():
		case <-time.After(10 * time.Second):
			t.Fatal("reader did not finish")
		}
	}
}
