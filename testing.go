package kernos

import (
	"sync/atomic"

	"github.com/behrlich/kernos/backend"
	"github.com/behrlich/kernos/internal/block"
	"github.com/behrlich/kernos/internal/sched"
)

// MockBlockDevice is a synchronous block device over a memory store,
// with error injection and operation counters. Filesystem tests use it
// to avoid standing up the interrupt-driven drive path.
type MockBlockDevice struct {
	name      string
	blockSize int
	store     *backend.Memory

	FailReads  atomic.Bool
	FailWrites atomic.Bool

	Reads  atomic.Uint64
	Writes atomic.Uint64
}

// NewMockBlockDevice creates a mock device of size bytes.
func NewMockBlockDevice(name string, blockSize int, size int64) *MockBlockDevice {
	return &MockBlockDevice{
		name:      name,
		blockSize: blockSize,
		store:     backend.NewMemory(size),
	}
}

// Name implements block.Device.
func (m *MockBlockDevice) Name() string { return m.name }

// BlockSize implements block.Device.
func (m *MockBlockDevice) BlockSize() int { return m.blockSize }

// Size returns the device capacity in bytes.
func (m *MockBlockDevice) Size() int64 { return m.store.Size() }

// ReadBlock implements block.Device, completing inline.
func (m *MockBlockDevice) ReadBlock(_ *sched.Task, b *block.Buffer) error {
	m.Reads.Add(1)
	if m.FailReads.Load() {
		return EIO
	}
	_, err := m.store.ReadAt(b.Data, int64(b.Sector)*int64(m.blockSize))
	return err
}

// WriteBlock implements block.Device, completing inline.
func (m *MockBlockDevice) WriteBlock(_ *sched.Task, b *block.Buffer) error {
	m.Writes.Add(1)
	if m.FailWrites.Load() {
		return EIO
	}
	_, err := m.store.WriteAt(b.Data, int64(b.Sector)*int64(m.blockSize))
	return err
}

var _ block.Device = (*MockBlockDevice)(nil)

// TestTask returns a task context usable for operations that complete
// without parking (mock devices, uncontended locks).
func TestTask(name string) *sched.Task {
	return sched.NewDetachedTask(name)
}
