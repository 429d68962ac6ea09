package mm_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/kernos/internal/irq"
	"github.com/behrlich/kernos/internal/kerr"
	"github.com/behrlich/kernos/internal/mm"
	"github.com/behrlich/kernos/internal/sched"
)

func TestMapCopyRoundTrip(t *testing.T) {
	as := mm.NewAddressSpace(nil)
	require.NoError(t, as.Map(0x1000, 0x5000, mm.PTEWritable))

	data := []byte("the quick brown fox")
	require.NoError(t, as.CopyOut(0x1800, data))

	got := make([]byte, len(data))
	require.NoError(t, as.CopyIn(got, 0x1800))
	assert.Equal(t, data, got)
}

func TestCopySpansPages(t *testing.T) {
	as := mm.NewAddressSpace(nil)
	require.NoError(t, as.Map(0x1000, 0x10000, mm.PTEWritable))

	data := bytes.Repeat([]byte{0xAB}, 3*mm.PageSize)
	addr := uint32(0x1000 + mm.PageSize - 100) // straddle boundaries
	require.NoError(t, as.CopyOut(addr, data))

	got := make([]byte, len(data))
	require.NoError(t, as.CopyIn(got, addr))
	assert.Equal(t, data, got)
}

func TestCopyUnmappedIsEFAULT(t *testing.T) {
	as := mm.NewAddressSpace(nil)
	require.NoError(t, as.Map(0x1000, 0x2000, mm.PTEWritable))

	err := as.CopyOut(0x100000, []byte("x"))
	assert.Equal(t, kerr.EFAULT, err)

	err = as.CopyIn(make([]byte, 1), 0x100000)
	assert.Equal(t, kerr.EFAULT, err)

	// The kernel half is never reachable through user copies.
	err = as.CopyOut(mm.KernelBase+0x1000, []byte("x"))
	assert.Equal(t, kerr.EFAULT, err)
}

func TestReadOnlyMappingRejectsWrites(t *testing.T) {
	as := mm.NewAddressSpace(nil)
	require.NoError(t, as.Map(0x1000, 0x2000, 0)) // no PTEWritable

	err := as.CopyOut(0x1100, []byte("x"))
	assert.Equal(t, kerr.EFAULT, err)
}

func TestCloneCopiesPagesNoCOW(t *testing.T) {
	as := mm.NewAddressSpace(nil)
	require.NoError(t, as.Map(0x1000, 0x3000, mm.PTEWritable))
	require.NoError(t, as.CopyOut(0x1000, []byte("parent")))

	clonedIface, err := as.Clone()
	require.NoError(t, err)
	clone := clonedIface.(*mm.AddressSpace)

	// Fork clones pages outright: a write in the child is invisible to
	// the parent.
	require.NoError(t, clone.CopyOut(0x1000, []byte("child!")))

	got := make([]byte, 6)
	require.NoError(t, as.CopyIn(got, 0x1000))
	assert.Equal(t, []byte("parent"), got)

	require.NoError(t, clone.CopyIn(got, 0x1000))
	assert.Equal(t, []byte("child!"), got)
}

func TestHandlePageFaultDemandZero(t *testing.T) {
	as := mm.NewAddressSpace(nil)
	require.NoError(t, as.Map(0x4000, 0x8000, mm.PTEWritable))

	assert.True(t, as.HandlePageFault(0x4123, true))
	assert.False(t, as.HandlePageFault(0x20000, false), "no VM area covers the address")
	assert.False(t, as.HandlePageFault(mm.KernelBase+4096, false))

	// The faulted-in page reads back as zeros.
	got := make([]byte, 16)
	require.NoError(t, as.CopyIn(got, 0x4120))
	assert.Equal(t, make([]byte, 16), got)
}

func TestUnmapDropsArea(t *testing.T) {
	as := mm.NewAddressSpace(nil)
	require.NoError(t, as.Map(0x1000, 0x2000, mm.PTEWritable))
	require.NoError(t, as.CopyOut(0x1000, []byte("data")))

	require.NoError(t, as.Unmap(0x1000))
	assert.Equal(t, kerr.EFAULT, as.CopyIn(make([]byte, 4), 0x1000))
	assert.Equal(t, kerr.EINVAL, as.Unmap(0x1000))
}

type recordingTTY struct {
	out []string
}

func (r *recordingTTY) WriteString(s string) {
	r.out = append(r.out, s)
}

func TestPageFaultHandlerSegfault(t *testing.T) {
	s := sched.New()
	s.Start()
	t.Cleanup(s.Stop)

	c := irq.New(s)
	require.NoError(t, mm.InstallPageFaultHandler(s, c))

	tty := &recordingTTY{}
	task := s.NewKernelTask("faulter", func(cur *sched.Task) {
		cur.TTY = tty
		cur.AddrSpace = mm.NewAddressSpace(nil)

		// A user-mode fault with no VM area is a segfault: diagnostic
		// to the tty, killed flag raised, task torn down on the way
		// out of the dispatcher.
		frame := &sched.Frame{Vector: irq.ExcPageFault, CS: 3, CR2: 0xdeadb000, ErrCode: 0x6}
		c.Dispatch(cur, frame)
	})

	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("faulting task did not exit")
	}

	require.Len(t, tty.out, 1)
	assert.Contains(t, tty.out[0], "Seg-Fault")
	assert.True(t, task.TestFlag(sched.FlagKilled))
}

func TestPageFaultHandlerDemandMap(t *testing.T) {
	s := sched.New()
	s.Start()
	t.Cleanup(s.Stop)

	c := irq.New(s)
	require.NoError(t, mm.InstallPageFaultHandler(s, c))

	task := s.NewKernelTask("demander", func(cur *sched.Task) {
		as := mm.NewAddressSpace(nil)
		assert.NoError(t, as.Map(0x1000, 0x2000, mm.PTEWritable))
		cur.AddrSpace = as

		frame := &sched.Frame{Vector: irq.ExcPageFault, CS: 3, CR2: 0x1800, ErrCode: 0x6}
		c.Dispatch(cur, frame)

		// Resolved: not killed, page mapped.
		assert.False(t, cur.TestFlag(sched.FlagKilled))
		assert.NoError(t, as.CopyIn(make([]byte, 4), 0x1800))
	})

	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish")
	}
}

func TestKernelFaultRecoveryRewritesFrame(t *testing.T) {
	s := sched.New()
	s.Start()
	t.Cleanup(s.Stop)

	c := irq.New(s)
	require.NoError(t, mm.InstallPageFaultHandler(s, c))

	task := s.NewKernelTask("copier", func(cur *sched.Task) {
		// Simulate a fault taken while the kernel dereferences a user
		// pointer: RW_USER set and a recovery point registered.
		cur.SetFlag(sched.FlagRWUser)
		cur.FaultRecovery = 0xc0de1

		frame := &sched.Frame{Vector: irq.ExcPageFault, CS: 0x08, CR2: 0x4000, ErrCode: 0x2}
		c.Dispatch(cur, frame)

		assert.Equal(t, uint32(0xc0de1), frame.IP)
		assert.Equal(t, -int32(kerr.EFAULT), frame.ReturnValue())
		cur.ClearFlag(sched.FlagRWUser)
	})

	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish")
	}
}

func TestCopyFromUserHelpers(t *testing.T) {
	s := sched.New()
	s.Start()
	t.Cleanup(s.Stop)

	task := s.NewKernelTask("helper", func(cur *sched.Task) {
		as := mm.NewAddressSpace(nil)
		assert.NoError(t, as.Map(0x1000, 0x3000, mm.PTEWritable))
		cur.AddrSpace = as

		assert.NoError(t, mm.CopyToUser(cur, 0x1000, []byte("hello\x00world")))

		got, err := mm.CopyFromUser(cur, 0x1000, 5)
		assert.NoError(t, err)
		assert.Equal(t, []byte("hello"), got)

		str, err := mm.StrncpyFromUser(cur, 0x1000, 64)
		assert.NoError(t, err)
		assert.Equal(t, "hello", str)

		_, err = mm.CopyFromUser(cur, 0x900000, 4)
		assert.Equal(t, kerr.EFAULT, err)

		cur.AddrSpace = nil
		as.Release()
	})

	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish")
	}
}
