package irq_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/kernos/internal/irq"
	"github.com/behrlich/kernos/internal/kerr"
	"github.com/behrlich/kernos/internal/sched"
)

func newController(t *testing.T) (*sched.Scheduler, *irq.Controller) {
	t.Helper()
	s := sched.New()
	s.Start()
	t.Cleanup(s.Stop)
	return s, irq.New(s)
}

func runTask(t *testing.T, s *sched.Scheduler, fn func(cur *sched.Task)) {
	t.Helper()
	task := s.NewKernelTask("test", fn)
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish")
	}
}

func TestRegisterRefusesNonSharedConflict(t *testing.T) {
	_, c := newController(t)

	nop := func(*sched.Frame, any) {}

	require.NoError(t, c.RegisterCallback(100, "first", irq.TypeInterrupt, 0, nop, nil))

	// The vector is taken without the shared flag.
	err := c.RegisterCallback(100, "second", irq.TypeInterrupt, 0, nop, nil)
	assert.Equal(t, kerr.EBUSY, err)
}

func TestRegisterSharedChain(t *testing.T) {
	s, c := newController(t)

	var calls []string
	mk := func(name string) func(*sched.Frame, any) {
		return func(*sched.Frame, any) { calls = append(calls, name) }
	}

	require.NoError(t, c.RegisterCallback(101, "a", irq.TypeInterrupt, irq.FlagShared, mk("a"), nil))
	require.NoError(t, c.RegisterCallback(101, "b", irq.TypeInterrupt, irq.FlagShared, mk("b"), nil))

	// A type mismatch is refused even on a shared vector.
	err := c.RegisterCallback(101, "c", irq.TypeSyscall, irq.FlagShared, mk("c"), nil)
	assert.Equal(t, kerr.EINVAL, err)

	runTask(t, s, func(cur *sched.Task) {
		c.Dispatch(cur, &sched.Frame{Vector: 101})
	})

	// Handlers run in list order.
	assert.Equal(t, []string{"a", "b"}, calls)
	assert.Equal(t, uint32(1), c.InterruptCount(101))
}

func TestPICMaskAndEOIOrdering(t *testing.T) {
	s, c := newController(t)

	pic := c.PICState()
	line := 5
	vector := irq.PICBase + line

	maskedDuring := false
	require.NoError(t, c.RegisterIRQ(line, "dev", 0, func(*sched.Frame, any) {
		maskedDuring = pic.Masked(line)
	}, nil))

	// Registration unmasked the line.
	assert.False(t, pic.Masked(line))

	runTask(t, s, func(cur *sched.Task) {
		c.Dispatch(cur, &sched.Frame{Vector: uint32(vector)})
	})

	// The line is masked and acked before the handlers run, and
	// unmasked after.
	assert.True(t, maskedDuring)
	assert.False(t, pic.Masked(line))
	assert.Equal(t, uint64(1), pic.EOICount(line))
}

func TestPostRunsChainFromDeviceContext(t *testing.T) {
	_, c := newController(t)

	fired := make(chan struct{})
	require.NoError(t, c.RegisterIRQ(7, "dev", 0, func(*sched.Frame, any) {
		close(fired)
	}, nil))

	go c.Post(irq.PICBase + 7)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("posted interrupt never ran")
	}
}

func TestSyscallDispatch(t *testing.T) {
	s, c := newController(t)

	c.RegisterSyscall(500, func(cur *sched.Task, frame *sched.Frame) int32 {
		return int32(frame.BX + frame.CX)
	})

	runTask(t, s, func(cur *sched.Task) {
		frame := &sched.Frame{Vector: irq.SyscallVector, CS: 3, AX: 500, BX: 7, CX: 35}
		c.Dispatch(cur, frame)
		assert.Equal(t, int32(42), frame.ReturnValue())

		// Unknown numbers return an error, not a crash.
		frame = &sched.Frame{Vector: irq.SyscallVector, CS: 3, AX: 9999}
		c.Dispatch(cur, frame)
		assert.Equal(t, -int32(kerr.ENOTSUP), frame.ReturnValue())
	})
}

func TestSignalDeliveryOnUserReturn(t *testing.T) {
	s, c := newController(t)

	c.RegisterSyscall(501, func(cur *sched.Task, frame *sched.Frame) int32 {
		// Queue a fatal signal during the syscall; delivery happens on
		// the way back to user mode.
		s.SendSignalTask(cur, sched.SIGTERM, false)
		return 0
	})

	// Pid 1 is init, which ignores every signal; the victim must be another task.
	runTask(t, s, func(*sched.Task) {})

	killed := make(chan bool, 1)
	task := s.NewKernelTask("victim", func(cur *sched.Task) {
		frame := &sched.Frame{Vector: irq.SyscallVector, CS: 3, AX: 501}
		c.Dispatch(cur, frame)
		// Dispatch exits the task when the killed flag is raised; we
		// never get here.
		killed <- false
	})

	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("task did not exit")
	}

	select {
	case <-killed:
		t.Fatal("dispatch returned to a killed task")
	default:
	}
}

func TestDivByZeroSendsSIGFPE(t *testing.T) {
	s, c := newController(t)

	runTask(t, s, func(cur *sched.Task) {
		// Block SIGFPE so delivery does not kill the task; we only
		// check the queuing.
		cur.SetSigBlocked(1 << (sched.SIGFPE - 1))

		c.Dispatch(cur, &sched.Frame{Vector: 0, CS: 3})
		assert.NotZero(t, cur.SigPendingSet()&(1<<(sched.SIGFPE-1)))
	})
}

func TestInterruptsTable(t *testing.T) {
	_, c := newController(t)

	rows := c.Interrupts()
	require.NotEmpty(t, rows)

	// The exception vectors and the syscall vector are pre-installed.
	names := map[string]bool{}
	for _, r := range rows {
		names[r.Name] = true
	}
	assert.True(t, names["Page Fault"] || names["Divide by zero"])
	assert.True(t, names["syscall"])
}
