package mm

import (
	"github.com/behrlich/kernos/internal/irq"
	"github.com/behrlich/kernos/internal/kerr"
	"github.com/behrlich/kernos/internal/klog"
	"github.com/behrlich/kernos/internal/sched"
)

// Page-fault error-code bits, as pushed by the CPU.
const (
	faultPresent uint32 = 1 << 0
	faultWrite   uint32 = 1 << 1
	faultUser    uint32 = 1 << 2
)

var log = klog.New("mm")

// InstallPageFaultHandler hooks vector 14. The handler runs inside the
// task that faulted.
func InstallPageFaultHandler(s *sched.Scheduler, c *irq.Controller) error {
	return c.RegisterCallback(irq.ExcPageFault, "Page Fault", irq.TypeInterrupt, 0,
		func(frame *sched.Frame, _ any) {
			pageFault(s, frame)
		}, nil)
}

func pageFault(s *sched.Scheduler, frame *sched.Frame) {
	cur := s.Current()
	addr := frame.CR2
	write := frame.ErrCode&faultWrite != 0

	if cur == nil {
		log.Panicf("page fault with no running task: addr=0x%08x ip=0x%08x", addr, frame.IP)
		return
	}

	if !frame.FromUser() {
		// A fault while the kernel dereferences a user pointer is
		// recoverable: rewrite the trap frame so the interrupted code
		// resumes at its recovery point with EFAULT in hand.
		if cur.TestFlag(sched.FlagRWUser) && cur.FaultRecovery != 0 {
			frame.IP = cur.FaultRecovery
			frame.SetReturn(-int32(kerr.EFAULT))
			return
		}

		log.Errorf("kernel page fault: addr=0x%08x ip=0x%08x err=0x%x", addr, frame.IP, frame.ErrCode)
		log.Panicf("unrecoverable kernel page fault")
		return
	}

	// Guard against a fault raised while we are already handling one for
	// this task.
	if cur.TestFlag(sched.FlagInPageFault) {
		irq.SegFault(s, cur)
		return
	}
	cur.SetFlag(sched.FlagInPageFault)
	defer cur.ClearFlag(sched.FlagInPageFault)

	if cur.AddrSpace != nil && cur.AddrSpace.HandlePageFault(addr, write) {
		return
	}

	irq.SegFault(s, cur)
}

// CopyFromUser copies n bytes at the user address into a fresh kernel
// buffer, with the RW_USER discipline observable on the task. A bad
// range yields EFAULT.
func CopyFromUser(cur *sched.Task, addr uint32, n int) ([]byte, error) {
	if cur.AddrSpace == nil {
		return nil, kerr.EFAULT
	}

	cur.SetFlag(sched.FlagRWUser)
	defer cur.ClearFlag(sched.FlagRWUser)

	buf := make([]byte, n)
	if err := cur.AddrSpace.CopyIn(buf, addr); err != nil {
		return nil, kerr.EFAULT
	}
	return buf, nil
}

// CopyToUser copies kernel bytes to the user address.
func CopyToUser(cur *sched.Task, addr uint32, p []byte) error {
	if cur.AddrSpace == nil {
		return kerr.EFAULT
	}

	cur.SetFlag(sched.FlagRWUser)
	defer cur.ClearFlag(sched.FlagRWUser)

	if err := cur.AddrSpace.CopyOut(addr, p); err != nil {
		return kerr.EFAULT
	}
	return nil
}

// StrncpyFromUser reads a NUL-terminated string of at most max bytes
// from user memory.
func StrncpyFromUser(cur *sched.Task, addr uint32, max int) (string, error) {
	if max <= 0 {
		return "", kerr.EINVAL
	}

	out := make([]byte, 0, 64)
	for i := 0; i < max; i++ {
		b, err := CopyFromUser(cur, addr+uint32(i), 1)
		if err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(out), nil
		}
		out = append(out, b[0])
	}
	return "", kerr.ENAMETOOLONG
}
