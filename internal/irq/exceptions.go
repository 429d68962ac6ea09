package irq

import (
	"fmt"

	"github.com/behrlich/kernos/internal/sched"
)

// CPU exception vectors with overridden behaviour.
const (
	excDivideByZero = 0
	ExcPageFault    = 14
)

var exceptionNames = map[int]string{
	0:  "Divide by zero",
	1:  "Debug",
	2:  "NMI",
	3:  "Breakpoint",
	4:  "Overflow",
	5:  "Bound Range Exceeded",
	6:  "Invalid OP",
	7:  "Device Not Available",
	8:  "Double Fault",
	10: "Invalid TSS",
	11: "Segment Not Present",
	12: "Stack-Segment Fault",
	13: "General Protection Fault",
	14: "Page Fault",
	16: "Floating-Point Exception",
	17: "Alignment Check",
	18: "Machine Check",
	19: "SIMD Floating-Point Exception",
	20: "Virtualization Exception",
	30: "Security Exception",
}

func exceptionName(vector int) string {
	return exceptionNames[vector]
}

// unhandledException is the default exception disposition: dump the
// frame and halt the kernel.
func (c *Controller) unhandledException(frame *sched.Frame, _ any) {
	c.log.Errorf("Exception: %s(%d)! AT: 0x%08x, ERR: 0x%08x",
		exceptionName(int(frame.Vector)), frame.Vector, frame.IP, frame.ErrCode)
	c.log.Errorf("EAX: 0x%08x EBX: 0x%08x", frame.AX, frame.BX)
	c.log.Errorf("ECX: 0x%08x EDX: 0x%08x", frame.CX, frame.DX)
	c.log.Errorf("ESI: 0x%08x EDI: 0x%08x", frame.SI, frame.DI)
	c.log.Errorf("ESP: 0x%08x EBP: 0x%08x", frame.SP, frame.BP)

	if cur := c.sched.Current(); cur != nil && !cur.TestFlag(sched.FlagKernel) {
		c.log.Errorf("Current running program: %s", cur.Name)
	}

	c.log.Panicf("unhandled CPU exception %d", frame.Vector)
}

// divByZero delivers SIGFPE to the offending user task; a kernel-mode
// divide error is fatal.
func (c *Controller) divByZero(frame *sched.Frame, param any) {
	if !frame.FromUser() {
		c.unhandledException(frame, param)
		return
	}

	cur := c.sched.Current()
	if cur != nil {
		_ = c.sched.SendSignal(cur.Pid, sched.SIGFPE, true)
	}
}

// SegFault reports a user segfault on the task's controlling terminal
// and marks the task killed; the scheduler reaps it at the next kernel
// exit.
func SegFault(s *sched.Scheduler, cur *sched.Task) {
	if cur.TTY != nil {
		cur.TTY.WriteString(fmt.Sprintf("Seg-Fault - %d terminated\n", cur.Pid))
	}
	cur.Kill()
}
