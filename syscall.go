package kernos

import (
	"github.com/behrlich/kernos/internal/irq"
	"github.com/behrlich/kernos/internal/sched"
)

// Syscall numbers. Registers carry (number, arg0..arg5) with the number
// and return value sharing the first register; errors come back as
// negative errnos.
const (
	SysExit   = 1
	SysGetPid = 20
	SysPause  = 29
	SysKill   = 37
	SysSleep  = 162
)

func (k *Kernel) registerSyscalls() {
	register := func(num uint32, fn irq.SyscallFn) {
		k.irqc.RegisterSyscall(num, func(cur *sched.Task, frame *sched.Frame) int32 {
			k.metrics.RecordSyscall()
			return fn(cur, frame)
		})
	}

	register(SysExit, func(cur *sched.Task, frame *sched.Frame) int32 {
		k.sched.Exit(cur, int(frame.BX))
		return 0 // unreachable
	})

	register(SysGetPid, func(cur *sched.Task, _ *sched.Frame) int32 {
		return int32(cur.Pid)
	})

	register(SysKill, func(cur *sched.Task, frame *sched.Frame) int32 {
		if err := k.sched.SendSignal(int(int32(frame.BX)), int(frame.CX), false); err != nil {
			return -int32(ToErrno(err))
		}
		return 0
	})

	// Sleep for BX milliseconds. A signal cuts the sleep short; the
	// restart machinery turns the sentinel into a re-issued call or
	// EINTR at the return-to-user boundary.
	register(SysSleep, func(cur *sched.Task, frame *sched.Frame) int32 {
		remaining := k.sched.SleepMS(cur, frame.BX)
		if remaining > 0 {
			return -int32(ERESTARTSYS)
		}
		return 0
	})

	// Pause sleeps until a signal arrives. The sentinel becomes EINTR
	// when a handler runs; with no handler the call is re-issued.
	register(SysPause, func(cur *sched.Task, _ *sched.Frame) int32 {
		cur.SetState(sched.TaskIntrSleeping)
		if cur.SignalPending() {
			cur.SetState(sched.TaskRunning)
			return -int32(ERESTARTNOHAND)
		}
		k.sched.Yield(cur)
		cur.SetState(sched.TaskRunning)
		return -int32(ERESTARTNOHAND)
	})
}

// Syscall drives one syscall from a task's context through the full
// dispatch path, signal delivery and preemption included. User-space
// would arrive here through the software-interrupt vector.
func (k *Kernel) Syscall(cur *sched.Task, frame *sched.Frame) int32 {
	frame.Vector = irq.SyscallVector
	k.irqc.Dispatch(cur, frame)
	return frame.ReturnValue()
}
