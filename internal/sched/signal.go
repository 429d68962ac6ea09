package sched

import (
	"encoding/binary"

	"github.com/behrlich/kernos/internal/kerr"
)

// NSIG is the number of signals; signal numbers run 1..NSIG.
const NSIG = 32

// Signal numbers.
const (
	SIGHUP   = 1
	SIGINT   = 2
	SIGQUIT  = 3
	SIGILL   = 4
	SIGTRAP  = 5
	SIGABRT  = 6
	SIGBUS   = 7
	SIGFPE   = 8
	SIGKILL  = 9
	SIGUSR1  = 10
	SIGSEGV  = 11
	SIGUSR2  = 12
	SIGPIPE  = 13
	SIGALRM  = 14
	SIGTERM  = 15
	SIGCHLD  = 17
	SIGCONT  = 18
	SIGSTOP  = 19
	SIGTSTP  = 20
	SIGTTIN  = 21
	SIGTTOU  = 22
	SIGWINCH = 28
)

// SigUnblockable is the kernel-enforced mask: these signals cannot be
// blocked or have their disposition changed.
const SigUnblockable = uint64(1<<(SIGKILL-1)) | uint64(1<<(SIGSTOP-1))

func sigBit(sig int) uint64 {
	return 1 << (uint(sig) - 1)
}

// SigHandler is a signal disposition: the default action, ignore, or a
// user-space handler address.
type SigHandler uint32

const (
	SigDfl SigHandler = 0
	SigIgn SigHandler = 1
)

// SigAction flags.
const (
	SARestart uint32 = 1 << iota
	SAOneshot
)

// SigAction is one entry of the per-task action table.
type SigAction struct {
	Handler SigHandler
	Mask    uint64
	Flags   uint32
}

var (
	errRestartSys = kerr.ERESTARTSYS
	errNoChild    = kerr.ECHILD
)

// SignalPending reports whether the task has any pending, unblocked
// signal.
func (t *Task) SignalPending() bool {
	return t.sigPending.Load()&^t.sigBlocked.Load() != 0
}

// SigAction returns the action installed for sig.
func (t *Task) SigAction(sig int) SigAction {
	return t.sigActions[sig-1]
}

// SetSigAction installs an action for sig. KILL and STOP dispositions
// cannot be changed.
func (t *Task) SetSigAction(sig int, act SigAction) error {
	if sig < 1 || sig > NSIG {
		return kerr.EINVAL
	}
	if sigBit(sig)&SigUnblockable != 0 {
		return kerr.EINVAL
	}
	t.sigActions[sig-1] = act
	return nil
}

// SetSigBlocked replaces the blocked-signal mask; the unblockable
// signals are stripped.
func (t *Task) SetSigBlocked(mask uint64) {
	t.sigBlocked.Store(mask &^ SigUnblockable)
}

// SigBlocked returns the blocked-signal mask.
func (t *Task) SigBlocked() uint64 {
	return t.sigBlocked.Load()
}

// SigPendingSet returns the pending-signal bitset.
func (t *Task) SigPendingSet() uint64 {
	return t.sigPending.Load()
}

// SendSignalTask queues sig for t, optionally forcing it past the
// blocked mask, and wakes t if it is in an interruptible sleep.
func (s *Scheduler) SendSignalTask(t *Task, sig int, force bool) {
	s.metrics.RecordSignal()

	t.sigPending.Or(sigBit(sig))
	if force {
		t.sigBlocked.And(^sigBit(sig))
	}

	// SIGCONT resumes a stopped task even though stopped tasks sleep
	// uninterruptibly.
	if sig == SIGCONT && t.State() == TaskSleeping && t.stopped {
		t.stopped = false
		s.WakeTask(t)
		return
	}

	s.IntrWakeTask(t)
}

// SendSignal queues sig for the task with the given pid (pid > 0) or for
// every task in the process group -pid (pid < 0).
func (s *Scheduler) SendSignal(pid int, sig int, force bool) error {
	if sig < 1 || sig > NSIG {
		return kerr.EINVAL
	}

	var targets []*Task
	s.lock.Acquire()
	s.tasks.ForEach(func(t *Task) bool {
		if pid > 0 && t.Pid == pid {
			targets = append(targets, t)
			return false
		}
		if pid < 0 && t.Pgid == -pid {
			targets = append(targets, t)
		}
		return true
	})
	s.lock.Release()

	if len(targets) == 0 {
		return kerr.ESRCH
	}
	for _, t := range targets {
		s.SendSignalTask(t, sig, force)
	}
	return nil
}

// SigreturnSyscall is the syscall number the signal trampoline invokes.
const SigreturnSyscall = 119

// SyscallVector is the software-interrupt vector reserved for syscalls.
const SyscallVector = 0x81

// trampolineCode is the blob copied onto the user stack; it re-enters
// the kernel with the sigreturn syscall once the handler returns into
// it: mov $SIGRETURN, %eax; int $SYSCALL_VECTOR.
var trampolineCode = []byte{
	0xb8, SigreturnSyscall, 0x00, 0x00, 0x00, // mov $119, %eax
	0xcd, SyscallVector, // int $0x81
}

// signalContext is the block saved on the user stack across a handler:
// the signal number, the previous blocked mask, and the interrupted
// frame. Layout is fixed little-endian words.
const signalContextSize = 4 + 8 + frameWireSize

const frameWireSize = 15 * 4

func encodeFrame(b []byte, f *Frame) {
	le := binary.LittleEndian
	words := []uint32{
		f.Vector, f.ErrCode,
		f.AX, f.BX, f.CX, f.DX, f.SI, f.DI, f.BP,
		f.IP, f.CS, f.Flags, f.SP, f.PrevSyscall, 0,
	}
	for i, w := range words {
		le.PutUint32(b[i*4:], w)
	}
}

func decodeFrame(b []byte) Frame {
	le := binary.LittleEndian
	w := func(i int) uint32 { return le.Uint32(b[i*4:]) }
	return Frame{
		Vector: w(0), ErrCode: w(1),
		AX: w(2), BX: w(3), CX: w(4), DX: w(5), SI: w(6), DI: w(7), BP: w(8),
		IP: w(9), CS: w(10), Flags: w(11), SP: w(12), PrevSyscall: w(13),
	}
}

// syscallRestart re-issues the interrupted syscall: restore the original
// syscall number and back the instruction pointer up over the trap
// instruction (int $imm8 is two bytes), so the return to user re-executes
// it.
func syscallRestart(frame *Frame) {
	frame.AX = frame.PrevSyscall
	frame.IP -= 2
}

func frameErrno(frame *Frame) kerr.Errno {
	v := int32(frame.AX)
	if v >= 0 {
		return 0
	}
	return kerr.Errno(-v)
}

// SignalHandle delivers pending signals at the kernel-to-user boundary.
// It returns true when the frame was redirected into a user handler.
func (s *Scheduler) SignalHandle(cur *Task, frame *Frame) bool {
	for {
		ready := cur.sigPending.Load() &^ cur.sigBlocked.Load()
		if ready == 0 {
			break
		}

		signum := 1
		for ready&sigBit(signum) == 0 {
			signum++
		}
		cur.sigPending.And(^sigBit(signum))

		action := cur.sigActions[signum-1]

		switch action.Handler {
		case SigIgn:
			if signum == SIGCHLD {
				for {
					pid, _, err := s.WaitPid(cur, -1, WNOHANG)
					if err != nil || pid <= 0 {
						break
					}
				}
			}
			continue

		case SigDfl:
			s.signalDefault(cur, signum)
			continue

		default:
			s.signalJump(cur, signum, frame)
			return true
		}
	}

	// No handler ran; restart-sentinel returns still need resolving so
	// user space never sees them.
	if frame.PrevSyscall != 0 {
		switch frameErrno(frame) {
		case kerr.ERESTARTSYS, kerr.ERESTARTNOINTR, kerr.ERESTARTNOHAND:
			syscallRestart(frame)
		}
	}

	return false
}

// signalDefault applies the default disposition.
func (s *Scheduler) signalDefault(cur *Task, signum int) {
	// Init ignores every signal.
	if cur.Pid == 1 {
		return
	}

	switch signum {
	case SIGCHLD, SIGCONT, SIGWINCH:
		// Ignore.

	case SIGSTOP, SIGTSTP:
		cur.stopped = true
		cur.SetState(TaskSleeping)
		s.Yield(cur)

	default:
		cur.SetFlag(FlagKilled)
	}
}

// signalJump arranges the user-space return into a handler: resolve any
// restart sentinel in the return slot, push the trampoline and saved
// context onto the user stack, redirect the instruction pointer, and
// widen the blocked mask.
func (s *Scheduler) signalJump(cur *Task, signum int, frame *Frame) {
	action := &cur.sigActions[signum-1]

	if frame.PrevSyscall != 0 {
		switch frameErrno(frame) {
		case kerr.ERESTARTSYS:
			if action.Flags&SARestart != 0 {
				syscallRestart(frame)
			} else {
				frame.SetReturn(-int32(kerr.EINTR))
			}
		case kerr.ERESTARTNOINTR:
			syscallRestart(frame)
		case kerr.ERESTARTNOHAND:
			frame.SetReturn(-int32(kerr.EINTR))
		}
	}

	s.signalSetupStack(cur, action, signum, frame)

	if action.Flags&SAOneshot != 0 {
		action.Handler = SigDfl
	}

	cur.sigBlocked.Or(action.Mask | sigBit(signum))
}

// signalSetupStack pushes, top down: the trampoline code, the saved
// context, and the return address pointing at the trampoline. The stack
// grows downward.
func (s *Scheduler) signalSetupStack(cur *Task, action *SigAction, signum int, frame *Frame) {
	if cur.AddrSpace == nil {
		return
	}

	sp := frame.SP &^ 3

	sp -= uint32(len(trampolineCode))
	if cur.AddrSpace.CopyOut(sp, trampolineCode) != nil {
		cur.SetFlag(FlagKilled)
		return
	}
	trampolineAddr := sp

	sp &^= 3

	ctx := make([]byte, signalContextSize)
	binary.LittleEndian.PutUint32(ctx[0:], uint32(signum))
	binary.LittleEndian.PutUint64(ctx[4:], cur.sigBlocked.Load())
	encodeFrame(ctx[12:], frame)

	sp -= uint32(signalContextSize)
	if cur.AddrSpace.CopyOut(sp, ctx) != nil {
		cur.SetFlag(FlagKilled)
		return
	}

	var ret [4]byte
	binary.LittleEndian.PutUint32(ret[:], trampolineAddr)
	sp -= 4
	if cur.AddrSpace.CopyOut(sp, ret[:]) != nil {
		cur.SetFlag(FlagKilled)
		return
	}

	frame.SP = sp
	frame.IP = uint32(action.Handler)
}

// Sigreturn restores the frame and blocked mask the trampoline saved.
// The user stack pointer sits just past the popped return address, at
// the saved context.
func (s *Scheduler) Sigreturn(cur *Task, frame *Frame) error {
	if cur.AddrSpace == nil {
		return kerr.EFAULT
	}

	ctx := make([]byte, signalContextSize)
	if err := cur.AddrSpace.CopyIn(ctx, frame.SP); err != nil {
		return kerr.EFAULT
	}

	oldMask := binary.LittleEndian.Uint64(ctx[4:])
	*frame = decodeFrame(ctx[12:])
	cur.sigBlocked.Store(oldMask &^ SigUnblockable)
	return nil
}
