// Package irq implements interrupt dispatch: per-vector handler chains,
// shared-IRQ demultiplexing, the PIC model, exception-to-signal mapping,
// and the return-to-task epilogue that drives signal delivery and
// preemption.
package irq

import (
	"sync/atomic"

	"github.com/behrlich/kernos/internal/kerr"
	"github.com/behrlich/kernos/internal/klog"
	"github.com/behrlich/kernos/internal/list"
	"github.com/behrlich/kernos/internal/sched"
	"github.com/behrlich/kernos/internal/stats"
)

// NumVectors is the size of the vector table.
const NumVectors = 256

// PICBase is the vector the first PIC line is remapped to; the 16 PIC
// lines occupy [PICBase, PICBase+16).
const PICBase = 0x20

// SyscallVector is the software interrupt reserved for syscalls; the
// only vector installed with user DPL.
const SyscallVector = sched.SyscallVector

// Type distinguishes hardware/exception entries from syscall entries.
// Only INTERRUPT entries count toward the CPU's nest counter.
type Type int

const (
	TypeInterrupt Type = iota
	TypeSyscall
)

// Handler flags.
const (
	FlagShared uint32 = 1 << iota
)

// Handler is one entry of a vector's handler chain.
type Handler struct {
	Name     string
	Callback func(*sched.Frame, any)
	Param    any
	Type     Type
	Flags    uint32

	node list.Node[Handler]
}

type vector struct {
	count    atomic.Uint32
	typ      Type
	flags    uint32
	handlers list.Head[Handler]
}

// SyscallFn is a syscall implementation. The return value lands in the
// frame's return slot, negated errnos included.
type SyscallFn func(cur *sched.Task, frame *sched.Frame) int32

// Controller owns the vector table and the PIC.
type Controller struct {
	sched *sched.Scheduler
	pic   PIC

	// lock guards the vector table. The original protects it by keeping
	// interrupts off while manipulating entries; the interrupt-disabling
	// spinlock is the same discipline spelled out.
	lock    sched.Spinlock
	vectors [NumVectors]vector

	syscalls map[uint32]SyscallFn

	metrics *stats.Metrics

	log *klog.Logger
}

// New creates a controller bound to the scheduler, installs the default
// exception handlers on vectors 0..31, and hooks the syscall vector.
func New(s *sched.Scheduler) *Controller {
	c := &Controller{
		sched:    s,
		syscalls: make(map[uint32]SyscallFn),
		log:      klog.New("irq"),
	}
	c.lock.AttachCPU(s.CPU())

	for i := 0; i < 32; i++ {
		name := exceptionName(i)
		if name == "" {
			continue
		}
		h := &Handler{Name: name, Callback: c.unhandledException, Type: TypeInterrupt}
		if i == excDivideByZero {
			h.Callback = c.divByZero
		}
		if err := c.Register(i, h); err != nil {
			c.log.Errorf("failed to install exception %d: %v", i, err)
		}
	}

	if err := c.RegisterCallback(SyscallVector, "syscall", TypeSyscall, 0, c.syscallEntry, nil); err != nil {
		c.log.Errorf("failed to install syscall vector: %v", err)
	}
	c.RegisterSyscall(sched.SigreturnSyscall, func(cur *sched.Task, frame *sched.Frame) int32 {
		if err := s.Sigreturn(cur, frame); err != nil {
			return -int32(kerr.EFAULT)
		}
		return int32(frame.ReturnValue())
	})

	return c
}

// AttachMetrics binds the kernel counters; every dispatch records its
// vector there as well as in the controller's own table.
func (c *Controller) AttachMetrics(m *stats.Metrics) {
	c.metrics = m
}

// PICState exposes the PIC model, mainly for drivers and tests.
func (c *Controller) PICState() *PIC {
	return &c.pic
}

// Register adds a handler to a vector's chain. Registration is refused
// when the vector already has a non-shared handler, or when the new
// handler's type does not match the chain's.
func (c *Controller) Register(vectorNo int, h *Handler) error {
	if vectorNo < 0 || vectorNo >= NumVectors {
		return kerr.EINVAL
	}
	h.node.Init(h)

	c.lock.Acquire()
	defer c.lock.Release()

	v := &c.vectors[vectorNo]
	enable := false

	if !v.handlers.Empty() {
		if v.flags&FlagShared == 0 {
			return kerr.EBUSY
		}
		if v.typ != h.Type {
			return kerr.EINVAL
		}
	} else {
		enable = true
		v.typ = h.Type
		v.flags = h.Flags
	}

	c.log.Infof("interrupt %d, name: %s", vectorNo, h.Name)
	v.handlers.PushBack(&h.node)

	if enable && vectorNo >= PICBase && vectorNo < PICBase+16 {
		c.pic.EnableIRQ(vectorNo - PICBase)
	}
	return nil
}

// RegisterCallback is the convenience form of Register.
func (c *Controller) RegisterCallback(vectorNo int, name string, typ Type, flags uint32, cb func(*sched.Frame, any), param any) error {
	return c.Register(vectorNo, &Handler{
		Name:     name,
		Callback: cb,
		Param:    param,
		Type:     typ,
		Flags:    flags,
	})
}

// RegisterIRQ registers a handler on a PIC line (0..15).
func (c *Controller) RegisterIRQ(irq int, name string, flags uint32, cb func(*sched.Frame, any), param any) error {
	return c.RegisterCallback(PICBase+irq, name, TypeInterrupt, flags, cb, param)
}

// RegisterSyscall installs a syscall implementation.
func (c *Controller) RegisterSyscall(num uint32, fn SyscallFn) {
	c.lock.Acquire()
	c.syscalls[num] = fn
	c.lock.Release()
}

// Dispatch runs a vector's handler chain for an entry made from the
// current task's context: syscalls, exceptions, and any interrupt taken
// while the task was on the CPU. The full return-to-task epilogue runs,
// including signal delivery, the preemption check, and task exit when
// the killed flag was raised.
func (c *Controller) Dispatch(cur *sched.Task, frame *sched.Frame) {
	c.dispatchChain(frame, cur)

	cpu := c.sched.CPU()

	if cur == nil {
		return
	}

	// Did we die?
	if cur.TestFlag(sched.FlagKilled) {
		c.sched.Exit(cur, 0)
	}

	// If something set the reschedule flag and this was the outermost
	// interrupt, yield before returning to the task.
	if cpu.IRQNest() == 0 && cpu.TakeNeedResched() {
		c.sched.YieldPreempt(cur)
	}

	// Is he dead yet?
	if cur.TestFlag(sched.FlagKilled) {
		c.sched.Exit(cur, 0)
	}
}

// Post runs a vector's handler chain from a device context: the
// simulated wire by which hardware raises an interrupt line. The
// preemption it requests lands on whatever task next crosses a
// preemption point.
func (c *Controller) Post(vectorNo int) {
	frame := &sched.Frame{Vector: uint32(vectorNo)}
	c.dispatchChain(frame, nil)
}

// dispatchChain is the common dispatcher body: count, nest, PIC
// handling, the handler walk, and signal delivery for user-mode entries.
func (c *Controller) dispatchChain(frame *sched.Frame, cur *sched.Task) {
	vno := int(frame.Vector)
	if vno < 0 || vno >= NumVectors {
		return
	}
	v := &c.vectors[vno]
	v.count.Add(1)
	c.metrics.RecordInterrupt(vno)

	cpu := c.sched.CPU()
	isInterrupt := v.typ == TypeInterrupt
	if isInterrupt {
		cpu.EnterIRQ()
	}

	// An entry from user mode stashes the frame on the task so signal
	// delivery and fault recovery can find and rewrite it.
	frameFlag := false
	if frame.FromUser() && cur != nil {
		frameFlag = true
		frame.PrevSyscall = frame.AX
		cur.Frame = frame
	}

	// IRQs routed from the PIC: mask the line and send EOI before the
	// handlers run, so shared lines stay responsive, then unmask after.
	picIRQ := -1
	if vno >= PICBase && vno < PICBase+16 {
		picIRQ = vno - PICBase
		c.pic.DisableIRQ(picIRQ)
		c.pic.SendEOI(picIRQ)
	}

	c.lock.Acquire()
	v.handlers.ForEach(func(h *Handler) bool {
		cb, param := h.Callback, h.Param
		c.lock.Release()
		cb(frame, param)
		c.lock.Acquire()
		return true
	})
	c.lock.Release()

	if picIRQ >= 0 {
		c.pic.EnableIRQ(picIRQ)
	}

	if frameFlag && cur.SignalPending() {
		c.sched.SignalHandle(cur, frame)
	}

	if frameFlag {
		cur.Frame = nil
	}
	if isInterrupt {
		cpu.ExitIRQ()
	}
}

// Syscall dispatches a syscall frame: number in the return register,
// arguments in the remaining registers.
func (c *Controller) syscallEntry(frame *sched.Frame, _ any) {
	num := frame.AX
	cur := c.sched.Current()

	c.lock.Acquire()
	fn := c.syscalls[num]
	c.lock.Release()

	if fn == nil {
		frame.SetReturn(-int32(kerr.ENOTSUP))
		return
	}
	frame.SetReturn(fn(cur, frame))
}

// InterruptCount returns the dispatch count for a vector.
func (c *Controller) InterruptCount(vectorNo int) uint32 {
	if vectorNo < 0 || vectorNo >= NumVectors {
		return 0
	}
	return c.vectors[vectorNo].count.Load()
}

// VectorInfo is one row of the interrupts table.
type VectorInfo struct {
	Vector int
	Count  uint32
	Name   string
}

// Interrupts snapshots the populated vectors for the /proc surface.
func (c *Controller) Interrupts() []VectorInfo {
	var out []VectorInfo
	c.lock.Acquire()
	for i := range c.vectors {
		v := &c.vectors[i]
		v.handlers.ForEach(func(h *Handler) bool {
			out = append(out, VectorInfo{Vector: i, Count: v.count.Load(), Name: h.Name})
			return true
		})
	}
	c.lock.Release()
	return out
}
