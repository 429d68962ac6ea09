// Package sched implements the task model: the preemptive round-robin
// scheduler, wait queues, the interrupt-disabling spinlock, the
// sleepable mutex, and POSIX-style signal delivery.
//
// Tasks are goroutine-backed contexts. Exactly one task runs at a time:
// the scheduler goroutine and the task goroutines hand a single token of
// control back and forth, so the single-CPU discipline of the original
// design carries over directly. The scheduler lock is handed off across
// every switch - the yielding task acquires it and the task switched
// into releases it.
package sched

import (
	"runtime"
	"sync/atomic"

	"github.com/behrlich/kernos/internal/klog"
	"github.com/behrlich/kernos/internal/list"
	"github.com/behrlich/kernos/internal/stats"
)

// TicksPerSecond is the timer tick rate. Timed sleeps are quantised to
// this resolution.
const TicksPerSecond = 100

// Scheduler owns the task list and drives all context switches.
type Scheduler struct {
	// lock protects the task lists. It is the handed-off lock: around a
	// context switch it is acquired and released by different tasks.
	lock Spinlock

	cpu CPU

	tasks   list.Head[Task]
	dead    list.Head[Task]
	nextPid int

	current *Task

	ticks atomic.Uint64

	schedResume chan struct{}
	idlePoke    chan struct{}
	stop        chan struct{}
	stopped     chan struct{}

	metrics *stats.Metrics

	log *klog.Logger
}

// New creates a scheduler. Call Start to begin scheduling.
func New() *Scheduler {
	s := &Scheduler{
		nextPid:     1,
		schedResume: make(chan struct{}),
		idlePoke:    make(chan struct{}, 1),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
		log:         klog.New("sched"),
	}
	s.lock.AttachCPU(&s.cpu)
	s.tasks.Init()
	s.dead.Init()
	return s
}

// AttachMetrics binds the kernel counters; the scheduler records
// context switches and queued signals, and the primitives built on it
// (pipes) record through the same instance.
func (s *Scheduler) AttachMetrics(m *stats.Metrics) {
	s.metrics = m
}

// Metrics returns the attached counters, nil when standalone.
func (s *Scheduler) Metrics() *stats.Metrics {
	return s.metrics
}

// CPU exposes the scheduler's processor model to the interrupt layer.
func (s *Scheduler) CPU() *CPU {
	return &s.cpu
}

// Current returns the task currently on the CPU, or nil when the
// scheduler itself (or nothing) is running.
func (s *Scheduler) Current() *Task {
	return s.current
}

// Ticks returns the current scheduler tick count.
func (s *Scheduler) Ticks() uint64 {
	return s.ticks.Load()
}

// Start launches the scheduler loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop shuts the scheduler down once it goes idle. Callers should join
// their tasks first; tasks still parked when Stop fires stay parked.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.pokeIdle()
	<-s.stopped
}

func (s *Scheduler) pokeIdle() {
	select {
	case s.idlePoke <- struct{}{}:
	default:
	}
}

// Tick advances the scheduler clock by one timer tick and requests a
// reschedule. The timer interrupt handler calls this.
func (s *Scheduler) Tick() {
	s.ticks.Add(1)
	s.cpu.SetNeedResched()
	s.pokeIdle()
}

// run is the scheduler loop. It is entered holding nothing and
// immediately takes the scheduler lock; from then on the lock is held
// whenever the loop itself is executing. It is released by whichever
// task the loop switches into, and re-acquired by whichever task yields
// back.
func (s *Scheduler) run() {
	s.lock.Acquire()

	for {
		// Free any tasks that died since the last pass. A task cannot
		// tear itself down from its own context.
		for {
			t := s.dead.TakeFirst()
			if t == nil {
				break
			}
			s.freeTask(t)
		}

		select {
		case <-s.stop:
			s.lock.Release()
			close(s.stopped)
			return
		default:
		}

		t := s.pickLocked()
		if t == nil {
			// Idle: nothing runnable. Drop the lock and wait for a wake
			// or a timer tick, then rescan.
			s.lock.Release()
			select {
			case <-s.idlePoke:
			case <-s.stop:
				close(s.stopped)
				return
			}
			s.lock.Acquire()
			continue
		}

		t.SetFlag(FlagOnCPU)
		t.SetState(TaskRunning)
		s.current = t

		// Switch into the task. It releases the scheduler lock (either
		// returning from its own yield, or via the first-entry thunk)
		// and re-acquires it when it comes back to us.
		t.resume <- struct{}{}
		<-s.schedResume

		s.current = nil
		t.ClearFlag(FlagOnCPU)
	}
}

// pickLocked selects the next task to run, rotating the list so the
// round-robin scan resumes past the choice. Selection rules, in order:
// a PREEMPTED task runs regardless of state; running tasks not on the
// CPU run; timed sleepers whose tick arrived run (wake-up cleared
// first). Returns nil when nothing is runnable.
func (s *Scheduler) pickLocked() *Task {
	ticks := s.ticks.Load()
	var found *Task

	s.tasks.ForEach(func(t *Task) bool {
		// A preempted task is restarted regardless of its state: it may
		// have been preempted midway through going to sleep, and needs
		// to finish doing so.
		if t.TestFlag(FlagPreempted) {
			t.ClearFlag(FlagPreempted)
			found = t
			return false
		}

		switch t.State() {
		case TaskRunning, TaskRunnable:
			if !t.TestFlag(FlagOnCPU) {
				found = t
				return false
			}

		case TaskSleeping, TaskIntrSleeping:
			if t.WakeupTick != 0 && t.WakeupTick <= ticks {
				t.WakeupTick = 0
				found = t
				return false
			}
		}
		return true
	})

	if found != nil {
		s.tasks.MakeLast(&found.schedNode)
	}
	return found
}

// Yield switches to the scheduler. The task resumes here when it is next
// selected.
func (s *Scheduler) Yield(cur *Task) {
	s.lock.Acquire()
	s.yieldLocked(cur)
	s.lock.Release()
}

// yieldLocked performs the switch with the scheduler lock held. The
// interrupt state saved in the lock belongs to this task's outermost
// acquire and must survive the switch, so it is parked in a local across
// the context change.
func (s *Scheduler) yieldLocked(cur *Task) {
	eflags := s.lock.savedEnabled

	s.metrics.RecordContextSwitch()

	s.schedResume <- struct{}{}
	<-cur.resume

	s.lock.savedEnabled = eflags
}

// YieldPreempt marks the current task PREEMPTED before yielding, so the
// scheduler restarts it even if it is not in a runnable state. The timer
// interrupt return path uses this.
func (s *Scheduler) YieldPreempt(cur *Task) {
	cur.SetFlag(FlagPreempted)
	s.Yield(cur)
}

// PreemptPoint yields if the timer has requested a reschedule and no
// interrupt handlers are in flight. Kernel paths call this at their
// safe points.
func (s *Scheduler) PreemptPoint(cur *Task) {
	if s.cpu.IRQNest() != 0 {
		return
	}
	if s.cpu.TakeNeedResched() {
		s.YieldPreempt(cur)
	}
}

// WakeTask makes t runnable and nudges the scheduler.
func (s *Scheduler) WakeTask(t *Task) {
	t.SetState(TaskRunnable)
	s.pokeIdle()
}

// IntrWakeTask wakes t only if it is in an interruptible sleep. Signal
// delivery uses this: uninterruptible sleeps ride out signals.
func (s *Scheduler) IntrWakeTask(t *Task) {
	if t.State() == TaskIntrSleeping {
		s.WakeTask(t)
	}
}

// SleepMS puts the current task into an interruptible timed sleep. It
// returns the milliseconds remaining if the sleep was cut short by a
// signal, and zero on a full sleep.
func (s *Scheduler) SleepMS(cur *Task, ms uint32) uint32 {
	cur.SetState(TaskIntrSleeping)
	cur.WakeupTick = s.ticks.Load() + uint64(ms)*TicksPerSecond/1000

	// Re-check after setting the state: a signal that raced the sleep
	// preparation would otherwise never wake us.
	if cur.SignalPending() {
		cur.WakeupTick = 0
		cur.SetState(TaskRunning)
		return ms
	}

	s.Yield(cur)

	// The scheduler zeroes the wake-up tick when the timer fired; a
	// non-zero value here means something else (a signal) woke us.
	if cur.WakeupTick == 0 {
		return 0
	}

	now := s.ticks.Load()
	remaining := uint32(0)
	if cur.WakeupTick > now {
		remaining = uint32((cur.WakeupTick - now) * 1000 / TicksPerSecond)
	}
	cur.WakeupTick = 0
	cur.SetState(TaskRunning)
	return remaining
}

// newTask allocates a task bound to this scheduler. The body runs on its
// own goroutine once the scheduler first selects the task.
func (s *Scheduler) newTask(name string, body func(*Task)) *Task {
	t := &Task{
		Name:   name,
		fn:     body,
		sched:  s,
		resume: make(chan struct{}),
		done:   make(chan struct{}),
	}
	t.schedNode.Init(t)
	t.siblingNode.Init(t)
	t.wait.node.Init(t)
	t.children.Init()
	t.SetState(TaskRunnable)

	go func() {
		<-t.resume

		// First entry for this task: nobody yielded on our behalf, so
		// the handed-off scheduler lock is ours to release.
		s.lock.Release()

		t.fn(t)
		s.Exit(t, 0)
	}()

	return t
}

// NewDetachedTask creates a task that is never scheduled: a context
// handle for boot-time init paths and tests whose operations complete
// without parking. Blocking on it deadlocks by construction.
func NewDetachedTask(name string) *Task {
	t := &Task{
		Name:   name,
		resume: make(chan struct{}),
		done:   make(chan struct{}),
	}
	t.schedNode.Init(t)
	t.siblingNode.Init(t)
	t.wait.node.Init(t)
	t.children.Init()
	t.SetState(TaskRunning)
	return t
}

// NewKernelTask creates and registers a kernel task. It becomes runnable
// immediately.
func (s *Scheduler) NewKernelTask(name string, body func(*Task)) *Task {
	t := s.newTask(name, body)
	t.SetFlag(FlagKernel)
	s.addTask(t)
	return t
}

// addTask assigns a pid and links the task at the end of the schedule
// list. Adding at the end keeps a rapidly forking task from starving
// everyone else.
func (s *Scheduler) addTask(t *Task) {
	s.lock.Acquire()
	if t.Pid == 0 {
		t.Pid = s.nextPid
		s.nextPid++
	}
	if t.Pgid == 0 {
		t.Pgid = t.Pid
	}
	if t.Sid == 0 {
		t.Sid = t.Pid
	}
	s.tasks.PushBack(&t.schedNode)
	s.lock.Release()
	s.pokeIdle()
}

// Fork creates a child of cur running body, cloning the address space
// and signal dispositions. The child's saved user frame returns zero.
func (s *Scheduler) Fork(cur *Task, name string, body func(*Task)) (*Task, error) {
	child := s.newTask(name, body)

	child.Parent = cur
	child.Pgid = cur.Pgid
	child.Sid = cur.Sid
	child.TTY = cur.TTY
	child.sigBlocked.Store(cur.sigBlocked.Load())
	child.sigActions = cur.sigActions
	if cur.TestFlag(FlagKernel) {
		child.SetFlag(FlagKernel)
	}

	if cur.AddrSpace != nil {
		as, err := cur.AddrSpace.Clone()
		if err != nil {
			return nil, err
		}
		child.AddrSpace = as
	}

	if cur.Frame != nil {
		f := *cur.Frame
		f.SetReturn(0)
		child.Frame = &f
	}

	s.addTask(child)

	s.lock.Acquire()
	cur.children.PushBack(&child.siblingNode)
	s.lock.Release()

	return child, nil
}

// Exit terminates the current task. Tasks with a parent linger as
// zombies until reaped; orphans go straight to the dead list for the
// scheduler to free. Never returns.
func (s *Scheduler) Exit(cur *Task, code int) {
	cur.ExitCode = code

	if cur.AddrSpace != nil {
		cur.AddrSpace.Release()
		cur.AddrSpace = nil
	}

	// Orphan our children onto no parent; they self-reap on exit.
	s.lock.Acquire()
	for {
		c := cur.children.TakeFirst()
		if c == nil {
			break
		}
		c.Parent = nil
	}

	parent := cur.Parent
	if parent != nil {
		cur.SetState(TaskZombie)
	} else {
		cur.SetState(TaskDead)
		s.tasks.Remove(&cur.schedNode)
		s.dead.PushBack(&cur.schedNode)
	}
	s.lock.Release()

	if parent != nil {
		s.SendSignalTask(parent, SIGCHLD, false)
		parent.childWait.Wake()
	}

	close(cur.done)

	// Final switch away. The handed-off lock discipline applies: we
	// acquire, and whoever runs next releases. The goroutine must not
	// run past this point - the task no longer exists to the scheduler.
	s.lock.Acquire()
	s.schedResume <- struct{}{}
	runtime.Goexit()
}

// freeTask detaches a dead task's remaining links. Runs in the
// scheduler, with the scheduler lock held.
func (s *Scheduler) freeTask(t *Task) {
	if t.Parent != nil {
		t.Parent.children.Remove(&t.siblingNode)
		t.Parent = nil
	}
}

// Flags for WaitPid.
const WNOHANG = 1

// WaitPid reaps a zombie child. pid > 0 waits for that child, pid == -1
// for any child, pid < -1 for any child in the process group -pid. With
// WNOHANG it returns (0, 0, nil) when no child is ready.
func (s *Scheduler) WaitPid(cur *Task, pid int, flags int) (int, int, error) {
	for {
		var zombie *Task
		hasCandidate := false

		s.lock.Acquire()
		cur.children.ForEach(func(c *Task) bool {
			if pid > 0 && c.Pid != pid {
				return true
			}
			if pid < -1 && c.Pgid != -pid {
				return true
			}
			hasCandidate = true
			if c.State() == TaskZombie {
				zombie = c
				return false
			}
			return true
		})

		if zombie != nil {
			cur.children.Remove(&zombie.siblingNode)
			zombie.Parent = nil
			zombie.SetState(TaskDead)
			s.tasks.Remove(&zombie.schedNode)
			s.dead.PushBack(&zombie.schedNode)
			s.lock.Release()
			return zombie.Pid, zombie.ExitCode, nil
		}
		s.lock.Release()

		if !hasCandidate {
			return 0, 0, errNoChild
		}
		if flags&WNOHANG != 0 {
			return 0, 0, nil
		}

		if cur.SignalPending() {
			return 0, 0, errRestartSys
		}

		cur.SetState(TaskIntrSleeping)
		cur.childWait.Register(cur)

		// A child may have died between the scan and registration.
		if s.hasZombieChild(cur, pid) {
			cur.SetState(TaskRunning)
			Unregister(cur)
			continue
		}

		s.Yield(cur)
		Unregister(cur)
		cur.SetState(TaskRunning)

		if cur.SignalPending() {
			return 0, 0, errRestartSys
		}
	}
}

func (s *Scheduler) hasZombieChild(cur *Task, pid int) bool {
	found := false
	s.lock.Acquire()
	cur.children.ForEach(func(c *Task) bool {
		if pid > 0 && c.Pid != pid {
			return true
		}
		if pid < -1 && c.Pgid != -pid {
			return true
		}
		if c.State() == TaskZombie {
			found = true
			return false
		}
		return true
	})
	s.lock.Release()
	return found
}

// TaskExists reports whether a task with the given pid is scheduled.
func (s *Scheduler) TaskExists(pid int) bool {
	found := false
	s.lock.Acquire()
	s.tasks.ForEach(func(t *Task) bool {
		if t.Pid == pid {
			found = true
			return false
		}
		return true
	})
	s.lock.Release()
	return found
}

// TaskInfo is a snapshot row for the tasks table.
type TaskInfo struct {
	Pid    int
	PPid   int
	Pgid   int
	State  string
	Killed bool
	Kernel bool
	Name   string
}

// Tasks snapshots the schedule list for the /proc surface.
func (s *Scheduler) Tasks() []TaskInfo {
	var out []TaskInfo
	s.lock.Acquire()
	s.tasks.ForEach(func(t *Task) bool {
		info := TaskInfo{
			Pid:    t.Pid,
			Pgid:   t.Pgid,
			State:  t.State().String(),
			Killed: t.TestFlag(FlagKilled),
			Kernel: t.TestFlag(FlagKernel),
			Name:   t.Name,
		}
		if t.Parent != nil {
			info.PPid = t.Parent.Pid
		}
		out = append(out, info)
		return true
	})
	s.lock.Release()
	return out
}
