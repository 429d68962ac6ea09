package sched

import (
	"sync/atomic"

	"github.com/behrlich/kernos/internal/list"
)

// TaskState is the task's position in its lifecycle.
type TaskState int32

const (
	TaskNone TaskState = iota
	TaskRunning
	TaskRunnable
	TaskSleeping
	TaskIntrSleeping
	TaskZombie
	TaskDead
)

var taskStateNames = map[TaskState]string{
	TaskNone:         "none",
	TaskRunning:      "running",
	TaskRunnable:     "runnable",
	TaskSleeping:     "sleeping",
	TaskIntrSleeping: "isleeping",
	TaskZombie:       "zombie",
	TaskDead:         "dead",
}

func (s TaskState) String() string {
	if name, ok := taskStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Task flags, manipulated atomically.
const (
	FlagOnCPU uint32 = 1 << iota
	FlagPreempted
	FlagKilled
	FlagKernel
	FlagInPageFault
	FlagRWUser
)

// AddressSpace is the view the scheduler needs of a task's memory: it
// can be cloned for fork, consulted on a page fault, released on exit,
// and copied in/out of for user pointers.
type AddressSpace interface {
	Clone() (AddressSpace, error)
	Release()
	HandlePageFault(addr uint32, write bool) bool
	CopyOut(addr uint32, p []byte) error
	CopyIn(p []byte, addr uint32) error
}

// Task is one schedulable context.
type Task struct {
	Pid  int
	Pgid int
	Sid  int
	Name string

	state atomic.Int32
	flags atomic.Uint32

	// WakeupTick is the scheduler tick a timed sleep ends at; zero means
	// no timed wakeup is armed.
	WakeupTick uint64

	AddrSpace AddressSpace

	// Frame is the user-mode register save area stashed by the dispatcher
	// on entry from user mode.
	Frame *Frame

	// FaultRecovery is the resume point for a fault taken while the
	// kernel dereferences a user pointer (the task also carries
	// FlagRWUser); the page-fault handler rewrites the trap frame to it.
	FaultRecovery uint32

	Parent      *Task
	children    list.Head[Task]
	siblingNode list.Node[Task]

	// TTY receives user-visible diagnostics ("Seg-Fault - ..."); nil for
	// kernel tasks with no controlling terminal.
	TTY TTYWriter

	schedNode list.Node[Task]
	wait      waitNode
	childWait WaitQueue

	sigPending atomic.Uint64
	sigBlocked atomic.Uint64
	sigActions [NSIG]SigAction
	stopped    bool

	ExitCode int

	sched  *Scheduler
	fn     func(*Task)
	resume chan struct{}
	done   chan struct{}
}

// TTYWriter is the controlling-terminal sink for task diagnostics.
type TTYWriter interface {
	WriteString(s string)
}

// waitNode parks a task on at most one wait queue at a time.
type waitNode struct {
	node  list.Node[Task]
	queue *WaitQueue
}

// State returns the task's current state.
func (t *Task) State() TaskState {
	return TaskState(t.state.Load())
}

// SetState transitions the task's state.
func (t *Task) SetState(s TaskState) {
	t.state.Store(int32(s))
}

// TestFlag reports whether the given flag is set.
func (t *Task) TestFlag(flag uint32) bool {
	return t.flags.Load()&flag != 0
}

// SetFlag sets the given flag.
func (t *Task) SetFlag(flag uint32) {
	for {
		old := t.flags.Load()
		if t.flags.CompareAndSwap(old, old|flag) {
			return
		}
	}
}

// ClearFlag clears the given flag.
func (t *Task) ClearFlag(flag uint32) {
	for {
		old := t.flags.Load()
		if t.flags.CompareAndSwap(old, old&^flag) {
			return
		}
	}
}

// Scheduler returns the scheduler that owns this task.
func (t *Task) Scheduler() *Scheduler {
	return t.sched
}

// Done is closed once the task has fully exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Kill marks the task for termination at its next kernel exit.
func (t *Task) Kill() {
	t.SetFlag(FlagKilled)
}
