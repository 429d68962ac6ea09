package sched

import "sync"

// Spinlock is the interrupt-disabling lock used for scheduler data, the
// inode hash, and similar short critical sections.
//
// The locking here is a little tricky to understand. Normally Acquire
// and Release pair up within one task and the saved interrupt state
// round-trips through the lock. When the lock surrounds a context
// switch, however, it is acquired and released by two different tasks:
// the yielding task locks it and the task switched into unlocks it. The
// interrupt-enable bit of the outermost acquirer is saved into the lock
// so the matching Release, wherever it runs, restores the right state.
type Spinlock struct {
	mu  sync.Mutex
	cpu *CPU

	savedEnabled bool
}

// AttachCPU binds the lock to a CPU for interrupt-disable accounting.
// A lock with no CPU still excludes, it just skips the accounting.
func (l *Spinlock) AttachCPU(cpu *CPU) {
	l.cpu = cpu
}

// Acquire locks and disables interrupts, remembering whether they were
// enabled at the outermost acquire.
func (l *Spinlock) Acquire() {
	l.mu.Lock()
	if l.cpu != nil {
		l.savedEnabled = l.cpu.DisableInts()
	}
}

// Release re-enables interrupts if the outermost Acquire found them
// enabled, then unlocks. Release may legally run on a different task
// than Acquire; see the scheduler's handoff discipline.
func (l *Spinlock) Release() {
	if l.cpu != nil {
		l.cpu.RestoreInts(l.savedEnabled)
	}
	l.mu.Unlock()
}
