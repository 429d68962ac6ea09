package sched

import (
	"github.com/behrlich/kernos/internal/kerr"
	"github.com/behrlich/kernos/internal/list"
)

// WaitQueue is an intrusive list of parked tasks, used as the kernel's
// condition-variable primitive.
type WaitQueue struct {
	lock    Spinlock
	waiters list.Head[Task]
}

// Register parks the current task's wait node on q, unregistering from
// any queue it was on before. The caller must already have set its state
// to SLEEPING or INTR_SLEEPING for the wake side to see it.
func (q *WaitQueue) Register(cur *Task) {
	Unregister(cur)

	q.lock.Acquire()
	q.waiters.PushBack(&cur.wait.node)
	cur.wait.queue = q
	q.lock.Release()
}

// Unregister removes the current task from whatever queue it is on.
func Unregister(cur *Task) {
	q := cur.wait.queue
	if q == nil {
		return
	}

	// Take the lock before checking membership; we may be removed from
	// the list concurrently by a waker.
	q.lock.Acquire()
	if cur.wait.node.InList() {
		q.waiters.Remove(&cur.wait.node)
	}
	q.lock.Release()
}

// Wake wakes the first sleeping task on the queue and reports how many
// tasks were woken (0 or 1).
//
// It is important to wake the next *sleeping* task rather than just the
// next task: to prevent lost wake-ups, tasks set themselves sleeping,
// register, and then re-check whether they actually need to wait. A task
// that reset itself to running is as good as unregistered even if its
// node is still linked.
func (q *WaitQueue) Wake() int {
	waken := 0

	q.lock.Acquire()
	for {
		t := q.waiters.TakeFirst()
		if t == nil {
			break
		}
		if t.State() == TaskSleeping || t.State() == TaskIntrSleeping {
			t.sched.WakeTask(t)
			waken++
			break
		}
	}
	q.lock.Release()

	return waken
}

// WakeAll wakes every task linked on the queue.
func (q *WaitQueue) WakeAll() int {
	waken := 0

	q.lock.Acquire()
	for {
		t := q.waiters.TakeFirst()
		if t == nil {
			break
		}
		t.sched.WakeTask(t)
		waken++
	}
	q.lock.Release()

	return waken
}

// WaitEventMutex parks cur on q until cond reports true. The mutex must
// be held on entry and is held again on return; it is dropped across the
// yield. The sleep is uninterruptible.
func (q *WaitQueue) WaitEventMutex(cur *Task, cond func() bool, m *Mutex) {
	for {
		if cond() {
			return
		}

		cur.SetState(TaskSleeping)
		q.Register(cur)

		// Re-check with the node registered; a wake between the first
		// check and Register would otherwise be lost.
		if cond() {
			cur.SetState(TaskRunning)
			Unregister(cur)
			return
		}

		m.Unlock(cur)
		cur.sched.Yield(cur)
		Unregister(cur)
		cur.SetState(TaskRunning)
		m.Lock(cur)
	}
}

// WaitEventIntrMutex is WaitEventMutex with an interruptible sleep: a
// pending signal aborts the wait with ERESTARTSYS so the syscall layer
// can arrange a restart.
func (q *WaitQueue) WaitEventIntrMutex(cur *Task, cond func() bool, m *Mutex) error {
	for {
		if cond() {
			return nil
		}

		if cur.SignalPending() {
			return kerr.ERESTARTSYS
		}

		cur.SetState(TaskIntrSleeping)
		q.Register(cur)

		if cond() {
			cur.SetState(TaskRunning)
			Unregister(cur)
			return nil
		}

		m.Unlock(cur)
		cur.sched.Yield(cur)
		Unregister(cur)
		cur.SetState(TaskRunning)
		m.Lock(cur)
	}
}

// WaitEventSpinlock parks cur on q until cond reports true, dropping the
// spinlock across the yield. Uninterruptible.
func (q *WaitQueue) WaitEventSpinlock(cur *Task, cond func() bool, sl *Spinlock) {
	for {
		if cond() {
			return
		}

		cur.SetState(TaskSleeping)
		q.Register(cur)

		if cond() {
			cur.SetState(TaskRunning)
			Unregister(cur)
			return
		}

		sl.Release()
		cur.sched.Yield(cur)
		Unregister(cur)
		cur.SetState(TaskRunning)
		sl.Acquire()
	}
}
