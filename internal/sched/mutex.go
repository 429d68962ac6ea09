package sched

// Mutex is the sleepable lock: a contended acquire parks the task on the
// mutex's wait queue instead of spinning. It guards state held across
// I/O, where the owner may block.
type Mutex struct {
	lock   Spinlock
	queue  WaitQueue
	holder *Task
}

// Lock acquires the mutex, sleeping uninterruptibly while it is held by
// another task.
func (m *Mutex) Lock(cur *Task) {
	for {
		m.lock.Acquire()
		if m.holder == nil {
			m.holder = cur
			m.lock.Release()
			return
		}

		cur.SetState(TaskSleeping)
		m.queue.Register(cur)

		// Re-check under the lock: the holder may have released between
		// our first check and registration.
		if m.holder == nil {
			m.holder = cur
			cur.SetState(TaskRunning)
			m.lock.Release()
			Unregister(cur)
			return
		}

		m.lock.Release()
		cur.sched.Yield(cur)
		Unregister(cur)
		cur.SetState(TaskRunning)
	}
}

// TryLock acquires the mutex without sleeping, reporting success.
func (m *Mutex) TryLock(cur *Task) bool {
	m.lock.Acquire()
	defer m.lock.Release()
	if m.holder != nil {
		return false
	}
	m.holder = cur
	return true
}

// Unlock releases the mutex and wakes the head sleeper.
func (m *Mutex) Unlock(cur *Task) {
	m.lock.Acquire()
	m.holder = nil
	m.lock.Release()

	m.queue.Wake()
}

// HeldBy reports whether the mutex is currently held by t. Used in
// assertions only.
func (m *Mutex) HeldBy(t *Task) bool {
	m.lock.Acquire()
	defer m.lock.Release()
	return m.holder == t
}
