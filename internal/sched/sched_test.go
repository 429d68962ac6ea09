package sched_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/kernos/internal/kerr"
	"github.com/behrlich/kernos/internal/mm"
	"github.com/behrlich/kernos/internal/sched"
)

// startScheduler spins up a scheduler and tears it down with the test.
func startScheduler(t *testing.T) *sched.Scheduler {
	t.Helper()
	s := sched.New()
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

// wait joins a task with a timeout so a scheduling bug fails the test
// instead of hanging it.
func wait(t *testing.T, task *sched.Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("task %q did not finish", task.Name)
	}
}

func TestKernelTaskRuns(t *testing.T) {
	s := startScheduler(t)

	ran := false
	task := s.NewKernelTask("worker", func(*sched.Task) {
		ran = true
	})
	wait(t, task)

	assert.True(t, ran)
	assert.Greater(t, task.Pid, 0)
}

func TestRoundRobinInterleaving(t *testing.T) {
	// Both tasks are registered before the scheduler starts, so neither
	// can run to completion before the other exists.
	s := sched.New()

	var order []int
	mkTask := func(id int) *sched.Task {
		return s.NewKernelTask("worker", func(cur *sched.Task) {
			for i := 0; i < 3; i++ {
				order = append(order, id)
				s.Yield(cur)
			}
		})
	}

	a := mkTask(1)
	b := mkTask(2)
	s.Start()
	t.Cleanup(s.Stop)
	wait(t, a)
	wait(t, b)

	require.Len(t, order, 6)
	// Yielding tasks alternate: after both are started, no task runs
	// twice in a row.
	for i := 2; i < len(order); i++ {
		assert.NotEqual(t, order[i], order[i-1], "order %v", order)
	}
}

func TestTimedSleepWakesOnTick(t *testing.T) {
	s := startScheduler(t)

	woke := make(chan uint64, 1)
	task := s.NewKernelTask("sleeper", func(cur *sched.Task) {
		s.SleepMS(cur, 50)
		woke <- s.Ticks()
	})

	// Drive virtual time until the sleeper wakes; 50ms at 100 ticks/sec
	// is 5 ticks.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-task.Done():
		case <-deadline:
			t.Fatal("sleeper never woke")
		default:
			s.Tick()
			time.Sleep(time.Millisecond)
			continue
		}
		break
	}

	assert.GreaterOrEqual(t, <-woke, uint64(5))
}

func TestSignalWakesInterruptibleSleepOnly(t *testing.T) {
	s := startScheduler(t)

	result := make(chan uint32, 1)
	task := s.NewKernelTask("sleeper", func(cur *sched.Task) {
		// Long sleep; a signal should cut it short.
		result <- s.SleepMS(cur, 10_000)
	})

	// Keep signalling until the sleeper has seen it; the first send can
	// race the task parking.
	for {
		s.SendSignalTask(task, sched.SIGUSR1, false)
		select {
		case <-task.Done():
		case <-time.After(time.Millisecond):
			continue
		}
		break
	}

	wait(t, task)
	remaining := <-result
	assert.Greater(t, remaining, uint32(0), "sleep should report time remaining")
}

func TestWaitQueueNoLostWakeup(t *testing.T) {
	s := startScheduler(t)

	var mu sched.Mutex
	var q sched.WaitQueue
	ready := false

	consumer := s.NewKernelTask("consumer", func(cur *sched.Task) {
		mu.Lock(cur)
		q.WaitEventMutex(cur, func() bool { return ready }, &mu)
		mu.Unlock(cur)
	})

	producer := s.NewKernelTask("producer", func(cur *sched.Task) {
		mu.Lock(cur)
		ready = true
		mu.Unlock(cur)
		q.Wake()
	})

	wait(t, producer)
	wait(t, consumer)
}

func TestWaitQueueWakeStress(t *testing.T) {
	s := startScheduler(t)

	var mu sched.Mutex
	var q sched.WaitQueue
	pending := 0

	const rounds = 200

	consumer := s.NewKernelTask("consumer", func(cur *sched.Task) {
		for got := 0; got < rounds; {
			mu.Lock(cur)
			q.WaitEventMutex(cur, func() bool { return pending > 0 }, &mu)
			pending--
			got++
			mu.Unlock(cur)
		}
	})

	producer := s.NewKernelTask("producer", func(cur *sched.Task) {
		for i := 0; i < rounds; i++ {
			mu.Lock(cur)
			pending++
			mu.Unlock(cur)
			q.Wake()
			if i%7 == 0 {
				s.Yield(cur)
			}
		}
	})

	wait(t, producer)
	wait(t, consumer)
	assert.Equal(t, 0, pending)
}

func TestMutexExcludes(t *testing.T) {
	s := startScheduler(t)

	var mu sched.Mutex
	counter := 0
	inside := 0
	maxInside := 0

	mkTask := func() *sched.Task {
		return s.NewKernelTask("locker", func(cur *sched.Task) {
			for i := 0; i < 100; i++ {
				mu.Lock(cur)
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				counter++
				s.Yield(cur) // hold across a switch; the lock must still exclude
				inside--
				mu.Unlock(cur)
			}
		})
	}

	a := mkTask()
	b := mkTask()
	wait(t, a)
	wait(t, b)

	assert.Equal(t, 200, counter)
	assert.Equal(t, 1, maxInside, "two tasks inside the mutex at once")
}

func TestForkAndWaitPid(t *testing.T) {
	s := startScheduler(t)

	parent := s.NewKernelTask("parent", func(cur *sched.Task) {
		child, err := s.Fork(cur, "child", func(c *sched.Task) {
			s.Exit(c, 42)
		})
		if !assert.NoError(t, err) {
			return
		}

		pid, status, err := s.WaitPid(cur, child.Pid, 0)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, child.Pid, pid)
		assert.Equal(t, 42, status)
	})

	wait(t, parent)
}

func TestWaitPidNoChildren(t *testing.T) {
	s := startScheduler(t)

	task := s.NewKernelTask("lonely", func(cur *sched.Task) {
		_, _, err := s.WaitPid(cur, -1, 0)
		assert.Equal(t, kerr.ECHILD, err)
	})
	wait(t, task)
}

func TestSendSignalByPgrp(t *testing.T) {
	s := startScheduler(t)

	parent := s.NewKernelTask("leader", func(cur *sched.Task) {
		child, err := s.Fork(cur, "member", func(c *sched.Task) {
			// Park interruptibly until the group signal arrives.
			for !c.SignalPending() {
				s.SleepMS(c, 1000)
			}
		})
		if !assert.NoError(t, err) {
			return
		}

		// Children share the parent's process group.
		assert.Equal(t, cur.Pgid, child.Pgid)

		assert.NoError(t, s.SendSignal(-cur.Pgid, sched.SIGTERM, false))
		assert.True(t, cur.SignalPending())

		_, _, err = s.WaitPid(cur, child.Pid, 0)
		// Our own pending signal may interrupt the wait; retry once.
		if err != nil {
			cur.SetSigBlocked(^uint64(0))
			_, _, err = s.WaitPid(cur, child.Pid, 0)
		}
		assert.NoError(t, err)
	})

	wait(t, parent)
}

func TestSendSignalNoSuchPid(t *testing.T) {
	s := startScheduler(t)
	assert.Equal(t, kerr.ESRCH, s.SendSignal(99999, sched.SIGTERM, false))
	assert.Equal(t, kerr.EINVAL, s.SendSignal(1, 0, false))
}

// userFrame builds a frame that looks like an entry from user mode.
func userFrame() *sched.Frame {
	return &sched.Frame{CS: 3, SP: 0x8000, IP: 0x1000}
}

func TestSignalDefaultKills(t *testing.T) {
	s := startScheduler(t)

	// Pid 1 is init, which ignores every signal; the victim must be another task.
	wait(t, s.NewKernelTask("init", func(*sched.Task) {}))

	task := s.NewKernelTask("victim", func(cur *sched.Task) {
		s.SendSignalTask(cur, sched.SIGTERM, false)
		frame := userFrame()
		s.SignalHandle(cur, frame)
		assert.True(t, cur.TestFlag(sched.FlagKilled))
	})
	wait(t, task)
}

func TestSignalDefaultIgnores(t *testing.T) {
	s := startScheduler(t)

	task := s.NewKernelTask("survivor", func(cur *sched.Task) {
		s.SendSignalTask(cur, sched.SIGWINCH, false)
		s.SignalHandle(cur, userFrame())
		assert.False(t, cur.TestFlag(sched.FlagKilled))
		assert.False(t, cur.SignalPending())
	})
	wait(t, task)
}

func TestSignalHandlerRedirectsFrame(t *testing.T) {
	s := startScheduler(t)

	task := s.NewKernelTask("handled", func(cur *sched.Task) {
		as := mm.NewAddressSpace(nil)
		assert.NoError(t, as.Map(0, 0x10000, mm.PTEWritable))
		cur.AddrSpace = as

		const handlerAddr = 0x5000
		assert.NoError(t, cur.SetSigAction(sched.SIGUSR1, sched.SigAction{
			Handler: sched.SigHandler(handlerAddr),
		}))

		s.SendSignalTask(cur, sched.SIGUSR1, false)

		frame := userFrame()
		origSP := frame.SP
		jumped := s.SignalHandle(cur, frame)

		if !assert.True(t, jumped) {
			return
		}
		assert.Equal(t, uint32(handlerAddr), frame.IP)
		assert.Less(t, frame.SP, origSP, "context and trampoline pushed on the user stack")

		// The signal is blocked while its handler runs.
		assert.NotZero(t, cur.SigBlocked()&(1<<(sched.SIGUSR1-1)))

		// Returning through the trampoline restores the original frame
		// and mask. The stack pointer sits at the saved context after
		// the return address popped.
		ret := *frame
		ret.SP += 4
		assert.NoError(t, s.Sigreturn(cur, &ret))
		assert.Equal(t, origSP, ret.SP)
		assert.Equal(t, uint32(0x1000), ret.IP)
		assert.Zero(t, cur.SigBlocked()&(1<<(sched.SIGUSR1-1)))

		cur.AddrSpace = nil
		as.Release()
	})
	wait(t, task)
}

func TestSyscallRestartSentinels(t *testing.T) {
	s := startScheduler(t)

	task := s.NewKernelTask("restarter", func(cur *sched.Task) {
		// No handler: a restartable sentinel re-issues the syscall by
		// rewinding the trap instruction.
		frame := userFrame()
		frame.PrevSyscall = 162
		frame.SetReturn(-int32(kerr.ERESTARTSYS))
		origIP := frame.IP

		s.SignalHandle(cur, frame)
		assert.Equal(t, origIP-2, frame.IP)
		assert.Equal(t, uint32(162), frame.AX)
	})
	wait(t, task)
}

func TestSyscallRestartWithHandler(t *testing.T) {
	s := startScheduler(t)

	task := s.NewKernelTask("restarter", func(cur *sched.Task) {
		as := mm.NewAddressSpace(nil)
		assert.NoError(t, as.Map(0, 0x10000, mm.PTEWritable))
		cur.AddrSpace = as

		// Handler without SA_RESTART: ERESTARTSYS becomes EINTR.
		assert.NoError(t, cur.SetSigAction(sched.SIGUSR1, sched.SigAction{Handler: 0x6000}))
		s.SendSignalTask(cur, sched.SIGUSR1, false)

		frame := userFrame()
		frame.PrevSyscall = 162
		frame.SetReturn(-int32(kerr.ERESTARTSYS))
		s.SignalHandle(cur, frame)

		// The saved context carries EINTR for when the handler returns.
		ret := *frame
		ret.SP += 4
		assert.NoError(t, s.Sigreturn(cur, &ret))
		assert.Equal(t, -int32(kerr.EINTR), ret.ReturnValue())

		cur.AddrSpace = nil
		as.Release()
	})
	wait(t, task)
}

func TestSAOneshotResetsHandler(t *testing.T) {
	s := startScheduler(t)

	task := s.NewKernelTask("oneshot", func(cur *sched.Task) {
		as := mm.NewAddressSpace(nil)
		assert.NoError(t, as.Map(0, 0x10000, mm.PTEWritable))
		cur.AddrSpace = as

		assert.NoError(t, cur.SetSigAction(sched.SIGUSR2, sched.SigAction{
			Handler: 0x7000,
			Flags:   sched.SAOneshot,
		}))

		s.SendSignalTask(cur, sched.SIGUSR2, false)
		s.SignalHandle(cur, userFrame())

		assert.Equal(t, sched.SigDfl, cur.SigAction(sched.SIGUSR2).Handler)

		cur.AddrSpace = nil
		as.Release()
	})
	wait(t, task)
}

func TestUnblockableSignals(t *testing.T) {
	s := startScheduler(t)

	task := s.NewKernelTask("blocked", func(cur *sched.Task) {
		err := cur.SetSigAction(sched.SIGKILL, sched.SigAction{Handler: sched.SigIgn})
		assert.Equal(t, kerr.EINVAL, err)

		cur.SetSigBlocked(^uint64(0))
		assert.Zero(t, cur.SigBlocked()&sched.SigUnblockable)
	})
	wait(t, task)
}

func TestPreemptPoint(t *testing.T) {
	s := startScheduler(t)

	switched := false
	a := s.NewKernelTask("busy", func(cur *sched.Task) {
		s.Tick() // sets the reschedule flag
		s.PreemptPoint(cur)
		switched = true
	})
	wait(t, a)
	assert.True(t, switched)
	assert.False(t, s.CPU().TakeNeedResched(), "preempt point consumed the flag")
}

func TestTasksSnapshot(t *testing.T) {
	s := startScheduler(t)

	block := make(chan struct{})
	task := s.NewKernelTask("snapshot-me", func(cur *sched.Task) {
		<-block
	})

	// The task is registered as soon as NewKernelTask returns.
	infos := s.Tasks()
	found := false
	for _, info := range infos {
		if info.Pid == task.Pid {
			found = true
			assert.Equal(t, "snapshot-me", info.Name)
			assert.True(t, info.Kernel)
		}
	}
	assert.True(t, found)

	close(block)
	wait(t, task)
}
