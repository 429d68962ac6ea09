package sched

import "sync/atomic"

// CPU models the single processor's interrupt bookkeeping: the
// interrupt-disable depth, the count of in-flight interrupt handlers,
// and the reschedule flag set by the timer.
//
// The target machine gets mutual exclusion by disabling interrupts; in
// this port each interrupt-disabling lock carries its own mutex for the
// data it guards, and the CPU keeps the depth accounting so the
// preemption rule (only at nest zero) still holds.
type CPU struct {
	intsDepth   atomic.Int32
	irqNest     atomic.Int32
	needResched atomic.Bool
}

// DisableInts pushes one level of interrupt-disable and reports whether
// interrupts were enabled beforehand.
func (c *CPU) DisableInts() bool {
	return c.intsDepth.Add(1) == 1
}

// RestoreInts pops one level of interrupt-disable. The enabled flag is
// the value the matching DisableInts returned; interrupts only come back
// on when the outermost acquirer had them on.
func (c *CPU) RestoreInts(enabled bool) {
	c.intsDepth.Add(-1)
	_ = enabled
}

// IntsEnabled reports whether interrupts are currently enabled.
func (c *CPU) IntsEnabled() bool {
	return c.intsDepth.Load() == 0
}

// EnterIRQ marks one interrupt handler in flight and returns the new
// nesting depth.
func (c *CPU) EnterIRQ() int32 {
	return c.irqNest.Add(1)
}

// ExitIRQ unwinds one interrupt handler and returns the remaining depth.
func (c *CPU) ExitIRQ() int32 {
	return c.irqNest.Add(-1)
}

// IRQNest returns the count of in-flight interrupt handlers.
func (c *CPU) IRQNest() int32 {
	return c.irqNest.Load()
}

// SetNeedResched requests a reschedule at the next opportunity.
func (c *CPU) SetNeedResched() {
	c.needResched.Store(true)
}

// TakeNeedResched consumes the reschedule request, returning whether one
// was pending.
func (c *CPU) TakeNeedResched() bool {
	return c.needResched.Swap(false)
}
