// Package stats holds the kernel-wide counters. Subsystems record into
// one shared Metrics instance through explicit Record methods at their
// real call sites: the scheduler on context switches and signals, the
// interrupt controller per vector, the buffer cache on hits, misses,
// and transfers, the network stack per packet and TCP segment, and
// pipes per byte moved.
package stats

import (
	"sync/atomic"
	"time"
)

// NumVectors matches the interrupt vector table size.
const NumVectors = 256

// Metrics tracks kernel-wide operational statistics. Every Record
// method is safe on a nil receiver, so subsystems that were never
// attached to a kernel (standalone tests) record into the void.
type Metrics struct {
	// Syscall, scheduling and signal counters
	Syscalls        atomic.Uint64 // Total syscalls dispatched
	ContextSwitches atomic.Uint64 // Voluntary and preemptive switches
	SignalsSent     atomic.Uint64 // Signals queued

	// Interrupt counters, per vector plus a running total
	InterruptTotal atomic.Uint64
	interrupts     [NumVectors]atomic.Uint64

	// Block layer counters
	CacheHits       atomic.Uint64 // Buffer found VALID in the cache
	CacheMisses     atomic.Uint64 // Buffer filled from the device
	BlockReads      atomic.Uint64 // Blocks read through the cache
	BlockWrites     atomic.Uint64 // Blocks written back
	BlockReadBytes  atomic.Uint64
	BlockWriteBytes atomic.Uint64
	Syncs           atomic.Uint64 // Whole-kernel sync passes

	// Network counters
	PacketsIn      atomic.Uint64
	PacketsOut     atomic.Uint64
	TCPSegmentsIn  atomic.Uint64
	TCPSegmentsOut atomic.Uint64

	// Pipe counters
	PipeBytesRead    atomic.Uint64
	PipeBytesWritten atomic.Uint64

	// Lifecycle
	StartTime atomic.Int64 // Boot timestamp (UnixNano)
	StopTime  atomic.Int64 // Shutdown timestamp (UnixNano)
}

// New creates a metrics instance stamped with the current time.
func New() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// Stop stamps the shutdown time.
func (m *Metrics) Stop() {
	if m == nil {
		return
	}
	m.StopTime.Store(time.Now().UnixNano())
}

// Uptime returns the time since boot.
func (m *Metrics) Uptime() time.Duration {
	if m == nil {
		return 0
	}
	start := m.StartTime.Load()
	end := m.StopTime.Load()
	if end == 0 {
		end = time.Now().UnixNano()
	}
	return time.Duration(end - start)
}

// RecordSyscall counts one dispatched syscall.
func (m *Metrics) RecordSyscall() {
	if m == nil {
		return
	}
	m.Syscalls.Add(1)
}

// RecordContextSwitch counts one switch away from a task.
func (m *Metrics) RecordContextSwitch() {
	if m == nil {
		return
	}
	m.ContextSwitches.Add(1)
}

// RecordSignal counts one queued signal.
func (m *Metrics) RecordSignal() {
	if m == nil {
		return
	}
	m.SignalsSent.Add(1)
}

// RecordInterrupt counts one dispatch of the given vector.
func (m *Metrics) RecordInterrupt(vector int) {
	if m == nil || vector < 0 || vector >= NumVectors {
		return
	}
	m.InterruptTotal.Add(1)
	m.interrupts[vector].Add(1)
}

// InterruptCount returns the dispatch count recorded for a vector.
func (m *Metrics) InterruptCount(vector int) uint64 {
	if m == nil || vector < 0 || vector >= NumVectors {
		return 0
	}
	return m.interrupts[vector].Load()
}

// RecordCacheHit counts a lookup served from a VALID buffer.
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.CacheHits.Add(1)
}

// RecordCacheMiss counts a lookup that had to touch the device.
func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.CacheMisses.Add(1)
}

// RecordBlockRead counts one block pulled in from a device.
func (m *Metrics) RecordBlockRead(bytes int) {
	if m == nil {
		return
	}
	m.BlockReads.Add(1)
	m.BlockReadBytes.Add(uint64(bytes))
}

// RecordBlockWrite counts one block pushed out to a device.
func (m *Metrics) RecordBlockWrite(bytes int) {
	if m == nil {
		return
	}
	m.BlockWrites.Add(1)
	m.BlockWriteBytes.Add(uint64(bytes))
}

// RecordSync counts one whole-kernel sync pass.
func (m *Metrics) RecordSync() {
	if m == nil {
		return
	}
	m.Syncs.Add(1)
}

// RecordPacketIn counts one datagram up from an interface.
func (m *Metrics) RecordPacketIn() {
	if m == nil {
		return
	}
	m.PacketsIn.Add(1)
}

// RecordPacketOut counts one datagram down to an interface.
func (m *Metrics) RecordPacketOut() {
	if m == nil {
		return
	}
	m.PacketsOut.Add(1)
}

// RecordTCPSegmentIn counts one received TCP segment.
func (m *Metrics) RecordTCPSegmentIn() {
	if m == nil {
		return
	}
	m.TCPSegmentsIn.Add(1)
}

// RecordTCPSegmentOut counts one transmitted TCP segment.
func (m *Metrics) RecordTCPSegmentOut() {
	if m == nil {
		return
	}
	m.TCPSegmentsOut.Add(1)
}

// RecordPipeRead counts bytes drained from a pipe.
func (m *Metrics) RecordPipeRead(bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.PipeBytesRead.Add(uint64(bytes))
}

// RecordPipeWrite counts bytes buffered into a pipe.
func (m *Metrics) RecordPipeWrite(bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.PipeBytesWritten.Add(uint64(bytes))
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	Syscalls        uint64 `json:"syscalls"`
	ContextSwitches uint64 `json:"context_switches"`
	SignalsSent     uint64 `json:"signals_sent"`
	Interrupts      uint64 `json:"interrupts"`

	CacheHits       uint64 `json:"cache_hits"`
	CacheMisses     uint64 `json:"cache_misses"`
	BlockReads      uint64 `json:"block_reads"`
	BlockWrites     uint64 `json:"block_writes"`
	BlockReadBytes  uint64 `json:"block_read_bytes"`
	BlockWriteBytes uint64 `json:"block_write_bytes"`
	Syncs           uint64 `json:"syncs"`

	PacketsIn      uint64 `json:"packets_in"`
	PacketsOut     uint64 `json:"packets_out"`
	TCPSegmentsIn  uint64 `json:"tcp_segments_in"`
	TCPSegmentsOut uint64 `json:"tcp_segments_out"`

	PipeBytesRead    uint64 `json:"pipe_bytes_read"`
	PipeBytesWritten uint64 `json:"pipe_bytes_written"`

	UptimeSeconds float64 `json:"uptime_seconds"`
}

// Snapshot copies the counters out.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		Syscalls:        m.Syscalls.Load(),
		ContextSwitches: m.ContextSwitches.Load(),
		SignalsSent:     m.SignalsSent.Load(),
		Interrupts:      m.InterruptTotal.Load(),

		CacheHits:       m.CacheHits.Load(),
		CacheMisses:     m.CacheMisses.Load(),
		BlockReads:      m.BlockReads.Load(),
		BlockWrites:     m.BlockWrites.Load(),
		BlockReadBytes:  m.BlockReadBytes.Load(),
		BlockWriteBytes: m.BlockWriteBytes.Load(),
		Syncs:           m.Syncs.Load(),

		PacketsIn:      m.PacketsIn.Load(),
		PacketsOut:     m.PacketsOut.Load(),
		TCPSegmentsIn:  m.TCPSegmentsIn.Load(),
		TCPSegmentsOut: m.TCPSegmentsOut.Load(),

		PipeBytesRead:    m.PipeBytesRead.Load(),
		PipeBytesWritten: m.PipeBytesWritten.Load(),

		UptimeSeconds: m.Uptime().Seconds(),
	}
}
