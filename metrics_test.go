package kernos_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/behrlich/kernos"
)

func TestMetricsRecordAndSnapshot(t *testing.T) {
	m := kernos.NewMetrics()

	m.RecordSyscall()
	m.RecordSyscall()
	m.RecordContextSwitch()
	m.RecordSignal()
	m.RecordInterrupt(0x20)
	m.RecordInterrupt(0x20)
	m.RecordInterrupt(0x2e)
	m.RecordCacheHit()
	m.RecordCacheMiss()
	m.RecordBlockRead(1024)
	m.RecordBlockWrite(2048)
	m.RecordSync()
	m.RecordPacketIn()
	m.RecordPacketOut()
	m.RecordTCPSegmentIn()
	m.RecordTCPSegmentOut()
	m.RecordPipeRead(100)
	m.RecordPipeWrite(200)

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.Syscalls)
	assert.Equal(t, uint64(1), snap.ContextSwitches)
	assert.Equal(t, uint64(1), snap.SignalsSent)
	assert.Equal(t, uint64(3), snap.Interrupts)
	assert.Equal(t, uint64(1), snap.CacheHits)
	assert.Equal(t, uint64(1), snap.CacheMisses)
	assert.Equal(t, uint64(1), snap.BlockReads)
	assert.Equal(t, uint64(1024), snap.BlockReadBytes)
	assert.Equal(t, uint64(1), snap.BlockWrites)
	assert.Equal(t, uint64(2048), snap.BlockWriteBytes)
	assert.Equal(t, uint64(1), snap.Syncs)
	assert.Equal(t, uint64(1), snap.PacketsIn)
	assert.Equal(t, uint64(1), snap.PacketsOut)
	assert.Equal(t, uint64(1), snap.TCPSegmentsIn)
	assert.Equal(t, uint64(1), snap.TCPSegmentsOut)
	assert.Equal(t, uint64(100), snap.PipeBytesRead)
	assert.Equal(t, uint64(200), snap.PipeBytesWritten)

	// Per-vector counts survive alongside the running total.
	assert.Equal(t, uint64(2), m.InterruptCount(0x20))
	assert.Equal(t, uint64(1), m.InterruptCount(0x2e))
	assert.Equal(t, uint64(0), m.InterruptCount(0x21))
}

func TestMetricsNilReceiverIsSafe(t *testing.T) {
	// Subsystems running standalone (tests) have no metrics attached;
	// every record call must be a no-op, not a crash.
	var m *kernos.Metrics

	assert.NotPanics(t, func() {
		m.RecordSyscall()
		m.RecordContextSwitch()
		m.RecordSignal()
		m.RecordInterrupt(14)
		m.RecordCacheHit()
		m.RecordCacheMiss()
		m.RecordBlockRead(512)
		m.RecordBlockWrite(512)
		m.RecordSync()
		m.RecordPacketIn()
		m.RecordPacketOut()
		m.RecordTCPSegmentIn()
		m.RecordTCPSegmentOut()
		m.RecordPipeRead(1)
		m.RecordPipeWrite(1)
		m.Stop()
	})

	assert.Zero(t, m.Snapshot().Syscalls)
	assert.Zero(t, m.InterruptCount(14))
}

func TestMetricsOutOfRangeVectorIgnored(t *testing.T) {
	m := kernos.NewMetrics()
	m.RecordInterrupt(-1)
	m.RecordInterrupt(4096)
	assert.Zero(t, m.Snapshot().Interrupts)
}
