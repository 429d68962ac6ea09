package kernos

import "github.com/behrlich/kernos/internal/stats"

// Metrics is re-exported from the internal stats package, where the
// subsystems record into it: the scheduler (context switches, signals),
// the interrupt controller (per-vector counts), the buffer cache (hits,
// misses, block transfers), the network stack (packets, TCP segments),
// and pipes (bytes moved). The kernel attaches one instance to every
// subsystem at construction.
type Metrics = stats.Metrics

// MetricsSnapshot is a point-in-time copy of every counter.
type MetricsSnapshot = stats.Snapshot

// NewMetrics creates a metrics instance stamped with the current time.
func NewMetrics() *Metrics {
	return stats.New()
}
