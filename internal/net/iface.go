package net

import (
	"sync/atomic"

	"github.com/behrlich/kernos/internal/sched"
)

// Interface flags.
const (
	IfaceUp uint32 = 1 << iota
	IfaceLoopback
)

// Interface is one network device attachment: an address, a netmask,
// and a link-layer transmit hook. The loopback interface feeds
// transmitted packets straight back into the stack's receive path.
type Interface struct {
	Name   string
	Addr   IPv4
	Mask   IPv4
	HWAddr [6]byte

	flags atomic.Uint32
	refs  atomic.Int32

	// transmit hands a fully formed IP packet to the link layer, in the
	// transmitting task's context.
	transmit func(*sched.Task, *Packet)

	stats IfaceStats
}

// IfaceStats counts traffic through an interface.
type IfaceStats struct {
	RxPackets atomic.Uint64
	TxPackets atomic.Uint64
	RxBytes   atomic.Uint64
	TxBytes   atomic.Uint64
}

// Up reports whether the interface is up. Routes through a downed
// interface are skipped during lookup.
func (ifc *Interface) Up() bool {
	return ifc.flags.Load()&IfaceUp != 0
}

// SetUp raises or lowers the interface.
func (ifc *Interface) SetUp(up bool) {
	if up {
		ifc.flags.Or(IfaceUp)
	} else {
		ifc.flags.And(^IfaceUp)
	}
}

// Dup takes a reference on the interface (held by routes and cached
// route entries).
func (ifc *Interface) Dup() *Interface {
	ifc.refs.Add(1)
	return ifc
}

// Put drops a reference.
func (ifc *Interface) Put() {
	ifc.refs.Add(-1)
}

// Refs returns the current reference count; tests check route
// accounting with it.
func (ifc *Interface) Refs() int32 {
	return ifc.refs.Load()
}

// Stats exposes the interface counters.
func (ifc *Interface) Stats() *IfaceStats {
	return &ifc.stats
}
