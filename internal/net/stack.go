package net

import (
	"encoding/binary"

	"github.com/behrlich/kernos/internal/idalloc"
	"github.com/behrlich/kernos/internal/klog"
	"github.com/behrlich/kernos/internal/list"
	"github.com/behrlich/kernos/internal/sched"
	"github.com/behrlich/kernos/internal/stats"
)

// ProtocolHandler consumes an inbound segment for a matched socket
// (nil when no socket matched).
type ProtocolHandler func(cur *sched.Task, sock *Socket, pkt *Packet)

// DelayWork is one pending timer: a deadline in scheduler ticks and a
// callback.
type DelayWork struct {
	deadline uint64
	fn       func(cur *sched.Task)

	node list.Node[DelayWork]
}

// Stack is the IPv4 engine: interfaces, the route table, the
// address-family socket list, the raw-socket list, protocol handlers,
// and the timer queue behind protocol timers (delayed ACK).
type Stack struct {
	sched  *sched.Scheduler
	routes *RouteTable

	ifaceLock sched.Spinlock
	ifaces    []*Interface

	// socketsLock guards the demux list; rawLock guards the raw socket
	// list.
	socketsLock sched.Spinlock
	sockets     list.Head[Socket]

	rawLock    sched.Spinlock
	rawSockets list.Head[Socket]

	handlersLock sched.Spinlock
	handlers     map[uint8]ProtocolHandler

	timerLock sched.Spinlock
	timers    list.Head[DelayWork]

	ports *idalloc.Allocator

	stats   StackStats
	metrics *stats.Metrics

	log *klog.Logger
}

// StackStats counts stack-wide traffic.
type StackStats struct {
	RxPackets uint64
	TxPackets uint64
	RxDrops   uint64
}

// NewStack creates a stack bound to the scheduler.
func NewStack(s *sched.Scheduler) *Stack {
	st := &Stack{
		sched:    s,
		routes:   NewRouteTable(),
		handlers: make(map[uint8]ProtocolHandler),
		ports:    idalloc.New(32768, 28232),
		log:      klog.New("net"),
	}
	st.sockets.Init()
	st.rawSockets.Init()
	st.timers.Init()
	st.socketsLock.AttachCPU(s.CPU())
	return st
}

// AttachMetrics binds the kernel counters; the stack records packets
// in and out, and the transport engines record through the same
// instance.
func (st *Stack) AttachMetrics(m *stats.Metrics) {
	st.metrics = m
}

// Metrics returns the attached counters, nil when standalone.
func (st *Stack) Metrics() *stats.Metrics {
	return st.metrics
}

// Routes exposes the forwarding table.
func (st *Stack) Routes() *RouteTable {
	return st.routes
}

// Scheduler returns the owning scheduler.
func (st *Stack) Scheduler() *sched.Scheduler {
	return st.sched
}

// AddLoopback attaches a loopback interface: transmitted packets are
// fed straight back into the receive path.
func (st *Stack) AddLoopback(name string, addr IPv4, mask IPv4) *Interface {
	ifc := &Interface{Name: name, Addr: addr, Mask: mask}
	ifc.flags.Store(IfaceUp | IfaceLoopback)
	ifc.transmit = func(cur *sched.Task, p *Packet) {
		st.Rx(cur, p)
	}

	st.ifaceLock.Acquire()
	st.ifaces = append(st.ifaces, ifc)
	st.ifaceLock.Release()
	return ifc
}

// AddInterface attaches an interface with a custom link-layer transmit
// hook (tests capture packets this way).
func (st *Stack) AddInterface(name string, addr, mask IPv4, transmit func(*sched.Task, *Packet)) *Interface {
	ifc := &Interface{Name: name, Addr: addr, Mask: mask}
	ifc.flags.Store(IfaceUp)
	ifc.transmit = transmit

	st.ifaceLock.Acquire()
	st.ifaces = append(st.ifaces, ifc)
	st.ifaceLock.Release()
	return ifc
}

// Interfaces snapshots the attached interfaces.
func (st *Stack) Interfaces() []*Interface {
	st.ifaceLock.Acquire()
	defer st.ifaceLock.Release()
	return append([]*Interface(nil), st.ifaces...)
}

// RegisterProtocol installs the inbound handler for an IP protocol.
func (st *Stack) RegisterProtocol(proto uint8, h ProtocolHandler) {
	st.handlersLock.Acquire()
	st.handlers[proto] = h
	st.handlersLock.Release()
}

// RegisterSocket enters a socket into the demux list.
func (st *Stack) RegisterSocket(s *Socket) {
	s.Dup()
	st.socketsLock.Acquire()
	st.sockets.PushBack(&s.node)
	st.socketsLock.Release()
}

// UnregisterSocket removes a socket from the demux list.
func (st *Stack) UnregisterSocket(s *Socket) {
	st.socketsLock.Acquire()
	st.sockets.Remove(&s.node)
	st.socketsLock.Release()
	s.Put()
}

// RegisterRawSocket enters a socket into the raw-delivery list.
func (st *Stack) RegisterRawSocket(s *Socket) {
	s.Dup()
	st.rawLock.Acquire()
	st.rawSockets.PushBack(&s.rawNode)
	st.rawLock.Release()
}

// UnregisterRawSocket removes a raw socket.
func (st *Stack) UnregisterRawSocket(s *Socket) {
	st.rawLock.Acquire()
	st.rawSockets.Remove(&s.rawNode)
	st.rawLock.Release()
	s.Put()
}

// BindEphemeral assigns a socket a free ephemeral source port.
func (st *Stack) BindEphemeral(s *Socket) error {
	port, err := st.ports.Alloc()
	if err != nil {
		return err
	}
	s.SrcPort = uint16(port)
	return nil
}

// ReleasePort returns a socket's ephemeral port to the pool.
func (st *Stack) ReleasePort(s *Socket) {
	if s.SrcPort != 0 {
		st.ports.Release(int(s.SrcPort))
		s.SrcPort = 0
	}
}

// FillRoute resolves and caches the route for a socket's destination.
func (st *Stack) FillRoute(cur *sched.Task, s *Socket) error {
	if s.Route.Iface != nil {
		return nil
	}
	route, err := st.routes.Lookup(cur, s.DstAddr)
	if err != nil {
		return err
	}
	s.Route = route
	if s.SrcAddr == 0 {
		s.SrcAddr = route.Iface.Addr
	}
	return nil
}

// ipHeaderSize is the size of the fixed IPv4 header (no options).
const ipHeaderSize = 20

// Tx fills the IP header over the packet's transport payload, computes
// the header checksum, and hands the frame to the route's interface.
func (st *Stack) Tx(cur *sched.Task, p *Packet) error {
	if p.Route.Iface == nil {
		route, err := st.routes.Lookup(cur, p.DstAddr)
		if err != nil {
			return err
		}
		p.Route = route
	}

	if p.SrcAddr == 0 {
		p.SrcAddr = p.Route.Iface.Addr
	}

	h := p.Push(ipHeaderSize)
	p.AFHead = p.HeadOffset()

	h[0] = 0x45 // version 4, header length 5 words
	h[1] = 0
	binary.BigEndian.PutUint16(h[2:], uint16(p.Len()))
	binary.BigEndian.PutUint16(h[4:], 0) // id
	binary.BigEndian.PutUint16(h[6:], 0) // fragment
	h[8] = 64                            // ttl
	h[9] = p.Protocol
	binary.BigEndian.PutUint16(h[10:], 0) // checksum slot
	binary.BigEndian.PutUint32(h[12:], uint32(p.SrcAddr))
	binary.BigEndian.PutUint32(h[16:], uint32(p.DstAddr))
	binary.BigEndian.PutUint16(h[10:], Checksum(h))

	iface := p.Route.Iface
	iface.stats.TxPackets.Add(1)
	iface.stats.TxBytes.Add(uint64(p.Len()))
	st.stats.TxPackets++
	st.metrics.RecordPacketOut()

	iface.transmit(cur, p)
	return nil
}

// Rx takes one inbound IP packet off an interface and demultiplexes it
// to a transport handler, a bound socket, and the raw listeners.
func (st *Stack) Rx(cur *sched.Task, p *Packet) {
	data := p.Data()
	if len(data) < ipHeaderSize {
		st.stats.RxDrops++
		return
	}
	if data[0]>>4 != 4 {
		st.stats.RxDrops++
		return
	}

	ihl := int(data[0]&0xF) * 4
	if ihl < ipHeaderSize || len(data) < ihl {
		st.stats.RxDrops++
		return
	}
	if Checksum(data[:ihl]) != 0 {
		st.log.Debugf("rx: bad IP checksum, dropping")
		st.stats.RxDrops++
		return
	}

	totalLen := int(binary.BigEndian.Uint16(data[2:]))
	if totalLen < ihl || totalLen > len(data) {
		st.stats.RxDrops++
		return
	}

	p.AFHead = p.HeadOffset()
	p.Protocol = data[9]
	p.SrcAddr = IPv4(binary.BigEndian.Uint32(data[12:]))
	p.DstAddr = IPv4(binary.BigEndian.Uint32(data[16:]))
	st.stats.RxPackets++
	st.metrics.RecordPacketIn()

	// Raw listeners see the whole datagram, header included.
	st.rxRaw(cur, p)

	p.Pull(ihl)

	switch p.Protocol {
	case ProtoUDP:
		st.rxUDP(cur, p)
	case ProtoICMP:
		st.rxICMP(cur, p)
	default:
		st.handlersLock.Acquire()
		h := st.handlers[p.Protocol]
		st.handlersLock.Release()
		if h != nil {
			st.rxTransport(cur, p, h)
		} else {
			st.stats.RxDrops++
		}
	}
}

// rxTransport peeks at the transport ports, scores the socket list, and
// hands the packet to the protocol handler.
func (st *Stack) rxTransport(cur *sched.Task, p *Packet, h ProtocolHandler) {
	data := p.Data()
	if len(data) < 4 {
		st.stats.RxDrops++
		return
	}

	srcPort := binary.BigEndian.Uint16(data[0:])
	dstPort := binary.BigEndian.Uint16(data[2:])
	p.SrcPort = srcPort
	p.DstPort = dstPort

	// Scoring swaps perspective: the socket's "source" is this host, so
	// the packet's destination fields match the socket's source fields.
	st.socketsLock.Acquire()
	sock := st.findSocketLocked(p.Protocol, p.DstAddr, dstPort, p.SrcAddr, srcPort)
	if sock != nil {
		sock.Dup()
	}
	st.socketsLock.Release()

	h(cur, sock, p)

	if sock != nil {
		sock.Put()
	}
}

// ScheduleDelay arms a one-shot timer in milliseconds, returning a
// cancel handle. Cancel reports whether the timer had not yet fired.
func (st *Stack) ScheduleDelay(ms uint32, fn func(cur *sched.Task)) *DelayWork {
	w := &DelayWork{
		deadline: st.sched.Ticks() + uint64(ms)*sched.TicksPerSecond/1000,
		fn:       fn,
	}
	w.node.Init(w)

	st.timerLock.Acquire()
	st.timers.PushBack(&w.node)
	st.timerLock.Release()
	return w
}

// CancelDelay unschedules a pending timer, reporting whether it was
// still pending.
func (st *Stack) CancelDelay(w *DelayWork) bool {
	if w == nil {
		return false
	}
	st.timerLock.Acquire()
	pending := w.node.InList()
	if pending {
		st.timers.Remove(&w.node)
	}
	st.timerLock.Release()
	return pending
}

// TimerTick runs expired timers. The kernel's worker task calls this
// after each 10 ms sleep.
func (st *Stack) TimerTick(cur *sched.Task) {
	now := st.sched.Ticks()
	var due []*DelayWork

	st.timerLock.Acquire()
	st.timers.ForEach(func(w *DelayWork) bool {
		if w.deadline <= now {
			st.timers.Remove(&w.node)
			due = append(due, w)
		}
		return true
	})
	st.timerLock.Release()

	for _, w := range due {
		w.fn(cur)
	}
}

// Stats returns stack-wide counters.
func (st *Stack) Stats() StackStats {
	return st.stats
}
