package net

import (
	"sync/atomic"

	"github.com/behrlich/kernos/internal/kerr"
	"github.com/behrlich/kernos/internal/list"
	"github.com/behrlich/kernos/internal/sched"
)

// SocketState tracks connection progress for stream sockets.
type SocketState int32

const (
	SocketUnconnected SocketState = iota
	SocketConnecting
	SocketConnected
)

// Socket is one endpoint: address-family identity (addresses, ports,
// cached route), a receive queue, and a protocol-private payload (TCP
// state lives there).
type Socket struct {
	Proto uint8

	// Identity fields; zero means wildcard for demux scoring.
	SrcAddr IPv4
	SrcPort uint16
	DstAddr IPv4
	DstPort uint16

	Route RouteEntry

	state   atomic.Int32
	lastErr atomic.Int32 // kerr.Errno

	refs atomic.Int32

	// priv serialises protocol-private state changes.
	priv sched.Mutex

	recvLock  sched.Mutex
	recvQueue list.Head[Packet]
	RecvWait  sched.WaitQueue

	// ProtoPriv is the protocol's payload (the TCP control block).
	ProtoPriv any

	node    list.Node[Socket]
	rawNode list.Node[Socket]

	stack *Stack
}

// NewSocket creates a detached socket for the given protocol.
func (st *Stack) NewSocket(proto uint8) *Socket {
	s := &Socket{Proto: proto, stack: st}
	s.node.Init(s)
	s.rawNode.Init(s)
	s.recvQueue.Init()
	s.refs.Store(1)
	return s
}

// Dup takes a socket reference.
func (s *Socket) Dup() *Socket {
	s.refs.Add(1)
	return s
}

// Put drops a socket reference.
func (s *Socket) Put() {
	s.refs.Add(-1)
}

// State returns the connection state.
func (s *Socket) State() SocketState {
	return SocketState(s.state.Load())
}

// SetState publishes a connection-state change and wakes anyone
// blocked on the socket.
func (s *Socket) SetState(state SocketState) {
	s.state.Store(int32(state))
	s.RecvWait.WakeAll()
}

// SetLastError records a protocol error for the next user operation.
func (s *Socket) SetLastError(errno kerr.Errno) {
	s.lastErr.Store(int32(errno))
}

// TakeError consumes the recorded error.
func (s *Socket) TakeError() error {
	v := s.lastErr.Swap(0)
	if v == 0 {
		return nil
	}
	return kerr.Errno(v)
}

// LockPriv takes the protocol-private mutex.
func (s *Socket) LockPriv(cur *sched.Task) {
	s.priv.Lock(cur)
}

// UnlockPriv releases the protocol-private mutex.
func (s *Socket) UnlockPriv(cur *sched.Task) {
	s.priv.Unlock(cur)
}

// EnqueueRecv appends a packet to the socket's receive queue and wakes
// a reader.
func (s *Socket) EnqueueRecv(cur *sched.Task, p *Packet) {
	s.recvLock.Lock(cur)
	s.recvQueue.PushBack(&p.node)
	s.RecvWait.Wake()
	s.recvLock.Unlock(cur)
}

// Recv dequeues the next packet, blocking unless NONBLOCK. A recorded
// protocol error surfaces here first.
func (s *Socket) Recv(cur *sched.Task, nonblock bool) (*Packet, error) {
	s.recvLock.Lock(cur)
	defer s.recvLock.Unlock(cur)

	for {
		if err := s.TakeError(); err != nil {
			return nil, err
		}

		if p := s.recvQueue.TakeFirst(); p != nil {
			return p, nil
		}

		if nonblock {
			return nil, kerr.EAGAIN
		}

		if err := s.RecvWait.WaitEventIntrMutex(cur, func() bool {
			return !s.recvQueue.Empty() || s.lastErr.Load() != 0
		}, &s.recvLock); err != nil {
			return nil, err
		}
	}
}

// RecvQueueLen reports queued packets; the poll path and tests use it.
func (s *Socket) RecvQueueLen(cur *sched.Task) int {
	s.recvLock.Lock(cur)
	defer s.recvLock.Unlock(cur)
	return s.recvQueue.Len()
}

// SocketInfo is one row of the /proc/net socket tables.
type SocketInfo struct {
	Proto   uint8
	SrcAddr IPv4
	SrcPort uint16
	DstAddr IPv4
	DstPort uint16
	State   string
}

// SocketsInfo snapshots the demux list for the /proc surface. Protocol
// payloads that can name their state (TCP) contribute it.
func (st *Stack) SocketsInfo() []SocketInfo {
	var out []SocketInfo

	st.socketsLock.Acquire()
	st.sockets.ForEach(func(s *Socket) bool {
		info := SocketInfo{
			Proto:   s.Proto,
			SrcAddr: s.SrcAddr,
			SrcPort: s.SrcPort,
			DstAddr: s.DstAddr,
			DstPort: s.DstPort,
		}
		if named, ok := s.ProtoPriv.(interface{ StateName() string }); ok {
			info.State = named.StateName()
		}
		out = append(out, info)
		return true
	})
	st.socketsLock.Release()

	return out
}

// maxScore is the demux score of a socket matching on all four identity
// fields. Every matching non-wildcard field scores one point; a
// mismatching non-wildcard field disqualifies.
const maxScore = 4

// findSocketLocked picks the best-scoring socket for (proto, src, dst). Ties
// go to the first highest scorer; a full score returns immediately.
// Caller holds the socket-list lock.
func (st *Stack) findSocketLocked(proto uint8, srcAddr IPv4, srcPort uint16, dstAddr IPv4, dstPort uint16) *Socket {
	var best *Socket
	bestScore := 0

	st.sockets.ForEach(func(s *Socket) bool {
		if s.Proto != proto {
			return true
		}

		score := 0
		if s.SrcPort != 0 {
			if s.SrcPort != srcPort {
				return true
			}
			score++
		}
		if s.SrcAddr != 0 {
			if s.SrcAddr != srcAddr {
				return true
			}
			score++
		}
		if s.DstPort != 0 {
			if s.DstPort != dstPort {
				return true
			}
			score++
		}
		if s.DstAddr != 0 {
			if s.DstAddr != dstAddr {
				return true
			}
			score++
		}

		if score == maxScore {
			best = s
			return false
		}
		if score > bestScore {
			bestScore = score
			best = s
		}
		return true
	})

	return best
}
