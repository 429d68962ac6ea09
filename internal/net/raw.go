package net

import "github.com/behrlich/kernos/internal/sched"

// rxRaw hands a copy of the full datagram (IP header included) to every
// raw socket registered for its protocol.
func (st *Stack) rxRaw(cur *sched.Task, p *Packet) {
	var matched []*Socket

	st.rawLock.Acquire()
	st.rawSockets.ForEach(func(s *Socket) bool {
		if s.Proto == p.Protocol || s.Proto == 0 {
			matched = append(matched, s.Dup())
		}
		return true
	})
	st.rawLock.Release()

	for _, s := range matched {
		clone := NewPacket()
		clone.Append(p.Data())
		clone.Protocol = p.Protocol
		clone.SrcAddr = p.SrcAddr
		clone.DstAddr = p.DstAddr
		s.EnqueueRecv(cur, clone)
		s.Put()
	}
}

// RawSend routes and transmits a caller-built transport payload
// unchanged; the stack only prepends the IP header.
func (st *Stack) RawSend(cur *sched.Task, sock *Socket, data []byte, addr IPv4) error {
	route, err := st.routes.Lookup(cur, addr)
	if err != nil {
		return err
	}

	p := NewPacket()
	p.Append(data)
	p.Protocol = sock.Proto
	p.Route = route
	p.DstAddr = addr
	p.SrcAddr = sock.SrcAddr

	return st.Tx(cur, p)
}
