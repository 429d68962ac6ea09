package net

import (
	"encoding/binary"

	"github.com/behrlich/kernos/internal/sched"
)

const udpHeaderSize = 8

// UDPSendTo builds a datagram from sock to (addr, port) and transmits
// it: header fill, route, checksum, out.
func (st *Stack) UDPSendTo(cur *sched.Task, sock *Socket, data []byte, addr IPv4, port uint16) error {
	route, err := st.routes.Lookup(cur, addr)
	if err != nil {
		return err
	}

	p := NewPacket()
	p.Append(data)
	p.Protocol = ProtoUDP
	p.Route = route
	p.DstAddr = addr
	p.DstPort = port
	p.SrcPort = sock.SrcPort
	p.SrcAddr = sock.SrcAddr
	if p.SrcAddr == 0 {
		p.SrcAddr = route.Iface.Addr
	}
	p.Sock = sock.Dup()

	h := p.Push(udpHeaderSize)
	binary.BigEndian.PutUint16(h[0:], sock.SrcPort)
	binary.BigEndian.PutUint16(h[2:], port)
	binary.BigEndian.PutUint16(h[4:], uint16(p.Len()))
	binary.BigEndian.PutUint16(h[6:], 0)
	binary.BigEndian.PutUint16(h[6:], PseudoChecksum(p.SrcAddr, p.DstAddr, ProtoUDP, p.Data()))

	err = st.Tx(cur, p)
	sock.Put()
	return err
}

// rxUDP validates and queues a datagram on the matching socket, with
// the sender's ephemeral address attached for recvfrom.
func (st *Stack) rxUDP(cur *sched.Task, p *Packet) {
	data := p.Data()
	if len(data) < udpHeaderSize {
		st.stats.RxDrops++
		return
	}

	srcPort := binary.BigEndian.Uint16(data[0:])
	dstPort := binary.BigEndian.Uint16(data[2:])
	length := int(binary.BigEndian.Uint16(data[4:]))
	check := binary.BigEndian.Uint16(data[6:])

	if length < udpHeaderSize || length > len(data) {
		st.stats.RxDrops++
		return
	}

	// A zero checksum means the sender skipped it.
	if check != 0 && PseudoChecksum(p.SrcAddr, p.DstAddr, ProtoUDP, data[:length]) != 0 {
		st.log.Debugf("udp: bad checksum from %v, dropping", p.SrcAddr)
		st.stats.RxDrops++
		return
	}

	p.SrcPort = srcPort
	p.DstPort = dstPort

	st.socketsLock.Acquire()
	sock := st.findSocketLocked(ProtoUDP, p.DstAddr, dstPort, p.SrcAddr, srcPort)
	if sock != nil {
		sock.Dup()
	}
	st.socketsLock.Release()

	if sock == nil {
		st.stats.RxDrops++
		return
	}

	p.Pull(udpHeaderSize)
	p.ProtoHead = p.HeadOffset()
	sock.EnqueueRecv(cur, p)
	sock.Put()
}
