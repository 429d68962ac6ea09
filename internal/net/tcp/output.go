package tcp

import (
	"encoding/binary"

	"github.com/behrlich/kernos/internal/net"
	"github.com/behrlich/kernos/internal/sched"
)

// sendFlags builds an outgoing segment over a fresh packet: ports
// from the socket, seq from the caller, ack from rcv_nxt, window from
// rcv_wnd, checksum over the pseudo-header. Caller holds the socket
// priv lock.
func (p *Proto) sendFlags(cur *sched.Task, sock *net.Socket, priv *Priv, flags uint8, seq uint32, data []byte) {
	pkt := net.NewPacket()
	if len(data) > 0 {
		pkt.Append(data)
	}

	h := pkt.Push(headerSize)
	for i := range h {
		h[i] = 0
	}

	binary.BigEndian.PutUint16(h[0:], sock.SrcPort)
	binary.BigEndian.PutUint16(h[2:], sock.DstPort)
	binary.BigEndian.PutUint32(h[4:], seq)
	binary.BigEndian.PutUint32(h[8:], priv.RcvNxt)
	h[12] = (headerSize / 4) << 4
	h[13] = flags
	binary.BigEndian.PutUint16(h[14:], uint16(priv.RcvWnd))
	binary.BigEndian.PutUint16(h[18:], 0) // urgent pointer

	pkt.Protocol = net.ProtoTCP
	pkt.DstAddr = sock.DstAddr
	pkt.DstPort = sock.DstPort
	pkt.SrcPort = sock.SrcPort

	if err := p.stack.FillRoute(cur, sock); err != nil {
		p.log.Debugf("send: no route to %v: %v", sock.DstAddr, err)
		return
	}
	pkt.Route = sock.Route
	pkt.SrcAddr = sock.SrcAddr
	if pkt.SrcAddr == 0 {
		pkt.SrcAddr = sock.Route.Iface.Addr
	}

	binary.BigEndian.PutUint16(h[16:], net.PseudoChecksum(pkt.SrcAddr, pkt.DstAddr, net.ProtoTCP, pkt.Data()))

	if pkt.Sock == nil {
		pkt.Sock = sock.Dup()
	}

	// Every transmitted ACK makes a pending delayed ACK redundant.
	if flags&FlagACK != 0 {
		p.delackStop(sock, priv)
	}

	if err := p.stack.Tx(cur, pkt); err != nil {
		p.log.Debugf("send: tx failed: %v", err)
	} else {
		p.stack.Metrics().RecordTCPSegmentOut()
	}
	pkt.Sock.Put()
	pkt.Sock = nil
}

// sendAck emits a bare ACK carrying the current receive state.
func (p *Proto) sendAck(cur *sched.Task, sock *net.Socket, priv *Priv) {
	p.sendFlags(cur, sock, priv, FlagACK, priv.SndNxt, nil)
}

// sendFin emits FIN|ACK, consuming one sequence number and remembering
// where the FIN sits so the ACK of it can be recognised.
func (p *Proto) sendFin(cur *sched.Task, sock *net.Socket, priv *Priv) {
	p.sendFlags(cur, sock, priv, FlagFIN|FlagACK, priv.SndNxt, nil)
	priv.finSeq = priv.SndNxt
	priv.finSent = true
	priv.SndNxt++
}

// sendRST answers a segment that arrived for a closed or invalid
// connection: seq from the segment's ack when it carried one, otherwise
// seq zero acking the segment.
func (p *Proto) sendRST(cur *sched.Task, sock *net.Socket, priv *Priv, seg *net.TCPControl, segLen int) {
	if seg.Flags&FlagACK != 0 {
		p.sendFlags(cur, sock, priv, FlagRST, seg.AckSeq, nil)
	} else {
		saved := priv.RcvNxt
		priv.RcvNxt = seg.Seq + uint32(segLen)
		p.sendFlags(cur, sock, priv, FlagRST|FlagACK, 0, nil)
		priv.RcvNxt = saved
	}
}
