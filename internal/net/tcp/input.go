package tcp

import (
	"encoding/binary"

	"github.com/behrlich/kernos/internal/kerr"
	"github.com/behrlich/kernos/internal/net"
	"github.com/behrlich/kernos/internal/sched"
)

// checksumValid verifies the segment checksum over the pseudo-header
// plus the TCP header and payload.
func checksumValid(pkt *net.Packet) bool {
	return net.PseudoChecksum(pkt.SrcAddr, pkt.DstAddr, net.ProtoTCP, pkt.Data()) == 0
}

// fillCB decodes the header fields every later step consults.
func fillCB(pkt *net.Packet, data []byte) {
	pkt.CB.Seq = binary.BigEndian.Uint32(data[4:])
	pkt.CB.AckSeq = binary.BigEndian.Uint32(data[8:])
	pkt.CB.Window = binary.BigEndian.Uint16(data[14:])
	pkt.CB.Flags = data[13]
}

// Rx is the "segment arrives" entry, a close translation of RFC 793's
// processing narrative.
func (p *Proto) Rx(cur *sched.Task, sock *net.Socket, pkt *net.Packet) {
	data := pkt.Data()
	if len(data) < headerSize {
		return
	}

	if !checksumValid(pkt) {
		p.log.Debugf("invalid checksum, dropping: %d -> %d", pkt.SrcPort, pkt.DstPort)
		return
	}

	p.stack.Metrics().RecordTCPSegmentIn()

	hl := int(data[12]>>4) * 4
	if hl < headerSize || hl > len(data) {
		return
	}

	fillCB(pkt, data)
	pkt.ProtoHead = pkt.HeadOffset()
	pkt.Pull(hl)

	if sock == nil {
		p.closedRx(cur, pkt)
		return
	}

	sock.LockPriv(cur)
	defer sock.UnlockPriv(cur)

	priv := getPriv(sock)
	if priv == nil || priv.State == StateClose {
		p.closedRx(cur, pkt)
		return
	}

	switch priv.State {
	case StateSynSent:
		p.synSentRx(cur, sock, priv, pkt)
		return

	case StateListen:
		// Accepting connections is not wired up; drop.
		return
	}

	seg := &pkt.CB
	segLen := pkt.Len()

	// first: check sequence number. Unacceptable segments get an ACK
	// (unless they carry RST) and are dropped.
	if !p.sequenceValid(priv, seg, segLen) {
		p.log.Debugf("sequence not valid: seq=%d rcv_nxt=%d rcv_wnd=%d", seg.Seq, priv.RcvNxt, priv.RcvWnd)
		if seg.Flags&FlagRST == 0 {
			p.sendAck(cur, sock, priv)
		}
		return
	}

	// second: check the RST bit.
	if seg.Flags&FlagRST != 0 {
		switch priv.State {
		case StateSynRecv:
			sock.SetLastError(kerr.ECONNREFUSED)
		case StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait:
			sock.SetLastError(kerr.ECONNRESET)
		}

		priv.State = StateClose
		sock.SetState(net.SocketUnconnected)
		return
	}

	// third: security and precedence - ignored.

	// fourth: an in-window SYN on a synchronized connection is an
	// error; reset it.
	if seg.Flags&FlagSYN != 0 {
		sock.SetLastError(kerr.ECONNRESET)
		priv.State = StateClose
		sock.SetState(net.SocketUnconnected)
		return
	}

	// fifth: an ACK is required from here on.
	if seg.Flags&FlagACK == 0 {
		return
	}

	switch priv.State {
	case StateSynRecv:
		if SeqBetween(priv.SndUna, seg.AckSeq, priv.SndNxt+1) {
			priv.State = StateEstablished
			sock.SetState(net.SocketConnected)
		} else {
			return
		}

	case StateEstablished, StateFinWait1, StateFinWait2,
		StateCloseWait, StateClosing, StateLastAck:
		if SeqBetween(priv.SndUna, seg.AckSeq, priv.SndNxt+1) {
			priv.SndUna = seg.AckSeq
		}

		if SeqBefore(seg.AckSeq, priv.SndUna) {
			// Already acked; ignore the ack information.
			p.log.Debugf("duplicate ack: ack=%d snd_una=%d", seg.AckSeq, priv.SndUna)
		}

		if SeqAfter(seg.AckSeq, priv.SndNxt) {
			// Acks data we have not sent.
			return
		}

		if SeqBetween(priv.SndUna, seg.AckSeq, priv.SndNxt+1) || seg.AckSeq == priv.SndUna {
			// Send-window update, guarded so old segments cannot shrink
			// it: wl1 < seq, or wl1 == seq and wl2 <= ack.
			if SeqBefore(priv.SndWl1, seg.Seq) ||
				(priv.SndWl1 == seg.Seq && !SeqAfter(priv.SndWl2, seg.AckSeq)) {
				priv.SndWnd = uint32(seg.Window)
				priv.SndWl1 = seg.Seq
				priv.SndWl2 = seg.AckSeq
			}
		}
	}

	// Our FIN being acknowledged advances the closing states.
	finAcked := priv.finSent && SeqAfter(seg.AckSeq, priv.finSeq)
	if finAcked {
		switch priv.State {
		case StateFinWait1:
			priv.State = StateFinWait2
		case StateClosing:
			priv.State = StateTimeWait
		case StateLastAck:
			priv.State = StateClose
			sock.SetState(net.SocketUnconnected)
			return
		}
	}

	// sixth: urgent bit - not supported.

	// Cache the FIN before the data path consumes the packet.
	fin := seg.Flags&FlagFIN != 0
	finAck := seg.Seq + uint32(segLen) + 1

	// seventh: process segment text.
	switch priv.State {
	case StateEstablished, StateFinWait1, StateFinWait2:
		if segLen > 0 || seg.Flags&FlagPSH != 0 {
			p.recvData(cur, sock, priv, pkt)
		}
	}

	if !fin {
		return
	}

	// eighth: the FIN itself. Acknowledge it and advance.
	priv.RcvNxt = finAck
	p.sendAck(cur, sock, priv)

	switch priv.State {
	case StateSynRecv, StateEstablished:
		priv.State = StateCloseWait
		sock.RecvWait.WakeAll()

	case StateFinWait1:
		if finAcked {
			priv.State = StateTimeWait
		} else {
			priv.State = StateClosing
		}

	case StateFinWait2:
		priv.State = StateTimeWait
	}
}

// closedRx handles a segment with no connection: everything except an
// RST is answered with an RST.
func (p *Proto) closedRx(cur *sched.Task, pkt *net.Packet) {
	if pkt.CB.Flags&FlagRST != 0 {
		return
	}

	// Borrow a throwaway socket identity to source the reset from.
	sock := p.stack.NewSocket(net.ProtoTCP)
	sock.SrcAddr = pkt.DstAddr
	sock.SrcPort = pkt.DstPort
	sock.DstAddr = pkt.SrcAddr
	sock.DstPort = pkt.SrcPort
	priv := p.Attach(sock)

	p.sendRST(cur, sock, priv, &pkt.CB, pkt.Len())
}

// synSentRx is the SYN_SENT arm of segment arrival. Caller holds the
// priv lock.
func (p *Proto) synSentRx(cur *sched.Task, sock *net.Socket, priv *Priv, pkt *net.Packet) {
	seg := &pkt.CB

	// first: check the ACK bit.
	if seg.Flags&FlagACK != 0 {
		if !SeqBetween(priv.ISS, seg.AckSeq, priv.SndNxt+1) || SeqBefore(seg.AckSeq, priv.SndUna) {
			p.log.Debugf("syn-sent: bad ack %d (iss=%d snd_nxt=%d), reset", seg.AckSeq, priv.ISS, priv.SndNxt)
			p.sendRST(cur, sock, priv, seg, pkt.Len())
			return
		}
	}

	// second: check the RST bit.
	if seg.Flags&FlagRST != 0 {
		priv.State = StateClose
		sock.SetLastError(kerr.ECONNREFUSED)
		sock.SetState(net.SocketUnconnected)
		return
	}

	// third: security and precedence - ignored.

	// fifth: no SYN means drop.
	if seg.Flags&FlagSYN == 0 {
		return
	}

	// fourth: the SYN bit is set.
	priv.RcvNxt = seg.Seq + 1
	priv.IRS = seg.Seq

	if seg.Flags&FlagACK != 0 {
		priv.SndUna = seg.AckSeq
	}

	if SeqAfter(priv.SndUna, priv.ISS) {
		// Our SYN has been acknowledged: connection established.
		priv.SndUna = priv.SndNxt
		priv.SndWnd = uint32(seg.Window)
		priv.SndWl1 = seg.Seq
		priv.SndWl2 = seg.AckSeq

		p.sendAck(cur, sock, priv)
		priv.State = StateEstablished
		sock.SetState(net.SocketConnected)
	} else {
		priv.State = StateSynRecv
		priv.SndUna = priv.ISS
	}
}

// sequenceValid checks the four acceptability cases of segment length
// and receive window against [rcv_nxt, rcv_nxt + rcv_wnd).
func (p *Proto) sequenceValid(priv *Priv, seg *net.TCPControl, segLen int) bool {
	if segLen == 0 && priv.RcvWnd == 0 {
		return seg.Seq == priv.RcvNxt
	}

	if segLen == 0 && priv.RcvWnd != 0 {
		return SeqBetween(priv.RcvNxt-1, seg.Seq, priv.RcvNxt+priv.RcvWnd)
	}

	if segLen != 0 && priv.RcvWnd != 0 {
		return SeqBetween(priv.RcvNxt-1, seg.Seq, priv.RcvNxt+priv.RcvWnd) ||
			SeqBetween(priv.RcvNxt-1, seg.Seq+uint32(segLen)-1, priv.RcvNxt+priv.RcvWnd)
	}

	// Non-zero length into a zero window is never acceptable.
	return false
}

// recvData is the data-receive path: an in-order segment is appended to
// the socket's receive queue, readers are woken, and an ACK is
// scheduled through the delayed-ACK timer; anything else in the window
// is dropped with an immediate duplicate ACK.
func (p *Proto) recvData(cur *sched.Task, sock *net.Socket, priv *Priv, pkt *net.Packet) {
	if priv.RcvWnd == 0 {
		return
	}

	if pkt.CB.Seq == priv.RcvNxt {
		priv.RcvNxt += uint32(pkt.Len())

		clone := net.NewPacket()
		clone.Append(pkt.Data())
		clone.SrcAddr = pkt.SrcAddr
		clone.SrcPort = pkt.SrcPort
		sock.EnqueueRecv(cur, clone)

		p.delackStart(cur, sock, priv)
	} else {
		// In window but out of order: dropped, answered with a
		// duplicate ACK so the peer retransmits.
		p.sendAck(cur, sock, priv)
	}
}
