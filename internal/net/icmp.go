package net

import (
	"encoding/binary"

	"github.com/behrlich/kernos/internal/sched"
)

// ICMP message types.
const (
	icmpEchoReply   = 0
	icmpEchoRequest = 8
)

// rxICMP answers echo requests; everything else is left to raw
// listeners, which already saw the datagram.
func (st *Stack) rxICMP(cur *sched.Task, p *Packet) {
	data := p.Data()
	if len(data) < 8 {
		st.stats.RxDrops++
		return
	}

	if Checksum(data) != 0 {
		st.stats.RxDrops++
		return
	}

	if data[0] != icmpEchoRequest {
		return
	}

	reply := NewPacket()
	reply.Append(data)
	out := reply.Data()
	out[0] = icmpEchoReply
	binary.BigEndian.PutUint16(out[2:], 0)
	binary.BigEndian.PutUint16(out[2:], Checksum(out))

	reply.Protocol = ProtoICMP
	reply.DstAddr = p.SrcAddr
	reply.SrcAddr = p.DstAddr

	if err := st.Tx(cur, reply); err != nil {
		st.log.Debugf("icmp: echo reply to %v failed: %v", p.SrcAddr, err)
	}
}
