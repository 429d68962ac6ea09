// Package net implements the IPv4 substrate: packets, the longest-prefix
// route table, socket demultiplexing, UDP, raw IP, and ICMP echo. TCP
// lives in the tcp subpackage on top of this one.
package net

import (
	"fmt"

	"github.com/behrlich/kernos/internal/list"
)

// IPv4 is an address in host byte order: 10.0.1.7 == 0x0A000107.
type IPv4 uint32

// Addr builds an address from dotted-quad parts.
func Addr(a, b, c, d byte) IPv4 {
	return IPv4(a)<<24 | IPv4(b)<<16 | IPv4(c)<<8 | IPv4(d)
}

func (a IPv4) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(a>>24), byte(a>>16), byte(a>>8), byte(a))
}

// Mask applies a netmask.
func (a IPv4) Mask(mask IPv4) IPv4 {
	return a & mask
}

// IP protocol numbers.
const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

// Packet buffer geometry: headroom leaves space to push headers in
// front of the payload as it descends the stack.
const (
	packetBufSize  = 2048
	packetHeadroom = 128
)

// Packet is one network buffer. head and tail carve the live bytes out
// of the backing buffer; pushing a header moves head down, trimming a
// parsed header moves it up.
type Packet struct {
	buf  []byte
	head int
	tail int

	// AFHead and ProtoHead are offsets of the IP and transport headers
	// once known.
	AFHead    int
	ProtoHead int

	Protocol uint8

	// Sock is the owning socket for outbound packets.
	Sock *Socket

	SrcAddr IPv4
	SrcPort uint16
	DstAddr IPv4
	DstPort uint16

	// Route is the cached route an outbound packet travels by.
	Route RouteEntry

	// CB holds the decoded TCP control fields for inbound segments.
	CB TCPControl

	node list.Node[Packet]
}

// TCPControl is the per-packet TCP scratch: sequence numbers, window,
// and flags decoded once on receive.
type TCPControl struct {
	Seq    uint32
	AckSeq uint32
	Window uint16
	Flags  uint8
}

// NewPacket allocates an empty packet with pushing headroom.
func NewPacket() *Packet {
	p := &Packet{
		buf:  make([]byte, packetBufSize),
		head: packetHeadroom,
		tail: packetHeadroom,
	}
	p.node.Init(p)
	return p
}

// Data returns the live payload.
func (p *Packet) Data() []byte {
	return p.buf[p.head:p.tail]
}

// Len returns the live payload length.
func (p *Packet) Len() int {
	return p.tail - p.head
}

// Append adds payload bytes at the tail.
func (p *Packet) Append(data []byte) {
	p.tail += copy(p.buf[p.tail:], data)
}

// Push grows the packet downward by n bytes and returns the new prefix,
// for header construction.
func (p *Packet) Push(n int) []byte {
	p.head -= n
	return p.buf[p.head : p.head+n]
}

// Pull drops n parsed bytes off the head.
func (p *Packet) Pull(n int) {
	p.head += n
}

// HeadOffset returns the current head offset, used to record header
// positions.
func (p *Packet) HeadOffset() int {
	return p.head
}

// BytesAt returns the buffer from a recorded offset to the tail.
func (p *Packet) BytesAt(off int) []byte {
	return p.buf[off:p.tail]
}
