package net_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/kernos/internal/kerr"
	"github.com/behrlich/kernos/internal/net"
	"github.com/behrlich/kernos/internal/sched"
)

func startSched(t *testing.T) *sched.Scheduler {
	t.Helper()
	s := sched.New()
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func runTask(t *testing.T, s *sched.Scheduler, fn func(cur *sched.Task)) {
	t.Helper()
	task := s.NewKernelTask("net", fn)
	select {
	case <-task.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("net task did not finish")
	}
}

func TestAddrFormatting(t *testing.T) {
	a := net.Addr(10, 0, 1, 7)
	assert.Equal(t, "10.0.1.7", a.String())
	assert.Equal(t, net.Addr(10, 0, 1, 0), a.Mask(net.Addr(255, 255, 255, 0)))
}

func TestChecksumVectors(t *testing.T) {
	// RFC 1071 example data.
	data := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}
	sum := net.Checksum(data)
	assert.Equal(t, ^uint16(0xddf2), sum)

	// A buffer with its own checksum folded in sums to zero.
	withSum := append([]byte{}, data...)
	withSum = append(withSum, byte(sum>>8), byte(sum))
	assert.Equal(t, uint16(0), net.Checksum(withSum))

	// Odd-length buffers pad with zero.
	assert.NotPanics(t, func() { net.Checksum([]byte{0x42}) })
}

func TestLongestPrefixRouting(t *testing.T) {
	s := startSched(t)
	stack := net.NewStack(s)

	noop := func(*sched.Task, *net.Packet) {}
	g0 := stack.AddInterface("g0", net.Addr(192, 168, 0, 254), net.Addr(255, 255, 255, 0), noop)
	g1 := stack.AddInterface("g1", net.Addr(10, 0, 0, 254), net.Addr(255, 0, 0, 0), noop)
	g2 := stack.AddInterface("g2", net.Addr(10, 0, 1, 254), net.Addr(255, 255, 255, 0), noop)

	runTask(t, s, func(cur *sched.Task) {
		routes := stack.Routes()
		routes.Add(cur, net.Addr(0, 0, 0, 0), net.Addr(192, 168, 0, 1), net.Addr(0, 0, 0, 0), g0, net.RouteGateway)
		routes.Add(cur, net.Addr(10, 0, 0, 0), net.Addr(10, 0, 0, 1), net.Addr(255, 0, 0, 0), g1, net.RouteGateway)
		routes.Add(cur, net.Addr(10, 0, 1, 0), net.Addr(10, 0, 1, 1), net.Addr(255, 255, 255, 0), g2, net.RouteGateway)

		// The most specific prefix wins.
		entry, err := routes.Lookup(cur, net.Addr(10, 0, 1, 7))
		require.NoError(t, err)
		assert.Equal(t, "g2", entry.Iface.Name)
		entry.Clear()

		entry, err = routes.Lookup(cur, net.Addr(10, 1, 1, 7))
		require.NoError(t, err)
		assert.Equal(t, "g1", entry.Iface.Name)
		entry.Clear()

		entry, err = routes.Lookup(cur, net.Addr(192, 168, 0, 1))
		require.NoError(t, err)
		assert.Equal(t, "g0", entry.Iface.Name)
		entry.Clear()

		// A downed interface drops out of the scan; the /8 catches the
		// lookup instead.
		g2.SetUp(false)
		entry, err = routes.Lookup(cur, net.Addr(10, 0, 1, 7))
		require.NoError(t, err)
		assert.Equal(t, "g1", entry.Iface.Name)
		entry.Clear()
		g2.SetUp(true)

		// Routes can be deleted; the fallback then serves the range.
		require.NoError(t, routes.Del(cur, net.Addr(10, 0, 1, 0), net.Addr(255, 255, 255, 0)))
		entry, err = routes.Lookup(cur, net.Addr(10, 0, 1, 7))
		require.NoError(t, err)
		assert.Equal(t, "g1", entry.Iface.Name)
		entry.Clear()

		assert.Equal(t, kerr.ENODEV, routes.Del(cur, net.Addr(10, 0, 1, 0), net.Addr(255, 255, 255, 0)))
	})
}

func TestRouteHoldsInterfaceReference(t *testing.T) {
	s := startSched(t)
	stack := net.NewStack(s)

	iface := stack.AddInterface("eth0", net.Addr(10, 0, 0, 1), net.Addr(255, 0, 0, 0), func(*sched.Task, *net.Packet) {})

	runTask(t, s, func(cur *sched.Task) {
		before := iface.Refs()

		stack.Routes().Add(cur, net.Addr(10, 0, 0, 0), 0, net.Addr(255, 0, 0, 0), iface, 0)
		assert.Equal(t, before+1, iface.Refs())

		entry, err := stack.Routes().Lookup(cur, net.Addr(10, 0, 0, 5))
		require.NoError(t, err)
		assert.Equal(t, before+2, iface.Refs())
		entry.Clear()
		assert.Equal(t, before+1, iface.Refs())

		require.NoError(t, stack.Routes().Del(cur, net.Addr(10, 0, 0, 0), net.Addr(255, 0, 0, 0)))
		assert.Equal(t, before, iface.Refs())
	})
}

func TestUDPOverLoopback(t *testing.T) {
	s := startSched(t)
	stack := net.NewStack(s)

	lo := stack.AddLoopback("lo", net.Addr(127, 0, 0, 1), net.Addr(255, 0, 0, 0))
	_ = lo

	runTask(t, s, func(cur *sched.Task) {
		stack.Routes().Add(cur, net.Addr(127, 0, 0, 0), 0, net.Addr(255, 0, 0, 0), lo, 0)

		// A listener bound to port 9000.
		listener := stack.NewSocket(net.ProtoUDP)
		listener.SrcPort = 9000
		stack.RegisterSocket(listener)
		defer stack.UnregisterSocket(listener)

		sender := stack.NewSocket(net.ProtoUDP)
		if !assert.NoError(t, stack.BindEphemeral(sender)) {
			return
		}

		err := stack.UDPSendTo(cur, sender, []byte("ping over loopback"), net.Addr(127, 0, 0, 1), 9000)
		if !assert.NoError(t, err) {
			return
		}

		// Loopback delivery is synchronous: the datagram is queued.
		pkt, err := listener.Recv(cur, true)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, "ping over loopback", string(pkt.Data()))
		assert.Equal(t, sender.SrcPort, pkt.SrcPort)
		assert.Equal(t, net.Addr(127, 0, 0, 1), pkt.SrcAddr)
	})
}

func TestUDPRecvBlocksUntilData(t *testing.T) {
	s := startSched(t)
	stack := net.NewStack(s)
	lo := stack.AddLoopback("lo", net.Addr(127, 0, 0, 1), net.Addr(255, 0, 0, 0))

	listener := stack.NewSocket(net.ProtoUDP)
	listener.SrcPort = 7777
	stack.RegisterSocket(listener)

	var got string
	receiver := s.NewKernelTask("receiver", func(cur *sched.Task) {
		pkt, err := listener.Recv(cur, false)
		if assert.NoError(t, err) {
			got = string(pkt.Data())
		}
	})

	sender := s.NewKernelTask("sender", func(cur *sched.Task) {
		stack.Routes().Add(cur, net.Addr(127, 0, 0, 0), 0, net.Addr(255, 0, 0, 0), lo, 0)
		sock := stack.NewSocket(net.ProtoUDP)
		assert.NoError(t, stack.BindEphemeral(sock))

		// Let the receiver park first.
		s.Yield(cur)
		assert.NoError(t, stack.UDPSendTo(cur, sock, []byte("wake up"), net.Addr(127, 0, 0, 1), 7777))
	})

	for _, task := range []*sched.Task{receiver, sender} {
		select {
		case <-task.Done():
		case <-time.After(10 * time.Second):
			t.Fatal("task hung")
		}
	}
	assert.Equal(t, "wake up", got)
}

func TestDemuxScoring(t *testing.T) {
	s := startSched(t)
	stack := net.NewStack(s)
	lo := stack.AddLoopback("lo", net.Addr(127, 0, 0, 1), net.Addr(255, 0, 0, 0))

	runTask(t, s, func(cur *sched.Task) {
		stack.Routes().Add(cur, net.Addr(127, 0, 0, 0), 0, net.Addr(255, 0, 0, 0), lo, 0)

		// A wildcard listener on the port and a fully connected socket
		// for one peer: the connected one outranks the listener for its
		// peer's traffic.
		listener := stack.NewSocket(net.ProtoUDP)
		listener.SrcPort = 5000
		stack.RegisterSocket(listener)
		defer stack.UnregisterSocket(listener)

		connected := stack.NewSocket(net.ProtoUDP)
		connected.SrcPort = 5000
		connected.SrcAddr = net.Addr(127, 0, 0, 1)
		connected.DstAddr = net.Addr(127, 0, 0, 1)
		connected.DstPort = 6000
		stack.RegisterSocket(connected)
		defer stack.UnregisterSocket(connected)

		peer := stack.NewSocket(net.ProtoUDP)
		peer.SrcPort = 6000
		if !assert.NoError(t, stack.UDPSendTo(cur, peer, []byte("for the connection"), net.Addr(127, 0, 0, 1), 5000)) {
			return
		}

		otherPeer := stack.NewSocket(net.ProtoUDP)
		otherPeer.SrcPort = 6001
		if !assert.NoError(t, stack.UDPSendTo(cur, otherPeer, []byte("for the listener"), net.Addr(127, 0, 0, 1), 5000)) {
			return
		}

		pkt, err := connected.Recv(cur, true)
		if assert.NoError(t, err) {
			assert.Equal(t, "for the connection", string(pkt.Data()))
		}

		pkt, err = listener.Recv(cur, true)
		if assert.NoError(t, err) {
			assert.Equal(t, "for the listener", string(pkt.Data()))
		}
	})
}

func TestICMPEchoReply(t *testing.T) {
	s := startSched(t)
	stack := net.NewStack(s)
	lo := stack.AddLoopback("lo", net.Addr(127, 0, 0, 1), net.Addr(255, 0, 0, 0))

	runTask(t, s, func(cur *sched.Task) {
		stack.Routes().Add(cur, net.Addr(127, 0, 0, 0), 0, net.Addr(255, 0, 0, 0), lo, 0)

		// A raw listener captures every ICMP datagram, request and
		// reply both.
		raw := stack.NewSocket(net.ProtoICMP)
		stack.RegisterRawSocket(raw)
		defer stack.UnregisterRawSocket(raw)

		// Echo request: type 8, code 0, checksum, id/seq, payload.
		msg := []byte{8, 0, 0, 0, 0x12, 0x34, 0, 1, 'p', 'i', 'n', 'g'}
		cs := net.Checksum(msg)
		msg[2] = byte(cs >> 8)
		msg[3] = byte(cs)

		sender := stack.NewSocket(net.ProtoICMP)
		if !assert.NoError(t, stack.RawSend(cur, sender, msg, net.Addr(127, 0, 0, 1))) {
			return
		}

		// First capture: the request on its way in.
		pkt, err := raw.Recv(cur, true)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, uint8(net.ProtoICMP), pkt.Protocol)

		// Second capture: the generated echo reply (type 0), id and
		// payload preserved.
		pkt, err = raw.Recv(cur, true)
		if !assert.NoError(t, err) {
			return
		}
		data := pkt.Data()
		// Skip the IP header to the ICMP body.
		ihl := int(data[0]&0xF) * 4
		body := data[ihl:]
		assert.Equal(t, byte(0), body[0], "echo reply type")
		assert.Equal(t, byte(0x12), body[4])
		assert.Equal(t, "ping", string(body[8:12]))
	})
}

func TestRawSocketSeesFullDatagram(t *testing.T) {
	s := startSched(t)
	stack := net.NewStack(s)
	lo := stack.AddLoopback("lo", net.Addr(127, 0, 0, 1), net.Addr(255, 0, 0, 0))

	runTask(t, s, func(cur *sched.Task) {
		stack.Routes().Add(cur, net.Addr(127, 0, 0, 0), 0, net.Addr(255, 0, 0, 0), lo, 0)

		raw := stack.NewSocket(net.ProtoUDP)
		stack.RegisterRawSocket(raw)
		defer stack.UnregisterRawSocket(raw)

		udp := stack.NewSocket(net.ProtoUDP)
		assert.NoError(t, stack.BindEphemeral(udp))
		assert.NoError(t, stack.UDPSendTo(cur, udp, []byte("raw capture"), net.Addr(127, 0, 0, 1), 4242))

		pkt, err := raw.Recv(cur, true)
		if !assert.NoError(t, err) {
			return
		}

		// Raw delivery includes the IP header; verify it parses.
		data := pkt.Data()
		assert.Equal(t, byte(4), data[0]>>4, "IPv4")
		assert.Equal(t, uint16(0), net.Checksum(data[:int(data[0]&0xF)*4]), "valid header checksum")
	})
}
