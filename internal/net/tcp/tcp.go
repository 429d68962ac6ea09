// Package tcp implements the per-connection TCP state machine: RFC 793
// states, wraparound-safe sequence arithmetic, the output helpers, the
// "segment arrives" input path, and the delayed-ACK timer.
package tcp

import (
	"github.com/behrlich/kernos/internal/kerr"
	"github.com/behrlich/kernos/internal/klog"
	"github.com/behrlich/kernos/internal/net"
	"github.com/behrlich/kernos/internal/sched"
)

// State is a connection's RFC 793 state.
type State int

const (
	StateClose State = iota
	StateListen
	StateSynSent
	StateSynRecv
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateClosing
	StateTimeWait
	StateCloseWait
	StateLastAck
)

var stateNames = map[State]string{
	StateClose:       "CLOSE",
	StateListen:      "LISTEN",
	StateSynSent:     "SYN_SENT",
	StateSynRecv:     "SYN_RECV",
	StateEstablished: "ESTABLISHED",
	StateFinWait1:    "FIN_WAIT1",
	StateFinWait2:    "FIN_WAIT2",
	StateClosing:     "CLOSING",
	StateTimeWait:    "TIME_WAIT",
	StateCloseWait:   "CLOSE_WAIT",
	StateLastAck:     "LAST_ACK",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// Header flag bits.
const (
	FlagFIN uint8 = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
)

const headerSize = 20

// DefaultWindow is the receive window a fresh connection advertises.
const DefaultWindow = 65535

// delackMS is the delayed-ACK coalescing interval.
const delackMS = 40

// Priv is the protocol-private control block hung off a socket:
// connection state plus the sequence-space variables.
type Priv struct {
	State State

	ISS uint32
	IRS uint32

	SndUna uint32
	SndNxt uint32
	SndWnd uint32
	SndWl1 uint32
	SndWl2 uint32

	RcvNxt uint32
	RcvWnd uint32
	RcvUp  uint32

	// finSeq is the sequence our FIN occupies, once sent.
	finSeq  uint32
	finSent bool

	delack *net.DelayWork
}

// StateName names the connection state for the /proc surface.
func (p *Priv) StateName() string {
	return p.State.String()
}

// SeqBefore is the 32-bit wraparound-safe seq1 < seq2.
func SeqBefore(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) < 0
}

// SeqAfter is the wraparound-safe seq1 > seq2.
func SeqAfter(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) > 0
}

// SeqBetween checks seq1 < seq2 < seq3 in sequence space.
func SeqBetween(seq1, seq2, seq3 uint32) bool {
	return SeqBefore(seq1, seq2) && SeqBefore(seq2, seq3)
}

// Proto is the TCP engine instance registered with a stack.
type Proto struct {
	stack *net.Stack
	log   *klog.Logger
}

// New creates the engine and hooks it into the stack's demux.
func New(stack *net.Stack) *Proto {
	p := &Proto{
		stack: stack,
		log:   klog.New("tcp"),
	}
	stack.RegisterProtocol(net.ProtoTCP, p.Rx)
	return p
}

// Attach gives a socket its TCP control block.
func (p *Proto) Attach(sock *net.Socket) *Priv {
	priv := &Priv{RcvWnd: DefaultWindow}
	sock.ProtoPriv = priv
	return priv
}

func getPriv(sock *net.Socket) *Priv {
	if sock.ProtoPriv == nil {
		return nil
	}
	return sock.ProtoPriv.(*Priv)
}

// Connect opens a connection: pick the initial send sequence, send the
// SYN, and enter SYN_SENT.
func (p *Proto) Connect(cur *sched.Task, sock *net.Socket, iss uint32) error {
	if err := p.stack.FillRoute(cur, sock); err != nil {
		return err
	}

	sock.LockPriv(cur)
	priv := getPriv(sock)
	if priv == nil {
		priv = p.Attach(sock)
	}

	priv.ISS = iss
	priv.SndUna = iss
	priv.SndNxt = iss

	p.sendFlags(cur, sock, priv, FlagSYN, priv.SndNxt, nil)
	priv.SndNxt++
	priv.State = StateSynSent
	sock.UnlockPriv(cur)

	sock.SetState(net.SocketConnecting)
	return nil
}

// Send transmits payload on an established connection with PSH|ACK.
func (p *Proto) Send(cur *sched.Task, sock *net.Socket, data []byte) error {
	sock.LockPriv(cur)
	defer sock.UnlockPriv(cur)

	priv := getPriv(sock)
	if priv == nil {
		return kerr.ENOTCONN
	}

	switch priv.State {
	case StateEstablished, StateCloseWait:
	default:
		return kerr.ENOTCONN
	}

	p.sendFlags(cur, sock, priv, FlagACK|FlagPSH, priv.SndNxt, data)
	priv.SndNxt += uint32(len(data))
	return nil
}

// Close runs the local-close transition: FIN from ESTABLISHED enters
// FIN_WAIT1, FIN from CLOSE_WAIT enters LAST_ACK; anything else just
// drops to CLOSE.
func (p *Proto) Close(cur *sched.Task, sock *net.Socket) {
	sock.LockPriv(cur)
	defer sock.UnlockPriv(cur)

	priv := getPriv(sock)
	if priv == nil {
		return
	}

	switch priv.State {
	case StateEstablished:
		p.sendFin(cur, sock, priv)
		priv.State = StateFinWait1

	case StateCloseWait:
		p.sendFin(cur, sock, priv)
		priv.State = StateLastAck

	default:
		priv.State = StateClose
		sock.SetState(net.SocketUnconnected)
	}
}

// StateOf reports a socket's connection state for the /proc surface.
func (p *Proto) StateOf(cur *sched.Task, sock *net.Socket) State {
	sock.LockPriv(cur)
	defer sock.UnlockPriv(cur)
	priv := getPriv(sock)
	if priv == nil {
		return StateClose
	}
	return priv.State
}
