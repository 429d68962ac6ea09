package tcp

import (
	"github.com/behrlich/kernos/internal/net"
	"github.com/behrlich/kernos/internal/sched"
)

// delackStart arms the per-socket one-shot delayed-ACK timer, taking a
// socket reference that the firing (or cancellation) drops. A timer
// already pending is left alone.
func (p *Proto) delackStart(cur *sched.Task, sock *net.Socket, priv *Priv) {
	if priv.delack != nil {
		return
	}

	sock.Dup()
	priv.delack = p.stack.ScheduleDelay(delackMS, func(cur *sched.Task) {
		sock.LockPriv(cur)
		pr := getPriv(sock)
		if pr != nil {
			pr.delack = nil
			p.sendAck(cur, sock, pr)
		}
		sock.UnlockPriv(cur)
		sock.Put()
	})
}

// delackStop cancels a pending delayed ACK; every transmitted ACK calls
// this, since it already carries the acknowledgement.
func (p *Proto) delackStop(sock *net.Socket, priv *Priv) {
	if priv.delack == nil {
		return
	}
	if p.stack.CancelDelay(priv.delack) {
		sock.Put()
	}
	priv.delack = nil
}
