package kernos

import (
	"sort"

	"github.com/behrlich/kernos/internal/kbuf"
	"github.com/behrlich/kernos/internal/net"
	"github.com/behrlich/kernos/internal/sched"
)

// registerProcNodes populates the /proc surface from live kernel state.
func (k *Kernel) registerProcNodes() {
	k.proc.Register("version", func(_ *sched.Task, out *kbuf.Seq) {
		out.Printf("kernos version %s (%s)\n", Version, k.Hostname())
	})

	k.proc.Register("uptime", func(_ *sched.Task, out *kbuf.Seq) {
		out.Printf("%.2f %d\n", k.metrics.Uptime().Seconds(), k.sched.Ticks())
	})

	k.proc.Register("filesystems", func(_ *sched.Task, out *kbuf.Seq) {
		out.WriteString("ext2\nprocfs\npipe\n")
	})

	k.proc.Register("mounts", func(_ *sched.Task, out *kbuf.Seq) {
		if k.root != nil {
			out.Printf("/dev/%s / ext2 rw\n", k.cfg.Root)
		}
		out.WriteString("proc /proc procfs rw\n")
	})

	k.proc.Register("interrupts", func(_ *sched.Task, out *kbuf.Seq) {
		for _, v := range k.irqc.Interrupts() {
			out.Printf("%d: %d %s\n", v.Vector, v.Count, v.Name)
		}
	})

	k.proc.Register("tasks", func(_ *sched.Task, out *kbuf.Seq) {
		out.WriteString("Pid\tPPid\tPGid\tState\tKilled\tName\n")
		for _, t := range k.sched.Tasks() {
			killed := 0
			if t.Killed {
				killed = 1
			}
			out.Printf("%d\t%d\t%d\t%s\t%d\t\"%s\"\n", t.Pid, t.PPid, t.Pgid, t.State, killed, t.Name)
		}
	})

	k.proc.Register("devices", func(_ *sched.Task, out *kbuf.Seq) {
		names := make([]string, 0, len(k.drives))
		for name := range k.drives {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			d := k.drives[name]
			ident := d.Identity()
			reads, writes, readBytes, writeBytes := d.Counters()
			out.Printf("block %s %d sectors dma=%v rd=%d/%d wr=%d/%d\n",
				name, ident.SectorCount, ident.DMA,
				reads, readBytes, writes, writeBytes)
		}
	})

	k.proc.Register("net/netdev", func(_ *sched.Task, out *kbuf.Seq) {
		out.WriteString("iface rx_packets rx_bytes tx_packets tx_bytes\n")
		for _, ifc := range k.stack.Interfaces() {
			st := ifc.Stats()
			out.Printf("%s %d %d %d %d\n", ifc.Name,
				st.RxPackets.Load(), st.RxBytes.Load(),
				st.TxPackets.Load(), st.TxBytes.Load())
		}
	})

	k.proc.Register("net/route", func(cur *sched.Task, out *kbuf.Seq) {
		out.WriteString("dest mask gateway iface up\n")
		for _, r := range k.stack.Routes().Dump(cur) {
			up := 0
			if r.Up {
				up = 1
			}
			out.Printf("%s %s %s %s %d\n", r.Dest, r.Mask, r.Gateway, r.Iface, up)
		}
	})

	k.proc.Register("net/udp", func(_ *sched.Task, out *kbuf.Seq) {
		k.renderSockets(out, net.ProtoUDP)
	})

	k.proc.Register("net/tcp", func(_ *sched.Task, out *kbuf.Seq) {
		k.renderSockets(out, net.ProtoTCP)
	})
}

func (k *Kernel) renderSockets(out *kbuf.Seq, proto uint8) {
	out.WriteString("local remote state\n")
	for _, s := range k.stack.SocketsInfo() {
		if s.Proto != proto {
			continue
		}
		state := s.State
		if state == "" {
			state = "-"
		}
		out.Printf("%s:%d %s:%d %s\n", s.SrcAddr, s.SrcPort, s.DstAddr, s.DstPort, state)
	}
}
