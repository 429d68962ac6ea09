// Package procfs exposes kernel state as text tables rendered on read,
// sequence-file style, plus the /proc/devices event stream.
package procfs

import (
	"fmt"

	"github.com/behrlich/kernos/internal/kbuf"
	"github.com/behrlich/kernos/internal/kerr"
	"github.com/behrlich/kernos/internal/sched"
)

// Renderer produces one node's content at read time.
type Renderer func(cur *sched.Task, out *kbuf.Seq)

// FS is the /proc tree: a flat map of paths to renderers, and the
// device-event ring behind /proc/devices.
type FS struct {
	lock  sched.Spinlock
	nodes map[string]Renderer

	// events buffers (type, add|remove, major, minor) records until a
	// reader drains them.
	events    *kbuf.Ring
	eventWait sched.WaitQueue
}

// New creates an empty tree.
func New() *FS {
	return &FS{
		nodes:  make(map[string]Renderer),
		events: kbuf.NewRing(4096),
	}
}

// Register installs a node at path ("tasks", "net/route", ...).
func (p *FS) Register(path string, r Renderer) {
	p.lock.Acquire()
	p.nodes[path] = r
	p.lock.Release()
}

// Read renders a node.
func (p *FS) Read(cur *sched.Task, path string) (string, error) {
	p.lock.Acquire()
	r := p.nodes[path]
	p.lock.Release()

	if r == nil {
		return "", kerr.ENOENT
	}

	var out kbuf.Seq
	r(cur, &out)
	return out.String(), nil
}

// Paths lists the registered nodes.
func (p *FS) Paths() []string {
	p.lock.Acquire()
	defer p.lock.Release()

	var out []string
	for path := range p.nodes {
		out = append(out, path)
	}
	return out
}

// Device-event kinds.
const (
	DeviceAdd    = "add"
	DeviceRemove = "remove"
)

// PostDeviceEvent appends a (type, add|remove, major, minor) record to
// the event ring and wakes blocked readers.
func (p *FS) PostDeviceEvent(devType, action string, major, minor int) {
	line := fmt.Sprintf("%s %s %d %d\n", devType, action, major, minor)
	p.events.Write([]byte(line))
	p.eventWait.Wake()
}

// ReadDeviceEvents drains the event ring. An empty ring returns EAGAIN
// under nonblock, otherwise the reader parks until an event arrives.
func (p *FS) ReadDeviceEvents(cur *sched.Task, buf []byte, nonblock bool) (int, error) {
	for {
		if n := p.events.Read(buf); n > 0 {
			return n, nil
		}

		if nonblock {
			return 0, kerr.EAGAIN
		}

		cur.SetState(sched.TaskIntrSleeping)
		p.eventWait.Register(cur)

		if p.events.Len() > 0 {
			cur.SetState(sched.TaskRunning)
			sched.Unregister(cur)
			continue
		}

		cur.Scheduler().Yield(cur)
		sched.Unregister(cur)
		cur.SetState(sched.TaskRunning)

		if cur.SignalPending() {
			return 0, kerr.ERESTARTSYS
		}
	}
}
