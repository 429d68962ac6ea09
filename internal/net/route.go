package net

import (
	"github.com/behrlich/kernos/internal/kerr"
	"github.com/behrlich/kernos/internal/list"
	"github.com/behrlich/kernos/internal/sched"
)

// Route flags.
const (
	RouteGateway uint32 = 1 << iota
)

// RouteEntry is the result of a lookup: destination, optional gateway,
// and a referenced interface.
type RouteEntry struct {
	Dest    IPv4
	Gateway IPv4
	Flags   uint32
	Iface   *Interface
}

// Clear drops the entry's interface reference.
func (r *RouteEntry) Clear() {
	if r.Iface != nil {
		r.Iface.Put()
		r.Iface = nil
	}
}

// forwardRoute is one installed route.
type forwardRoute struct {
	dest    IPv4
	gateway IPv4
	iface   *Interface
	flags   uint32

	node list.Node[forwardRoute]
}

// zone collects the routes sharing one prefix length.
type zone struct {
	routes list.Head[forwardRoute]
	mask   IPv4
}

// netmaskCount returns the number of leading ones in a netmask:
// 255.255.255.0 is 24.
func netmaskCount(mask IPv4) int {
	if mask == 0 {
		return 0
	}
	count := 0
	for bit := 31; bit >= 0 && mask&(1<<uint(bit)) != 0; bit-- {
		count++
	}
	return count
}

// netmaskCreate builds the mask with the given number of leading ones.
func netmaskCreate(count int) IPv4 {
	if count == 0 {
		return 0
	}
	return IPv4(^uint32(0) << (32 - uint(count)))
}

// RouteTable is the longest-prefix forwarding table: an array of 33
// zones indexed by netmask bit-count, each a list of entries.
type RouteTable struct {
	lock  sched.Mutex
	zones [33]zone
}

// NewRouteTable creates an empty table.
func NewRouteTable() *RouteTable {
	t := &RouteTable{}
	for i := range t.zones {
		t.zones[i].routes.Init()
		t.zones[i].mask = netmaskCreate(i)
	}
	return t
}

// Add installs a route, taking a reference on the interface.
func (t *RouteTable) Add(cur *sched.Task, dest, gateway, mask IPv4, iface *Interface, flags uint32) {
	count := netmaskCount(mask)
	route := &forwardRoute{
		dest:    dest,
		gateway: gateway,
		iface:   iface.Dup(),
		flags:   flags,
	}
	route.node.Init(route)

	t.lock.Lock(cur)
	t.zones[count].routes.PushBack(&route.node)
	t.lock.Unlock(cur)
}

// Del removes the route matching (dest & mask).
func (t *RouteTable) Del(cur *sched.Task, dest, mask IPv4) error {
	count := netmaskCount(mask)
	var found *forwardRoute

	t.lock.Lock(cur)
	t.zones[count].routes.ForEach(func(r *forwardRoute) bool {
		if r.dest.Mask(mask) == dest.Mask(mask) {
			found = r
			t.zones[count].routes.Remove(&r.node)
			return false
		}
		return true
	})
	t.lock.Unlock(cur)

	if found == nil {
		return kerr.ENODEV
	}
	found.iface.Put()
	return nil
}

// Lookup scans from /32 down to /0, taking the first entry whose
// masked destination matches and whose interface is up. The returned
// entry holds an interface reference; Clear it when done.
func (t *RouteTable) Lookup(cur *sched.Task, dest IPv4) (RouteEntry, error) {
	var found *forwardRoute

	t.lock.Lock(cur)
	for i := 32; i >= 0 && found == nil; i-- {
		mask := t.zones[i].mask
		t.zones[i].routes.ForEach(func(r *forwardRoute) bool {
			if !r.iface.Up() {
				return true
			}
			if r.dest.Mask(mask) == dest.Mask(mask) {
				found = r
				return false
			}
			return true
		})
	}

	if found == nil {
		t.lock.Unlock(cur)
		return RouteEntry{}, kerr.ENETUNREACH
	}

	entry := RouteEntry{
		Dest:    dest,
		Gateway: found.gateway,
		Flags:   found.flags,
		Iface:   found.iface.Dup(),
	}
	t.lock.Unlock(cur)

	return entry, nil
}

// RouteInfo is one row of the route table dump.
type RouteInfo struct {
	Dest    IPv4
	Mask    IPv4
	Gateway IPv4
	Flags   uint32
	Up      bool
	Iface   string
}

// Dump snapshots the table for the /proc surface.
func (t *RouteTable) Dump(cur *sched.Task) []RouteInfo {
	var out []RouteInfo

	t.lock.Lock(cur)
	for i := 0; i <= 32; i++ {
		mask := t.zones[i].mask
		t.zones[i].routes.ForEach(func(r *forwardRoute) bool {
			out = append(out, RouteInfo{
				Dest:    r.dest,
				Mask:    mask,
				Gateway: r.gateway,
				Flags:   r.flags,
				Up:      r.iface.Up(),
				Iface:   r.iface.Name,
			})
			return true
		})
	}
	t.lock.Unlock(cur)

	return out
}
