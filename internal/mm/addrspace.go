// Package mm implements the virtual-memory model: per-task page
// directories with a shared kernel half, VM areas, the page-fault
// handler, and user-pointer validation with fault recovery.
package mm

import (
	"sync"

	"github.com/behrlich/kernos/internal/kerr"
	"github.com/behrlich/kernos/internal/rbtree"
	"github.com/behrlich/kernos/internal/sched"
)

// Page geometry.
const (
	PageSize  = 4096
	PageShift = 12

	// KernelBase splits the address space: the kernel half above it is
	// identical and globally mapped in every directory, only the user
	// half below is per-process.
	KernelBase = 0xC0000000
)

// Page-table entry flags.
const (
	PTEPresent uint32 = 1 << iota
	PTEWritable
	PTEUser
)

// pageEntry maps one virtual page onto a frame of memory.
type pageEntry struct {
	frame []byte
	flags uint32
}

// KernelMap is the shared kernel half. One instance backs every page
// directory.
type KernelMap struct {
	mu    sync.Mutex
	pages map[uint32]*pageEntry
}

// PageDir is a per-process page directory: private user half, shared
// kernel half.
type PageDir struct {
	user   map[uint32]*pageEntry
	kernel *KernelMap
}

// VMArea describes one mapped region of a task's user space.
type VMArea struct {
	Start uint32
	End   uint32
	Flags uint32 // PTE flags new pages get
}

// Contains reports whether addr falls inside the area.
func (v *VMArea) Contains(addr uint32) bool {
	return addr >= v.Start && addr < v.End
}

// AddressSpace owns one page directory and the task's VM areas.
type AddressSpace struct {
	mu     sync.Mutex
	dir    *PageDir
	areas  rbtree.Tree
	shared *KernelMap
}

// NewKernelMap creates the shared kernel half. One instance backs every
// address space in a kernel.
func NewKernelMap() *KernelMap {
	return &KernelMap{pages: make(map[uint32]*pageEntry)}
}

// NewAddressSpace creates an empty address space sharing the given
// kernel map. A nil kernel map gets a fresh one (tests, the first
// space).
func NewAddressSpace(kernel *KernelMap) *AddressSpace {
	if kernel == nil {
		kernel = NewKernelMap()
	}
	return &AddressSpace{
		dir:    &PageDir{user: make(map[uint32]*pageEntry), kernel: kernel},
		shared: kernel,
	}
}

func pageAlign(addr uint32) uint32 {
	return addr &^ (PageSize - 1)
}

// Map installs an anonymous zeroed mapping for [start, end) and records
// the VM area. Addresses must be page-aligned and in the user half.
func (as *AddressSpace) Map(start, end uint32, flags uint32) error {
	if start >= end || end > KernelBase {
		return kerr.EINVAL
	}
	if start%PageSize != 0 || end%PageSize != 0 {
		return kerr.EINVAL
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	as.areas.Insert(start, &VMArea{Start: start, End: end, Flags: flags | PTEPresent | PTEUser})
	return nil
}

// Unmap drops the VM area starting at start and releases its frames.
func (as *AddressSpace) Unmap(start uint32) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	n := as.areas.Search(start)
	if n == nil {
		return kerr.EINVAL
	}
	area := n.Value.(*VMArea)
	for addr := area.Start; addr < area.End; addr += PageSize {
		delete(as.dir.user, addr)
	}
	as.areas.Delete(start)
	return nil
}

// findArea returns the VM area containing addr, or nil.
func (as *AddressSpace) findArea(addr uint32) *VMArea {
	n := as.areas.Floor(addr)
	if n == nil {
		return nil
	}
	area := n.Value.(*VMArea)
	if area.Contains(addr) {
		return area
	}
	return nil
}

// lookup returns the entry mapping addr, consulting both halves.
func (as *AddressSpace) lookup(addr uint32) *pageEntry {
	page := pageAlign(addr)
	if page >= KernelBase {
		as.shared.mu.Lock()
		defer as.shared.mu.Unlock()
		return as.shared.pages[page]
	}
	return as.dir.user[page]
}

// HandlePageFault maps a demand-zero page when addr falls inside a VM
// area permitting the access. Reports whether the fault was resolved.
func (as *AddressSpace) HandlePageFault(addr uint32, write bool) bool {
	as.mu.Lock()
	defer as.mu.Unlock()

	area := as.findArea(addr)
	if area == nil {
		return false
	}
	if write && area.Flags&PTEWritable == 0 {
		return false
	}

	page := pageAlign(addr)
	if _, ok := as.dir.user[page]; !ok {
		as.dir.user[page] = &pageEntry{
			frame: make([]byte, PageSize),
			flags: area.Flags,
		}
	}
	return true
}

// Clone copies the user half entry-by-entry, flags preserved. There is
// no copy-on-write: each mapped page is duplicated outright. The kernel
// half is shared by construction.
func (as *AddressSpace) Clone() (sched.AddressSpace, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	clone := NewAddressSpace(as.shared)
	for addr, pe := range as.dir.user {
		frame := make([]byte, PageSize)
		copy(frame, pe.frame)
		clone.dir.user[addr] = &pageEntry{frame: frame, flags: pe.flags}
	}
	as.areas.ForEach(func(n *rbtree.Node) bool {
		area := *n.Value.(*VMArea)
		clone.areas.Insert(area.Start, &area)
		return true
	})
	return clone, nil
}

// Release walks and drops only the user half; the kernel half is global
// and outlives every process.
func (as *AddressSpace) Release() {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.dir.user = make(map[uint32]*pageEntry)
	as.areas = rbtree.Tree{}
}

// copyUser is the shared page-walk for CopyIn/CopyOut. Unmapped pages
// get one demand-fault attempt before the copy fails with EFAULT.
func (as *AddressSpace) copyUser(addr uint32, n int, write bool, fn func(frame []byte, off, cnt int, done int)) error {
	done := 0
	for done < n {
		cur := addr + uint32(done)
		if cur >= KernelBase {
			return kerr.EFAULT
		}

		as.mu.Lock()
		pe := as.dir.user[pageAlign(cur)]
		as.mu.Unlock()

		if pe == nil || pe.flags&PTEPresent == 0 {
			if !as.HandlePageFault(cur, write) {
				return kerr.EFAULT
			}
			as.mu.Lock()
			pe = as.dir.user[pageAlign(cur)]
			as.mu.Unlock()
			if pe == nil {
				return kerr.EFAULT
			}
		}
		if write && pe.flags&PTEWritable == 0 {
			return kerr.EFAULT
		}

		off := int(cur - pageAlign(cur))
		cnt := PageSize - off
		if cnt > n-done {
			cnt = n - done
		}
		fn(pe.frame, off, cnt, done)
		done += cnt
	}
	return nil
}

// CopyOut copies kernel bytes into user memory at addr.
func (as *AddressSpace) CopyOut(addr uint32, p []byte) error {
	return as.copyUser(addr, len(p), true, func(frame []byte, off, cnt, done int) {
		copy(frame[off:off+cnt], p[done:done+cnt])
	})
}

// CopyIn copies user memory at addr into the kernel buffer p.
func (as *AddressSpace) CopyIn(p []byte, addr uint32) error {
	return as.copyUser(addr, len(p), false, func(frame []byte, off, cnt, done int) {
		copy(p[done:done+cnt], frame[off:off+cnt])
	})
}

var _ sched.AddressSpace = (*AddressSpace)(nil)
