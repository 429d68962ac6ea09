// Package idalloc provides a bitmap ID allocator for small dense
// namespaces: ephemeral ports, anonymous device numbers.
package idalloc

import (
	"sync"

	"github.com/behrlich/kernos/internal/kerr"
)

// Allocator hands out IDs from [base, base+size). Allocation scans from
// just past the last grant so IDs rotate instead of being reused
// immediately.
type Allocator struct {
	mu     sync.Mutex
	bitmap []uint64
	base   int
	size   int
	next   int
}

// New creates an allocator for [base, base+size).
func New(base, size int) *Allocator {
	return &Allocator{
		bitmap: make([]uint64, (size+63)/64),
		base:   base,
		size:   size,
	}
}

func (a *Allocator) test(n int) bool {
	return a.bitmap[n/64]&(1<<(uint(n)%64)) != 0
}

func (a *Allocator) set(n int) {
	a.bitmap[n/64] |= 1 << (uint(n) % 64)
}

func (a *Allocator) clear(n int) {
	a.bitmap[n/64] &^= 1 << (uint(n) % 64)
}

// Alloc grants a free ID.
func (a *Allocator) Alloc() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for scanned := 0; scanned < a.size; scanned++ {
		n := (a.next + scanned) % a.size
		if !a.test(n) {
			a.set(n)
			a.next = n + 1
			return a.base + n, nil
		}
	}
	return 0, kerr.ENOSPC
}

// Release returns an ID to the pool.
func (a *Allocator) Release(id int) {
	n := id - a.base
	if n < 0 || n >= a.size {
		return
	}
	a.mu.Lock()
	a.clear(n)
	a.mu.Unlock()
}
