//go:build linux && uring

package hdd

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/pawelgaczynski/giouring"

	"github.com/behrlich/kernos/internal/klog"
)

// uringEngine drives transfers through io_uring, the DMA analogue: the
// submission is programmed, the hardware does the move, and completion
// arrives asynchronously.
type uringEngine struct {
	ring *giouring.Ring
	fd   int

	mu       sync.Mutex
	inflight map[uint64]*Transfer
	nextID   uint64

	quit chan struct{}
	log  *klog.Logger
}

// NewUringEngine creates an io_uring engine over a descriptor-backed
// store. Falls back with an error when the ring cannot be set up; the
// caller should drop to the PIO engine.
func NewUringEngine(store FdStore, depth uint32) (Engine, error) {
	ring, err := giouring.CreateRing(depth)
	if err != nil {
		return nil, fmt.Errorf("io_uring setup failed: %w", err)
	}

	e := &uringEngine{
		ring:     ring,
		fd:       int(store.Fd()),
		inflight: make(map[uint64]*Transfer),
		nextID:   1,
		quit:     make(chan struct{}),
		log:      klog.New("hdd"),
	}
	go e.completionLoop()
	return e, nil
}

func (e *uringEngine) Submit(t *Transfer) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sqe := e.ring.GetSQE()
	if sqe == nil {
		// Submission ring full; push what is queued and retry once.
		e.ring.Submit()
		sqe = e.ring.GetSQE()
		if sqe == nil {
			t.Notify(fmt.Errorf("submission queue full"))
			return
		}
	}

	id := e.nextID
	e.nextID++
	e.inflight[id] = t

	addr := uintptr(unsafe.Pointer(&t.Data[0]))
	if t.Write {
		sqe.PrepareWrite(e.fd, addr, uint32(len(t.Data)), uint64(t.Off))
	} else {
		sqe.PrepareRead(e.fd, addr, uint32(len(t.Data)), uint64(t.Off))
	}
	sqe.UserData = id

	e.ring.Submit()
}

func (e *uringEngine) completionLoop() {
	for {
		select {
		case <-e.quit:
			return
		default:
		}

		cqe, err := e.ring.WaitCQE()
		if err != nil {
			continue
		}

		id := cqe.UserData
		res := cqe.Res
		e.ring.CQESeen(cqe)

		e.mu.Lock()
		t := e.inflight[id]
		delete(e.inflight, id)
		e.mu.Unlock()

		if t == nil {
			continue
		}
		if res < 0 {
			t.Notify(fmt.Errorf("io_uring transfer failed: errno %d", -res))
		} else {
			t.Notify(nil)
		}
	}
}

func (e *uringEngine) DMA() bool {
	return true
}

func (e *uringEngine) Close() error {
	close(e.quit)
	e.ring.QueueExit()
	return nil
}
