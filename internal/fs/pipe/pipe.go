// Package pipe implements the pipe/FIFO ring: a page-list buffer with
// reader/writer counts, blocking and non-blocking I/O with
// backpressure, and SIGPIPE on write-to-orphan.
package pipe

import (
	"github.com/behrlich/kernos/internal/kerr"
	"github.com/behrlich/kernos/internal/list"
	"github.com/behrlich/kernos/internal/sched"
)

// PageSize is the granularity of the buffered ring.
const PageSize = 4096

// DefaultMaxPages caps a pipe's buffer.
const DefaultMaxPages = 16

// I/O flags.
const (
	NonBlock uint32 = 1 << iota
)

// Poll events.
const (
	PollIn  = 0x1
	PollOut = 0x4
	PollHup = 0x10
)

// page is one buffered chunk; start/len carve the live bytes out of the
// backing page.
type page struct {
	data  []byte
	start int
	len   int

	node list.Node[page]
}

// Pipe is the shared state behind a pipe or FIFO inode: a free-page
// list, the buffered-page list, the page-count cap, peer counts, and
// the two wait queues, all under one mutex.
type Pipe struct {
	sched *sched.Scheduler

	mu sched.Mutex

	free       list.Head[page]
	bufs       list.Head[page]
	totalPages int
	maxPages   int

	readers int
	writers int

	readQ  sched.WaitQueue
	writeQ sched.WaitQueue
}

// New creates a pipe with the given page cap (0 uses the default).
// Peer counts start at zero; use Open* or NewPair to connect ends.
func New(s *sched.Scheduler, maxPages int) *Pipe {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	p := &Pipe{sched: s, maxPages: maxPages}
	p.free.Init()
	p.bufs.Init()
	return p
}

// NewPair creates an anonymous pipe with one reader and one writer
// already attached, the shape the pipe() syscall hands back.
func NewPair(s *sched.Scheduler, maxPages int) *Pipe {
	p := New(s, maxPages)
	p.readers = 1
	p.writers = 1
	return p
}

// Read consumes buffered bytes from the head of the page list, trimming
// each page's (start, len) and recycling emptied pages to the free list
// (waking writers). With no buffered data: writer-less pipes return 0
// (EOF), NONBLOCK returns EAGAIN, and otherwise the caller parks on the
// read queue.
func (p *Pipe) Read(cur *sched.Task, buf []byte, flags uint32) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	originalSize := len(buf)
	size := originalSize
	wakeWriters := false
	var err error

	p.mu.Lock(cur)

	for size == originalSize {
		for {
			pg := p.bufs.TakeFirst()
			if pg == nil {
				break
			}

			n := pg.len
			if n > size {
				n = size
			}
			copy(buf[originalSize-size:], pg.data[pg.start:pg.start+n])
			size -= n
			pg.start += n
			pg.len -= n

			// Anything left goes back on the front; adding to bufs is
			// fine because a non-empty page means we are done reading.
			if pg.len > 0 {
				p.bufs.PushFront(&pg.node)
			} else {
				p.free.PushBack(&pg.node)
				wakeWriters = true
			}

			if size == 0 {
				break
			}
		}

		// No writers left: return whatever we have without sleeping. At
		// EOF that is zero bytes, the intended result.
		if p.writers == 0 {
			break
		}

		if flags&NonBlock != 0 {
			if size == originalSize {
				err = kerr.EAGAIN
			}
			break
		}

		if size == originalSize {
			// Freed pages mean a writer might make progress; let them
			// run before we sleep.
			if wakeWriters {
				p.writeQ.Wake()
			}
			wakeWriters = false

			if werr := p.readQ.WaitEventIntrMutex(cur, func() bool {
				return !p.bufs.Empty() || p.writers == 0
			}, &p.mu); werr != nil {
				p.mu.Unlock(cur)
				return 0, werr
			}
		}
	}

	// Pass the torch: more buffered data (or EOF) means the next reader
	// should look too.
	if !p.bufs.Empty() || p.writers == 0 {
		p.readQ.Wake()
	}
	if wakeWriters {
		p.writeQ.Wake()
	}

	p.mu.Unlock(cur)

	if err != nil {
		return 0, err
	}
	p.sched.Metrics().RecordPipeRead(originalSize - size)
	return originalSize - size, nil
}

// Write copies bytes into free pages, allocating new ones while the
// pipe is under its page cap. Writing with no readers posts SIGPIPE to
// the caller and fails with EPIPE. A full pipe returns EAGAIN under
// NONBLOCK or parks the caller on the write queue.
func (p *Pipe) Write(cur *sched.Task, buf []byte, flags uint32) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	originalSize := len(buf)
	size := originalSize
	wakeReaders := false
	var err error

	p.mu.Lock(cur)

	for size > 0 {
		if p.readers == 0 {
			p.sched.SendSignalTask(cur, sched.SIGPIPE, false)
			err = kerr.EPIPE
			break
		}

		for {
			pg := p.free.TakeFirst()
			if pg == nil {
				break
			}

			n := PageSize
			if n > size {
				n = size
			}
			copy(pg.data, buf[originalSize-size:originalSize-size+n])
			pg.start = 0
			pg.len = n
			size -= n

			p.bufs.PushBack(&pg.node)
			wakeReaders = true

			if size == 0 {
				break
			}
		}

		// Still bytes left: grow the buffer while under the cap.
		if size > 0 && p.totalPages < p.maxPages {
			want := size/PageSize + 1
			if want > p.maxPages-p.totalPages {
				want = p.maxPages - p.totalPages
			}
			p.totalPages += want
			for ; want > 0; want-- {
				pg := &page{data: make([]byte, PageSize)}
				pg.node.Init(pg)
				p.free.PushFront(&pg.node)
			}
			continue
		}

		if flags&NonBlock != 0 {
			if size == originalSize {
				err = kerr.EAGAIN
			}
			break
		}

		if size > 0 {
			if wakeReaders {
				p.readQ.Wake()
			}
			wakeReaders = false

			if werr := p.writeQ.WaitEventIntrMutex(cur, func() bool {
				return !p.free.Empty() || p.readers == 0
			}, &p.mu); werr != nil {
				p.mu.Unlock(cur)
				return 0, werr
			}
		}
	}

	if !p.free.Empty() || p.readers == 0 {
		p.writeQ.Wake()
	}
	if wakeReaders {
		p.readQ.Wake()
	}

	p.mu.Unlock(cur)

	if err != nil {
		return 0, err
	}
	p.sched.Metrics().RecordPipeWrite(originalSize - size)
	return originalSize - size, nil
}

// CloseRead detaches a reader; the last reader's departure wakes
// writers so they can notice the orphaned pipe.
func (p *Pipe) CloseRead(cur *sched.Task) {
	p.mu.Lock(cur)
	p.readers--
	if p.readers == 0 {
		p.writeQ.Wake()
	}
	p.mu.Unlock(cur)
}

// CloseWrite detaches a writer; the last writer's departure wakes
// readers so they can see EOF.
func (p *Pipe) CloseWrite(cur *sched.Task) {
	p.mu.Lock(cur)
	p.writers--
	if p.writers == 0 {
		p.readQ.Wake()
	}
	p.mu.Unlock(cur)
}

// Readers returns the reader count. Tests use it.
func (p *Pipe) Readers(cur *sched.Task) int {
	p.mu.Lock(cur)
	defer p.mu.Unlock(cur)
	return p.readers
}

// Writers returns the writer count.
func (p *Pipe) Writers(cur *sched.Task) int {
	p.mu.Lock(cur)
	defer p.mu.Unlock(cur)
	return p.writers
}

// Poll reports readiness: POLLIN when data is buffered or the writers
// are gone (HUP); POLLOUT when a page is free or more can be allocated,
// or the readers are gone (HUP).
func (p *Pipe) Poll(cur *sched.Task, readable, writable bool) int {
	p.mu.Lock(cur)
	defer p.mu.Unlock(cur)

	ret := 0
	if readable {
		if !p.bufs.Empty() {
			ret |= PollIn
		} else if p.writers == 0 {
			ret |= PollIn | PollHup
		}
	}
	if writable {
		if !p.free.Empty() || p.totalPages < p.maxPages {
			ret |= PollOut
		} else if p.readers == 0 {
			ret |= PollOut | PollHup
		}
	}
	return ret
}
