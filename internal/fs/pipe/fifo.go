package pipe

import (
	"github.com/behrlich/kernos/internal/kerr"
	"github.com/behrlich/kernos/internal/sched"
)

// OpenRead attaches a reader to a FIFO. A blocking open waits for a
// writer to show up; a non-blocking read open always succeeds.
func (p *Pipe) OpenRead(cur *sched.Task, flags uint32) error {
	p.mu.Lock(cur)
	defer p.mu.Unlock(cur)

	if p.readers == 0 {
		p.writeQ.Wake()
	}
	p.readers++

	if flags&NonBlock != 0 {
		p.readQ.Wake()
		return nil
	}

	if err := p.readQ.WaitEventIntrMutex(cur, func() bool {
		return p.writers > 0
	}, &p.mu); err != nil {
		p.readers--
		return err
	}

	p.readQ.Wake()
	return nil
}

// OpenWrite attaches a writer to a FIFO. A non-blocking write open with
// no readers present fails with ENXIO; a blocking one waits for a
// reader.
func (p *Pipe) OpenWrite(cur *sched.Task, flags uint32) error {
	p.mu.Lock(cur)
	defer p.mu.Unlock(cur)

	if p.readers == 0 && flags&NonBlock != 0 {
		return kerr.ENXIO
	}

	if p.writers == 0 {
		p.readQ.Wake()
	}
	p.writers++

	if err := p.writeQ.WaitEventIntrMutex(cur, func() bool {
		return p.readers > 0
	}, &p.mu); err != nil {
		p.writers--
		return err
	}

	p.writeQ.Wake()
	return nil
}

// OpenRdwr attaches both ends at once; it never blocks, since the
// caller is its own peer.
func (p *Pipe) OpenRdwr(cur *sched.Task) {
	p.mu.Lock(cur)
	p.readers++
	p.writers++
	p.readQ.Wake()
	p.writeQ.Wake()
	p.mu.Unlock(cur)
}
