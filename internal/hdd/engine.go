package hdd

import "github.com/behrlich/kernos/internal/klog"

// Transfer is one engine-level I/O: a read fills Data from Off, a write
// pushes Data out at Off. Notify is called exactly once from the engine
// context; the drive turns it into an interrupt.
type Transfer struct {
	Write  bool
	Data   []byte
	Off    int64
	Notify func(error)
}

// Engine carries transfers to the backing store asynchronously. PIO is
// the worker-goroutine engine; DMA is io_uring where available.
type Engine interface {
	Submit(t *Transfer)
	DMA() bool
	Close() error
}

// pioEngine services transfers one at a time on a worker goroutine,
// like a PIO loop banging the data port.
type pioEngine struct {
	store Store
	queue chan *Transfer
	quit  chan struct{}
	log   *klog.Logger
}

// NewPIOEngine creates the portable engine over a store.
func NewPIOEngine(store Store) Engine {
	e := &pioEngine{
		store: store,
		queue: make(chan *Transfer, 64),
		quit:  make(chan struct{}),
		log:   klog.New("hdd"),
	}
	go e.worker()
	return e
}

func (e *pioEngine) worker() {
	for {
		select {
		case t := <-e.queue:
			var err error
			if t.Write {
				_, err = e.store.WriteAt(t.Data, t.Off)
			} else {
				_, err = e.store.ReadAt(t.Data, t.Off)
			}
			t.Notify(err)
		case <-e.quit:
			return
		}
	}
}

func (e *pioEngine) Submit(t *Transfer) {
	e.queue <- t
}

func (e *pioEngine) DMA() bool {
	return false
}

func (e *pioEngine) Close() error {
	close(e.quit)
	return nil
}
