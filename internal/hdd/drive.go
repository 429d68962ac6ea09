package hdd

import (
	"github.com/behrlich/kernos/internal/block"
	"github.com/behrlich/kernos/internal/irq"
	"github.com/behrlich/kernos/internal/kerr"
	"github.com/behrlich/kernos/internal/klog"
	"github.com/behrlich/kernos/internal/list"
	"github.com/behrlich/kernos/internal/sched"
)

// SectorSize is the device-level transfer unit.
const SectorSize = 512

// DefaultIRQ is the primary disk interrupt line; drives share it.
const DefaultIRQ = 14

// request is one queued block transfer. Completion state is written by
// the engine and consumed by the interrupt handler.
type request struct {
	buf   *block.Buffer
	write bool

	engineDone bool
	done       bool
	err        error

	node list.Node[request]
}

// Identity describes a drive after identification.
type Identity struct {
	Model       string
	SectorCount uint32
	DMA         bool
}

// Config configures a drive.
type Config struct {
	Name      string
	BlockSize int
	Store     Store
	Engine    Engine // nil picks the PIO engine over Store
	IRQ       int    // 0 picks DefaultIRQ
}

// Drive is one disk: a request queue in front of a transfer engine,
// completing through the interrupt controller.
type Drive struct {
	name      string
	blockSize int
	store     Store
	engine    Engine
	irqLine   int

	sched *sched.Scheduler
	irqc  *irq.Controller

	// lock guards the queue and the in-flight request.
	lock     sched.Spinlock
	queue    list.Head[request]
	inflight *request

	identity Identity

	log *klog.Logger
}

// New creates a drive, identifies it, and registers its interrupt
// handler (shared, so several drives can sit on one line).
func New(s *sched.Scheduler, c *irq.Controller, cfg Config) (*Drive, error) {
	if cfg.Store == nil || cfg.BlockSize <= 0 || cfg.BlockSize%SectorSize != 0 {
		return nil, kerr.EINVAL
	}

	engine := cfg.Engine
	if engine == nil {
		engine = NewPIOEngine(cfg.Store)
	}
	line := cfg.IRQ
	if line == 0 {
		line = DefaultIRQ
	}

	d := &Drive{
		name:      cfg.Name,
		blockSize: cfg.BlockSize,
		store:     cfg.Store,
		engine:    engine,
		irqLine:   line,
		sched:     s,
		irqc:      c,
		log:       klog.New("hdd").WithField("drive", cfg.Name),
	}
	d.lock.AttachCPU(s.CPU())
	d.queue.Init()

	d.identify()

	if err := c.RegisterIRQ(line, "hdd-"+cfg.Name, irq.FlagShared, d.irqHandler, d); err != nil {
		engine.Close()
		return nil, err
	}

	d.log.Infof("identified: %d sectors, dma=%v", d.identity.SectorCount, d.identity.DMA)
	return d, nil
}

// identify captures capacity and transfer capability from the store and
// engine.
func (d *Drive) identify() {
	d.identity = Identity{
		Model:       d.name,
		SectorCount: uint32(d.store.Size() / SectorSize),
		DMA:         d.engine.DMA(),
	}
}

// Identity returns the drive's identification data.
func (d *Drive) Identity() Identity {
	return d.identity
}

// Name implements block.Device.
func (d *Drive) Name() string {
	return d.name
}

// BlockSize implements block.Device.
func (d *Drive) BlockSize() int {
	return d.blockSize
}

// ReadBlock implements block.Device: queue a read for the buffer and
// sleep until the completion interrupt finishes it.
func (d *Drive) ReadBlock(cur *sched.Task, b *block.Buffer) error {
	return d.transfer(cur, b, false)
}

// WriteBlock implements block.Device.
func (d *Drive) WriteBlock(cur *sched.Task, b *block.Buffer) error {
	return d.transfer(cur, b, true)
}

func (d *Drive) transfer(cur *sched.Task, b *block.Buffer, write bool) error {
	req := &request{buf: b, write: write}
	req.node.Init(req)

	d.lock.Acquire()
	d.queue.PushBack(&req.node)
	if d.inflight == nil {
		d.startNextLocked()
	}

	// Park until the interrupt handler marks the request done.
	b.IOWait.WaitEventSpinlock(cur, func() bool { return req.done }, &d.lock)
	d.lock.Release()

	return req.err
}

// startNextLocked programs the head-of-queue request into the engine.
// Caller holds the drive lock.
func (d *Drive) startNextLocked() {
	req := d.queue.TakeFirst()
	if req == nil {
		return
	}
	d.inflight = req

	sector := int64(req.buf.Sector)
	t := &Transfer{
		Write: req.write,
		Data:  req.buf.Data,
		Off:   sector * int64(d.blockSize),
		Notify: func(err error) {
			d.engineComplete(req, err)
		},
	}
	d.engine.Submit(t)
}

// engineComplete records the transfer result and raises the drive's
// interrupt line. Runs in the engine context.
func (d *Drive) engineComplete(req *request, err error) {
	d.lock.Acquire()
	req.err = err
	req.engineDone = true
	d.lock.Release()

	d.irqc.Post(irq.PICBase + d.irqLine)
}

// irqHandler is the completion interrupt. The line is shared: if our
// in-flight request has not finished, the interrupt belongs to another
// drive and is ignored.
func (d *Drive) irqHandler(_ *sched.Frame, _ any) {
	d.lock.Acquire()

	req := d.inflight
	if req == nil || !req.engineDone {
		d.lock.Release()
		return
	}

	if req.err != nil {
		d.log.Errorf("transfer failed: sector %d: %v", req.buf.Sector, req.err)
		req.err = kerr.EIO
	} else if req.write {
		req.buf.MarkSynced()
	}

	req.done = true
	d.inflight = nil
	d.startNextLocked()
	d.lock.Release()

	req.buf.IOWait.WakeAll()
}

// Size returns the drive's capacity in bytes.
func (d *Drive) Size() int64 {
	return d.store.Size()
}

// Counters reports the backing store's transfer totals, all zero when
// the store does not keep them.
func (d *Drive) Counters() (reads, writes, readBytes, writeBytes uint64) {
	if cs, ok := d.store.(CountingStore); ok {
		return cs.Counters()
	}
	return 0, 0, 0, 0
}

// Flush pushes the backing store's caches out.
func (d *Drive) Flush() error {
	return d.store.Flush()
}

// Close shuts the engine down and closes the store.
func (d *Drive) Close() error {
	d.engine.Close()
	return d.store.Close()
}

var _ block.Device = (*Drive)(nil)
