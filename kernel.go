// Package kernos is a small Unix-like kernel substrate: a preemptive
// task scheduler, interrupt dispatch with signal delivery, a block
// cache over queue-driven disk drives, an ext2 storage engine with a
// shared inode table, pipes with backpressure, and an IPv4/TCP stack.
// The Kernel object wires the subsystems together and runs them over a
// machine configuration.
package kernos

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/behrlich/kernos/backend"
	"github.com/behrlich/kernos/internal/block"
	"github.com/behrlich/kernos/internal/fs"
	"github.com/behrlich/kernos/internal/fs/ext2"
	"github.com/behrlich/kernos/internal/fs/procfs"
	"github.com/behrlich/kernos/internal/hdd"
	"github.com/behrlich/kernos/internal/irq"
	"github.com/behrlich/kernos/internal/klog"
	"github.com/behrlich/kernos/internal/mm"
	"github.com/behrlich/kernos/internal/net"
	"github.com/behrlich/kernos/internal/net/tcp"
	"github.com/behrlich/kernos/internal/sched"
)

// Version is reported through /proc/version.
const Version = "1.0.0"

// TickInterval is the wall-clock period behind one scheduler tick.
const TickInterval = 10 * time.Millisecond

// Kernel is one booted machine.
type Kernel struct {
	cfg MachineConfig

	sched  *sched.Scheduler
	irqc   *irq.Controller
	kmap   *mm.KernelMap
	cache  *block.Cache
	itable *fs.InodeTable
	stack  *net.Stack
	tcp    *tcp.Proto
	proc   *procfs.FS

	drives map[string]*hdd.Drive
	root   *ext2.Super

	metrics *Metrics

	eg       *errgroup.Group
	egCancel context.CancelFunc
	worker   *sched.Task

	log *klog.Logger
}

// New assembles a kernel from a machine configuration. Nothing runs
// until Boot.
func New(cfg MachineConfig) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	k := &Kernel{
		cfg:     cfg,
		sched:   sched.New(),
		kmap:    mm.NewKernelMap(),
		cache:   block.NewCache(),
		itable:  fs.NewInodeTable(),
		drives:  make(map[string]*hdd.Drive),
		metrics: NewMetrics(),
		log:     klog.New("kernel"),
	}

	k.irqc = irq.New(k.sched)
	k.stack = net.NewStack(k.sched)
	k.tcp = tcp.New(k.stack)
	k.proc = procfs.New()

	// One counter instance for the whole machine; every subsystem
	// records into it.
	k.sched.AttachMetrics(k.metrics)
	k.irqc.AttachMetrics(k.metrics)
	k.cache.AttachMetrics(k.metrics)
	k.stack.AttachMetrics(k.metrics)

	if err := mm.InstallPageFaultHandler(k.sched, k.irqc); err != nil {
		return nil, WrapError("boot", err)
	}

	// The timer line drives the scheduler clock and, through the
	// reschedule flag, preemption.
	if err := k.irqc.RegisterIRQ(0, "timer", 0, func(_ *sched.Frame, _ any) {
		k.sched.Tick()
	}, nil); err != nil {
		return nil, WrapError("boot", err)
	}

	for _, dc := range cfg.Disks {
		store, err := openStore(dc)
		if err != nil {
			return nil, WrapError("boot", err)
		}
		drive, err := hdd.New(k.sched, k.irqc, hdd.Config{
			Name:      dc.Name,
			BlockSize: dc.BlockSize,
			Store:     store,
		})
		if err != nil {
			store.Close()
			return nil, WrapError("boot", err)
		}
		k.drives[dc.Name] = drive
		k.proc.PostDeviceEvent("block", procfs.DeviceAdd, hdd.DefaultIRQ, len(k.drives)-1)
	}

	k.registerSyscalls()
	k.registerProcNodes()

	return k, nil
}

func openStore(dc DiskConfig) (hdd.Store, error) {
	if dc.Image != "" {
		return backend.OpenFile(dc.Image, int64(dc.SizeMB)<<20)
	}
	return backend.NewMemory(int64(dc.SizeMB) << 20), nil
}

// Boot starts the scheduler and services, brings networking up, and
// mounts the root filesystem when one is configured. RAM root disks
// that carry no filesystem get one made first.
func (k *Kernel) Boot() error {
	k.sched.Start()

	ctx, cancel := context.WithCancel(context.Background())
	k.egCancel = cancel
	k.eg, ctx = errgroup.WithContext(ctx)

	// Wall-clock timer: raise the timer line every tick interval.
	k.eg.Go(func() error {
		ticker := time.NewTicker(TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				k.irqc.Post(irq.PICBase + 0)
			}
		}
	})

	// kworker services deferred work: protocol timers today.
	k.worker = k.sched.NewKernelTask("kworker", func(t *sched.Task) {
		for !t.TestFlag(sched.FlagKilled) {
			k.sched.SleepMS(t, 10)
			k.stack.TimerTick(t)
		}
	})

	return k.RunTask("kinit", func(t *sched.Task) error {
		k.setupNet(t)

		if k.cfg.Root == "" {
			return nil
		}

		drive := k.drives[k.cfg.Root]
		err := k.mountRoot(t, drive)
		if err != nil && IsErrno(err, EINVAL) && k.cfg.rootIsRAM() {
			k.log.Infof("root disk %s is blank, making a filesystem", k.cfg.Root)
			if err = k.Mkfs(t, k.cfg.Root); err == nil {
				err = k.mountRoot(t, drive)
			}
		}
		return err
	})
}

func (c *MachineConfig) rootIsRAM() bool {
	for _, d := range c.Disks {
		if d.Name == c.Root {
			return d.Image == ""
		}
	}
	return false
}

func (k *Kernel) setupNet(cur *sched.Task) {
	lo := k.stack.AddLoopback("lo", net.Addr(127, 0, 0, 1), net.Addr(255, 0, 0, 0))
	k.stack.Routes().Add(cur, net.Addr(127, 0, 0, 0), 0, net.Addr(255, 0, 0, 0), lo, 0)

	if k.cfg.Net.Addr == "" || k.cfg.Net.Addr == "127.0.0.1" {
		return
	}

	addr, _ := ParseIPv4(k.cfg.Net.Addr)
	mask, _ := ParseIPv4(k.cfg.Net.Mask)
	eth := k.stack.AddLoopback("eth0", addr, mask)
	k.stack.Routes().Add(cur, addr.Mask(mask), 0, mask, eth, 0)

	for _, rc := range k.cfg.Net.Routes {
		dest, _ := ParseIPv4(rc.Dest)
		rmask, _ := ParseIPv4(rc.Mask)
		var gw net.IPv4
		flags := uint32(0)
		if rc.Gateway != "" {
			gw, _ = ParseIPv4(rc.Gateway)
			flags |= net.RouteGateway
		}
		k.stack.Routes().Add(cur, dest, gw, rmask, eth, flags)
	}
}

func (k *Kernel) mountRoot(cur *sched.Task, drive *hdd.Drive) error {
	super, err := ext2.Mount(cur, k.cache, k.itable, drive)
	if err != nil {
		return WrapError("mount", err)
	}
	super.Now = k.nowSeconds
	k.root = super
	return nil
}

func (k *Kernel) nowSeconds() uint32 {
	return uint32(time.Now().Unix())
}

// Mkfs lays an ext2 filesystem onto the named drive.
func (k *Kernel) Mkfs(cur *sched.Task, name string) error {
	drive := k.drives[name]
	if drive == nil {
		return NewDeviceError("mkfs", name, ENODEV, "no such drive")
	}
	err := ext2.Mkfs(cur, k.cache, drive, ext2.MkfsOptions{
		VolumeName: k.cfg.Hostname,
		Now:        k.nowSeconds(),
	})
	if err != nil {
		return WrapError("mkfs", err)
	}
	return nil
}

// RunTask runs fn as a kernel task and waits for it to finish,
// returning its error.
func (k *Kernel) RunTask(name string, fn func(*sched.Task) error) error {
	var result error
	t := k.sched.NewKernelTask(name, func(t *sched.Task) {
		result = fn(t)
	})
	<-t.Done()
	return result
}

// Spawn starts a kernel task and returns immediately.
func (k *Kernel) Spawn(name string, fn func(*sched.Task)) *sched.Task {
	return k.sched.NewKernelTask(name, fn)
}

// Sync flushes dirty inodes, super-block state, and the buffer cache.
func (k *Kernel) Sync(cur *sched.Task) error {
	k.metrics.RecordSync()

	k.itable.SyncAll(cur, true)
	if k.root != nil {
		if err := k.root.SyncSuper(cur); err != nil {
			return WrapError("sync", err)
		}
	}
	if err := k.cache.Sync(cur, nil); err != nil {
		return WrapError("sync", err)
	}
	return nil
}

// Shutdown syncs, stops the services, and tears the machine down.
func (k *Kernel) Shutdown() error {
	err := k.RunTask("kshutdown", func(t *sched.Task) error {
		return k.Sync(t)
	})

	if k.worker != nil {
		k.worker.Kill()
		k.sched.SendSignalTask(k.worker, sched.SIGTERM, true)
		<-k.worker.Done()
	}

	if k.egCancel != nil {
		k.egCancel()
		_ = k.eg.Wait()
	}

	k.sched.Stop()

	for _, d := range k.drives {
		d.Close()
	}

	k.metrics.Stop()
	return err
}

// AdvanceTicks raises the timer line n times; tests drive virtual time
// with it.
func (k *Kernel) AdvanceTicks(n int) {
	for i := 0; i < n; i++ {
		k.irqc.Post(irq.PICBase + 0)
	}
}

// Accessors for the subsystems; tests and the CLI reach the kernel
// through these.

// Scheduler returns the task scheduler.
func (k *Kernel) Scheduler() *sched.Scheduler { return k.sched }

// Interrupts returns the interrupt controller.
func (k *Kernel) Interrupts() *irq.Controller { return k.irqc }

// Cache returns the buffer cache.
func (k *Kernel) Cache() *block.Cache { return k.cache }

// InodeTable returns the global inode table.
func (k *Kernel) InodeTable() *fs.InodeTable { return k.itable }

// RootFS returns the mounted root filesystem, nil before mount.
func (k *Kernel) RootFS() *ext2.Super { return k.root }

// Net returns the IPv4 stack.
func (k *Kernel) Net() *net.Stack { return k.stack }

// TCP returns the TCP engine.
func (k *Kernel) TCP() *tcp.Proto { return k.tcp }

// Proc returns the /proc surface.
func (k *Kernel) Proc() *procfs.FS { return k.proc }

// Drive returns a drive by name, nil when absent.
func (k *Kernel) Drive(name string) *hdd.Drive { return k.drives[name] }

// KernelMap returns the shared kernel half of the address spaces.
func (k *Kernel) KernelMap() *mm.KernelMap { return k.kmap }

// Metrics returns the kernel counters.
func (k *Kernel) Metrics() *Metrics { return k.metrics }

// NewAddressSpace creates a user address space sharing this kernel's
// kernel map.
func (k *Kernel) NewAddressSpace() *mm.AddressSpace {
	return mm.NewAddressSpace(k.kmap)
}

// Hostname returns the configured hostname.
func (k *Kernel) Hostname() string {
	if k.cfg.Hostname == "" {
		return "kernos"
	}
	return k.cfg.Hostname
}

// String implements fmt.Stringer for diagnostics.
func (k *Kernel) String() string {
	return fmt.Sprintf("kernos %s (%s)", Version, k.Hostname())
}
