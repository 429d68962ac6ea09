package fs

import (
	"sync/atomic"

	"github.com/behrlich/kernos/internal/klog"
	"github.com/behrlich/kernos/internal/list"
	"github.com/behrlich/kernos/internal/sched"
)

const inodeHashSize = 512

// InodeTable is the global (sb, ino) hash. It enforces the core
// invariant: at most one resident inode per identity, across every
// interleaving of lookup, writeback, and eviction.
type InodeTable struct {
	// lock protects the hash buckets and hash membership. The per-inode
	// flags lock nests inside it.
	lock    sched.Spinlock
	buckets [inodeHashSize]list.Head[Inode]

	// freeingQueue is waited on when a lookup hits an inode in
	// INO_FREEING. It cannot wait on the inode's own queue because the
	// inode is about to be freed out from under it. One queue serves
	// every inode: waiters re-run the lookup from scratch after waking.
	freeingQueue sched.WaitQueue

	// syncLock serialises whole-table sync and OOM passes.
	syncLock sched.Mutex

	count atomic.Int32

	log *klog.Logger
}

// NewInodeTable creates an empty table.
func NewInodeTable() *InodeTable {
	return &InodeTable{log: klog.New("inode")}
}

// Count returns the number of hashed inodes.
func (tbl *InodeTable) Count() int32 {
	return tbl.count.Load()
}

func (tbl *InodeTable) hash(sb SuperBlock, ino Ino) int {
	h := uintptr(0)
	if c := sb.Common(); c != nil {
		// Mix the super-block identity in so equal inode numbers on
		// different mounts spread out.
		h = uintptr(uint32(c.RootIno)) * 31
	}
	return int((uintptr(ino) ^ h) % inodeHashSize)
}

// hashAdd links a fresh inode into its bucket and super-block list.
// Caller holds the hash lock.
func (tbl *InodeTable) hashAdd(i *Inode) {
	bucket := &tbl.buckets[tbl.hash(i.SB, i.Ino)]
	bucket.PushBack(&i.hashNode)
	i.SB.Common().Inodes.PushBack(&i.sbNode)
	tbl.count.Add(1)
}

// kill unlinks an inode from the hash and its super-block lists. Caller
// holds the hash lock; nobody else can reach the inode afterward.
func (tbl *InodeTable) kill(i *Inode) {
	bucket := &tbl.buckets[tbl.hash(i.SB, i.Ino)]
	bucket.Remove(&i.hashNode)
	i.SB.Common().Inodes.Remove(&i.sbNode)
	i.SB.Common().DirtyInodes.Remove(&i.sbDirtyNode)
	tbl.count.Add(-1)
}

// waitForFreeing parks until an in-flight eviction completes. Called
// with the hash lock and the inode's flags lock held; both are dropped
// across the sleep (the release order matters: once the hash lock is
// gone the inode may no longer be valid, so its flags lock cannot be
// held at that point). Returns with only the hash lock held.
func (tbl *InodeTable) waitForFreeing(cur *sched.Task, i *Inode) {
	cur.SetState(sched.TaskSleeping)
	tbl.freeingQueue.Register(cur)

	i.flagsLock.Release()
	tbl.lock.Release()

	cur.Scheduler().Yield(cur)

	tbl.lock.Acquire()
	sched.Unregister(cur)
	cur.SetState(sched.TaskRunning)
}

// Insert registers a freshly created inode (one that is new on disk,
// from inode allocation) with a single reference. The caller finishes
// initialising it and then calls MarkValid.
func (tbl *InodeTable) Insert(i *Inode) {
	i.ref.Store(1)
	tbl.lock.Acquire()
	tbl.hashAdd(i)
	tbl.lock.Release()
}

// Dup takes another reference.
func (tbl *InodeTable) Dup(i *Inode) *Inode {
	i.ref.Add(1)
	return i
}

// GetInvalid looks up (sb, ino), inserting a fresh inode on a miss. A
// hit waits for the inode to become VALID (nil on BAD); the inserted
// fresh inode is returned without VALID set for the caller to fill.
func (tbl *InodeTable) GetInvalid(cur *sched.Task, sb SuperBlock, ino Ino) *Inode {
	bucketIdx := tbl.hash(sb, ino)

	tbl.lock.Acquire()

scan:
	for {
		var found *Inode
		wasFreeing := false

		tbl.buckets[bucketIdx].ForEach(func(i *Inode) bool {
			if i.Ino != ino || i.SB != sb {
				return true
			}

			i.flagsLock.Acquire()
			if i.flags&InoFreeing != 0 {
				tbl.waitForFreeing(cur, i)
				wasFreeing = true
				return false
			}
			i.flagsLock.Release()

			i.ref.Add(1)
			found = i
			return false
		})

		if wasFreeing {
			// The eviction finished and the inode is gone; rescan under
			// the re-taken hash lock.
			continue scan
		}

		if found == nil {
			fresh := sb.AllocInode()
			fresh.SB = sb
			fresh.Ino = ino
			fresh.ref.Store(1)
			tbl.hashAdd(fresh)
			tbl.lock.Release()
			return fresh
		}

		tbl.lock.Release()
		return tbl.waitValidOrBad(cur, found)
	}
}

// waitValidOrBad blocks until the inode leaves its unfilled state. On
// BAD the reference is dropped and, if it was the last, the inode is
// removed from the hash; nil is returned.
func (tbl *InodeTable) waitValidOrBad(cur *sched.Task, i *Inode) *Inode {
	i.flagsLock.Acquire()
	i.flagsQueue.WaitEventSpinlock(cur, func() bool {
		return i.flags&(InoValid|InoBad) != 0
	}, &i.flagsLock)
	i.flagsLock.Release()

	tbl.lock.Acquire()
	i.flagsLock.Acquire()

	if i.flags&InoBad != 0 {
		drop := i.ref.Add(-1) == 0
		i.flagsLock.Release()
		if drop {
			tbl.kill(i)
		}
		tbl.lock.Release()
		return nil
	}

	i.flagsLock.Release()
	tbl.lock.Release()
	return i
}

// Get returns the VALID inode for (sb, ino), reading it from disk when
// this caller inserted it. Concurrent gets for the same identity share
// one disk read.
func (tbl *InodeTable) Get(cur *sched.Task, sb SuperBlock, ino Ino) *Inode {
	i := tbl.GetInvalid(cur, sb, ino)
	if i == nil {
		return nil
	}

	// VALID is never unset once set, so an unlocked test is fine. This
	// path is only taken by the caller whose GetInvalid inserted the
	// fresh inode.
	if i.Flags()&InoValid != 0 {
		return i
	}

	if err := sb.ReadInode(cur, i); err != nil {
		tbl.log.Errorf("error reading inode %d: %v", ino, err)
		tbl.MarkBad(i)
		return nil
	}

	tbl.MarkValid(i)
	return i
}

// MarkValid publishes a filled inode and broadcasts the state change.
func (tbl *InodeTable) MarkValid(i *Inode) {
	i.flagsLock.Acquire()
	i.flags |= InoValid
	i.flagsLock.Release()

	i.flagsQueue.WakeAll()
}

// MarkBad fails a fill: waiters are told, the filler's reference is
// dropped, and a last-reference inode is removed outright.
func (tbl *InodeTable) MarkBad(i *Inode) {
	tbl.lock.Acquire()
	i.flagsLock.Acquire()

	if i.ref.Add(-1) == 0 {
		i.flagsLock.Release()
		tbl.kill(i)
		tbl.lock.Release()
		return
	}

	i.flags |= InoBad
	i.flagsLock.Release()
	tbl.lock.Release()

	i.flagsQueue.WakeAll()
}

// WriteToDisk writes a dirty inode back. The SYNC flag interlocks
// concurrent writers: a second caller either waits for the in-flight
// write (wait=true) or returns immediately.
func (tbl *InodeTable) WriteToDisk(cur *sched.Task, i *Inode, wait bool) error {
	i.flagsLock.Acquire()

	if i.flags&InoDirty == 0 {
		i.flagsLock.Release()
		return nil
	}

	if i.flags&InoSync != 0 {
		if wait {
			i.flagsQueue.WaitEventSpinlock(cur, func() bool {
				return i.flags&InoSync == 0
			}, &i.flagsLock)
		}
		i.flagsLock.Release()
		return nil
	}

	i.flags |= InoSync
	i.flagsLock.Release()

	i.Lock.Lock(cur)
	err := i.SB.WriteInode(cur, i)
	i.Lock.Unlock(cur)

	tbl.lock.Acquire()
	i.flagsLock.Acquire()
	i.flags &^= InoSync | InoDirty
	i.SB.Common().DirtyInodes.Remove(&i.sbDirtyNode)
	i.flagsLock.Release()
	tbl.lock.Release()

	i.flagsQueue.WakeAll()

	return err
}

// evict runs on-disk deallocation for a FREEING inode, removes it from
// the hash, and releases anyone stuck in a lookup on it.
func (tbl *InodeTable) evict(cur *sched.Task, i *Inode) {
	if err := i.SB.DeleteInode(cur, i); err != nil {
		tbl.log.Errorf("error deleting inode %d: %v", i.Ino, err)
	}

	tbl.lock.Acquire()
	tbl.kill(i)
	tbl.lock.Release()

	tbl.freeingQueue.WakeAll()
}

// finish flushes a FREEING inode that still has links and removes it
// from the table. Nobody can take a reference while FREEING is set, so
// after the writeback the inode is ours alone.
func (tbl *InodeTable) finish(cur *sched.Task, i *Inode) {
	if err := tbl.WriteToDisk(cur, i, true); err != nil {
		tbl.log.Errorf("error flushing inode %d: %v", i.Ino, err)
	}

	tbl.lock.Acquire()
	tbl.kill(i)
	tbl.lock.Release()

	tbl.freeingQueue.WakeAll()
}

// Put drops a reference. The last reference to an unlinked inode
// triggers eviction (on-disk deallocation); a still-dirty inode with
// remaining references parks on its super-block's dirty list for later
// bulk writeback.
func (tbl *InodeTable) Put(cur *sched.Task, i *Inode) {
	tbl.lock.Acquire()
	i.flagsLock.Acquire()

	if i.ref.Add(-1) == 0 && i.Nlinks.Load() == 0 && i.flags&InoFreeing == 0 {
		i.flags |= InoFreeing

		i.flagsLock.Release()
		tbl.lock.Release()
		tbl.evict(cur, i)
		return
	}

	if i.flags&InoDirty != 0 && !i.sbDirtyNode.InList() {
		i.SB.Common().DirtyInodes.PushBack(&i.sbDirtyNode)
	}

	i.flagsLock.Release()
	tbl.lock.Release()
}

// Sync writes back every dirty inode of sb (nil for all), at most one
// writer per inode at a time. The snapshot takes references so evictions
// cannot race the walk.
func (tbl *InodeTable) Sync(cur *sched.Task, sb SuperBlock, wait bool) {
	tbl.syncLock.Lock(cur)
	defer tbl.syncLock.Unlock(cur)

	var snapshot []*Inode

	tbl.lock.Acquire()
	for b := range tbl.buckets {
		tbl.buckets[b].ForEach(func(i *Inode) bool {
			if sb != nil && i.SB != sb {
				return true
			}

			i.flagsLock.Acquire()
			skip := i.flags&InoFreeing != 0 ||
				i.flags&InoValid == 0 ||
				i.flags&InoDirty == 0
			i.flagsLock.Release()
			if skip {
				return true
			}

			i.ref.Add(1)
			snapshot = append(snapshot, i)
			return true
		})
	}
	tbl.lock.Release()

	for _, i := range snapshot {
		if err := tbl.WriteToDisk(cur, i, wait); err != nil {
			tbl.log.Errorf("sync: inode %d writeback failed: %v", i.Ino, err)
		}
		tbl.Put(cur, i)
	}
}

// SyncAll writes back every dirty inode in the table.
func (tbl *InodeTable) SyncAll(cur *sched.Task, wait bool) {
	tbl.Sync(cur, nil, wait)
}

// OOM evicts every inode that has no references, is VALID, and is not
// mid-transition. Called under memory pressure.
func (tbl *InodeTable) OOM(cur *sched.Task) {
	tbl.syncLock.Lock(cur)
	defer tbl.syncLock.Unlock(cur)

	var finishList []*Inode

	tbl.lock.Acquire()
	for b := range tbl.buckets {
		tbl.buckets[b].ForEach(func(i *Inode) bool {
			if i.ref.Load() != 0 {
				return true
			}

			i.flagsLock.Acquire()
			if i.flags&InoValid == 0 || i.flags&InoFreeing != 0 {
				i.flagsLock.Release()
				return true
			}
			i.flags |= InoFreeing
			i.flagsLock.Release()

			finishList = append(finishList, i)
			return true
		})
	}
	tbl.lock.Release()

	for _, i := range finishList {
		tbl.finish(cur, i)
	}
}
