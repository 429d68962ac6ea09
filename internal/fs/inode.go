// Package fs implements the VFS substrate: the inode structure, the
// super-block interface, and the global inode table with its
// VALID/DIRTY/SYNC/FREEING/BAD state machine.
package fs

import (
	"sync/atomic"

	"github.com/behrlich/kernos/internal/block"
	"github.com/behrlich/kernos/internal/list"
	"github.com/behrlich/kernos/internal/sched"
)

// Ino is an inode number.
type Ino = uint32

// Mode bits (a subset of POSIX).
const (
	ModeTypeMask uint32 = 0xF000
	ModeFIFO     uint32 = 0x1000
	ModeChar     uint32 = 0x2000
	ModeDir      uint32 = 0x4000
	ModeBlock    uint32 = 0x6000
	ModeFile     uint32 = 0x8000
	ModeSymlink  uint32 = 0xA000
)

// IsDir reports whether mode names a directory.
func IsDir(mode uint32) bool { return mode&ModeTypeMask == ModeDir }

// IsReg reports whether mode names a regular file.
func IsReg(mode uint32) bool { return mode&ModeTypeMask == ModeFile }

// IsSymlink reports whether mode names a symlink.
func IsSymlink(mode uint32) bool { return mode&ModeTypeMask == ModeSymlink }

// IsFIFO reports whether mode names a named pipe.
func IsFIFO(mode uint32) bool { return mode&ModeTypeMask == ModeFIFO }

// Inode state flags, guarded by the inode's flags spinlock.
const (
	InoValid uint32 = 1 << iota
	InoDirty
	InoSync
	InoFreeing
	InoBad
)

// Inode is one resident inode. Identity is (SB, Ino); the inode table
// guarantees at most one resident inode per identity.
type Inode struct {
	SB  SuperBlock
	Ino Ino

	Mode   uint32
	Size   int64
	Blocks uint32 // 512-byte units
	Uid    uint32
	Gid    uint32
	Atime  uint32
	Mtime  uint32
	Ctime  uint32

	// Nlinks is the on-disk hard-link count; ref is the in-memory
	// reference count. An inode whose last reference drops with zero
	// links is evicted from disk.
	Nlinks atomic.Int32
	ref    atomic.Int32

	// flags is the five-state machine, guarded by flagsLock; flagsQueue
	// signals every state change.
	flags      uint32
	flagsLock  sched.Spinlock
	flagsQueue sched.WaitQueue

	// Lock guards the inode's content (size, block pointers) across
	// I/O.
	Lock sched.Mutex

	hashNode    list.Node[Inode]
	sbNode      list.Node[Inode]
	sbDirtyNode list.Node[Inode]

	// Priv is the filesystem's payload: ext2 block pointers, pipe
	// buffers, procfs nodes.
	Priv any
}

// InitInode prepares a freshly allocated inode's intrusive links.
// Super-block AllocInode implementations call this.
func InitInode(i *Inode) {
	i.hashNode.Init(i)
	i.sbNode.Init(i)
	i.sbDirtyNode.Init(i)
}

// Refs returns the current reference count. Tests use it.
func (i *Inode) Refs() int32 {
	return i.ref.Load()
}

// Flags snapshots the state machine under the flags lock.
func (i *Inode) Flags() uint32 {
	i.flagsLock.Acquire()
	defer i.flagsLock.Release()
	return i.flags
}

// Valid reports whether the inode content has been populated.
func (i *Inode) Valid() bool {
	return i.Flags()&InoValid != 0
}

// SetDirty flags the inode as modified; the dirty-list parking happens
// on the next Put.
func (i *Inode) SetDirty() {
	i.flagsLock.Acquire()
	i.flags |= InoDirty
	i.flagsLock.Release()
}

// SuperCommon is the state every super-block shares: the backing
// device, block size, and the per-super inode bookkeeping lists.
type SuperCommon struct {
	Dev       block.Device
	BlockSize int

	// Lock guards the super-block's cached counters and bitmaps.
	Lock sched.Mutex

	Inodes      list.Head[Inode]
	DirtyInodes list.Head[Inode]

	RootIno Ino
}

// SuperBlock is what a filesystem implements to live in the inode
// table.
type SuperBlock interface {
	Common() *SuperCommon

	// AllocInode returns an empty inode with its Priv payload in place.
	AllocInode() *Inode

	// ReadInode populates an inode from disk.
	ReadInode(cur *sched.Task, i *Inode) error

	// WriteInode pushes an inode's metadata back to disk.
	WriteInode(cur *sched.Task, i *Inode) error

	// DeleteInode releases an inode's on-disk storage; called during
	// eviction when the link count is zero.
	DeleteInode(cur *sched.Task, i *Inode) error

	// SyncSuper writes the super-block's own cached state back.
	SyncSuper(cur *sched.Task) error
}
