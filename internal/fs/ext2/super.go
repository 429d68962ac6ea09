package ext2

import (
	"github.com/behrlich/kernos/internal/block"
	"github.com/behrlich/kernos/internal/fs"
	"github.com/behrlich/kernos/internal/kerr"
	"github.com/behrlich/kernos/internal/klog"
	"github.com/behrlich/kernos/internal/sched"
)

// InodePriv is the ext2 payload hung off every resident inode: the
// 15-slot block-pointer array (12 direct, single, double, triple) and
// the decoded device number for device nodes.
type InodePriv struct {
	BlkPtrs [15]uint32
	DevNo   uint32
}

func priv(i *fs.Inode) *InodePriv {
	return i.Priv.(*InodePriv)
}

// Super is a mounted ext2 filesystem: the cached disk super, the cached
// group-descriptor array, and the device handle. The common mutex
// guards the cached counters and bitmaps.
type Super struct {
	common fs.SuperCommon
	tbl    *fs.InodeTable
	cache  *block.Cache

	disk   DiskSuper
	groups []DiskGroup

	blockSize  int
	groupBlock uint32 // first block of the descriptor table

	// superDirty tracks cached counter changes awaiting writeback;
	// guarded by the common mutex like the counters themselves.
	superDirty bool

	// Now supplies timestamps; defaults to a zero clock.
	Now func() uint32

	log *klog.Logger
}

// Mount reads the super-block and group descriptors from dev. The
// device's block size must match the filesystem's.
func Mount(cur *sched.Task, cache *block.Cache, tbl *fs.InodeTable, dev block.Device) (*Super, error) {
	bs := dev.BlockSize()

	superBlk := uint32(SuperOffset / bs)
	superOff := SuperOffset % bs

	b, err := cache.Bread(cur, dev, superBlk)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, 1024)
	copy(raw, b.Data[superOff:])
	cache.UnlockRelease(cur, b)

	disk := UnmarshalSuper(raw)
	if disk.Magic != Magic {
		return nil, kerr.EINVAL
	}
	if disk.BlockSize() != bs {
		return nil, kerr.EINVAL
	}

	s := &Super{
		tbl:       tbl,
		cache:     cache,
		disk:      disk,
		blockSize: bs,
		Now:       func() uint32 { return 0 },
		log:       klog.New("ext2").WithField("dev", dev.Name()),
	}
	s.common.Dev = dev
	s.common.BlockSize = bs
	s.common.RootIno = RootIno
	s.common.Inodes.Init()
	s.common.DirtyInodes.Init()

	if disk.FeatureROCompat&FeatureROSparseSuper != 0 {
		s.log.Warnf("sparse super-block flag set; recognised but not used")
	}
	if disk.FeatureROCompat&FeatureROLargeFile != 0 {
		s.log.Warnf("large-file flag set; recognised but not used")
	}

	if err := s.readGroups(cur); err != nil {
		return nil, err
	}

	s.log.Infof("mounted: %d blocks, %d inodes, %d groups, block size %d",
		disk.BlocksCount, disk.InodesCount, len(s.groups), bs)
	return s, nil
}

// readGroups loads the group-descriptor table, which follows the
// super-block's data block.
func (s *Super) readGroups(cur *sched.Task) error {
	count := int((s.disk.BlocksCount + s.disk.BlocksPerGroup - 1) / s.disk.BlocksPerGroup)
	s.groups = make([]DiskGroup, count)
	s.groupBlock = s.disk.FirstDataBlock + 1

	perBlock := s.blockSize / GroupDescSize
	for i := 0; i < count; i++ {
		blk := s.groupBlock + uint32(i/perBlock)
		off := (i % perBlock) * GroupDescSize

		b, err := s.cache.Bread(cur, s.common.Dev, blk)
		if err != nil {
			return err
		}
		s.groups[i] = UnmarshalGroup(b.Data[off:])
		s.cache.UnlockRelease(cur, b)
	}
	return nil
}

// Common implements fs.SuperBlock.
func (s *Super) Common() *fs.SuperCommon {
	return &s.common
}

// AllocInode implements fs.SuperBlock.
func (s *Super) AllocInode() *fs.Inode {
	i := &fs.Inode{Priv: &InodePriv{}}
	fs.InitInode(i)
	return i
}

// inodeLocation maps an inode number to its block and in-block offset.
func (s *Super) inodeLocation(ino fs.Ino) (uint32, int, error) {
	if ino < 1 || ino > s.disk.InodesCount {
		return 0, 0, kerr.EINVAL
	}
	idx := ino - 1
	group := int(idx / s.disk.InodesPerGroup)
	entry := int(idx % s.disk.InodesPerGroup)
	if group >= len(s.groups) {
		return 0, 0, kerr.EINVAL
	}

	blk := s.groups[group].InodeTable + uint32(entry*InodeSize/s.blockSize)
	off := (entry * InodeSize) % s.blockSize
	return blk, off, nil
}

// ReadInode implements fs.SuperBlock: populate an inode from its table
// slot.
func (s *Super) ReadInode(cur *sched.Task, i *fs.Inode) error {
	blk, off, err := s.inodeLocation(i.Ino)
	if err != nil {
		return err
	}

	b, err := s.cache.Bread(cur, s.common.Dev, blk)
	if err != nil {
		return err
	}
	di := UnmarshalInode(b.Data[off:])
	s.cache.UnlockRelease(cur, b)

	i.Mode = uint32(di.Mode)
	i.Uid = uint32(di.Uid)
	i.Gid = uint32(di.Gid)
	i.Size = int64(di.Size)
	i.Atime = di.Atime
	i.Mtime = di.Mtime
	i.Ctime = di.Ctime
	i.Blocks = di.Blocks
	i.Nlinks.Store(int32(di.Links))

	p := priv(i)
	p.BlkPtrs = di.BlkPtrs

	// Device nodes keep their dev-no in the first block pointers, with
	// the Linux-compatible encoding: a non-zero slot 0 is the old
	// (minor | major << 8) form, otherwise slot 1 carries the new form.
	if i.Mode&fs.ModeTypeMask == fs.ModeChar || i.Mode&fs.ModeTypeMask == fs.ModeBlock {
		if di.BlkPtrs[0] != 0 {
			p.DevNo = di.BlkPtrs[0]
		} else {
			p.DevNo = di.BlkPtrs[1]
		}
	}
	return nil
}

// WriteInode implements fs.SuperBlock.
func (s *Super) WriteInode(cur *sched.Task, i *fs.Inode) error {
	blk, off, err := s.inodeLocation(i.Ino)
	if err != nil {
		return err
	}

	di := DiskInode{
		Mode:    uint16(i.Mode),
		Uid:     uint16(i.Uid),
		Gid:     uint16(i.Gid),
		Size:    uint32(i.Size),
		Atime:   i.Atime,
		Mtime:   i.Mtime,
		Ctime:   i.Ctime,
		Links:   uint16(i.Nlinks.Load()),
		Blocks:  i.Blocks,
		BlkPtrs: priv(i).BlkPtrs,
	}

	b, err := s.cache.Bread(cur, s.common.Dev, blk)
	if err != nil {
		return err
	}
	MarshalInode(b.Data[off:], &di)
	b.MarkDirty()
	s.cache.UnlockRelease(cur, b)
	return nil
}

// DeleteInode implements fs.SuperBlock: release the inode's data blocks
// and its slot in the inode bitmap. Runs during eviction, when the link
// count is zero and FREEING keeps everyone else out.
func (s *Super) DeleteInode(cur *sched.Task, i *fs.Inode) error {
	// Inline symlinks keep their target text in the block-pointer
	// array; there are no blocks to release.
	if !fs.IsSymlink(i.Mode) || i.Blocks != 0 {
		if err := s.truncate(cur, i, 0); err != nil {
			return err
		}
	}

	idx := i.Ino - 1
	group := int(idx / s.disk.InodesPerGroup)
	entry := int(idx % s.disk.InodesPerGroup)
	if group >= len(s.groups) {
		return kerr.EINVAL
	}

	s.common.Lock.Lock(cur)
	defer s.common.Lock.Unlock(cur)

	b, err := s.cache.Bread(cur, s.common.Dev, s.groups[group].InodeBitmap)
	if err != nil {
		return err
	}
	bitClear(b.Data, entry)
	b.MarkDirty()
	s.cache.UnlockRelease(cur, b)

	s.groups[group].FreeInodesCount++
	s.disk.FreeInodesCount++
	s.superDirty = true

	// Scrub the on-disk inode, stamping the deletion time.
	blk, off, err := s.inodeLocation(i.Ino)
	if err != nil {
		return err
	}
	b, err = s.cache.Bread(cur, s.common.Dev, blk)
	if err != nil {
		return err
	}
	di := DiskInode{Dtime: s.Now()}
	MarshalInode(b.Data[off:], &di)
	b.MarkDirty()
	s.cache.UnlockRelease(cur, b)

	return nil
}

// SyncSuper implements fs.SuperBlock: push the cached super and group
// descriptors back into the buffer cache.
func (s *Super) SyncSuper(cur *sched.Task) error {
	s.common.Lock.Lock(cur)
	defer s.common.Lock.Unlock(cur)

	if !s.superDirty {
		return nil
	}

	bs := s.blockSize
	superBlk := uint32(SuperOffset / bs)
	superOff := SuperOffset % bs

	b, err := s.cache.Bread(cur, s.common.Dev, superBlk)
	if err != nil {
		return err
	}
	s.disk.Wtime = s.Now()
	MarshalSuper(b.Data[superOff:], &s.disk)
	b.MarkDirty()
	s.cache.UnlockRelease(cur, b)

	perBlock := bs / GroupDescSize
	for i := range s.groups {
		blk := s.groupBlock + uint32(i/perBlock)
		off := (i % perBlock) * GroupDescSize

		b, err := s.cache.Bread(cur, s.common.Dev, blk)
		if err != nil {
			return err
		}
		MarshalGroup(b.Data[off:], &s.groups[i])
		b.MarkDirty()
		s.cache.UnlockRelease(cur, b)
	}

	s.superDirty = false
	return nil
}

// FreeBlocks returns the cached free-block counter. Tests check the
// alloc/release round-trip against it.
func (s *Super) FreeBlocks(cur *sched.Task) uint32 {
	s.common.Lock.Lock(cur)
	defer s.common.Lock.Unlock(cur)
	return s.disk.FreeBlocksCount
}

// FreeInodes returns the cached free-inode counter.
func (s *Super) FreeInodes(cur *sched.Task) uint32 {
	s.common.Lock.Lock(cur)
	defer s.common.Lock.Unlock(cur)
	return s.disk.FreeInodesCount
}

// Root returns the root directory inode.
func (s *Super) Root(cur *sched.Task) *fs.Inode {
	return s.tbl.Get(cur, s, RootIno)
}

// Table returns the inode table this super is registered in.
func (s *Super) Table() *fs.InodeTable {
	return s.tbl
}

var _ fs.SuperBlock = (*Super)(nil)
