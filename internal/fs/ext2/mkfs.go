package ext2

import (
	"github.com/google/uuid"

	"github.com/behrlich/kernos/internal/block"
	"github.com/behrlich/kernos/internal/kerr"
	"github.com/behrlich/kernos/internal/sched"
)

// MkfsOptions configures filesystem creation.
type MkfsOptions struct {
	VolumeName string
	Now        uint32
}

// Mkfs lays a fresh ext2 filesystem onto dev: super-block, group
// descriptors, bitmaps, inode tables, and an empty root directory. The
// block size is the device's.
func Mkfs(cur *sched.Task, cache *block.Cache, dev block.Device, opts MkfsOptions) error {
	bs := dev.BlockSize()
	if bs != 1024 && bs != 2048 && bs != 4096 {
		return kerr.EINVAL
	}

	totalBlocks := uint32(deviceBlocks(dev))
	if totalBlocks < 16 {
		return kerr.EINVAL
	}

	var firstData uint32
	if bs == 1024 {
		firstData = 1
	}

	blocksPerGroup := uint32(bs * 8)
	groupCount := (totalBlocks - firstData + blocksPerGroup - 1) / blocksPerGroup

	// Inodes: one per four blocks, rounded up to fill whole table
	// blocks, capped by what one bitmap block can track.
	perBlock := uint32(bs / InodeSize)
	inodesPerGroup := (totalBlocks/groupCount/4 + perBlock - 1) / perBlock * perBlock
	if inodesPerGroup < perBlock {
		inodesPerGroup = perBlock
	}
	if inodesPerGroup > uint32(bs*8) {
		inodesPerGroup = uint32(bs * 8)
	}
	tableBlocks := inodesPerGroup * InodeSize / uint32(bs)

	descBlocks := (groupCount*GroupDescSize + uint32(bs) - 1) / uint32(bs)

	super := DiskSuper{
		InodesCount:    inodesPerGroup * groupCount,
		BlocksCount:    totalBlocks,
		FirstDataBlock: firstData,
		LogBlockSize:   log2(uint32(bs) / 1024),
		BlocksPerGroup: blocksPerGroup,
		InodesPerGroup: inodesPerGroup,
		Mtime:          opts.Now,
		Wtime:          opts.Now,
		Magic:          Magic,
		State:          1,
		RevLevel:       1,
		FirstIno:       11,
		InodeSize:      InodeSize,
	}
	id := uuid.New()
	copy(super.UUID[:], id[:])
	copy(super.VolumeName[:], opts.VolumeName)

	groups := make([]DiskGroup, groupCount)

	// Lay each group out: (super + descriptors in group 0,) block
	// bitmap, inode bitmap, inode table, then data.
	var rootBlk uint32
	for g := uint32(0); g < groupCount; g++ {
		base := firstData + g*blocksPerGroup
		meta := base
		if g == 0 {
			meta += 1 + descBlocks // super + descriptor table
		}

		groups[g].BlockBitmap = meta
		groups[g].InodeBitmap = meta + 1
		groups[g].InodeTable = meta + 2

		groupEnd := base + blocksPerGroup
		if groupEnd > totalBlocks {
			groupEnd = totalBlocks
		}

		usedEnd := groups[g].InodeTable + tableBlocks
		if g == 0 {
			// Root directory takes the first data block.
			rootBlk = usedEnd
			usedEnd++
		}

		groups[g].FreeBlocksCount = uint16(groupEnd - usedEnd)
		groups[g].FreeInodesCount = uint16(inodesPerGroup)
		if g == 0 {
			groups[g].FreeInodesCount -= uint16(super.FirstIno - 1)
			groups[g].UsedDirsCount = 1
		}

		// Block bitmap: metadata used, tail past the device end used.
		bb := cache.GetLock(cur, dev, groups[g].BlockBitmap)
		zero(bb.Data)
		for blk := base; blk < usedEnd; blk++ {
			bitSet(bb.Data, int(blk-base))
		}
		for bit := groupEnd - base; bit < blocksPerGroup; bit++ {
			bitSet(bb.Data, int(bit))
		}
		bb.MarkValid()
		bb.MarkDirty()
		cache.UnlockRelease(cur, bb)

		// Inode bitmap: reserved inodes in group 0, tail bits past the
		// per-group count.
		ib := cache.GetLock(cur, dev, groups[g].InodeBitmap)
		zero(ib.Data)
		if g == 0 {
			for bit := 0; bit < int(super.FirstIno-1); bit++ {
				bitSet(ib.Data, bit)
			}
		}
		for bit := int(inodesPerGroup); bit < bs*8; bit++ {
			bitSet(ib.Data, bit)
		}
		ib.MarkValid()
		ib.MarkDirty()
		cache.UnlockRelease(cur, ib)

		// Zero the inode table.
		for t := uint32(0); t < tableBlocks; t++ {
			tb := cache.GetLock(cur, dev, groups[g].InodeTable+t)
			zero(tb.Data)
			tb.MarkValid()
			tb.MarkDirty()
			cache.UnlockRelease(cur, tb)
		}

		super.FreeBlocksCount += uint32(groups[g].FreeBlocksCount)
		super.FreeInodesCount += uint32(groups[g].FreeInodesCount)
	}

	// Root directory block: "." and ".." both naming the root.
	rb := cache.GetLock(cur, dev, rootBlk)
	zero(rb.Data)
	dotLen := DirentRecLen(1)
	EncodeDirent(rb.Data, 0, Dirent{Ino: RootIno, RecLen: uint16(dotLen), NameLen: 1, Type: DTDir})
	copy(rb.Data[DirentHeaderSize:], ".")
	EncodeDirent(rb.Data, dotLen, Dirent{Ino: RootIno, RecLen: uint16(bs - dotLen), NameLen: 2, Type: DTDir})
	copy(rb.Data[dotLen+DirentHeaderSize:], "..")
	rb.MarkValid()
	rb.MarkDirty()
	cache.UnlockRelease(cur, rb)

	// Root inode: second slot of group 0's table.
	rootInode := DiskInode{
		Mode:   uint16(0x4000 | 0755),
		Size:   uint32(bs),
		Atime:  opts.Now,
		Ctime:  opts.Now,
		Mtime:  opts.Now,
		Links:  2,
		Blocks: uint32(bs / 512),
	}
	rootInode.BlkPtrs[0] = rootBlk

	ti, err := cache.Bread(cur, dev, groups[0].InodeTable)
	if err != nil {
		return err
	}
	MarshalInode(ti.Data[(RootIno-1)*InodeSize:], &rootInode)
	ti.MarkDirty()
	cache.UnlockRelease(cur, ti)

	// Super-block at its fixed offset.
	superBlk := uint32(SuperOffset / bs)
	superOff := SuperOffset % bs
	sb := cache.GetLock(cur, dev, superBlk)
	zero(sb.Data)
	MarshalSuper(sb.Data[superOff:], &super)
	sb.MarkValid()
	sb.MarkDirty()
	cache.UnlockRelease(cur, sb)

	// Group descriptor table.
	perDescBlock := bs / GroupDescSize
	for i := range groups {
		blk := firstData + 1 + uint32(i/perDescBlock)
		off := (i % perDescBlock) * GroupDescSize

		var b *block.Buffer
		if off == 0 {
			b = cache.GetLock(cur, dev, blk)
			zero(b.Data)
			b.MarkValid()
		} else {
			b, err = cache.Bread(cur, dev, blk)
			if err != nil {
				return err
			}
		}
		MarshalGroup(b.Data[off:], &groups[i])
		b.MarkDirty()
		cache.UnlockRelease(cur, b)
	}

	return cache.Sync(cur, dev)
}

func deviceBlocks(dev block.Device) int64 {
	type sizer interface{ Size() int64 }
	if s, ok := dev.(sizer); ok {
		return s.Size() / int64(dev.BlockSize())
	}
	return 0
}

func zero(p []byte) {
	for i := range p {
		p[i] = 0
	}
}

func log2(v uint32) uint32 {
	n := uint32(0)
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}
