package ext2

import (
	"encoding/binary"

	"github.com/behrlich/kernos/internal/fs"
	"github.com/behrlich/kernos/internal/sched"
)

// truncate releases every block of i from the new size up, walking the
// direct table and then the singly, doubly, and triply indirect trees
// in that order. Intermediate indirect blocks are freed only once their
// entire covered range is released. An unaligned new size gets the tail
// of its last kept block zeroed. Caller holds the inode lock.
func (s *Super) truncate(cur *sched.Task, i *fs.Inode, size int64) error {
	p := priv(i)
	bs := int64(s.blockSize)
	ptrs := int64(s.blockSize / 4)

	start := (size + bs - 1) / bs
	end := (i.Size + bs - 1) / bs

	if start < end {
		for n := start; n < end && n < ptrDirect; n++ {
			if p.BlkPtrs[n] != 0 {
				if err := s.BlockRelease(cur, p.BlkPtrs[n]); err != nil {
					return err
				}
			}
			p.BlkPtrs[n] = 0
		}

		trees := []struct {
			slot int
			base int64
			span int64
		}{
			{ptrSingle, ptrDirect, ptrs},
			{ptrDouble, ptrDirect + ptrs, ptrs * ptrs},
			{ptrTriple, ptrDirect + ptrs + ptrs*ptrs, ptrs * ptrs * ptrs},
		}

		for _, tree := range trees {
			if p.BlkPtrs[tree.slot] == 0 {
				continue
			}
			if start >= tree.base+tree.span || end <= tree.base {
				continue
			}

			level := 1
			for span := ptrs; span < tree.span; span *= ptrs {
				level++
			}

			if err := s.truncIndirect(cur, p.BlkPtrs[tree.slot], level, tree.base, start, end); err != nil {
				return err
			}

			if tree.base >= start {
				if err := s.BlockRelease(cur, p.BlkPtrs[tree.slot]); err != nil {
					return err
				}
				p.BlkPtrs[tree.slot] = 0
			}
		}

		// Blocks is always a count of 512-byte units.
		i.Blocks = uint32(start) * uint32(s.blockSize/512)
	}

	// A size not on a block boundary keeps a partial block; its tail
	// must read back as zeros.
	if size%bs != 0 {
		if blk, ok := s.Bmap(cur, i, size/bs); ok {
			b, err := s.cache.Bread(cur, s.common.Dev, blk)
			if err != nil {
				return err
			}
			off := int(size % bs)
			for n := off; n < len(b.Data); n++ {
				b.Data[n] = 0
			}
			b.MarkDirty()
			s.cache.UnlockRelease(cur, b)
		}
	}

	i.Size = size
	i.SetDirty()
	return nil
}

// truncIndirect releases the slots of one indirect block whose covered
// indices fall in [start, end). level 1 slots point at data blocks;
// higher levels recurse, freeing a child indirect block once everything
// it covers is past start. Sparse files mean any slot may be zero.
func (s *Super) truncIndirect(cur *sched.Task, blk uint32, level int, base, start, end int64) error {
	ptrs := int64(s.blockSize / 4)
	span := int64(1)
	for n := 1; n < level; n++ {
		span *= ptrs
	}

	b, err := s.cache.Bread(cur, s.common.Dev, blk)
	if err != nil {
		return err
	}
	defer s.cache.UnlockRelease(cur, b)

	for n := int64(0); n < ptrs; n++ {
		slotBase := base + n*span
		if slotBase >= end {
			break
		}
		if slotBase+span <= start {
			continue
		}

		addr := binary.LittleEndian.Uint32(b.Data[n*4:])
		if addr == 0 {
			continue
		}

		if level > 1 {
			if err := s.truncIndirect(cur, addr, level-1, slotBase, start, end); err != nil {
				return err
			}
			if slotBase < start {
				continue
			}
		} else if slotBase < start {
			continue
		}

		if err := s.BlockRelease(cur, addr); err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(b.Data[n*4:], 0)
		b.MarkDirty()
	}

	return nil
}

// Truncate is the public entry: takes the inode lock and resizes.
// Growing is a no-op beyond the size update; blocks appear on use.
func (s *Super) Truncate(cur *sched.Task, i *fs.Inode, size int64) error {
	i.Lock.Lock(cur)
	defer i.Lock.Unlock(cur)
	return s.truncate(cur, i, size)
}
