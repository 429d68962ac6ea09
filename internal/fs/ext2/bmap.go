package ext2

import (
	"encoding/binary"

	"github.com/behrlich/kernos/internal/fs"
	"github.com/behrlich/kernos/internal/kerr"
	"github.com/behrlich/kernos/internal/sched"
)

// Block-pointer slots in the inode: 12 direct, then singly, doubly,
// triply indirect.
const (
	ptrDirect = 12
	ptrSingle = 12
	ptrDouble = 13
	ptrTriple = 14
)

// readPtr reads the n-th pointer out of an indirect block.
func (s *Super) readPtr(cur *sched.Task, blk uint32, n int) (uint32, error) {
	b, err := s.cache.Bread(cur, s.common.Dev, blk)
	if err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(b.Data[n*4:])
	s.cache.UnlockRelease(cur, b)
	return v, nil
}

// writePtr stores the n-th pointer of an indirect block.
func (s *Super) writePtr(cur *sched.Task, blk uint32, n int, v uint32) error {
	b, err := s.cache.Bread(cur, s.common.Dev, blk)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b.Data[n*4:], v)
	b.MarkDirty()
	s.cache.UnlockRelease(cur, b)
	return nil
}

// Bmap translates an inode-relative block index to a device block,
// walking the direct table and up to three levels of indirection.
// Returns false when the index is unmapped.
func (s *Super) Bmap(cur *sched.Task, i *fs.Inode, idx int64) (uint32, bool) {
	p := priv(i)
	ptrs := int64(s.blockSize / 4)

	if idx < ptrDirect {
		blk := p.BlkPtrs[idx]
		return blk, blk != 0
	}

	if idx > i.Size/int64(s.blockSize) {
		return 0, false
	}

	idx -= ptrDirect

	if idx < ptrs {
		if p.BlkPtrs[ptrSingle] == 0 {
			return 0, false
		}
		blk, err := s.readPtr(cur, p.BlkPtrs[ptrSingle], int(idx))
		if err != nil || blk == 0 {
			return 0, false
		}
		return blk, true
	}

	idx -= ptrs

	if idx < ptrs*ptrs {
		if p.BlkPtrs[ptrDouble] == 0 {
			return 0, false
		}
		ind, err := s.readPtr(cur, p.BlkPtrs[ptrDouble], int(idx/ptrs))
		if err != nil || ind == 0 {
			return 0, false
		}
		blk, err := s.readPtr(cur, ind, int(idx%ptrs))
		if err != nil || blk == 0 {
			return 0, false
		}
		return blk, true
	}

	idx -= ptrs * ptrs

	if idx < ptrs*ptrs*ptrs {
		if p.BlkPtrs[ptrTriple] == 0 {
			return 0, false
		}
		dind, err := s.readPtr(cur, p.BlkPtrs[ptrTriple], int(idx/ptrs/ptrs))
		if err != nil || dind == 0 {
			return 0, false
		}
		ind, err := s.readPtr(cur, dind, int(idx/ptrs%ptrs))
		if err != nil || ind == 0 {
			return 0, false
		}
		blk, err := s.readPtr(cur, ind, int(idx%ptrs))
		if err != nil || blk == 0 {
			return 0, false
		}
		return blk, true
	}

	return 0, false
}

// mapIndirect splices a freshly allocated block into the singly
// indirect tree, creating the indirect block itself when missing.
func (s *Super) mapIndirect(cur *sched.Task, i *fs.Inode, idx int64, blk uint32) error {
	p := priv(i)
	ptrs := int64(s.blockSize / 4)

	if p.BlkPtrs[ptrSingle] == 0 {
		ind, err := s.blockAllocZero(cur)
		if err != nil {
			return err
		}
		p.BlkPtrs[ptrSingle] = ind
		s.log.Debugf("allocating new singly-indirect block: %d", ind)
	}

	return s.writePtr(cur, p.BlkPtrs[ptrSingle], int(idx%ptrs), blk)
}

// mapDindirect splices into the doubly indirect tree.
func (s *Super) mapDindirect(cur *sched.Task, i *fs.Inode, idx int64, blk uint32) error {
	p := priv(i)
	ptrs := int64(s.blockSize / 4)

	if p.BlkPtrs[ptrDouble] == 0 {
		d, err := s.blockAllocZero(cur)
		if err != nil {
			return err
		}
		p.BlkPtrs[ptrDouble] = d
	}

	ind, err := s.readPtr(cur, p.BlkPtrs[ptrDouble], int(idx/ptrs))
	if err != nil {
		return err
	}
	if ind == 0 {
		ind, err = s.blockAllocZero(cur)
		if err != nil {
			return err
		}
		if err := s.writePtr(cur, p.BlkPtrs[ptrDouble], int(idx/ptrs), ind); err != nil {
			return err
		}
	}

	return s.writePtr(cur, ind, int(idx%ptrs), blk)
}

// mapTindirect splices into the triply indirect tree.
func (s *Super) mapTindirect(cur *sched.Task, i *fs.Inode, idx int64, blk uint32) error {
	p := priv(i)
	ptrs := int64(s.blockSize / 4)

	if p.BlkPtrs[ptrTriple] == 0 {
		tr, err := s.blockAllocZero(cur)
		if err != nil {
			return err
		}
		p.BlkPtrs[ptrTriple] = tr
	}

	dind, err := s.readPtr(cur, p.BlkPtrs[ptrTriple], int(idx/ptrs/ptrs))
	if err != nil {
		return err
	}
	if dind == 0 {
		dind, err = s.blockAllocZero(cur)
		if err != nil {
			return err
		}
		if err := s.writePtr(cur, p.BlkPtrs[ptrTriple], int(idx/ptrs/ptrs), dind); err != nil {
			return err
		}
	}

	ind, err := s.readPtr(cur, dind, int(idx/ptrs%ptrs))
	if err != nil {
		return err
	}
	if ind == 0 {
		ind, err = s.blockAllocZero(cur)
		if err != nil {
			return err
		}
		if err := s.writePtr(cur, dind, int(idx/ptrs%ptrs), ind); err != nil {
			return err
		}
	}

	return s.writePtr(cur, ind, int(idx%ptrs), blk)
}

// BmapAlloc is the allocating translation: an unmapped index gets a
// fresh zeroed block spliced into the indirection tree, with
// intermediate indirect blocks created as needed. The inode's 512-byte
// block count is bumped and the inode marked dirty.
func (s *Super) BmapAlloc(cur *sched.Task, i *fs.Inode, idx int64) (uint32, error) {
	if blk, ok := s.Bmap(cur, i, idx); ok {
		return blk, nil
	}

	blk, err := s.blockAllocZero(cur)
	if err != nil {
		return 0, err
	}

	p := priv(i)
	ptrs := int64(s.blockSize / 4)

	switch {
	case idx < ptrDirect:
		p.BlkPtrs[idx] = blk

	case idx-ptrDirect < ptrs:
		err = s.mapIndirect(cur, i, idx-ptrDirect, blk)

	case idx-ptrDirect-ptrs < ptrs*ptrs:
		err = s.mapDindirect(cur, i, idx-ptrDirect-ptrs, blk)

	case idx-ptrDirect-ptrs-ptrs*ptrs < ptrs*ptrs*ptrs:
		err = s.mapTindirect(cur, i, idx-ptrDirect-ptrs-ptrs*ptrs, blk)

	default:
		_ = s.BlockRelease(cur, blk)
		s.log.Errorf("file too large: block index %d", idx)
		return 0, kerr.EFBIG
	}

	if err != nil {
		_ = s.BlockRelease(cur, blk)
		return 0, err
	}

	i.Blocks += uint32(s.blockSize / 512)
	i.SetDirty()
	return blk, nil
}
