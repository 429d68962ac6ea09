package ext2

import (
	"github.com/behrlich/kernos/internal/kerr"
	"github.com/behrlich/kernos/internal/sched"
)

// Bitmap helpers. Bit n of the bitmap is bit (n % 8) of byte (n / 8).

func bitTest(b []byte, n int) bool {
	return b[n/8]&(1<<(uint(n)%8)) != 0
}

func bitSet(b []byte, n int) {
	b[n/8] |= 1 << (uint(n) % 8)
}

func bitClear(b []byte, n int) {
	b[n/8] &^= 1 << (uint(n) % 8)
}

// bitFindNextZero returns the first clear bit at or after start, or -1
// when the first nbits are all set.
func bitFindNextZero(b []byte, nbits, start int) int {
	for n := start; n < nbits; n++ {
		if !bitTest(b, n) {
			return n
		}
	}
	return -1
}

// BlockAlloc scans the group bitmaps for a free block: the first group
// with free blocks donates its first zero bit. Both the in-memory group
// counter and the super counter are decremented and marked for
// writeback.
func (s *Super) BlockAlloc(cur *sched.Task) (uint32, error) {
	s.common.Lock.Lock(cur)
	defer s.common.Lock.Unlock(cur)

	return s.blockAllocLocked(cur)
}

func (s *Super) blockAllocLocked(cur *sched.Task) (uint32, error) {
	blocksPerGroup := int(s.disk.BlocksPerGroup)

	for g := range s.groups {
		if s.groups[g].FreeBlocksCount == 0 {
			continue
		}

		b, err := s.cache.Bread(cur, s.common.Dev, s.groups[g].BlockBitmap)
		if err != nil {
			return 0, err
		}

		loc := bitFindNextZero(b.Data, blocksPerGroup, 0)
		if loc < 0 {
			// Counter said free blocks but the bitmap is full; fix the
			// counter up and move on.
			s.log.Warnf("group %d free-count %d but bitmap full", g, s.groups[g].FreeBlocksCount)
			s.groups[g].FreeBlocksCount = 0
			s.cache.UnlockRelease(cur, b)
			continue
		}

		bitSet(b.Data, loc)
		b.MarkDirty()
		s.cache.UnlockRelease(cur, b)

		s.groups[g].FreeBlocksCount--
		s.disk.FreeBlocksCount--
		s.superDirty = true

		blk := uint32(g)*s.disk.BlocksPerGroup + uint32(loc) + s.disk.FirstDataBlock
		return blk, nil
	}

	return 0, kerr.ENOSPC
}

// BlockRelease returns a block to its group's bitmap and bumps the
// counters back up.
func (s *Super) BlockRelease(cur *sched.Task, blk uint32) error {
	s.common.Lock.Lock(cur)
	defer s.common.Lock.Unlock(cur)

	return s.blockReleaseLocked(cur, blk)
}

func (s *Super) blockReleaseLocked(cur *sched.Task, blk uint32) error {
	if blk < s.disk.FirstDataBlock || blk >= s.disk.BlocksCount {
		return kerr.EINVAL
	}

	idx := blk - s.disk.FirstDataBlock
	group := int(idx / s.disk.BlocksPerGroup)
	loc := int(idx % s.disk.BlocksPerGroup)
	if group >= len(s.groups) {
		return kerr.EINVAL
	}

	b, err := s.cache.Bread(cur, s.common.Dev, s.groups[group].BlockBitmap)
	if err != nil {
		return err
	}
	bitClear(b.Data, loc)
	b.MarkDirty()
	s.cache.UnlockRelease(cur, b)

	s.groups[group].FreeBlocksCount++
	s.disk.FreeBlocksCount++
	s.superDirty = true
	return nil
}

// blockAllocZero allocates a fresh block and zeroes it through the
// cache. The content is about to be written wholesale, so the buffer is
// taken without a device read.
func (s *Super) blockAllocZero(cur *sched.Task) (uint32, error) {
	blk, err := s.BlockAlloc(cur)
	if err != nil {
		return 0, err
	}

	b := s.cache.GetLock(cur, s.common.Dev, blk)
	for i := range b.Data {
		b.Data[i] = 0
	}
	b.MarkValid()
	b.MarkDirty()
	s.cache.UnlockRelease(cur, b)

	return blk, nil
}
