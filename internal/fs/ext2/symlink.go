package ext2

import (
	"github.com/behrlich/kernos/internal/fs"
	"github.com/behrlich/kernos/internal/kerr"
	"github.com/behrlich/kernos/internal/sched"
)

// inlineLinkMax is the longest target stored inline in the
// block-pointer array instead of a data block.
const inlineLinkMax = 15 * 4

// ReadLink returns a symlink's target. Short targets live inline in
// the block-pointer array (the inode has no blocks); longer ones occupy
// the first data block. Both cases are handled uniformly here and in
// path resolution.
func (s *Super) ReadLink(cur *sched.Task, i *fs.Inode) (string, error) {
	if !fs.IsSymlink(i.Mode) {
		return "", kerr.EINVAL
	}

	n := int(i.Size)
	if n > inlineLinkMax && i.Blocks == 0 {
		return "", kerr.EINVAL
	}

	if i.Blocks == 0 {
		p := priv(i)
		raw := make([]byte, 0, n)
		for idx := 0; idx < n; idx++ {
			word := p.BlkPtrs[idx/4]
			raw = append(raw, byte(word>>(8*(uint(idx)%4))))
		}
		i.Atime = s.Now()
		i.SetDirty()
		return string(raw), nil
	}

	blk, ok := s.Bmap(cur, i, 0)
	if !ok {
		return "", kerr.EINVAL
	}
	b, err := s.cache.Bread(cur, s.common.Dev, blk)
	if err != nil {
		return "", err
	}
	if n > len(b.Data) {
		n = len(b.Data)
	}
	target := string(b.Data[:n])
	s.cache.UnlockRelease(cur, b)

	i.Atime = s.Now()
	i.SetDirty()
	return target, nil
}

// Symlink creates a symlink entry pointing at target.
func (s *Super) Symlink(cur *sched.Task, dir *fs.Inode, name, target string) (*fs.Inode, error) {
	if len(target) == 0 || len(target) >= s.blockSize {
		return nil, kerr.ENAMETOOLONG
	}

	i, err := s.Create(cur, dir, name, fs.ModeSymlink|0777)
	if err != nil {
		return nil, err
	}

	if len(target) <= inlineLinkMax {
		p := priv(i)
		for idx := 0; idx < len(target); idx++ {
			p.BlkPtrs[idx/4] |= uint32(target[idx]) << (8 * (uint(idx) % 4))
		}
		i.Size = int64(len(target))
		i.SetDirty()
		return i, nil
	}

	i.Lock.Lock(cur)
	blk, err := s.BmapAlloc(cur, i, 0)
	if err != nil {
		i.Lock.Unlock(cur)
		s.tbl.Put(cur, i)
		return nil, err
	}

	b := s.cache.GetLock(cur, s.common.Dev, blk)
	copy(b.Data, target)
	b.MarkValid()
	b.MarkDirty()
	s.cache.UnlockRelease(cur, b)

	i.Size = int64(len(target))
	i.SetDirty()
	i.Lock.Unlock(cur)
	return i, nil
}
