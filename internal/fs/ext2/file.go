package ext2

import (
	"github.com/behrlich/kernos/internal/fs"
	"github.com/behrlich/kernos/internal/kerr"
	"github.com/behrlich/kernos/internal/sched"
)

// Read copies file content at off into p, returning the byte count.
// Reads past EOF are short; holes read back as zeros.
func (s *Super) Read(cur *sched.Task, i *fs.Inode, off int64, p []byte) (int, error) {
	if fs.IsDir(i.Mode) {
		return 0, kerr.EISDIR
	}

	i.Lock.Lock(cur)
	defer i.Lock.Unlock(cur)

	if off >= i.Size {
		return 0, nil
	}
	if off+int64(len(p)) > i.Size {
		p = p[:i.Size-off]
	}

	bs := int64(s.blockSize)
	done := 0

	for done < len(p) {
		idx := (off + int64(done)) / bs
		blockOff := int((off + int64(done)) % bs)
		cnt := s.blockSize - blockOff
		if cnt > len(p)-done {
			cnt = len(p) - done
		}

		blk, ok := s.Bmap(cur, i, idx)
		if !ok {
			// Sparse hole.
			for n := 0; n < cnt; n++ {
				p[done+n] = 0
			}
			done += cnt
			continue
		}

		b, err := s.cache.Bread(cur, s.common.Dev, blk)
		if err != nil {
			return done, err
		}
		copy(p[done:done+cnt], b.Data[blockOff:])
		s.cache.UnlockRelease(cur, b)
		done += cnt
	}

	i.Atime = s.Now()
	i.SetDirty()
	return done, nil
}

// Write stores p at off, allocating blocks through the allocating bmap
// and growing the file size as needed.
func (s *Super) Write(cur *sched.Task, i *fs.Inode, off int64, p []byte) (int, error) {
	if fs.IsDir(i.Mode) {
		return 0, kerr.EISDIR
	}

	i.Lock.Lock(cur)
	defer i.Lock.Unlock(cur)

	bs := int64(s.blockSize)
	done := 0

	for done < len(p) {
		idx := (off + int64(done)) / bs
		blockOff := int((off + int64(done)) % bs)
		cnt := s.blockSize - blockOff
		if cnt > len(p)-done {
			cnt = len(p) - done
		}

		blk, err := s.BmapAlloc(cur, i, idx)
		if err != nil {
			return done, err
		}

		var b = s.cache.GetLock(cur, s.common.Dev, blk)
		if cnt != s.blockSize && !b.Valid() {
			// Partial overwrite of a block we have not seen: pull it in
			// first.
			s.cache.UnlockRelease(cur, b)
			b, err = s.cache.Bread(cur, s.common.Dev, blk)
			if err != nil {
				return done, err
			}
		}
		copy(b.Data[blockOff:blockOff+cnt], p[done:done+cnt])
		b.MarkValid()
		b.MarkDirty()
		s.cache.UnlockRelease(cur, b)
		done += cnt
	}

	if off+int64(done) > i.Size {
		i.Size = off + int64(done)
	}
	i.Mtime = s.Now()
	i.SetDirty()
	return done, nil
}
