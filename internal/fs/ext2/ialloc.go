package ext2

import (
	"github.com/behrlich/kernos/internal/fs"
	"github.com/behrlich/kernos/internal/kerr"
	"github.com/behrlich/kernos/internal/sched"
)

// checkBlockGroup claims the first free inode in a group's bitmap,
// returning zero when the group is full. Group 0 starts past the
// reserved inodes. Caller holds the super mutex.
func (s *Super) checkBlockGroup(cur *sched.Task, group int) (fs.Ino, error) {
	g := &s.groups[group]
	if g.FreeInodesCount == 0 {
		return 0, nil
	}

	inodeStart := 0
	if group == 0 {
		inodeStart = int(s.disk.FirstIno)
	}

	b, err := s.cache.Bread(cur, s.common.Dev, g.InodeBitmap)
	if err != nil {
		return 0, err
	}

	loc := bitFindNextZero(b.Data, int(s.disk.InodesPerGroup), inodeStart)
	if loc < 0 {
		s.cache.UnlockRelease(cur, b)
		return 0, nil
	}

	bitSet(b.Data, loc)
	b.MarkDirty()
	s.cache.UnlockRelease(cur, b)

	g.FreeInodesCount--

	ino := fs.Ino(loc) + fs.Ino(group)*s.disk.InodesPerGroup + 1
	s.log.Debugf("ialloc: free inode %d in group %d", ino, group)
	return ino, nil
}

// InodeNew allocates a fresh on-disk inode and registers it in the
// inode table with one reference. The caller finishes setting it up and
// marks it valid.
func (s *Super) InodeNew(cur *sched.Task, mode uint32) (*fs.Inode, error) {
	var ino fs.Ino

	s.common.Lock.Lock(cur)
	for g := range s.groups {
		found, err := s.checkBlockGroup(cur, g)
		if err != nil {
			s.common.Lock.Unlock(cur)
			return nil, err
		}
		if found != 0 {
			ino = found
			break
		}
	}

	if ino == 0 {
		s.common.Lock.Unlock(cur)
		return nil, kerr.ENOSPC
	}

	s.disk.FreeInodesCount--
	s.superDirty = true
	s.common.Lock.Unlock(cur)

	i := s.AllocInode()
	i.SB = s
	i.Ino = ino
	i.Mode = mode
	i.Atime = s.Now()
	i.Mtime = i.Atime
	i.Ctime = i.Atime
	i.SetDirty()

	s.tbl.Insert(i)
	return i, nil
}
