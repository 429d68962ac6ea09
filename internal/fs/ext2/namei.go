package ext2

import (
	"strings"

	"github.com/behrlich/kernos/internal/block"
	"github.com/behrlich/kernos/internal/fs"
	"github.com/behrlich/kernos/internal/kerr"
	"github.com/behrlich/kernos/internal/sched"
)

// MaxNameLen is the longest directory-entry name.
const MaxNameLen = 255

// foundEntry is a located directory record: the buffer it lives in
// (locked, referenced) and its offset.
type foundEntry struct {
	buf *block.Buffer
	off int
	ent Dirent
}

// lookupEntry walks the directory's blocks record by record looking for
// name. On a hit the record's buffer is returned locked; the caller
// releases it. Caller holds the directory's inode lock.
func (s *Super) lookupEntry(cur *sched.Task, dir *fs.Inode, name string) (*foundEntry, error) {
	bs := int64(s.blockSize)

	for curOff := int64(0); curOff < dir.Size; curOff += bs {
		blk, ok := s.Bmap(cur, dir, curOff/bs)
		if !ok {
			break
		}

		b, err := s.cache.Bread(cur, s.common.Dev, blk)
		if err != nil {
			return nil, err
		}

		for off := 0; off < s.blockSize && curOff+int64(off) < dir.Size; {
			ent := DecodeDirent(b.Data, off)
			if ent.RecLen == 0 {
				break
			}
			if ent.Ino != 0 && int(ent.NameLen) == len(name) && DirentName(b.Data, off, ent) == name {
				return &foundEntry{buf: b, off: off, ent: ent}, nil
			}
			off += int(ent.RecLen)
		}

		s.cache.UnlockRelease(cur, b)
	}

	return nil, kerr.ENOENT
}

// addEntry finds room for a new record named name: an empty record with
// enough space is reused outright; a live record with enough trailing
// slack is trimmed and the new record placed in the slack. When no
// block has room the directory is grown by one block and the new record
// takes all of it. Returns the locked buffer and record offset; the
// caller fills in the inode number and type. Caller holds the
// directory's inode lock.
func (s *Super) addEntry(cur *sched.Task, dir *fs.Inode, name string) (*foundEntry, error) {
	if len(name) == 0 || len(name) > MaxNameLen {
		return nil, kerr.ENAMETOOLONG
	}

	bs := int64(s.blockSize)
	needLen := DirentRecLen(len(name))

	for curOff := int64(0); curOff < dir.Size; curOff += bs {
		blk, ok := s.Bmap(cur, dir, curOff/bs)
		if !ok {
			break
		}

		b, err := s.cache.Bread(cur, s.common.Dev, blk)
		if err != nil {
			return nil, err
		}

		for off := 0; off < s.blockSize && curOff+int64(off) < dir.Size; {
			ent := DecodeDirent(b.Data, off)
			if ent.RecLen == 0 {
				break
			}
			entNeed := DirentRecLen(int(ent.NameLen))

			if ent.Ino == 0 && int(ent.RecLen) >= needLen {
				ent.NameLen = uint8(len(name))
				EncodeDirent(b.Data, off, ent)
				copy(b.Data[off+DirentHeaderSize:], name)
				b.MarkDirty()
				return &foundEntry{buf: b, off: off, ent: ent}, nil
			}

			if int(ent.RecLen) >= needLen+entNeed {
				newLen := int(ent.RecLen) - entNeed
				ent.RecLen = uint16(entNeed)
				EncodeDirent(b.Data, off, ent)

				newOff := off + entNeed
				newEnt := Dirent{Ino: 0, RecLen: uint16(newLen), NameLen: uint8(len(name))}
				EncodeDirent(b.Data, newOff, newEnt)
				copy(b.Data[newOff+DirentHeaderSize:], name)
				b.MarkDirty()
				return &foundEntry{buf: b, off: newOff, ent: newEnt}, nil
			}

			off += int(ent.RecLen)
		}

		s.cache.UnlockRelease(cur, b)
	}

	// No room anywhere: grow the directory by one block; the new record
	// owns the whole block.
	if err := s.truncate(cur, dir, dir.Size+bs); err != nil {
		return nil, err
	}

	blk, err := s.BmapAlloc(cur, dir, (dir.Size-1)/bs)
	if err != nil {
		return nil, kerr.ENOSPC
	}

	b, err := s.cache.Bread(cur, s.common.Dev, blk)
	if err != nil {
		return nil, err
	}
	ent := Dirent{Ino: 0, RecLen: uint16(s.blockSize), NameLen: uint8(len(name))}
	EncodeDirent(b.Data, 0, ent)
	copy(b.Data[DirentHeaderSize:], name)
	b.MarkDirty()
	return &foundEntry{buf: b, off: 0, ent: ent}, nil
}

// dirAddLocked inserts (name -> ino). No duplicate check; callers that
// can race a duplicate check first.
func (s *Super) dirAddLocked(cur *sched.Task, dir *fs.Inode, name string, ino fs.Ino, mode uint32) error {
	fe, err := s.addEntry(cur, dir, name)
	if err != nil {
		return err
	}

	fe.ent.Ino = ino
	fe.ent.Type = ModeToDirentType(mode)
	EncodeDirent(fe.buf.Data, fe.off, fe.ent)
	fe.buf.MarkDirty()
	s.cache.UnlockRelease(cur, fe.buf)
	return nil
}

// dirRemoveLocked deletes name from the directory: the record's ino is
// zeroed and its length merged into the previous record when one
// exists.
func (s *Super) dirRemoveLocked(cur *sched.Task, dir *fs.Inode, name string) error {
	fe, err := s.lookupEntry(cur, dir, name)
	if err != nil {
		return err
	}

	// Walk the block again to find the record before ours.
	prevOff := -1
	for off := 0; off < s.blockSize; {
		if off == fe.off {
			break
		}
		ent := DecodeDirent(fe.buf.Data, off)
		if ent.RecLen == 0 {
			break
		}
		prevOff = off
		off += int(ent.RecLen)
	}

	if prevOff >= 0 {
		prev := DecodeDirent(fe.buf.Data, prevOff)
		prev.RecLen += fe.ent.RecLen
		EncodeDirent(fe.buf.Data, prevOff, prev)
	}

	fe.ent.Ino = 0
	EncodeDirent(fe.buf.Data, fe.off, fe.ent)
	fe.buf.MarkDirty()
	s.cache.UnlockRelease(cur, fe.buf)
	return nil
}

// entryExistsLocked reports whether name is present.
func (s *Super) entryExistsLocked(cur *sched.Task, dir *fs.Inode, name string) bool {
	fe, err := s.lookupEntry(cur, dir, name)
	if err != nil {
		return false
	}
	s.cache.UnlockRelease(cur, fe.buf)
	return true
}

// DirLookup resolves name inside dir to its inode.
func (s *Super) DirLookup(cur *sched.Task, dir *fs.Inode, name string) (*fs.Inode, error) {
	if !fs.IsDir(dir.Mode) {
		return nil, kerr.ENOTDIR
	}

	dir.Lock.Lock(cur)
	fe, err := s.lookupEntry(cur, dir, name)
	if err != nil {
		dir.Lock.Unlock(cur)
		return nil, err
	}
	ino := fe.ent.Ino
	s.cache.UnlockRelease(cur, fe.buf)
	dir.Lock.Unlock(cur)

	i := s.tbl.Get(cur, s, ino)
	if i == nil {
		return nil, kerr.EIO
	}
	return i, nil
}

// DirEntry is one readdir row.
type DirEntry struct {
	Ino  fs.Ino
	Type uint8
	Name string
}

// DirEntries lists the directory's live records.
func (s *Super) DirEntries(cur *sched.Task, dir *fs.Inode) ([]DirEntry, error) {
	if !fs.IsDir(dir.Mode) {
		return nil, kerr.ENOTDIR
	}

	dir.Lock.Lock(cur)
	defer dir.Lock.Unlock(cur)

	var out []DirEntry
	bs := int64(s.blockSize)

	for curOff := int64(0); curOff < dir.Size; curOff += bs {
		blk, ok := s.Bmap(cur, dir, curOff/bs)
		if !ok {
			break
		}

		b, err := s.cache.Bread(cur, s.common.Dev, blk)
		if err != nil {
			return nil, err
		}
		for off := 0; off < s.blockSize && curOff+int64(off) < dir.Size; {
			ent := DecodeDirent(b.Data, off)
			if ent.RecLen == 0 {
				break
			}
			if ent.Ino != 0 {
				out = append(out, DirEntry{Ino: ent.Ino, Type: ent.Type, Name: DirentName(b.Data, off, ent)})
			}
			off += int(ent.RecLen)
		}
		s.cache.UnlockRelease(cur, b)
	}

	return out, nil
}

// dirEmptyLocked reports whether the directory holds only "." and "..".
func (s *Super) dirEmptyLocked(cur *sched.Task, dir *fs.Inode) (bool, error) {
	bs := int64(s.blockSize)

	for curOff := int64(0); curOff < dir.Size; curOff += bs {
		blk, ok := s.Bmap(cur, dir, curOff/bs)
		if !ok {
			break
		}

		b, err := s.cache.Bread(cur, s.common.Dev, blk)
		if err != nil {
			return false, err
		}
		for off := 0; off < s.blockSize && curOff+int64(off) < dir.Size; {
			ent := DecodeDirent(b.Data, off)
			if ent.RecLen == 0 {
				break
			}
			if ent.Ino != 0 {
				name := DirentName(b.Data, off, ent)
				if name != "." && name != ".." {
					s.cache.UnlockRelease(cur, b)
					return false, nil
				}
			}
			off += int(ent.RecLen)
		}
		s.cache.UnlockRelease(cur, b)
	}

	return true, nil
}

// Create makes a new regular (or fifo/device-less special) file entry.
func (s *Super) Create(cur *sched.Task, dir *fs.Inode, name string, mode uint32) (*fs.Inode, error) {
	if !fs.IsDir(dir.Mode) {
		return nil, kerr.ENOTDIR
	}

	dir.Lock.Lock(cur)
	if s.entryExistsLocked(cur, dir, name) {
		dir.Lock.Unlock(cur)
		return nil, kerr.EEXIST
	}

	i, err := s.InodeNew(cur, mode)
	if err != nil {
		dir.Lock.Unlock(cur)
		return nil, err
	}
	i.Nlinks.Store(1)

	if err := s.dirAddLocked(cur, dir, name, i.Ino, mode); err != nil {
		dir.Lock.Unlock(cur)
		i.Nlinks.Store(0)
		s.tbl.MarkValid(i)
		s.tbl.Put(cur, i)
		return nil, err
	}
	dir.Lock.Unlock(cur)

	dir.Mtime = s.Now()
	dir.SetDirty()

	s.tbl.MarkValid(i)
	return i, nil
}

// Mknod makes a device node, encoding the device number into the block
// pointers the way the inode reader expects.
func (s *Super) Mknod(cur *sched.Task, dir *fs.Inode, name string, mode uint32, dev uint32) (*fs.Inode, error) {
	i, err := s.Create(cur, dir, name, mode)
	if err != nil {
		return nil, err
	}
	p := priv(i)
	p.DevNo = dev
	p.BlkPtrs[1] = dev
	i.SetDirty()
	return i, nil
}

// Link adds a new name for an existing inode. Hard links to directories
// are refused.
func (s *Super) Link(cur *sched.Task, dir *fs.Inode, target *fs.Inode, name string) error {
	if !fs.IsDir(dir.Mode) {
		return kerr.ENOTDIR
	}
	if fs.IsDir(target.Mode) {
		return kerr.EPERM
	}

	dir.Lock.Lock(cur)
	if s.entryExistsLocked(cur, dir, name) {
		dir.Lock.Unlock(cur)
		return kerr.EEXIST
	}
	err := s.dirAddLocked(cur, dir, name, target.Ino, target.Mode)
	dir.Lock.Unlock(cur)
	if err != nil {
		return err
	}

	target.Nlinks.Add(1)
	target.SetDirty()
	return nil
}

// Unlink removes a non-directory name. The inode's on-disk storage goes
// away when the link count hits zero and the last reference drops.
func (s *Super) Unlink(cur *sched.Task, dir *fs.Inode, name string) error {
	if name == "." || name == ".." {
		return kerr.EINVAL
	}

	i, err := s.DirLookup(cur, dir, name)
	if err != nil {
		return err
	}
	if fs.IsDir(i.Mode) {
		s.tbl.Put(cur, i)
		return kerr.EISDIR
	}

	dir.Lock.Lock(cur)
	err = s.dirRemoveLocked(cur, dir, name)
	dir.Lock.Unlock(cur)
	if err != nil {
		s.tbl.Put(cur, i)
		return err
	}

	dir.Mtime = s.Now()
	dir.SetDirty()

	i.Nlinks.Add(-1)
	i.SetDirty()
	s.tbl.Put(cur, i)
	return nil
}

// Mkdir creates a directory: a fresh inode with "." and ".." inserted
// and the parent's link count bumped for the back-reference.
func (s *Super) Mkdir(cur *sched.Task, dir *fs.Inode, name string, mode uint32) (*fs.Inode, error) {
	if !fs.IsDir(dir.Mode) {
		return nil, kerr.ENOTDIR
	}
	mode = fs.ModeDir | (mode &^ fs.ModeTypeMask)

	dir.Lock.Lock(cur)
	if s.entryExistsLocked(cur, dir, name) {
		dir.Lock.Unlock(cur)
		return nil, kerr.EEXIST
	}

	i, err := s.InodeNew(cur, mode)
	if err != nil {
		dir.Lock.Unlock(cur)
		return nil, err
	}

	// "." counts the directory itself, ".." counts from the parent.
	i.Nlinks.Store(2)

	i.Lock.Lock(cur)
	err = s.dirAddLocked(cur, i, ".", i.Ino, fs.ModeDir)
	if err == nil {
		err = s.dirAddLocked(cur, i, "..", dir.Ino, fs.ModeDir)
	}
	i.Lock.Unlock(cur)
	if err != nil {
		dir.Lock.Unlock(cur)
		i.Nlinks.Store(0)
		s.tbl.MarkValid(i)
		s.tbl.Put(cur, i)
		return nil, err
	}

	if err := s.dirAddLocked(cur, dir, name, i.Ino, mode); err != nil {
		dir.Lock.Unlock(cur)
		i.Nlinks.Store(0)
		s.tbl.MarkValid(i)
		s.tbl.Put(cur, i)
		return nil, err
	}
	dir.Lock.Unlock(cur)

	dir.Nlinks.Add(1)
	dir.Mtime = s.Now()
	dir.SetDirty()

	s.tbl.MarkValid(i)
	return i, nil
}

// Rmdir removes an empty directory.
func (s *Super) Rmdir(cur *sched.Task, dir *fs.Inode, name string) error {
	if name == "." || name == ".." {
		return kerr.EINVAL
	}

	i, err := s.DirLookup(cur, dir, name)
	if err != nil {
		return err
	}
	if !fs.IsDir(i.Mode) {
		s.tbl.Put(cur, i)
		return kerr.ENOTDIR
	}

	i.Lock.Lock(cur)
	empty, err := s.dirEmptyLocked(cur, i)
	i.Lock.Unlock(cur)
	if err != nil {
		s.tbl.Put(cur, i)
		return err
	}
	if !empty {
		s.tbl.Put(cur, i)
		return kerr.ENOTEMPTY
	}

	dir.Lock.Lock(cur)
	err = s.dirRemoveLocked(cur, dir, name)
	dir.Lock.Unlock(cur)
	if err != nil {
		s.tbl.Put(cur, i)
		return err
	}

	// The removed name and its "." self-reference are both gone; the
	// parent loses the ".." back-reference.
	i.Nlinks.Store(0)
	i.SetDirty()
	dir.Nlinks.Add(-1)
	dir.Mtime = s.Now()
	dir.SetDirty()

	s.tbl.Put(cur, i)
	return nil
}

// ResolvePath walks an absolute path from the root, following symlinks
// with a bounded depth. The returned inode carries a reference.
func (s *Super) ResolvePath(cur *sched.Task, path string) (*fs.Inode, error) {
	return s.resolvePath(cur, path, 0)
}

const maxLinkDepth = 8

func (s *Super) resolvePath(cur *sched.Task, path string, depth int) (*fs.Inode, error) {
	if depth > maxLinkDepth {
		return nil, kerr.EINVAL
	}

	node := s.Root(cur)
	if node == nil {
		return nil, kerr.EIO
	}

	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}

		next, err := s.DirLookup(cur, node, part)
		s.tbl.Put(cur, node)
		if err != nil {
			return nil, err
		}

		if fs.IsSymlink(next.Mode) {
			target, err := s.ReadLink(cur, next)
			s.tbl.Put(cur, next)
			if err != nil {
				return nil, err
			}
			// Only absolute targets resolve here; the shape of relative
			// resolution needs the parent, which this walk has already
			// dropped.
			if !strings.HasPrefix(target, "/") {
				return nil, kerr.EINVAL
			}
			next, err = s.resolvePath(cur, target, depth+1)
			if err != nil {
				return nil, err
			}
		}

		node = next
	}

	return node, nil
}
