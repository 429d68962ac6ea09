package ext2_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/kernos"
	"github.com/behrlich/kernos/internal/block"
	"github.com/behrlich/kernos/internal/fs"
	"github.com/behrlich/kernos/internal/fs/ext2"
	"github.com/behrlich/kernos/internal/kerr"
	"github.com/behrlich/kernos/internal/sched"
)

// newFS makes a fresh filesystem on a mock device and mounts it.
func newFS(t *testing.T, sizeMB int, blockSize int) (*sched.Task, *ext2.Super, *kernos.MockBlockDevice, *block.Cache) {
	t.Helper()

	cur := kernos.TestTask("ext2-test")
	dev := kernos.NewMockBlockDevice("hda", blockSize, int64(sizeMB)<<20)
	cache := block.NewCache()
	tbl := fs.NewInodeTable()

	require.NoError(t, ext2.Mkfs(cur, cache, dev, ext2.MkfsOptions{VolumeName: "test"}))

	super, err := ext2.Mount(cur, cache, tbl, dev)
	require.NoError(t, err)
	return cur, super, dev, cache
}

func TestMkfsAndMount(t *testing.T) {
	cur, super, _, _ := newFS(t, 16, 1024)

	root := super.Root(cur)
	require.NotNil(t, root)
	assert.True(t, fs.IsDir(root.Mode))
	assert.Equal(t, fs.Ino(2), root.Ino)
	assert.Equal(t, int32(2), root.Nlinks.Load())

	// The fresh root holds exactly "." and "..", both naming the root.
	entries, err := super.DirEntries(cur, root)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, fs.Ino(2), e.Ino)
	}

	super.Table().Put(cur, root)
}

func TestFileRoundTrip(t *testing.T) {
	cur, super, _, _ := newFS(t, 16, 1024)
	tbl := super.Table()

	root := super.Root(cur)
	require.NotNil(t, root)

	tmp, err := super.Mkdir(cur, root, "tmp", 0755)
	require.NoError(t, err)

	freeBefore := super.FreeBlocks(cur)

	file, err := super.Create(cur, tmp, "a", fs.ModeFile|0644)
	require.NoError(t, err)

	content := []byte("AAAABBBBCCCCDDDDEEEEFFFF")
	n, err := super.Write(cur, file, 0, content)
	require.NoError(t, err)
	assert.Equal(t, len(content), n)

	// Seek 0, read 24 bytes: the literal content comes back.
	got := make([]byte, len(content))
	n, err = super.Read(cur, file, 0, got)
	require.NoError(t, err)
	assert.Equal(t, len(content), n)
	assert.Equal(t, content, got)

	// Lookup through the directory finds the same inode.
	found, err := super.DirLookup(cur, tmp, "a")
	require.NoError(t, err)
	assert.Same(t, file, found)
	tbl.Put(cur, found)

	// Unlink and drop: the data blocks come back to the allocator.
	blocksUsed := freeBefore - super.FreeBlocks(cur)
	assert.Greater(t, blocksUsed, uint32(0))

	require.NoError(t, super.Unlink(cur, tmp, "a"))
	tbl.Put(cur, file)

	assert.Equal(t, freeBefore, super.FreeBlocks(cur),
		"free counters advance by the number of blocks freed")

	_, err = super.DirLookup(cur, tmp, "a")
	assert.Equal(t, kerr.ENOENT, err)

	tbl.Put(cur, tmp)
	tbl.Put(cur, root)
}

func TestTruncateZeroesKeptTail(t *testing.T) {
	cur, super, _, _ := newFS(t, 16, 1024)
	tbl := super.Table()

	root := super.Root(cur)
	file, err := super.Create(cur, root, "big", fs.ModeFile|0644)
	require.NoError(t, err)

	// 40 KiB of non-zero bytes spans the direct and singly indirect
	// trees at this block size.
	payload := bytes.Repeat([]byte{0x5A}, 40<<10)
	_, err = super.Write(cur, file, 0, payload)
	require.NoError(t, err)

	freeAfterWrite := super.FreeBlocks(cur)

	require.NoError(t, super.Truncate(cur, file, 1<<10))
	assert.Equal(t, int64(1<<10), file.Size)
	assert.Greater(t, super.FreeBlocks(cur), freeAfterWrite, "truncate released blocks")

	// The kept kilobyte still reads back; everything past it is gone.
	got := make([]byte, 2<<10)
	n, err := super.Read(cur, file, 0, got)
	require.NoError(t, err)
	assert.Equal(t, 1<<10, n)
	assert.Equal(t, payload[:1<<10], got[:n])

	// Growing the file again exposes only zeros past the old end.
	require.NoError(t, super.Truncate(cur, file, 3<<10))
	got = make([]byte, 2<<10)
	n, err = super.Read(cur, file, 1<<10, got)
	require.NoError(t, err)
	assert.Equal(t, 2<<10, n)
	assert.Equal(t, make([]byte, 2<<10), got[:n], "tail past the kept block reads back zero")

	tbl.Put(cur, file)
	tbl.Put(cur, root)
}

func TestTruncateUnalignedTailZeroed(t *testing.T) {
	cur, super, _, _ := newFS(t, 16, 1024)
	tbl := super.Table()

	root := super.Root(cur)
	file, err := super.Create(cur, root, "odd", fs.ModeFile|0644)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0xFF}, 2048)
	_, err = super.Write(cur, file, 0, payload)
	require.NoError(t, err)

	// Truncate into the middle of the first block; the tail of that
	// kept block must be zeroed on disk.
	require.NoError(t, super.Truncate(cur, file, 100))

	require.NoError(t, super.Truncate(cur, file, 1024))
	got := make([]byte, 1024)
	n, err := super.Read(cur, file, 0, got)
	require.NoError(t, err)
	assert.Equal(t, 1024, n)
	assert.Equal(t, payload[:100], got[:100])
	assert.Equal(t, make([]byte, 924), got[100:], "bytes past the truncation point are zero")

	tbl.Put(cur, file)
	tbl.Put(cur, root)
}

func TestBlockAllocReleaseRoundTrip(t *testing.T) {
	cur, super, _, _ := newFS(t, 16, 1024)

	before := super.FreeBlocks(cur)

	var blocks []uint32
	for i := 0; i < 10; i++ {
		blk, err := super.BlockAlloc(cur)
		require.NoError(t, err)
		blocks = append(blocks, blk)
	}
	assert.Equal(t, before-10, super.FreeBlocks(cur))

	// No block is handed out twice.
	seen := map[uint32]bool{}
	for _, blk := range blocks {
		assert.False(t, seen[blk])
		seen[blk] = true
	}

	for _, blk := range blocks {
		require.NoError(t, super.BlockRelease(cur, blk))
	}
	assert.Equal(t, before, super.FreeBlocks(cur),
		"allocate/release returns the counters to their original values")
}

func TestDirectoryAddLookupRemove(t *testing.T) {
	cur, super, _, _ := newFS(t, 16, 1024)
	tbl := super.Table()

	root := super.Root(cur)

	names := []string{"alpha", "b", "a-much-longer-name-entry", "delta"}
	inos := map[string]fs.Ino{}
	for _, name := range names {
		f, err := super.Create(cur, root, name, fs.ModeFile|0644)
		require.NoError(t, err, name)
		inos[name] = f.Ino
		tbl.Put(cur, f)
	}

	// After add(name, ino), lookup(name) returns ino.
	for _, name := range names {
		f, err := super.DirLookup(cur, root, name)
		require.NoError(t, err, name)
		assert.Equal(t, inos[name], f.Ino)
		tbl.Put(cur, f)
	}

	// Duplicate names are refused.
	_, err := super.Create(cur, root, "alpha", fs.ModeFile|0644)
	assert.Equal(t, kerr.EEXIST, err)

	// Remove one and the slack merges back; lookups for it fail, the
	// rest survive.
	require.NoError(t, super.Unlink(cur, root, "b"))
	_, err = super.DirLookup(cur, root, "b")
	assert.Equal(t, kerr.ENOENT, err)

	for _, name := range []string{"alpha", "a-much-longer-name-entry", "delta"} {
		f, err := super.DirLookup(cur, root, name)
		require.NoError(t, err, name)
		tbl.Put(cur, f)
	}

	// The freed slot is reusable.
	f, err := super.Create(cur, root, "bb", fs.ModeFile|0644)
	require.NoError(t, err)
	tbl.Put(cur, f)

	tbl.Put(cur, root)
}

func TestDirectoryGrowsPastOneBlock(t *testing.T) {
	cur, super, _, _ := newFS(t, 16, 1024)
	tbl := super.Table()

	root := super.Root(cur)
	dir, err := super.Mkdir(cur, root, "many", 0755)
	require.NoError(t, err)

	// Enough entries to spill past the first directory block.
	var names []string
	for i := 0; i < 80; i++ {
		names = append(names, "entry-with-a-reasonably-long-name-"+string(rune('a'+i%26))+string(rune('0'+i/26)))
	}

	for _, name := range names {
		f, err := super.Create(cur, dir, name, fs.ModeFile|0644)
		require.NoError(t, err, name)
		tbl.Put(cur, f)
	}
	assert.Greater(t, dir.Size, int64(1024), "directory grew by whole blocks")

	for _, name := range names {
		f, err := super.DirLookup(cur, dir, name)
		require.NoError(t, err, name)
		tbl.Put(cur, f)
	}

	tbl.Put(cur, dir)
	tbl.Put(cur, root)
}

func TestMkdirRmdir(t *testing.T) {
	cur, super, _, _ := newFS(t, 16, 1024)
	tbl := super.Table()

	root := super.Root(cur)
	rootLinks := root.Nlinks.Load()

	dir, err := super.Mkdir(cur, root, "sub", 0755)
	require.NoError(t, err)

	// "." and ".." in place, parent link bumped.
	assert.Equal(t, int32(2), dir.Nlinks.Load())
	assert.Equal(t, rootLinks+1, root.Nlinks.Load())

	dot, err := super.DirLookup(cur, dir, ".")
	require.NoError(t, err)
	assert.Same(t, dir, dot)
	tbl.Put(cur, dot)

	dotdot, err := super.DirLookup(cur, dir, "..")
	require.NoError(t, err)
	assert.Same(t, root, dotdot)
	tbl.Put(cur, dotdot)

	// A non-empty directory cannot be removed.
	f, err := super.Create(cur, dir, "blocker", fs.ModeFile|0644)
	require.NoError(t, err)
	tbl.Put(cur, f)
	assert.Equal(t, kerr.ENOTEMPTY, super.Rmdir(cur, root, "sub"))

	require.NoError(t, super.Unlink(cur, dir, "blocker"))
	require.NoError(t, super.Rmdir(cur, root, "sub"))
	assert.Equal(t, rootLinks, root.Nlinks.Load())

	_, err = super.DirLookup(cur, root, "sub")
	assert.Equal(t, kerr.ENOENT, err)

	tbl.Put(cur, dir)
	tbl.Put(cur, root)
}

func TestHardLink(t *testing.T) {
	cur, super, _, _ := newFS(t, 16, 1024)
	tbl := super.Table()

	root := super.Root(cur)
	file, err := super.Create(cur, root, "orig", fs.ModeFile|0644)
	require.NoError(t, err)

	_, err = super.Write(cur, file, 0, []byte("shared"))
	require.NoError(t, err)

	require.NoError(t, super.Link(cur, root, file, "alias"))
	assert.Equal(t, int32(2), file.Nlinks.Load())

	alias, err := super.DirLookup(cur, root, "alias")
	require.NoError(t, err)
	assert.Same(t, file, alias)

	// Dropping one name keeps the content reachable by the other.
	require.NoError(t, super.Unlink(cur, root, "orig"))
	assert.Equal(t, int32(1), file.Nlinks.Load())

	got := make([]byte, 6)
	_, err = super.Read(cur, alias, 0, got)
	require.NoError(t, err)
	assert.Equal(t, []byte("shared"), got)

	tbl.Put(cur, alias)
	tbl.Put(cur, file)
	tbl.Put(cur, root)
}

func TestSymlinkInlineAndBlock(t *testing.T) {
	cur, super, _, _ := newFS(t, 16, 1024)
	tbl := super.Table()

	root := super.Root(cur)

	// Short targets are stored inline in the block-pointer array.
	short, err := super.Symlink(cur, root, "short", "/target")
	require.NoError(t, err)
	assert.Zero(t, short.Blocks)

	target, err := super.ReadLink(cur, short)
	require.NoError(t, err)
	assert.Equal(t, "/target", target)

	// Long targets live in the first data block.
	longTarget := "/" + string(bytes.Repeat([]byte{'x'}, 100))
	long, err := super.Symlink(cur, root, "long", longTarget)
	require.NoError(t, err)
	assert.NotZero(t, long.Blocks)

	target, err = super.ReadLink(cur, long)
	require.NoError(t, err)
	assert.Equal(t, longTarget, target)

	tbl.Put(cur, short)
	tbl.Put(cur, long)
	tbl.Put(cur, root)
}

func TestResolvePathFollowsSymlinks(t *testing.T) {
	cur, super, _, _ := newFS(t, 16, 1024)
	tbl := super.Table()

	root := super.Root(cur)
	etc, err := super.Mkdir(cur, root, "etc", 0755)
	require.NoError(t, err)

	conf, err := super.Create(cur, etc, "config", fs.ModeFile|0644)
	require.NoError(t, err)

	link, err := super.Symlink(cur, root, "cfg", "/etc/config")
	require.NoError(t, err)
	tbl.Put(cur, link)

	resolved, err := super.ResolvePath(cur, "/cfg")
	require.NoError(t, err)
	assert.Same(t, conf, resolved)
	tbl.Put(cur, resolved)

	resolved, err = super.ResolvePath(cur, "/etc/config")
	require.NoError(t, err)
	assert.Same(t, conf, resolved)
	tbl.Put(cur, resolved)

	_, err = super.ResolvePath(cur, "/etc/missing")
	assert.Equal(t, kerr.ENOENT, err)

	tbl.Put(cur, conf)
	tbl.Put(cur, etc)
	tbl.Put(cur, root)
}

func TestIndirectBlockMapping(t *testing.T) {
	cur, super, _, _ := newFS(t, 16, 1024)
	tbl := super.Table()

	root := super.Root(cur)
	file, err := super.Create(cur, root, "sparse", fs.ModeFile|0644)
	require.NoError(t, err)

	bs := int64(1024)
	ptrs := bs / 4 // 256 pointers per indirect block

	// One block in each region: direct, singly, and doubly indirect.
	offsets := []int64{
		0,                     // direct
		5 * bs,                // direct
		(12 + 10) * bs,        // singly indirect
		(12 + ptrs + 100) * bs, // doubly indirect
	}

	for n, off := range offsets {
		payload := bytes.Repeat([]byte{byte(n + 1)}, 64)
		_, err := super.Write(cur, file, off, payload)
		require.NoError(t, err, "offset %d", off)
	}

	for n, off := range offsets {
		got := make([]byte, 64)
		_, err := super.Read(cur, file, off, got)
		require.NoError(t, err)
		assert.Equal(t, bytes.Repeat([]byte{byte(n + 1)}, 64), got, "offset %d", off)
	}

	// Holes between the mapped blocks read back as zeros.
	got := make([]byte, 64)
	_, err = super.Read(cur, file, 64*bs, got)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 64), got)

	// Everything comes back after a truncate to zero.
	freeBefore := super.FreeBlocks(cur)
	require.NoError(t, super.Truncate(cur, file, 0))
	assert.Greater(t, super.FreeBlocks(cur), freeBefore)

	tbl.Put(cur, file)
	tbl.Put(cur, root)
}

func TestWritebackPersistsAcrossRemount(t *testing.T) {
	cur := kernos.TestTask("remount")
	dev := kernos.NewMockBlockDevice("hda", 1024, 16<<20)
	cache := block.NewCache()
	tbl := fs.NewInodeTable()

	require.NoError(t, ext2.Mkfs(cur, cache, dev, ext2.MkfsOptions{VolumeName: "persist"}))

	super, err := ext2.Mount(cur, cache, tbl, dev)
	require.NoError(t, err)

	root := super.Root(cur)
	file, err := super.Create(cur, root, "keep", fs.ModeFile|0644)
	require.NoError(t, err)
	_, err = super.Write(cur, file, 0, []byte("survives remount"))
	require.NoError(t, err)

	tbl.Put(cur, file)
	tbl.Put(cur, root)

	// Flush everything and mount again through a cold cache.
	tbl.SyncAll(cur, true)
	require.NoError(t, super.SyncSuper(cur))
	require.NoError(t, cache.Sync(cur, dev))

	cache2 := block.NewCache()
	tbl2 := fs.NewInodeTable()
	super2, err := ext2.Mount(cur, cache2, tbl2, dev)
	require.NoError(t, err)

	root2 := super2.Root(cur)
	require.NotNil(t, root2)
	file2, err := super2.DirLookup(cur, root2, "keep")
	require.NoError(t, err)

	got := make([]byte, 16)
	_, err = super2.Read(cur, file2, 0, got)
	require.NoError(t, err)
	assert.Equal(t, []byte("survives remount"), got)

	tbl2.Put(cur, file2)
	tbl2.Put(cur, root2)
}
