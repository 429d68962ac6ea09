// Package ext2 implements the ext2 filesystem engine: super-block and
// group-descriptor caching, inode I/O, bitmap allocation, three-level
// block mapping, directories, truncate, and symlinks.
package ext2

import "encoding/binary"

// On-disk constants.
const (
	Magic = 0xEF53

	// SuperOffset is the byte offset of the super-block from the start
	// of the device, regardless of block size.
	SuperOffset = 1024

	InodeSize     = 128
	GroupDescSize = 32

	// RootIno is the root directory; inode 1 holds bad blocks and the
	// first usable inode is named by the super-block.
	RootIno = 2

	DirentHeaderSize = 8

	// Feature flags recognised but not used: reads warn and carry on.
	FeatureROSparseSuper = 0x0001
	FeatureROLargeFile   = 0x0002
)

// Directory-entry file types.
const (
	DTUnknown = 0
	DTReg     = 1
	DTDir     = 2
	DTChr     = 3
	DTBlk     = 4
	DTFifo    = 5
	DTSock    = 6
	DTSymlink = 7
)

// DiskSuper is the ext2 super-block, rev 0/1 fields only.
type DiskSuper struct {
	InodesCount     uint32
	BlocksCount     uint32
	ReservedBlocks  uint32
	FreeBlocksCount uint32
	FreeInodesCount uint32
	FirstDataBlock  uint32
	LogBlockSize    uint32
	BlocksPerGroup  uint32
	InodesPerGroup  uint32
	Mtime           uint32
	Wtime           uint32
	Magic           uint16
	State           uint16
	RevLevel        uint32
	FirstIno        uint32
	InodeSize       uint16
	FeatureCompat   uint32
	FeatureIncompat uint32
	FeatureROCompat uint32
	UUID            [16]byte
	VolumeName      [16]byte
}

// BlockSize returns the filesystem block size in bytes.
func (s *DiskSuper) BlockSize() int {
	return 1024 << s.LogBlockSize
}

// UnmarshalSuper decodes a super-block from its 1024-byte on-disk form.
func UnmarshalSuper(b []byte) DiskSuper {
	le := binary.LittleEndian
	s := DiskSuper{
		InodesCount:     le.Uint32(b[0:]),
		BlocksCount:     le.Uint32(b[4:]),
		ReservedBlocks:  le.Uint32(b[8:]),
		FreeBlocksCount: le.Uint32(b[12:]),
		FreeInodesCount: le.Uint32(b[16:]),
		FirstDataBlock:  le.Uint32(b[20:]),
		LogBlockSize:    le.Uint32(b[24:]),
		BlocksPerGroup:  le.Uint32(b[32:]),
		InodesPerGroup:  le.Uint32(b[40:]),
		Mtime:           le.Uint32(b[44:]),
		Wtime:           le.Uint32(b[48:]),
		Magic:           le.Uint16(b[56:]),
		State:           le.Uint16(b[58:]),
		RevLevel:        le.Uint32(b[76:]),
		FirstIno:        le.Uint32(b[84:]),
		InodeSize:       le.Uint16(b[88:]),
		FeatureCompat:   le.Uint32(b[92:]),
		FeatureIncompat: le.Uint32(b[96:]),
		FeatureROCompat: le.Uint32(b[100:]),
	}
	copy(s.UUID[:], b[104:120])
	copy(s.VolumeName[:], b[120:136])

	// Rev 0 has fixed first-inode and inode-size values.
	if s.RevLevel == 0 {
		s.FirstIno = 11
		s.InodeSize = InodeSize
	}
	return s
}

// MarshalSuper encodes the super-block into b (at least 1024 bytes).
func MarshalSuper(b []byte, s *DiskSuper) {
	le := binary.LittleEndian
	le.PutUint32(b[0:], s.InodesCount)
	le.PutUint32(b[4:], s.BlocksCount)
	le.PutUint32(b[8:], s.ReservedBlocks)
	le.PutUint32(b[12:], s.FreeBlocksCount)
	le.PutUint32(b[16:], s.FreeInodesCount)
	le.PutUint32(b[20:], s.FirstDataBlock)
	le.PutUint32(b[24:], s.LogBlockSize)
	le.PutUint32(b[32:], s.BlocksPerGroup)
	le.PutUint32(b[40:], s.InodesPerGroup)
	le.PutUint32(b[44:], s.Mtime)
	le.PutUint32(b[48:], s.Wtime)
	le.PutUint16(b[56:], s.Magic)
	le.PutUint16(b[58:], s.State)
	le.PutUint32(b[76:], s.RevLevel)
	le.PutUint32(b[84:], s.FirstIno)
	le.PutUint16(b[88:], s.InodeSize)
	le.PutUint32(b[92:], s.FeatureCompat)
	le.PutUint32(b[96:], s.FeatureIncompat)
	le.PutUint32(b[100:], s.FeatureROCompat)
	copy(b[104:120], s.UUID[:])
	copy(b[120:136], s.VolumeName[:])
}

// DiskGroup is one block-group descriptor.
type DiskGroup struct {
	BlockBitmap     uint32
	InodeBitmap     uint32
	InodeTable      uint32
	FreeBlocksCount uint16
	FreeInodesCount uint16
	UsedDirsCount   uint16
}

// UnmarshalGroup decodes a 32-byte group descriptor.
func UnmarshalGroup(b []byte) DiskGroup {
	le := binary.LittleEndian
	return DiskGroup{
		BlockBitmap:     le.Uint32(b[0:]),
		InodeBitmap:     le.Uint32(b[4:]),
		InodeTable:      le.Uint32(b[8:]),
		FreeBlocksCount: le.Uint16(b[12:]),
		FreeInodesCount: le.Uint16(b[14:]),
		UsedDirsCount:   le.Uint16(b[16:]),
	}
}

// MarshalGroup encodes a group descriptor into b.
func MarshalGroup(b []byte, g *DiskGroup) {
	le := binary.LittleEndian
	le.PutUint32(b[0:], g.BlockBitmap)
	le.PutUint32(b[4:], g.InodeBitmap)
	le.PutUint32(b[8:], g.InodeTable)
	le.PutUint16(b[12:], g.FreeBlocksCount)
	le.PutUint16(b[14:], g.FreeInodesCount)
	le.PutUint16(b[16:], g.UsedDirsCount)
}

// DiskInode is the 128-byte on-disk inode.
type DiskInode struct {
	Mode    uint16
	Uid     uint16
	Size    uint32
	Atime   uint32
	Ctime   uint32
	Mtime   uint32
	Dtime   uint32
	Gid     uint16
	Links   uint16
	Blocks  uint32 // 512-byte units
	Flags   uint32
	BlkPtrs [15]uint32
}

// UnmarshalInode decodes an on-disk inode.
func UnmarshalInode(b []byte) DiskInode {
	le := binary.LittleEndian
	di := DiskInode{
		Mode:   le.Uint16(b[0:]),
		Uid:    le.Uint16(b[2:]),
		Size:   le.Uint32(b[4:]),
		Atime:  le.Uint32(b[8:]),
		Ctime:  le.Uint32(b[12:]),
		Mtime:  le.Uint32(b[16:]),
		Dtime:  le.Uint32(b[20:]),
		Gid:    le.Uint16(b[24:]),
		Links:  le.Uint16(b[26:]),
		Blocks: le.Uint32(b[28:]),
		Flags:  le.Uint32(b[32:]),
	}
	for i := 0; i < 15; i++ {
		di.BlkPtrs[i] = le.Uint32(b[40+i*4:])
	}
	return di
}

// MarshalInode encodes an inode into b (at least InodeSize bytes).
func MarshalInode(b []byte, di *DiskInode) {
	le := binary.LittleEndian
	le.PutUint16(b[0:], di.Mode)
	le.PutUint16(b[2:], di.Uid)
	le.PutUint32(b[4:], di.Size)
	le.PutUint32(b[8:], di.Atime)
	le.PutUint32(b[12:], di.Ctime)
	le.PutUint32(b[16:], di.Mtime)
	le.PutUint32(b[20:], di.Dtime)
	le.PutUint16(b[24:], di.Gid)
	le.PutUint16(b[26:], di.Links)
	le.PutUint32(b[28:], di.Blocks)
	le.PutUint32(b[32:], di.Flags)
	for i := 0; i < 15; i++ {
		le.PutUint32(b[40+i*4:], di.BlkPtrs[i])
	}
}

// Dirent is the decoded header of one variable-length directory record:
// (ino, rec_len, name_len, type, name). A zero ino marks an empty slot.
type Dirent struct {
	Ino     uint32
	RecLen  uint16
	NameLen uint8
	Type    uint8
}

// DecodeDirent reads a record header at off in a directory block.
func DecodeDirent(b []byte, off int) Dirent {
	le := binary.LittleEndian
	return Dirent{
		Ino:     le.Uint32(b[off:]),
		RecLen:  le.Uint16(b[off+4:]),
		NameLen: b[off+6],
		Type:    b[off+7],
	}
}

// EncodeDirent writes a record header at off.
func EncodeDirent(b []byte, off int, d Dirent) {
	le := binary.LittleEndian
	le.PutUint32(b[off:], d.Ino)
	le.PutUint16(b[off+4:], d.RecLen)
	b[off+6] = d.NameLen
	b[off+7] = d.Type
}

// DirentName extracts a record's name bytes.
func DirentName(b []byte, off int, d Dirent) string {
	return string(b[off+DirentHeaderSize : off+DirentHeaderSize+int(d.NameLen)])
}

// DirentRecLen returns the record length needed for a name, header
// included, aligned to 4 bytes.
func DirentRecLen(nameLen int) int {
	return DirentHeaderSize + (nameLen+3)&^3
}

// ModeToDirentType maps an inode mode to the directory-entry type byte.
func ModeToDirentType(mode uint32) uint8 {
	switch mode & 0xF000 {
	case 0x8000:
		return DTReg
	case 0x4000:
		return DTDir
	case 0x2000:
		return DTChr
	case 0x6000:
		return DTBlk
	case 0x1000:
		return DTFifo
	case 0xC000:
		return DTSock
	case 0xA000:
		return DTSymlink
	}
	return DTUnknown
}
