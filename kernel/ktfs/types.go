// Package ktfs implements the KTFS on-disk filesystem: a superblock, a
// data-block bitmap, a packed inode region and a flat root directory, with
// three tiers of block pointers per inode (direct, single-indirect and
// double-indirect). All multi-byte on-disk values are little-endian.
package ktfs

import "encoding/binary"

const (
	// BlockSize is the filesystem block size in bytes.
	BlockSize = 512

	// MaxFileNameLen is the longest directory-entry name, in bytes.
	MaxFileNameLen = 14

	// InodeSize is the packed size of an inode on disk.
	InodeSize = 32

	// DirEntrySize is the size of a directory-entry slot on disk; the
	// 16 live bytes are followed by 16 bytes of padding.
	DirEntrySize = 32

	// InodesPerBlock is the number of inodes packed into one block.
	InodesPerBlock = BlockSize / InodeSize

	// DirEntriesPerBlock is the number of entries in a directory block.
	DirEntriesPerBlock = BlockSize / DirEntrySize

	// NumDirect is the number of direct block references per inode.
	NumDirect = 3

	// NumDindirect is the number of double-indirect references per inode.
	NumDindirect = 2

	// BlksPerIndirect is the number of block references held by one
	// indirect block.
	BlksPerIndirect = BlockSize / 4

	// BlksPerDindirect is the number of data blocks reachable through
	// one double-indirect block.
	BlksPerDindirect = BlksPerIndirect * BlksPerIndirect

	// maxRootEntries caps the root directory at its direct blocks.
	maxRootEntries = NumDirect * DirEntriesPerBlock

	// superblockSize is the packed size of the superblock fields.
	superblockSize = 14
)

// Superblock is block 0 of the volume.
type Superblock struct {
	// BlockCount is the total number of blocks on the volume.
	BlockCount uint32

	// BitmapBlockCount is the number of data-block bitmap blocks
	// following the superblock.
	BitmapBlockCount uint32

	// InodeBlockCount is the number of inode blocks following the
	// bitmap.
	InodeBlockCount uint32

	// RootInode identifies the root directory's inode.
	RootInode uint16
}

func decodeSuperblock(b []byte) Superblock {
	return Superblock{
		BlockCount:       binary.LittleEndian.Uint32(b[0:]),
		BitmapBlockCount: binary.LittleEndian.Uint32(b[4:]),
		InodeBlockCount:  binary.LittleEndian.Uint32(b[8:]),
		RootInode:        binary.LittleEndian.Uint16(b[12:]),
	}
}

func (sb Superblock) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], sb.BlockCount)
	binary.LittleEndian.PutUint32(b[4:], sb.BitmapBlockCount)
	binary.LittleEndian.PutUint32(b[8:], sb.InodeBlockCount)
	binary.LittleEndian.PutUint16(b[12:], sb.RootInode)
}

// dataStart returns the block index of the first data block; every block
// reference stored in an inode is relative to it.
func (sb Superblock) dataStart() uint64 {
	return 1 + uint64(sb.BitmapBlockCount) + uint64(sb.InodeBlockCount)
}

// inodeCount is the number of inode slots on the volume.
func (sb Superblock) inodeCount() int {
	return InodesPerBlock * int(sb.InodeBlockCount)
}

// Inode is the fixed-size metadata record of one file. Block references are
// indices into the data-block region.
type Inode struct {
	Size      uint32
	Flags     uint32
	Direct    [NumDirect]uint32
	Indirect  uint32
	Dindirect [NumDindirect]uint32
}

func decodeInode(b []byte) Inode {
	var ino Inode
	ino.Size = binary.LittleEndian.Uint32(b[0:])
	ino.Flags = binary.LittleEndian.Uint32(b[4:])
	for i := 0; i < NumDirect; i++ {
		ino.Direct[i] = binary.LittleEndian.Uint32(b[8+4*i:])
	}
	ino.Indirect = binary.LittleEndian.Uint32(b[20:])
	for i := 0; i < NumDindirect; i++ {
		ino.Dindirect[i] = binary.LittleEndian.Uint32(b[24+4*i:])
	}
	return ino
}

func (ino Inode) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], ino.Size)
	binary.LittleEndian.PutUint32(b[4:], ino.Flags)
	for i := 0; i < NumDirect; i++ {
		binary.LittleEndian.PutUint32(b[8+4*i:], ino.Direct[i])
	}
	binary.LittleEndian.PutUint32(b[20:], ino.Indirect)
	for i := 0; i < NumDindirect; i++ {
		binary.LittleEndian.PutUint32(b[24+4*i:], ino.Dindirect[i])
	}
}

// DirEntry is one root-directory entry. A name shorter than the maximum is
// zero-terminated on disk.
type DirEntry struct {
	Inode uint16
	Name  [MaxFileNameLen]byte
}

func decodeDirEntry(b []byte) DirEntry {
	var de DirEntry
	de.Inode = binary.LittleEndian.Uint16(b[0:])
	copy(de.Name[:], b[2:2+MaxFileNameLen])
	return de
}

func (de DirEntry) encode(b []byte) {
	for i := range b[:DirEntrySize] {
		b[i] = 0
	}
	binary.LittleEndian.PutUint16(b[0:], de.Inode)
	copy(b[2:], de.Name[:])
}

// NameString returns the entry name as a Go string.
func (de DirEntry) NameString() string {
	for i, c := range de.Name {
		if c == 0 {
			return string(de.Name[:i])
		}
	}
	return string(de.Name[:])
}

// nameOf builds the fixed-size on-disk name field, or false when name does
// not fit.
func nameOf(name string) ([MaxFileNameLen]byte, bool) {
	var out [MaxFileNameLen]byte
	if len(name) == 0 || len(name) > MaxFileNameLen {
		return out, false
	}
	copy(out[:], name)
	return out, true
}
