package ktfs

import (
	"ktos/kernel"
	"ktos/kernel/kio"
)

// Format writes an empty KTFS volume of totalBlocks blocks to backing: a
// superblock, a zeroed data-block bitmap sized to cover the volume, the
// requested number of inode blocks, and an empty root directory on inode 0.
func Format(backing kio.IO, totalBlocks, inodeBlocks uint32) *kernel.Error {
	if totalBlocks == 0 || inodeBlocks == 0 {
		return kio.ErrInval
	}

	// One bitmap block governs 4096 data blocks; covering every block of
	// the volume is more than enough for the data region.
	bitmapBlocks := (totalBlocks + BlockSize*8 - 1) / (BlockSize * 8)

	zero := make([]byte, BlockSize)
	for blk := uint32(0); blk < totalBlocks; blk++ {
		if _, err := backing.WriteAt(uint64(blk)*BlockSize, zero); err != nil {
			return err
		}
	}

	sb := Superblock{
		BlockCount:       totalBlocks,
		BitmapBlockCount: bitmapBlocks,
		InodeBlockCount:  inodeBlocks,
		RootInode:        0,
	}
	blk0 := make([]byte, BlockSize)
	sb.encode(blk0)
	if _, err := backing.WriteAt(0, blk0); err != nil {
		return err
	}
	return nil
}
