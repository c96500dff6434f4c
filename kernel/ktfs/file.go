package ktfs

import (
	"ktos/kernel"
	"ktos/kernel/cache"
	"ktos/kernel/kio"
)

// File is an open KTFS file. It carries copies of the directory entry and
// inode; inode changes are written back through the cache as they happen.
// Callers normally hold it behind a seekable wrapper.
type File struct {
	kio.Base
	fs     *FS
	dentry DirEntry
	ino    Inode
	name   string
	open   bool

	// namePos is this file's index in the open-files table.
	namePos int
}

// release runs when the last reference to the file is dropped: the file
// leaves the open-files table so it can be opened again.
func (f *File) release() {
	if !f.open {
		return
	}
	f.open = false
	f.fs.removeOpen(f)
}

// ReadAt copies up to len(buf) bytes from the file starting at pos. Reads
// beyond the end are clamped; a read starting at or past the end is an
// error.
func (f *File) ReadAt(pos uint64, buf []byte) (int, *kernel.Error) {
	return f.transfer(pos, buf, false)
}

// WriteAt copies up to len(buf) bytes into the file starting at pos. Writes
// never extend the file: callers grow it with a set-end control first, and
// a write starting at or past the end is an error.
func (f *File) WriteAt(pos uint64, buf []byte) (int, *kernel.Error) {
	return f.transfer(pos, buf, true)
}

func (f *File) transfer(pos uint64, buf []byte, write bool) (int, *kernel.Error) {
	if !f.open {
		return 0, ErrNotOpen
	}
	if len(buf) == 0 {
		return 0, nil
	}

	size := uint64(f.ino.Size)
	if pos >= size {
		return 0, kio.ErrInval
	}

	n := uint64(len(buf))
	if pos+n > size {
		n = size - pos
	}

	done := uint64(0)
	cur := pos
	end := pos + n
	for cur < end {
		ref, err := f.fs.resolve(f.ino, cur/BlockSize)
		if err != nil {
			return int(done), err
		}

		blk, err := f.fs.getDataBlock(ref)
		if err != nil {
			return int(done), err
		}

		off := cur % BlockSize
		chunk := BlockSize - off
		if end-cur < chunk {
			chunk = end - cur
		}

		mode := cache.Clean
		if write {
			copy(blk[off:off+chunk], buf[done:done+chunk])
			mode = cache.Dirty
		} else {
			copy(buf[done:done+chunk], blk[off:off+chunk])
		}
		if err := f.fs.cache.ReleaseBlock(blk, mode); err != nil {
			return int(done), err
		}

		done += chunk
		cur += chunk
	}
	return int(done), nil
}

// Cntl supports the block-size query, the size query, and growing the file
// with set-end. Shrinking is not supported.
func (f *File) Cntl(cmd int, arg *uint64) (int, *kernel.Error) {
	switch cmd {
	case kio.CntlGetBlkSz:
		return 1, nil
	case kio.CntlGetEnd:
		if arg == nil {
			return 0, kio.ErrInval
		}
		*arg = uint64(f.ino.Size)
		return 0, nil
	case kio.CntlSetEnd:
		if arg == nil {
			return 0, kio.ErrInval
		}
		return 0, f.setEnd(*arg)
	default:
		return 0, kio.ErrNotSup
	}
}

// setEnd grows the file to newSize, allocating data blocks and any missing
// indirect or double-indirect blocks block by block. Shrinking is refused.
func (f *File) setEnd(newSize uint64) *kernel.Error {
	if !f.open {
		return ErrNotOpen
	}

	size := uint64(f.ino.Size)
	switch {
	case newSize == size:
		return nil
	case newSize < size:
		return kio.ErrNotSup
	}

	for size < newSize {
		if size%BlockSize == 0 {
			// The next byte lands in an unallocated block.
			idx := size / BlockSize
			if idx == 0 {
				ref, err := f.fs.allocDataBlock()
				if err != nil {
					return err
				}
				f.ino.Direct[0] = ref
			} else if err := f.addBlock(idx - 1); err != nil {
				return err
			}
			if err := f.writeInode(); err != nil {
				return err
			}
		}

		next := (size/BlockSize + 1) * BlockSize
		if newSize < next {
			size = newSize
		} else {
			size = next
		}
	}

	f.ino.Size = uint32(size)
	return f.writeInode()
}

// addBlock allocates one data block and installs it at logical index
// oldIdx+1, allocating the indirect or double-indirect plumbing it needs on
// the way.
func (f *File) addBlock(oldIdx uint64) *kernel.Error {
	fs := f.fs
	newIdx := oldIdx + 1

	if newIdx < NumDirect {
		ref, err := fs.allocDataBlock()
		if err != nil {
			return err
		}
		f.ino.Direct[newIdx] = ref
		return nil
	}

	if newIdx < NumDirect+BlksPerIndirect {
		if newIdx == NumDirect {
			// First block behind the single-indirect tier.
			ref, err := fs.allocDataBlock()
			if err != nil {
				return err
			}
			f.ino.Indirect = ref
			if err := f.clearPointerBlock(ref); err != nil {
				return err
			}
		}

		ref, err := fs.allocDataBlock()
		if err != nil {
			return err
		}
		return f.setPointer(f.ino.Indirect, int(newIdx-NumDirect), ref)
	}

	off := newIdx - NumDirect - BlksPerIndirect

	// Entering a double-indirect tier allocates its top-level block.
	if off == 0 || off == BlksPerDindirect {
		ref, err := fs.allocDataBlock()
		if err != nil {
			return err
		}
		f.ino.Dindirect[off/BlksPerDindirect] = ref
		if err := f.clearPointerBlock(ref); err != nil {
			return err
		}
	}

	dind := 0
	if off >= BlksPerDindirect {
		dind = 1
		off -= BlksPerDindirect
	}

	indirectIdx := int(off / BlksPerIndirect)
	indirectOff := int(off % BlksPerIndirect)

	// Crossing into a fresh indirect block allocates it first.
	if indirectOff == 0 {
		ref, err := fs.allocDataBlock()
		if err != nil {
			return err
		}
		if err := f.clearPointerBlock(ref); err != nil {
			return err
		}
		if err := f.setPointer(f.ino.Dindirect[dind], indirectIdx, ref); err != nil {
			return err
		}
	}

	indirect, err := f.pointerAt(f.ino.Dindirect[dind], indirectIdx)
	if err != nil {
		return err
	}

	ref, aerr := fs.allocDataBlock()
	if aerr != nil {
		return aerr
	}
	return f.setPointer(indirect, indirectOff, ref)
}

// resolve maps a logical block index of the file to its region-relative
// data-block reference through the three pointer tiers.
func (fs *FS) resolve(ino Inode, idx uint64) (uint32, *kernel.Error) {
	if idx < NumDirect {
		return ino.Direct[idx], nil
	}

	if idx < NumDirect+BlksPerIndirect {
		return fs.pointerIn(ino.Indirect, int(idx-NumDirect))
	}

	off := idx - NumDirect - BlksPerIndirect
	if off >= uint64(NumDindirect)*BlksPerDindirect {
		return 0, kio.ErrInval
	}

	dind := 0
	if off >= BlksPerDindirect {
		dind = 1
		off -= BlksPerDindirect
	}

	indirect, err := fs.pointerIn(ino.Dindirect[dind], int(off/BlksPerIndirect))
	if err != nil {
		return 0, err
	}
	return fs.pointerIn(indirect, int(off%BlksPerIndirect))
}

// pointerIn reads entry i of the pointer block with region-relative index
// ref.
func (fs *FS) pointerIn(ref uint32, i int) (uint32, *kernel.Error) {
	blk, err := fs.getDataBlock(ref)
	if err != nil {
		return 0, err
	}
	v := leU32(blk, i)
	return v, fs.cache.ReleaseBlock(blk, cache.Clean)
}

func (f *File) pointerAt(ref uint32, i int) (uint32, *kernel.Error) {
	return f.fs.pointerIn(ref, i)
}

// setPointer writes entry i of the pointer block with region-relative index
// ref.
func (f *File) setPointer(ref uint32, i int, v uint32) *kernel.Error {
	blk, err := f.fs.getDataBlock(ref)
	if err != nil {
		return err
	}
	putLeU32(blk, i, v)
	return f.fs.cache.ReleaseBlock(blk, cache.Dirty)
}

// clearPointerBlock zeroes a freshly allocated pointer block so stale
// references never leak into the chain.
func (f *File) clearPointerBlock(ref uint32) *kernel.Error {
	blk, err := f.fs.getDataBlock(ref)
	if err != nil {
		return err
	}
	kernel.Memset(blk, 0)
	return f.fs.cache.ReleaseBlock(blk, cache.Dirty)
}

func (f *File) writeInode() *kernel.Error {
	return f.fs.writeInode(f.dentry.Inode, f.ino)
}
