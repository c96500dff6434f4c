package ktfs

import (
	"ktos/kernel"
	"ktos/kernel/cache"
	"ktos/kernel/kio"
	"ktos/kernel/thread"
)

var (
	// ErrNoEnt is returned when a file name is not in the directory.
	ErrNoEnt = &kernel.Error{Module: "ktfs", Message: "no such file", Code: kernel.CodeNoEnt}

	// ErrBusy is returned when opening an already-open file or creating
	// a duplicate name.
	ErrBusy = &kernel.Error{Module: "ktfs", Message: "file busy", Code: kernel.CodeBusy}

	// ErrNoDataBlocks is returned when the data-block bitmap has no free
	// bit left.
	ErrNoDataBlocks = &kernel.Error{Module: "ktfs", Message: "no free data blocks", Code: kernel.CodeNoDataBlks}

	// ErrDirFull is returned when the root directory or inode table is
	// exhausted.
	ErrDirFull = &kernel.Error{Module: "ktfs", Message: "too many files", Code: kernel.CodeMFile}

	// ErrBadName is returned for empty or over-long names.
	ErrBadName = &kernel.Error{Module: "ktfs", Message: "bad file name", Code: kernel.CodeInval}

	// ErrNotOpen is returned when operating on a closed file handle.
	ErrNotOpen = &kernel.Error{Module: "ktfs", Message: "file is not open", Code: kernel.CodeIO}
)

// FS is a mounted KTFS volume.
type FS struct {
	thr   *thread.Manager
	cache *cache.Cache
	disk  kio.IO

	sb   Superblock
	root Inode

	// inodeUsed tracks inode allocation in memory, one byte per inode,
	// rebuilt from the root directory at mount time.
	inodeUsed []byte

	// openFiles holds the currently open files; Close swap-removes so
	// the slice stays contiguous.
	openFiles []*File
}

// Mount creates the block cache over backing, reads the superblock and root
// inode, and rebuilds the in-memory inode-usage bitmap by scanning the root
// directory.
func Mount(thr *thread.Manager, backing kio.IO) (*FS, *kernel.Error) {
	c, err := cache.New(thr, backing)
	if err != nil {
		return nil, err
	}

	fs := &FS{thr: thr, cache: c, disk: kio.AddRef(backing)}

	blk, err := c.GetBlock(0)
	if err != nil {
		return nil, err
	}
	fs.sb = decodeSuperblock(blk)
	if err = c.ReleaseBlock(blk, cache.Clean); err != nil {
		return nil, err
	}

	if fs.root, err = fs.readInode(fs.sb.RootInode); err != nil {
		return nil, err
	}

	fs.inodeUsed = make([]byte, fs.sb.inodeCount())
	fs.inodeUsed[fs.sb.RootInode] = 1

	count := int(fs.root.Size) / DirEntrySize
	for i := 0; i < count; i++ {
		de, err := fs.readDirEntry(i)
		if err != nil {
			return nil, err
		}
		fs.inodeUsed[de.Inode] = 1
	}

	return fs, nil
}

// Flush pushes any held cache block to the backing device.
func (fs *FS) Flush() *kernel.Error {
	return fs.cache.Flush()
}

// Open opens the named file and returns a seekable endpoint over it. A file
// that is already open reports busy.
func (fs *FS) Open(name string) (kio.IO, *kernel.Error) {
	if len(name) == 0 {
		return nil, ErrNoEnt
	}

	_, de, err := fs.findEntry(name)
	if err != nil {
		return nil, err
	}

	for _, f := range fs.openFiles {
		if f.name == name {
			return nil, ErrBusy
		}
	}

	ino, err := fs.readInode(de.Inode)
	if err != nil {
		return nil, err
	}

	f := &File{fs: fs, dentry: de, ino: ino, name: name, open: true}
	kio.Init(f)
	kio.OnClose(f, f.release)
	f.namePos = len(fs.openFiles)
	fs.openFiles = append(fs.openFiles, f)

	sio, serr := kio.NewSeekIO(f)
	if serr != nil {
		fs.removeOpen(f)
		return nil, serr
	}
	kio.Close(f) // the wrapper now holds the only reference
	return sio, nil
}

// Create adds an empty file with the given name to the root directory,
// assigning it the lowest free inode.
func (fs *FS) Create(name string) *kernel.Error {
	fixed, ok := nameOf(name)
	if !ok {
		return ErrBadName
	}

	count := int(fs.root.Size) / DirEntrySize
	for i := 0; i < count; i++ {
		de, err := fs.readDirEntry(i)
		if err != nil {
			return err
		}
		if de.NameString() == name {
			return ErrBusy
		}
	}

	inode, ok := fs.findFreeInode()
	if !ok || count >= maxRootEntries {
		return ErrDirFull
	}

	// A full tail block means the directory needs a fresh data block in
	// the next direct slot of the root inode.
	if count%DirEntriesPerBlock == 0 {
		blkRef, err := fs.allocDataBlock()
		if err != nil {
			return err
		}
		fs.root.Direct[count/DirEntriesPerBlock] = blkRef
		if err := fs.writeInode(fs.sb.RootInode, fs.root); err != nil {
			return err
		}
	}

	de := DirEntry{Inode: inode, Name: fixed}
	if err := fs.writeDirEntry(count, de); err != nil {
		return err
	}

	fs.inodeUsed[inode] = 1
	fs.root.Size += DirEntrySize
	return fs.writeInode(fs.sb.RootInode, fs.root)
}

// Delete removes the named file: every data block, indirect block and
// double-indirect block it uses is returned to the bitmap, its on-disk
// inode is zeroed, and the directory stays contiguous by moving the last
// entry into the vacated slot. An open file is closed first. The changes
// are flushed to the backing device.
func (fs *FS) Delete(name string) *kernel.Error {
	slot, de, err := fs.findEntry(name)
	if err != nil {
		return err
	}

	for _, f := range fs.openFiles {
		if f.name == name {
			f.open = false
			fs.removeOpen(f)
			break
		}
	}

	ino, err := fs.readInode(de.Inode)
	if err != nil {
		return err
	}

	if err := fs.freeFileBlocks(ino); err != nil {
		return err
	}

	// Swap-remove the directory entry.
	count := int(fs.root.Size) / DirEntrySize
	last, err := fs.readDirEntry(count - 1)
	if err != nil {
		return err
	}
	if err := fs.writeDirEntry(slot, last); err != nil {
		return err
	}
	if err := fs.writeDirEntry(count-1, DirEntry{}); err != nil {
		return err
	}
	fs.root.Size -= DirEntrySize

	fs.inodeUsed[de.Inode] = 0
	if err := fs.writeInode(de.Inode, Inode{}); err != nil {
		return err
	}
	if err := fs.writeInode(fs.sb.RootInode, fs.root); err != nil {
		return err
	}
	return fs.Flush()
}

// EntryNames lists the live root-directory entries in slot order.
func (fs *FS) EntryNames() ([]string, *kernel.Error) {
	count := int(fs.root.Size) / DirEntrySize
	names := make([]string, 0, count)
	for i := 0; i < count; i++ {
		de, err := fs.readDirEntry(i)
		if err != nil {
			return nil, err
		}
		names = append(names, de.NameString())
	}
	return names, nil
}

// freeFileBlocks clears the bitmap bit of every block the file references,
// then frees the pointer blocks themselves.
func (fs *FS) freeFileBlocks(ino Inode) *kernel.Error {
	blocks := (uint64(ino.Size) + BlockSize - 1) / BlockSize
	for idx := uint64(0); idx < blocks; idx++ {
		ref, err := fs.resolve(ino, idx)
		if err != nil {
			return err
		}
		if err := fs.freeDataBlock(ref); err != nil {
			return err
		}
	}

	if blocks > NumDirect && ino.Indirect != 0 {
		if err := fs.freeDataBlock(ino.Indirect); err != nil {
			return err
		}
	}

	if blocks > NumDirect+BlksPerIndirect {
		for i := 0; i < NumDindirect; i++ {
			if ino.Dindirect[i] == 0 {
				continue
			}
			blk, err := fs.getDataBlock(ino.Dindirect[i])
			if err != nil {
				return err
			}
			var refs [BlksPerIndirect]uint32
			for j := range refs {
				refs[j] = leU32(blk, j)
			}
			if err := fs.cache.ReleaseBlock(blk, cache.Clean); err != nil {
				return err
			}
			for _, ref := range refs {
				if ref != 0 {
					if err := fs.freeDataBlock(ref); err != nil {
						return err
					}
				}
			}
			if err := fs.freeDataBlock(ino.Dindirect[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// findEntry scans the live directory entries for name.
func (fs *FS) findEntry(name string) (int, DirEntry, *kernel.Error) {
	count := int(fs.root.Size) / DirEntrySize
	for i := 0; i < count; i++ {
		de, err := fs.readDirEntry(i)
		if err != nil {
			return 0, DirEntry{}, err
		}
		if de.NameString() == name {
			return i, de, nil
		}
	}
	return 0, DirEntry{}, ErrNoEnt
}

func (fs *FS) removeOpen(f *File) {
	last := len(fs.openFiles) - 1
	fs.openFiles[f.namePos] = fs.openFiles[last]
	fs.openFiles[f.namePos].namePos = f.namePos
	fs.openFiles = fs.openFiles[:last]
}

func (fs *FS) findFreeInode() (uint16, bool) {
	for i, used := range fs.inodeUsed {
		if used == 0 {
			return uint16(i), true
		}
	}
	return 0, false
}

// readDirEntry reads live entry i of the root directory.
func (fs *FS) readDirEntry(i int) (DirEntry, *kernel.Error) {
	ref := fs.root.Direct[i/DirEntriesPerBlock]
	blk, err := fs.getDataBlock(ref)
	if err != nil {
		return DirEntry{}, err
	}
	de := decodeDirEntry(blk[(i%DirEntriesPerBlock)*DirEntrySize:])
	return de, fs.cache.ReleaseBlock(blk, cache.Clean)
}

// writeDirEntry writes entry i of the root directory.
func (fs *FS) writeDirEntry(i int, de DirEntry) *kernel.Error {
	ref := fs.root.Direct[i/DirEntriesPerBlock]
	blk, err := fs.getDataBlock(ref)
	if err != nil {
		return err
	}
	de.encode(blk[(i%DirEntriesPerBlock)*DirEntrySize:])
	return fs.cache.ReleaseBlock(blk, cache.Dirty)
}

// readInode reads inode i from the inode region.
func (fs *FS) readInode(i uint16) (Inode, *kernel.Error) {
	pos := (1 + uint64(fs.sb.BitmapBlockCount) + uint64(i)/InodesPerBlock) * BlockSize
	blk, err := fs.cache.GetBlock(pos)
	if err != nil {
		return Inode{}, err
	}
	ino := decodeInode(blk[(int(i)%InodesPerBlock)*InodeSize:])
	return ino, fs.cache.ReleaseBlock(blk, cache.Clean)
}

// writeInode persists inode i to the inode region.
func (fs *FS) writeInode(i uint16, ino Inode) *kernel.Error {
	pos := (1 + uint64(fs.sb.BitmapBlockCount) + uint64(i)/InodesPerBlock) * BlockSize
	blk, err := fs.cache.GetBlock(pos)
	if err != nil {
		return err
	}
	ino.encode(blk[(int(i)%InodesPerBlock)*InodeSize:])
	return fs.cache.ReleaseBlock(blk, cache.Dirty)
}

// getDataBlock checks out the data block with region-relative index ref.
func (fs *FS) getDataBlock(ref uint32) ([]byte, *kernel.Error) {
	return fs.cache.GetBlock((fs.sb.dataStart() + uint64(ref)) * BlockSize)
}

// allocDataBlock finds the first clear bitmap bit, scanning bits LSB-first
// within each byte, sets it and returns the data-block index it governs.
func (fs *FS) allocDataBlock() (uint32, *kernel.Error) {
	for blk := uint32(0); blk < fs.sb.BitmapBlockCount; blk++ {
		buf, err := fs.cache.GetBlock(uint64(1+blk) * BlockSize)
		if err != nil {
			return 0, err
		}
		for byteIdx := 0; byteIdx < BlockSize; byteIdx++ {
			if buf[byteIdx] == 0xff {
				continue
			}
			for bit := 0; bit < 8; bit++ {
				if buf[byteIdx]&(1<<bit) == 0 {
					buf[byteIdx] |= 1 << bit
					if err := fs.cache.ReleaseBlock(buf, cache.Dirty); err != nil {
						return 0, err
					}
					return blk*BlockSize*8 + uint32(byteIdx)*8 + uint32(bit), nil
				}
			}
		}
		if err := fs.cache.ReleaseBlock(buf, cache.Clean); err != nil {
			return 0, err
		}
	}
	return 0, ErrNoDataBlocks
}

// freeDataBlock clears the bitmap bit of the data block with region-relative
// index ref.
func (fs *FS) freeDataBlock(ref uint32) *kernel.Error {
	blkIdx := uint64(1) + uint64(ref)/(BlockSize*8)
	bitOff := ref % (BlockSize * 8)

	buf, err := fs.cache.GetBlock(blkIdx * BlockSize)
	if err != nil {
		return err
	}
	buf[bitOff/8] &^= 1 << (bitOff % 8)
	return fs.cache.ReleaseBlock(buf, cache.Dirty)
}

func leU32(b []byte, i int) uint32 {
	return uint32(b[4*i]) | uint32(b[4*i+1])<<8 | uint32(b[4*i+2])<<16 | uint32(b[4*i+3])<<24
}

func putLeU32(b []byte, i int, v uint32) {
	b[4*i] = byte(v)
	b[4*i+1] = byte(v >> 8)
	b[4*i+2] = byte(v >> 16)
	b[4*i+3] = byte(v >> 24)
}
