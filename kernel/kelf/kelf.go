// Package kelf loads ELF64 executables into user memory. Only statically
// linked little-endian RISC-V executables whose segments fall entirely
// inside user memory are accepted.
package kelf

import (
	"encoding/binary"

	"ktos/kernel"
	"ktos/kernel/kio"
	"ktos/kernel/mm"
	"ktos/kernel/mm/vmm"
)

const (
	ehdrSize = 64
	phdrSize = 56

	// e_ident offsets.
	eiClass   = 4
	eiData    = 5
	eiVersion = 6

	elfClass64   = 2
	elfData2LSB  = 1
	evCurrent    = 1
	etExec       = 2
	emRISCV      = 243
	ptLoad       = 1
	pfExec       = 0x1
	pfWrite      = 0x2
	pfRead       = 0x4
	elfMagic     = "\x7fELF"
	maxSegments  = 64
)

var (
	// ErrBadFormat is returned for headers that are not a 64-bit
	// little-endian RISC-V executable.
	ErrBadFormat = &kernel.Error{Module: "kelf", Message: "not a loadable RISC-V ELF64 executable", Code: kernel.CodeBadFmt}

	// ErrAccess is returned when a segment falls outside user memory.
	ErrAccess = &kernel.Error{Module: "kelf", Message: "segment outside user memory", Code: kernel.CodeAccess}

	// ErrShortRead is returned when the image is truncated.
	ErrShortRead = &kernel.Error{Module: "kelf", Message: "short read from executable", Code: kernel.CodeIO}
)

// Load validates the executable behind elfio, maps and populates every
// PT_LOAD segment into the active address space, and returns the entry
// address.
func Load(elfio kio.IO, mmu *vmm.MMU) (uint64, *kernel.Error) {
	var ehdr [ehdrSize]byte
	if n, err := elfio.ReadAt(0, ehdr[:]); err != nil {
		return 0, err
	} else if n != ehdrSize {
		return 0, ErrShortRead
	}

	if string(ehdr[:4]) != elfMagic ||
		ehdr[eiClass] != elfClass64 ||
		ehdr[eiData] != elfData2LSB ||
		ehdr[eiVersion] != evCurrent {
		return 0, ErrBadFormat
	}
	if binary.LittleEndian.Uint16(ehdr[18:]) != emRISCV {
		return 0, ErrBadFormat
	}
	if binary.LittleEndian.Uint16(ehdr[16:]) != etExec {
		return 0, ErrBadFormat
	}

	entry := binary.LittleEndian.Uint64(ehdr[24:])
	if entry < mm.UserStart || entry >= mm.UserEnd {
		return 0, ErrAccess
	}

	phoff := binary.LittleEndian.Uint64(ehdr[32:])
	phentsize := uint64(binary.LittleEndian.Uint16(ehdr[54:]))
	phnum := int(binary.LittleEndian.Uint16(ehdr[56:]))
	if phentsize < phdrSize || phnum > maxSegments {
		return 0, ErrBadFormat
	}

	var phdr [phdrSize]byte
	for i := 0; i < phnum; i++ {
		if n, err := elfio.ReadAt(phoff+uint64(i)*phentsize, phdr[:]); err != nil {
			return 0, err
		} else if n != phdrSize {
			return 0, ErrShortRead
		}

		ptype := binary.LittleEndian.Uint32(phdr[0:])
		if ptype != ptLoad {
			continue
		}

		flags := binary.LittleEndian.Uint32(phdr[4:])
		offset := binary.LittleEndian.Uint64(phdr[8:])
		vaddr := binary.LittleEndian.Uint64(phdr[16:])
		filesz := binary.LittleEndian.Uint64(phdr[32:])
		memsz := binary.LittleEndian.Uint64(phdr[40:])

		if memsz == 0 || filesz > memsz {
			continue
		}
		if vaddr < mm.UserStart || vaddr+memsz > mm.UserEnd || vaddr+memsz < vaddr {
			return 0, ErrAccess
		}

		// Map writable first so the segment contents can be copied in,
		// then drop to the segment's own permissions. The mapped range
		// covers the whole pages the segment touches.
		base := vaddr &^ (mm.PageSize - 1)
		span := memsz + (vaddr - base)
		if _, err := mmu.AllocAndMapRange(base, span, vmm.FlagRead|vmm.FlagWrite|vmm.FlagUser); err != nil {
			return 0, err
		}

		if filesz > 0 {
			data := make([]byte, filesz)
			if n, err := elfio.ReadAt(offset, data); err != nil {
				return 0, err
			} else if uint64(n) != filesz {
				return 0, ErrShortRead
			}
			if err := mmu.WriteUser(vaddr, data); err != nil {
				return 0, err
			}
		}
		if memsz > filesz {
			if err := mmu.WriteUser(vaddr+filesz, make([]byte, memsz-filesz)); err != nil {
				return 0, err
			}
		}

		perm := vmm.FlagUser
		if flags&pfRead != 0 {
			perm |= vmm.FlagRead
		}
		if flags&pfWrite != 0 {
			perm |= vmm.FlagWrite
		}
		if flags&pfExec != 0 {
			perm |= vmm.FlagExec
		}
		mmu.SetRangeFlags(base, span, perm)
	}

	return entry, nil
}
