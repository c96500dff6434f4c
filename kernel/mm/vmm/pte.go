package vmm

import "ktos/kernel/mm"

// EntryFlag describes a flag that can be applied to a page table entry.
type EntryFlag uint64

const (
	// FlagValid marks an entry as present.
	FlagValid EntryFlag = 1 << iota

	// FlagRead is set if the page can be read.
	FlagRead

	// FlagWrite is set if the page can be written to.
	FlagWrite

	// FlagExec is set if the page contains executable code.
	FlagExec

	// FlagUser is set if user-mode code can access this page. If not set
	// only supervisor code can access it.
	FlagUser

	// FlagGlobal marks a mapping shared by every address space. Global
	// entries are the single source of truth for "kernel-shared": they
	// are never copied or freed by address-space lifecycle operations.
	FlagGlobal

	// FlagAccessed is set by the hardware when the page is accessed.
	FlagAccessed

	// FlagDirty is set by the hardware when the page is modified.
	FlagDirty
)

const (
	// pageLevels indicates the number of page-table levels in the Sv39
	// translation scheme.
	pageLevels = 3

	// rootLevel is the level of the root page table.
	rootLevel = pageLevels - 1

	// entriesPerTable is the number of 8-byte entries in one table page.
	entriesPerTable = 512

	// entrySize is the size of one page table entry in bytes.
	entrySize = 8

	// entryFlagMask covers the eight architectural flag bits.
	entryFlagMask = uint64(0xff)

	// entryPPNShift is the bit position of the physical page number
	// within an entry.
	entryPPNShift = 10

	// entryPPNMask extracts the 44-bit physical page number.
	entryPPNMask = uint64(0xfffffffffff)

	// rwxMask identifies leaf entries: an entry with any of R/W/X set
	// maps a page rather than pointing to a subtable.
	rwxMask = FlagRead | FlagWrite | FlagExec
)

// Entry is a 64-bit Sv39 page table entry.
type Entry uint64

// HasFlags returns true if this entry has all the input flags set.
func (e Entry) HasFlags(flags EntryFlag) bool {
	return uint64(e)&uint64(flags) == uint64(flags)
}

// Valid returns true if the entry is present.
func (e Entry) Valid() bool { return e.HasFlags(FlagValid) }

// Global returns true if the entry is shared across address spaces.
func (e Entry) Global() bool { return e.HasFlags(FlagGlobal) }

// Leaf returns true if the entry maps a page; a valid entry with none of
// R/W/X set refers to a subtable instead.
func (e Entry) Leaf() bool {
	return uint64(e)&uint64(rwxMask) != 0
}

// Frame returns the physical frame this entry points to.
func (e Entry) Frame() mm.Frame {
	return mm.Frame((uint64(e) >> entryPPNShift) & entryPPNMask)
}

// Flags returns the architectural flag bits of this entry.
func (e Entry) Flags() EntryFlag {
	return EntryFlag(uint64(e) & entryFlagMask)
}

// newLeaf builds a leaf entry for frame. The valid, accessed and dirty bits
// are set unconditionally; we do not use hardware A/D tracking.
func newLeaf(frame mm.Frame, flags EntryFlag) Entry {
	return Entry(uint64(frame)<<entryPPNShift) |
		Entry(flags|FlagValid|FlagAccessed|FlagDirty)
}

// newTable builds a non-leaf entry pointing at the subtable in frame.
func newTable(frame mm.Frame, flags EntryFlag) Entry {
	return Entry(uint64(frame)<<entryPPNShift) | Entry(flags|FlagValid)
}

// vpn extracts the page-table index for vma at the given level.
func vpn(level int, vma uint64) int {
	return int((vma >> (mm.PageShift + 9*uint(level))) & (entriesPerTable - 1))
}

// wellformed reports whether vma is canonical for Sv39: bits 63:38 must all
// equal bit 38.
func wellformed(vma uint64) bool {
	bits := int64(vma) >> 38
	return bits == 0 || bits == -1
}
