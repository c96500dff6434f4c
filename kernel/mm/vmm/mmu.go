// Package vmm implements Sv39 three-level page tables and the lifecycle of
// user address spaces: map/unmap of user regions, deep clone for fork, reset
// and discard on exec/exit, and demand-fault handling for user memory.
//
// Page tables live in physical frames of the RAM arena and are read and
// written as byte slices, so every operation here is exercised for real by
// host tests. The TLB fence is a package-level function variable so tests
// can assert on fence placement.
package vmm

import (
	"encoding/binary"

	"ktos/kernel"
	"ktos/kernel/cpu"
	"ktos/kernel/irq"
	"ktos/kernel/mm"
	"ktos/kernel/mm/pmm"
)

var (
	// fenceFn is used by tests to override calls to cpu.SFenceVMA which
	// order page-table stores before subsequent translations.
	fenceFn = cpu.SFenceVMA

	// ErrInvalidMapping is returned when a virtual address is not
	// canonical or does not resolve to a mapped page.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page", Code: kernel.CodeInval}
)

const gigaSize = uint64(1) << 30

// MMU owns the machine's address spaces. The main space is created at boot,
// carries every global kernel mapping, and is the only space user spaces
// inherit from.
type MMU struct {
	ram   *mm.RAM
	alloc *pmm.Allocator

	main   MTag
	active MTag
}

// New creates the MMU and builds the main address space: the MMIO region
// below RAM is mapped as global read-write gigapages and all of RAM as
// global 4K pages, mirroring the boot identity map. The main space becomes
// active.
func New(ram *mm.RAM, alloc *pmm.Allocator) (*MMU, *kernel.Error) {
	u := &MMU{ram: ram, alloc: alloc}

	root, err := u.newTablePage()
	if err != nil {
		return nil, err
	}

	// Identity-map the MMIO region as gigapage leaves in the root table.
	for pma := uint64(0); pma < mm.RAMStart; pma += gigaSize {
		u.setEntry(root, vpn(rootLevel, pma),
			newLeaf(mm.FrameFromAddress(pma), FlagRead|FlagWrite|FlagGlobal))
	}

	// Identity-map RAM with 4K global pages. The kernel image, heap and
	// page pool share one policy; user mappings never alias this range.
	u.main = newMTag(root, 0)
	u.active = u.main
	first := ram.FirstFrame()
	for i := uint64(0); i < ram.FrameCount(); i++ {
		frame := first + mm.Frame(i)
		if _, err = u.mapInto(root, frame.Address(), frame,
			FlagRead|FlagWrite|FlagExec|FlagGlobal, FlagGlobal); err != nil {
			return nil, err
		}
	}

	fenceFn()
	return u, nil
}

// MainSpace returns the tag of the boot address space.
func (u *MMU) MainSpace() MTag { return u.main }

// ActiveSpace returns the tag of the currently active address space.
func (u *MMU) ActiveSpace() MTag { return u.active }

// SwitchSpace activates the address space identified by tag and returns the
// previously active tag.
func (u *MMU) SwitchSpace(tag MTag) MTag {
	prev := u.active
	u.active = tag
	fenceFn()
	return prev
}

// MapPage maps a single page into the active address space. If an
// intermediate subtable is absent a zeroed page is allocated for it. If a
// valid leaf already exists at vma the call is a no-op that reports success.
// Returns the mapped address, or an error if vma is not canonical or page
// allocation fails.
func (u *MMU) MapPage(vma uint64, frame mm.Frame, flags EntryFlag) (uint64, *kernel.Error) {
	prev := irq.Disable()
	defer irq.Restore(prev)
	return u.mapInto(u.active.Root(), vma, frame, flags, 0)
}

func (u *MMU) mapInto(root mm.Frame, vma uint64, frame mm.Frame, flags, tableFlags EntryFlag) (uint64, *kernel.Error) {
	if !wellformed(vma) {
		return 0, ErrInvalidMapping
	}
	vma &^= mm.PageSize - 1

	table := root
	for level := rootLevel; level > 0; level-- {
		idx := vpn(level, vma)
		entry := u.entry(table, idx)
		if !entry.Valid() {
			sub, err := u.newTablePage()
			if err != nil {
				return 0, err
			}
			entry = newTable(sub, tableFlags)
			u.setEntry(table, idx, entry)
		}
		table = entry.Frame()
	}

	idx := vpn(0, vma)
	if u.entry(table, idx).Valid() {
		fenceFn()
		return vma, nil
	}
	u.setEntry(table, idx, newLeaf(frame, flags))
	fenceFn()
	return vma, nil
}

// MapRange maps size bytes of consecutive virtual pages starting at vma to
// consecutive physical pages starting at frame.
func (u *MMU) MapRange(vma uint64, size uint64, frame mm.Frame, flags EntryFlag) (uint64, *kernel.Error) {
	vma &^= mm.PageSize - 1
	for off := uint64(0); off < size; off += mm.PageSize {
		if _, err := u.MapPage(vma+off, frame+mm.Frame(off/mm.PageSize), flags); err != nil {
			return 0, err
		}
	}
	return vma, nil
}

// AllocAndMapRange allocates a physical page for every page of the virtual
// range and maps it. The virtual range is contiguous; the physical pages
// need not be.
func (u *MMU) AllocAndMapRange(vma uint64, size uint64, flags EntryFlag) (uint64, *kernel.Error) {
	vma &^= mm.PageSize - 1
	size = roundUpPage(size)
	for off := uint64(0); off < size; off += mm.PageSize {
		frame, err := u.alloc.AllocPage()
		if err != nil {
			return 0, err
		}
		if _, err := u.MapPage(vma+off, frame, flags); err != nil {
			u.alloc.FreePage(frame)
			return 0, err
		}
	}
	return vma, nil
}

// SetRangeFlags rewrites the permission bits of every mapped leaf in the
// range, preserving the valid, accessed and dirty bits. Unmapped pages are
// silently skipped.
func (u *MMU) SetRangeFlags(vma uint64, size uint64, flags EntryFlag) {
	prev := irq.Disable()
	defer irq.Restore(prev)

	vma &^= mm.PageSize - 1
	size = roundUpPage(size)
	for off := uint64(0); off < size; off += mm.PageSize {
		table, ok := u.leafTable(vma + off)
		if !ok {
			continue
		}
		idx := vpn(0, vma+off)
		entry := u.entry(table, idx)
		if !entry.Valid() {
			continue
		}
		const permMask = FlagRead | FlagWrite | FlagExec | FlagUser | FlagGlobal
		cleared := Entry(uint64(entry) &^ uint64(permMask))
		u.setEntry(table, idx, cleared|Entry(flags&permMask))
	}
	fenceFn()
}

// UnmapAndFreeRange removes every mapped page of the range from the active
// space and returns the backing frames to the allocator. Subtables that
// become empty are freed and their parent entries cleared.
func (u *MMU) UnmapAndFreeRange(vma uint64, size uint64) {
	if vma%mm.PageSize != 0 {
		return
	}

	prev := irq.Disable()
	defer irq.Restore(prev)

	size = roundUpPage(size)
	root := u.active.Root()
	for off := uint64(0); off < size; off += mm.PageSize {
		cur := vma + off
		if !wellformed(cur) {
			return
		}

		rootIdx := vpn(2, cur)
		rootEntry := u.entry(root, rootIdx)
		if !rootEntry.Valid() || rootEntry.Leaf() {
			continue
		}
		mid := rootEntry.Frame()

		midIdx := vpn(1, cur)
		midEntry := u.entry(mid, midIdx)
		if !midEntry.Valid() || midEntry.Leaf() {
			continue
		}
		leafTab := midEntry.Frame()

		leafIdx := vpn(0, cur)
		leafEntry := u.entry(leafTab, leafIdx)
		if !leafEntry.Valid() || !leafEntry.Leaf() {
			continue
		}

		u.alloc.FreePage(leafEntry.Frame())
		u.setEntry(leafTab, leafIdx, 0)
		fenceFn()

		if u.tableEmpty(leafTab) {
			u.alloc.FreePage(leafTab)
			u.setEntry(mid, midIdx, 0)
			fenceFn()

			if u.tableEmpty(mid) {
				u.alloc.FreePage(mid)
				u.setEntry(root, rootIdx, 0)
				fenceFn()
			}
		}
	}
}

// CloneActiveSpace deep-copies the active address space and returns the tag
// of the copy. Non-global subtables and leaf pages are duplicated with fresh
// physical pages; global entries are shared by copying the entry unchanged.
func (u *MMU) CloneActiveSpace() (MTag, *kernel.Error) {
	prev := irq.Disable()
	defer irq.Restore(prev)

	oldRoot := u.active.Root()
	newRoot, err := u.newTablePage()
	if err != nil {
		return 0, err
	}

	if err = u.cloneTable(oldRoot, newRoot, rootLevel); err != nil {
		return 0, err
	}
	return newMTag(newRoot, u.active.ASID()), nil
}

func (u *MMU) cloneTable(src, dst mm.Frame, level int) *kernel.Error {
	for i := 0; i < entriesPerTable; i++ {
		entry := u.entry(src, i)
		switch {
		case !entry.Valid():
			// leave the destination entry empty

		case entry.Global():
			u.setEntry(dst, i, entry)

		case entry.Leaf():
			frame, err := u.alloc.AllocPage()
			if err != nil {
				return err
			}
			copy(u.ram.MustSlice(frame), u.ram.MustSlice(entry.Frame()))
			u.setEntry(dst, i, newLeaf(frame, entry.Flags()&^FlagValid))

		default:
			sub, err := u.newTablePage()
			if err != nil {
				return err
			}
			u.setEntry(dst, i, newTable(sub, 0))
			if err = u.cloneTable(entry.Frame(), sub, level-1); err != nil {
				return err
			}
		}
	}
	return nil
}

// ResetActiveSpace unmaps and frees every non-global page and subtable of
// the active space. Global mappings are preserved.
func (u *MMU) ResetActiveSpace() {
	prev := irq.Disable()
	defer irq.Restore(prev)

	u.resetTable(u.active.Root(), rootLevel)
	fenceFn()
}

func (u *MMU) resetTable(table mm.Frame, level int) {
	for i := 0; i < entriesPerTable; i++ {
		entry := u.entry(table, i)
		if !entry.Valid() || entry.Global() {
			continue
		}

		if entry.Leaf() {
			u.alloc.FreePage(entry.Frame())
			u.setEntry(table, i, 0)
			fenceFn()
			continue
		}

		sub := entry.Frame()
		u.resetTable(sub, level-1)
		if u.tableEmpty(sub) {
			u.alloc.FreePage(sub)
			u.setEntry(table, i, 0)
			fenceFn()
		}
	}
}

// DiscardActiveSpace resets the active space and switches to the main
// space. The previous space's root table is freed. Returns the main tag.
func (u *MMU) DiscardActiveSpace() MTag {
	u.ResetActiveSpace()
	old := u.active.Root()
	u.SwitchSpace(u.main)
	if old != u.main.Root() {
		u.alloc.FreePage(old)
	}
	return u.main
}

// HandleUserPageFault services a user-mode load or store fault at vma. If
// the address lies in user memory, a page is allocated, zeroed and mapped
// read-write-user, and the fault is reported handled so the faulting
// instruction restarts; any other fault is fatal to the process.
func (u *MMU) HandleUserPageFault(vma uint64) bool {
	if vma < mm.UserStart || vma >= mm.UserEnd {
		return false
	}

	frame, err := u.alloc.AllocPage()
	if err != nil {
		return false
	}
	kernel.Memset(u.ram.MustSlice(frame), 0)

	if _, err := u.MapPage(vma, frame, FlagRead|FlagWrite|FlagUser); err != nil {
		u.alloc.FreePage(frame)
		return false
	}
	return true
}

// Translate resolves vma to the frame mapped in the active space.
func (u *MMU) Translate(vma uint64) (mm.Frame, bool) {
	table, ok := u.leafTable(vma)
	if !ok {
		return mm.InvalidFrame, false
	}
	entry := u.entry(table, vpn(0, vma))
	if !entry.Valid() || !entry.Leaf() {
		return mm.InvalidFrame, false
	}
	return entry.Frame(), true
}

// WriteUser copies buf into the active space's memory at vma, which must be
// mapped across the whole range.
func (u *MMU) WriteUser(vma uint64, buf []byte) *kernel.Error {
	return u.copyUser(vma, buf, true)
}

// ReadUser fills buf from the active space's memory at vma.
func (u *MMU) ReadUser(vma uint64, buf []byte) *kernel.Error {
	return u.copyUser(vma, buf, false)
}

func (u *MMU) copyUser(vma uint64, buf []byte, write bool) *kernel.Error {
	for len(buf) > 0 {
		frame, ok := u.Translate(vma)
		if !ok {
			return ErrInvalidMapping
		}
		off := vma & (mm.PageSize - 1)
		n := int(mm.PageSize - off)
		if n > len(buf) {
			n = len(buf)
		}
		page := u.ram.MustSlice(frame)
		if write {
			copy(page[off:], buf[:n])
		} else {
			copy(buf[:n], page[off:])
		}
		vma += uint64(n)
		buf = buf[n:]
	}
	return nil
}

// entry reads entry idx of the table stored in frame.
func (u *MMU) entry(table mm.Frame, idx int) Entry {
	b := u.ram.MustSlice(table)
	return Entry(binary.LittleEndian.Uint64(b[idx*entrySize:]))
}

// setEntry writes entry idx of the table stored in frame.
func (u *MMU) setEntry(table mm.Frame, idx int, entry Entry) {
	b := u.ram.MustSlice(table)
	binary.LittleEndian.PutUint64(b[idx*entrySize:], uint64(entry))
}

// leafTable walks the active space down to the level-0 table covering vma.
func (u *MMU) leafTable(vma uint64) (mm.Frame, bool) {
	if !wellformed(vma) {
		return mm.InvalidFrame, false
	}
	table := u.active.Root()
	for level := rootLevel; level > 0; level-- {
		entry := u.entry(table, vpn(level, vma))
		if !entry.Valid() || entry.Leaf() {
			return mm.InvalidFrame, false
		}
		table = entry.Frame()
	}
	return table, true
}

func (u *MMU) tableEmpty(table mm.Frame) bool {
	for i := 0; i < entriesPerTable; i++ {
		if u.entry(table, i).Valid() {
			return false
		}
	}
	return true
}

func (u *MMU) newTablePage() (mm.Frame, *kernel.Error) {
	frame, err := u.alloc.AllocPage()
	if err != nil {
		return mm.InvalidFrame, err
	}
	kernel.Memset(u.ram.MustSlice(frame), 0)
	return frame, nil
}

func roundUpPage(n uint64) uint64 {
	return (n + mm.PageSize - 1) &^ (mm.PageSize - 1)
}
