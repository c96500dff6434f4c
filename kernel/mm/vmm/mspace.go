package vmm

import "ktos/kernel/mm"

// MTag is an address-space tag: the paging mode, the ASID and the physical
// page number of the root table packed into a single 64-bit value, exactly
// as the satp register encodes them.
type MTag uint64

const (
	modeSv39 = uint64(8)

	mtagModeShift = 60
	mtagASIDShift = 44
	mtagPPNMask   = uint64(0xfffffffffff)
)

// newMTag packs the Sv39 mode, asid and root-table frame into a tag.
func newMTag(root mm.Frame, asid uint16) MTag {
	return MTag(modeSv39<<mtagModeShift |
		uint64(asid)<<mtagASIDShift |
		uint64(root)&mtagPPNMask)
}

// Root returns the frame holding the root page table of this space.
func (t MTag) Root() mm.Frame {
	return mm.Frame(uint64(t) & mtagPPNMask)
}

// ASID returns the address-space identifier encoded in the tag.
func (t MTag) ASID() uint16 {
	return uint16(uint64(t) >> mtagASIDShift)
}
