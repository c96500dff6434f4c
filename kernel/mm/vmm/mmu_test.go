package vmm

import (
	"testing"

	"ktos/kernel/mm"
	"ktos/kernel/mm/pmm"
)

func newTestMMU(t *testing.T) (*MMU, *pmm.Allocator, *mm.RAM) {
	t.Helper()

	ram, err := mm.NewRAM(4 * 1024 * 1024)
	if err != nil {
		t.Fatal(err)
	}

	// Reserve the first 16 frames for a pretend kernel image; the rest
	// belongs to the page pool.
	alloc, err := pmm.NewAllocator(ram, ram.FirstFrame()+16, ram.FrameCount()-16)
	if err != nil {
		t.Fatal(err)
	}

	mmu, merr := New(ram, alloc)
	if merr != nil {
		t.Fatal(merr)
	}
	return mmu, alloc, ram
}

func TestMapPageAndTranslate(t *testing.T) {
	mmu, alloc, _ := newTestMMU(t)

	frame, err := alloc.AllocPage()
	if err != nil {
		t.Fatal(err)
	}

	const vma = mm.UserStart + 5*mm.PageSize
	got, merr := mmu.MapPage(vma, frame, FlagRead|FlagWrite|FlagUser)
	if merr != nil {
		t.Fatal(merr)
	}
	if got != vma {
		t.Fatalf("expected MapPage to return %x; got %x", vma, got)
	}

	resolved, ok := mmu.Translate(vma)
	if !ok {
		t.Fatal("expected vma to translate after MapPage")
	}
	if resolved != frame {
		t.Fatalf("expected vma to resolve to frame %d; got %d", frame, resolved)
	}
}

func TestMapPageRejectsNonCanonicalAddress(t *testing.T) {
	mmu, alloc, _ := newTestMMU(t)

	frame, err := alloc.AllocPage()
	if err != nil {
		t.Fatal(err)
	}

	// Bit 40 set without sign extension: not canonical for Sv39.
	if _, merr := mmu.MapPage(uint64(1)<<40, frame, FlagRead); merr != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping; got %v", merr)
	}
}

func TestMapPageExistingLeafIsNoOp(t *testing.T) {
	mmu, alloc, _ := newTestMMU(t)

	f1, _ := alloc.AllocPage()
	f2, _ := alloc.AllocPage()

	const vma = mm.UserStart
	if _, err := mmu.MapPage(vma, f1, FlagRead|FlagWrite|FlagUser); err != nil {
		t.Fatal(err)
	}
	if _, err := mmu.MapPage(vma, f2, FlagRead|FlagWrite|FlagUser); err != nil {
		t.Fatal(err)
	}

	resolved, ok := mmu.Translate(vma)
	if !ok || resolved != f1 {
		t.Fatalf("expected remap attempt to leave original frame %d mapped; got %d", f1, resolved)
	}
}

func TestAllocAndMapRangeRoundTrip(t *testing.T) {
	mmu, alloc, _ := newTestMMU(t)

	before := alloc.FreePageCount()

	const vma = mm.UserStart
	const size = 10 * mm.PageSize
	if _, err := mmu.AllocAndMapRange(vma, size, FlagRead|FlagWrite|FlagUser); err != nil {
		t.Fatal(err)
	}

	for off := uint64(0); off < size; off += mm.PageSize {
		if _, ok := mmu.Translate(vma + off); !ok {
			t.Fatalf("expected page at %x to be mapped", vma+off)
		}
	}

	mmu.UnmapAndFreeRange(vma, size)

	for off := uint64(0); off < size; off += mm.PageSize {
		if _, ok := mmu.Translate(vma + off); ok {
			t.Fatalf("expected page at %x to be unmapped", vma+off)
		}
	}

	if got := alloc.FreePageCount(); got != before {
		t.Fatalf("expected free page count to return to %d; got %d", before, got)
	}
}

func TestSetRangeFlags(t *testing.T) {
	mmu, _, _ := newTestMMU(t)

	const vma = mm.UserStart
	if _, err := mmu.AllocAndMapRange(vma, 2*mm.PageSize, FlagRead|FlagWrite|FlagUser); err != nil {
		t.Fatal(err)
	}

	mmu.SetRangeFlags(vma, 2*mm.PageSize, FlagRead|FlagExec|FlagUser)

	table, ok := mmu.leafTable(vma)
	if !ok {
		t.Fatal("expected leaf table for mapped range")
	}
	for page := 0; page < 2; page++ {
		entry := mmu.entry(table, vpn(0, vma+uint64(page)*mm.PageSize))
		if !entry.HasFlags(FlagValid | FlagAccessed | FlagDirty) {
			t.Errorf("page %d: expected V/A/D to be preserved", page)
		}
		if !entry.HasFlags(FlagRead | FlagExec | FlagUser) {
			t.Errorf("page %d: expected new R/X/U flags", page)
		}
		if entry.HasFlags(FlagWrite) {
			t.Errorf("page %d: expected W flag to be cleared", page)
		}
	}

	// Flag updates over unmapped pages must be silently skipped.
	mmu.SetRangeFlags(vma+0x100000, mm.PageSize, FlagRead)
}

func TestCloneActiveSpaceIndependence(t *testing.T) {
	mmu, _, ram := newTestMMU(t)

	const vma = mm.UserStart
	if _, err := mmu.AllocAndMapRange(vma, mm.PageSize, FlagRead|FlagWrite|FlagUser); err != nil {
		t.Fatal(err)
	}

	parentFrame, _ := mmu.Translate(vma)
	parentPage := ram.MustSlice(parentFrame)
	parentPage[0] = 0xaa

	child, err := mmu.CloneActiveSpace()
	if err != nil {
		t.Fatal(err)
	}
	if child.Root() == mmu.ActiveSpace().Root() {
		t.Fatal("expected clone to have its own root table")
	}

	// Writes by the parent after the clone must not be observed by the
	// child and vice versa.
	parentPage[0] = 0xbb

	parent := mmu.SwitchSpace(child)
	childFrame, ok := mmu.Translate(vma)
	if !ok {
		t.Fatal("expected cloned space to map the user page")
	}
	if childFrame == parentFrame {
		t.Fatal("expected cloned leaf page to be duplicated, not shared")
	}
	childPage := ram.MustSlice(childFrame)
	if childPage[0] != 0xaa {
		t.Fatalf("expected child to see the pre-clone value 0xaa; got %x", childPage[0])
	}

	childPage[0] = 0xcc
	mmu.SwitchSpace(parent)
	if parentPage[0] != 0xbb {
		t.Fatalf("expected parent page to be unaffected by child write; got %x", parentPage[0])
	}
}

func TestCloneSharesGlobalMappings(t *testing.T) {
	mmu, _, _ := newTestMMU(t)

	child, err := mmu.CloneActiveSpace()
	if err != nil {
		t.Fatal(err)
	}

	// A kernel address must resolve identically in both spaces.
	kernelVMA := mm.RAMStart + 3*mm.PageSize
	f1, ok1 := mmu.Translate(kernelVMA)

	prev := mmu.SwitchSpace(child)
	f2, ok2 := mmu.Translate(kernelVMA)
	mmu.SwitchSpace(prev)

	if !ok1 || !ok2 || f1 != f2 {
		t.Fatalf("expected global mapping to be shared; got %v/%d and %v/%d", ok1, f1, ok2, f2)
	}
}

func TestResetPreservesGlobalMappings(t *testing.T) {
	mmu, alloc, _ := newTestMMU(t)

	before := alloc.FreePageCount()
	if _, err := mmu.AllocAndMapRange(mm.UserStart, 4*mm.PageSize, FlagRead|FlagWrite|FlagUser); err != nil {
		t.Fatal(err)
	}

	mmu.ResetActiveSpace()

	if _, ok := mmu.Translate(mm.UserStart); ok {
		t.Fatal("expected user mapping to be gone after reset")
	}
	if _, ok := mmu.Translate(mm.RAMStart); !ok {
		t.Fatal("expected global kernel mapping to survive reset")
	}
	if got := alloc.FreePageCount(); got != before {
		t.Fatalf("expected free page count to return to %d; got %d", before, got)
	}
}

func TestDiscardActiveSpace(t *testing.T) {
	mmu, alloc, _ := newTestMMU(t)

	before := alloc.FreePageCount()

	child, err := mmu.CloneActiveSpace()
	if err != nil {
		t.Fatal(err)
	}
	mmu.SwitchSpace(child)
	if _, err := mmu.AllocAndMapRange(mm.UserStart, 2*mm.PageSize, FlagRead|FlagWrite|FlagUser); err != nil {
		t.Fatal(err)
	}

	got := mmu.DiscardActiveSpace()
	if got != mmu.MainSpace() {
		t.Fatal("expected discard to switch back to the main space")
	}
	if mmu.ActiveSpace() != mmu.MainSpace() {
		t.Fatal("expected main space to be active after discard")
	}
	if count := alloc.FreePageCount(); count != before {
		t.Fatalf("expected free page count to return to %d; got %d", before, count)
	}
}

func TestHandleUserPageFault(t *testing.T) {
	mmu, _, ram := newTestMMU(t)

	if handled := mmu.HandleUserPageFault(mm.RAMStart); handled {
		t.Fatal("expected fault outside user memory to be fatal")
	}

	const vma = mm.UserStart + 0x2345
	if handled := mmu.HandleUserPageFault(vma); !handled {
		t.Fatal("expected fault inside user memory to be handled")
	}

	frame, ok := mmu.Translate(vma)
	if !ok {
		t.Fatal("expected faulting page to be mapped afterwards")
	}
	for i, b := range ram.MustSlice(frame) {
		if b != 0 {
			t.Fatalf("expected demand-allocated page to be zeroed; byte %d is %x", i, b)
		}
	}
}

func TestMapPageIssuesFence(t *testing.T) {
	defer func(orig func()) { fenceFn = orig }(fenceFn)

	fences := 0
	fenceFn = func() { fences++ }

	mmu, alloc, _ := newTestMMU(t)
	frame, _ := alloc.AllocPage()

	fences = 0
	if _, err := mmu.MapPage(mm.UserStart, frame, FlagRead|FlagUser); err != nil {
		t.Fatal(err)
	}
	if fences == 0 {
		t.Fatal("expected MapPage to issue a TLB fence")
	}
}

func TestUserCopyHelpers(t *testing.T) {
	mmu, _, _ := newTestMMU(t)

	// Span a page boundary to exercise the split path.
	const vma = mm.UserStart + mm.PageSize - 8
	if _, err := mmu.AllocAndMapRange(mm.UserStart, 2*mm.PageSize, FlagRead|FlagWrite|FlagUser); err != nil {
		t.Fatal(err)
	}

	src := []byte("page boundary crossing")
	if err := mmu.WriteUser(vma, src); err != nil {
		t.Fatal(err)
	}

	dst := make([]byte, len(src))
	if err := mmu.ReadUser(vma, dst); err != nil {
		t.Fatal(err)
	}
	if string(dst) != string(src) {
		t.Fatalf("expected to read back %q; got %q", src, dst)
	}

	if err := mmu.ReadUser(mm.UserEnd, dst); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping for unmapped address; got %v", err)
	}
}
