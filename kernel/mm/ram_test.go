package mm

import "testing"

func TestNewRAMValidation(t *testing.T) {
	if _, err := NewRAM(0); err == nil {
		t.Fatal("expected zero-sized RAM to be rejected")
	}
	if _, err := NewRAM(PageSize + 1); err == nil {
		t.Fatal("expected unaligned RAM size to be rejected")
	}
}

func TestRAMSliceBounds(t *testing.T) {
	ram, err := NewRAM(4 * PageSize)
	if err != nil {
		t.Fatal(err)
	}

	if got := ram.FrameCount(); got != 4 {
		t.Fatalf("expected 4 frames; got %d", got)
	}

	first := ram.FirstFrame()
	if first.Address() != RAMStart {
		t.Fatalf("expected first frame at RAM start; got %x", first.Address())
	}

	s, serr := ram.Slice(first + 3)
	if serr != nil {
		t.Fatal(serr)
	}
	if len(s) != int(PageSize) {
		t.Fatalf("expected a page-sized slice; got %d", len(s))
	}

	if _, serr := ram.Slice(first + 4); serr == nil {
		t.Fatal("expected out-of-range frame to be rejected")
	}
	if _, serr := ram.Slice(FrameFromAddress(0)); serr == nil {
		t.Fatal("expected MMIO frame to be rejected")
	}
}

func TestFramePageConversions(t *testing.T) {
	specs := []struct {
		addr uint64
		page uint64
	}{
		{0, 0},
		{PageSize - 1, 0},
		{PageSize, 1},
		{RAMStart + 5, RAMStart >> PageShift},
	}

	for _, spec := range specs {
		if got := FrameFromAddress(spec.addr); uint64(got) != spec.page {
			t.Errorf("FrameFromAddress(%x): expected %d; got %d", spec.addr, spec.page, got)
		}
		if got := PageFromAddress(spec.addr); uint64(got) != spec.page {
			t.Errorf("PageFromAddress(%x): expected %d; got %d", spec.addr, spec.page, got)
		}
	}

	if !Frame(5).Valid() || InvalidFrame.Valid() {
		t.Fatal("frame validity misreported")
	}
	if got := Frame(3).Address(); got != 3*PageSize {
		t.Fatalf("expected address %x; got %x", 3*PageSize, got)
	}
}
