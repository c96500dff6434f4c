package mm

import (
	"ktos/kernel"
	"ktos/kernel/kfmt"
)

// RAM models the machine's physical memory range [RAMStart, RAMStart+size).
// Page tables, free-chunk headers and user pages all live inside it and are
// accessed as frame-sized byte slices, so nothing in the memory manager ever
// performs raw pointer arithmetic.
type RAM struct {
	base uint64
	data []byte
}

var (
	errRAMSize  = &kernel.Error{Module: "mm", Message: "RAM size must be a non-zero multiple of the page size", Code: kernel.CodeInval}
	errBadFrame = &kernel.Error{Module: "mm", Message: "frame outside physical memory", Code: kernel.CodeInval}
)

// NewRAM reserves size bytes of physical memory starting at RAMStart.
func NewRAM(size uint64) (*RAM, *kernel.Error) {
	if size == 0 || size%PageSize != 0 {
		return nil, errRAMSize
	}
	return &RAM{base: RAMStart, data: make([]byte, size)}, nil
}

// Contains reports whether frame lies inside this RAM range.
func (r *RAM) Contains(frame Frame) bool {
	addr := frame.Address()
	return addr >= r.base && addr+PageSize <= r.base+uint64(len(r.data))
}

// FirstFrame returns the lowest frame backed by this RAM.
func (r *RAM) FirstFrame() Frame {
	return FrameFromAddress(r.base)
}

// FrameCount returns the number of frames backed by this RAM.
func (r *RAM) FrameCount() uint64 {
	return uint64(len(r.data)) / PageSize
}

// Slice returns the page-sized byte slice backing frame.
func (r *RAM) Slice(frame Frame) ([]byte, *kernel.Error) {
	if !r.Contains(frame) {
		return nil, errBadFrame
	}
	off := frame.Address() - r.base
	return r.data[off : off+PageSize : off+PageSize], nil
}

// MustSlice is Slice for callers that have already validated the frame; a
// frame outside RAM indicates a corrupted page table and panics.
func (r *RAM) MustSlice(frame Frame) []byte {
	s, err := r.Slice(frame)
	if err != nil {
		kfmt.Panic(err)
	}
	return s
}
