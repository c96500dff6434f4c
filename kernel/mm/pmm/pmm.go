// Package pmm implements the kernel's physical page allocator. Free pages
// are kept in a single chain of chunks, where a chunk is a run of contiguous
// free pages whose first page stores the chunk header. Initially all free
// pages form one large chunk; allocating a block of pages breaks up the
// smallest chunk that can accommodate it.
package pmm

import (
	"encoding/binary"

	"ktos/kernel"
	"ktos/kernel/irq"
	"ktos/kernel/mm"
)

// A chunk header occupies the first bytes of the chunk's first page:
// an 8-byte page count followed by an 8-byte frame number of the next chunk
// (noChunk when this is the last chunk). The chain is kept in ascending
// frame order so freed chunks can later be coalesced with their neighbours.
const (
	headerSize = 16
	noChunk    = ^uint64(0)
)

// Allocator hands out runs of physical pages carved from a fixed range of
// RAM. It never panics: exhaustion surfaces as ErrOutOfMemory for callers to
// propagate.
type Allocator struct {
	ram *mm.RAM

	// head is the frame number of the first free chunk, or noChunk.
	head uint64
}

var (
	// ErrOutOfMemory is returned when no chunk can satisfy a request.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory", Code: kernel.CodeNoMem}

	errBadRange = &kernel.Error{Module: "pmm", Message: "free page pool outside RAM", Code: kernel.CodeInval}
)

// NewAllocator creates an allocator owning the cnt pages starting at frame
// first. The range excludes the kernel image and boot heap, which the caller
// carves out before handing over the remainder of RAM.
func NewAllocator(ram *mm.RAM, first mm.Frame, cnt uint64) (*Allocator, *kernel.Error) {
	if cnt == 0 || !ram.Contains(first) || !ram.Contains(first+mm.Frame(cnt-1)) {
		return nil, errBadRange
	}

	a := &Allocator{ram: ram, head: noChunk}
	a.writeChunk(first, cnt, noChunk)
	a.head = uint64(first)
	return a, nil
}

// AllocPage reserves a single page.
func (a *Allocator) AllocPage() (mm.Frame, *kernel.Error) {
	return a.AllocPages(1)
}

// FreePage returns a single page to the pool.
func (a *Allocator) FreePage(frame mm.Frame) {
	a.FreePages(frame, 1)
}

// AllocPages reserves cnt contiguous pages. The chain is walked twice: the
// first pass returns a chunk of exactly cnt pages; the second picks the
// smallest chunk strictly larger than cnt and carves cnt pages off its low
// end, leaving the residue as a new chunk at base+cnt pages.
func (a *Allocator) AllocPages(cnt uint64) (mm.Frame, *kernel.Error) {
	if cnt == 0 {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	prev := irq.Disable()
	defer irq.Restore(prev)

	// First pass: exact fit.
	prevFrame := noChunk
	for cur := a.head; cur != noChunk; {
		pages, next := a.readChunk(mm.Frame(cur))
		if pages == cnt {
			a.unlink(prevFrame, next)
			a.scrubHeader(mm.Frame(cur))
			return mm.Frame(cur), nil
		}
		prevFrame, cur = cur, next
	}

	// Second pass: smallest chunk strictly larger than cnt. Ties are
	// broken by address order since the chain is address-ordered and we
	// keep the first candidate seen.
	var (
		target, targetPrev = noChunk, noChunk
		targetPages        uint64
	)
	prevFrame = noChunk
	for cur := a.head; cur != noChunk; {
		pages, next := a.readChunk(mm.Frame(cur))
		if pages > cnt && (target == noChunk || pages < targetPages) {
			target, targetPrev, targetPages = cur, prevFrame, pages
		}
		prevFrame, cur = cur, next
	}

	if target == noChunk {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	// Carve cnt pages off the low end; the residual chunk header moves to
	// base + cnt pages and takes the target's place in the chain.
	_, next := a.readChunk(mm.Frame(target))
	residual := target + cnt
	a.writeChunk(mm.Frame(residual), targetPages-cnt, next)
	a.relink(targetPrev, residual)
	a.scrubHeader(mm.Frame(target))
	return mm.Frame(target), nil
}

// scrubHeader clears the chunk header left behind in an allocated page so
// header remnants never leak into freshly mapped memory.
func (a *Allocator) scrubHeader(frame mm.Frame) {
	hdr := a.ram.MustSlice(frame)[:headerSize]
	kernel.Memset(hdr, 0)
}

// FreePages returns the cnt pages starting at frame to the pool. A fresh
// chunk header is written into the first page and the chunk is inserted at
// the position that keeps the chain in ascending frame order. Adjacent
// chunks are not coalesced.
func (a *Allocator) FreePages(frame mm.Frame, cnt uint64) {
	if cnt == 0 || !a.ram.Contains(frame) {
		return
	}

	prev := irq.Disable()
	defer irq.Restore(prev)

	f := uint64(frame)
	if a.head == noChunk || f < a.head {
		a.writeChunk(frame, cnt, a.head)
		a.head = f
		return
	}

	cur := a.head
	for {
		_, next := a.readChunk(mm.Frame(cur))
		if next == noChunk || next > f {
			a.writeChunk(frame, cnt, next)
			a.setNext(mm.Frame(cur), f)
			return
		}
		cur = next
	}
}

// FreePageCount returns the number of pages currently in the pool.
func (a *Allocator) FreePageCount() uint64 {
	prev := irq.Disable()
	defer irq.Restore(prev)

	var total uint64
	for cur := a.head; cur != noChunk; {
		pages, next := a.readChunk(mm.Frame(cur))
		total += pages
		cur = next
	}
	return total
}

func (a *Allocator) readChunk(frame mm.Frame) (pages, next uint64) {
	hdr := a.ram.MustSlice(frame)[:headerSize]
	return binary.LittleEndian.Uint64(hdr), binary.LittleEndian.Uint64(hdr[8:])
}

func (a *Allocator) writeChunk(frame mm.Frame, pages, next uint64) {
	page := a.ram.MustSlice(frame)
	kernel.Memset(page, 0)
	binary.LittleEndian.PutUint64(page, pages)
	binary.LittleEndian.PutUint64(page[8:], next)
}

func (a *Allocator) setNext(frame mm.Frame, next uint64) {
	hdr := a.ram.MustSlice(frame)
	binary.LittleEndian.PutUint64(hdr[8:], next)
}

// unlink removes the chunk after prevFrame (or the head when prevFrame is
// noChunk), making next its replacement.
func (a *Allocator) unlink(prevFrame, next uint64) {
	if prevFrame == noChunk {
		a.head = next
	} else {
		a.setNext(mm.Frame(prevFrame), next)
	}
}

// relink points the chain at a chunk that replaced another in place.
func (a *Allocator) relink(prevFrame, frame uint64) {
	if prevFrame == noChunk {
		a.head = frame
	} else {
		a.setNext(mm.Frame(prevFrame), frame)
	}
}
