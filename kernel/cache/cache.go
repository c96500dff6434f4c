// Package cache implements a fixed-associativity write-back block cache over
// a backing I/O endpoint. The cache serializes access to the backing device:
// its single lock is held from GetBlock to the matching ReleaseBlock, so at
// most one block is checked out at any time.
package cache

import (
	"ktos/kernel"
	"ktos/kernel/kio"
	"ktos/kernel/thread"
)

const (
	// BlockSize is the cache's block size in bytes.
	BlockSize = 512

	// SlotCount is the number of resident blocks.
	SlotCount = 64

	noBlock = int64(-1)
	noSlot  = -1
)

// Dirty and Clean name the release modes.
const (
	Clean = false
	Dirty = true
)

var (
	// ErrBadPos is returned for positions that are not block-aligned.
	ErrBadPos = &kernel.Error{Module: "cache", Message: "position not block aligned", Code: kernel.CodeInval}

	// ErrNoBacking is returned when the backing endpoint is missing.
	ErrNoBacking = &kernel.Error{Module: "cache", Message: "cache requires a backing endpoint", Code: kernel.CodeInval}
)

type slot struct {
	blockID int64
	data    [BlockSize]byte

	// recency orders eviction: the slot with the smallest non-zero
	// counter is least recently used; zero marks a never-released slot.
	recency int
}

// Cache is the block cache. All fields are guarded by lock.
type Cache struct {
	backing kio.IO
	lock    *thread.Lock

	// owner is the index of the slot currently checked out, so Flush
	// can release it; noSlot when no operation is in flight.
	owner int

	slots [SlotCount]slot
}

// New creates a cache over backing, which must support random access, and
// takes a reference on it.
func New(thr *thread.Manager, backing kio.IO) (*Cache, *kernel.Error) {
	if backing == nil {
		return nil, ErrNoBacking
	}

	c := &Cache{
		backing: kio.AddRef(backing),
		lock:    thr.NewLock("cache"),
		owner:   noSlot,
	}
	for i := range c.slots {
		c.slots[i].blockID = noBlock
	}
	return c, nil
}

// GetBlock checks out the block at byte position pos, which must be
// block-aligned. A hit returns the resident buffer; a miss fills an empty
// slot, or evicts the least recently used slot, from the backing device.
// The cache lock is held until the matching ReleaseBlock.
func (c *Cache) GetBlock(pos uint64) ([]byte, *kernel.Error) {
	if pos%BlockSize != 0 {
		return nil, ErrBadPos
	}
	id := int64(pos / BlockSize)

	c.lock.Acquire()

	if i := c.findBlock(id); i != noSlot {
		c.owner = i
		return c.slots[i].data[:], nil
	}

	i := c.findBlock(noBlock)
	if i == noSlot {
		i = c.victim()
	}

	if _, err := c.backing.ReadAt(pos, c.slots[i].data[:]); err != nil {
		c.lock.Release()
		return nil, err
	}
	c.slots[i].blockID = id
	c.owner = i
	return c.slots[i].data[:], nil
}

// ReleaseBlock checks the buffer returned by GetBlock back in. A dirty
// release writes the block through to the backing device first. The slot
// becomes the most recently used and the cache lock is dropped.
func (c *Cache) ReleaseBlock(buf []byte, dirty bool) *kernel.Error {
	i := c.findBuffer(buf)
	if i == noSlot {
		return ErrBadPos
	}

	if dirty {
		pos := uint64(c.slots[i].blockID) * BlockSize
		if _, err := c.backing.WriteAt(pos, c.slots[i].data[:]); err != nil {
			c.owner = noSlot
			c.lock.Release()
			return err
		}
	}

	c.touch(i)

	c.owner = noSlot
	c.lock.Release()
	return nil
}

// Flush releases the currently held block, if any, as dirty, pushing its
// contents to the backing device.
func (c *Cache) Flush() *kernel.Error {
	if c.owner == noSlot {
		return nil
	}
	return c.ReleaseBlock(c.slots[c.owner].data[:], Dirty)
}

// touch moves slot i to the most-recent position: its counter becomes the
// number of released slots, and every other slot whose counter was above
// the touched slot's old counter steps down by one.
func (c *Cache) touch(i int) {
	old := c.slots[i].recency
	released := 0
	if old == 0 {
		released = 1
	}
	for j := range c.slots {
		if c.slots[j].recency != 0 {
			released++
		}
	}

	if old == released {
		return
	}
	if old != 0 {
		for j := range c.slots {
			if c.slots[j].recency > old {
				c.slots[j].recency--
			}
		}
	}
	c.slots[i].recency = released
}

// victim picks the slot with the smallest recency counter.
func (c *Cache) victim() int {
	min := c.slots[0].recency
	for i := range c.slots {
		if c.slots[i].recency < min {
			min = c.slots[i].recency
		}
	}
	for i := range c.slots {
		if c.slots[i].recency == min {
			return i
		}
	}
	return 0
}

func (c *Cache) findBlock(id int64) int {
	for i := range c.slots {
		if c.slots[i].blockID == id {
			return i
		}
	}
	return noSlot
}

func (c *Cache) findBuffer(buf []byte) int {
	if len(buf) != BlockSize {
		return noSlot
	}
	for i := range c.slots {
		if &c.slots[i].data[0] == &buf[0] {
			return i
		}
	}
	return noSlot
}
