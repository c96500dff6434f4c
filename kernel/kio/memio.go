package kio

import "ktos/kernel"

// MemIO is an endpoint backed by an in-memory buffer. Random-access reads
// and writes clamp to the buffer size; the end may be moved back but never
// grown past the underlying buffer.
type MemIO struct {
	Base
	buf  []byte
	size uint64
}

// NewMemIO wraps buf in a memory-backed endpoint with refcount one.
func NewMemIO(buf []byte) *MemIO {
	m := &MemIO{buf: buf, size: uint64(len(buf))}
	Init(m)
	return m
}

// ReadAt copies up to len(buf) bytes starting at pos, clamped to the end.
func (m *MemIO) ReadAt(pos uint64, buf []byte) (int, *kernel.Error) {
	if pos > m.size {
		return 0, ErrInval
	}
	n := copy(buf, m.buf[pos:m.size])
	return n, nil
}

// WriteAt copies up to len(buf) bytes into the buffer at pos, clamped to
// the end.
func (m *MemIO) WriteAt(pos uint64, buf []byte) (int, *kernel.Error) {
	if pos > m.size {
		return 0, ErrInval
	}
	n := copy(m.buf[pos:m.size], buf)
	return n, nil
}

// Cntl supports the block-size and end queries. The end may shrink but not
// grow: the backing buffer is fixed.
func (m *MemIO) Cntl(cmd int, arg *uint64) (int, *kernel.Error) {
	switch cmd {
	case CntlGetBlkSz:
		return 1, nil
	case CntlGetEnd:
		if arg == nil {
			return 0, ErrInval
		}
		*arg = m.size
		return 0, nil
	case CntlSetEnd:
		if arg == nil {
			return 0, ErrInval
		}
		if *arg > m.size {
			return 0, ErrInval
		}
		m.size = *arg
		return 0, nil
	default:
		return 0, ErrNotSup
	}
}
