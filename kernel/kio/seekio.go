package kio

import "ktos/kernel"

// SeekIO layers a current position and an end over any endpoint that
// supports random access, turning ReadAt/WriteAt into streaming Read/Write.
// Positions are kept to multiples of the backing block size.
type SeekIO struct {
	Base
	backing IO
	pos     uint64
	end     uint64
	blksz   uint64
}

// NewSeekIO wraps backing, which must support ReadAt or WriteAt plus the
// end query, and takes a reference on it. The backing block size must be a
// power of two.
func NewSeekIO(backing IO) (*SeekIO, *kernel.Error) {
	blksz := uint64(BlockSize(backing))
	if blksz == 0 || blksz&(blksz-1) != 0 {
		return nil, ErrInval
	}

	end, err := End(backing)
	if err != nil {
		return nil, err
	}

	s := &SeekIO{backing: AddRef(backing), end: end, blksz: blksz}
	Init(s)
	OnClose(s, func() { Close(s.backing) })
	return s, nil
}

// Read reads from the current position and advances it. Requests shorter
// than one block are rejected; the transfer length is truncated to a block
// multiple and clamped to the end.
func (s *SeekIO) Read(buf []byte) (int, *kernel.Error) {
	avail := s.end - s.pos
	n := uint64(len(buf))
	if avail < n {
		n = avail
	}
	if n == 0 {
		return 0, nil
	}
	if n < s.blksz {
		return 0, ErrInval
	}
	n &^= s.blksz - 1

	rcnt, err := s.backing.ReadAt(s.pos, buf[:n])
	if err != nil {
		return 0, err
	}
	s.pos += uint64(rcnt)
	return rcnt, nil
}

// Write writes at the current position and advances it. Writing past the
// end first grows the backing endpoint with a set-end control.
func (s *SeekIO) Write(buf []byte) (int, *kernel.Error) {
	n := uint64(len(buf))
	if n == 0 {
		return 0, nil
	}
	if n < s.blksz {
		return 0, ErrInval
	}
	n &^= s.blksz - 1

	if s.end-s.pos < n {
		end := s.pos + n
		if end < s.pos {
			return 0, ErrInval
		}
		if _, err := s.backing.Cntl(CntlSetEnd, &end); err != nil {
			return 0, err
		}
		s.end = end
	}

	wcnt, err := s.backing.WriteAt(s.pos, buf[:n])
	if err != nil {
		return 0, err
	}
	s.pos += uint64(wcnt)
	return wcnt, nil
}

// ReadAt delegates to the backing endpoint without touching the position.
func (s *SeekIO) ReadAt(pos uint64, buf []byte) (int, *kernel.Error) {
	return s.backing.ReadAt(pos, buf)
}

// WriteAt delegates to the backing endpoint without touching the position.
func (s *SeekIO) WriteAt(pos uint64, buf []byte) (int, *kernel.Error) {
	return s.backing.WriteAt(pos, buf)
}

// Cntl implements position and end control. Set-position requires a
// block-aligned target at or before the end; set-end is forwarded to the
// backing endpoint before being adopted. Unknown commands are forwarded.
func (s *SeekIO) Cntl(cmd int, arg *uint64) (int, *kernel.Error) {
	switch cmd {
	case CntlGetBlkSz:
		return int(s.blksz), nil
	case CntlGetPos:
		if arg == nil {
			return 0, ErrInval
		}
		*arg = s.pos
		return 0, nil
	case CntlSetPos:
		if arg == nil {
			return 0, ErrInval
		}
		if *arg&(s.blksz-1) != 0 || *arg > s.end {
			return 0, ErrInval
		}
		s.pos = *arg
		return 0, nil
	case CntlGetEnd:
		if arg == nil {
			return 0, ErrInval
		}
		*arg = s.end
		return 0, nil
	case CntlSetEnd:
		result, err := s.backing.Cntl(CntlSetEnd, arg)
		if err == nil {
			s.end = *arg
		}
		return result, err
	default:
		return s.backing.Cntl(cmd, arg)
	}
}
