package kio

import (
	"ktos/kernel"
	"ktos/kernel/irq"
	"ktos/kernel/thread"
)

// PipeSize is the capacity of a pipe's ring buffer in bytes.
const PipeSize = 4096

// pipe is the record shared by a pipe's two endpoints. The ring cursors are
// free-running uint16 values: (tail - head) == PipeSize distinguishes a full
// ring from an empty one without wasting a slot.
type pipe struct {
	thr *thread.Manager

	buf        [PipeSize]byte
	head, tail uint16

	lock     *thread.Lock
	notEmpty *thread.Cond
	notFull  *thread.Cond

	r *PipeEnd
	w *PipeEnd
}

// PipeEnd is one endpoint of a pipe. The write endpoint supports Write, the
// read endpoint Read; both support the control queries.
type PipeEnd struct {
	Base
	p       *pipe
	writing bool
}

// NewPipe creates a pipe and returns its write and read endpoints, each
// with refcount one.
func NewPipe(thr *thread.Manager) (w, r IO) {
	p := &pipe{
		thr:      thr,
		lock:     thr.NewLock("pipe"),
		notEmpty: thr.NewCond("pipe.not_empty"),
		notFull:  thr.NewCond("pipe.not_full"),
	}
	p.w = &PipeEnd{p: p, writing: true}
	p.r = &PipeEnd{p: p}
	Init(p.w)
	Init(p.r)
	OnClose(p.w, p.w.endpointClosed)
	OnClose(p.r, p.r.endpointClosed)
	return p.w, p.r
}

func (p *pipe) empty() bool { return p.head == p.tail }
func (p *pipe) full() bool  { return p.tail-p.head == PipeSize }
func (p *pipe) count() int  { return int(p.tail - p.head) }

func (p *pipe) putc(c byte) {
	p.buf[p.tail%PipeSize] = c
	p.tail++
}

func (p *pipe) getc() byte {
	c := p.buf[p.head%PipeSize]
	p.head++
	return c
}

func (e *PipeEnd) endpointClosed() {
	p := e.p
	if e.writing {
		// Readers blocked on an empty ring must wake to observe EOF.
		p.notEmpty.Broadcast()
	} else {
		// Writers blocked on a full ring must wake to observe the
		// broken pipe.
		p.notFull.Broadcast()
	}
}

// Read transfers up to len(buf) bytes out of the ring. It blocks while the
// ring is empty and a writer remains; with no writer left it reports end of
// stream. Short reads return whatever was available.
func (e *PipeEnd) Read(buf []byte) (int, *kernel.Error) {
	if e.writing {
		return 0, ErrNotSup
	}
	if len(buf) == 0 {
		return 0, nil
	}
	p := e.p

	prev := irq.Disable()
	for p.empty() && RefCount(p.w) > 0 {
		p.notEmpty.Wait()
	}
	if p.empty() {
		irq.Restore(prev)
		return 0, nil
	}
	irq.Restore(prev)

	n := 0
	for n < len(buf) {
		if p.empty() {
			break
		}
		p.lock.Acquire()
		buf[n] = p.getc()
		p.lock.Release()
		n++
	}

	p.notFull.Broadcast()
	return n, nil
}

// Write transfers len(buf) bytes into the ring, blocking per byte while the
// ring is full and a reader remains. Losing the last reader mid-write
// returns the partial count, or a broken-pipe error when nothing was
// written.
func (e *PipeEnd) Write(buf []byte) (int, *kernel.Error) {
	if !e.writing {
		return 0, ErrNotSup
	}
	if len(buf) == 0 {
		return 0, nil
	}
	p := e.p

	if RefCount(p.r) == 0 {
		return 0, ErrPipe
	}

	for i := 0; i < len(buf); i++ {
		prev := irq.Disable()
		for p.full() && RefCount(p.r) > 0 {
			p.notFull.Wait()
		}
		irq.Restore(prev)

		if RefCount(p.r) == 0 {
			if i > 0 {
				p.notEmpty.Broadcast()
				return i, nil
			}
			return 0, ErrPipe
		}

		p.lock.Acquire()
		p.putc(buf[i])
		p.lock.Release()

		if i%PipeSize == 0 {
			p.notEmpty.Broadcast()
		}
	}

	p.notEmpty.Broadcast()
	return len(buf), nil
}

// Cntl answers the block-size query and, for the end query, reports the
// number of readable bytes on the read endpoint and the remaining free
// space on the write endpoint.
func (e *PipeEnd) Cntl(cmd int, arg *uint64) (int, *kernel.Error) {
	p := e.p

	switch cmd {
	case CntlGetBlkSz:
		return 1, nil
	case CntlGetEnd:
		if arg == nil {
			return 0, ErrInval
		}
		p.lock.Acquire()
		if e.writing {
			*arg = uint64(PipeSize - p.count())
		} else {
			*arg = uint64(p.count())
		}
		p.lock.Release()
		return 0, nil
	default:
		return 0, ErrNotSup
	}
}
