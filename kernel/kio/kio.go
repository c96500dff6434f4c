// Package kio defines the kernel's uniform I/O object: a reference-counted
// endpoint with read/write, random-access and control operations. Devices,
// files, pipes and memory buffers all present the same interface, so the
// syscall layer and the filesystem never care what is behind a descriptor.
//
// Concrete endpoints embed Base, which supplies the refcount and returns
// ErrNotSup for every operation the endpoint does not override; this is the
// tagged-variant rendition of a vtable with empty slots.
package kio

import (
	"ktos/kernel"
	"ktos/kernel/kfmt"
)

// Control commands accepted by Cntl.
const (
	// CntlGetBlkSz returns the endpoint's block size as the direct
	// result. Every endpoint supports it; the default is 1.
	CntlGetBlkSz = iota

	// CntlGetPos stores the current position into *arg (seekable only).
	CntlGetPos

	// CntlSetPos sets the current position from *arg (seekable only).
	CntlSetPos

	// CntlGetEnd stores the end position into *arg.
	CntlGetEnd

	// CntlSetEnd truncates or extends the endpoint to *arg, where
	// supported.
	CntlSetEnd
)

// Errors shared by every endpoint implementation.
var (
	// ErrNotSup is returned for operations an endpoint does not
	// implement and for unknown control commands.
	ErrNotSup = &kernel.Error{Module: "kio", Message: "operation not supported by endpoint", Code: kernel.CodeNotSup}

	// ErrInval is returned for malformed arguments.
	ErrInval = &kernel.Error{Module: "kio", Message: "invalid argument", Code: kernel.CodeInval}

	// ErrPipe is returned when writing a pipe with no remaining reader.
	ErrPipe = &kernel.Error{Module: "kio", Message: "broken pipe", Code: kernel.CodePipe}
)

// IO is the uniform I/O endpoint. Read and Write may transfer fewer bytes
// than requested; a Read of 0 bytes with a nil error signals end of stream.
type IO interface {
	Read(buf []byte) (int, *kernel.Error)
	Write(buf []byte) (int, *kernel.Error)
	ReadAt(pos uint64, buf []byte) (int, *kernel.Error)
	WriteAt(pos uint64, buf []byte) (int, *kernel.Error)
	Cntl(cmd int, arg *uint64) (int, *kernel.Error)

	// base exposes the embedded Base; lifecycle goes through the
	// package-level Init, AddRef, OnClose and Close.
	base() *Base
}

// Base supplies the refcount, the close hook and default unsupported
// operations for endpoint implementations that embed it.
type Base struct {
	refcnt int64

	// closeFn runs when the refcount reaches zero. Endpoint
	// constructors install it with OnClose.
	closeFn func()
}

func (b *Base) base() *Base { return b }

// Read is overridden by endpoints that support streaming reads.
func (b *Base) Read([]byte) (int, *kernel.Error) { return 0, ErrNotSup }

// Write is overridden by endpoints that support streaming writes.
func (b *Base) Write([]byte) (int, *kernel.Error) { return 0, ErrNotSup }

// ReadAt is overridden by endpoints that support random-access reads.
func (b *Base) ReadAt(uint64, []byte) (int, *kernel.Error) { return 0, ErrNotSup }

// WriteAt is overridden by endpoints that support random-access writes.
func (b *Base) WriteAt(uint64, []byte) (int, *kernel.Error) { return 0, ErrNotSup }

// Cntl is overridden by endpoints with control operations; the default
// answers only the block-size query.
func (b *Base) Cntl(cmd int, arg *uint64) (int, *kernel.Error) {
	if cmd == CntlGetBlkSz {
		return 1, nil
	}
	return 0, ErrNotSup
}

// Init sets the reference count of a freshly created endpoint to one and
// returns it.
func Init(io IO) IO {
	io.base().refcnt = 1
	return io
}

// OnClose installs the hook that runs when io's refcount reaches zero.
func OnClose(io IO, fn func()) {
	io.base().closeFn = fn
}

// AddRef takes an additional reference on io and returns it.
func AddRef(io IO) IO {
	io.base().refcnt++
	return io
}

// RefCount returns the current reference count of io.
func RefCount(io IO) int64 {
	return io.base().refcnt
}

// Close drops one reference. When the count reaches zero the endpoint's
// close hook runs and backing state is released.
func Close(io IO) {
	b := io.base()
	if b.refcnt == 0 {
		kfmt.Panic(&kernel.Error{Module: "kio", Message: "close of endpoint with zero refcount"})
		return
	}
	b.refcnt--
	if b.refcnt == 0 && b.closeFn != nil {
		b.closeFn()
	}
}

// Write writes all of buf, retrying short writes until everything is
// written, an error occurs, or the endpoint stops making progress.
func Write(io IO, buf []byte) (int, *kernel.Error) {
	pos := 0
	for pos < len(buf) {
		n, err := io.Write(buf[pos:])
		if err != nil {
			if pos > 0 {
				return pos, nil
			}
			return 0, err
		}
		if n == 0 {
			break
		}
		pos += n
	}
	return pos, nil
}

// Fill reads into buf until it is full, the stream ends, or an error
// occurs. It is the read-side counterpart of Write's retry loop.
func Fill(io IO, buf []byte) (int, *kernel.Error) {
	pos := 0
	for pos < len(buf) {
		n, err := io.Read(buf[pos:])
		if err != nil {
			if pos > 0 {
				return pos, nil
			}
			return 0, err
		}
		if n == 0 {
			break
		}
		pos += n
	}
	return pos, nil
}

// BlockSize queries the endpoint's block size.
func BlockSize(io IO) int {
	n, err := io.Cntl(CntlGetBlkSz, nil)
	if err != nil {
		return 1
	}
	return n
}

// Seek positions a seekable endpoint at pos.
func Seek(io IO, pos uint64) *kernel.Error {
	_, err := io.Cntl(CntlSetPos, &pos)
	return err
}

// End queries the endpoint's end position.
func End(io IO) (uint64, *kernel.Error) {
	var end uint64
	if _, err := io.Cntl(CntlGetEnd, &end); err != nil {
		return 0, err
	}
	return end, nil
}
