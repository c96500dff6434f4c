package proc

import (
	"ktos/kernel"
	"ktos/kernel/kfmt"
	"ktos/kernel/kio"
)

// Syscall numbers. The assignments are part of the user/kernel ABI and must
// match the user-side library.
const (
	SysExit = iota
	SysExec
	SysFork
	SysWait
	SysUsleep
	SysPrint
	SysDevOpen
	SysFsOpen
	SysClose
	SysRead
	SysWrite
	SysIoctl
	SysFsCreate
	SysFsDelete
	SysPipe
	SysIoDup
)

// maxTransfer bounds a single read or write request.
const maxTransfer = 1 << 20

// maxStringLen bounds user-supplied strings (names, messages).
const maxStringLen = 4096

var errNotSup = &kernel.Error{Module: "proc", Message: "unknown syscall", Code: kernel.CodeNotSup}

// Syscall handles an ecall trap: it advances sepc past the ecall
// instruction, dispatches on the syscall number in a7, and stores the
// result in a0.
func (m *Manager) Syscall(tf *TrapFrame) {
	tf.SEPC += 4
	tf.A0 = uint64(m.dispatch(tf))
}

func (m *Manager) dispatch(tf *TrapFrame) int64 {
	switch tf.A7 {
	case SysExit:
		m.Exit()
		return 0
	case SysExec:
		return m.sysExec(int(int64(tf.A0)), int(int64(tf.A1)), tf.A2)
	case SysFork:
		return m.sysFork(tf)
	case SysWait:
		return m.sysWait(int(int64(tf.A0)))
	case SysUsleep:
		m.tmr.SleepUs(tf.A0)
		return 0
	case SysPrint:
		return m.sysPrint(tf.A0)
	case SysDevOpen:
		return m.sysDevOpen(int(int64(tf.A0)), tf.A1, int(int64(tf.A2)))
	case SysFsOpen:
		return m.sysFsOpen(int(int64(tf.A0)), tf.A1)
	case SysClose:
		return m.sysClose(int(int64(tf.A0)))
	case SysRead:
		return m.sysRead(int(int64(tf.A0)), tf.A1, tf.A2)
	case SysWrite:
		return m.sysWrite(int(int64(tf.A0)), tf.A1, tf.A2)
	case SysIoctl:
		return m.sysIoctl(int(int64(tf.A0)), int(int64(tf.A1)), tf.A2)
	case SysFsCreate:
		return m.sysFsCreate(tf.A0)
	case SysFsDelete:
		return m.sysFsDelete(tf.A0)
	case SysPipe:
		return m.sysPipe(tf.A0, tf.A1)
	case SysIoDup:
		return m.sysIoDup(int(int64(tf.A0)), int(int64(tf.A1)))
	default:
		return kernel.Errno(errNotSup)
	}
}

// fdGet validates fd and returns the endpoint in that cell.
func (m *Manager) fdGet(fd int) (kio.IO, *kernel.Error) {
	p := m.Current()
	if p == nil || fd < 0 || fd >= IOMax || p.iotab[fd] == nil {
		return nil, ErrBadFd
	}
	return p.iotab[fd], nil
}

// fdPlace stores io into fd, or into the first free cell when fd is
// negative. Returns the descriptor used.
func (m *Manager) fdPlace(fd int, io kio.IO) (int, *kernel.Error) {
	p := m.Current()
	if p == nil {
		return 0, ErrBadFd
	}

	if fd >= 0 {
		if fd >= IOMax || p.iotab[fd] != nil {
			return 0, ErrBadFd
		}
		p.iotab[fd] = io
		return fd, nil
	}

	for i := 0; i < IOMax; i++ {
		if p.iotab[i] == nil {
			p.iotab[i] = io
			return i, nil
		}
	}
	return 0, ErrTooManyFiles
}

func (m *Manager) sysExec(fd, argc int, argvPtr uint64) int64 {
	io, err := m.fdGet(fd)
	if err != nil {
		return kernel.Errno(err)
	}
	if argc < 0 || argc > IOMax*IOMax {
		return kernel.Errno(ErrNoMem)
	}

	argv := make([]string, argc)
	for i := 0; i < argc; i++ {
		var ptr [8]byte
		if err := m.mmu.ReadUser(argvPtr+uint64(8*i), ptr[:]); err != nil {
			return kernel.Errno(err)
		}
		s, serr := m.readUserString(leU64(ptr[:]))
		if serr != nil {
			return kernel.Errno(serr)
		}
		argv[i] = s
	}

	if err := m.Exec(io, argv); err != nil {
		return kernel.Errno(err)
	}
	m.sysClose(fd)
	return 0
}

func (m *Manager) sysFork(tf *TrapFrame) int64 {
	tid, err := m.Fork(tf)
	if err != nil {
		return kernel.Errno(err)
	}
	return int64(tid)
}

func (m *Manager) sysWait(tid int) int64 {
	if tid < 0 {
		tid = 0
	}
	joined, err := m.thr.Join(tid)
	if err != nil {
		return kernel.Errno(err)
	}
	return int64(joined)
}

func (m *Manager) sysPrint(msgPtr uint64) int64 {
	msg, err := m.readUserString(msgPtr)
	if err != nil {
		return kernel.Errno(err)
	}
	tid := m.thr.Current()
	kfmt.Printf("Thread <%s:%d> says: %s\n", m.thr.Name(tid), tid, msg)
	return 0
}

func (m *Manager) sysDevOpen(fd int, namePtr uint64, instno int) int64 {
	name, err := m.readUserString(namePtr)
	if err != nil {
		return kernel.Errno(err)
	}

	io, derr := m.dev.Open(name, instno)
	if derr != nil {
		return kernel.Errno(derr)
	}

	placed, perr := m.fdPlace(fd, io)
	if perr != nil {
		kio.Close(io)
		return kernel.Errno(perr)
	}
	return int64(placed)
}

func (m *Manager) sysFsOpen(fd int, namePtr uint64) int64 {
	name, err := m.readUserString(namePtr)
	if err != nil {
		return kernel.Errno(err)
	}

	io, ferr := m.fs.Open(name)
	if ferr != nil {
		return kernel.Errno(ferr)
	}

	placed, perr := m.fdPlace(fd, io)
	if perr != nil {
		kio.Close(io)
		return kernel.Errno(perr)
	}
	return int64(placed)
}

func (m *Manager) sysClose(fd int) int64 {
	io, err := m.fdGet(fd)
	if err != nil {
		return kernel.Errno(err)
	}
	kio.Close(io)
	m.Current().iotab[fd] = nil
	return 0
}

func (m *Manager) sysRead(fd int, bufPtr, n uint64) int64 {
	io, err := m.fdGet(fd)
	if err != nil {
		return kernel.Errno(err)
	}
	if n > maxTransfer {
		n = maxTransfer
	}
	if n == 0 {
		return 0
	}

	buf := make([]byte, n)
	count, rerr := io.Read(buf)
	if rerr != nil {
		return kernel.Errno(rerr)
	}
	if uint64(count) > n {
		return kernel.Errno(kio.ErrInval)
	}
	if werr := m.mmu.WriteUser(bufPtr, buf[:count]); werr != nil {
		return kernel.Errno(werr)
	}
	return int64(count)
}

func (m *Manager) sysWrite(fd int, bufPtr, n uint64) int64 {
	io, err := m.fdGet(fd)
	if err != nil {
		return kernel.Errno(err)
	}
	if n > maxTransfer {
		return kernel.Errno(kio.ErrInval)
	}
	if n == 0 {
		return 0
	}

	buf := make([]byte, n)
	if rerr := m.mmu.ReadUser(bufPtr, buf); rerr != nil {
		return kernel.Errno(rerr)
	}

	count, werr := kio.Write(io, buf)
	if werr != nil {
		return kernel.Errno(werr)
	}
	if uint64(count) > n {
		return kernel.Errno(kio.ErrInval)
	}
	return int64(count)
}

func (m *Manager) sysIoctl(fd, cmd int, arg uint64) int64 {
	io, err := m.fdGet(fd)
	if err != nil {
		return kernel.Errno(err)
	}

	// Commands with a value operand exchange it through user memory.
	switch cmd {
	case kio.CntlGetBlkSz:
		result, cerr := io.Cntl(cmd, nil)
		if cerr != nil {
			return kernel.Errno(cerr)
		}
		return int64(result)
	default:
		var val uint64
		var buf [8]byte
		if arg != 0 {
			if rerr := m.mmu.ReadUser(arg, buf[:]); rerr != nil {
				return kernel.Errno(rerr)
			}
			val = leU64(buf[:])
		}

		argPtr := &val
		if arg == 0 {
			argPtr = nil
		}
		result, cerr := io.Cntl(cmd, argPtr)
		if cerr != nil {
			return kernel.Errno(cerr)
		}

		if arg != 0 {
			putU64(buf[:], val)
			if werr := m.mmu.WriteUser(arg, buf[:]); werr != nil {
				return kernel.Errno(werr)
			}
		}
		return int64(result)
	}
}

func (m *Manager) sysFsCreate(namePtr uint64) int64 {
	name, err := m.readUserString(namePtr)
	if err != nil {
		return kernel.Errno(err)
	}
	return kernel.Errno(m.fs.Create(name))
}

func (m *Manager) sysFsDelete(namePtr uint64) int64 {
	name, err := m.readUserString(namePtr)
	if err != nil {
		return kernel.Errno(err)
	}
	return kernel.Errno(m.fs.Delete(name))
}

func (m *Manager) sysPipe(wfdPtr, rfdPtr uint64) int64 {
	var buf [4]byte
	if err := m.mmu.ReadUser(wfdPtr, buf[:]); err != nil {
		return kernel.Errno(err)
	}
	wfd := int(int32(leU32buf(buf)))
	if err := m.mmu.ReadUser(rfdPtr, buf[:]); err != nil {
		return kernel.Errno(err)
	}
	rfd := int(int32(leU32buf(buf)))

	if wfd >= 0 && rfd >= 0 && wfd == rfd {
		return kernel.Errno(ErrBadFd)
	}

	w, r := kio.NewPipe(m.thr)

	placedW, err := m.fdPlace(wfd, w)
	if err != nil {
		kio.Close(w)
		kio.Close(r)
		return kernel.Errno(err)
	}
	placedR, err := m.fdPlace(rfd, r)
	if err != nil {
		m.Current().iotab[placedW] = nil
		kio.Close(w)
		kio.Close(r)
		return kernel.Errno(err)
	}

	putU32buf(&buf, uint32(placedW))
	if err := m.mmu.WriteUser(wfdPtr, buf[:]); err != nil {
		return kernel.Errno(err)
	}
	putU32buf(&buf, uint32(placedR))
	if err := m.mmu.WriteUser(rfdPtr, buf[:]); err != nil {
		return kernel.Errno(err)
	}
	return 0
}

func (m *Manager) sysIoDup(oldfd, newfd int) int64 {
	io, err := m.fdGet(oldfd)
	if err != nil {
		return kernel.Errno(err)
	}

	placed, perr := m.fdPlace(newfd, kio.AddRef(io))
	if perr != nil {
		kio.Close(io)
		return kernel.Errno(perr)
	}
	return int64(placed)
}

// readUserString copies a NUL-terminated string out of user memory.
func (m *Manager) readUserString(vma uint64) (string, *kernel.Error) {
	var out []byte
	var chunk [64]byte
	for len(out) < maxStringLen {
		n := len(chunk)
		if err := m.mmu.ReadUser(vma, chunk[:n]); err != nil {
			// Retry byte-wise near an unmapped boundary.
			n = 1
			if err := m.mmu.ReadUser(vma, chunk[:1]); err != nil {
				return "", err
			}
		}
		for i := 0; i < n; i++ {
			if chunk[i] == 0 {
				return string(append(out, chunk[:i]...)), nil
			}
		}
		out = append(out, chunk[:n]...)
		vma += uint64(n)
	}
	return "", kio.ErrInval
}

func leU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func leU32buf(b [4]byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putU32buf(b *[4]byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
