// Package proc implements user processes: a fixed process table, exec of
// ELF executables from the filesystem, eager-copy fork, process exit, and
// the system-call dispatcher.
package proc

import (
	"ktos/device"
	"ktos/kernel"
	"ktos/kernel/kelf"
	"ktos/kernel/kfmt"
	"ktos/kernel/kio"
	"ktos/kernel/ktfs"
	"ktos/kernel/mm"
	"ktos/kernel/mm/pmm"
	"ktos/kernel/mm/vmm"
	"ktos/kernel/thread"
	"ktos/kernel/timer"
)

const (
	// NPROC is the size of the process table; index 0 is the main
	// process owned by the boot thread.
	NPROC = 16

	// IOMax is the length of the per-process I/O descriptor table.
	IOMax = 16
)

var (
	// ErrNoProc is returned by Fork when the process table is full.
	ErrNoProc = &kernel.Error{Module: "proc", Message: "process table full", Code: kernel.CodeInval}

	// ErrBadFd is returned for descriptors out of range or unoccupied.
	ErrBadFd = &kernel.Error{Module: "proc", Message: "bad file descriptor", Code: kernel.CodeBadFd}

	// ErrTooManyFiles is returned when the I/O table has no free cell.
	ErrTooManyFiles = &kernel.Error{Module: "proc", Message: "too many open files", Code: kernel.CodeMFile}

	// ErrNoMem is returned when exec cannot fit its arguments or stack.
	ErrNoMem = &kernel.Error{Module: "proc", Message: "out of memory", Code: kernel.CodeNoMem}
)

// Process is one slot of the process table.
type Process struct {
	idx  int
	tid  int
	mtag vmm.MTag

	iotab [IOMax]kio.IO
}

// Tid returns the id of the thread owning this process.
func (p *Process) Tid() int { return p.tid }

// Manager owns the process table and the pieces of the kernel a process
// touches: threads, address spaces, the filesystem, devices and the timer.
type Manager struct {
	thr   *thread.Manager
	mmu   *vmm.MMU
	ram   *mm.RAM
	alloc *pmm.Allocator
	fs    *ktfs.FS
	dev   *device.Manager
	tmr   *timer.Manager

	procs [NPROC]*Process

	// jumpFn is the trap-exit seam: it installs a trap frame and
	// resumes user mode. The boot shim provides the real one; tests
	// emulate user programs through it.
	jumpFn func(tf *TrapFrame)
}

// NewManager creates the process manager and installs the boot thread as
// the main process, owning the active address space.
func NewManager(thr *thread.Manager, mmu *vmm.MMU, ram *mm.RAM, alloc *pmm.Allocator, fs *ktfs.FS, dev *device.Manager, tmr *timer.Manager) *Manager {
	m := &Manager{
		thr:   thr,
		mmu:   mmu,
		ram:   ram,
		alloc: alloc,
		fs:    fs,
		dev:   dev,
		tmr:   tmr,
		jumpFn: func(*TrapFrame) {
			kfmt.Panic(&kernel.Error{Module: "proc", Message: "no trap layer installed"})
		},
	}

	main := &Process{idx: 0, tid: thr.Current(), mtag: mmu.ActiveSpace()}
	m.procs[0] = main
	thr.SetProcess(main.tid, main)
	thr.SetSpace(main.tid, uint64(main.mtag))
	thr.SetSwitchSpace(func(tag uint64) { mmu.SwitchSpace(vmm.MTag(tag)) })
	return m
}

// SetJumpFn installs the trap-exit hook used to enter user mode.
func (m *Manager) SetJumpFn(fn func(tf *TrapFrame)) { m.jumpFn = fn }

// Current returns the process of the running thread, or nil for pure
// kernel threads.
func (m *Manager) Current() *Process {
	p, _ := m.thr.CurrentProcess().(*Process)
	return p
}

// Exec replaces the current process image with the executable behind exeio.
// The argument strings are laid out on a fresh stack page mapped at the top
// of user memory, the address space is reset, the ELF is loaded, and
// control transfers to user mode through the trap layer.
func (m *Manager) Exec(exeio kio.IO, argv []string) *kernel.Error {
	stack, err := m.alloc.AllocPage()
	if err != nil {
		return err
	}
	page := m.ram.MustSlice(stack)
	kernel.Memset(page, 0)

	stksz, serr := buildStack(page, argv)
	if serr != nil {
		m.alloc.FreePage(stack)
		return serr
	}

	m.mmu.ResetActiveSpace()
	if _, err := m.mmu.MapPage(mm.UserEnd-mm.PageSize, stack,
		vmm.FlagRead|vmm.FlagWrite|vmm.FlagUser); err != nil {
		m.alloc.FreePage(stack)
		return err
	}

	entry, lerr := kelf.Load(exeio, m.mmu)
	if lerr != nil {
		return lerr
	}

	tf := &TrapFrame{
		SEPC:    entry,
		A0:      uint64(len(argv)),
		A1:      mm.UserEnd - uint64(stksz),
		SP:      mm.UserEnd - uint64(stksz),
		SStatus: sstatusSPIE, // previous mode user, previous IE set
	}
	m.jumpFn(tf)
	return nil
}

// Fork duplicates the current process: the I/O table gains a reference per
// cell, the address space is deep-copied, and a new thread resumes the
// child from a copy of the parent's trap frame with a zero return value.
// Returns the child's thread id.
func (m *Manager) Fork(tf *TrapFrame) (int, *kernel.Error) {
	parent := m.Current()
	if parent == nil {
		return 0, ErrNoProc
	}

	slot := -1
	for i := 0; i < NPROC; i++ {
		if m.procs[i] == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		return 0, ErrNoProc
	}

	child := &Process{idx: slot}
	for i, io := range parent.iotab {
		if io != nil {
			child.iotab[i] = kio.AddRef(io)
		}
	}

	mtag, err := m.mmu.CloneActiveSpace()
	if err != nil {
		for _, io := range child.iotab {
			if io != nil {
				kio.Close(io)
			}
		}
		return 0, err
	}
	child.mtag = mtag

	childTF := *tf
	childTF.A0 = 0

	tid, serr := m.thr.Spawn("forked", func() {
		m.jumpFn(&childTF)
	})
	if serr != nil {
		return 0, serr
	}

	child.tid = tid
	m.thr.SetProcess(tid, child)
	m.thr.SetSpace(tid, uint64(mtag))
	m.procs[slot] = child
	return tid, nil
}

// Exit terminates the current process: the filesystem is flushed, the
// address space discarded, every I/O table cell closed, the table slot
// cleared, and the owning thread exited. The main process must not exit.
func (m *Manager) Exit() {
	p := m.Current()
	if p == nil || p.tid == thread.MainTID {
		kfmt.Panic(&kernel.Error{Module: "proc", Message: "main process exited"})
		return
	}

	if m.fs != nil {
		m.fs.Flush()
	}

	m.mmu.DiscardActiveSpace()

	for i, io := range p.iotab {
		if io != nil {
			kio.Close(io)
			p.iotab[i] = nil
		}
	}

	m.procs[p.idx] = nil
	m.thr.Exit()
}

// buildStack lays out {argv pointers, strings} at the top of the stack
// page, with the pointer values translated to where the user process will
// see the page. Returns the occupied stack size, a multiple of 16.
func buildStack(page []byte, argv []string) (int, *kernel.Error) {
	argc := len(argv)

	// argv[] carries argc+1 entries; the last is a null pointer.
	if len(page)/8-1 < argc {
		return 0, ErrNoMem
	}

	stksz := (argc + 1) * 8
	for _, arg := range argv {
		need := len(arg) + 1
		if len(page)-stksz < need {
			return 0, ErrNoMem
		}
		stksz += need
	}
	stksz = (stksz + 15) &^ 15

	vecBase := len(page) - stksz
	strOff := vecBase + (argc+1)*8

	userPage := mm.UserEnd - mm.PageSize
	for i, arg := range argv {
		putU64(page[vecBase+8*i:], userPage+uint64(strOff))
		copy(page[strOff:], arg)
		strOff += len(arg) + 1
	}
	putU64(page[vecBase+8*argc:], 0)
	return stksz, nil
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
