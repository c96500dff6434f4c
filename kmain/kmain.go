// Package kmain contains the kernel's boot sequence. The assembly bootstrap
// hands over a configured stack and a Board describing the platform; Kmain
// brings up memory, threads, devices and the filesystem, then executes the
// initial user program.
package kmain

import (
	"io"

	"ktos/device"
	"ktos/device/rtc"
	"ktos/device/uart"
	"ktos/device/virtio"
	"ktos/kernel"
	"ktos/kernel/irq"
	"ktos/kernel/kfmt"
	"ktos/kernel/kio"
	"ktos/kernel/ktfs"
	"ktos/kernel/mm"
	"ktos/kernel/mm/pmm"
	"ktos/kernel/mm/vmm"
	"ktos/kernel/proc"
	"ktos/kernel/thread"
	"ktos/kernel/timer"
)

// DefaultInit is the user program started at the end of boot.
const DefaultInit = "shell.elf"

// Board describes the platform handed over by the boot shim: the RAM
// layout, the device register files, interrupt wiring, and the trap-exit
// hook.
type Board struct {
	// RAMSize is the size of physical memory starting at mm.RAMStart.
	RAMSize uint64

	// KernelPages is the number of pages at the bottom of RAM holding
	// the kernel image and boot heap; the rest becomes the page pool.
	KernelPages uint64

	Console     uart.Port
	ConsoleIRQ  int
	Clock       rtc.Port
	PLIC        irq.Regs
	Block       virtio.Transport
	BlockIRQ    int
	BlockSize   uint64 // capacity in sectors
	Entropy     virtio.Transport
	EntropyIRQ  int

	// JumpToUser resumes user mode with the given trap frame.
	JumpToUser func(tf *proc.TrapFrame)

	// InitName overrides the initial program; empty means DefaultInit.
	InitName string
}

// Kernel is the assembled system, returned so the trap layer can route
// syscalls, faults and interrupts.
type Kernel struct {
	Threads *thread.Manager
	MMU     *vmm.MMU
	Procs   *proc.Manager
	PLIC    *irq.PLIC
	FS      *ktfs.FS
}

// consoleWriter adapts the UART endpoint to the kfmt output sink.
type consoleWriter struct {
	ep kio.IO
}

func (w *consoleWriter) Write(p []byte) (int, error) {
	n, err := kio.Write(w.ep, p)
	if err != nil {
		return n, err
	}
	return n, nil
}

// Kmain boots the kernel and executes the initial user program. It only
// returns on failure.
func Kmain(b Board) (*Kernel, *kernel.Error) {
	ram, err := mm.NewRAM(b.RAMSize)
	if err != nil {
		return nil, err
	}

	kfmt.Printf("           RAM: [%x,%x): %d MB\n",
		mm.RAMStart, mm.RAMStart+b.RAMSize, b.RAMSize/1024/1024)
	kfmt.Printf("  Kernel image: [%x,%x)\n",
		mm.RAMStart, mm.RAMStart+b.KernelPages*mm.PageSize)

	alloc, err := pmm.NewAllocator(ram, ram.FirstFrame()+mm.Frame(b.KernelPages),
		ram.FrameCount()-b.KernelPages)
	if err != nil {
		return nil, err
	}
	kfmt.Printf("     Page pool: %d pages free\n", alloc.FreePageCount())

	mmu, err := vmm.New(ram, alloc)
	if err != nil {
		return nil, err
	}

	thr := thread.NewManager()
	tmr := timer.New(thr)
	plic := irq.NewPLIC(b.PLIC)
	devmgr := device.NewManager()

	// Console first, so the early print buffer drains to the UART.
	con := uart.Attach(thr, b.Console)
	if _, err := devmgr.Register("uart", con.Open); err != nil {
		return nil, err
	}
	if err := plic.Register(b.ConsoleIRQ, 1, con.ISR); err != nil {
		return nil, err
	}
	conEp, err := con.Open()
	if err != nil {
		return nil, err
	}
	var sink io.Writer = &kfmt.PrefixWriter{
		Sink:   &consoleWriter{ep: conEp},
		Prefix: []byte("[ktos] "),
	}
	kfmt.SetOutputSink(sink)

	clock := rtc.Attach(b.Clock)
	if _, err := devmgr.Register("rtc", clock.Open); err != nil {
		return nil, err
	}

	blk, err := virtio.AttachBlock(thr, b.Block, b.BlockSize)
	if err != nil {
		return nil, err
	}
	if _, err := devmgr.Register("vioblk", blk.Open); err != nil {
		return nil, err
	}
	if err := plic.Register(b.BlockIRQ, 1, blk.ISR); err != nil {
		return nil, err
	}

	if b.Entropy != nil {
		rng, err := virtio.AttachEntropy(thr, b.Entropy)
		if err != nil {
			return nil, err
		}
		if _, err := devmgr.Register("rng", rng.Open); err != nil {
			return nil, err
		}
		if err := plic.Register(b.EntropyIRQ, 1, rng.ISR); err != nil {
			return nil, err
		}
	}

	blkEp, err := devmgr.Open("vioblk", 0)
	if err != nil {
		return nil, err
	}
	fs, err := ktfs.Mount(thr, blkEp)
	if err != nil {
		return nil, err
	}

	procs := proc.NewManager(thr, mmu, ram, alloc, fs, devmgr, tmr)
	if b.JumpToUser != nil {
		procs.SetJumpFn(b.JumpToUser)
	}

	k := &Kernel{Threads: thr, MMU: mmu, Procs: procs, PLIC: plic, FS: fs}

	initName := b.InitName
	if initName == "" {
		initName = DefaultInit
	}

	exe, err := fs.Open(initName)
	if err != nil {
		kfmt.Printf("%s: unable to open\n", initName)
		return k, err
	}

	if err := procs.Exec(exe, []string{initName}); err != nil {
		kfmt.Printf("%s: exec failed: %s\n", initName, err.Message)
		return k, err
	}
	return k, nil
}
