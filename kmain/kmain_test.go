package kmain

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"ktos/device/virtio"
	"ktos/kernel/kfmt"
	"ktos/kernel/kio"
	"ktos/kernel/ktfs"
	"ktos/kernel/mm"
	"ktos/kernel/proc"
	"ktos/kernel/thread"
)

type fakeUART struct {
	rx, tx []byte
}

func (p *fakeUART) RxReady() bool { return len(p.rx) > 0 }
func (p *fakeUART) TxReady() bool { return true }
func (p *fakeUART) Rx() byte {
	b := p.rx[0]
	p.rx = p.rx[1:]
	return b
}
func (p *fakeUART) Tx(b byte)     { p.tx = append(p.tx, b) }
func (p *fakeUART) SetRxIRQ(bool) {}
func (p *fakeUART) SetTxIRQ(bool) {}

type fakeRTC struct{ now uint64 }

func (p *fakeRTC) Time() uint64 { return p.now }

type fakePLIC struct {
	enabled map[int]bool
}

func (p *fakePLIC) SetPriority(int, int) {}
func (p *fakePLIC) Enable(srcno int) {
	if p.enabled == nil {
		p.enabled = make(map[int]bool)
	}
	p.enabled[srcno] = true
}
func (p *fakePLIC) Disable(srcno int) { delete(p.enabled, srcno) }
func (p *fakePLIC) Claim() int        { return 0 }
func (p *fakePLIC) Complete(int)      {}

type fakeQueue struct {
	used    uint16
	process func(chain []virtio.Desc)
}

func (q *fakeQueue) Submit(chain []virtio.Desc) {
	q.process(chain)
	q.used++
}
func (q *fakeQueue) UsedIdx() uint16 { return q.used }

type fakeTransport struct {
	id     uint32
	status uint8
	queue  *fakeQueue
}

func (t *fakeTransport) DeviceID() uint32          { return t.id }
func (t *fakeTransport) Reset()                    { t.status = 0 }
func (t *fakeTransport) SetStatus(s uint8)         { t.status = s }
func (t *fakeTransport) Status() uint8             { return t.status }
func (t *fakeTransport) Negotiate(f uint64) uint64 { return f }
func (t *fakeTransport) Queue(int) virtio.Queue    { return t.queue }

func newBlockTransport(store []byte) *fakeTransport {
	tr := &fakeTransport{id: virtio.DeviceIDBlock}
	tr.queue = &fakeQueue{process: func(chain []virtio.Desc) {
		header := chain[0].Data
		reqType := binary.LittleEndian.Uint32(header[0:])
		sector := binary.LittleEndian.Uint64(header[8:])
		data := chain[1].Data
		status := chain[2].Data

		off := sector * virtio.SectorSize
		if reqType == 0 {
			copy(data, store[off:off+virtio.SectorSize])
		} else {
			copy(store[off:off+virtio.SectorSize], data)
		}
		status[0] = 0
	}}
	return tr
}

// buildInitELF assembles a trivial RISC-V executable for the init program.
func buildInitELF() []byte {
	const phoff = 64
	dataOff := uint64(phoff + 56)
	payload := []byte("init program")

	img := make([]byte, int(dataOff)+len(payload))
	copy(img, "\x7fELF")
	img[4] = 2
	img[5] = 1
	img[6] = 1
	binary.LittleEndian.PutUint16(img[16:], 2)
	binary.LittleEndian.PutUint16(img[18:], 243)
	binary.LittleEndian.PutUint64(img[24:], mm.UserStart)
	binary.LittleEndian.PutUint64(img[32:], phoff)
	binary.LittleEndian.PutUint16(img[54:], 56)
	binary.LittleEndian.PutUint16(img[56:], 1)

	ph := img[phoff:]
	binary.LittleEndian.PutUint32(ph[0:], 1)
	binary.LittleEndian.PutUint32(ph[4:], 0x7)
	binary.LittleEndian.PutUint64(ph[8:], dataOff)
	binary.LittleEndian.PutUint64(ph[16:], mm.UserStart)
	binary.LittleEndian.PutUint64(ph[32:], uint64(len(payload)))
	binary.LittleEndian.PutUint64(ph[40:], uint64(len(payload)))

	copy(img[dataOff:], payload)
	return img
}

// buildBootDisk formats a KTFS image holding shell.elf.
func buildBootDisk(t *testing.T) []byte {
	t.Helper()

	const totalBlocks = 512
	image := make([]byte, totalBlocks*ktfs.BlockSize)
	disk := kio.NewMemIO(image)
	if err := ktfs.Format(disk, totalBlocks, 4); err != nil {
		t.Fatal(err)
	}

	thr := thread.NewManager()
	thr.SetHaltFn(func(bool) {})
	fs, err := ktfs.Mount(thr, disk)
	if err != nil {
		t.Fatal(err)
	}

	if err := fs.Create("shell.elf"); err != nil {
		t.Fatal(err)
	}
	io, err := fs.Open("shell.elf")
	if err != nil {
		t.Fatal(err)
	}
	elf := buildInitELF()
	end := uint64(len(elf))
	if _, err := io.Cntl(kio.CntlSetEnd, &end); err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteAt(0, elf); err != nil {
		t.Fatal(err)
	}
	kio.Close(io)
	if err := fs.Flush(); err != nil {
		t.Fatal(err)
	}
	return image
}

func TestKmainBootsAndExecsInit(t *testing.T) {
	var console bytes.Buffer
	kfmt.SetOutputSink(&console)
	defer kfmt.SetOutputSink(nil)

	store := buildBootDisk(t)

	var captured *proc.TrapFrame
	board := Board{
		RAMSize:     8 * 1024 * 1024,
		KernelPages: 64,
		Console:     &fakeUART{},
		ConsoleIRQ:  10,
		Clock:       &fakeRTC{now: 1234},
		PLIC:        &fakePLIC{},
		Block:       newBlockTransport(store),
		BlockIRQ:    1,
		BlockSize:   uint64(len(store)) / virtio.SectorSize,
		JumpToUser:  func(tf *proc.TrapFrame) { captured = tf },
	}

	k, err := Kmain(board)
	if err != nil {
		t.Fatal(err)
	}
	if k == nil {
		t.Fatal("expected assembled kernel")
	}

	if captured == nil {
		t.Fatal("expected boot to reach user mode")
	}
	if captured.SEPC != mm.UserStart {
		t.Fatalf("expected entry at %x; got %x", mm.UserStart, captured.SEPC)
	}
	if captured.A0 != 1 {
		t.Fatalf("expected argc 1; got %d", captured.A0)
	}

	// The init program's segment is loaded into user memory.
	seg := make([]byte, 12)
	if rerr := k.MMU.ReadUser(mm.UserStart, seg); rerr != nil {
		t.Fatal(rerr)
	}
	if string(seg) != "init program" {
		t.Fatalf("expected init segment in user memory; got %q", seg)
	}

	if !strings.Contains(console.String(), "RAM:") {
		t.Fatal("expected the boot banner on the console")
	}
}

func TestKmainMissingInitFails(t *testing.T) {
	var console bytes.Buffer
	kfmt.SetOutputSink(&console)
	defer kfmt.SetOutputSink(nil)

	// A formatted but empty disk: boot must fail to open the init
	// program and report it.
	const totalBlocks = 128
	image := make([]byte, totalBlocks*ktfs.BlockSize)
	if err := ktfs.Format(kio.NewMemIO(image), totalBlocks, 4); err != nil {
		t.Fatal(err)
	}

	board := Board{
		RAMSize:     4 * 1024 * 1024,
		KernelPages: 64,
		Console:     &fakeUART{},
		ConsoleIRQ:  10,
		Clock:       &fakeRTC{},
		PLIC:        &fakePLIC{},
		Block:       newBlockTransport(image),
		BlockIRQ:    1,
		BlockSize:   uint64(len(image)) / virtio.SectorSize,
		JumpToUser:  func(*proc.TrapFrame) {},
	}

	if _, err := Kmain(board); err != ktfs.ErrNoEnt {
		t.Fatalf("expected boot to fail with ErrNoEnt; got %v", err)
	}
}
