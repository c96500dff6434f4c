package virtio

import (
	"encoding/binary"

	"ktos/kernel"
	"ktos/kernel/irq"
	"ktos/kernel/kio"
	"ktos/kernel/thread"
)

// SectorSize is the block device's transfer unit.
const SectorSize = 512

// Block request types.
const (
	blkReqIn  = 0 // device-to-driver (read)
	blkReqOut = 1 // driver-to-device (write)
)

// Request status bytes written by the device.
const (
	blkStatusOK          = 0
	blkStatusIOErr       = 1
	blkStatusUnsupported = 2
)

// BlockDevice is a VirtIO block device. A per-device lock keeps a single
// request in flight: set up the descriptor chain, kick, wait for the used
// index, read the status byte.
type BlockDevice struct {
	tr    Transport
	queue Queue
	thr   *thread.Manager

	lock *thread.Lock
	used *thread.Cond

	// lastUsed is the used index consumed so far.
	lastUsed uint16

	// capacity is the device size in sectors.
	capacity uint64
}

type blkEndpoint struct {
	kio.Base
	dev *BlockDevice
}

// AttachBlock negotiates with the transport and returns the block device.
// capacitySectors is the device size read from device configuration space.
func AttachBlock(thr *thread.Manager, tr Transport, capacitySectors uint64) (*BlockDevice, *kernel.Error) {
	if err := initDevice(tr, DeviceIDBlock, 0); err != nil {
		return nil, err
	}

	return &BlockDevice{
		tr:       tr,
		queue:    tr.Queue(0),
		thr:      thr,
		lock:     thr.NewLock("vioblk"),
		used:     thr.NewCond("vioblk.used"),
		capacity: capacitySectors,
	}, nil
}

// Open returns the device's I/O endpoint.
func (d *BlockDevice) Open() (kio.IO, *kernel.Error) {
	ep := &blkEndpoint{dev: d}
	kio.Init(ep)
	return ep, nil
}

// ISR services the device interrupt by waking the thread waiting on the
// used index.
func (d *BlockDevice) ISR(int) {
	d.used.BroadcastISR()
}

// request runs one sector transfer and blocks until the device retires it.
func (d *BlockDevice) request(reqType uint32, sector uint64, data []byte) *kernel.Error {
	var header [16]byte
	binary.LittleEndian.PutUint32(header[0:], reqType)
	binary.LittleEndian.PutUint64(header[8:], sector)
	status := []byte{0xff}

	d.lock.Acquire()
	defer d.lock.Release()

	before := d.lastUsed
	d.queue.Submit([]Desc{
		{Data: header[:]},
		{Data: data, DeviceWrites: reqType == blkReqIn},
		{Data: status, DeviceWrites: true},
	})

	prev := irq.Disable()
	for d.queue.UsedIdx() == before {
		d.used.Wait()
	}
	d.lastUsed = d.queue.UsedIdx()
	irq.Restore(prev)

	if status[0] != blkStatusOK {
		return ErrDeviceFailed
	}
	return nil
}

// ReadAt reads whole sectors starting at byte position pos, which must be
// sector-aligned along with the buffer length.
func (e *blkEndpoint) ReadAt(pos uint64, buf []byte) (int, *kernel.Error) {
	return e.dev.transfer(blkReqIn, pos, buf)
}

// WriteAt writes whole sectors starting at byte position pos.
func (e *blkEndpoint) WriteAt(pos uint64, buf []byte) (int, *kernel.Error) {
	return e.dev.transfer(blkReqOut, pos, buf)
}

func (d *BlockDevice) transfer(reqType uint32, pos uint64, buf []byte) (int, *kernel.Error) {
	if pos%SectorSize != 0 || len(buf)%SectorSize != 0 {
		return 0, kio.ErrInval
	}
	sector := pos / SectorSize
	if sector+uint64(len(buf))/SectorSize > d.capacity {
		return 0, kio.ErrInval
	}

	for done := 0; done < len(buf); done += SectorSize {
		if err := d.request(reqType, sector, buf[done:done+SectorSize]); err != nil {
			return done, err
		}
		sector++
	}
	return len(buf), nil
}

// Cntl reports the sector size as the block size and the device capacity in
// bytes as the end.
func (e *blkEndpoint) Cntl(cmd int, arg *uint64) (int, *kernel.Error) {
	switch cmd {
	case kio.CntlGetBlkSz:
		return SectorSize, nil
	case kio.CntlGetEnd:
		if arg == nil {
			return 0, kio.ErrInval
		}
		*arg = e.dev.capacity * SectorSize
		return 0, nil
	default:
		return 0, kio.ErrNotSup
	}
}
