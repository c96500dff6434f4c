package virtio

import (
	"ktos/kernel"
	"ktos/kernel/irq"
	"ktos/kernel/kio"
	"ktos/kernel/thread"
)

// EntropyDevice is a VirtIO entropy source: each request posts a writable
// buffer that the device fills with random bytes.
type EntropyDevice struct {
	tr    Transport
	queue Queue
	thr   *thread.Manager

	lock *thread.Lock
	used *thread.Cond

	lastUsed uint16
}

type rngEndpoint struct {
	kio.Base
	dev *EntropyDevice
}

// AttachEntropy negotiates with the transport and returns the device.
func AttachEntropy(thr *thread.Manager, tr Transport) (*EntropyDevice, *kernel.Error) {
	if err := initDevice(tr, DeviceIDEntropy, 0); err != nil {
		return nil, err
	}

	return &EntropyDevice{
		tr:    tr,
		queue: tr.Queue(0),
		thr:   thr,
		lock:  thr.NewLock("viorng"),
		used:  thr.NewCond("viorng.used"),
	}, nil
}

// Open returns the device's I/O endpoint.
func (d *EntropyDevice) Open() (kio.IO, *kernel.Error) {
	ep := &rngEndpoint{dev: d}
	kio.Init(ep)
	return ep, nil
}

// ISR services the device interrupt.
func (d *EntropyDevice) ISR(int) {
	d.used.BroadcastISR()
}

// Read fills buf with entropy from the device.
func (e *rngEndpoint) Read(buf []byte) (int, *kernel.Error) {
	if len(buf) == 0 {
		return 0, nil
	}
	d := e.dev

	d.lock.Acquire()
	defer d.lock.Release()

	before := d.lastUsed
	d.queue.Submit([]Desc{{Data: buf, DeviceWrites: true}})

	prev := irq.Disable()
	for d.queue.UsedIdx() == before {
		d.used.Wait()
	}
	d.lastUsed = d.queue.UsedIdx()
	irq.Restore(prev)

	return len(buf), nil
}
