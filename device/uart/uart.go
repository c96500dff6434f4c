// Package uart drives an NS16550A-compatible serial port. Received bytes
// are staged in a ring buffer filled by the interrupt handler; transmitted
// bytes drain from a second ring as the transmitter holds room. Readers and
// writers block on conditions signalled from the ISR.
package uart

import (
	"ktos/kernel"
	"ktos/kernel/irq"
	"ktos/kernel/kio"
	"ktos/kernel/thread"
)

// RingSize is the capacity of the receive and transmit rings.
const RingSize = 64

// Port abstracts the UART register file. The boot shim provides the
// MMIO-backed implementation; tests provide fakes.
type Port interface {
	// RxReady reports whether a received byte is waiting (LSR DR).
	RxReady() bool

	// TxReady reports whether the transmitter can accept a byte
	// (LSR THRE).
	TxReady() bool

	// Rx reads the receive buffer register.
	Rx() byte

	// Tx writes the transmit holding register.
	Tx(b byte)

	// SetRxIRQ enables or disables the data-ready interrupt.
	SetRxIRQ(enable bool)

	// SetTxIRQ enables or disables the transmitter-empty interrupt.
	SetTxIRQ(enable bool)
}

// ringbuf is a byte queue with free-running cursors; the uint16 wrap keeps
// full and empty distinguishable without wasting a slot.
type ringbuf struct {
	hpos, tpos uint16
	data       [RingSize]byte
}

func (rb *ringbuf) empty() bool { return rb.hpos == rb.tpos }
func (rb *ringbuf) full() bool  { return rb.tpos-rb.hpos == RingSize }

func (rb *ringbuf) putc(c byte) {
	rb.data[rb.tpos%RingSize] = c
	rb.tpos++
}

func (rb *ringbuf) getc() byte {
	c := rb.data[rb.hpos%RingSize]
	rb.hpos++
	return c
}

// Device is one attached UART.
type Device struct {
	port Port
	thr  *thread.Manager

	rxbuf ringbuf
	txbuf ringbuf

	// rxOverruns counts receiver overruns observed by the ISR.
	rxOverruns uint64

	readCond  *thread.Cond
	writeCond *thread.Cond
}

type endpoint struct {
	kio.Base
	dev *Device
}

// Attach initializes a UART over port and returns the device. The caller
// registers its ISR with the PLIC and its open routine with the device
// manager.
func Attach(thr *thread.Manager, port Port) *Device {
	return &Device{
		port:      port,
		thr:       thr,
		readCond:  thr.NewCond("uart.read"),
		writeCond: thr.NewCond("uart.write"),
	}
}

// Open resets the rings, enables receive interrupts and hands back the I/O
// endpoint.
func (d *Device) Open() (kio.IO, *kernel.Error) {
	prev := irq.Disable()
	d.rxbuf = ringbuf{}
	d.txbuf = ringbuf{}
	irq.Restore(prev)

	d.port.SetRxIRQ(true)

	ep := &endpoint{dev: d}
	kio.Init(ep)
	kio.OnClose(ep, func() {
		d.port.SetRxIRQ(false)
		d.port.SetTxIRQ(false)
	})
	return ep, nil
}

// ISR services the UART interrupt: it moves received bytes into the rx ring
// and drains the tx ring while the transmitter has room, waking any blocked
// readers and writers.
func (d *Device) ISR(int) {
	irq.Lock()
	moved := false
	for d.port.RxReady() {
		if d.rxbuf.full() {
			d.rxOverruns++
			d.port.SetRxIRQ(false)
			break
		}
		d.rxbuf.putc(d.port.Rx())
		moved = true
	}

	drained := false
	for !d.txbuf.empty() && d.port.TxReady() {
		d.port.Tx(d.txbuf.getc())
		drained = true
	}
	if d.txbuf.empty() {
		d.port.SetTxIRQ(false)
	}
	irq.Unlock()

	if moved {
		d.readCond.BroadcastISR()
	}
	if drained {
		d.writeCond.BroadcastISR()
	}
}

// Read blocks until at least one byte is available, then drains up to
// len(buf) buffered bytes.
func (e *endpoint) Read(buf []byte) (int, *kernel.Error) {
	if len(buf) == 0 {
		return 0, nil
	}
	d := e.dev

	prev := irq.Disable()
	for d.rxbuf.empty() {
		d.readCond.Wait()
	}

	n := 0
	for n < len(buf) && !d.rxbuf.empty() {
		buf[n] = d.rxbuf.getc()
		n++
	}
	irq.Restore(prev)

	// Ring space opened up; let the receiver refill it.
	d.port.SetRxIRQ(true)
	return n, nil
}

// Write queues all of buf for transmission, blocking per byte while the tx
// ring is full.
func (e *endpoint) Write(buf []byte) (int, *kernel.Error) {
	d := e.dev

	for i := 0; i < len(buf); i++ {
		prev := irq.Disable()
		for d.txbuf.full() {
			d.writeCond.Wait()
		}
		d.txbuf.putc(buf[i])
		irq.Restore(prev)

		d.port.SetTxIRQ(true)
	}
	return len(buf), nil
}
