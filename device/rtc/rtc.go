// Package rtc drives the Goldfish real-time clock. Reading the device
// yields an 8-byte little-endian timestamp in nanoseconds since the epoch.
package rtc

import (
	"encoding/binary"

	"ktos/kernel"
	"ktos/kernel/kio"
)

// Port abstracts the RTC register pair. Reading the low word latches the
// high word, so Time must return a single consistent 64-bit value.
type Port interface {
	Time() uint64
}

// Device is an attached RTC.
type Device struct {
	port Port
}

type endpoint struct {
	kio.Base
	dev *Device
}

// Attach initializes an RTC over port.
func Attach(port Port) *Device {
	return &Device{port: port}
}

// Open returns the RTC's I/O endpoint.
func (d *Device) Open() (kio.IO, *kernel.Error) {
	ep := &endpoint{dev: d}
	kio.Init(ep)
	return ep, nil
}

// Read fills buf with the current timestamp. Requests shorter than 8 bytes
// are invalid.
func (e *endpoint) Read(buf []byte) (int, *kernel.Error) {
	if len(buf) < 8 {
		return 0, kio.ErrInval
	}
	binary.LittleEndian.PutUint64(buf, e.dev.port.Time())
	return 8, nil
}
