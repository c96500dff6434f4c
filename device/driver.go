// Package device implements the kernel's device manager: every driver
// registers an open function under a (name, instance) pair, and devopen
// resolves the pair to a fresh I/O endpoint.
package device

import (
	"ktos/kernel"
	"ktos/kernel/kio"
)

// OpenFn is a driver's open routine. It hands back an I/O endpoint for the
// device instance and enables its interrupt source.
type OpenFn func() (kio.IO, *kernel.Error)

// maxDevices bounds the registration table.
const maxDevices = 16

var (
	// ErrNoDevice is returned when no driver is registered under the
	// requested (name, instance) pair.
	ErrNoDevice = &kernel.Error{Module: "device", Message: "no such device", Code: kernel.CodeNoEnt}

	// ErrTableFull is returned when the registration table is exhausted.
	ErrTableFull = &kernel.Error{Module: "device", Message: "device table full", Code: kernel.CodeNoMem}
)

type registration struct {
	name   string
	instno int
	open   OpenFn
}

// Manager maps (name, instance) pairs to driver open functions.
type Manager struct {
	devices []registration
}

// NewManager returns an empty device manager.
func NewManager() *Manager {
	return &Manager{devices: make([]registration, 0, maxDevices)}
}

// Register attaches an open function under name. The instance number is
// assigned per name, counting registrations from zero, and returned to the
// caller.
func (m *Manager) Register(name string, open OpenFn) (int, *kernel.Error) {
	if len(m.devices) == cap(m.devices) {
		return 0, ErrTableFull
	}

	instno := 0
	for _, reg := range m.devices {
		if reg.name == name {
			instno++
		}
	}

	m.devices = append(m.devices, registration{name: name, instno: instno, open: open})
	return instno, nil
}

// Open resolves name#instno and invokes the driver's open routine.
func (m *Manager) Open(name string, instno int) (kio.IO, *kernel.Error) {
	for _, reg := range m.devices {
		if reg.name == name && reg.instno == instno {
			return reg.open()
		}
	}
	return nil, ErrNoDevice
}
