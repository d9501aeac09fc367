package hv

import (
	"errors"
	"io"
)

var (
	ErrVMHalted      = errors.New("virtual machine halted")
	ErrGuestAccess   = errors.New("guest physical access out of range")
	ErrNoAddressRoom = errors.New("no room left in address space")
)

// GuestMemory is the guest physical address space as seen by device models
// and firmware services. Accesses that cannot be completed return an error;
// a short read reports how many bytes were copied before the failure.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt

	MemorySize() uint64
}

// NMIHandler is implemented by devices that react to a monitor-injected
// non-maskable interrupt.
type NMIHandler interface {
	HandleNMI(cpuIndex int) error
}
