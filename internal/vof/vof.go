// Package vof implements the client interface of a minimal IEEE1275 Open
// Firmware on the emulator side. The guest runs a tiny firmware that traps
// into Vof.ClientCall for every client interface service; the services
// walk and edit the device tree and manage a claim allocator used by boot
// loaders before the kernel takes over memory management.
package vof

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrParameter reports a call record that could not be read or decoded.
	// No service was invoked.
	ErrParameter = errors.New("vof: bad client call record")
	// ErrExit is returned when the client asked the machine to stop.
	ErrExit = errors.New("vof: client requested exit")
	// ErrFatal reports an internal inconsistency; the machine must stop.
	ErrFatal = errors.New("vof: fatal firmware inconsistency")
	// ErrClaim reports a claim that could not be satisfied.
	ErrClaim = errors.New("vof: claim failed")
	// ErrRelease reports a release that matched no claim.
	ErrRelease = errors.New("vof: release matched no claim")
)

const (
	// ciFail is the client interface failure cell (-1).
	ciFail = 0xFFFFFFFF

	// OF1275 suggests 32 bytes for property names but LoPAPR defines
	// "ibm,query-interrupt-source-number", which is longer.
	maxPropNameLen       = 64
	maxPathLen           = 256
	maxFindDevicePathLen = 1024
	maxPropLen           = 2048
	maxMethodLen         = 256
	maxForthCodeLen      = 256
	maxServiceLen        = 64
	vtyBufSize           = 256

	// Floating claims stay below 4GiB so 32-bit clients can use them.
	claimLimitMax = 4 << 30
)

// Memory is the guest physical address space.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// Machine is implemented by the platform embedding the firmware.
type Machine interface {
	// ClientArchitectureSupport handles "ibm,client-architecture-support";
	// vec is the guest address of the architecture vector.
	ClientArchitectureSupport(vec uint64) uint32
	// Quiesce is called once the client is done with the device tree.
	// fdt is the packed tree.
	Quiesce(fdt []byte)
	// AuthorizeSetprop lets the platform veto a property update that
	// already passed the firmware's own allow-list.
	AuthorizeSetprop(path, name string, value []byte) bool
}

// Config holds the construction parameters of a firmware session.
type Config struct {
	// TopAddr is the top of memory addressable by the client; floating
	// claims are capped at min(TopAddr, 4GiB).
	TopAddr uint64
	// FirmwareSize is the size of the firmware image loaded at address
	// zero. It is claimed when the session starts.
	FirmwareSize uint64

	Memory  Memory
	Machine Machine
	Logger  *slog.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Vof is one firmware session. It is not safe for concurrent use; the
// client interface is only entered from the trapping vCPU.
type Vof struct {
	log     *slog.Logger
	mem     Memory
	machine Machine
	clock   func() time.Time
	start   time.Time

	claims    *allocator
	instances *instanceTable
	streams   map[string]ByteStream
	blocks    map[string]BlockDevice

	fwSize      uint64
	bootargs    string
	initrdStart uint64
	initrdEnd   uint64
	quiesced    bool

	quiescedLog rate.Sometimes
}

// New creates a firmware session and claims the firmware image.
func New(cfg Config) (*Vof, error) {
	if cfg.Memory == nil {
		return nil, fmt.Errorf("vof: guest memory is nil")
	}
	if cfg.FirmwareSize == 0 {
		return nil, fmt.Errorf("vof: firmware size is zero")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	v := &Vof{
		log:         log,
		mem:         cfg.Memory,
		machine:     cfg.Machine,
		clock:       clock,
		start:       clock(),
		claims:      newAllocator(min(cfg.TopAddr, claimLimitMax)),
		instances:   newInstanceTable(),
		streams:     make(map[string]ByteStream),
		blocks:      make(map[string]BlockDevice),
		fwSize:      cfg.FirmwareSize,
		quiescedLog: rate.Sometimes{First: 1, Interval: time.Second},
	}
	if _, err := v.Claim(0, cfg.FirmwareSize, 0); err != nil {
		return nil, fmt.Errorf("vof: claim firmware image: %w", err)
	}
	return v, nil
}

// Claim reserves memory on behalf of the platform, with the same semantics
// as the "claim" service. The device tree is not updated; BuildDT or the
// next client claim will publish the change.
func (v *Vof) Claim(virt, size, align uint64) (uint64, error) {
	addr, ok := v.claims.claim(virt, size, align)
	v.log.Debug("vof: claim", "virt", hex(virt), "size", hex(size), "align", hex(align), "ok", ok, "ret", hex(addr))
	if !ok {
		if align != 0 {
			v.log.Error("vof: out of memory for the client", "size", hex(size), "align", hex(align), "limit", hex(v.claims.limit))
		}
		return 0, fmt.Errorf("%w: virt=0x%x size=0x%x align=0x%x", ErrClaim, virt, size, align)
	}
	return addr, nil
}

// Release returns a claimed range; it must match a claim exactly.
func (v *Vof) Release(virt, size uint64) error {
	ok := v.claims.release(virt, size)
	v.log.Debug("vof: release", "virt", hex(virt), "size", hex(size), "ok", ok)
	if !ok {
		return fmt.Errorf("%w: virt=0x%x size=0x%x", ErrRelease, virt, size)
	}
	return nil
}

// Claimed returns the claimed intervals ordered by start address.
func (v *Vof) Claimed() []Claimed { return v.claims.intervals() }

// Bootargs returns the kernel command line, as last set by the client or
// the platform.
func (v *Vof) Bootargs() string { return v.bootargs }

// SetBootargs sets the kernel command line published in /chosen.
func (v *Vof) SetBootargs(s string) { v.bootargs = s }

// Initrd returns the initrd range the client published in /chosen.
func (v *Vof) Initrd() (start, end uint64) { return v.initrdStart, v.initrdEnd }

// Quiesced reports whether the client has called "quiesce".
func (v *Vof) Quiesced() bool { return v.quiesced }

// FirmwareSize returns the size claimed for the firmware image.
func (v *Vof) FirmwareSize() uint64 { return v.fwSize }

func hex(v uint64) string { return fmt.Sprintf("0x%x", v) }
