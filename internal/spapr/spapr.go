// Package spapr is the PowerPC sPAPR platform around the firmware client
// interface: hypercalls, RTAS, PCI host bridges with dynamic DMA windows,
// the uv pipe and NMI delivery.
package spapr

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tinyrange/vof/internal/devices/disk"
	"github.com/tinyrange/vof/internal/devices/vty"
	"github.com/tinyrange/vof/internal/fdt"
	"github.com/tinyrange/vof/internal/hv"
	"github.com/tinyrange/vof/internal/vfio"
	"github.com/tinyrange/vof/internal/vof"
)

var (
	ErrPowerOff = errors.New("spapr: guest powered off")
	ErrNoRoom   = errors.New("spapr: image does not fit in guest memory")
)

const (
	DefaultMemorySize   = 256 << 20
	DefaultFirmwareSize = 0x4000
	DefaultKernelAddr   = 0x400000

	// ofStackSize is the client stack; 4K is not enough for GRUB.
	ofStackSize = 0x8000
	// stackFrameMin is left free at the top of the stack for the first
	// frame.
	stackFrameMin = 0x20

	rmaMax = 1 << 30
)

// Config describes a machine.
type Config struct {
	MemorySize uint64
	// RMASize is the real mode area the firmware and client live in. It
	// defaults to min(MemorySize, 1GiB).
	RMASize uint64

	// Firmware is loaded at address zero. When empty, FirmwareSize bytes
	// are still claimed for it.
	Firmware     []byte
	FirmwareSize uint64

	Kernel     []byte
	KernelAddr uint64
	Initrd     []byte
	// InitrdAddr defaults to the first 64KiB boundary after the kernel.
	InitrdAddr uint64
	Bootargs   string

	CPUs int
	// PageShifts are the page sizes the CPU can map, used to filter DDW
	// page sizes. Defaults to 4K, 64K, 16M and 16G.
	PageShifts []uint32

	Console   io.Writer
	ConsoleIn io.Reader
	Disk      vof.BlockDevice
	PHBs      []PHBConfig
	// UVPipe is the backend of the uv pipe; the hypercall is disabled
	// when nil.
	UVPipe io.Writer

	Logger *slog.Logger
	Clock  func() time.Time
}

// Machine is an sPAPR virtual machine as seen by the firmware.
type Machine struct {
	cfg Config
	log *slog.Logger

	ram        *hv.RAM
	rma        uint64
	fwSize     uint64
	pageShifts []uint32

	vty  *vty.VTY
	disk vof.BlockDevice
	phbs []*PHB
	uv   *UVPipe
	nmi  NMI

	kernelAddr uint64
	initrdBase uint64
	initrdSize uint64

	vof      *vof.Vof
	tree     *fdt.Tree
	stackPtr uint64
	fdt      []byte
	cas      bool

	nmiMu  sync.Mutex
	nmiCPU []bool
}

// New creates a machine, loads the images and resets it.
func New(cfg Config) (*Machine, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.MemorySize == 0 {
		cfg.MemorySize = DefaultMemorySize
	}
	if cfg.RMASize == 0 {
		cfg.RMASize = min(cfg.MemorySize, rmaMax)
	}
	if cfg.RMASize > cfg.MemorySize {
		return nil, fmt.Errorf("spapr: RMA 0x%x larger than memory 0x%x", cfg.RMASize, cfg.MemorySize)
	}
	if cfg.CPUs <= 0 {
		cfg.CPUs = 1
	}
	if len(cfg.PageShifts) == 0 {
		cfg.PageShifts = []uint32{12, 16, 24, 34}
	}
	if cfg.KernelAddr == 0 {
		cfg.KernelAddr = DefaultKernelAddr
	}
	fwSize := uint64(len(cfg.Firmware))
	if fwSize == 0 {
		fwSize = cfg.FirmwareSize
	}
	if fwSize == 0 {
		fwSize = DefaultFirmwareSize
	}

	m := &Machine{
		cfg:        cfg,
		log:        log,
		ram:        hv.NewRAM(cfg.MemorySize),
		rma:        cfg.RMASize,
		fwSize:     fwSize,
		pageShifts: cfg.PageShifts,
		disk:       cfg.Disk,
		nmiCPU:     make([]bool, cfg.CPUs),
	}
	m.vty = vty.New(vty.Config{Out: cfg.Console, In: cfg.ConsoleIn, Logger: log})
	if cfg.UVPipe != nil {
		m.uv = NewUVPipe(m.ram, cfg.UVPipe, log)
	}
	m.nmi.Register(m)

	if err := m.load(0, cfg.Firmware, "firmware"); err != nil {
		return nil, err
	}
	if len(cfg.Kernel) > 0 {
		m.kernelAddr = cfg.KernelAddr
		if err := m.load(m.kernelAddr, cfg.Kernel, "kernel"); err != nil {
			return nil, err
		}
	}
	if len(cfg.Initrd) > 0 {
		m.initrdBase = cfg.InitrdAddr
		if m.initrdBase == 0 {
			m.initrdBase = (cfg.KernelAddr + uint64(len(cfg.Kernel)) + 0xffff) &^ 0xffff
		}
		m.initrdSize = uint64(len(cfg.Initrd))
		if err := m.load(m.initrdBase, cfg.Initrd, "initrd"); err != nil {
			return nil, err
		}
	}

	for _, pc := range cfg.PHBs {
		p, err := NewPHB(pc, log)
		if err != nil {
			return nil, err
		}
		if pc.VFIO != nil {
			if err := m.preregister(pc.VFIO); err != nil {
				return nil, err
			}
		}
		m.phbs = append(m.phbs, p)
	}

	if err := m.Reset(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Machine) load(addr uint64, image []byte, what string) error {
	if len(image) == 0 {
		return nil
	}
	if _, err := m.ram.WriteAt(image, int64(addr)); err != nil {
		return fmt.Errorf("%w: %s at 0x%x size 0x%x: %w", ErrNoRoom, what, addr, len(image), err)
	}
	m.log.Debug("spapr: loaded image", "what", what, "addr", fmt.Sprintf("0x%x", addr), "size", len(image))
	return nil
}

// preregister pins guest RAM in the host IOMMU of a VFIO container.
func (m *Machine) preregister(c vfio.Registrar) error {
	p := vfio.NewPrereg(c, uint64(os.Getpagesize()), m.log)
	if err := p.RegionAdd(vfio.Section{
		GPA:      0,
		Size:     m.ram.MemorySize(),
		HostAddr: m.ram.HostAddr(),
		RAM:      true,
	}); err != nil {
		return err
	}
	p.MarkInitialized()
	if err := p.Err(); err != nil {
		return fmt.Errorf("spapr: preregister guest RAM: %w", err)
	}
	return nil
}

// Reset starts a new firmware session: a fresh client interface, the
// stack, kernel and initrd claimed, and the device tree finalized.
func (m *Machine) Reset() error {
	tree, err := fdt.FromNode(m.baseTree())
	if err != nil {
		return fmt.Errorf("spapr: build device tree: %w", err)
	}
	v, err := vof.New(vof.Config{
		TopAddr:      m.rma,
		FirmwareSize: m.fwSize,
		Memory:       m.ram,
		Machine:      m,
		Logger:       m.log,
		Clock:        m.cfg.Clock,
	})
	if err != nil {
		return err
	}
	v.RegisterStream(m.vty.Path(), m.vty)
	if m.disk != nil {
		v.RegisterBlock(disk.Path(disk.DefaultVSCSIReg, disk.DefaultLUN), m.disk)
	}

	stack, err := v.Claim(0, ofStackSize, ofStackSize)
	if err != nil {
		return fmt.Errorf("spapr: memory allocation for stack failed: %w", err)
	}
	m.stackPtr = stack + ofStackSize - stackFrameMin

	if len(m.cfg.Kernel) > 0 {
		if _, err := v.Claim(m.kernelAddr, uint64(len(m.cfg.Kernel)), 0); err != nil {
			return fmt.Errorf("spapr: memory for kernel is in use: %w", err)
		}
	}
	if m.initrdSize > 0 {
		if _, err := v.Claim(m.initrdBase, m.initrdSize, 0); err != nil {
			return fmt.Errorf("spapr: memory for initramdisk is in use: %w", err)
		}
	}
	v.SetBootargs(m.cfg.Bootargs)

	for _, p := range m.phbs {
		if err := p.Reset(); err != nil {
			m.log.Warn("spapr: PHB reset", "buid", fmt.Sprintf("0x%x", p.BUID()), "err", err)
		}
	}

	m.vof, m.tree, m.fdt, m.cas = v, tree, nil, false
	return m.finalize()
}

// finalize settles phandles and publishes what the client expects in
// /chosen. Opening stdout needs the phandles, so it comes last.
func (m *Machine) finalize() error {
	if err := m.vof.BuildDT(m.tree); err != nil {
		return err
	}
	chosen, err := m.tree.ResolvePath("/chosen")
	if err != nil {
		return fmt.Errorf("spapr: /chosen: %w", err)
	}
	if err := m.tree.SetPropertyString(chosen, "bootargs", m.vof.Bootargs()); err != nil {
		return fmt.Errorf("spapr: set bootargs: %w", err)
	}
	if _, err := m.vof.OpenStore(m.tree, "/chosen", "stdout", m.vty.Path()); err != nil {
		return err
	}
	if _, err := m.vof.OpenStore(m.tree, "/chosen", "stdin", m.vty.Path()); err != nil {
		return err
	}
	if bootpath := m.bootpath(); bootpath != "" {
		if err := m.tree.SetPropertyString(chosen, "bootpath", bootpath); err != nil {
			return fmt.Errorf("spapr: set bootpath: %w", err)
		}
	}
	return nil
}

func (m *Machine) bootpath() string {
	if m.disk == nil {
		return ""
	}
	return disk.Path(disk.DefaultVSCSIReg, disk.DefaultLUN)
}

// Start begins reading console input.
func (m *Machine) Start() { m.vty.Start() }

// Stop stops reading console input.
func (m *Machine) Stop() { m.vty.Stop() }

// RAM returns guest memory.
func (m *Machine) RAM() *hv.RAM { return m.ram }

// Tree returns the live device tree.
func (m *Machine) Tree() *fdt.Tree { return m.tree }

// Vof returns the current firmware session.
func (m *Machine) Vof() *vof.Vof { return m.vof }

// VTY returns the console.
func (m *Machine) VTY() *vty.VTY { return m.vty }

// UVPipe returns the uv pipe, nil when it is not configured.
func (m *Machine) UVPipe() *UVPipe { return m.uv }

// PHBs returns the PCI host bridges.
func (m *Machine) PHBs() []*PHB { return m.phbs }

// StackPointer returns the initial client stack pointer.
func (m *Machine) StackPointer() uint64 { return m.stackPtr }

// FDT returns the tree packed at quiesce, nil before.
func (m *Machine) FDT() []byte { return m.fdt }

// FDTSize returns the size of the tree packed at quiesce.
func (m *Machine) FDTSize() int { return len(m.fdt) }

// Initrd returns the initrd range, as loaded or as updated by the client.
func (m *Machine) Initrd() (base, size uint64) { return m.initrdBase, m.initrdSize }

// CASDone reports whether the client negotiated its architecture.
func (m *Machine) CASDone() bool { return m.cas }

// ClientArchitectureSupport implements vof.Machine.
func (m *Machine) ClientArchitectureSupport(vec uint64) uint32 {
	m.log.Info("spapr: client architecture support", "vec", fmt.Sprintf("0x%x", vec))
	m.cas = true
	return 0
}

// Quiesce implements vof.Machine.
func (m *Machine) Quiesce(blob []byte) {
	m.fdt = append([]byte(nil), blob...)
	m.log.Debug("spapr: quiesce", "fdt_size", len(blob))
}

// AuthorizeSetprop implements vof.Machine. Updates the platform must track
// are recorded; everything else is allowed to survive quiesce.
func (m *Machine) AuthorizeSetprop(path, name string, value []byte) bool {
	if path != "/chosen" {
		return true
	}
	switch name {
	case "linux,initrd-start":
		base, ok := vof.ParseCells(value)
		if !ok {
			return false
		}
		m.initrdBase = base
	case "linux,initrd-end":
		end, ok := vof.ParseCells(value)
		if !ok {
			return false
		}
		m.initrdSize = end - m.initrdBase
	}
	return true
}

var _ vof.Machine = (*Machine)(nil)

// InjectNMI delivers a monitor NMI.
func (m *Machine) InjectNMI(cpuIndex int) error { return m.nmi.Inject(cpuIndex) }

// RegisterNMIHandler adds a device to NMI delivery.
func (m *Machine) RegisterNMIHandler(h hv.NMIHandler) { m.nmi.Register(h) }

// HandleNMI requests a system reset interrupt on every CPU.
func (m *Machine) HandleNMI(cpuIndex int) error {
	if cpuIndex < 0 || cpuIndex >= len(m.nmiCPU) {
		return fmt.Errorf("spapr: no cpu %d", cpuIndex)
	}
	m.nmiMu.Lock()
	defer m.nmiMu.Unlock()
	for i := range m.nmiCPU {
		m.nmiCPU[i] = true
	}
	return nil
}

// TakeNMI reports and clears a pending NMI on a CPU.
func (m *Machine) TakeNMI(cpuIndex int) bool {
	if cpuIndex < 0 || cpuIndex >= len(m.nmiCPU) {
		return false
	}
	m.nmiMu.Lock()
	defer m.nmiMu.Unlock()
	p := m.nmiCPU[cpuIndex]
	m.nmiCPU[cpuIndex] = false
	return p
}
