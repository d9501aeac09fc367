// Package vfio drives the sPAPR TCE flavour of a VFIO container: DMA window
// management for passed-through PCI devices and preregistration of guest
// RAM with the host IOMMU.
package vfio

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	ErrUnsupported = errors.New("vfio: not supported on this host")
	ErrNotViable   = errors.New("vfio: group is not viable")
	ErrUnaligned   = errors.New("vfio: section is not page aligned")
)

// ioctl numbers from <linux/vfio.h>. All VFIO ioctls are _IO(';', 100+n).
const (
	vfioType = ';'
	vfioBase = 100

	vfioGetAPIVersion         = vfioType<<8 | (vfioBase + 0)
	vfioCheckExtension        = vfioType<<8 | (vfioBase + 1)
	vfioSetIOMMU              = vfioType<<8 | (vfioBase + 2)
	vfioGroupGetStatus        = vfioType<<8 | (vfioBase + 3)
	vfioGroupSetContainer     = vfioType<<8 | (vfioBase + 4)
	vfioIOMMUMapDMA           = vfioType<<8 | (vfioBase + 13)
	vfioIOMMUUnmapDMA         = vfioType<<8 | (vfioBase + 14)
	vfioSPAPRTCEGetInfo       = vfioType<<8 | (vfioBase + 12)
	vfioSPAPRRegisterMemory   = vfioType<<8 | (vfioBase + 17)
	vfioSPAPRUnregisterMemory = vfioType<<8 | (vfioBase + 18)
	vfioSPAPRTCECreate        = vfioType<<8 | (vfioBase + 19)
	vfioSPAPRTCERemove        = vfioType<<8 | (vfioBase + 20)

	vfioAPIVersion      = 0
	vfioSPAPRTCEv2IOMMU = 7
	vfioGroupViable     = 1 << 0

	vfioDMAMapRead  = 1 << 0
	vfioDMAMapWrite = 1 << 1
)

// DDWInfo is the dynamic DMA window part of the TCE info.
type DDWInfo struct {
	PageSizes         uint64
	MaxDynamicWindows uint32
	Levels            uint32
}

// TCEInfo is struct vfio_iommu_spapr_tce_info.
type TCEInfo struct {
	argsz            uint32
	Flags            uint32
	DMA32WindowStart uint32
	DMA32WindowSize  uint32
	DDW              DDWInfo
}

type tceCreate struct {
	argsz      uint32
	flags      uint32
	pageShift  uint32
	_          uint32
	windowSize uint64
	levels     uint32
	_          uint32
	startAddr  uint64
}

type tceRemove struct {
	argsz     uint32
	flags     uint32
	startAddr uint64
}

type registerMemory struct {
	argsz uint32
	flags uint32
	vaddr uint64
	size  uint64
}

type dmaMap struct {
	argsz uint32
	flags uint32
	vaddr uint64
	iova  uint64
	size  uint64
}

type dmaUnmap struct {
	argsz uint32
	flags uint32
	iova  uint64
	size  uint64
}

// Section is a piece of guest memory as the memory map reports it.
type Section struct {
	// GPA is the guest physical start of the section; RegionOffset is
	// where it starts within its backing region.
	GPA          uint64
	RegionOffset uint64
	Size         uint64
	// HostAddr is the host virtual address of the backing region.
	HostAddr uint64
	RAM      bool
	SkipDump bool
}

// PreregRange returns the host range to register for a section: the
// section shrunk to whole IOMMU pages. ok is false when no whole page is
// left or the section is not RAM.
func PreregRange(s Section, pageSize uint64) (vaddr, size uint64, ok bool, err error) {
	if !s.RAM || s.SkipDump {
		return 0, 0, false, nil
	}
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		return 0, 0, false, fmt.Errorf("vfio: bad IOMMU page size 0x%x", pageSize)
	}
	mask := pageSize - 1
	if s.GPA&mask != s.RegionOffset&mask {
		return 0, 0, false, fmt.Errorf("%w: gpa 0x%x region offset 0x%x", ErrUnaligned, s.GPA, s.RegionOffset)
	}
	iova := (s.GPA + mask) &^ mask
	end := (s.GPA + s.Size) &^ mask
	if iova < s.GPA || iova >= end {
		return 0, 0, false, nil
	}
	return s.HostAddr + s.RegionOffset + (iova - s.GPA), end - iova, true, nil
}

// Registrar registers host memory with the IOMMU. *Container implements
// it.
type Registrar interface {
	RegisterMemory(vaddr, size uint64) error
	UnregisterMemory(vaddr, size uint64) error
}

// Prereg keeps guest RAM registered as the memory map changes. Until
// MarkInitialized is called failures are remembered and reported by Err so
// that machine setup can fail cleanly; afterwards they are returned.
type Prereg struct {
	reg         Registrar
	pageSize    uint64
	log         *slog.Logger
	initialized bool
	err         error
}

// NewPrereg creates a preregistration listener.
func NewPrereg(reg Registrar, pageSize uint64, log *slog.Logger) *Prereg {
	if log == nil {
		log = slog.Default()
	}
	return &Prereg{reg: reg, pageSize: pageSize, log: log}
}

// RegionAdd registers a new section.
func (p *Prereg) RegionAdd(s Section) error {
	vaddr, size, ok, err := PreregRange(s, p.pageSize)
	if err != nil {
		p.log.Error("vfio: prereg region add", "gpa", fmt.Sprintf("0x%x", s.GPA), "err", err)
		return nil
	}
	if !ok {
		p.log.Debug("vfio: prereg skip section", "gpa", fmt.Sprintf("0x%x", s.GPA), "size", s.Size)
		return nil
	}
	err = p.reg.RegisterMemory(vaddr, size)
	p.log.Debug("vfio: ram register", "vaddr", fmt.Sprintf("0x%x", vaddr), "size", fmt.Sprintf("0x%x", size), "err", err)
	if err == nil {
		return nil
	}
	if !p.initialized {
		if p.err == nil {
			p.err = err
		}
		return nil
	}
	return fmt.Errorf("vfio: DMA preregistration failed: %w", err)
}

// RegionDel unregisters a section. Failures are only logged.
func (p *Prereg) RegionDel(s Section) {
	vaddr, size, ok, err := PreregRange(s, p.pageSize)
	if err != nil {
		p.log.Error("vfio: prereg region del", "gpa", fmt.Sprintf("0x%x", s.GPA), "err", err)
		return
	}
	if !ok {
		return
	}
	err = p.reg.UnregisterMemory(vaddr, size)
	p.log.Debug("vfio: ram unregister", "vaddr", fmt.Sprintf("0x%x", vaddr), "size", fmt.Sprintf("0x%x", size), "err", err)
}

// MarkInitialized ends the setup phase.
func (p *Prereg) MarkInitialized() { p.initialized = true }

// Err returns the first failure seen during setup.
func (p *Prereg) Err() error { return p.err }

var _ Registrar = (*Container)(nil)
