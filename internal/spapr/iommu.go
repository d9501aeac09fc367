package spapr

import (
	"fmt"

	"github.com/tinyrange/vof/internal/hv"
	"github.com/tinyrange/vof/internal/vfio"
)

// WindowInfo is what a PHB's IOMMU can do with DMA windows.
type WindowInfo struct {
	WindowsSupported uint32
	// PageSizeMask is a set of ddwPgsize bits.
	PageSizeMask    uint32
	DMA32WindowSize uint32
	DMA64WindowSize uint64
}

// IOMMU is the host side of a PHB's DMA windows.
type IOMMU interface {
	Query() (WindowInfo, error)
	// CreateWindow creates a window of 1<<windowShift bytes and returns
	// its bus address.
	CreateWindow(pageShift, windowShift uint32) (uint64, error)
	RemoveWindow(busOffset uint64) error
}

// EmulatedIOMMU places dynamic windows above DMA64Start on the bus.
type EmulatedIOMMU struct {
	info  WindowInfo
	space *hv.AddressSpace
}

// NewEmulatedIOMMU creates an IOMMU with fixed capabilities.
func NewEmulatedIOMMU(info WindowInfo) *EmulatedIOMMU {
	return &EmulatedIOMMU{
		info:  info,
		space: hv.NewAddressSpace(DMA64Start, 1<<60),
	}
}

func (e *EmulatedIOMMU) Query() (WindowInfo, error) { return e.info, nil }

func (e *EmulatedIOMMU) CreateWindow(pageShift, windowShift uint32) (uint64, error) {
	size := uint64(1) << windowShift
	if e.info.DMA64WindowSize != 0 && size > e.info.DMA64WindowSize {
		return 0, fmt.Errorf("spapr: window 0x%x larger than 0x%x", size, e.info.DMA64WindowSize)
	}
	a, err := e.space.Allocate(fmt.Sprintf("ddw-%d", pageShift), size, size)
	if err != nil {
		return 0, err
	}
	return a.Base, nil
}

// RemoveWindow releases a dynamic window. The default window at bus
// address 0 is not part of the dynamic space.
func (e *EmulatedIOMMU) RemoveWindow(busOffset uint64) error {
	if busOffset < DMA64Start {
		return nil
	}
	return e.space.Release(busOffset)
}

// VFIOContainer is the part of a VFIO container a PHB needs.
// *vfio.Container implements it.
type VFIOContainer interface {
	vfio.Registrar
	Info() (vfio.TCEInfo, error)
	CreateWindow(pageShift uint32, windowSize uint64, levels uint32) (uint64, error)
	RemoveWindow(start uint64) error
}

var _ VFIOContainer = (*vfio.Container)(nil)

// VFIOIOMMU manages windows in the host IOMMU of passed-through devices.
type VFIOIOMMU struct {
	c       VFIOContainer
	maxSize uint64
}

// NewVFIOIOMMU wraps a container. maxWindow is reported as the size of
// the largest dynamic window.
func NewVFIOIOMMU(c VFIOContainer, maxWindow uint64) *VFIOIOMMU {
	if maxWindow == 0 {
		maxWindow = defaultMaxWindow
	}
	return &VFIOIOMMU{c: c, maxSize: maxWindow}
}

func (v *VFIOIOMMU) Query() (WindowInfo, error) {
	info, err := v.c.Info()
	if err != nil {
		return WindowInfo{}, err
	}
	var mask uint32
	for _, ps := range ddwPageSizes {
		if info.DDW.PageSizes&(1<<ps.shift) != 0 {
			mask |= ps.mask
		}
	}
	return WindowInfo{
		WindowsSupported: info.DDW.MaxDynamicWindows,
		PageSizeMask:     mask,
		DMA32WindowSize:  info.DMA32WindowSize,
		DMA64WindowSize:  v.maxSize,
	}, nil
}

func (v *VFIOIOMMU) CreateWindow(pageShift, windowShift uint32) (uint64, error) {
	return v.c.CreateWindow(pageShift, uint64(1)<<windowShift, 1)
}

func (v *VFIOIOMMU) RemoveWindow(busOffset uint64) error {
	return v.c.RemoveWindow(busOffset)
}
