package spapr

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/vof/internal/fdt"
)

// DDW page size mask bits, as used by ibm,query-pe-dma-window.
const (
	ddwPgsize4K   = 0x01
	ddwPgsize64K  = 0x02
	ddwPgsize16M  = 0x04
	ddwPgsize32M  = 0x08
	ddwPgsize64M  = 0x10
	ddwPgsize128M = 0x20
	ddwPgsize256M = 0x40
	ddwPgsize16G  = 0x80
)

var ddwPageSizes = []struct {
	shift uint32
	mask  uint32
}{
	{12, ddwPgsize4K},
	{16, ddwPgsize64K},
	{24, ddwPgsize16M},
	{25, ddwPgsize32M},
	{26, ddwPgsize64M},
	{27, ddwPgsize128M},
	{28, ddwPgsize256M},
	{34, ddwPgsize16G},
}

const (
	// TCEPageShift is the page size of the default window and the unit of
	// the "largest block" answer of the DDW query.
	TCEPageShift = 12

	// DMA64Start is where dynamic windows are placed on the PCI bus.
	DMA64Start = 1 << 59

	defaultDMA32Size = 1 << 30
	defaultWindows   = 2
	defaultMaxWindow = 1 << 40
)

// TCE permission bits.
const (
	TCERead  = 1
	TCEWrite = 2
)

// FixPageMask keeps the DDW page sizes of query that the CPU can map.
func FixPageMask(cpuShifts []uint32, query uint32) uint32 {
	var mask uint32
	for _, shift := range cpuShifts {
		for _, ps := range ddwPageSizes {
			if ps.shift == shift && query&ps.mask != 0 {
				mask |= ps.mask
			}
		}
	}
	return mask
}

// LIOBN returns the logical I/O bus number of window n of PHB index.
func LIOBN(index, n uint32) uint32 { return 0x80000000 | index<<8 | n }

// TCETable is one DMA window of a PHB.
type TCETable struct {
	LIOBN     uint32
	BusOffset uint64
	PageShift uint32
	Entries   uint64
	Enabled   bool

	tces map[uint64]uint64
}

// WindowSize returns the size of the window on the bus.
func (t *TCETable) WindowSize() uint64 { return t.Entries << t.PageShift }

func (t *TCETable) index(ioba uint64) (uint64, error) {
	if !t.Enabled {
		return 0, fmt.Errorf("spapr: liobn 0x%x is disabled", t.LIOBN)
	}
	if ioba < t.BusOffset || ioba-t.BusOffset >= t.WindowSize() {
		return 0, fmt.Errorf("spapr: ioba 0x%x outside liobn 0x%x", ioba, t.LIOBN)
	}
	return (ioba - t.BusOffset) >> t.PageShift, nil
}

func (t *TCETable) put(ioba, tce uint64) error {
	i, err := t.index(ioba)
	if err != nil {
		return err
	}
	if tce&(TCERead|TCEWrite) == 0 {
		delete(t.tces, i)
		return nil
	}
	t.tces[i] = tce
	return nil
}

func (t *TCETable) get(ioba uint64) (uint64, error) {
	i, err := t.index(ioba)
	if err != nil {
		return 0, err
	}
	return t.tces[i], nil
}

func (t *TCETable) enable(busOffset uint64, pageShift uint32, entries uint64) {
	t.BusOffset = busOffset
	t.PageShift = pageShift
	t.Entries = entries
	t.Enabled = true
	t.tces = make(map[uint64]uint64)
}

func (t *TCETable) disable() {
	t.Enabled = false
	t.BusOffset, t.PageShift, t.Entries = 0, 0, 0
	t.tces = nil
}

// PHBConfig describes a PCI host bridge.
type PHBConfig struct {
	Index uint32
	// BUID defaults to 0x800000020000000 + Index.
	BUID uint64
	// DDW enables the dynamic DMA window RTAS calls on this bridge.
	DDW bool
	// Windows is the number of DMA windows, the default one included.
	Windows uint32
	// DMA32Size is the size of the default window at bus address 0.
	DMA32Size uint32
	// IOMMU defaults to an emulated one. VFIO takes precedence.
	IOMMU IOMMU
	VFIO  VFIOContainer
	// MaxWindowSize bounds dynamic windows of a VFIO bridge.
	MaxWindowSize uint64
}

// PHB is a PCI host bridge with its DMA windows.
type PHB struct {
	mu sync.Mutex

	index uint32
	buid  uint64
	ddw   bool
	iommu IOMMU
	log   *slog.Logger

	dma32  uint32
	tables []*TCETable
}

// NewPHB creates a bridge with its default 32-bit window enabled.
func NewPHB(cfg PHBConfig, log *slog.Logger) (*PHB, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.BUID == 0 {
		cfg.BUID = 0x800000020000000 + uint64(cfg.Index)
	}
	if cfg.Windows == 0 {
		cfg.Windows = defaultWindows
	}
	if cfg.DMA32Size == 0 {
		cfg.DMA32Size = defaultDMA32Size
	}
	iommu := cfg.IOMMU
	switch {
	case cfg.VFIO != nil:
		iommu = NewVFIOIOMMU(cfg.VFIO, cfg.MaxWindowSize)
	case iommu == nil:
		iommu = NewEmulatedIOMMU(WindowInfo{
			WindowsSupported: cfg.Windows,
			PageSizeMask:     ddwPgsize4K | ddwPgsize64K | ddwPgsize16M,
			DMA32WindowSize:  cfg.DMA32Size,
			DMA64WindowSize:  defaultMaxWindow,
		})
	}

	p := &PHB{
		index: cfg.Index,
		buid:  cfg.BUID,
		ddw:   cfg.DDW,
		iommu: iommu,
		log:   log,
		dma32: cfg.DMA32Size,
	}
	for n := range cfg.Windows {
		p.tables = append(p.tables, &TCETable{LIOBN: LIOBN(cfg.Index, n)})
	}
	p.resetLocked()
	return p, nil
}

// BUID returns the bus unit identifier.
func (p *PHB) BUID() uint64 { return p.buid }

// DDWEnabled reports whether the DDW RTAS calls apply to the bridge.
func (p *PHB) DDWEnabled() bool { return p.ddw }

// Path returns the device tree path of the bridge.
func (p *PHB) Path() string { return "/" + p.nodeName() }

func (p *PHB) nodeName() string { return fmt.Sprintf("pci@%x", p.buid) }

// Tables returns a copy of the DMA windows.
func (p *PHB) Tables() []TCETable {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]TCETable, len(p.tables))
	for i, t := range p.tables {
		out[i] = *t
		out[i].tces = nil
	}
	return out
}

func (p *PHB) table(liobn uint32) (*TCETable, bool) {
	for _, t := range p.tables {
		if t.LIOBN == liobn {
			return t, true
		}
	}
	return nil, false
}

// HasLIOBN reports whether liobn names one of the bridge's windows.
func (p *PHB) HasLIOBN(liobn uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.table(liobn)
	return ok
}

func (p *PHB) activeWindows() uint32 {
	var n uint32
	for _, t := range p.tables {
		if t.Enabled {
			n++
		}
	}
	return n
}

func (p *PHB) freeTable() (*TCETable, bool) {
	for _, t := range p.tables {
		if !t.Enabled {
			return t, true
		}
	}
	return nil, false
}

// Query returns the IOMMU capabilities and the number of enabled windows.
func (p *PHB) Query() (WindowInfo, uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	info, err := p.iommu.Query()
	if err != nil {
		return WindowInfo{}, 0, err
	}
	return info, p.activeWindows(), nil
}

// CreateWindow enables a free window of 1<<windowShift bytes.
func (p *PHB) CreateWindow(pageShift, windowShift uint32) (TCETable, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if windowShift < pageShift || windowShift >= 64 {
		return TCETable{}, fmt.Errorf("spapr: bad window shift %d for page shift %d", windowShift, pageShift)
	}
	info, err := p.iommu.Query()
	if err != nil {
		return TCETable{}, err
	}
	if p.activeWindows() >= info.WindowsSupported {
		return TCETable{}, fmt.Errorf("spapr: %s has no window left", p.nodeName())
	}
	t, ok := p.freeTable()
	if !ok {
		return TCETable{}, fmt.Errorf("spapr: %s has no free liobn", p.nodeName())
	}
	bus, err := p.iommu.CreateWindow(pageShift, windowShift)
	if err != nil {
		return TCETable{}, err
	}
	t.enable(bus, pageShift, 1<<(windowShift-pageShift))
	p.log.Info("spapr: DMA window created", "liobn", fmt.Sprintf("0x%x", t.LIOBN),
		"bus", fmt.Sprintf("0x%x", bus), "page_shift", pageShift, "window_shift", windowShift)
	return *t, nil
}

// RemoveWindow disables the window of liobn.
func (p *PHB) RemoveWindow(liobn uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.table(liobn)
	if !ok || !t.Enabled {
		return fmt.Errorf("spapr: liobn 0x%x is not an active window", liobn)
	}
	return p.removeLocked(t)
}

func (p *PHB) removeLocked(t *TCETable) error {
	err := p.iommu.RemoveWindow(t.BusOffset)
	t.disable()
	if err != nil {
		return err
	}
	p.log.Info("spapr: DMA window removed", "liobn", fmt.Sprintf("0x%x", t.LIOBN))
	return nil
}

// Reset removes the dynamic windows and restores the default window.
func (p *PHB) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var first error
	for _, t := range p.tables[1:] {
		if !t.Enabled {
			continue
		}
		if err := p.removeLocked(t); err != nil && first == nil {
			first = err
		}
	}
	p.resetLocked()
	return first
}

func (p *PHB) resetLocked() {
	if !p.tables[0].Enabled {
		p.tables[0].enable(0, TCEPageShift, uint64(p.dma32)>>TCEPageShift)
	}
}

// PutTCE stores a translation entry. An entry without permission bits
// clears the translation.
func (p *PHB) PutTCE(liobn uint32, ioba, tce uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.table(liobn)
	if !ok {
		return fmt.Errorf("spapr: unknown liobn 0x%x", liobn)
	}
	return t.put(ioba, tce)
}

// GetTCE loads a translation entry.
func (p *PHB) GetTCE(liobn uint32, ioba uint64) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.table(liobn)
	if !ok {
		return 0, fmt.Errorf("spapr: unknown liobn 0x%x", liobn)
	}
	return t.get(ioba)
}

// Translate maps a bus address to a guest physical address.
func (p *PHB) Translate(liobn uint32, ioba uint64, write bool) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.table(liobn)
	if !ok {
		return 0, false
	}
	tce, err := t.get(ioba)
	if err != nil {
		return 0, false
	}
	perm := uint64(TCERead)
	if write {
		perm = TCEWrite
	}
	if tce&perm == 0 {
		return 0, false
	}
	mask := uint64(1)<<t.PageShift - 1
	return tce&^mask | ioba&mask, true
}

// DeviceTreeNode describes the bridge. tokens are the DDW RTAS tokens for
// query, create, remove and reset, published when DDW is enabled.
func (p *PHB) DeviceTreeNode(tokens [4]uint32) fdt.Node {
	p.mu.Lock()
	defer p.mu.Unlock()

	def := p.tables[0]
	props := map[string]fdt.Property{
		"device_type":    fdt.String("pci"),
		"compatible":     fdt.String("IBM,Logical_PHB"),
		"reg":            fdt.Quads(p.buid, 0x10000000),
		"#address-cells": fdt.Cells(3),
		"#size-cells":    fdt.Cells(2),
		"ibm,dma-window": fdt.Cells(def.LIOBN, 0, 0, 0, uint32(def.WindowSize())),
	}
	if p.ddw {
		props["ibm,ddw-applicable"] = fdt.Cells(tokens[0], tokens[1], tokens[2])
		props["ibm,ddw-extensions"] = fdt.Cells(1, tokens[3])
	}
	return fdt.Node{Name: p.nodeName(), Properties: props}
}
