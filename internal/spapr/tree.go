package spapr

import (
	"fmt"

	"github.com/tinyrange/vof/internal/devices/disk"
	"github.com/tinyrange/vof/internal/fdt"
)

const timebaseFreq = 512000000

// baseTree describes the machine before the firmware session adds
// phandles, memory availability and the /chosen entries.
func (m *Machine) baseTree() fdt.Node {
	root := fdt.Node{
		Properties: map[string]fdt.Property{
			"compatible":     fdt.String("qemu,pseries"),
			"model":          fdt.String("IBM pSeries (emulated)"),
			"device_type":    fdt.String("chrp"),
			"#address-cells": fdt.Cells(2),
			"#size-cells":    fdt.Cells(2),
		},
	}

	root.Children = append(root.Children, fdt.Node{
		Name: "memory@0",
		Properties: map[string]fdt.Property{
			"device_type": fdt.String("memory"),
			"reg":         fdt.Quads(0, m.rma),
		},
	})
	if size := m.ram.MemorySize(); size > m.rma {
		root.Children = append(root.Children, fdt.Node{
			Name: fmt.Sprintf("memory@%x", m.rma),
			Properties: map[string]fdt.Property{
				"device_type": fdt.String("memory"),
				"reg":         fdt.Quads(m.rma, size-m.rma),
			},
		})
	}

	root.Children = append(root.Children, m.cpusNode(), rtasNode(), m.chosenNode(), m.vdeviceNode())

	aliases := map[string]fdt.Property{"hvterm": fdt.String(m.vty.Path())}
	if m.disk != nil {
		aliases["disk"] = fdt.String(disk.Path(disk.DefaultVSCSIReg, disk.DefaultLUN))
	}
	root.Children = append(root.Children, fdt.Node{Name: "aliases", Properties: aliases})

	tokens := ddwTokens()
	for _, p := range m.phbs {
		root.Children = append(root.Children, p.DeviceTreeNode(tokens))
	}
	return root
}

// segmentPageSizes encodes ibm,segment-page-sizes with one base page size
// per segment size.
func (m *Machine) segmentPageSizes() []uint32 {
	var cells []uint32
	for _, shift := range m.pageShifts {
		cells = append(cells, shift, 0, 1, shift, 0)
	}
	return cells
}

func (m *Machine) cpusNode() fdt.Node {
	n := fdt.Node{
		Name: "cpus",
		Properties: map[string]fdt.Property{
			"#address-cells": fdt.Cells(1),
			"#size-cells":    fdt.Cells(0),
		},
	}
	for i := range m.cfg.CPUs {
		n.Children = append(n.Children, fdt.Node{
			Name: fmt.Sprintf("PowerPC,POWER9@%x", i),
			Properties: map[string]fdt.Property{
				"device_type":                fdt.String("cpu"),
				"reg":                        fdt.Cells(uint32(i)),
				"ibm,ppc-interrupt-server#s": fdt.Cells(uint32(i)),
				"timebase-frequency":         fdt.Cells(timebaseFreq),
				"ibm,segment-page-sizes":     fdt.Cells(m.segmentPageSizes()...),
			},
		})
	}
	return n
}

func (m *Machine) chosenNode() fdt.Node {
	props := map[string]fdt.Property{
		"linux,stdout-path": fdt.String(m.vty.Path()),
	}
	if m.initrdSize > 0 {
		props["linux,initrd-start"] = fdt.Cells(uint32(m.initrdBase))
		props["linux,initrd-end"] = fdt.Cells(uint32(m.initrdBase + m.initrdSize))
	}
	return fdt.Node{Name: "chosen", Properties: props}
}

func (m *Machine) vdeviceNode() fdt.Node {
	n := fdt.Node{
		Name: "vdevice",
		Properties: map[string]fdt.Property{
			"device_type":    fdt.String("vdevice"),
			"compatible":     fdt.String("IBM,vdevice"),
			"#address-cells": fdt.Cells(1),
			"#size-cells":    fdt.Cells(0),
		},
		Children: []fdt.Node{m.vty.DeviceTreeNode()},
	}
	if m.disk != nil {
		n.Children = append(n.Children, disk.DeviceTreeNode(disk.DefaultVSCSIReg, disk.DefaultLUN))
	}
	return n
}
