package vof

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/tinyrange/vof/internal/fdt"
)

// DeviceTree is the device tree the client interface walks and edits.
// *fdt.Tree implements it.
type DeviceTree interface {
	ResolvePath(path string) (fdt.NodeID, error)
	ResolvePhandle(ph uint32) (fdt.NodeID, error)
	Phandle(id fdt.NodeID) (uint32, error)
	Name(id fdt.NodeID) (string, error)
	Path(id fdt.NodeID) (string, error)
	Parent(id fdt.NodeID) (fdt.NodeID, error)
	Subnodes(id fdt.NodeID) ([]fdt.NodeID, error)
	Nodes() ([]fdt.NodeID, error)
	AddSubnode(parent fdt.NodeID, name string) (fdt.NodeID, error)
	Property(id fdt.NodeID, name string) ([]byte, error)
	Properties(id fdt.NodeID) ([]string, error)
	SetProperty(id fdt.NodeID, name string, value []byte) error
	Pack() ([]byte, error)
}

var _ DeviceTree = (*fdt.Tree)(nil)

const memoryNode = "/memory@0"

func cell(v uint32) []byte { return binary.BigEndian.AppendUint32(nil, v) }

// BuildDT prepares the tree for the client: every node gets a phandle,
// /chosen exists and /memory@0 advertises the unclaimed memory. Phandles
// already present are kept as they are.
func (v *Vof) BuildDT(tree DeviceTree) error {
	if _, err := tree.ResolvePath("/chosen"); errors.Is(err, fdt.ErrNotFound) {
		if _, err := tree.AddSubnode(fdt.Root, "chosen"); err != nil {
			return fmt.Errorf("vof: create /chosen: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("vof: resolve /chosen: %w", err)
	}

	nodes, err := tree.Nodes()
	if err != nil {
		return fmt.Errorf("vof: list nodes: %w", err)
	}
	used := make(map[uint32]bool)
	for _, id := range nodes {
		ph, err := tree.Phandle(id)
		if err != nil {
			return fmt.Errorf("vof: read phandle: %w", err)
		}
		if ph != 0 {
			used[ph] = true
		}
	}
	next := uint32(1)
	for _, id := range nodes {
		if ph, _ := tree.Phandle(id); ph != 0 {
			continue
		}
		for used[next] {
			next++
		}
		if err := tree.SetProperty(id, "phandle", cell(next)); err != nil {
			return fmt.Errorf("vof: assign phandle: %w", err)
		}
		used[next] = true
	}

	return v.updateAvailable(tree)
}

// updateAvailable rewrites /memory@0 "available" as the complement of the
// claimed ranges. The firmware image is always claimed at 0, anything else
// means the claim list is corrupt.
func (v *Vof) updateAvailable(tree DeviceTree) error {
	mem, err := tree.ResolvePath(memoryNode)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrFatal, memoryNode, err)
	}
	reg, err := tree.Property(mem, "reg")
	if err != nil || len(reg) != 16 {
		v.log.Warn("vof: cannot parse memory reg, available not updated", "node", memoryNode, "len", len(reg))
		return nil
	}
	total := binary.BigEndian.Uint64(reg[8:])

	claimed := v.claims.intervals()
	if len(claimed) == 0 || claimed[0].Start != 0 {
		v.log.Error("vof: firmware claim not at zero", "claims", len(claimed))
		return fmt.Errorf("%w: first claim does not start at 0", ErrFatal)
	}

	var avail []byte
	for i, c := range claimed {
		start := c.End()
		end := total
		if i+1 < len(claimed) {
			end = claimed[i+1].Start
		}
		if end <= start {
			continue
		}
		avail = binary.BigEndian.AppendUint64(avail, start)
		avail = binary.BigEndian.AppendUint64(avail, end-start)
	}
	if err := tree.SetProperty(mem, "available", avail); err != nil {
		return fmt.Errorf("%w: set available: %w", ErrFatal, err)
	}
	return nil
}

func phandleNode(tree DeviceTree, ph uint32) (fdt.NodeID, bool) {
	id, err := tree.ResolvePhandle(ph)
	return id, err == nil
}

func nodePhandle(tree DeviceTree, id fdt.NodeID) uint32 {
	ph, err := tree.Phandle(id)
	if err != nil {
		return 0
	}
	return ph
}

func (v *Vof) finddevice(c *call) (uint32, error) {
	path, err := v.readString(uint64(c.args[0]), maxFindDevicePathLen)
	if err != nil {
		return ciFail, nil
	}
	id, _, err := resolveDevice(c.tree, path)
	if err != nil {
		v.log.Debug("vof: finddevice", "path", path, "err", err)
		return ciFail, nil
	}
	ph := nodePhandle(c.tree, id)
	v.log.Debug("vof: finddevice", "path", path, "phandle", hex(uint64(ph)))
	return ph, nil
}

// propValue returns a property, synthesizing "name" from the node name
// without the unit address.
func propValue(tree DeviceTree, id fdt.NodeID, name string) ([]byte, bool) {
	if name == "name" {
		full, err := tree.Name(id)
		if err != nil {
			return nil, false
		}
		base, _ := baseName(full)
		return append([]byte(base), 0), true
	}
	val, err := tree.Property(id, name)
	return val, err == nil
}

func (v *Vof) getprop(c *call) (uint32, error) {
	id, ok := phandleNode(c.tree, c.args[0])
	if !ok {
		return ciFail, nil
	}
	name, err := v.readString(uint64(c.args[1]), maxPropNameLen)
	if err != nil {
		return ciFail, nil
	}
	val, ok := propValue(c.tree, id, name)
	if !ok {
		v.log.Debug("vof: getprop", "phandle", hex(uint64(c.args[0])), "name", name, "found", false)
		return ciFail, nil
	}
	n := min(uint32(len(val)), c.args[3])
	if err := v.writeBytes(uint64(c.args[2]), val[:n]); err != nil {
		return ciFail, nil
	}
	v.log.Debug("vof: getprop", "phandle", hex(uint64(c.args[0])), "name", name, "len", len(val), "value", formatProp(val))
	return uint32(len(val)), nil
}

func (v *Vof) getproplen(c *call) (uint32, error) {
	id, ok := phandleNode(c.tree, c.args[0])
	if !ok {
		return ciFail, nil
	}
	name, err := v.readString(uint64(c.args[1]), maxPropNameLen)
	if err != nil {
		return ciFail, nil
	}
	val, ok := propValue(c.tree, id, name)
	if !ok {
		return ciFail, nil
	}
	return uint32(len(val)), nil
}

// setpropAllowed is everything a client may change in the tree.
var setpropAllowed = map[string][]string{
	"/rtas":   {"linux,rtas-base", "linux,rtas-entry"},
	"/chosen": {"bootargs", "linux,initrd-start", "linux,initrd-end"},
}

func (v *Vof) setprop(c *call) (uint32, error) {
	id, ok := phandleNode(c.tree, c.args[0])
	if !ok {
		return ciFail, nil
	}
	name, err := v.readString(uint64(c.args[1]), maxPropNameLen)
	if err != nil {
		return ciFail, nil
	}
	path, err := c.tree.Path(id)
	if err != nil {
		return ciFail, nil
	}
	vallen := c.args[3]
	if !slices.Contains(setpropAllowed[path], name) {
		v.log.Warn("vof: setprop not allowed", "path", path, "name", name, "len", vallen)
		return ciFail, nil
	}
	if vallen > maxPropLen {
		v.log.Warn("vof: setprop value too long", "path", path, "name", name, "len", vallen)
		return ciFail, nil
	}
	val, err := v.readBytes(uint64(c.args[2]), int(vallen))
	if err != nil {
		return ciFail, nil
	}

	var initrd uint64
	if name == "linux,initrd-start" || name == "linux,initrd-end" {
		initrd, ok = ParseCells(val)
		if !ok {
			v.log.Warn("vof: setprop bad initrd cell", "name", name, "len", vallen)
			return ciFail, nil
		}
	}
	if v.machine != nil && !v.machine.AuthorizeSetprop(path, name, val) {
		v.log.Warn("vof: setprop rejected by machine", "path", path, "name", name)
		return ciFail, nil
	}
	if err := c.tree.SetProperty(id, name, val); err != nil {
		v.log.Warn("vof: setprop", "path", path, "name", name, "err", err)
		return ciFail, nil
	}

	switch name {
	case "bootargs":
		v.bootargs = cString(val)
	case "linux,initrd-start":
		v.initrdStart = initrd
	case "linux,initrd-end":
		v.initrdEnd = initrd
	}
	v.log.Debug("vof: setprop", "path", path, "name", name, "value", formatProp(val))
	return vallen, nil
}

// ParseCells decodes a 32-bit or 64-bit big-endian property value.
func ParseCells(val []byte) (uint64, bool) {
	switch len(val) {
	case 4:
		return uint64(binary.BigEndian.Uint32(val)), true
	case 8:
		return binary.BigEndian.Uint64(val), true
	default:
		return 0, false
	}
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (v *Vof) nextprop(c *call) (uint32, error) {
	id, ok := phandleNode(c.tree, c.args[0])
	if !ok {
		return ciFail, nil
	}
	prev, err := v.readString(uint64(c.args[1]), maxPropNameLen)
	if err != nil {
		return ciFail, nil
	}
	names, err := c.tree.Properties(id)
	if err != nil {
		return ciFail, nil
	}

	next := 0
	if prev != "" {
		i := slices.Index(names, prev)
		if i < 0 {
			return ciFail, nil
		}
		next = i + 1
	}
	if next >= len(names) {
		return 0, nil
	}
	if err := v.writeBytes(uint64(c.args[2]), append([]byte(names[next]), 0)); err != nil {
		return ciFail, nil
	}
	return 1, nil
}

func (v *Vof) peer(c *call) (uint32, error) {
	if c.args[0] == 0 {
		return nodePhandle(c.tree, fdt.Root), nil
	}
	id, ok := phandleNode(c.tree, c.args[0])
	if !ok {
		return 0, nil
	}
	parent, err := c.tree.Parent(id)
	if err != nil {
		return 0, nil
	}
	siblings, err := c.tree.Subnodes(parent)
	if err != nil {
		return 0, nil
	}
	i := slices.Index(siblings, id)
	if i < 0 || i+1 >= len(siblings) {
		return 0, nil
	}
	return nodePhandle(c.tree, siblings[i+1]), nil
}

func (v *Vof) child(c *call) (uint32, error) {
	id, ok := phandleNode(c.tree, c.args[0])
	if !ok {
		return 0, nil
	}
	children, err := c.tree.Subnodes(id)
	if err != nil || len(children) == 0 {
		return 0, nil
	}
	return nodePhandle(c.tree, children[0]), nil
}

func (v *Vof) parent(c *call) (uint32, error) {
	id, ok := phandleNode(c.tree, c.args[0])
	if !ok {
		return 0, nil
	}
	parent, err := c.tree.Parent(id)
	if err != nil {
		return 0, nil
	}
	return nodePhandle(c.tree, parent), nil
}

func (v *Vof) packageToPath(c *call) (uint32, error) {
	id, ok := phandleNode(c.tree, c.args[0])
	if !ok {
		return ciFail, nil
	}
	return v.copyPath(c.tree, id, uint64(c.args[1]), c.args[2]), nil
}

// copyPath writes a node path, NUL included and truncated to size, and
// returns the untruncated length.
func (v *Vof) copyPath(tree DeviceTree, id fdt.NodeID, buf uint64, size uint32) uint32 {
	path, err := tree.Path(id)
	if err != nil || len(path) >= maxPathLen {
		return ciFail
	}
	val := append([]byte(path), 0)
	if err := v.writeBytes(buf, val[:min(uint32(len(val)), size)]); err != nil {
		return ciFail
	}
	return uint32(len(val))
}
