package vof

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tinyrange/vof/internal/fdt"
)

// devicePath is a client-supplied device path split into the node path,
// the unit address of the last component and the open arguments:
//
//	/vdevice/v-scsi@2000/disk@8000000000000000:1,\boot\yaboot
//	`------------ node -------------'`-- unit ---' `-- args ---'
type devicePath struct {
	node    string
	unit    string
	args    string
	hasUnit bool
	hasArgs bool
}

// splitPath separates a device path. Arguments start at the first ':' as
// node names cannot contain one; they may contain '/'.
func splitPath(full string) devicePath {
	var p devicePath
	nodePart := full
	if i := strings.IndexByte(full, ':'); i >= 0 {
		nodePart, p.args, p.hasArgs = full[:i], full[i+1:], true
	}
	last := strings.LastIndexByte(nodePart, '/')
	if at := strings.IndexByte(nodePart[last+1:], '@'); at >= 0 {
		at += last + 1
		p.node, p.unit, p.hasUnit = nodePart[:at], nodePart[at+1:], true
	} else {
		p.node = nodePart
	}
	return p
}

// withUnit returns the node path including the unit address.
func (p devicePath) withUnit() string {
	if !p.hasUnit {
		return p.node
	}
	return p.node + "@" + p.unit
}

// resolveDevice finds the node for a client path. The full "name@unit"
// form is preferred; a bare name then matches the first "name@..." node.
func resolveDevice(tree DeviceTree, path string) (fdt.NodeID, devicePath, error) {
	p := splitPath(path)
	if p.node == "" {
		return fdt.InvalidNode, p, fmt.Errorf("%w: %q", fdt.ErrBadPath, path)
	}
	if p.hasUnit {
		id, err := tree.ResolvePath(p.withUnit())
		if err == nil {
			return id, p, nil
		}
		if !errors.Is(err, fdt.ErrNotFound) {
			return fdt.InvalidNode, p, err
		}
	}
	id, err := tree.ResolvePath(p.node)
	return id, p, err
}

// baseName strips the unit address from a node name.
func baseName(name string) (string, bool) {
	base, _, found := strings.Cut(name, "@")
	return base, found
}
