package fdt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound  = errors.New("fdt: not found")
	ErrExists    = errors.New("fdt: node already exists")
	ErrBadNode   = errors.New("fdt: invalid node")
	ErrBadPath   = errors.New("fdt: malformed path")
	ErrMalformed = errors.New("fdt: malformed blob")
)

// NodeID identifies a node within a Tree. IDs are stable for the lifetime
// of the tree.
type NodeID int

const (
	InvalidNode NodeID = -1
	Root        NodeID = 0
)

type prop struct {
	name  string
	value []byte
}

type treeNode struct {
	name     string
	parent   NodeID
	children []NodeID
	props    []prop
}

// Tree is a mutable, in-memory device tree. Node and property order is
// preserved from the blob or description it was built from.
type Tree struct {
	nodes   []treeNode
	reserve []ReserveEntry
	bootCPU uint32
}

// NewTree returns a tree holding only an unnamed root node.
func NewTree() *Tree {
	return &Tree{nodes: []treeNode{{parent: InvalidNode}}}
}

func (t *Tree) node(id NodeID) (*treeNode, error) {
	if id < 0 || int(id) >= len(t.nodes) {
		return nil, fmt.Errorf("%w: %d", ErrBadNode, id)
	}
	return &t.nodes[id], nil
}

func (t *Tree) appendNode(parent NodeID, name string) NodeID {
	id := NodeID(len(t.nodes))
	t.nodes = append(t.nodes, treeNode{name: name, parent: parent})
	t.nodes[parent].children = append(t.nodes[parent].children, id)
	return id
}

// nameMatches reports whether a node name satisfies a path component. A
// component without a unit address also matches "component@unit".
func nameMatches(nodeName, component string) bool {
	if nodeName == component {
		return true
	}
	if strings.IndexByte(component, '@') >= 0 {
		return false
	}
	base, _, found := strings.Cut(nodeName, "@")
	return found && base == component
}

func (t *Tree) subnode(parent NodeID, component string) (NodeID, bool) {
	children := t.nodes[parent].children
	for _, c := range children {
		if t.nodes[c].name == component {
			return c, true
		}
	}
	for _, c := range children {
		if nameMatches(t.nodes[c].name, component) {
			return c, true
		}
	}
	return InvalidNode, false
}

// ResolvePath returns the node at path. Paths not starting with '/' are
// looked up through the /aliases node.
func (t *Tree) ResolvePath(path string) (NodeID, error) {
	if path == "" {
		return InvalidNode, fmt.Errorf("%w: empty path", ErrBadPath)
	}
	if path[0] != '/' {
		alias, rest, _ := strings.Cut(path, "/")
		target, err := t.aliasTarget(alias)
		if err != nil {
			return InvalidNode, err
		}
		if rest != "" {
			target = strings.TrimSuffix(target, "/") + "/" + rest
		}
		return t.ResolvePath(target)
	}

	id := Root
	for _, component := range strings.Split(path[1:], "/") {
		if component == "" {
			continue
		}
		next, ok := t.subnode(id, component)
		if !ok {
			return InvalidNode, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		id = next
	}
	return id, nil
}

func (t *Tree) aliasTarget(alias string) (string, error) {
	aliases, ok := t.subnode(Root, "aliases")
	if !ok {
		return "", fmt.Errorf("%w: alias %q", ErrNotFound, alias)
	}
	value, err := t.Property(aliases, alias)
	if err != nil {
		return "", err
	}
	target := strings.TrimRight(string(value), "\x00")
	if !strings.HasPrefix(target, "/") {
		return "", fmt.Errorf("%w: alias %q is not absolute", ErrBadPath, alias)
	}
	return target, nil
}

// ResolvePhandle returns the node whose "phandle" (or legacy
// "linux,phandle") property equals ph.
func (t *Tree) ResolvePhandle(ph uint32) (NodeID, error) {
	if ph == 0 || ph == 0xffffffff {
		return InvalidNode, fmt.Errorf("%w: phandle 0x%x", ErrNotFound, ph)
	}
	for i := range t.nodes {
		if t.phandle(NodeID(i)) == ph {
			return NodeID(i), nil
		}
	}
	return InvalidNode, fmt.Errorf("%w: phandle 0x%x", ErrNotFound, ph)
}

func (t *Tree) phandle(id NodeID) uint32 {
	for _, name := range []string{"phandle", "linux,phandle"} {
		for _, p := range t.nodes[id].props {
			if p.name == name && len(p.value) == 4 {
				return binary.BigEndian.Uint32(p.value)
			}
		}
	}
	return 0
}

// Phandle returns the phandle of a node, or 0 if it has none.
func (t *Tree) Phandle(id NodeID) (uint32, error) {
	if _, err := t.node(id); err != nil {
		return 0, err
	}
	return t.phandle(id), nil
}

// Name returns the node name including any unit address.
func (t *Tree) Name(id NodeID) (string, error) {
	n, err := t.node(id)
	if err != nil {
		return "", err
	}
	return n.name, nil
}

// Path returns the absolute path of a node.
func (t *Tree) Path(id NodeID) (string, error) {
	if _, err := t.node(id); err != nil {
		return "", err
	}
	if id == Root {
		return "/", nil
	}
	var parts []string
	for cur := id; cur != Root; cur = t.nodes[cur].parent {
		parts = append(parts, t.nodes[cur].name)
	}
	var sb strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		sb.WriteByte('/')
		sb.WriteString(parts[i])
	}
	return sb.String(), nil
}

// Parent returns the parent of a node. The root has no parent.
func (t *Tree) Parent(id NodeID) (NodeID, error) {
	n, err := t.node(id)
	if err != nil {
		return InvalidNode, err
	}
	if n.parent == InvalidNode {
		return InvalidNode, fmt.Errorf("%w: root has no parent", ErrNotFound)
	}
	return n.parent, nil
}

// Subnodes returns the direct children of a node in tree order.
func (t *Tree) Subnodes(id NodeID) ([]NodeID, error) {
	n, err := t.node(id)
	if err != nil {
		return nil, err
	}
	return append([]NodeID(nil), n.children...), nil
}

// Nodes returns every node in depth-first pre-order, the order in which
// they appear in a blob.
func (t *Tree) Nodes() ([]NodeID, error) {
	out := make([]NodeID, 0, len(t.nodes))
	var walk func(NodeID)
	walk = func(id NodeID) {
		out = append(out, id)
		for _, c := range t.nodes[id].children {
			walk(c)
		}
	}
	if len(t.nodes) > 0 {
		walk(Root)
	}
	return out, nil
}

// AddSubnode creates a child node with the given name.
func (t *Tree) AddSubnode(parent NodeID, name string) (NodeID, error) {
	p, err := t.node(parent)
	if err != nil {
		return InvalidNode, err
	}
	if name == "" || strings.ContainsRune(name, '/') {
		return InvalidNode, fmt.Errorf("%w: node name %q", ErrBadPath, name)
	}
	for _, c := range p.children {
		if t.nodes[c].name == name {
			return InvalidNode, fmt.Errorf("%w: %s", ErrExists, name)
		}
	}
	return t.appendNode(parent, name), nil
}

// Property returns a copy of the named property value.
func (t *Tree) Property(id NodeID, name string) ([]byte, error) {
	n, err := t.node(id)
	if err != nil {
		return nil, err
	}
	for _, p := range n.props {
		if p.name == name {
			return append([]byte(nil), p.value...), nil
		}
	}
	return nil, fmt.Errorf("%w: property %q", ErrNotFound, name)
}

// Properties returns the property names of a node in tree order.
func (t *Tree) Properties(id NodeID) ([]string, error) {
	n, err := t.node(id)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(n.props))
	for i, p := range n.props {
		names[i] = p.name
	}
	return names, nil
}

// SetProperty replaces the value of a property, appending it if the node
// does not have it yet.
func (t *Tree) SetProperty(id NodeID, name string, value []byte) error {
	n, err := t.node(id)
	if err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("%w: empty property name", ErrBadPath)
	}
	value = append([]byte(nil), value...)
	for i := range n.props {
		if n.props[i].name == name {
			n.props[i].value = value
			return nil
		}
	}
	n.props = append(n.props, prop{name: name, value: value})
	return nil
}

// SetPropertyString stores a NUL-terminated string.
func (t *Tree) SetPropertyString(id NodeID, name, v string) error {
	return t.SetProperty(id, name, append([]byte(v), 0))
}

// Pack serializes the tree into a compact blob.
func (t *Tree) Pack() ([]byte, error) {
	if len(t.nodes) == 0 {
		return nil, fmt.Errorf("%w: empty tree", ErrBadNode)
	}
	b := NewBuilder()
	b.SetBootCPU(t.bootCPU)
	for _, e := range t.reserve {
		b.AddReserveEntry(e)
	}
	var emit func(NodeID)
	emit = func(id NodeID) {
		n := &t.nodes[id]
		b.BeginNode(n.name)
		for _, p := range n.props {
			b.AddPropertyBytes(p.name, p.value)
		}
		for _, c := range n.children {
			emit(c)
		}
		b.EndNode()
	}
	emit(Root)
	return b.Build(), nil
}
