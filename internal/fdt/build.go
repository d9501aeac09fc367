package fdt

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Build serializes the provided node tree into an FDT blob.
func Build(root Node) ([]byte, error) {
	t, err := FromNode(root)
	if err != nil {
		return nil, err
	}
	return t.Pack()
}

// FromNode converts a node description into a mutable tree. Properties of
// each node are added in name order.
func FromNode(root Node) (*Tree, error) {
	t := &Tree{}
	t.nodes = append(t.nodes, treeNode{name: root.Name, parent: InvalidNode})
	if err := t.addNode(Root, root); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree) addNode(id NodeID, n Node) error {
	keys := make([]string, 0, len(n.Properties))
	for name := range n.Properties {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	for _, name := range keys {
		data, err := n.Properties[name].Encode()
		if err != nil {
			return fmt.Errorf("fdt: node %q property %q: %w", n.Name, name, err)
		}
		t.nodes[id].props = append(t.nodes[id].props, prop{name: name, value: data})
	}

	for _, child := range n.Children {
		cid, err := t.AddSubnode(id, child.Name)
		if err != nil {
			return err
		}
		if err := t.addNode(cid, child); err != nil {
			return err
		}
	}
	return nil
}

// Parse decodes an FDT blob into a mutable tree.
func Parse(blob []byte) (*Tree, error) {
	if len(blob) < fdtHeaderSize {
		return nil, fmt.Errorf("%w: header truncated", ErrMalformed)
	}
	be := binary.BigEndian
	if be.Uint32(blob[0:]) != fdtMagic {
		return nil, fmt.Errorf("%w: bad magic 0x%08x", ErrMalformed, be.Uint32(blob[0:]))
	}
	total := be.Uint32(blob[4:])
	offStruct := be.Uint32(blob[8:])
	offStrings := be.Uint32(blob[12:])
	offRsvmap := be.Uint32(blob[16:])
	version := be.Uint32(blob[20:])
	bootCPU := be.Uint32(blob[28:])
	sizeStrings := be.Uint32(blob[32:])
	sizeStruct := be.Uint32(blob[36:])

	if version < fdtLastCompatible {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, version)
	}
	if uint64(total) > uint64(len(blob)) ||
		uint64(offStruct)+uint64(sizeStruct) > uint64(total) ||
		uint64(offStrings)+uint64(sizeStrings) > uint64(total) ||
		offRsvmap >= total {
		return nil, fmt.Errorf("%w: block offsets exceed blob size", ErrMalformed)
	}

	t := &Tree{bootCPU: bootCPU}
	for off := offRsvmap; ; off += 16 {
		if off+16 > total {
			return nil, fmt.Errorf("%w: reservation map unterminated", ErrMalformed)
		}
		e := ReserveEntry{Address: be.Uint64(blob[off:]), Size: be.Uint64(blob[off+8:])}
		if e.Address == 0 && e.Size == 0 {
			break
		}
		t.reserve = append(t.reserve, e)
	}

	p := parser{
		data:    blob[offStruct : offStruct+sizeStruct],
		strings: blob[offStrings : offStrings+sizeStrings],
	}
	if err := p.parse(t); err != nil {
		return nil, err
	}
	return t, nil
}

type parser struct {
	data    []byte
	strings []byte
	off     int
}

func (p *parser) u32() (uint32, error) {
	if p.off+4 > len(p.data) {
		return 0, fmt.Errorf("%w: structure block truncated", ErrMalformed)
	}
	v := binary.BigEndian.Uint32(p.data[p.off:])
	p.off += 4
	return v, nil
}

func (p *parser) align() {
	p.off = (p.off + 3) &^ 3
}

func (p *parser) cstring(buf []byte, off int) (string, int, error) {
	for i := off; i < len(buf); i++ {
		if buf[i] == 0 {
			return string(buf[off:i]), i + 1, nil
		}
	}
	return "", 0, fmt.Errorf("%w: unterminated string", ErrMalformed)
}

func (p *parser) parse(t *Tree) error {
	current := InvalidNode
	for {
		tok, err := p.u32()
		if err != nil {
			return err
		}
		switch tok {
		case fdtBeginNode:
			name, next, err := p.cstring(p.data, p.off)
			if err != nil {
				return err
			}
			p.off = next
			p.align()
			if current == InvalidNode {
				if len(t.nodes) != 0 {
					return fmt.Errorf("%w: multiple root nodes", ErrMalformed)
				}
				t.nodes = append(t.nodes, treeNode{name: name, parent: InvalidNode})
				current = Root
				continue
			}
			current = t.appendNode(current, name)
		case fdtEndNode:
			if current == InvalidNode {
				return fmt.Errorf("%w: unbalanced end node", ErrMalformed)
			}
			current = t.nodes[current].parent
		case fdtProp:
			if current == InvalidNode {
				return fmt.Errorf("%w: property outside node", ErrMalformed)
			}
			length, err := p.u32()
			if err != nil {
				return err
			}
			nameOff, err := p.u32()
			if err != nil {
				return err
			}
			if p.off+int(length) > len(p.data) {
				return fmt.Errorf("%w: property value truncated", ErrMalformed)
			}
			name, _, err := p.cstring(p.strings, int(nameOff))
			if err != nil {
				return err
			}
			value := append([]byte(nil), p.data[p.off:p.off+int(length)]...)
			p.off += int(length)
			p.align()
			t.nodes[current].props = append(t.nodes[current].props, prop{name: name, value: value})
		case fdtNop:
		case fdtEnd:
			if current != InvalidNode || len(t.nodes) == 0 {
				return fmt.Errorf("%w: end token inside node", ErrMalformed)
			}
			return nil
		default:
			return fmt.Errorf("%w: unknown token 0x%x at 0x%x", ErrMalformed, tok, p.off-4)
		}
	}
}
