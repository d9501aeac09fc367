package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Property describes a single device-tree property in a JSON-friendly form.
// Exactly one of the typed fields should be populated for a given property.
type Property struct {
	Strings []string `json:"strings,omitempty" yaml:"strings,omitempty"`
	U32     []uint32 `json:"u32,omitempty" yaml:"u32,omitempty"`
	U64     []uint64 `json:"u64,omitempty" yaml:"u64,omitempty"`
	Bytes   []byte   `json:"bytes,omitempty" yaml:"bytes,omitempty"`
	Flag    bool     `json:"flag,omitempty" yaml:"flag,omitempty"`
}

// String returns a string property.
func String(v string) Property { return Property{Strings: []string{v}} }

// Cells returns a property made of big-endian 32-bit cells.
func Cells(v ...uint32) Property { return Property{U32: v} }

// Quads returns a property made of big-endian 64-bit values.
func Quads(v ...uint64) Property { return Property{U64: v} }

// Kind returns the name of the populated field or an empty string if none are set.
func (p Property) Kind() string {
	switch {
	case len(p.Strings) > 0:
		return "strings"
	case len(p.U32) > 0:
		return "u32"
	case len(p.U64) > 0:
		return "u64"
	case len(p.Bytes) > 0:
		return "bytes"
	case p.Flag:
		return "flag"
	default:
		return ""
	}
}

// DefinedCount reports how many distinct fields on the property are populated.
func (p Property) DefinedCount() int {
	count := 0
	if len(p.Strings) > 0 {
		count++
	}
	if len(p.U32) > 0 {
		count++
	}
	if len(p.U64) > 0 {
		count++
	}
	if len(p.Bytes) > 0 {
		count++
	}
	if p.Flag {
		count++
	}
	return count
}

// Encode returns the on-wire value of the property.
func (p Property) Encode() ([]byte, error) {
	if p.DefinedCount() == 0 {
		return nil, fmt.Errorf("fdt: property has no values")
	}
	if p.DefinedCount() > 1 {
		return nil, fmt.Errorf("fdt: property has multiple value kinds")
	}
	switch p.Kind() {
	case "strings":
		var buf bytes.Buffer
		for _, v := range p.Strings {
			buf.WriteString(v)
			buf.WriteByte(0)
		}
		return buf.Bytes(), nil
	case "u32":
		data := make([]byte, len(p.U32)*4)
		for i, v := range p.U32 {
			binary.BigEndian.PutUint32(data[i*4:], v)
		}
		return data, nil
	case "u64":
		data := make([]byte, len(p.U64)*8)
		for i, v := range p.U64 {
			binary.BigEndian.PutUint64(data[i*8:], v)
		}
		return data, nil
	case "bytes":
		return append([]byte(nil), p.Bytes...), nil
	case "flag":
		return []byte{}, nil
	default:
		return nil, fmt.Errorf("fdt: unsupported property kind %q", p.Kind())
	}
}

// Node describes a device-tree node using JSON-friendly structures.
type Node struct {
	Name       string              `json:"name" yaml:"name"`
	Properties map[string]Property `json:"properties,omitempty" yaml:"properties,omitempty"`
	Children   []Node              `json:"children,omitempty" yaml:"children,omitempty"`
}
