// Package fdt provides utilities for building, parsing and editing
// Flattened Device Trees (FDT).
package fdt

import (
	"encoding/binary"
)

const (
	fdtMagic          = 0xd00dfeed
	fdtVersion        = 17
	fdtLastCompatible = 16
	fdtHeaderSize     = 40

	fdtBeginNode = 0x00000001
	fdtEndNode   = 0x00000002
	fdtProp      = 0x00000003
	fdtNop       = 0x00000004
	fdtEnd       = 0x00000009
)

// ReserveEntry is one entry of the memory reservation block.
type ReserveEntry struct {
	Address uint64
	Size    uint64
}

// Builder constructs a Flattened Device Tree blob.
type Builder struct {
	structure []byte
	strings   []byte
	stringOff map[string]uint32
	reserve   []ReserveEntry
	bootCPU   uint32
}

// NewBuilder creates a new FDT builder.
func NewBuilder() *Builder {
	return &Builder{
		stringOff: make(map[string]uint32),
	}
}

// AddReserveEntry appends a memory reservation.
func (b *Builder) AddReserveEntry(e ReserveEntry) {
	b.reserve = append(b.reserve, e)
}

// SetBootCPU sets the boot_cpuid_phys header field.
func (b *Builder) SetBootCPU(id uint32) {
	b.bootCPU = id
}

// BeginNode starts a new node with the given name.
func (b *Builder) BeginNode(name string) {
	b.appendU32(fdtBeginNode)
	b.appendString(name)
}

// EndNode ends the current node.
func (b *Builder) EndNode() {
	b.appendU32(fdtEndNode)
}

// AddPropertyString adds a string property.
func (b *Builder) AddPropertyString(name, value string) {
	b.AddPropertyBytes(name, append([]byte(value), 0))
}

// AddPropertyU32 adds a 32-bit unsigned integer property.
func (b *Builder) AddPropertyU32(name string, value uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], value)
	b.AddPropertyBytes(name, tmp[:])
}

// AddPropertyBytes adds a raw bytes property.
func (b *Builder) AddPropertyBytes(name string, data []byte) {
	b.appendU32(fdtProp)
	b.appendU32(uint32(len(data)))
	b.appendU32(b.addString(name))
	b.appendBytes(data)
}

// Build generates the final FDT blob.
func (b *Builder) Build() []byte {
	b.appendU32(fdtEnd)

	// The reservation block is terminated by an all-zero entry.
	memRsvmapOff := uint32(fdtHeaderSize)
	memRsvmapSize := uint32(16 * (len(b.reserve) + 1))
	structOff := memRsvmapOff + memRsvmapSize
	structSize := uint32(len(b.structure))
	stringsOff := structOff + structSize
	stringsSize := uint32(len(b.strings))
	totalSize := stringsOff + stringsSize

	blob := make([]byte, totalSize)
	header := blob[:fdtHeaderSize]
	binary.BigEndian.PutUint32(header[0:], fdtMagic)
	binary.BigEndian.PutUint32(header[4:], totalSize)
	binary.BigEndian.PutUint32(header[8:], structOff)
	binary.BigEndian.PutUint32(header[12:], stringsOff)
	binary.BigEndian.PutUint32(header[16:], memRsvmapOff)
	binary.BigEndian.PutUint32(header[20:], fdtVersion)
	binary.BigEndian.PutUint32(header[24:], fdtLastCompatible)
	binary.BigEndian.PutUint32(header[28:], b.bootCPU)
	binary.BigEndian.PutUint32(header[32:], stringsSize)
	binary.BigEndian.PutUint32(header[36:], structSize)

	rsv := blob[memRsvmapOff:structOff]
	for i, e := range b.reserve {
		binary.BigEndian.PutUint64(rsv[i*16:], e.Address)
		binary.BigEndian.PutUint64(rsv[i*16+8:], e.Size)
	}
	copy(blob[structOff:], b.structure)
	copy(blob[stringsOff:], b.strings)

	return blob
}

func (b *Builder) appendU32(v uint32) {
	b.structure = binary.BigEndian.AppendUint32(b.structure, v)
}

func (b *Builder) appendString(s string) {
	b.structure = append(b.structure, s...)
	b.structure = append(b.structure, 0)
	b.pad()
}

func (b *Builder) appendBytes(data []byte) {
	b.structure = append(b.structure, data...)
	b.pad()
}

func (b *Builder) pad() {
	for len(b.structure)%4 != 0 {
		b.structure = append(b.structure, 0)
	}
}

func (b *Builder) addString(name string) uint32 {
	if off, ok := b.stringOff[name]; ok {
		return off
	}
	off := uint32(len(b.strings))
	b.stringOff[name] = off
	b.strings = append(b.strings, name...)
	b.strings = append(b.strings, 0)
	return off
}
