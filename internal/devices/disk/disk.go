// Package disk implements the block backend bound to firmware disk
// instances, the disk boot loaders read through "read" and "seek".
package disk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/tinyrange/vof/internal/fdt"
)

const (
	BlockSize = 512

	// DefaultVSCSIReg and DefaultLUN place the disk where QEMU puts the
	// first v-scsi disk.
	DefaultVSCSIReg = 0x2000
	DefaultLUN      = 0x8000000000000000
)

var (
	ErrReadOnly   = errors.New("disk: read-only")
	ErrOutOfRange = errors.New("disk: access out of range")
)

// Backing is the storage behind a disk.
type Backing interface {
	io.ReaderAt
	io.WriterAt
}

// Disk is a fixed-size block device. It is safe for concurrent use.
type Disk struct {
	mu       sync.Mutex
	backing  Backing
	size     uint64
	readOnly bool
	closer   io.Closer
}

// New wraps backing as a disk of the given size.
func New(backing Backing, size uint64, readOnly bool) *Disk {
	return &Disk{backing: backing, size: size, readOnly: readOnly}
}

// Open opens an image file.
func Open(path string, readOnly bool) (*Disk, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("disk: open image: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("disk: stat image: %w", err)
	}
	d := New(f, uint64(info.Size()), readOnly)
	d.closer = f
	return d, nil
}

// Size returns the capacity in bytes.
func (d *Disk) Size() uint64 { return d.size }

// BlockSize returns the logical block size.
func (d *Disk) BlockSize() uint32 { return BlockSize }

// ReadOnly reports whether writes are rejected.
func (d *Disk) ReadOnly() bool { return d.readOnly }

// ReadAt implements io.ReaderAt. Reads are clipped to the disk size and
// return io.EOF when clipped.
func (d *Disk) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: offset %d", ErrOutOfRange, off)
	}
	if uint64(off) >= d.size {
		return 0, io.EOF
	}
	want := p
	if rest := d.size - uint64(off); uint64(len(p)) > rest {
		want = p[:rest]
	}

	d.mu.Lock()
	n, err := d.backing.ReadAt(want, off)
	d.mu.Unlock()
	if err == nil && len(want) < len(p) {
		err = io.EOF
	}
	return n, err
}

// WriteAt implements io.WriterAt. Writes must fit entirely.
func (d *Disk) WriteAt(p []byte, off int64) (int, error) {
	if d.readOnly {
		return 0, ErrReadOnly
	}
	if off < 0 || uint64(off) > d.size || uint64(len(p)) > d.size-uint64(off) {
		return 0, fmt.Errorf("%w: write 0x%x+0x%x", ErrOutOfRange, off, len(p))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backing.WriteAt(p, off)
}

// Close releases the image file, if any.
func (d *Disk) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}

// Path returns the device tree path of a disk on a v-scsi adapter.
func Path(vscsiReg uint32, lun uint64) string {
	return fmt.Sprintf("/vdevice/v-scsi@%x/disk@%x", vscsiReg, lun)
}

// DeviceTreeNode returns a v-scsi adapter node holding one disk.
func DeviceTreeNode(vscsiReg uint32, lun uint64) fdt.Node {
	return fdt.Node{
		Name: fmt.Sprintf("v-scsi@%x", vscsiReg),
		Properties: map[string]fdt.Property{
			"device_type":    fdt.String("vscsi"),
			"compatible":     fdt.String("IBM,v-scsi"),
			"reg":            fdt.Cells(vscsiReg),
			"#address-cells": fdt.Cells(2),
			"#size-cells":    fdt.Cells(0),
		},
		Children: []fdt.Node{{
			Name: fmt.Sprintf("disk@%x", lun),
			Properties: map[string]fdt.Property{
				"device_type": fdt.String("block"),
				"reg":         fdt.Cells(uint32(lun>>32), uint32(lun)),
			},
		}},
	}
}
