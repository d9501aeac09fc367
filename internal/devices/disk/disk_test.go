package disk

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

type memBacking []byte

func (m memBacking) ReadAt(p []byte, off int64) (int, error)  { return copy(p, m[off:]), nil }
func (m memBacking) WriteAt(p []byte, off int64) (int, error) { return copy(m[off:], p), nil }

func TestReadClipped(t *testing.T) {
	d := New(make(memBacking, 1024), 1024, false)
	buf := make([]byte, 100)
	n, err := d.ReadAt(buf, 1000)
	if n != 24 || !errors.Is(err, io.EOF) {
		t.Fatalf("ReadAt = %d, %v", n, err)
	}
	if n, err := d.ReadAt(buf, 1024); n != 0 || !errors.Is(err, io.EOF) {
		t.Fatalf("ReadAt at end = %d, %v", n, err)
	}
}

func TestWriteBounds(t *testing.T) {
	back := make(memBacking, 1024)
	d := New(back, 1024, false)
	if _, err := d.WriteAt([]byte("abcd"), 1022); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("WriteAt past end = %v", err)
	}
	if n, err := d.WriteAt([]byte("ab"), 1022); n != 2 || err != nil {
		t.Fatalf("WriteAt = %d, %v", n, err)
	}
	if string(back[1022:]) != "ab" {
		t.Fatalf("backing = %q", back[1022:])
	}

	ro := New(back, 1024, true)
	if _, err := ro.WriteAt([]byte("x"), 0); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("read-only WriteAt = %v", err)
	}
}

func TestOpenImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, make([]byte, 8*BlockSize), 0o644); err != nil {
		t.Fatal(err)
	}
	d, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if d.Size() != 8*BlockSize || d.BlockSize() != BlockSize {
		t.Fatalf("size %d block %d", d.Size(), d.BlockSize())
	}
	if _, err := d.WriteAt([]byte("yaboot"), BlockSize); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	buf := make([]byte, 6)
	if _, err := d.ReadAt(buf, BlockSize); err != nil || string(buf) != "yaboot" {
		t.Fatalf("ReadAt = %q, %v", buf, err)
	}
}

func TestPath(t *testing.T) {
	if got := Path(DefaultVSCSIReg, DefaultLUN); got != "/vdevice/v-scsi@2000/disk@8000000000000000" {
		t.Fatalf("Path = %q", got)
	}
	node := DeviceTreeNode(DefaultVSCSIReg, DefaultLUN)
	if node.Name != "v-scsi@2000" || len(node.Children) != 1 || node.Children[0].Name != "disk@8000000000000000" {
		t.Fatalf("node = %+v", node)
	}
}
