package vty

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/vof/internal/fdt"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWriteReachesHost(t *testing.T) {
	var out syncBuffer
	v := New(Config{Out: &out})
	if n, err := v.Write([]byte("hello\n")); n != 6 || err != nil {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if out.String() != "hello\n" {
		t.Fatalf("host got %q", out.String())
	}
}

func TestReadDoesNotBlock(t *testing.T) {
	v := New(Config{})
	buf := make([]byte, 8)
	if n, err := v.Read(buf); n != 0 || err != nil {
		t.Fatalf("empty Read = %d, %v", n, err)
	}
	v.Inject([]byte("abc"))
	if n, _ := v.Read(buf[:2]); n != 2 || string(buf[:2]) != "ab" {
		t.Fatalf("Read = %q", buf[:n])
	}
	if got := v.Pending(); got != 1 {
		t.Fatalf("Pending = %d", got)
	}
}

func TestInjectBounded(t *testing.T) {
	v := New(Config{})
	v.Inject(make([]byte, inputMax-1))
	v.Inject([]byte("xyz"))
	if got := v.Pending(); got != inputMax {
		t.Fatalf("Pending = %d", got)
	}
	if got := v.Dropped(); got != 2 {
		t.Fatalf("Dropped = %d", got)
	}
}

func TestInputReader(t *testing.T) {
	r, w := io.Pipe()
	v := New(Config{In: r})
	v.Start()
	defer v.Stop()

	if _, err := w.Write([]byte("boot\r")); err != nil {
		t.Fatalf("pipe write: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for v.Pending() < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("input never arrived, pending %d", v.Pending())
		}
		time.Sleep(5 * time.Millisecond)
	}
	buf := make([]byte, 8)
	n, _ := v.Read(buf)
	if string(buf[:n]) != "boot\r" {
		t.Fatalf("Read = %q", buf[:n])
	}
}

func TestDeviceTreeNode(t *testing.T) {
	v := New(Config{})
	if got := v.Path(); got != "/vdevice/vty@71000000" {
		t.Fatalf("Path = %q", got)
	}
	want := fdt.Node{
		Name: "vty@71000000",
		Properties: map[string]fdt.Property{
			"device_type": fdt.String("serial"),
			"compatible":  fdt.String("hvterm1"),
			"reg":         fdt.Cells(DefaultReg),
		},
	}
	if diff := cmp.Diff(want, v.DeviceTreeNode()); diff != "" {
		t.Fatalf("node mismatch (-want +got):\n%s", diff)
	}
}
