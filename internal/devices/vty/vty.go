// Package vty implements the sPAPR virtual terminal backend, the byte stream
// behind /vdevice/vty@... used by the firmware console and by the
// H_GET_TERM_CHAR / H_PUT_TERM_CHAR hypercalls.
package vty

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/tinyrange/vof/internal/fdt"
)

const (
	// DefaultReg is the unit address QEMU gives the first vty.
	DefaultReg = 0x71000000

	// inputMax bounds the buffered input; older bytes are kept and newer
	// ones dropped, like a UART FIFO.
	inputMax = 4096
)

// Config describes a vty.
type Config struct {
	Reg    uint32
	Out    io.Writer
	In     io.Reader
	Logger *slog.Logger
}

// VTY is a console. Input is read from Config.In on a goroutine and buffered
// until the guest asks for it, so reads never block the vCPU.
type VTY struct {
	reg uint32
	out io.Writer
	in  io.Reader
	log *slog.Logger

	mu      sync.Mutex
	pending []byte
	dropped int

	inputStop chan struct{}
	inputWG   sync.WaitGroup
}

// New creates a vty. Call Start to begin reading input.
func New(cfg Config) *VTY {
	reg := cfg.Reg
	if reg == 0 {
		reg = DefaultReg
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	out := cfg.Out
	if out == nil {
		out = io.Discard
	}
	return &VTY{reg: reg, out: out, in: cfg.In, log: log}
}

// Reg returns the unit address.
func (t *VTY) Reg() uint32 { return t.reg }

// Path returns the device tree path of the vty node.
func (t *VTY) Path() string { return "/vdevice/" + t.nodeName() }

func (t *VTY) nodeName() string { return fmt.Sprintf("vty@%x", t.reg) }

// DeviceTreeNode returns the node to place under /vdevice.
func (t *VTY) DeviceTreeNode() fdt.Node {
	return fdt.Node{
		Name: t.nodeName(),
		Properties: map[string]fdt.Property{
			"device_type": fdt.String("serial"),
			"compatible":  fdt.String("hvterm1"),
			"reg":         fdt.Cells(t.reg),
		},
	}
}

// Write sends guest output to the host.
func (t *VTY) Write(p []byte) (int, error) {
	if t.log.Enabled(context.Background(), slog.LevelDebug) {
		t.log.Debug("vty: output", "reg", t.reg, "text", ansi.Strip(string(p)))
	}
	return t.out.Write(p)
}

// Read returns buffered input. It returns 0, nil when nothing is pending.
func (t *VTY) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := copy(p, t.pending)
	t.pending = t.pending[n:]
	return n, nil
}

// Pending reports how many input bytes are buffered.
func (t *VTY) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Inject adds input as if it had been typed on the host.
func (t *VTY) Inject(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := inputMax - len(t.pending)
	if room < len(data) {
		t.dropped += len(data) - max(room, 0)
		data = data[:max(room, 0)]
	}
	t.pending = append(t.pending, data...)
}

// Dropped reports how many input bytes did not fit in the buffer.
func (t *VTY) Dropped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// Start begins reading Config.In. It is a no-op without input.
func (t *VTY) Start() {
	if t.in == nil || t.inputStop != nil {
		return
	}
	t.inputStop = make(chan struct{})
	t.inputWG.Add(1)
	go t.readInput()
}

// Stop ends the input reader started by Start.
func (t *VTY) Stop() {
	if t.inputStop == nil {
		return
	}
	close(t.inputStop)
	if closer, ok := t.in.(io.Closer); ok {
		_ = closer.Close()
	}
	done := make(chan struct{})
	go func() {
		t.inputWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		t.inputStop = nil
	case <-time.After(time.Second):
		t.log.Warn("vty: timed out stopping input reader", "reg", t.reg)
	}
}

func (t *VTY) readInput() {
	defer t.inputWG.Done()

	buf := make([]byte, 256)
	for {
		select {
		case <-t.inputStop:
			return
		default:
		}

		n, err := t.in.Read(buf)
		if n > 0 {
			t.Inject(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				select {
				case <-t.inputStop:
				default:
					t.log.Warn("vty: input read error", "reg", t.reg, "err", err)
				}
			}
			return
		}
	}
}
