package spapr

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tinyrange/vof/internal/hv"
)

// uvBufSize is the size of the guest buffer exchanged through the pipe,
// terminating NUL included.
const uvBufSize = 256

// UVPipe is a message pipe between the guest and a host character backend.
// The guest passes a NUL-terminated buffer with H_UV_PIPE; the message is
// forwarded to the backend and the buffer is remembered as the destination
// of the next reply.
type UVPipe struct {
	mem     hv.GuestMemory
	backend io.Writer
	log     *slog.Logger

	mu       sync.Mutex
	guestBuf uint64
	haveBuf  bool
}

// NewUVPipe creates a pipe writing guest messages to backend.
func NewUVPipe(mem hv.GuestMemory, backend io.Writer, log *slog.Logger) *UVPipe {
	if log == nil {
		log = slog.Default()
	}
	return &UVPipe{mem: mem, backend: backend, log: log}
}

// Hypercall handles H_UV_PIPE with the guest buffer at ptr.
func (u *UVPipe) Hypercall(ptr uint64) int64 {
	buf := make([]byte, uvBufSize)
	if _, err := u.mem.ReadAt(buf, int64(ptr)); err != nil {
		u.log.Warn("spapr: uv pipe read", "ptr", fmt.Sprintf("0x%x", ptr), "err", err)
		return HParameter
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	if _, err := u.backend.Write(buf); err != nil {
		u.log.Warn("spapr: uv pipe backend write", "err", err)
	}

	u.mu.Lock()
	u.guestBuf, u.haveBuf = ptr, true
	u.mu.Unlock()
	return HSuccess
}

// Receive copies data from the backend, NUL terminated, into the last
// buffer the guest passed. Data arriving before the first hypercall is
// dropped.
func (u *UVPipe) Receive(data []byte) error {
	u.mu.Lock()
	addr, ok := u.guestBuf, u.haveBuf
	u.mu.Unlock()

	if !ok {
		u.log.Debug("spapr: uv pipe skipping data before first message", "len", len(data))
		return nil
	}
	msg := make([]byte, min(len(data), uvBufSize-1)+1)
	copy(msg, data[:len(msg)-1])
	if _, err := u.mem.WriteAt(msg, int64(addr)); err != nil {
		return fmt.Errorf("spapr: uv pipe write to 0x%x: %w", addr, err)
	}
	return nil
}
