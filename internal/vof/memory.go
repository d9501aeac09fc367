package vof

import (
	"bytes"
	"errors"
	"fmt"
)

var errUnterminated = errors.New("vof: string not terminated")

// readString reads a NUL-terminated string from guest memory. size is the
// buffer size including the terminator, so the longest accepted string is
// size-1 bytes. A read that stops early (end of RAM) is fine as long as the
// terminator was seen.
func (v *Vof) readString(addr uint64, size int) (string, error) {
	buf := make([]byte, size)
	n, err := v.mem.ReadAt(buf, int64(addr))
	if i := bytes.IndexByte(buf[:n], 0); i >= 0 {
		return string(buf[:i]), nil
	}
	if err != nil {
		return "", fmt.Errorf("vof: read string at 0x%x: %w", addr, err)
	}
	v.log.Warn("vof: string truncated", "addr", hex(addr), "size", size, "prefix", safeString(buf[:min(n, 32)]))
	return "", fmt.Errorf("%w at 0x%x within %d bytes", errUnterminated, addr, size)
}

func (v *Vof) readBytes(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := v.mem.ReadAt(buf, int64(addr)); err != nil {
		return nil, fmt.Errorf("vof: read 0x%x bytes at 0x%x: %w", n, addr, err)
	}
	return buf, nil
}

func (v *Vof) writeBytes(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if _, err := v.mem.WriteAt(data, int64(addr)); err != nil {
		return fmt.Errorf("vof: write 0x%x bytes at 0x%x: %w", len(data), addr, err)
	}
	return nil
}
