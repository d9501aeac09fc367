package hv

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"
)

// RAM is a flat guest physical memory starting at address zero.
type RAM struct {
	mu   sync.RWMutex
	data []byte
}

// NewRAM allocates size bytes of zeroed guest memory.
func NewRAM(size uint64) *RAM {
	return &RAM{data: make([]byte, size)}
}

// MemorySize implements GuestMemory.
func (r *RAM) MemorySize() uint64 { return uint64(len(r.data)) }

// HostAddr returns the host virtual address backing guest address zero,
// for registering guest RAM with a host IOMMU.
func (r *RAM) HostAddr() uint64 {
	if len(r.data) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&r.data[0])))
}

// ReadAt implements io.ReaderAt. Reads running past the end of RAM copy
// what is available and report ErrGuestAccess.
func (r *RAM) ReadAt(p []byte, off int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if off < 0 || off >= int64(len(r.data)) {
		return 0, fmt.Errorf("%w: read 0x%x+0x%x", ErrGuestAccess, off, len(p))
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, fmt.Errorf("%w: read 0x%x+0x%x", ErrGuestAccess, off, len(p))
	}
	return n, nil
}

// WriteAt implements io.WriterAt. A write that does not fit entirely is
// rejected without modifying memory.
func (r *RAM) WriteAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if off < 0 || off > int64(len(r.data)) || int64(len(p)) > int64(len(r.data))-off {
		return 0, fmt.Errorf("%w: write 0x%x+0x%x", ErrGuestAccess, off, len(p))
	}
	return copy(r.data[off:], p), nil
}

// ReadU32 loads a big-endian word.
func ReadU32(mem GuestMemory, addr uint64) (uint32, error) {
	var buf [4]byte
	if _, err := mem.ReadAt(buf[:], int64(addr)); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// WriteU32 stores a big-endian word.
func WriteU32(mem GuestMemory, addr uint64, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := mem.WriteAt(buf[:], int64(addr))
	return err
}

var _ GuestMemory = (*RAM)(nil)
