package hv

import (
	"fmt"
	"sort"
	"sync"
)

// Allocation is a named region handed out by an AddressSpace.
type Allocation struct {
	Name string
	Base uint64
	Size uint64
}

// End returns the first address past the allocation.
func (a Allocation) End() uint64 { return a.Base + a.Size }

// AddressSpace hands out naturally aligned regions of a bus address range
// [base, limit). It is used to place DMA windows on a PCI host bridge.
type AddressSpace struct {
	mu sync.Mutex

	base  uint64
	limit uint64

	// allocations is kept sorted by Base.
	allocations []Allocation
}

// NewAddressSpace creates an allocator over [base, limit).
func NewAddressSpace(base, limit uint64) *AddressSpace {
	return &AddressSpace{base: base, limit: limit}
}

// Allocate reserves size bytes aligned to align (which must be a power of
// two; zero means 4KB). The lowest fitting address is used.
func (a *AddressSpace) Allocate(name string, size, align uint64) (Allocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return Allocation{}, fmt.Errorf("address_space: cannot allocate zero-size region for %s", name)
	}
	if align == 0 {
		align = 0x1000
	}
	if align&(align-1) != 0 {
		return Allocation{}, fmt.Errorf("address_space: alignment 0x%x is not a power of 2 for %s", align, name)
	}

	candidate := alignUp(a.base, align)
	for _, existing := range a.allocations {
		if candidate+size <= existing.Base {
			break
		}
		if existing.End() > candidate {
			candidate = alignUp(existing.End(), align)
		}
	}
	end := candidate + size
	if candidate < a.base || end < candidate || end > a.limit {
		return Allocation{}, fmt.Errorf("%w: %s needs 0x%x bytes", ErrNoAddressRoom, name, size)
	}

	alloc := Allocation{Name: name, Base: candidate, Size: size}
	a.allocations = append(a.allocations, alloc)
	sort.Slice(a.allocations, func(i, j int) bool {
		return a.allocations[i].Base < a.allocations[j].Base
	})
	return alloc, nil
}

// Release frees the allocation starting at base.
func (a *AddressSpace) Release(base uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, existing := range a.allocations {
		if existing.Base == base {
			a.allocations = append(a.allocations[:i], a.allocations[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("address_space: no allocation at 0x%x", base)
}

// Allocations returns a copy of the live allocations ordered by address.
func (a *AddressSpace) Allocations() []Allocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]Allocation, len(a.allocations))
	copy(result, a.allocations)
	return result
}

// alignUp aligns value up to the specified alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
