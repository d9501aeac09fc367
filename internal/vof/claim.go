package vof

import (
	"github.com/google/btree"
)

// Claimed is a claimed physical range [Start, Start+Size).
type Claimed struct {
	Start uint64
	Size  uint64
}

// End returns the first address past the range.
func (c Claimed) End() uint64 { return c.Start + c.Size }

// allocator is the OF1275 claim allocator. Claimed ranges never overlap.
type allocator struct {
	claimed *btree.BTreeG[Claimed]
	// cursor is where floating claims start probing. It never decreases.
	cursor uint64
	limit  uint64
}

func newAllocator(limit uint64) *allocator {
	return &allocator{
		claimed: btree.NewG(8, func(a, b Claimed) bool { return a.Start < b.Start }),
		limit:   limit,
	}
}

// available reports whether [start, start+size) is free.
func (a *allocator) available(start, size uint64) bool {
	end := start + size
	if size == 0 || end < start {
		return false
	}
	// Ranges are disjoint, so only the last range starting before end can
	// reach into [start, end).
	free := true
	a.claimed.DescendLessOrEqual(Claimed{Start: end - 1}, func(c Claimed) bool {
		free = c.End() <= start
		return false
	})
	return free
}

// claim follows OF1275: "If align is zero, the allocated range begins at
// the virtual address virt. Otherwise, an aligned address is automatically
// chosen and the input argument virt is ignored."
func (a *allocator) claim(virt, size, align uint64) (uint64, bool) {
	if size == 0 {
		return 0, false
	}

	var addr uint64
	if align == 0 {
		if !a.available(virt, size) {
			return 0, false
		}
		addr = virt
	} else {
		candidate, ok := alignUp(a.cursor, align)
		for {
			if !ok || candidate >= a.limit || size > a.limit-candidate {
				return 0, false
			}
			if a.available(candidate, size) {
				break
			}
			candidate += size
		}
		addr = candidate
	}

	a.cursor = max(a.cursor, addr+size)
	a.claimed.ReplaceOrInsert(Claimed{Start: addr, Size: size})
	return addr, true
}

// release removes the claim that exactly matches (virt, size).
func (a *allocator) release(virt, size uint64) bool {
	c, ok := a.claimed.Get(Claimed{Start: virt})
	if !ok || c.Size != size {
		return false
	}
	a.claimed.Delete(c)
	return true
}

func (a *allocator) intervals() []Claimed {
	out := make([]Claimed, 0, a.claimed.Len())
	a.claimed.Ascend(func(c Claimed) bool {
		out = append(out, c)
		return true
	})
	return out
}

// alignUp rounds v up to a multiple of align. It reports false on overflow.
func alignUp(v, align uint64) (uint64, bool) {
	r := v % align
	if r == 0 {
		return v, true
	}
	up := v + (align - r)
	return up, up > v
}
