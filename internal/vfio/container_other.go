//go:build !linux

package vfio

import "log/slog"

// Container is an open VFIO container. VFIO only exists on Linux.
type Container struct{}

func OpenContainer(log *slog.Logger) (*Container, error) { return nil, ErrUnsupported }

func (c *Container) AddGroup(id int) error { return ErrUnsupported }

func (c *Container) Info() (TCEInfo, error) { return TCEInfo{}, ErrUnsupported }

func (c *Container) CreateWindow(pageShift uint32, windowSize uint64, levels uint32) (uint64, error) {
	return 0, ErrUnsupported
}

func (c *Container) RemoveWindow(start uint64) error { return ErrUnsupported }

func (c *Container) RegisterMemory(vaddr, size uint64) error { return ErrUnsupported }

func (c *Container) UnregisterMemory(vaddr, size uint64) error { return ErrUnsupported }

func (c *Container) MapDMA(iova, vaddr, size uint64, readOnly bool) error { return ErrUnsupported }

func (c *Container) UnmapDMA(iova, size uint64) error { return ErrUnsupported }

func (c *Container) Close() error { return nil }
