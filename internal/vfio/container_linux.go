//go:build linux

package vfio

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"unsafe"

	"golang.org/x/sys/unix"
)

const containerPath = "/dev/vfio/vfio"

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

type groupStatus struct {
	argsz uint32
	flags uint32
}

// Container is an open VFIO container using the sPAPR TCE v2 IOMMU.
type Container struct {
	fd     *os.File
	groups []*os.File
	log    *slog.Logger
}

// OpenContainer opens the VFIO container device and checks that the host
// supports the sPAPR TCE v2 IOMMU model.
func OpenContainer(log *slog.Logger) (*Container, error) {
	if log == nil {
		log = slog.Default()
	}
	f, err := os.OpenFile(containerPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("vfio: open %s: %w", containerPath, err)
	}
	c := &Container{fd: f, log: log}

	version, err := ioctlWithRetry(f.Fd(), vfioGetAPIVersion, 0)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("vfio: get API version: %w", err)
	}
	if version != vfioAPIVersion {
		c.Close()
		return nil, fmt.Errorf("vfio: unsupported API version %d", version)
	}
	ok, err := ioctlWithRetry(f.Fd(), vfioCheckExtension, vfioSPAPRTCEv2IOMMU)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("vfio: check extension: %w", err)
	}
	if ok == 0 {
		c.Close()
		return nil, fmt.Errorf("%w: sPAPR TCE v2 IOMMU", ErrUnsupported)
	}
	return c, nil
}

// AddGroup attaches an IOMMU group to the container. The IOMMU model is
// selected when the first group is added.
func (c *Container) AddGroup(id int) error {
	path := "/dev/vfio/" + strconv.Itoa(id)
	g, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("vfio: open group %s: %w", path, err)
	}

	status := groupStatus{argsz: uint32(unsafe.Sizeof(groupStatus{}))}
	if _, err := ioctlWithRetry(g.Fd(), vfioGroupGetStatus, uintptr(unsafe.Pointer(&status))); err != nil {
		g.Close()
		return fmt.Errorf("vfio: group %d status: %w", id, err)
	}
	if status.flags&vfioGroupViable == 0 {
		g.Close()
		return fmt.Errorf("%w: group %d", ErrNotViable, id)
	}

	fd := int32(c.fd.Fd())
	if _, err := ioctlWithRetry(g.Fd(), vfioGroupSetContainer, uintptr(unsafe.Pointer(&fd))); err != nil {
		g.Close()
		return fmt.Errorf("vfio: group %d set container: %w", id, err)
	}
	if len(c.groups) == 0 {
		if _, err := ioctlWithRetry(c.fd.Fd(), vfioSetIOMMU, vfioSPAPRTCEv2IOMMU); err != nil {
			g.Close()
			return fmt.Errorf("vfio: set IOMMU: %w", err)
		}
	}
	c.groups = append(c.groups, g)
	c.log.Info("vfio: group attached", "group", id)
	return nil
}

// Info returns the IOMMU window capabilities.
func (c *Container) Info() (TCEInfo, error) {
	info := TCEInfo{argsz: uint32(unsafe.Sizeof(TCEInfo{}))}
	if _, err := ioctlWithRetry(c.fd.Fd(), vfioSPAPRTCEGetInfo, uintptr(unsafe.Pointer(&info))); err != nil {
		return TCEInfo{}, fmt.Errorf("vfio: TCE info: %w", err)
	}
	return info, nil
}

// CreateWindow creates a DMA window and returns its bus address.
func (c *Container) CreateWindow(pageShift uint32, windowSize uint64, levels uint32) (uint64, error) {
	req := tceCreate{
		argsz:      uint32(unsafe.Sizeof(tceCreate{})),
		pageShift:  pageShift,
		windowSize: windowSize,
		levels:     levels,
	}
	if _, err := ioctlWithRetry(c.fd.Fd(), vfioSPAPRTCECreate, uintptr(unsafe.Pointer(&req))); err != nil {
		return 0, fmt.Errorf("vfio: create window shift=%d size=0x%x: %w", pageShift, windowSize, err)
	}
	c.log.Debug("vfio: window created", "start", fmt.Sprintf("0x%x", req.startAddr), "size", fmt.Sprintf("0x%x", windowSize))
	return req.startAddr, nil
}

// RemoveWindow removes the DMA window at start.
func (c *Container) RemoveWindow(start uint64) error {
	req := tceRemove{argsz: uint32(unsafe.Sizeof(tceRemove{})), startAddr: start}
	if _, err := ioctlWithRetry(c.fd.Fd(), vfioSPAPRTCERemove, uintptr(unsafe.Pointer(&req))); err != nil {
		return fmt.Errorf("vfio: remove window 0x%x: %w", start, err)
	}
	return nil
}

// RegisterMemory pins host memory for use by the IOMMU.
func (c *Container) RegisterMemory(vaddr, size uint64) error {
	req := registerMemory{argsz: uint32(unsafe.Sizeof(registerMemory{})), vaddr: vaddr, size: size}
	if _, err := ioctlWithRetry(c.fd.Fd(), vfioSPAPRRegisterMemory, uintptr(unsafe.Pointer(&req))); err != nil {
		return fmt.Errorf("vfio: register memory: %w", err)
	}
	return nil
}

// UnregisterMemory undoes RegisterMemory.
func (c *Container) UnregisterMemory(vaddr, size uint64) error {
	req := registerMemory{argsz: uint32(unsafe.Sizeof(registerMemory{})), vaddr: vaddr, size: size}
	if _, err := ioctlWithRetry(c.fd.Fd(), vfioSPAPRUnregisterMemory, uintptr(unsafe.Pointer(&req))); err != nil {
		return fmt.Errorf("vfio: unregister memory: %w", err)
	}
	return nil
}

// MapDMA maps host memory at iova in the current windows.
func (c *Container) MapDMA(iova, vaddr, size uint64, readOnly bool) error {
	req := dmaMap{argsz: uint32(unsafe.Sizeof(dmaMap{})), flags: vfioDMAMapRead, vaddr: vaddr, iova: iova, size: size}
	if !readOnly {
		req.flags |= vfioDMAMapWrite
	}
	if _, err := ioctlWithRetry(c.fd.Fd(), vfioIOMMUMapDMA, uintptr(unsafe.Pointer(&req))); err != nil {
		return fmt.Errorf("vfio: map iova 0x%x: %w", iova, err)
	}
	return nil
}

// UnmapDMA removes a mapping created by MapDMA.
func (c *Container) UnmapDMA(iova, size uint64) error {
	req := dmaUnmap{argsz: uint32(unsafe.Sizeof(dmaUnmap{})), iova: iova, size: size}
	if _, err := ioctlWithRetry(c.fd.Fd(), vfioIOMMUUnmapDMA, uintptr(unsafe.Pointer(&req))); err != nil {
		return fmt.Errorf("vfio: unmap iova 0x%x: %w", iova, err)
	}
	return nil
}

// Close releases the groups and the container.
func (c *Container) Close() error {
	for _, g := range c.groups {
		g.Close()
	}
	c.groups = nil
	return c.fd.Close()
}
