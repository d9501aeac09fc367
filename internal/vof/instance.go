package vof

import (
	"fmt"
	"io"

	"github.com/tinyrange/vof/internal/fdt"
)

// ByteStream is a character device such as a console.
type ByteStream interface {
	io.Reader
	io.Writer
}

// BlockDevice is a random access device such as a disk.
type BlockDevice interface {
	io.ReaderAt
	io.WriterAt
	Size() uint64
	BlockSize() uint32
}

// Instance is an open instance of a device tree node.
type Instance struct {
	Handle uint32
	// Path is the resolved node path; Params is whatever followed ':' in
	// the path given to open.
	Path   string
	Params string
	Node   fdt.NodeID

	stream ByteStream
	block  BlockDevice
	// cursor is the seek position of block instances.
	cursor uint64
}

// Bound reports whether the instance has a backing device.
func (i *Instance) Bound() bool { return i.stream != nil || i.block != nil }

type instanceTable struct {
	last     uint32
	byHandle map[uint32]*Instance
}

func newInstanceTable() *instanceTable {
	return &instanceTable{byHandle: make(map[uint32]*Instance)}
}

// add assigns the next handle. Handles are never reused; once the space is
// used up every later add fails.
func (t *instanceTable) add(inst *Instance) (uint32, bool) {
	if t.last >= ciFail-1 {
		return 0, false
	}
	t.last++
	inst.Handle = t.last
	t.byHandle[inst.Handle] = inst
	return inst.Handle, true
}

func (t *instanceTable) lookup(handle uint32) (*Instance, bool) {
	if handle == 0 {
		return nil, false
	}
	inst, ok := t.byHandle[handle]
	return inst, ok
}

func (t *instanceTable) remove(handle uint32) bool {
	if _, ok := t.byHandle[handle]; !ok {
		return false
	}
	delete(t.byHandle, handle)
	return true
}

// RegisterStream binds a character device to the node at path. Instances
// opened on that node read and write the stream.
func (v *Vof) RegisterStream(path string, s ByteStream) {
	v.streams[path] = s
}

// RegisterBlock binds a block device to the node at path.
func (v *Vof) RegisterBlock(path string, b BlockDevice) {
	v.blocks[path] = b
}

// Lookup returns the open instance for a handle.
func (v *Vof) Lookup(handle uint32) (*Instance, bool) {
	return v.instances.lookup(handle)
}

// Open opens the node at path and returns the new instance handle.
func (v *Vof) Open(tree DeviceTree, path string) (uint32, error) {
	id, p, err := resolveDevice(tree, path)
	if err != nil {
		return 0, fmt.Errorf("vof: open %q: %w", path, err)
	}
	ph, err := tree.Phandle(id)
	if err != nil {
		return 0, fmt.Errorf("vof: open %q: %w", path, err)
	}
	if ph == 0 {
		return 0, fmt.Errorf("vof: open %q: node has no phandle", path)
	}
	nodePath, err := tree.Path(id)
	if err != nil {
		return 0, fmt.Errorf("vof: open %q: %w", path, err)
	}

	inst := &Instance{
		Path:   nodePath,
		Params: p.args,
		Node:   id,
		stream: v.streams[nodePath],
		block:  v.blocks[nodePath],
	}
	handle, ok := v.instances.add(inst)
	if !ok {
		return 0, fmt.Errorf("vof: open %q: instance handles exhausted", path)
	}
	v.log.Debug("vof: open", "path", path, "node", nodePath, "params", p.args, "ihandle", handle, "bound", inst.Bound())
	return handle, nil
}

// OpenStore opens path and stores the handle as a cell property of the node
// at nodePath, the way /chosen publishes stdout and stdin.
func (v *Vof) OpenStore(tree DeviceTree, nodePath, prop, path string) (uint32, error) {
	node, err := tree.ResolvePath(nodePath)
	if err != nil {
		return 0, fmt.Errorf("vof: open-store %s/%s: %w", nodePath, prop, err)
	}
	handle, err := v.Open(tree, path)
	if err != nil {
		return 0, err
	}
	if err := tree.SetProperty(node, prop, cell(handle)); err != nil {
		v.instances.remove(handle)
		return 0, fmt.Errorf("vof: open-store %s/%s: %w", nodePath, prop, err)
	}
	return handle, nil
}

// Close closes an instance. Closing an unknown handle is not an error for
// the client, only for the log.
func (v *Vof) Close(handle uint32) {
	if !v.instances.remove(handle) {
		v.log.Warn("vof: close of unknown instance", "ihandle", handle)
		return
	}
	v.log.Debug("vof: close", "ihandle", handle)
}

func (v *Vof) open(c *call) (uint32, error) {
	path, err := v.readString(uint64(c.args[0]), maxPathLen)
	if err != nil {
		return 0, nil
	}
	handle, err := v.Open(c.tree, path)
	if err != nil {
		v.log.Warn("vof: open failed", "path", path, "err", err)
		return 0, nil
	}
	return handle, nil
}

func (v *Vof) close(c *call) (uint32, error) {
	v.Close(c.args[0])
	return 0, nil
}

func (v *Vof) instanceToPackage(c *call) (uint32, error) {
	inst, ok := v.instances.lookup(c.args[0])
	if !ok {
		return ciFail, nil
	}
	ph, err := c.tree.Phandle(inst.Node)
	if err != nil {
		return ciFail, nil
	}
	return ph, nil
}

func (v *Vof) instanceToPath(c *call) (uint32, error) {
	inst, ok := v.instances.lookup(c.args[0])
	if !ok {
		return ciFail, nil
	}
	return v.copyPath(c.tree, inst.Node, uint64(c.args[1]), c.args[2]), nil
}
