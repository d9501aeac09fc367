package vof

import (
	"errors"
	"fmt"
	"io"
)

// maxIOLen caps a single read or write on a block instance; the client
// gets the short count back.
const maxIOLen = 1 << 20

func (v *Vof) claim(c *call) (uint32, error) {
	virt, size, align := uint64(c.args[0]), uint64(c.args[1]), uint64(c.args[2])
	addr, err := v.Claim(virt, size, align)
	if err != nil {
		return ciFail, nil
	}
	if err := v.updateAvailable(c.tree); err != nil {
		return ciFail, err
	}
	return uint32(addr), nil
}

func (v *Vof) release(c *call) (uint32, error) {
	if err := v.Release(uint64(c.args[0]), uint64(c.args[1])); err != nil {
		return ciFail, nil
	}
	if err := v.updateAvailable(c.tree); err != nil {
		return ciFail, err
	}
	return 0, nil
}

func (v *Vof) write(c *call) (uint32, error) {
	inst, ok := v.instances.lookup(c.args[0])
	if !ok {
		v.log.Warn("vof: write to unknown instance", "ihandle", c.args[0])
		return ciFail, nil
	}
	buf, length := uint64(c.args[1]), c.args[2]

	switch {
	case inst.stream != nil:
		var done uint32
		for done < length {
			n := min(length-done, vtyBufSize-1)
			chunk, err := v.readBytes(buf+uint64(done), int(n))
			if err != nil {
				return ciFail, nil
			}
			if _, err := inst.stream.Write(chunk); err != nil {
				v.log.Warn("vof: write", "path", inst.Path, "err", err)
				return ciFail, nil
			}
			v.log.Debug("vof: write", "ihandle", inst.Handle, "len", n, "data", safeString(chunk))
			done += n
		}
		return done, nil
	case inst.block != nil:
		data, err := v.readBytes(buf, int(min(length, maxIOLen)))
		if err != nil {
			return ciFail, nil
		}
		n, err := inst.block.WriteAt(data, int64(inst.cursor))
		inst.cursor += uint64(n)
		if err != nil {
			v.log.Warn("vof: write", "path", inst.Path, "err", err)
			return ciFail, nil
		}
		return uint32(n), nil
	default:
		v.log.Warn("vof: write to unbound instance", "ihandle", inst.Handle, "path", inst.Path)
		return ciFail, nil
	}
}

func (v *Vof) read(c *call) (uint32, error) {
	inst, ok := v.instances.lookup(c.args[0])
	if !ok {
		return ciFail, nil
	}
	buf := make([]byte, min(c.args[2], maxIOLen))

	var n int
	var err error
	switch {
	case inst.stream != nil:
		n, err = inst.stream.Read(buf)
	case inst.block != nil:
		n, err = inst.block.ReadAt(buf, int64(inst.cursor))
		inst.cursor += uint64(n)
	default:
		return ciFail, nil
	}
	if err != nil && !errors.Is(err, io.EOF) {
		v.log.Warn("vof: read", "path", inst.Path, "err", err)
		return ciFail, nil
	}
	if err := v.writeBytes(uint64(c.args[1]), buf[:n]); err != nil {
		return ciFail, nil
	}
	return uint32(n), nil
}

func (v *Vof) seek(c *call) (uint32, error) {
	inst, ok := v.instances.lookup(c.args[0])
	if !ok || inst.block == nil {
		return ciFail, nil
	}
	pos := uint64(c.args[1])<<32 | uint64(c.args[2])
	if pos > inst.block.Size() {
		return ciFail, nil
	}
	inst.cursor = pos
	return 0, nil
}

// callMethod takes ( method ihandle param... ) and returns ( ret ret2 ).
func (v *Vof) callMethod(c *call) (uint32, error) {
	if len(c.args) < 2 {
		return ciFail, nil
	}
	method, err := v.readString(uint64(c.args[0]), maxMethodLen)
	if err != nil {
		return ciFail, nil
	}
	inst, ok := v.instances.lookup(c.args[1])
	if !ok {
		v.log.Warn("vof: call-method on unknown instance", "method", method, "ihandle", c.args[1])
		return ciFail, nil
	}
	params := c.args[2:]
	param := func(i int) uint32 {
		if i < len(params) {
			return params[i]
		}
		return 0
	}
	ret2 := func(r uint32) {
		if len(c.rets) > 0 {
			c.rets[0] = r
		}
	}

	switch {
	case inst.Path == "/" && method == "ibm,client-architecture-support":
		if v.machine == nil {
			return ciFail, nil
		}
		ret := v.machine.ClientArchitectureSupport(uint64(param(0)))
		ret2(0)
		return ret, nil
	case inst.Path == "/rtas" && method == "instantiate-rtas":
		// RTAS is provided by the hypervisor before the client runs.
		v.log.Error("vof: instantiate-rtas is not supported")
		return ciFail, fmt.Errorf("%w: instantiate-rtas", ErrFatal)
	case inst.block != nil && method == "block-size":
		ret2(inst.block.BlockSize())
		return 0, nil
	case inst.block != nil && method == "#blocks" && inst.block.BlockSize() != 0:
		ret2(uint32(inst.block.Size() / uint64(inst.block.BlockSize())))
		return 0, nil
	}
	v.log.Warn("vof: unsupported method", "path", inst.Path, "method", method)
	return ciFail, nil
}

func (v *Vof) interpret(c *call) (uint32, error) {
	if len(c.args) < 1 {
		return ciFail, nil
	}
	cmd, err := v.readString(uint64(c.args[0]), maxForthCodeLen)
	if err != nil {
		return ciFail, nil
	}
	v.log.Warn("vof: interpret is not supported", "cmd", cmd)
	return ciFail, nil
}

func (v *Vof) milliseconds(c *call) (uint32, error) {
	return uint32(v.clock().Sub(v.start).Milliseconds()), nil
}

func (v *Vof) quiesce(c *call) (uint32, error) {
	blob, err := c.tree.Pack()
	if err != nil {
		return ciFail, fmt.Errorf("%w: pack device tree: %w", ErrFatal, err)
	}
	if v.machine != nil {
		v.machine.Quiesce(blob)
	}
	for _, cl := range v.claims.intervals() {
		v.log.Debug("vof: claimed", "start", hex(cl.Start), "size", hex(cl.Size))
	}
	v.quiesced = true
	v.log.Info("vof: quiesced", "fdt_size", len(blob))
	return 0, nil
}

func (v *Vof) exit(c *call) (uint32, error) {
	v.log.Error("vof: client called exit")
	return 0, ErrExit
}
