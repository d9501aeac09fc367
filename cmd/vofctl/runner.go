package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/tinyrange/vof/internal/spapr"
)

const (
	arenaSize  = 0x10000
	recordSize = 0x100
)

type buffer struct {
	addr uint64
	size int
}

// runner issues script calls the way a client would: records and strings
// live in memory it claimed from the firmware.
type runner struct {
	m   *spapr.Machine
	out io.Writer

	arena uint64
	next  uint64
	vars  map[string]uint32
}

func newRunner(m *spapr.Machine, out io.Writer) (*runner, error) {
	arena, err := m.Vof().Claim(0, arenaSize, 0x1000)
	if err != nil {
		return nil, fmt.Errorf("claim script arena: %w", err)
	}
	return &runner{m: m, out: out, arena: arena, vars: make(map[string]uint32)}, nil
}

func (r *runner) alloc(data []byte) (uint64, error) {
	size := (uint64(len(data)) + 7) &^ 7
	if r.next+size > r.arena+arenaSize {
		return 0, fmt.Errorf("script arena exhausted")
	}
	addr := r.next
	r.next += size
	if _, err := r.m.RAM().WriteAt(data, int64(addr)); err != nil {
		return 0, err
	}
	return addr, nil
}

func (r *runner) cells(args []any) ([]uint32, []buffer, error) {
	var out []uint32
	var bufs []buffer
	for i, a := range args {
		switch v := a.(type) {
		case int:
			out = append(out, uint32(v))
		case uint64:
			out = append(out, uint32(v))
		case bool:
			if v {
				out = append(out, 1)
			} else {
				out = append(out, 0)
			}
		case string:
			switch {
			case strings.HasPrefix(v, "$"):
				val, ok := r.vars[v[1:]]
				if !ok {
					return nil, nil, fmt.Errorf("arg %d: %s is not set", i, v)
				}
				out = append(out, val)
			case strings.HasPrefix(v, "buf:"):
				n, err := strconv.Atoi(v[4:])
				if err != nil || n <= 0 {
					return nil, nil, fmt.Errorf("arg %d: bad buffer %q", i, v)
				}
				addr, err := r.alloc(make([]byte, n))
				if err != nil {
					return nil, nil, err
				}
				bufs = append(bufs, buffer{addr: addr, size: n})
				out = append(out, uint32(addr))
			default:
				addr, err := r.alloc(append([]byte(v), 0))
				if err != nil {
					return nil, nil, err
				}
				out = append(out, uint32(addr))
			}
		default:
			return nil, nil, fmt.Errorf("arg %d: unsupported value %v (%T)", i, a, a)
		}
	}
	return out, bufs, nil
}

func (r *runner) writeRecord(head []uint32, args []uint32, nret int) error {
	words := append(append(head, args...), make([]uint32, nret)...)
	if 4*len(words) > recordSize {
		return fmt.Errorf("call record too large")
	}
	buf := make([]byte, 0, 4*len(words))
	for _, w := range words {
		buf = binary.BigEndian.AppendUint32(buf, w)
	}
	_, err := r.m.RAM().WriteAt(buf, int64(r.arena))
	return err
}

func (r *runner) readRets(nargs, nret int) ([]uint32, error) {
	buf := make([]byte, 4*nret)
	if _, err := r.m.RAM().ReadAt(buf, int64(r.arena)+12+4*int64(nargs)); err != nil {
		return nil, err
	}
	rets := make([]uint32, nret)
	for i := range rets {
		rets[i] = binary.BigEndian.Uint32(buf[4*i:])
	}
	return rets, nil
}

// run issues one call. An error from the machine itself is returned
// unwrapped so the caller can tell a stop from a script failure.
func (r *runner) run(c Call) ([]uint32, error) {
	r.next = r.arena + recordSize
	args, bufs, err := r.cells(c.Args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.name(), err)
	}

	var opcode uint64
	var head []uint32
	if c.RTAS != "" {
		token, ok := spapr.RTASToken(c.RTAS)
		if !ok {
			return nil, fmt.Errorf("unknown RTAS call %q", c.RTAS)
		}
		opcode, head = spapr.HRTAS, []uint32{token, uint32(len(args)), uint32(c.NRet)}
	} else {
		name, err := r.alloc(append([]byte(c.Service), 0))
		if err != nil {
			return nil, err
		}
		opcode, head = spapr.HVOFClient, []uint32{uint32(name), uint32(len(args)), uint32(c.NRet)}
	}
	if err := r.writeRecord(head, args, c.NRet); err != nil {
		return nil, fmt.Errorf("%s: %w", c.name(), err)
	}

	ret, err := r.m.Hypercall(opcode, []uint64{r.arena})
	if err != nil {
		return nil, err
	}
	if ret != spapr.HSuccess {
		return nil, fmt.Errorf("%s: hypercall returned %d", c.name(), ret)
	}
	rets, err := r.readRets(len(args), c.NRet)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.name(), err)
	}

	fmt.Fprintf(r.out, "%s%v = %s\n", c.name(), formatArgs(c.Args), formatCells(rets))
	for _, b := range bufs {
		data := make([]byte, b.size)
		if _, err := r.m.RAM().ReadAt(data, int64(b.addr)); err != nil {
			return nil, err
		}
		fmt.Fprintf(r.out, "  buf@0x%x: %s\n", b.addr, formatBuffer(data))
	}

	if c.Save != "" && len(rets) > 0 {
		r.vars[c.Save] = rets[0]
	}
	for i, want := range c.Expect {
		if rets[i] != want {
			return rets, fmt.Errorf("%s: result %d = 0x%x, want 0x%x", c.name(), i, rets[i], want)
		}
	}
	return rets, nil
}

func formatArgs(args []any) string {
	parts := make([]string, len(args))
	for i, a := range args {
		if s, ok := a.(string); ok {
			parts[i] = strconv.Quote(s)
			continue
		}
		parts[i] = fmt.Sprint(a)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func formatCells(cells []uint32) string {
	parts := make([]string, len(cells))
	for i, c := range cells {
		parts[i] = fmt.Sprintf("0x%x", c)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// formatBuffer shows NUL-terminated text as a string and anything else as
// hex.
func formatBuffer(b []byte) string {
	if i := bytes.IndexByte(b, 0); i > 0 {
		text := b[:i]
		if bytes.IndexFunc(text, func(r rune) bool { return r < 0x20 || r > 0x7e }) < 0 {
			return strconv.Quote(string(text))
		}
	}
	return fmt.Sprintf("% x", bytes.TrimRight(b, "\x00"))
}
