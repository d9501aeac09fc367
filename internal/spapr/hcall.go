package spapr

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/vof/internal/hv"
	"github.com/tinyrange/vof/internal/vof"
)

// Hypercall opcodes.
const (
	HGetTCE      = 0x1c
	HPutTCE      = 0x20
	HGetTermChar = 0x54
	HPutTermChar = 0x58
	HRTAS        = 0xf000
	HUVPipe      = 0xf004
	HVOFClient   = 0xf005
)

// Hypercall return codes.
const (
	HSuccess   = 0
	HHardware  = -1
	HFunction  = -2
	HParameter = -4
)

// realAddrMask drops the quadrant bits of an effective address.
const realAddrMask = 0x0FFFFFFFFFFFFFFF

func realAddr(addr uint64) uint64 { return addr & realAddrMask }

// termCharMax is what fits in the two registers of H_PUT_TERM_CHAR.
const termCharMax = 16

// Hypercall runs a hypercall. args holds r4 onwards and receives the
// values returned in those registers. The return value goes to r3. A
// non-nil error means the machine must stop.
func (m *Machine) Hypercall(opcode uint64, args []uint64) (int64, error) {
	arg := func(i int) uint64 {
		if i < len(args) {
			return args[i]
		}
		return 0
	}
	set := func(i int, v uint64) {
		if i < len(args) {
			args[i] = v
		}
	}

	switch opcode {
	case HVOFClient:
		return m.vofClient(realAddr(arg(0)))
	case HRTAS:
		ret, err := m.rtas(realAddr(arg(0)))
		if err != nil {
			return ret, fmt.Errorf("%w: %w", hv.ErrVMHalted, err)
		}
		return ret, nil
	case HUVPipe:
		if m.uv == nil {
			return HFunction, nil
		}
		return m.uv.Hypercall(arg(0)), nil
	case HPutTermChar:
		if uint32(arg(0)) != m.vty.Reg() {
			return HParameter, nil
		}
		n := arg(1)
		if n > termCharMax {
			return HParameter, nil
		}
		var buf [termCharMax]byte
		binary.BigEndian.PutUint64(buf[0:], arg(2))
		binary.BigEndian.PutUint64(buf[8:], arg(3))
		if _, err := m.vty.Write(buf[:n]); err != nil {
			m.log.Warn("spapr: put term char", "err", err)
		}
		return HSuccess, nil
	case HGetTermChar:
		if uint32(arg(0)) != m.vty.Reg() {
			return HParameter, nil
		}
		var buf [termCharMax]byte
		n, _ := m.vty.Read(buf[:])
		set(0, uint64(n))
		set(1, binary.BigEndian.Uint64(buf[0:]))
		set(2, binary.BigEndian.Uint64(buf[8:]))
		return HSuccess, nil
	case HPutTCE:
		p, ok := m.phbByLIOBN(uint32(arg(0)))
		if !ok {
			return HParameter, nil
		}
		if err := p.PutTCE(uint32(arg(0)), arg(1), arg(2)); err != nil {
			m.log.Debug("spapr: put tce", "err", err)
			return HParameter, nil
		}
		return HSuccess, nil
	case HGetTCE:
		p, ok := m.phbByLIOBN(uint32(arg(0)))
		if !ok {
			return HParameter, nil
		}
		tce, err := p.GetTCE(uint32(arg(0)), arg(1))
		if err != nil {
			return HParameter, nil
		}
		set(0, tce)
		return HSuccess, nil
	default:
		m.log.Warn("spapr: unsupported hypercall", "opcode", fmt.Sprintf("0x%x", opcode))
		return HFunction, nil
	}
}

func (m *Machine) vofClient(addr uint64) (int64, error) {
	err := m.vof.ClientCall(m.tree, addr)
	switch {
	case err == nil:
		return HSuccess, nil
	case errors.Is(err, vof.ErrParameter):
		return HParameter, nil
	default:
		return HHardware, fmt.Errorf("%w: %w", hv.ErrVMHalted, err)
	}
}

func (m *Machine) phbByLIOBN(liobn uint32) (*PHB, bool) {
	for _, p := range m.phbs {
		if p.HasLIOBN(liobn) {
			return p, true
		}
	}
	return nil, false
}
