package vof

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
)

// The call record is the IEEE1275 "prom_args" structure:
//
//	+0  service  address of the NUL-terminated service name
//	+4  nargs
//	+8  nret
//	+12 args[callArgsMax], the last nret of nargs+nret used for results
//
// All fields are 32-bit big endian.
const (
	callArgsMax    = 10
	callHeaderSize = 12
	callRecordSize = callHeaderSize + 4*callArgsMax
)

// call is a decoded client interface call.
type call struct {
	tree DeviceTree
	args []uint32
	// rets are the extra return cells after the return value. Handlers
	// fill them in place.
	rets []uint32
}

type handler func(v *Vof, c *call) (uint32, error)

// service is a row of the dispatch table. A zero nargs or nret is not
// checked.
type service struct {
	name  string
	nargs uint32
	nret  uint32
	fn    handler
}

var services = []service{
	{"finddevice", 1, 1, (*Vof).finddevice},
	{"getprop", 4, 1, (*Vof).getprop},
	{"getproplen", 2, 1, (*Vof).getproplen},
	{"setprop", 4, 1, (*Vof).setprop},
	{"nextprop", 3, 1, (*Vof).nextprop},
	{"peer", 1, 1, (*Vof).peer},
	{"child", 1, 1, (*Vof).child},
	{"parent", 1, 1, (*Vof).parent},
	{"open", 1, 1, (*Vof).open},
	{"close", 1, 0, (*Vof).close},
	{"instance-to-package", 1, 1, (*Vof).instanceToPackage},
	{"package-to-path", 3, 1, (*Vof).packageToPath},
	{"instance-to-path", 3, 1, (*Vof).instanceToPath},
	{"write", 3, 1, (*Vof).write},
	{"read", 3, 1, (*Vof).read},
	{"seek", 3, 1, (*Vof).seek},
	{"claim", 3, 1, (*Vof).claim},
	{"release", 2, 0, (*Vof).release},
	{"call-method", 0, 0, (*Vof).callMethod},
	{"interpret", 0, 0, (*Vof).interpret},
	{"milliseconds", 0, 1, (*Vof).milliseconds},
	{"quiesce", 0, 0, (*Vof).quiesce},
	{"exit", 0, 0, (*Vof).exit},
}

func lookupService(name string, nargs, nret uint32) (*service, bool) {
	for i := range services {
		s := &services[i]
		if s.name != name {
			continue
		}
		if (s.nargs != 0 && s.nargs != nargs) || (s.nret != 0 && s.nret != nret) {
			return nil, false
		}
		return s, true
	}
	return nil, false
}

// ClientCall services the client interface call whose record is at addr.
// It returns ErrParameter when the record cannot be read or written back,
// ErrExit when the client asked to stop and ErrFatal when the firmware
// state is corrupt. Failures of the service itself are reported to the
// client through the return cell.
func (v *Vof) ClientCall(tree DeviceTree, addr uint64) error {
	rec := make([]byte, callRecordSize)
	if _, err := v.mem.ReadAt(rec, int64(addr)); err != nil {
		return fmt.Errorf("%w: read at 0x%x: %w", ErrParameter, addr, err)
	}
	serviceAddr := binary.BigEndian.Uint32(rec[0:])
	nargs := binary.BigEndian.Uint32(rec[4:])
	nret := binary.BigEndian.Uint32(rec[8:])
	if nargs >= callArgsMax || uint64(nargs)+uint64(nret) > callArgsMax {
		return fmt.Errorf("%w: nargs=%d nret=%d", ErrParameter, nargs, nret)
	}
	name, err := v.readString(uint64(serviceAddr), maxServiceLen)
	if err != nil {
		return fmt.Errorf("%w: service name: %w", ErrParameter, err)
	}

	words := make([]uint32, nargs+nret)
	for i := range words {
		words[i] = binary.BigEndian.Uint32(rec[callHeaderSize+4*i:])
	}
	c := &call{tree: tree, args: words[:nargs]}
	if nret > 1 {
		c.rets = words[nargs+1:]
	}

	if v.quiesced {
		v.quiescedLog.Do(func() {
			v.log.Warn("vof: client call after quiesce", "service", name)
		})
	}

	ret := uint32(ciFail)
	if s, ok := lookupService(name, nargs, nret); ok {
		ret, err = s.fn(v, c)
		if err != nil {
			v.log.Error("vof: client call stopped the machine", "service", name, "err", err)
			return err
		}
	} else {
		v.log.Warn("vof: unknown service", "service", name, "nargs", nargs, "nret", nret)
	}
	if v.log.Enabled(context.Background(), slog.LevelDebug) {
		v.log.Debug("vof: client call", "service", name, "args", c.args, "ret", hex(uint64(ret)), "rets", c.rets)
	}

	if nret == 0 {
		return nil
	}
	words[nargs] = ret
	out := make([]byte, 0, 4*nret)
	for _, w := range words[nargs:] {
		out = binary.BigEndian.AppendUint32(out, w)
	}
	if _, err := v.mem.WriteAt(out, int64(addr)+callHeaderSize+4*int64(nargs)); err != nil {
		return fmt.Errorf("%w: write results at 0x%x: %w", ErrParameter, addr, err)
	}
	return nil
}
