package spapr

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/vof/internal/fdt"
)

// RTAS status codes, returned in rets[0].
const (
	RTASSuccess        = 0
	RTASHardwareError  = -1
	RTASParameterError = -3
)

const (
	rtasTokenBase = 0x2000
	rtasSize      = 0x2000
	// rtasMaxWords bounds nargs+nret of a call record.
	rtasMaxWords = 64
	// rtasLegacyDisplayChar is used by early Linux debug code before it
	// has looked up the real token.
	rtasLegacyDisplayChar = 0xa
)

// rtasCall is a decoded RTAS call. Handlers fill rets in place.
type rtasCall struct {
	token uint32
	args  []uint32
	rets  []uint32
}

func (c *rtasCall) status(v int32) {
	if len(c.rets) > 0 {
		c.rets[0] = uint32(v)
	}
}

func (c *rtasCall) ret(i int, v uint32) {
	if i < len(c.rets) {
		c.rets[i] = v
	}
}

type rtasFunc func(m *Machine, c *rtasCall) error

var rtasCalls = []struct {
	name string
	fn   rtasFunc
}{
	{"display-character", (*Machine).rtasDisplayCharacter},
	{"power-off", (*Machine).rtasPowerOff},
	{"ibm,query-pe-dma-window", (*Machine).rtasQueryPEDMAWindow},
	{"ibm,create-pe-dma-window", (*Machine).rtasCreatePEDMAWindow},
	{"ibm,remove-pe-dma-window", (*Machine).rtasRemovePEDMAWindow},
	{"ibm,reset-pe-dma-window", (*Machine).rtasResetPEDMAWindow},
}

// RTASToken returns the token of an RTAS service.
func RTASToken(name string) (uint32, bool) {
	for i, c := range rtasCalls {
		if c.name == name {
			return rtasTokenBase + uint32(i), true
		}
	}
	return 0, false
}

func mustToken(name string) uint32 {
	t, ok := RTASToken(name)
	if !ok {
		panic("spapr: no RTAS call " + name)
	}
	return t
}

func ddwTokens() [4]uint32 {
	return [4]uint32{
		mustToken("ibm,query-pe-dma-window"),
		mustToken("ibm,create-pe-dma-window"),
		mustToken("ibm,remove-pe-dma-window"),
		mustToken("ibm,reset-pe-dma-window"),
	}
}

func rtasNode() fdt.Node {
	props := map[string]fdt.Property{
		"rtas-size":    fdt.Cells(rtasSize),
		"rtas-version": fdt.Cells(1),
	}
	for i, c := range rtasCalls {
		props[c.name] = fdt.Cells(rtasTokenBase + uint32(i))
	}
	return fdt.Node{Name: "rtas", Properties: props}
}

// rtas runs the RTAS call whose record is at addr.
func (m *Machine) rtas(addr uint64) (int64, error) {
	var hdr [12]byte
	if _, err := m.ram.ReadAt(hdr[:], int64(addr)); err != nil {
		return HParameter, nil
	}
	token := binary.BigEndian.Uint32(hdr[0:])
	nargs := binary.BigEndian.Uint32(hdr[4:])
	nret := binary.BigEndian.Uint32(hdr[8:])
	if uint64(nargs)+uint64(nret) > rtasMaxWords {
		return HParameter, nil
	}

	raw := make([]byte, 4*(nargs+nret))
	if _, err := m.ram.ReadAt(raw, int64(addr)+12); err != nil {
		return HParameter, nil
	}
	words := make([]uint32, nargs+nret)
	for i := range words {
		words[i] = binary.BigEndian.Uint32(raw[4*i:])
	}
	c := &rtasCall{token: token, args: words[:nargs], rets: words[nargs:]}

	idx := int(token) - rtasTokenBase
	var fn rtasFunc
	switch {
	case idx >= 0 && idx < len(rtasCalls):
		fn = rtasCalls[idx].fn
	case token == rtasLegacyDisplayChar:
		fn = (*Machine).rtasDisplayCharacter
	default:
		m.log.Warn("spapr: unknown RTAS token", "token", fmt.Sprintf("0x%x", token))
		c.status(RTASParameterError)
		m.writeRets(addr, nargs, c.rets)
		return HParameter, nil
	}

	clear(c.rets)
	if err := fn(m, c); err != nil {
		return HHardware, err
	}
	m.log.Debug("spapr: rtas", "token", fmt.Sprintf("0x%x", token), "args", c.args, "rets", c.rets)
	if err := m.writeRets(addr, nargs, c.rets); err != nil {
		return HParameter, nil
	}
	return HSuccess, nil
}

func (m *Machine) writeRets(addr uint64, nargs uint32, rets []uint32) error {
	if len(rets) == 0 {
		return nil
	}
	out := make([]byte, 0, 4*len(rets))
	for _, r := range rets {
		out = binary.BigEndian.AppendUint32(out, r)
	}
	_, err := m.ram.WriteAt(out, int64(addr)+12+4*int64(nargs))
	return err
}

func (m *Machine) rtasDisplayCharacter(c *rtasCall) error {
	if len(c.args) != 1 {
		c.status(RTASParameterError)
		return nil
	}
	if _, err := m.vty.Write([]byte{byte(c.args[0])}); err != nil {
		c.status(RTASHardwareError)
		return nil
	}
	c.status(RTASSuccess)
	return nil
}

func (m *Machine) rtasPowerOff(c *rtasCall) error {
	if len(c.args) != 2 {
		c.status(RTASParameterError)
		return nil
	}
	m.log.Info("spapr: guest requested power off")
	c.status(RTASSuccess)
	return ErrPowerOff
}
