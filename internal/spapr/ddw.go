package spapr

import "fmt"

func buidOf(c *rtasCall) uint64 {
	return uint64(c.args[1])<<32 | uint64(c.args[2])
}

// ddwPHB returns the bridge addressed by a DDW call, if DDW applies to it.
func (m *Machine) ddwPHB(buid uint64) (*PHB, bool) {
	for _, p := range m.phbs {
		if p.BUID() == buid {
			return p, p.DDWEnabled()
		}
	}
	return nil, false
}

// ( config-addr buid-hi buid-lo -- status avail largest pgmask migration )
func (m *Machine) rtasQueryPEDMAWindow(c *rtasCall) error {
	if len(c.args) != 3 || len(c.rets) != 5 {
		c.status(RTASParameterError)
		return nil
	}
	buid := buidOf(c)
	p, ok := m.ddwPHB(buid)
	if !ok {
		c.status(RTASParameterError)
		return nil
	}
	info, active, err := p.Query()
	if err != nil {
		m.log.Warn("spapr: ddw query", "buid", fmt.Sprintf("0x%x", buid), "err", err)
		c.status(RTASHardwareError)
		return nil
	}
	var avail uint32
	if info.WindowsSupported > active {
		avail = info.WindowsSupported - active
	}
	pgmask := FixPageMask(m.pageShifts, info.PageSizeMask)
	m.log.Debug("spapr: ddw query", "buid", fmt.Sprintf("0x%x", buid), "addr", c.args[0],
		"windows", info.WindowsSupported, "mask", fmt.Sprintf("0x%x", info.PageSizeMask), "pgmask", fmt.Sprintf("0x%x", pgmask))

	c.status(RTASSuccess)
	c.ret(1, avail)
	// Largest block of TCEs reserved for the PE, as if all RAM were 4K pages.
	c.ret(2, uint32(info.DMA64WindowSize>>TCEPageShift))
	c.ret(3, pgmask)
	c.ret(4, 0)
	return nil
}

// ( config-addr buid-hi buid-lo page-shift window-shift -- status liobn bus-hi bus-lo )
func (m *Machine) rtasCreatePEDMAWindow(c *rtasCall) error {
	if len(c.args) != 5 || len(c.rets) != 4 {
		c.status(RTASParameterError)
		return nil
	}
	buid := buidOf(c)
	p, ok := m.ddwPHB(buid)
	if !ok {
		c.status(RTASParameterError)
		return nil
	}
	pageShift, windowShift := c.args[3], c.args[4]
	t, err := p.CreateWindow(pageShift, windowShift)
	if err != nil {
		m.log.Warn("spapr: ddw create", "buid", fmt.Sprintf("0x%x", buid),
			"page_shift", pageShift, "window_shift", windowShift, "err", err)
		c.status(RTASHardwareError)
		return nil
	}
	c.status(RTASSuccess)
	c.ret(1, t.LIOBN)
	c.ret(2, uint32(t.BusOffset>>32))
	c.ret(3, uint32(t.BusOffset))
	return nil
}

// ( liobn -- status )
func (m *Machine) rtasRemovePEDMAWindow(c *rtasCall) error {
	if len(c.args) != 1 || len(c.rets) != 1 {
		c.status(RTASParameterError)
		return nil
	}
	liobn := c.args[0]
	var owner *PHB
	for _, p := range m.phbs {
		if p.HasLIOBN(liobn) {
			owner = p
			break
		}
	}
	if owner == nil || !owner.DDWEnabled() {
		c.status(RTASParameterError)
		return nil
	}
	if err := owner.RemoveWindow(liobn); err != nil {
		m.log.Warn("spapr: ddw remove", "liobn", fmt.Sprintf("0x%x", liobn), "err", err)
		c.status(RTASHardwareError)
		return nil
	}
	c.status(RTASSuccess)
	return nil
}

// ( config-addr buid-hi buid-lo -- status )
func (m *Machine) rtasResetPEDMAWindow(c *rtasCall) error {
	if len(c.args) != 3 || len(c.rets) != 1 {
		c.status(RTASParameterError)
		return nil
	}
	buid := buidOf(c)
	p, ok := m.ddwPHB(buid)
	if !ok {
		c.status(RTASParameterError)
		return nil
	}
	if err := p.Reset(); err != nil {
		m.log.Warn("spapr: ddw reset", "buid", fmt.Sprintf("0x%x", buid), "err", err)
		c.status(RTASHardwareError)
		return nil
	}
	c.status(RTASSuccess)
	return nil
}
