package fifo

import (
	"github.com/ardnew/otgusb/device/hal"
	"github.com/ardnew/otgusb/device/hal/otg/reg"
	"github.com/ardnew/otgusb/pkg"
)

// The methods in this file act as the host and the bus: they change core
// state the way USB traffic would and raise the matching interrupts.

// BusReset signals a USB bus reset.
func (c *Core) BusReset() {
	c.raise(reg.GINTSTS_USBRST)
}

// EnumDone signals the end of speed enumeration at the given speed.
func (c *Core) EnumDone(speed hal.Speed) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[reg.DSTS] = (c.regs[reg.DSTS] &^ reg.DSTS_ENUMSPD) | reg.Value(speedCode(speed), reg.DSTS_ENUMSPD)
	c.regs[reg.GINTSTS] |= reg.GINTSTS_ENUMDNE
}

// SOF signals a start-of-frame with the given frame number.
func (c *Core) SOF(frame uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[reg.DSTS] = (c.regs[reg.DSTS] &^ reg.DSTS_FNSOF) | reg.Value(uint32(frame), reg.DSTS_FNSOF)
	c.regs[reg.GINTSTS] |= reg.GINTSTS_SOF
}

// EarlySuspend signals 3 ms of bus idle.
func (c *Core) EarlySuspend() {
	c.raise(reg.GINTSTS_ESUSP)
}

// Suspend signals bus suspend.
func (c *Core) Suspend() {
	c.raise(reg.GINTSTS_USBSUSP)
}

// ModeMismatch signals an access to host-mode registers in device mode.
func (c *Core) ModeMismatch() {
	c.raise(reg.GINTSTS_MMIS)
}

// OTGEvent latches the given GOTGINT conditions. OTGINT stays asserted
// until all of them are acknowledged.
func (c *Core) OTGEvent(bits uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[reg.GOTGINT] |= bits
}

// RaiseIn latches DIEPINT bits on IN endpoint ep.
func (c *Core) RaiseIn(ep uint8, bits uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[reg.DIEPINT(ep)] |= bits
}

// RaiseOut latches DOEPINT bits on OUT endpoint ep.
func (c *Core) RaiseOut(ep uint8, bits uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[reg.DOEPINT(ep)] |= bits
}

func (c *Core) raise(bits uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[reg.GINTSTS] |= bits
}

// SendSetup delivers a SETUP transaction to endpoint 0 and clears any
// stall on it. The setup-done interrupt is raised when the driver pops the
// completion entry. It returns false if the receive FIFO has no room.
func (c *Core) SendSetup(setup hal.SetupPacket) bool {
	var raw [hal.SetupPacketSize]byte
	setup.MarshalTo(raw[:])

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.rxRoom(2 + 2) {
		return false
	}
	c.regs[reg.DIEPCTL(0)] &^= reg.DEPCTL_STALL
	c.regs[reg.DOEPCTL(0)] &^= reg.DEPCTL_STALL
	c.rxq = append(c.rxq,
		rxEntry{
			status: rxStatus(0, reg.PktSetupReceived, hal.SetupPacketSize, 0),
			data:   packWords(raw[:]),
		},
		rxEntry{
			status: rxStatus(0, reg.PktSetupDone, 0, 0),
			onPop: func() {
				c.regs[reg.DOEPINT(0)] |= reg.DOEPINT_STUP
			},
		},
	)
	return true
}

// SendOut delivers an OUT data packet to endpoint ep. It returns false,
// leaving the core unchanged, when the endpoint answers NAK: it is not
// enabled, its NAK status is set, it is stalled, or the receive FIFO is
// full.
func (c *Core) SendOut(ep uint8, data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctl := c.regs[reg.DOEPCTL(ep)]
	switch {
	case ctl&reg.DEPCTL_STALL != 0:
		pkg.LogDebug(pkg.ComponentSim, "out stalled", "ep", ep)
		return false
	case ctl&reg.DEPCTL_EPENA == 0, ctl&reg.DEPCTL_NAKSTS != 0:
		pkg.LogDebug(pkg.ComponentSim, "out nak", "ep", ep)
		return false
	}
	words := packWords(data)
	if !c.rxRoom(uint32(len(words)) + 2) {
		pkg.LogDebug(pkg.ComponentSim, "out nak, rx fifo full", "ep", ep)
		return false
	}

	dpid := reg.Field(ctl, reg.DEPCTL_DPID)
	c.rxq = append(c.rxq,
		rxEntry{
			status: rxStatus(ep, reg.PktOutReceived, len(data), dpid),
			data:   words,
		},
		rxEntry{
			status: rxStatus(ep, reg.PktOutDone, 0, dpid),
			onPop: func() {
				c.regs[reg.DOEPINT(ep)] |= reg.DOEPINT_XFRC
			},
		},
	)

	// The programmed transfer is complete; the endpoint NAKs until the
	// driver enables it again.
	ctl &^= reg.DEPCTL_EPENA
	if ep != 0 {
		ctl ^= reg.DEPCTL_DPID
	}
	c.regs[reg.DOEPCTL(ep)] = ctl
	return true
}

// StatusPhase signals that the host moved a control write to its status
// stage on endpoint ep.
func (c *Core) StatusPhase(ep uint8) {
	c.RaiseOut(ep, reg.DOEPINT_STSPHSRX)
}

// CollectIn answers an IN token on endpoint ep. When the endpoint is
// enabled and not NAKing, it drains one packet of the programmed transfer
// from the endpoint FIFO and returns its payload. A packet is at most the
// endpoint's max packet size, and the transfer completes with XFRC on its
// last packet. Otherwise it returns false (the host saw NAK or STALL).
func (c *Core) CollectIn(ep uint8) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctl := c.regs[reg.DIEPCTL(ep)]
	if ctl&reg.DEPCTL_STALL != 0 || ctl&reg.DEPCTL_EPENA == 0 || ctl&reg.DEPCTL_NAKSTS != 0 {
		return nil, false
	}
	xfrsiz, pktcnt := uint32(reg.DEPTSIZ_XFRSIZ), uint32(reg.DEPTSIZ_PKTCNT)
	mps := int(reg.Field(ctl, reg.DEPCTL_MPSIZ))
	if ep == 0 {
		xfrsiz, pktcnt = reg.DIEPTSIZ0_XFRSIZ, reg.DIEPTSIZ0_PKTCNT
		mps = 64 >> (mps & 0x3)
	}
	siz := c.regs[reg.DIEPTSIZ(ep)]
	rem := int(reg.Field(siz, xfrsiz))
	words := (rem + 3) / 4
	if words > len(c.tx[ep]) {
		// The core would underrun the FIFO here.
		c.regs[reg.DIEPINT(ep)] |= reg.DIEPINT_TXFIFOUDRN
		return nil, false
	}
	n := rem
	if mps > 0 && n > mps {
		n = mps
	}
	queued := unpackWords(c.tx[ep][:words], rem)
	data := queued[:n:n]
	c.tx[ep] = append(packWords(queued[n:]), c.tx[ep][words:]...)
	rem -= n

	if ep != 0 {
		ctl ^= reg.DEPCTL_DPID
	}
	if rem == 0 {
		ctl &^= reg.DEPCTL_EPENA
		c.regs[reg.DIEPTSIZ(ep)] = siz &^ (xfrsiz | pktcnt)
		c.regs[reg.DIEPINT(ep)] |= reg.DIEPINT_XFRC
	} else {
		left := reg.Field(siz, pktcnt)
		if left > 0 {
			left--
		}
		c.regs[reg.DIEPTSIZ(ep)] = siz&^(xfrsiz|pktcnt) |
			reg.Value(uint32(rem), xfrsiz) | reg.Value(left, pktcnt)
	}
	c.regs[reg.DIEPCTL(ep)] = ctl
	return data, true
}

// TxWords returns the number of words queued in the transmit FIFO of IN
// endpoint ep.
func (c *Core) TxWords(ep uint8) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tx[ep])
}

// RxEntries returns the number of pending receive FIFO status entries.
func (c *Core) RxEntries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rxq)
}

// InNAKed reports whether IN endpoint ep is answering NAK.
func (c *Core) InNAKed(ep uint8) bool {
	return c.Read(reg.DIEPCTL(ep))&reg.DEPCTL_NAKSTS != 0
}

// OutNAKed reports whether OUT endpoint ep is answering NAK.
func (c *Core) OutNAKed(ep uint8) bool {
	v := c.Read(reg.DOEPCTL(ep))
	return v&reg.DEPCTL_NAKSTS != 0 || v&reg.DEPCTL_EPENA == 0
}

// Address returns the device address programmed in DCFG.
func (c *Core) Address() uint8 {
	return uint8(reg.Get(c, reg.DCFG, reg.DCFG_DAD))
}

// Connected reports whether the device pull-up is on.
func (c *Core) Connected() bool {
	return c.Read(reg.DCTL)&reg.DCTL_SDIS == 0
}

func (c *Core) rxRoom(words uint32) bool {
	size := c.regs[reg.GRXFSIZ]
	return c.rxUsed()+words <= size
}

func rxStatus(ep uint8, pktsts uint32, bcnt int, dpid uint32) uint32 {
	return reg.Value(uint32(ep), reg.GRXSTSP_EPNUM) |
		reg.Value(uint32(bcnt), reg.GRXSTSP_BCNT) |
		reg.Value(dpid, reg.GRXSTSP_DPID) |
		reg.Value(pktsts, reg.GRXSTSP_PKTSTS)
}
