package otg

import (
	"math/bits"

	"github.com/ardnew/otgusb/device/hal"
	"github.com/ardnew/otgusb/device/hal/otg/reg"
	"github.com/ardnew/otgusb/pkg"
)

// condition is an endpoint interrupt bit the dispatcher acknowledges and
// logs without further action.
type condition struct {
	bit  uint32
	name string
	log  func(component pkg.Component, msg string, args ...any)
}

// OTG session conditions, acknowledged one at a time.
var otgConditions = []condition{
	{reg.GOTGINT_SEDET, "session end", pkg.LogDebug},
	{reg.GOTGINT_SRSSCHG, "session request status change", pkg.LogDebug},
	{reg.GOTGINT_HNSSCHG, "host negotiation status change", pkg.LogDebug},
	{reg.GOTGINT_HNGDET, "host negotiation detected", pkg.LogDebug},
	{reg.GOTGINT_ADTOCHG, "a-device timeout change", pkg.LogDebug},
	{reg.GOTGINT_DBCDNE, "debounce done", pkg.LogDebug},
}

// IN endpoint conditions handled before transfer complete.
var inConditions = []condition{
	{reg.DIEPINT_NAK, "nak", pkg.LogDebug},
	{reg.DIEPINT_PKTDRPSTS, "isochronous packet dropped", pkg.LogDebug},
	{reg.DIEPINT_TXFIFOUDRN, "tx fifo underrun", pkg.LogWarn},
	{reg.DIEPINT_INEPNM, "in token mismatch", pkg.LogDebug},
	{reg.DIEPINT_ITTXFE, "in token with tx fifo empty", pkg.LogDebug},
	{reg.DIEPINT_TOC, "timeout", pkg.LogWarn},
	{reg.DIEPINT_AHBERR, "ahb error", pkg.LogWarn},
	{reg.DIEPINT_EPDISD, "endpoint disabled", pkg.LogDebug},
}

// OUT endpoint conditions handled before status phase received.
var outConditions = []condition{
	{reg.DOEPINT_STPKTRX, "setup packet received", pkg.LogDebug},
	{reg.DOEPINT_NYET, "nyet", pkg.LogDebug},
	{reg.DOEPINT_NAK, "nak", pkg.LogDebug},
	{reg.DOEPINT_BERR, "babble", pkg.LogWarn},
	{reg.DOEPINT_OUTPKTERR, "packet error", pkg.LogWarn},
	{reg.DOEPINT_B2BSTUP, "back-to-back setup", pkg.LogDebug},
}

// ack acknowledges each condition set in v by writing its bit to r.
func (d *Driver) ack(r reg.Addr, v uint32, n uint8, conds []condition) {
	for _, c := range conds {
		if v&c.bit != 0 {
			d.regs.Write(r, c.bit)
			c.log(pkg.ComponentISR, c.name, "ep", n)
		}
	}
}

// Poll services one interrupt. It reads the core interrupt status once,
// acknowledges each condition it handles by writing back only that bit,
// and reports events through cb. At most one receive FIFO entry is popped
// per call; the interrupt stays asserted while more are pending.
//
// Poll runs in interrupt context and never blocks. cb must not block and
// must not call back into task-side driver methods.
func (d *Driver) Poll(cb hal.EventCallback) {
	if cb == nil {
		cb = func(hal.Event, uint8) {}
	}
	sts := d.regs.Read(reg.GINTSTS)
	msk := d.regs.Read(reg.GINTMSK)
	pending := sts & msk

	if pending&reg.GINTSTS_SOF != 0 && !d.cfg.SOFEvents {
		d.regs.Write(reg.GINTSTS, reg.GINTSTS_SOF)
		pending &^= reg.GINTSTS_SOF
	}
	if pending == 0 {
		return
	}
	pkg.LogDebug(pkg.ComponentISR, "poll", "gintsts", sts, "gintmsk", msk)

	if pending&reg.GINTSTS_MMIS != 0 {
		pkg.LogError(pkg.ComponentISR, "mode mismatch")
		d.regs.Write(reg.GINTSTS, reg.GINTSTS_MMIS)
	}

	if pending&reg.GINTSTS_OTGINT != 0 {
		d.ack(reg.GOTGINT, d.regs.Read(reg.GOTGINT), 0, otgConditions)
	}

	if pending&reg.GINTSTS_USBRST != 0 {
		pkg.LogInfo(pkg.ComponentISR, "bus reset")
		d.regs.Write(reg.GINTSTS, reg.GINTSTS_USBRST)
		d.busReset()
		cb(hal.EventReset, 0)
		return
	}

	if pending&reg.GINTSTS_ENUMDNE != 0 {
		d.regs.Write(reg.GINTSTS, reg.GINTSTS_ENUMDNE)
		d.state.Store(uint32(StateEnumerated))
		pkg.LogInfo(pkg.ComponentISR, "enumeration done", "speed", d.Speed())
		cb(hal.EventEnumDone, 0)
	}
	if pending&reg.GINTSTS_SOF != 0 {
		d.regs.Write(reg.GINTSTS, reg.GINTSTS_SOF)
		cb(hal.EventSOF, 0)
	}
	if pending&reg.GINTSTS_ESUSP != 0 {
		pkg.LogInfo(pkg.ComponentISR, "early suspend")
		d.regs.Write(reg.GINTSTS, reg.GINTSTS_ESUSP)
		cb(hal.EventEarlySuspend, 0)
	}
	if pending&reg.GINTSTS_USBSUSP != 0 {
		pkg.LogInfo(pkg.ComponentISR, "suspend")
		d.regs.Write(reg.GINTSTS, reg.GINTSTS_USBSUSP)
		cb(hal.EventSuspend, 0)
	}

	if pending&reg.GINTSTS_IEPINT != 0 {
		d.serviceIn(cb)
	}
	if pending&reg.GINTSTS_OEPINT != 0 {
		d.serviceOut(cb)
	}
	if pending&reg.GINTSTS_RXFLVL != 0 {
		d.serviceRx()
	}
}

// pendingEndpoint returns the lowest endpoint with an unmasked interrupt in
// the DAINT field selected by field.
func (d *Driver) pendingEndpoint(field uint32) (uint8, bool) {
	v := reg.Field(d.regs.Read(reg.DAINT)&d.regs.Read(reg.DAINTMSK), field)
	if v == 0 {
		return 0, false
	}
	return uint8(bits.TrailingZeros32(v)), true
}

func (d *Driver) serviceIn(cb hal.EventCallback) {
	n, ok := d.pendingEndpoint(reg.DAINT_IEPINT)
	if !ok {
		return
	}
	r := reg.DIEPINT(n)
	v := d.regs.Read(r)
	d.ack(r, v, n, inConditions)

	if v&reg.DIEPINT_XFRC == 0 {
		pkg.LogDebug(pkg.ComponentISR, "in interrupt", "ep", n, "diepint", v)
		return
	}
	d.regs.Write(r, reg.DIEPINT_XFRC)
	pkg.LogDebug(pkg.ComponentISR, "in transfer complete", "ep", n)
	d.transmitted(n)
	if n != 0 {
		return
	}
	switch hal.ControlState(d.control.Load()) {
	case hal.StateLastData, hal.StateTxZLP:
		d.setControl(hal.StateStatusOut)
	case hal.StateStatusIn:
		d.setControl(hal.StateIdle)
	}
	cb(hal.EventEPTx, hal.DirIn)
}

func (d *Driver) serviceOut(cb hal.EventCallback) {
	n, ok := d.pendingEndpoint(reg.DAINT_OEPINT)
	if !ok {
		return
	}
	r := reg.DOEPINT(n)
	v := d.regs.Read(r)
	d.ack(r, v, n, outConditions)

	if v&reg.DOEPINT_STSPHSRX != 0 {
		d.regs.Write(r, reg.DOEPINT_STSPHSRX)
		pkg.LogDebug(pkg.ComponentISR, "status phase received", "ep", n)
		if n == 0 {
			d.setControl(hal.StateStatusIn)
		}
		cb(hal.EventCtrlDataPhaseDone, n)
	}
	if v&reg.DOEPINT_OTEPDIS != 0 {
		d.regs.Write(r, reg.DOEPINT_OTEPDIS)
		pkg.LogDebug(pkg.ComponentISR, "out token while disabled", "ep", n)
	}
	if v&reg.DOEPINT_STUP != 0 {
		d.regs.Write(r, reg.DOEPINT_STUP)
		siz := d.regs.Read(reg.DOEPTSIZ(n))
		pkg.LogDebug(pkg.ComponentISR, "setup phase done",
			"ep", n,
			"xfrsiz", reg.Field(siz, reg.DEPTSIZ_XFRSIZ),
			"pktcnt", reg.Field(siz, reg.DEPTSIZ_PKTCNT),
			"stupcnt", reg.Field(siz, reg.DEPTSIZ_STUPCNT),
			"setup", d.setup.String())
		if n == 0 {
			d.armSetup()
			switch {
			case d.setup.Length == 0:
				d.setControl(hal.StateStatusIn)
			case d.setup.IsDeviceToHost():
				d.setControl(hal.StateTxData)
			default:
				d.setControl(hal.StateRxData)
			}
		}
		cb(hal.EventCtrlSetupPhaseDone, n)
	}
	if v&reg.DOEPINT_AHBERR != 0 {
		d.regs.Write(r, reg.DOEPINT_AHBERR)
		pkg.LogWarn(pkg.ComponentISR, "ahb error", "ep", n)
	}
	if v&reg.DOEPINT_EPDISD != 0 {
		d.regs.Write(r, reg.DOEPINT_EPDISD)
		pkg.LogDebug(pkg.ComponentISR, "endpoint disabled", "ep", n)
	}

	if v&reg.DOEPINT_XFRC == 0 {
		return
	}
	d.regs.Write(r, reg.DOEPINT_XFRC)
	pkg.LogDebug(pkg.ComponentISR, "out transfer complete", "ep", n)
	if n != 0 {
		return
	}
	switch hal.ControlState(d.control.Load()) {
	case hal.StateStatusOut, hal.StateTxData:
		d.setControl(hal.StateIdle)
	}
	cb(hal.EventEPRx, 0)
}

// serviceRx pops one receive FIFO status entry and handles it.
func (d *Driver) serviceRx() {
	st := d.regs.Read(reg.GRXSTSP)
	n := uint8(reg.Field(st, reg.GRXSTSP_EPNUM))
	count := int(reg.Field(st, reg.GRXSTSP_BCNT))
	pktsts := reg.Field(st, reg.GRXSTSP_PKTSTS)

	pkg.LogDebug(pkg.ComponentISR, "rx status",
		"ep", n,
		"count", count,
		"pktsts", pktsts,
		"dpid", reg.Field(st, reg.GRXSTSP_DPID),
		"frmnum", reg.Field(st, reg.GRXSTSP_FRMNUM))

	switch pktsts {
	case reg.PktOutReceived:
		d.receive(n, count)
	case reg.PktOutDone:
		pkg.LogDebug(pkg.ComponentISR, "out transfer done", "ep", n)
	case reg.PktSetupReceived:
		d.latchSetup(count)
	case reg.PktSetupDone:
		reg.Set(d.regs, reg.DOEPCTL(n), reg.DEPCTL_CNAK|reg.DEPCTL_EPENA)
	default:
		// Global OUT NAK and reserved codes carry no data.
	}
}

// latchSetup reads a setup packet from the receive FIFO into the setup
// slot.
func (d *Driver) latchSetup(count int) {
	if count == 0 {
		return
	}
	if count != hal.SetupPacketSize {
		pkg.LogError(pkg.ComponentISR, "malformed setup packet, dropped", "count", count)
		d.discardFIFO(count)
		return
	}
	var raw [hal.SetupPacketSize]byte
	d.readFIFO(raw[:])
	hal.ParseSetupPacket(raw[:], &d.setup)
}
