package otg

import (
	"fmt"
	"slices"

	"github.com/ardnew/otgusb/device/hal"
	"github.com/ardnew/otgusb/device/hal/otg/reg"
	"github.com/ardnew/otgusb/pkg"
)

// endpoint is the driver's record of one endpoint direction.
type endpoint struct {
	typ hal.EndpointType
	mps uint16
}

func (e *endpoint) reset() {
	e.typ = hal.TypeUnconfigured
	e.mps = 0
}

func (e *endpoint) configured() bool {
	return e.typ != hal.TypeUnconfigured
}

// ep0 packet size tiers and their DxEPCTL0.MPSIZ codes.
var ep0Tiers = []struct {
	size uint16
	code uint32
}{
	{8, 3},
	{16, 2},
	{32, 1},
	{64, 0},
}

// typeBits returns the DxEPCTL bits selecting transfer type t for a data
// endpoint, and whether the endpoint resets its data toggle on configure
// and unstall.
func typeBits(t hal.EndpointType) (bits uint32, toggles bool, err error) {
	switch t {
	case hal.TypeIsochronous:
		return reg.Value(uint32(t), reg.DEPCTL_EPTYP), false, nil
	case hal.TypeBulk, hal.TypeInterrupt:
		return reg.Value(uint32(t), reg.DEPCTL_EPTYP), true, nil
	}
	return 0, false, fmt.Errorf("endpoint type %v: %w", t, pkg.ErrInvalidParameter)
}

// EPConfig programs one endpoint.
//
// The control endpoint is configured in both directions with its packet
// size rounded down to 8, 16, 32 or 64 bytes. An IN data endpoint gets its
// transmit window first. An OUT data endpoint starts receiving if it has a
// buffer armed and NAKs otherwise.
func (d *Driver) EPConfig(cfg hal.EndpointConfig) error {
	defer d.mask()()
	return d.epConfig(cfg)
}

func (d *Driver) epConfig(cfg hal.EndpointConfig) error {
	n := cfg.Number()
	if int(n) > d.cfg.NumEndpoints {
		pkg.LogError(pkg.ComponentEndpoint, "endpoint out of range", "addr", cfg.Address)
		return fmt.Errorf("endpoint 0x%02X: %w", cfg.Address, pkg.ErrInvalidEndpoint)
	}
	if n == 0 {
		return d.ep0Config(cfg)
	}
	if cfg.MaxPacketSize == 0 || uint32(cfg.MaxPacketSize) > reg.DEPCTL_MPSIZ {
		return fmt.Errorf("endpoint 0x%02X max packet %d: %w", cfg.Address, cfg.MaxPacketSize, pkg.ErrInvalidParameter)
	}

	if cfg.IsIn() {
		size := int(cfg.FIFOSize)
		if size == 0 {
			size = int(cfg.MaxPacketSize)
		}
		if err := d.ConfigureTxFIFO(n, size); err != nil {
			return err
		}
		bits, toggles, err := typeBits(cfg.Type)
		if err != nil {
			pkg.LogWarn(pkg.ComponentEndpoint, "unsupported endpoint type", "addr", cfg.Address, "type", cfg.Type)
			return err
		}
		ctl := bits |
			reg.DEPCTL_SNAK |
			reg.Value(uint32(n), reg.DEPCTL_TXFNUM) |
			reg.DEPCTL_USBAEP |
			reg.Value(uint32(cfg.MaxPacketSize), reg.DEPCTL_MPSIZ)
		if toggles {
			ctl |= reg.DEPCTL_SD0PID
		}
		d.regs.Write(reg.DIEPCTL(n), ctl)
		reg.Set(d.regs, reg.DAINTMSK, reg.Value(1<<n, reg.DAINT_IEPINT))
		d.in[n] = endpoint{typ: cfg.Type, mps: cfg.MaxPacketSize}
	} else {
		bits, toggles, err := typeBits(cfg.Type)
		if err != nil {
			pkg.LogWarn(pkg.ComponentEndpoint, "unsupported endpoint type", "addr", cfg.Address, "type", cfg.Type)
			return err
		}
		ctl := bits |
			reg.DEPCTL_USBAEP |
			reg.Value(uint32(cfg.MaxPacketSize), reg.DEPCTL_MPSIZ)
		if toggles {
			ctl |= reg.DEPCTL_SD0PID
		}
		if d.rx.Buffer(n) != nil {
			ctl |= reg.DEPCTL_EPENA | reg.DEPCTL_CNAK
		} else {
			ctl |= reg.DEPCTL_SNAK
		}
		d.regs.Write(reg.DOEPTSIZ(n),
			reg.Value(1, reg.DEPTSIZ_PKTCNT)|reg.Value(uint32(cfg.MaxPacketSize), reg.DEPTSIZ_XFRSIZ))
		d.regs.Write(reg.DOEPCTL(n), ctl)
		reg.Set(d.regs, reg.DAINTMSK, reg.Value(1<<n, reg.DAINT_OEPINT))
		d.out[n] = endpoint{typ: cfg.Type, mps: cfg.MaxPacketSize}
	}
	pkg.LogDebug(pkg.ComponentEndpoint, "configured",
		"addr", cfg.Address, "type", cfg.Type, "mps", cfg.MaxPacketSize)
	return nil
}

func (d *Driver) ep0Config(cfg hal.EndpointConfig) error {
	if cfg.Type != hal.TypeControl {
		pkg.LogWarn(pkg.ComponentEndpoint, "endpoint 0 must be control", "type", cfg.Type)
		return fmt.Errorf("endpoint 0 type %v: %w", cfg.Type, pkg.ErrInvalidParameter)
	}
	tier := ep0Tiers[0]
	for _, t := range ep0Tiers {
		if t.size <= cfg.MaxPacketSize {
			tier = t
		}
	}
	size := uint32(tier.size)
	d.ep0Size.Store(size)

	reg.Set(d.regs, reg.DAINTMSK, 0x00010001)
	d.regs.Write(reg.DIEPTSIZ(0), reg.Value(size, reg.DIEPTSIZ0_XFRSIZ))
	d.armSetup()
	d.regs.Write(reg.DIEPCTL(0),
		reg.DEPCTL_SNAK|
			reg.DEPCTL_USBAEP|
			reg.Value(tier.code, reg.DEPCTL_MPSIZ))
	d.regs.Write(reg.DOEPCTL(0), reg.DEPCTL_EPENA|reg.DEPCTL_CNAK|reg.DEPCTL_USBAEP)

	d.in[0] = endpoint{typ: hal.TypeControl, mps: tier.size}
	d.out[0] = endpoint{typ: hal.TypeControl, mps: tier.size}
	pkg.LogDebug(pkg.ComponentEndpoint, "ep0 configured", "requested", cfg.MaxPacketSize, "mps", size)
	return nil
}

// armSetup reloads OUT endpoint 0 for up to three back-to-back setup
// packets.
func (d *Driver) armSetup() {
	d.regs.Write(reg.DOEPTSIZ(0),
		reg.Value(3, reg.DEPTSIZ_STUPCNT)|
			reg.Value(1, reg.DEPTSIZ_PKTCNT)|
			reg.Value(d.ep0Size.Load(), reg.DEPTSIZ_XFRSIZ))
}

// EPUnconfig tears endpoint ep down in both directions: interrupt lines
// masked, transmit FIFO flushed, enabled transfers disabled, pending
// status cleared, a loaded transmit buffer returned to its pool and the
// transmit window released.
func (d *Driver) EPUnconfig(ep uint8) {
	defer d.mask()()
	d.epUnconfig(ep & hal.AddressMask)
}

func (d *Driver) epUnconfig(n uint8) {
	if int(n) > d.cfg.NumEndpoints {
		pkg.LogError(pkg.ComponentEndpoint, "endpoint out of range", "ep", n)
		return
	}
	reg.Clear(d.regs, reg.DAINTMSK, 0x00010001<<n)

	ctl := d.regs.Read(reg.DIEPCTL(n)) &^ (reg.DEPCTL_USBAEP | reg.DEPCTL_STALL)
	d.regs.Write(reg.DIEPCTL(n), ctl)
	d.flushTx(uint32(n))
	if n != 0 && ctl&reg.DEPCTL_EPENA != 0 {
		reg.Set(d.regs, reg.DIEPCTL(n), reg.DEPCTL_EPDIS|reg.DEPCTL_SNAK)
	}
	d.regs.Write(reg.DIEPINT(n), reg.DIEPINT_ALL)
	d.releaseTxFIFO(n)

	ctl = d.regs.Read(reg.DOEPCTL(n)) &^ (reg.DEPCTL_USBAEP | reg.DEPCTL_STALL)
	if ctl&reg.DEPCTL_EPENA != 0 {
		ctl |= reg.DEPCTL_EPDIS | reg.DEPCTL_SNAK
	}
	d.regs.Write(reg.DOEPCTL(n), ctl)
	d.regs.Write(reg.DOEPINT(n), reg.DOEPINT_ALL)

	if b := d.tx.Buffer(n); b != nil {
		d.tx.SetBuffer(n, nil)
		d.tx.Release(n, b)
	}
	d.in[n].reset()
	d.out[n].reset()
	pkg.LogDebug(pkg.ComponentEndpoint, "unconfigured", "ep", n)
}

// ConfigureEndpoints activates configuration value with the given data
// endpoints, after unconfiguring every data endpoint. Value zero returns
// the device to the addressed state. Endpoints are configured in
// increasing number order so transmit windows are packed in order; on
// failure every data endpoint is left unconfigured.
func (d *Driver) ConfigureEndpoints(value uint8, eps []hal.EndpointConfig) error {
	defer d.mask()()

	for n := 1; n <= d.cfg.NumEndpoints; n++ {
		d.epUnconfig(uint8(n))
	}
	d.active.Store(0)
	if value == 0 {
		pkg.LogInfo(pkg.ComponentEndpoint, "deconfigured")
		return nil
	}

	sorted := slices.Clone(eps)
	slices.SortStableFunc(sorted, func(a, b hal.EndpointConfig) int {
		return int(a.Number()) - int(b.Number())
	})
	for _, cfg := range sorted {
		if cfg.Number() == 0 {
			continue
		}
		if err := d.epConfig(cfg); err != nil {
			for n := 1; n <= d.cfg.NumEndpoints; n++ {
				d.epUnconfig(uint8(n))
			}
			return fmt.Errorf("configuration %d: %w", value, err)
		}
	}
	d.active.Store(uint32(value))
	pkg.LogInfo(pkg.ComponentEndpoint, "configuration active", "value", value, "endpoints", len(sorted))
	return nil
}

// ctlReg returns the control register of endpoint address ep.
func ctlReg(ep uint8) reg.Addr {
	n := ep & hal.AddressMask
	if ep&hal.DirIn != 0 {
		return reg.DIEPCTL(n)
	}
	return reg.DOEPCTL(n)
}

// record returns the driver's record of endpoint address ep, or nil if it
// is out of range.
func (d *Driver) record(ep uint8) *endpoint {
	n := int(ep & hal.AddressMask)
	if n > d.cfg.NumEndpoints {
		return nil
	}
	if ep&hal.DirIn != 0 {
		return &d.in[n]
	}
	return &d.out[n]
}

// EPStall sets the stall condition on endpoint address ep. A data
// endpoint's toggle is forced to DATA0.
func (d *Driver) EPStall(ep uint8) {
	if d.record(ep) == nil {
		pkg.LogError(pkg.ComponentEndpoint, "stall: endpoint out of range", "ep", ep)
		return
	}
	defer d.mask()()

	bits := uint32(reg.DEPCTL_STALL)
	if ep&hal.AddressMask != 0 {
		bits |= reg.DEPCTL_SD0PID
	}
	reg.Set(d.regs, ctlReg(ep), bits)
	pkg.LogDebug(pkg.ComponentEndpoint, "stall", "ep", ep)
}

// EPUnstall clears the stall condition on endpoint address ep. Bulk and
// interrupt endpoints resume at DATA0; control endpoint toggles are left
// alone.
func (d *Driver) EPUnstall(ep uint8) {
	rec := d.record(ep)
	if rec == nil {
		pkg.LogError(pkg.ComponentEndpoint, "unstall: endpoint out of range", "ep", ep)
		return
	}
	defer d.mask()()

	r := ctlReg(ep)
	reg.Clear(d.regs, r, reg.DEPCTL_STALL)
	if ep&hal.AddressMask != 0 {
		if _, toggles, err := typeBits(rec.typ); err == nil && toggles {
			reg.Set(d.regs, r, reg.DEPCTL_SD0PID)
		}
	}
	pkg.LogDebug(pkg.ComponentEndpoint, "unstall", "ep", ep)
}

// EPIsStalled reports the stall condition of endpoint address ep.
func (d *Driver) EPIsStalled(ep uint8) bool {
	if d.record(ep) == nil {
		return false
	}
	return d.regs.Read(ctlReg(ep))&reg.DEPCTL_STALL != 0
}

// EndpointType returns the configured transfer type of endpoint address
// ep, or hal.TypeUnconfigured.
func (d *Driver) EndpointType(ep uint8) hal.EndpointType {
	defer d.mask()()
	rec := d.record(ep)
	if rec == nil {
		return hal.TypeUnconfigured
	}
	return rec.typ
}

// DataToggle returns the data PID the core expects next on endpoint
// address ep.
func (d *Driver) DataToggle(ep uint8) hal.Toggle {
	if d.regs.Read(ctlReg(ep))&reg.DEPCTL_DPID != 0 {
		return hal.Data1
	}
	return hal.Data0
}

// busReset returns every endpoint to its reset state and brings the
// control endpoint back up at the default packet size.
func (d *Driver) busReset() {
	for n := 0; n <= d.cfg.NumEndpoints; n++ {
		d.epUnconfig(uint8(n))
	}
	d.flushRx()
	d.flushTx(reg.TxFIFOAll)

	reg.Set(d.regs, reg.GINTMSK, reg.GINTSTS_OEPINT|reg.GINTSTS_IEPINT)
	d.regs.Write(reg.DAINTMSK, reg.Value(1, reg.DAINT_IEPINT)|reg.Value(1, reg.DAINT_OEPINT))
	d.regs.Write(reg.DOEPMSK, reg.DOEPMSK_STUPM|reg.DOEPMSK_OTEPSPRM|reg.DOEPMSK_XFRCM)
	d.regs.Write(reg.DIEPMSK, reg.DIEPMSK_TOM|reg.DIEPMSK_XFRCM)
	d.regs.Write(reg.DCFG, d.regs.Read(reg.DCFG)&^reg.DCFG_DAD)

	if err := d.ep0Config(hal.EndpointConfig{
		Type:          hal.TypeControl,
		MaxPacketSize: DefaultEP0MaxPacket,
	}); err != nil {
		pkg.LogError(pkg.ComponentEndpoint, "ep0 reconfigure after reset", "error", err)
	}

	// Data endpoints are unconfigured and the receive FIFO is empty, so a
	// receive interrupt masked for backpressure can come back on.
	reg.Set(d.regs, reg.GINTMSK, reg.GINTSTS_RXFLVL)

	d.active.Store(0)
	d.setControl(hal.StateIdle)
	d.state.Store(uint32(StateDefault))
}
