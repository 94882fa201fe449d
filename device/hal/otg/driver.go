package otg

import (
	"fmt"
	"sync/atomic"

	"github.com/ardnew/otgusb/device/hal"
	"github.com/ardnew/otgusb/device/hal/otg/reg"
	"github.com/ardnew/otgusb/pkg"
)

// State is the attachment state of the controller.
type State uint32

// Controller states.
const (
	StateUnknown    State = iota // Not enabled
	StateAttached                // Enabled, pull-up off
	StateWaitReset               // Pull-up on, waiting for bus reset
	StateDefault                 // Bus reset seen
	StateEnumerated              // Speed enumeration complete
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateAttached:
		return "attached"
	case StateWaitReset:
		return "wait-reset"
	case StateDefault:
		return "default"
	case StateEnumerated:
		return "enumerated"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// Driver is a device-mode driver for a DWC2-style OTG core.
//
// Poll is the interrupt handler and runs in interrupt context. Every other
// exported method runs in task context; methods that touch state shared
// with Poll mask the interrupt line for their duration. Event callbacks
// must not call task-side methods.
type Driver struct {
	regs reg.Bank
	irq  hal.IRQ
	rx   hal.BufferPool
	tx   hal.BufferPool
	cfg  Config

	in  []endpoint
	out []endpoint

	setup hal.SetupPacket

	state   atomic.Uint32
	ep0Size atomic.Uint32
	active  atomic.Uint32
	control atomic.Uint32
}

var _ hal.Driver = (*Driver)(nil)

// New creates a driver for the core behind regs. Zero fields of cfg take
// their DefaultConfig values.
func New(regs reg.Bank, irq hal.IRQ, rx, tx hal.BufferPool, cfg Config) *Driver {
	cfg = cfg.withDefaults()
	d := &Driver{
		regs: regs,
		irq:  irq,
		rx:   rx,
		tx:   tx,
		cfg:  cfg,
		in:   make([]endpoint, cfg.NumEndpoints+1),
		out:  make([]endpoint, cfg.NumEndpoints+1),
	}
	for i := range d.in {
		d.in[i].reset()
		d.out[i].reset()
	}
	return d
}

// Config returns the controller configuration.
func (d *Driver) Config() Config {
	return d.cfg
}

// mask disables the interrupt line and returns the matching enable, for
// use as defer d.mask()().
func (d *Driver) mask() func() {
	d.irq.Disable()
	return d.irq.Enable
}

// Initialize preallocates one receive buffer per endpoint. Failing to get
// the control endpoint buffer aborts startup; other endpoints without a
// buffer start NAKed.
func (d *Driver) Initialize() error {
	n := d.rx.NumEndpoints()
	if n > d.cfg.NumEndpoints+1 {
		n = d.cfg.NumEndpoints + 1
	}
	for i := 0; i < n; i++ {
		ep := uint8(i)
		if d.rx.Buffer(ep) != nil {
			continue
		}
		b := d.rx.TryAllocate(ep)
		if b == nil {
			if ep == 0 {
				pkg.LogError(pkg.ComponentDriver, "could not preallocate rx buffer", "ep", ep)
				d.releaseArmed()
				return fmt.Errorf("preallocate ep0 rx buffer: %w", pkg.ErrNoMemory)
			}
			pkg.LogWarn(pkg.ComponentDriver, "no rx buffer, endpoint starts NAKed", "ep", ep)
			continue
		}
		b.Reset()
		d.rx.SetBuffer(ep, b)
	}
	pkg.LogDebug(pkg.ComponentDriver, "initialized", "endpoints", n)
	return nil
}

func (d *Driver) releaseArmed() {
	for i := 0; i < d.rx.NumEndpoints(); i++ {
		ep := uint8(i)
		if b := d.rx.Buffer(ep); b != nil {
			d.rx.SetBuffer(ep, nil)
			d.rx.Release(ep, b)
		}
	}
}

// Enable resets the core and brings it up in device mode with the pull-up
// off: receive FIFO and control transmit window programmed, data windows
// unallocated, global interrupts enabled.
func (d *Driver) Enable() error {
	if err := d.cfg.Validate(); err != nil {
		return err
	}
	if State(d.state.Load()) != StateUnknown {
		if err := d.Disable(); err != nil {
			return err
		}
	}

	if !reg.WaitSet(d.regs, reg.GRSTCTL, reg.GRSTCTL_AHBIDL, d.cfg.ResetSpins) {
		return fmt.Errorf("wait ahb idle: %w", pkg.ErrHardwareTimeout)
	}
	reg.Clear(d.regs, reg.GCCFG, reg.GCCFG_PWRDWN)
	if err := d.coreReset(); err != nil {
		return err
	}

	reg.Set(d.regs, reg.DCTL, reg.DCTL_SDIS)
	reg.Clear(d.regs, reg.PCGCCTL, reg.PCGCCTL_GATEHCLK|reg.PCGCCTL_STPPCLK)

	// Force device mode.
	reg.SetMask(d.regs, reg.GUSBCFG,
		reg.GUSBCFG_FHMOD|reg.GUSBCFG_HNPCAP|reg.GUSBCFG_SRPCAP|reg.GUSBCFG_TRDT,
		reg.GUSBCFG_FDMOD|reg.Value(0x09, reg.GUSBCFG_TRDT))
	if err := d.coreReset(); err != nil {
		return err
	}

	// No VBUS sensing: force B-session valid.
	reg.Clear(d.regs, reg.GCCFG, reg.GCCFG_VBDEN)
	reg.Set(d.regs, reg.GOTGCTL, reg.GOTGCTL_BVALOEN|reg.GOTGCTL_BVALOVAL)

	reg.SetMask(d.regs, reg.DCFG,
		reg.DCFG_PERSCHIVL|reg.DCFG_PFIVL|reg.DCFG_DAD|reg.DCFG_DSPD,
		reg.Value(0x01, reg.DCFG_PERSCHIVL)|reg.DCFG_NZLSOHSK)

	for n := 1; n <= d.cfg.NumEndpoints; n++ {
		d.regs.Write(reg.DIEPTXF(uint8(n)), 0)
	}
	d.regs.Write(reg.GRXFSIZ, d.cfg.RxFIFOWords)
	if err := d.ConfigureTxFIFO(0, d.cfg.EP0TxFIFOSize); err != nil {
		return fmt.Errorf("ep0 tx fifo: %w", err)
	}
	d.flushTx(reg.TxFIFOAll)
	d.flushRx()

	reg.SetMask(d.regs, reg.GAHBCFG,
		reg.GAHBCFG_DMAEN|reg.GAHBCFG_HBSTLEN|reg.GAHBCFG_GINT,
		reg.GAHBCFG_PTXFELVL|reg.GAHBCFG_TXFELVL|reg.Value(3, reg.GAHBCFG_HBSTLEN))
	d.regs.Write(reg.GINTMSK, 0)
	d.regs.Write(reg.GINTSTS, 0xFFFFFFFF)
	d.regs.Write(reg.DAINTMSK, 0)
	d.regs.Write(reg.DOEPMSK, 0)
	d.regs.Write(reg.DIEPMSK, 0)

	d.regs.Write(reg.GINTMSK, reg.GINTSTS_ENUMDNE|
		reg.GINTSTS_USBRST|
		reg.GINTSTS_USBSUSP|
		reg.GINTSTS_ESUSP|
		reg.GINTSTS_SOF|
		reg.GINTSTS_OTGINT|
		reg.GINTSTS_MMIS|
		reg.GINTSTS_RXFLVL)
	reg.Set(d.regs, reg.GAHBCFG, reg.GAHBCFG_GINT)

	d.state.Store(uint32(StateAttached))
	pkg.LogInfo(pkg.ComponentDriver, "enabled",
		"rxWords", d.cfg.RxFIFOWords,
		"fifoWords", d.cfg.FIFOWords,
		"endpoints", d.cfg.NumEndpoints)
	return nil
}

// Disable masks all interrupts, resets the core and gates its clocks.
func (d *Driver) Disable() error {
	reg.Clear(d.regs, reg.GAHBCFG, reg.GAHBCFG_GINT)
	d.regs.Write(reg.GINTMSK, 0)
	reg.Set(d.regs, reg.DCTL, reg.DCTL_SDIS)
	err := d.coreReset()
	reg.Set(d.regs, reg.PCGCCTL, reg.PCGCCTL_GATEHCLK|reg.PCGCCTL_STPPCLK)
	d.state.Store(uint32(StateUnknown))
	pkg.LogInfo(pkg.ComponentDriver, "disabled")
	return err
}

// Connect turns the pull-up on. The controller must be enabled.
func (d *Driver) Connect() error {
	if State(d.state.Load()) == StateUnknown {
		return fmt.Errorf("connect: %w", pkg.ErrNotRunning)
	}
	reg.Clear(d.regs, reg.DCTL, reg.DCTL_SDIS)
	d.state.Store(uint32(StateWaitReset))
	pkg.LogInfo(pkg.ComponentDriver, "connected")
	return nil
}

// Disconnect turns the pull-up off, flushes all FIFOs and resets the core.
// Buffers queued in the pools are left for the caller to drain.
func (d *Driver) Disconnect() error {
	if State(d.state.Load()) == StateUnknown {
		return fmt.Errorf("disconnect: %w", pkg.ErrNotRunning)
	}
	reg.Set(d.regs, reg.DCTL, reg.DCTL_SDIS)
	d.flushTx(reg.TxFIFOAll)
	d.flushRx()
	err := d.coreReset()
	d.state.Store(uint32(StateAttached))
	pkg.LogInfo(pkg.ComponentDriver, "disconnected")
	return err
}

// SetAddress programs the device address.
func (d *Driver) SetAddress(addr uint8) error {
	if addr > 0x7F {
		return fmt.Errorf("address %d: %w", addr, pkg.ErrInvalidParameter)
	}
	reg.SetMask(d.regs, reg.DCFG, reg.DCFG_DAD, reg.Value(uint32(addr), reg.DCFG_DAD))
	pkg.LogDebug(pkg.ComponentDriver, "address set", "addr", addr)
	return nil
}

// FrameNumber returns the frame number of the last start-of-frame.
func (d *Driver) FrameNumber() uint16 {
	return uint16(reg.Get(d.regs, reg.DSTS, reg.DSTS_FNSOF))
}

// Speed returns the enumerated bus speed.
func (d *Driver) Speed() hal.Speed {
	switch reg.Get(d.regs, reg.DSTS, reg.DSTS_ENUMSPD) {
	case reg.EnumSpeedHigh:
		return hal.SpeedHigh
	case reg.EnumSpeedLow:
		return hal.SpeedLow
	default:
		return hal.SpeedFull
	}
}

// State returns the attachment state.
func (d *Driver) State() State {
	return State(d.state.Load())
}

// Status returns the driver status record.
func (d *Driver) Status() hal.Status {
	return hal.Status{
		EP0Size:      uint16(d.ep0Size.Load()),
		ActiveConfig: uint8(d.active.Load()),
		Control:      hal.ControlState(d.control.Load()),
	}
}

// Setup returns the most recently latched setup packet. It is overwritten
// by the next setup stage, so call it from the CTRL_SETUP_PHASE_DONE
// callback.
func (d *Driver) Setup() hal.SetupPacket {
	return d.setup
}

func (d *Driver) setControl(s hal.ControlState) {
	old := hal.ControlState(d.control.Swap(uint32(s)))
	if old != s {
		pkg.LogDebug(pkg.ComponentISR, "control state", "from", old, "to", s)
	}
}

func (d *Driver) coreReset() error {
	if !reg.WaitSet(d.regs, reg.GRSTCTL, reg.GRSTCTL_AHBIDL, d.cfg.ResetSpins) {
		return fmt.Errorf("core reset: wait ahb idle: %w", pkg.ErrHardwareTimeout)
	}
	reg.Set(d.regs, reg.GRSTCTL, reg.GRSTCTL_CSRST)
	if !reg.WaitClear(d.regs, reg.GRSTCTL, reg.GRSTCTL_CSRST, d.cfg.ResetSpins) {
		return fmt.Errorf("core reset: %w", pkg.ErrHardwareTimeout)
	}
	if !reg.WaitSet(d.regs, reg.GRSTCTL, reg.GRSTCTL_AHBIDL, d.cfg.ResetSpins) {
		return fmt.Errorf("core reset: wait ahb idle: %w", pkg.ErrHardwareTimeout)
	}
	return nil
}

func (d *Driver) flushRx() {
	reg.Set(d.regs, reg.GRSTCTL, reg.GRSTCTL_RXFFLSH)
	if !reg.WaitClear(d.regs, reg.GRSTCTL, reg.GRSTCTL_RXFFLSH, d.cfg.ResetSpins) {
		pkg.LogWarn(pkg.ComponentDriver, "rx flush timeout")
	}
}

// flushTx flushes the transmit FIFO of IN endpoint n, or all of them for
// reg.TxFIFOAll.
func (d *Driver) flushTx(n uint32) {
	if !reg.WaitSet(d.regs, reg.GRSTCTL, reg.GRSTCTL_AHBIDL, d.cfg.ResetSpins) ||
		!reg.WaitClear(d.regs, reg.GRSTCTL, reg.GRSTCTL_TXFFLSH, d.cfg.ResetSpins) {
		pkg.LogWarn(pkg.ComponentDriver, "tx flush: core busy", "fifo", n)
		return
	}
	reg.SetMask(d.regs, reg.GRSTCTL, reg.GRSTCTL_TXFNUM,
		reg.Value(n, reg.GRSTCTL_TXFNUM)|reg.GRSTCTL_TXFFLSH)
	if !reg.WaitClear(d.regs, reg.GRSTCTL, reg.GRSTCTL_TXFFLSH, d.cfg.ResetSpins) {
		pkg.LogWarn(pkg.ComponentDriver, "tx flush timeout", "fifo", n)
	}
}
