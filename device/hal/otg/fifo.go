package otg

import (
	"fmt"

	"github.com/ardnew/otgusb/device/hal/otg/reg"
	"github.com/ardnew/otgusb/pkg"
)

// Window is one IN endpoint's transmit FIFO window. Start and Depth are in
// 32-bit words from the base of FIFO memory.
type Window struct {
	Endpoint uint8
	Start    uint32
	Depth    uint32
}

// End returns the first word past the window.
func (w Window) End() uint32 {
	return w.Start + w.Depth
}

// ConfigureTxFIFO assigns the transmit window of IN endpoint ep, size bytes
// deep, and programs it into the core.
//
// The control window sits directly after the receive FIFO and accepts 64
// to 1024 bytes. A data endpoint window starts at the end of the last
// allocated window below it; sizes under 64 bytes are raised to 64 and
// sizes over 2048 are rejected. Windows must be assigned in increasing
// endpoint order: reassigning endpoint k leaves windows above k untouched,
// so the caller must reassign those as well.
func (d *Driver) ConfigureTxFIFO(ep uint8, size int) error {
	if ep == 0 {
		if size < MinEP0TxFIFO || size > MaxEP0TxFIFO {
			pkg.LogWarn(pkg.ComponentFIFO, "ep0 tx fifo size out of range", "size", size)
			return fmt.Errorf("ep0 tx fifo %d bytes: %w", size, pkg.ErrFIFOSize)
		}
		w := Window{Start: d.cfg.RxFIFOWords, Depth: words(size)}
		if w.End() > d.cfg.FIFOWords {
			pkg.LogError(pkg.ComponentFIFO, "ep0 tx fifo does not fit", "start", w.Start, "depth", w.Depth)
			return fmt.Errorf("ep0 tx fifo: %w", pkg.ErrFIFOFull)
		}
		d.regs.Write(reg.DIEPTXF0, encodeWindow(w))
		pkg.LogDebug(pkg.ComponentFIFO, "tx fifo", "ep", ep, "start", w.Start, "depth", w.Depth)
		return nil
	}

	if int(ep) > d.cfg.NumEndpoints {
		pkg.LogError(pkg.ComponentFIFO, "endpoint out of range", "ep", ep)
		return fmt.Errorf("tx fifo ep %d: %w", ep, pkg.ErrInvalidEndpoint)
	}
	if size < MinTxFIFO {
		pkg.LogWarn(pkg.ComponentFIFO, "tx fifo size below minimum, clamped", "ep", ep, "size", size, "min", MinTxFIFO)
		size = MinTxFIFO
	}
	if size > MaxTxFIFO {
		pkg.LogError(pkg.ComponentFIFO, "tx fifo size above maximum", "ep", ep, "size", size, "max", MaxTxFIFO)
		return fmt.Errorf("tx fifo ep %d %d bytes: %w", ep, size, pkg.ErrFIFOSize)
	}

	start := decodeWindow(0, d.regs.Read(reg.DIEPTXF0)).End()
	for i := uint8(1); i < ep; i++ {
		w := decodeWindow(i, d.regs.Read(reg.DIEPTXF(i)))
		if w.Depth == 0 {
			continue
		}
		start = w.End()
	}
	w := Window{Endpoint: ep, Start: start, Depth: words(size)}
	if w.End() > d.cfg.FIFOWords {
		pkg.LogError(pkg.ComponentFIFO, "no room for tx fifo", "ep", ep, "start", w.Start, "depth", w.Depth)
		return fmt.Errorf("tx fifo ep %d: %w", ep, pkg.ErrFIFOFull)
	}
	d.regs.Write(reg.DIEPTXF(ep), encodeWindow(w))
	pkg.LogDebug(pkg.ComponentFIFO, "tx fifo", "ep", ep, "start", w.Start, "depth", w.Depth)
	return nil
}

// Windows returns the allocated transmit windows in endpoint order.
func (d *Driver) Windows() []Window {
	ws := make([]Window, 0, d.cfg.NumEndpoints+1)
	if w := decodeWindow(0, d.regs.Read(reg.DIEPTXF0)); w.Depth != 0 {
		ws = append(ws, w)
	}
	for i := 1; i <= d.cfg.NumEndpoints; i++ {
		ep := uint8(i)
		if w := decodeWindow(ep, d.regs.Read(reg.DIEPTXF(ep))); w.Depth != 0 {
			ws = append(ws, w)
		}
	}
	return ws
}

// releaseTxFIFO marks the window of IN endpoint ep unallocated. The
// control window reverts to its enable-time size.
func (d *Driver) releaseTxFIFO(ep uint8) {
	if ep != 0 {
		d.regs.Write(reg.DIEPTXF(ep), 0)
		return
	}
	if err := d.ConfigureTxFIFO(0, d.cfg.EP0TxFIFOSize); err != nil {
		pkg.LogError(pkg.ComponentFIFO, "restore ep0 tx fifo", "error", err)
	}
}

func words(size int) uint32 {
	return uint32(size+3) / 4
}

func encodeWindow(w Window) uint32 {
	return reg.Value(w.Depth, reg.DIEPTXF_INEPTXFD) | reg.Value(w.Start, reg.DIEPTXF_INEPTXSA)
}

func decodeWindow(ep uint8, v uint32) Window {
	return Window{
		Endpoint: ep,
		Start:    reg.Field(v, reg.DIEPTXF_INEPTXSA),
		Depth:    reg.Field(v, reg.DIEPTXF_INEPTXFD),
	}
}
