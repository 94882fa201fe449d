package otg

import (
	"context"
	"fmt"

	"github.com/ardnew/otgusb/device/hal"
	"github.com/ardnew/otgusb/device/hal/otg/reg"
	"github.com/ardnew/otgusb/pkg"
)

// receive moves a count-byte OUT packet on endpoint n from the receive
// FIFO into the armed buffer, hands it to the pool, and re-arms the
// endpoint. With no free buffer the endpoint is NAKed and, for data
// endpoints, the receive interrupt is masked until ReleaseRxBuffer.
//
// Runs in interrupt context.
func (d *Driver) receive(n uint8, count int) {
	if count == 0 {
		return
	}
	if int(n) > d.cfg.NumEndpoints {
		pkg.LogError(pkg.ComponentExchange, "rx on endpoint out of range, dropped", "ep", n, "count", count)
		d.discardFIFO(count)
		return
	}
	b := d.rx.Buffer(n)
	if b == nil {
		pkg.LogError(pkg.ComponentExchange, "rx with no armed buffer, dropped", "ep", n, "count", count)
		d.discardFIFO(count)
		return
	}
	b.Reset()
	if !b.Resize(count) {
		pkg.LogError(pkg.ComponentExchange, "rx packet larger than buffer, dropped",
			"ep", n, "count", count, "cap", b.Cap())
		d.discardFIFO(count)
		reg.Set(d.regs, reg.DOEPCTL(n), reg.DEPCTL_CNAK|reg.DEPCTL_EPENA)
		return
	}
	d.readFIFO(b.Bytes())

	if !d.rx.TryEnqueue(n, b) {
		pkg.LogError(pkg.ComponentExchange, "rx queue full, buffer lost", "ep", n, "count", count)
	} else {
		pkg.LogDebug(pkg.ComponentExchange, "rx", "ep", n, "count", count)
	}

	if next := d.rx.TryAllocate(n); next != nil {
		next.Reset()
		d.rx.SetBuffer(n, next)
		reg.Set(d.regs, reg.DOEPCTL(n), reg.DEPCTL_CNAK|reg.DEPCTL_EPENA)
		return
	}

	// Pool exhausted: NAK until the application releases a buffer.
	pkg.LogDebug(pkg.ComponentExchange, "rx buffer underrun", "ep", n)
	d.rx.SetBuffer(n, nil)
	reg.Set(d.regs, reg.DOEPCTL(n), reg.DEPCTL_SNAK)
	if n != 0 {
		reg.Clear(d.regs, reg.GINTMSK, reg.GINTSTS_RXFLVL)
	}
}

// ReleaseRxBuffer returns a consumed receive buffer to the pool. If
// endpoint ep was NAKed for lack of a buffer it is re-armed and the
// receive interrupt unmasked.
func (d *Driver) ReleaseRxBuffer(ep uint8, buf *hal.Buffer) error {
	n := ep & hal.AddressMask
	if int(n) > d.cfg.NumEndpoints {
		pkg.LogError(pkg.ComponentExchange, "release: endpoint out of range", "ep", ep)
		return fmt.Errorf("release rx ep 0x%02X: %w", ep, pkg.ErrInvalidEndpoint)
	}
	if buf == nil {
		pkg.LogError(pkg.ComponentExchange, "release: nil buffer", "ep", ep)
		return fmt.Errorf("release rx ep 0x%02X: nil buffer: %w", ep, pkg.ErrInvalidParameter)
	}

	defer d.mask()()

	d.rx.Release(n, buf)
	if d.rx.Buffer(n) != nil {
		return nil
	}
	next := d.rx.TryAllocate(n)
	if next == nil {
		pkg.LogWarn(pkg.ComponentExchange, "release: no buffer to re-arm", "ep", n)
		return nil
	}
	next.Reset()
	d.rx.SetBuffer(n, next)
	if n == 0 || d.out[n].configured() {
		reg.Set(d.regs, reg.DOEPCTL(n), reg.DEPCTL_CNAK|reg.DEPCTL_EPENA)
	}
	reg.Set(d.regs, reg.GINTMSK, reg.GINTSTS_RXFLVL)
	pkg.LogDebug(pkg.ComponentExchange, "rx re-armed", "ep", n)
	return nil
}

// WaitRxBuffer blocks until a received buffer is queued on endpoint ep.
// The caller owns the buffer and must give it back with ReleaseRxBuffer.
func (d *Driver) WaitRxBuffer(ctx context.Context, ep uint8) (*hal.Buffer, error) {
	return d.rx.WaitDequeue(ctx, ep&hal.AddressMask)
}

// WaitTxBuffer blocks until a free transmit buffer is available for
// endpoint ep. The caller fills it and passes it to EnqueueTxBuffer.
func (d *Driver) WaitTxBuffer(ctx context.Context, ep uint8) (*hal.Buffer, error) {
	return d.tx.WaitAllocate(ctx, ep&hal.AddressMask)
}

// EnqueueTxBuffer queues buf for transmission on IN endpoint ep. An idle
// endpoint starts sending it at once; otherwise it follows the buffers
// already queued.
func (d *Driver) EnqueueTxBuffer(ep uint8, buf *hal.Buffer) error {
	n := ep & hal.AddressMask
	if int(n) > d.cfg.NumEndpoints {
		pkg.LogError(pkg.ComponentExchange, "enqueue: endpoint out of range", "ep", ep)
		return fmt.Errorf("enqueue tx ep 0x%02X: %w", ep, pkg.ErrInvalidEndpoint)
	}
	if buf == nil {
		pkg.LogError(pkg.ComponentExchange, "enqueue: nil buffer", "ep", ep)
		return fmt.Errorf("enqueue tx ep 0x%02X: nil buffer: %w", ep, pkg.ErrInvalidParameter)
	}

	if n == 0 && buf.Len() > int(d.ep0Size.Load()) {
		pkg.LogError(pkg.ComponentExchange, "enqueue: buffer exceeds control packet", "len", buf.Len())
		return fmt.Errorf("enqueue tx ep 0x%02X: %d bytes: %w", ep, buf.Len(), pkg.ErrInvalidParameter)
	}

	defer d.mask()()

	if d.tx.Buffer(n) == nil {
		d.tx.SetBuffer(n, buf)
		if _, err := d.write(n, buf.Bytes()); err != nil {
			d.tx.SetBuffer(n, nil)
			return err
		}
		return nil
	}
	if !d.tx.TryEnqueue(n, buf) {
		pkg.LogError(pkg.ComponentExchange, "tx queue full", "ep", n)
		return fmt.Errorf("enqueue tx ep 0x%02X: %w", ep, pkg.ErrNoResources)
	}
	return nil
}

// transmitted completes the loaded transfer on IN endpoint n and starts
// the next queued one, or NAKs the endpoint when none is queued.
//
// Runs in interrupt context.
func (d *Driver) transmitted(n uint8) {
	if b := d.tx.Buffer(n); b != nil {
		d.tx.Release(n, b)
	}
	next := d.tx.TryDequeue(n)
	if next == nil {
		d.tx.SetBuffer(n, nil)
		reg.Set(d.regs, reg.DIEPCTL(n), reg.DEPCTL_SNAK)
		return
	}
	d.tx.SetBuffer(n, next)
	if _, err := d.write(n, next.Bytes()); err != nil {
		pkg.LogWarn(pkg.ComponentExchange, "tx start failed", "ep", n, "error", err)
	}
}

// Write loads data into the transmit FIFO of IN endpoint ep and starts the
// transfer. It is the raw path used for control data and status stages.
//
// Endpoint 0 takes at most one packet per call: data longer than the
// control packet size is cut to one packet and the returned count says
// how much was loaded. The caller writes the rest after the EventEPTx of
// the packet before.
func (d *Driver) Write(ep uint8, data []byte) (int, error) {
	n := ep & hal.AddressMask
	if int(n) > d.cfg.NumEndpoints {
		pkg.LogError(pkg.ComponentExchange, "write: endpoint out of range", "ep", ep)
		return 0, fmt.Errorf("write ep 0x%02X: %w", ep, pkg.ErrInvalidEndpoint)
	}
	defer d.mask()()
	return d.write(n, data)
}

func (d *Driver) write(n uint8, data []byte) (int, error) {
	if n == 0 {
		if size := int(d.ep0Size.Load()); size > 0 && len(data) > size {
			data = data[:size]
		}
	}
	words := uint32(len(data)+3) / 4
	avail := reg.Get(d.regs, reg.DTXFSTS(n), reg.DTXFSTS_INEPTFSAV)
	if avail < words {
		pkg.LogError(pkg.ComponentExchange, "tx fifo space", "ep", n, "want", words, "avail", avail)
		return 0, fmt.Errorf("write ep %d: %d words, %d free: %w", n, words, avail, pkg.ErrFIFOFull)
	}
	ctl := d.regs.Read(reg.DIEPCTL(n))
	if n != 0 && ctl&reg.DEPCTL_EPENA != 0 {
		pkg.LogError(pkg.ComponentExchange, "endpoint already active", "ep", n)
		return 0, fmt.Errorf("write ep %d: %w", n, pkg.ErrEndpointActive)
	}

	var stall uint32
	if n == 0 {
		reg.SetMask(d.regs, reg.DIEPTSIZ(0),
			reg.DIEPTSIZ0_PKTCNT|reg.DIEPTSIZ0_XFRSIZ,
			reg.Value(1, reg.DIEPTSIZ0_PKTCNT)|reg.Value(uint32(len(data)), reg.DIEPTSIZ0_XFRSIZ))
	} else {
		packets := uint32(1)
		if mps := reg.Field(ctl, reg.DEPCTL_MPSIZ); mps != 0 && len(data) > 0 {
			packets = (uint32(len(data)) + mps - 1) / mps
		}
		reg.SetMask(d.regs, reg.DIEPTSIZ(n),
			reg.DEPTSIZ_MULCNT|reg.DEPTSIZ_PKTCNT|reg.DEPTSIZ_XFRSIZ,
			reg.Value(packets, reg.DEPTSIZ_PKTCNT)|reg.Value(uint32(len(data)), reg.DEPTSIZ_XFRSIZ))
		stall = reg.DEPCTL_STALL
	}
	reg.SetMask(d.regs, reg.DIEPCTL(n), stall, reg.DEPCTL_CNAK|reg.DEPCTL_EPENA)
	d.writeFIFO(n, data)

	if n == 0 {
		d.ep0Written(len(data))
	}
	pkg.LogDebug(pkg.ComponentExchange, "tx", "ep", n, "count", len(data))
	return len(data), nil
}

// Read drains len(buf) bytes of the current packet from the receive FIFO.
// The packet's status word must already have been popped.
func (d *Driver) Read(ep uint8, buf []byte) int {
	if buf == nil {
		pkg.LogError(pkg.ComponentExchange, "read: nil buffer", "ep", ep)
		return 0
	}
	d.readFIFO(buf)
	return len(buf)
}

// ep0Written advances the control state after a control IN write.
func (d *Driver) ep0Written(count int) {
	if hal.ControlState(d.control.Load()) != hal.StateTxData {
		return
	}
	switch {
	case count == 0:
		d.setControl(hal.StateTxZLP)
	case count < int(d.ep0Size.Load()):
		d.setControl(hal.StateLastData)
	}
}
