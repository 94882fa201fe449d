// Package otg implements the device-mode driver for a DWC2-style USB OTG
// controller.
//
// The driver turns the controller's interrupt stream and packet FIFOs into
// per-endpoint buffer queues for task code, and into semantic events for
// the request layer above it (see package device).
//
// # Components
//
//   - FIFO allocator: [Driver.ConfigureTxFIFO] packs IN endpoint transmit
//     windows into FIFO memory after the shared receive FIFO
//   - Endpoint manager: [Driver.EPConfig], [Driver.EPUnconfig],
//     [Driver.EPStall], [Driver.EPUnstall] and [Driver.ConfigureEndpoints]
//   - Buffer exchange: the receive and transmit-complete paths in
//     interrupt context, and [Driver.ReleaseRxBuffer],
//     [Driver.EnqueueTxBuffer], [Driver.WaitRxBuffer] and
//     [Driver.WaitTxBuffer] in task context
//   - Dispatcher: [Driver.Poll], the interrupt handler
//
// # Concurrency
//
// Poll runs in interrupt context. It never blocks, and it only uses the
// non-blocking pool operations. Task-side methods that touch the
// per-endpoint loaded buffer slot or an endpoint control register mask the
// controller interrupt line through [hal.IRQ] for their whole duration.
//
// Event callbacks run inside Poll. They must return quickly and must not
// call task-side methods.
//
// # Backpressure
//
// When a packet arrives and the receive pool has no free buffer for the
// endpoint, the endpoint is NAKed and the receive FIFO interrupt is masked.
// ReleaseRxBuffer re-arms the endpoint and unmasks the interrupt. The host
// keeps retrying in the meantime.
//
// # Usage
//
//	core := fifo.New(1024)
//	rx := pool.New(8, 4, 512)
//	tx := pool.New(8, 4, 512)
//	drv := otg.New(core, core, rx, tx, otg.DefaultConfig())
//
//	if err := drv.Initialize(); err != nil {
//	    return err
//	}
//	if err := drv.Enable(); err != nil {
//	    return err
//	}
//	drv.Connect()
//
//	// interrupt handler
//	drv.Poll(func(ev hal.Event, ep uint8) { ... })
//
//	// task
//	buf, err := drv.WaitRxBuffer(ctx, 2)
//	...
//	drv.ReleaseRxBuffer(2, buf)
package otg
