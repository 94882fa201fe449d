// Package hal defines the generic contract between a USB device-controller
// driver and the layers above it.
//
// The contract has three parts:
//
//   - [Driver]: the configuration surface used during enumeration
//     (enable, connect, address, endpoint configuration, stall control)
//     and the [Driver.Poll] entry point invoked once per interrupt
//   - [EventCallback]: semantic events ([EventReset], [EventEnumDone],
//     [EventEPTx], ...) delivered synchronously from interrupt context
//   - [BufferPool]: the per-endpoint buffer capability the driver borrows
//     memory from; see [github.com/ardnew/otgusb/device/pool]
//
// # Interrupt Context
//
// Poll runs in interrupt context. It never blocks and only uses the
// non-blocking Try* operations of a [BufferPool]. Task-side operations
// that touch state shared with Poll mask the controller interrupt through
// an [IRQ] for their duration.
//
// # Buffer Ownership
//
// A [Buffer] has exactly one owner at a time. Handing a buffer to the
// driver (enqueue for transmission) or back to the pool (release after
// reception) transfers ownership; the caller must not touch it afterwards.
//
// A driver for the DWC2-style OTG core is available in
// [github.com/ardnew/otgusb/device/hal/otg], and a simulated core for
// testing in [github.com/ardnew/otgusb/device/hal/fifo].
package hal
