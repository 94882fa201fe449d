// Package fifo implements a simulated DWC2-style USB OTG core for testing
// and simulation of the otg driver without hardware.
//
// A [Core] is a register bank and an interrupt line. The driver reads and
// writes it through [github.com/ardnew/otgusb/device/hal/otg/reg.Bank] and
// masks it through [github.com/ardnew/otgusb/device/hal.IRQ]; the test or
// scenario plays the host through the methods that inject bus traffic.
//
// # Register Semantics
//
// The core models the parts of the register file the driver relies on:
//
//   - GINTSTS, GOTGINT, DIEPINTn and DOEPINTn are write-one-to-clear
//   - GINTSTS.RXFLVL, IEPINT and OEPINT are computed from FIFO and
//     endpoint state, never latched
//   - GRSTCTL resets and flushes complete immediately; AHBIDL always reads 1
//   - reading GRXSTSP pops one receive status entry; reading any FIFO
//     address then pops that entry's data words
//   - writing FIFO(n) pushes a word into IN endpoint n's transmit FIFO
//   - CNAK, SNAK, SD0PID, SD1PID and EPDIS in DxEPCTLn act on NAKSTS,
//     DPID and EPENA and never read back
//
// # FIFO Memory
//
// Receive entries count against GRXFSIZ; transmit words count against the
// depth programmed in DIEPTXF0 or DIEPTXFn, reported through DTXFSTSn.
//
// # Host Side
//
//	core := fifo.New(1024)
//	drv := otg.New(core, core, rx, tx, otg.DefaultConfig())
//	...
//	core.BusReset()
//	core.Fire(func() { drv.Poll(cb) })
//	core.SendSetup(hal.SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Length: 18})
//	core.Service(func() { drv.Poll(cb) }, 16)
//	data, ok := core.CollectIn(0)
//
// An OUT transaction is refused (SendOut returns false) while the endpoint
// is disabled, NAKing or stalled, which is how tests observe receive
// backpressure.
package fifo
