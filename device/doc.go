// Package device holds the device-side protocol layer above the OTG driver:
// descriptor encoding and a [Responder] that answers the standard requests
// of chapter 9 on endpoint 0.
//
// The responder drives the controller through the small [Controller]
// interface, which [github.com/ardnew/otgusb/device/hal/otg.Driver]
// satisfies. A control task hands each setup stage to [Responder.Answer]
// and each endpoint 0 IN completion (EventEPTx) to [Responder.Continue],
// which loads the next packet of a data stage longer than the control
// packet size:
//
//	r := device.NewResponder(drv, device.DeviceDescriptor{
//	    USBVersion:     0x0200,
//	    MaxPacketSize0: 64,
//	    VendorID:       0x1209,
//	    ProductID:      0x0001,
//	}, device.Configuration{Value: 1, Endpoints: eps})
//
//	for e := range ep0Events {
//	    if e.sent {
//	        if err := r.Continue(); err != nil {
//	            return err
//	        }
//	        continue
//	    }
//	    if err := r.Answer(e.setup); err != nil && !errors.Is(err, pkg.ErrStall) {
//	        return err
//	    }
//	}
//
// Requests the device does not implement are answered with a protocol
// stall on endpoint 0.
//
// Descriptors serialize with MarshalTo into caller-provided buffers, and
// the Parse functions accept the host's view of the same bytes.
package device
