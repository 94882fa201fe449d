package device

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/otgusb/device/hal"
	"github.com/ardnew/otgusb/pkg"
)

// Standard request codes (USB 2.0 Table 9-4).
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetDescriptor    = 0x07
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
	RequestSynchFrame       = 0x0C
)

// bmRequestType fields.
const (
	RequestTypeMask     = 0x60
	RequestTypeStandard = 0x00

	RecipientMask      = 0x1F
	RecipientDevice    = 0x00
	RecipientInterface = 0x01
	RecipientEndpoint  = 0x02
)

// Feature selectors.
const (
	FeatureEndpointHalt       = 0x00
	FeatureDeviceRemoteWakeup = 0x01
	FeatureTestMode           = 0x02
)

// maxResponse bounds a single control IN response.
const maxResponse = 512

// Controller is the part of the device driver the responder drives.
// *otg.Driver satisfies it.
type Controller interface {
	SetAddress(addr uint8) error
	ConfigureEndpoints(value uint8, eps []hal.EndpointConfig) error
	EPStall(ep uint8)
	EPUnstall(ep uint8)
	EPIsStalled(ep uint8) bool
	EndpointType(ep uint8) hal.EndpointType
	Status() hal.Status
	Write(ep uint8, data []byte) (int, error)
}

// Responder answers standard requests on endpoint 0 for a device with one
// configuration. Answer is called from task context once per setup stage,
// and Continue once per EventEPTx on endpoint 0. It is not safe for
// concurrent use.
type Responder struct {
	Device  DeviceDescriptor
	Config  Configuration
	Strings []string // String descriptor i is Strings[i-1]

	ctl          Controller
	remoteWakeup bool
	buf          [maxResponse]byte

	// IN data stage in progress: the bytes not yet loaded, and whether a
	// zero-length packet must follow a final full packet.
	sending bool
	pending []byte
	zlp     bool
}

// NewResponder returns a responder that drives ctl.
func NewResponder(ctl Controller, dev DeviceDescriptor, cfg Configuration, strings ...string) *Responder {
	if dev.NumConfigurations == 0 {
		dev.NumConfigurations = 1
	}
	return &Responder{Device: dev, Config: cfg, Strings: strings, ctl: ctl}
}

// RemoteWakeup reports whether the host has enabled remote wakeup.
func (r *Responder) RemoteWakeup() bool {
	return r.remoteWakeup
}

// Answer starts the data or status stage of req. An IN response goes out
// one control packet at a time: Answer loads the first and Continue the
// rest. A request the device does not support stalls both directions of
// endpoint 0 and returns an error wrapping pkg.ErrStall; the next setup
// stage clears the stall.
func (r *Responder) Answer(req hal.SetupPacket) error {
	r.sending = false
	data, err := r.handle(&req)
	if err != nil {
		r.ctl.EPStall(hal.DirIn)
		r.ctl.EPStall(hal.DirOut)
		pkg.LogDebug(pkg.ComponentControl, "request stalled", "setup", req.String(), "error", err)
		return fmt.Errorf("%s: %w: %w", req.String(), pkg.ErrStall, err)
	}
	if !req.IsDeviceToHost() {
		if _, err := r.ctl.Write(0, nil); err != nil {
			return fmt.Errorf("%s: status: %w", req.String(), err)
		}
		return nil
	}
	data = data[:min(len(data), int(req.Length))]
	r.sending, r.pending = true, data
	r.zlp = len(data) < int(req.Length) && len(data)%r.packetSize() == 0
	if err := r.next(); err != nil {
		return fmt.Errorf("%s: %w", req.String(), err)
	}
	return nil
}

// Continue loads the next packet of the IN data stage after the previous
// one was sent. It does nothing when no data stage is in progress.
func (r *Responder) Continue() error {
	if err := r.next(); err != nil {
		return fmt.Errorf("data stage: %w", err)
	}
	return nil
}

// Sending reports whether an IN data stage still has packets to load.
func (r *Responder) Sending() bool {
	return r.sending
}

func (r *Responder) next() error {
	if !r.sending {
		return nil
	}
	n, err := r.ctl.Write(0, r.pending)
	if err != nil {
		r.sending = false
		return err
	}
	r.pending = r.pending[n:]
	// A final full packet is followed by a zero-length one when the host
	// asked for more.
	r.sending = len(r.pending) > 0 || (n == r.packetSize() && r.zlp)
	pkg.LogDebug(pkg.ComponentControl, "data packet", "count", n, "left", len(r.pending))
	return nil
}

func (r *Responder) packetSize() int {
	if n := int(r.ctl.Status().EP0Size); n > 0 {
		return n
	}
	return 64
}

func (r *Responder) handle(req *hal.SetupPacket) ([]byte, error) {
	if req.RequestType&RequestTypeMask != RequestTypeStandard {
		return nil, pkg.ErrNotSupported
	}
	switch req.RequestType & RecipientMask {
	case RecipientDevice:
		return r.deviceRequest(req)
	case RecipientInterface:
		return r.interfaceRequest(req)
	case RecipientEndpoint:
		return r.endpointRequest(req)
	}
	return nil, pkg.ErrNotSupported
}

func (r *Responder) deviceRequest(req *hal.SetupPacket) ([]byte, error) {
	switch req.Request {
	case RequestGetStatus:
		var status uint16
		if r.Config.Attributes&ConfigAttrSelfPowered != 0 {
			status |= 1 << 0
		}
		if r.remoteWakeup {
			status |= 1 << 1
		}
		return r.word(status), nil

	case RequestClearFeature, RequestSetFeature:
		if req.Value != FeatureDeviceRemoteWakeup {
			return nil, pkg.ErrNotSupported
		}
		r.remoteWakeup = req.Request == RequestSetFeature
		return nil, nil

	case RequestSetAddress:
		if req.Index != 0 || req.Length != 0 {
			return nil, pkg.ErrInvalidParameter
		}
		return nil, r.ctl.SetAddress(uint8(min(req.Value, 0xFF)))

	case RequestGetDescriptor:
		return r.descriptor(req)

	case RequestGetConfiguration:
		r.buf[0] = r.ctl.Status().ActiveConfig
		return r.buf[:1], nil

	case RequestSetConfiguration:
		switch value := uint8(req.Value); {
		case req.Value > 0xFF:
			return nil, pkg.ErrInvalidParameter
		case value == 0:
			return nil, r.ctl.ConfigureEndpoints(0, nil)
		case value == r.Config.Value:
			return nil, r.ctl.ConfigureEndpoints(value, r.Config.Endpoints)
		}
		return nil, pkg.ErrInvalidParameter
	}
	return nil, pkg.ErrNotSupported
}

func (r *Responder) descriptor(req *hal.SetupPacket) ([]byte, error) {
	typ, index := uint8(req.Value>>8), uint8(req.Value)
	var n int
	switch typ {
	case DescriptorTypeDevice:
		n = r.Device.MarshalTo(r.buf[:])
	case DescriptorTypeConfiguration:
		if index != 0 {
			return nil, pkg.ErrInvalidParameter
		}
		n = r.Config.MarshalTo(r.buf[:])
	case DescriptorTypeString:
		switch {
		case index == 0:
			n = LanguageDescriptorTo(r.buf[:], LangIDUSEnglish)
		case int(index) <= len(r.Strings):
			n = StringDescriptorTo(r.buf[:], r.Strings[index-1])
		default:
			return nil, pkg.ErrInvalidParameter
		}
	default:
		return nil, pkg.ErrNotSupported
	}
	if n == 0 {
		return nil, pkg.ErrBufferTooSmall
	}
	return r.buf[:n], nil
}

// Interface requests are valid only in the configured state and only for
// interface 0, alternate setting 0.
func (r *Responder) interfaceRequest(req *hal.SetupPacket) ([]byte, error) {
	if r.ctl.Status().ActiveConfig == 0 {
		return nil, pkg.ErrNotConfigured
	}
	if req.Index != 0 {
		return nil, pkg.ErrInvalidParameter
	}
	switch req.Request {
	case RequestGetStatus:
		return r.word(0), nil
	case RequestGetInterface:
		r.buf[0] = 0
		return r.buf[:1], nil
	case RequestSetInterface:
		if req.Value != 0 {
			return nil, pkg.ErrNotSupported
		}
		return nil, nil
	}
	return nil, pkg.ErrNotSupported
}

func (r *Responder) endpointRequest(req *hal.SetupPacket) ([]byte, error) {
	if req.Index > 0xFF || req.Index&0x70 != 0 {
		return nil, pkg.ErrInvalidEndpoint
	}
	ep := uint8(req.Index)
	data := ep&hal.AddressMask != 0
	if data && r.ctl.EndpointType(ep) == hal.TypeUnconfigured {
		return nil, pkg.ErrInvalidEndpoint
	}
	switch req.Request {
	case RequestGetStatus:
		var status uint16
		if data && r.ctl.EPIsStalled(ep) {
			status = 1
		}
		return r.word(status), nil

	case RequestClearFeature, RequestSetFeature:
		if req.Value != FeatureEndpointHalt {
			return nil, pkg.ErrNotSupported
		}
		// Halting endpoint 0 is a no-op; it would swallow the status stage.
		if !data {
			return nil, nil
		}
		if req.Request == RequestSetFeature {
			r.ctl.EPStall(ep)
		} else {
			r.ctl.EPUnstall(ep)
		}
		return nil, nil
	}
	return nil, pkg.ErrNotSupported
}

func (r *Responder) word(v uint16) []byte {
	binary.LittleEndian.PutUint16(r.buf[:2], v)
	return r.buf[:2]
}
