package device

import (
	"bytes"
	"errors"
	"slices"
	"testing"

	"github.com/ardnew/otgusb/device/hal"
	"github.com/ardnew/otgusb/pkg"
)

// fakeController records what the responder asks of the driver.
type fakeController struct {
	address  uint8
	active   uint8
	eps      []hal.EndpointConfig
	stalled  map[uint8]bool
	written  [][]byte
	writeErr error
	ep0      int
}

func newFakeController() *fakeController {
	return &fakeController{stalled: map[uint8]bool{}, ep0: 64}
}

func (f *fakeController) SetAddress(addr uint8) error {
	if addr > 0x7F {
		return pkg.ErrInvalidParameter
	}
	f.address = addr
	return nil
}

func (f *fakeController) ConfigureEndpoints(value uint8, eps []hal.EndpointConfig) error {
	f.active = value
	f.eps = eps
	return nil
}

func (f *fakeController) EPStall(ep uint8) { f.stalled[ep] = true }
func (f *fakeController) EPUnstall(ep uint8) { delete(f.stalled, ep) }
func (f *fakeController) EPIsStalled(ep uint8) bool { return f.stalled[ep] }

func (f *fakeController) Status() hal.Status {
	return hal.Status{EP0Size: uint16(f.ep0), ActiveConfig: f.active}
}

func (f *fakeController) EndpointType(ep uint8) hal.EndpointType {
	if f.active == 0 {
		return hal.TypeUnconfigured
	}
	for _, cfg := range f.eps {
		if cfg.Address == ep {
			return cfg.Type
		}
	}
	return hal.TypeUnconfigured
}

func (f *fakeController) Write(ep uint8, data []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	if len(data) > f.ep0 {
		data = data[:f.ep0]
	}
	f.written = append(f.written, append([]byte{}, data...))
	return len(data), nil
}

func (f *fakeController) sizes() []int {
	var n []int
	for _, p := range f.written {
		n = append(n, len(p))
	}
	return n
}

func (f *fakeController) last() []byte {
	if len(f.written) == 0 {
		return nil
	}
	return f.written[len(f.written)-1]
}

func setupResponder() (*Responder, *fakeController) {
	ctl := newFakeController()
	r := NewResponder(ctl, DeviceDescriptor{
		USBVersion:        0x0200,
		DeviceClass:       ClassVendor,
		MaxPacketSize0:    64,
		VendorID:          0x1209,
		ProductID:         0x0001,
		ManufacturerIndex: 1,
		ProductIndex:      2,
	}, testConfiguration(), "Test Manufacturer", "Test Product")
	return r, ctl
}

func mustAnswer(t *testing.T, r *Responder, req hal.SetupPacket) {
	t.Helper()
	if err := r.Answer(req); err != nil {
		t.Fatalf("Answer(%s) error = %v", req.String(), err)
	}
}

func TestNewResponderDefaultsConfigurationCount(t *testing.T) {
	r, _ := setupResponder()
	if r.Device.NumConfigurations != 1 {
		t.Errorf("NumConfigurations = %d, want 1", r.Device.NumConfigurations)
	}
}

func TestAnswerGetDeviceDescriptor(t *testing.T) {
	r, ctl := setupResponder()
	mustAnswer(t, r, hal.SetupPacket{RequestType: 0x80, Request: RequestGetDescriptor, Value: 0x0100, Length: 64})

	var desc DeviceDescriptor
	if err := ParseDeviceDescriptor(ctl.last(), &desc); err != nil {
		t.Fatalf("ParseDeviceDescriptor() error = %v", err)
	}
	if desc.VendorID != 0x1209 || desc.NumConfigurations != 1 {
		t.Errorf("descriptor = %+v", desc)
	}
}

func TestAnswerTruncatesToLength(t *testing.T) {
	r, ctl := setupResponder()
	mustAnswer(t, r, hal.SetupPacket{RequestType: 0x80, Request: RequestGetDescriptor, Value: 0x0100, Length: 8})
	if got := ctl.last(); len(got) != 8 || got[0] != DeviceDescriptorSize {
		t.Errorf("response = % X, want the first 8 bytes", got)
	}
}

func TestAnswerGetConfigurationDescriptor(t *testing.T) {
	r, ctl := setupResponder()

	// Hosts read the header first, then the whole set.
	mustAnswer(t, r, hal.SetupPacket{RequestType: 0x80, Request: RequestGetDescriptor, Value: 0x0200, Length: 9})
	head := ctl.last()
	if len(head) != 9 || head[2] != 39 {
		t.Fatalf("header = % X", head)
	}
	mustAnswer(t, r, hal.SetupPacket{RequestType: 0x80, Request: RequestGetDescriptor, Value: 0x0200, Length: 39})
	cfg, err := ParseConfiguration(ctl.last())
	if err != nil {
		t.Fatalf("ParseConfiguration() error = %v", err)
	}
	if len(cfg.Endpoints) != 3 {
		t.Errorf("configuration has %d endpoints, want 3", len(cfg.Endpoints))
	}

	err = r.Answer(hal.SetupPacket{RequestType: 0x80, Request: RequestGetDescriptor, Value: 0x0201, Length: 9})
	if !errors.Is(err, pkg.ErrStall) || !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("second configuration error = %v, want a stall", err)
	}
}

func TestAnswerGetStringDescriptor(t *testing.T) {
	r, ctl := setupResponder()

	mustAnswer(t, r, hal.SetupPacket{RequestType: 0x80, Request: RequestGetDescriptor, Value: 0x0300, Length: 255})
	if !bytes.Equal(ctl.last(), []byte{4, DescriptorTypeString, 0x09, 0x04}) {
		t.Errorf("language table = % X", ctl.last())
	}

	mustAnswer(t, r, hal.SetupPacket{RequestType: 0x80, Request: RequestGetDescriptor, Value: 0x0302, Length: 255})
	if got := ctl.last(); len(got) != 2+2*len("Test Product") || got[2] != 'T' {
		t.Errorf("product string = % X", got)
	}

	if err := r.Answer(hal.SetupPacket{RequestType: 0x80, Request: RequestGetDescriptor, Value: 0x0303, Length: 255}); !errors.Is(err, pkg.ErrStall) {
		t.Errorf("missing string error = %v, want ErrStall", err)
	}
}

func TestAnswerSetAddress(t *testing.T) {
	r, ctl := setupResponder()
	mustAnswer(t, r, hal.SetupPacket{Request: RequestSetAddress, Value: 9})
	if ctl.address != 9 {
		t.Errorf("address = %d, want 9", ctl.address)
	}
	if got := ctl.last(); got == nil || len(got) != 0 {
		t.Errorf("status stage = %v, want a zero-length packet", got)
	}

	err := r.Answer(hal.SetupPacket{Request: RequestSetAddress, Value: 0x80})
	if !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("address 0x80 error = %v, want ErrInvalidParameter", err)
	}
	if !ctl.stalled[hal.DirIn] || !ctl.stalled[hal.DirOut] {
		t.Error("a failed request should stall both directions of endpoint 0")
	}
}

func TestAnswerSetConfiguration(t *testing.T) {
	r, ctl := setupResponder()

	mustAnswer(t, r, hal.SetupPacket{Request: RequestSetConfiguration, Value: 1})
	if ctl.active != 1 || len(ctl.eps) != 3 {
		t.Errorf("active %d with %d endpoints, want 1 and 3", ctl.active, len(ctl.eps))
	}

	mustAnswer(t, r, hal.SetupPacket{RequestType: 0x80, Request: RequestGetConfiguration, Length: 1})
	if !bytes.Equal(ctl.last(), []byte{1}) {
		t.Errorf("GET_CONFIGURATION = % X, want 01", ctl.last())
	}

	if err := r.Answer(hal.SetupPacket{Request: RequestSetConfiguration, Value: 2}); !errors.Is(err, pkg.ErrStall) {
		t.Errorf("configuration 2 error = %v, want ErrStall", err)
	}
	if ctl.active != 1 {
		t.Error("a rejected configuration should leave the active one alone")
	}

	mustAnswer(t, r, hal.SetupPacket{Request: RequestSetConfiguration, Value: 0})
	if ctl.active != 0 {
		t.Errorf("active = %d after SET_CONFIGURATION(0)", ctl.active)
	}
}

func TestAnswerDeviceStatusAndRemoteWakeup(t *testing.T) {
	r, ctl := setupResponder()

	getStatus := hal.SetupPacket{RequestType: 0x80, Request: RequestGetStatus, Length: 2}
	mustAnswer(t, r, getStatus)
	if !bytes.Equal(ctl.last(), []byte{0x01, 0x00}) {
		t.Errorf("status = % X, want self-powered", ctl.last())
	}

	mustAnswer(t, r, hal.SetupPacket{Request: RequestSetFeature, Value: FeatureDeviceRemoteWakeup})
	if !r.RemoteWakeup() {
		t.Error("remote wakeup should be enabled")
	}
	mustAnswer(t, r, getStatus)
	if !bytes.Equal(ctl.last(), []byte{0x03, 0x00}) {
		t.Errorf("status = % X, want self-powered and remote wakeup", ctl.last())
	}

	mustAnswer(t, r, hal.SetupPacket{Request: RequestClearFeature, Value: FeatureDeviceRemoteWakeup})
	if r.RemoteWakeup() {
		t.Error("remote wakeup should be disabled")
	}

	err := r.Answer(hal.SetupPacket{Request: RequestSetFeature, Value: FeatureTestMode})
	if !errors.Is(err, pkg.ErrNotSupported) {
		t.Errorf("TEST_MODE error = %v, want ErrNotSupported", err)
	}
}

func TestAnswerInterfaceRequests(t *testing.T) {
	r, ctl := setupResponder()

	getIface := hal.SetupPacket{RequestType: 0x81, Request: RequestGetInterface, Length: 1}
	if err := r.Answer(getIface); !errors.Is(err, pkg.ErrNotConfigured) {
		t.Errorf("GET_INTERFACE unconfigured error = %v, want ErrNotConfigured", err)
	}

	mustAnswer(t, r, hal.SetupPacket{Request: RequestSetConfiguration, Value: 1})
	mustAnswer(t, r, getIface)
	if !bytes.Equal(ctl.last(), []byte{0}) {
		t.Errorf("GET_INTERFACE = % X", ctl.last())
	}
	mustAnswer(t, r, hal.SetupPacket{RequestType: 0x81, Request: RequestGetStatus, Length: 2})
	mustAnswer(t, r, hal.SetupPacket{RequestType: 0x01, Request: RequestSetInterface})

	if err := r.Answer(hal.SetupPacket{RequestType: 0x01, Request: RequestSetInterface, Value: 1}); !errors.Is(err, pkg.ErrNotSupported) {
		t.Errorf("alternate 1 error = %v, want ErrNotSupported", err)
	}
	if err := r.Answer(hal.SetupPacket{RequestType: 0x81, Request: RequestGetInterface, Index: 1, Length: 1}); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("interface 1 error = %v, want ErrInvalidParameter", err)
	}
}

func TestAnswerEndpointHalt(t *testing.T) {
	r, ctl := setupResponder()
	mustAnswer(t, r, hal.SetupPacket{Request: RequestSetConfiguration, Value: 1})

	mustAnswer(t, r, hal.SetupPacket{RequestType: 0x02, Request: RequestSetFeature, Value: FeatureEndpointHalt, Index: 0x81})
	if !ctl.stalled[0x81] {
		t.Error("SET_FEATURE(ENDPOINT_HALT) should stall 0x81")
	}
	mustAnswer(t, r, hal.SetupPacket{RequestType: 0x82, Request: RequestGetStatus, Index: 0x81, Length: 2})
	if !bytes.Equal(ctl.last(), []byte{0x01, 0x00}) {
		t.Errorf("endpoint status = % X, want halted", ctl.last())
	}

	mustAnswer(t, r, hal.SetupPacket{RequestType: 0x02, Request: RequestClearFeature, Value: FeatureEndpointHalt, Index: 0x81})
	if ctl.stalled[0x81] {
		t.Error("CLEAR_FEATURE(ENDPOINT_HALT) should unstall 0x81")
	}

	// Halting the control endpoint is accepted and ignored.
	mustAnswer(t, r, hal.SetupPacket{RequestType: 0x02, Request: RequestSetFeature, Value: FeatureEndpointHalt, Index: 0x80})
	if ctl.stalled[0x80] {
		t.Error("endpoint 0 should not be halted")
	}

	for _, index := range []uint16{0x04, 0x82, 0x0181, 0x11} {
		req := hal.SetupPacket{RequestType: 0x82, Request: RequestGetStatus, Index: index, Length: 2}
		if err := r.Answer(req); !errors.Is(err, pkg.ErrInvalidEndpoint) {
			t.Errorf("GET_STATUS(0x%04X) error = %v, want ErrInvalidEndpoint", index, err)
		}
	}
}

func TestAnswerUnsupported(t *testing.T) {
	tests := []struct {
		name string
		req  hal.SetupPacket
	}{
		{"class request", hal.SetupPacket{RequestType: 0xA1, Request: 0x01, Length: 1}},
		{"vendor request", hal.SetupPacket{RequestType: 0xC0, Request: 0x42, Length: 4}},
		{"unknown device request", hal.SetupPacket{RequestType: 0x80, Request: 0xFE, Length: 2}},
		{"set descriptor", hal.SetupPacket{Request: RequestSetDescriptor, Value: 0x0100, Length: 18}},
		{"synch frame", hal.SetupPacket{RequestType: 0x82, Request: RequestSynchFrame, Length: 2}},
		{"other recipient", hal.SetupPacket{RequestType: 0x83, Request: RequestGetStatus, Length: 2}},
		{"device qualifier", hal.SetupPacket{RequestType: 0x80, Request: RequestGetDescriptor, Value: 0x0600, Length: 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ctl := setupResponder()
			err := r.Answer(tt.req)
			if !errors.Is(err, pkg.ErrStall) {
				t.Fatalf("Answer() error = %v, want ErrStall", err)
			}
			if !ctl.stalled[hal.DirIn] || !ctl.stalled[hal.DirOut] {
				t.Error("endpoint 0 should be stalled in both directions")
			}
			if len(ctl.written) != 0 {
				t.Error("a stalled request should not write a response")
			}
		})
	}
}

func TestAnswerWriteError(t *testing.T) {
	r, ctl := setupResponder()
	ctl.writeErr = pkg.ErrFIFOFull
	err := r.Answer(hal.SetupPacket{RequestType: 0x80, Request: RequestGetDescriptor, Value: 0x0100, Length: 18})
	if !errors.Is(err, pkg.ErrFIFOFull) || errors.Is(err, pkg.ErrStall) {
		t.Errorf("Answer() error = %v, want ErrFIFOFull", err)
	}
}

func TestAnswerSplitsDataStage(t *testing.T) {
	r, ctl := setupResponder()
	ctl.ep0 = 8

	mustAnswer(t, r, hal.SetupPacket{RequestType: 0x80, Request: RequestGetDescriptor, Value: 0x0100, Length: 64})
	if !r.Sending() {
		t.Fatal("Sending() = false after the first of three packets")
	}
	for r.Sending() {
		if err := r.Continue(); err != nil {
			t.Fatalf("Continue() error = %v", err)
		}
	}
	if got := ctl.sizes(); !slices.Equal(got, []int{8, 8, 2}) {
		t.Errorf("packets = %v, want [8 8 2]", got)
	}
	var desc DeviceDescriptor
	if err := ParseDeviceDescriptor(bytes.Join(ctl.written, nil), &desc); err != nil {
		t.Fatalf("ParseDeviceDescriptor() error = %v", err)
	}

	// Nothing left to send.
	if err := r.Continue(); err != nil || len(ctl.written) != 3 {
		t.Errorf("Continue() = %v with %d writes, want no write", err, len(ctl.written))
	}
}

func TestAnswerZeroLengthPacket(t *testing.T) {
	tests := []struct {
		name   string
		length uint16
		want   []int
	}{
		{"short of wLength", 255, []int{8, 0}},
		{"exactly wLength", 8, []int{8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctl := newFakeController()
			ctl.ep0 = 8
			// "abc" is a string descriptor of exactly one 8-byte packet.
			r := NewResponder(ctl, DeviceDescriptor{MaxPacketSize0: 8}, testConfiguration(), "abc")

			mustAnswer(t, r, hal.SetupPacket{RequestType: 0x80, Request: RequestGetDescriptor, Value: 0x0301, Length: tt.length})
			for r.Sending() {
				if err := r.Continue(); err != nil {
					t.Fatalf("Continue() error = %v", err)
				}
			}
			if got := ctl.sizes(); !slices.Equal(got, tt.want) {
				t.Errorf("packets = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAnswerAbandonsDataStage(t *testing.T) {
	r, ctl := setupResponder()
	ctl.ep0 = 8
	mustAnswer(t, r, hal.SetupPacket{RequestType: 0x80, Request: RequestGetDescriptor, Value: 0x0100, Length: 64})

	// A new setup stage replaces the unfinished one.
	mustAnswer(t, r, hal.SetupPacket{Request: RequestSetAddress, Value: 3})
	if r.Sending() {
		t.Error("Sending() = true after a no-data request")
	}
	if got := ctl.sizes(); !slices.Equal(got, []int{8, 0}) {
		t.Errorf("packets = %v, want [8 0]", got)
	}
}
