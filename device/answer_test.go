package device_test

import (
	"bytes"
	"slices"
	"testing"

	"github.com/ardnew/otgusb/device"
	"github.com/ardnew/otgusb/device/hal"
	"github.com/ardnew/otgusb/device/hal/fifo"
	"github.com/ardnew/otgusb/device/hal/otg"
	"github.com/ardnew/otgusb/device/pool"
)

// bench is a responder on a real driver over the simulated core, with
// endpoint 0 at 8 bytes.
type bench struct {
	t    *testing.T
	core *fifo.Core
	drv  *otg.Driver
	resp *device.Responder
	sent int
}

func newBench(t *testing.T, strings ...string) *bench {
	t.Helper()
	cfg := otg.DefaultConfig()
	b := &bench{t: t, core: fifo.New(int(cfg.FIFOWords))}
	rx := pool.New(cfg.NumEndpoints, 2, 64)
	tx := pool.New(cfg.NumEndpoints, 2, 64)
	b.drv = otg.New(b.core, b.core, rx, tx, cfg)
	t.Cleanup(func() {
		rx.Close()
		tx.Close()
	})

	for _, step := range []func() error{b.drv.Initialize, b.drv.Enable, b.drv.Connect} {
		if err := step(); err != nil {
			t.Fatalf("bring-up error = %v", err)
		}
	}
	b.core.BusReset()
	b.service()
	b.core.EnumDone(hal.SpeedFull)
	b.service()
	if err := b.drv.EPConfig(hal.EndpointConfig{Type: hal.TypeControl, MaxPacketSize: 8}); err != nil {
		t.Fatalf("EPConfig(ep0) error = %v", err)
	}
	b.resp = device.NewResponder(b.drv, device.DeviceDescriptor{
		USBVersion:     0x0200,
		MaxPacketSize0: 8,
		VendorID:       0x1209,
	}, device.Configuration{Value: 1}, strings...)
	return b
}

func (b *bench) service() {
	b.core.Service(func() {
		b.drv.Poll(func(ev hal.Event, _ uint8) {
			if ev == hal.EventEPTx {
				b.sent++
			}
		})
	}, 64)
}

// read runs a control read the way a host would: one IN token per packet
// until a short one, feeding the responder after every completion.
func (b *bench) read(req hal.SetupPacket) []int {
	b.t.Helper()
	if !b.core.SendSetup(req) {
		b.t.Fatal("SendSetup() refused")
	}
	b.service()
	if err := b.resp.Answer(b.drv.Setup()); err != nil {
		b.t.Fatalf("Answer() error = %v", err)
	}

	var sizes []int
	var data []byte
	for {
		p, ok := b.core.CollectIn(0)
		if !ok {
			b.t.Fatalf("IN token %d not answered", len(sizes))
		}
		sizes = append(sizes, len(p))
		data = append(data, p...)
		b.sent = 0
		b.service()
		if b.sent != 1 {
			b.t.Fatalf("IN token %d raised %d EventEPTx", len(sizes), b.sent)
		}
		if err := b.resp.Continue(); err != nil {
			b.t.Fatalf("Continue() error = %v", err)
		}
		if len(p) < 8 || len(data) >= int(req.Length) {
			break
		}
	}
	if got := b.drv.Status().Control; got != hal.StateStatusOut {
		b.t.Errorf("control = %v after the data stage, want STATUS_OUT", got)
	}
	if !b.core.SendOut(0, nil) {
		b.t.Fatal("status OUT NAKed")
	}
	b.service()
	if got := b.drv.Status().Control; got != hal.StateIdle {
		b.t.Errorf("control = %v after the status stage, want IDLE", got)
	}
	return sizes
}

func TestResponderDeviceDescriptorInPackets(t *testing.T) {
	b := newBench(t)
	got := b.read(hal.SetupPacket{RequestType: 0x80, Request: device.RequestGetDescriptor, Value: 0x0100, Length: 64})
	if !slices.Equal(got, []int{8, 8, 2}) {
		t.Errorf("packets = %v, want [8 8 2]", got)
	}
}

func TestResponderZeroLengthPacket(t *testing.T) {
	b := newBench(t, "abc")
	got := b.read(hal.SetupPacket{RequestType: 0x80, Request: device.RequestGetDescriptor, Value: 0x0301, Length: 255})
	if !slices.Equal(got, []int{8, 0}) {
		t.Errorf("packets = %v, want [8 0]", got)
	}
	if b.resp.Sending() {
		t.Error("Sending() = true after the zero-length packet")
	}
}

func TestResponderConfigurationDescriptor(t *testing.T) {
	b := newBench(t)
	b.resp.Config.Endpoints = []hal.EndpointConfig{
		{Address: 0x81, Type: hal.TypeBulk, MaxPacketSize: 64},
		{Address: 0x01, Type: hal.TypeBulk, MaxPacketSize: 64},
	}
	want := make([]byte, b.resp.Config.Size())
	b.resp.Config.MarshalTo(want)

	req := hal.SetupPacket{RequestType: 0x80, Request: device.RequestGetDescriptor, Value: 0x0200, Length: uint16(len(want))}
	if !b.core.SendSetup(req) {
		t.Fatal("SendSetup() refused")
	}
	b.service()
	if err := b.resp.Answer(b.drv.Setup()); err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	var got []byte
	for len(got) < len(want) {
		p, ok := b.core.CollectIn(0)
		if !ok {
			t.Fatalf("IN token not answered after %d bytes", len(got))
		}
		got = append(got, p...)
		b.service()
		if err := b.resp.Continue(); err != nil {
			t.Fatalf("Continue() error = %v", err)
		}
	}
	if !bytes.Equal(got, want) {
		t.Errorf("configuration = % X\nwant % X", got, want)
	}
	if _, ok := b.core.CollectIn(0); ok {
		t.Error("an exact-length reply should not be followed by a zero-length packet")
	}
}
