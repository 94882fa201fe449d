// Package scenario runs a loopback session against the simulated core.
//
// Four goroutines share one core: the interrupt pump services the driver,
// the control task answers requests on endpoint 0, the echo task copies
// every OUT packet back on the IN endpoint, and the host enumerates the
// device and then exchanges packets, checking each echo.
package scenario

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/otgusb/device"
	"github.com/ardnew/otgusb/device/hal"
	"github.com/ardnew/otgusb/device/hal/fifo"
	"github.com/ardnew/otgusb/device/hal/otg"
	"github.com/ardnew/otgusb/device/pool"
	"github.com/ardnew/otgusb/internal/config"
	"github.com/ardnew/otgusb/internal/trace"
	"github.com/ardnew/otgusb/pkg"
)

// ErrMismatch is returned when an echoed packet differs from the one sent.
var ErrMismatch = errors.New("echo mismatch")

const (
	pollInterval = 20 * time.Microsecond
	serviceLimit = 64
)

// Identity of the simulated device.
const (
	vendorID  = 0x1209
	productID = 0x0001
)

// Result summarises a completed run.
type Result struct {
	Address       uint8
	Configuration uint8
	Speed         hal.Speed
	Descriptor    []byte
	Endpoints     []hal.EndpointConfig // As described by the configuration descriptor
	Windows       []otg.Window
	Packets       int
	Bytes         int
	Interrupts    uint64
	Events        map[hal.Event]uint64
	Elapsed       time.Duration
}

// Runner runs loopback sessions. Only one session runs at a time.
type Runner struct {
	cfg config.Config
	rec *trace.Recorder

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New returns a runner for cfg. rec may be nil.
func New(cfg config.Config, rec *trace.Recorder) *Runner {
	return &Runner{cfg: cfg, rec: rec}
}

// Running reports whether a session is in progress.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

// Stop cancels the session in progress.
func (r *Runner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil {
		return pkg.ErrNotRunning
	}
	r.cancel()
	return nil
}

// Run builds a fresh core, driver and pools, runs one session to
// completion and tears everything down. The session is bounded by the
// configured timeout.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return Result{}, pkg.ErrAlreadyRunning
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Scenario.Timeout)
	r.cancel = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.cancel = nil
		r.mu.Unlock()
		cancel()
	}()

	s, err := newSession(r.cfg, r.rec)
	if err != nil {
		return Result{}, err
	}
	defer s.close()

	start := time.Now()
	if err := s.boot(); err != nil {
		return Result{}, err
	}
	pkg.LogInfo(pkg.ComponentScenario, "session started",
		"packets", r.cfg.Scenario.Packets, "size", r.cfg.Scenario.PacketSize)

	res, err := s.run(ctx)
	res.Elapsed = time.Since(start)
	res.Interrupts = s.core.Fired()
	res.Events = s.counts()
	if err != nil {
		pkg.LogError(pkg.ComponentScenario, "session failed", "error", err, "packets", res.Packets)
		return res, err
	}
	pkg.LogInfo(pkg.ComponentScenario, "session complete",
		"packets", res.Packets, "bytes", res.Bytes, "elapsed", res.Elapsed)
	return res, nil
}

type session struct {
	cfg  config.Config
	eps  []hal.EndpointConfig
	rec  *trace.Recorder
	core *fifo.Core
	rx   *pool.Pool
	tx   *pool.Pool
	drv  *otg.Driver
	resp *device.Responder

	ctrl   chan ctrlEvent
	events [16]atomic.Uint64
}

// ctrlEvent is an endpoint 0 event for the control task: a setup stage, or
// the completion of an IN packet when sent is set.
type ctrlEvent struct {
	setup hal.SetupPacket
	sent  bool
}

func newSession(cfg config.Config, rec *trace.Recorder) (*session, error) {
	eps, err := cfg.EndpointConfigs()
	if err != nil {
		return nil, err
	}
	oc := cfg.OTG()
	s := &session{
		cfg:    cfg,
		eps:    eps,
		rec:    rec,
		core:   fifo.New(int(oc.FIFOWords)),
		rx:     pool.New(oc.NumEndpoints, cfg.Pool.Buffers, cfg.Pool.BufferSize),
		tx:     pool.New(oc.NumEndpoints, cfg.Pool.Buffers, cfg.Pool.BufferSize),
		ctrl:   make(chan ctrlEvent, 8),
	}
	s.drv = otg.New(s.core, s.core, s.rx, s.tx, oc)
	s.resp = device.NewResponder(s.drv, device.DeviceDescriptor{
		USBVersion:        0x0200,
		DeviceClass:       device.ClassVendor,
		MaxPacketSize0:    uint8(cfg.Scenario.EP0MaxPacket),
		VendorID:          vendorID,
		ProductID:         productID,
		DeviceVersion:     0x0100,
		ManufacturerIndex: 1,
		ProductIndex:      2,
	}, device.Configuration{
		Value:     cfg.Scenario.Configuration,
		MaxPower:  50,
		Endpoints: eps,
	}, "otgusb", "loopback")
	return s, nil
}

// event is the driver callback. It runs in interrupt context.
func (s *session) event(ev hal.Event, ep uint8) {
	if int(ev) < len(s.events) {
		s.events[ev].Add(1)
	}
	if s.rec != nil && ev != hal.EventSOF {
		s.rec.Event(ev, ep)
	}
	switch {
	case ev == hal.EventEPTx:
		s.post(ctrlEvent{sent: true})
	case ev == hal.EventCtrlSetupPhaseDone && ep == 0:
		setup := s.drv.Setup()
		if s.rec != nil {
			s.rec.Setup(setup)
		}
		s.post(ctrlEvent{setup: setup})
	}
}

func (s *session) post(e ctrlEvent) {
	select {
	case s.ctrl <- e:
	default:
		pkg.LogWarn(pkg.ComponentScenario, "control event dropped", "sent", e.sent, "setup", e.setup.String())
	}
}

func (s *session) isr() {
	s.drv.Poll(s.event)
}

func (s *session) service() {
	s.core.Service(s.isr, serviceLimit)
}

func (s *session) counts() map[hal.Event]uint64 {
	m := make(map[hal.Event]uint64)
	for i := range s.events {
		if n := s.events[i].Load(); n != 0 {
			m[hal.Event(i)] = n
		}
	}
	return m
}

// boot brings the device up to the default state at full speed with the
// configured control packet size.
func (s *session) boot() error {
	if err := s.drv.Initialize(); err != nil {
		return err
	}
	if err := s.drv.Enable(); err != nil {
		return err
	}
	if err := s.drv.Connect(); err != nil {
		return err
	}
	s.core.BusReset()
	s.service()
	s.core.EnumDone(hal.SpeedFull)
	s.service()
	if st := s.drv.State(); st != otg.StateEnumerated {
		return fmt.Errorf("boot: state %v: %w", st, pkg.ErrInvalidState)
	}
	return s.drv.EPConfig(hal.EndpointConfig{
		Address:       0x00,
		Type:          hal.TypeControl,
		MaxPacketSize: s.cfg.Scenario.EP0MaxPacket,
	})
}

func (s *session) close() {
	if err := s.drv.Disconnect(); err != nil {
		pkg.LogWarn(pkg.ComponentScenario, "disconnect", "error", err)
	}
	if err := s.drv.Disable(); err != nil {
		pkg.LogWarn(pkg.ComponentScenario, "disable", "error", err)
	}
	s.rx.Close()
	s.tx.Close()
}

func (s *session) run(ctx context.Context) (Result, error) {
	var res Result
	g, gctx := errgroup.WithContext(ctx)
	// The device side runs until the host is done.
	dctx, stop := context.WithCancel(gctx)
	defer stop()

	g.Go(func() error { return s.pump(dctx) })
	g.Go(func() error { return s.control(dctx) })
	g.Go(func() error { return s.echo(dctx) })
	g.Go(func() error {
		defer stop()
		return s.host(gctx, &res)
	})
	err := g.Wait()
	return res, err
}

// pump services the interrupt line until ctx is done.
func (s *session) pump(ctx context.Context) error {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		s.service()
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// control answers setup requests on endpoint 0 and feeds the data stage
// one packet per IN completion.
func (s *session) control(ctx context.Context) error {
	for {
		var e ctrlEvent
		select {
		case <-ctx.Done():
			return nil
		case e = <-s.ctrl:
		}
		if e.sent {
			if err := s.resp.Continue(); err != nil {
				return fmt.Errorf("control: %w", err)
			}
			continue
		}
		err := s.resp.Answer(e.setup)
		if errors.Is(err, pkg.ErrStall) {
			pkg.LogDebug(pkg.ComponentScenario, "request refused", "error", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("control: %w", err)
		}
	}
}

// echo sends every packet received on the OUT endpoint back on the IN
// endpoint.
func (s *session) echo(ctx context.Context) error {
	in, out := s.cfg.Scenario.In, s.cfg.Scenario.Out
	for {
		rb, err := s.drv.WaitRxBuffer(ctx, out)
		if err != nil {
			return quiet(ctx, err)
		}
		tb, err := s.drv.WaitTxBuffer(ctx, in)
		if err != nil {
			s.drv.ReleaseRxBuffer(out, rb)
			return quiet(ctx, err)
		}
		tb.Write(rb.Bytes())
		if err := s.drv.ReleaseRxBuffer(out, rb); err != nil {
			return err
		}
		if err := s.drv.EnqueueTxBuffer(in, tb); err != nil {
			return fmt.Errorf("echo: %w", err)
		}
	}
}

// quiet drops errors caused by the session ending.
func quiet(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, pkg.ErrClosed) {
		return nil
	}
	return err
}

// host enumerates the device and runs the packet exchange.
func (s *session) host(ctx context.Context, res *Result) error {
	sc := s.cfg.Scenario

	desc, err := s.controlIn(ctx, getDescriptor(device.DescriptorTypeDevice, 64))
	if err != nil {
		return err
	}
	var dd device.DeviceDescriptor
	if err := device.ParseDeviceDescriptor(desc, &dd); err != nil {
		return err
	}
	if uint16(dd.MaxPacketSize0) != sc.EP0MaxPacket {
		return fmt.Errorf("bMaxPacketSize0 %d, want %d: %w", dd.MaxPacketSize0, sc.EP0MaxPacket, pkg.ErrInvalidState)
	}
	res.Descriptor = desc

	if err := s.controlOut(ctx, hal.SetupPacket{Request: device.RequestSetAddress, Value: uint16(sc.Address)}); err != nil {
		return err
	}
	if got := s.core.Address(); got != sc.Address {
		return fmt.Errorf("address %d after SET_ADDRESS %d: %w", got, sc.Address, pkg.ErrInvalidState)
	}
	res.Address = sc.Address

	// Read the configuration header for its total length, then the set.
	head, err := s.controlIn(ctx, getDescriptor(device.DescriptorTypeConfiguration, device.ConfigurationDescriptorSize))
	if err != nil {
		return err
	}
	if len(head) < 4 {
		return fmt.Errorf("configuration header %x: %w", head, pkg.ErrBufferTooSmall)
	}
	full, err := s.controlIn(ctx, getDescriptor(device.DescriptorTypeConfiguration, uint16(head[2])|uint16(head[3])<<8))
	if err != nil {
		return err
	}
	conf, err := device.ParseConfiguration(full)
	if err != nil {
		return err
	}
	res.Endpoints = conf.Endpoints

	if err := s.controlOut(ctx, hal.SetupPacket{Request: device.RequestSetConfiguration, Value: uint16(conf.Value)}); err != nil {
		return err
	}
	st := s.drv.Status()
	if st.ActiveConfig != sc.Configuration {
		return fmt.Errorf("configuration %d after SET_CONFIGURATION %d: %w", st.ActiveConfig, sc.Configuration, pkg.ErrInvalidState)
	}
	res.Configuration = st.ActiveConfig
	res.Speed = s.drv.Speed()
	res.Windows = s.drv.Windows()
	pkg.LogInfo(pkg.ComponentScenario, "enumerated", "address", res.Address, "configuration", res.Configuration)

	out, in := sc.Out&hal.AddressMask, sc.In&hal.AddressMask
	for i := 0; i < sc.Packets; i++ {
		p := payload(i, sc.PacketSize)
		if err := s.wait(ctx, "send OUT", func() bool { return s.core.SendOut(out, p) }); err != nil {
			return err
		}
		s.transfer(trace.KindOut, out, p)
		got, err := s.collect(ctx, in)
		if err != nil {
			return err
		}
		if !bytes.Equal(got, p) {
			return fmt.Errorf("packet %d: got %x, want %x: %w", i, got, p, ErrMismatch)
		}
		res.Packets++
		res.Bytes += len(p)
	}
	return nil
}

func (s *session) transfer(kind trace.Kind, ep uint8, data []byte) {
	if s.rec != nil {
		s.rec.Transfer(kind, ep, data)
	}
}

func getDescriptor(typ uint8, length uint16) hal.SetupPacket {
	return hal.SetupPacket{
		RequestType: 0x80,
		Request:     device.RequestGetDescriptor,
		Value:       uint16(typ) << 8,
		Length:      length,
	}
}

// controlIn runs a control read and returns the data stage. The data
// stage ends with a short packet or once wLength bytes have arrived.
func (s *session) controlIn(ctx context.Context, req hal.SetupPacket) ([]byte, error) {
	if err := s.wait(ctx, "send SETUP", func() bool { return s.core.SendSetup(req) }); err != nil {
		return nil, err
	}
	mps := int(s.cfg.Scenario.EP0MaxPacket)
	var data []byte
	for {
		p, err := s.collect(ctx, 0)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", req.String(), err)
		}
		if len(p) > mps {
			return nil, fmt.Errorf("%s: %d byte packet on endpoint 0: %w", req.String(), len(p), pkg.ErrInvalidState)
		}
		data = append(data, p...)
		if len(p) < mps || len(data) >= int(req.Length) {
			break
		}
	}
	if err := s.wait(ctx, "status OUT", func() bool { return s.core.SendOut(0, nil) }); err != nil {
		return nil, err
	}
	return data, nil
}

// controlOut runs a control write with no data stage.
func (s *session) controlOut(ctx context.Context, req hal.SetupPacket) error {
	if err := s.wait(ctx, "send SETUP", func() bool { return s.core.SendSetup(req) }); err != nil {
		return err
	}
	if _, err := s.collect(ctx, 0); err != nil {
		return fmt.Errorf("%s: status: %w", req.String(), err)
	}
	return nil
}

// collect polls IN endpoint ep until it answers with data or a stall.
func (s *session) collect(ctx context.Context, ep uint8) ([]byte, error) {
	var data []byte
	err := s.wait(ctx, "collect IN", func() bool {
		var ok bool
		data, ok = s.core.CollectIn(ep)
		return ok || s.drv.EPIsStalled(hal.DirIn|ep)
	})
	if err != nil {
		return nil, err
	}
	if data == nil && s.drv.EPIsStalled(hal.DirIn|ep) {
		return nil, fmt.Errorf("endpoint 0x%02X: %w", hal.DirIn|ep, pkg.ErrStall)
	}
	if ep != 0 {
		s.transfer(trace.KindIn, ep, data)
	}
	return data, nil
}

// wait polls ready until it returns true or ctx is done.
func (s *session) wait(ctx context.Context, what string, ready func() bool) error {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for !ready() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", what, ctx.Err())
		case <-t.C:
		}
	}
	return nil
}

// payload returns the contents of packet i.
func payload(i, size int) []byte {
	p := make([]byte, size)
	for j := range p {
		p[j] = byte(i + j*7)
	}
	return p
}
