package otg

import (
	"errors"
	"testing"

	"github.com/ardnew/otgusb/device/hal"
	"github.com/ardnew/otgusb/device/hal/fifo"
	"github.com/ardnew/otgusb/device/hal/otg/reg"
	"github.com/ardnew/otgusb/device/pool"
	"github.com/ardnew/otgusb/pkg"
)

type event struct {
	ev hal.Event
	ep uint8
}

// rig is a driver wired to a simulated core and two pools.
type rig struct {
	t      *testing.T
	core   *fifo.Core
	rx     *pool.Pool
	tx     *pool.Pool
	drv    *Driver
	events []event
}

func newRig(t *testing.T, perEndpoint int, cfg Config) *rig {
	return newSizedRig(t, perEndpoint, 512, cfg)
}

func newSizedRig(t *testing.T, perEndpoint, size int, cfg Config) *rig {
	t.Helper()
	cfg = cfg.withDefaults()
	r := &rig{
		t:    t,
		core: fifo.New(int(cfg.FIFOWords)),
		rx:   pool.New(cfg.NumEndpoints, perEndpoint, size),
		tx:   pool.New(cfg.NumEndpoints, perEndpoint, size),
	}
	r.drv = New(r.core, r.core, r.rx, r.tx, cfg)
	return r
}

// startRig returns a rig that is initialized, enabled, connected, reset
// and enumerated at full speed.
func startRig(t *testing.T, perEndpoint int) *rig {
	t.Helper()
	r := newRig(t, perEndpoint, DefaultConfig())
	r.boot()
	return r
}

func (r *rig) boot() {
	r.t.Helper()
	if err := r.drv.Initialize(); err != nil {
		r.t.Fatalf("Initialize() error = %v", err)
	}
	if err := r.drv.Enable(); err != nil {
		r.t.Fatalf("Enable() error = %v", err)
	}
	if err := r.drv.Connect(); err != nil {
		r.t.Fatalf("Connect() error = %v", err)
	}
	r.reset()
	r.core.EnumDone(hal.SpeedFull)
	r.service()
	r.events = nil
}

func (r *rig) record(ev hal.Event, ep uint8) {
	r.events = append(r.events, event{ev, ep})
}

// service runs the interrupt handler until the core stops asserting it.
func (r *rig) service() int {
	return r.core.Service(func() { r.drv.Poll(r.record) }, 64)
}

func (r *rig) reset() {
	r.core.BusReset()
	r.service()
}

func (r *rig) saw(ev hal.Event, ep uint8) bool {
	for _, e := range r.events {
		if e.ev == ev && e.ep == ep {
			return true
		}
	}
	return false
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateUnknown, "unknown"},
		{StateAttached, "attached"},
		{StateWaitReset, "wait-reset"},
		{StateDefault, "default"},
		{StateEnumerated, "enumerated"},
		{State(42), "State(42)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", uint32(tt.s), got, tt.want)
		}
	}
}

func TestLifecycle(t *testing.T) {
	r := newRig(t, 2, DefaultConfig())
	if got := r.drv.State(); got != StateUnknown {
		t.Fatalf("initial State() = %v", got)
	}
	if err := r.drv.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := r.drv.Enable(); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	if got := r.drv.State(); got != StateAttached {
		t.Errorf("State() after Enable = %v, want attached", got)
	}
	if r.core.Connected() {
		t.Error("pull-up should be off after Enable")
	}
	if got := r.core.Read(reg.GRXFSIZ); got != 512 {
		t.Errorf("GRXFSIZ = %d, want 512", got)
	}

	r.drv.Connect()
	if !r.core.Connected() {
		t.Error("pull-up should be on after Connect")
	}
	if got := r.drv.State(); got != StateWaitReset {
		t.Errorf("State() after Connect = %v, want wait-reset", got)
	}

	r.reset()
	if !r.saw(hal.EventReset, 0) {
		t.Error("bus reset did not deliver EventReset")
	}
	if got := r.drv.State(); got != StateDefault {
		t.Errorf("State() after reset = %v, want default", got)
	}

	r.core.EnumDone(hal.SpeedFull)
	r.service()
	if !r.saw(hal.EventEnumDone, 0) {
		t.Error("enumeration did not deliver EventEnumDone")
	}
	if got := r.drv.Speed(); got != hal.SpeedFull {
		t.Errorf("Speed() = %v, want full speed", got)
	}
	if got := r.drv.State(); got != StateEnumerated {
		t.Errorf("State() after enumeration = %v, want enumerated", got)
	}

	if err := r.drv.Disconnect(); err != nil {
		t.Errorf("Disconnect() error = %v", err)
	}
	if r.core.Connected() {
		t.Error("pull-up should be off after Disconnect")
	}
	if got := r.drv.State(); got != StateAttached {
		t.Errorf("State() after Disconnect = %v, want attached", got)
	}

	if err := r.drv.Disable(); err != nil {
		t.Errorf("Disable() error = %v", err)
	}
	if got := r.drv.State(); got != StateUnknown {
		t.Errorf("State() after Disable = %v, want unknown", got)
	}
}

func TestConnectRequiresEnable(t *testing.T) {
	r := newRig(t, 1, DefaultConfig())
	if err := r.drv.Connect(); !errors.Is(err, pkg.ErrNotRunning) {
		t.Errorf("Connect() error = %v, want ErrNotRunning", err)
	}
	if err := r.drv.Disconnect(); !errors.Is(err, pkg.ErrNotRunning) {
		t.Errorf("Disconnect() error = %v, want ErrNotRunning", err)
	}
}

func TestEnableRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EP0TxFIFOSize = 32
	r := newRig(t, 1, cfg)
	if err := r.drv.Enable(); !errors.Is(err, pkg.ErrFIFOSize) {
		t.Errorf("Enable() error = %v, want ErrFIFOSize", err)
	}
}

func TestInitialize(t *testing.T) {
	t.Run("ep0 buffer missing", func(t *testing.T) {
		r := newRig(t, 0, DefaultConfig())
		err := r.drv.Initialize()
		if !errors.Is(err, pkg.ErrNoMemory) {
			t.Fatalf("Initialize() error = %v, want ErrNoMemory", err)
		}
	})

	t.Run("data endpoint buffer missing", func(t *testing.T) {
		r := newRig(t, 1, DefaultConfig())
		held := r.rx.TryAllocate(3)
		if err := r.drv.Initialize(); err != nil {
			t.Fatalf("Initialize() error = %v", err)
		}
		if r.rx.Buffer(3) != nil {
			t.Error("endpoint 3 should start without a buffer")
		}
		for _, ep := range []uint8{0, 1, 2, 4, 8} {
			if r.rx.Buffer(ep) == nil {
				t.Errorf("endpoint %d has no armed buffer", ep)
			}
		}
		r.rx.Release(3, held)
	})
}

func TestSetAddress(t *testing.T) {
	r := startRig(t, 1)
	if err := r.drv.SetAddress(0x2A); err != nil {
		t.Fatalf("SetAddress() error = %v", err)
	}
	if got := r.core.Address(); got != 0x2A {
		t.Errorf("Address() = 0x%02X, want 0x2A", got)
	}
	if err := r.drv.SetAddress(0x80); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("SetAddress(0x80) error = %v, want ErrInvalidParameter", err)
	}

	r.reset()
	if got := r.core.Address(); got != 0 {
		t.Errorf("Address() after reset = %d, want 0", got)
	}
}

func TestPollEvents(t *testing.T) {
	t.Run("sof dropped by default", func(t *testing.T) {
		r := startRig(t, 1)
		r.core.SOF(0x123)
		r.service()
		if r.saw(hal.EventSOF, 0) {
			t.Error("EventSOF delivered with SOFEvents off")
		}
		if r.core.Read(reg.GINTSTS)&reg.GINTSTS_SOF != 0 {
			t.Error("SOF not acknowledged")
		}
		if got := r.drv.FrameNumber(); got != 0x123 {
			t.Errorf("FrameNumber() = 0x%X, want 0x123", got)
		}
	})

	t.Run("sof delivered", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.SOFEvents = true
		r := newRig(t, 1, cfg)
		r.drv.Initialize()
		r.drv.Enable()
		r.drv.Connect()
		r.core.SOF(7)
		r.service()
		if !r.saw(hal.EventSOF, 0) {
			t.Error("EventSOF not delivered")
		}
	})

	t.Run("suspend", func(t *testing.T) {
		r := startRig(t, 1)
		r.core.EarlySuspend()
		r.core.Suspend()
		r.service()
		if len(r.events) != 2 ||
			r.events[0].ev != hal.EventEarlySuspend ||
			r.events[1].ev != hal.EventSuspend {
			t.Errorf("events = %v, want early suspend then suspend", r.events)
		}
	})

	t.Run("mode mismatch and otg acknowledged", func(t *testing.T) {
		r := startRig(t, 1)
		r.core.ModeMismatch()
		r.core.OTGEvent(reg.GOTGINT_SEDET | reg.GOTGINT_DBCDNE)
		r.service()
		if got := r.core.Read(reg.GINTSTS); got&(reg.GINTSTS_MMIS|reg.GINTSTS_OTGINT) != 0 {
			t.Errorf("GINTSTS = 0x%08X, want MMIS and OTGINT clear", got)
		}
		if got := r.core.Read(reg.GOTGINT); got != 0 {
			t.Errorf("GOTGINT = 0x%08X, want 0", got)
		}
		if len(r.events) != 0 {
			t.Errorf("events = %v, want none", r.events)
		}
	})

	t.Run("reset ends the pass", func(t *testing.T) {
		r := startRig(t, 1)
		r.core.EarlySuspend()
		r.core.BusReset()
		r.core.Fire(func() { r.drv.Poll(r.record) })
		if len(r.events) != 1 || r.events[0].ev != hal.EventReset {
			t.Fatalf("first pass events = %v, want reset only", r.events)
		}
		r.service()
		if !r.saw(hal.EventEarlySuspend, 0) {
			t.Error("early suspend lost after reset pass")
		}
	})

	t.Run("nil callback", func(t *testing.T) {
		r := startRig(t, 1)
		r.core.Suspend()
		r.core.Service(func() { r.drv.Poll(nil) }, 4)
		if r.core.Pending() {
			t.Error("interrupt still pending")
		}
	})
}

func TestStatusIsLockFree(t *testing.T) {
	r := startRig(t, 1)
	before := r.core.MaskCount()
	st := r.drv.Status()
	if r.core.MaskCount() != before {
		t.Error("Status() masked the interrupt line")
	}
	want := hal.Status{EP0Size: 64, ActiveConfig: 0, Control: hal.StateIdle}
	if st != want {
		t.Errorf("Status() = %+v, want %+v", st, want)
	}
}
