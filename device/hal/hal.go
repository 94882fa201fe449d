package hal

import (
	"context"
	"fmt"
)

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants (USB 2.0 Specification).
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
	SpeedHigh                 // High Speed (480 Mbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	default:
		return "Unknown"
	}
}

// Event is a semantic USB event decoded from controller interrupt status.
type Event uint8

// Events delivered to the upper layer.
const (
	EventNone Event = iota
	EventReset
	EventEnumDone
	EventSOF
	EventEarlySuspend
	EventSuspend
	EventCtrlSetupPhaseDone
	EventCtrlDataPhaseDone
	EventEPTx
	EventEPRx
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EventNone:
		return "NONE"
	case EventReset:
		return "RESET"
	case EventEnumDone:
		return "ENUM_DONE"
	case EventSOF:
		return "SOF"
	case EventEarlySuspend:
		return "EARLY_SUSPEND"
	case EventSuspend:
		return "SUSPEND"
	case EventCtrlSetupPhaseDone:
		return "CTRL_SETUP_PHASE_DONE"
	case EventCtrlDataPhaseDone:
		return "CTRL_DATA_PHASE_DONE"
	case EventEPTx:
		return "EP_TX"
	case EventEPRx:
		return "EP_RX"
	default:
		return fmt.Sprintf("Event(%d)", e)
	}
}

// EventCallback receives events from interrupt context. The second argument
// is the endpoint address (IN endpoints carry the 0x80 bit) or zero.
//
// Callbacks run synchronously inside the interrupt handler. They must not
// block and must not call back into the driver's task-side operations.
type EventCallback func(ev Event, ep uint8)

// EndpointType is the transfer type of an endpoint.
type EndpointType uint8

// Endpoint transfer types (USB 2.0 Spec Table 9-13), plus a marker for an
// endpoint that has no configuration.
const (
	TypeControl      EndpointType = 0x00
	TypeIsochronous  EndpointType = 0x01
	TypeBulk         EndpointType = 0x02
	TypeInterrupt    EndpointType = 0x03
	TypeUnconfigured EndpointType = 0xFF
)

// String returns a human-readable transfer type name.
func (t EndpointType) String() string {
	switch t {
	case TypeControl:
		return "Control"
	case TypeIsochronous:
		return "Isochronous"
	case TypeBulk:
		return "Bulk"
	case TypeInterrupt:
		return "Interrupt"
	case TypeUnconfigured:
		return "Unconfigured"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// ParseEndpointType converts a lower-case type name to an EndpointType.
func ParseEndpointType(name string) (EndpointType, bool) {
	switch name {
	case "control":
		return TypeControl, true
	case "isochronous", "iso":
		return TypeIsochronous, true
	case "bulk":
		return TypeBulk, true
	case "interrupt", "int":
		return TypeInterrupt, true
	}
	return TypeUnconfigured, false
}

// Endpoint address helpers.
const (
	DirIn       = 0x80 // Device to host
	DirOut      = 0x00 // Host to device
	AddressMask = 0x0F
)

// EndpointConfig describes one endpoint to program into the controller.
type EndpointConfig struct {
	Address       uint8        // Endpoint address including direction bit
	Type          EndpointType // Transfer type
	MaxPacketSize uint16       // Maximum packet size in bytes
	FIFOSize      uint16       // Transmit FIFO window in bytes (IN endpoints); zero means MaxPacketSize
	Interval      uint8        // Polling interval for interrupt/isochronous
}

// Number returns the endpoint number (0-15).
func (e *EndpointConfig) Number() uint8 {
	return e.Address & AddressMask
}

// IsIn returns true if this is an IN endpoint (device to host).
func (e *EndpointConfig) IsIn() bool {
	return e.Address&DirIn != 0
}

// Toggle is the data PID expected on the next packet of an endpoint.
type Toggle uint8

// Data toggle values.
const (
	Data0 Toggle = 0
	Data1 Toggle = 1
)

// String returns "DATA0" or "DATA1".
func (t Toggle) String() string {
	if t == Data1 {
		return "DATA1"
	}
	return "DATA0"
}

// ControlState is the phase of the current control transfer on endpoint 0.
type ControlState uint8

// Control transfer phases.
const (
	StateIdle ControlState = iota
	StateRxData
	StateTxData
	StateTxZLP
	StateLastData
	StateStatusIn
	StateStatusOut
)

// String returns the phase name.
func (s ControlState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRxData:
		return "RX_DATA"
	case StateTxData:
		return "TX_DATA"
	case StateTxZLP:
		return "TX_ZLP"
	case StateLastData:
		return "LAST_DATA"
	case StateStatusIn:
		return "STATUS_IN"
	case StateStatusOut:
		return "STATUS_OUT"
	default:
		return fmt.Sprintf("ControlState(%d)", s)
	}
}

// Status is the process-wide driver status record.
type Status struct {
	EP0Size      uint16       // Configured control endpoint packet size
	ActiveConfig uint8        // Active configuration value, zero when unconfigured
	Control      ControlState // Current control transfer phase
}

// SetupPacket represents a USB SETUP packet in the HAL layer.
// This is a fixed-size, zero-allocation structure for SETUP transactions.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = uint16(data[2]) | uint16(data[3])<<8
	out.Index = uint16(data[4]) | uint16(data[5])<<8
	out.Length = uint16(data[6]) | uint16(data[7])<<8
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// IsDeviceToHost returns true if the data stage flows from device to host.
func (s *SetupPacket) IsDeviceToHost() bool {
	return s.RequestType&DirIn != 0
}

// String returns a compact description for logging.
func (s *SetupPacket) String() string {
	return fmt.Sprintf("bmRequestType=0x%02X bRequest=0x%02X wValue=0x%04X wIndex=0x%04X wLength=%d",
		s.RequestType, s.Request, s.Value, s.Index, s.Length)
}

// IRQ is the controller's interrupt line as seen from task context.
//
// Disable masks the line so the interrupt handler cannot run; Enable
// unmasks it. Task-side code brackets every mutation of state shared with
// the handler between the two. Calls do not nest.
type IRQ interface {
	Disable()
	Enable()
}

// BufferPool is a per-endpoint pool of reusable buffers. The pool owns
// the buffer memory; the driver only borrows it.
//
// Try* operations never block and are the only ones the interrupt handler
// uses. Wait* operations block until they succeed, the context is done, or
// the pool is closed.
type BufferPool interface {
	// NumEndpoints returns the number of endpoint slots (0..N inclusive).
	NumEndpoints() int

	// TryAllocate takes a free buffer, or returns nil if none is free.
	TryAllocate(ep uint8) *Buffer
	// WaitAllocate blocks until a free buffer is available.
	WaitAllocate(ctx context.Context, ep uint8) (*Buffer, error)
	// Release returns a buffer to the free list.
	Release(ep uint8, b *Buffer)

	// TryEnqueue appends a buffer to the endpoint queue, or returns false
	// if the queue is full.
	TryEnqueue(ep uint8, b *Buffer) bool
	// WaitEnqueue blocks until the buffer has been queued.
	WaitEnqueue(ctx context.Context, ep uint8, b *Buffer) error
	// TryDequeue removes the oldest queued buffer, or returns nil.
	TryDequeue(ep uint8) *Buffer
	// WaitDequeue blocks until a queued buffer is available.
	WaitDequeue(ctx context.Context, ep uint8) (*Buffer, error)

	// Buffer returns the buffer currently loaded in the endpoint slot.
	Buffer(ep uint8) *Buffer
	// SetBuffer replaces the buffer loaded in the endpoint slot.
	SetBuffer(ep uint8, b *Buffer)
}

// Driver is the generic device-controller contract consumed by
// enumeration and class logic.
type Driver interface {
	// Initialize preallocates the receive buffers. Failure to obtain the
	// control endpoint buffer aborts startup.
	Initialize() error

	// Enable powers up the controller in device mode.
	Enable() error
	// Disable resets and gates the controller.
	Disable() error

	// Connect attaches to the bus (pull-up on).
	Connect() error
	// Disconnect detaches from the bus and flushes all FIFOs.
	Disconnect() error

	// SetAddress programs the device address assigned by the host.
	SetAddress(addr uint8) error

	// EPConfig programs one endpoint.
	EPConfig(cfg EndpointConfig) error
	// EPUnconfig tears an endpoint down.
	EPUnconfig(ep uint8)

	// EPStall sets the stall condition.
	EPStall(ep uint8)
	// EPUnstall clears the stall condition.
	EPUnstall(ep uint8)
	// EPIsStalled reports the stall condition.
	EPIsStalled(ep uint8) bool

	// Write loads data into an IN endpoint FIFO and starts transmission.
	Write(ep uint8, data []byte) (int, error)

	// Poll services one interrupt occurrence.
	Poll(cb EventCallback)

	// Setup returns the most recently latched setup packet.
	Setup() SetupPacket
	// Status returns the driver status record.
	Status() Status

	// FrameNumber returns the frame number of the last SOF.
	FrameNumber() uint16
	// Speed returns the enumerated bus speed.
	Speed() Speed
}
