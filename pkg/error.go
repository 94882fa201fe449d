package pkg

import "errors"

// Configuration errors.
var (
	// ErrInvalidEndpoint indicates an endpoint number outside 0..N.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNotSupported indicates an unsupported endpoint type or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrFIFOSize indicates a transmit FIFO size outside the permitted range.
	ErrFIFOSize = errors.New("fifo size out of range")

	// ErrFIFOFull indicates a transmit FIFO window does not fit in the
	// remaining on-chip FIFO memory.
	ErrFIFOFull = errors.New("fifo memory exhausted")

	// ErrNotConfigured indicates the endpoint or controller is not configured.
	ErrNotConfigured = errors.New("not configured")

	// ErrInvalidState indicates an invalid controller state for the operation.
	ErrInvalidState = errors.New("invalid controller state")
)

// Transfer errors.
var (
	// ErrEndpointActive indicates a transmission is already in flight.
	ErrEndpointActive = errors.New("endpoint already active")

	// ErrNoResources indicates a queue or pool has no free slot.
	ErrNoResources = errors.New("no resources available")

	// ErrNoMemory indicates a mandatory buffer could not be preallocated.
	ErrNoMemory = errors.New("insufficient memory")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")
)

// Lifecycle errors.
var (
	// ErrClosed indicates the buffer pool was torn down.
	ErrClosed = errors.New("pool closed")

	// ErrHardwareTimeout indicates a register did not reach the expected
	// state within its spin budget.
	ErrHardwareTimeout = errors.New("hardware timeout")

	// ErrAlreadyRunning indicates a simulation session is already in
	// progress.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the controller is not enabled or no session
	// is in progress.
	ErrNotRunning = errors.New("not running")
)
