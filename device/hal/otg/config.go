package otg

import (
	"fmt"

	"github.com/ardnew/otgusb/pkg"
)

// MaxEndpoints is the highest endpoint number the register file can address.
const MaxEndpoints = 15

// FIFO size policy, in bytes.
const (
	MinEP0TxFIFO = 64
	MaxEP0TxFIFO = 1024
	MinTxFIFO    = 64
	MaxTxFIFO    = 2048
)

// DefaultEP0MaxPacket is the control endpoint packet size programmed on
// bus reset.
const DefaultEP0MaxPacket = 64

// Config describes the controller geometry.
type Config struct {
	// NumEndpoints is the highest non-control endpoint number (N). Endpoint
	// records exist for 0..N in each direction.
	NumEndpoints int

	// RxFIFOWords is the size of the shared receive FIFO in 32-bit words.
	RxFIFOWords uint32

	// FIFOWords is the total FIFO memory in 32-bit words.
	FIFOWords uint32

	// EP0TxFIFOSize is the control endpoint transmit window in bytes,
	// programmed at enable time.
	EP0TxFIFOSize int

	// SOFEvents delivers EventSOF for every start-of-frame. When false,
	// start-of-frame is acknowledged and dropped.
	SOFEvents bool

	// ResetSpins bounds every busy-wait on a reset or flush bit.
	ResetSpins int
}

// DefaultConfig returns the configuration of a 4 KiB FIFO core with eight
// data endpoints.
func DefaultConfig() Config {
	return Config{
		NumEndpoints:  8,
		RxFIFOWords:   512,
		FIFOWords:     1024,
		EP0TxFIFOSize: 3 * (64 + 8 + 4),
		ResetSpins:    100000,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.NumEndpoints == 0 {
		c.NumEndpoints = d.NumEndpoints
	}
	if c.RxFIFOWords == 0 {
		c.RxFIFOWords = d.RxFIFOWords
	}
	if c.FIFOWords == 0 {
		c.FIFOWords = d.FIFOWords
	}
	if c.EP0TxFIFOSize == 0 {
		c.EP0TxFIFOSize = d.EP0TxFIFOSize
	}
	if c.ResetSpins == 0 {
		c.ResetSpins = d.ResetSpins
	}
	return c
}

// Validate checks the geometry for consistency.
func (c Config) Validate() error {
	if c.NumEndpoints < 1 || c.NumEndpoints > MaxEndpoints {
		return fmt.Errorf("num endpoints %d out of range 1..%d: %w", c.NumEndpoints, MaxEndpoints, pkg.ErrInvalidParameter)
	}
	if c.RxFIFOWords == 0 || c.RxFIFOWords >= c.FIFOWords {
		return fmt.Errorf("rx fifo %d words does not fit in %d: %w", c.RxFIFOWords, c.FIFOWords, pkg.ErrFIFOSize)
	}
	if c.FIFOWords > 0xFFFF {
		return fmt.Errorf("fifo memory %d words: %w", c.FIFOWords, pkg.ErrFIFOSize)
	}
	if c.EP0TxFIFOSize < MinEP0TxFIFO || c.EP0TxFIFOSize > MaxEP0TxFIFO {
		return fmt.Errorf("ep0 tx fifo %d bytes: %w", c.EP0TxFIFOSize, pkg.ErrFIFOSize)
	}
	if c.ResetSpins < 1 {
		return fmt.Errorf("reset spins %d: %w", c.ResetSpins, pkg.ErrInvalidParameter)
	}
	return nil
}
