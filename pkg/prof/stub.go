//go:build !profile

package prof

import (
	"fmt"

	"github.com/ardnew/otgusb/pkg"
)

// Enabled reports whether profiling is compiled in.
const Enabled = false

// Start returns a no-op session for empty options and an error otherwise.
func Start(opts Options) (Stop, error) {
	if !opts.IsZero() {
		return nil, fmt.Errorf("profiling requires the profile build tag: %w", pkg.ErrNotSupported)
	}
	return func() error { return nil }, nil
}
