// Package pkg provides shared utilities for the otgusb driver core.
//
// This package contains functionality used by the driver, the simulated
// controller, and the tooling around them:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel errors for configuration and transfer failures
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with a component attribute:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentDriver, "controller enabled", "fifoWords", 1024)
//
// Interrupt-context code logs through the same helpers. Handlers installed
// with [SetLogger] must therefore never block.
//
// # Errors
//
// Configuration failures are reported as sentinel values, usually wrapped
// with context:
//
//	if errors.Is(err, pkg.ErrFIFOFull) {
//	    // shrink the requested window
//	}
package pkg
