//go:build !profile

package prof

import (
	"errors"
	"testing"

	"github.com/ardnew/otgusb/pkg"
)

func TestStartDisabled(t *testing.T) {
	stop, err := Start(Options{})
	if err != nil {
		t.Fatalf("Start(zero) error = %v", err)
	}
	if err := stop(); err != nil {
		t.Errorf("stop() error = %v", err)
	}

	if _, err := Start(Options{CPU: "cpu.prof"}); !errors.Is(err, pkg.ErrNotSupported) {
		t.Errorf("Start(cpu) error = %v, want ErrNotSupported", err)
	}
}
