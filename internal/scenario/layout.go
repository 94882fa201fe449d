package scenario

import (
	"github.com/ardnew/otgusb/device/hal"
	"github.com/ardnew/otgusb/device/hal/otg"
	"github.com/ardnew/otgusb/internal/config"
)

// Layout brings up a core with cfg, activates its endpoints as
// configuration 1 and returns the transmit windows that result.
func Layout(cfg config.Config) ([]otg.Window, error) {
	s, err := newSession(cfg, nil)
	if err != nil {
		return nil, err
	}
	defer s.close()

	if err := s.drv.Initialize(); err != nil {
		return nil, err
	}
	if err := s.drv.Enable(); err != nil {
		return nil, err
	}
	err = s.drv.EPConfig(hal.EndpointConfig{
		Address:       0x00,
		Type:          hal.TypeControl,
		MaxPacketSize: cfg.Scenario.EP0MaxPacket,
	})
	if err != nil {
		return nil, err
	}
	if err := s.drv.ConfigureEndpoints(1, s.eps); err != nil {
		return nil, err
	}
	return s.drv.Windows(), nil
}
