// Package config loads the otgsim configuration file.
//
// The file is TOML. Every table is optional; missing keys keep the values
// of [Default].
//
//	[controller]
//	endpoints = 8
//	rx_fifo_words = 512
//
//	[[endpoint]]
//	address = 0x81
//	type = "bulk"
//	max_packet = 64
package config

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ardnew/otgusb/device/hal"
	"github.com/ardnew/otgusb/device/hal/otg"
	"github.com/ardnew/otgusb/pkg"
)

// Config is the complete simulator configuration.
type Config struct {
	Controller Controller `toml:"controller"`
	Pool       Pool       `toml:"pool"`
	Endpoints  []Endpoint `toml:"endpoint"`
	Scenario   Scenario   `toml:"scenario"`
	Log        Log        `toml:"log"`
}

// Controller is the core geometry.
type Controller struct {
	Endpoints   int    `toml:"endpoints"`
	RxFIFOWords uint32 `toml:"rx_fifo_words"`
	FIFOWords   uint32 `toml:"fifo_words"`
	EP0TxFIFO   int    `toml:"ep0_tx_fifo"`
	SOFEvents   bool   `toml:"sof_events"`
	ResetSpins  int    `toml:"reset_spins"`
}

// Pool sizes both buffer pools.
type Pool struct {
	Buffers    int `toml:"buffers"`
	BufferSize int `toml:"buffer_size"`
}

// Endpoint is one data endpoint of the active configuration.
type Endpoint struct {
	Address   uint8  `toml:"address"`
	Type      string `toml:"type"`
	MaxPacket uint16 `toml:"max_packet"`
	FIFOSize  uint16 `toml:"fifo_size"`
	Interval  uint8  `toml:"interval"`
}

// Scenario drives the loopback run.
type Scenario struct {
	Address       uint8  `toml:"address"`
	Configuration uint8  `toml:"configuration"`
	EP0MaxPacket  uint16 `toml:"ep0_max_packet"`
	In            uint8  `toml:"in"`
	Out           uint8  `toml:"out"`
	Packets       int    `toml:"packets"`
	PacketSize    int    `toml:"packet_size"`

	Timeout    time.Duration `toml:"-"`
	TimeoutRaw string        `toml:"timeout"`
}

// Log selects the log level and format.
type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the built-in configuration: a 4 KiB core with one bulk
// endpoint pair.
func Default() Config {
	d := otg.DefaultConfig()
	return Config{
		Controller: Controller{
			Endpoints:   d.NumEndpoints,
			RxFIFOWords: d.RxFIFOWords,
			FIFOWords:   d.FIFOWords,
			EP0TxFIFO:   d.EP0TxFIFOSize,
			SOFEvents:   d.SOFEvents,
			ResetSpins:  d.ResetSpins,
		},
		Pool: Pool{
			Buffers:    4,
			BufferSize: 512,
		},
		Endpoints: []Endpoint{
			{Address: 0x81, Type: "bulk", MaxPacket: 64},
			{Address: 0x02, Type: "bulk", MaxPacket: 64},
		},
		Scenario: Scenario{
			Address:       5,
			Configuration: 1,
			EP0MaxPacket:  64,
			In:            0x81,
			Out:           0x02,
			Packets:       32,
			PacketSize:    48,
			Timeout:       5 * time.Second,
			TimeoutRaw:    "5s",
		},
		Log: Log{
			Level:  "warn",
			Format: "text",
		},
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (Config, error) {
	c := blank()
	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	if err := finish(&c, md); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse reads and validates a configuration document.
func Parse(r io.Reader) (Config, error) {
	c := blank()
	md, err := toml.NewDecoder(r).Decode(&c)
	if err != nil {
		return Config{}, err
	}
	if err := finish(&c, md); err != nil {
		return Config{}, err
	}
	return c, nil
}

// blank is Default without endpoints. Decoding an array of tables into a
// populated slice merges into the old elements.
func blank() Config {
	c := Default()
	c.Endpoints = nil
	return c
}

func finish(c *Config, md toml.MetaData) error {
	if !md.IsDefined("endpoint") {
		c.Endpoints = Default().Endpoints
	}
	if keys := md.Undecoded(); len(keys) > 0 {
		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = k.String()
		}
		return fmt.Errorf("unknown keys %s: %w", strings.Join(names, ", "), pkg.ErrInvalidParameter)
	}
	if c.Scenario.TimeoutRaw != "" {
		d, err := time.ParseDuration(c.Scenario.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("scenario.timeout: %w", err)
		}
		c.Scenario.Timeout = d
	}
	return c.Validate()
}

// Encode writes c as TOML.
func (c Config) Encode(w io.Writer) error {
	c.Scenario.TimeoutRaw = c.Scenario.Timeout.String()
	return toml.NewEncoder(w).Encode(c)
}

// Validate checks the configuration. Errors name the offending key.
func (c Config) Validate() error {
	if err := c.OTG().Validate(); err != nil {
		return fmt.Errorf("controller: %w", err)
	}
	if c.Pool.Buffers < 1 {
		return fmt.Errorf("pool.buffers %d: %w", c.Pool.Buffers, pkg.ErrInvalidParameter)
	}
	if c.Pool.BufferSize < hal.SetupPacketSize {
		return fmt.Errorf("pool.buffer_size %d: %w", c.Pool.BufferSize, pkg.ErrInvalidParameter)
	}

	seen := make(map[uint8]bool)
	for i, e := range c.Endpoints {
		key := fmt.Sprintf("endpoint[%d]", i)
		n := int(e.Address & hal.AddressMask)
		if n == 0 || n > c.Controller.Endpoints || e.Address&^(hal.DirIn|hal.AddressMask) != 0 {
			return fmt.Errorf("%s.address 0x%02X: %w", key, e.Address, pkg.ErrInvalidEndpoint)
		}
		if seen[e.Address] {
			return fmt.Errorf("%s.address 0x%02X duplicated: %w", key, e.Address, pkg.ErrInvalidParameter)
		}
		seen[e.Address] = true
		t, ok := hal.ParseEndpointType(e.Type)
		if !ok || t == hal.TypeControl {
			return fmt.Errorf("%s.type %q: %w", key, e.Type, pkg.ErrNotSupported)
		}
		if e.MaxPacket == 0 {
			return fmt.Errorf("%s.max_packet: %w", key, pkg.ErrInvalidParameter)
		}
	}

	s := c.Scenario
	if s.Address == 0 || s.Address > 0x7F {
		return fmt.Errorf("scenario.address %d: %w", s.Address, pkg.ErrInvalidParameter)
	}
	if s.Configuration == 0 {
		return fmt.Errorf("scenario.configuration: %w", pkg.ErrInvalidParameter)
	}
	switch s.EP0MaxPacket {
	case 8, 16, 32, 64:
	default:
		return fmt.Errorf("scenario.ep0_max_packet %d: %w", s.EP0MaxPacket, pkg.ErrInvalidParameter)
	}
	if s.Packets < 0 {
		return fmt.Errorf("scenario.packets %d: %w", s.Packets, pkg.ErrInvalidParameter)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("scenario.timeout %v: %w", s.Timeout, pkg.ErrInvalidParameter)
	}
	in, ok := c.endpoint(s.In)
	if !ok || s.In&hal.DirIn == 0 {
		return fmt.Errorf("scenario.in 0x%02X: %w", s.In, pkg.ErrNotConfigured)
	}
	out, ok := c.endpoint(s.Out)
	if !ok || s.Out&hal.DirIn != 0 {
		return fmt.Errorf("scenario.out 0x%02X: %w", s.Out, pkg.ErrNotConfigured)
	}
	limit := min(int(in.MaxPacket), int(out.MaxPacket), c.Pool.BufferSize)
	if s.PacketSize < 1 || s.PacketSize > limit {
		return fmt.Errorf("scenario.packet_size %d not in 1..%d: %w", s.PacketSize, limit, pkg.ErrBufferTooSmall)
	}

	if _, err := c.Level(); err != nil {
		return err
	}
	if _, err := c.Format(); err != nil {
		return err
	}
	return nil
}

func (c Config) endpoint(addr uint8) (Endpoint, bool) {
	i := slices.IndexFunc(c.Endpoints, func(e Endpoint) bool { return e.Address == addr })
	if i < 0 {
		return Endpoint{}, false
	}
	return c.Endpoints[i], true
}

// OTG returns the driver configuration.
func (c Config) OTG() otg.Config {
	return otg.Config{
		NumEndpoints:  c.Controller.Endpoints,
		RxFIFOWords:   c.Controller.RxFIFOWords,
		FIFOWords:     c.Controller.FIFOWords,
		EP0TxFIFOSize: c.Controller.EP0TxFIFO,
		SOFEvents:     c.Controller.SOFEvents,
		ResetSpins:    c.Controller.ResetSpins,
	}
}

// EndpointConfigs returns the data endpoints in driver form.
func (c Config) EndpointConfigs() ([]hal.EndpointConfig, error) {
	eps := make([]hal.EndpointConfig, 0, len(c.Endpoints))
	for i, e := range c.Endpoints {
		t, ok := hal.ParseEndpointType(e.Type)
		if !ok {
			return nil, fmt.Errorf("endpoint[%d].type %q: %w", i, e.Type, pkg.ErrNotSupported)
		}
		eps = append(eps, hal.EndpointConfig{
			Address:       e.Address,
			Type:          t,
			MaxPacketSize: e.MaxPacket,
			FIFOSize:      e.FIFOSize,
			Interval:      e.Interval,
		})
	}
	return eps, nil
}

// Level returns the configured log level.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", c.Log.Level, pkg.ErrInvalidParameter)
	}
	return l, nil
}

// Format returns the configured log format.
func (c Config) Format() (pkg.LogFormat, error) {
	switch strings.ToLower(c.Log.Format) {
	case "", "text":
		return pkg.LogFormatText, nil
	case "json":
		return pkg.LogFormatJSON, nil
	}
	return 0, fmt.Errorf("log.format %q: %w", c.Log.Format, pkg.ErrInvalidParameter)
}
