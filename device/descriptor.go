package device

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	"github.com/ardnew/otgusb/device/hal"
	"github.com/ardnew/otgusb/pkg"
)

// Descriptor types (USB 2.0 Table 9-5).
const (
	DescriptorTypeDevice        = 0x01
	DescriptorTypeConfiguration = 0x02
	DescriptorTypeString        = 0x03
	DescriptorTypeInterface     = 0x04
	DescriptorTypeEndpoint      = 0x05
)

// ClassVendor marks a vendor-specific device or interface.
const ClassVendor = 0xFF

// Configuration attribute bits.
const (
	ConfigAttrBusPowered   = 0x80 // Reserved, always set
	ConfigAttrSelfPowered  = 0x40
	ConfigAttrRemoteWakeup = 0x20
)

// Descriptor sizes in bytes.
const (
	DeviceDescriptorSize        = 18
	ConfigurationDescriptorSize = 9
	InterfaceDescriptorSize     = 9
	EndpointDescriptorSize      = 7
)

// LangIDUSEnglish is the language ID for US English.
const LangIDUSEnglish = 0x0409

// DeviceDescriptor is the standard device descriptor. Length and type are
// implied.
type DeviceDescriptor struct {
	USBVersion        uint16 // BCD
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16 // BCD
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// MarshalTo serializes the descriptor to buf and returns the number of
// bytes written, or 0 if buf is too small.
func (d *DeviceDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < DeviceDescriptorSize {
		return 0
	}
	buf[0] = DeviceDescriptorSize
	buf[1] = DescriptorTypeDevice
	binary.LittleEndian.PutUint16(buf[2:4], d.USBVersion)
	buf[4] = d.DeviceClass
	buf[5] = d.DeviceSubClass
	buf[6] = d.DeviceProtocol
	buf[7] = d.MaxPacketSize0
	binary.LittleEndian.PutUint16(buf[8:10], d.VendorID)
	binary.LittleEndian.PutUint16(buf[10:12], d.ProductID)
	binary.LittleEndian.PutUint16(buf[12:14], d.DeviceVersion)
	buf[14] = d.ManufacturerIndex
	buf[15] = d.ProductIndex
	buf[16] = d.SerialNumberIndex
	buf[17] = d.NumConfigurations
	return DeviceDescriptorSize
}

// ParseDeviceDescriptor parses a device descriptor from data into out.
func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) error {
	if len(data) < DeviceDescriptorSize || data[0] < DeviceDescriptorSize {
		return fmt.Errorf("device descriptor: %d bytes: %w", len(data), pkg.ErrBufferTooSmall)
	}
	if data[1] != DescriptorTypeDevice {
		return fmt.Errorf("device descriptor: type 0x%02X: %w", data[1], pkg.ErrNotSupported)
	}
	*out = DeviceDescriptor{
		USBVersion:        binary.LittleEndian.Uint16(data[2:4]),
		DeviceClass:       data[4],
		DeviceSubClass:    data[5],
		DeviceProtocol:    data[6],
		MaxPacketSize0:    data[7],
		VendorID:          binary.LittleEndian.Uint16(data[8:10]),
		ProductID:         binary.LittleEndian.Uint16(data[10:12]),
		DeviceVersion:     binary.LittleEndian.Uint16(data[12:14]),
		ManufacturerIndex: data[14],
		ProductIndex:      data[15],
		SerialNumberIndex: data[16],
		NumConfigurations: data[17],
	}
	return nil
}

// Configuration is a configuration with a single vendor interface whose
// endpoints are the data endpoints handed to the controller when the host
// selects it.
type Configuration struct {
	Value      uint8
	Attributes uint8 // ConfigAttr* bits; bus-powered is always set
	MaxPower   uint8 // 2 mA units
	Endpoints  []hal.EndpointConfig
}

// Size returns the total length of the configuration descriptor set.
func (c *Configuration) Size() int {
	return ConfigurationDescriptorSize + InterfaceDescriptorSize + len(c.Endpoints)*EndpointDescriptorSize
}

// MarshalTo serializes the configuration, interface and endpoint
// descriptors to buf and returns the number of bytes written, or 0 if buf
// is too small.
func (c *Configuration) MarshalTo(buf []byte) int {
	total := c.Size()
	if len(buf) < total || total > 0xFFFF {
		return 0
	}
	buf[0] = ConfigurationDescriptorSize
	buf[1] = DescriptorTypeConfiguration
	binary.LittleEndian.PutUint16(buf[2:4], uint16(total))
	buf[4] = 1 // bNumInterfaces
	buf[5] = c.Value
	buf[6] = 0
	buf[7] = ConfigAttrBusPowered | c.Attributes
	buf[8] = c.MaxPower

	n := ConfigurationDescriptorSize
	iface := buf[n : n+InterfaceDescriptorSize]
	iface[0] = InterfaceDescriptorSize
	iface[1] = DescriptorTypeInterface
	iface[2] = 0 // bInterfaceNumber
	iface[3] = 0 // bAlternateSetting
	iface[4] = uint8(len(c.Endpoints))
	iface[5] = ClassVendor
	iface[6] = 0
	iface[7] = 0
	iface[8] = 0
	n += InterfaceDescriptorSize

	for _, ep := range c.Endpoints {
		e := buf[n : n+EndpointDescriptorSize]
		e[0] = EndpointDescriptorSize
		e[1] = DescriptorTypeEndpoint
		e[2] = ep.Address
		e[3] = uint8(ep.Type) & 0x03
		binary.LittleEndian.PutUint16(e[4:6], ep.MaxPacketSize)
		e[6] = ep.Interval
		n += EndpointDescriptorSize
	}
	return n
}

// ParseConfiguration walks a configuration descriptor set and returns the
// configuration it describes. Descriptors other than endpoints are skipped.
func ParseConfiguration(data []byte) (Configuration, error) {
	if len(data) < ConfigurationDescriptorSize {
		return Configuration{}, fmt.Errorf("configuration descriptor: %d bytes: %w", len(data), pkg.ErrBufferTooSmall)
	}
	if data[1] != DescriptorTypeConfiguration {
		return Configuration{}, fmt.Errorf("configuration descriptor: type 0x%02X: %w", data[1], pkg.ErrNotSupported)
	}
	total := int(binary.LittleEndian.Uint16(data[2:4]))
	if total > len(data) {
		return Configuration{}, fmt.Errorf("configuration descriptor: total %d of %d bytes: %w",
			total, len(data), pkg.ErrBufferTooSmall)
	}
	cfg := Configuration{
		Value:      data[5],
		Attributes: data[7] &^ ConfigAttrBusPowered,
		MaxPower:   data[8],
	}
	for off := int(data[0]); off < total; {
		size := int(data[off])
		if size < 2 || off+size > total {
			return Configuration{}, fmt.Errorf("descriptor at offset %d: %w", off, pkg.ErrBufferTooSmall)
		}
		if data[off+1] == DescriptorTypeEndpoint {
			if size < EndpointDescriptorSize {
				return Configuration{}, fmt.Errorf("endpoint descriptor at offset %d: %w", off, pkg.ErrBufferTooSmall)
			}
			cfg.Endpoints = append(cfg.Endpoints, hal.EndpointConfig{
				Address:       data[off+2],
				Type:          hal.EndpointType(data[off+3] & 0x03),
				MaxPacketSize: binary.LittleEndian.Uint16(data[off+4 : off+6]),
				Interval:      data[off+6],
			})
		}
		off += size
	}
	return cfg, nil
}

// StringDescriptorTo writes s as a UTF-16LE string descriptor to buf and
// returns the number of bytes written. Strings longer than a descriptor
// can hold are truncated. Returns 0 if buf is too small.
func StringDescriptorTo(buf []byte, s string) int {
	units := utf16.Encode([]rune(s))
	if len(units) > 126 {
		units = units[:126]
	}
	length := 2 + len(units)*2
	if len(buf) < length {
		return 0
	}
	buf[0] = uint8(length)
	buf[1] = DescriptorTypeString
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[2+i*2:], u)
	}
	return length
}

// LanguageDescriptorTo writes string descriptor zero, the supported
// language table, to buf. Returns 0 if buf is too small.
func LanguageDescriptorTo(buf []byte, langIDs ...uint16) int {
	length := 2 + len(langIDs)*2
	if len(buf) < length || length > 0xFF {
		return 0
	}
	buf[0] = uint8(length)
	buf[1] = DescriptorTypeString
	for i, id := range langIDs {
		binary.LittleEndian.PutUint16(buf[2+i*2:], id)
	}
	return length
}
