// Package usb contains the USB descriptor model and the host transport
// abstraction used by the USB/IP server.
package usb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// USB descriptor type constants
const (
	DeviceDescType    = 0x01
	ConfigDescType    = 0x02
	InterfaceDescType = 0x04
	EndpointDescType  = 0x05
)

// Descriptor lengths in bytes (fixed values from USB spec)
const (
	DeviceDescLen    = 18
	ConfigDescLen    = 9
	InterfaceDescLen = 9
	EndpointDescLen  = 7
)

// ClassHub is bDeviceClass for hubs, which cannot be exported.
const ClassHub = 0x09

var ErrShortDescriptor = errors.New("usb: short descriptor")

// DeviceDescriptor represents the standard USB device descriptor.
// BLength is computed dynamically; BDescriptorType is implied DeviceDescType.
type DeviceDescriptor struct {
	BcdUSB             uint16 // LE
	BDeviceClass       uint8
	BDeviceSubClass    uint8
	BDeviceProtocol    uint8
	BMaxPacketSize0    uint8
	IDVendor           uint16 // LE
	IDProduct          uint16 // LE
	BcdDevice          uint16 // LE
	IManufacturer      uint8
	IProduct           uint8
	ISerialNumber      uint8
	BNumConfigurations uint8
}

// Bytes returns the binary representation of the DeviceDescriptor with BLength auto-filled.
func (d DeviceDescriptor) Bytes() []byte {
	b := make([]byte, DeviceDescLen)
	b[0] = DeviceDescLen
	b[1] = DeviceDescType
	binary.LittleEndian.PutUint16(b[2:4], d.BcdUSB)
	b[4] = d.BDeviceClass
	b[5] = d.BDeviceSubClass
	b[6] = d.BDeviceProtocol
	b[7] = d.BMaxPacketSize0
	binary.LittleEndian.PutUint16(b[8:10], d.IDVendor)
	binary.LittleEndian.PutUint16(b[10:12], d.IDProduct)
	binary.LittleEndian.PutUint16(b[12:14], d.BcdDevice)
	b[14] = d.IManufacturer
	b[15] = d.IProduct
	b[16] = d.ISerialNumber
	b[17] = d.BNumConfigurations
	return b
}

// ParseDeviceDescriptor decodes an 18-byte device descriptor as returned by
// GET_DESCRIPTOR(DEVICE).
func ParseDeviceDescriptor(b []byte) (DeviceDescriptor, error) {
	if len(b) < DeviceDescLen {
		return DeviceDescriptor{}, fmt.Errorf("%w: device descriptor has %d bytes", ErrShortDescriptor, len(b))
	}
	if b[1] != DeviceDescType {
		return DeviceDescriptor{}, fmt.Errorf("usb: descriptor type 0x%02x is not a device descriptor", b[1])
	}
	return DeviceDescriptor{
		BcdUSB:             binary.LittleEndian.Uint16(b[2:4]),
		BDeviceClass:       b[4],
		BDeviceSubClass:    b[5],
		BDeviceProtocol:    b[6],
		BMaxPacketSize0:    b[7],
		IDVendor:           binary.LittleEndian.Uint16(b[8:10]),
		IDProduct:          binary.LittleEndian.Uint16(b[10:12]),
		BcdDevice:          binary.LittleEndian.Uint16(b[12:14]),
		IManufacturer:      b[14],
		IProduct:           b[15],
		ISerialNumber:      b[16],
		BNumConfigurations: b[17],
	}, nil
}

// ConfigHeader represents the USB configuration descriptor header (9 bytes).
type ConfigHeader struct {
	WTotalLength        uint16 // LE, to be patched after building
	BNumInterfaces      uint8
	BConfigurationValue uint8
	IConfiguration      uint8
	BMAttributes        uint8
	BMaxPower           uint8
}

func (h ConfigHeader) Write(b *bytes.Buffer) {
	b.WriteByte(ConfigDescLen)
	b.WriteByte(ConfigDescType)
	_ = binary.Write(b, binary.LittleEndian, h.WTotalLength)
	b.WriteByte(h.BNumInterfaces)
	b.WriteByte(h.BConfigurationValue)
	b.WriteByte(h.IConfiguration)
	b.WriteByte(h.BMAttributes)
	b.WriteByte(h.BMaxPower)
}

// InterfaceDescriptor (9 bytes) for each interface altsetting, with the
// endpoints that follow it.
type InterfaceDescriptor struct {
	BInterfaceNumber   uint8
	BAlternateSetting  uint8
	BNumEndpoints      uint8
	BInterfaceClass    uint8
	BInterfaceSubClass uint8
	BInterfaceProtocol uint8
	IInterface         uint8

	Endpoints []EndpointDescriptor
}

func (i InterfaceDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(InterfaceDescLen)
	b.WriteByte(InterfaceDescType)
	b.WriteByte(i.BInterfaceNumber)
	b.WriteByte(i.BAlternateSetting)
	b.WriteByte(uint8(len(i.Endpoints)))
	b.WriteByte(i.BInterfaceClass)
	b.WriteByte(i.BInterfaceSubClass)
	b.WriteByte(i.BInterfaceProtocol)
	b.WriteByte(i.IInterface)
	for _, ep := range i.Endpoints {
		ep.Write(b)
	}
}

// EndpointDescriptor (7 bytes) for each endpoint.
type EndpointDescriptor struct {
	BEndpointAddress uint8
	BMAttributes     uint8
	WMaxPacketSize   uint16 // LE
	BInterval        uint8
}

func (e EndpointDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(EndpointDescLen)
	b.WriteByte(EndpointDescType)
	b.WriteByte(e.BEndpointAddress)
	b.WriteByte(e.BMAttributes)
	_ = binary.Write(b, binary.LittleEndian, e.WMaxPacketSize)
	b.WriteByte(e.BInterval)
}

// Number is the endpoint number without the direction bit.
func (e EndpointDescriptor) Number() uint8 { return e.BEndpointAddress & 0x0F }

// Direction is DirIn when bit 7 of the address is set.
func (e EndpointDescriptor) Direction() Direction {
	if e.BEndpointAddress&0x80 != 0 {
		return DirIn
	}
	return DirOut
}

// Kind is the transfer type from bmAttributes bits 0..1.
func (e EndpointDescriptor) Kind() TransferKind { return TransferKind(e.BMAttributes & 0x03) }

// MaxPacketSize masks off the high-bandwidth multiplier bits.
func (e EndpointDescriptor) MaxPacketSize() int { return int(e.WMaxPacketSize & 0x07FF) }

// Interface groups the alternate settings sharing one bInterfaceNumber.
type Interface struct {
	Number      uint8
	AltSettings []InterfaceDescriptor
}

// AltSetting returns the alternate setting with the given value.
func (i Interface) AltSetting(alt uint8) (InterfaceDescriptor, bool) {
	for _, a := range i.AltSettings {
		if a.BAlternateSetting == alt {
			return a, true
		}
	}
	return InterfaceDescriptor{}, false
}

// ConfigDescriptor is one configuration with its interfaces.
type ConfigDescriptor struct {
	ConfigHeader
	Interfaces []Interface
}

// Interface returns the interface with the given number.
func (c ConfigDescriptor) Interface(num uint8) (Interface, bool) {
	for _, i := range c.Interfaces {
		if i.Number == num {
			return i, true
		}
	}
	return Interface{}, false
}

// Bytes encodes the full configuration descriptor with wTotalLength and
// bNumInterfaces filled in.
func (c ConfigDescriptor) Bytes() []byte {
	var body bytes.Buffer
	for _, iface := range c.Interfaces {
		for _, alt := range iface.AltSettings {
			alt.Write(&body)
		}
	}
	h := c.ConfigHeader
	h.WTotalLength = uint16(ConfigDescLen + body.Len())
	h.BNumInterfaces = uint8(len(c.Interfaces))
	var b bytes.Buffer
	h.Write(&b)
	b.Write(body.Bytes())
	return b.Bytes()
}

// ParseConfigDescriptor decodes a full configuration descriptor blob
// (header, interfaces, endpoints). Class specific descriptors are skipped.
func ParseConfigDescriptor(b []byte) (ConfigDescriptor, error) {
	if len(b) < ConfigDescLen || b[1] != ConfigDescType {
		return ConfigDescriptor{}, fmt.Errorf("%w: configuration header", ErrShortDescriptor)
	}
	cfg := ConfigDescriptor{ConfigHeader: ConfigHeader{
		WTotalLength:        binary.LittleEndian.Uint16(b[2:4]),
		BNumInterfaces:      b[4],
		BConfigurationValue: b[5],
		IConfiguration:      b[6],
		BMAttributes:        b[7],
		BMaxPower:           b[8],
	}}
	total := int(cfg.WTotalLength)
	if total > len(b) {
		return ConfigDescriptor{}, fmt.Errorf("%w: wTotalLength %d, have %d", ErrShortDescriptor, total, len(b))
	}

	var cur *InterfaceDescriptor
	flush := func() {
		if cur == nil {
			return
		}
		for i := range cfg.Interfaces {
			if cfg.Interfaces[i].Number == cur.BInterfaceNumber {
				cfg.Interfaces[i].AltSettings = append(cfg.Interfaces[i].AltSettings, *cur)
				cur = nil
				return
			}
		}
		cfg.Interfaces = append(cfg.Interfaces, Interface{Number: cur.BInterfaceNumber, AltSettings: []InterfaceDescriptor{*cur}})
		cur = nil
	}

	for off := int(b[0]); off < total; {
		l := int(b[off])
		if l < 2 || off+l > total {
			return ConfigDescriptor{}, fmt.Errorf("%w: descriptor at offset %d", ErrShortDescriptor, off)
		}
		d := b[off : off+l]
		switch d[1] {
		case InterfaceDescType:
			if l < InterfaceDescLen {
				return ConfigDescriptor{}, fmt.Errorf("%w: interface at offset %d", ErrShortDescriptor, off)
			}
			flush()
			cur = &InterfaceDescriptor{
				BInterfaceNumber:   d[2],
				BAlternateSetting:  d[3],
				BNumEndpoints:      d[4],
				BInterfaceClass:    d[5],
				BInterfaceSubClass: d[6],
				BInterfaceProtocol: d[7],
				IInterface:         d[8],
			}
		case EndpointDescType:
			if l < EndpointDescLen {
				return ConfigDescriptor{}, fmt.Errorf("%w: endpoint at offset %d", ErrShortDescriptor, off)
			}
			if cur != nil {
				cur.Endpoints = append(cur.Endpoints, EndpointDescriptor{
					BEndpointAddress: d[2],
					BMAttributes:     d[3],
					WMaxPacketSize:   binary.LittleEndian.Uint16(d[4:6]),
					BInterval:        d[6],
				})
			}
		}
		off += l
	}
	flush()
	return cfg, nil
}
