package usb

import (
	"encoding/binary"
	"fmt"
)

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// Standard request codes (bRequest).
const (
	ReqGetStatus        = 0x00
	ReqClearFeature     = 0x01
	ReqSetFeature       = 0x03
	ReqSetAddress       = 0x05
	ReqGetDescriptor    = 0x06
	ReqSetDescriptor    = 0x07
	ReqGetConfiguration = 0x08
	ReqSetConfiguration = 0x09
	ReqGetInterface     = 0x0A
	ReqSetInterface     = 0x0B
	ReqSynchFrame       = 0x0C
)

// bmRequestType fields.
const (
	RequestDirIn = 0x80

	RequestTypeStandard = 0x00
	RequestTypeClass    = 0x20
	RequestTypeVendor   = 0x40

	RecipientDevice    = 0x00
	RecipientInterface = 0x01
	RecipientEndpoint  = 0x02
	RecipientOther     = 0x03
)

// ControlSetup is the 8-byte control SETUP packet. Multi-byte fields are
// little-endian on the wire even inside big-endian USB/IP headers.
type ControlSetup struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// ParseSetup decodes the setup field of a CMD_SUBMIT.
func ParseSetup(b [SetupPacketSize]byte) ControlSetup {
	return ControlSetup{
		RequestType: b[0],
		Request:     b[1],
		Value:       binary.LittleEndian.Uint16(b[2:4]),
		Index:       binary.LittleEndian.Uint16(b[4:6]),
		Length:      binary.LittleEndian.Uint16(b[6:8]),
	}
}

// Bytes encodes the setup packet.
func (s ControlSetup) Bytes() [SetupPacketSize]byte {
	var b [SetupPacketSize]byte
	s.MarshalTo(b[:])
	return b
}

// MarshalTo writes the setup packet into buf, which must hold 8 bytes.
func (s ControlSetup) MarshalTo(buf []byte) {
	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:4], s.Value)
	binary.LittleEndian.PutUint16(buf[4:6], s.Index)
	binary.LittleEndian.PutUint16(buf[6:8], s.Length)
}

func (s ControlSetup) Direction() Direction {
	if s.RequestType&RequestDirIn != 0 {
		return DirIn
	}
	return DirOut
}

func (s ControlSetup) Type() uint8      { return s.RequestType & 0x60 }
func (s ControlSetup) Recipient() uint8 { return s.RequestType & 0x1F }

// IsSetConfiguration reports a standard device SET_CONFIGURATION.
func (s ControlSetup) IsSetConfiguration() bool {
	return s.RequestType == 0x00 && s.Request == ReqSetConfiguration
}

// IsSetInterface reports a standard interface SET_INTERFACE.
func (s ControlSetup) IsSetInterface() bool {
	return s.RequestType == 0x01 && s.Request == ReqSetInterface
}

var standardRequestNames = map[uint8]string{
	ReqGetStatus:        "GET_STATUS",
	ReqClearFeature:     "CLEAR_FEATURE",
	ReqSetFeature:       "SET_FEATURE",
	ReqSetAddress:       "SET_ADDRESS",
	ReqGetDescriptor:    "GET_DESCRIPTOR",
	ReqSetDescriptor:    "SET_DESCRIPTOR",
	ReqGetConfiguration: "GET_CONFIGURATION",
	ReqSetConfiguration: "SET_CONFIGURATION",
	ReqGetInterface:     "GET_INTERFACE",
	ReqSetInterface:     "SET_INTERFACE",
	ReqSynchFrame:       "SYNCH_FRAME",
}

func (s ControlSetup) String() string {
	name := fmt.Sprintf("0x%02x", s.Request)
	switch s.Type() {
	case RequestTypeStandard:
		if n, ok := standardRequestNames[s.Request]; ok {
			name = n
		}
	case RequestTypeClass:
		name = "class " + name
	case RequestTypeVendor:
		name = "vendor " + name
	}
	return fmt.Sprintf("%s %s type=0x%02x value=0x%04x index=0x%04x length=%d",
		name, s.Direction(), s.RequestType, s.Value, s.Index, s.Length)
}
