package usbip

import (
	"encoding/binary"
	"io"
)

// Wire constants (network byte order / big-endian)
const (
	Version = 0x0111

	// Management commands
	OpReqDevlist = 0x8005
	OpRepDevlist = 0x0005
	OpReqImport  = 0x8003
	OpRepImport  = 0x0003

	// Management reply status
	StatusOK = 0x00000000
	StatusNA = 0x00000001

	// URB transfer commands
	CmdSubmitCode = 0x00000001
	CmdUnlinkCode = 0x00000002
	RetSubmitCode = 0x00000003
	RetUnlinkCode = 0x00000004

	// Directions used in usbip_header_basic.direction
	DirOut = 0x00000000
	DirIn  = 0x00000001
)

// Fixed section sizes.
const (
	MgmtHeaderLen      = 8
	BusIDLen           = 32
	PathLen            = 256
	DeviceRecordLen    = 312
	InterfaceRecordLen = 4
	URBHeaderLen       = 48
	IsoDescriptorLen   = 16

	// NoIsoPackets is sent in RET_SUBMIT.number_of_packets for non isochronous transfers.
	NoIsoPackets = 0xFFFFFFFF
)

// Decoder limits. Anything larger is treated as a malformed packet.
const (
	MaxTransferBufferLen = 16 << 20
	MaxIsoPackets        = 1024
)

// MgmtHeader is the 8-byte header for management ops (devlist/import).
type MgmtHeader struct {
	Version uint16
	Command uint16
	Status  uint32
}

func (h *MgmtHeader) Write(w io.Writer) error {
	var buf [MgmtHeaderLen]byte
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	binary.BigEndian.PutUint16(buf[2:4], h.Command)
	binary.BigEndian.PutUint32(buf[4:8], h.Status)
	_, err := w.Write(buf[:])
	return err
}

// ImportRequest is the payload following an OP_REQ_IMPORT header.
type ImportRequest struct {
	BusID string
}

func (r *ImportRequest) Write(w io.Writer) error {
	var buf [BusIDLen]byte
	putFixedString(buf[:], r.BusID)
	_, err := w.Write(buf[:])
	return err
}

// DevListReply is the payload following an OP_REP_DEVLIST header.
type DevListReply struct {
	Devices []ExportedDevice
}

func (d *DevListReply) Write(w io.Writer) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(len(d.Devices)))
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	for i := range d.Devices {
		if err := d.Devices[i].WriteDevlist(w); err != nil {
			return err
		}
	}
	return nil
}

// ExportedDevice describes one exported device in devlist/import replies.
// Layout matches kernel doc, strings are fixed-size, remaining numbers are BE.
type ExportedDevice struct {
	Path   string
	BusID  string
	BusNum uint32
	DevNum uint32
	Speed  uint32

	IDVendor            uint16
	IDProduct           uint16
	BcdDevice           uint16
	BDeviceClass        uint8
	BDeviceSubClass     uint8
	BDeviceProtocol     uint8
	BConfigurationValue uint8
	BNumConfigurations  uint8
	BNumInterfaces      uint8

	// Interfaces: for each interface: class, subclass, protocol, pad
	Interfaces []InterfaceDesc
}

type InterfaceDesc struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

func putFixedString(dst []byte, s string) {
	n := copy(dst, s)
	clear(dst[n:])
}

func fixedString(src []byte) string {
	for i, b := range src {
		if b == 0 {
			return string(src[:i])
		}
	}
	return string(src)
}

func (d *ExportedDevice) record() [DeviceRecordLen]byte {
	var buf [DeviceRecordLen]byte
	putFixedString(buf[0:256], d.Path)
	putFixedString(buf[256:288], d.BusID)
	binary.BigEndian.PutUint32(buf[288:292], d.BusNum)
	binary.BigEndian.PutUint32(buf[292:296], d.DevNum)
	binary.BigEndian.PutUint32(buf[296:300], d.Speed)
	binary.BigEndian.PutUint16(buf[300:302], d.IDVendor)
	binary.BigEndian.PutUint16(buf[302:304], d.IDProduct)
	binary.BigEndian.PutUint16(buf[304:306], d.BcdDevice)
	buf[306] = d.BDeviceClass
	buf[307] = d.BDeviceSubClass
	buf[308] = d.BDeviceProtocol
	buf[309] = d.BConfigurationValue
	buf[310] = d.BNumConfigurations
	buf[311] = d.BNumInterfaces
	return buf
}

// WriteDevlist writes the device entry for OP_REP_DEVLIST (includes interface triplets).
// One interface record is written per BNumInterfaces; missing entries are zero.
func (d *ExportedDevice) WriteDevlist(w io.Writer) error {
	rec := d.record()
	out := make([]byte, 0, DeviceRecordLen+int(d.BNumInterfaces)*InterfaceRecordLen)
	out = append(out, rec[:]...)
	for i := 0; i < int(d.BNumInterfaces); i++ {
		var iface InterfaceDesc
		if i < len(d.Interfaces) {
			iface = d.Interfaces[i]
		}
		out = append(out, iface.Class, iface.SubClass, iface.Protocol, 0)
	}
	_, err := w.Write(out)
	return err
}

// WriteImport writes the device entry for OP_REP_IMPORT (ends at bNumInterfaces).
func (d *ExportedDevice) WriteImport(w io.Writer) error {
	rec := d.record()
	_, err := w.Write(rec[:])
	return err
}

// HeaderBasic is common to all URB cmds and replies.
type HeaderBasic struct {
	Command uint32
	Seqnum  uint32
	Devid   uint32
	Dir     uint32
	Ep      uint32
}

func (h *HeaderBasic) put(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.Command)
	binary.BigEndian.PutUint32(buf[4:8], h.Seqnum)
	binary.BigEndian.PutUint32(buf[8:12], h.Devid)
	binary.BigEndian.PutUint32(buf[12:16], h.Dir)
	binary.BigEndian.PutUint32(buf[16:20], h.Ep)
}

// IsoPacketDescriptor is one entry of the isochronous descriptor table that follows
// the transfer buffer in CMD_SUBMIT and RET_SUBMIT.
type IsoPacketDescriptor struct {
	Offset       uint32
	Length       uint32
	ActualLength uint32
	Status       int32
}

func appendIso(out []byte, packets []IsoPacketDescriptor) []byte {
	for _, p := range packets {
		out = binary.BigEndian.AppendUint32(out, p.Offset)
		out = binary.BigEndian.AppendUint32(out, p.Length)
		out = binary.BigEndian.AppendUint32(out, p.ActualLength)
		out = binary.BigEndian.AppendUint32(out, uint32(p.Status))
	}
	return out
}

// CmdSubmit header (before payload) length is 0x30.
// Data carries the OUT payload, IsoPackets the descriptor table.
type CmdSubmit struct {
	Basic             HeaderBasic
	TransferFlags     uint32
	TransferBufferLen uint32
	StartFrame        uint32
	NumberOfPackets   uint32
	Interval          uint32
	Setup             [8]byte

	Data       []byte
	IsoPackets []IsoPacketDescriptor
}

func (c *CmdSubmit) Write(w io.Writer) error {
	out := make([]byte, URBHeaderLen, URBHeaderLen+len(c.Data)+len(c.IsoPackets)*IsoDescriptorLen)
	c.Basic.put(out)
	binary.BigEndian.PutUint32(out[20:24], c.TransferFlags)
	binary.BigEndian.PutUint32(out[24:28], c.TransferBufferLen)
	binary.BigEndian.PutUint32(out[28:32], c.StartFrame)
	binary.BigEndian.PutUint32(out[32:36], c.NumberOfPackets)
	binary.BigEndian.PutUint32(out[36:40], c.Interval)
	copy(out[40:48], c.Setup[:])
	out = append(out, c.Data...)
	out = appendIso(out, c.IsoPackets)
	_, err := w.Write(out)
	return err
}

// RetSubmit header (before payload) length is 0x30.
// Data carries the IN payload, IsoPackets the descriptor table.
type RetSubmit struct {
	Basic           HeaderBasic
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
	Padding         [8]byte

	Data       []byte
	IsoPackets []IsoPacketDescriptor
}

func (r *RetSubmit) Write(w io.Writer) error {
	out := make([]byte, URBHeaderLen, URBHeaderLen+len(r.Data)+len(r.IsoPackets)*IsoDescriptorLen)
	r.Basic.put(out)
	binary.BigEndian.PutUint32(out[20:24], uint32(r.Status))
	binary.BigEndian.PutUint32(out[24:28], r.ActualLength)
	binary.BigEndian.PutUint32(out[28:32], r.StartFrame)
	binary.BigEndian.PutUint32(out[32:36], r.NumberOfPackets)
	binary.BigEndian.PutUint32(out[36:40], r.ErrorCount)
	copy(out[40:48], r.Padding[:])
	out = append(out, r.Data...)
	out = appendIso(out, r.IsoPackets)
	_, err := w.Write(out)
	return err
}

// CmdUnlink and RetUnlink
type CmdUnlink struct {
	Basic        HeaderBasic
	UnlinkSeqnum uint32
	Padding      [24]byte
}

type RetUnlink struct {
	Basic   HeaderBasic
	Status  int32
	Padding [24]byte
}

func (c *CmdUnlink) Write(w io.Writer) error {
	var buf [URBHeaderLen]byte
	c.Basic.put(buf[:])
	binary.BigEndian.PutUint32(buf[20:24], c.UnlinkSeqnum)
	copy(buf[24:48], c.Padding[:])
	_, err := w.Write(buf[:])
	return err
}

func (r *RetUnlink) Write(w io.Writer) error {
	var buf [URBHeaderLen]byte
	r.Basic.put(buf[:])
	binary.BigEndian.PutUint32(buf[20:24], uint32(r.Status))
	copy(buf[24:48], r.Padding[:])
	_, err := w.Write(buf[:])
	return err
}

func ReadExactly(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}
