package usbip

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrMalformedPacket is returned when the stream ends before a declared
	// length is satisfied or a length field is out of range.
	ErrMalformedPacket = errors.New("usbip: malformed packet")
	// ErrUnknownOpcode is returned for management opcodes other than devlist/import.
	ErrUnknownOpcode = errors.New("usbip: unknown opcode")
	// ErrUnknownCommand is returned for URB commands a server does not accept.
	ErrUnknownCommand = errors.New("usbip: unknown command")
)

func readSection(r io.Reader, buf []byte, what string) error {
	if err := ReadExactly(r, buf); err != nil {
		if errors.Is(err, io.EOF) && what == "header" {
			// clean close between packets
			return err
		}
		return fmt.Errorf("%w: short %s: %w", ErrMalformedPacket, what, err)
	}
	return nil
}

// ReadMgmtHeader reads the 8-byte management header.
func ReadMgmtHeader(r io.Reader) (MgmtHeader, error) {
	var buf [MgmtHeaderLen]byte
	if err := readSection(r, buf[:], "header"); err != nil {
		return MgmtHeader{}, err
	}
	return ParseMgmtHeader(buf[:]), nil
}

// ParseMgmtHeader decodes a header from an already buffered 8-byte slice.
func ParseMgmtHeader(b []byte) MgmtHeader {
	return MgmtHeader{
		Version: binary.BigEndian.Uint16(b[0:2]),
		Command: binary.BigEndian.Uint16(b[2:4]),
		Status:  binary.BigEndian.Uint32(b[4:8]),
	}
}

// ReadImportRequest reads the 32-byte bus id following OP_REQ_IMPORT.
func ReadImportRequest(r io.Reader) (ImportRequest, error) {
	var buf [BusIDLen]byte
	if err := readSection(r, buf[:], "busid"); err != nil {
		return ImportRequest{}, err
	}
	return ImportRequest{BusID: fixedString(buf[:])}, nil
}

// ReadExportedDevice reads a 312-byte device record, followed by the
// interface records when withInterfaces is set (devlist form).
func ReadExportedDevice(r io.Reader, withInterfaces bool) (ExportedDevice, error) {
	var buf [DeviceRecordLen]byte
	if err := readSection(r, buf[:], "device record"); err != nil {
		return ExportedDevice{}, err
	}
	d := ExportedDevice{
		Path:                fixedString(buf[0:256]),
		BusID:               fixedString(buf[256:288]),
		BusNum:              binary.BigEndian.Uint32(buf[288:292]),
		DevNum:              binary.BigEndian.Uint32(buf[292:296]),
		Speed:               binary.BigEndian.Uint32(buf[296:300]),
		IDVendor:            binary.BigEndian.Uint16(buf[300:302]),
		IDProduct:           binary.BigEndian.Uint16(buf[302:304]),
		BcdDevice:           binary.BigEndian.Uint16(buf[304:306]),
		BDeviceClass:        buf[306],
		BDeviceSubClass:     buf[307],
		BDeviceProtocol:     buf[308],
		BConfigurationValue: buf[309],
		BNumConfigurations:  buf[310],
		BNumInterfaces:      buf[311],
	}
	if !withInterfaces || d.BNumInterfaces == 0 {
		return d, nil
	}
	ifs := make([]byte, int(d.BNumInterfaces)*InterfaceRecordLen)
	if err := readSection(r, ifs, "interface records"); err != nil {
		return ExportedDevice{}, err
	}
	d.Interfaces = make([]InterfaceDesc, d.BNumInterfaces)
	for i := range d.Interfaces {
		rec := ifs[i*InterfaceRecordLen:]
		d.Interfaces[i] = InterfaceDesc{Class: rec[0], SubClass: rec[1], Protocol: rec[2]}
	}
	return d, nil
}

// ReadDevListReply reads the count and device records following OP_REP_DEVLIST.
func ReadDevListReply(r io.Reader) (DevListReply, error) {
	var buf [4]byte
	if err := readSection(r, buf[:], "device count"); err != nil {
		return DevListReply{}, err
	}
	n := binary.BigEndian.Uint32(buf[:])
	if n > 1<<16 {
		return DevListReply{}, fmt.Errorf("%w: device count %d", ErrMalformedPacket, n)
	}
	out := DevListReply{}
	for i := uint32(0); i < n; i++ {
		d, err := ReadExportedDevice(r, true)
		if err != nil {
			return DevListReply{}, err
		}
		out.Devices = append(out.Devices, d)
	}
	return out, nil
}

func parseBasic(b []byte) HeaderBasic {
	return HeaderBasic{
		Command: binary.BigEndian.Uint32(b[0:4]),
		Seqnum:  binary.BigEndian.Uint32(b[4:8]),
		Devid:   binary.BigEndian.Uint32(b[8:12]),
		Dir:     binary.BigEndian.Uint32(b[12:16]),
		Ep:      binary.BigEndian.Uint32(b[16:20]),
	}
}

func readIso(r io.Reader, n uint32) ([]IsoPacketDescriptor, error) {
	if n == 0 || n == NoIsoPackets {
		return nil, nil
	}
	if n > MaxIsoPackets {
		return nil, fmt.Errorf("%w: %d iso packets", ErrMalformedPacket, n)
	}
	buf := make([]byte, int(n)*IsoDescriptorLen)
	if err := readSection(r, buf, "iso descriptors"); err != nil {
		return nil, err
	}
	out := make([]IsoPacketDescriptor, n)
	for i := range out {
		p := buf[i*IsoDescriptorLen:]
		out[i] = IsoPacketDescriptor{
			Offset:       binary.BigEndian.Uint32(p[0:4]),
			Length:       binary.BigEndian.Uint32(p[4:8]),
			ActualLength: binary.BigEndian.Uint32(p[8:12]),
			Status:       int32(binary.BigEndian.Uint32(p[12:16])),
		}
	}
	return out, nil
}

func readPayload(r io.Reader, n uint32) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if n > MaxTransferBufferLen {
		return nil, fmt.Errorf("%w: transfer length %d", ErrMalformedPacket, n)
	}
	buf := make([]byte, n)
	if err := readSection(r, buf, "transfer buffer"); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadCommand reads one client URB command: *CmdSubmit or *CmdUnlink.
// A clean io.EOF before the first header byte is returned unwrapped.
func ReadCommand(r io.Reader) (any, error) {
	var hdr [URBHeaderLen]byte
	if err := readSection(r, hdr[:], "header"); err != nil {
		return nil, err
	}
	basic := parseBasic(hdr[:])
	switch basic.Command {
	case CmdSubmitCode:
		c := &CmdSubmit{
			Basic:             basic,
			TransferFlags:     binary.BigEndian.Uint32(hdr[20:24]),
			TransferBufferLen: binary.BigEndian.Uint32(hdr[24:28]),
			StartFrame:        binary.BigEndian.Uint32(hdr[28:32]),
			NumberOfPackets:   binary.BigEndian.Uint32(hdr[32:36]),
			Interval:          binary.BigEndian.Uint32(hdr[36:40]),
		}
		copy(c.Setup[:], hdr[40:48])
		var err error
		if basic.Dir == DirOut {
			if c.Data, err = readPayload(r, c.TransferBufferLen); err != nil {
				return nil, err
			}
		} else if c.TransferBufferLen > MaxTransferBufferLen {
			return nil, fmt.Errorf("%w: transfer length %d", ErrMalformedPacket, c.TransferBufferLen)
		}
		if c.IsoPackets, err = readIso(r, c.NumberOfPackets); err != nil {
			return nil, err
		}
		return c, nil
	case CmdUnlinkCode:
		c := &CmdUnlink{
			Basic:        basic,
			UnlinkSeqnum: binary.BigEndian.Uint32(hdr[20:24]),
		}
		copy(c.Padding[:], hdr[24:48])
		return c, nil
	default:
		return nil, fmt.Errorf("%w: 0x%08x", ErrUnknownCommand, basic.Command)
	}
}

// ReadReply reads one server URB reply: *RetSubmit or *RetUnlink.
// Servers zero the direction in RET_SUBMIT, so dirOf resolves the direction of
// the original request by seqnum; IN replies carry ActualLength bytes of data.
// A nil dirOf uses the direction in the reply header.
func ReadReply(r io.Reader, dirOf func(seq uint32) uint32) (any, error) {
	var hdr [URBHeaderLen]byte
	if err := readSection(r, hdr[:], "header"); err != nil {
		return nil, err
	}
	basic := parseBasic(hdr[:])
	switch basic.Command {
	case RetSubmitCode:
		ret := &RetSubmit{
			Basic:           basic,
			Status:          int32(binary.BigEndian.Uint32(hdr[20:24])),
			ActualLength:    binary.BigEndian.Uint32(hdr[24:28]),
			StartFrame:      binary.BigEndian.Uint32(hdr[28:32]),
			NumberOfPackets: binary.BigEndian.Uint32(hdr[32:36]),
			ErrorCount:      binary.BigEndian.Uint32(hdr[36:40]),
		}
		copy(ret.Padding[:], hdr[40:48])
		dir := basic.Dir
		if dirOf != nil {
			dir = dirOf(basic.Seqnum)
		}
		var err error
		if dir == DirIn {
			if ret.Data, err = readPayload(r, ret.ActualLength); err != nil {
				return nil, err
			}
		}
		if ret.IsoPackets, err = readIso(r, ret.NumberOfPackets); err != nil {
			return nil, err
		}
		return ret, nil
	case RetUnlinkCode:
		ret := &RetUnlink{
			Basic:  basic,
			Status: int32(binary.BigEndian.Uint32(hdr[20:24])),
		}
		copy(ret.Padding[:], hdr[24:48])
		return ret, nil
	default:
		return nil, fmt.Errorf("%w: 0x%08x", ErrUnknownCommand, basic.Command)
	}
}
